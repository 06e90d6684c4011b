// Package backend abstracts the tracker's external collaborators: the
// account subsystem that owns users and transfer ledgers, and the catalog
// subsystem that owns the registered torrents.
package backend

import (
	"context"
	"errors"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/okami-tracker/okami/bittorrent"
	"github.com/okami-tracker/okami/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of Backend.
type Driver interface {
	NewBackend(cfg interface{}) (Backend, error)
}

// ErrUserDoesNotExist is returned when no user holds the presented passkey.
var ErrUserDoesNotExist = bittorrent.ClientError("passkey not found")

// ErrTorrentDoesNotExist is returned when an info hash is not registered.
var ErrTorrentDoesNotExist = bittorrent.ClientError("torrent not found")

// ErrDriverDoesNotExist is the error returned by New when a backend driver
// with that name does not exist.
var ErrDriverDoesNotExist = errors.New("backend driver with that name does not exist")

// User is an account as the tracker sees it. The account subsystem owns the
// rest of the profile.
type User struct {
	ID      uint32
	Passkey string
	VIP     bool
	Banned  bool

	Uploaded    uint64
	Downloaded  uint64
	BonusPoints uint64
}

// Torrent is a catalog entry as the tracker sees it.
type Torrent struct {
	ID        uint32
	InfoHash  bittorrent.InfoHash
	Freeleech bool
}

// Backend is the tracker's view of the account and catalog subsystems.
//
// Ledger mutations are increment-only: implementations apply them as atomic
// adds, never read-modify-write of absolute totals.
type Backend interface {
	// ResolveUser returns the user holding the presented passkey.
	//
	// Returns ErrUserDoesNotExist if no user holds it.
	ResolveUser(ctx context.Context, passkey string) (User, error)

	// UserByID returns the user with the given ID.
	//
	// Returns ErrUserDoesNotExist if no such user exists.
	UserByID(ctx context.Context, id uint32) (User, error)

	// TorrentByInfoHash returns the catalog entry for ih.
	//
	// Returns ErrTorrentDoesNotExist if ih is not registered.
	TorrentByInfoHash(ctx context.Context, ih bittorrent.InfoHash) (Torrent, error)

	// CreditUser atomically adds the provided transfer deltas to the
	// user's ledger.
	CreditUser(ctx context.Context, userID uint32, uploaded, downloaded uint64) error

	// AwardBonusPoints atomically adds points to the user's bonus
	// balance.
	AwardBonusPoints(ctx context.Context, userID uint32, points uint64) error

	// ReportHitAndRun notifies the account subsystem of a hit-and-run
	// violation for (userID, torrentID).
	ReportHitAndRun(ctx context.Context, userID, torrentID uint32) error

	// stop.Stopper provides a clean shutdown of the backend.
	stop.Stopper
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("backend: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("backend: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("backend: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// New attempts to initialize a new Backend with given a name from the list
// of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func New(name string, cfg interface{}) (Backend, error) {
	driversM.RLock()
	defer driversM.RUnlock()

	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewBackend(cfg)
}

// UnmarshalConfig reparses a generic YAML config value into the
// driver-specific config struct pointed to by to.
func UnmarshalConfig(cfg interface{}, to interface{}) error {
	bytes, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(bytes, to)
}
