// Package storage abstracts the durable state of a private tracker: the
// last-announce record per (torrent, peer) pair, snatch lifecycles, and the
// cross-torrent transfer marks used for delta accounting.
package storage

import (
	"errors"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/okami-tracker/okami/bittorrent"
	"github.com/okami-tracker/okami/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of PeerStore.
type Driver interface {
	NewPeerStore(cfg interface{}) (PeerStore, error)
}

// ErrResourceDoesNotExist is the error returned by all delete methods if the
// requested resource does not exist.
var ErrResourceDoesNotExist = bittorrent.ClientError("resource does not exist")

// ErrDriverDoesNotExist is the error returned by NewPeerStore when a peer
// store driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("peer store driver with that name does not exist")

// PeerRecord is the most recent announce for a (torrent, peer) pair.
//
// Uploaded, Downloaded and Left are absolute counters as reported by the
// client, never deltas. A record is active iff its LastAnnounce is within
// the store's configured peer lifetime and its Event is not Stopped.
type PeerRecord struct {
	Peer      bittorrent.Peer
	UserID    uint32
	TorrentID uint32

	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      bittorrent.Event

	// LastAnnounce and BonusCheckpoint are nanoseconds since the Unix
	// Epoch. BonusCheckpoint marks the start of seeding time that has not
	// yet been converted into bonus points; the store maintains it across
	// upserts and resets it whenever a record (re)enters the seeding
	// state.
	LastAnnounce    int64
	BonusCheckpoint int64
}

// Seeding reports whether the record is a seeder. A reported left of zero is
// the sole completion signal.
func (r PeerRecord) Seeding() bool { return r.Left == 0 }

// Snatch is the lifecycle of a completed download for a (user, torrent)
// pair, used for hit-and-run detection.
type Snatch struct {
	UserID    uint32
	TorrentID uint32
	InfoHash  bittorrent.InfoHash
	PeerID    bittorrent.PeerID

	// CompletedAt and LastSeededAt are nanoseconds since the Unix Epoch.
	CompletedAt  int64
	LastSeededAt int64

	// Flagged is set exactly once, when a sweep reports the snatch as a
	// hit-and-run violation.
	Flagged bool
}

// SeedingSession is a currently active seeder together with the seeding time
// accrued since its last bonus checkpoint.
type SeedingSession struct {
	UserID   uint32
	InfoHash bittorrent.InfoHash
	PeerID   bittorrent.PeerID
	Accrued  time.Duration
}

// PeerStore is an interface that abstracts the interactions of storing and
// manipulating announce state such that it can be implemented for various
// data stores.
//
// Implementations must serialize PutAnnounce per (infohash, peer ID) pair:
// the returned prior record must be the record the new one replaces, with no
// interleaving window in which two concurrent announces for the same pair
// observe the same prior state. Different pairs proceed in parallel.
type PeerStore interface {
	// PutAnnounce atomically replaces the record for (ih, r.Peer.ID) and
	// returns the replaced record, if any. The store maintains the
	// record's BonusCheckpoint and, when the record is seeding, the
	// LastSeededAt of a matching snatch.
	PutAnnounce(ih bittorrent.InfoHash, r PeerRecord) (prev PeerRecord, existed bool, err error)

	// DeletePeer removes the record for (ih, id) immediately, ahead of
	// its natural expiry.
	//
	// Returns ErrResourceDoesNotExist if no such record exists.
	DeletePeer(ih bittorrent.InfoHash, id bittorrent.PeerID) error

	// ActivePeers returns the active peers of the swarm identified by ih,
	// excluding the peer identified by exclude, ordered by most recent
	// announce first, capped at limit.
	//
	// The ordering is deterministic: LastAnnounce descending with peer ID
	// as the tiebreak.
	ActivePeers(ih bittorrent.InfoHash, exclude bittorrent.PeerID, limit int) ([]bittorrent.Peer, error)

	// ScrapeSwarm returns the active seeder and leecher counts and the
	// lifetime snatch count of the swarm identified by ih. Unknown
	// infohashes yield a zero Scrape, never an error.
	ScrapeSwarm(ih bittorrent.InfoHash) (bittorrent.Scrape, error)

	// ActiveSeeder reports whether (ih, id) is currently an active
	// seeding record.
	ActiveSeeder(ih bittorrent.InfoHash, id bittorrent.PeerID) (bool, error)

	// RecordSnatch records a completion event for (ih, id). The lifetime
	// snatch count of the torrent is incremented only on the first call
	// for a given pair; first reports whether this call was it.
	RecordSnatch(ih bittorrent.InfoHash, id bittorrent.PeerID, userID, torrentID uint32, at time.Time) (first bool, err error)

	// SwapTransferMarks atomically replaces the last reported transfer
	// counters for (userID, id) across all torrents and returns the
	// previous values, if any.
	SwapTransferMarks(userID uint32, id bittorrent.PeerID, uploaded, downloaded uint64) (prevUp, prevDown uint64, existed bool, err error)

	// ForEachSnatch visits every snatch. When fn returns true the snatch
	// is marked flagged; the mark is durable and visible to subsequent
	// sweeps.
	ForEachSnatch(fn func(Snatch) (flag bool)) error

	// ForEachSeedingSession visits every active seeding record. The
	// duration returned by fn is consumed from the session: the record's
	// bonus checkpoint advances by exactly that amount, so consumed time
	// is never visited again.
	ForEachSeedingSession(fn func(SeedingSession) (consume time.Duration)) error

	// stop.Stopper provides a clean shutdown of the store and any
	// goroutines it runs.
	stop.Stopper
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("storage: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("storage: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("storage: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewPeerStore attempts to initialize a new PeerStore with given a name from
// the list of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewPeerStore(name string, cfg interface{}) (ps PeerStore, err error) {
	driversM.RLock()
	defer driversM.RUnlock()

	var d Driver
	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewPeerStore(cfg)
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
