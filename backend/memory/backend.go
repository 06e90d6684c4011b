// Package memory implements the backend interface with in-process state,
// suitable for tests and single-node deployments where the account and
// catalog subsystems are seeded from configuration.
package memory

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"

	"github.com/okami-tracker/okami/backend"
	"github.com/okami-tracker/okami/bittorrent"
	"github.com/okami-tracker/okami/pkg/stop"
)

// Name is the name by which this backend is registered.
const Name = "memory"

func init() {
	backend.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewBackend(icfg interface{}) (backend.Backend, error) {
	var cfg Config
	if err := backend.UnmarshalConfig(icfg, &cfg); err != nil {
		return nil, err
	}

	return New(cfg)
}

// UserSeed declares one user in the configuration.
type UserSeed struct {
	ID      uint32 `yaml:"id"`
	Passkey string `yaml:"passkey"`
	VIP     bool   `yaml:"vip"`
	Banned  bool   `yaml:"banned"`
}

// TorrentSeed declares one catalog entry in the configuration. The info
// hash is hex encoded.
type TorrentSeed struct {
	ID        uint32 `yaml:"id"`
	InfoHash  string `yaml:"info_hash"`
	Freeleech bool   `yaml:"freeleech"`
}

// Config holds the configuration of a memory Backend.
type Config struct {
	Users    []UserSeed    `yaml:"users"`
	Torrents []TorrentSeed `yaml:"torrents"`
}

type userEntry struct {
	id      uint32
	passkey string
	vip     bool
	banned  bool

	uploaded    uint64
	downloaded  uint64
	bonusPoints uint64

	hitAndRuns uint64
}

// digest is the passkey index key. Passkeys are never kept as map keys
// directly.
type digest [sha256.Size]byte

func digestOf(passkey string) digest {
	return sha256.Sum256([]byte(passkey))
}

// Backend is an in-memory backend.Backend.
type Backend struct {
	mu       sync.RWMutex
	users    map[uint32]*userEntry
	passkeys map[digest]uint32
	torrents map[bittorrent.InfoHash]backend.Torrent
}

var _ backend.Backend = &Backend{}

// New creates a new Backend seeded from cfg.
func New(cfg Config) (*Backend, error) {
	b := &Backend{
		users:    make(map[uint32]*userEntry),
		passkeys: make(map[digest]uint32),
		torrents: make(map[bittorrent.InfoHash]backend.Torrent),
	}

	for _, u := range cfg.Users {
		b.AddUser(backend.User{
			ID:      u.ID,
			Passkey: u.Passkey,
			VIP:     u.VIP,
			Banned:  u.Banned,
		})
	}

	for _, t := range cfg.Torrents {
		raw, err := hex.DecodeString(t.InfoHash)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding info hash %q", t.InfoHash)
		}
		if len(raw) != 20 {
			return nil, errors.Errorf("info hash %q is not 20 bytes", t.InfoHash)
		}
		b.AddTorrent(backend.Torrent{
			ID:        t.ID,
			InfoHash:  bittorrent.InfoHashFromBytes(raw),
			Freeleech: t.Freeleech,
		})
	}

	return b, nil
}

// AddUser registers or replaces a user.
func (b *Backend) AddUser(u backend.User) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.users[u.ID] = &userEntry{
		id:          u.ID,
		passkey:     u.Passkey,
		vip:         u.VIP,
		banned:      u.Banned,
		uploaded:    u.Uploaded,
		downloaded:  u.Downloaded,
		bonusPoints: u.BonusPoints,
	}
	b.passkeys[digestOf(u.Passkey)] = u.ID
}

// AddTorrent registers or replaces a catalog entry.
func (b *Backend) AddTorrent(t backend.Torrent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.torrents[t.InfoHash] = t
}

func (e *userEntry) snapshot() backend.User {
	return backend.User{
		ID:          e.id,
		Passkey:     e.passkey,
		VIP:         e.vip,
		Banned:      e.banned,
		Uploaded:    atomic.LoadUint64(&e.uploaded),
		Downloaded:  atomic.LoadUint64(&e.downloaded),
		BonusPoints: atomic.LoadUint64(&e.bonusPoints),
	}
}

func (b *Backend) ResolveUser(_ context.Context, passkey string) (backend.User, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, ok := b.passkeys[digestOf(passkey)]
	if !ok {
		return backend.User{}, backend.ErrUserDoesNotExist
	}

	return b.users[id].snapshot(), nil
}

func (b *Backend) UserByID(_ context.Context, id uint32) (backend.User, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.users[id]
	if !ok {
		return backend.User{}, backend.ErrUserDoesNotExist
	}

	return e.snapshot(), nil
}

func (b *Backend) TorrentByInfoHash(_ context.Context, ih bittorrent.InfoHash) (backend.Torrent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.torrents[ih]
	if !ok {
		return backend.Torrent{}, backend.ErrTorrentDoesNotExist
	}

	return t, nil
}

func (b *Backend) CreditUser(_ context.Context, userID uint32, uploaded, downloaded uint64) error {
	b.mu.RLock()
	e, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return backend.ErrUserDoesNotExist
	}

	atomic.AddUint64(&e.uploaded, uploaded)
	atomic.AddUint64(&e.downloaded, downloaded)

	return nil
}

func (b *Backend) AwardBonusPoints(_ context.Context, userID uint32, points uint64) error {
	b.mu.RLock()
	e, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return backend.ErrUserDoesNotExist
	}

	atomic.AddUint64(&e.bonusPoints, points)

	return nil
}

func (b *Backend) ReportHitAndRun(_ context.Context, userID, _ uint32) error {
	b.mu.RLock()
	e, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return backend.ErrUserDoesNotExist
	}

	atomic.AddUint64(&e.hitAndRuns, 1)

	return nil
}

// HitAndRuns returns the number of violations reported for a user.
func (b *Backend) HitAndRuns(userID uint32) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.users[userID]
	if !ok {
		return 0
	}

	return atomic.LoadUint64(&e.hitAndRuns)
}

func (b *Backend) Stop() stop.Result {
	return stop.AlreadyStopped
}
