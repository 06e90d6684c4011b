// Package memory implements the storage interface for an okami tracker kept
// entirely in memory.
package memory

import (
	"encoding/binary"
	"errors"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/okami-tracker/okami/bittorrent"
	"github.com/okami-tracker/okami/pkg/log"
	"github.com/okami-tracker/okami/pkg/stop"
	"github.com/okami-tracker/okami/pkg/timecache"
	"github.com/okami-tracker/okami/storage"
)

// Name is the name by which this peer store is registered.
const Name = "memory"

func init() {
	prometheus.MustRegister(promGCDurationMilliseconds)
	prometheus.MustRegister(promInfohashesCount)
	storage.RegisterDriver(Name, driver{})
}

var promGCDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "okami_storage_gc_duration_milliseconds",
	Help:    "The time it takes to perform storage garbage collection",
	Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
})

var promInfohashesCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "okami_storage_infohashes_count",
	Help: "The number of infohashes tracked",
})

// recordGCDuration records the duration of a GC sweep.
func recordGCDuration(duration time.Duration) {
	promGCDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

// recordInfohashesDelta records a change in the number of Infohashes tracked.
func recordInfohashesDelta(delta float64) {
	promInfohashesCount.Add(delta)
}

// ErrInvalidGCInterval is returned for a GarbageCollectionInterval that is
// less than or equal to zero.
var ErrInvalidGCInterval = errors.New("invalid garbage collection interval")

type driver struct{}

func (d driver) NewPeerStore(icfg interface{}) (storage.PeerStore, error) {
	var cfg Config
	if err := storage.UnmarshalConfig(icfg, &cfg); err != nil {
		return nil, err
	}

	return New(cfg)
}

// Config holds the configuration of a memory PeerStore.
type Config struct {
	GarbageCollectionInterval time.Duration `yaml:"gc_interval"`
	PeerLifetime              time.Duration `yaml:"peer_lifetime"`
	ShardCount                int           `yaml:"shard_count"`
}

// New creates a new PeerStore backed by memory.
func New(cfg Config) (storage.PeerStore, error) {
	shardCount := 1
	if cfg.ShardCount > 0 {
		shardCount = cfg.ShardCount
	}

	if cfg.GarbageCollectionInterval <= 0 {
		return nil, ErrInvalidGCInterval
	}

	if cfg.PeerLifetime <= 0 {
		cfg.PeerLifetime = 30 * time.Minute
	}

	ps := &peerStore{
		shards:       make([]*peerShard, shardCount),
		peerLifetime: cfg.PeerLifetime,
		marks:        make(map[markKey]transferMark),
		snatches:     make(map[snatchKey]*storage.Snatch),
		snatchSeen:   make(map[pairKey]struct{}),
		snatchCounts: make(map[bittorrent.InfoHash]uint32),
		closing:      make(chan struct{}),
	}

	for i := 0; i < shardCount; i++ {
		ps.shards[i] = &peerShard{swarms: make(map[bittorrent.InfoHash]swarm)}
	}

	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		for {
			select {
			case <-ps.closing:
				return
			case <-time.After(cfg.GarbageCollectionInterval):
				before := time.Now().Add(-cfg.PeerLifetime)
				log.Debug("memory: purging peers with no announces since", log.Fields{"before": before})
				ps.collectGarbage(before)
			}
		}
	}()

	return ps, nil
}

type peerShard struct {
	swarms map[bittorrent.InfoHash]swarm
	sync.RWMutex
}

type swarm struct {
	peers map[bittorrent.PeerID]*storage.PeerRecord
}

type markKey struct {
	userID uint32
	peerID bittorrent.PeerID
}

type transferMark struct {
	uploaded   uint64
	downloaded uint64
}

type snatchKey struct {
	userID    uint32
	torrentID uint32
}

type pairKey struct {
	ih bittorrent.InfoHash
	id bittorrent.PeerID
}

type peerStore struct {
	shards       []*peerShard
	peerLifetime time.Duration

	marksMu sync.Mutex
	marks   map[markKey]transferMark

	snatchesMu   sync.Mutex
	snatches     map[snatchKey]*storage.Snatch
	snatchSeen   map[pairKey]struct{}
	snatchCounts map[bittorrent.InfoHash]uint32

	closing chan struct{}
	wg      sync.WaitGroup
}

var _ storage.PeerStore = &peerStore{}

func (ps *peerStore) shardIndex(infoHash bittorrent.InfoHash) uint32 {
	return binary.BigEndian.Uint32(infoHash[:4]) % uint32(len(ps.shards))
}

// active reports whether a record counts towards the live view of a swarm at
// instant now.
func (ps *peerStore) active(r *storage.PeerRecord, now int64) bool {
	return r.Event != bittorrent.Stopped && now-r.LastAnnounce <= ps.peerLifetime.Nanoseconds()
}

func (ps *peerStore) PutAnnounce(ih bittorrent.InfoHash, r storage.PeerRecord) (prev storage.PeerRecord, existed bool, err error) {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}

	shard := ps.shards[ps.shardIndex(ih)]
	shard.Lock()

	sw, ok := shard.swarms[ih]
	if !ok {
		sw = swarm{peers: make(map[bittorrent.PeerID]*storage.PeerRecord)}
		shard.swarms[ih] = sw
		recordInfohashesDelta(1)
	}

	if p, ok := sw.peers[r.Peer.ID]; ok {
		prev = *p
		existed = true
	}

	// The store owns the bonus checkpoint: it survives upserts while the
	// record keeps seeding and resets when the record (re)enters the
	// seeding state.
	if r.Seeding() && r.BonusCheckpoint == 0 {
		if existed && prev.Seeding() {
			r.BonusCheckpoint = prev.BonusCheckpoint
		} else {
			r.BonusCheckpoint = r.LastAnnounce
		}
	}

	stored := r
	sw.peers[r.Peer.ID] = &stored
	shard.Unlock()

	if r.Seeding() {
		ps.touchSnatch(r.UserID, r.TorrentID, r.LastAnnounce)
	}

	return prev, existed, nil
}

// touchSnatch updates the last-seeded timestamp of a snatch, if one exists
// for the (user, torrent) pair.
func (ps *peerStore) touchSnatch(userID, torrentID uint32, at int64) {
	ps.snatchesMu.Lock()
	if s, ok := ps.snatches[snatchKey{userID, torrentID}]; ok && at > s.LastSeededAt {
		s.LastSeededAt = at
	}
	ps.snatchesMu.Unlock()
}

func (ps *peerStore) DeletePeer(ih bittorrent.InfoHash, id bittorrent.PeerID) error {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}

	shard := ps.shards[ps.shardIndex(ih)]
	shard.Lock()
	defer shard.Unlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}

	if _, ok := sw.peers[id]; !ok {
		return storage.ErrResourceDoesNotExist
	}

	delete(sw.peers, id)

	if len(sw.peers) == 0 {
		delete(shard.swarms, ih)
		recordInfohashesDelta(-1)
	}

	return nil
}

func (ps *peerStore) ActivePeers(ih bittorrent.InfoHash, exclude bittorrent.PeerID, limit int) ([]bittorrent.Peer, error) {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}

	now := timecache.NowUnixNano()

	shard := ps.shards[ps.shardIndex(ih)]
	shard.RLock()

	sw, ok := shard.swarms[ih]
	if !ok {
		shard.RUnlock()
		return nil, nil
	}

	records := make([]*storage.PeerRecord, 0, len(sw.peers))
	for id, r := range sw.peers {
		if id == exclude || !ps.active(r, now) {
			continue
		}
		records = append(records, r)
	}
	shard.RUnlock()

	// Newest first, peer ID as the tiebreak so that two calls within the
	// same instant return identical results.
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastAnnounce != records[j].LastAnnounce {
			return records[i].LastAnnounce > records[j].LastAnnounce
		}
		return records[i].Peer.ID.RawString() < records[j].Peer.ID.RawString()
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	peers := make([]bittorrent.Peer, 0, len(records))
	for _, r := range records {
		peers = append(peers, r.Peer)
	}

	return peers, nil
}

func (ps *peerStore) ScrapeSwarm(ih bittorrent.InfoHash) (resp bittorrent.Scrape, err error) {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}

	now := timecache.NowUnixNano()
	resp.InfoHash = ih

	shard := ps.shards[ps.shardIndex(ih)]
	shard.RLock()
	if sw, ok := shard.swarms[ih]; ok {
		for _, r := range sw.peers {
			if !ps.active(r, now) {
				continue
			}
			if r.Seeding() {
				resp.Complete++
			} else {
				resp.Incomplete++
			}
		}
	}
	shard.RUnlock()

	ps.snatchesMu.Lock()
	resp.Snatches = ps.snatchCounts[ih]
	ps.snatchesMu.Unlock()

	return resp, nil
}

func (ps *peerStore) ActiveSeeder(ih bittorrent.InfoHash, id bittorrent.PeerID) (bool, error) {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}

	now := timecache.NowUnixNano()

	shard := ps.shards[ps.shardIndex(ih)]
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return false, nil
	}
	r, ok := sw.peers[id]
	if !ok {
		return false, nil
	}

	return r.Seeding() && ps.active(r, now), nil
}

func (ps *peerStore) RecordSnatch(ih bittorrent.InfoHash, id bittorrent.PeerID, userID, torrentID uint32, at time.Time) (bool, error) {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}

	ps.snatchesMu.Lock()
	defer ps.snatchesMu.Unlock()

	pk := pairKey{ih, id}
	if _, seen := ps.snatchSeen[pk]; seen {
		return false, nil
	}
	ps.snatchSeen[pk] = struct{}{}
	ps.snatchCounts[ih]++

	// A fresh completion by the same user replaces the (user, torrent)
	// snatch outright: a new completion is a new seeding obligation, so a
	// prior flag does not carry over.
	nanos := at.UnixNano()
	ps.snatches[snatchKey{userID, torrentID}] = &storage.Snatch{
		UserID:       userID,
		TorrentID:    torrentID,
		InfoHash:     ih,
		PeerID:       id,
		CompletedAt:  nanos,
		LastSeededAt: nanos,
	}

	return true, nil
}

func (ps *peerStore) SwapTransferMarks(userID uint32, id bittorrent.PeerID, uploaded, downloaded uint64) (prevUp, prevDown uint64, existed bool, err error) {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}

	key := markKey{userID, id}

	ps.marksMu.Lock()
	if m, ok := ps.marks[key]; ok {
		prevUp, prevDown, existed = m.uploaded, m.downloaded, true
	}
	ps.marks[key] = transferMark{uploaded: uploaded, downloaded: downloaded}
	ps.marksMu.Unlock()

	return prevUp, prevDown, existed, nil
}

func (ps *peerStore) ForEachSnatch(fn func(storage.Snatch) bool) error {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}

	ps.snatchesMu.Lock()
	snapshot := make([]storage.Snatch, 0, len(ps.snatches))
	for _, s := range ps.snatches {
		snapshot = append(snapshot, *s)
	}
	ps.snatchesMu.Unlock()

	for _, s := range snapshot {
		if fn(s) {
			ps.snatchesMu.Lock()
			if live, ok := ps.snatches[snatchKey{s.UserID, s.TorrentID}]; ok {
				live.Flagged = true
			}
			ps.snatchesMu.Unlock()
		}
		runtime.Gosched()
	}

	return nil
}

func (ps *peerStore) ForEachSeedingSession(fn func(storage.SeedingSession) time.Duration) error {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}

	now := timecache.NowUnixNano()

	for _, shard := range ps.shards {
		shard.RLock()
		type liveSession struct {
			ih bittorrent.InfoHash
			s  storage.SeedingSession
		}
		sessions := make([]liveSession, 0)
		for ih, sw := range shard.swarms {
			for id, r := range sw.peers {
				if !r.Seeding() || !ps.active(r, now) {
					continue
				}
				sessions = append(sessions, liveSession{ih, storage.SeedingSession{
					UserID:   r.UserID,
					InfoHash: ih,
					PeerID:   id,
					Accrued:  time.Duration(now - r.BonusCheckpoint),
				}})
			}
		}
		shard.RUnlock()
		runtime.Gosched()

		for _, ls := range sessions {
			consume := fn(ls.s)
			if consume <= 0 {
				continue
			}

			shard.Lock()
			if sw, ok := shard.swarms[ls.ih]; ok {
				if r, ok := sw.peers[ls.s.PeerID]; ok && r.Seeding() {
					r.BonusCheckpoint += consume.Nanoseconds()
				}
			}
			shard.Unlock()
		}
	}

	return nil
}

// collectGarbage deletes all Peers from the PeerStore which are older than
// the cutoff time.
//
// This function must be able to execute while other methods on this
// interface are being executed in parallel.
func (ps *peerStore) collectGarbage(cutoff time.Time) {
	select {
	case <-ps.closing:
		return
	default:
	}

	var ihDelta float64
	cutoffUnix := cutoff.UnixNano()
	start := time.Now()
	for _, shard := range ps.shards {
		shard.RLock()
		var infohashes []bittorrent.InfoHash
		for ih := range shard.swarms {
			infohashes = append(infohashes, ih)
		}
		shard.RUnlock()
		runtime.Gosched()

		for _, ih := range infohashes {
			shard.Lock()

			sw, stillExists := shard.swarms[ih]
			if !stillExists {
				shard.Unlock()
				runtime.Gosched()
				continue
			}

			for id, r := range sw.peers {
				if r.LastAnnounce <= cutoffUnix {
					delete(sw.peers, id)
				}
			}

			if len(sw.peers) == 0 {
				delete(shard.swarms, ih)
				ihDelta--
			}

			shard.Unlock()
			runtime.Gosched()
		}

		runtime.Gosched()
	}

	recordGCDuration(time.Since(start))
	recordInfohashesDelta(ihDelta)
}

func (ps *peerStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ps.closing)
		ps.wg.Wait()

		// Explicitly deallocate our storage.
		shards := make([]*peerShard, len(ps.shards))
		for i := 0; i < len(ps.shards); i++ {
			shards[i] = &peerShard{swarms: make(map[bittorrent.InfoHash]swarm)}
		}
		ps.shards = shards

		c.Done()
	}()

	return c.Result()
}
