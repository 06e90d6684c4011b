package redis

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	redigolib "github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/okami-tracker/okami/bittorrent"
	"github.com/okami-tracker/okami/pkg/log"
	"github.com/okami-tracker/okami/pkg/stop"
	"github.com/okami-tracker/okami/pkg/timecache"
	"github.com/okami-tracker/okami/storage"
)

// Name is the name by which this peer store is registered.
const Name = "redis"

// Default config constants.
const (
	defaultPrometheusReportingInterval = time.Second * 1
	defaultGarbageCollectionInterval   = time.Minute * 3
	defaultPeerLifetime                = time.Minute * 30
	defaultRedisBroker                 = "redis://myRedis@127.0.0.1:6379/0"
	defaultRedisReadTimeout            = time.Second * 15
	defaultRedisWriteTimeout           = time.Second * 15
	defaultRedisConnectTimeout         = time.Second * 15
)

func init() {
	prometheus.MustRegister(promGCDurationMilliseconds)
	storage.RegisterDriver(Name, driver{})
}

var promGCDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "okami_storage_redis_gc_duration_milliseconds",
	Help:    "The time it takes to perform storage garbage collection",
	Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
})

// recordGCDuration records the duration of a GC sweep.
func recordGCDuration(duration time.Duration) {
	promGCDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

type driver struct{}

func (d driver) NewPeerStore(icfg interface{}) (storage.PeerStore, error) {
	var cfg Config
	if err := storage.UnmarshalConfig(icfg, &cfg); err != nil {
		return nil, err
	}

	return New(cfg)
}

// Config holds the configuration of a redis PeerStore.
type Config struct {
	GarbageCollectionInterval time.Duration `yaml:"gc_interval"`
	PeerLifetime              time.Duration `yaml:"peer_lifetime"`
	KeyPrefix                 string        `yaml:"key_prefix"`
	RedisBroker               string        `yaml:"redis_broker"`
	RedisReadTimeout          time.Duration `yaml:"redis_read_timeout"`
	RedisWriteTimeout         time.Duration `yaml:"redis_write_timeout"`
	RedisConnectTimeout       time.Duration `yaml:"redis_connect_timeout"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"gcInterval":          cfg.GarbageCollectionInterval,
		"peerLifetime":        cfg.PeerLifetime,
		"keyPrefix":           cfg.KeyPrefix,
		"redisBroker":         cfg.RedisBroker,
		"redisReadTimeout":    cfg.RedisReadTimeout,
		"redisWriteTimeout":   cfg.RedisWriteTimeout,
		"redisConnectTimeout": cfg.RedisConnectTimeout,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.RedisBroker == "" {
		validcfg.RedisBroker = defaultRedisBroker
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisBroker",
			"provided": cfg.RedisBroker,
			"default":  validcfg.RedisBroker,
		})
	}

	if cfg.RedisReadTimeout <= 0 {
		validcfg.RedisReadTimeout = defaultRedisReadTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisReadTimeout",
			"provided": cfg.RedisReadTimeout,
			"default":  validcfg.RedisReadTimeout,
		})
	}

	if cfg.RedisWriteTimeout <= 0 {
		validcfg.RedisWriteTimeout = defaultRedisWriteTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisWriteTimeout",
			"provided": cfg.RedisWriteTimeout,
			"default":  validcfg.RedisWriteTimeout,
		})
	}

	if cfg.RedisConnectTimeout <= 0 {
		validcfg.RedisConnectTimeout = defaultRedisConnectTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisConnectTimeout",
			"provided": cfg.RedisConnectTimeout,
			"default":  validcfg.RedisConnectTimeout,
		})
	}

	if cfg.GarbageCollectionInterval <= 0 {
		validcfg.GarbageCollectionInterval = defaultGarbageCollectionInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".GarbageCollectionInterval",
			"provided": cfg.GarbageCollectionInterval,
			"default":  validcfg.GarbageCollectionInterval,
		})
	}

	if cfg.PeerLifetime <= 0 {
		validcfg.PeerLifetime = defaultPeerLifetime
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PeerLifetime",
			"provided": cfg.PeerLifetime,
			"default":  validcfg.PeerLifetime,
		})
	}

	return validcfg
}

// New creates a new PeerStore backed by redis.
func New(provided Config) (storage.PeerStore, error) {
	cfg := provided.Validate()

	u, err := parseRedisURL(cfg.RedisBroker)
	if err != nil {
		return nil, err
	}

	ps := &peerStore{
		cfg:     cfg,
		rb:      newRedisBackend(&cfg, u, ""),
		closing: make(chan struct{}),
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
				log.Debug("redis: purging peers with no announces since", log.Fields{"before": before})
				if err := ps.collectGarbage(before); err != nil {
					log.Error("redis: unable to collect garbage", log.Err(err))
				}
			}
		}
	}()

	return ps, nil
}

type peerStore struct {
	cfg Config
	rb  *redisBackend

	closing chan struct{}
	wg      sync.WaitGroup
}

var _ storage.PeerStore = &peerStore{}

// swapMarksScript atomically replaces the transfer mark of a (user, peer ID)
// pair and returns the replaced value, or an empty string if none existed.
var swapMarksScript = redigolib.NewScript(1, `
local prev = redis.call("HGET", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
if prev == false then
  return ""
end
return prev
`)

// touchSnatchScript forwards the last-seeded timestamp of a snatch, if the
// snatch exists and the timestamp moves forward.
var touchSnatchScript = redigolib.NewScript(1, `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local prev = tonumber(redis.call("HGET", KEYS[1], "last_seeded_at"))
if tonumber(ARGV[1]) > prev then
  redis.call("HSET", KEYS[1], "last_seeded_at", ARGV[1])
end
return 1
`)

func (ps *peerStore) infohashesKey() string {
	return ps.cfg.KeyPrefix + "infohashes"
}

func (ps *peerStore) swarmKey(ih bittorrent.InfoHash) string {
	return ps.cfg.KeyPrefix + "swarm:" + ih.String()
}

func (ps *peerStore) snatchedKey(ih bittorrent.InfoHash) string {
	return ps.cfg.KeyPrefix + "snatched:" + ih.String()
}

func (ps *peerStore) snatchIndexKey() string {
	return ps.cfg.KeyPrefix + "snatches"
}

func (ps *peerStore) snatchKey(userID, torrentID uint32) string {
	return fmt.Sprintf("%ssnatch:%d:%d", ps.cfg.KeyPrefix, userID, torrentID)
}

func (ps *peerStore) marksKey(userID uint32) string {
	return fmt.Sprintf("%smarks:%d", ps.cfg.KeyPrefix, userID)
}

func (ps *peerStore) pairMutexName(ih bittorrent.InfoHash, id bittorrent.PeerID) string {
	return ps.cfg.KeyPrefix + "lock:" + ih.String() + ":" + id.String()
}

func (ps *peerStore) panicIfClosed() {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped redis store")
	default:
	}
}

// active reports whether a record counts towards the live view of a swarm at
// instant now.
func (ps *peerStore) active(r storage.PeerRecord, now int64) bool {
	return r.Event != bittorrent.Stopped && now-r.LastAnnounce <= ps.cfg.PeerLifetime.Nanoseconds()
}

func (ps *peerStore) PutAnnounce(ih bittorrent.InfoHash, r storage.PeerRecord) (prev storage.PeerRecord, existed bool, err error) {
	ps.panicIfClosed()

	mu := ps.rb.redsync.NewMutex(ps.pairMutexName(ih, r.Peer.ID))
	if err := mu.Lock(); err != nil {
		return prev, false, errors.Wrap(err, "acquiring announce mutex")
	}
	defer func() {
		if _, uerr := mu.Unlock(); uerr != nil && err == nil {
			err = errors.Wrap(uerr, "releasing announce mutex")
		}
	}()

	conn := ps.rb.open()
	defer conn.Close()

	swarmKey := ps.swarmKey(ih)
	field := r.Peer.ID.RawString()

	raw, err := redigolib.Bytes(conn.Do("HGET", swarmKey, field))
	switch err {
	case nil:
		prev, err = storage.UnmarshalRecord(r.Peer.ID, raw)
		if err != nil {
			return prev, false, err
		}
		existed = true
	case redigolib.ErrNil:
	default:
		return prev, false, errors.Wrap(err, "reading prior announce")
	}

	if r.Seeding() && r.BonusCheckpoint == 0 {
		if existed && prev.Seeding() {
			r.BonusCheckpoint = prev.BonusCheckpoint
		} else {
			r.BonusCheckpoint = r.LastAnnounce
		}
	}

	conn.Send("MULTI")
	conn.Send("HSET", swarmKey, field, storage.MarshalRecord(r))
	conn.Send("SADD", ps.infohashesKey(), ih.RawString())
	if _, err := conn.Do("EXEC"); err != nil {
		return prev, existed, errors.Wrap(err, "writing announce")
	}

	if r.Seeding() {
		key := ps.snatchKey(r.UserID, r.TorrentID)
		if _, err := touchSnatchScript.Do(conn, key, strconv.FormatInt(r.LastAnnounce, 10)); err != nil {
			return prev, existed, errors.Wrap(err, "touching snatch")
		}
	}

	return prev, existed, nil
}

func (ps *peerStore) DeletePeer(ih bittorrent.InfoHash, id bittorrent.PeerID) error {
	ps.panicIfClosed()

	conn := ps.rb.open()
	defer conn.Close()

	removed, err := redigolib.Int64(conn.Do("HDEL", ps.swarmKey(ih), id.RawString()))
	if err != nil {
		return errors.Wrap(err, "deleting peer")
	}
	if removed == 0 {
		return storage.ErrResourceDoesNotExist
	}

	return nil
}

// swarmRecords reads and decodes every record of a swarm.
func (ps *peerStore) swarmRecords(conn redigolib.Conn, ih bittorrent.InfoHash) ([]storage.PeerRecord, error) {
	fields, err := redigolib.StringMap(conn.Do("HGETALL", ps.swarmKey(ih)))
	if err != nil {
		return nil, errors.Wrap(err, "reading swarm")
	}

	records := make([]storage.PeerRecord, 0, len(fields))
	for field, value := range fields {
		id := bittorrent.PeerIDFromString(field)
		r, err := storage.UnmarshalRecord(id, []byte(value))
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, nil
}

func (ps *peerStore) ActivePeers(ih bittorrent.InfoHash, exclude bittorrent.PeerID, limit int) ([]bittorrent.Peer, error) {
	ps.panicIfClosed()

	conn := ps.rb.open()
	defer conn.Close()

	records, err := ps.swarmRecords(conn, ih)
	if err != nil {
		return nil, err
	}

	now := timecache.NowUnixNano()
	live := records[:0]
	for _, r := range records {
		if r.Peer.ID == exclude || !ps.active(r, now) {
			continue
		}
		live = append(live, r)
	}

	sort.Slice(live, func(i, j int) bool {
		if live[i].LastAnnounce != live[j].LastAnnounce {
			return live[i].LastAnnounce > live[j].LastAnnounce
		}
		return live[i].Peer.ID.RawString() < live[j].Peer.ID.RawString()
	})

	if limit > 0 && len(live) > limit {
		live = live[:limit]
	}

	peers := make([]bittorrent.Peer, 0, len(live))
	for _, r := range live {
		peers = append(peers, r.Peer)
	}

	return peers, nil
}

func (ps *peerStore) ScrapeSwarm(ih bittorrent.InfoHash) (resp bittorrent.Scrape, err error) {
	ps.panicIfClosed()

	conn := ps.rb.open()
	defer conn.Close()

	resp.InfoHash = ih

	records, err := ps.swarmRecords(conn, ih)
	if err != nil {
		return resp, err
	}

	now := timecache.NowUnixNano()
	for _, r := range records {
		if !ps.active(r, now) {
			continue
		}
		if r.Seeding() {
			resp.Complete++
		} else {
			resp.Incomplete++
		}
	}

	snatches, err := redigolib.Int64(conn.Do("SCARD", ps.snatchedKey(ih)))
	if err != nil {
		return resp, errors.Wrap(err, "counting snatches")
	}
	resp.Snatches = uint32(snatches)

	return resp, nil
}

func (ps *peerStore) ActiveSeeder(ih bittorrent.InfoHash, id bittorrent.PeerID) (bool, error) {
	ps.panicIfClosed()

	conn := ps.rb.open()
	defer conn.Close()

	raw, err := redigolib.Bytes(conn.Do("HGET", ps.swarmKey(ih), id.RawString()))
	if err == redigolib.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "reading seeder")
	}

	r, err := storage.UnmarshalRecord(id, raw)
	if err != nil {
		return false, err
	}

	return r.Seeding() && ps.active(r, timecache.NowUnixNano()), nil
}

func (ps *peerStore) RecordSnatch(ih bittorrent.InfoHash, id bittorrent.PeerID, userID, torrentID uint32, at time.Time) (bool, error) {
	ps.panicIfClosed()

	conn := ps.rb.open()
	defer conn.Close()

	added, err := redigolib.Int64(conn.Do("SADD", ps.snatchedKey(ih), id.RawString()))
	if err != nil {
		return false, errors.Wrap(err, "recording snatch")
	}
	if added == 0 {
		return false, nil
	}

	// A fresh completion by the same user replaces the (user, torrent)
	// snatch outright: a new completion is a new seeding obligation, so a
	// prior flag does not carry over.
	nanos := strconv.FormatInt(at.UnixNano(), 10)
	conn.Send("MULTI")
	conn.Send("HSET", ps.snatchKey(userID, torrentID),
		"info_hash", ih.RawString(),
		"peer_id", id.RawString(),
		"completed_at", nanos,
		"last_seeded_at", nanos,
		"flagged", "0",
	)
	conn.Send("SADD", ps.snatchIndexKey(), fmt.Sprintf("%d:%d", userID, torrentID))
	if _, err := conn.Do("EXEC"); err != nil {
		return false, errors.Wrap(err, "recording snatch")
	}

	return true, nil
}

func (ps *peerStore) SwapTransferMarks(userID uint32, id bittorrent.PeerID, uploaded, downloaded uint64) (prevUp, prevDown uint64, existed bool, err error) {
	ps.panicIfClosed()

	conn := ps.rb.open()
	defer conn.Close()

	mark := strconv.FormatUint(uploaded, 10) + ":" + strconv.FormatUint(downloaded, 10)
	prev, err := redigolib.String(swapMarksScript.Do(conn, ps.marksKey(userID), id.RawString(), mark))
	if err != nil {
		return 0, 0, false, errors.Wrap(err, "swapping transfer marks")
	}
	if prev == "" {
		return 0, 0, false, nil
	}

	parts := strings.SplitN(prev, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false, storage.ErrMalformedRecord
	}
	prevUp, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false, storage.ErrMalformedRecord
	}
	prevDown, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false, storage.ErrMalformedRecord
	}

	return prevUp, prevDown, true, nil
}

// readSnatch decodes a snatch hash for the (user, torrent) pair named by
// member, an index set entry of the form "<userID>:<torrentID>".
func (ps *peerStore) readSnatch(conn redigolib.Conn, member string) (storage.Snatch, error) {
	var s storage.Snatch

	parts := strings.SplitN(member, ":", 2)
	if len(parts) != 2 {
		return s, storage.ErrMalformedRecord
	}
	userID, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return s, storage.ErrMalformedRecord
	}
	torrentID, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return s, storage.ErrMalformedRecord
	}
	s.UserID = uint32(userID)
	s.TorrentID = uint32(torrentID)

	fields, err := redigolib.StringMap(conn.Do("HGETALL", ps.snatchKey(s.UserID, s.TorrentID)))
	if err != nil {
		return s, errors.Wrap(err, "reading snatch")
	}
	if len(fields) == 0 {
		return s, storage.ErrResourceDoesNotExist
	}

	s.InfoHash = bittorrent.InfoHashFromString(fields["info_hash"])
	s.PeerID = bittorrent.PeerIDFromString(fields["peer_id"])
	s.CompletedAt, err = strconv.ParseInt(fields["completed_at"], 10, 64)
	if err != nil {
		return s, storage.ErrMalformedRecord
	}
	s.LastSeededAt, err = strconv.ParseInt(fields["last_seeded_at"], 10, 64)
	if err != nil {
		return s, storage.ErrMalformedRecord
	}
	s.Flagged = fields["flagged"] == "1"

	return s, nil
}

func (ps *peerStore) ForEachSnatch(fn func(storage.Snatch) bool) error {
	ps.panicIfClosed()

	conn := ps.rb.open()
	defer conn.Close()

	members, err := redigolib.Strings(conn.Do("SMEMBERS", ps.snatchIndexKey()))
	if err != nil {
		return errors.Wrap(err, "listing snatches")
	}

	for _, member := range members {
		s, err := ps.readSnatch(conn, member)
		if err == storage.ErrResourceDoesNotExist {
			continue
		}
		if err != nil {
			return err
		}

		if fn(s) {
			if _, err := conn.Do("HSET", ps.snatchKey(s.UserID, s.TorrentID), "flagged", "1"); err != nil {
				return errors.Wrap(err, "flagging snatch")
			}
		}
	}

	return nil
}

func (ps *peerStore) ForEachSeedingSession(fn func(storage.SeedingSession) time.Duration) error {
	ps.panicIfClosed()

	conn := ps.rb.open()
	defer conn.Close()

	infohashes, err := redigolib.Strings(conn.Do("SMEMBERS", ps.infohashesKey()))
	if err != nil {
		return errors.Wrap(err, "listing swarms")
	}

	now := timecache.NowUnixNano()
	for _, raw := range infohashes {
		ih := bittorrent.InfoHashFromString(raw)

		records, err := ps.swarmRecords(conn, ih)
		if err != nil {
			return err
		}

		for _, r := range records {
			if !r.Seeding() || !ps.active(r, now) {
				continue
			}

			consume := fn(storage.SeedingSession{
				UserID:   r.UserID,
				InfoHash: ih,
				PeerID:   r.Peer.ID,
				Accrued:  time.Duration(now - r.BonusCheckpoint),
			})
			if consume <= 0 {
				continue
			}

			if err := ps.advanceCheckpoint(ih, r.Peer.ID, consume); err != nil {
				return err
			}
		}
	}

	return nil
}

// advanceCheckpoint moves the bonus checkpoint of a seeding record forward
// by consumed, re-reading the record under the pair mutex so a concurrent
// announce is not clobbered.
func (ps *peerStore) advanceCheckpoint(ih bittorrent.InfoHash, id bittorrent.PeerID, consumed time.Duration) error {
	mu := ps.rb.redsync.NewMutex(ps.pairMutexName(ih, id))
	if err := mu.Lock(); err != nil {
		return errors.Wrap(err, "acquiring announce mutex")
	}
	defer mu.Unlock()

	conn := ps.rb.open()
	defer conn.Close()

	key := ps.swarmKey(ih)
	raw, err := redigolib.Bytes(conn.Do("HGET", key, id.RawString()))
	if err == redigolib.ErrNil {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "reading record")
	}

	r, err := storage.UnmarshalRecord(id, raw)
	if err != nil {
		return err
	}
	if !r.Seeding() {
		return nil
	}

	r.BonusCheckpoint += consumed.Nanoseconds()
	if _, err := conn.Do("HSET", key, id.RawString(), storage.MarshalRecord(r)); err != nil {
		return errors.Wrap(err, "writing record")
	}

	return nil
}

// collectGarbage deletes all Peers from the PeerStore which are older than
// the cutoff time.
func (ps *peerStore) collectGarbage(cutoff time.Time) error {
	select {
	case <-ps.closing:
		return nil
	default:
	}

	conn := ps.rb.open()
	defer conn.Close()

	infohashes, err := redigolib.Strings(conn.Do("SMEMBERS", ps.infohashesKey()))
	if err != nil {
		return errors.Wrap(err, "listing swarms")
	}

	cutoffUnix := cutoff.UnixNano()
	start := time.Now()
	for _, raw := range infohashes {
		ih := bittorrent.InfoHashFromString(raw)

		records, err := ps.swarmRecords(conn, ih)
		if err != nil {
			return err
		}

		for _, r := range records {
			if r.LastAnnounce <= cutoffUnix {
				if _, err := conn.Do("HDEL", ps.swarmKey(ih), r.Peer.ID.RawString()); err != nil {
					return errors.Wrap(err, "deleting stale peer")
				}
			}
		}

		remaining, err := redigolib.Int64(conn.Do("HLEN", ps.swarmKey(ih)))
		if err != nil {
			return errors.Wrap(err, "sizing swarm")
		}
		if remaining == 0 {
			conn.Send("MULTI")
			conn.Send("DEL", ps.swarmKey(ih))
			conn.Send("SREM", ps.infohashesKey(), raw)
			if _, err := conn.Do("EXEC"); err != nil {
				return errors.Wrap(err, "deleting empty swarm")
			}
		}
	}

	recordGCDuration(time.Since(start))

	return nil
}

func (ps *peerStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ps.closing)
		ps.wg.Wait()
		c.Done(ps.rb.pool.Close())
	}()

	return c.Result()
}
