// Package hitandrun implements the recurring sweep that detects users who
// completed a download and stopped seeding before the grace period elapsed.
package hitandrun

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/okami-tracker/okami/backend"
	"github.com/okami-tracker/okami/pkg/log"
	"github.com/okami-tracker/okami/pkg/stop"
	"github.com/okami-tracker/okami/storage"
	"github.com/okami-tracker/okami/tracker"
)

func init() {
	prometheus.MustRegister(promViolationsTotal, promSweepDurationMilliseconds)
}

var promViolationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "okami_hitandrun_violations_total",
	Help: "The number of hit-and-run violations flagged",
})

var promSweepDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "okami_hitandrun_sweep_duration_milliseconds",
	Help:    "The time it takes to sweep all snatches",
	Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
})

// Config holds the configuration of a Sweeper.
type Config struct {
	Interval time.Duration `yaml:"interval"`
}

// Sweeper periodically walks the snatch table and flags grace-period
// violations exactly once.
type Sweeper struct {
	policy  *tracker.PolicyProvider
	store   storage.PeerStore
	backend backend.Backend

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper creates a Sweeper and starts its timer.
func NewSweeper(cfg Config, policy *tracker.PolicyProvider, store storage.PeerStore, b backend.Backend) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	s := &Sweeper{
		policy:  policy,
		store:   store,
		backend: b,
		closing: make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.closing:
				return
			case <-time.After(interval):
				if err := s.Sweep(context.Background(), time.Now()); err != nil {
					log.Error("hitandrun: sweep failed", log.Err(err))
				}
			}
		}
	}()

	return s
}

// Sweep runs a single sweep cycle against the snatch table at instant now.
//
// Per-snatch failures are logged and skipped so one broken entity never
// aborts the cycle; only a storage iteration fault is returned.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) error {
	grace := s.policy.Snapshot().HitAndRunGrace
	start := time.Now()
	defer func() {
		promSweepDurationMilliseconds.Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))
	}()

	return s.store.ForEachSnatch(func(snatch storage.Snatch) bool {
		if snatch.Flagged {
			return false
		}

		// Inside the grace period nothing is decided yet.
		if now.UnixNano()-snatch.CompletedAt <= grace.Nanoseconds() {
			return false
		}

		// Seeding long enough since completion discharges the obligation.
		if snatch.LastSeededAt-snatch.CompletedAt >= grace.Nanoseconds() {
			return false
		}

		user, err := s.backend.UserByID(ctx, snatch.UserID)
		if err != nil {
			log.Error("hitandrun: unable to resolve user", log.Err(err), log.Fields{"userID": snatch.UserID})
			return false
		}
		if user.VIP {
			return false
		}

		torrent, err := s.backend.TorrentByInfoHash(ctx, snatch.InfoHash)
		if err != nil {
			log.Error("hitandrun: unable to resolve torrent", log.Err(err), log.Fields{"infoHash": snatch.InfoHash})
			return false
		}
		if torrent.Freeleech {
			return false
		}

		active, err := s.store.ActiveSeeder(snatch.InfoHash, snatch.PeerID)
		if err != nil {
			log.Error("hitandrun: unable to check seeder", log.Err(err))
			return false
		}
		if active {
			return false
		}

		if err := s.backend.ReportHitAndRun(ctx, snatch.UserID, snatch.TorrentID); err != nil {
			// Left unflagged so the next sweep retries the report.
			log.Error("hitandrun: unable to report violation", log.Err(err), log.Fields{
				"userID":    snatch.UserID,
				"torrentID": snatch.TorrentID,
			})
			return false
		}

		promViolationsTotal.Inc()
		log.Info("hitandrun: flagged violation", log.Fields{
			"userID":    snatch.UserID,
			"torrentID": snatch.TorrentID,
		})
		return true
	})
}

// Stop provides a thread-safe way to shutdown a currently running Sweeper.
func (s *Sweeper) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closing)
		s.wg.Wait()
		c.Done()
	}()

	return c.Result()
}
