// Package bonus implements the recurring task that converts accrued seeding
// time into bonus points.
package bonus

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
	prometheus.MustRegister(promPointsAwardedTotal)
}

var promPointsAwardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "okami_bonus_points_awarded_total",
	Help: "The number of bonus points awarded for seeding time",
})

// Config holds the configuration of a Task.
type Config struct {
	Interval time.Duration `yaml:"interval"`
}

// Task periodically awards bonus points for whole hours of seeding time and
// consumes exactly the awarded time, so an interval is never paid twice.
type Task struct {
	policy  *tracker.PolicyProvider
	store   storage.PeerStore
	backend backend.Backend

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewTask creates a Task and starts its timer.
func NewTask(cfg Config, policy *tracker.PolicyProvider, store storage.PeerStore, b backend.Backend) *Task {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	t := &Task{
		policy:  policy,
		store:   store,
		backend: b,
		closing: make(chan struct{}),
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.closing:
				return
			case <-time.After(interval):
				if err := t.Award(context.Background()); err != nil {
					log.Error("bonus: award cycle failed", log.Err(err))
				}
			}
		}
	}()

	return t
}

// Award runs a single award cycle over all active seeding sessions.
//
// Only whole hours are paid; the remainder stays accrued for the next cycle.
// Per-session backend failures are logged and skipped without consuming, so
// the time is paid on a later cycle instead of lost.
func (t *Task) Award(ctx context.Context) error {
	pointsPerHour := t.policy.Snapshot().BonusPointsPerHour

	return t.store.ForEachSeedingSession(func(s storage.SeedingSession) time.Duration {
		hours := s.Accrued / time.Hour
		if hours <= 0 {
			return 0
		}

		points := uint64(hours) * pointsPerHour
		if err := t.backend.AwardBonusPoints(ctx, s.UserID, points); err != nil {
			log.Error("bonus: unable to award points", log.Err(err), log.Fields{
				"userID": s.UserID,
				"points": points,
			})
			return 0
		}

		promPointsAwardedTotal.Add(float64(points))
		return hours * time.Hour
	})
}

// Stop provides a thread-safe way to shutdown a currently running Task.
func (t *Task) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(t.closing)
		t.wg.Wait()
		c.Done()
	}()

	return c.Result()
}
