// Package tracker implements the announce/scrape core of a private tracker:
// request orchestration, credit accounting, and the policy knobs shared with
// the background tasks.
package tracker

import (
	"sync/atomic"
	"time"

	"github.com/okami-tracker/okami/pkg/log"
)

// Default policy constants.
const (
	defaultAnnounceInterval    = 30 * time.Minute
	defaultMinAnnounceInterval = 15 * time.Minute
	defaultMinRatio            = 0.6
	defaultBonusPointsPerHour  = 10
	defaultHitAndRunGrace      = 72 * time.Hour
)

// Policy holds the numeric knobs consulted per request and per background
// cycle. A Policy value is immutable once published.
type Policy struct {
	AnnounceInterval    time.Duration `yaml:"announce_interval"`
	MinAnnounceInterval time.Duration `yaml:"min_announce_interval"`
	MinRatio            float64       `yaml:"min_ratio"`
	BonusPointsPerHour  uint64        `yaml:"bonus_points_per_hour"`
	HitAndRunGrace      time.Duration `yaml:"hit_and_run_grace"`
}

// LogFields renders the current config as a set of Logrus fields.
func (p Policy) LogFields() log.Fields {
	return log.Fields{
		"announceInterval":    p.AnnounceInterval,
		"minAnnounceInterval": p.MinAnnounceInterval,
		"minRatio":            p.MinRatio,
		"bonusPointsPerHour":  p.BonusPointsPerHour,
		"hitAndRunGrace":      p.HitAndRunGrace,
	}
}

// Validate sanity checks values set in a policy and returns a new policy with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (p Policy) Validate() Policy {
	valid := p

	if p.AnnounceInterval <= 0 {
		valid.AnnounceInterval = defaultAnnounceInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "policy.AnnounceInterval",
			"provided": p.AnnounceInterval,
			"default":  valid.AnnounceInterval,
		})
	}

	if p.MinAnnounceInterval <= 0 {
		valid.MinAnnounceInterval = defaultMinAnnounceInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "policy.MinAnnounceInterval",
			"provided": p.MinAnnounceInterval,
			"default":  valid.MinAnnounceInterval,
		})
	}

	if p.MinRatio <= 0 {
		valid.MinRatio = defaultMinRatio
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "policy.MinRatio",
			"provided": p.MinRatio,
			"default":  valid.MinRatio,
		})
	}

	if p.BonusPointsPerHour == 0 {
		valid.BonusPointsPerHour = defaultBonusPointsPerHour
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "policy.BonusPointsPerHour",
			"provided": p.BonusPointsPerHour,
			"default":  valid.BonusPointsPerHour,
		})
	}

	if p.HitAndRunGrace <= 0 {
		valid.HitAndRunGrace = defaultHitAndRunGrace
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "policy.HitAndRunGrace",
			"provided": p.HitAndRunGrace,
			"default":  valid.HitAndRunGrace,
		})
	}

	return valid
}

// PolicyProvider publishes the current Policy and allows it to be swapped at
// runtime without coordinating with in-flight requests.
type PolicyProvider struct {
	current atomic.Value
}

// NewPolicyProvider validates p and returns a provider publishing it.
func NewPolicyProvider(p Policy) *PolicyProvider {
	pp := &PolicyProvider{}
	pp.current.Store(p.Validate())
	return pp
}

// Snapshot returns the Policy in effect. The returned value stays coherent
// for the lifetime of the request regardless of concurrent swaps.
func (pp *PolicyProvider) Snapshot() Policy {
	return pp.current.Load().(Policy)
}

// Swap validates p and publishes it as the new current Policy.
func (pp *PolicyProvider) Swap(p Policy) {
	pp.current.Store(p.Validate())
}
