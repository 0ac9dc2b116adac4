package query

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// Policy is the cache and retry behavior applied to every query and
// mutation issued through a Client. It is fixed once the Client is built.
type Policy struct {
	// StaleTime is how long fetched data counts as fresh. Fresh data is
	// served without calling the fetch function.
	StaleTime time.Duration `yaml:"stale_time" json:"stale_time"`

	// GCTime is how long an unused entry is kept before it may be evicted.
	GCTime time.Duration `yaml:"gc_time" json:"gc_time"`

	// QueryRetry and MutationRetry are the number of retries after the
	// first failed attempt.
	QueryRetry    int `yaml:"query_retry" json:"query_retry"`
	MutationRetry int `yaml:"mutation_retry" json:"mutation_retry"`

	RefetchOnWindowFocus bool `yaml:"refetch_on_window_focus" json:"refetch_on_window_focus"`
	RefetchOnReconnect   bool `yaml:"refetch_on_reconnect" json:"refetch_on_reconnect"`

	// Retry delay grows as RetryDelayMin * 2^attempt, capped at RetryDelayMax.
	RetryDelayMin time.Duration `yaml:"retry_delay_min" json:"retry_delay_min"`
	RetryDelayMax time.Duration `yaml:"retry_delay_max" json:"retry_delay_max"`

	// GCSchedule is a cron spec for the background eviction sweep.
	GCSchedule string `yaml:"gc_schedule" json:"gc_schedule"`
}

// DefaultPolicy returns the application-wide defaults: five minutes fresh,
// ten minutes retained, one retry for reads and writes, no refetch on focus
// or reconnect.
func DefaultPolicy() Policy {
	return Policy{
		StaleTime:            5 * time.Minute,
		GCTime:               10 * time.Minute,
		QueryRetry:           1,
		MutationRetry:        1,
		RefetchOnWindowFocus: false,
		RefetchOnReconnect:   false,
		RetryDelayMin:        time.Second,
		RetryDelayMax:        30 * time.Second,
		GCSchedule:           "@every 1m",
	}
}

// Normalize fills zero values from DefaultPolicy. Retry counts and refetch
// flags are taken as given, since zero/false are meaningful there.
func (p *Policy) Normalize() {
	def := DefaultPolicy()
	if p.StaleTime <= 0 {
		p.StaleTime = def.StaleTime
	}
	if p.GCTime <= 0 {
		p.GCTime = def.GCTime
	}
	if p.QueryRetry < 0 {
		p.QueryRetry = 0
	}
	if p.MutationRetry < 0 {
		p.MutationRetry = 0
	}
	if p.RetryDelayMin <= 0 {
		p.RetryDelayMin = def.RetryDelayMin
	}
	if p.RetryDelayMax < p.RetryDelayMin {
		p.RetryDelayMax = max(def.RetryDelayMax, p.RetryDelayMin)
	}
	if p.GCSchedule == "" {
		p.GCSchedule = def.GCSchedule
	}
}

// Validate checks that GCSchedule parses.
func (p Policy) Validate() error {
	if p.GCSchedule == "" {
		return errors.New("query policy: gc_schedule is empty")
	}
	if _, err := cron.ParseStandard(p.GCSchedule); err != nil {
		return err
	}
	return nil
}
