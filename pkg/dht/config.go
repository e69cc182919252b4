package dht

import (
	"fmt"
	"sort"
	"time"
)

const (
	// K is the default bucket size.
	K = 20
	// ALPHA is the default lookup parallelism.
	ALPHA = 3
)

// Termination names the condition that ended a lookup.
type Termination uint8

const (
	NotFinished Termination = iota
	TerminatedDirectHits
	TerminatedNoNewInfo
	TerminatedMaxSuccess
	TerminatedExhausted
	TerminatedMaxFailures
	TerminatedCancelled
	TerminatedSelf
)

func (t Termination) String() string {
	switch t {
	case NotFinished:
		return "not_finished"
	case TerminatedDirectHits:
		return "direct_hits"
	case TerminatedNoNewInfo:
		return "no_new_info"
	case TerminatedMaxSuccess:
		return "max_success"
	case TerminatedExhausted:
		return "exhausted"
	case TerminatedMaxFailures:
		return "max_failures"
	case TerminatedCancelled:
		return "cancelled"
	case TerminatedSelf:
		return "self"
	default:
		return fmt.Sprintf("termination(%d)", uint8(t))
	}
}

// DefaultTerminationOrder is the priority in which a successful response is
// checked against the termination predicates.
var DefaultTerminationOrder = []Termination{
	TerminatedDirectHits,
	TerminatedNoNewInfo,
	TerminatedMaxSuccess,
	TerminatedExhausted,
}

// RoutingConfig controls a single lookup. A Max* value <= 0 disables the
// corresponding termination predicate.
type RoutingConfig struct {
	Parallelism      int           `yaml:"parallelism"`
	MaxDirectHits    int           `yaml:"max_direct_hits"`
	MaxNoNewInfo     int           `yaml:"max_no_new_info"`
	MaxFailures      int           `yaml:"max_failures"`
	MaxSuccess       int           `yaml:"max_success"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	RandomSearch     bool          `yaml:"random_search"`
	// RandomSeed seeds random-search polling; 0 picks a time-based seed.
	RandomSeed       int64         `yaml:"random_seed"`
	TerminationOrder []Termination `yaml:"-"`
}

// DefaultRoutingConfig returns the settings used by Route.
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		Parallelism:    ALPHA,
		MaxDirectHits:  0,
		MaxNoNewInfo:   2,
		MaxFailures:    5,
		MaxSuccess:     10,
		RequestTimeout: 5 * time.Second,
	}
}

// DefaultBootstrapConfig favours finding close peers over finding data.
func DefaultBootstrapConfig() RoutingConfig {
	return RoutingConfig{
		Parallelism:    ALPHA,
		MaxDirectHits:  0,
		MaxNoNewInfo:   3,
		MaxFailures:    3,
		MaxSuccess:     2 * K,
		RequestTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration before any request is issued.
func (c RoutingConfig) Validate() error {
	if c.Parallelism <= 0 {
		return fmt.Errorf("%w: parallelism must be positive, got %d", ErrInvalidConfig, c.Parallelism)
	}
	if c.MaxDirectHits < 0 || c.MaxNoNewInfo < 0 || c.MaxFailures < 0 || c.MaxSuccess < 0 {
		return fmt.Errorf("%w: termination limits must not be negative", ErrInvalidConfig)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: request timeout must not be negative", ErrInvalidConfig)
	}
	seen := make(map[Termination]bool, len(c.TerminationOrder))
	for _, t := range c.TerminationOrder {
		switch t {
		case TerminatedDirectHits, TerminatedNoNewInfo, TerminatedMaxSuccess, TerminatedExhausted:
		default:
			return fmt.Errorf("%w: %s cannot appear in the termination order", ErrInvalidConfig, t)
		}
		if seen[t] {
			return fmt.Errorf("%w: %s appears twice in the termination order", ErrInvalidConfig, t)
		}
		seen[t] = true
	}
	return nil
}

func (c RoutingConfig) terminationOrder() []Termination {
	if len(c.TerminationOrder) == 0 {
		return DefaultTerminationOrder
	}
	return c.TerminationOrder
}

// TableConfig controls the routing table and its maintenance policy.
type TableConfig struct {
	// BucketSize bounds the verified tier of each bucket.
	BucketSize int `yaml:"bucket_size"`
	// OverflowSize bounds the non-verified tier of each bucket.
	OverflowSize int `yaml:"overflow_size"`
	// UrgencyThreshold: buckets with fewer verified peers probe non-verified ones first.
	UrgencyThreshold int `yaml:"urgency_threshold"`
	// MaintenanceIntervals is an ascending table of re-check intervals in
	// seconds, indexed by how long a peer has been known online.
	MaintenanceIntervals []int         `yaml:"maintenance_intervals"`
	OfflineThreshold     int           `yaml:"offline_threshold"`
	OfflineTTL           time.Duration `yaml:"offline_ttl"`
	OfflineCapacity      int           `yaml:"offline_capacity"`
	NonVerifiedTTL       time.Duration `yaml:"non_verified_ttl"`
}

func DefaultTableConfig() TableConfig {
	return TableConfig{
		BucketSize:           K,
		OverflowSize:         K,
		UrgencyThreshold:     2,
		MaintenanceIntervals: []int{5, 10, 20, 40, 80, 160},
		OfflineThreshold:     3,
		OfflineTTL:           time.Minute,
		OfflineCapacity:      1024,
		NonVerifiedTTL:       10 * time.Minute,
	}
}

func (c TableConfig) Validate() error {
	if c.BucketSize <= 0 {
		return fmt.Errorf("%w: bucket size must be positive", ErrInvalidConfig)
	}
	if c.OverflowSize < 0 {
		return fmt.Errorf("%w: overflow size must not be negative", ErrInvalidConfig)
	}
	if c.UrgencyThreshold < 0 {
		return fmt.Errorf("%w: urgency threshold must not be negative", ErrInvalidConfig)
	}
	if len(c.MaintenanceIntervals) == 0 {
		return fmt.Errorf("%w: maintenance intervals must not be empty", ErrInvalidConfig)
	}
	if !sort.IntsAreSorted(c.MaintenanceIntervals) || c.MaintenanceIntervals[0] <= 0 {
		return fmt.Errorf("%w: maintenance intervals must be positive and ascending", ErrInvalidConfig)
	}
	if c.OfflineThreshold <= 0 {
		return fmt.Errorf("%w: offline threshold must be positive", ErrInvalidConfig)
	}
	if c.OfflineTTL <= 0 || c.OfflineCapacity <= 0 {
		return fmt.Errorf("%w: offline holding set needs a positive ttl and capacity", ErrInvalidConfig)
	}
	if c.NonVerifiedTTL <= 0 {
		return fmt.Errorf("%w: non-verified ttl must be positive", ErrInvalidConfig)
	}
	return nil
}

// MaintenanceConfig controls the background liveness prober.
type MaintenanceConfig struct {
	Interval         time.Duration `yaml:"interval"`
	MaxProbesPerTick int           `yaml:"max_probes_per_tick"`
	Concurrency      int           `yaml:"concurrency"`
	ProbesPerSecond  float64       `yaml:"probes_per_second"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
}

func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Interval:         time.Second,
		MaxProbesPerTick: 16,
		Concurrency:      4,
		ProbesPerSecond:  20,
		ProbeTimeout:     5 * time.Second,
	}
}

func (c MaintenanceConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: maintenance interval must be positive", ErrInvalidConfig)
	}
	if c.MaxProbesPerTick <= 0 || c.Concurrency <= 0 {
		return fmt.Errorf("%w: maintenance probe limits must be positive", ErrInvalidConfig)
	}
	if c.ProbesPerSecond <= 0 {
		return fmt.Errorf("%w: probe rate must be positive", ErrInvalidConfig)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("%w: probe timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
