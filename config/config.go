// Package config defines the configuration surface consumed by the copy
// scheduler, copy engine, and ephemeral session. Loading it from disk or
// environment is an external collaborator's job; this package only
// defines the shape, its JSON codec, and documented defaults, the way
// cmn/config.go does upstream.
package config

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BandwidthConfig is one entry of the attempt-indexed bandwidth table:
// bandwidth configuration is indexed by attempt number.
type BandwidthConfig struct {
	// Attempt is the 0-based copy attempt this profile applies to. -1 is
	// the default/fall-through profile used once the global retry counter
	// passes half of MaxRetryCount.
	Attempt int `json:"attempt"`
	// MinSpeedMbPerSec is the minimum acceptable sustained transfer rate;
	// falling below it for BandwidthCheckEvery triggers a bandwidth
	// timeout classification.
	MinSpeedMbPerSec float64 `json:"min_speed_mb_per_sec"`
	// BandwidthCheckEvery is how often the running rate is sampled.
	BandwidthCheckEvery time.Duration `json:"bandwidth_check_every"`
	// ConnectTimeout bounds TimeToFirstByte.
	ConnectTimeout time.Duration `json:"connect_timeout"`
	// OverallTimeout is the absolute deadline for one copy attempt.
	OverallTimeout time.Duration `json:"overall_timeout"`
}

// Config is the full configuration surface consumed by copysched,
// copyengine, and ephemeral.
type Config struct {
	CopyAttemptsWithRestrictedReplicas int `json:"copy_attempts_with_restricted_replicas"`
	RestrictedCopyReplicaCount         int `json:"restricted_copy_replica_count"`

	// ParallelHashingFileSizeBoundary: once the written byte count crosses
	// this boundary, trusted-hash streaming switches from inline to
	// concurrent hashing. -1 disables the boundary (always inline, never
	// concurrent).
	ParallelHashingFileSizeBoundary int64 `json:"parallel_hashing_file_size_boundary"`
	// TrustedHashFileSizeBoundary: UseTrustedHash(size) is true when
	// size >= this boundary. -1 (the default) means every non-negative
	// size clears it, so trusted-hash streaming is always on.
	TrustedHashFileSizeBoundary int64 `json:"trusted_hash_file_size_boundary"`

	MaxRetryCount          int             `json:"max_retry_count"`
	RetryIntervalForCopies []time.Duration `json:"retry_interval_for_copies"`

	PutCacheTimeToLive time.Duration `json:"put_cache_time_to_live"`

	// Workspace is the working-folder path temp files are created under.
	Workspace string `json:"workspace"`

	BandwidthConfigurations []BandwidthConfig `json:"bandwidth_configurations"`

	// MaxConcurrentPulls / MaxConcurrentPushes bound copysched's per-
	// direction admission ("bounded concurrency per
	// direction").
	MaxConcurrentPulls  int64 `json:"max_concurrent_pulls"`
	MaxConcurrentPushes int64 `json:"max_concurrent_pushes"`
	// AdmissionTimeout is how long a scheduling request waits to be
	// admitted before SchedulerFailureCode.Timeout fires.
	AdmissionTimeout time.Duration `json:"admission_timeout"`
}

// Default returns the documented defaults for this module.
func Default() *Config {
	return &Config{
		CopyAttemptsWithRestrictedReplicas: 0,
		RestrictedCopyReplicaCount:         3,
		ParallelHashingFileSizeBoundary:    -1,
		TrustedHashFileSizeBoundary:        -1,
		MaxRetryCount:                      32,
		RetryIntervalForCopies: []time.Duration{
			20 * time.Millisecond,
			200 * time.Millisecond,
			1 * time.Second,
			5 * time.Second,
			10 * time.Second,
			30 * time.Second,
			60 * time.Second,
			120 * time.Second,
		},
		PutCacheTimeToLive: 5 * time.Minute,
		Workspace:          "",
		BandwidthConfigurations: []BandwidthConfig{
			{Attempt: 0, MinSpeedMbPerSec: 6, BandwidthCheckEvery: 5 * time.Second, ConnectTimeout: 2 * time.Second, OverallTimeout: 30 * time.Second},
			{Attempt: 1, MinSpeedMbPerSec: 4, BandwidthCheckEvery: 10 * time.Second, ConnectTimeout: 5 * time.Second, OverallTimeout: 60 * time.Second},
			{Attempt: -1, MinSpeedMbPerSec: 1, BandwidthCheckEvery: 30 * time.Second, ConnectTimeout: 15 * time.Second, OverallTimeout: 300 * time.Second},
		},
		MaxConcurrentPulls:  16,
		MaxConcurrentPushes: 16,
		AdmissionTimeout:    2 * time.Minute,
	}
}

// BandwidthFor resolves the profile for a given 0-based attempt index,
// applying the attempt >= MaxRetryCount/2 fall-through to the -1 (default)
// profile, then falling back to the first entry if no exact match and no
// default is configured.
func (c *Config) BandwidthFor(attempt int) BandwidthConfig {
	idx := attempt
	if attempt >= c.MaxRetryCount/2 {
		idx = -1
	}
	var def *BandwidthConfig
	for i := range c.BandwidthConfigurations {
		bc := c.BandwidthConfigurations[i]
		if bc.Attempt == idx {
			return bc
		}
		if bc.Attempt == -1 {
			def = &c.BandwidthConfigurations[i]
		}
	}
	if def != nil {
		return *def
	}
	if len(c.BandwidthConfigurations) > 0 {
		return c.BandwidthConfigurations[0]
	}
	return BandwidthConfig{}
}

// Marshal/Unmarshal round-trip Config through JSON using jsoniter, matching
// how the upstream cluster configuration is serialized for diagnostics and
// inter-process propagation.
func (c *Config) Marshal() ([]byte, error)    { return json.Marshal(c) }
func (c *Config) Unmarshal(b []byte) error    { return json.Unmarshal(b, c) }
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := json.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}
