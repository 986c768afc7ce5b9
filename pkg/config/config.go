// Package config loads fortify primitive configurations from a YAML
// document. Durations are written as Go duration strings ("250ms", "1m30s");
// every numeric bound is validated at load time, so a bad document fails
// before any primitive is constructed.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattsp1290/fortify/pkg/bulkhead"
	"github.com/mattsp1290/fortify/pkg/circuitbreaker"
	"github.com/mattsp1290/fortify/pkg/errors"
	"github.com/mattsp1290/fortify/pkg/ratelimit"
	"github.com/mattsp1290/fortify/pkg/retry"
)

// Document is the YAML schema: named configurations per primitive.
type Document struct {
	Bulkheads       map[string]BulkheadSpec       `yaml:"bulkheads"`
	CircuitBreakers map[string]CircuitBreakerSpec `yaml:"circuit_breakers"`
	RateLimiters    map[string]RateLimiterSpec    `yaml:"rate_limiters"`
	Retries         map[string]RetrySpec          `yaml:"retries"`
}

// BulkheadSpec mirrors bulkhead.Config with string durations.
type BulkheadSpec struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	MaxQueue      int    `yaml:"max_queue"`
	QueueTimeout  string `yaml:"queue_timeout"`
}

// CircuitBreakerSpec mirrors circuitbreaker.Config with string durations.
type CircuitBreakerSpec struct {
	MaxFailures         uint64  `yaml:"max_failures"`
	Timeout             string  `yaml:"timeout"`
	TimeoutJitter       float64 `yaml:"timeout_jitter"`
	HalfOpenMaxRequests int     `yaml:"half_open_max_requests"`
	Interval            string  `yaml:"interval"`
}

// RateLimiterSpec mirrors ratelimit.Config with string durations.
type RateLimiterSpec struct {
	Rate                  float64 `yaml:"rate"`
	Burst                 float64 `yaml:"burst"`
	Interval              string  `yaml:"interval"`
	MaxBuckets            int     `yaml:"max_buckets"`
	StorageTTL            string  `yaml:"storage_ttl"`
	StorageFailureMode    string  `yaml:"storage_failure_mode"`
	StorageTimeout        string  `yaml:"storage_timeout"`
	SanitizeKeys          bool    `yaml:"sanitize_keys"`
	MaxKeyLength          int     `yaml:"max_key_length"`
	MaxTokensPerRequest   int     `yaml:"max_tokens_per_request"`
	CleanupInterval       string  `yaml:"cleanup_interval"`
	SanitizationCacheSize int     `yaml:"sanitization_cache_size"`
}

// RetrySpec mirrors retry.Config with string durations.
type RetrySpec struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	InitialDelay  string  `yaml:"initial_delay"`
	MaxDelay      string  `yaml:"max_delay"`
	BackoffPolicy string  `yaml:"backoff_policy"`
	Multiplier    float64 `yaml:"multiplier"`
	Jitter        string  `yaml:"jitter"`
}

// Registry holds the validated configurations by name.
type Registry struct {
	Bulkheads       map[string]bulkhead.Config
	CircuitBreakers map[string]circuitbreaker.Config
	RateLimiters    map[string]ratelimit.Config
	Retries         map[string]retry.Config
}

// Load parses and validates a YAML document.
func Load(data []byte) (*Registry, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewConfigError("document", err.Error())
	}
	return doc.Build()
}

// Build validates the document and produces the primitive configurations.
func (d *Document) Build() (*Registry, error) {
	reg := &Registry{
		Bulkheads:       make(map[string]bulkhead.Config, len(d.Bulkheads)),
		CircuitBreakers: make(map[string]circuitbreaker.Config, len(d.CircuitBreakers)),
		RateLimiters:    make(map[string]ratelimit.Config, len(d.RateLimiters)),
		Retries:         make(map[string]retry.Config, len(d.Retries)),
	}

	for name, spec := range d.Bulkheads {
		config, err := spec.toConfig(name)
		if err != nil {
			return nil, fmt.Errorf("bulkhead %q: %w", name, err)
		}
		reg.Bulkheads[name] = config
	}
	for name, spec := range d.CircuitBreakers {
		config, err := spec.toConfig(name)
		if err != nil {
			return nil, fmt.Errorf("circuit breaker %q: %w", name, err)
		}
		reg.CircuitBreakers[name] = config
	}
	for name, spec := range d.RateLimiters {
		config, err := spec.toConfig(name)
		if err != nil {
			return nil, fmt.Errorf("rate limiter %q: %w", name, err)
		}
		reg.RateLimiters[name] = config
	}
	for name, spec := range d.Retries {
		config, err := spec.toConfig(name)
		if err != nil {
			return nil, fmt.Errorf("retry %q: %w", name, err)
		}
		reg.Retries[name] = config
	}
	return reg, nil
}

func (s BulkheadSpec) toConfig(name string) (bulkhead.Config, error) {
	queueTimeout, err := parseDuration("queueTimeout", s.QueueTimeout)
	if err != nil {
		return bulkhead.Config{}, err
	}
	config := bulkhead.Config{
		Name:          name,
		MaxConcurrent: s.MaxConcurrent,
		MaxQueue:      s.MaxQueue,
		QueueTimeout:  queueTimeout,
	}
	if err := config.Validate(); err != nil {
		return bulkhead.Config{}, err
	}
	return config, nil
}

func (s CircuitBreakerSpec) toConfig(name string) (circuitbreaker.Config, error) {
	timeout, err := parseDuration("timeout", s.Timeout)
	if err != nil {
		return circuitbreaker.Config{}, err
	}
	interval, err := parseDuration("interval", s.Interval)
	if err != nil {
		return circuitbreaker.Config{}, err
	}
	config := circuitbreaker.Config{
		Name:                name,
		MaxFailures:         s.MaxFailures,
		Timeout:             timeout,
		TimeoutJitter:       s.TimeoutJitter,
		HalfOpenMaxRequests: s.HalfOpenMaxRequests,
		Interval:            interval,
	}
	if err := config.Validate(); err != nil {
		return circuitbreaker.Config{}, err
	}
	return config, nil
}

func (s RateLimiterSpec) toConfig(name string) (ratelimit.Config, error) {
	interval, err := parseDuration("interval", s.Interval)
	if err != nil {
		return ratelimit.Config{}, err
	}
	storageTTL, err := parseDuration("storageTtlMs", s.StorageTTL)
	if err != nil {
		return ratelimit.Config{}, err
	}
	storageTimeout, err := parseDuration("storageTimeoutMs", s.StorageTimeout)
	if err != nil {
		return ratelimit.Config{}, err
	}
	cleanupInterval, err := parseDuration("cleanupIntervalMs", s.CleanupInterval)
	if err != nil {
		return ratelimit.Config{}, err
	}
	config := ratelimit.Config{
		Name:                  name,
		Rate:                  s.Rate,
		Burst:                 s.Burst,
		Interval:              interval,
		MaxBuckets:            s.MaxBuckets,
		StorageTTL:            storageTTL,
		StorageFailureMode:    ratelimit.FailureMode(s.StorageFailureMode),
		StorageTimeout:        storageTimeout,
		SanitizeKeys:          s.SanitizeKeys,
		MaxKeyLength:          s.MaxKeyLength,
		MaxTokensPerRequest:   s.MaxTokensPerRequest,
		CleanupInterval:       cleanupInterval,
		SanitizationCacheSize: s.SanitizationCacheSize,
	}
	if err := config.Validate(); err != nil {
		return ratelimit.Config{}, err
	}
	return config, nil
}

func (s RetrySpec) toConfig(name string) (retry.Config, error) {
	initialDelay, err := parseDuration("initialDelay", s.InitialDelay)
	if err != nil {
		return retry.Config{}, err
	}
	maxDelay, err := parseDuration("maxDelay", s.MaxDelay)
	if err != nil {
		return retry.Config{}, err
	}
	config := retry.Config{
		Name:          name,
		MaxAttempts:   s.MaxAttempts,
		InitialDelay:  initialDelay,
		MaxDelay:      maxDelay,
		BackoffPolicy: retry.BackoffPolicy(s.BackoffPolicy),
		Multiplier:    s.Multiplier,
		Jitter:        retry.JitterMode(s.Jitter),
	}
	if err := config.Validate(); err != nil {
		return retry.Config{}, err
	}
	return config, nil
}

// parseDuration parses a Go duration string, mapping failures to a
// ConfigError naming the field. Empty strings mean zero.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.NewConfigError(field, fmt.Sprintf("invalid duration %q", value))
	}
	return d, nil
}
