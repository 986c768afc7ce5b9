// Package ratelimit implements keyed token-bucket rate limiting. Buckets
// refill continuously up to a burst cap and live in a bounded in-memory LRU
// map, or in caller-supplied external storage for limits shared across
// processes. Storage failures are mapped through a configurable failure mode
// rather than failing admissions by accident.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattsp1290/fortify/internal/timeconfig"
	"github.com/mattsp1290/fortify/pkg/cancel"
	"github.com/mattsp1290/fortify/pkg/errors"
	"github.com/mattsp1290/fortify/pkg/logging"
)

// Operation is a unit of work admitted through the limiter.
type Operation func(ctx context.Context) error

// FailureMode selects how storage-adapter failures affect admissions.
type FailureMode string

const (
	// FailOpen admits the request when storage fails.
	FailOpen FailureMode = "fail-open"
	// FailClosed denies the request when storage fails.
	FailClosed FailureMode = "fail-closed"
	// FailThrow propagates the storage error to the caller unchanged.
	FailThrow FailureMode = "throw"
)

// KeyFunc derives a rate-limit key from a request context. Returning
// ok=false (or an empty key) skips rate limiting for that request.
type KeyFunc func(ctx context.Context) (key string, ok bool)

// Config contains the rate limiter options.
type Config struct {
	// Name identifies the limiter in logs and metrics.
	Name string `json:"name" yaml:"name"`

	// Rate is the number of tokens accrued per Interval.
	Rate float64 `json:"rate" yaml:"rate"`

	// Burst is the bucket capacity. Defaults to Rate.
	Burst float64 `json:"burst" yaml:"burst"`

	// Interval is the accrual period for Rate. Defaults to one second.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// MaxBuckets bounds the in-memory bucket map; the least-recently-used
	// key is evicted on overflow. Zero means unbounded.
	MaxBuckets int `json:"max_buckets" yaml:"max_buckets"`

	// OnLimit is invoked once per denied admission with the sanitized key.
	// Panics are logged and swallowed.
	OnLimit func(key string) `json:"-" yaml:"-"`

	// Storage, when set, backs bucket state externally so limits are shared
	// across processes. The caller keeps the adapter alive at least as long
	// as the limiter.
	Storage Storage `json:"-" yaml:"-"`

	// StorageTTL bounds the lifetime of stored entries. Defaults to
	// Interval * (Burst/Rate) * 2, capped at one week, so live buckets stay
	// warm and idle ones expire.
	StorageTTL time.Duration `json:"storage_ttl" yaml:"storage_ttl"`

	// StorageFailureMode governs admissions when storage fails. Defaults to
	// fail-open.
	StorageFailureMode FailureMode `json:"storage_failure_mode" yaml:"storage_failure_mode"`

	// StorageTimeout bounds each storage operation. Defaults to 5s; must be
	// between 100ms and 5m.
	StorageTimeout time.Duration `json:"storage_timeout" yaml:"storage_timeout"`

	// SanitizeKeys normalizes caller keys (truncation, control-character
	// stripping, path-separator replacement) before use.
	SanitizeKeys bool `json:"sanitize_keys" yaml:"sanitize_keys"`

	// MaxKeyLength is the admission bound on raw key length. Defaults to
	// 4096; must be between 1 and 4096.
	MaxKeyLength int `json:"max_key_length" yaml:"max_key_length"`

	// MaxTokensPerRequest bounds Take's demand. Zero disables the check.
	MaxTokensPerRequest int `json:"max_tokens_per_request" yaml:"max_tokens_per_request"`

	// KeyFunc derives keys for AllowFromContext.
	KeyFunc KeyFunc `json:"-" yaml:"-"`

	// CleanupInterval is the cadence of the idle-bucket sweep. Defaults to
	// one minute.
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`

	// SanitizationCacheSize bounds the sanitized-key memo cache. Defaults
	// to 1024; zero disables memoization; must not exceed 100000.
	SanitizationCacheSize int `json:"sanitization_cache_size" yaml:"sanitization_cache_size"`

	// sanitizationCacheSet distinguishes an explicit zero from an unset
	// field when the config is built programmatically via
	// DisableSanitizationCache.
	sanitizationCacheSet bool

	// Metrics carries the optional instrumentation hooks.
	Metrics *Metrics `json:"-" yaml:"-"`

	// Logger receives structured diagnostics. Defaults to a no-op logger.
	Logger logging.Logger `json:"-" yaml:"-"`
}

// DisableSanitizationCache marks the sanitization memo cache as explicitly
// disabled rather than defaulted.
func (c *Config) DisableSanitizationCache() {
	c.SanitizationCacheSize = 0
	c.sanitizationCacheSet = true
}

const (
	minStorageTimeout        = 100 * time.Millisecond
	maxStorageTimeout        = 5 * time.Minute
	maxKeyLengthLimit        = 4096
	maxSanitizationCacheSize = 100000
	defaultSanitizationCache = 1024
	casAttempts              = 4
)

// Validate enforces the configuration bounds.
func (c *Config) Validate() error {
	if c.Rate <= 0 {
		return errors.NewConfigError("rate", "must be positive")
	}
	if c.Burst < 0 {
		return errors.NewConfigError("burst", "must not be negative")
	}
	if c.Interval < 0 {
		return errors.NewConfigError("interval", "must not be negative")
	}
	if c.Interval > 0 && c.Interval < time.Millisecond {
		return errors.NewConfigError("interval", "must be at least 1ms")
	}
	if c.MaxBuckets < 0 {
		return errors.NewConfigError("maxBuckets", "must not be negative")
	}
	switch c.StorageFailureMode {
	case "", FailOpen, FailClosed, FailThrow:
	default:
		return errors.NewConfigError("storageFailureMode", "must be fail-open, fail-closed or throw")
	}
	if c.StorageTimeout != 0 && (c.StorageTimeout < minStorageTimeout || c.StorageTimeout > maxStorageTimeout) {
		return errors.NewConfigError("storageTimeoutMs", "must be between 100ms and 5m")
	}
	if c.StorageTTL < 0 {
		return errors.NewConfigError("storageTtlMs", "must not be negative")
	}
	if c.MaxKeyLength < 0 || c.MaxKeyLength > maxKeyLengthLimit {
		return errors.NewConfigError("maxKeyLength", "must be between 1 and 4096")
	}
	if c.MaxTokensPerRequest < 0 {
		return errors.NewConfigError("maxTokensPerRequest", "must not be negative")
	}
	if c.CleanupInterval < 0 {
		return errors.NewConfigError("cleanupIntervalMs", "must not be negative")
	}
	if c.SanitizationCacheSize < 0 || c.SanitizationCacheSize > maxSanitizationCacheSize {
		return errors.NewConfigError("sanitizationCacheSize", "must be between 0 and 100000")
	}
	return nil
}

// RateLimiter is a keyed token-bucket rate limiter.
type RateLimiter struct {
	name                string
	rate                float64
	burst               float64
	interval            time.Duration
	tokensPerMs         float64
	maxCatchUpMillis    int64
	maxKeyLength        int
	maxTokensPerRequest int
	failureMode         FailureMode
	storageTimeout      time.Duration
	storageTTL          time.Duration

	sanitizer *keySanitizer // nil when sanitization is disabled
	buckets   *bucketMap
	storage   Storage
	cas       CompareAndSetter // non-nil when the adapter supports it

	onLimit func(string)
	keyFunc KeyFunc
	metrics *Metrics
	logger  logging.Logger

	mu sync.Mutex // serializes memory-path refill-and-take steps

	closeOnce   sync.Once
	cleanupDone chan struct{}
}

// New creates a rate limiter from the given configuration.
func New(config Config) (*RateLimiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Burst == 0 {
		config.Burst = config.Rate
	}
	if config.Interval == 0 {
		config.Interval = time.Second
	}
	if config.StorageFailureMode == "" {
		config.StorageFailureMode = FailOpen
	}
	if config.StorageTimeout == 0 {
		config.StorageTimeout = timeconfig.Get().DefaultStorageTimeout
	}
	if config.MaxKeyLength == 0 {
		config.MaxKeyLength = maxKeyLengthLimit
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = timeconfig.Get().DefaultCleanupInterval
	}
	if config.SanitizationCacheSize == 0 && !config.sanitizationCacheSet {
		config.SanitizationCacheSize = defaultSanitizationCache
	}

	rl := &RateLimiter{
		name:                config.Name,
		rate:                config.Rate,
		burst:               config.Burst,
		interval:            config.Interval,
		tokensPerMs:         config.Rate / float64(config.Interval.Milliseconds()),
		maxCatchUpMillis:    timeconfig.Get().MaxRefillCatchUp.Milliseconds(),
		maxKeyLength:        config.MaxKeyLength,
		maxTokensPerRequest: config.MaxTokensPerRequest,
		failureMode:         config.StorageFailureMode,
		storageTimeout:      config.StorageTimeout,
		storageTTL:          config.StorageTTL,
		buckets:             newBucketMap(config.MaxBuckets),
		storage:             config.Storage,
		onLimit:             config.OnLimit,
		keyFunc:             config.KeyFunc,
		metrics:             config.Metrics,
		logger: logging.OrNop(config.Logger).With(
			logging.F("component", "ratelimit"), logging.F("name", config.Name)),
	}
	if config.SanitizeKeys {
		rl.sanitizer = newKeySanitizer(config.SanitizationCacheSize)
	}
	if cas, ok := config.Storage.(CompareAndSetter); ok {
		rl.cas = cas
	}
	if rl.storageTTL == 0 {
		ttl := timeconfig.Get().MaxBucketTTL
		if derived := float64(rl.interval) * (rl.burst / rl.rate) * 2; derived < float64(ttl) {
			ttl = time.Duration(derived)
		}
		rl.storageTTL = ttl
	}

	rl.cleanupDone = make(chan struct{})
	go rl.cleanupLoop(config.CleanupInterval)

	return rl, nil
}

// cleanupLoop periodically drops buckets idle past the storage TTL from the
// in-memory map.
func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := rl.buckets.cleanup(rl.storageTTL); removed > 0 {
				rl.logger.Debug("idle buckets removed", logging.F("count", removed))
			}
		case <-rl.cleanupDone:
			return
		}
	}
}

// prepareKey applies the length bound and optional sanitization.
func (rl *RateLimiter) prepareKey(key string) (string, error) {
	if len(key) > rl.maxKeyLength {
		return "", errors.NewKeyTooLongError(key, rl.maxKeyLength)
	}
	if rl.sanitizer != nil {
		return rl.sanitizer.sanitize(key), nil
	}
	return key, nil
}

// checkDemand applies the per-request token bound.
func (rl *RateLimiter) checkDemand(n int) error {
	if rl.maxTokensPerRequest > 0 && n > rl.maxTokensPerRequest {
		return errors.NewTokensExceededError(n, rl.maxTokensPerRequest)
	}
	return nil
}

// Allow admits one request for key from the in-memory bucket, or fails with
// RateLimitError.
func (rl *RateLimiter) Allow(key string) error {
	return rl.Take(key, 1)
}

// Take admits a request consuming n tokens for key from the in-memory
// bucket. A demand above MaxTokensPerRequest fails with
// TokensExceededError; an empty bucket fails with RateLimitError.
func (rl *RateLimiter) Take(key string, n int) error {
	cleanKey, err := rl.prepareKey(key)
	if err != nil {
		return err
	}
	if err := rl.checkDemand(n); err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}
	admitted, _ := rl.takeMemory(cleanKey, float64(n))
	return rl.finishAdmission(cleanKey, admitted)
}

// Wait blocks until one token is available for key in the in-memory bucket,
// or until ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	cleanKey, err := rl.prepareKey(key)
	if err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		admitted, wait := rl.takeMemory(cleanKey, 1)
		if admitted {
			rl.fireOnAllow(cleanKey)
			return nil
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := cancel.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Execute admits one request for key and runs op. Denied admissions fail
// without invoking op; tokens are not returned when op fails.
func (rl *RateLimiter) Execute(ctx context.Context, key string, op Operation) error {
	if err := rl.Allow(key); err != nil {
		return err
	}
	return op(ctx)
}

// AllowContext admits one request for key, using external storage when
// configured and the in-memory bucket otherwise.
func (rl *RateLimiter) AllowContext(ctx context.Context, key string) error {
	return rl.TakeContext(ctx, key, 1)
}

// TakeContext admits a request consuming n tokens for key, using external
// storage when configured. Storage failures are mapped through the
// configured failure mode.
func (rl *RateLimiter) TakeContext(ctx context.Context, key string, n int) error {
	if rl.storage == nil {
		return rl.Take(key, n)
	}
	cleanKey, err := rl.prepareKey(key)
	if err != nil {
		return err
	}
	if err := rl.checkDemand(n); err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}
	admitted, _, err := rl.takeStorage(ctx, cleanKey, float64(n))
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return rl.storageFailure(cleanKey, err)
	}
	return rl.finishAdmission(cleanKey, admitted)
}

// WaitContext blocks until one token is available for key, using external
// storage when configured. Under fail-closed, storage failures are retried
// with jittered exponential backoff instead of denying outright.
func (rl *RateLimiter) WaitContext(ctx context.Context, key string) error {
	if rl.storage == nil {
		return rl.Wait(ctx, key)
	}
	cleanKey, err := rl.prepareKey(key)
	if err != nil {
		return err
	}

	tc := timeconfig.Get()
	backoff := tc.DefaultStorageRetryInitial
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		admitted, wait, err := rl.takeStorage(ctx, cleanKey, 1)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			rl.fireOnError(err)
			switch rl.failureMode {
			case FailClosed:
				// Storage may recover; back off and try again.
				rl.logger.Warn("storage failure during wait, backing off",
					logging.F("backoff", backoff), logging.F("error", err.Error()))
				if sleepErr := cancel.Sleep(ctx, jitterHalfToFull(backoff)); sleepErr != nil {
					return sleepErr
				}
				backoff *= 2
				if backoff > tc.DefaultStorageRetryMax {
					backoff = tc.DefaultStorageRetryMax
				}
				continue
			case FailThrow:
				return err
			default: // FailOpen
				rl.logger.Warn("storage failure during wait, admitting (fail-open)",
					logging.F("error", err.Error()))
				rl.fireOnAllow(cleanKey)
				return nil
			}
		}
		if admitted {
			rl.fireOnAllow(cleanKey)
			return nil
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		if sleepErr := cancel.Sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}
}

// ExecuteContext admits one request for key through AllowContext and runs
// op.
func (rl *RateLimiter) ExecuteContext(ctx context.Context, key string, op Operation) error {
	if err := rl.AllowContext(ctx, key); err != nil {
		return err
	}
	return op(ctx)
}

// AllowFromContext derives the key from the configured KeyFunc and admits
// the request. A missing KeyFunc or an empty derived key skips rate limiting
// and admits.
func (rl *RateLimiter) AllowFromContext(ctx context.Context) error {
	if rl.keyFunc == nil {
		return nil
	}
	key, ok := rl.keyFunc(ctx)
	if !ok || key == "" {
		return nil
	}
	return rl.AllowContext(ctx, key)
}

// takeMemory performs one atomic refill-and-take step against the in-memory
// map. On refusal it also reports how long one token will take to accrue.
func (rl *RateLimiter) takeMemory(key string, demand float64) (admitted bool, wait time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().UnixMilli()
	state, ok := rl.buckets.get(key)
	if !ok {
		state = rl.fullBucket(now)
	}
	state = rl.refill(state, now)
	admitted = takeTokens(&state, demand)
	rl.buckets.set(key, state)
	if !admitted {
		wait = rl.waitFor(state)
	}
	return admitted, wait
}

// takeStorage performs a read-modify-write admission step against the
// external adapter. When the adapter supports CompareAndSet the write is
// atomic and contended updates retry a bounded number of times before
// degrading to a plain write; without it, the read-modify-write window is an
// accepted TOCTOU trade-off for adapter portability.
func (rl *RateLimiter) takeStorage(ctx context.Context, key string, demand float64) (admitted bool, wait time.Duration, err error) {
	for attempt := 0; ; attempt++ {
		now := time.Now().UnixMilli()
		stored, err := rl.storageGet(ctx, key)
		if err != nil {
			return false, 0, err
		}

		var state BucketState
		if rl.validState(stored, now) {
			state = *stored
		} else {
			if stored != nil {
				rl.logger.Warn("invalid persisted bucket state, resetting to full",
					logging.F("key", key))
				rl.fireOnError(errors.NewInvalidBucketStateError(key))
			}
			state = rl.fullBucket(now)
		}

		state = rl.refill(state, now)
		admitted = takeTokens(&state, demand)

		if rl.cas != nil && attempt < casAttempts {
			ok, _, casErr := rl.storageCompareAndSet(ctx, key, stored, state)
			if casErr != nil {
				return false, 0, casErr
			}
			if !ok {
				// Lost the race; re-read and recompute.
				continue
			}
		} else {
			if setErr := rl.storageSet(ctx, key, state); setErr != nil {
				return false, 0, setErr
			}
		}
		return admitted, rl.waitFor(state), nil
	}
}

// finishAdmission fires the outcome hooks and produces the admission error.
func (rl *RateLimiter) finishAdmission(key string, admitted bool) error {
	if admitted {
		rl.fireOnAllow(key)
		return nil
	}
	rl.fireOnDeny(key)
	rl.fireOnLimit(key)
	return errors.NewRateLimitError(key)
}

// storageFailure maps a storage error through the configured failure mode.
func (rl *RateLimiter) storageFailure(key string, err error) error {
	rl.fireOnError(err)
	switch rl.failureMode {
	case FailClosed:
		rl.logger.Warn("storage failure, denying (fail-closed)", logging.F("error", err.Error()))
		rl.fireOnDeny(key)
		rl.fireOnLimit(key)
		return errors.NewRateLimitError(key)
	case FailThrow:
		return err
	default: // FailOpen
		rl.logger.Warn("storage failure, admitting (fail-open)", logging.F("error", err.Error()))
		rl.fireOnAllow(key)
		return nil
	}
}

// Storage wrappers: each call runs under the bounded storage timeout, feeds
// the latency hook when one is installed, and maps timeouts to
// StorageTimeoutError and other failures to StorageUnavailableError. The
// caller's own cancellation propagates unchanged.

func (rl *RateLimiter) storageGet(ctx context.Context, key string) (*BucketState, error) {
	tctx, cancelFn := context.WithTimeout(ctx, rl.storageTimeout)
	defer cancelFn()

	start := rl.latencyStart()
	state, err := rl.storage.Get(tctx, key)
	rl.observeLatency("get", start)
	if err != nil {
		return nil, rl.mapStorageError(ctx, tctx, "get", err)
	}
	return state, nil
}

func (rl *RateLimiter) storageSet(ctx context.Context, key string, state BucketState) error {
	tctx, cancelFn := context.WithTimeout(ctx, rl.storageTimeout)
	defer cancelFn()

	start := rl.latencyStart()
	err := rl.storage.Set(tctx, key, state, rl.storageTTL)
	rl.observeLatency("set", start)
	if err != nil {
		return rl.mapStorageError(ctx, tctx, "set", err)
	}
	return nil
}

func (rl *RateLimiter) storageCompareAndSet(ctx context.Context, key string, expected *BucketState, desired BucketState) (bool, *BucketState, error) {
	tctx, cancelFn := context.WithTimeout(ctx, rl.storageTimeout)
	defer cancelFn()

	start := rl.latencyStart()
	ok, current, err := rl.cas.CompareAndSet(tctx, key, expected, desired, rl.storageTTL)
	rl.observeLatency("compareAndSet", start)
	if err != nil {
		return false, nil, rl.mapStorageError(ctx, tctx, "compareAndSet", err)
	}
	return ok, current, nil
}

func (rl *RateLimiter) storageDelete(ctx context.Context, key string) error {
	deleter, ok := rl.storage.(Deleter)
	if !ok {
		return nil
	}
	tctx, cancelFn := context.WithTimeout(ctx, rl.storageTimeout)
	defer cancelFn()

	start := rl.latencyStart()
	err := deleter.Delete(tctx, key)
	rl.observeLatency("delete", start)
	if err != nil {
		return rl.mapStorageError(ctx, tctx, "delete", err)
	}
	return nil
}

// mapStorageError classifies an adapter failure. Timeouts attributable to
// the storage bound become StorageTimeoutError; the caller's own
// cancellation passes through; everything else becomes
// StorageUnavailableError.
func (rl *RateLimiter) mapStorageError(ctx, tctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if tctx.Err() == context.DeadlineExceeded {
		return errors.NewStorageTimeoutError(op, rl.storageTimeout)
	}
	return errors.NewStorageUnavailableError(err)
}

// Delete evicts one key from the in-memory map and, when the adapter
// supports deletion, from storage.
func (rl *RateLimiter) Delete(ctx context.Context, key string) error {
	cleanKey, err := rl.prepareKey(key)
	if err != nil {
		return err
	}
	rl.buckets.delete(cleanKey)
	if rl.storage != nil {
		return rl.storageDelete(ctx, cleanKey)
	}
	return nil
}

// Reset clears every in-memory bucket and, when the adapter supports it, the
// external store.
func (rl *RateLimiter) Reset(ctx context.Context) error {
	rl.buckets.clear()
	if clearer, ok := rl.storage.(Clearer); ok {
		tctx, cancelFn := context.WithTimeout(ctx, rl.storageTimeout)
		defer cancelFn()
		if err := clearer.Clear(tctx); err != nil {
			return rl.mapStorageError(ctx, tctx, "clear", err)
		}
	}
	return nil
}

// Close stops the cleanup loop and drops all in-memory state. External
// storage is left untouched; the caller owns the adapter. Idempotent.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() {
		close(rl.cleanupDone)
		rl.buckets.clear()
	})
}

// HealthCheck verifies the storage adapter end to end: write a probe bucket
// under a random key, read it back, compare, and delete it. A limiter
// without external storage is trivially healthy.
func (rl *RateLimiter) HealthCheck(ctx context.Context) error {
	if rl.storage == nil {
		return nil
	}

	probeKey := "fortify:healthcheck:" + uuid.NewString()
	probe := rl.fullBucket(time.Now().UnixMilli())

	if err := rl.storageSet(ctx, probeKey, probe); err != nil {
		return errors.NewHealthCheckError(err)
	}
	read, err := rl.storageGet(ctx, probeKey)
	if err != nil {
		return errors.NewHealthCheckError(err)
	}
	if read == nil || *read != probe {
		return errors.NewHealthCheckError(fmt.Errorf("probe mismatch for %s: wrote %+v, read %+v", probeKey, probe, read))
	}
	if err := rl.storageDelete(ctx, probeKey); err != nil {
		return errors.NewHealthCheckError(err)
	}
	return nil
}

// Name returns the limiter's name.
func (rl *RateLimiter) Name() string {
	return rl.name
}

// KeyCount returns the number of in-memory buckets.
func (rl *RateLimiter) KeyCount() int {
	return rl.buckets.len()
}

// GetEvictionCount returns the number of LRU evictions from the in-memory
// bucket map.
func (rl *RateLimiter) GetEvictionCount() int64 {
	return rl.buckets.evictionCount()
}

// Hook invocations: callbacks never propagate panics into admission paths.

func (rl *RateLimiter) fireOnAllow(key string) {
	if rl.metrics == nil || rl.metrics.OnAllow == nil {
		return
	}
	defer rl.recoverHook("onAllow")
	rl.metrics.OnAllow(key)
}

func (rl *RateLimiter) fireOnDeny(key string) {
	if rl.metrics == nil || rl.metrics.OnDeny == nil {
		return
	}
	defer rl.recoverHook("onDeny")
	rl.metrics.OnDeny(key)
}

func (rl *RateLimiter) fireOnError(err error) {
	if rl.metrics == nil || rl.metrics.OnError == nil {
		return
	}
	defer rl.recoverHook("onError")
	rl.metrics.OnError(err)
}

func (rl *RateLimiter) fireOnLimit(key string) {
	if rl.onLimit == nil {
		return
	}
	defer rl.recoverHook("onLimit")
	rl.onLimit(key)
}

func (rl *RateLimiter) recoverHook(name string) {
	if r := recover(); r != nil {
		rl.logger.Error("callback panicked", logging.F("hook", name), logging.F("panic", r))
	}
}

// latencyStart returns the measurement start, or the zero time when latency
// instrumentation is not installed.
func (rl *RateLimiter) latencyStart() time.Time {
	if rl.metrics == nil || rl.metrics.OnStorageLatency == nil {
		return time.Time{}
	}
	return time.Now()
}

func (rl *RateLimiter) observeLatency(op string, start time.Time) {
	if start.IsZero() {
		return
	}
	defer rl.recoverHook("onStorageLatency")
	rl.metrics.OnStorageLatency(op, time.Since(start))
}

// jitterHalfToFull returns a duration drawn uniformly from [d/2, d).
func jitterHalfToFull(d time.Duration) time.Duration {
	half := float64(d) / 2
	return time.Duration(half + rand.Float64()*half)
}

// timeconfigMaxWait returns the ceiling applied to computed wait times.
func timeconfigMaxWait() time.Duration {
	return timeconfig.Get().MaxWaitTime
}
