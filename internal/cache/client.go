// Package cache is the best-effort Redis layer in front of the session store
// and behind the rate limiter. No operation ever returns an error: an
// unreachable cache reads as a miss and writes are silently dropped.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"go-estate-market/internal/metrics"
)

type Status int

const (
	Miss Status = iota
	Hit
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Unavailable:
		return "unavailable"
	default:
		return "miss"
	}
}

// Result is what a read returns. Above this package only Found matters, so a
// down cache and a cold key behave the same for callers.
type Result struct {
	Value  []byte
	Status Status
}

func (r Result) Found() bool {
	return r.Status == Hit
}

// Window is the state of a fixed counting window after an admission attempt.
type Window struct {
	Allowed bool
	Count   int64
	ResetIn time.Duration
}

type Config struct {
	Addr           string
	Password       string
	DB             int
	OpTimeout      time.Duration
	BreakerTimeout time.Duration
	ProbeInterval  time.Duration
}

const consecutiveFailuresToTrip = 3

// countWindowScript admits one hit into a fixed window. The read, the limit
// check and the increment happen inside one script so concurrent callers
// can never push the counter past the limit.
var countWindowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

if current >= limit then
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], window)
		ttl = window
	end
	return {0, current, ttl}
end

current = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], window)
	ttl = window
end
return {1, current, ttl}
`)

var getUnlessScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return false
end
return redis.call('GET', KEYS[1])
`)

var setUnlessScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

type Client struct {
	rdb           redis.UniversalClient
	breaker       *gobreaker.CircuitBreaker[struct{}]
	opTimeout     time.Duration
	probeInterval time.Duration
	logger        *slog.Logger
	warn          rate.Sometimes
}

// New builds a client without dialing. The go-redis pool connects on first
// use, so a cache that is down at startup does not block boot.
func New(cfg Config, logger *slog.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.OpTimeout * 4,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
		MaxRetries:   -1,
	})
	return NewWithRedis(rdb, cfg, logger)
}

func NewWithRedis(rdb redis.UniversalClient, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 50 * time.Millisecond
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 10 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}

	c := &Client{
		rdb:           rdb,
		opTimeout:     cfg.OpTimeout,
		probeInterval: cfg.ProbeInterval,
		logger:        logger,
		warn:          rate.Sometimes{Interval: 30 * time.Second},
	}

	c.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "cache",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailuresToTrip
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("cache circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			metrics.CacheBreakerState.Set(stateToFloat(to))
		},
	})
	metrics.CacheBreakerState.Set(0)

	return c
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (c *Client) Get(ctx context.Context, key string) Result {
	var value []byte
	err := c.exec(ctx, func(ctx context.Context) error {
		b, err := c.rdb.Get(ctx, key).Bytes()
		value = b
		return err
	})

	switch {
	case err == nil:
		metrics.CacheOperations.WithLabelValues("get", Hit.String()).Inc()
		return Result{Value: value, Status: Hit}
	case errors.Is(err, redis.Nil):
		metrics.CacheOperations.WithLabelValues("get", Miss.String()).Inc()
		return Result{Status: Miss}
	default:
		c.unavailable("get", err)
		return Result{Status: Unavailable}
	}
}

// Set stores value under key. It reports whether the write landed.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}

	err := c.exec(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		c.unavailable("set", err)
		return false
	}
	metrics.CacheOperations.WithLabelValues("set", "ok").Inc()
	return true
}

func (c *Client) Delete(ctx context.Context, keys ...string) bool {
	if len(keys) == 0 {
		return true
	}

	err := c.exec(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
	if err != nil {
		c.unavailable("delete", err)
		return false
	}
	metrics.CacheOperations.WithLabelValues("delete", "ok").Inc()
	return true
}

// GetJSONUnless decodes the value at key into dst unless the tombstone key
// exists. A tombstoned or undecodable entry counts as a miss.
func (c *Client) GetJSONUnless(ctx context.Context, key string, tombstone string, dst any) bool {
	var value string
	err := c.exec(ctx, func(ctx context.Context) error {
		v, err := getUnlessScript.Run(ctx, c.rdb, []string{key, tombstone}).Text()
		value = v
		return err
	})

	switch {
	case errors.Is(err, redis.Nil):
		metrics.CacheOperations.WithLabelValues("get", Miss.String()).Inc()
		return false
	case err != nil:
		c.unavailable("get", err)
		return false
	}
	metrics.CacheOperations.WithLabelValues("get", Hit.String()).Inc()

	if err := json.Unmarshal([]byte(value), dst); err != nil {
		c.logger.Debug("cache entry decode failed", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	return true
}

// SetJSONUnless stores v under key unless the tombstone key exists. The
// check and the write are one script, so a tombstone laid down before the
// write always wins.
func (c *Client) SetJSONUnless(ctx context.Context, key string, tombstone string, v any, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("cache entry encode failed", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}

	var written int64
	err = c.exec(ctx, func(ctx context.Context) error {
		n, err := setUnlessScript.Run(ctx, c.rdb, []string{key, tombstone}, b, ttl.Milliseconds()).Int64()
		written = n
		return err
	})
	if err != nil {
		c.unavailable("set", err)
		return false
	}
	if written == 0 {
		metrics.CacheOperations.WithLabelValues("set", "tombstoned").Inc()
		return false
	}
	metrics.CacheOperations.WithLabelValues("set", "ok").Inc()
	return true
}

// CountWindow admits one hit into the fixed window stored at key. The second
// return value is false when the cache could not count at all.
func (c *Client) CountWindow(ctx context.Context, key string, limit int, window time.Duration) (Window, bool) {
	var values []int64
	err := c.exec(ctx, func(ctx context.Context) error {
		res, err := countWindowScript.Run(ctx, c.rdb, []string{key}, limit, window.Milliseconds()).Int64Slice()
		values = res
		return err
	})
	if err != nil {
		c.unavailable("count_window", err)
		return Window{}, false
	}
	if len(values) != 3 {
		c.logger.Error("unexpected count window reply", slog.String("key", key), slog.Int("len", len(values)))
		return Window{}, false
	}

	metrics.CacheOperations.WithLabelValues("count_window", "ok").Inc()
	return Window{
		Allowed: values[0] == 1,
		Count:   values[1],
		ResetIn: time.Duration(values[2]) * time.Millisecond,
	}, true
}

// Ping checks reachability through the breaker. It backs the readiness probe
// and the background prober.
func (c *Client) Ping(ctx context.Context) error {
	return c.exec(ctx, func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	})
}

// Run pings the cache on a fixed interval until ctx is done, so the breaker
// recovers without a request paying for the probe.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil && ctx.Err() == nil {
				c.unavailable("probe", err)
			}
		}
	}
}

func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) exec(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (c *Client) unavailable(op string, err error) {
	metrics.CacheOperations.WithLabelValues(op, Unavailable.String()).Inc()
	c.warn.Do(func() {
		c.logger.Warn("cache unavailable, continuing without it",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	})
}
