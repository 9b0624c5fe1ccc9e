// Package cache provides the Redis connection used for cross-process job
// locks.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"trading-fee-billing/config"
	"trading-fee-billing/internal/logging"
)

var (
	// ErrLockHeld is returned when another process holds the lock
	ErrLockHeld = errors.New("cache: lock held")
	// ErrUnavailable is returned while the circuit breaker is open
	ErrUnavailable = errors.New("cache: redis unavailable (circuit breaker open)")
)

// unlockLua deletes a lock key only if its value still matches the holder's
// token, so one holder cannot release another's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// PrefixJobLock namespaces scheduler locks
const PrefixJobLock = "billing:lock:%s"

// CacheService wraps a Redis client with a failure-counting circuit breaker.
// While the breaker is open, operations fail fast with ErrUnavailable.
type CacheService struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       *logging.Logger
	unlockScript *redis.Script
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

// NewCacheService creates a CacheService with the provided configuration.
// An unreachable server yields a service in degraded mode, not an error.
func NewCacheService(cfg config.RedisConfig, logger *logging.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}
	if logger == nil {
		logger = logging.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := &CacheService{
		client:        client,
		config:        cfg,
		logger:        logger.WithComponent("cache"),
		unlockScript:  redis.NewScript(unlockLua),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn("Initial Redis connection failed, running degraded", "address", cfg.Address, "error", err)
		cs.lastCheck = time.Now()
		return cs, nil
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	cs.logger.Info("Redis connected", "address", cfg.Address)

	return cs, nil
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

// recordFailure tracks a Redis operation failure for circuit breaker.
func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.logger.Warn("Circuit breaker open: Redis marked unhealthy", "failures", cs.failureCount)
		}
		cs.healthy = false
	}
}

// recordSuccess resets the failure counter on successful operation.
func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info("Circuit breaker closed: Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth pings in the background once the check interval has passed
// while the breaker is open.
func (cs *CacheService) checkHealth() {
	cs.mu.Lock()
	shouldCheck := !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	if shouldCheck {
		cs.lastCheck = time.Now()
	}
	cs.mu.Unlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

// Acquire takes a named lock for ttl. The returned release function is safe
// to call more than once and never releases a lock taken over by another
// holder after expiry.
func (cs *CacheService) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return nil, ErrUnavailable
	}

	token := uuid.New().String()
	key := JobLockKey(name)

	ok, err := cs.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		cs.recordFailure()
		return nil, fmt.Errorf("redis acquire lock %s: %w", name, err)
	}
	cs.recordSuccess()
	if !ok {
		return nil, ErrLockHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's context may already be cancelled
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cs.unlockScript.Run(unlockCtx, cs.client, []string{key}, token).Err(); err != nil {
				cs.logger.Warn("Failed to release lock", "lock", name, "error", err)
			}
		})
	}
	return release, nil
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Ping checks Redis connectivity.
func (cs *CacheService) Ping(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return err
	}
	cs.recordSuccess()
	return nil
}

// Stats returns cache statistics for monitoring.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.config.Address,
		PoolSize:     cs.config.PoolSize,
	}
}

// JobLockKey generates the Redis key for a scheduler lock.
func JobLockKey(name string) string {
	return fmt.Sprintf(PrefixJobLock, name)
}
