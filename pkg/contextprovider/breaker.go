package contextprovider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a provider is skipped because it kept failing.
var ErrCircuitOpen = errors.New("provider circuit open")

// breakerOpTimeout bounds each Redis round trip made by the breaker.
const breakerOpTimeout = time.Second

// failureTTL expires failure counters of providers that are no longer called.
const failureTTL = 24 * time.Hour

// CircuitState is the state of one provider's breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen short-circuits calls until the reset period elapses.
	CircuitOpen
	// CircuitHalfOpen lets one trial call through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-provider circuit breaking. A zero Threshold disables it.
type BreakerConfig struct {
	// Threshold is the number of consecutive failed calls that opens the circuit.
	Threshold int
	// ResetAfter is how long an open circuit waits before allowing a trial call.
	ResetAfter time.Duration
}

// Breaker keeps per-provider circuit state in Redis so every instance sees the
// same circuit. Three keys describe a provider:
//
//	breaker:<id>:failures  consecutive failed calls
//	breaker:<id>:open      present while the circuit is open (expires after ResetAfter)
//	breaker:<id>:trial     present while the single half-open trial call is in flight
//
// A nil Breaker, one without a Redis client, or one with a zero threshold never trips.
// Redis errors let the call through and are logged.
type Breaker struct {
	client *redis.Client
	cfg    BreakerConfig
	logger *zap.Logger
}

// NewBreaker creates a breaker. client may be nil.
func NewBreaker(client *redis.Client, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	return &Breaker{
		client: client,
		cfg:    cfg,
		logger: logger.Named("circuit-breaker"),
	}
}

func (b *Breaker) enabled() bool {
	return b != nil && b.client != nil && b.cfg.Threshold > 0
}

type breakerKeys struct {
	failures, open, trial string
}

func keysFor(providerID uuid.UUID) breakerKeys {
	prefix := "breaker:" + providerID.String()
	return breakerKeys{
		failures: prefix + ":failures",
		open:     prefix + ":open",
		trial:    prefix + ":trial",
	}
}

// Allow reports whether a call to the provider may proceed. It wraps ErrCircuitOpen
// when the circuit is open or another caller holds the half-open trial.
func (b *Breaker) Allow(ctx context.Context, providerID uuid.UUID) error {
	if !b.enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), breakerOpTimeout)
	defer cancel()

	keys := keysFor(providerID)
	failures, openFor, err := b.load(ctx, keys)
	if err != nil {
		b.logger.Warn("Circuit check failed, allowing call",
			zap.String("provider_id", providerID.String()),
			zap.Error(err))
		return nil
	}

	switch {
	case openFor > 0:
		return fmt.Errorf("%d consecutive failures, retrying in %s: %w",
			failures, openFor.Round(time.Second), ErrCircuitOpen)
	case failures >= int64(b.cfg.Threshold):
		won, err := b.client.SetNX(ctx, keys.trial, 1, b.cfg.ResetAfter).Result()
		if err != nil {
			b.logger.Warn("Circuit trial claim failed, allowing call",
				zap.String("provider_id", providerID.String()),
				zap.Error(err))
			return nil
		}
		if !won {
			return fmt.Errorf("recovery check in progress: %w", ErrCircuitOpen)
		}
		return nil
	default:
		return nil
	}
}

// Record folds a call outcome into the provider's circuit. A success closes it; a
// failure that reaches the threshold, or fails the half-open trial, opens it again.
func (b *Breaker) Record(ctx context.Context, providerID uuid.UUID, callErr error) {
	if !b.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), breakerOpTimeout)
	defer cancel()

	keys := keysFor(providerID)
	if callErr == nil {
		if err := b.client.Del(ctx, keys.failures, keys.open, keys.trial).Err(); err != nil {
			b.logger.Warn("Failed to close circuit",
				zap.String("provider_id", providerID.String()),
				zap.Error(err))
		}
		return
	}

	pipe := b.client.TxPipeline()
	incr := pipe.Incr(ctx, keys.failures)
	pipe.Expire(ctx, keys.failures, failureTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn("Failed to count provider failure",
			zap.String("provider_id", providerID.String()),
			zap.Error(err))
		return
	}
	if incr.Val() < int64(b.cfg.Threshold) {
		return
	}

	pipe = b.client.TxPipeline()
	pipe.Set(ctx, keys.open, 1, b.cfg.ResetAfter)
	pipe.Del(ctx, keys.trial)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn("Failed to open circuit",
			zap.String("provider_id", providerID.String()),
			zap.Error(err))
		return
	}
	if incr.Val() == int64(b.cfg.Threshold) {
		b.logger.Warn("Provider circuit opened",
			zap.String("provider_id", providerID.String()),
			zap.Int64("consecutive_failures", incr.Val()),
			zap.Duration("reset_after", b.cfg.ResetAfter))
	}
}

// State reports the provider's circuit. Once the open period has elapsed the
// circuit is half-open until a trial call succeeds or fails.
func (b *Breaker) State(ctx context.Context, providerID uuid.UUID) CircuitState {
	if !b.enabled() {
		return CircuitClosed
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), breakerOpTimeout)
	defer cancel()

	failures, openFor, err := b.load(ctx, keysFor(providerID))
	switch {
	case err != nil:
		b.logger.Warn("Failed to read circuit state",
			zap.String("provider_id", providerID.String()),
			zap.Error(err))
		return CircuitClosed
	case openFor > 0:
		return CircuitOpen
	case failures >= int64(b.cfg.Threshold):
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// load reads the failure count and the remaining open time in one round trip.
func (b *Breaker) load(ctx context.Context, keys breakerKeys) (int64, time.Duration, error) {
	pipe := b.client.Pipeline()
	failuresCmd := pipe.Get(ctx, keys.failures)
	openCmd := pipe.PTTL(ctx, keys.open)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, err
	}

	failures, err := failuresCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, err
	}
	// PTTL reports a negative duration for a missing key.
	return failures, openCmd.Val(), nil
}
