package resilience

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"aihive/pkg/logx"
	"aihive/pkg/proto"
)

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts
	BaseDelay  time.Duration // Delay before the first retry
	MaxDelay   time.Duration // Cap on the backoff
	Jitter     bool          // Add random jitter to prevent thundering herd
}

// DefaultRetryConfig provides reasonable defaults for delivery retries.
//
//nolint:gochecknoglobals
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 3,
	BaseDelay:  1 * time.Second,
	MaxDelay:   60 * time.Second,
	Jitter:     true,
}

// Delay computes the backoff before retry number attempt (0-based):
// BaseDelay * 2^attempt, capped at MaxDelay.
func (c RetryConfig) Delay(attempt int) time.Duration {
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > c.MaxDelay || delay <= 0 {
		delay = c.MaxDelay
	}
	if c.Jitter {
		jitterFactor := 2*time.Now().UnixNano()%2 - 1 // -1 or 1
		jitter := time.Duration(float64(delay) * 0.1 * float64(jitterFactor))
		delay += jitter
		if delay <= 0 {
			delay = c.BaseDelay
		}
	}
	return delay
}

// DeliveryFunc processes one envelope. The bus handler type converts to and
// from this.
type DeliveryFunc func(ctx context.Context, env *proto.Envelope) error

// Handler turns failing deliveries into retries and dead letters. Wrapped
// handlers never return an error into the delivery loop, so one poisoned
// message cannot stall its subscription.
type Handler struct {
	cfg    RetryConfig
	store  DeadLetterStore
	logger *logx.Logger
}

// NewHandler creates a delivery error handler backed by the given dead
// letter store.
func NewHandler(cfg RetryConfig, store DeadLetterStore) *Handler {
	return &Handler{
		cfg:    cfg,
		store:  store,
		logger: logx.NewLogger("errors"),
	}
}

// Wrap decorates a delivery function with retry and dead letter handling.
func (h *Handler) Wrap(next DeliveryFunc) DeliveryFunc {
	return func(ctx context.Context, env *proto.Envelope) error {
		firstSeen := time.Now().UTC()
		var lastErr error

		for attempt := 0; ; attempt++ {
			err := next(ctx, env)
			if err == nil {
				if attempt > 0 {
					h.logger.Info("delivery of %s %s recovered after %d retries", env.Kind, env.Type, attempt)
				}
				return nil
			}
			lastErr = err

			if !IsRetryable(err) {
				h.logger.Warn("non-retryable failure for %s %s (%s): %v", env.Kind, env.Type, env.ID, err)
				h.deadLetter(ctx, env, err, attempt+1, firstSeen)
				return nil
			}
			if attempt >= h.cfg.MaxRetries {
				h.logger.Warn("retries exhausted for %s %s (%s): %v", env.Kind, env.Type, env.ID, err)
				h.deadLetter(ctx, env, err, attempt+1, firstSeen)
				return nil
			}

			delay := h.cfg.Delay(attempt)
			h.logger.Debug("retrying %s %s (%s) in %v, attempt %d: %v", env.Kind, env.Type, env.ID, delay, attempt+1, err)

			select {
			case <-ctx.Done():
				h.deadLetter(ctx, env, lastErr, attempt+1, firstSeen)
				return nil
			case <-time.After(delay):
			}
		}
	}
}

func (h *Handler) deadLetter(ctx context.Context, env *proto.Envelope, cause error, attempts int, firstSeen time.Time) {
	dl := &DeadLetter{
		ID:             uuid.New().String(),
		Envelope:       env.Clone(),
		Reason:         cause.Error(),
		Attempts:       attempts,
		FirstSeen:      firstSeen,
		DeadLetteredAt: time.Now().UTC(),
	}
	if err := h.store.Save(ctx, dl); err != nil {
		// The message is lost if the store is down too. Log loudly.
		h.logger.Error("failed to persist dead letter for %s (%s): %v", env.Type, env.ID, err)
		return
	}
	h.logger.Warn("dead lettered %s %s (%s) after %d attempts: %v", env.Kind, env.Type, env.ID, attempts, cause)
}

// Replay republishes a parked message through publish and removes the record
// once publishing succeeds. Operator-facing.
func (h *Handler) Replay(ctx context.Context, id string, publish DeliveryFunc) error {
	dl, err := h.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := publish(ctx, dl.Envelope); err != nil {
		return logx.Wrap(err, "replay publish")
	}
	if err := h.store.Delete(ctx, id); err != nil {
		return logx.Wrap(err, "replay cleanup")
	}
	h.logger.Info("replayed dead letter %s (%s %s)", id, dl.Envelope.Kind, dl.Envelope.Type)
	return nil
}

// Store exposes the dead letter store for operator listings.
func (h *Handler) Store() DeadLetterStore {
	return h.store
}
