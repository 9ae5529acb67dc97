package llm

import (
	"context"
	"fmt"
	"time"

	"aihive/pkg/logx"
	"aihive/pkg/resilience"
)

// RetryableClient wraps a Client with retry logic for transient API
// failures.
type RetryableClient struct {
	client Client
	config resilience.RetryConfig
	logger *logx.Logger
}

// NewRetryableClient decorates client with the given retry policy.
func NewRetryableClient(client Client, config resilience.RetryConfig) *RetryableClient {
	return &RetryableClient{
		client: client,
		config: config,
		logger: logx.NewLogger("llm"),
	}
}

// Complete implements Client with retry logic.
func (r *RetryableClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := r.config.Delay(attempt - 1)
			r.logger.Debug("retrying completion in %v, attempt %d: %v", delay, attempt, lastErr)
			select {
			case <-ctx.Done():
				return CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		start := time.Now()
		resp, err := r.client.Complete(ctx, in)
		if err == nil {
			if attempt > 0 {
				r.logger.Debug("completion recovered after %d attempts in %v", attempt+1, time.Since(start))
			}
			return resp, nil
		}
		lastErr = err

		if !resilience.IsRetryable(err) || attempt >= r.config.MaxRetries {
			break
		}
	}

	return CompletionResponse{}, fmt.Errorf("completion failed after %d retries: %w", r.config.MaxRetries, lastErr)
}

// ModelName delegates to the underlying client.
func (r *RetryableClient) ModelName() string {
	return r.client.ModelName()
}
