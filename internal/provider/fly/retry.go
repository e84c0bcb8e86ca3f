package fly

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/iterate-ops/machines/internal/log"
	"github.com/iterate-ops/machines/internal/model"
)

const (
	execRetryAttempts = 3
	execRetryBackoff  = 2 * time.Second
)

// withRetries runs fn up to attempts times with a linearly growing backoff
// between attempts. Only errors classified transient by classify are
// retried; everything else surfaces immediately. Application errors must be
// classified permanent by the caller: a command that ran and failed is a
// result, not a flake.
func withRetries(ctx context.Context, logger log.Logger, attempts int, backoff time.Duration, classify func(error) bool, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := time.Duration(attempt) * backoff
		logger.Warningf("Attempt %d/%d failed with transient error, retrying in %s: %v", attempt, attempts, wait, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// isTransientErr classifies errors worth retrying: deadline expirations,
// request timeouts and network-level timeouts. Application-level failures
// never match.
func isTransientErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, model.ErrTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "status 408") || strings.Contains(msg, "timeout")
}
