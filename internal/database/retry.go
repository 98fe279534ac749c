package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fogsync/internal/clock"
	"fogsync/internal/constants"
	"fogsync/internal/retry"
)

func dbBackoff() *retry.Backoff {
	return retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: constants.DefaultDatabaseRetryMs * time.Millisecond,
		MaxDelay:     constants.DefaultDatabaseMaxRetryMs * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	}, clock.Real())
}

// withRetry runs a database operation, retrying on transient SQLite errors.
func withRetry(ctx context.Context, operationName string, operation func() error) error {
	if err := dbBackoff().RetryWithPredicate(ctx, operation, isRetryableDBError); err != nil {
		return fmt.Errorf("%s failed: %w", operationName, err)
	}
	return nil
}

// isRetryableDBError reports transient SQLite errors worth retrying.
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "disk I/O error")
}
