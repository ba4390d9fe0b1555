package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// retryable runs op, retrying transient store errors with backoff.
func (d *Database) retryable(ctx context.Context, operationName string, op func(ctx context.Context) error) error {
	err := d.backoff.Do(ctx, op, isRetryableDBError)
	if err == nil {
		return nil
	}
	if isRetryableDBError(err) {
		return fmt.Errorf("%s failed after retries: %w", operationName, err)
	}
	return fmt.Errorf("%s failed: %w", operationName, err)
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := err.Error()
	for _, transient := range []string{
		"database is locked",
		"database table is locked",
		"disk I/O error",
		"connection refused",
		"connection reset",
		"no such host",
		"could not serialize access", // SQLSTATE 40001
		"deadlock detected",          // SQLSTATE 40P01
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}
