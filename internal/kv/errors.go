package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OpTimeout bounds every single store round trip. A parent context
// carrying an earlier deadline keeps its own.
const OpTimeout = 500 * time.Millisecond

func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, OpTimeout)
}

// Typed backend failures. Callers switch on these instead of vendor
// error types, so neither go-redis nor etcd leaks past this package.
var (
	ErrBackendTimeout     = errors.New("backend timeout")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrNotFound           = errors.New("key not found")
)

// Classify wraps a raw driver error into one of the typed kinds.
// Context deadline and cancellation map to BackendTimeout; everything
// else is treated as the backend being unavailable.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, ErrBackendTimeout)
	}
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrBackendUnavailable)
}

// IsNotFound reports whether err is a missing-key failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
