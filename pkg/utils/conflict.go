package utils

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned by stores when an optimistic write lost a race
	// (the stored version moved since the caller read it).
	ErrConflict = errors.New("write conflict")

	// ErrPersistenceConflict is surfaced once a conflicting write has already
	// been retried with a fresh read and conflicted again. It is transient.
	ErrPersistenceConflict = errors.New("persistence conflict")
)

// RetryOnConflict runs fn and, if it fails with ErrConflict, runs it exactly
// once more. fn must re-read its state on every invocation.
func RetryOnConflict(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if !errors.Is(err, ErrConflict) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	err = fn(ctx)
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w: %v", ErrPersistenceConflict, err)
	}
	return err
}
