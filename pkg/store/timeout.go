package store

import (
	"context"
	"errors"
	"time"

	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
	"github.com/wilhg/rewind/pkg/session"
)

// WithTimeout bounds every call on b by d. A call that misses its deadline
// fails with errmodel.StorageTimeout. d <= 0 returns b unchanged.
func WithTimeout(b Backend, d time.Duration) Backend {
	if d <= 0 {
		return b
	}
	return &timeoutBackend{next: b, d: d}
}

type timeoutBackend struct {
	next Backend
	d    time.Duration
}

func (t *timeoutBackend) Save(ctx context.Context, s session.Session, frames []frame.Frame) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	id, err := t.next.Save(ctx, s, frames)
	return id, Classify(ctx, "save", err)
}

func (t *timeoutBackend) Load(ctx context.Context, id string) (session.Session, []frame.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	s, frames, err := t.next.Load(ctx, id)
	return s, frames, Classify(ctx, "load", err)
}

func (t *timeoutBackend) List(ctx context.Context) ([]session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	out, err := t.next.List(ctx)
	return out, Classify(ctx, "list", err)
}

func (t *timeoutBackend) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return Classify(ctx, "delete", t.next.Delete(ctx, id))
}

func (t *timeoutBackend) Close() error { return t.next.Close() }

// Classify maps a backend error onto the storage taxonomy. NotFound passes
// through, deadline or cancellation becomes StorageTimeout, and any other
// failure becomes StorageTransaction.
func Classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	ce := errmodel.From(err)
	switch ce.Code {
	case errmodel.CodeNotFound, errmodel.CodeStorageTimeout:
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		(ctx != nil && ctx.Err() != nil) {
		return errmodel.StorageTimeout(op, err)
	}
	if ce.Code == errmodel.CodeStorageTransaction || ce.Category == errmodel.CategoryValidation {
		return err
	}
	return errmodel.StorageTransaction(op, err)
}
