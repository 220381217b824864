package queue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/retry"
	"github.com/3leaps/gocumulus/pkg/storage"
)

// ErrNoResultChannel is returned when result calls reach a backend that
// cannot carry results.
var ErrNoResultChannel = errors.New("queue backend has no result channel")

// IsTransient reports whether err is worth retrying: the service was
// unreachable or the connection dropped.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrUnavailable) || storage.ClassifyTransport(err) != nil
}

// Retrying wraps a Backend with the bounded retry policy. Transient failures
// are retried; anything else surfaces at once as a PermanentBackendError.
type Retrying struct {
	inner  Backend
	policy retry.Policy
	logger *zap.Logger
}

var (
	_ Backend       = (*Retrying)(nil)
	_ ResultChannel = (*Retrying)(nil)
)

// WithRetry decorates b. A nil logger disables logging.
func WithRetry(b Backend, p retry.Policy, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{inner: b, policy: p.WithRetryable(IsTransient), logger: logger}
}

// Unwrap returns the decorated backend.
func (r *Retrying) Unwrap() Backend { return r.inner }

func (r *Retrying) Kind() Kind { return r.inner.Kind() }

func (r *Retrying) Close() error { return r.inner.Close() }

func (r *Retrying) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, r.policy, string(r.Kind())+"."+op, fn)
	if err == nil {
		return nil
	}
	if faults.IsTransient(err) {
		r.logger.Warn("Queue call failed after retries",
			zap.String("backend", string(r.Kind())),
			zap.String("op", op),
			zap.Error(err))
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return faults.Permanent(string(r.Kind())+"."+op, err)
}

func (r *Retrying) Push(ctx context.Context, item Item) error {
	// Reject bad items before any network call.
	if _, err := Encode(item); err != nil {
		return faults.Permanent(string(r.Kind())+".push", err)
	}
	return r.call(ctx, "push", func(ctx context.Context) error {
		return r.inner.Push(ctx, item)
	})
}

func (r *Retrying) Pop(ctx context.Context) (Item, bool, error) {
	var item Item
	var ok bool
	err := r.call(ctx, "pop", func(ctx context.Context) error {
		var err error
		item, ok, err = r.inner.Pop(ctx)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return item, ok, nil
}

func (r *Retrying) Size(ctx context.Context) (int, error) {
	var n int
	err := r.call(ctx, "size", func(ctx context.Context) error {
		var err error
		n, err = r.inner.Size(ctx)
		return err
	})
	return n, err
}

func (r *Retrying) results() (ResultChannel, error) {
	rc, ok := ResultsOf(r.inner)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoResultChannel, r.Kind())
	}
	return rc, nil
}

func (r *Retrying) PublishResult(ctx context.Context, res Result) error {
	rc, err := r.results()
	if err != nil {
		return faults.Permanent(string(r.Kind())+".publish_result", err)
	}
	return r.call(ctx, "publish_result", func(ctx context.Context) error {
		return rc.PublishResult(ctx, res)
	})
}

func (r *Retrying) PollResult(ctx context.Context, jobID string) (*Result, bool, error) {
	rc, err := r.results()
	if err != nil {
		return nil, false, faults.Permanent(string(r.Kind())+".poll_result", err)
	}
	var res *Result
	var ok bool
	err = r.call(ctx, "poll_result", func(ctx context.Context) error {
		var err error
		res, ok, err = rc.PollResult(ctx, jobID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return res, ok, nil
}

// ResultsOf returns the result channel b carries, looking through
// decorators.
func ResultsOf(b Backend) (ResultChannel, bool) {
	if r, ok := b.(*Retrying); ok {
		if _, inner := ResultsOf(r.inner); !inner {
			return nil, false
		}
		return r, true
	}
	rc, ok := b.(ResultChannel)
	return rc, ok
}
