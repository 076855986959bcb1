package oneinflight

import (
	"context"

	"golang.org/x/sync/singleflight"
)

type Worker[V any] func(ctx context.Context) (V, error)

// OneInFlight runs no more than one worker at a time for a given key.
// Callers that arrive while the worker runs wait for it and get its result.
type OneInFlight[V any] struct {
	group singleflight.Group
}

func New[V any]() *OneInFlight[V] {
	return &OneInFlight[V]{}
}

// RunContext executes worker for key unless one is already running.
// The worker gets a context detached from the caller cancellation: it
// serves every caller that joined, so it must not die with the first one.
// Each caller still stops waiting as soon as its own ctx is done.
// shared reports whether the result was handed to more than one caller.
func (o *OneInFlight[V]) RunContext(ctx context.Context, key string, worker Worker[V]) (res V, shared bool, err error) {
	wctx := context.WithoutCancel(ctx)
	ch := o.group.DoChan(key, func() (any, error) {
		return worker(wctx)
	})

	select {
	case <-ctx.Done():
		return res, false, ctx.Err()
	case r := <-ch:
		if r.Val != nil {
			res = r.Val.(V)
		}
		return res, r.Shared, r.Err
	}
}
