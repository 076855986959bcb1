package cache

import "time"

type options struct {
	numBuckets int
	now        func() time.Time
	observer   Observer
}

type Option func(*options)

// WithBuckets sets how many lock buckets the key space is spread over.
// Values lower than one are ignored.
func WithBuckets(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.numBuckets = n
		}
	}
}

// WithClock replaces time.Now as the cache time source
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}
