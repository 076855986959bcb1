package cache

// Observer is notified about what happens inside the cache.
// Implementations must be safe for concurrent use and must not call
// back into the cache.
type Observer interface {
	Hit()
	Miss()
	// an entry was found stale and removed by a read
	Expire()
	// an entry was removed by Invalidate
	Invalidate()
	Clear()
}

type nopObserver struct{}

func (nopObserver) Hit()        {}
func (nopObserver) Miss()       {}
func (nopObserver) Expire()     {}
func (nopObserver) Invalidate() {}
func (nopObserver) Clear()      {}
