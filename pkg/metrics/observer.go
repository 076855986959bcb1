package metrics

import "github.com/prometheus/client_golang/prometheus"

type cacheObserver struct {
	hit        prometheus.Counter
	miss       prometheus.Counter
	expire     prometheus.Counter
	invalidate prometheus.Counter
	clear      prometheus.Counter
}

// CacheObserver returns a cache.Observer that counts the events of the
// named cache
func CacheObserver(name string) *cacheObserver {
	m := Instance()
	return &cacheObserver{
		hit:        m.cacheEvent(name, "hit"),
		miss:       m.cacheEvent(name, "miss"),
		expire:     m.cacheEvent(name, "expire"),
		invalidate: m.cacheEvent(name, "invalidate"),
		clear:      m.cacheEvent(name, "clear"),
	}
}

func (o *cacheObserver) Hit()        { o.hit.Inc() }
func (o *cacheObserver) Miss()       { o.miss.Inc() }
func (o *cacheObserver) Expire()     { o.expire.Inc() }
func (o *cacheObserver) Invalidate() { o.invalidate.Inc() }
func (o *cacheObserver) Clear()      { o.clear.Inc() }
