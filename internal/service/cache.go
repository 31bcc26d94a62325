package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resolveCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "birdtag_resolve_cache_hits_total",
		Help: "Thumbnail resolutions served from cache",
	})
	resolveCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "birdtag_resolve_cache_misses_total",
		Help: "Thumbnail resolutions that read the store",
	})
)

// Resolution maps a derived asset back to its record.
type Resolution struct {
	RecordID     string `json:"id"`
	OwnerID      string `json:"-"`
	OriginalPath string `json:"originalPath"`
}

// ResolveCache holds derived path resolutions. A derived path belongs to
// one record for the record's lifetime, so entries only go stale on delete.
type ResolveCache struct {
	lru *expirable.LRU[string, *Resolution]
}

func NewResolveCache(size int, ttl time.Duration) *ResolveCache {
	if size <= 0 {
		size = 1000
	}
	return &ResolveCache{
		lru: expirable.NewLRU[string, *Resolution](size, nil, ttl),
	}
}

func (c *ResolveCache) Get(path string) (*Resolution, bool) {
	r, ok := c.lru.Get(path)
	if ok {
		resolveCacheHits.Inc()
	} else {
		resolveCacheMisses.Inc()
	}
	return r, ok
}

func (c *ResolveCache) Set(path string, r *Resolution) {
	c.lru.Add(path, r)
}

func (c *ResolveCache) Invalidate(path string) {
	c.lru.Remove(path)
}

func (c *ResolveCache) Len() int {
	return c.lru.Len()
}
