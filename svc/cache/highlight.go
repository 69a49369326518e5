// Package cache holds rendered syntax-highlighted markup keyed by
// (content fingerprint, extension), bounded by an LRU of configurable
// capacity. Capacity 0 disables caching entirely: every call renders fresh
// and nothing is stored.
package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/berezovskyi/wastebin/metrics"
	"github.com/berezovskyi/wastebin/svc/db"
	"github.com/berezovskyi/wastebin/svc/util"
)

// RenderFunc turns plaintext into highlighted markup for the given extension.
type RenderFunc func(ext string, plaintext []byte) (string, error)

type cacheKey struct {
	fingerprint string
	ext         string
}

const redisMarkupTTL = 24 * time.Hour

type Highlight struct {
	c      *lru.Cache[cacheKey, string]
	render RenderFunc
	group  singleflight.Group
	rdb    *db.Redis
}

// NewHighlight builds the cache. rdb may be nil; when set it acts as a
// best-effort second tier consulted on LRU misses.
func NewHighlight(capacity int, render RenderFunc, rdb *db.Redis) (*Highlight, error) {
	if render == nil {
		render = ChromaRender
	}
	h := &Highlight{render: render, rdb: rdb}
	if capacity > 0 {
		c, err := lru.New[cacheKey, string](capacity)
		if err != nil {
			return nil, errors.Wrap(err, "init lru")
		}
		h.c = c
	}
	return h, nil
}

// RenderOrFetch returns cached markup on a hit, otherwise renders and stores
// the result. Concurrent misses for the same key are collapsed into one
// render; ordering between distinct requests is not guaranteed and the last
// writer wins, which is safe because rendering is deterministic.
func (h *Highlight) RenderOrFetch(ctx context.Context, fingerprint, ext string, plaintext []byte) (string, error) {
	if h.c == nil {
		return h.render(ext, plaintext)
	}
	key := cacheKey{fingerprint: fingerprint, ext: ext}
	if markup, ok := h.c.Get(key); ok {
		metrics.CacheHits.Inc()
		return markup, nil
	}
	metrics.CacheMisses.Inc()
	result, err, _ := h.group.Do(fingerprint+":"+ext, func() (interface{}, error) {
		if markup, ok := h.c.Get(key); ok {
			return markup, nil
		}
		if h.rdb != nil {
			if markup, ok := h.rdb.GetMarkup(ctx, fingerprint, ext); ok {
				h.c.Add(key, markup)
				return markup, nil
			}
		}
		markup, err := h.render(ext, plaintext)
		if err != nil {
			return "", err
		}
		h.c.Add(key, markup)
		if h.rdb != nil {
			if err := h.rdb.CacheMarkup(ctx, fingerprint, ext, markup, redisMarkupTTL); err != nil {
				util.Warn().Err(err).Str("fingerprint", fingerprint).Msg("markup tier store failed")
			}
		}
		return markup, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Invalidate drops every cached rendering of one fingerprint, across
// extensions. Best-effort: a missed eviction is only temporary staleness
// because the paste itself is already gone.
func (h *Highlight) Invalidate(ctx context.Context, fingerprint string) {
	if h.c != nil {
		for _, key := range h.c.Keys() {
			if key.fingerprint == fingerprint {
				h.c.Remove(key)
			}
		}
	}
	if h.rdb != nil {
		if err := h.rdb.InvalidateFingerprint(ctx, fingerprint); err != nil {
			util.Warn().Err(err).Str("fingerprint", fingerprint).Msg("markup tier invalidation failed")
		}
	}
}

// Len reports the number of resident entries. Zero when caching is disabled.
func (h *Highlight) Len() int {
	if h.c == nil {
		return 0
	}
	return h.c.Len()
}
