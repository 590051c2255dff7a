package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// resultCache memoizes completed generations for a bounded time. Sampling
// with a nonzero temperature is not deterministic, so the cache is opt-in
// via Config.CacheTTL.
type resultCache struct {
	c *ttlcache.Cache[string, Result]
}

func newResultCache(ttl time.Duration) *resultCache {
	c := ttlcache.New[string, Result](
		ttlcache.WithTTL[string, Result](ttl),
	)
	go c.Start()
	return &resultCache{c: c}
}

func (rc *resultCache) get(key string) (Result, bool) {
	item := rc.c.Get(key)
	if item == nil {
		return Result{}, false
	}
	return item.Value(), true
}

func (rc *resultCache) put(key string, res Result) {
	rc.c.Set(key, res, ttlcache.DefaultTTL)
}

func (rc *resultCache) stop() {
	rc.c.Stop()
}

// cacheKey derives a stable key from the prompt and every parameter that
// influences the output.
func cacheKey(prompt string, maxTokens int, opts GenerateOptions) string {
	return fmt.Sprintf("%d|%g|%g|%d|%d|%s|%s",
		maxTokens, opts.Temperature, opts.TopP, opts.TopK, opts.Seed,
		strings.Join(opts.Stop, "\x1f"), prompt)
}
