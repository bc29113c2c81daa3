package playground

import (
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"
)

// renderCache memoizes render results keyed by template source and
// context. A nil cache is a valid, disabled cache.
type renderCache struct {
	lru *lru.Cache[string, string]
}

func newRenderCache(size int) *renderCache {
	if size <= 0 {
		return nil
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil
	}
	return &renderCache{lru: c}
}

// cacheKey derives the lookup key. json.Marshal writes map keys in
// sorted order, so equal contexts produce equal keys regardless of
// construction order. Contexts that cannot be marshaled are not
// cacheable.
func cacheKey(template string, context map[string]any) (string, bool) {
	if len(context) == 0 {
		return template + "\x00", true
	}
	raw, err := json.Marshal(context)
	if err != nil {
		return "", false
	}
	return template + "\x00" + string(raw), true
}

func (c *renderCache) get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	return c.lru.Get(key)
}

func (c *renderCache) add(key, output string) {
	if c == nil {
		return
	}
	c.lru.Add(key, output)
}

func (c *renderCache) purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

func (c *renderCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
