package rules

import (
	"fmt"
	"regexp"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/wolfman30/autoreply/internal/conditions"
)

// PatternCache memoises compiled keyword patterns, including the compile
// error for invalid ones. Patterns are compiled case-insensitive with Go's
// linear-time engine.
type PatternCache struct {
	cache *gocache.Cache
}

type compiled struct {
	re  *regexp.Regexp
	err error
}

func NewPatternCache(ttl time.Duration) *PatternCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PatternCache{cache: gocache.New(ttl, 2*ttl)}
}

// Compile returns the compiled pattern or an error wrapping
// conditions.ErrInvalidCondition.
func (c *PatternCache) Compile(pattern string) (*regexp.Regexp, error) {
	if c == nil {
		return compile(pattern)
	}
	if v, ok := c.cache.Get(pattern); ok {
		entry := v.(compiled)
		return entry.re, entry.err
	}
	re, err := compile(pattern)
	c.cache.SetDefault(pattern, compiled{re: re, err: err})
	return re, err
}

func (c *PatternCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.ItemCount()
}

func compile(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: keyword pattern %q: %v", conditions.ErrInvalidCondition, pattern, err)
	}
	return re, nil
}
