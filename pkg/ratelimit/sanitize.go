package ratelimit

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// sanitizedKeyMaxBytes is the length keys are truncated to during
// sanitization, independent of the configured MaxKeyLength admission bound.
const sanitizedKeyMaxBytes = 256

// keySanitizer normalizes caller-supplied keys for use as storage keys:
// truncate to a fixed byte budget, strip ASCII control characters, and
// replace path separators so keys are safe in path-shaped storage
// namespaces. Results are memoized in a bounded LRU cache because key
// populations are typically small and hot.
type keySanitizer struct {
	cache *lru.Cache[string, string] // nil when memoization is disabled
}

func newKeySanitizer(cacheSize int) *keySanitizer {
	s := &keySanitizer{}
	if cacheSize > 0 {
		// Only errors on a non-positive size, which is guarded above.
		s.cache, _ = lru.New[string, string](cacheSize)
	}
	return s
}

func (s *keySanitizer) sanitize(key string) string {
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			return cached
		}
	}
	clean := sanitizeKey(key)
	if s.cache != nil {
		s.cache.Add(key, clean)
	}
	return clean
}

func sanitizeKey(key string) string {
	if len(key) > sanitizedKeyMaxBytes {
		key = key[:sanitizedKeyMaxBytes]
	}

	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c <= 0x1F || c == 0x7F:
			// Control characters are dropped outright.
		case c == '/' || c == '\\':
			b.WriteByte('_')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
