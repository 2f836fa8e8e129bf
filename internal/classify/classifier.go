package classify

import (
	"net/url"
	"strings"
	"sync"

	"github.com/goodtune/screentime/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultCacheSize bounds the classification cache.
	DefaultCacheSize = 1000

	// evictBatch is how many of the oldest cache entries are dropped in one
	// pass when the cache is full.
	evictBatch = 100
)

// Config holds classifier configuration
type Config struct {
	CacheSize   int
	CustomRules map[string]Category // domain -> category operator overrides
}

// Classifier maps domains to categories. Custom rules take precedence over
// the static table, which takes precedence over keyword heuristics.
type Classifier struct {
	custom    map[string]Category
	cache     map[string]Result
	cacheKeys []string // insertion order, for bulk eviction
	cacheSize int
	logger    zerolog.Logger
	mu        sync.RWMutex
}

// New creates a new classifier
func New(config Config, logger zerolog.Logger) *Classifier {
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}

	custom := make(map[string]Category, len(config.CustomRules))
	for domain, category := range config.CustomRules {
		custom[Normalize(domain)] = category
	}

	return &Classifier{
		custom:    custom,
		cache:     make(map[string]Result),
		cacheSize: config.CacheSize,
		logger:    logger.With().Str("component", "classifier").Logger(),
	}
}

// Normalize reduces a URL or raw domain to a lowercase registrable hostname.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)

	if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
		raw = u.Hostname()
	} else {
		if i := strings.IndexAny(raw, "/?"); i >= 0 {
			raw = raw[:i]
		}
	}

	raw = strings.ToLower(raw)
	raw = strings.TrimPrefix(raw, "www.")
	return raw
}

// Classify resolves a URL or domain to a classification result. Misses are
// never an error; unmatched domains resolve to CategoryOther with zero
// confidence.
func (c *Classifier) Classify(urlOrDomain string) Result {
	domain := Normalize(urlOrDomain)
	if domain == "" {
		return resultFor(CategoryOther, 0)
	}

	c.mu.RLock()
	if cached, ok := c.cache[domain]; ok {
		c.mu.RUnlock()
		metrics.ClassificationCacheHits.Inc()
		return cached
	}
	c.mu.RUnlock()

	metrics.ClassificationCacheMisses.Inc()
	result := c.resolve(domain)

	c.mu.Lock()
	c.insertLocked(domain, result)
	c.mu.Unlock()

	return result
}

// ClassifyBatch classifies a list of URLs or domains in order.
func (c *Classifier) ClassifyBatch(urlsOrDomains []string) []Result {
	results := make([]Result, len(urlsOrDomains))
	for i, entry := range urlsOrDomains {
		results[i] = c.Classify(entry)
	}
	return results
}

// SetRule adds or replaces an operator custom rule and invalidates the
// domain's cache entry.
func (c *Classifier) SetRule(domain string, category Category) {
	normalized := Normalize(domain)

	c.mu.Lock()
	c.custom[normalized] = category
	c.invalidateLocked(normalized)
	c.mu.Unlock()

	c.logger.Info().
		Str("domain", normalized).
		Str("category", string(category)).
		Msg("Custom classification rule set")
}

// RemoveRule deletes an operator custom rule and invalidates the domain's
// cache entry.
func (c *Classifier) RemoveRule(domain string) {
	normalized := Normalize(domain)

	c.mu.Lock()
	delete(c.custom, normalized)
	c.invalidateLocked(normalized)
	c.mu.Unlock()

	c.logger.Info().Str("domain", normalized).Msg("Custom classification rule removed")
}

// Rules returns a copy of the current custom rules.
func (c *Classifier) Rules() map[string]Category {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rules := make(map[string]Category, len(c.custom))
	for domain, category := range c.custom {
		rules[domain] = category
	}
	return rules
}

// resolve runs the classification ladder for a normalized domain.
func (c *Classifier) resolve(domain string) Result {
	// 1. Operator custom rules
	c.mu.RLock()
	category, ok := c.custom[domain]
	c.mu.RUnlock()
	if ok {
		return resultFor(category, 1.0)
	}

	// 2. Exact static table match
	if category, ok := staticDomains[domain]; ok {
		return resultFor(category, 1.0)
	}

	// 3. Strip the leftmost label once and retry the static table
	if i := strings.Index(domain, "."); i >= 0 {
		parent := domain[i+1:]
		if strings.Contains(parent, ".") {
			if category, ok := staticDomains[parent]; ok {
				return resultFor(category, 1.0)
			}
		}
	}

	// 4. Keyword and suffix heuristics, fixed category order, first hit wins
	for _, h := range heuristics {
		for _, suffix := range h.suffixes {
			if strings.HasSuffix(domain, suffix) {
				return resultFor(h.category, h.confidence)
			}
		}
		for _, keyword := range h.keywords {
			if strings.Contains(domain, keyword) {
				return resultFor(h.category, h.confidence)
			}
		}
	}

	// 5. Default
	return resultFor(CategoryOther, 0)
}

// insertLocked caches a result, evicting the oldest entries in bulk when the
// cache is full. Must be called with the write lock held.
func (c *Classifier) insertLocked(domain string, result Result) {
	if _, exists := c.cache[domain]; exists {
		c.cache[domain] = result
		return
	}

	if len(c.cache) >= c.cacheSize {
		evict := evictBatch
		if evict > len(c.cacheKeys) {
			evict = len(c.cacheKeys)
		}
		for _, old := range c.cacheKeys[:evict] {
			delete(c.cache, old)
		}
		c.cacheKeys = c.cacheKeys[evict:]

		c.logger.Debug().Int("evicted", evict).Msg("Classification cache eviction")
	}

	c.cache[domain] = result
	c.cacheKeys = append(c.cacheKeys, domain)
}

// invalidateLocked drops a single cache entry. Must be called with the write
// lock held.
func (c *Classifier) invalidateLocked(domain string) {
	if _, ok := c.cache[domain]; !ok {
		return
	}
	delete(c.cache, domain)
	for i, key := range c.cacheKeys {
		if key == domain {
			c.cacheKeys = append(c.cacheKeys[:i], c.cacheKeys[i+1:]...)
			break
		}
	}
}

// cacheLen reports the current cache size, for tests.
func (c *Classifier) cacheLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
