package headers

import "strings"

// DefaultMaxCacheSize bounds the normalization cache when no size is given.
const DefaultMaxCacheSize = 1000

// wellKnown maps lowercased names to their conventional spelling. Anything
// not listed goes through the generic Pascal-Case path.
var wellKnown = map[string]string{
	"accept":                           "Accept",
	"accept-charset":                   "Accept-Charset",
	"accept-encoding":                  "Accept-Encoding",
	"accept-language":                  "Accept-Language",
	"accept-ranges":                    "Accept-Ranges",
	"access-control-allow-credentials": "Access-Control-Allow-Credentials",
	"access-control-allow-headers":     "Access-Control-Allow-Headers",
	"access-control-allow-methods":     "Access-Control-Allow-Methods",
	"access-control-allow-origin":      "Access-Control-Allow-Origin",
	"access-control-expose-headers":    "Access-Control-Expose-Headers",
	"access-control-max-age":           "Access-Control-Max-Age",
	"age":                              "Age",
	"authorization":                    "Authorization",
	"cache-control":                    "Cache-Control",
	"connection":                       "Connection",
	"content-disposition":              "Content-Disposition",
	"content-encoding":                 "Content-Encoding",
	"content-language":                 "Content-Language",
	"content-length":                   "Content-Length",
	"content-security-policy":          "Content-Security-Policy",
	"content-type":                     "Content-Type",
	"cookie":                           "Cookie",
	"date":                             "Date",
	"dnt":                              "DNT",
	"etag":                             "ETag",
	"expires":                          "Expires",
	"host":                             "Host",
	"last-modified":                    "Last-Modified",
	"location":                         "Location",
	"pragma":                           "Pragma",
	"server":                           "Server",
	"set-cookie":                       "Set-Cookie",
	"strict-transport-security":        "Strict-Transport-Security",
	"te":                               "TE",
	"transfer-encoding":                "Transfer-Encoding",
	"upgrade":                          "Upgrade",
	"user-agent":                       "User-Agent",
	"vary":                             "Vary",
	"via":                              "Via",
	"warning":                          "Warning",
	"www-authenticate":                 "WWW-Authenticate",
	"x-content-type-options":           "X-Content-Type-Options",
	"x-forwarded-for":                  "X-Forwarded-For",
	"x-frame-options":                  "X-Frame-Options",
	"x-request-id":                     "X-Request-Id",
	"x-xss-protection":                 "X-XSS-Protection",
}

// Canonical returns the canonical spelling of a header name without any
// caching. Empty or whitespace-only input yields "".
func Canonical(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return ""
	}
	lower := strings.ToLower(name)
	if c, ok := wellKnown[lower]; ok {
		return c
	}

	b := make([]byte, 0, len(lower))
	upper := true
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c == '-' || c == '_' {
			b = append(b, '-')
			upper = true
			continue
		}
		if upper && 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		b = append(b, c)
	}
	return string(b)
}

// CacheStats is a point-in-time view of the normalization cache counters.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// nameCache is a bounded raw -> canonical map with FIFO eviction. The oldest
// inserted entry goes first regardless of how often it was read.
// Callers synchronize access.
type nameCache struct {
	entries map[string]string
	order   []string // ring of inserted keys
	head    int      // index of the oldest key once the ring is full
	limit   int

	hits, misses, evictions uint64
}

func newNameCache(limit int) *nameCache {
	if limit <= 0 {
		limit = DefaultMaxCacheSize
	}
	return &nameCache{
		entries: make(map[string]string, limit),
		order:   make([]string, 0, limit),
		limit:   limit,
	}
}

func (c *nameCache) get(raw string) (string, bool) {
	v, ok := c.entries[raw]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// put inserts raw, evicting the single oldest entry when full. It reports
// whether an eviction happened.
func (c *nameCache) put(raw, canonical string) bool {
	if _, ok := c.entries[raw]; ok {
		c.entries[raw] = canonical
		return false
	}
	if len(c.order) < c.limit {
		c.order = append(c.order, raw)
		c.entries[raw] = canonical
		return false
	}
	delete(c.entries, c.order[c.head])
	c.order[c.head] = raw
	c.head = (c.head + 1) % c.limit
	c.entries[raw] = canonical
	c.evictions++
	return true
}

func (c *nameCache) clear() {
	c.entries = make(map[string]string, c.limit)
	c.order = c.order[:0]
	c.head = 0
}

func (c *nameCache) stats() CacheStats {
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		Capacity:  c.limit,
	}
}
