// Package headershttp exposes the header engine as a JSON API: merge,
// deduplicate, normalize and read-only rule and stats views on the public
// router, rule and cache management on the ops listener.
package headershttp
