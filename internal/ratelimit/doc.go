// Package ratelimit is per-client token bucket limiting for the engine API.
//
// State is in memory and per instance. It bounds what one client can make a
// single server spend on merge and deduplicate calls; distributed abuse is
// left to upstream filtering.
package ratelimit
