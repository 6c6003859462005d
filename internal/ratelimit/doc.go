// Package ratelimit is per-client-IP admission for the fetch route.
//
// Every fetch costs an outbound connection and up to MaxBytes of memory, so a
// single client hammering the remote endpoint is the cheapest way to exhaust
// the process. The limiter is in-memory and per instance; distributed abuse
// needs upstream filtering.
package ratelimit
