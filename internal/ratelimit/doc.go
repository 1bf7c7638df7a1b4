// Package ratelimit provides per-IP token buckets for probe requests, with
// background eviction of idle clients.
//
// It is in-memory and per process. It bounds how often a single caller can
// make the probe bind against the directory; it does nothing against
// distributed callers.
package ratelimit
