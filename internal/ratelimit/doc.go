// Package ratelimit provides the admission gate that protects the relay from
// request floods using per-client sliding windows.
//
// Each (class, client) pair owns a window of recent admission timestamps. A
// request is admitted while fewer than Limit timestamps fall inside the last
// Window; otherwise it is denied with the time until the oldest timestamp
// leaves the window. Classes (chat generation, general API) have independent
// windows and limits.
//
// Windows live in a Store. MemoryStore keeps them in process with one mutex
// per key; a background sweep removes keys that have been idle longer than the
// configured threshold.
package ratelimit
