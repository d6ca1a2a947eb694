// Package backoff makes many independent callers of a rate-limited remote service behave as one
// well-behaved client.
//
// Calls are grouped by a resource identity, typically one credential. While a resource is healthy,
// wrapped calls go straight through. The first "usage rate exceeded" failure creates a backoff
// queue for that resource: every call against it, new or failed, waits its turn in the queue, which
// retries them a couple at a time, doubles its delay whenever a retry is throttled, and goes away
// once the last call it holds succeeds.
package backoff
