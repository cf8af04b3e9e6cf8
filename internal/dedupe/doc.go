// Package dedupe remembers idempotency keys for a bounded time so a retried
// request gets the response of the first attempt instead of being run twice.
package dedupe
