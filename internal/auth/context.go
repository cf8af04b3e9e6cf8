// ABOUTME: Caller identity carried through request handlers and job execution
// ABOUTME: Provides WithCaller/FromContext for propagating the caller via context

package auth

import (
	"context"
)

// Caller is the identity on whose behalf a request or job runs.
type Caller struct {
	AccountID int64
	UserID    int64
	Admin     bool
}

// CanAccess reports whether the caller may act on resources owned by accountID.
func (c *Caller) CanAccess(accountID int64) bool {
	return c.Admin || c.AccountID == accountID
}

// callerKey is the key type for storing Caller in context.Context.
type callerKey struct{}

// WithCaller returns a new context with the Caller attached.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext retrieves the Caller from the context, returning nil if not present.
func FromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey{}).(*Caller)
	return c
}

// MustFromContext retrieves the Caller from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Caller {
	c := FromContext(ctx)
	if c == nil {
		panic("auth: Caller not found in context")
	}
	return c
}
