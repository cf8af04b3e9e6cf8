// Package auth resolves who a request or job acts for.
//
// # Callers
//
// API callers present an HS256 JWT bearer token whose "sub" claim is a user id
// and whose "acct" claim is that user's account id. HTTPAuthMiddleware checks
// both against the store and attaches a Caller to the request context. Admin
// rights come from the account record, never from the token.
//
// Jobs re-establish the submitting caller from the job record before they
// execute, so ownership checks behave the same on the synchronous and the
// asynchronous path:
//
//	ctx = auth.WithCaller(ctx, &auth.Caller{AccountID: rec.AccountID, UserID: rec.UserID})
//
// # Host Agents
//
// Host agents authenticate in their register message with a shared secret.
// Only its bcrypt hash is stored (HashSecret, CheckSecret).
package auth
