// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds the caller to context

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/2389/cauldron/internal/store"
)

// AccountLookup resolves the account and user named by a token.
type AccountLookup interface {
	GetAccount(ctx context.Context, id int64) (*store.Account, error)
	GetUser(ctx context.Context, id int64) (*store.User, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// resolveCaller checks the token's account and user against the store and
// fills in admin rights from the account. Returns an error message and
// status (empty message if allowed).
func resolveCaller(ctx context.Context, accounts AccountLookup, c *Caller) (string, int) {
	acct, err := accounts.GetAccount(ctx, c.AccountID)
	if err != nil {
		return "account not found", http.StatusUnauthorized
	}
	if !acct.Enabled {
		return "account is disabled", http.StatusForbidden
	}
	user, err := accounts.GetUser(ctx, c.UserID)
	if err != nil || user.AccountID != acct.ID {
		return "user not found", http.StatusUnauthorized
	}
	c.Admin = acct.Admin
	return "", 0
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates
// JWT tokens and adds the resolved Caller to the request context.
func HTTPAuthMiddleware(accounts AccountLookup, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			caller, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			if errMsg, status := resolveCaller(r.Context(), accounts, caller); errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, status)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires an admin caller.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := FromContext(r.Context())
			if caller == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			if !caller.Admin {
				http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
