package auth

import (
	"context"
	"net/http"
)

// Client fronts the managed auth service.
type Client interface {
	// Auth authenticates the current request, returns the caller's uid.
	Auth(r *http.Request) (string, error)

	// UserExists reports whether uid resolves to an existing account.
	UserExists(ctx context.Context, uid string) (bool, error)
}
