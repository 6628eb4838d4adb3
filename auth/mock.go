package auth

import (
	"context"
	"fmt"
	"net/http"

	"duochat/chat"
)

// MockClient trusts an x-uid cookie and treats every well-formed uid as an
// existing account, except those listed in Missing. Development only.
type MockClient struct {
	Client

	Missing map[string]bool
}

func (c *MockClient) Auth(r *http.Request) (string, error) {
	var uid string

	if cookie, err := r.Cookie("x-uid"); err == nil {
		uid = cookie.Value
	}

	if uid == "" {
		return "", fmt.Errorf("empty x-uid cookie")
	}
	if !chat.ValidUserID(uid) {
		return "", fmt.Errorf("malformed x-uid cookie: %q", uid)
	}
	return uid, nil
}

func (c *MockClient) UserExists(ctx context.Context, uid string) (bool, error) {
	return chat.ValidUserID(uid) && !c.Missing[uid], nil
}
