package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func requestWithOrigin(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{" https://Chat.Example.com ", "not a url", ""}, discardLogger())

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{name: "listed origin", origin: "https://chat.example.com", allowed: true},
		{name: "case insensitive", origin: "HTTPS://CHAT.EXAMPLE.COM", allowed: true},
		{name: "other origin", origin: "https://evil.example.com", allowed: false},
		{name: "scheme mismatch", origin: "http://chat.example.com", allowed: false},
		{name: "malformed origin", origin: "::::", allowed: false},
		{name: "no origin header", origin: "", allowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, policy.checkOrigin(requestWithOrigin(tt.origin)))
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, discardLogger())
	assert.True(t, policy.checkOrigin(requestWithOrigin("https://anything.example")))
}

func TestOriginPolicyEmptyListAllowsOnlyNonBrowserClients(t *testing.T) {
	policy := newOriginPolicy(nil, discardLogger())
	assert.False(t, policy.checkOrigin(requestWithOrigin("https://anything.example")))
	assert.True(t, policy.checkOrigin(requestWithOrigin("")))
}
