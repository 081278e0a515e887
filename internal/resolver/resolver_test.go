package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		base string
		id   string
		want string
	}{
		{"local", "http://localhost:5000", "0190b6c1-7d2e-7a3b-9c4d-5e6f7a8b9c0d", "http://localhost:5000/api/chat/audio/0190b6c1-7d2e-7a3b-9c4d-5e6f7a8b9c0d"},
		{"trailing slash", "https://chat.example.com/", "abc", "https://chat.example.com/api/chat/audio/abc"},
		{"with path", "https://example.com/voice", "abc", "https://example.com/voice/api/chat/audio/abc"},
		{"relative", "", "abc", "/api/chat/audio/abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.base).Resolve(tt.id))
		})
	}
}

func TestResolveDoesNotCheckExistence(t *testing.T) {
	t.Parallel()
	r := New("http://localhost:5000")
	assert.Equal(t, r.Resolve("nonexistent-id"), r.Resolve("nonexistent-id"))
}
