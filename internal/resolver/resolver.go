// Package resolver turns blob ids into the client-facing playback URL.
package resolver

import "strings"

// AudioPath is the route prefix blobs are served under.
const AudioPath = "/api/chat/audio/"

// Resolver builds retrieval addresses from a configured base location.
type Resolver struct {
	base string
}

// New returns a Resolver rooted at base, e.g. "http://localhost:5000".
func New(base string) *Resolver {
	return &Resolver{base: strings.TrimRight(base, "/")}
}

// Resolve returns the address a client fetches id from. It does not check
// that id exists.
func (r *Resolver) Resolve(id string) string {
	return r.base + AudioPath + id
}
