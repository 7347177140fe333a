// Package signer defines the detached-signature abstraction the workflow
// engine signs destination collections with, and the registry that holds one
// signer per configured source.
package signer

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrBadSignature reports that a signature did not verify against the
// payload. It is never surfaced to end users directly; heartbeats and
// self-tests branch on it.
var ErrBadSignature = errors.New("bad signature")

// ErrUnavailable reports that a signing backend could not produce a
// signature (remote timeout, HTTP error). Surfaces to clients as a 503.
var ErrUnavailable = errors.New("signer unavailable")

// heartbeatProbe is the fixed payload signed by Heartbeat.
const heartbeatProbe = "This is a heartbeat test."

// mandatoryKeys are the bundle entries every backend must produce (after
// coercion of defaults for the remote backend).
var mandatoryKeys = []string{"signature", "hash_algorithm", "signature_encoding", "x5u"}

// Bundle is the opaque signature mapping stored on the destination
// collection. Backends guarantee at least signature, hash_algorithm,
// signature_encoding and x5u.
type Bundle map[string]any

// String returns the value under key if it is a string, else "".
func (b Bundle) String(key string) string {
	s, _ := b[key].(string)
	return s
}

func (b Bundle) hasMandatoryKeys() bool {
	for _, k := range mandatoryKeys {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Signer produces and verifies detached signatures over canonical bytes.
// Implementations must be safe for concurrent use.
type Signer interface {
	// Sign returns the signature bundle for payload.
	Sign(ctx context.Context, payload []byte) (Bundle, error)
	// Verify checks bundle against payload. A mismatch is reported as an
	// error wrapping ErrBadSignature; malformed bundles return plain errors.
	Verify(ctx context.Context, payload []byte, bundle Bundle) error
}

// Heartbeat signs a fixed probe with s and reports whether the returned
// bundle carries the mandatory keys. Any error yields false.
func Heartbeat(ctx context.Context, s Signer) bool {
	bundle, err := s.Sign(ctx, []byte(heartbeatProbe))
	if err != nil {
		return false
	}
	return bundle.hasMandatoryKeys()
}

// Registry holds one signer per configured source URI. It is populated at
// startup and read-mostly afterwards.
type Registry struct {
	mu      sync.RWMutex
	signers map[string]Signer
}

func NewRegistry() *Registry {
	return &Registry{signers: map[string]Signer{}}
}

func (r *Registry) Set(sourceURI string, s Signer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signers[sourceURI] = s
}

// Get returns the signer registered for the URI, or nil.
func (r *Registry) Get(sourceURI string) Signer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.signers[sourceURI]
}

// Heartbeats runs the heartbeat probe against every registered signer,
// keyed by source URI.
func (r *Registry) Heartbeats(ctx context.Context) map[string]bool {
	r.mu.RLock()
	uris := make([]string, 0, len(r.signers))
	for uri := range r.signers {
		uris = append(uris, uri)
	}
	r.mu.RUnlock()
	sort.Strings(uris)

	out := make(map[string]bool, len(uris))
	for _, uri := range uris {
		out[uri] = Heartbeat(ctx, r.Get(uri))
	}
	return out
}
