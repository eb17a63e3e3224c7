// Package auth defines the Authenticator boundary the hub depends on
// (spec §6). Real account/device issuance, JWTs, pairing, and recovery
// live in a separate authentication service and are out of scope here
// (spec §1); this package only carries the interface plus a minimal
// anonymous implementation for local runs and tests.
package auth

import "net/http"

// Identity is what a successful authentication yields.
type Identity struct {
	AccountID string
	DeviceID  string
}

// Authenticator validates a connecting client. A nil Identity (and nil
// error) means authentication failed — the caller closes 1008
// unauthorized (spec §4.6 step 1).
type Authenticator interface {
	Authenticate(headers http.Header, clientID string) (*Identity, error)
}
