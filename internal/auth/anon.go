package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
)

// AccountHeaderName and DeviceHeaderName carry a stable anonymous
// identity across reconnects, analogous to the teacher's anon-id cookie
// (identity/identity.go) but header-based since the hub's callers are
// WebSocket upgrades, not arbitrary HTTP routes.
const (
	AccountHeaderName = "X-Hub-Account-Id"
	DeviceHeaderName  = "X-Hub-Device-Id"
)

var anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// Anon is a stand-in Authenticator for local runs and tests where a real
// authentication service isn't wired in: it trusts caller-supplied
// account/device headers if present and well-formed, and mints fresh
// anonymous identifiers otherwise. It never rejects a connection.
type Anon struct{}

// NewAnon builds the anonymous dev authenticator.
func NewAnon() *Anon { return &Anon{} }

func (a *Anon) Authenticate(headers http.Header, clientID string) (*Identity, error) {
	accountID := headers.Get(AccountHeaderName)
	if !isValidAnonID(accountID) {
		id, err := generateAnonID()
		if err != nil {
			return nil, fmt.Errorf("auth(anon): generate account id: %w", err)
		}
		accountID = id
	}

	deviceID := headers.Get(DeviceHeaderName)
	if !isValidAnonID(deviceID) {
		id, err := generateAnonID()
		if err != nil {
			return nil, fmt.Errorf("auth(anon): generate device id: %w", err)
		}
		deviceID = id
	}

	return &Identity{AccountID: accountID, DeviceID: deviceID}, nil
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

var _ Authenticator = (*Anon)(nil)
