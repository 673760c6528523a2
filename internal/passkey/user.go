// ABOUTME: Adapter presenting a principal and its passkeys as a webauthn.User
// ABOUTME: Also holds the base64url helpers for external credential ids

package passkey

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// maxCredentialIDLength is the WebAuthn upper bound on credential id size.
const maxCredentialIDLength = 1023

// webAuthnUser implements webauthn.User for one ceremony.
type webAuthnUser struct {
	id          []byte
	name        string
	displayName string
	creds       []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return u.id
}

func (u *webAuthnUser) WebAuthnName() string {
	if u.name != "" {
		return u.name
	}
	return string(u.id)
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	if u.displayName != "" {
		return u.displayName
	}
	return u.WebAuthnName()
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

// EncodeCredentialID returns the base64url form used outside the store.
func EncodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// DecodeCredentialID parses a base64url credential id, padded or not.
func DecodeCredentialID(s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || len(raw) > maxCredentialIDLength {
		return nil, errors.New("credential id has invalid length")
	}
	return raw, nil
}

// AssertionCredentialID returns the raw credential id an assertion response
// was made with, so the caller can load the stored passkey before
// verification.
func AssertionCredentialID(response []byte) ([]byte, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, verificationFailed("authentication", err)
	}
	return parsed.RawID, nil
}
