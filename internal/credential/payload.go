// ABOUTME: Typed payloads accepted by Manager.Add for each credential variant
// ABOUTME: Payloads carry plaintext secrets; the manager hashes or seals them before storage

package credential

import (
	"time"

	"github.com/2389/hoa/internal/store"
)

// Payload is the variant-specific input to Manager.Add. It is implemented
// by Passkey, Password, OAuth2 and Token.
type Payload interface {
	credentialType() store.CredentialType
}

// Passkey is a verified WebAuthn credential ready to attach.
type Passkey struct {
	CredentialID    []byte
	PublicKey       []byte
	SignCount       uint32
	Transports      []string
	RPID            string
	AttestationType string
	AAGUID          []byte
	BackupEligible  bool
	BackupState     bool
}

// Password is a plaintext password checked against the manager's strength
// policy and stored as a bcrypt hash.
type Password struct {
	Plaintext string
}

// OAuth2 links a third-party identity. Provider tokens are sealed at rest
// when the manager has a box.
type OAuth2 struct {
	Provider        string
	ProviderSubject string
	AccessToken     string
	RefreshToken    string
	ExpiresAt       *time.Time
}

// Token is an opaque machine secret. Only its hash is stored.
type Token struct {
	Secret      string
	Description string
	ExpiresAt   *time.Time
}

func (Passkey) credentialType() store.CredentialType  { return store.CredentialPasskey }
func (Password) credentialType() store.CredentialType { return store.CredentialPassword }
func (OAuth2) credentialType() store.CredentialType   { return store.CredentialOAuth2 }
func (Token) credentialType() store.CredentialType    { return store.CredentialToken }
