// ABOUTME: Store interface and data types for identity persistence
// ABOUTME: Defines Principal, Credential (tagged by variant) and SigningKey records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write would violate a uniqueness constraint
var ErrConflict = errors.New("conflict")

// Principal is a stable identity that owns credentials.
type Principal struct {
	ID          string
	Nick        string // optional display handle
	Email       string // optional, unique, stored lowercased
	FirstName   string
	SecondName  string
	PhoneNumber string
	Enabled     bool
	Admin       bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PrincipalFilter narrows ListPrincipals and CountPrincipals.
type PrincipalFilter struct {
	Enabled *bool
	Admin   *bool
	Search  string // substring match on nick, email and names
	Limit   int
	Offset  int
}

// CredentialType discriminates the credential payload variants.
type CredentialType string

// Credential variants
const (
	CredentialPasskey  CredentialType = "passkey"
	CredentialPassword CredentialType = "password"
	CredentialOAuth2   CredentialType = "oauth2"
	CredentialToken    CredentialType = "token"
)

// Valid reports whether t names a known variant.
func (t CredentialType) Valid() bool {
	switch t {
	case CredentialPasskey, CredentialPassword, CredentialOAuth2, CredentialToken:
		return true
	}
	return false
}

// Credential is the shared envelope for every credential variant.
// Exactly one of the payload pointers is set, matching Type.
type Credential struct {
	ID               string
	PrincipalID      string
	Type             CredentialType
	Identifier       string
	Enabled          bool
	RequiresApproval bool
	Approved         bool
	ApprovedBy       string
	ApprovedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Passkey  *Passkey
	Password *Password
	OAuth2   *OAuth2
	Token    *Token
}

// Usable reports whether the credential can currently be used to sign in.
func (c *Credential) Usable() bool {
	return c.Enabled && c.Approved
}

// Passkey is the WebAuthn credential payload.
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

// Password is the password credential payload.
type Password struct {
	Hash          string
	LastChangedAt time.Time
}

// OAuth2 is the linked third-party identity payload. Tokens are stored sealed.
type OAuth2 struct {
	Provider        string
	ProviderSubject string
	AccessToken     string
	RefreshToken    string
	ExpiresAt       *time.Time
}

// Token is the opaque machine token payload. Only the hash is stored.
type Token struct {
	Hash        string
	Description string
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
}

// SigningKey holds token signing material for one algorithm.
type SigningKey struct {
	KID        string
	Algorithm  string
	PublicKey  string // PEM, empty for symmetric algorithms
	PrivateKey string // PEM or encoded secret, possibly sealed
	Active     bool
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	RotatedAt  *time.Time
}

// Expired reports whether the key has an expiry at or before now.
func (k *SigningKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Queries is the set of operations available both on the store and
// inside a transaction.
type Queries interface {
	// Principals
	CreatePrincipal(ctx context.Context, p *Principal) error
	GetPrincipal(ctx context.Context, id string) (*Principal, error)
	GetPrincipalByEmail(ctx context.Context, email string) (*Principal, error)
	GetPrincipalByNick(ctx context.Context, nick string) (*Principal, error)
	UpdatePrincipal(ctx context.Context, p *Principal) error
	ListPrincipals(ctx context.Context, filter PrincipalFilter) ([]*Principal, error)
	CountPrincipals(ctx context.Context, filter PrincipalFilter) (int, error)
	DeletePrincipal(ctx context.Context, id string) error

	// Credentials
	CreateCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)
	UpdateCredential(ctx context.Context, c *Credential) error
	DeleteCredential(ctx context.Context, id string) error
	ListCredentialsByPrincipal(ctx context.Context, principalID string) ([]*Credential, error)
	GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error)
	GetTokenByHash(ctx context.Context, hash string) (*Credential, error)
	ListPendingCredentials(ctx context.Context, limit int) ([]*Credential, error)
	CountUsableCredentials(ctx context.Context, principalID string) (int, error)
	UpdateSignCount(ctx context.Context, id string, signCount uint32) error
	TouchTokenLastUsed(ctx context.Context, id string, at time.Time) error

	// Signing keys
	CreateSigningKey(ctx context.Context, k *SigningKey) error
	GetSigningKey(ctx context.Context, kid string) (*SigningKey, error)
	GetActiveSigningKey(ctx context.Context, algorithm string) (*SigningKey, error)
	ListSigningKeys(ctx context.Context, algorithm string, activeOnly bool) ([]*SigningKey, error)
	DeactivateSigningKeys(ctx context.Context, algorithm string, rotatedAt time.Time) (int, error)

	// Audit log
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store is the persistence collaborator for the identity core.
type Store interface {
	Queries

	// InTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(q Queries) error) error

	Close() error
}
