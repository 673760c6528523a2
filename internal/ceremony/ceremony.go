// ABOUTME: Single-use, TTL-bounded records that carry WebAuthn ceremony state between begin and finish
// ABOUTME: Callers hand the opaque token to the client; Take returns the record at most once

// Package ceremony stores the server side of in-flight WebAuthn ceremonies.
//
// A begin call stores a Record and returns an opaque token. The finish call
// presents the token and consumes the record with Take. A record is returned
// by Take exactly once: concurrent finishes race and the loser gets
// ErrNotFound, the same error as an unknown or expired token.
package ceremony

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/hoa/internal/config"
	"github.com/2389/hoa/internal/secure"
)

// ErrNotFound is returned by Take for unknown, expired or consumed tokens.
var ErrNotFound = errors.New("ceremony not found or already consumed")

// Kind identifies the ceremony a record belongs to.
type Kind string

// Ceremony kinds
const (
	KindRegistration   Kind = "registration"
	KindAuthentication Kind = "authentication"
)

// Record is the server-held state of one ceremony.
type Record struct {
	Kind        Kind                 `json:"kind"`
	RPID        string               `json:"rp_id"`
	Origin      string               `json:"origin"`
	PrincipalID string               `json:"principal_id,omitempty"`
	Session     webauthn.SessionData `json:"session"`
	CreatedAt   time.Time            `json:"created_at"`

	// Profile is set when registration will create PrincipalID on success.
	Profile *Profile `json:"profile,omitempty"`
}

// Profile carries the details of a principal that does not exist yet.
type Profile struct {
	Nick       string `json:"nick,omitempty"`
	Email      string `json:"email,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	SecondName string `json:"second_name,omitempty"`
}

// Store maps opaque tokens to ceremony records.
type Store interface {
	// Put stores rec and returns the token that retrieves it.
	Put(ctx context.Context, rec *Record) (string, error)
	// Take returns and removes the record for token.
	Take(ctx context.Context, token string) (*Record, error)
	Close() error
}

// Open creates the store selected by cfg. Records live for ttl.
func Open(cfg config.CeremonyConfig, ttl time.Duration) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(ttl), nil
	case "redis":
		return NewRedisStore(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
		}, ttl)
	default:
		return nil, fmt.Errorf("unknown ceremony backend %q", cfg.Backend)
	}
}

func newToken() (string, error) {
	return secure.GenerateToken(secure.TokenBytes)
}
