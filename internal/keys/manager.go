// ABOUTME: Signing key manager: one active key per algorithm, lazy creation and forced rotation
// ABOUTME: Retired keys stay queryable by kid so tokens signed before a rotation keep validating

package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/2389/hoa/internal/metrics"
	"github.com/2389/hoa/internal/secure"
	"github.com/2389/hoa/internal/store"
)

// Manager owns the signing key lifecycle.
type Manager struct {
	store    store.Store
	box      *secure.Box
	lifetime time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	// creating collapses concurrent lazy creations per algorithm.
	creating singleflight.Group
}

// NewManager creates a Manager. Private material is sealed with box when it
// is non-nil. A positive lifetime gives new keys an expiry, after which they
// are replaced on the next GetOrCreateActiveKey.
func NewManager(s store.Store, box *secure.Box, lifetime time.Duration, m *metrics.Metrics) *Manager {
	return &Manager{
		store:    s,
		box:      box,
		lifetime: lifetime,
		metrics:  m,
		logger:   slog.Default().With("component", "keys"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreateActiveKey returns the active, unexpired key for alg, creating
// one (and retiring an expired one) when needed.
func (m *Manager) GetOrCreateActiveKey(ctx context.Context, alg string) (*store.SigningKey, error) {
	if !Supported(alg) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}

	k, err := m.store.GetActiveSigningKey(ctx, alg)
	if err == nil && !k.Expired(m.now()) {
		return k, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading active %s key: %w", alg, err)
	}

	// The shared creation outlives any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	ch := m.creating.DoChan(alg, func() (any, error) {
		return m.replace(shared, alg, false)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*store.SigningKey), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RotateKeys retires the active key for alg regardless of expiry and
// activates a new one.
func (m *Manager) RotateKeys(ctx context.Context, alg string) (*store.SigningKey, error) {
	if !Supported(alg) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	return m.replace(ctx, alg, true)
}

// replace generates a key and installs it as the only active key for alg.
// Without force, a usable active key found inside the transaction wins and
// the generated material is discarded.
func (m *Manager) replace(ctx context.Context, alg string, force bool) (*store.SigningKey, error) {
	mat, err := generate(alg)
	if err != nil {
		return nil, err
	}
	sealed, err := m.box.Seal(mat.privatePEM)
	if err != nil {
		return nil, fmt.Errorf("sealing private key: %w", err)
	}

	now := m.now()
	candidate := &store.SigningKey{
		KID:        mat.kid,
		Algorithm:  alg,
		PublicKey:  mat.publicPEM,
		PrivateKey: sealed,
		Active:     true,
		CreatedAt:  now,
	}
	if m.lifetime > 0 {
		expires := now.Add(m.lifetime)
		candidate.ExpiresAt = &expires
	}

	var (
		result  *store.SigningKey
		retired int
	)
	err = m.store.InTx(ctx, func(q store.Queries) error {
		if !force {
			current, err := q.GetActiveSigningKey(ctx, alg)
			if err == nil && !current.Expired(now) {
				result = current
				return nil
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		n, err := q.DeactivateSigningKeys(ctx, alg, now)
		if err != nil {
			return err
		}
		if err := q.CreateSigningKey(ctx, candidate); err != nil {
			return err
		}
		retired = n
		result = candidate
		return q.AppendAudit(ctx, &store.AuditEntry{
			Action:     store.AuditRotateKey,
			TargetType: store.TargetSigningKey,
			TargetID:   candidate.KID,
			Detail:     map[string]any{"algorithm": alg, "retired": n, "forced": force},
		})
	})
	if errors.Is(err, store.ErrConflict) && !force {
		// Another writer installed a key between our read and insert.
		return m.store.GetActiveSigningKey(ctx, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("installing %s key: %w", alg, err)
	}

	if result == candidate {
		m.metrics.KeyRotated(alg)
		m.logger.Info("signing key activated", "algorithm", alg, "kid", candidate.KID, "retired", retired)
	}
	return result, nil
}

// KeyByID returns a key by kid, active or retired.
func (m *Manager) KeyByID(ctx context.Context, kid string) (*store.SigningKey, error) {
	return m.store.GetSigningKey(ctx, kid)
}

// ListKeys returns every key for alg, newest first. An empty alg lists all.
func (m *Manager) ListKeys(ctx context.Context, alg string) ([]*store.SigningKey, error) {
	return m.store.ListSigningKeys(ctx, alg, false)
}

// PublicKeySet returns JWK descriptors for the active keys of alg that carry
// public material. Symmetric algorithms yield an empty set.
func (m *Manager) PublicKeySet(ctx context.Context, alg string) ([]jose.JSONWebKey, error) {
	if !Supported(alg) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	if Symmetric(alg) {
		return []jose.JSONWebKey{}, nil
	}

	active, err := m.store.ListSigningKeys(ctx, alg, true)
	if err != nil {
		return nil, err
	}

	set := make([]jose.JSONWebKey, 0, len(active))
	for _, k := range active {
		if k.PublicKey == "" {
			continue
		}
		pub, err := parsePublic(k.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.KID, err)
		}
		set = append(set, jose.JSONWebKey{
			Key:       pub,
			KeyID:     k.KID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}

// SigningKey returns the private key (or HMAC secret) of k for signing.
func (m *Manager) SigningKey(k *store.SigningKey) (any, error) {
	encoded, err := m.box.Open(k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("opening key %s: %w", k.KID, err)
	}
	return parsePrivate(k.Algorithm, encoded)
}

// VerificationKey returns the key that verifies signatures made with k: the
// public key for asymmetric algorithms and the secret for HS256.
func (m *Manager) VerificationKey(k *store.SigningKey) (any, error) {
	if Symmetric(k.Algorithm) {
		return m.SigningKey(k)
	}
	return parsePublic(k.PublicKey)
}
