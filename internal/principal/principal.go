// ABOUTME: Principal management: provisioning, profile updates, flags and lookups
// ABOUTME: Wraps the store with validation, normalization and audit logging

package principal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hoa/internal/store"
)

// Principal errors
var (
	ErrInvalidEmail = errors.New("invalid email address")
	ErrEmailTaken   = errors.New("email already registered")
	ErrLastAdmin    = errors.New("cannot remove the last enabled admin")
)

const defaultSearchLimit = 50

// CreateInput describes a new principal. An empty ID gets a fresh UUID.
type CreateInput struct {
	ID          string
	Nick        string
	Email       string
	FirstName   string
	SecondName  string
	PhoneNumber string
	Admin       bool
	Disabled    bool
}

// ProfileUpdate changes the non-nil profile fields of a principal.
type ProfileUpdate struct {
	Nick        *string
	Email       *string
	FirstName   *string
	SecondName  *string
	PhoneNumber *string
}

// Service manages principals.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a principal Service.
func NewService(s store.Store) *Service {
	return &Service{
		store:  s,
		logger: slog.Default().With("component", "principals"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create provisions a principal.
func (s *Service) Create(ctx context.Context, in CreateInput) (*store.Principal, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}

	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now()
	p := &store.Principal{
		ID:          id,
		Nick:        strings.TrimSpace(in.Nick),
		Email:       email,
		FirstName:   strings.TrimSpace(in.FirstName),
		SecondName:  strings.TrimSpace(in.SecondName),
		PhoneNumber: strings.TrimSpace(in.PhoneNumber),
		Enabled:     !in.Disabled,
		Admin:       in.Admin,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.store.InTx(ctx, func(q store.Queries) error {
		if err := q.CreatePrincipal(ctx, p); err != nil {
			return err
		}
		return audit(ctx, q, store.AuditCreatePrincipal, p.ID, map[string]any{"admin": p.Admin})
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrEmailTaken, err)
		}
		return nil, fmt.Errorf("creating principal: %w", err)
	}

	s.logger.Info("principal created", "principal_id", p.ID, "admin", p.Admin)
	return p, nil
}

// Get returns a principal by id.
func (s *Service) Get(ctx context.Context, id string) (*store.Principal, error) {
	return s.store.GetPrincipal(ctx, id)
}

// GetPrincipal lets Service act as a token principal resolver.
func (s *Service) GetPrincipal(ctx context.Context, id string) (*store.Principal, error) {
	return s.store.GetPrincipal(ctx, id)
}

// GetByEmail looks a principal up by email, case-insensitively.
func (s *Service) GetByEmail(ctx context.Context, email string) (*store.Principal, error) {
	email = store.NormalizeEmail(email)
	if email == "" {
		return nil, store.ErrNotFound
	}
	return s.store.GetPrincipalByEmail(ctx, email)
}

// GetByNick looks a principal up by nick.
func (s *Service) GetByNick(ctx context.Context, nick string) (*store.Principal, error) {
	return s.store.GetPrincipalByNick(ctx, strings.TrimSpace(nick))
}

// Search matches query against nick, email and names.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]*store.Principal, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	return s.store.ListPrincipals(ctx, store.PrincipalFilter{
		Search: strings.TrimSpace(query),
		Limit:  limit,
	})
}

// List returns principals matching filter.
func (s *Service) List(ctx context.Context, filter store.PrincipalFilter) ([]*store.Principal, error) {
	return s.store.ListPrincipals(ctx, filter)
}

// Count returns the number of principals matching filter. Limit and offset
// are ignored.
func (s *Service) Count(ctx context.Context, filter store.PrincipalFilter) (int, error) {
	filter.Limit, filter.Offset = 0, 0
	return s.store.CountPrincipals(ctx, filter)
}

// UpdateProfile applies the non-nil fields of u.
func (s *Service) UpdateProfile(ctx context.Context, id string, u ProfileUpdate) (*store.Principal, error) {
	var email string
	if u.Email != nil {
		var err error
		if email, err = normalizeEmail(*u.Email); err != nil {
			return nil, err
		}
	}

	return s.mutate(ctx, id, func(_ store.Queries, p *store.Principal) error {
		if u.Nick != nil {
			p.Nick = strings.TrimSpace(*u.Nick)
		}
		if u.Email != nil {
			p.Email = email
		}
		if u.FirstName != nil {
			p.FirstName = strings.TrimSpace(*u.FirstName)
		}
		if u.SecondName != nil {
			p.SecondName = strings.TrimSpace(*u.SecondName)
		}
		if u.PhoneNumber != nil {
			p.PhoneNumber = strings.TrimSpace(*u.PhoneNumber)
		}
		return nil
	})
}

// SetEnabled enables or disables a principal. Disabling the last enabled
// admin fails with ErrLastAdmin.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (*store.Principal, error) {
	p, err := s.mutate(ctx, id, func(q store.Queries, p *store.Principal) error {
		if !enabled && p.Enabled && p.Admin {
			if err := ensureOtherAdmin(ctx, q); err != nil {
				return err
			}
		}
		action := store.AuditEnablePrincipal
		if !enabled {
			action = store.AuditDisablePrincipal
		}
		p.Enabled = enabled
		return audit(ctx, q, action, p.ID, nil)
	})
	if err == nil {
		s.logger.Info("principal enabled state changed", "principal_id", id, "enabled", enabled)
	}
	return p, err
}

// SetAdmin grants or revokes the admin flag. Revoking the last enabled admin
// fails with ErrLastAdmin.
func (s *Service) SetAdmin(ctx context.Context, id string, admin bool) (*store.Principal, error) {
	p, err := s.mutate(ctx, id, func(q store.Queries, p *store.Principal) error {
		if !admin && p.Admin && p.Enabled {
			if err := ensureOtherAdmin(ctx, q); err != nil {
				return err
			}
		}
		action := store.AuditGrantAdmin
		if !admin {
			action = store.AuditRevokeAdmin
		}
		p.Admin = admin
		return audit(ctx, q, action, p.ID, nil)
	})
	if err == nil {
		s.logger.Info("principal admin flag changed", "principal_id", id, "admin", admin)
	}
	return p, err
}

// Delete removes a principal and, through the store, its credentials.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.store.InTx(ctx, func(q store.Queries) error {
		p, err := q.GetPrincipal(ctx, id)
		if err != nil {
			return err
		}
		if p.Admin && p.Enabled {
			if err := ensureOtherAdmin(ctx, q); err != nil {
				return err
			}
		}
		if err := q.DeletePrincipal(ctx, id); err != nil {
			return err
		}
		return audit(ctx, q, store.AuditDeletePrincipal, id, map[string]any{"email": p.Email})
	})
	if err != nil {
		return err
	}
	s.logger.Info("principal deleted", "principal_id", id)
	return nil
}

func (s *Service) mutate(ctx context.Context, id string, fn func(q store.Queries, p *store.Principal) error) (*store.Principal, error) {
	var out *store.Principal
	err := s.store.InTx(ctx, func(q store.Queries) error {
		p, err := q.GetPrincipal(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(q, p); err != nil {
			return err
		}
		p.UpdatedAt = s.now()
		if err := q.UpdatePrincipal(ctx, p); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: %v", ErrEmailTaken, err)
			}
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func audit(ctx context.Context, q store.Queries, action store.AuditAction, id string, detail map[string]any) error {
	return q.AppendAudit(ctx, &store.AuditEntry{
		Action:     action,
		TargetType: store.TargetPrincipal,
		TargetID:   id,
		Detail:     detail,
	})
}

// AuditLog lists audit entries across principals and credentials.
func (s *Service) AuditLog(ctx context.Context, filter store.AuditFilter) ([]store.AuditEntry, error) {
	return s.store.ListAudit(ctx, filter)
}

// ensureOtherAdmin fails unless at least two enabled admins exist, so the
// caller may demote one.
func ensureOtherAdmin(ctx context.Context, q store.Queries) error {
	yes := true
	n, err := q.CountPrincipals(ctx, store.PrincipalFilter{Enabled: &yes, Admin: &yes})
	if err != nil {
		return err
	}
	if n <= 1 {
		return ErrLastAdmin
	}
	return nil
}

// normalizeEmail lowercases and validates an optional email address.
func normalizeEmail(raw string) (string, error) {
	email := store.NormalizeEmail(raw)
	if email == "" {
		return "", nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, raw)
	}
	return email, nil
}
