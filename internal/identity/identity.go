// ABOUTME: Sign-up and sign-in flows tying ceremonies, credentials and tokens together
// ABOUTME: Every successful sign-in ends in an access and refresh token pair

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/2389/hoa/internal/auth"
	"github.com/2389/hoa/internal/ceremony"
	"github.com/2389/hoa/internal/credential"
	"github.com/2389/hoa/internal/metrics"
	"github.com/2389/hoa/internal/passkey"
	"github.com/2389/hoa/internal/principal"
	"github.com/2389/hoa/internal/store"
)

// Flow errors
var (
	// ErrAuthenticationFailed covers unknown accounts and wrong secrets alike.
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrForbidden            = errors.New("not allowed to manage this principal")
	ErrWrongCeremony        = errors.New("ceremony token belongs to a different flow")
)

// Login methods, used as metric labels.
const (
	methodPasskey  = "passkey"
	methodPassword = "password"
	methodToken    = "token"
	methodRefresh  = "refresh"
)

// Options wires a Service.
type Options struct {
	Principals  *principal.Service
	Credentials *credential.Manager
	Engine      *passkey.Engine
	Ceremonies  ceremony.Store
	Tokens      *auth.TokenService
	Metrics     *metrics.Metrics

	// SelfService lets principals add passkeys to their own account.
	SelfService bool
}

// Service runs the sign-up and sign-in flows.
type Service struct {
	principals  *principal.Service
	creds       *credential.Manager
	engine      *passkey.Engine
	ceremonies  ceremony.Store
	tokens      *auth.TokenService
	metrics     *metrics.Metrics
	selfService bool
	logger      *slog.Logger
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	return &Service{
		principals:  opts.Principals,
		creds:       opts.Credentials,
		engine:      opts.Engine,
		ceremonies:  opts.Ceremonies,
		tokens:      opts.Tokens,
		metrics:     opts.Metrics,
		selfService: opts.SelfService,
		logger:      slog.Default().With("component", "identity"),
	}
}

// SignUp describes a principal created by its first passkey.
type SignUp struct {
	RPID       string
	Origin     string
	Nick       string
	Email      string
	FirstName  string
	SecondName string
}

// RegistrationChallenge is handed to the browser to start navigator.credentials.create.
type RegistrationChallenge struct {
	CeremonyToken string
	Options       *protocol.CredentialCreation
}

// AuthenticationChallenge is handed to the browser to start navigator.credentials.get.
type AuthenticationChallenge struct {
	CeremonyToken string
	Options       *protocol.CredentialAssertion
}

// RegistrationResult is the outcome of a finished registration. Tokens is
// nil when the new passkey awaits approval.
type RegistrationResult struct {
	Principal  *store.Principal
	Credential *store.Credential
	Tokens     *auth.TokenPair
}

// LoginResult is the outcome of a successful sign-in.
type LoginResult struct {
	Principal *store.Principal
	Tokens    *auth.TokenPair
}

// BeginSignUp starts a registration that creates a new principal when it
// finishes. The principal id is chosen now and doubles as the WebAuthn user
// handle.
func (s *Service) BeginSignUp(ctx context.Context, in SignUp) (*RegistrationChallenge, error) {
	if in.Email != "" {
		if _, err := s.principals.GetByEmail(ctx, in.Email); err == nil {
			return nil, principal.ErrEmailTaken
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	id := uuid.New().String()
	username := firstNonEmpty(in.Email, in.Nick, id)
	display := firstNonEmpty(joinName(in.FirstName, in.SecondName), in.Nick, username)

	options, session, err := s.engine.BeginRegistration(passkey.RegistrationRequest{
		RPID:        in.RPID,
		Origin:      in.Origin,
		UserHandle:  []byte(id),
		Username:    username,
		DisplayName: display,
	})
	if err != nil {
		s.metrics.Ceremony(string(ceremony.KindRegistration), "begin", false)
		return nil, err
	}

	token, err := s.ceremonies.Put(ctx, &ceremony.Record{
		Kind:        ceremony.KindRegistration,
		RPID:        in.RPID,
		Origin:      in.Origin,
		PrincipalID: id,
		Session:     *session,
		CreatedAt:   time.Now().UTC(),
		Profile: &ceremony.Profile{
			Nick:       in.Nick,
			Email:      in.Email,
			FirstName:  in.FirstName,
			SecondName: in.SecondName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storing ceremony: %w", err)
	}

	s.metrics.Ceremony(string(ceremony.KindRegistration), "begin", true)
	return &RegistrationChallenge{CeremonyToken: token, Options: options}, nil
}

// BeginAddPasskey starts a registration for an existing principal. The actor
// must be an admin, or the principal itself when self-service is on. The
// principal's passkeys for the relying party are excluded.
func (s *Service) BeginAddPasskey(ctx context.Context, actor *auth.AuthContext, principalID, rpID, origin string) (*RegistrationChallenge, error) {
	if !s.mayManage(actor, principalID) {
		return nil, ErrForbidden
	}

	p, err := s.principals.Get(ctx, principalID)
	if err != nil {
		return nil, err
	}

	existing, err := s.creds.PasskeysForPrincipal(ctx, p.ID, rpID)
	if err != nil {
		return nil, err
	}
	exclude := make([]string, 0, len(existing))
	for _, c := range existing {
		exclude = append(exclude, passkey.EncodeCredentialID(c.Passkey.CredentialID))
	}

	username := firstNonEmpty(p.Email, p.Nick, p.ID)
	options, session, err := s.engine.BeginRegistration(passkey.RegistrationRequest{
		RPID:                 rpID,
		Origin:               origin,
		UserHandle:           []byte(p.ID),
		Username:             username,
		DisplayName:          firstNonEmpty(joinName(p.FirstName, p.SecondName), p.Nick, username),
		ExcludeCredentialIDs: exclude,
	})
	if err != nil {
		s.metrics.Ceremony(string(ceremony.KindRegistration), "begin", false)
		return nil, err
	}

	token, err := s.ceremonies.Put(ctx, &ceremony.Record{
		Kind:        ceremony.KindRegistration,
		RPID:        rpID,
		Origin:      origin,
		PrincipalID: p.ID,
		Session:     *session,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("storing ceremony: %w", err)
	}

	s.metrics.Ceremony(string(ceremony.KindRegistration), "begin", true)
	return &RegistrationChallenge{CeremonyToken: token, Options: options}, nil
}

// FinishRegistration verifies the attestation for a ceremony token, creates
// the principal if the ceremony was a sign-up, and stores the passkey. The
// ceremony token is consumed whatever the outcome.
func (s *Service) FinishRegistration(ctx context.Context, ceremonyToken string, response []byte) (*RegistrationResult, error) {
	res, err := s.finishRegistration(ctx, ceremonyToken, response)
	s.metrics.Ceremony(string(ceremony.KindRegistration), "finish", err == nil)
	return res, err
}

func (s *Service) finishRegistration(ctx context.Context, ceremonyToken string, response []byte) (*RegistrationResult, error) {
	rec, err := s.ceremonies.Take(ctx, ceremonyToken)
	if err != nil {
		return nil, err
	}
	if rec.Kind != ceremony.KindRegistration {
		return nil, ErrWrongCeremony
	}

	reg, err := s.engine.FinishRegistration(passkey.Expectation{
		Session: rec.Session,
		RPID:    rec.RPID,
		Origin:  rec.Origin,
	}, response)
	if err != nil {
		return nil, err
	}

	var p *store.Principal
	created := false
	if rec.Profile != nil {
		p, err = s.principals.Create(ctx, principal.CreateInput{
			ID:         rec.PrincipalID,
			Nick:       rec.Profile.Nick,
			Email:      rec.Profile.Email,
			FirstName:  rec.Profile.FirstName,
			SecondName: rec.Profile.SecondName,
		})
		if err != nil {
			return nil, err
		}
		created = true
	} else {
		if p, err = s.principals.Get(ctx, rec.PrincipalID); err != nil {
			return nil, err
		}
	}

	cred, err := s.creds.AddPasskey(ctx, p.ID, credential.Passkey{
		CredentialID:    reg.CredentialID,
		PublicKey:       reg.PublicKey,
		SignCount:       reg.SignCount,
		Transports:      reg.Transports,
		RPID:            rec.RPID,
		AttestationType: reg.AttestationType,
		AAGUID:          reg.AAGUID,
		BackupEligible:  reg.BackupEligible,
		BackupState:     reg.BackupState,
	}, credential.AddOptions{})
	if err != nil {
		if created {
			if delErr := s.principals.Delete(ctx, p.ID); delErr != nil {
				s.logger.Error("failed to remove principal after passkey error", "principal_id", p.ID, "error", delErr)
			}
		}
		return nil, err
	}

	s.logger.Info("passkey registered",
		"principal_id", p.ID,
		"credential_id", cred.ID,
		"rp_id", rec.RPID,
		"new_principal", created,
		"pending", !cred.Usable(),
	)

	result := &RegistrationResult{Principal: p, Credential: cred}
	if cred.Usable() && p.Enabled {
		if result.Tokens, err = s.tokens.IssuePair(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// BeginPasskeyLogin starts an authentication. With a known email the
// principal's usable passkeys form the allow list; otherwise the ceremony is
// discoverable and the authenticator picks the account.
func (s *Service) BeginPasskeyLogin(ctx context.Context, rpID, origin, email string) (*AuthenticationChallenge, error) {
	req := passkey.AuthenticationRequest{RPID: rpID, Origin: origin}
	principalID := ""

	if email != "" {
		if p, err := s.principals.GetByEmail(ctx, email); err == nil && p.Enabled {
			passkeys, err := s.creds.PasskeysForPrincipal(ctx, p.ID, rpID)
			if err != nil {
				return nil, err
			}
			for _, c := range passkeys {
				if c.Usable() {
					req.AllowCredentialIDs = append(req.AllowCredentialIDs, passkey.EncodeCredentialID(c.Passkey.CredentialID))
				}
			}
			if len(req.AllowCredentialIDs) > 0 {
				req.UserHandle = []byte(p.ID)
				principalID = p.ID
			}
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	options, session, err := s.engine.BeginAuthentication(req)
	if err != nil {
		s.metrics.Ceremony(string(ceremony.KindAuthentication), "begin", false)
		return nil, err
	}

	token, err := s.ceremonies.Put(ctx, &ceremony.Record{
		Kind:        ceremony.KindAuthentication,
		RPID:        rpID,
		Origin:      origin,
		PrincipalID: principalID,
		Session:     *session,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("storing ceremony: %w", err)
	}

	s.metrics.Ceremony(string(ceremony.KindAuthentication), "begin", true)
	return &AuthenticationChallenge{CeremonyToken: token, Options: options}, nil
}

// FinishPasskeyLogin verifies an assertion, advances the stored signature
// counter and issues tokens.
func (s *Service) FinishPasskeyLogin(ctx context.Context, ceremonyToken string, response []byte) (*LoginResult, error) {
	res, err := s.finishPasskeyLogin(ctx, ceremonyToken, response)
	s.metrics.Ceremony(string(ceremony.KindAuthentication), "finish", err == nil)
	s.metrics.Login(methodPasskey, err == nil)
	return res, err
}

func (s *Service) finishPasskeyLogin(ctx context.Context, ceremonyToken string, response []byte) (*LoginResult, error) {
	rec, err := s.ceremonies.Take(ctx, ceremonyToken)
	if err != nil {
		return nil, err
	}
	if rec.Kind != ceremony.KindAuthentication {
		return nil, ErrWrongCeremony
	}

	rawID, err := passkey.AssertionCredentialID(response)
	if err != nil {
		return nil, err
	}
	cred, err := s.creds.GetPasskeyByCredentialID(ctx, rawID)
	if err != nil {
		s.logger.Debug("assertion for unknown passkey", "rp_id", rec.RPID)
		return nil, ErrAuthenticationFailed
	}
	if cred.Passkey.RPID != rec.RPID || (rec.PrincipalID != "" && cred.PrincipalID != rec.PrincipalID) {
		return nil, ErrAuthenticationFailed
	}

	result, err := s.engine.FinishAuthentication(passkey.Expectation{
		Session: rec.Session,
		RPID:    rec.RPID,
		Origin:  rec.Origin,
	}, response, passkey.StoredPasskey{
		CredentialID:   cred.Passkey.CredentialID,
		PublicKey:      cred.Passkey.PublicKey,
		SignCount:      cred.Passkey.SignCount,
		Transports:     cred.Passkey.Transports,
		UserHandle:     []byte(cred.PrincipalID),
		BackupEligible: cred.Passkey.BackupEligible,
		BackupState:    cred.Passkey.BackupState,
	})
	if err != nil {
		return nil, err
	}

	if !cred.Usable() {
		s.logger.Info("passkey sign-in refused for unusable credential", "credential_id", cred.ID)
		return nil, ErrAuthenticationFailed
	}
	if err := s.creds.UpdateSignCount(ctx, cred.ID, result.NewSignCount); err != nil {
		return nil, err
	}

	return s.completeLogin(ctx, cred.PrincipalID, methodPasskey)
}

// LoginWithPassword signs in by email and password.
func (s *Service) LoginWithPassword(ctx context.Context, email, password string) (*LoginResult, error) {
	res, err := s.loginWithPassword(ctx, email, password)
	s.metrics.Login(methodPassword, err == nil)
	return res, err
}

func (s *Service) loginWithPassword(ctx context.Context, email, password string) (*LoginResult, error) {
	p, err := s.principals.GetByEmail(ctx, email)
	if err != nil {
		s.creds.VerifyPassword(ctx, "", password)
		return nil, ErrAuthenticationFailed
	}
	cred, err := s.creds.PasswordForPrincipal(ctx, p.ID)
	if err != nil {
		s.creds.VerifyPassword(ctx, "", password)
		return nil, ErrAuthenticationFailed
	}
	if !s.creds.VerifyPassword(ctx, cred.ID, password) {
		return nil, ErrAuthenticationFailed
	}
	return s.completeLogin(ctx, p.ID, methodPassword)
}

// LoginWithToken signs in with an opaque machine token.
func (s *Service) LoginWithToken(ctx context.Context, secret string) (*LoginResult, error) {
	res, err := s.loginWithToken(ctx, secret)
	s.metrics.Login(methodToken, err == nil)
	return res, err
}

func (s *Service) loginWithToken(ctx context.Context, secret string) (*LoginResult, error) {
	if secret == "" {
		return nil, ErrAuthenticationFailed
	}
	cred, err := s.creds.FindTokenBySecret(ctx, secret)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	if !s.creds.VerifyOpaqueToken(ctx, cred.ID, secret) {
		return nil, ErrAuthenticationFailed
	}
	return s.completeLogin(ctx, cred.PrincipalID, methodToken)
}

// Refresh exchanges a refresh token for a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	pair, err := s.tokens.Refresh(ctx, refreshToken)
	s.metrics.Login(methodRefresh, err == nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pair, nil
}

func (s *Service) completeLogin(ctx context.Context, principalID, method string) (*LoginResult, error) {
	p, err := s.principals.Get(ctx, principalID)
	if err != nil || !p.Enabled {
		return nil, ErrAuthenticationFailed
	}
	pair, err := s.tokens.IssuePair(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("principal signed in", "principal_id", p.ID, "method", method)
	return &LoginResult{Principal: p, Tokens: pair}, nil
}

func (s *Service) mayManage(actor *auth.AuthContext, principalID string) bool {
	if actor == nil {
		return false
	}
	if actor.IsAdmin() {
		return true
	}
	return s.selfService && actor.PrincipalID == principalID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinName(first, second string) string {
	switch {
	case first == "":
		return second
	case second == "":
		return first
	}
	return first + " " + second
}
