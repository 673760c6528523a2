// ABOUTME: WebAuthn ceremony engine: begin/finish registration and authentication over go-webauthn
// ABOUTME: Checks the relying party allow-list first and keeps no ceremony state between calls

package passkey

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/hoa/internal/config"
)

// ErrInvalidRelyingParty is returned when an rp id and origin pair is not
// allow-listed.
var ErrInvalidRelyingParty = errors.New("relying party or origin not allowed")

// ErrCeremonyVerification matches every *VerificationError.
var ErrCeremonyVerification = errors.New("ceremony verification failed")

// VerificationError wraps a failure from parsing or verifying a client
// response.
type VerificationError struct {
	Op  string // registration or authentication
	Err error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s verification failed: %v", e.Op, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Is reports whether target is ErrCeremonyVerification.
func (e *VerificationError) Is(target error) bool {
	return target == ErrCeremonyVerification
}

func verificationFailed(op string, err error) error {
	return &VerificationError{Op: op, Err: err}
}

// RegistrationRequest describes a registration ceremony to begin.
type RegistrationRequest struct {
	RPID        string
	Origin      string
	UserHandle  []byte // stable WebAuthn user id, the principal id
	Username    string
	DisplayName string
	// ExcludeCredentialIDs are base64url credential ids the authenticator
	// should refuse to register again. Undecodable entries are dropped.
	ExcludeCredentialIDs []string
}

// AuthenticationRequest describes an authentication ceremony to begin.
type AuthenticationRequest struct {
	RPID       string
	Origin     string
	UserHandle []byte
	// AllowCredentialIDs are base64url credential ids. Undecodable entries are
	// dropped; when none remain the ceremony is discoverable.
	AllowCredentialIDs []string
}

// Expectation is what the server remembered when the ceremony began.
type Expectation struct {
	Session webauthn.SessionData
	RPID    string
	Origin  string
}

// RegisteredCredential is the verified result of a registration.
type RegisteredCredential struct {
	CredentialID    []byte
	PublicKey       []byte
	SignCount       uint32
	Transports      []string
	AttestationType string
	AAGUID          []byte
	BackupEligible  bool
	BackupState     bool
}

// StoredPasskey is the persisted credential an assertion is checked against.
type StoredPasskey struct {
	CredentialID   []byte
	PublicKey      []byte
	SignCount      uint32
	Transports     []string
	UserHandle     []byte
	BackupEligible bool
	BackupState    bool
}

// AuthenticationResult is the verified result of an authentication.
type AuthenticationResult struct {
	CredentialID []byte
	NewSignCount uint32
	UserHandle   []byte
	BackupState  bool
}

// Engine runs WebAuthn ceremonies for the configured relying parties.
type Engine struct {
	rps              map[string]config.RelyingParty
	userVerification protocol.UserVerificationRequirement
	residentKey      protocol.ResidentKeyRequirement
	timeout          time.Duration

	mu        sync.Mutex
	instances map[string]*webauthn.WebAuthn

	logger *slog.Logger
}

// NewEngine creates an Engine from the webauthn configuration.
func NewEngine(cfg config.WebAuthnConfig) (*Engine, error) {
	if len(cfg.RelyingParties) == 0 {
		return nil, fmt.Errorf("no relying parties configured")
	}

	e := &Engine{
		rps:       make(map[string]config.RelyingParty, len(cfg.RelyingParties)),
		timeout:   cfg.Timeout,
		instances: make(map[string]*webauthn.WebAuthn),
		logger:    slog.Default().With("component", "passkey"),
	}
	for _, rp := range cfg.RelyingParties {
		e.rps[rp.ID] = rp
	}

	switch cfg.UserVerification {
	case "required":
		e.userVerification = protocol.VerificationRequired
	case "discouraged":
		e.userVerification = protocol.VerificationDiscouraged
	default:
		e.userVerification = protocol.VerificationPreferred
	}
	switch cfg.ResidentKey {
	case "required":
		e.residentKey = protocol.ResidentKeyRequirementRequired
	case "discouraged":
		e.residentKey = protocol.ResidentKeyRequirementDiscouraged
	default:
		e.residentKey = protocol.ResidentKeyRequirementPreferred
	}
	return e, nil
}

// Allowed reports whether rpID is configured and origin is one of its origins.
func (e *Engine) Allowed(rpID, origin string) bool {
	rp, ok := e.rps[rpID]
	return ok && slices.Contains(rp.Origins, origin)
}

// instance returns the go-webauthn instance bound to one rp and origin.
func (e *Engine) instance(rpID, origin string) (*webauthn.WebAuthn, error) {
	if !e.Allowed(rpID, origin) {
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidRelyingParty, rpID, origin)
	}

	key := rpID + " " + origin
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.instances[key]; ok {
		return w, nil
	}

	rp := e.rps[rpID]
	name := rp.Name
	if name == "" {
		name = rp.ID
	}
	wconfig := &webauthn.Config{
		RPID:                  rp.ID,
		RPDisplayName:         name,
		RPOrigins:             []string{origin},
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: e.userVerification,
			ResidentKey:      e.residentKey,
		},
	}
	if e.timeout > 0 {
		wconfig.Timeouts = webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Enforce: true, Timeout: e.timeout, TimeoutUVD: e.timeout},
			Registration: webauthn.TimeoutConfig{Enforce: true, Timeout: e.timeout, TimeoutUVD: e.timeout},
		}
	}

	w, err := webauthn.New(wconfig)
	if err != nil {
		return nil, fmt.Errorf("creating webauthn for %s: %w", rpID, err)
	}
	e.instances[key] = w
	return w, nil
}

// BeginRegistration builds creation options and the session to remember.
func (e *Engine) BeginRegistration(req RegistrationRequest) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	w, err := e.instance(req.RPID, req.Origin)
	if err != nil {
		return nil, nil, err
	}
	if len(req.UserHandle) == 0 {
		return nil, nil, fmt.Errorf("user handle is required")
	}

	user := &webAuthnUser{id: req.UserHandle, name: req.Username, displayName: req.DisplayName}
	exclusions := descriptors(req.ExcludeCredentialIDs)

	options, session, err := w.BeginRegistration(user, webauthn.WithExclusions(exclusions))
	if err != nil {
		return nil, nil, fmt.Errorf("beginning registration: %w", err)
	}

	e.logger.Debug("registration begun", "rp_id", req.RPID, "excluded", len(exclusions))
	return options, session, nil
}

// FinishRegistration verifies an attestation response against exp.
func (e *Engine) FinishRegistration(exp Expectation, response []byte) (*RegisteredCredential, error) {
	w, err := e.instance(exp.RPID, exp.Origin)
	if err != nil {
		return nil, err
	}
	if exp.Session.RelyingPartyID != "" && exp.Session.RelyingPartyID != exp.RPID {
		return nil, verificationFailed("registration", fmt.Errorf("session bound to relying party %q", exp.Session.RelyingPartyID))
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, verificationFailed("registration", err)
	}

	user := &webAuthnUser{id: exp.Session.UserID}
	cred, err := w.CreateCredential(user, exp.Session, parsed)
	if err != nil {
		e.logVerifierError("registration", exp.RPID, err)
		return nil, verificationFailed("registration", err)
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	return &RegisteredCredential{
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		SignCount:       cred.Authenticator.SignCount,
		Transports:      transports,
		AttestationType: cred.AttestationType,
		AAGUID:          cred.Authenticator.AAGUID,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
	}, nil
}

// BeginAuthentication builds request options and the session to remember.
func (e *Engine) BeginAuthentication(req AuthenticationRequest) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	w, err := e.instance(req.RPID, req.Origin)
	if err != nil {
		return nil, nil, err
	}

	var creds []webauthn.Credential
	for _, d := range descriptors(req.AllowCredentialIDs) {
		creds = append(creds, webauthn.Credential{ID: d.CredentialID})
	}

	var (
		options *protocol.CredentialAssertion
		session *webauthn.SessionData
	)
	if len(creds) == 0 || len(req.UserHandle) == 0 {
		options, session, err = w.BeginDiscoverableLogin()
	} else {
		user := &webAuthnUser{id: req.UserHandle, creds: creds}
		options, session, err = w.BeginLogin(user)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("beginning authentication: %w", err)
	}

	e.logger.Debug("authentication begun", "rp_id", req.RPID, "allowed", len(creds))
	return options, session, nil
}

// FinishAuthentication verifies an assertion response against exp and the
// stored passkey. A signature counter that did not increase is rejected.
func (e *Engine) FinishAuthentication(exp Expectation, response []byte, stored StoredPasskey) (*AuthenticationResult, error) {
	w, err := e.instance(exp.RPID, exp.Origin)
	if err != nil {
		return nil, err
	}
	if exp.Session.RelyingPartyID != "" && exp.Session.RelyingPartyID != exp.RPID {
		return nil, verificationFailed("authentication", fmt.Errorf("session bound to relying party %q", exp.Session.RelyingPartyID))
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, verificationFailed("authentication", err)
	}
	if !bytes.Equal(parsed.RawID, stored.CredentialID) {
		return nil, verificationFailed("authentication", errors.New("response is for a different credential"))
	}

	user := &webAuthnUser{id: stored.UserHandle, creds: []webauthn.Credential{stored.credential()}}

	var cred *webauthn.Credential
	if len(exp.Session.UserID) > 0 {
		cred, err = w.ValidateLogin(user, exp.Session, parsed)
	} else {
		cred, err = w.ValidateDiscoverableLogin(func(rawID, userHandle []byte) (webauthn.User, error) {
			if len(userHandle) > 0 && !bytes.Equal(userHandle, stored.UserHandle) {
				return nil, errors.New("user handle mismatch")
			}
			return user, nil
		}, exp.Session, parsed)
	}
	if err != nil {
		e.logVerifierError("authentication", exp.RPID, err)
		return nil, verificationFailed("authentication", err)
	}
	if cred.Authenticator.CloneWarning {
		return nil, verificationFailed("authentication",
			fmt.Errorf("signature counter did not increase (stored %d, reported %d)", stored.SignCount, cred.Authenticator.SignCount))
	}

	handle := stored.UserHandle
	if len(parsed.Response.UserHandle) > 0 {
		handle = parsed.Response.UserHandle
	}
	return &AuthenticationResult{
		CredentialID: cred.ID,
		NewSignCount: cred.Authenticator.SignCount,
		UserHandle:   handle,
		BackupState:  cred.Flags.BackupState,
	}, nil
}

func (e *Engine) logVerifierError(op, rpID string, err error) {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		e.logger.Warn("webauthn verification failed", "op", op, "rp_id", rpID, "error", perr.Details, "info", perr.DevInfo)
		return
	}
	e.logger.Warn("webauthn verification failed", "op", op, "rp_id", rpID, "error", err)
}

// descriptors decodes base64url credential ids, dropping malformed ones.
func descriptors(ids []string) []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(ids))
	for _, id := range ids {
		raw, err := DecodeCredentialID(id)
		if err != nil {
			continue
		}
		out = append(out, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: raw,
		})
	}
	return out
}

func (s StoredPasskey) credential() webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(s.Transports))
	for _, t := range s.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:        s.CredentialID,
		PublicKey: s.PublicKey,
		Transport: transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: s.BackupEligible,
			BackupState:    s.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: s.SignCount,
		},
	}
}
