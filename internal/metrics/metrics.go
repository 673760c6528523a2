// ABOUTME: Prometheus counters for ceremonies, credentials, tokens and key rotations
// ABOUTME: A nil *Metrics is valid and records nothing, so components work without a registry

// Package metrics holds the Prometheus instrumentation shared by the
// identity components. Collectors are created per Metrics value and
// registered on the supplied Registerer, which keeps tests isolated from
// the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics groups the counters emitted by hoa.
type Metrics struct {
	Ceremonies        *prometheus.CounterVec // kind, phase, outcome
	CredentialChanges *prometheus.CounterVec // type, operation
	Logins            *prometheus.CounterVec // method, outcome
	TokensIssued      *prometheus.CounterVec // kind
	TokenValidations  *prometheus.CounterVec // kind, outcome
	KeyRotations      *prometheus.CounterVec // algorithm
}

// New creates the collectors under namespace and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Ceremonies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webauthn_ceremonies_total",
			Help:      "WebAuthn ceremony steps by kind, phase and outcome",
		}, []string{"kind", "phase", "outcome"}),
		CredentialChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_changes_total",
			Help:      "Credential lifecycle changes by type and operation",
		}, []string{"type", "operation"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Sign-in attempts by method and outcome",
		}, []string{"method", "outcome"}),
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Signed tokens issued by kind",
		}, []string{"kind"}),
		TokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Token validations by kind and outcome",
		}, []string{"kind", "outcome"}),
		KeyRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_key_rotations_total",
			Help:      "Signing key creations and rotations by algorithm",
		}, []string{"algorithm"}),
	}

	for _, c := range []prometheus.Collector{
		m.Ceremonies, m.CredentialChanges, m.Logins,
		m.TokensIssued, m.TokenValidations, m.KeyRotations,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Ceremony records one begin or finish step.
func (m *Metrics) Ceremony(kind, phase string, ok bool) {
	if m == nil {
		return
	}
	m.Ceremonies.WithLabelValues(kind, phase, outcome(ok)).Inc()
}

// CredentialChanged records a lifecycle operation on a credential type.
func (m *Metrics) CredentialChanged(credType, operation string) {
	if m == nil {
		return
	}
	m.CredentialChanges.WithLabelValues(credType, operation).Inc()
}

// Login records a sign-in attempt.
func (m *Metrics) Login(method string, ok bool) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(method, outcome(ok)).Inc()
}

// TokenIssued records a signed token of kind.
func (m *Metrics) TokenIssued(kind string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(kind).Inc()
}

// TokenValidated records a validation result.
func (m *Metrics) TokenValidated(kind string, ok bool) {
	if m == nil {
		return
	}
	m.TokenValidations.WithLabelValues(kind, outcome(ok)).Inc()
}

// KeyRotated records a new active signing key.
func (m *Metrics) KeyRotated(algorithm string) {
	if m == nil {
		return
	}
	m.KeyRotations.WithLabelValues(algorithm).Inc()
}

func outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailure
}
