package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New("hoa", reg)
	require.NoError(t, err)

	m.Ceremony("registration", "finish", true)
	m.Ceremony("registration", "finish", false)
	m.Ceremony("registration", "finish", false)
	m.TokenIssued("access")
	m.KeyRotated("HS256")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ceremonies.WithLabelValues("registration", "finish", OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Ceremonies.WithLabelValues("registration", "finish", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensIssued.WithLabelValues("access")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeyRotations.WithLabelValues("HS256")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["hoa_webauthn_ceremonies_total"])
	assert.True(t, names["hoa_tokens_issued_total"])
	assert.True(t, names["hoa_signing_key_rotations_total"])
}

func TestNew_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New("hoa", reg)
	require.NoError(t, err)

	_, err = New("hoa", reg)
	assert.Error(t, err)
}

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Ceremony("authentication", "begin", true)
		m.CredentialChanged("password", "add")
		m.Login("password", false)
		m.TokenIssued("refresh")
		m.TokenValidated("access", true)
		m.KeyRotated("RS256")
	})
}
