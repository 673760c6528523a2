package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hoa/internal/metrics"
)

func TestParseFlags(t *testing.T) {
	f, err := parseFlags(
		[]string{"alice", "--email", "a@example.com", "--nick=al", "--admin", "extra"},
		[]string{"email", "nick"},
		[]string{"admin", "disabled"},
	)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", f.get("email"))
	assert.Equal(t, "al", f.get("nick"))
	assert.True(t, f.has("admin"))
	assert.False(t, f.has("disabled"))
	assert.Equal(t, []string{"alice", "extra"}, f.positionals)

	id, err := f.arg(0, "principal id")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)
	_, err = f.arg(5, "principal id")
	assert.EqualError(t, err, "principal id is required")
}

func TestParseFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing value", args: []string{"--email"}, want: "--email requires a value"},
		{name: "unknown long flag", args: []string{"--bogus"}, want: "unknown flag: --bogus"},
		{name: "short flag", args: []string{"-x"}, want: "unknown flag: -x"},
		{name: "value on boolean", args: []string{"--admin=yes"}, want: "unknown flag: --admin=yes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlags(tt.args, []string{"email"}, []string{"admin"})
			assert.EqualError(t, err, tt.want)
		})
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("HOA_CONFIG", "/etc/hoa.toml")
	assert.Equal(t, "/etc/hoa.toml", getConfigPath())

	t.Setenv("HOA_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, "/tmp/xdg/hoa/hoa.yaml", getConfigPath())
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&colorHandler{out: &buf, mu: &sync.Mutex{}, level: slog.LevelInfo})

	logger.Debug("hidden")
	logger.With("component", "keys").WithGroup("key").Info("rotated", "kid", "abc")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "rotated")
	assert.Contains(t, out, "component=")
	assert.Contains(t, out, "key.kid=")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestWriteMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New("hoa", reg)
	require.NoError(t, err)
	m.KeyRotated("ES256")
	m.Login("password", false)

	path := filepath.Join(t.TempDir(), "hoa.prom")
	require.NoError(t, writeMetrics(path, reg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `hoa_signing_key_rotations_total{algorithm="ES256"} 1`)
	assert.Contains(t, out, "hoa_logins_total")

	assert.NoError(t, writeMetrics("", reg))
}
