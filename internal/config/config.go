// ABOUTME: Configuration loading and parsing for the hoa identity provider
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Signing algorithms accepted in auth.jwt_algorithm.
var supportedAlgorithms = map[string]bool{
	"HS256": true,
	"RS256": true,
	"ES256": true,
	"EdDSA": true,
}

// Config represents the complete hoa configuration
type Config struct {
	Database   DatabaseConfig `yaml:"database" toml:"database"`
	Auth       AuthConfig     `yaml:"auth" toml:"auth"`
	WebAuthn   WebAuthnConfig `yaml:"webauthn" toml:"webauthn"`
	Ceremonies CeremonyConfig `yaml:"ceremonies" toml:"ceremonies"`
	Logging    LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds token and credential policy configuration
type AuthConfig struct {
	JWTAlgorithm string `yaml:"jwt_algorithm" toml:"jwt_algorithm"`

	// RequireApproval creates new non-token credentials pending until an admin approves them.
	RequireApproval bool `yaml:"require_approval" toml:"require_approval"`
	// GuardDisable also applies the last-usable-credential floor when disabling.
	GuardDisable bool `yaml:"guard_disable" toml:"guard_disable"`
	// AllowSelfService lets principals add credentials to their own account.
	AllowSelfService *bool `yaml:"allow_self_service" toml:"allow_self_service"`

	// MasterKey is a base64 encoded 32-byte key used to seal secrets at rest.
	MasterKey string `yaml:"master_key" toml:"master_key"`

	Password PasswordConfig `yaml:"password" toml:"password"`

	AccessTokenTTL     time.Duration `yaml:"-" toml:"-"`
	RefreshTokenTTL    time.Duration `yaml:"-" toml:"-"`
	SigningKeyLifetime time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	AccessTokenTTLRaw     string `yaml:"access_token_ttl" toml:"access_token_ttl"`
	RefreshTokenTTLRaw    string `yaml:"refresh_token_ttl" toml:"refresh_token_ttl"`
	SigningKeyLifetimeRaw string `yaml:"signing_key_lifetime" toml:"signing_key_lifetime"`
}

// SelfServiceAllowed reports the effective allow_self_service value (default true).
func (a AuthConfig) SelfServiceAllowed() bool {
	return a.AllowSelfService == nil || *a.AllowSelfService
}

// PasswordConfig holds the strength policy for new passwords
type PasswordConfig struct {
	MinLength     int  `yaml:"min_length" toml:"min_length"`
	RequireMixed  bool `yaml:"require_mixed_case" toml:"require_mixed_case"`
	RequireDigit  bool `yaml:"require_digit" toml:"require_digit"`
	RequireSymbol bool `yaml:"require_symbol" toml:"require_symbol"`
}

// RelyingParty is one allow-listed WebAuthn relying party
type RelyingParty struct {
	ID      string   `yaml:"id" toml:"id"`
	Name    string   `yaml:"name" toml:"name"`
	Origins []string `yaml:"origins" toml:"origins"`
}

// WebAuthnConfig holds passkey ceremony configuration
type WebAuthnConfig struct {
	RelyingParties []RelyingParty `yaml:"relying_parties" toml:"relying_parties"`

	// AllowedRPs is the compact form "rp_id|rp_name|origin1;origin2,...".
	// Entries are appended to RelyingParties.
	AllowedRPs string `yaml:"allowed_rps" toml:"allowed_rps"`

	UserVerification string `yaml:"user_verification" toml:"user_verification"`
	ResidentKey      string `yaml:"resident_key" toml:"resident_key"`

	Timeout     time.Duration `yaml:"-" toml:"-"`
	CeremonyTTL time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw     string `yaml:"timeout" toml:"timeout"`
	CeremonyTTLRaw string `yaml:"ceremony_ttl" toml:"ceremony_ttl"`
}

// CeremonyConfig selects where in-flight ceremony records live
type CeremonyConfig struct {
	Backend       string `yaml:"backend" toml:"backend"` // memory or redis
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix" toml:"key_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Namespace string `yaml:"namespace" toml:"namespace"`
	// Textfile is where one-shot commands write their counters in the
	// Prometheus text format, for a node exporter textfile collector.
	Textfile string `yaml:"textfile" toml:"textfile"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with defaults applied and no relying
// parties. Callers add relying parties before validating.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// finish parses durations, merges compact relying parties, applies defaults
// and validates.
func (c *Config) finish() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}

	if c.WebAuthn.AllowedRPs != "" {
		c.WebAuthn.RelyingParties = append(c.WebAuthn.RelyingParties, ParseAllowedRPs(c.WebAuthn.AllowedRPs)...)
	}

	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath()
	} else {
		c.Database.Path = expandHome(c.Database.Path)
	}
	if c.Auth.JWTAlgorithm == "" {
		c.Auth.JWTAlgorithm = "RS256"
	}
	if c.Auth.AccessTokenTTL == 0 {
		c.Auth.AccessTokenTTL = 60 * time.Minute
	}
	if c.Auth.RefreshTokenTTL == 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.Password.MinLength == 0 {
		c.Auth.Password.MinLength = 8
	}
	if c.WebAuthn.UserVerification == "" {
		c.WebAuthn.UserVerification = "preferred"
	}
	if c.WebAuthn.ResidentKey == "" {
		c.WebAuthn.ResidentKey = "preferred"
	}
	if c.WebAuthn.Timeout == 0 {
		c.WebAuthn.Timeout = 60 * time.Second
	}
	if c.WebAuthn.CeremonyTTL == 0 {
		c.WebAuthn.CeremonyTTL = 5 * time.Minute
	}
	if c.Ceremonies.Backend == "" {
		c.Ceremonies.Backend = "memory"
	}
	if c.Ceremonies.KeyPrefix == "" {
		c.Ceremonies.KeyPrefix = "hoa:ceremony:"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "hoa"
	}
}

// ParseAllowedRPs parses the compact relying party list
// "rp_id|rp_name|origin1;origin2,rp_id2|...". Blocks without all three
// parts are skipped.
func ParseAllowedRPs(s string) []RelyingParty {
	var rps []RelyingParty
	for _, block := range strings.Split(s, ",") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		parts := strings.SplitN(block, "|", 3)
		if len(parts) != 3 {
			continue
		}
		rp := RelyingParty{
			ID:   strings.TrimSpace(parts[0]),
			Name: strings.TrimSpace(parts[1]),
		}
		for _, origin := range strings.Split(parts[2], ";") {
			if origin = strings.TrimSpace(origin); origin != "" {
				rp.Origins = append(rp.Origins, origin)
			}
		}
		rps = append(rps, rp)
	}
	return rps
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if !supportedAlgorithms[c.Auth.JWTAlgorithm] {
		return fmt.Errorf("auth.jwt_algorithm %q is not supported (use HS256, RS256, ES256 or EdDSA)", c.Auth.JWTAlgorithm)
	}
	if c.Auth.AccessTokenTTL < 0 || c.Auth.RefreshTokenTTL < 0 {
		return fmt.Errorf("auth token ttls must be positive")
	}
	if c.Auth.SigningKeyLifetime < 0 {
		return fmt.Errorf("auth.signing_key_lifetime must not be negative")
	}

	if len(c.WebAuthn.RelyingParties) == 0 {
		return fmt.Errorf("at least one webauthn relying party is required (webauthn.relying_parties or webauthn.allowed_rps)")
	}
	seen := make(map[string]bool)
	for i, rp := range c.WebAuthn.RelyingParties {
		if rp.ID == "" {
			return fmt.Errorf("webauthn.relying_parties[%d].id is required", i)
		}
		if seen[rp.ID] {
			return fmt.Errorf("webauthn relying party %q is listed twice", rp.ID)
		}
		seen[rp.ID] = true
		if len(rp.Origins) == 0 {
			return fmt.Errorf("webauthn relying party %q needs at least one origin", rp.ID)
		}
	}

	switch c.WebAuthn.UserVerification {
	case "required", "preferred", "discouraged":
	default:
		return fmt.Errorf("webauthn.user_verification must be required, preferred or discouraged")
	}
	switch c.WebAuthn.ResidentKey {
	case "required", "preferred", "discouraged":
	default:
		return fmt.Errorf("webauthn.resident_key must be required, preferred or discouraged")
	}

	switch c.Ceremonies.Backend {
	case "memory":
	case "redis":
		if c.Ceremonies.RedisAddr == "" {
			return fmt.Errorf("ceremonies.redis_addr is required when backend is redis")
		}
	default:
		return fmt.Errorf("ceremonies.backend must be memory or redis")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.access_token_ttl", cfg.Auth.AccessTokenTTLRaw, &cfg.Auth.AccessTokenTTL},
		{"auth.refresh_token_ttl", cfg.Auth.RefreshTokenTTLRaw, &cfg.Auth.RefreshTokenTTL},
		{"auth.signing_key_lifetime", cfg.Auth.SigningKeyLifetimeRaw, &cfg.Auth.SigningKeyLifetime},
		{"webauthn.timeout", cfg.WebAuthn.TimeoutRaw, &cfg.WebAuthn.Timeout},
		{"webauthn.ceremony_ttl", cfg.WebAuthn.CeremonyTTLRaw, &cfg.WebAuthn.CeremonyTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// DefaultDatabasePath returns the XDG data location for the database.
func DefaultDatabasePath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "hoa", "hoa.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "hoa.db"
	}
	return filepath.Join(home, ".local", "share", "hoa", "hoa.db")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
