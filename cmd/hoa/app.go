// ABOUTME: Wires configuration, store and services for CLI commands
// ABOUTME: Also holds the small flag parser shared by every subcommand

package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/hoa/internal/auth"
	"github.com/2389/hoa/internal/ceremony"
	"github.com/2389/hoa/internal/config"
	"github.com/2389/hoa/internal/credential"
	"github.com/2389/hoa/internal/identity"
	"github.com/2389/hoa/internal/keys"
	"github.com/2389/hoa/internal/metrics"
	"github.com/2389/hoa/internal/passkey"
	"github.com/2389/hoa/internal/principal"
	"github.com/2389/hoa/internal/secure"
	"github.com/2389/hoa/internal/store"
)

// app is the set of services a command can use.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.SQLiteStore
	principals *principal.Service
	creds      *credential.Manager
	keys       *keys.Manager
	tokens     *auth.TokenService
	ceremonies ceremony.Store
	identity   *identity.Service
	registry   *prometheus.Registry
}

func openApp() (*app, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	var box *secure.Box
	if cfg.Auth.MasterKey != "" {
		if box, err = secure.NewBoxFromBase64(cfg.Auth.MasterKey); err != nil {
			return nil, err
		}
	}

	var (
		m   *metrics.Metrics
		reg *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		if m, err = metrics.New(cfg.Metrics.Namespace, reg); err != nil {
			return nil, err
		}
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	engine, err := passkey.NewEngine(cfg.WebAuthn)
	if err != nil {
		s.Close()
		return nil, err
	}
	ceremonies, err := ceremony.Open(cfg.Ceremonies, cfg.WebAuthn.CeremonyTTL)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening ceremony store: %w", err)
	}

	principals := principal.NewService(s)
	creds := credential.NewManager(s, credential.Policy{
		RequireApproval: cfg.Auth.RequireApproval,
		GuardDisable:    cfg.Auth.GuardDisable,
		Password: secure.PasswordPolicy{
			MinLength:     cfg.Auth.Password.MinLength,
			RequireMixed:  cfg.Auth.Password.RequireMixed,
			RequireDigit:  cfg.Auth.Password.RequireDigit,
			RequireSymbol: cfg.Auth.Password.RequireSymbol,
		},
	}, box, m)
	km := keys.NewManager(s, box, cfg.Auth.SigningKeyLifetime, m)
	tokens := auth.NewTokenService(km, principals, auth.TokenConfig{
		Algorithm:  cfg.Auth.JWTAlgorithm,
		AccessTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTTL: cfg.Auth.RefreshTokenTTL,
	}, m)

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      s,
		principals: principals,
		creds:      creds,
		keys:       km,
		tokens:     tokens,
		ceremonies: ceremonies,
		registry:   reg,
		identity: identity.NewService(identity.Options{
			Principals:  principals,
			Credentials: creds,
			Engine:      engine,
			Ceremonies:  ceremonies,
			Tokens:      tokens,
			Metrics:     m,
			SelfService: cfg.Auth.SelfServiceAllowed(),
		}),
	}, nil
}

func (a *app) Close() {
	if a.registry != nil {
		if err := writeMetrics(a.cfg.Metrics.Textfile, a.registry); err != nil {
			a.logger.Warn("writing metrics", "error", err)
		}
	}
	if err := a.ceremonies.Close(); err != nil {
		a.logger.Warn("closing ceremony store", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

// writeMetrics dumps the counters a command recorded to path. Without a path
// the counters are dropped.
func writeMetrics(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, g)
}

// flags holds parsed "--name value", "--name=value" and boolean "--name"
// arguments plus the remaining positionals.
type flags struct {
	values      map[string]string
	bools       map[string]bool
	positionals []string
}

// parseFlags parses args. valued lists flags that take a value; boolean
// lists flags that do not. Anything else starting with "-" is an error.
func parseFlags(args []string, valued, boolean []string) (*flags, error) {
	isValued := make(map[string]bool, len(valued))
	for _, n := range valued {
		isValued[n] = true
	}
	isBool := make(map[string]bool, len(boolean))
	for _, n := range boolean {
		isBool[n] = true
	}

	f := &flags{values: map[string]string{}, bools: map[string]bool{}}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			if strings.HasPrefix(arg, "-") && arg != "-" {
				return nil, fmt.Errorf("unknown flag: %s", arg)
			}
			f.positionals = append(f.positionals, arg)
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		switch {
		case isValued[name]:
			if !hasValue {
				if i+1 >= len(args) {
					return nil, fmt.Errorf("--%s requires a value", name)
				}
				value = args[i+1]
				i++
			}
			f.values[name] = value
		case isBool[name] && !hasValue:
			f.bools[name] = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}
	return f, nil
}

func (f *flags) get(name string) string { return f.values[name] }

func (f *flags) has(name string) bool { return f.bools[name] }

// arg returns positional i or an error naming what is missing.
func (f *flags) arg(i int, what string) (string, error) {
	if i >= len(f.positionals) || f.positionals[i] == "" {
		return "", fmt.Errorf("%s is required", what)
	}
	return f.positionals[i], nil
}
