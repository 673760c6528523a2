// ABOUTME: Setup commands: init writes a config file, migrate prepares the database
// ABOUTME: bootstrap creates the first admin with an opaque login token

package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/hoa/internal/config"
	"github.com/2389/hoa/internal/credential"
	"github.com/2389/hoa/internal/principal"
	"github.com/2389/hoa/internal/secure"
	"github.com/2389/hoa/internal/store"
)

const configTemplate = `# hoa configuration
database:
  path: %q

auth:
  jwt_algorithm: RS256
  access_token_ttl: 60m
  refresh_token_ttl: 720h
  require_approval: false
  guard_disable: false
  master_key: %q
  password:
    min_length: 12

webauthn:
  # rp_id|rp_name|origin1;origin2, one block per relying party
  allowed_rps: %q
  user_verification: preferred
  resident_key: preferred
  timeout: 60s
  ceremony_ttl: 5m

ceremonies:
  backend: memory
  # redis_addr: localhost:6379

logging:
  level: info
  format: text

metrics:
  enabled: false
  namespace: hoa
  # textfile: /var/lib/node_exporter/textfile/hoa.prom
`

func cmdInit(args []string) error {
	f, err := parseFlags(args, []string{"rp", "db"}, []string{"force"})
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil && !f.has("force") {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	rp := f.get("rp")
	if rp == "" {
		rp = "localhost|hoa|http://localhost:8080"
	}
	if len(config.ParseAllowedRPs(rp)) == 0 {
		return fmt.Errorf("--rp must look like rp_id|rp_name|origin1;origin2")
	}
	dbPath := f.get("db")
	if dbPath == "" {
		dbPath = config.DefaultDatabasePath()
	}

	key, err := secure.RandomBytes(32)
	if err != nil {
		return fmt.Errorf("generating master key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	content := fmt.Sprintf(configTemplate, dbPath, base64.StdEncoding.EncodeToString(key), rp)
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ✓ ")
	fmt.Printf("Config written to %s\n", configPath)
	color.New(color.FgHiBlack).Println("      Run 'hoa migrate' next, then 'hoa bootstrap --email you@example.com'.")
	return nil
}

func cmdMigrate(_ context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	color.New(color.FgGreen).Print("    ✓ ")
	fmt.Printf("Database ready at %s\n", a.cfg.Database.Path)
	return nil
}

func cmdBootstrap(ctx context.Context, args []string) error {
	f, err := parseFlags(args, []string{"email", "nick"}, nil)
	if err != nil {
		return err
	}
	email := strings.TrimSpace(f.get("email"))
	if email == "" {
		return fmt.Errorf("--email flag is required")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	yes := true
	admins, err := a.principals.Count(ctx, store.PrincipalFilter{Admin: &yes})
	if err != nil {
		return err
	}
	if admins > 0 {
		return fmt.Errorf("an admin already exists; bootstrap only runs on an empty install")
	}

	p, err := a.principals.Create(ctx, principal.CreateInput{Email: email, Nick: f.get("nick"), Admin: true})
	if err != nil {
		if errors.Is(err, principal.ErrEmailTaken) {
			return fmt.Errorf("%s is already registered", email)
		}
		return err
	}
	_, secret, err := a.creds.AddToken(ctx, p.ID, "bootstrap", nil, credential.AddOptions{})
	if err != nil {
		return err
	}
	if _, err := a.keys.GetOrCreateActiveKey(ctx, a.cfg.Auth.JWTAlgorithm); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	green.Print("    ✓ ")
	fmt.Printf("Admin principal: %s (%s)\n", p.ID, p.Email)
	green.Print("    ✓ ")
	fmt.Print("Login token:     ")
	cyan.Println(secret)
	fmt.Println()
	yellow.Println("    Store the token now. It cannot be shown again.")
	return nil
}
