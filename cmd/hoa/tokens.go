// ABOUTME: Signing key and token commands: rotate, list, jwks, issue, validate and login
// ABOUTME: Token output is plain on stdout so it can be captured by scripts

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	jose "github.com/go-jose/go-jose/v4"

	"github.com/2389/hoa/internal/auth"
)

func cmdKeys(ctx context.Context, args []string) error {
	subcmd := "list"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		subcmd = args[0]
		args = args[1:]
	}
	f, err := parseFlags(args, []string{"alg"}, nil)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	alg := f.get("alg")
	if alg == "" {
		alg = a.cfg.Auth.JWTAlgorithm
	}

	switch subcmd {
	case "list":
		keys, err := a.keys.ListKeys(ctx, f.get("alg"))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KID\tALG\tACTIVE\tCREATED\tEXPIRES\tROTATED")
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\n",
				k.KID, k.Algorithm, k.Active, k.CreatedAt.Format(time.RFC3339), timeOrDash(k.ExpiresAt), timeOrDash(k.RotatedAt))
		}
		return w.Flush()
	case "rotate":
		k, err := a.keys.RotateKeys(ctx, alg)
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Print("    ✓ ")
		fmt.Printf("Active %s key is now %s\n", k.Algorithm, k.KID)
		return nil
	case "jwks":
		set, err := a.keys.PublicKeySet(ctx, alg)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: set}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	default:
		return fmt.Errorf("unknown keys subcommand: %s", subcmd)
	}
}

func cmdToken(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("token subcommand required (issue, validate)")
	}
	subcmd, args := args[0], args[1:]
	f, err := parseFlags(args, []string{"ttl"}, []string{"refresh"})
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	kind := auth.KindAccess
	if f.has("refresh") {
		kind = auth.KindRefresh
	}

	switch subcmd {
	case "issue":
		id, err := f.arg(0, "principal id")
		if err != nil {
			return err
		}
		p, err := a.principals.Get(ctx, id)
		if err != nil {
			return err
		}
		if !p.Enabled {
			return auth.ErrPrincipalDisabled
		}

		var ttl *time.Duration
		if v := f.get("ttl"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid --ttl: %w", err)
			}
			ttl = &d
		}

		var (
			token     string
			expiresAt time.Time
		)
		if kind == auth.KindRefresh {
			token, expiresAt, err = a.tokens.IssueRefreshToken(ctx, p.ID, ttl)
		} else {
			token, expiresAt, err = a.tokens.IssueAccessToken(ctx, p.ID, ttl)
		}
		if err != nil {
			return err
		}
		fmt.Println(token)
		color.New(color.FgHiBlack).Fprintf(os.Stderr, "%s token for %s, expires %s\n", kind, p.ID, expiresAt.Format(time.RFC3339))
		return nil
	case "validate":
		token, err := f.arg(0, "token")
		if err != nil {
			return err
		}
		claims := a.tokens.Validate(ctx, token, kind)
		if claims == nil {
			return fmt.Errorf("token is not a valid %s token", kind)
		}
		color.New(color.FgGreen).Print("    ✓ ")
		fmt.Printf("valid %s token\n", claims.Kind)
		fmt.Printf("  Subject:  %s\n", claims.Subject)
		fmt.Printf("  ID:       %s\n", claims.ID)
		fmt.Printf("  Issued:   %s\n", claims.IssuedAt.Time.Format(time.RFC3339))
		fmt.Printf("  Expires:  %s\n", claims.ExpiresAt.Time.Format(time.RFC3339))
		return nil
	default:
		return fmt.Errorf("unknown token subcommand: %s", subcmd)
	}
}

func cmdLogin(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("login method required (password, token)")
	}
	method, args := args[0], args[1:]
	f, err := parseFlags(args, []string{"email"}, nil)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var pair *auth.TokenPair
	switch method {
	case "password":
		email := f.get("email")
		if email == "" {
			return fmt.Errorf("--email flag is required")
		}
		res, err := a.identity.LoginWithPassword(ctx, email, os.Getenv("HOA_PASSWORD"))
		if err != nil {
			return err
		}
		pair = res.Tokens
	case "token":
		res, err := a.identity.LoginWithToken(ctx, os.Getenv("HOA_TOKEN"))
		if err != nil {
			return err
		}
		pair = res.Tokens
	default:
		return fmt.Errorf("unknown login method: %s", method)
	}

	out, err := json.MarshalIndent(pair, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
