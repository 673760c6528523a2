// ABOUTME: Principal, credential and approval management commands
// ABOUTME: Listings are printed with tabwriter; mutations echo the changed record

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/hoa/internal/credential"
	"github.com/2389/hoa/internal/principal"
	"github.com/2389/hoa/internal/store"
)

func cmdPrincipals(ctx context.Context, args []string) error {
	subcmd := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subcmd = args[0]
		args = args[1:]
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	switch subcmd {
	case "list":
		return principalsList(ctx, a, args)
	case "show":
		return principalsShow(ctx, a, args)
	case "create":
		return principalsCreate(ctx, a, args)
	case "enable", "disable":
		return principalsToggle(ctx, a, args, subcmd == "enable")
	case "grant-admin", "revoke-admin":
		return principalsAdmin(ctx, a, args, subcmd == "grant-admin")
	case "delete":
		return principalsDelete(ctx, a, args)
	default:
		return fmt.Errorf("unknown principals subcommand: %s", subcmd)
	}
}

func principalsList(ctx context.Context, a *app, args []string) error {
	f, err := parseFlags(args, []string{"search", "limit", "offset"}, []string{"admins", "disabled"})
	if err != nil {
		return err
	}
	filter := store.PrincipalFilter{Search: f.get("search"), Limit: 50}
	if v := f.get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid --limit: %w", err)
		}
	}
	if v := f.get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid --offset: %w", err)
		}
	}
	if f.has("admins") {
		yes := true
		filter.Admin = &yes
	}
	if f.has("disabled") {
		no := false
		filter.Enabled = &no
	}

	list, err := a.principals.List(ctx, filter)
	if err != nil {
		return err
	}
	total, err := a.principals.Count(ctx, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tNICK\tENABLED\tADMIN\tCREATED")
	for _, p := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\t%s\n",
			p.ID, dash(p.Email), dash(p.Nick), p.Enabled, p.Admin, p.CreatedAt.Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	color.New(color.FgHiBlack).Printf("%d of %d principals\n", len(list), total)
	return nil
}

// lookupPrincipal accepts an id or an email address.
func lookupPrincipal(ctx context.Context, a *app, ref string) (*store.Principal, error) {
	if strings.Contains(ref, "@") {
		return a.principals.GetByEmail(ctx, ref)
	}
	return a.principals.Get(ctx, ref)
}

func principalsShow(ctx context.Context, a *app, args []string) error {
	f, err := parseFlags(args, nil, nil)
	if err != nil {
		return err
	}
	ref, err := f.arg(0, "principal id or email")
	if err != nil {
		return err
	}
	p, err := lookupPrincipal(ctx, a, ref)
	if err != nil {
		return err
	}

	printPrincipal(p)
	fmt.Println()
	creds, err := a.creds.ListForPrincipal(ctx, p.ID)
	if err != nil {
		return err
	}
	return printCredentials(creds)
}

func principalsCreate(ctx context.Context, a *app, args []string) error {
	f, err := parseFlags(args, []string{"email", "nick", "first", "second", "phone"}, []string{"admin", "disabled"})
	if err != nil {
		return err
	}
	p, err := a.principals.Create(ctx, principal.CreateInput{
		Email:       f.get("email"),
		Nick:        f.get("nick"),
		FirstName:   f.get("first"),
		SecondName:  f.get("second"),
		PhoneNumber: f.get("phone"),
		Admin:       f.has("admin"),
		Disabled:    f.has("disabled"),
	})
	if err != nil {
		return err
	}
	printPrincipal(p)
	return nil
}

func principalsToggle(ctx context.Context, a *app, args []string, enabled bool) error {
	f, err := parseFlags(args, nil, nil)
	if err != nil {
		return err
	}
	id, err := f.arg(0, "principal id")
	if err != nil {
		return err
	}
	p, err := a.principals.SetEnabled(ctx, id, enabled)
	if err != nil {
		return err
	}
	printPrincipal(p)
	return nil
}

func principalsAdmin(ctx context.Context, a *app, args []string, admin bool) error {
	f, err := parseFlags(args, nil, nil)
	if err != nil {
		return err
	}
	id, err := f.arg(0, "principal id")
	if err != nil {
		return err
	}
	p, err := a.principals.SetAdmin(ctx, id, admin)
	if err != nil {
		return err
	}
	printPrincipal(p)
	return nil
}

func principalsDelete(ctx context.Context, a *app, args []string) error {
	f, err := parseFlags(args, nil, nil)
	if err != nil {
		return err
	}
	id, err := f.arg(0, "principal id")
	if err != nil {
		return err
	}
	if err := a.principals.Delete(ctx, id); err != nil {
		return err
	}
	color.New(color.FgGreen).Print("    ✓ ")
	fmt.Printf("Deleted principal %s and its credentials\n", id)
	return nil
}

func printPrincipal(p *store.Principal) {
	yellow := color.New(color.FgYellow)
	yellow.Printf("Principal %s\n", p.ID)
	fmt.Printf("  Email:    %s\n", dash(p.Email))
	fmt.Printf("  Nick:     %s\n", dash(p.Nick))
	fmt.Printf("  Name:     %s\n", dash(strings.TrimSpace(p.FirstName+" "+p.SecondName)))
	fmt.Printf("  Phone:    %s\n", dash(p.PhoneNumber))
	fmt.Printf("  Enabled:  %v\n", p.Enabled)
	fmt.Printf("  Admin:    %v\n", p.Admin)
	fmt.Printf("  Created:  %s\n", p.CreatedAt.Format(time.RFC3339))
}

func cmdCredentials(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("credentials subcommand required (list, password, token, enable, disable, delete)")
	}
	subcmd, args := args[0], args[1:]

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	switch subcmd {
	case "list":
		f, err := parseFlags(args, nil, nil)
		if err != nil {
			return err
		}
		id, err := f.arg(0, "principal id")
		if err != nil {
			return err
		}
		creds, err := a.creds.ListForPrincipal(ctx, id)
		if err != nil {
			return err
		}
		return printCredentials(creds)
	case "password":
		return credentialsPassword(ctx, a, args)
	case "token":
		return credentialsToken(ctx, a, args)
	case "enable", "disable":
		f, err := parseFlags(args, nil, nil)
		if err != nil {
			return err
		}
		id, err := f.arg(0, "credential id")
		if err != nil {
			return err
		}
		c, err := a.creds.SetEnabled(ctx, id, subcmd == "enable")
		if err != nil {
			return err
		}
		return printCredentials([]*store.Credential{c})
	case "delete":
		f, err := parseFlags(args, nil, nil)
		if err != nil {
			return err
		}
		id, err := f.arg(0, "credential id")
		if err != nil {
			return err
		}
		if err := a.creds.Delete(ctx, id); err != nil {
			return err
		}
		color.New(color.FgGreen).Print("    ✓ ")
		fmt.Printf("Deleted credential %s\n", id)
		return nil
	default:
		return fmt.Errorf("unknown credentials subcommand: %s", subcmd)
	}
}

func credentialsPassword(ctx context.Context, a *app, args []string) error {
	f, err := parseFlags(args, nil, nil)
	if err != nil {
		return err
	}
	id, err := f.arg(0, "principal id")
	if err != nil {
		return err
	}
	password := os.Getenv("HOA_PASSWORD")
	if password == "" {
		return fmt.Errorf("HOA_PASSWORD environment variable is required")
	}

	existing, err := a.creds.PasswordForPrincipal(ctx, id)
	if err == nil {
		if err := a.creds.SetPassword(ctx, existing.ID, password); err != nil {
			return err
		}
		color.New(color.FgGreen).Print("    ✓ ")
		fmt.Printf("Password changed (credential %s)\n", existing.ID)
		return nil
	}

	c, err := a.creds.AddPassword(ctx, id, password, credential.AddOptions{})
	if err != nil {
		return err
	}
	return printCredentials([]*store.Credential{c})
}

func credentialsToken(ctx context.Context, a *app, args []string) error {
	f, err := parseFlags(args, []string{"description", "expires"}, nil)
	if err != nil {
		return err
	}
	id, err := f.arg(0, "principal id")
	if err != nil {
		return err
	}

	var expiresAt *time.Time
	if v := f.get("expires"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid --expires: %w", err)
		}
		t := time.Now().UTC().Add(d)
		expiresAt = &t
	}

	c, secret, err := a.creds.AddToken(ctx, id, f.get("description"), expiresAt, credential.AddOptions{})
	if err != nil {
		return err
	}
	if err := printCredentials([]*store.Credential{c}); err != nil {
		return err
	}
	fmt.Println()
	fmt.Print("Secret: ")
	color.New(color.FgCyan).Println(secret)
	color.New(color.FgYellow).Println("Store the secret now. It cannot be shown again.")
	return nil
}

func cmdApprovals(ctx context.Context, args []string) error {
	subcmd := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subcmd = args[0]
		args = args[1:]
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	switch subcmd {
	case "list":
		f, err := parseFlags(args, []string{"limit"}, nil)
		if err != nil {
			return err
		}
		limit := 100
		if v := f.get("limit"); v != "" {
			if limit, err = strconv.Atoi(v); err != nil {
				return fmt.Errorf("invalid --limit: %w", err)
			}
		}
		pending, err := a.creds.ListPendingApprovals(ctx, limit)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("No credentials awaiting approval.")
			return nil
		}
		return printCredentials(pending)
	case "approve", "reject":
		f, err := parseFlags(args, []string{"approver"}, []string{"keep-disabled"})
		if err != nil {
			return err
		}
		id, err := f.arg(0, "credential id")
		if err != nil {
			return err
		}
		approver := f.get("approver")
		if approver == "" {
			approver = store.ActorFromContext(ctx)
		}
		approve := subcmd == "approve"
		c, err := a.creds.Approve(ctx, id, approver, approve)
		if err != nil {
			return err
		}
		if approve && !f.has("keep-disabled") {
			if c, err = a.creds.SetEnabled(ctx, id, true); err != nil {
				return err
			}
		}
		return printCredentials([]*store.Credential{c})
	default:
		return fmt.Errorf("unknown approvals subcommand: %s", subcmd)
	}
}

func cmdAudit(ctx context.Context, args []string) error {
	f, err := parseFlags(args, []string{"target", "actor", "action", "since", "limit"}, nil)
	if err != nil {
		return err
	}

	var filter store.AuditFilter
	if v := f.get("target"); v != "" {
		filter.TargetID = &v
	}
	if v := f.get("actor"); v != "" {
		filter.ActorPrincipalID = &v
	}
	if v := f.get("action"); v != "" {
		action := store.AuditAction(v)
		filter.Action = &action
	}
	if v := f.get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		since := time.Now().UTC().Add(-d)
		filter.Since = &since
	}
	if v := f.get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid --limit: %w", err)
		}
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.principals.AuditLog(ctx, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTOR\tACTION\tTARGET")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\n",
			e.Timestamp.Format(time.RFC3339), e.ActorPrincipalID, e.Action, e.TargetType, e.TargetID)
	}
	return w.Flush()
}

func printCredentials(creds []*store.Credential) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRINCIPAL\tTYPE\tDETAIL\tENABLED\tAPPROVED\tCREATED")
	for _, c := range creds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%v\t%s\n",
			c.ID, c.PrincipalID, c.Type, credentialDetail(c), c.Enabled, c.Approved, c.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func credentialDetail(c *store.Credential) string {
	switch {
	case c.Passkey != nil:
		return fmt.Sprintf("%s count=%d", c.Passkey.RPID, c.Passkey.SignCount)
	case c.Password != nil:
		return "changed " + c.Password.LastChangedAt.Format("2006-01-02")
	case c.OAuth2 != nil:
		return c.OAuth2.Provider + ":" + c.OAuth2.ProviderSubject
	case c.Token != nil:
		detail := dash(c.Token.Description)
		if c.Token.ExpiresAt != nil {
			detail += " expires " + c.Token.ExpiresAt.Format("2006-01-02")
		}
		return detail
	}
	return "-"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
