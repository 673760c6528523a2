// ABOUTME: Entry point for the hoa operator CLI
// ABOUTME: Manages principals, credentials, approvals, signing keys and tokens against the local store

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/hoa/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
  _
 | |__   ___   __ _
 | '_ \ / _ \ / _' |
 | | | | (_) | (_| |
 |_| |_|\___/ \__,_|
`

// getConfigPath returns the path to the hoa config file.
// Priority: HOA_CONFIG env var > XDG_CONFIG_HOME/hoa/hoa.yaml > ~/.config/hoa/hoa.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HOA_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hoa.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "hoa", "hoa.yaml")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = store.WithActor(ctx, cliActor())

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "init":
		err = cmdInit(args)
	case "migrate":
		err = cmdMigrate(ctx)
	case "bootstrap":
		err = cmdBootstrap(ctx, args)
	case "principals":
		err = cmdPrincipals(ctx, args)
	case "credentials":
		err = cmdCredentials(ctx, args)
	case "approvals":
		err = cmdApprovals(ctx, args)
	case "keys":
		err = cmdKeys(ctx, args)
	case "token":
		err = cmdToken(ctx, args)
	case "login":
		err = cmdLogin(ctx, args)
	case "audit":
		err = cmdAudit(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

// cliActor names the operator in audit entries.
func cliActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: hoa <command> [args]")
	fmt.Println()
	yellow.Println("Setup:")
	fmt.Println("  init [--rp ID|NAME|ORIGIN] [--force]        Write a config file with a fresh master key")
	fmt.Println("  migrate                                     Create or upgrade the database schema")
	fmt.Println("  bootstrap --email EMAIL [--nick NICK]       Create the first admin and a login token")
	fmt.Println()
	yellow.Println("Principals:")
	fmt.Println("  principals [list] [--search Q] [--limit N] [--offset N]")
	fmt.Println("  principals show <id|email>")
	fmt.Println("  principals create [--email E] [--nick N] [--first F] [--second S] [--admin]")
	fmt.Println("  principals enable|disable <id>")
	fmt.Println("  principals grant-admin|revoke-admin <id>")
	fmt.Println("  principals delete <id>")
	fmt.Println()
	yellow.Println("Credentials:")
	fmt.Println("  credentials list <principal-id>")
	fmt.Println("  credentials password <principal-id>       Reads the password from HOA_PASSWORD")
	fmt.Println("  credentials token <principal-id> [--description D] [--expires 720h]")
	fmt.Println("  credentials enable|disable|delete <credential-id>")
	fmt.Println("  approvals [list] [--limit N]")
	fmt.Println("  approvals approve|reject <credential-id> [--approver ID] [--keep-disabled]")
	fmt.Println("  audit [--target ID] [--actor ID] [--action A] [--since 24h] [--limit N]")
	fmt.Println()
	yellow.Println("Keys and tokens:")
	fmt.Println("  keys [list] [--alg ALG]")
	fmt.Println("  keys rotate [--alg ALG]")
	fmt.Println("  keys jwks [--alg ALG]")
	fmt.Println("  token issue <principal-id> [--refresh] [--ttl 15m]")
	fmt.Println("  token validate <token> [--refresh]")
	fmt.Println("  login password --email EMAIL              Reads the password from HOA_PASSWORD")
	fmt.Println("  login token                               Reads the secret from HOA_TOKEN")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  HOA_CONFIG        Config file (default: $XDG_CONFIG_HOME/hoa/hoa.yaml)")
	fmt.Println()
}
