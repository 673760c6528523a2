// Package config handles configuration loading for hoa.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, for files ending in .toml)
// with environment variable expansion, defaults and validation.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  master_key: "${HOA_MASTER_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  access_token_ttl: "60m"
//	  refresh_token_ttl: "720h"
//
// # Relying Parties
//
// Relying parties are listed under webauthn.relying_parties, or in the
// compact form used by environment-driven deployments:
//
//	webauthn:
//	  allowed_rps: "example.com|Example|https://example.com;https://www.example.com"
//
// Each comma-separated block is rp_id|rp_name|origins, origins separated by
// semicolons. Blocks without all three parts are ignored.
//
// # Defaults
//
//   - auth.jwt_algorithm: RS256
//   - auth.access_token_ttl: 60m
//   - auth.refresh_token_ttl: 720h
//   - auth.require_approval: false
//   - auth.guard_disable: false
//   - webauthn.ceremony_ttl: 5m
//   - webauthn.timeout: 60s
//   - ceremonies.backend: memory
//   - logging: info, text
package config
