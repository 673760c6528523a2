// Package principal manages the identities that own credentials.
//
// Emails are optional, unique and stored lowercased; lookups by email are
// case-insensitive. The last enabled admin cannot be disabled, demoted or
// deleted. Deleting a principal removes its credentials with it.
package principal
