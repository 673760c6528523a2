// Package store provides persistent storage for principals, credentials and
// signing keys.
//
// # Architecture
//
// Store embeds Queries, the set of reads and writes available both on the
// store itself and inside a transaction started with InTx. Services that need
// a read-modify-write sequence run it through InTx and use only the Queries
// value handed to their callback.
//
// SQLiteStore is the production implementation. MockStore is an in-memory
// implementation for service tests.
//
// # Data Models
//
//   - Principal: identity with optional nick and unique email
//   - Credential: envelope plus one payload (Passkey, Password, OAuth2, Token)
//   - SigningKey: token signing material, at most one active per algorithm
//
// # SQLite Configuration
//
// The store uses a single connection with WAL mode and foreign keys:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Transactions are opened IMMEDIATE so concurrent writers serialize on the
// database lock instead of failing at commit.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrConflict: uniqueness violation (email, passkey credential id,
//     token hash, oauth2 provider subject, active signing key)
package store
