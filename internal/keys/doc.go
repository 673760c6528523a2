// Package keys manages token signing keys.
//
// Each algorithm (HS256, RS256, ES256, EdDSA) has at most one active key.
// GetOrCreateActiveKey creates the first key lazily and replaces an expired
// one; RotateKeys replaces the active key on demand. Replacement deactivates
// the old key and inserts the new one in a single store transaction, and the
// store's one-active-key-per-algorithm index turns a racing second insert
// into store.ErrConflict, after which the winner is re-read.
//
// Retired keys are never deleted. Tokens name their key in the kid header,
// so a token signed before a rotation still verifies against KeyByID.
//
// Private material is PKCS#8 PEM (or a base64url secret for HS256) and is
// sealed with a secure.Box when a master key is configured.
package keys
