// Package credential manages the lifecycle of the credentials a principal
// signs in with.
//
// # Variants
//
// Four variants share one envelope (store.Credential):
//
//   - passkey: a WebAuthn public key credential
//   - password: a bcrypt hash
//   - oauth2: a linked third-party identity with sealed provider tokens
//   - token: the SHA-256 hash of an opaque machine secret
//
// # Approval
//
// When Policy.RequireApproval is set, new credentials are created disabled
// and unapproved and show up in ListPendingApprovals until an operator calls
// Approve and SetEnabled. Token credentials never require approval.
//
// # Floor
//
// A principal keeps at least one enabled and approved credential. Delete
// refuses to remove the last one with ErrPrecondition. SetEnabled applies the
// same check only when Policy.GuardDisable is set.
//
// # Verification
//
// VerifyPassword and VerifyOpaqueToken return a bool and never an error.
// Lookup misses, disabled or unapproved credentials and expired tokens all
// verify false after a comparable amount of work.
package credential
