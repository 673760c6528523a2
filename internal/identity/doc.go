// Package identity runs the flows that turn a ceremony or secret into a
// signed-in principal.
//
// # Passkeys
//
// BeginSignUp and FinishRegistration create a principal together with its
// first passkey. The principal id is picked when the ceremony begins and is
// used as the WebAuthn user handle. BeginAddPasskey registers another passkey
// for an existing principal, excluding the ones it already has.
//
// BeginPasskeyLogin builds an allow list when the email names a principal
// with usable passkeys and falls back to a discoverable ceremony otherwise.
// FinishPasskeyLogin stores the new signature counter before issuing tokens.
//
// # Secrets
//
// LoginWithPassword and LoginWithToken verify through the credential manager.
// All sign-in failures surface as ErrAuthenticationFailed, apart from
// WebAuthn verification errors, which keep their type.
//
// Ceremony tokens are single use. A finish call consumes its token even when
// verification fails.
package identity
