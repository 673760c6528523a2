// Package passkey runs WebAuthn registration and authentication ceremonies.
//
// The Engine is stateless: Begin methods return the options for the client
// together with the webauthn.SessionData the caller must keep (see package
// ceremony), and Finish methods take that session back as an Expectation.
//
// Every call first checks the relying party id and origin against the
// configured allow-list and fails with ErrInvalidRelyingParty before any
// cryptographic work. Parse and verification failures are returned as
// *VerificationError, which matches ErrCeremonyVerification and unwraps to
// the go-webauthn cause. Ceremonies are never retried.
package passkey
