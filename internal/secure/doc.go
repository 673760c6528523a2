// Package secure holds the crypto primitives shared by the identity services.
//
// Passwords are hashed with bcrypt. Opaque tokens are random base64url
// strings stored only as SHA-256 hex digests and compared in constant time.
// Box seals secrets at rest (OAuth2 provider tokens, signing keys) with
// AES-256-GCM, encoded as base64(nonce)|base64(ciphertext).
package secure
