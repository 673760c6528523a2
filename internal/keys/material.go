// ABOUTME: Key material generation and PEM encoding for each supported signing algorithm
// ABOUTME: HS256 secrets are base64url strings; asymmetric keys are PKCS#8 / PKIX PEM

package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/2389/hoa/internal/secure"
)

// Supported signing algorithms.
const (
	HS256 = "HS256"
	RS256 = "RS256"
	ES256 = "ES256"
	EdDSA = "EdDSA"
)

const (
	rsaBits      = 2048
	hmacKeyBytes = 32
)

// ErrUnsupportedAlgorithm is returned for algorithms outside HS256, RS256,
// ES256 and EdDSA.
var ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

// Supported reports whether alg can be used for signing keys.
func Supported(alg string) bool {
	switch alg {
	case HS256, RS256, ES256, EdDSA:
		return true
	}
	return false
}

// Symmetric reports whether alg uses a shared secret.
func Symmetric(alg string) bool {
	return alg == HS256
}

// material is freshly generated key material before it is stored.
type material struct {
	kid        string
	publicPEM  string
	privatePEM string // PEM, or base64url secret for HS256
}

func generate(alg string) (*material, error) {
	var signer crypto.Signer
	switch alg {
	case HS256:
		secret, err := secure.RandomBytes(hmacKeyBytes)
		if err != nil {
			return nil, err
		}
		return &material{
			kid:        uuid.New().String(),
			privatePEM: base64.RawURLEncoding.EncodeToString(secret),
		}, nil
	case RS256:
		k, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return nil, fmt.Errorf("generating rsa key: %w", err)
		}
		signer = k
	case ES256:
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating ecdsa key: %w", err)
		}
		signer = k
	case EdDSA:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating ed25519 key: %w", err)
		}
		signer = k
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	kid, err := thumbprint(signer.Public())
	if err != nil {
		return nil, err
	}

	return &material{
		kid:        kid,
		publicPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		privatePEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
	}, nil
}

// thumbprint derives a key id from the RFC 7638 JWK thumbprint.
func thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// parsePrivate decodes stored private material for alg.
func parsePrivate(alg, encoded string) (any, error) {
	if Symmetric(alg) {
		secret, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding hmac secret: %w", err)
		}
		return secret, nil
	}

	block, _ := pem.Decode([]byte(encoded))
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return key, nil
}

// parsePublic decodes a PKIX PEM public key.
func parsePublic(encoded string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(encoded))
	if block == nil {
		return nil, errors.New("public key is not PEM encoded")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return key, nil
}
