// Package auth issues and validates the signed tokens handed out after a
// successful sign-in.
//
// # Tokens
//
// Two kinds of JWT are issued, access and refresh. Both carry sub, iat, exp,
// jti and a type claim, and name their signing key in the kid header:
//
//	svc := auth.NewTokenService(keyManager, principals, auth.TokenConfig{
//	    Algorithm:  "RS256",
//	    AccessTTL:  time.Hour,
//	    RefreshTTL: 30 * 24 * time.Hour,
//	}, m)
//	token, expiresAt, err := svc.IssueAccessToken(ctx, principalID, nil)
//	claims := svc.Validate(ctx, token, auth.KindAccess) // nil when invalid
//
// Validation looks the key up by kid whether or not it is still active, so
// tokens signed before a rotation keep validating until they expire. The
// key's algorithm must match the token header.
//
// # Pairs and Refresh
//
// IssuePair and Refresh return an access and refresh token together. Both
// refuse principals that are missing or disabled.
//
// # HTTP
//
// HTTPAuthMiddleware, OptionalAuthMiddleware and RequireAdminHTTP attach an
// AuthContext to requests carrying a bearer access token. Handlers read it
// with FromContext.
package auth
