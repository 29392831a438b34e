package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrMissingBootstrapSecret = errors.New("auth: bootstrap secret required")
	ErrInvalidCredential      = errors.New("auth: invalid credential")
)

// ExternalClaims is the identity asserted by an external credential before a
// backend token is issued.
type ExternalClaims struct {
	Subject     string
	DisplayName string
}

// CredentialVerifier checks an externally issued credential. In production
// this is an identity-provider verifier; the bootstrap verifier below stands
// in for deployments without one.
type CredentialVerifier interface {
	Verify(ctx context.Context, credential string) (ExternalClaims, error)
}

// BootstrapVerifier accepts credentials of the form
// "<secret>:<user-id>:<display-name>" signed with the shared bootstrap
// secret. Display name is optional.
type BootstrapVerifier struct {
	secret string
}

// NewBootstrapVerifier constructs a verifier bound to the shared secret.
func NewBootstrapVerifier(secret string) (*BootstrapVerifier, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, ErrMissingBootstrapSecret
	}
	return &BootstrapVerifier{secret: trimmed}, nil
}

// Verify parses and checks the bootstrap credential.
func (v *BootstrapVerifier) Verify(_ context.Context, credential string) (ExternalClaims, error) {
	segments := strings.SplitN(strings.TrimSpace(credential), ":", 3)
	if len(segments) < 2 {
		return ExternalClaims{}, ErrInvalidCredential
	}
	if subtle.ConstantTimeCompare([]byte(segments[0]), []byte(v.secret)) != 1 {
		return ExternalClaims{}, ErrInvalidCredential
	}
	subject := strings.TrimSpace(segments[1])
	if subject == "" {
		return ExternalClaims{}, ErrInvalidCredential
	}
	claims := ExternalClaims{Subject: subject}
	if len(segments) == 3 {
		claims.DisplayName = strings.TrimSpace(segments[2])
	}
	return claims, nil
}
