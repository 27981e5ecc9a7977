// Package auth provides the authenticated-user identity required before
// sessions may be created or joined, and server-side credential
// verification for the relay.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

type Mode string

const (
	ModeNone   Mode = "none"
	ModeAPIKey Mode = "api_key"
	ModeJWT    Mode = "jwt"
)

var (
	ErrNotAuthenticated   = errors.New("auth: not authenticated")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrMissingCredentials = errors.New("auth: missing credentials")
)

// Identity is the stable user identity behind a credential.
type Identity struct {
	UserID string
}

// Provider yields the local identity stamped onto created sessions.
type Provider interface {
	Identity() (Identity, error)
}

// Static is a Provider with a fixed user id.
type Static struct {
	UserID string
}

func (s Static) Identity() (Identity, error) {
	if s.UserID == "" {
		return Identity{}, ErrNotAuthenticated
	}
	return Identity{UserID: s.UserID}, nil
}

// Anonymous is a Provider that never authenticates. Session creation fails
// against it.
type Anonymous struct{}

func (Anonymous) Identity() (Identity, error) {
	return Identity{}, ErrNotAuthenticated
}

// Verifier validates a presented credential.
type Verifier interface {
	Verify(credential string) (Identity, error)
}

// NewVerifier builds the verifier for the configured auth mode.
func NewVerifier(mode Mode, apiKey, jwtSecret string) (Verifier, error) {
	switch mode {
	case ModeNone:
		return allowAll{}, nil
	case ModeAPIKey:
		if apiKey == "" {
			return nil, errors.New("auth: api_key mode requires an api key")
		}
		return apiKeyVerifier{key: []byte(apiKey)}, nil
	case ModeJWT:
		if jwtSecret == "" {
			return nil, errors.New("auth: jwt mode requires a secret")
		}
		return jwtVerifier{secret: []byte(jwtSecret)}, nil
	default:
		return nil, fmt.Errorf("auth: unsupported mode %q", mode)
	}
}

type allowAll struct{}

func (allowAll) Verify(string) (Identity, error) { return Identity{}, nil }

type apiKeyVerifier struct {
	key []byte
}

func (v apiKeyVerifier) Verify(credential string) (Identity, error) {
	if subtle.ConstantTimeCompare([]byte(credential), v.key) != 1 {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{}, nil
}
