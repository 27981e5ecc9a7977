package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// jwtVerifier verifies HMAC-SHA256 tokens and maps the `sub` claim to the
// stable user id.
type jwtVerifier struct {
	secret []byte
}

func (v jwtVerifier) Verify(credential string) (Identity, error) {
	tok, err := jwt.Parse(credential, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: missing sub claim", ErrInvalidCredentials)
	}
	return Identity{UserID: sub}, nil
}

// TokenIdentity extracts the subject from a token without verifying the
// signature. Clients use it to learn their own user id; the relay always
// re-verifies the token server-side.
func TokenIdentity(credential string) (Identity, error) {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(credential, &claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing sub claim", ErrInvalidCredentials)
	}
	return Identity{UserID: claims.Subject}, nil
}

// TokenProvider is a Provider backed by a JWT the client holds.
type TokenProvider struct {
	Token string
}

func (p TokenProvider) Identity() (Identity, error) {
	if p.Token == "" {
		return Identity{}, ErrNotAuthenticated
	}
	return TokenIdentity(p.Token)
}
