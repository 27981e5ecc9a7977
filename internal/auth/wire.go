package auth

import (
	"fmt"
	"net/url"
)

// CredentialFromQuery extracts a credential from WebSocket query parameters.
// api_key mode reads ?apiKey=, jwt mode reads ?token=.
func CredentialFromQuery(mode Mode, q url.Values) (string, error) {
	switch mode {
	case ModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	case ModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("auth: unsupported mode %q", mode)
	}
}

// WireAuthMessage is the first-frame auth envelope a client may send instead
// of query credentials.
type WireAuthMessage struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

func CredentialFromAuthMessage(mode Mode, msg WireAuthMessage) (string, error) {
	switch mode {
	case ModeAPIKey:
		if msg.APIKey != "" {
			return msg.APIKey, nil
		}
		return "", ErrMissingCredentials
	case ModeJWT:
		if msg.Token != "" {
			return msg.Token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("auth: unsupported mode %q", mode)
	}
}
