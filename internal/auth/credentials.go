package auth

import (
	"strings"

	"nonkyc-bot/internal/core"
	"nonkyc-bot/internal/redact"
)

const (
	minAPIKeyLen    = 8
	minAPISecretLen = 16
)

// Credentials hold the API key pair for the lifetime of the process. The
// fields are unexported so the secret cannot leak through reflection-based
// serializers, and String masks both values against accidental logging.
type Credentials struct {
	key    string
	secret string
}

func NewCredentials(apiKey, apiSecret string) (Credentials, error) {
	apiKey = strings.TrimSpace(apiKey)
	apiSecret = strings.TrimSpace(apiSecret)
	if len(apiKey) < minAPIKeyLen {
		return Credentials{}, core.Errorf(core.KindAuth, "credentials", "api_key must be at least %d characters", minAPIKeyLen)
	}
	if len(apiSecret) < minAPISecretLen {
		return Credentials{}, core.Errorf(core.KindAuth, "credentials", "api_secret must be at least %d characters", minAPISecretLen)
	}
	return Credentials{key: apiKey, secret: apiSecret}, nil
}

// Key returns the API key for request headers. There is no accessor for
// the secret; only the Signer in this package reads it.
func (c Credentials) Key() string { return c.key }

func (c Credentials) Empty() bool { return c.key == "" && c.secret == "" }

func (c Credentials) String() string {
	return "Credentials(api_key=" + redact.Placeholder + ", api_secret=" + redact.Placeholder + ")"
}
