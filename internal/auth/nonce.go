package auth

import (
	"crypto/rand"

	"nonkyc-bot/internal/core"
)

// NonceLength is fixed by the signing scheme; the exchange rejects reused
// nonces, so every signed request draws a fresh one.
const NonceLength = 14

const nonceAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateNonce returns a single-use replay token. It draws from
// crypto/rand: a statistical PRNG here would make nonces predictable and
// defeat replay protection. Backoff jitter is the only place a weak
// source is acceptable.
func GenerateNonce() (string, error) {
	buf := make([]byte, NonceLength)
	if _, err := rand.Read(buf); err != nil {
		return "", core.WrapError(core.KindAuth, "generate nonce", err)
	}
	out := make([]byte, NonceLength)
	for i, b := range buf {
		out[i] = nonceAlphabet[int(b)%len(nonceAlphabet)]
	}
	return string(out), nil
}
