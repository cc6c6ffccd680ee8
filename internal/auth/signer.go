package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

// Request signing header set. The signature proves possession of the API
// secret over the exact bytes transmitted; nonce and timestamp make every
// attempt unique on the wire.
const (
	HeaderAPIKey    = "X-API-KEY"
	HeaderNonce     = "X-API-NONCE"
	HeaderTimestamp = "X-API-TIMESTAMP"
	HeaderSignature = "X-API-SIGN"
)

// SignedRequest is the immutable authentication material for exactly one
// transmission attempt. Retries must build a new one: nonces are
// single-use replay tokens.
type SignedRequest struct {
	Method    string
	URL       string
	Body      string
	Nonce     string
	Timestamp time.Time
	Signature string
	Headers   http.Header
}

type Signer struct {
	creds Credentials
	clock Clock
}

func NewSigner(creds Credentials, clock Clock) *Signer {
	if clock == nil {
		clock = NewClock()
	}
	return &Signer{creds: creds, clock: clock}
}

func (s *Signer) Key() string { return s.creds.Key() }

// Sign computes the lowercase hex HMAC-SHA256 of message under the API
// secret. Deterministic for identical inputs.
func (s *Signer) Sign(message string) string {
	mac := hmac.New(sha256.New, []byte(s.creds.secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest derives the header set for one REST attempt. The canonical
// message is api_key + full URL + body + nonce + millisecond timestamp.
func (s *Signer) SignRequest(method, fullURL, body string) (SignedRequest, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return SignedRequest{}, err
	}
	ts := s.clock.Now()
	tsMillis := strconv.FormatInt(ts.UnixMilli(), 10)
	signature := s.Sign(s.creds.key + fullURL + body + nonce + tsMillis)

	headers := make(http.Header, 4)
	headers.Set(HeaderAPIKey, s.creds.key)
	headers.Set(HeaderNonce, nonce)
	headers.Set(HeaderTimestamp, tsMillis)
	headers.Set(HeaderSignature, signature)

	return SignedRequest{
		Method:    method,
		URL:       fullURL,
		Body:      body,
		Nonce:     nonce,
		Timestamp: ts,
		Signature: signature,
		Headers:   headers,
	}, nil
}

// AuthFrame is the login payload for the WebSocket session, signed over
// api_key + nonce + millisecond timestamp.
type AuthFrame struct {
	Key       string `json:"key"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

func (s *Signer) NewAuthFrame() (AuthFrame, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return AuthFrame{}, err
	}
	tsMillis := s.clock.Now().UnixMilli()
	signature := s.Sign(s.creds.key + nonce + strconv.FormatInt(tsMillis, 10))
	return AuthFrame{
		Key:       s.creds.key,
		Nonce:     nonce,
		Timestamp: tsMillis,
		Signature: signature,
	}, nil
}
