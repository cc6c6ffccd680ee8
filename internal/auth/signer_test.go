package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testCredentials(t *testing.T) Credentials {
	t.Helper()
	creds, err := NewCredentials("test-api-key-0001", "test-api-secret-00000001")
	if err != nil {
		t.Fatalf("NewCredentials() error = %v", err)
	}
	return creds
}

func TestSignMatchesReferenceHMAC(t *testing.T) {
	creds := testCredentials(t)
	s := NewSigner(creds, nil)

	message := "test-api-key-0001https://api.nonkyc.io/api/v2/balances"

	mac := hmac.New(sha256.New, []byte("test-api-secret-00000001"))
	mac.Write([]byte(message))
	want := hex.EncodeToString(mac.Sum(nil))

	got := s.Sign(message)
	if got != want {
		t.Fatalf("Sign() = %q, want %q", got, want)
	}
	if again := s.Sign(message); again != got {
		t.Fatalf("Sign() not deterministic: %q then %q", got, again)
	}
}

func TestSignRequestCanonicalMessage(t *testing.T) {
	creds := testCredentials(t)
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	s := NewSigner(creds, fixedClock{t: now})

	req, err := s.SignRequest("POST", "https://api.nonkyc.io/api/v2/createorder", `{"symbol":"BTC/USDT"}`)
	if err != nil {
		t.Fatalf("SignRequest() error = %v", err)
	}

	tsMillis := strconv.FormatInt(now.UnixMilli(), 10)
	message := creds.Key() + req.URL + req.Body + req.Nonce + tsMillis

	mac := hmac.New(sha256.New, []byte("test-api-secret-00000001"))
	mac.Write([]byte(message))
	want := hex.EncodeToString(mac.Sum(nil))

	if req.Signature != want {
		t.Fatalf("SignRequest() signature = %q, want %q", req.Signature, want)
	}
	if got := req.Headers.Get(HeaderSignature); got != want {
		t.Fatalf("header %s = %q, want %q", HeaderSignature, got, want)
	}
	if got := req.Headers.Get(HeaderAPIKey); got != creds.Key() {
		t.Fatalf("header %s = %q, want %q", HeaderAPIKey, got, creds.Key())
	}
	if got := req.Headers.Get(HeaderNonce); got != req.Nonce {
		t.Fatalf("header %s = %q, want %q", HeaderNonce, got, req.Nonce)
	}
	if got := req.Headers.Get(HeaderTimestamp); got != tsMillis {
		t.Fatalf("header %s = %q, want %q", HeaderTimestamp, got, tsMillis)
	}
	if !req.Timestamp.Equal(now) {
		t.Fatalf("SignRequest() timestamp = %v, want %v", req.Timestamp, now)
	}
}

func TestSignRequestFreshNoncePerAttempt(t *testing.T) {
	s := NewSigner(testCredentials(t), nil)

	first, err := s.SignRequest("GET", "https://api.nonkyc.io/api/v2/balances", "")
	if err != nil {
		t.Fatalf("SignRequest() error = %v", err)
	}
	second, err := s.SignRequest("GET", "https://api.nonkyc.io/api/v2/balances", "")
	if err != nil {
		t.Fatalf("SignRequest() error = %v", err)
	}

	if first.Nonce == second.Nonce {
		t.Fatalf("nonce reused across attempts: %q", first.Nonce)
	}
	if first.Signature == second.Signature {
		t.Fatalf("signature reused across attempts: %q", first.Signature)
	}
}

func TestNewAuthFrame(t *testing.T) {
	creds := testCredentials(t)
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	s := NewSigner(creds, fixedClock{t: now})

	frame, err := s.NewAuthFrame()
	if err != nil {
		t.Fatalf("NewAuthFrame() error = %v", err)
	}
	if frame.Key != creds.Key() {
		t.Fatalf("AuthFrame key = %q, want %q", frame.Key, creds.Key())
	}
	if frame.Timestamp != now.UnixMilli() {
		t.Fatalf("AuthFrame timestamp = %d, want %d", frame.Timestamp, now.UnixMilli())
	}
	if len(frame.Nonce) != NonceLength {
		t.Fatalf("AuthFrame nonce length = %d, want %d", len(frame.Nonce), NonceLength)
	}

	message := creds.Key() + frame.Nonce + strconv.FormatInt(frame.Timestamp, 10)
	mac := hmac.New(sha256.New, []byte("test-api-secret-00000001"))
	mac.Write([]byte(message))
	if want := hex.EncodeToString(mac.Sum(nil)); frame.Signature != want {
		t.Fatalf("AuthFrame signature = %q, want %q", frame.Signature, want)
	}
}
