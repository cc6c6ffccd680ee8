package nonkyc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nonkyc-bot/internal/core"
)

// Sentinels for exchange refusals callers branch on.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidNonce      = errors.New("invalid or reused nonce")
)

var apiMessageSentinels = map[string]error{
	"insufficient funds":   ErrInsufficientFunds,
	"insufficient balance": ErrInsufficientFunds,
	"order not found":      ErrOrderNotFound,
	"unknown order":        ErrOrderNotFound,
	"invalid nonce":        ErrInvalidNonce,
	"nonce already used":   ErrInvalidNonce,
}

func apiSentinel(msg string) error {
	normalized := strings.ToLower(strings.TrimSpace(msg))
	for fragment, sentinel := range apiMessageSentinels {
		if strings.Contains(normalized, fragment) {
			return sentinel
		}
	}
	return nil
}

// classifyHTTPError maps a non-2xx response onto the shared taxonomy:
// 401/403 and nonce rejections are fatal auth failures, 429 is a rate
// limit carrying any server-supplied delay, 5xx is transient, and the
// remaining 4xx are rejections no retry can fix.
func classifyHTTPError(op string, status int, header http.Header, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}

	kind := core.KindRejected
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = core.KindAuth
	case status == http.StatusTooManyRequests:
		kind = core.KindRateLimit
	case status >= 500:
		kind = core.KindTransient
	}

	apiErr := &core.Error{Kind: kind, Op: op, Status: status, Msg: msg}
	if kind == core.KindRateLimit {
		apiErr.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}
	if sentinel := apiSentinel(msg); sentinel != nil {
		if sentinel == ErrInvalidNonce {
			apiErr.Kind = core.KindAuth
		}
		apiErr.Err = sentinel
	}
	return apiErr
}

// parseRetryAfter accepts the delta-seconds and HTTP-date forms of the
// Retry-After header. Zero means the server supplied nothing usable.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
