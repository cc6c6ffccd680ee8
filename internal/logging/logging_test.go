package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLevelFallback(t *testing.T) {
	log := New(Options{Level: "not-a-level"})
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("GetLevel() = %v, want %v", log.GetLevel(), logrus.InfoLevel)
	}

	log = New(Options{Level: "debug"})
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("GetLevel() = %v, want %v", log.GetLevel(), logrus.DebugLevel)
	}
}

func TestRedactHookMasksSensitiveFields(t *testing.T) {
	log := New(Options{Level: "debug"})
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithFields(logrus.Fields{
		"api_key":   "live-key-material",
		"signature": "deadbeef00",
		"symbol":    "BTC/USDT",
	}).Info("signing request")

	out := buf.String()
	if strings.Contains(out, "live-key-material") || strings.Contains(out, "deadbeef00") {
		t.Fatalf("log output leaks sensitive values: %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("log output missing redaction placeholder: %q", out)
	}
	if !strings.Contains(out, "BTC/USDT") {
		t.Fatalf("log output dropped non-sensitive field: %q", out)
	}
}

func TestRedactHookScrubsMessageText(t *testing.T) {
	log := New(Options{Level: "debug"})
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithField("error", "401 unauthorized: api_key=k-live-material").
		Info("request failed: signature=deadbeef00")

	out := buf.String()
	if strings.Contains(out, "k-live-material") || strings.Contains(out, "deadbeef00") {
		t.Fatalf("log output leaks credential text: %q", out)
	}
	if !strings.Contains(out, "request failed") {
		t.Fatalf("log output lost message text: %q", out)
	}
}

func TestNewWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "logs", "bot.log")

	log := New(Options{Level: "info", File: file})
	log.Info("startup complete")

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("ReadFile(%q) error = %v", file, err)
	}
	if !strings.Contains(string(data), "startup complete") {
		t.Fatalf("log file missing entry: %q", string(data))
	}
}
