package safety

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestBreakerTripsWhenFailuresExceedLimit(t *testing.T) {
	b := NewBreaker(3, discardLogger())

	for i := 1; i <= 3; i++ {
		if err := b.Record(errors.New("dial failed")); err != nil {
			t.Fatalf("Record(failure %d) error = %v, want nil below threshold", i, err)
		}
	}
	if got := b.Failures(); got != 3 {
		t.Fatalf("Failures() = %d, want 3", got)
	}
	if b.Open() {
		t.Fatal("Open() = true at the threshold, want trip only past it")
	}

	tripErr := b.Record(errors.New("dial failed"))
	if !errors.Is(tripErr, ErrCircuitOpen) {
		t.Fatalf("Record(failure 4) error = %v, want ErrCircuitOpen", tripErr)
	}
	if !b.Open() {
		t.Fatal("Open() = false after trip")
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() error = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b := NewBreaker(3, discardLogger())

	if err := b.Record(errors.New("dial failed")); err != nil {
		t.Fatalf("Record(failure) error = %v", err)
	}
	if err := b.Record(nil); err != nil {
		t.Fatalf("Record(success) error = %v", err)
	}
	if got := b.Failures(); got != 0 {
		t.Fatalf("Failures() = %d after success, want 0", got)
	}

	// A fresh run of failures gets the full budget again.
	for i := 1; i <= 3; i++ {
		if err := b.Record(errors.New("dial failed")); err != nil {
			t.Fatalf("Record(failure %d) error = %v, want nil below threshold", i, err)
		}
	}
	if !errors.Is(b.Record(errors.New("dial failed")), ErrCircuitOpen) {
		t.Fatal("Record() past threshold should trip")
	}
}

func TestBreakerStaysOpenUntilReset(t *testing.T) {
	b := NewBreaker(1, discardLogger())

	if err := b.Record(errors.New("one")); err != nil {
		t.Fatalf("Record(first) error = %v", err)
	}
	if !errors.Is(b.Record(errors.New("two")), ErrCircuitOpen) {
		t.Fatal("Record(second) should trip")
	}

	if err := b.Record(nil); err != nil {
		t.Fatalf("Record(success) error = %v", err)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() error = %v, want open circuit to survive a late success", err)
	}

	b.Reset()
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() error = %v after Reset, want nil", err)
	}
	if got := b.Failures(); got != 0 {
		t.Fatalf("Failures() = %d after Reset, want 0", got)
	}
}

func TestBreakerZeroLimitNeverTrips(t *testing.T) {
	b := NewBreaker(0, discardLogger())
	for i := 0; i < 50; i++ {
		if err := b.Record(errors.New("dial failed")); err != nil {
			t.Fatalf("Record() error = %v with zero limit, want nil", err)
		}
	}
	if b.Open() {
		t.Fatal("Open() = true with zero limit")
	}
}

func TestKillSwitchTripsOnce(t *testing.T) {
	k := NewKillSwitch(discardLogger())

	if k.Tripped() {
		t.Fatal("Tripped() = true before any trip")
	}
	k.Trip("position limit breached")
	if !k.Tripped() {
		t.Fatal("Tripped() = false after trip")
	}
	if got := k.Reason(); got != "position limit breached" {
		t.Fatalf("Reason() = %q, want %q", got, "position limit breached")
	}

	k.Trip("second reason")
	if got := k.Reason(); got != "position limit breached" {
		t.Fatalf("Reason() = %q after second trip, want original reason kept", got)
	}
}

func TestKillSwitchResetClearsState(t *testing.T) {
	k := NewKillSwitch(discardLogger())
	k.Trip("manual stop")

	k.Reset()
	if k.Tripped() {
		t.Fatal("Tripped() = true after Reset")
	}
	if got := k.Reason(); got != "" {
		t.Fatalf("Reason() = %q after Reset, want empty", got)
	}
	if !k.TrippedAt().IsZero() {
		t.Fatalf("TrippedAt() = %v after Reset, want zero", k.TrippedAt())
	}

	k.Trip("tripped again")
	if !k.Tripped() {
		t.Fatal("Tripped() = false after re-trip")
	}
}

func TestKillSwitchRestoreKeepsTimestamp(t *testing.T) {
	k := NewKillSwitch(discardLogger())
	at := time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC)

	k.Restore("stream circuit open", at)
	if !k.Tripped() {
		t.Fatal("Tripped() = false after Restore")
	}
	if !k.TrippedAt().Equal(at) {
		t.Fatalf("TrippedAt() = %v, want %v", k.TrippedAt(), at)
	}

	// Restore never overwrites a live trip.
	k2 := NewKillSwitch(discardLogger())
	k2.Trip("live reason")
	k2.Restore("stale snapshot reason", at)
	if got := k2.Reason(); got != "live reason" {
		t.Fatalf("Reason() = %q, want %q", got, "live reason")
	}
}

func TestKillSwitchNilIsSafe(t *testing.T) {
	var k *KillSwitch
	k.Trip("ignored")
	k.Restore("ignored", time.Time{})
	k.Reset()
	if k.Tripped() {
		t.Fatal("Tripped() = true on nil switch")
	}
	if got := k.Reason(); got != "" {
		t.Fatalf("Reason() = %q on nil switch, want empty", got)
	}
}
