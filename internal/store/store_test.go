package store

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"nonkyc-bot/internal/core"
	"nonkyc-bot/internal/redact"
)

func discardLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestStore(t *testing.T, keys redact.KeySet) *Store {
	t.Helper()
	s, err := New(t.TempDir(), keys, discardLog())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func sampleSnapshot() core.EngineSnapshot {
	trippedAt := time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC)
	return core.EngineSnapshot{
		Config: map[string]any{
			"symbol":     "BTC_USDT",
			"api_key":    "k-123",
			"api_secret": "s-456",
			"exchange": map[string]any{
				"base_url": "https://api.example.com",
				"secret":   "nested",
			},
		},
		Orders: []core.Order{
			{
				ClientOrderID:   "bot1-aaa",
				ExchangeOrderID: "exch-1",
				Symbol:          "BTC_USDT",
				Side:            core.Buy,
				Type:            core.Limit,
				Price:           decimal.RequireFromString("50000"),
				Qty:             decimal.RequireFromString("0.5"),
				FilledQty:       decimal.RequireFromString("0.2"),
				Status:          core.OrderPartiallyFilled,
				CreatedAt:       time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC),
				UpdatedAt:       time.Date(2025, 11, 3, 9, 15, 0, 0, time.UTC),
			},
			{
				ClientOrderID: "bot1-bbb",
				Symbol:        "BTC_USDT",
				Side:          core.Sell,
				Type:          core.Limit,
				Price:         decimal.RequireFromString("51000"),
				Qty:           decimal.RequireFromString("0.1"),
				FilledQty:     decimal.RequireFromString("0.1"),
				Status:        core.OrderFilled,
				CreatedAt:     time.Date(2025, 11, 3, 9, 5, 0, 0, time.UTC),
				UpdatedAt:     time.Date(2025, 11, 3, 9, 20, 0, 0, time.UTC),
			},
		},
		Balances: []core.Balance{
			{Asset: "BTC", Free: decimal.RequireFromString("1.5"), Locked: decimal.RequireFromString("0.3")},
			{Asset: "USDT", Free: decimal.RequireFromString("10000"), Locked: decimal.RequireFromString("25000")},
		},
		KillSwitch: core.KillSwitchState{Tripped: true, Reason: "stream circuit open", At: &trippedAt},
		Timestamp:  time.Date(2025, 11, 3, 9, 30, 5, 0, time.UTC),
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	in := sampleSnapshot()

	if err := s.Save(in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	out, ok, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ok {
		t.Fatalf("Load() ok = false, want true")
	}

	if len(out.Orders) != 2 {
		t.Fatalf("Load() orders = %d, want 2", len(out.Orders))
	}
	o := out.Orders[0]
	if o.ClientOrderID != "bot1-aaa" || o.ExchangeOrderID != "exch-1" || o.Status != core.OrderPartiallyFilled {
		t.Fatalf("Load() order[0] = %+v", o)
	}
	if !o.Price.Equal(decimal.RequireFromString("50000")) || !o.FilledQty.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("order[0] price/filled = %s/%s", o.Price, o.FilledQty)
	}
	if len(out.Balances) != 2 || out.Balances[1].Asset != "USDT" || !out.Balances[1].Locked.Equal(decimal.RequireFromString("25000")) {
		t.Fatalf("Load() balances = %+v", out.Balances)
	}
	if !out.KillSwitch.Tripped || out.KillSwitch.Reason != "stream circuit open" {
		t.Fatalf("Load() kill switch = %+v", out.KillSwitch)
	}
	if out.KillSwitch.At == nil || !out.KillSwitch.At.Equal(*in.KillSwitch.At) {
		t.Fatalf("Load() kill switch at = %v, want %v", out.KillSwitch.At, in.KillSwitch.At)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("Load() timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
}

func TestStoreSaveStripsSensitiveConfigKeys(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.Save(sampleSnapshot()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	out, _, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, present := out.Config["api_key"]; present {
		t.Fatalf("api_key survived save, config = %v", out.Config)
	}
	if _, present := out.Config["api_secret"]; present {
		t.Fatalf("api_secret survived save, config = %v", out.Config)
	}
	if out.Config["symbol"] != "BTC_USDT" {
		t.Fatalf("symbol = %v, want BTC_USDT", out.Config["symbol"])
	}
	nested, ok := out.Config["exchange"].(map[string]any)
	if !ok {
		t.Fatalf("exchange section missing, config = %v", out.Config)
	}
	if _, present := nested["secret"]; present {
		t.Fatalf("nested secret survived save, exchange = %v", nested)
	}
	if nested["base_url"] != "https://api.example.com" {
		t.Fatalf("base_url = %v", nested["base_url"])
	}
}

func TestStoreSaveStripsInjectedKeys(t *testing.T) {
	s := newTestStore(t, redact.DefaultKeySet().With("telegram_token"))
	snap := sampleSnapshot()
	snap.Config["telegram_token"] = "123:abc"

	if err := s.Save(snap); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	out, _, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, present := out.Config["telegram_token"]; present {
		t.Fatalf("telegram_token survived save, config = %v", out.Config)
	}
	if _, present := out.Config["api_key"]; present {
		t.Fatalf("default keys lost when extending the set, config = %v", out.Config)
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	s := newTestStore(t, nil)
	_, ok, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok {
		t.Fatalf("Load() ok = true, want false")
	}
}

func TestStoreLoadCorruptFile(t *testing.T) {
	s := newTestStore(t, nil)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	_, _, err := s.Load()
	if err == nil {
		t.Fatalf("Load() error = nil, want corrupt-file error")
	}
	if core.KindOf(err) != core.KindStateStore {
		t.Fatalf("KindOf(err) = %v, want KindStateStore", core.KindOf(err))
	}
}

func TestStoreSaveLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t, nil)
	for i := 0; i < 3; i++ {
		if err := s.Save(sampleSnapshot()); err != nil {
			t.Fatalf("Save() #%d error = %v", i, err)
		}
	}
	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(s.Path()), "tmp-*"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestStoreSaveDefaultsTimestamp(t *testing.T) {
	s := newTestStore(t, nil)
	snap := sampleSnapshot()
	snap.Timestamp = time.Time{}

	if err := s.Save(snap); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	out, _, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if out.Timestamp.IsZero() {
		t.Fatalf("Load() timestamp is zero, want defaulted save time")
	}
}
