package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"nonkyc-bot/internal/alert"
	"nonkyc-bot/internal/core"
	"nonkyc-bot/internal/exchange"
	"nonkyc-bot/internal/store"
	"nonkyc-bot/internal/strategy"
)

// Runner drives one trading instance end to end: restore the previous
// snapshot, seed balances from the exchange, pump stream events into the
// engine, persist snapshots on an interval and at shutdown. A terminal
// stream failure trips the kill switch before the runner returns.
type Runner struct {
	Engine   *Engine
	Exchange exchange.Exchange
	Store    *store.Store
	Strategy strategy.Strategy
	Alerts   alert.Alerter
	Log      logrus.FieldLogger

	Symbol        string
	SnapshotEvery time.Duration

	// ConfigMap is embedded in every snapshot; the store strips
	// sensitive keys on save.
	ConfigMap map[string]any
}

func (r *Runner) Run(ctx context.Context) error {
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	r.restoreSnapshot(log)

	if info, err := r.Exchange.Market(ctx, r.Symbol); err != nil {
		log.WithFields(logrus.Fields{"symbol": r.Symbol, "error": err.Error()}).
			Warn("market metadata unavailable, intents will not be quantized")
	} else {
		r.Engine.SetMarket(info)
	}

	balances, err := r.Exchange.Balances(ctx)
	if err != nil {
		return fmt.Errorf("seed balances: %w", err)
	}
	r.Engine.SetBalances(balances)
	log.WithFields(logrus.Fields{"assets": len(balances)}).Info("balances seeded from exchange")

	// From here on every exit path leaves a final snapshot behind.
	defer r.saveSnapshot(log)

	var snapshotTick <-chan time.Time
	if r.SnapshotEvery > 0 {
		ticker := time.NewTicker(r.SnapshotEvery)
		defer ticker.Stop()
		snapshotTick = ticker.C
	}

	events := r.Exchange.Events()
	disconnected := false
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				log.Info("event stream closed, runner stopping")
				return nil
			}
			stop, err := r.handleEvent(ctx, ev, &disconnected, log)
			if err != nil || stop {
				return err
			}
		case <-snapshotTick:
			r.saveSnapshot(log)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) handleEvent(ctx context.Context, ev core.StreamEvent, disconnected *bool, log logrus.FieldLogger) (bool, error) {
	switch ev.Type {
	case core.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("stream reported a terminal failure")
		}
		r.Engine.TripKillSwitch("stream circuit open")
		r.alertImportant("stream_circuit_open", map[string]string{
			"reason": err.Error(),
			"action": "kill_switch_tripped",
		})
		return false, err
	case core.EventDisconnected:
		if !*disconnected {
			*disconnected = true
			r.alertImportant("stream_disconnected", map[string]string{"reason": ev.Reason})
		}
		return false, nil
	case core.EventOrder, core.EventBalance:
		if *disconnected {
			*disconnected = false
			r.alertImportant("stream_recovered", nil)
		}
		r.Engine.Apply(ev)
		if r.Strategy != nil {
			if err := r.Strategy.OnEvent(ctx, ev); err != nil {
				if errors.Is(err, strategy.ErrStopped) {
					log.WithFields(logrus.Fields{"strategy": r.Strategy.Name()}).Info("strategy requested stop")
					return true, nil
				}
				r.alertImportant("strategy_failed", map[string]string{
					"strategy": r.Strategy.Name(),
					"error":    err.Error(),
				})
				return false, fmt.Errorf("strategy %s: %w", r.Strategy.Name(), err)
			}
		}
		return false, nil
	default:
		log.WithFields(logrus.Fields{"type": string(ev.Type)}).Debug("unhandled stream event type")
		return false, nil
	}
}

// restoreSnapshot is best-effort: a missing snapshot is a fresh start
// and an unreadable one is alerted but never blocks startup, since the
// exchange remains the authority on balances and open orders.
func (r *Runner) restoreSnapshot(log logrus.FieldLogger) {
	if r.Store == nil {
		return
	}
	snap, ok, err := r.Store.Load()
	if err != nil {
		log.WithFields(logrus.Fields{"error": err.Error()}).Error("snapshot load failed, starting from live state only")
		r.alertImportant("snapshot_load_failed", map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		log.Info("no previous snapshot, starting fresh")
		return
	}
	r.Engine.Restore(snap)
}

func (r *Runner) saveSnapshot(log logrus.FieldLogger) {
	if r.Store == nil {
		return
	}
	snap := r.Engine.Snapshot()
	snap.Config = r.ConfigMap
	if err := r.Store.Save(snap); err != nil {
		log.WithFields(logrus.Fields{"error": err.Error()}).Error("snapshot save failed, state is in memory only")
		r.alertImportant("snapshot_save_failed", map[string]string{"error": err.Error()})
	}
}

func (r *Runner) alertImportant(event string, fields map[string]string) {
	if r.Alerts == nil {
		return
	}
	r.Alerts.Important(event, fields)
}
