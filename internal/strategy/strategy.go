// Package strategy is the seam between the trading engine and decision
// logic. Strategies observe the event stream and submit intents through
// the engine; they never mutate engine state directly.
package strategy

import (
	"context"
	"errors"

	"nonkyc-bot/internal/core"
)

// ErrStopped tells the runner to shut down cleanly, state intact,
// instead of treating the return as a failure.
var ErrStopped = errors.New("strategy stopped")

type Strategy interface {
	Name() string
	OnEvent(ctx context.Context, ev core.StreamEvent) error
}

// Manual is the placeholder for operator-driven trading: it watches the
// stream and decides nothing.
type Manual struct{}

func (Manual) Name() string { return "manual" }

func (Manual) OnEvent(context.Context, core.StreamEvent) error { return nil }
