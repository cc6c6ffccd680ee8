// Package exchange defines the trading surface the engine consumes and
// the facade that binds the REST client and websocket session into it.
package exchange

import (
	"context"
	"errors"
	"sync"

	"nonkyc-bot/internal/core"
	"nonkyc-bot/internal/exchange/nonkyc"
)

type Exchange interface {
	Name() string
	Markets(ctx context.Context) ([]core.MarketInfo, error)
	Market(ctx context.Context, symbol string) (core.MarketInfo, error)
	Balances(ctx context.Context) ([]core.Balance, error)
	PlaceOrder(ctx context.Context, intent core.OrderIntent, clientOrderID string) (core.Order, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	GetOrder(ctx context.Context, exchangeOrderID string) (core.Order, error)
	Events() <-chan core.StreamEvent
	Close() error
}

// Facade routes request/response calls to the REST client and streaming
// to the websocket session. It owns the session lifecycle: Start spawns
// the run loop, Close tears it down and waits for it to finish.
type Facade struct {
	client  *nonkyc.Client
	session *nonkyc.Session

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

var _ Exchange = (*Facade)(nil)

func NewFacade(client *nonkyc.Client, session *nonkyc.Session) *Facade {
	return &Facade{client: client, session: session}
}

// Start launches the session run loop. It is a no-op if the facade was
// already started.
func (f *Facade) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	done := f.done
	go func() {
		defer close(done)
		err := f.session.Run(runCtx)
		f.mu.Lock()
		f.runErr = err
		f.mu.Unlock()
	}()
}

func (f *Facade) Name() string { return f.client.Name() }

func (f *Facade) Markets(ctx context.Context) ([]core.MarketInfo, error) {
	return f.client.Markets(ctx)
}

func (f *Facade) Market(ctx context.Context, symbol string) (core.MarketInfo, error) {
	return f.client.Market(ctx, symbol)
}

func (f *Facade) Balances(ctx context.Context) ([]core.Balance, error) {
	return f.client.Balances(ctx)
}

func (f *Facade) PlaceOrder(ctx context.Context, intent core.OrderIntent, clientOrderID string) (core.Order, error) {
	return f.client.PlaceOrder(ctx, intent, clientOrderID)
}

func (f *Facade) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	return f.client.CancelOrder(ctx, exchangeOrderID)
}

func (f *Facade) GetOrder(ctx context.Context, exchangeOrderID string) (core.Order, error) {
	return f.client.GetOrder(ctx, exchangeOrderID)
}

func (f *Facade) Events() <-chan core.StreamEvent { return f.session.Events() }

// Close stops the session and waits for its run loop to exit. It
// returns the loop's failure, if any; shutdown-induced exits count as
// clean.
func (f *Facade) Close() error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()

	_ = f.session.Close()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	f.mu.Lock()
	err := f.runErr
	f.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
