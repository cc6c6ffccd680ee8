package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventOrder        EventType = "order"
	EventBalance      EventType = "balance"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
)

// OrderUpdate is an execution report from the exchange. FillQty is the
// incremental quantity executed by this report, zero for pure status
// changes (ack, cancel).
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Status          OrderStatus
	Price           decimal.Decimal
	FillQty         decimal.Decimal
	FillPrice       decimal.Decimal
	Time            time.Time
}

type BalanceUpdate struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// StreamEvent is the single event shape the WebSocket session emits and
// the engine consumes. Exactly one payload field is set per Type; an
// EventError event is terminal for the session that produced it.
type StreamEvent struct {
	Type    EventType
	Order   *OrderUpdate
	Balance *BalanceUpdate
	Reason  string
	Err     error
	Time    time.Time
}

func OrderEvent(u OrderUpdate) StreamEvent {
	return StreamEvent{Type: EventOrder, Order: &u, Time: u.Time}
}

func BalanceEvent(b BalanceUpdate) StreamEvent {
	return StreamEvent{Type: EventBalance, Balance: &b, Time: time.Now().UTC()}
}

func DisconnectedEvent(reason string) StreamEvent {
	return StreamEvent{Type: EventDisconnected, Reason: reason, Time: time.Now().UTC()}
}

func ErrorEvent(err error) StreamEvent {
	return StreamEvent{Type: EventError, Err: err, Time: time.Now().UTC()}
}
