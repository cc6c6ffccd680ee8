package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"nonkyc-bot/internal/core"
	"nonkyc-bot/internal/safety"
)

// The exchange caps client-supplied order ids; generated ids are
// truncated to fit.
const maxClientOrderIDLen = 32

// Transport is the slice of the exchange surface the engine submits
// through. The engine mutex is never held across these calls.
type Transport interface {
	PlaceOrder(ctx context.Context, intent core.OrderIntent, clientOrderID string) (core.Order, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
}

// Engine owns all order and balance state for one trading instance.
// Mutation happens only through Submit, Cancel and Apply, each of which
// serializes on the engine mutex; callers outside the engine read
// copies. Transport calls run with the mutex released, so stream events
// for an order may arrive before its placement call returns.
type Engine struct {
	symbol   string
	instance string
	limits   core.RiskLimits
	now      func() time.Time
	newID    func() string

	transport Transport
	kill      *safety.KillSwitch
	log       logrus.FieldLogger

	mu         sync.Mutex
	market     *core.MarketInfo
	orders     map[string]*core.Order
	byExchange map[string]string
	balances   map[string]core.Balance
	anomalies  int
}

func New(symbol, instanceID string, limits core.RiskLimits, transport Transport, kill *safety.KillSwitch, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if kill == nil {
		kill = safety.NewKillSwitch(log)
	}
	if instanceID == "" {
		instanceID = "default"
	}
	return &Engine{
		symbol:     symbol,
		instance:   instanceID,
		limits:     limits,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return newClientOrderID(instanceID) },
		transport:  transport,
		kill:       kill,
		log:        log,
		orders:     make(map[string]*core.Order),
		byExchange: make(map[string]string),
		balances:   make(map[string]core.Balance),
	}
}

func newClientOrderID(instance string) string {
	id := instance + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > maxClientOrderIDLen {
		id = id[:maxClientOrderIDLen]
	}
	return id
}

// SetMarket installs trading rules used to quantize and validate
// intents before the risk checks.
func (e *Engine) SetMarket(market core.MarketInfo) {
	e.mu.Lock()
	e.market = &market
	e.mu.Unlock()
}

// SetBalances replaces all tracked balances with the exchange's view.
func (e *Engine) SetBalances(balances []core.Balance) {
	e.mu.Lock()
	e.balances = make(map[string]core.Balance, len(balances))
	for _, b := range balances {
		e.balances[b.Asset] = b
	}
	e.mu.Unlock()
}

// Submit risk-checks the intent, reserves balance, places the order and
// returns the tracked copy. Risk failures are KindRisk and leave
// balances untouched. A transport failure rejects the order and releases
// the reservation in one step, unless a stream event proved the order
// live in the meantime.
func (e *Engine) Submit(ctx context.Context, intent core.OrderIntent) (core.Order, error) {
	if intent.Symbol == "" {
		intent.Symbol = e.symbol
	}
	if intent.Symbol != e.symbol {
		return core.Order{}, core.Errorf(core.KindRisk, "submit", "symbol %s not traded by this instance (%s)", intent.Symbol, e.symbol)
	}
	if intent.Side != core.Buy && intent.Side != core.Sell {
		return core.Order{}, core.Errorf(core.KindRisk, "submit", "invalid side %q", intent.Side)
	}
	if intent.Type == "" {
		intent.Type = core.Limit
	}

	e.mu.Lock()
	ord, reserveAsset, reserveAmount, err := e.admitLocked(intent)
	if err != nil {
		e.mu.Unlock()
		return core.Order{}, err
	}
	placed := *ord
	e.mu.Unlock()

	result, placeErr := e.transport.PlaceOrder(ctx, core.OrderIntent{
		Symbol: placed.Symbol,
		Side:   placed.Side,
		Type:   placed.Type,
		Price:  placed.Price,
		Qty:    placed.Qty,
	}, placed.ClientOrderID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if placeErr != nil {
		// A stream ack may have beaten the failing REST response; only
		// reverse orders the exchange never acknowledged.
		if ord.Status == core.OrderPending && ord.ExchangeOrderID == "" {
			e.releaseLocked(reserveAsset, reserveAmount)
			ord.Status = core.OrderRejected
			ord.UpdatedAt = e.now()
		}
		return *ord, placeErr
	}

	if result.ExchangeOrderID != "" && ord.ExchangeOrderID == "" {
		ord.ExchangeOrderID = result.ExchangeOrderID
		e.byExchange[result.ExchangeOrderID] = ord.ClientOrderID
	}
	if result.Status != "" {
		if result.Status.Terminal() {
			e.finishLocked(ord, result.Status, result.UpdatedAt)
		} else {
			e.advanceLocked(ord, result.Status, result.UpdatedAt)
		}
	}
	return *ord, nil
}

// admitLocked runs every risk gate, reserves balance and registers the
// order. It reports what was reserved so a failed placement can undo it.
func (e *Engine) admitLocked(intent core.OrderIntent) (*core.Order, string, decimal.Decimal, error) {
	if e.kill.Tripped() {
		return nil, "", decimal.Zero, core.Errorf(core.KindRisk, "submit", "kill switch active: %s", e.kill.Reason())
	}

	if e.market != nil {
		normalized, err := e.market.NormalizeIntent(intent)
		if err != nil {
			return nil, "", decimal.Zero, core.WrapError(core.KindRisk, "submit", err)
		}
		intent = normalized
	}
	if !intent.Qty.IsPositive() {
		return nil, "", decimal.Zero, core.Errorf(core.KindRisk, "submit", "quantity must be positive")
	}
	if !intent.Price.IsPositive() {
		return nil, "", decimal.Zero, core.Errorf(core.KindRisk, "submit", "price required for risk evaluation")
	}

	if e.limits.MaxOpenOrders > 0 && e.openCountLocked() >= e.limits.MaxOpenOrders {
		return nil, "", decimal.Zero, core.Errorf(core.KindRisk, "submit", "open order limit %d reached", e.limits.MaxOpenOrders)
	}
	if e.limits.MinOrderQty.IsPositive() && intent.Qty.Cmp(e.limits.MinOrderQty) < 0 {
		return nil, "", decimal.Zero, core.Errorf(core.KindRisk, "submit", "quantity %s below minimum %s", intent.Qty, e.limits.MinOrderQty)
	}
	value := intent.Price.Mul(intent.Qty)
	if e.limits.MaxOrderValue.IsPositive() && value.Cmp(e.limits.MaxOrderValue) > 0 {
		return nil, "", decimal.Zero, core.Errorf(core.KindRisk, "submit", "order value %s exceeds limit %s", value, e.limits.MaxOrderValue)
	}
	if intent.Side == core.Buy && e.limits.MaxPosition.IsPositive() {
		projected := e.projectedPositionLocked().Add(intent.Qty)
		if projected.Cmp(e.limits.MaxPosition) > 0 {
			return nil, "", decimal.Zero, core.Errorf(core.KindRisk, "submit", "projected position %s exceeds limit %s", projected, e.limits.MaxPosition)
		}
	}

	asset, amount := e.reservationFor(intent)
	bal := e.balances[asset]
	if bal.Free.Cmp(amount) < 0 {
		return nil, "", decimal.Zero, core.Errorf(core.KindRisk, "submit", "insufficient free %s: have %s, need %s", asset, bal.Free, amount)
	}
	bal.Free = bal.Free.Sub(amount)
	bal.Locked = bal.Locked.Add(amount)
	e.balances[asset] = bal

	now := e.now()
	ord := &core.Order{
		ClientOrderID: e.newID(),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Price:         intent.Price,
		Qty:           intent.Qty,
		Status:        core.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.orders[ord.ClientOrderID] = ord
	return ord, asset, amount, nil
}

// Cancel is idempotent: terminal orders return success without a
// transport call. On transport success the order is settled locally;
// the exchange's own cancel report then arrives as a no-op.
func (e *Engine) Cancel(ctx context.Context, clientOrderID string) error {
	e.mu.Lock()
	ord, ok := e.orders[clientOrderID]
	if !ok {
		e.mu.Unlock()
		return core.Errorf(core.KindRejected, "cancel", "unknown order %q", clientOrderID)
	}
	if ord.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	exchangeID := ord.ExchangeOrderID
	e.mu.Unlock()

	if exchangeID == "" {
		return core.Errorf(core.KindTransient, "cancel", "order %s has no exchange id yet", clientOrderID)
	}
	if err := e.transport.CancelOrder(ctx, exchangeID); err != nil {
		return err
	}

	e.mu.Lock()
	e.finishLocked(ord, core.OrderCancelled, e.now())
	e.mu.Unlock()
	return nil
}

// Apply folds one stream event into engine state. It never fails:
// malformed or contradictory updates are protocol anomalies, logged and
// discarded so duplicate or late events cannot corrupt settled state.
func (e *Engine) Apply(ev core.StreamEvent) {
	switch ev.Type {
	case core.EventOrder:
		if ev.Order != nil {
			e.applyOrderUpdate(*ev.Order)
		}
	case core.EventBalance:
		if ev.Balance != nil {
			e.applyBalanceUpdate(*ev.Balance)
		}
	}
}

func (e *Engine) applyBalanceUpdate(u core.BalanceUpdate) {
	e.mu.Lock()
	// The exchange is authoritative; overwrite whatever we derived.
	e.balances[u.Asset] = core.Balance{Asset: u.Asset, Free: u.Free, Locked: u.Locked}
	e.mu.Unlock()
}

func (e *Engine) applyOrderUpdate(u core.OrderUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ord := e.lookupLocked(u)
	if ord == nil {
		e.anomalyLocked(u, "update for unknown order")
		return
	}
	if u.ExchangeOrderID != "" && ord.ExchangeOrderID == "" {
		ord.ExchangeOrderID = u.ExchangeOrderID
		e.byExchange[u.ExchangeOrderID] = ord.ClientOrderID
	}

	if ord.Status.Terminal() {
		if u.FillQty.IsPositive() || (u.Status != "" && u.Status != ord.Status) {
			e.anomalyLocked(u, "update for settled order")
		}
		return
	}

	if u.FillQty.IsPositive() {
		if ord.FilledQty.Add(u.FillQty).Cmp(ord.Qty) > 0 {
			e.anomalyLocked(u, "fill overflows order quantity")
			return
		}
		e.settleFillLocked(ord, u)
		ord.FilledQty = ord.FilledQty.Add(u.FillQty)
		if ord.FilledQty.Equal(ord.Qty) {
			e.finishLocked(ord, core.OrderFilled, u.Time)
		} else {
			e.advanceLocked(ord, core.OrderPartiallyFilled, u.Time)
		}
	}

	switch u.Status {
	case "":
	case core.OrderFilled, core.OrderCancelled, core.OrderRejected:
		e.finishLocked(ord, u.Status, u.Time)
	default:
		e.advanceLocked(ord, u.Status, u.Time)
	}
}

func (e *Engine) lookupLocked(u core.OrderUpdate) *core.Order {
	if u.ClientOrderID != "" {
		if ord, ok := e.orders[u.ClientOrderID]; ok {
			return ord
		}
	}
	if u.ExchangeOrderID != "" {
		if id, ok := e.byExchange[u.ExchangeOrderID]; ok {
			return e.orders[id]
		}
	}
	return nil
}

func statusRank(s core.OrderStatus) int {
	switch s {
	case core.OrderPending:
		return 0
	case core.OrderOpen:
		return 1
	case core.OrderPartiallyFilled:
		return 2
	case core.OrderFilled, core.OrderCancelled, core.OrderRejected:
		return 3
	}
	return -1
}

// advanceLocked moves the order forward through the status machine.
// Backward or repeated transitions are ignored, which is what makes
// event application idempotent.
func (e *Engine) advanceLocked(ord *core.Order, status core.OrderStatus, at time.Time) {
	if statusRank(status) <= statusRank(ord.Status) {
		return
	}
	ord.Status = status
	ord.UpdatedAt = e.eventTime(at)
}

// finishLocked settles the order into a terminal status, releasing
// whatever reservation its unfilled remainder still holds.
func (e *Engine) finishLocked(ord *core.Order, status core.OrderStatus, at time.Time) {
	if ord.Status.Terminal() {
		return
	}
	if rem := ord.Remaining(); rem.IsPositive() {
		switch ord.Side {
		case core.Buy:
			_, quote := e.assetsLocked()
			e.releaseLocked(quote, rem.Mul(ord.Price))
		case core.Sell:
			base, _ := e.assetsLocked()
			e.releaseLocked(base, rem)
		}
	}
	ord.Status = status
	ord.UpdatedAt = e.eventTime(at)
}

// settleFillLocked moves the filled slice of the reservation into the
// settled side: buys consume locked quote and gain base, sells consume
// locked base and gain quote at the fill price.
func (e *Engine) settleFillLocked(ord *core.Order, u core.OrderUpdate) {
	base, quote := e.assetsLocked()
	switch ord.Side {
	case core.Buy:
		e.debitLockedLocked(quote, u.FillQty.Mul(ord.Price))
		e.creditFreeLocked(base, u.FillQty)
	case core.Sell:
		price := u.FillPrice
		if !price.IsPositive() {
			price = ord.Price
		}
		e.debitLockedLocked(base, u.FillQty)
		e.creditFreeLocked(quote, u.FillQty.Mul(price))
	}
}

func (e *Engine) reservationFor(intent core.OrderIntent) (string, decimal.Decimal) {
	base, quote := e.assetsLocked()
	if intent.Side == core.Buy {
		return quote, intent.Price.Mul(intent.Qty)
	}
	return base, intent.Qty
}

func (e *Engine) assetsLocked() (base, quote string) {
	if e.market != nil {
		return e.market.Base, e.market.Quote
	}
	if i := strings.IndexByte(e.symbol, '/'); i > 0 {
		return e.symbol[:i], e.symbol[i+1:]
	}
	return e.symbol, ""
}

func (e *Engine) releaseLocked(asset string, amount decimal.Decimal) {
	b := e.balances[asset]
	b.Locked = clampSub(b.Locked, amount)
	b.Free = b.Free.Add(amount)
	e.balances[asset] = b
}

func (e *Engine) debitLockedLocked(asset string, amount decimal.Decimal) {
	b := e.balances[asset]
	b.Locked = clampSub(b.Locked, amount)
	e.balances[asset] = b
}

func (e *Engine) creditFreeLocked(asset string, amount decimal.Decimal) {
	b := e.balances[asset]
	b.Free = b.Free.Add(amount)
	e.balances[asset] = b
}

// clampSub keeps derived balances non-negative; authoritative balance
// events overwrite any drift.
func clampSub(have, amount decimal.Decimal) decimal.Decimal {
	out := have.Sub(amount)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

func (e *Engine) openCountLocked() int {
	n := 0
	for _, ord := range e.orders {
		if !ord.Status.Terminal() {
			n++
		}
	}
	return n
}

// projectedPositionLocked is current base holdings plus everything open
// buys would add if fully filled.
func (e *Engine) projectedPositionLocked() decimal.Decimal {
	base, _ := e.assetsLocked()
	pos := e.balances[base].Total()
	for _, ord := range e.orders {
		if ord.Side == core.Buy && !ord.Status.Terminal() {
			pos = pos.Add(ord.Remaining())
		}
	}
	return pos
}

func (e *Engine) anomalyLocked(u core.OrderUpdate, reason string) {
	e.anomalies++
	e.log.WithFields(logrus.Fields{
		"client_order_id":   u.ClientOrderID,
		"exchange_order_id": u.ExchangeOrderID,
		"status":            string(u.Status),
		"fill_qty":          u.FillQty.String(),
		"reason":            reason,
	}).Warn("protocol anomaly, event discarded")
}

func (e *Engine) eventTime(at time.Time) time.Time {
	if at.IsZero() {
		return e.now()
	}
	return at.UTC()
}

// Anomalies reports how many transport events were discarded as
// contradictory or unknown.
func (e *Engine) Anomalies() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.anomalies
}

// Order returns a copy of one tracked order.
func (e *Engine) Order(clientOrderID string) (core.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ord, ok := e.orders[clientOrderID]
	if !ok {
		return core.Order{}, false
	}
	return *ord, true
}

// OpenOrders returns copies of all non-terminal orders, oldest first.
func (e *Engine) OpenOrders() []core.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Order, 0, len(e.orders))
	for _, ord := range e.orders {
		if !ord.Status.Terminal() {
			out = append(out, *ord)
		}
	}
	sortOrders(out)
	return out
}

// Balances returns a copy of all tracked balances, sorted by asset.
func (e *Engine) Balances() []core.Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balancesLocked()
}

func (e *Engine) balancesLocked() []core.Balance {
	out := make([]core.Balance, 0, len(e.balances))
	for _, b := range e.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Balance returns the tracked balance for one asset; missing assets are
// zero.
func (e *Engine) Balance(asset string) core.Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.balances[asset]
	if !ok {
		return core.Balance{Asset: asset}
	}
	return b
}

// TripKillSwitch halts all further submissions until ResetKillSwitch.
func (e *Engine) TripKillSwitch(reason string) { e.kill.Trip(reason) }

func (e *Engine) ResetKillSwitch() { e.kill.Reset() }

func (e *Engine) KillSwitchActive() bool { return e.kill.Tripped() }

// Snapshot captures the engine state for persistence. Orders include
// settled ones from this run for audit; Restore drops them again.
func (e *Engine) Snapshot() core.EngineSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders := make([]core.Order, 0, len(e.orders))
	for _, ord := range e.orders {
		orders = append(orders, *ord)
	}
	sortOrders(orders)

	snap := core.EngineSnapshot{
		Orders:    orders,
		Balances:  e.balancesLocked(),
		Timestamp: e.now(),
	}
	if e.kill.Tripped() {
		at := e.kill.TrippedAt()
		snap.KillSwitch = core.KillSwitchState{Tripped: true, Reason: e.kill.Reason(), At: &at}
	}
	return snap
}

// Restore seeds engine state from a snapshot: balances, the kill
// switch, and every non-terminal order back into active tracking.
func (e *Engine) Restore(snap core.EngineSnapshot) {
	e.mu.Lock()
	e.balances = make(map[string]core.Balance, len(snap.Balances))
	for _, b := range snap.Balances {
		e.balances[b.Asset] = b
	}
	e.orders = make(map[string]*core.Order, len(snap.Orders))
	e.byExchange = make(map[string]string, len(snap.Orders))
	restored := 0
	for _, ord := range snap.Orders {
		if ord.Status.Terminal() || ord.ClientOrderID == "" {
			continue
		}
		tracked := ord
		e.orders[ord.ClientOrderID] = &tracked
		if ord.ExchangeOrderID != "" {
			e.byExchange[ord.ExchangeOrderID] = ord.ClientOrderID
		}
		restored++
	}
	e.mu.Unlock()

	if snap.KillSwitch.Tripped {
		at := time.Time{}
		if snap.KillSwitch.At != nil {
			at = *snap.KillSwitch.At
		}
		e.kill.Restore(snap.KillSwitch.Reason, at)
	}
	e.log.WithFields(logrus.Fields{
		"orders":   restored,
		"balances": len(snap.Balances),
		"taken_at": snap.Timestamp.Format(time.RFC3339),
	}).Info("engine state restored from snapshot")
}

func sortOrders(orders []core.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ClientOrderID < orders[j].ClientOrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
