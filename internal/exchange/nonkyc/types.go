package nonkyc

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"nonkyc-bot/internal/core"
)

// apiError is the error envelope shared by REST responses and WS frames.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error *apiError `json:"error"`
}

type marketPayload struct {
	Symbol        string `json:"symbol"`
	Base          string `json:"base"`
	Quote         string `json:"quote"`
	PriceDecimals int32  `json:"priceDecimals"`
	QtyDecimals   int32  `json:"quantityDecimals"`
	MinOrderValue string `json:"minimumOrderValue"`
}

func (p marketPayload) toMarketInfo() (core.MarketInfo, error) {
	minValue, err := parseDecimal(p.MinOrderValue)
	if err != nil {
		return core.MarketInfo{}, fmt.Errorf("market %s minimumOrderValue: %w", p.Symbol, err)
	}
	return core.MarketInfo{
		Symbol:        p.Symbol,
		Base:          p.Base,
		Quote:         p.Quote,
		PriceDecimals: p.PriceDecimals,
		QtyDecimals:   p.QtyDecimals,
		MinOrderValue: minValue,
	}, nil
}

type balancePayload struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Held      string `json:"held"`
}

func (p balancePayload) toBalance() (core.Balance, error) {
	free, err := parseDecimal(p.Available)
	if err != nil {
		return core.Balance{}, fmt.Errorf("balance %s available: %w", p.Asset, err)
	}
	locked, err := parseDecimal(p.Held)
	if err != nil {
		return core.Balance{}, fmt.Errorf("balance %s held: %w", p.Asset, err)
	}
	return core.Balance{Asset: p.Asset, Free: free, Locked: locked}, nil
}

type orderPayload struct {
	ID             string `json:"id"`
	UserProvidedID string `json:"userProvidedId"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Price          string `json:"price"`
	Quantity       string `json:"quantity"`
	ExecutedQty    string `json:"executedQuantity"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

func (p orderPayload) toOrder() (core.Order, error) {
	side, err := parseSide(p.Side)
	if err != nil {
		return core.Order{}, err
	}
	status, err := parseOrderStatus(p.Status)
	if err != nil {
		return core.Order{}, err
	}
	price, err := parseDecimal(p.Price)
	if err != nil {
		return core.Order{}, fmt.Errorf("order %s price: %w", p.ID, err)
	}
	qty, err := parseDecimal(p.Quantity)
	if err != nil {
		return core.Order{}, fmt.Errorf("order %s quantity: %w", p.ID, err)
	}
	filled, err := parseDecimal(p.ExecutedQty)
	if err != nil {
		return core.Order{}, fmt.Errorf("order %s executedQuantity: %w", p.ID, err)
	}
	order := core.Order{
		ClientOrderID:   p.UserProvidedID,
		ExchangeOrderID: p.ID,
		Symbol:          p.Symbol,
		Side:            side,
		Type:            parseOrderType(p.Type),
		Price:           price,
		Qty:             qty,
		FilledQty:       filled,
		Status:          status,
	}
	if p.CreatedAt > 0 {
		order.CreatedAt = time.UnixMilli(p.CreatedAt).UTC()
	}
	if p.UpdatedAt > 0 {
		order.UpdatedAt = time.UnixMilli(p.UpdatedAt).UTC()
	}
	return order, nil
}

type createOrderRequest struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Price          string `json:"price,omitempty"`
	Quantity       string `json:"quantity"`
	UserProvidedID string `json:"userProvidedId"`
}

type cancelOrderRequest struct {
	ID string `json:"id"`
}

// WS frames follow the exchange's JSON-RPC shape: requests carry an id,
// responses echo it, notifications carry a method and params only.
type wsRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
	ID     int64  `json:"id"`
}

type wsFrame struct {
	ID     *int64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *apiError       `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (f wsFrame) isResponse() bool { return f.ID != nil }

type wsReport struct {
	ID             string `json:"id"`
	UserProvidedID string `json:"userProvidedId"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Status         string `json:"status"`
	Price          string `json:"price"`
	LastFillQty    string `json:"lastFillQuantity"`
	LastFillPrice  string `json:"lastFillPrice"`
	Timestamp      int64  `json:"timestamp"`
}

func (r wsReport) toOrderUpdate() (core.OrderUpdate, error) {
	side, err := parseSide(r.Side)
	if err != nil {
		return core.OrderUpdate{}, err
	}
	status, err := parseOrderStatus(r.Status)
	if err != nil {
		return core.OrderUpdate{}, err
	}
	price, err := parseDecimal(r.Price)
	if err != nil {
		return core.OrderUpdate{}, fmt.Errorf("report %s price: %w", r.ID, err)
	}
	fillQty, err := parseDecimal(r.LastFillQty)
	if err != nil {
		return core.OrderUpdate{}, fmt.Errorf("report %s lastFillQuantity: %w", r.ID, err)
	}
	fillPrice, err := parseDecimal(r.LastFillPrice)
	if err != nil {
		return core.OrderUpdate{}, fmt.Errorf("report %s lastFillPrice: %w", r.ID, err)
	}
	update := core.OrderUpdate{
		ClientOrderID:   r.UserProvidedID,
		ExchangeOrderID: r.ID,
		Symbol:          r.Symbol,
		Side:            side,
		Status:          status,
		Price:           price,
		FillQty:         fillQty,
		FillPrice:       fillPrice,
	}
	if r.Timestamp > 0 {
		update.Time = time.UnixMilli(r.Timestamp).UTC()
	}
	return update, nil
}

type wsBalance struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Held      string `json:"held"`
}

func (b wsBalance) toBalanceUpdate() (core.BalanceUpdate, error) {
	free, err := parseDecimal(b.Available)
	if err != nil {
		return core.BalanceUpdate{}, fmt.Errorf("balance %s available: %w", b.Asset, err)
	}
	locked, err := parseDecimal(b.Held)
	if err != nil {
		return core.BalanceUpdate{}, fmt.Errorf("balance %s held: %w", b.Asset, err)
	}
	return core.BalanceUpdate{Asset: b.Asset, Free: free, Locked: locked}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseSide(s string) (core.Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return core.Buy, nil
	case "sell":
		return core.Sell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

func sideValue(s core.Side) string { return strings.ToLower(string(s)) }

func parseOrderType(s string) core.OrderType {
	if strings.EqualFold(strings.TrimSpace(s), "market") {
		return core.Market
	}
	return core.Limit
}

func parseOrderStatus(s string) (core.OrderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return core.OrderPending, nil
	case "new", "active":
		return core.OrderOpen, nil
	case "partiallyfilled", "partially_filled":
		return core.OrderPartiallyFilled, nil
	case "filled":
		return core.OrderFilled, nil
	case "cancelled", "canceled":
		return core.OrderCancelled, nil
	case "rejected", "expired":
		return core.OrderRejected, nil
	default:
		return "", fmt.Errorf("unknown order status %q", s)
	}
}
