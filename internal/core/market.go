package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinNotional = errors.New("notional below market minimum")
)

// MarketInfo carries the exchange's trading rules for one symbol, fetched
// from the public markets endpoint. Decimals of zero leave values
// untouched.
type MarketInfo struct {
	Symbol        string          `json:"symbol"`
	Base          string          `json:"base"`
	Quote         string          `json:"quote"`
	PriceDecimals int32           `json:"price_decimals"`
	QtyDecimals   int32           `json:"quantity_decimals"`
	MinOrderValue decimal.Decimal `json:"min_order_value"`
}

func (m MarketInfo) QuantizePrice(price decimal.Decimal) decimal.Decimal {
	if m.PriceDecimals <= 0 {
		return price
	}
	return price.Truncate(m.PriceDecimals)
}

func (m MarketInfo) QuantizeQty(qty decimal.Decimal) decimal.Decimal {
	if m.QtyDecimals <= 0 {
		return qty
	}
	return qty.Truncate(m.QtyDecimals)
}

// NormalizeIntent truncates price and quantity to the market's precision
// and rejects intents the exchange would refuse outright. Market orders
// with no price skip the notional check.
func (m MarketInfo) NormalizeIntent(intent OrderIntent) (OrderIntent, error) {
	if intent.Qty.Cmp(decimal.Zero) <= 0 {
		return intent, ErrInvalidOrder
	}
	intent.Qty = m.QuantizeQty(intent.Qty)
	if intent.Qty.Cmp(decimal.Zero) <= 0 {
		return intent, ErrInvalidOrder
	}
	if intent.Type == Market {
		if intent.Price.Cmp(decimal.Zero) <= 0 {
			return intent, nil
		}
		intent.Price = m.QuantizePrice(intent.Price)
		return intent, m.checkNotional(intent)
	}
	if intent.Price.Cmp(decimal.Zero) <= 0 {
		return intent, ErrInvalidOrder
	}
	intent.Price = m.QuantizePrice(intent.Price)
	if intent.Price.Cmp(decimal.Zero) <= 0 {
		return intent, ErrInvalidOrder
	}
	return intent, m.checkNotional(intent)
}

func (m MarketInfo) checkNotional(intent OrderIntent) error {
	if m.MinOrderValue.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	notional := intent.Price.Mul(intent.Qty)
	if notional.Cmp(m.MinOrderValue) < 0 {
		return ErrBelowMinNotional
	}
	return nil
}
