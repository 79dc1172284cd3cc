package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Product is a tradable pair as listed by the REST API.
type Product struct {
	ID              string `json:"id"`
	BaseCurrency    string `json:"base_currency"`
	QuoteCurrency   string `json:"quote_currency"`
	QuoteIncrement  string `json:"quote_increment"`
	BaseIncrement   string `json:"base_increment"`
	DisplayName     string `json:"display_name"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
}

// ProductBook is an aggregated book fetched over REST.
type ProductBook struct {
	Sequence int64      `json:"sequence"`
	Bids     []RawLevel `json:"bids"`
	Asks     []RawLevel `json:"asks"`
}

// Candle is one OHLCV bucket. On the wire it is
// [time, low, high, open, close, volume] with time in unix seconds.
type Candle struct {
	Time   time.Time       `json:"time"`
	Low    decimal.Decimal `json:"low"`
	High   decimal.Decimal `json:"high"`
	Open   decimal.Decimal `json:"open"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// UnmarshalJSON decodes the array form returned by the candles endpoint.
func (c *Candle) UnmarshalJSON(data []byte) error {
	var parts []json.Number
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("candle: %w", err)
	}
	if len(parts) != 6 {
		return fmt.Errorf("candle: expected 6 elements, got %d", len(parts))
	}
	ts, err := parts[0].Int64()
	if err != nil {
		return fmt.Errorf("candle time: %w", err)
	}
	c.Time = time.Unix(ts, 0).UTC()

	fields := []*decimal.Decimal{&c.Low, &c.High, &c.Open, &c.Close, &c.Volume}
	for i, f := range fields {
		d, err := decimal.NewFromString(parts[i+1].String())
		if err != nil {
			return fmt.Errorf("candle element %d: %w", i+1, err)
		}
		*f = d
	}
	return nil
}
