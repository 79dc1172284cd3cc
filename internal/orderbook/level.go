package orderbook

import (
	"encoding/json"
	"fmt"

	"github.com/Aidin1998/bookfeed/pkg/models"
	"github.com/shopspring/decimal"
)

// Side identifies one half of a book.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// ParseSide maps the wire side of a change onto a book side.
func ParseSide(s string) (Side, error) {
	switch s {
	case models.SideBuy:
		return Bid, nil
	case models.SideSell:
		return Ask, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

// Level is the aggregate size resting at one price.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// MarshalJSON encodes the level as ["price","size"].
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.Price.String(), l.Size.String()})
}

// ParseLevel parses a decimal price and size. Negative prices and sizes are
// rejected.
func ParseLevel(price, size string) (Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return Level{}, fmt.Errorf("%w: price %q: %v", ErrInvalidLevel, price, err)
	}
	if p.Sign() < 0 {
		return Level{}, fmt.Errorf("%w: negative price %s", ErrInvalidLevel, price)
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return Level{}, fmt.Errorf("%w: size %q at %s: %v", ErrInvalidLevel, size, price, err)
	}
	if s.Sign() < 0 {
		return Level{}, fmt.Errorf("%w: negative size %s at %s", ErrInvalidLevel, size, price)
	}
	return Level{Price: p, Size: s}, nil
}

func parseLevels(raw []models.RawLevel) ([]Level, error) {
	levels := make([]Level, 0, len(raw))
	for _, r := range raw {
		lvl, err := ParseLevel(r.Price(), r.Size())
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}
