package orderbook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Aidin1998/bookfeed/pkg/metrics"
	"github.com/Aidin1998/bookfeed/pkg/models"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Book is the L2 book of one product.
type Book struct {
	productID string
	bids      *SideBook
	asks      *SideBook
}

// BookView is a copy of the top of both sides. The two sides are read one
// after the other, so a view taken while changes are flowing may pair bids and
// asks from slightly different moments.
type BookView struct {
	ProductID string  `json:"product_id"`
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
}

// TopOfBook holds the best bid and ask and the spread between them.
type TopOfBook struct {
	ProductID string           `json:"product_id"`
	BestBid   *Level           `json:"best_bid,omitempty"`
	BestAsk   *Level           `json:"best_ask,omitempty"`
	Spread    *decimal.Decimal `json:"spread,omitempty"`
}

// NewBook creates an empty book for productID. Neither side is ready until a
// snapshot has been applied.
func NewBook(productID string) *Book {
	return &Book{
		productID: productID,
		bids:      newSideBook(productID, Bid),
		asks:      newSideBook(productID, Ask),
	}
}

// ProductID returns the product the book belongs to.
func (b *Book) ProductID() string { return b.productID }

// Side returns the bid or ask side.
func (b *Book) Side(s Side) *SideBook {
	if s == Bid {
		return b.bids
	}
	return b.asks
}

// Ready reports whether both sides have been initialized.
func (b *Book) Ready() bool {
	return b.bids.Ready() && b.asks.Ready()
}

// ApplySnapshot initializes the bid side and then the ask side. A side whose
// levels fail to parse is left untouched and the error is returned.
func (b *Book) ApplySnapshot(bids, asks []models.RawLevel) error {
	bidLevels, bidErr := parseLevels(bids)
	if bidErr == nil {
		b.bids.Initialize(bidLevels)
	} else {
		bidErr = fmt.Errorf("%s bids: %w", b.productID, bidErr)
	}

	askLevels, askErr := parseLevels(asks)
	if askErr == nil {
		b.asks.Initialize(askLevels)
	} else {
		askErr = fmt.Errorf("%s asks: %w", b.productID, askErr)
	}

	if bidErr != nil || askErr != nil {
		metrics.ParseErrors.WithLabelValues(b.productID).Inc()
		return errors.Join(bidErr, askErr)
	}
	metrics.SnapshotsApplied.WithLabelValues(b.productID).Inc()
	return nil
}

// ApplyDiff applies changes in order within each side. The whole batch is
// parsed before anything is applied, so a malformed change rejects the message
// without waiting on either side. The bid and ask changes then run
// independently: each waits only for its own side to be ready, bounded by ctx,
// so a side still waiting on its snapshot never holds up the other.
func (b *Book) ApplyDiff(ctx context.Context, changes []models.Change) error {
	var bids, asks []Level
	for i, c := range changes {
		side, err := ParseSide(c.Side)
		if err != nil {
			metrics.ParseErrors.WithLabelValues(b.productID).Inc()
			return fmt.Errorf("%s change %d: %w", b.productID, i, err)
		}
		lvl, err := ParseLevel(c.Price, c.Size)
		if err != nil {
			metrics.ParseErrors.WithLabelValues(b.productID).Inc()
			return fmt.Errorf("%s change %d: %w", b.productID, i, err)
		}
		if side == Bid {
			bids = append(bids, lvl)
		} else {
			asks = append(asks, lvl)
		}
	}

	switch {
	case len(asks) == 0:
		return b.bids.applyChanges(ctx, bids)
	case len(bids) == 0:
		return b.asks.applyChanges(ctx, asks)
	}
	// No shared context: a timeout on one side must not cancel the other.
	var g errgroup.Group
	g.Go(func() error { return b.bids.applyChanges(ctx, bids) })
	g.Go(func() error { return b.asks.applyChanges(ctx, asks) })
	return g.Wait()
}

// ReadBook copies up to topN levels of each side. topN <= 0 copies everything.
func (b *Book) ReadBook(topN int) BookView {
	return BookView{
		ProductID: b.productID,
		Bids:      b.bids.ReadTop(topN),
		Asks:      b.asks.ReadTop(topN),
	}
}

// Bids copies up to n bid levels, highest price first.
func (b *Book) Bids(n int) []Level { return b.bids.ReadTop(n) }

// Asks copies up to n ask levels, lowest price first.
func (b *Book) Asks(n int) []Level { return b.asks.ReadTop(n) }

// TopOfBook returns the best level of each side.
func (b *Book) TopOfBook() TopOfBook {
	top := TopOfBook{ProductID: b.productID}
	if bid, ok := b.bids.Best(); ok {
		top.BestBid = &bid
	}
	if ask, ok := b.asks.Best(); ok {
		top.BestAsk = &ask
	}
	if top.BestBid != nil && top.BestAsk != nil {
		spread := top.BestAsk.Price.Sub(top.BestBid.Price)
		top.Spread = &spread
	}
	return top
}

// Format renders up to topN levels of each side as text.
func (b *Book) Format(topN int) string {
	var sb strings.Builder
	sb.WriteString("BIDS:\n")
	writeLevels(&sb, b.bids.ReadTop(topN))
	sb.WriteString("\n\nASKS:\n")
	writeLevels(&sb, b.asks.ReadTop(topN))
	sb.WriteString("\n\n")
	return sb.String()
}

// String renders the full book.
func (b *Book) String() string {
	return b.Format(0)
}

func writeLevels(sb *strings.Builder, levels []Level) {
	for i, lvl := range levels {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(sb, "PRICE: %s, SIZE: %s", lvl.Price, lvl.Size)
	}
}
