package marketfeeds

import (
	"context"
	"fmt"

	"github.com/Aidin1998/bookfeed/pkg/models"
)

// ProductLister lists the products known to the exchange.
type ProductLister interface {
	GetProducts(ctx context.Context) ([]models.Product, error)
}

// CheckProducts returns the ids in wanted that the exchange does not list
// or lists as not online.
func CheckProducts(ctx context.Context, lister ProductLister, wanted []string) ([]string, error) {
	products, err := lister.GetProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	online := make(map[string]bool, len(products))
	for _, p := range products {
		online[p.ID] = p.Status == "" || p.Status == "online"
	}

	var missing []string
	for _, id := range wanted {
		if !online[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
