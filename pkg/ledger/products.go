package ledger

import (
	"fmt"
	"sort"

	"github.com/mcclellann/loancore/pkg/models"
)

// ProductSource resolves the read-only product configuration of a loan.
type ProductSource interface {
	Product(id string) (models.LoanProduct, error)
}

// Catalog is an in-memory ProductSource. Products are stored as given, so a
// misconfigured product fails only the loans that reference it.
type Catalog struct {
	products map[string]models.LoanProduct
}

func NewCatalog(products ...models.LoanProduct) *Catalog {
	c := &Catalog{products: make(map[string]models.LoanProduct, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (c *Catalog) Product(id string) (models.LoanProduct, error) {
	p, ok := c.products[id]
	if !ok {
		return models.LoanProduct{}, fmt.Errorf("%w: %q", ErrProductNotFound, id)
	}
	return p, nil
}

// IDs lists the catalog's product ids in order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.products))
	for id := range c.products {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
