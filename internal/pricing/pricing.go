package pricing

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quickmartlabs/quickmart-backend/pkg/config"
	"github.com/quickmartlabs/quickmart-backend/pkg/db/models"
	pkgerrors "github.com/quickmartlabs/quickmart-backend/pkg/errors"
)

// LineQuote is the authoritative price for one order line, snapshotted from the
// product row at quote time.
type LineQuote struct {
	ProductID uuid.UUID
	Name      string
	UnitPrice decimal.Decimal
	ImageURL  *string
	Qty       int
	LineTotal decimal.Decimal
}

// Quote is the server-computed price for a whole order.
type Quote struct {
	Lines    []LineQuote
	Subtotal decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Engine computes order totals from product rows. Client-declared prices are
// never used for arithmetic, only compared for drift reporting.
type Engine struct {
	shippingFlat decimal.Decimal
	epsilon      decimal.Decimal
}

// NewEngine builds a pricing engine from the configured flat rates.
func NewEngine(cfg config.PricingConfig) (*Engine, error) {
	shipping, err := decimal.NewFromString(cfg.ShippingFlat)
	if err != nil {
		return nil, fmt.Errorf("parse shipping flat rate %q: %w", cfg.ShippingFlat, err)
	}
	if shipping.IsNegative() {
		return nil, fmt.Errorf("shipping flat rate must not be negative")
	}
	epsilon, err := decimal.NewFromString(cfg.MismatchEpsilon)
	if err != nil {
		return nil, fmt.Errorf("parse mismatch epsilon %q: %w", cfg.MismatchEpsilon, err)
	}
	return &Engine{shippingFlat: shipping, epsilon: epsilon}, nil
}

// Quote prices the requested quantities against the provided product rows.
// Every requested product must be present in the rows.
func (e *Engine) Quote(products []models.Product, quantities map[uuid.UUID]int) (*Quote, error) {
	if len(quantities) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "no items to price")
	}

	byID := make(map[uuid.UUID]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	quote := &Quote{
		Subtotal: decimal.Zero,
		Shipping: e.shippingFlat,
	}
	for _, product := range products {
		qty, ok := quantities[product.ID]
		if !ok {
			continue
		}
		if qty <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation,
				fmt.Sprintf("quantity for product %s must be positive", product.ID))
		}
		lineTotal := product.Price.Mul(decimal.NewFromInt(int64(qty)))
		quote.Lines = append(quote.Lines, LineQuote{
			ProductID: product.ID,
			Name:      product.Name,
			UnitPrice: product.Price,
			ImageURL:  product.ImageURL,
			Qty:       qty,
			LineTotal: lineTotal,
		})
		quote.Subtotal = quote.Subtotal.Add(lineTotal)
	}

	for id := range quantities {
		if _, ok := byID[id]; !ok {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound,
				fmt.Sprintf("product %s not found", id))
		}
	}

	quote.Total = quote.Subtotal.Add(quote.Shipping)
	return quote, nil
}

// CheckDeclaredTotal compares the client's declared total against the quoted
// total and reports whether the drift exceeds the tolerance.
func (e *Engine) CheckDeclaredTotal(quoted, declared decimal.Decimal) (drift decimal.Decimal, withinTolerance bool) {
	drift = declared.Sub(quoted).Abs()
	return drift, drift.LessThanOrEqual(e.epsilon)
}
