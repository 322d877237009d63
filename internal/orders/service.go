package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quickmartlabs/quickmart-backend/internal/inventory"
	"github.com/quickmartlabs/quickmart-backend/internal/pricing"
	"github.com/quickmartlabs/quickmart-backend/pkg/db/models"
	"github.com/quickmartlabs/quickmart-backend/pkg/enums"
	pkgerrors "github.com/quickmartlabs/quickmart-backend/pkg/errors"
	"github.com/quickmartlabs/quickmart-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type reservationRunner interface {
	Lock(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]models.Product, error)
	Reserve(ctx context.Context, tx *gorm.DB, requests []inventory.ReservationRequest) ([]inventory.ReservationResult, error)
}

type quoter interface {
	Quote(products []models.Product, quantities map[uuid.UUID]int) (*pricing.Quote, error)
	CheckDeclaredTotal(quoted, declared decimal.Decimal) (decimal.Decimal, bool)
}

type ledgerEngine struct{}

func (ledgerEngine) Lock(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]models.Product, error) {
	return inventory.LockProducts(ctx, tx, ids)
}

func (ledgerEngine) Reserve(ctx context.Context, tx *gorm.DB, requests []inventory.ReservationRequest) ([]inventory.ReservationResult, error) {
	return inventory.Reserve(ctx, tx, requests)
}

// Service executes order creation and lookup.
type Service interface {
	Create(ctx context.Context, input CreateOrderInput) (*OrderDTO, error)
	Get(ctx context.Context, orderID uuid.UUID) (*OrderDTO, error)
}

type service struct {
	tx              txRunner
	repo            Repository
	ledger          reservationRunner
	pricer          quoter
	numbers         NumberGenerator
	logg            *logger.Logger
	escalateOnDrift bool
}

// NewService builds the order service.
func NewService(
	tx txRunner,
	repo Repository,
	pricer quoter,
	numbers NumberGenerator,
	logg *logger.Logger,
	escalateOnDrift bool,
) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if pricer == nil {
		return nil, fmt.Errorf("pricing engine required")
	}
	if numbers == nil {
		return nil, fmt.Errorf("number generator required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		tx:              tx,
		repo:            repo,
		ledger:          ledgerEngine{},
		pricer:          pricer,
		numbers:         numbers,
		logg:            logg,
		escalateOnDrift: escalateOnDrift,
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateOrderInput) (*OrderDTO, error) {
	quantities, err := mergeQuantities(input.Items)
	if err != nil {
		return nil, err
	}

	method, err := parsePaymentMethod(input.PaymentMethod)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}

	var created *models.Order
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		products, err := s.ledger.Lock(ctx, tx, ids)
		if err != nil {
			return err
		}
		if err := ensureOrderable(products, quantities); err != nil {
			return err
		}

		requests := make([]inventory.ReservationRequest, 0, len(products))
		for _, product := range products {
			requests = append(requests, inventory.ReservationRequest{
				ProductID: product.ID,
				Qty:       quantities[product.ID],
			})
		}
		results, err := s.ledger.Reserve(ctx, tx, requests)
		if err != nil {
			return err
		}
		for _, res := range results {
			if !res.Reserved {
				return pkgerrors.New(pkgerrors.CodeInsufficientStock, res.Reason).
					WithDetails(map[string]any{
						"product_id": res.ProductID,
						"available":  res.Available,
						"requested":  quantities[res.ProductID],
					})
			}
		}

		quote, err := s.pricer.Quote(products, quantities)
		if err != nil {
			return err
		}
		if err := s.checkDeclaredTotal(ctx, quote, input.DeclaredTotal); err != nil {
			return err
		}

		number, err := s.numbers.Next(ctx)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "generate order number")
		}

		order := &models.Order{
			ID:              uuid.New(),
			OrderNumber:     number,
			Status:          enums.OrderStatusPending,
			Subtotal:        quote.Subtotal,
			Shipping:        quote.Shipping,
			Total:           quote.Total,
			CustomerName:    input.CustomerName,
			CustomerPhone:   input.CustomerPhone,
			CustomerAddress: input.CustomerAddress,
			PaymentMethod:   method,
		}
		if _, err := repo.Create(ctx, order); err != nil {
			return err
		}

		items := make([]models.OrderItem, 0, len(quote.Lines))
		for _, line := range quote.Lines {
			items = append(items, models.OrderItem{
				ID:        uuid.New(),
				OrderID:   order.ID,
				ProductID: line.ProductID,
				Name:      line.Name,
				Price:     line.UnitPrice,
				ImageURL:  line.ImageURL,
				Quantity:  line.Qty,
			})
		}
		if err := repo.CreateItems(ctx, items); err != nil {
			return err
		}

		order.Items = items
		created = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctx = s.logg.WithOrderID(ctx, created.ID.String())
	s.logg.Info(ctx, fmt.Sprintf("order %s created", created.OrderNumber))
	return toOrderDTO(created), nil
}

func (s *service) Get(ctx context.Context, orderID uuid.UUID) (*OrderDTO, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	return toOrderDTO(order), nil
}

func (s *service) checkDeclaredTotal(ctx context.Context, quote *pricing.Quote, declared *decimal.Decimal) error {
	if declared == nil {
		return nil
	}
	drift, ok := s.pricer.CheckDeclaredTotal(quote.Total, *declared)
	if ok {
		return nil
	}

	ctx = s.logg.WithFields(ctx, map[string]any{
		"quoted_total":   quote.Total.StringFixed(2),
		"declared_total": declared.StringFixed(2),
		"drift":          drift.StringFixed(2),
	})
	s.logg.Warn(ctx, "client-declared total disagrees with quoted total")

	if s.escalateOnDrift {
		return pkgerrors.New(pkgerrors.CodeValidation, "declared total does not match current prices").
			WithDetails(map[string]any{"quoted_total": quote.Total.StringFixed(2)})
	}
	return nil
}

// mergeQuantities collapses duplicate product lines by summing their quantities.
func mergeQuantities(items []CreateOrderItemInput) (map[uuid.UUID]int, error) {
	if len(items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order contains no items")
	}
	quantities := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		if item.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required")
		}
		if item.Qty <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation,
				fmt.Sprintf("quantity for product %s must be positive", item.ProductID))
		}
		quantities[item.ProductID] += item.Qty
	}
	return quantities, nil
}

func ensureOrderable(products []models.Product, quantities map[uuid.UUID]int) error {
	found := make(map[uuid.UUID]bool, len(products))
	for _, product := range products {
		found[product.ID] = true
		if !product.IsActive {
			return pkgerrors.New(pkgerrors.CodeValidation,
				fmt.Sprintf("product %s is not available", product.ID))
		}
	}
	for id := range quantities {
		if !found[id] {
			return pkgerrors.New(pkgerrors.CodeNotFound,
				fmt.Sprintf("product %s not found", id))
		}
	}
	return nil
}

func parsePaymentMethod(raw string) (enums.PaymentMethod, error) {
	switch raw {
	case "", string(enums.PaymentMethodQR):
		return enums.PaymentMethodQR, nil
	case string(enums.PaymentMethodCash):
		return enums.PaymentMethodCash, nil
	default:
		return "", pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("unsupported payment method %q", raw))
	}
}
