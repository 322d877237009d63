package orders

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quickmartlabs/quickmart-backend/internal/pricing"
	"github.com/quickmartlabs/quickmart-backend/pkg/config"
	"github.com/quickmartlabs/quickmart-backend/pkg/db/models"
	"github.com/quickmartlabs/quickmart-backend/pkg/enums"
	pkgerrors "github.com/quickmartlabs/quickmart-backend/pkg/errors"
	"github.com/quickmartlabs/quickmart-backend/pkg/logger"
)

type testTxRunner struct {
	db *gorm.DB
}

func (r testTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}

type stubNumbers struct {
	n int
}

func (s *stubNumbers) Next(ctx context.Context) (string, error) {
	s.n++
	return fmt.Sprintf("QM-20260831-%04d", s.n), nil
}

func newOrdersTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:orders_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Product{}, &models.Order{}, &models.OrderItem{}, &models.PaymentSession{}))
	return db
}

func newOrderService(t *testing.T, db *gorm.DB, escalate bool) Service {
	t.Helper()
	engine, err := pricing.NewEngine(config.PricingConfig{ShippingFlat: "5.00", MismatchEpsilon: "0.01"})
	require.NoError(t, err)

	logg := logger.New(logger.Options{ServiceName: "orders-test", Level: zerolog.ErrorLevel})
	svc, err := NewService(testTxRunner{db: db}, NewRepository(db), engine, &stubNumbers{}, logg, escalate)
	require.NoError(t, err)
	return svc
}

func seedOrderProduct(t *testing.T, db *gorm.DB, price string, stock int) models.Product {
	t.Helper()
	product := models.Product{
		ID:       uuid.New(),
		Name:     "seed",
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
		IsActive: true,
	}
	require.NoError(t, db.Create(&product).Error)
	return product
}

func TestCreateOrderComputesTotalsServerSide(t *testing.T) {
	t.Parallel()

	db := newOrdersTestDB(t)
	svc := newOrderService(t, db, false)
	ctx := context.Background()

	coffee := seedOrderProduct(t, db, "12.50", 10)
	tea := seedOrderProduct(t, db, "4.25", 10)

	// Declared unit prices are deliberately wrong; the stored totals must come
	// from the product rows.
	lowball := decimal.RequireFromString("0.01")
	dto, err := svc.Create(ctx, CreateOrderInput{
		CustomerName:    "Ada Lovelace",
		CustomerPhone:   "+1-555-0100",
		CustomerAddress: "12 Analytical Way",
		Items: []CreateOrderItemInput{
			{ProductID: coffee.ID, Qty: 2, DeclaredUnitPrice: &lowball},
			{ProductID: tea.ID, Qty: 3},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, enums.OrderStatusPending, dto.Status)
	assert.True(t, dto.Subtotal.Equal(decimal.RequireFromString("37.75")), "subtotal %s", dto.Subtotal)
	assert.True(t, dto.Total.Equal(decimal.RequireFromString("42.75")), "total %s", dto.Total)
	assert.Len(t, dto.Items, 2)
	assert.NotEmpty(t, dto.OrderNumber)

	var stored models.Product
	require.NoError(t, db.First(&stored, "id = ?", coffee.ID).Error)
	assert.Equal(t, 8, stored.Stock)
}

func TestCreateOrderSnapshotsItemPrices(t *testing.T) {
	t.Parallel()

	db := newOrdersTestDB(t)
	svc := newOrderService(t, db, false)
	ctx := context.Background()

	product := seedOrderProduct(t, db, "9.99", 5)

	dto, err := svc.Create(ctx, CreateOrderInput{
		CustomerName:    "Grace Hopper",
		CustomerPhone:   "+1-555-0101",
		CustomerAddress: "7 Compiler Street",
		Items:           []CreateOrderItemInput{{ProductID: product.ID, Qty: 1}},
	})
	require.NoError(t, err)

	// A later price change must not touch the snapshotted line.
	require.NoError(t, db.Model(&models.Product{}).
		Where("id = ?", product.ID).
		UpdateColumn("price", decimal.RequireFromString("99.99")).Error)

	var items []models.OrderItem
	require.NoError(t, db.Where("order_id = ?", dto.ID).Find(&items).Error)
	require.Len(t, items, 1)
	assert.True(t, items[0].Price.Equal(decimal.RequireFromString("9.99")))
}

func TestCreateOrderInsufficientStockRollsBack(t *testing.T) {
	t.Parallel()

	db := newOrdersTestDB(t)
	svc := newOrderService(t, db, false)
	ctx := context.Background()

	plenty := seedOrderProduct(t, db, "2.00", 10)
	scarce := seedOrderProduct(t, db, "3.00", 1)

	_, err := svc.Create(ctx, CreateOrderInput{
		CustomerName:    "Ada Lovelace",
		CustomerPhone:   "+1-555-0100",
		CustomerAddress: "12 Analytical Way",
		Items: []CreateOrderItemInput{
			{ProductID: plenty.ID, Qty: 4},
			{ProductID: scarce.ID, Qty: 2},
		},
	})
	require.Error(t, err)

	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeInsufficientStock, typed.Code())

	// Nothing may survive the rollback: no order, no items, untouched stock.
	var orderCount int64
	require.NoError(t, db.Model(&models.Order{}).Count(&orderCount).Error)
	assert.Zero(t, orderCount)

	var stored models.Product
	require.NoError(t, db.First(&stored, "id = ?", plenty.ID).Error)
	assert.Equal(t, 10, stored.Stock)
}

func TestCreateOrderUnknownProduct(t *testing.T) {
	t.Parallel()

	db := newOrdersTestDB(t)
	svc := newOrderService(t, db, false)

	_, err := svc.Create(context.Background(), CreateOrderInput{
		CustomerName:    "Ada Lovelace",
		CustomerPhone:   "+1-555-0100",
		CustomerAddress: "12 Analytical Way",
		Items:           []CreateOrderItemInput{{ProductID: uuid.New(), Qty: 1}},
	})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}

func TestCreateOrderMergesDuplicateLines(t *testing.T) {
	t.Parallel()

	db := newOrdersTestDB(t)
	svc := newOrderService(t, db, false)

	product := seedOrderProduct(t, db, "1.00", 10)
	dto, err := svc.Create(context.Background(), CreateOrderInput{
		CustomerName:    "Ada Lovelace",
		CustomerPhone:   "+1-555-0100",
		CustomerAddress: "12 Analytical Way",
		Items: []CreateOrderItemInput{
			{ProductID: product.ID, Qty: 2},
			{ProductID: product.ID, Qty: 3},
		},
	})
	require.NoError(t, err)

	require.Len(t, dto.Items, 1)
	assert.Equal(t, 5, dto.Items[0].Quantity)

	var stored models.Product
	require.NoError(t, db.First(&stored, "id = ?", product.ID).Error)
	assert.Equal(t, 5, stored.Stock)
}

func TestCreateOrderDeclaredTotalDrift(t *testing.T) {
	t.Parallel()

	db := newOrdersTestDB(t)
	ctx := context.Background()
	product := seedOrderProduct(t, db, "10.00", 20)

	wrong := decimal.RequireFromString("1.00")
	input := CreateOrderInput{
		CustomerName:    "Ada Lovelace",
		CustomerPhone:   "+1-555-0100",
		CustomerAddress: "12 Analytical Way",
		DeclaredTotal:   &wrong,
		Items:           []CreateOrderItemInput{{ProductID: product.ID, Qty: 1}},
	}

	// Log-only mode accepts the order with the server-side total.
	svc := newOrderService(t, db, false)
	dto, err := svc.Create(ctx, input)
	require.NoError(t, err)
	assert.True(t, dto.Total.Equal(decimal.RequireFromString("15.00")))

	// Escalation mode rejects it.
	strict := newOrderService(t, db, true)
	_, err = strict.Create(ctx, input)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
}

func TestCreateOrderRejectsBadInput(t *testing.T) {
	t.Parallel()

	db := newOrdersTestDB(t)
	svc := newOrderService(t, db, false)
	ctx := context.Background()
	product := seedOrderProduct(t, db, "10.00", 20)

	_, err := svc.Create(ctx, CreateOrderInput{CustomerName: "A", Items: nil})
	require.Error(t, err)

	_, err = svc.Create(ctx, CreateOrderInput{
		CustomerName:    "Ada Lovelace",
		CustomerPhone:   "+1-555-0100",
		CustomerAddress: "12 Analytical Way",
		Items:           []CreateOrderItemInput{{ProductID: product.ID, Qty: -1}},
	})
	require.Error(t, err)

	_, err = svc.Create(ctx, CreateOrderInput{
		CustomerName:    "Ada Lovelace",
		CustomerPhone:   "+1-555-0100",
		CustomerAddress: "12 Analytical Way",
		PaymentMethod:   "wire",
		Items:           []CreateOrderItemInput{{ProductID: product.ID, Qty: 1}},
	})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
}

func TestCreateOrderConcurrentLastUnits(t *testing.T) {
	t.Parallel()

	db := newOrdersTestDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Serialize sqlite writers; the goroutines still race to start.
	sqlDB.SetMaxOpenConns(1)

	product := seedOrderProduct(t, db, "4.00", 3)
	ctx := context.Background()

	input := CreateOrderInput{
		CustomerName:    "Ada Lovelace",
		CustomerPhone:   "+1-555-0100",
		CustomerAddress: "12 Analytical Way",
		Items:           []CreateOrderItemInput{{ProductID: product.ID, Qty: 2}},
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		svc := newOrderService(t, db, false)
		wg.Add(1)
		go func(i int, svc Service) {
			defer wg.Done()
			_, results[i] = svc.Create(ctx, input)
		}(i, svc)
	}
	wg.Wait()

	// Only one checkout may win the last units; the loser gets a stock error.
	var succeeded, refused int
	for _, rerr := range results {
		if rerr == nil {
			succeeded++
			continue
		}
		typed := pkgerrors.As(rerr)
		require.NotNil(t, typed, "unexpected error: %v", rerr)
		assert.Equal(t, pkgerrors.CodeInsufficientStock, typed.Code())
		refused++
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, refused)

	var stored models.Product
	require.NoError(t, db.First(&stored, "id = ?", product.ID).Error)
	assert.Equal(t, 1, stored.Stock)

	var orderCount int64
	require.NoError(t, db.Model(&models.Order{}).Count(&orderCount).Error)
	assert.EqualValues(t, 1, orderCount)
}

func TestGetOrder(t *testing.T) {
	t.Parallel()

	db := newOrdersTestDB(t)
	svc := newOrderService(t, db, false)
	ctx := context.Background()
	product := seedOrderProduct(t, db, "10.00", 20)

	created, err := svc.Create(ctx, CreateOrderInput{
		CustomerName:    "Ada Lovelace",
		CustomerPhone:   "+1-555-0100",
		CustomerAddress: "12 Analytical Way",
		Items:           []CreateOrderItemInput{{ProductID: product.ID, Qty: 2}},
	})
	require.NoError(t, err)

	loaded, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.OrderNumber, loaded.OrderNumber)
	assert.Len(t, loaded.Items, 1)

	_, err = svc.Get(ctx, uuid.New())
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}
