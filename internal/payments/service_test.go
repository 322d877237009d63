package payments

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quickmartlabs/quickmart-backend/internal/orders"
	"github.com/quickmartlabs/quickmart-backend/pkg/db/models"
	"github.com/quickmartlabs/quickmart-backend/pkg/enums"
	pkgerrors "github.com/quickmartlabs/quickmart-backend/pkg/errors"
	"github.com/quickmartlabs/quickmart-backend/pkg/logger"
	"github.com/quickmartlabs/quickmart-backend/pkg/qrpay"
)

type testTxRunner struct {
	db *gorm.DB
}

func (r testTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}

type stubGateway struct {
	status   *qrpay.ChargeStatus
	queryErr error
	queries  int
}

func (s *stubGateway) BuildPayload(params qrpay.PayloadParams) (string, error) {
	return "QR:" + params.CorrelationID + ":" + params.Amount.StringFixed(2), nil
}

func (s *stubGateway) QueryStatus(ctx context.Context, correlationID string) (*qrpay.ChargeStatus, error) {
	s.queries++
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	if s.status != nil {
		return s.status, nil
	}
	return &qrpay.ChargeStatus{CorrelationID: correlationID, Status: qrpay.StatusPending}, nil
}

type fixture struct {
	db      *gorm.DB
	svc     Service
	gateway *stubGateway
	raw     *service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := "file:payments_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Product{}, &models.Order{}, &models.OrderItem{}, &models.PaymentSession{}))

	logg := logger.New(logger.Options{ServiceName: "payments-test", Level: zerolog.ErrorLevel})
	ordersRepo := orders.NewRepository(db)
	lifecycle, err := orders.NewLifecycle(testTxRunner{db: db}, ordersRepo, logg)
	require.NoError(t, err)

	gateway := &stubGateway{}
	svc, err := NewService(testTxRunner{db: db}, NewRepository(db), ordersRepo, lifecycle, gateway, 15*time.Minute, logg)
	require.NoError(t, err)

	return &fixture{db: db, svc: svc, gateway: gateway, raw: svc.(*service)}
}

func (f *fixture) seedOrder(t *testing.T, status enums.OrderStatus, method enums.PaymentMethod) (models.Order, models.Product) {
	t.Helper()
	product := models.Product{
		ID:       uuid.New(),
		Name:     "Coffee",
		Price:    decimal.RequireFromString("10.00"),
		Stock:    8,
		IsActive: true,
	}
	require.NoError(t, f.db.Create(&product).Error)

	order := models.Order{
		ID:              uuid.New(),
		OrderNumber:     "QM-20260831-" + uuid.NewString()[:4],
		Status:          status,
		Subtotal:        decimal.RequireFromString("20.00"),
		Shipping:        decimal.RequireFromString("5.00"),
		Total:           decimal.RequireFromString("25.00"),
		CustomerName:    "Ada Lovelace",
		CustomerPhone:   "+1-555-0100",
		CustomerAddress: "12 Analytical Way",
		PaymentMethod:   method,
	}
	require.NoError(t, f.db.Create(&order).Error)
	require.NoError(t, f.db.Create(&models.OrderItem{
		ID:        uuid.New(),
		OrderID:   order.ID,
		ProductID: product.ID,
		Name:      product.Name,
		Price:     product.Price,
		Quantity:  2,
	}).Error)
	return order, product
}

func (f *fixture) orderStatus(t *testing.T, id uuid.UUID) enums.OrderStatus {
	t.Helper()
	var order models.Order
	require.NoError(t, f.db.First(&order, "id = ?", id).Error)
	return order.Status
}

func TestCreateSessionIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)

	first, err := f.svc.CreateSession(ctx, order.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, first.QRPayload)
	assert.True(t, first.Amount.Equal(decimal.RequireFromString("25.00")))

	second, err := f.svc.CreateSession(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)

	var count int64
	require.NoError(t, f.db.Model(&models.PaymentSession{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

// raceRepo hides the existing session from the first lookup, recreating the
// window where two creates both miss and race the unique index.
type raceRepo struct {
	Repository
	misses int
}

func (r *raceRepo) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.PaymentSession, error) {
	if r.misses > 0 {
		r.misses--
		return nil, gorm.ErrRecordNotFound
	}
	return r.Repository.FindByOrderID(ctx, orderID)
}

func TestCreateSessionLosingRaceReturnsWinner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)

	first, err := f.svc.CreateSession(ctx, order.ID)
	require.NoError(t, err)

	f.raw.repo = &raceRepo{Repository: f.raw.repo, misses: 1}

	// The loser misses the lookup, hits the order_id unique index, and must
	// come back with the winner's session instead of an error.
	second, err := f.svc.CreateSession(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)

	var count int64
	require.NoError(t, f.db.Model(&models.PaymentSession{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCreateSessionRejectsNonPendingOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, _ := f.seedOrder(t, enums.OrderStatusCancelled, enums.PaymentMethodQR)

	_, err := f.svc.CreateSession(context.Background(), order.ID)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeStateConflict, typed.Code())
}

func TestCreateSessionRejectsCashOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, _ := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodCash)

	_, err := f.svc.CreateSession(context.Background(), order.ID)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
}

func TestHandleEventSuccessMovesOrderToProcessing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	order, product := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)

	session, err := f.svc.CreateSession(ctx, order.ID)
	require.NoError(t, err)

	err = f.svc.HandleEvent(ctx, &WebhookEvent{
		EventID:       "evt-1",
		CorrelationID: session.CorrelationID,
		Status:        "succeeded",
		Reference:     "gw-777",
	})
	require.NoError(t, err)

	assert.Equal(t, enums.OrderStatusProcessing, f.orderStatus(t, order.ID))

	var reloaded models.Order
	require.NoError(t, f.db.First(&reloaded, "id = ?", order.ID).Error)
	require.NotNil(t, reloaded.PaymentRef)
	assert.Equal(t, "gw-777", *reloaded.PaymentRef)

	// Success keeps the reservation.
	var stored models.Product
	require.NoError(t, f.db.First(&stored, "id = ?", product.ID).Error)
	assert.Equal(t, 8, stored.Stock)
}

func TestHandleEventDeclinedFailsOrderAndRestoresStock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	order, product := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)

	session, err := f.svc.CreateSession(ctx, order.ID)
	require.NoError(t, err)

	err = f.svc.HandleEvent(ctx, &WebhookEvent{
		EventID:       "evt-2",
		CorrelationID: session.CorrelationID,
		Status:        "declined",
	})
	require.NoError(t, err)

	assert.Equal(t, enums.OrderStatusFailed, f.orderStatus(t, order.ID))

	var stored models.Product
	require.NoError(t, f.db.First(&stored, "id = ?", product.ID).Error)
	assert.Equal(t, 10, stored.Stock)
}

func TestHandleEventResolvesExactlyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)

	session, err := f.svc.CreateSession(ctx, order.ID)
	require.NoError(t, err)

	success := &WebhookEvent{EventID: "evt-3", CorrelationID: session.CorrelationID, Status: "succeeded"}
	require.NoError(t, f.svc.HandleEvent(ctx, success))

	// A replay and a contradictory late event are both no-ops.
	require.NoError(t, f.svc.HandleEvent(ctx, success))
	require.NoError(t, f.svc.HandleEvent(ctx, &WebhookEvent{
		EventID:       "evt-4",
		CorrelationID: session.CorrelationID,
		Status:        "declined",
	}))

	assert.Equal(t, enums.OrderStatusProcessing, f.orderStatus(t, order.ID))

	var stored models.PaymentSession
	require.NoError(t, f.db.First(&stored, "correlation_id = ?", session.CorrelationID).Error)
	require.NotNil(t, stored.Outcome)
	assert.Equal(t, enums.PaymentOutcomeSucceeded, *stored.Outcome)
}

func TestHandleEventConcurrentDeliveriesClaimOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	// Serialize sqlite writers; the deliveries still race to claim.
	sqlDB.SetMaxOpenConns(1)

	ctx := context.Background()
	order, _ := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)

	session, err := f.svc.CreateSession(ctx, order.ID)
	require.NoError(t, err)

	const deliveries = 4
	var wg sync.WaitGroup
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.svc.HandleEvent(ctx, &WebhookEvent{
				EventID:       fmt.Sprintf("evt-race-%d", i),
				CorrelationID: session.CorrelationID,
				Status:        "succeeded",
				Reference:     "gw-999",
			})
		}(i)
	}
	wg.Wait()

	for i, derr := range errs {
		require.NoError(t, derr, "delivery %d", i)
	}

	// Exactly one delivery claimed the session; the order moved once.
	assert.Equal(t, enums.OrderStatusProcessing, f.orderStatus(t, order.ID))

	var stored models.PaymentSession
	require.NoError(t, f.db.First(&stored, "correlation_id = ?", session.CorrelationID).Error)
	assert.True(t, stored.Resolved)
	require.NotNil(t, stored.Outcome)
	assert.Equal(t, enums.PaymentOutcomeSucceeded, *stored.Outcome)
}

func TestHandleEventUnknownSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.svc.HandleEvent(context.Background(), &WebhookEvent{
		EventID:       "evt-5",
		CorrelationID: "qs-missing",
		Status:        "succeeded",
	})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}

func TestHandleEventRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.svc.HandleEvent(context.Background(), &WebhookEvent{
		EventID:       "evt-6",
		CorrelationID: "qs-any",
		Status:        "refunded",
	})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
}

func TestGetStatusPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)

	_, err := f.svc.CreateSession(ctx, order.ID)
	require.NoError(t, err)

	status, err := f.svc.GetStatus(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", status.PaymentStatus)
	assert.Equal(t, enums.OrderStatusPending, status.OrderStatus)
	assert.Equal(t, 1, f.gateway.queries)
}

func TestGetStatusResolvesViaGatewayPoll(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)

	session, err := f.svc.CreateSession(ctx, order.ID)
	require.NoError(t, err)

	f.gateway.status = &qrpay.ChargeStatus{
		CorrelationID: session.CorrelationID,
		Status:        qrpay.StatusSucceeded,
		Reference:     "gw-888",
	}

	status, err := f.svc.GetStatus(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", status.PaymentStatus)
	assert.Equal(t, enums.OrderStatusProcessing, status.OrderStatus)

	var reloaded models.Order
	require.NoError(t, f.db.First(&reloaded, "id = ?", order.ID).Error)
	require.NotNil(t, reloaded.PaymentRef)
	assert.Equal(t, "gw-888", *reloaded.PaymentRef)

	// Resolved sessions skip the gateway on later polls.
	_, err = f.svc.GetStatus(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.gateway.queries)
}

func TestGetStatusLazyExpiry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	order, product := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)

	_, err := f.svc.CreateSession(ctx, order.ID)
	require.NoError(t, err)

	// Move the clock past the deadline.
	f.raw.now = func() time.Time { return time.Now().Add(16 * time.Minute) }

	status, err := f.svc.GetStatus(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "expired", status.PaymentStatus)
	assert.Equal(t, enums.OrderStatusExpired, status.OrderStatus)
	assert.Zero(t, f.gateway.queries)

	var stored models.Product
	require.NoError(t, f.db.First(&stored, "id = ?", product.ID).Error)
	assert.Equal(t, 10, stored.Stock)
}

func TestGetStatusGatewayFailureDegradesToPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)

	_, err := f.svc.CreateSession(ctx, order.ID)
	require.NoError(t, err)

	f.gateway.queryErr = pkgerrors.New(pkgerrors.CodeDependency, "gateway down")

	status, err := f.svc.GetStatus(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", status.PaymentStatus)
}

func TestGetStatusWithoutSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	order, _ := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)

	_, err := f.svc.GetStatus(context.Background(), order.ID)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}

func TestExpireDueSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	orderA, productA := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)
	orderB, _ := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)

	_, err := f.svc.CreateSession(ctx, orderA.ID)
	require.NoError(t, err)
	_, err = f.svc.CreateSession(ctx, orderB.ID)
	require.NoError(t, err)

	f.raw.now = func() time.Time { return time.Now().Add(16 * time.Minute) }

	expired, err := f.svc.ExpireDueSessions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	assert.Equal(t, enums.OrderStatusExpired, f.orderStatus(t, orderA.ID))
	assert.Equal(t, enums.OrderStatusExpired, f.orderStatus(t, orderB.ID))

	var stored models.Product
	require.NoError(t, f.db.First(&stored, "id = ?", productA.ID).Error)
	assert.Equal(t, 10, stored.Stock)

	// A second sweep finds nothing left to expire.
	expired, err = f.svc.ExpireDueSessions(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestWebhookAfterCancelSettlesSessionOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.seedOrder(t, enums.OrderStatusPending, enums.PaymentMethodQR)

	session, err := f.svc.CreateSession(ctx, order.ID)
	require.NoError(t, err)

	// Admin cancels while the customer is mid-payment.
	logg := logger.New(logger.Options{ServiceName: "payments-test", Level: zerolog.ErrorLevel})
	lifecycle, err := orders.NewLifecycle(testTxRunner{db: f.db}, orders.NewRepository(f.db), logg)
	require.NoError(t, err)
	_, err = lifecycle.Transition(ctx, order.ID, enums.OrderStatusCancelled)
	require.NoError(t, err)

	err = f.svc.HandleEvent(ctx, &WebhookEvent{
		EventID:       "evt-late",
		CorrelationID: session.CorrelationID,
		Status:        "succeeded",
	})
	require.NoError(t, err)

	// The session settled but the cancelled order did not move.
	assert.Equal(t, enums.OrderStatusCancelled, f.orderStatus(t, order.ID))

	var stored models.PaymentSession
	require.NoError(t, f.db.First(&stored, "correlation_id = ?", session.CorrelationID).Error)
	assert.True(t, stored.Resolved)
}
