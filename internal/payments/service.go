package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quickmartlabs/quickmart-backend/internal/orders"
	"github.com/quickmartlabs/quickmart-backend/pkg/db"
	"github.com/quickmartlabs/quickmart-backend/pkg/db/models"
	"github.com/quickmartlabs/quickmart-backend/pkg/enums"
	pkgerrors "github.com/quickmartlabs/quickmart-backend/pkg/errors"
	"github.com/quickmartlabs/quickmart-backend/pkg/logger"
	"github.com/quickmartlabs/quickmart-backend/pkg/qrpay"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type gatewayClient interface {
	BuildPayload(params qrpay.PayloadParams) (string, error)
	QueryStatus(ctx context.Context, correlationID string) (*qrpay.ChargeStatus, error)
}

// Service manages QR payment sessions: creation, dual-path resolution, and
// expiry. A session resolves exactly once no matter how many signals race.
type Service interface {
	CreateSession(ctx context.Context, orderID uuid.UUID) (*SessionDTO, error)
	GetStatus(ctx context.Context, orderID uuid.UUID) (*StatusDTO, error)
	HandleEvent(ctx context.Context, event *WebhookEvent) error
	ExpireDueSessions(ctx context.Context, limit int) (int, error)
}

type service struct {
	tx         txRunner
	repo       Repository
	ordersRepo orders.Repository
	lifecycle  orders.Lifecycle
	gateway    gatewayClient
	sessionTTL time.Duration
	logg       *logger.Logger
	now        func() time.Time
}

// NewService builds the payment session service.
func NewService(
	tx txRunner,
	repo Repository,
	ordersRepo orders.Repository,
	lifecycle orders.Lifecycle,
	gateway gatewayClient,
	sessionTTL time.Duration,
	logg *logger.Logger,
) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if ordersRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if lifecycle == nil {
		return nil, fmt.Errorf("order lifecycle required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway client required")
	}
	if sessionTTL <= 0 {
		return nil, fmt.Errorf("session ttl must be positive")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		tx:         tx,
		repo:       repo,
		ordersRepo: ordersRepo,
		lifecycle:  lifecycle,
		gateway:    gateway,
		sessionTTL: sessionTTL,
		logg:       logg,
		now:        time.Now,
	}, nil
}

// CreateSession returns the open session for the order, creating one if none
// exists yet. Calling it twice for the same pending order hands back the same
// QR payload instead of minting a second charge.
func (s *service) CreateSession(ctx context.Context, orderID uuid.UUID) (*SessionDTO, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentMethod != enums.PaymentMethodQR {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order is not payable by QR")
	}

	existing, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment session")
	}
	if existing != nil {
		return s.reuseSession(ctx, existing)
	}

	if order.Status != enums.OrderStatusPending {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict,
			fmt.Sprintf("order is %s and cannot start payment", order.Status))
	}

	correlationID := "qs-" + uuid.NewString()
	payload, err := s.gateway.BuildPayload(qrpay.PayloadParams{
		CorrelationID: correlationID,
		Amount:        order.Total,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build qr payload")
	}

	session := &models.PaymentSession{
		ID:            uuid.New(),
		OrderID:       orderID,
		CorrelationID: correlationID,
		QRPayload:     payload,
		Amount:        order.Total,
		ExpiresAt:     s.now().UTC().Add(s.sessionTTL),
	}
	if _, err := s.repo.Create(ctx, session); err != nil {
		// A racing create hit the order_id unique index first; hand back
		// the session it opened.
		if db.IsUniqueViolation(err, "") {
			winner, ferr := s.repo.FindByOrderID(ctx, orderID)
			if ferr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, ferr, "load racing payment session")
			}
			return s.reuseSession(ctx, winner)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create payment session")
	}

	ctx = s.logg.WithOrderID(ctx, orderID.String())
	s.logg.Info(ctx, fmt.Sprintf("payment session %s opened", correlationID))
	return toSessionDTO(session), nil
}

func (s *service) reuseSession(ctx context.Context, session *models.PaymentSession) (*SessionDTO, error) {
	if session.Resolved {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment already resolved")
	}
	if s.now().UTC().After(session.ExpiresAt) {
		if _, err := s.resolve(ctx, session, enums.PaymentOutcomeExpired, ""); err != nil {
			return nil, err
		}
		return nil, pkgerrors.New(pkgerrors.CodeSessionExpired, "payment session expired")
	}
	return toSessionDTO(session), nil
}

// GetStatus serves the storefront poll loop. Expiry is applied lazily here, so
// an abandoned session collapses the first time anyone asks about it, and the
// gateway is consulted for sessions the webhook has not settled yet.
func (s *service) GetStatus(ctx context.Context, orderID uuid.UUID) (*StatusDTO, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	session, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no payment session for order")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment session")
	}

	if session.Resolved {
		return s.statusFromSession(order, session), nil
	}

	if s.now().UTC().After(session.ExpiresAt) {
		if _, err := s.resolve(ctx, session, enums.PaymentOutcomeExpired, ""); err != nil {
			return nil, err
		}
		return s.refreshStatus(ctx, orderID)
	}

	charge, err := s.gateway.QueryStatus(ctx, session.CorrelationID)
	if err != nil {
		// The poll loop retries; a flaky gateway must not fail the request.
		s.logg.Warn(ctx, fmt.Sprintf("gateway status query failed for %s: %v", session.CorrelationID, err))
		return s.statusFromSession(order, session), nil
	}

	switch charge.Status {
	case qrpay.StatusSucceeded:
		if _, err := s.resolve(ctx, session, enums.PaymentOutcomeSucceeded, charge.Reference); err != nil {
			return nil, err
		}
		return s.refreshStatus(ctx, orderID)
	case qrpay.StatusDeclined:
		if _, err := s.resolve(ctx, session, enums.PaymentOutcomeDeclined, ""); err != nil {
			return nil, err
		}
		return s.refreshStatus(ctx, orderID)
	default:
		return s.statusFromSession(order, session), nil
	}
}

// HandleEvent is the webhook path. A replayed or raced delivery finds the
// session already claimed and returns without side effects.
func (s *service) HandleEvent(ctx context.Context, event *WebhookEvent) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "event required")
	}
	if event.CorrelationID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "correlation id required")
	}

	var outcome enums.PaymentOutcome
	switch event.Status {
	case string(qrpay.StatusSucceeded):
		outcome = enums.PaymentOutcomeSucceeded
	case string(qrpay.StatusDeclined):
		outcome = enums.PaymentOutcomeDeclined
	default:
		return pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("unsupported charge status %q", event.Status))
	}

	session, err := s.repo.FindByCorrelationID(ctx, event.CorrelationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "payment session not found")
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment session")
	}

	claimed, err := s.resolve(ctx, session, outcome, event.Reference)
	if err != nil {
		return err
	}
	if !claimed {
		s.logg.Info(ctx, fmt.Sprintf("session %s already resolved, webhook ignored", session.CorrelationID))
	}
	return nil
}

// ExpireDueSessions sweeps sessions whose deadline passed without a signal.
// Each session resolves in its own transaction so one bad row does not block
// the batch.
func (s *service) ExpireDueSessions(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.FindExpiredUnresolved(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list expired sessions")
	}

	expired := 0
	for i := range due {
		claimed, err := s.resolve(ctx, &due[i], enums.PaymentOutcomeExpired, "")
		if err != nil {
			s.logg.Error(ctx, fmt.Sprintf("expire session %s", due[i].CorrelationID), err)
			continue
		}
		if claimed {
			expired++
		}
	}
	return expired, nil
}

// resolve claims the session and applies the matching order transition in one
// transaction. Returns false when another signal already claimed it.
func (s *service) resolve(ctx context.Context, session *models.PaymentSession, outcome enums.PaymentOutcome, reference string) (bool, error) {
	var claimed bool
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		ok, err := repo.ClaimResolve(ctx, session.ID, outcome)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		claimed = true

		target := orderStatusForOutcome(outcome)
		if _, err := s.lifecycle.TransitionTx(ctx, tx, session.OrderID, target); err != nil {
			// The order may have been cancelled while the session was open. The
			// session still settles; the operator handles the money manually.
			if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeStateConflict {
				s.logg.Warn(ctx, fmt.Sprintf("session %s resolved %s but order %s refused transition: %s",
					session.CorrelationID, outcome, session.OrderID, typed.Message()))
			} else {
				return err
			}
		}

		if outcome == enums.PaymentOutcomeSucceeded && reference != "" {
			ordersRepo := s.ordersRepo.WithTx(tx)
			if err := ordersRepo.Update(ctx, session.OrderID, map[string]any{"payment_ref": reference}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if claimed {
		ctx = s.logg.WithOrderID(ctx, session.OrderID.String())
		s.logg.Info(ctx, fmt.Sprintf("payment session %s resolved %s", session.CorrelationID, outcome))
		session.Resolved = true
		session.Outcome = &outcome
	}
	return claimed, nil
}

func (s *service) refreshStatus(ctx context.Context, orderID uuid.UUID) (*StatusDTO, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	session, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload payment session")
	}
	return s.statusFromSession(order, session), nil
}

func (s *service) loadOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.ordersRepo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	return order, nil
}

func (s *service) statusFromSession(order *models.Order, session *models.PaymentSession) *StatusDTO {
	status := "pending"
	if session.Resolved && session.Outcome != nil {
		status = string(*session.Outcome)
	}
	return &StatusDTO{
		OrderID:       order.ID,
		PaymentStatus: status,
		OrderStatus:   order.Status,
		ExpiresAt:     session.ExpiresAt,
	}
}

func orderStatusForOutcome(outcome enums.PaymentOutcome) enums.OrderStatus {
	switch outcome {
	case enums.PaymentOutcomeSucceeded:
		return enums.OrderStatusProcessing
	case enums.PaymentOutcomeDeclined:
		return enums.OrderStatusFailed
	default:
		return enums.OrderStatusExpired
	}
}
