package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quickmartlabs/quickmart-backend/pkg/db/models"
	"github.com/quickmartlabs/quickmart-backend/pkg/enums"
)

// Repository defines persistence operations for payment sessions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, session *models.PaymentSession) (*models.PaymentSession, error)
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.PaymentSession, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*models.PaymentSession, error)
	ClaimResolve(ctx context.Context, sessionID uuid.UUID, outcome enums.PaymentOutcome) (bool, error)
	FindExpiredUnresolved(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentSession, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a payment session repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, session *models.PaymentSession) (*models.PaymentSession, error) {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, err
	}
	return session, nil
}

func (r *repository) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.PaymentSession, error) {
	var session models.PaymentSession
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *repository) FindByCorrelationID(ctx context.Context, correlationID string) (*models.PaymentSession, error) {
	var session models.PaymentSession
	err := r.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ClaimResolve flips the session to resolved with a conditional update. Only
// the caller whose update lands sees true; everyone else arrived after the
// session was already claimed.
func (r *repository) ClaimResolve(ctx context.Context, sessionID uuid.UUID, outcome enums.PaymentOutcome) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.PaymentSession{}).
		Where("id = ? AND resolved = ?", sessionID, false).
		Updates(map[string]any{
			"resolved":   true,
			"outcome":    outcome,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) FindExpiredUnresolved(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentSession, error) {
	query := r.db.WithContext(ctx).
		Where("resolved = ? AND expires_at <= ?", false, cutoff).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var sessions []models.PaymentSession
	if err := query.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}
