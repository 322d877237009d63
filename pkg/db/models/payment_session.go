package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quickmartlabs/quickmart-backend/pkg/enums"
)

// PaymentSession correlates an order with one QR payment request at the
// gateway. Resolved flips to true exactly once; whichever signal claims the
// session first applies the order transition.
type PaymentSession struct {
	ID            uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrderID       uuid.UUID             `gorm:"column:order_id;type:uuid;not null;uniqueIndex"`
	CorrelationID string                `gorm:"column:correlation_id;not null;uniqueIndex"`
	QRPayload     string                `gorm:"column:qr_payload;not null"`
	Amount        decimal.Decimal       `gorm:"column:amount;type:numeric(12,2);not null"`
	Resolved      bool                  `gorm:"column:resolved;not null;default:false"`
	Outcome       *enums.PaymentOutcome `gorm:"column:outcome"`
	ExpiresAt     time.Time             `gorm:"column:expires_at;not null"`
	CreatedAt     time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}
