package payments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quickmartlabs/quickmart-backend/pkg/db/models"
	"github.com/quickmartlabs/quickmart-backend/pkg/enums"
)

// WebhookEvent is the gateway's push notification for a charge.
type WebhookEvent struct {
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Reference     string `json:"reference,omitempty"`
}

// SessionDTO is the payment session payload returned to clients.
type SessionDTO struct {
	OrderID       uuid.UUID             `json:"order_id"`
	CorrelationID string                `json:"correlation_id"`
	QRPayload     string                `json:"qr_payload"`
	Amount        decimal.Decimal       `json:"amount"`
	Resolved      bool                  `json:"resolved"`
	Outcome       *enums.PaymentOutcome `json:"outcome,omitempty"`
	ExpiresAt     time.Time             `json:"expires_at"`
}

// StatusDTO reports where a payment stands, for the storefront poll loop.
type StatusDTO struct {
	OrderID       uuid.UUID         `json:"order_id"`
	PaymentStatus string            `json:"payment_status"`
	OrderStatus   enums.OrderStatus `json:"order_status"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

func toSessionDTO(session *models.PaymentSession) *SessionDTO {
	return &SessionDTO{
		OrderID:       session.OrderID,
		CorrelationID: session.CorrelationID,
		QRPayload:     session.QRPayload,
		Amount:        session.Amount,
		Resolved:      session.Resolved,
		Outcome:       session.Outcome,
		ExpiresAt:     session.ExpiresAt,
	}
}
