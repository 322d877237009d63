package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quickmartlabs/quickmart-backend/pkg/db/models"
	"github.com/quickmartlabs/quickmart-backend/pkg/enums"
)

// CreateOrderItemInput is one requested line. DeclaredUnitPrice is what the
// client believes it pays; it never feeds the arithmetic.
type CreateOrderItemInput struct {
	ProductID         uuid.UUID        `json:"product_id" validate:"required"`
	Qty               int              `json:"qty" validate:"required,gt=0"`
	DeclaredUnitPrice *decimal.Decimal `json:"declared_unit_price,omitempty"`
}

// CreateOrderInput captures the checkout form.
type CreateOrderInput struct {
	CustomerName    string                 `json:"customer_name" validate:"required,min=2,max=120"`
	CustomerPhone   string                 `json:"customer_phone" validate:"required,min=5,max=32"`
	CustomerAddress string                 `json:"customer_address" validate:"required,min=5,max=500"`
	PaymentMethod   string                 `json:"payment_method" validate:"omitempty,oneof=qr cash"`
	DeclaredTotal   *decimal.Decimal       `json:"declared_total,omitempty"`
	Items           []CreateOrderItemInput `json:"items" validate:"required,min=1,max=100,dive"`
}

// OrderItemDTO is the snapshotted line returned to clients.
type OrderItemDTO struct {
	ProductID uuid.UUID       `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	ImageURL  *string         `json:"image_url,omitempty"`
	Quantity  int             `json:"quantity"`
}

// OrderDTO is the order payload returned to clients.
type OrderDTO struct {
	ID              uuid.UUID         `json:"id"`
	OrderNumber     string            `json:"order_number"`
	Status          enums.OrderStatus `json:"status"`
	Subtotal        decimal.Decimal   `json:"subtotal"`
	Shipping        decimal.Decimal   `json:"shipping"`
	Total           decimal.Decimal   `json:"total"`
	CustomerName    string            `json:"customer_name"`
	CustomerPhone   string            `json:"customer_phone"`
	CustomerAddress string            `json:"customer_address"`
	PaymentMethod   string            `json:"payment_method"`
	Items           []OrderItemDTO    `json:"items"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func toOrderDTO(order *models.Order) *OrderDTO {
	dto := &OrderDTO{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		Status:          order.Status,
		Subtotal:        order.Subtotal,
		Shipping:        order.Shipping,
		Total:           order.Total,
		CustomerName:    order.CustomerName,
		CustomerPhone:   order.CustomerPhone,
		CustomerAddress: order.CustomerAddress,
		PaymentMethod:   string(order.PaymentMethod),
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
	for _, item := range order.Items {
		dto.Items = append(dto.Items, OrderItemDTO{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			ImageURL:  item.ImageURL,
			Quantity:  item.Quantity,
		})
	}
	return dto
}
