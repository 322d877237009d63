package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quickmartlabs/quickmart-backend/internal/inventory"
	"github.com/quickmartlabs/quickmart-backend/pkg/db/models"
	"github.com/quickmartlabs/quickmart-backend/pkg/enums"
	pkgerrors "github.com/quickmartlabs/quickmart-backend/pkg/errors"
	"github.com/quickmartlabs/quickmart-backend/pkg/logger"
)

// allowedTransitions is the full order state machine. Absent statuses are
// terminal and reject every transition.
var allowedTransitions = map[enums.OrderStatus][]enums.OrderStatus{
	enums.OrderStatusPending: {
		enums.OrderStatusProcessing,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
		enums.OrderStatusExpired,
	},
	enums.OrderStatusProcessing: {
		enums.OrderStatusDelivered,
		enums.OrderStatusCancelled,
	},
}

type stockReleaser interface {
	Release(ctx context.Context, tx *gorm.DB, items []inventory.ReleaseItem) error
}

type releaseEngine struct{}

func (releaseEngine) Release(ctx context.Context, tx *gorm.DB, items []inventory.ReleaseItem) error {
	return inventory.Release(ctx, tx, items)
}

// Lifecycle drives order status changes and the stock restore that terminal
// cancellations imply.
type Lifecycle interface {
	Transition(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus) (*OrderDTO, error)
	TransitionTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, target enums.OrderStatus) (*models.Order, error)
}

type lifecycle struct {
	tx       txRunner
	repo     Repository
	releaser stockReleaser
	logg     *logger.Logger
	now      func() time.Time
}

// NewLifecycle builds the order lifecycle service.
func NewLifecycle(tx txRunner, repo Repository, logg *logger.Logger) (Lifecycle, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &lifecycle{
		tx:       tx,
		repo:     repo,
		releaser: releaseEngine{},
		logg:     logg,
		now:      time.Now,
	}, nil
}

func (l *lifecycle) Transition(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus) (*OrderDTO, error) {
	var updated *models.Order
	err := l.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := l.TransitionTx(ctx, tx, orderID, target)
		if err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return toOrderDTO(updated), nil
}

// TransitionTx applies one transition inside an existing transaction. The row
// is re-read under lock so concurrent transitions serialize, and a second
// attempt at a terminal order fails with a state conflict instead of applying
// twice.
func (l *lifecycle) TransitionTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, target enums.OrderStatus) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if !target.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("unknown order status %q", target))
	}

	repo := l.repo.WithTx(tx)
	order, err := repo.FindByIDForUpdate(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}

	if err := ensureTransition(order.Status, target); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	updates := map[string]any{"status": target, "updated_at": now}
	switch target {
	case enums.OrderStatusDelivered:
		updates["delivered_at"] = now
	case enums.OrderStatusCancelled:
		updates["cancelled_at"] = now
	case enums.OrderStatusFailed:
		updates["failed_at"] = now
	case enums.OrderStatusExpired:
		updates["expired_at"] = now
	}
	if err := repo.Update(ctx, orderID, updates); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update order status")
	}

	items, err := repo.FindItemsByOrder(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order items")
	}

	if target.ReleasesStock() {
		releases := make([]inventory.ReleaseItem, 0, len(items))
		for _, item := range items {
			releases = append(releases, inventory.ReleaseItem{ProductID: item.ProductID, Qty: item.Quantity})
		}
		// Release is best effort: a per-item restore failure must not block
		// the terminal transition, so log and keep the commit.
		if err := l.releaser.Release(ctx, tx, releases); err != nil {
			l.logg.Error(l.logg.WithOrderID(ctx, orderID.String()), "stock restore incomplete", err)
		}
	}

	ctx = l.logg.WithOrderID(ctx, orderID.String())
	l.logg.Info(ctx, fmt.Sprintf("order transitioned %s -> %s", order.Status, target))

	order.Status = target
	order.UpdatedAt = now
	order.Items = items
	return order, nil
}

func ensureTransition(current, target enums.OrderStatus) error {
	if current == target {
		return pkgerrors.New(pkgerrors.CodeStateConflict,
			fmt.Sprintf("order is already %s", current))
	}
	if current.IsTerminal() {
		return pkgerrors.New(pkgerrors.CodeStateConflict,
			fmt.Sprintf("order is %s and cannot change", current))
	}
	for _, allowed := range allowedTransitions[current] {
		if allowed == target {
			return nil
		}
	}
	return pkgerrors.New(pkgerrors.CodeStateConflict,
		fmt.Sprintf("cannot transition order from %s to %s", current, target))
}
