package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quickmartlabs/quickmart-backend/pkg/db/models"
	pkgerrors "github.com/quickmartlabs/quickmart-backend/pkg/errors"
)

// ReservationRequest asks for qty units of one product.
type ReservationRequest struct {
	ProductID uuid.UUID
	Qty       int
}

// ReservationResult reports the outcome of one reservation attempt.
type ReservationResult struct {
	ProductID uuid.UUID
	Reserved  bool
	Reason    string
	Available int
}

// ReleaseItem returns qty units of one product to stock.
type ReleaseItem struct {
	ProductID uuid.UUID
	Qty       int
}

// LockProducts loads the requested rows under FOR UPDATE, in ascending id order
// so concurrent transactions acquire locks in the same sequence.
func LockProducts(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]models.Product, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})

	query := tx.WithContext(ctx)
	// SQLite has no row locks; writes serialize on the database file.
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var products []models.Product
	err := query.
		Where("id IN ?", sorted).
		Order("id ASC").
		Find(&products).Error
	if err != nil {
		return nil, err
	}
	return products, nil
}

// Reserve decrements stock for each request with a guarded update, so the decrement
// only lands when enough stock remains. Callers run this inside a transaction and
// abort on any unreserved result.
func Reserve(ctx context.Context, tx *gorm.DB, requests []ReservationRequest) ([]ReservationResult, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}

	results := make([]ReservationResult, 0, len(requests))
	for _, req := range requests {
		if req.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required")
		}
		if req.Qty <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation,
				fmt.Sprintf("quantity for product %s must be positive", req.ProductID))
		}

		res := tx.WithContext(ctx).
			Model(&models.Product{}).
			Where("id = ? AND is_active = ? AND stock >= ?", req.ProductID, true, req.Qty).
			UpdateColumn("stock", gorm.Expr("stock - ?", req.Qty))
		if res.Error != nil {
			return nil, res.Error
		}

		result := ReservationResult{ProductID: req.ProductID, Reserved: res.RowsAffected == 1}
		if !result.Reserved {
			available, reason, err := explainFailure(ctx, tx, req.ProductID)
			if err != nil {
				return nil, err
			}
			result.Available = available
			result.Reason = reason
		}
		results = append(results, result)
	}
	return results, nil
}

// Release adds stock back for each item. Failures do not stop the sweep; every
// product gets an attempt and the combined error is returned.
func Release(ctx context.Context, tx *gorm.DB, items []ReleaseItem) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}

	var combined error
	for _, item := range items {
		if item.ProductID == uuid.Nil || item.Qty <= 0 {
			continue
		}
		err := tx.WithContext(ctx).
			Model(&models.Product{}).
			Where("id = ?", item.ProductID).
			UpdateColumn("stock", gorm.Expr("stock + ?", item.Qty)).Error
		if err != nil {
			combined = multierr.Append(combined,
				fmt.Errorf("release stock for product %s: %w", item.ProductID, err))
		}
	}
	return combined
}

func explainFailure(ctx context.Context, tx *gorm.DB, productID uuid.UUID) (int, string, error) {
	var product models.Product
	err := tx.WithContext(ctx).
		Select("stock", "is_active").
		Where("id = ?", productID).
		First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, "product not found", nil
		}
		return 0, "", err
	}
	if !product.IsActive {
		return 0, "product unavailable", nil
	}
	return product.Stock, "insufficient stock", nil
}
