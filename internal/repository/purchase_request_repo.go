package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"procurement/internal/apperror"
	"procurement/internal/model"
)

// PRFilter narrows purchase request listings. Zero fields match everything.
type PRFilter struct {
	Statuses   []model.PRStatus
	OwnerID    *uuid.UUID
	Department string
	Keyword    string // partial match on pr_number or title
	Page       int
	Limit      int
}

type PurchaseRequestRepository interface {
	Create(ctx context.Context, pr *model.PurchaseRequest) error
	FindByID(ctx context.Context, id uint) (*model.PurchaseRequest, error)
	FindByIDForUpdate(ctx context.Context, id uint) (*model.PurchaseRequest, error)
	List(ctx context.Context, filter PRFilter) ([]model.PurchaseRequest, int64, error)
	UpdateState(ctx context.Context, pr *model.PurchaseRequest) error
	UpdateItemPrice(ctx context.Context, prID, itemID uint, price decimal.Decimal) error
	CountByStatus(ctx context.Context) (map[model.PRStatus]int64, error)
	SumApproved(ctx context.Context, year int) (decimal.Decimal, error)
	NextNumber(ctx context.Context, day time.Time) (string, error)
}

type purchaseRequestRepository struct {
	db *gorm.DB
}

func NewPurchaseRequestRepository(db *gorm.DB) PurchaseRequestRepository {
	return &purchaseRequestRepository{db: db}
}

func orderedItems(db *gorm.DB) *gorm.DB {
	return db.Order("line_no ASC")
}

// Create inserts the PR together with its items.
func (r *purchaseRequestRepository) Create(ctx context.Context, pr *model.PurchaseRequest) error {
	return GetDB(ctx, r.db).Create(pr).Error
}

func (r *purchaseRequestRepository) FindByID(ctx context.Context, id uint) (*model.PurchaseRequest, error) {
	var pr model.PurchaseRequest
	if err := GetDB(ctx, r.db).Preload("Items", orderedItems).Preload("Owner").First(&pr, id).Error; err != nil {
		return nil, notFound(err, "purchase request", id)
	}
	return &pr, nil
}

// FindByIDForUpdate re-reads the PR inside the caller's transaction, row-locked on postgres.
func (r *purchaseRequestRepository) FindByIDForUpdate(ctx context.Context, id uint) (*model.PurchaseRequest, error) {
	var pr model.PurchaseRequest
	db := GetDB(ctx, r.db)
	if err := forUpdate(db).First(&pr, id).Error; err != nil {
		return nil, notFound(err, "purchase request", id)
	}
	if err := db.Scopes(orderedItems).Where("pr_id = ?", pr.ID).Find(&pr.Items).Error; err != nil {
		return nil, fmt.Errorf("load items of PR %d: %w", id, err)
	}
	var owner model.User
	if err := db.First(&owner, "id = ?", pr.OwnerID).Error; err == nil {
		pr.Owner = &owner
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load owner of PR %d: %w", id, err)
	}
	return &pr, nil
}

func (r *purchaseRequestRepository) List(ctx context.Context, filter PRFilter) ([]model.PurchaseRequest, int64, error) {
	var prs []model.PurchaseRequest
	var total int64

	db := GetDB(ctx, r.db)
	scope := func(q *gorm.DB) *gorm.DB {
		if len(filter.Statuses) > 0 {
			q = q.Where("status IN ?", filter.Statuses)
		}
		if filter.OwnerID != nil {
			q = q.Where("owner_id = ?", *filter.OwnerID)
		}
		if filter.Department != "" {
			q = q.Where("department = ?", filter.Department)
		}
		if filter.Keyword != "" {
			like := "%" + filter.Keyword + "%"
			q = q.Where("pr_number LIKE ? OR title LIKE ?", like, like)
		}
		return q
	}

	if err := db.Model(&model.PurchaseRequest{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (filter.Page - 1) * filter.Limit
	if err := db.Scopes(scope).Preload("Items", orderedItems).Preload("Owner").
		Order("created_at desc, id desc").Offset(offset).Limit(filter.Limit).Find(&prs).Error; err != nil {
		return nil, 0, err
	}
	return prs, total, nil
}

// UpdateState persists the workflow columns of pr, guarded by its version. A stale
// version yields apperror.ErrConcurrencyConflict.
func (r *purchaseRequestRepository) UpdateState(ctx context.Context, pr *model.PurchaseRequest) error {
	res := GetDB(ctx, r.db).Model(&model.PurchaseRequest{}).
		Where("id = ? AND version = ?", pr.ID, pr.Version).
		Updates(map[string]any{
			"status":            pr.Status,
			"total_amount":      pr.TotalAmount,
			"reject_reason":     pr.RejectReason,
			"escalation_reason": pr.EscalationReason,
			"budget_id":         pr.BudgetID,
			"version":           pr.Version + 1,
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("update PR %d: %w", pr.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("PR %d version %d: %w", pr.ID, pr.Version, apperror.ErrConcurrencyConflict)
	}
	pr.Version++
	return nil
}

func (r *purchaseRequestRepository) UpdateItemPrice(ctx context.Context, prID, itemID uint, price decimal.Decimal) error {
	res := GetDB(ctx, r.db).Model(&model.PRItem{}).
		Where("id = ? AND pr_id = ?", itemID, prID).
		Update("unit_price", price)
	if res.Error != nil {
		return fmt.Errorf("price item %d: %w", itemID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperror.NotFound("item", itemID)
	}
	return nil
}

func (r *purchaseRequestRepository) CountByStatus(ctx context.Context) (map[model.PRStatus]int64, error) {
	var rows []struct {
		Status model.PRStatus
		Count  int64
	}
	if err := GetDB(ctx, r.db).Model(&model.PurchaseRequest{}).
		Select("status, COUNT(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count PRs by status: %w", err)
	}
	out := make(map[model.PRStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *purchaseRequestRepository) SumApproved(ctx context.Context, year int) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := GetDB(ctx, r.db).Model(&model.PurchaseRequest{}).
		Where("status = ? AND total_amount IS NOT NULL AND updated_at >= ? AND updated_at < ?", model.PRStatusApproved, start, start.AddDate(1, 0, 0)).
		Pluck("total_amount", &amounts).Error; err != nil {
		return decimal.Zero, fmt.Errorf("sum approved PRs: %w", err)
	}
	return decimal.Sum(decimal.Zero, amounts...), nil
}

// NextNumber generates PR-YYYYMMDD-NNNNN. Call it inside the creating transaction.
func (r *purchaseRequestRepository) NextNumber(ctx context.Context, day time.Time) (string, error) {
	prefix := "PR-" + day.Format("20060102") + "-"
	return nextNumber(GetDB(ctx, r.db), &model.PurchaseRequest{}, "pr_number", prefix, 5)
}
