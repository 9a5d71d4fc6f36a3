package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"procurement/internal/apperror"
	"procurement/internal/model"
)

type BudgetFilter struct {
	Year       int
	Department string
	Status     model.BudgetStatus
	Page       int
	Limit      int
}

// BudgetRepository stores budgets, their append-only usage records and PR reservations.
// Usage records have no update or delete path.
type BudgetRepository interface {
	Create(ctx context.Context, budget *model.Budget) error
	FindByID(ctx context.Context, id uint) (*model.Budget, error)
	FindByIDForUpdate(ctx context.Context, id uint) (*model.Budget, error)
	FindActive(ctx context.Context, department *string, year int) (*model.Budget, error)
	FindByYear(ctx context.Context, year int) ([]model.Budget, error)
	List(ctx context.Context, filter BudgetFilter) ([]model.Budget, int64, error)
	ListIDs(ctx context.Context) ([]uint, error)
	UpdateLifecycle(ctx context.Context, budget *model.Budget) error
	ApplyUsage(ctx context.Context, budget *model.Budget, expectedSeq int64, record *model.BudgetUsageRecord) error
	OverwriteBalances(ctx context.Context, budget *model.Budget) error
	SetFrozen(ctx context.Context, id uint, frozen bool, reason string) error
	NextCode(ctx context.Context, year int) (string, error)

	LastRecord(ctx context.Context, budgetID uint) (*model.BudgetUsageRecord, error)
	Records(ctx context.Context, budgetID uint) ([]model.BudgetUsageRecord, error)
	ListRecords(ctx context.Context, budgetID uint, page, limit int) ([]model.BudgetUsageRecord, int64, error)

	FindReservation(ctx context.Context, prID uint) (*model.BudgetReservation, error)
	CreateReservation(ctx context.Context, res *model.BudgetReservation) error
	SettleReservation(ctx context.Context, res *model.BudgetReservation) error
}

type budgetRepository struct {
	db *gorm.DB
}

func NewBudgetRepository(db *gorm.DB) BudgetRepository {
	return &budgetRepository{db: db}
}

func (r *budgetRepository) Create(ctx context.Context, budget *model.Budget) error {
	return GetDB(ctx, r.db).Create(budget).Error
}

func (r *budgetRepository) FindByID(ctx context.Context, id uint) (*model.Budget, error) {
	var b model.Budget
	if err := GetDB(ctx, r.db).First(&b, id).Error; err != nil {
		return nil, notFound(err, "budget", id)
	}
	return &b, nil
}

func (r *budgetRepository) FindByIDForUpdate(ctx context.Context, id uint) (*model.Budget, error) {
	var b model.Budget
	if err := forUpdate(GetDB(ctx, r.db)).First(&b, id).Error; err != nil {
		return nil, notFound(err, "budget", id)
	}
	return &b, nil
}

// FindActive returns the newest usable budget for department in year. A nil
// department selects the company-wide budget. Returns nil, nil when none exists.
func (r *budgetRepository) FindActive(ctx context.Context, department *string, year int) (*model.Budget, error) {
	q := GetDB(ctx, r.db).
		Where("year = ? AND status IN ?", year, []model.BudgetStatus{model.BudgetStatusActive, model.BudgetStatusExceeded})
	if department == nil {
		q = q.Where("department IS NULL")
	} else {
		q = q.Where("department = ?", *department)
	}

	var b model.Budget
	if err := q.Order("id desc").First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

func (r *budgetRepository) FindByYear(ctx context.Context, year int) ([]model.Budget, error) {
	var budgets []model.Budget
	if err := GetDB(ctx, r.db).Where("year = ?", year).Order("id").Find(&budgets).Error; err != nil {
		return nil, fmt.Errorf("budgets of %d: %w", year, err)
	}
	return budgets, nil
}

func (r *budgetRepository) List(ctx context.Context, filter BudgetFilter) ([]model.Budget, int64, error) {
	var budgets []model.Budget
	var total int64

	db := GetDB(ctx, r.db)
	scope := func(q *gorm.DB) *gorm.DB {
		if filter.Year != 0 {
			q = q.Where("year = ?", filter.Year)
		}
		if filter.Department != "" {
			q = q.Where("department = ?", filter.Department)
		}
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		return q
	}

	if err := db.Model(&model.Budget{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset := (filter.Page - 1) * filter.Limit
	if err := db.Scopes(scope).Order("year desc, id desc").Offset(offset).Limit(filter.Limit).Find(&budgets).Error; err != nil {
		return nil, 0, err
	}
	return budgets, total, nil
}

func (r *budgetRepository) ListIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := GetDB(ctx, r.db).Model(&model.Budget{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// UpdateLifecycle persists status and reject reason. Balances are never written here.
func (r *budgetRepository) UpdateLifecycle(ctx context.Context, budget *model.Budget) error {
	return GetDB(ctx, r.db).Model(&model.Budget{}).Where("id = ?", budget.ID).
		Updates(map[string]any{
			"status":        budget.Status,
			"reject_reason": budget.RejectReason,
			"updated_at":    time.Now(),
		}).Error
}

// ApplyUsage writes the new balances of budget and appends record, provided nobody
// advanced the budget's sequence since expectedSeq was read.
func (r *budgetRepository) ApplyUsage(ctx context.Context, budget *model.Budget, expectedSeq int64, record *model.BudgetUsageRecord) error {
	db := GetDB(ctx, r.db)
	res := db.Model(&model.Budget{}).
		Where("id = ? AND seq = ?", budget.ID, expectedSeq).
		Updates(map[string]any{
			"total_amount":    budget.TotalAmount,
			"used_amount":     budget.UsedAmount,
			"reserved_amount": budget.ReservedAmount,
			"status":          budget.Status,
			"seq":             budget.Seq,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("update budget %d balances: %w", budget.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("budget %d seq %d: %w", budget.ID, expectedSeq, apperror.ErrConcurrencyConflict)
	}
	if err := db.Create(record).Error; err != nil {
		return fmt.Errorf("append usage record to budget %d: %w", budget.ID, err)
	}
	return nil
}

// OverwriteBalances is the reconciliation path: it replaces stored balances with
// replayed ones without appending a record.
func (r *budgetRepository) OverwriteBalances(ctx context.Context, budget *model.Budget) error {
	return GetDB(ctx, r.db).Model(&model.Budget{}).Where("id = ?", budget.ID).
		Updates(map[string]any{
			"total_amount":    budget.TotalAmount,
			"used_amount":     budget.UsedAmount,
			"reserved_amount": budget.ReservedAmount,
			"status":          budget.Status,
			"seq":             budget.Seq,
			"updated_at":      time.Now(),
		}).Error
}

func (r *budgetRepository) SetFrozen(ctx context.Context, id uint, frozen bool, reason string) error {
	if !frozen {
		reason = ""
	}
	return GetDB(ctx, r.db).Model(&model.Budget{}).Where("id = ?", id).
		Updates(map[string]any{"frozen": frozen, "frozen_reason": reason, "updated_at": time.Now()}).Error
}

// NextCode generates BUD-YYYY-NNNN.
func (r *budgetRepository) NextCode(ctx context.Context, year int) (string, error) {
	prefix := "BUD-" + strconv.Itoa(year) + "-"
	return nextNumber(GetDB(ctx, r.db), &model.Budget{}, "budget_code", prefix, 4)
}

// LastRecord returns the newest usage record, or nil for an untouched budget.
func (r *budgetRepository) LastRecord(ctx context.Context, budgetID uint) (*model.BudgetUsageRecord, error) {
	var rec model.BudgetUsageRecord
	err := GetDB(ctx, r.db).Where("budget_id = ?", budgetID).Order("seq desc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *budgetRepository) Records(ctx context.Context, budgetID uint) ([]model.BudgetUsageRecord, error) {
	var recs []model.BudgetUsageRecord
	if err := GetDB(ctx, r.db).Where("budget_id = ?", budgetID).Order("seq asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("usage records of budget %d: %w", budgetID, err)
	}
	return recs, nil
}

func (r *budgetRepository) ListRecords(ctx context.Context, budgetID uint, page, limit int) ([]model.BudgetUsageRecord, int64, error) {
	var recs []model.BudgetUsageRecord
	var total int64

	db := GetDB(ctx, r.db)
	if err := db.Model(&model.BudgetUsageRecord{}).Where("budget_id = ?", budgetID).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset := (page - 1) * limit
	if err := db.Where("budget_id = ?", budgetID).Order("seq desc").Offset(offset).Limit(limit).Find(&recs).Error; err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// FindReservation returns the PR's reservation row, or nil if it never reserved.
func (r *budgetRepository) FindReservation(ctx context.Context, prID uint) (*model.BudgetReservation, error) {
	var res model.BudgetReservation
	err := forUpdate(GetDB(ctx, r.db)).Where("pr_id = ?", prID).First(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *budgetRepository) CreateReservation(ctx context.Context, res *model.BudgetReservation) error {
	return GetDB(ctx, r.db).Create(res).Error
}

// SettleReservation moves a held reservation to consumed or released. A reservation
// settled concurrently yields apperror.ErrConcurrencyConflict.
func (r *budgetRepository) SettleReservation(ctx context.Context, res *model.BudgetReservation) error {
	out := GetDB(ctx, r.db).Model(&model.BudgetReservation{}).
		Where("id = ? AND status = ?", res.ID, model.ReservationHeld).
		Updates(map[string]any{
			"status":           res.Status,
			"settle_record_id": res.SettleRecordID,
			"updated_at":       time.Now(),
		})
	if out.Error != nil {
		return out.Error
	}
	if out.RowsAffected == 0 {
		return fmt.Errorf("reservation of PR %d: %w", res.PRID, apperror.ErrConcurrencyConflict)
	}
	return nil
}
