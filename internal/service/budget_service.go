package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"procurement/internal/apperror"
	"procurement/internal/events"
	"procurement/internal/lock"
	"procurement/internal/model"
	"procurement/internal/repository"
	"procurement/pkg/pagination"
)

// --- DTOs ---

type CreateBudgetRequest struct {
	Name              string  `json:"name" binding:"required"`
	Year              int     `json:"year" binding:"required"`
	PeriodType        string  `json:"period_type" binding:"required,oneof=monthly quarterly annual"`
	PeriodValue       *int    `json:"period_value"`
	Department        *string `json:"department"` // omit for a company-wide budget
	TotalAmount       string  `json:"total_amount" binding:"required"`
	WarningThreshold  string  `json:"warning_threshold"`  // percent, defaults from config
	CriticalThreshold string  `json:"critical_threshold"` // percent, defaults from config
}

type AdjustBudgetRequest struct {
	Adjustment string `json:"adjustment" binding:"required"` // signed decimal
	Remarks    string `json:"remarks"`
}

type RejectBudgetRequest struct {
	Reason string `json:"reason"`
}

type BudgetFilter struct {
	Year       int
	Department string
	Status     string
	Page       int
	Limit      int
}

type BudgetResponse struct {
	ID                uint    `json:"id"`
	BudgetCode        string  `json:"budget_code"`
	Name              string  `json:"name"`
	Year              int     `json:"year"`
	PeriodType        string  `json:"period_type"`
	PeriodValue       *int    `json:"period_value"`
	Department        *string `json:"department"`
	InitialAmount     string  `json:"initial_amount"`
	TotalAmount       string  `json:"total_amount"`
	UsedAmount        string  `json:"used_amount"`
	ReservedAmount    string  `json:"reserved_amount"`
	AvailableAmount   string  `json:"available_amount"`
	UsageRate         string  `json:"usage_rate"`
	UsagePercent      string  `json:"usage_percent"`
	WarningThreshold  string  `json:"warning_threshold"`
	CriticalThreshold string  `json:"critical_threshold"`
	IsWarning         bool    `json:"is_warning"`
	IsCritical        bool    `json:"is_critical"`
	Status            string  `json:"status"`
	Seq               int64   `json:"seq"`
	Frozen            bool    `json:"frozen"`
	FrozenReason      string  `json:"frozen_reason,omitempty"`
	RejectReason      *string `json:"reject_reason"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

type UsageRecordResponse struct {
	ID            uint    `json:"id"`
	Seq           int64   `json:"seq"`
	Type          string  `json:"type"`
	Amount        string  `json:"amount"`
	PRID          *uint   `json:"pr_id"`
	TotalAfter    string  `json:"total_after"`
	UsedAfter     string  `json:"used_after"`
	ReservedAfter string  `json:"reserved_after"`
	BalanceAfter  string  `json:"balance_after"`
	Remarks       string  `json:"remarks"`
	ActorID       *string `json:"actor_id"`
	CreatedAt     string  `json:"created_at"`
}

// BudgetChangeResult is the post-mutation state of a budget.
type BudgetChangeResult struct {
	Budget         BudgetResponse `json:"budget"`
	LedgerRecordID *uint          `json:"ledger_record_id,omitempty"`
}

// BudgetDefaults are applied when a create request omits the thresholds.
type BudgetDefaults struct {
	WarningThreshold  decimal.Decimal
	CriticalThreshold decimal.Decimal
}

// --- Interface ---

type BudgetService interface {
	Create(ctx context.Context, actor model.Actor, req CreateBudgetRequest) (BudgetResponse, error)
	Get(ctx context.Context, id uint) (BudgetResponse, error)
	List(ctx context.Context, filter BudgetFilter) ([]BudgetResponse, int64, error)

	Submit(ctx context.Context, actor model.Actor, id uint) (BudgetChangeResult, error)
	Approve(ctx context.Context, actor model.Actor, id uint) (BudgetChangeResult, error)
	Reject(ctx context.Context, actor model.Actor, id uint, reason string) (BudgetChangeResult, error)
	Activate(ctx context.Context, actor model.Actor, id uint) (BudgetChangeResult, error)
	Close(ctx context.Context, actor model.Actor, id uint) (BudgetChangeResult, error)
	Adjust(ctx context.Context, actor model.Actor, id uint, req AdjustBudgetRequest) (BudgetChangeResult, error)

	Usage(ctx context.Context, id uint, page, limit int) ([]UsageRecordResponse, int64, error)
	ExportUsage(ctx context.Context, id uint) ([]byte, string, error)
	Verify(ctx context.Context, id uint) (*VerifyReport, error)
}

type budgetService struct {
	budgetRepo repository.BudgetRepository
	auditRepo  repository.AuditRepository
	txManager  repository.TransactionManager
	ledger     LedgerService
	locker     lock.Locker
	publisher  events.Publisher
	defaults   BudgetDefaults
	logger     *slog.Logger
}

func NewBudgetService(
	budgetRepo repository.BudgetRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
	ledger LedgerService,
	locker lock.Locker,
	publisher events.Publisher,
	defaults BudgetDefaults,
	logger *slog.Logger,
) BudgetService {
	if logger == nil {
		logger = slog.Default()
	}
	return &budgetService{
		budgetRepo: budgetRepo,
		auditRepo:  auditRepo,
		txManager:  txManager,
		ledger:     ledger,
		locker:     locker,
		publisher:  publisher,
		defaults:   defaults,
		logger:     logger.With("component", "budget"),
	}
}

// --- Implementation ---

func (s *budgetService) Create(ctx context.Context, actor model.Actor, req CreateBudgetRequest) (BudgetResponse, error) {
	if !actor.HasPermission(model.RoleSupervisor) {
		return BudgetResponse{}, fmt.Errorf("create budget requires %s: %w", model.RoleSupervisor, apperror.ErrForbidden)
	}
	budget, err := s.buildBudget(req)
	if err != nil {
		return BudgetResponse{}, err
	}
	budget.CreatedBy = actor.IDPtr()

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		code, err := s.budgetRepo.NextCode(txCtx, budget.Year)
		if err != nil {
			return fmt.Errorf("failed to generate budget code: %w", err)
		}
		budget.BudgetCode = code
		if err := s.budgetRepo.Create(txCtx, budget); err != nil {
			return fmt.Errorf("failed to create budget: %w", err)
		}
		return s.audit(txCtx, actor, model.ActionCreateBudget, budget, "", budget.Status, nil, map[string]any{
			"total_amount": budget.TotalAmount.StringFixed(2),
			"year":         budget.Year,
		})
	})
	if err != nil {
		return BudgetResponse{}, err
	}
	s.logger.Info("budget created", "budget_id", budget.ID, "code", budget.BudgetCode)
	return toBudgetResponse(budget), nil
}

func (s *budgetService) buildBudget(req CreateBudgetRequest) (*model.Budget, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperror.Validation("name", "is required")
	}
	if req.Year < 2000 || req.Year > 2100 {
		return nil, apperror.Validation("year", "must be between 2000 and 2100")
	}

	period := model.PeriodType(req.PeriodType)
	switch period {
	case model.PeriodAnnual:
		if req.PeriodValue != nil {
			return nil, apperror.Validation("period_value", "must be empty for annual budgets")
		}
	case model.PeriodMonthly:
		if req.PeriodValue == nil || *req.PeriodValue < 1 || *req.PeriodValue > 12 {
			return nil, apperror.Validation("period_value", "must be 1-12 for monthly budgets")
		}
	case model.PeriodQuarterly:
		if req.PeriodValue == nil || *req.PeriodValue < 1 || *req.PeriodValue > 4 {
			return nil, apperror.Validation("period_value", "must be 1-4 for quarterly budgets")
		}
	default:
		return nil, apperror.Validation("period_type", "must be monthly, quarterly or annual")
	}

	total, err := parseAmount("total_amount", req.TotalAmount)
	if err != nil {
		return nil, err
	}
	if !total.IsPositive() {
		return nil, apperror.Validation("total_amount", "must be greater than 0")
	}

	warning, critical := s.defaults.WarningThreshold, s.defaults.CriticalThreshold
	if req.WarningThreshold != "" {
		if warning, err = parseAmount("warning_threshold", req.WarningThreshold); err != nil {
			return nil, err
		}
	}
	if req.CriticalThreshold != "" {
		if critical, err = parseAmount("critical_threshold", req.CriticalThreshold); err != nil {
			return nil, err
		}
	}
	if !warning.IsPositive() || !warning.LessThan(critical) || critical.GreaterThan(decimal.NewFromInt(100)) {
		return nil, apperror.Validation("warning_threshold", "thresholds must satisfy 0 < warning < critical <= 100")
	}

	var dept *string
	if req.Department != nil && strings.TrimSpace(*req.Department) != "" {
		d := strings.TrimSpace(*req.Department)
		dept = &d
	}

	return &model.Budget{
		Name:              strings.TrimSpace(req.Name),
		Year:              req.Year,
		PeriodType:        period,
		PeriodValue:       req.PeriodValue,
		Department:        dept,
		InitialAmount:     total,
		TotalAmount:       total,
		UsedAmount:        decimal.Zero,
		ReservedAmount:    decimal.Zero,
		WarningThreshold:  warning,
		CriticalThreshold: critical,
		Status:            model.BudgetStatusDraft,
	}, nil
}

func (s *budgetService) Get(ctx context.Context, id uint) (BudgetResponse, error) {
	b, err := s.budgetRepo.FindByID(ctx, id)
	if err != nil {
		return BudgetResponse{}, err
	}
	return toBudgetResponse(b), nil
}

func (s *budgetService) List(ctx context.Context, filter BudgetFilter) ([]BudgetResponse, int64, error) {
	p := pagination.New(filter.Page, filter.Limit)
	status := model.BudgetStatus(filter.Status)
	if status != "" && !status.Valid() {
		return nil, 0, apperror.Validation("status", "unknown budget status %q", filter.Status)
	}
	budgets, total, err := s.budgetRepo.List(ctx, repository.BudgetFilter{
		Year:       filter.Year,
		Department: filter.Department,
		Status:     status,
		Page:       p.Page,
		Limit:      p.Limit,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list budgets: %w", err)
	}
	res := make([]BudgetResponse, 0, len(budgets))
	for i := range budgets {
		res = append(res, toBudgetResponse(&budgets[i]))
	}
	return res, total, nil
}

// budgetTransition describes one lifecycle edge.
type budgetTransition struct {
	action   string
	from     []model.BudgetStatus
	to       model.BudgetStatus
	required model.Role
}

var (
	budgetSubmit   = budgetTransition{model.ActionSubmitBudget, []model.BudgetStatus{model.BudgetStatusDraft}, model.BudgetStatusPendingApproval, model.RoleSupervisor}
	budgetApprove  = budgetTransition{model.ActionApproveBudget, []model.BudgetStatus{model.BudgetStatusPendingApproval}, model.BudgetStatusApproved, model.RoleGeneralManager}
	budgetReject   = budgetTransition{model.ActionRejectBudget, []model.BudgetStatus{model.BudgetStatusPendingApproval}, model.BudgetStatusDraft, model.RoleGeneralManager}
	budgetActivate = budgetTransition{model.ActionActivateBudget, []model.BudgetStatus{model.BudgetStatusApproved}, model.BudgetStatusActive, model.RoleGeneralManager}
	budgetClose    = budgetTransition{model.ActionCloseBudget, []model.BudgetStatus{model.BudgetStatusApproved, model.BudgetStatusActive, model.BudgetStatusExceeded}, model.BudgetStatusClosed, model.RoleGeneralManager}
)

func (s *budgetService) Submit(ctx context.Context, actor model.Actor, id uint) (BudgetChangeResult, error) {
	return s.transition(ctx, actor, id, budgetSubmit, func(b *model.Budget) error {
		b.RejectReason = nil
		return nil
	})
}

func (s *budgetService) Approve(ctx context.Context, actor model.Actor, id uint) (BudgetChangeResult, error) {
	return s.transition(ctx, actor, id, budgetApprove, nil)
}

func (s *budgetService) Reject(ctx context.Context, actor model.Actor, id uint, reason string) (BudgetChangeResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return BudgetChangeResult{}, apperror.Validation("reason", "is required")
	}
	return s.transition(ctx, actor, id, budgetReject, func(b *model.Budget) error {
		b.RejectReason = &reason
		return nil
	})
}

func (s *budgetService) Activate(ctx context.Context, actor model.Actor, id uint) (BudgetChangeResult, error) {
	return s.transition(ctx, actor, id, budgetActivate, nil)
}

func (s *budgetService) Close(ctx context.Context, actor model.Actor, id uint) (BudgetChangeResult, error) {
	return s.transition(ctx, actor, id, budgetClose, func(b *model.Budget) error {
		if b.ReservedAmount.IsPositive() {
			return apperror.Validation("status", "budget still holds %s in reservations", b.ReservedAmount.StringFixed(2))
		}
		return nil
	})
}

func (s *budgetService) transition(ctx context.Context, actor model.Actor, id uint, t budgetTransition, mutate func(b *model.Budget) error) (BudgetChangeResult, error) {
	unlock, err := s.locker.Acquire(ctx, lock.BudgetKey(id))
	if err != nil {
		return BudgetChangeResult{}, err
	}
	defer unlock()

	var budget *model.Budget
	var from model.BudgetStatus
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		b, err := s.budgetRepo.FindByIDForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		from = b.Status
		if !statusIn(b.Status, t.from) {
			return &apperror.InvalidTransitionError{Current: string(b.Status), Action: t.action, Required: t.required.String()}
		}
		if !actor.HasPermission(t.required) {
			return &apperror.InvalidTransitionError{Current: string(b.Status), Action: t.action, Required: t.required.String(), RoleOnly: true}
		}
		if mutate != nil {
			if err := mutate(b); err != nil {
				return err
			}
		}
		b.Status = t.to
		if err := s.budgetRepo.UpdateLifecycle(txCtx, b); err != nil {
			return fmt.Errorf("failed to update budget: %w", err)
		}
		details := map[string]any{}
		if b.RejectReason != nil && t.action == model.ActionRejectBudget {
			details["reason"] = *b.RejectReason
		}
		if err := s.audit(txCtx, actor, t.action, b, from, b.Status, nil, details); err != nil {
			return err
		}
		budget = b
		return nil
	})
	if err != nil {
		return BudgetChangeResult{}, err
	}

	return s.changed(ctx, actor, t.action, budget.ID, from, nil)
}

// Adjust changes the budget total under the budget lock.
func (s *budgetService) Adjust(ctx context.Context, actor model.Actor, id uint, req AdjustBudgetRequest) (BudgetChangeResult, error) {
	if !actor.HasPermission(model.RoleGeneralManager) {
		return BudgetChangeResult{}, &apperror.InvalidTransitionError{
			Current: "budget", Action: string(model.UsageAdjust), Required: model.RoleGeneralManager.String(), RoleOnly: true,
		}
	}
	delta, err := parseAmount("adjustment", req.Adjustment)
	if err != nil {
		return BudgetChangeResult{}, err
	}

	unlock, err := s.locker.Acquire(ctx, lock.BudgetKey(id))
	if err != nil {
		return BudgetChangeResult{}, err
	}
	defer unlock()

	var rec *model.BudgetUsageRecord
	var from model.BudgetStatus
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		b, err := s.budgetRepo.FindByID(txCtx, id)
		if err != nil {
			return err
		}
		from = b.Status
		rec, err = s.ledger.Adjust(txCtx, id, delta, req.Remarks, actor)
		if err != nil {
			return err
		}
		after, err := s.budgetRepo.FindByID(txCtx, id)
		if err != nil {
			return err
		}
		return s.audit(txCtx, actor, model.ActionAdjustBudget, after, from, after.Status, &rec.ID, map[string]any{
			"adjustment":  delta.StringFixed(2),
			"remarks":     req.Remarks,
			"total_after": rec.TotalAfter.StringFixed(2),
		})
	})
	if err != nil {
		s.ledger.FreezeOnInconsistency(ctx, err)
		return BudgetChangeResult{}, err
	}
	return s.changed(ctx, actor, model.ActionAdjustBudget, id, from, &rec.ID)
}

func (s *budgetService) changed(ctx context.Context, actor model.Actor, action string, id uint, from model.BudgetStatus, recID *uint) (BudgetChangeResult, error) {
	b, err := s.budgetRepo.FindByID(ctx, id)
	if err != nil {
		return BudgetChangeResult{}, err
	}
	resp := toBudgetResponse(b)
	events.Emit(ctx, s.publisher, s.logger, events.Event{
		Type:           events.TypeBudgetChanged,
		EntityType:     model.EntityBudget,
		EntityID:       strconv.FormatUint(uint64(id), 10),
		Action:         action,
		FromStatus:     string(from),
		ToStatus:       string(b.Status),
		ActorID:        actor.UserID.String(),
		LedgerRecordID: recID,
		Data:           resp,
	})
	return BudgetChangeResult{Budget: resp, LedgerRecordID: recID}, nil
}

func (s *budgetService) Usage(ctx context.Context, id uint, page, limit int) ([]UsageRecordResponse, int64, error) {
	if _, err := s.budgetRepo.FindByID(ctx, id); err != nil {
		return nil, 0, err
	}
	p := pagination.New(page, limit)
	recs, total, err := s.budgetRepo.ListRecords(ctx, id, p.Page, p.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list usage records: %w", err)
	}
	res := make([]UsageRecordResponse, 0, len(recs))
	for _, r := range recs {
		res = append(res, toUsageRecordResponse(r))
	}
	return res, total, nil
}

var usageHeaders = []string{"Seq", "Type", "Amount", "PR ID", "Total After", "Used After", "Reserved After", "Balance After", "Remarks", "Created At"}

// ExportUsage renders the full ledger of a budget as an xlsx workbook.
func (s *budgetService) ExportUsage(ctx context.Context, id uint) ([]byte, string, error) {
	b, err := s.budgetRepo.FindByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	recs, err := s.budgetRepo.Records(ctx, id)
	if err != nil {
		return nil, "", err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := "Usage"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, "", fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	for i, h := range usageHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for idx, r := range recs {
		row := idx + 2
		prID := ""
		if r.PRID != nil {
			prID = strconv.FormatUint(uint64(*r.PRID), 10)
		}
		values := []any{
			r.Seq, string(r.Type), r.Amount.InexactFloat64(), prID,
			r.TotalAfter.InexactFloat64(), r.UsedAfter.InexactFloat64(), r.ReservedAfter.InexactFloat64(), r.BalanceAfter.InexactFloat64(),
			r.Remarks, r.CreatedAt.Format("2006-01-02 15:04:05"),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return nil, "", fmt.Errorf("write row %d: %w", row, err)
		}
	}
	_ = f.SetColWidth(sheet, "A", "B", 10)
	_ = f.SetColWidth(sheet, "C", "H", 15)
	_ = f.SetColWidth(sheet, "I", "I", 40)
	_ = f.SetColWidth(sheet, "J", "J", 20)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, "", fmt.Errorf("render workbook: %w", err)
	}
	name := fmt.Sprintf("%s_usage_%s.xlsx", b.BudgetCode, time.Now().Format("20060102"))
	return buf.Bytes(), name, nil
}

func (s *budgetService) Verify(ctx context.Context, id uint) (*VerifyReport, error) {
	return s.ledger.Verify(ctx, id)
}

func (s *budgetService) audit(ctx context.Context, actor model.Actor, action string, b *model.Budget, from, to model.BudgetStatus, recID *uint, details map[string]any) error {
	payload, _ := json.Marshal(details)
	entry := model.AuditLog{
		ActorID:        actor.IDPtr(),
		ActorRole:      actorRole(actor),
		Action:         action,
		EntityType:     model.EntityBudget,
		EntityID:       strconv.FormatUint(uint64(b.ID), 10),
		EntityName:     b.BudgetCode,
		FromStatus:     string(from),
		ToStatus:       string(to),
		LedgerRecordID: recID,
		Details:        string(payload),
	}
	if err := s.auditRepo.Log(ctx, &entry); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// --- Helpers ---

func statusIn(s model.BudgetStatus, set []model.BudgetStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, apperror.Validation(field, "must be a decimal number")
	}
	if !model.IsWholeCents(d) {
		return decimal.Zero, apperror.Validation(field, "must have at most 2 decimal places")
	}
	return d, nil
}

func toBudgetResponse(b *model.Budget) BudgetResponse {
	return BudgetResponse{
		ID:                b.ID,
		BudgetCode:        b.BudgetCode,
		Name:              b.Name,
		Year:              b.Year,
		PeriodType:        string(b.PeriodType),
		PeriodValue:       b.PeriodValue,
		Department:        b.Department,
		InitialAmount:     b.InitialAmount.StringFixed(2),
		TotalAmount:       b.TotalAmount.StringFixed(2),
		UsedAmount:        b.UsedAmount.StringFixed(2),
		ReservedAmount:    b.ReservedAmount.StringFixed(2),
		AvailableAmount:   b.Available().StringFixed(2),
		UsageRate:         b.UsageRate().StringFixed(4),
		UsagePercent:      b.UsagePercent().StringFixed(2),
		WarningThreshold:  b.WarningThreshold.StringFixed(2),
		CriticalThreshold: b.CriticalThreshold.StringFixed(2),
		IsWarning:         b.IsWarning(),
		IsCritical:        b.IsCritical(),
		Status:            string(b.Status),
		Seq:               b.Seq,
		Frozen:            b.Frozen,
		FrozenReason:      b.FrozenReason,
		RejectReason:      b.RejectReason,
		CreatedAt:         b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         b.UpdatedAt.Format(time.RFC3339),
	}
}

func toUsageRecordResponse(r model.BudgetUsageRecord) UsageRecordResponse {
	resp := UsageRecordResponse{
		ID:            r.ID,
		Seq:           r.Seq,
		Type:          string(r.Type),
		Amount:        r.Amount.StringFixed(2),
		PRID:          r.PRID,
		TotalAfter:    r.TotalAfter.StringFixed(2),
		UsedAfter:     r.UsedAfter.StringFixed(2),
		ReservedAfter: r.ReservedAfter.StringFixed(2),
		BalanceAfter:  r.BalanceAfter.StringFixed(2),
		Remarks:       r.Remarks,
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
	}
	if r.ActorID != nil {
		id := r.ActorID.String()
		resp.ActorID = &id
	}
	return resp
}
