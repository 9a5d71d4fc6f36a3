package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"procurement/internal/apperror"
	"procurement/internal/events"
	"procurement/internal/lock"
	"procurement/internal/model"
	"procurement/internal/repository"
	"procurement/internal/workflow"
	"procurement/pkg/pagination"
)

// --- DTOs ---

type CreatePRItemRequest struct {
	Name           string  `json:"name" binding:"required"`
	Spec           string  `json:"spec"`
	Qty            string  `json:"qty" binding:"required"`
	Unit           string  `json:"unit"`
	EstimatedPrice *string `json:"estimated_price"`
}

type CreatePRRequest struct {
	Title       string                `json:"title" binding:"required"`
	Description string                `json:"description"`
	Urgency     string                `json:"urgency"` // low|medium|high or 低|中|高
	Department  string                `json:"department"`
	BudgetID    *uint                 `json:"budget_id"`
	Submit      bool                  `json:"submit"` // submit right after creation
	Items       []CreatePRItemRequest `json:"items" binding:"required,min=1,dive"`
}

type FillPriceItem struct {
	ItemID    uint   `json:"item_id" binding:"required"`
	UnitPrice string `json:"unit_price" binding:"required"`
}

type FillPriceRequest struct {
	Items []FillPriceItem `json:"items" binding:"required,min=1,dive"`
}

type RejectPRRequest struct {
	Reason string `json:"reason"`
}

type PRListFilter struct {
	Status     string
	Keyword    string
	Department string
	Page       int
	Limit      int
}

type HistoryFilter struct {
	PRID  *uint
	Page  int
	Limit int
}

type PRItemResponse struct {
	ID             uint    `json:"id"`
	LineNo         int     `json:"line_no"`
	Name           string  `json:"name"`
	Spec           string  `json:"spec"`
	Qty            string  `json:"qty"`
	Unit           string  `json:"unit"`
	EstimatedPrice *string `json:"estimated_price"`
	UnitPrice      *string `json:"unit_price"`
	Subtotal       *string `json:"subtotal"`
}

type PRResponse struct {
	ID                uint             `json:"id"`
	PRNumber          string           `json:"pr_number"`
	Title             string           `json:"title"`
	Description       string           `json:"description"`
	Urgency           string           `json:"urgency"`
	UrgencyLabel      string           `json:"urgency_label"`
	OwnerID           string           `json:"owner_id"`
	OwnerName         string           `json:"owner_name"`
	Department        string           `json:"department"`
	Status            string           `json:"status"`
	RequiredRole      string           `json:"required_role,omitempty"`
	TotalAmount       *string          `json:"total_amount"`
	RejectReason      *string          `json:"reject_reason"`
	EscalationReason  string           `json:"escalation_reason,omitempty"`
	BudgetID          *uint            `json:"budget_id"`
	ResubmittedFromID *uint            `json:"resubmitted_from_id,omitempty"`
	Version           int64            `json:"version"`
	Items             []PRItemResponse `json:"items"`
	CreatedAt         string           `json:"created_at"`
	UpdatedAt         string           `json:"updated_at"`
}

const (
	ResultAutoApproved   = "auto_approved"
	ResultNeedSuperAdmin = "need_super_admin"
)

// TransitionResult is the committed state after a workflow action.
type TransitionResult struct {
	PR                   PRResponse         `json:"pr"`
	Budget               *BudgetResponse    `json:"budget,omitempty"`
	LedgerRecordID       *uint              `json:"ledger_record_id,omitempty"`
	Decision             *workflow.Decision `json:"decision,omitempty"`
	Result               string             `json:"result,omitempty"`
	NeedSuperAdminReason string             `json:"need_super_admin_reason,omitempty"`
}

type HistoryEntry struct {
	ID             string  `json:"id"`
	PRID           string  `json:"pr_id"`
	PRNumber       string  `json:"pr_number"`
	Action         string  `json:"action"`
	FromStatus     string  `json:"from_status"`
	ToStatus       string  `json:"to_status"`
	ActorID        *string `json:"actor_id"`
	ActorName      string  `json:"actor_name"`
	ActorRole      string  `json:"actor_role"`
	LedgerRecordID *uint   `json:"ledger_record_id,omitempty"`
	Details        string  `json:"details"`
	CreatedAt      string  `json:"created_at"`
}

// --- Interface ---

// ApprovalService drives purchase requests through the approval workflow and keeps the
// budget ledger in step with every transition.
type ApprovalService interface {
	// Create stores a draft owned by actor. With req.Submit it then submits the draft;
	// if that step fails the committed draft is returned together with the error.
	Create(ctx context.Context, actor model.Actor, req CreatePRRequest) (PRResponse, error)
	Submit(ctx context.Context, actor model.Actor, id uint) (TransitionResult, error)
	SupervisorApprove(ctx context.Context, actor model.Actor, id uint) (TransitionResult, error)
	FillPrice(ctx context.Context, actor model.Actor, id uint, req FillPriceRequest) (TransitionResult, error)
	AdminApprove(ctx context.Context, actor model.Actor, id uint) (TransitionResult, error)
	SuperAdminApprove(ctx context.Context, actor model.Actor, id uint) (TransitionResult, error)
	Reject(ctx context.Context, actor model.Actor, id uint, reason string) (TransitionResult, error)
	Resubmit(ctx context.Context, actor model.Actor, id uint) (PRResponse, error)

	Get(ctx context.Context, actor model.Actor, id uint) (PRResponse, error)
	ListMine(ctx context.Context, actor model.Actor, filter PRListFilter) ([]PRResponse, int64, error)
	ListNeedPrice(ctx context.Context, actor model.Actor, filter PRListFilter) ([]PRResponse, int64, error)
	ListNeedAdminApprove(ctx context.Context, actor model.Actor, filter PRListFilter) ([]PRResponse, int64, error)
	ListNeedSuperAdminApprove(ctx context.Context, actor model.Actor, filter PRListFilter) ([]PRResponse, int64, error)
	ApprovalHistory(ctx context.Context, actor model.Actor, filter HistoryFilter) ([]HistoryEntry, int64, error)
}

type approvalService struct {
	prRepo     repository.PurchaseRequestRepository
	budgetRepo repository.BudgetRepository
	userRepo   repository.UserRepository
	auditRepo  repository.AuditRepository
	txManager  repository.TransactionManager
	ledger     LedgerService
	locker     lock.Locker
	publisher  events.Publisher
	policy     workflow.Policy
	logger     *slog.Logger
	now        func() time.Time
}

func NewApprovalService(
	prRepo repository.PurchaseRequestRepository,
	budgetRepo repository.BudgetRepository,
	userRepo repository.UserRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
	ledger LedgerService,
	locker lock.Locker,
	publisher events.Publisher,
	policy workflow.Policy,
	logger *slog.Logger,
) ApprovalService {
	if logger == nil {
		logger = slog.Default()
	}
	return &approvalService{
		prRepo:     prRepo,
		budgetRepo: budgetRepo,
		userRepo:   userRepo,
		auditRepo:  auditRepo,
		txManager:  txManager,
		ledger:     ledger,
		locker:     locker,
		publisher:  publisher,
		policy:     policy,
		logger:     logger.With("component", "approval"),
		now:        time.Now,
	}
}

var auditActions = map[workflow.Action]string{
	workflow.ActionSubmit:            model.ActionSubmitPR,
	workflow.ActionSupervisorApprove: model.ActionSupervisorApprove,
	workflow.ActionFillPrice:         model.ActionFillPrice,
	workflow.ActionAdminApprove:      model.ActionAdminApprove,
	workflow.ActionSuperAdminApprove: model.ActionSuperAdminApprove,
	workflow.ActionReject:            model.ActionRejectPR,
}

// --- Implementation ---

func (s *approvalService) Create(ctx context.Context, actor model.Actor, req CreatePRRequest) (PRResponse, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return PRResponse{}, apperror.Validation("title", "is required")
	}
	urgency, err := model.ParseUrgency(req.Urgency)
	if err != nil {
		return PRResponse{}, apperror.Validation("urgency", "must be low, medium or high")
	}
	items, err := buildItems(req.Items)
	if err != nil {
		return PRResponse{}, err
	}
	if err := workflow.ValidateItems(items); err != nil {
		return PRResponse{}, err
	}

	owner, err := s.userRepo.GetByID(ctx, actor.UserID)
	if err != nil {
		return PRResponse{}, err
	}
	dept := strings.TrimSpace(req.Department)
	if dept == "" {
		dept = owner.Department
	}
	if req.BudgetID != nil {
		if _, err := s.budgetRepo.FindByID(ctx, *req.BudgetID); err != nil {
			return PRResponse{}, err
		}
	}

	pr := &model.PurchaseRequest{
		Title:       title,
		Description: req.Description,
		Urgency:     urgency,
		OwnerID:     actor.UserID,
		Department:  dept,
		Status:      model.PRStatusDraft,
		BudgetID:    req.BudgetID,
		Items:       items,
	}
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		number, err := s.prRepo.NextNumber(txCtx, s.now())
		if err != nil {
			return fmt.Errorf("failed to generate PR number: %w", err)
		}
		pr.PRNumber = number
		if err := s.prRepo.Create(txCtx, pr); err != nil {
			return fmt.Errorf("failed to create purchase request: %w", err)
		}
		return s.audit(txCtx, actor, model.ActionCreatePR, pr, "", pr.Status, nil, map[string]any{
			"title": pr.Title,
			"items": len(pr.Items),
		})
	})
	if err != nil {
		return PRResponse{}, err
	}
	s.logger.Info("purchase request created", "pr_id", pr.ID, "pr_number", pr.PRNumber)

	if req.Submit {
		res, err := s.Submit(ctx, actor, pr.ID)
		if err != nil {
			draft, ferr := s.prRepo.FindByID(ctx, pr.ID)
			if ferr != nil {
				return PRResponse{}, err
			}
			return toPRResponse(draft), err
		}
		return res.PR, nil
	}

	created, err := s.prRepo.FindByID(ctx, pr.ID)
	if err != nil {
		return PRResponse{}, err
	}
	resp := toPRResponse(created)
	events.Emit(ctx, s.publisher, s.logger, events.Event{
		Type:       events.TypePRCreated,
		EntityType: model.EntityPurchaseRequest,
		EntityID:   strconv.FormatUint(uint64(pr.ID), 10),
		Action:     model.ActionCreatePR,
		ToStatus:   string(pr.Status),
		ActorID:    actor.UserID.String(),
		Data:       resp,
	})
	return resp, nil
}

func buildItems(reqs []CreatePRItemRequest) ([]model.PRItem, error) {
	items := make([]model.PRItem, 0, len(reqs))
	for i, r := range reqs {
		qty, err := decimal.NewFromString(strings.TrimSpace(r.Qty))
		if err != nil {
			return nil, apperror.Validation(fmt.Sprintf("items[%d].qty", i), "must be a decimal number")
		}
		item := model.PRItem{
			LineNo: i + 1,
			Name:   strings.TrimSpace(r.Name),
			Spec:   r.Spec,
			Qty:    qty,
			Unit:   r.Unit,
		}
		if r.EstimatedPrice != nil && strings.TrimSpace(*r.EstimatedPrice) != "" {
			est, err := decimal.NewFromString(strings.TrimSpace(*r.EstimatedPrice))
			if err != nil {
				return nil, apperror.Validation(fmt.Sprintf("items[%d].estimated_price", i), "must be a decimal number")
			}
			item.EstimatedPrice = &est
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *approvalService) Submit(ctx context.Context, actor model.Actor, id uint) (TransitionResult, error) {
	return s.run(ctx, actor, id, workflow.ActionSubmit, func(ctx context.Context, t *transition) error {
		return workflow.ValidateItems(t.pr.Items)
	})
}

func (s *approvalService) SupervisorApprove(ctx context.Context, actor model.Actor, id uint) (TransitionResult, error) {
	return s.run(ctx, actor, id, workflow.ActionSupervisorApprove, nil)
}

// FillPrice prices every line, freezes the total and reserves it on the resolved budget.
func (s *approvalService) FillPrice(ctx context.Context, actor model.Actor, id uint, req FillPriceRequest) (TransitionResult, error) {
	if len(req.Items) == 0 {
		return TransitionResult{}, apperror.Validation("items", "at least one price is required")
	}
	prices := make(map[uint]decimal.Decimal, len(req.Items))
	fields := make(map[uint]string, len(req.Items))
	for i, item := range req.Items {
		price, err := decimal.NewFromString(strings.TrimSpace(item.UnitPrice))
		if err != nil || !price.IsPositive() {
			return TransitionResult{}, apperror.Validation(fmt.Sprintf("items[%d].unit_price", i), "must be greater than 0")
		}
		if !price.Equal(price.Truncate(4)) {
			return TransitionResult{}, apperror.Validation(fmt.Sprintf("items[%d].unit_price", i), "must have at most 4 decimal places")
		}
		if _, dup := prices[item.ItemID]; dup {
			return TransitionResult{}, apperror.Validation(fmt.Sprintf("items[%d].item_id", i), "item %d priced twice", item.ItemID)
		}
		prices[item.ItemID] = price
		fields[item.ItemID] = fmt.Sprintf("items[%d].unit_price", i)
	}

	return s.run(ctx, actor, id, workflow.ActionFillPrice, func(ctx context.Context, t *transition) error {
		known := make(map[uint]bool, len(t.pr.Items))
		for i := range t.pr.Items {
			item := &t.pr.Items[i]
			known[item.ID] = true
			if price, ok := prices[item.ID]; ok {
				p := price
				item.UnitPrice = &p
			}
		}
		for itemID := range prices {
			if !known[itemID] {
				return apperror.Validation("items", "item %d does not belong to this purchase request", itemID)
			}
		}
		if err := workflow.ValidatePriced(t.pr.Items); err != nil {
			return err
		}
		for _, item := range t.pr.Items {
			if _, ok := prices[item.ID]; !ok {
				continue
			}
			// every subtotal must be whole cents
			if sub, _ := item.Subtotal(); !model.IsWholeCents(sub) {
				return apperror.Validation(fields[item.ID], "qty × unit_price = %s, must have at most 2 decimal places", sub.String())
			}
			if err := s.prRepo.UpdateItemPrice(ctx, t.pr.ID, item.ID, *item.UnitPrice); err != nil {
				return err
			}
		}

		total, err := t.pr.ComputeTotal()
		if err != nil {
			return apperror.Validation("items", "%s", err.Error())
		}
		t.pr.TotalAmount = &total
		t.pr.BudgetID = t.budgetID

		rec, err := s.ledger.Reserve(ctx, *t.budgetID, total, t.pr.ID, t.actor)
		if err != nil {
			return err
		}
		t.out.LedgerRecordID = &rec.ID
		t.details["total_amount"] = total.StringFixed(2)
		return nil
	})
}

// AdminApprove lets the router decide between approving outright and escalating.
func (s *approvalService) AdminApprove(ctx context.Context, actor model.Actor, id uint) (TransitionResult, error) {
	return s.run(ctx, actor, id, workflow.ActionAdminApprove, func(ctx context.Context, t *transition) error {
		if t.pr.TotalAmount == nil {
			return apperror.Validation("total_amount", "purchase request has not been priced")
		}
		held, err := s.ledger.HeldReservation(ctx, t.pr.ID)
		if err != nil {
			return err
		}
		if held == nil {
			rec, err := s.ledger.Reserve(ctx, *t.budgetID, *t.pr.TotalAmount, t.pr.ID, t.actor)
			if err != nil {
				return err
			}
			t.out.LedgerRecordID = &rec.ID
		}

		decision, err := workflow.Route(t.pr, s.policy)
		if err != nil {
			return apperror.Validation("total_amount", "%s", err.Error())
		}
		t.step = t.step.Resolve(decision)
		t.out.Decision = &decision
		t.pr.EscalationReason = decision.Reason
		t.details["outcome"] = decision.Outcome
		t.details["max_deviation"] = decision.MaxDeviation.String()
		if decision.Reason != "" {
			t.details["reason"] = decision.Reason
		}

		if decision.AutoApproved() {
			rec, err := s.ledger.Consume(ctx, *t.budgetID, *t.pr.TotalAmount, t.pr.ID, t.actor)
			if err != nil {
				return err
			}
			t.out.LedgerRecordID = &rec.ID
		}
		return nil
	})
}

func (s *approvalService) SuperAdminApprove(ctx context.Context, actor model.Actor, id uint) (TransitionResult, error) {
	return s.run(ctx, actor, id, workflow.ActionSuperAdminApprove, func(ctx context.Context, t *transition) error {
		if t.pr.TotalAmount == nil {
			return apperror.Validation("total_amount", "purchase request has not been priced")
		}
		held, err := s.ledger.HeldReservation(ctx, t.pr.ID)
		if err != nil {
			return err
		}
		if held == nil {
			if _, err := s.ledger.Reserve(ctx, *t.budgetID, *t.pr.TotalAmount, t.pr.ID, t.actor); err != nil {
				return err
			}
		}
		rec, err := s.ledger.Consume(ctx, *t.budgetID, *t.pr.TotalAmount, t.pr.ID, t.actor)
		if err != nil {
			return err
		}
		t.out.LedgerRecordID = &rec.ID
		return nil
	})
}

func (s *approvalService) Reject(ctx context.Context, actor model.Actor, id uint, reason string) (TransitionResult, error) {
	if err := workflow.ValidateReason(reason); err != nil {
		return TransitionResult{}, err
	}
	reason = strings.TrimSpace(reason)
	return s.run(ctx, actor, id, workflow.ActionReject, func(ctx context.Context, t *transition) error {
		t.pr.RejectReason = &reason
		t.details["reason"] = reason
		if t.budgetID == nil {
			return nil
		}
		rec, err := s.ledger.Release(ctx, *t.budgetID, t.pr.ID, t.actor)
		if err != nil {
			return err
		}
		if rec != nil {
			t.out.LedgerRecordID = &rec.ID
		}
		return nil
	})
}

// transition is the state an action's apply step works on inside the transaction.
type transition struct {
	actor    model.Actor
	pr       *model.PurchaseRequest
	step     workflow.Step
	budgetID *uint
	out      *TransitionResult
	details  map[string]any
}

type applyFunc func(ctx context.Context, t *transition) error

// run performs action under the PR and budget locks, retrying once on a concurrency conflict.
func (s *approvalService) run(ctx context.Context, actor model.Actor, id uint, action workflow.Action, apply applyFunc) (TransitionResult, error) {
	res, err := s.attempt(ctx, actor, id, action, apply)
	if errors.Is(err, apperror.ErrConcurrencyConflict) {
		s.logger.Warn("concurrency conflict, retrying", "pr_id", id, "action", action, "error", err)
		res, err = s.attempt(ctx, actor, id, action, apply)
	}
	return res, err
}

func (s *approvalService) attempt(ctx context.Context, actor model.Actor, id uint, action workflow.Action, apply applyFunc) (TransitionResult, error) {
	unlockPR, err := s.locker.Acquire(ctx, lock.PRKey(id))
	if err != nil {
		return TransitionResult{}, err
	}
	defer unlockPR()

	pr, err := s.prRepo.FindByID(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	// Fail fast before any budget lookup or lock.
	if _, err := workflow.Plan(pr, action, actor); err != nil {
		return TransitionResult{}, err
	}

	budgetID, err := s.budgetFor(ctx, pr, action)
	if err != nil {
		return TransitionResult{}, err
	}
	if budgetID != nil {
		unlockBudget, err := s.locker.Acquire(ctx, lock.BudgetKey(*budgetID))
		if err != nil {
			return TransitionResult{}, err
		}
		defer unlockBudget()
	}

	out := TransitionResult{}
	var step workflow.Step
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := s.prRepo.FindByIDForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if current.Version != pr.Version {
			return fmt.Errorf("PR %d changed while waiting for locks: %w", id, apperror.ErrConcurrencyConflict)
		}
		planned, err := workflow.Plan(current, action, actor)
		if err != nil {
			return err
		}

		t := &transition{actor: actor, pr: current, step: planned, budgetID: budgetID, out: &out, details: map[string]any{}}
		if apply != nil {
			if err := apply(txCtx, t); err != nil {
				return err
			}
		}
		if t.step.To == "" {
			return fmt.Errorf("action %s on PR %d resolved no target state", action, id)
		}
		step = t.step
		current.Status = step.To
		if err := s.prRepo.UpdateState(txCtx, current); err != nil {
			return err
		}
		if budgetID != nil {
			t.details["budget_id"] = *budgetID
		}
		return s.audit(txCtx, actor, auditActions[action], current, step.From, step.To, out.LedgerRecordID, t.details)
	})
	if err != nil {
		s.ledger.FreezeOnInconsistency(ctx, err)
		return TransitionResult{}, err
	}

	s.logger.Info("purchase request transitioned",
		"pr_id", id, "action", action, "from", step.From, "to", step.To, "actor_id", actor.UserID)
	return s.finish(ctx, actor, id, action, step, budgetID, out)
}

// budgetFor names the budget an action will touch, or nil when it touches none.
func (s *approvalService) budgetFor(ctx context.Context, pr *model.PurchaseRequest, action workflow.Action) (*uint, error) {
	switch action {
	case workflow.ActionFillPrice:
		return s.resolveBudget(ctx, pr)
	case workflow.ActionAdminApprove, workflow.ActionSuperAdminApprove, workflow.ActionReject:
		held, err := s.ledger.HeldReservation(ctx, pr.ID)
		if err != nil {
			return nil, err
		}
		if held != nil {
			id := held.BudgetID
			return &id, nil
		}
		if action == workflow.ActionReject {
			return nil, nil
		}
		return s.resolveBudget(ctx, pr)
	}
	return nil, nil
}

// resolveBudget picks the PR's explicit budget, then its department's active budget for
// the current year, then the company-wide one.
func (s *approvalService) resolveBudget(ctx context.Context, pr *model.PurchaseRequest) (*uint, error) {
	if pr.BudgetID != nil {
		b, err := s.budgetRepo.FindByID(ctx, *pr.BudgetID)
		if err != nil {
			return nil, err
		}
		return &b.ID, nil
	}

	year := s.now().Year()
	dept := pr.Department
	if dept == "" && pr.Owner != nil {
		dept = pr.Owner.Department
	}
	if dept != "" {
		b, err := s.budgetRepo.FindActive(ctx, &dept, year)
		if err != nil {
			return nil, fmt.Errorf("find department budget: %w", err)
		}
		if b != nil {
			return &b.ID, nil
		}
	}
	b, err := s.budgetRepo.FindActive(ctx, nil, year)
	if err != nil {
		return nil, fmt.Errorf("find company budget: %w", err)
	}
	if b == nil {
		return nil, apperror.Validation("budget_id", "no active budget for department %q in %d", dept, year)
	}
	return &b.ID, nil
}

func (s *approvalService) finish(ctx context.Context, actor model.Actor, id uint, action workflow.Action, step workflow.Step, budgetID *uint, out TransitionResult) (TransitionResult, error) {
	pr, err := s.prRepo.FindByID(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	out.PR = toPRResponse(pr)
	if budgetID != nil {
		b, err := s.budgetRepo.FindByID(ctx, *budgetID)
		if err != nil {
			return TransitionResult{}, err
		}
		resp := toBudgetResponse(b)
		out.Budget = &resp
	}
	if out.Decision != nil {
		if out.Decision.AutoApproved() {
			out.Result = ResultAutoApproved
		} else {
			out.Result = ResultNeedSuperAdmin
			out.NeedSuperAdminReason = out.Decision.Reason
		}
	}

	events.Emit(ctx, s.publisher, s.logger, events.Event{
		Type:           events.TypePRTransitioned,
		EntityType:     model.EntityPurchaseRequest,
		EntityID:       strconv.FormatUint(uint64(id), 10),
		Action:         string(action),
		FromStatus:     string(step.From),
		ToStatus:       string(step.To),
		ActorID:        actor.UserID.String(),
		LedgerRecordID: out.LedgerRecordID,
		Data:           out,
	})
	return out, nil
}

// Resubmit clones a rejected PR into a new draft owned by the same user. The rejected
// PR stays untouched.
func (s *approvalService) Resubmit(ctx context.Context, actor model.Actor, id uint) (PRResponse, error) {
	src, err := s.prRepo.FindByID(ctx, id)
	if err != nil {
		return PRResponse{}, err
	}
	if src.OwnerID != actor.UserID {
		return PRResponse{}, &apperror.InvalidTransitionError{
			Current: string(src.Status), Action: "resubmit", Required: "owner", RoleOnly: true,
		}
	}
	if src.Status != model.PRStatusRejected {
		return PRResponse{}, &apperror.InvalidTransitionError{
			Current: string(src.Status), Action: "resubmit", Required: "owner",
		}
	}

	items := make([]model.PRItem, 0, len(src.Items))
	for _, item := range src.Items {
		items = append(items, model.PRItem{
			LineNo:         item.LineNo,
			Name:           item.Name,
			Spec:           item.Spec,
			Qty:            item.Qty,
			Unit:           item.Unit,
			EstimatedPrice: item.EstimatedPrice,
		})
	}
	srcID := src.ID
	clone := &model.PurchaseRequest{
		Title:             src.Title,
		Description:       src.Description,
		Urgency:           src.Urgency,
		OwnerID:           src.OwnerID,
		Department:        src.Department,
		Status:            model.PRStatusDraft,
		BudgetID:          src.BudgetID,
		ResubmittedFromID: &srcID,
		Items:             items,
	}
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		number, err := s.prRepo.NextNumber(txCtx, s.now())
		if err != nil {
			return fmt.Errorf("failed to generate PR number: %w", err)
		}
		clone.PRNumber = number
		if err := s.prRepo.Create(txCtx, clone); err != nil {
			return fmt.Errorf("failed to create purchase request: %w", err)
		}
		return s.audit(txCtx, actor, model.ActionResubmitPR, clone, "", clone.Status, nil, map[string]any{
			"resubmitted_from":    src.ID,
			"resubmitted_from_no": src.PRNumber,
		})
	})
	if err != nil {
		return PRResponse{}, err
	}

	created, err := s.prRepo.FindByID(ctx, clone.ID)
	if err != nil {
		return PRResponse{}, err
	}
	resp := toPRResponse(created)
	events.Emit(ctx, s.publisher, s.logger, events.Event{
		Type:       events.TypePRCreated,
		EntityType: model.EntityPurchaseRequest,
		EntityID:   strconv.FormatUint(uint64(clone.ID), 10),
		Action:     model.ActionResubmitPR,
		ToStatus:   string(clone.Status),
		ActorID:    actor.UserID.String(),
		Data:       resp,
	})
	return resp, nil
}

func (s *approvalService) Get(ctx context.Context, actor model.Actor, id uint) (PRResponse, error) {
	pr, err := s.prRepo.FindByID(ctx, id)
	if err != nil {
		return PRResponse{}, err
	}
	if !canView(actor, pr) {
		return PRResponse{}, fmt.Errorf("purchase request %d: %w", id, apperror.ErrForbidden)
	}
	return toPRResponse(pr), nil
}

func canView(actor model.Actor, pr *model.PurchaseRequest) bool {
	return pr.OwnerID == actor.UserID || actor.HasPermission(model.RoleSupervisor)
}

func (s *approvalService) ListMine(ctx context.Context, actor model.Actor, filter PRListFilter) ([]PRResponse, int64, error) {
	var statuses []model.PRStatus
	if filter.Status != "" {
		st := model.PRStatus(filter.Status)
		if !st.Valid() {
			return nil, 0, apperror.Validation("status", "unknown status %q", filter.Status)
		}
		statuses = []model.PRStatus{st}
	}
	owner := actor.UserID
	return s.list(ctx, repository.PRFilter{Statuses: statuses, OwnerID: &owner}, filter)
}

func (s *approvalService) ListNeedPrice(ctx context.Context, actor model.Actor, filter PRListFilter) ([]PRResponse, int64, error) {
	return s.queue(ctx, actor, model.PRStatusSupervisorApproved, filter)
}

func (s *approvalService) ListNeedAdminApprove(ctx context.Context, actor model.Actor, filter PRListFilter) ([]PRResponse, int64, error) {
	return s.queue(ctx, actor, model.PRStatusPriceFilled, filter)
}

func (s *approvalService) ListNeedSuperAdminApprove(ctx context.Context, actor model.Actor, filter PRListFilter) ([]PRResponse, int64, error) {
	return s.queue(ctx, actor, model.PRStatusPendingSuperAdmin, filter)
}

// queue lists PRs waiting in status for the tier that acts on it.
func (s *approvalService) queue(ctx context.Context, actor model.Actor, status model.PRStatus, filter PRListFilter) ([]PRResponse, int64, error) {
	required := workflow.RequiredRole(status)
	if !actor.HasPermission(required) {
		return nil, 0, fmt.Errorf("%s queue requires %s: %w", status, required, apperror.ErrForbidden)
	}
	return s.list(ctx, repository.PRFilter{Statuses: []model.PRStatus{status}}, filter)
}

func (s *approvalService) list(ctx context.Context, base repository.PRFilter, filter PRListFilter) ([]PRResponse, int64, error) {
	p := pagination.New(filter.Page, filter.Limit)
	base.Keyword = strings.TrimSpace(filter.Keyword)
	base.Department = strings.TrimSpace(filter.Department)
	base.Page, base.Limit = p.Page, p.Limit

	prs, total, err := s.prRepo.List(ctx, base)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list purchase requests: %w", err)
	}
	res := make([]PRResponse, 0, len(prs))
	for i := range prs {
		res = append(res, toPRResponse(&prs[i]))
	}
	return res, total, nil
}

var prWorkflowActions = []string{
	model.ActionCreatePR, model.ActionSubmitPR, model.ActionSupervisorApprove, model.ActionFillPrice,
	model.ActionAdminApprove, model.ActionSuperAdminApprove, model.ActionRejectPR, model.ActionResubmitPR,
}

// ApprovalHistory returns the trail of one PR when filter.PRID is set, otherwise the
// workflow actions the actor performed.
func (s *approvalService) ApprovalHistory(ctx context.Context, actor model.Actor, filter HistoryFilter) ([]HistoryEntry, int64, error) {
	p := pagination.New(filter.Page, filter.Limit)
	af := repository.AuditFilter{
		EntityType: model.EntityPurchaseRequest,
		Actions:    prWorkflowActions,
		Page:       p.Page,
		Limit:      p.Limit,
	}
	if filter.PRID != nil {
		pr, err := s.prRepo.FindByID(ctx, *filter.PRID)
		if err != nil {
			return nil, 0, err
		}
		if !canView(actor, pr) {
			return nil, 0, fmt.Errorf("purchase request %d: %w", pr.ID, apperror.ErrForbidden)
		}
		af.EntityID = strconv.FormatUint(uint64(pr.ID), 10)
	} else {
		id := actor.UserID
		af.ActorID = &id
	}

	logs, total, err := s.auditRepo.List(ctx, af)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list approval history: %w", err)
	}
	res := make([]HistoryEntry, 0, len(logs))
	for _, l := range logs {
		res = append(res, toHistoryEntry(l))
	}
	return res, total, nil
}

func (s *approvalService) audit(ctx context.Context, actor model.Actor, action string, pr *model.PurchaseRequest, from, to model.PRStatus, recID *uint, details map[string]any) error {
	payload, _ := json.Marshal(details)
	entry := model.AuditLog{
		ActorID:        actor.IDPtr(),
		ActorRole:      actorRole(actor),
		Action:         action,
		EntityType:     model.EntityPurchaseRequest,
		EntityID:       strconv.FormatUint(uint64(pr.ID), 10),
		EntityName:     pr.PRNumber,
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

func decString(d *decimal.Decimal, places int32) *string {
	if d == nil {
		return nil
	}
	s := d.StringFixed(places)
	return &s
}

func toPRResponse(pr *model.PurchaseRequest) PRResponse {
	resp := PRResponse{
		ID:                pr.ID,
		PRNumber:          pr.PRNumber,
		Title:             pr.Title,
		Description:       pr.Description,
		Urgency:           string(pr.Urgency),
		UrgencyLabel:      pr.Urgency.Label(),
		OwnerID:           pr.OwnerID.String(),
		Department:        pr.Department,
		Status:            string(pr.Status),
		TotalAmount:       decString(pr.TotalAmount, 2),
		RejectReason:      pr.RejectReason,
		EscalationReason:  pr.EscalationReason,
		BudgetID:          pr.BudgetID,
		ResubmittedFromID: pr.ResubmittedFromID,
		Version:           pr.Version,
		Items:             make([]PRItemResponse, 0, len(pr.Items)),
		CreatedAt:         pr.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         pr.UpdatedAt.Format(time.RFC3339),
	}
	if r := workflow.RequiredRole(pr.Status); r.Valid() {
		resp.RequiredRole = r.String()
	}
	if pr.Owner != nil {
		resp.OwnerName = pr.Owner.Username
	}
	for _, item := range pr.Items {
		ir := PRItemResponse{
			ID:             item.ID,
			LineNo:         item.LineNo,
			Name:           item.Name,
			Spec:           item.Spec,
			Qty:            item.Qty.String(),
			Unit:           item.Unit,
			EstimatedPrice: decString(item.EstimatedPrice, 2),
			UnitPrice:      decString(item.UnitPrice, 2),
		}
		if sub, ok := item.Subtotal(); ok {
			ir.Subtotal = decString(&sub, 2)
		}
		resp.Items = append(resp.Items, ir)
	}
	return resp
}

func toHistoryEntry(l model.AuditLog) HistoryEntry {
	e := HistoryEntry{
		ID:             l.ID.String(),
		PRID:           l.EntityID,
		PRNumber:       l.EntityName,
		Action:         l.Action,
		FromStatus:     l.FromStatus,
		ToStatus:       l.ToStatus,
		ActorRole:      l.ActorRole,
		LedgerRecordID: l.LedgerRecordID,
		Details:        l.Details,
		CreatedAt:      l.CreatedAt.Format(time.RFC3339),
	}
	if l.ActorID != nil && *l.ActorID != uuid.Nil {
		id := l.ActorID.String()
		e.ActorID = &id
	}
	if l.Actor != nil {
		e.ActorName = l.Actor.Username
	}
	return e
}
