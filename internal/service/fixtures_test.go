package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"procurement/internal/apperror"
	"procurement/internal/config"
	"procurement/internal/database"
	"procurement/internal/events"
	"procurement/internal/lock"
	"procurement/internal/model"
	"procurement/internal/repository"
	"procurement/internal/workflow"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// flakyLocker reports a concurrency conflict for the first fails acquisitions.
type flakyLocker struct {
	lock.Locker
	mu    sync.Mutex
	fails int
	calls int
}

func (l *flakyLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	l.calls++
	fail := l.fails > 0
	if fail {
		l.fails--
	}
	l.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("lock %s: %w", key, apperror.ErrConcurrencyConflict)
	}
	return l.Locker.Acquire(ctx, key)
}

func (l *flakyLocker) acquired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type testEnv struct {
	db         *gorm.DB
	budgetRepo repository.BudgetRepository
	prRepo     repository.PurchaseRequestRepository
	auditRepo  repository.AuditRepository
	userRepo   repository.UserRepository
	txManager  repository.TransactionManager
	ledger     LedgerService
	budgets    BudgetService
	approvals  ApprovalService
	events     *eventRecorder
	actors     map[model.Role]model.Actor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.NewConnection(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "procurement.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		db:         db,
		budgetRepo: repository.NewBudgetRepository(db),
		prRepo:     repository.NewPurchaseRequestRepository(db),
		auditRepo:  repository.NewAuditRepository(db),
		userRepo:   repository.NewUserRepository(db),
		txManager:  repository.NewTransactionManager(db),
		events:     &eventRecorder{},
		actors:     map[model.Role]model.Actor{},
	}
	locker := lock.NewMemoryLocker(2 * time.Second)
	env.ledger = NewLedgerService(env.budgetRepo, env.auditRepo, env.txManager, logger)
	env.budgets = NewBudgetService(env.budgetRepo, env.auditRepo, env.txManager, env.ledger, locker, env.events,
		BudgetDefaults{WarningThreshold: decimal.NewFromInt(80), CriticalThreshold: decimal.NewFromInt(95)}, logger)
	env.approvals = NewApprovalService(env.prRepo, env.budgetRepo, env.userRepo, env.auditRepo, env.txManager,
		env.ledger, locker, env.events, workflow.DefaultPolicy(), logger)

	for _, role := range []model.Role{model.RoleUser, model.RoleSupervisor, model.RoleFactoryManager, model.RoleGeneralManager, model.RoleSuperAdmin} {
		u := &model.User{
			Username:   role.String(),
			Email:      role.String() + "@example.com",
			Password:   "not-a-hash",
			Role:       role,
			Department: "production",
		}
		if err := env.userRepo.Create(context.Background(), u); err != nil {
			t.Fatalf("create %s: %v", role, err)
		}
		env.actors[role] = model.Actor{UserID: u.ID, Role: role}
	}
	return env
}

// approvalsWith builds an approval service over the same database with a different locker.
func (e *testEnv) approvalsWith(locker lock.Locker) ApprovalService {
	return NewApprovalService(e.prRepo, e.budgetRepo, e.userRepo, e.auditRepo, e.txManager,
		e.ledger, locker, e.events, workflow.DefaultPolicy(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (e *testEnv) as(role model.Role) model.Actor {
	return e.actors[role]
}

// activeBudget creates a budget for the current year and walks it to active.
func (e *testEnv) activeBudget(t *testing.T, total string, department *string) BudgetResponse {
	t.Helper()
	ctx := context.Background()
	gm := e.as(model.RoleGeneralManager)
	b, err := e.budgets.Create(ctx, gm, CreateBudgetRequest{
		Name:        "Operations " + total,
		Year:        time.Now().Year(),
		PeriodType:  string(model.PeriodAnnual),
		Department:  department,
		TotalAmount: total,
	})
	if err != nil {
		t.Fatalf("create budget: %v", err)
	}
	for _, step := range []func(context.Context, model.Actor, uint) (BudgetChangeResult, error){
		e.budgets.Submit, e.budgets.Approve, e.budgets.Activate,
	} {
		if _, err := step(ctx, gm, b.ID); err != nil {
			t.Fatalf("activate budget: %v", err)
		}
	}
	got, err := e.budgets.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	return got
}

type line struct {
	name, qty, estimate string
}

// approvedBySupervisor creates a PR owned by the plain user and moves it to
// supervisor_approved.
func (e *testEnv) approvedBySupervisor(t *testing.T, budgetID *uint, lines ...line) PRResponse {
	t.Helper()
	ctx := context.Background()
	items := make([]CreatePRItemRequest, 0, len(lines))
	for _, l := range lines {
		item := CreatePRItemRequest{Name: l.name, Qty: l.qty, Unit: "pcs"}
		if l.estimate != "" {
			est := l.estimate
			item.EstimatedPrice = &est
		}
		items = append(items, item)
	}
	pr, err := e.approvals.Create(ctx, e.as(model.RoleUser), CreatePRRequest{
		Title:    "Spare parts",
		Urgency:  "high",
		BudgetID: budgetID,
		Submit:   true,
		Items:    items,
	})
	if err != nil {
		t.Fatalf("create PR: %v", err)
	}
	res, err := e.approvals.SupervisorApprove(ctx, e.as(model.RoleSupervisor), pr.ID)
	if err != nil {
		t.Fatalf("supervisor approve: %v", err)
	}
	return res.PR
}

// priceAll prices the PR's items in line order.
func (e *testEnv) priceAll(t *testing.T, pr PRResponse, prices ...string) TransitionResult {
	t.Helper()
	req := FillPriceRequest{}
	for i, item := range pr.Items {
		req.Items = append(req.Items, FillPriceItem{ItemID: item.ID, UnitPrice: prices[i]})
	}
	res, err := e.approvals.FillPrice(context.Background(), e.as(model.RoleSupervisor), pr.ID, req)
	if err != nil {
		t.Fatalf("fill price: %v", err)
	}
	return res
}

func (e *testEnv) budget(t *testing.T, id uint) *model.Budget {
	t.Helper()
	b, err := e.budgetRepo.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load budget %d: %v", id, err)
	}
	return b
}

func (e *testEnv) records(t *testing.T, id uint) []model.BudgetUsageRecord {
	t.Helper()
	recs, err := e.budgetRepo.Records(context.Background(), id)
	if err != nil {
		t.Fatalf("load records: %v", err)
	}
	return recs
}

func assertAmount(t *testing.T, what string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s = %s, want %s", what, got.String(), want)
	}
}

func strPtr(s string) *string { return &s }
