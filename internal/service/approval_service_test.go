package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"procurement/internal/apperror"
	"procurement/internal/events"
	"procurement/internal/lock"
	"procurement/internal/model"
	"procurement/internal/workflow"
)

func TestAutoApproveConsumesReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	budget := env.activeBudget(t, "10000", nil)

	pr := env.approvedBySupervisor(t, nil,
		line{"bearing", "1", "100"}, line{"belt", "1", "200"}, line{"motor", "1", "300"})
	priced := env.priceAll(t, pr, "100", "200", "300")
	if priced.PR.Status != string(model.PRStatusPriceFilled) {
		t.Fatalf("status after fill price = %s", priced.PR.Status)
	}
	if priced.PR.TotalAmount == nil || *priced.PR.TotalAmount != "600.00" {
		t.Fatalf("total = %v, want 600.00", priced.PR.TotalAmount)
	}
	if priced.Budget == nil || priced.Budget.ID != budget.ID || priced.Budget.ReservedAmount != "600.00" {
		t.Fatalf("budget after fill price = %+v", priced.Budget)
	}

	res, err := env.approvals.AdminApprove(ctx, env.as(model.RoleFactoryManager), pr.ID)
	if err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	if res.Result != ResultAutoApproved || res.PR.Status != string(model.PRStatusApproved) {
		t.Fatalf("result = %s status = %s", res.Result, res.PR.Status)
	}
	if res.LedgerRecordID == nil {
		t.Fatal("expected the consume record id")
	}

	b := env.budget(t, budget.ID)
	assertAmount(t, "used", b.UsedAmount, "600")
	assertAmount(t, "reserved", b.ReservedAmount, "0")
	recs := env.records(t, budget.ID)
	if len(recs) != 2 || recs[0].Type != model.UsageReserve || recs[1].Type != model.UsageConsume {
		t.Fatalf("records = %+v", recs)
	}
	assertAmount(t, "consume amount", recs[1].Amount, "600")
	if *res.LedgerRecordID != recs[1].ID {
		t.Fatalf("ledger record id = %d, want %d", *res.LedgerRecordID, recs[1].ID)
	}
}

func TestLargeAmountEscalatesThenSuperAdminApproves(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	budget := env.activeBudget(t, "10000", nil)

	pr := env.approvedBySupervisor(t, nil, line{"press", "1", "5000"})
	env.priceAll(t, pr, "5000")
	assertAmount(t, "reserved after fill", env.budget(t, budget.ID).ReservedAmount, "5000")

	res, err := env.approvals.AdminApprove(ctx, env.as(model.RoleFactoryManager), pr.ID)
	if err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	if res.PR.Status != string(model.PRStatusPendingSuperAdmin) {
		t.Fatalf("status = %s", res.PR.Status)
	}
	if res.Result != ResultNeedSuperAdmin || res.NeedSuperAdminReason != workflow.ReasonAmountExceeds {
		t.Fatalf("result = %s reason = %s", res.Result, res.NeedSuperAdminReason)
	}
	if res.PR.RequiredRole != model.RoleSuperAdmin.String() {
		t.Fatalf("required role = %s", res.PR.RequiredRole)
	}
	if n := len(env.records(t, budget.ID)); n != 1 {
		t.Fatalf("escalation must not touch the ledger, got %d records", n)
	}

	if _, err := env.approvals.SuperAdminApprove(ctx, env.as(model.RoleGeneralManager), pr.ID); !isRoleOnly(err) {
		t.Fatalf("general manager final approval: %v", err)
	}

	final, err := env.approvals.SuperAdminApprove(ctx, env.as(model.RoleSuperAdmin), pr.ID)
	if err != nil {
		t.Fatalf("super admin approve: %v", err)
	}
	if final.PR.Status != string(model.PRStatusApproved) {
		t.Fatalf("status = %s", final.PR.Status)
	}
	b := env.budget(t, budget.ID)
	assertAmount(t, "used", b.UsedAmount, "5000")
	assertAmount(t, "reserved", b.ReservedAmount, "0")
}

func TestPriceDeviationEscalates(t *testing.T) {
	env := newTestEnv(t)
	env.activeBudget(t, "10000", nil)

	pr := env.approvedBySupervisor(t, nil, line{"valve", "10", "100"})
	env.priceAll(t, pr, "110")

	res, err := env.approvals.AdminApprove(context.Background(), env.as(model.RoleFactoryManager), pr.ID)
	if err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	if res.NeedSuperAdminReason != workflow.ReasonDeviationExceeds {
		t.Fatalf("reason = %q", res.NeedSuperAdminReason)
	}
	if res.PR.EscalationReason != workflow.ReasonDeviationExceeds {
		t.Fatalf("stored escalation reason = %q", res.PR.EscalationReason)
	}
}

func TestRejectEscalatedReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	budget := env.activeBudget(t, "10000", nil)

	pr := env.approvedBySupervisor(t, nil, line{"press", "1", "5000"})
	env.priceAll(t, pr, "5000")
	if _, err := env.approvals.AdminApprove(ctx, env.as(model.RoleFactoryManager), pr.ID); err != nil {
		t.Fatalf("admin approve: %v", err)
	}

	if _, err := env.approvals.Reject(ctx, env.as(model.RoleFactoryManager), pr.ID, "too expensive"); !isRoleOnly(err) {
		t.Fatalf("factory manager reject of escalated PR: %v", err)
	}
	if _, err := env.approvals.Reject(ctx, env.as(model.RoleSuperAdmin), pr.ID, "  "); !isValidation(err) {
		t.Fatalf("blank reason: %v", err)
	}

	res, err := env.approvals.Reject(ctx, env.as(model.RoleSuperAdmin), pr.ID, "too expensive")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.PR.Status != string(model.PRStatusRejected) {
		t.Fatalf("status = %s", res.PR.Status)
	}
	if res.PR.RejectReason == nil || *res.PR.RejectReason != "too expensive" {
		t.Fatalf("reject reason = %v", res.PR.RejectReason)
	}

	b := env.budget(t, budget.ID)
	assertAmount(t, "reserved", b.ReservedAmount, "0")
	assertAmount(t, "used", b.UsedAmount, "0")
	recs := env.records(t, budget.ID)
	last := recs[len(recs)-1]
	if last.Type != model.UsageRelease {
		t.Fatalf("last record = %s, want release", last.Type)
	}
	assertAmount(t, "release amount", last.Amount, "-5000")

	if _, err := env.approvals.Reject(ctx, env.as(model.RoleSuperAdmin), pr.ID, "again"); !isTransition(err) {
		t.Fatalf("rejecting a rejected PR: %v", err)
	}
}

func TestRejectBeforePricingTouchesNoBudget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	budget := env.activeBudget(t, "10000", nil)

	pr, err := env.approvals.Create(ctx, env.as(model.RoleUser), CreatePRRequest{
		Title:  "Gloves",
		Submit: true,
		Items:  []CreatePRItemRequest{{Name: "gloves", Qty: "20"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pr.Status != string(model.PRStatusSubmitted) || pr.Urgency != string(model.UrgencyMedium) {
		t.Fatalf("status = %s urgency = %s", pr.Status, pr.Urgency)
	}

	res, err := env.approvals.Reject(ctx, env.as(model.RoleSupervisor), pr.ID, "not needed")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Budget != nil || res.LedgerRecordID != nil {
		t.Fatalf("reject before pricing touched the budget: %+v", res)
	}
	if n := len(env.records(t, budget.ID)); n != 0 {
		t.Fatalf("records = %d, want 0", n)
	}
}

func TestFillPriceInsufficientBudgetRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	budget := env.activeBudget(t, "1000", nil)

	pr := env.approvedBySupervisor(t, nil, line{"lathe", "1", "1500"})
	_, err := env.approvals.FillPrice(ctx, env.as(model.RoleSupervisor), pr.ID, FillPriceRequest{
		Items: []FillPriceItem{{ItemID: pr.Items[0].ID, UnitPrice: "1500"}},
	})
	var ibe *apperror.InsufficientBudgetError
	if !errors.As(err, &ibe) {
		t.Fatalf("expected InsufficientBudgetError, got %v", err)
	}

	after, err := env.approvals.Get(ctx, env.as(model.RoleUser), pr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != string(model.PRStatusSupervisorApproved) || after.TotalAmount != nil {
		t.Fatalf("PR changed despite failure: status %s total %v", after.Status, after.TotalAmount)
	}
	if after.Items[0].UnitPrice != nil {
		t.Fatalf("item price persisted: %s", *after.Items[0].UnitPrice)
	}
	if b := env.budget(t, budget.ID); b.Seq != 0 || !b.ReservedAmount.IsZero() {
		t.Fatalf("budget changed: seq %d reserved %s", b.Seq, b.ReservedAmount)
	}
}

func TestFillPriceValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activeBudget(t, "10000", nil)
	pr := env.approvedBySupervisor(t, nil, line{"bolt", "100", ""}, line{"nut", "100", ""})
	first, second := pr.Items[0].ID, pr.Items[1].ID

	cases := []struct {
		name  string
		items []FillPriceItem
	}{
		{"no prices", nil},
		{"zero price", []FillPriceItem{{ItemID: first, UnitPrice: "0"}, {ItemID: second, UnitPrice: "1"}}},
		{"not a number", []FillPriceItem{{ItemID: first, UnitPrice: "abc"}, {ItemID: second, UnitPrice: "1"}}},
		{"duplicate item", []FillPriceItem{{ItemID: first, UnitPrice: "1"}, {ItemID: first, UnitPrice: "2"}}},
		{"missing item", []FillPriceItem{{ItemID: first, UnitPrice: "1"}}},
		{"foreign item", []FillPriceItem{{ItemID: first, UnitPrice: "1"}, {ItemID: second, UnitPrice: "1"}, {ItemID: 9999, UnitPrice: "1"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.approvals.FillPrice(ctx, env.as(model.RoleSupervisor), pr.ID, FillPriceRequest{Items: tc.items})
			if !isValidation(err) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}

	if _, err := env.approvals.FillPrice(ctx, env.as(model.RoleUser), pr.ID, FillPriceRequest{
		Items: []FillPriceItem{{ItemID: first, UnitPrice: "1"}, {ItemID: second, UnitPrice: "1"}},
	}); !isRoleOnly(err) {
		t.Fatalf("user filling prices: %v", err)
	}
}

func TestFillPriceTotalIsExactSum(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	budget := env.activeBudget(t, "10000", nil)
	pr := env.approvedBySupervisor(t, nil, line{"wire", "3", ""}, line{"clip", "4", ""}, line{"cable", "7", ""})
	sup := env.as(model.RoleSupervisor)

	rejected := []struct {
		name   string
		prices []string
		field  string
	}{
		{"fractional cents", []string{"0.333", "0.1225", "0.12"}, "items[0].unit_price"},
		{"too many places", []string{"0.33", "0.12251", "0.12"}, "items[1].unit_price"},
		{"fractional subtotal", []string{"0.33", "0.1225", "0.1234"}, "items[2].unit_price"},
	}
	for _, tc := range rejected {
		t.Run(tc.name, func(t *testing.T) {
			req := FillPriceRequest{}
			for i, item := range pr.Items {
				req.Items = append(req.Items, FillPriceItem{ItemID: item.ID, UnitPrice: tc.prices[i]})
			}
			_, err := env.approvals.FillPrice(ctx, sup, pr.ID, req)
			var ve *apperror.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
	assertAmount(t, "reserved after refusals", env.budget(t, budget.ID).ReservedAmount, "0")

	// 0.99 + 0.49 + 0.84
	res := env.priceAll(t, pr, "0.33", "0.1225", "0.12")
	if res.PR.TotalAmount == nil || *res.PR.TotalAmount != "2.32" {
		t.Fatalf("total = %v, want 2.32", res.PR.TotalAmount)
	}

	stored, err := env.prRepo.FindByID(ctx, pr.ID)
	if err != nil {
		t.Fatalf("reload PR: %v", err)
	}
	sum, err := stored.ComputeTotal()
	if err != nil {
		t.Fatalf("sum subtotals: %v", err)
	}
	if stored.TotalAmount == nil || !stored.TotalAmount.Equal(sum) {
		t.Fatalf("stored total %v, sum of subtotals %s", stored.TotalAmount, sum)
	}
	assertAmount(t, "reserved", env.budget(t, budget.ID).ReservedAmount, sum.String())
}

func TestBudgetResolutionPrefersDepartment(t *testing.T) {
	env := newTestEnv(t)
	env.activeBudget(t, "10000", nil)
	dept := env.activeBudget(t, "3000", strPtr("production"))

	pr := env.approvedBySupervisor(t, nil, line{"drill", "1", ""})
	res := env.priceAll(t, pr, "250")
	if res.PR.BudgetID == nil || *res.PR.BudgetID != dept.ID {
		t.Fatalf("budget = %v, want department budget %d", res.PR.BudgetID, dept.ID)
	}
}

func TestBudgetResolutionWithoutBudget(t *testing.T) {
	env := newTestEnv(t)
	pr := env.approvedBySupervisor(t, nil, line{"drill", "1", ""})

	_, err := env.approvals.FillPrice(context.Background(), env.as(model.RoleSupervisor), pr.ID, FillPriceRequest{
		Items: []FillPriceItem{{ItemID: pr.Items[0].ID, UnitPrice: "10"}},
	})
	var ve *apperror.ValidationError
	if !errors.As(err, &ve) || ve.Field != "budget_id" {
		t.Fatalf("expected budget_id validation error, got %v", err)
	}
}

func TestConcurrentAdminApproveConsumesOnce(t *testing.T) {
	env := newTestEnv(t)
	budget := env.activeBudget(t, "10000", nil)
	pr := env.approvedBySupervisor(t, nil, line{"gear", "2", "150"})
	env.priceAll(t, pr, "150")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.approvals.AdminApprove(context.Background(), env.as(model.RoleFactoryManager), pr.ID)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case !isTransition(err) && !errors.Is(err, apperror.ErrConcurrencyConflict):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d approvals succeeded, want 1", ok)
	}
	if n := len(env.records(t, budget.ID)); n != 2 {
		t.Fatalf("records = %d, want reserve and consume only", n)
	}
	assertAmount(t, "used", env.budget(t, budget.ID).UsedAmount, "300")
}

func TestSubmitIsOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pr, err := env.approvals.Create(ctx, env.as(model.RoleUser), CreatePRRequest{
		Title: "Paint",
		Items: []CreatePRItemRequest{{Name: "paint", Qty: "4"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pr.Status != string(model.PRStatusDraft) || pr.Department != "production" {
		t.Fatalf("status = %s department = %s", pr.Status, pr.Department)
	}
	if _, err := env.approvals.Submit(ctx, env.as(model.RoleSuperAdmin), pr.ID); !isRoleOnly(err) {
		t.Fatalf("non-owner submit: %v", err)
	}
	res, err := env.approvals.Submit(ctx, env.as(model.RoleUser), pr.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.PR.Status != string(model.PRStatusSubmitted) {
		t.Fatalf("status = %s", res.PR.Status)
	}
	if _, err := env.approvals.SupervisorApprove(ctx, env.as(model.RoleUser), pr.ID); !isRoleOnly(err) {
		t.Fatalf("user supervisor-approving: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	missing := uint(4242)
	cases := []struct {
		name string
		req  CreatePRRequest
	}{
		{"blank title", CreatePRRequest{Title: " ", Items: []CreatePRItemRequest{{Name: "a", Qty: "1"}}}},
		{"no items", CreatePRRequest{Title: "x"}},
		{"zero qty", CreatePRRequest{Title: "x", Items: []CreatePRItemRequest{{Name: "a", Qty: "0"}}}},
		{"bad qty", CreatePRRequest{Title: "x", Items: []CreatePRItemRequest{{Name: "a", Qty: "one"}}}},
		{"unknown urgency", CreatePRRequest{Title: "x", Urgency: "asap", Items: []CreatePRItemRequest{{Name: "a", Qty: "1"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.approvals.Create(ctx, env.as(model.RoleUser), tc.req); !isValidation(err) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}

	_, err := env.approvals.Create(ctx, env.as(model.RoleUser), CreatePRRequest{
		Title: "x", BudgetID: &missing, Items: []CreatePRItemRequest{{Name: "a", Qty: "1"}},
	})
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Fatalf("unknown budget: %v", err)
	}
}

func TestResubmitClonesRejectedPR(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activeBudget(t, "10000", nil)
	pr := env.approvedBySupervisor(t, nil, line{"hose", "5", "20"})
	env.priceAll(t, pr, "20")
	if _, err := env.approvals.Reject(ctx, env.as(model.RoleFactoryManager), pr.ID, "wrong spec"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if _, err := env.approvals.Resubmit(ctx, env.as(model.RoleSupervisor), pr.ID); !isRoleOnly(err) {
		t.Fatalf("non-owner resubmit: %v", err)
	}
	clone, err := env.approvals.Resubmit(ctx, env.as(model.RoleUser), pr.ID)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if clone.ID == pr.ID || clone.Status != string(model.PRStatusDraft) {
		t.Fatalf("clone = %+v", clone)
	}
	if clone.ResubmittedFromID == nil || *clone.ResubmittedFromID != pr.ID {
		t.Fatalf("resubmitted_from = %v", clone.ResubmittedFromID)
	}
	if clone.TotalAmount != nil || clone.Items[0].UnitPrice != nil {
		t.Fatal("clone kept prices")
	}
	if clone.PRNumber == pr.PRNumber {
		t.Fatal("clone reused the PR number")
	}

	orig, err := env.approvals.Get(ctx, env.as(model.RoleUser), pr.ID)
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if orig.Status != string(model.PRStatusRejected) {
		t.Fatalf("original status = %s", orig.Status)
	}
}

func TestQueuesAndVisibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pr := env.approvedBySupervisor(t, nil, line{"tape", "1", ""})

	if _, _, err := env.approvals.ListNeedPrice(ctx, env.as(model.RoleUser), PRListFilter{}); !errors.Is(err, apperror.ErrForbidden) {
		t.Fatalf("user need-price queue: %v", err)
	}
	list, total, err := env.approvals.ListNeedPrice(ctx, env.as(model.RoleSupervisor), PRListFilter{})
	if err != nil {
		t.Fatalf("need-price queue: %v", err)
	}
	if total != 1 || list[0].ID != pr.ID {
		t.Fatalf("queue = %+v", list)
	}
	if _, _, err := env.approvals.ListNeedSuperAdminApprove(ctx, env.as(model.RoleGeneralManager), PRListFilter{}); !errors.Is(err, apperror.ErrForbidden) {
		t.Fatalf("general manager super-admin queue: %v", err)
	}

	mine, total, err := env.approvals.ListMine(ctx, env.as(model.RoleUser), PRListFilter{Keyword: "Spare"})
	if err != nil || total != 1 || mine[0].ID != pr.ID {
		t.Fatalf("list mine = %+v, %d, %v", mine, total, err)
	}
	if _, _, err := env.approvals.ListMine(ctx, env.as(model.RoleUser), PRListFilter{Status: "bogus"}); !isValidation(err) {
		t.Fatalf("bogus status filter: %v", err)
	}

	stranger := model.Actor{UserID: env.as(model.RoleSupervisor).UserID, Role: model.RoleUser}
	if _, err := env.approvals.Get(ctx, stranger, pr.ID); !errors.Is(err, apperror.ErrForbidden) {
		t.Fatalf("stranger get: %v", err)
	}
}

func TestApprovalHistoryAndEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activeBudget(t, "10000", nil)
	pr := env.approvedBySupervisor(t, nil, line{"fan", "1", "100"})
	env.priceAll(t, pr, "100")
	if _, err := env.approvals.AdminApprove(ctx, env.as(model.RoleFactoryManager), pr.ID); err != nil {
		t.Fatalf("admin approve: %v", err)
	}

	id := pr.ID
	history, total, err := env.approvals.ApprovalHistory(ctx, env.as(model.RoleUser), HistoryFilter{PRID: &id})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// create, submit, supervisor approve, fill price, admin approve
	if total != 5 {
		t.Fatalf("history total = %d, want 5", total)
	}
	seen := map[string]bool{}
	for _, h := range history {
		seen[h.Action] = true
	}
	for _, action := range []string{model.ActionCreatePR, model.ActionFillPrice, model.ActionAdminApprove} {
		if !seen[action] {
			t.Fatalf("history misses %s: %+v", action, history)
		}
	}

	mine, _, err := env.approvals.ApprovalHistory(ctx, env.as(model.RoleFactoryManager), HistoryFilter{})
	if err != nil {
		t.Fatalf("actor history: %v", err)
	}
	if len(mine) != 1 || mine[0].Action != model.ActionAdminApprove {
		t.Fatalf("factory manager history = %+v", mine)
	}

	transitions := 0
	for _, typ := range env.events.types() {
		if typ == events.TypePRTransitioned {
			transitions++
		}
	}
	// submit, supervisor approve, fill price, admin approve
	if transitions != 4 {
		t.Fatalf("pr.transitioned events = %d, want 4", transitions)
	}
}

func isValidation(err error) bool {
	var ve *apperror.ValidationError
	return errors.As(err, &ve)
}

func isTransition(err error) bool {
	var ite *apperror.InvalidTransitionError
	return errors.As(err, &ite)
}

func isRoleOnly(err error) bool {
	var ite *apperror.InvalidTransitionError
	return errors.As(err, &ite) && ite.RoleOnly
}

func gloves(submit bool) CreatePRRequest {
	return CreatePRRequest{
		Title:  "Gloves",
		Submit: submit,
		Items:  []CreatePRItemRequest{{Name: "nitrile gloves", Qty: "20", Unit: "box"}},
	}
}

func TestConcurrencyConflictRetriedOnce(t *testing.T) {
	cases := []struct {
		name    string
		fails   int
		wantErr bool
	}{
		{"single conflict absorbed", 1, false},
		{"second conflict surfaced", 2, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			pr, err := env.approvals.Create(ctx, env.as(model.RoleUser), gloves(true))
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			locker := &flakyLocker{Locker: lock.NewMemoryLocker(time.Second), fails: tc.fails}
			res, err := env.approvalsWith(locker).SupervisorApprove(ctx, env.as(model.RoleSupervisor), pr.ID)
			if got := locker.acquired(); got != 2 {
				t.Fatalf("lock acquisitions = %d, want 2", got)
			}
			if tc.wantErr {
				if !errors.Is(err, apperror.ErrConcurrencyConflict) {
					t.Fatalf("expected concurrency conflict, got %v", err)
				}
				after, err := env.approvals.Get(ctx, env.as(model.RoleSupervisor), pr.ID)
				if err != nil || after.Status != string(model.PRStatusSubmitted) {
					t.Fatalf("after failed approve: %+v, %v", after, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("supervisor approve: %v", err)
			}
			if res.PR.Status != string(model.PRStatusSupervisorApproved) {
				t.Fatalf("status = %s", res.PR.Status)
			}
		})
	}
}

func TestCreateKeepsDraftWhenSubmitFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.as(model.RoleUser)
	flaky := env.approvalsWith(&flakyLocker{Locker: lock.NewMemoryLocker(time.Second), fails: 2})

	draft, err := flaky.Create(ctx, user, gloves(true))
	if !errors.Is(err, apperror.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
	if draft.ID == 0 || draft.Status != string(model.PRStatusDraft) {
		t.Fatalf("returned draft = %+v", draft)
	}

	res, err := env.approvals.Submit(ctx, user, draft.ID)
	if err != nil {
		t.Fatalf("submit saved draft: %v", err)
	}
	if res.PR.Status != string(model.PRStatusSubmitted) {
		t.Fatalf("status = %s", res.PR.Status)
	}
	if _, total, err := env.approvals.ListMine(ctx, user, PRListFilter{}); err != nil || total != 1 {
		t.Fatalf("owned PRs = %d, %v", total, err)
	}
}
