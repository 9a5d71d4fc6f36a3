package workflow

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"procurement/internal/apperror"
	"procurement/internal/model"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func actor(role model.Role) model.Actor {
	return model.Actor{UserID: uuid.New(), Role: role}
}

func TestPlanTransitions(t *testing.T) {
	owner := actor(model.RoleUser)
	cases := []struct {
		name    string
		status  model.PRStatus
		action  Action
		actor   model.Actor
		want    model.PRStatus
		routed  bool
		wantErr bool
		roleErr bool
	}{
		{name: "owner submits draft", status: model.PRStatusDraft, action: ActionSubmit, actor: owner, want: model.PRStatusSubmitted},
		{name: "stranger cannot submit", status: model.PRStatusDraft, action: ActionSubmit, actor: actor(model.RoleSuperAdmin), wantErr: true, roleErr: true},
		{name: "supervisor approves", status: model.PRStatusSubmitted, action: ActionSupervisorApprove, actor: actor(model.RoleSupervisor), want: model.PRStatusSupervisorApproved},
		{name: "user cannot supervisor approve", status: model.PRStatusSubmitted, action: ActionSupervisorApprove, actor: actor(model.RoleUser), wantErr: true, roleErr: true},
		{name: "pricer fills price", status: model.PRStatusSupervisorApproved, action: ActionFillPrice, actor: actor(model.RoleSupervisor), want: model.PRStatusPriceFilled},
		{name: "admin approve is routed", status: model.PRStatusPriceFilled, action: ActionAdminApprove, actor: actor(model.RoleFactoryManager), routed: true},
		{name: "supervisor cannot admin approve", status: model.PRStatusPriceFilled, action: ActionAdminApprove, actor: actor(model.RoleSupervisor), wantErr: true, roleErr: true},
		{name: "super admin finalizes", status: model.PRStatusPendingSuperAdmin, action: ActionSuperAdminApprove, actor: actor(model.RoleSuperAdmin), want: model.PRStatusApproved},
		{name: "general manager cannot finalize", status: model.PRStatusPendingSuperAdmin, action: ActionSuperAdminApprove, actor: actor(model.RoleGeneralManager), wantErr: true, roleErr: true},
		{name: "approve from draft", status: model.PRStatusDraft, action: ActionSupervisorApprove, actor: actor(model.RoleSuperAdmin), wantErr: true},
		{name: "admin approve twice", status: model.PRStatusApproved, action: ActionAdminApprove, actor: actor(model.RoleSuperAdmin), wantErr: true},
		{name: "reject submitted", status: model.PRStatusSubmitted, action: ActionReject, actor: actor(model.RoleSupervisor), want: model.PRStatusRejected},
		{name: "supervisor cannot reject escalated", status: model.PRStatusPendingSuperAdmin, action: ActionReject, actor: actor(model.RoleFactoryManager), wantErr: true, roleErr: true},
		{name: "super admin rejects escalated", status: model.PRStatusPendingSuperAdmin, action: ActionReject, actor: actor(model.RoleSuperAdmin), want: model.PRStatusRejected},
		{name: "reject terminal", status: model.PRStatusRejected, action: ActionReject, actor: actor(model.RoleSuperAdmin), wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pr := &model.PurchaseRequest{Status: tc.status, OwnerID: owner.UserID}
			step, err := Plan(pr, tc.action, tc.actor)
			if tc.wantErr {
				var ite *apperror.InvalidTransitionError
				if !errors.As(err, &ite) {
					t.Fatalf("expected InvalidTransitionError, got %v", err)
				}
				if ite.Current != string(tc.status) || ite.Action != string(tc.action) {
					t.Errorf("error does not identify state/action: %+v", ite)
				}
				if ite.Required == "" {
					t.Errorf("error does not name the required role: %+v", ite)
				}
				if ite.RoleOnly != tc.roleErr {
					t.Errorf("RoleOnly = %v, want %v", ite.RoleOnly, tc.roleErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if step.Routed != tc.routed {
				t.Errorf("Routed = %v, want %v", step.Routed, tc.routed)
			}
			if !tc.routed && step.To != tc.want {
				t.Errorf("To = %s, want %s", step.To, tc.want)
			}
		})
	}
}

func TestPlanNeverReturnsToDraft(t *testing.T) {
	statuses := []model.PRStatus{
		model.PRStatusDraft, model.PRStatusSubmitted, model.PRStatusSupervisorApproved,
		model.PRStatusPriceFilled, model.PRStatusPendingSuperAdmin, model.PRStatusApproved, model.PRStatusRejected,
	}
	actions := []Action{ActionSubmit, ActionSupervisorApprove, ActionFillPrice, ActionAdminApprove, ActionSuperAdminApprove, ActionReject}
	admin := actor(model.RoleSuperAdmin)
	for _, s := range statuses {
		for _, a := range actions {
			pr := &model.PurchaseRequest{Status: s, OwnerID: admin.UserID}
			step, err := Plan(pr, a, admin)
			if err != nil {
				continue
			}
			if step.To == model.PRStatusDraft {
				t.Fatalf("%s --%s--> draft", s, a)
			}
			if s.Terminal() {
				t.Fatalf("terminal %s accepted %s", s, a)
			}
		}
	}
}

func TestStepResolve(t *testing.T) {
	step := Step{Action: ActionAdminApprove, From: model.PRStatusPriceFilled, Routed: true}
	got := step.Resolve(Decision{Target: model.PRStatusPendingSuperAdmin})
	if got.To != model.PRStatusPendingSuperAdmin {
		t.Fatalf("To = %s", got.To)
	}

	fixed := Step{Action: ActionSubmit, To: model.PRStatusSubmitted}
	if fixed.Resolve(Decision{Target: model.PRStatusApproved}).To != model.PRStatusSubmitted {
		t.Fatal("non-routed step must keep its destination")
	}
}

func TestValidateItems(t *testing.T) {
	cases := []struct {
		name  string
		items []model.PRItem
		field string
	}{
		{name: "empty", items: nil, field: "items"},
		{name: "blank name", items: []model.PRItem{{Name: " ", Qty: decimal.NewFromInt(1)}}, field: "items[0].name"},
		{name: "zero qty", items: []model.PRItem{{Name: "a", Qty: decimal.NewFromInt(1)}, {Name: "b"}}, field: "items[1].qty"},
		{name: "negative estimate", items: []model.PRItem{{Name: "a", Qty: decimal.NewFromInt(1), EstimatedPrice: dec("-1")}}, field: "items[0].estimated_price"},
		{name: "ok", items: []model.PRItem{{Name: "a", Qty: decimal.NewFromInt(2)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateItems(tc.items)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *apperror.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Errorf("field = %q, want %q", ve.Field, tc.field)
			}
		})
	}
}

func TestValidatePricedAndReason(t *testing.T) {
	items := []model.PRItem{{Name: "a", Qty: decimal.NewFromInt(1), UnitPrice: dec("10")}, {Name: "b", Qty: decimal.NewFromInt(1), UnitPrice: dec("0")}}
	var ve *apperror.ValidationError
	if err := ValidatePriced(items); !errors.As(err, &ve) || ve.Field != "items[1].unit_price" {
		t.Fatalf("expected unit_price error on item 1, got %v", err)
	}
	if err := ValidateReason("   "); !errors.As(err, &ve) || ve.Field != "reason" {
		t.Fatalf("expected reason error, got %v", err)
	}
	if err := ValidateReason("duplicate order"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
