// Package workflow holds the purchase request state machine and the escalation router.
// Both are pure: they read a PR and an actor and decide, the approval service applies.
package workflow

import (
	"strconv"
	"strings"

	"procurement/internal/apperror"
	"procurement/internal/model"
)

// Action is a user-triggered request to move a PR forward.
type Action string

const (
	ActionSubmit            Action = "submit"
	ActionSupervisorApprove Action = "supervisor_approve"
	ActionFillPrice         Action = "fill_price"
	ActionAdminApprove      Action = "admin_approve"
	ActionSuperAdminApprove Action = "super_admin_approve"
	ActionReject            Action = "reject"
)

// ownerTier is reported as the required "role" for owner-only actions.
const ownerTier = "owner"

// routed marks a transition whose destination the escalation router picks.
const routed model.PRStatus = ""

var transitions = map[model.PRStatus]map[Action]model.PRStatus{
	model.PRStatusDraft:              {ActionSubmit: model.PRStatusSubmitted},
	model.PRStatusSubmitted:          {ActionSupervisorApprove: model.PRStatusSupervisorApproved},
	model.PRStatusSupervisorApproved: {ActionFillPrice: model.PRStatusPriceFilled},
	model.PRStatusPriceFilled:        {ActionAdminApprove: routed},
	model.PRStatusPendingSuperAdmin:  {ActionSuperAdminApprove: model.PRStatusApproved},
}

// RequiredRole is the tier that must act on a PR currently in status s. Terminal
// states return 0: nobody can act on them.
func RequiredRole(s model.PRStatus) model.Role {
	switch s {
	case model.PRStatusDraft, model.PRStatusSubmitted, model.PRStatusSupervisorApproved:
		return model.RoleSupervisor
	case model.PRStatusPriceFilled:
		return model.RoleFactoryManager
	case model.PRStatusPendingSuperAdmin:
		return model.RoleSuperAdmin
	case model.PRStatusApproved, model.PRStatusRejected:
		return 0
	}
	return 0
}

// Step is a validated transition. When Routed is true, To is left empty and must be
// filled from the escalation router's Decision.
type Step struct {
	Action   Action
	From     model.PRStatus
	To       model.PRStatus
	Required model.Role
	Routed   bool
}

// Plan checks that actor may perform action on pr and returns the resulting step.
func Plan(pr *model.PurchaseRequest, action Action, actor model.Actor) (Step, error) {
	from := pr.Status
	if action == ActionReject {
		return planReject(from, actor)
	}

	to, ok := transitions[from][action]
	if !ok {
		return Step{}, &apperror.InvalidTransitionError{
			Current:  string(from),
			Action:   string(action),
			Required: requiredLabel(action, from),
		}
	}

	if action == ActionSubmit {
		if actor.UserID != pr.OwnerID {
			return Step{}, &apperror.InvalidTransitionError{
				Current: string(from), Action: string(action), Required: ownerTier, RoleOnly: true,
			}
		}
		return Step{Action: action, From: from, To: to}, nil
	}

	required := RequiredRole(from)
	if !actor.HasPermission(required) {
		return Step{}, &apperror.InvalidTransitionError{
			Current: string(from), Action: string(action), Required: required.String(), RoleOnly: true,
		}
	}
	return Step{Action: action, From: from, To: to, Required: required, Routed: to == routed}, nil
}

func planReject(from model.PRStatus, actor model.Actor) (Step, error) {
	required := RequiredRole(from)
	if from.Terminal() {
		return Step{}, &apperror.InvalidTransitionError{
			Current: string(from), Action: string(ActionReject), Required: "none",
		}
	}
	if !actor.HasPermission(required) {
		return Step{}, &apperror.InvalidTransitionError{
			Current: string(from), Action: string(ActionReject), Required: required.String(), RoleOnly: true,
		}
	}
	return Step{Action: ActionReject, From: from, To: model.PRStatusRejected, Required: required}, nil
}

// requiredLabel names who could perform action if the PR were in the right state.
func requiredLabel(action Action, from model.PRStatus) string {
	switch action {
	case ActionSubmit:
		return ownerTier
	case ActionSupervisorApprove, ActionFillPrice:
		return model.RoleSupervisor.String()
	case ActionAdminApprove:
		return model.RoleFactoryManager.String()
	case ActionSuperAdminApprove:
		return model.RoleSuperAdmin.String()
	}
	if r := RequiredRole(from); r.Valid() {
		return r.String()
	}
	return "none"
}

// Resolve fills a routed step's destination from the router decision.
func (s Step) Resolve(d Decision) Step {
	if s.Routed {
		s.To = d.Target
	}
	return s
}

// ValidateItems checks the items a PR must carry before it can be submitted.
func ValidateItems(items []model.PRItem) error {
	if len(items) == 0 {
		return apperror.Validation("items", "at least one item is required")
	}
	for i, item := range items {
		if strings.TrimSpace(item.Name) == "" {
			return apperror.Validation(itemField(i, "name"), "must not be empty")
		}
		if !item.Qty.IsPositive() {
			return apperror.Validation(itemField(i, "qty"), "must be greater than 0")
		}
		if item.EstimatedPrice != nil && item.EstimatedPrice.IsNegative() {
			return apperror.Validation(itemField(i, "estimated_price"), "must not be negative")
		}
	}
	return nil
}

// ValidatePriced checks that every item carries a positive unit price.
func ValidatePriced(items []model.PRItem) error {
	for i, item := range items {
		if item.UnitPrice == nil || !item.UnitPrice.IsPositive() {
			return apperror.Validation(itemField(i, "unit_price"), "must be greater than 0")
		}
	}
	return nil
}

// ValidateReason rejects blank rejection reasons.
func ValidateReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return apperror.Validation("reason", "is required")
	}
	return nil
}

func itemField(i int, name string) string {
	return "items[" + strconv.Itoa(i) + "]." + name
}
