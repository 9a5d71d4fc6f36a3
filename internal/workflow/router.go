package workflow

import (
	"errors"

	"github.com/shopspring/decimal"

	"procurement/internal/model"
)

// Outcome is the escalation router's verdict for a priced PR.
type Outcome string

const (
	OutcomeAutoApprove     Outcome = "auto_approve"
	OutcomeNeedsSuperAdmin Outcome = "needs_super_admin"
)

const (
	ReasonAmountExceeds    = "amount_exceeds_threshold"
	ReasonDeviationExceeds = "price_deviation_exceeds_threshold"
)

// Policy holds the escalation thresholds. DeviationThreshold is a fraction (0.05 = 5%).
type Policy struct {
	AmountThreshold    decimal.Decimal
	DeviationThreshold decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		AmountThreshold:    decimal.NewFromInt(2000),
		DeviationThreshold: decimal.RequireFromString("0.05"),
	}
}

// Decision is what the router decided and why.
type Decision struct {
	Outcome      Outcome         `json:"outcome"`
	Reason       string          `json:"reason,omitempty"`
	NextRole     model.Role      `json:"next_role,omitempty"`
	Target       model.PRStatus  `json:"target"`
	MaxDeviation decimal.Decimal `json:"max_deviation"`
}

// AutoApproved reports whether the PR goes straight to approved.
func (d Decision) AutoApproved() bool {
	return d.Outcome == OutcomeAutoApprove
}

var errUnpriced = errors.New("purchase request has no total amount")

// Route decides whether a priced PR may be approved at the factory-manager tier or must
// escalate to super admin. It depends only on its inputs.
func Route(pr *model.PurchaseRequest, policy Policy) (Decision, error) {
	if pr.TotalAmount == nil {
		return Decision{}, errUnpriced
	}
	dev := MaxDeviation(pr.Items)

	if pr.TotalAmount.GreaterThan(policy.AmountThreshold) {
		return escalate(ReasonAmountExceeds, dev), nil
	}
	if dev.GreaterThan(policy.DeviationThreshold) {
		return escalate(ReasonDeviationExceeds, dev), nil
	}
	return Decision{
		Outcome:      OutcomeAutoApprove,
		Target:       model.PRStatusApproved,
		MaxDeviation: dev,
	}, nil
}

func escalate(reason string, dev decimal.Decimal) Decision {
	return Decision{
		Outcome:      OutcomeNeedsSuperAdmin,
		Reason:       reason,
		NextRole:     model.RoleSuperAdmin,
		Target:       model.PRStatusPendingSuperAdmin,
		MaxDeviation: dev,
	}
}

// MaxDeviation is the largest |unit_price − estimated| / estimated across items.
// Items without a positive estimate or without a unit price contribute nothing.
func MaxDeviation(items []model.PRItem) decimal.Decimal {
	max := decimal.Zero
	for _, item := range items {
		if item.EstimatedPrice == nil || item.UnitPrice == nil || !item.EstimatedPrice.IsPositive() {
			continue
		}
		est := *item.EstimatedPrice
		dev := item.UnitPrice.Sub(est).Abs().Div(est)
		if dev.GreaterThan(max) {
			max = dev
		}
	}
	return max
}
