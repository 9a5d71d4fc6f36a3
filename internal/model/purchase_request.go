package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PRStatus is the lifecycle state of a purchase request.
type PRStatus string

const (
	PRStatusDraft              PRStatus = "draft"
	PRStatusSubmitted          PRStatus = "submitted" // awaiting supervisor
	PRStatusSupervisorApproved PRStatus = "supervisor_approved"
	PRStatusPriceFilled        PRStatus = "price_filled"
	PRStatusPendingSuperAdmin  PRStatus = "pending_super_admin"
	PRStatusApproved           PRStatus = "approved"
	PRStatusRejected           PRStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s PRStatus) Valid() bool {
	switch s {
	case PRStatusDraft, PRStatusSubmitted, PRStatusSupervisorApproved, PRStatusPriceFilled,
		PRStatusPendingSuperAdmin, PRStatusApproved, PRStatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s PRStatus) Terminal() bool {
	return s == PRStatusApproved || s == PRStatusRejected
}

// HoldsReservation reports whether a PR in this state has budget set aside for it.
func (s PRStatus) HoldsReservation() bool {
	return s == PRStatusPriceFilled || s == PRStatusPendingSuperAdmin
}

// Urgency is the canonical urgency tier of a request.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

var urgencyLabels = map[Urgency]string{
	UrgencyLow:    "低",
	UrgencyMedium: "中",
	UrgencyHigh:   "高",
}

// ParseUrgency accepts either the canonical code or its display label.
// An empty value defaults to medium.
func ParseUrgency(s string) (Urgency, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return UrgencyMedium, nil
	}
	for code, label := range urgencyLabels {
		if strings.EqualFold(s, string(code)) || s == label {
			return code, nil
		}
	}
	return "", fmt.Errorf("unknown urgency %q", s)
}

// Label returns the display label used by the frontends.
func (u Urgency) Label() string {
	return urgencyLabels[u]
}

// PurchaseRequest is the unit of procurement approval.
type PurchaseRequest struct {
	ID                uint             `gorm:"primaryKey" json:"id"`
	PRNumber          string           `gorm:"type:varchar(30);uniqueIndex;not null" json:"pr_number"`
	Title             string           `gorm:"type:varchar(255);not null" json:"title"`
	Description       string           `gorm:"type:text" json:"description"`
	Urgency           Urgency          `gorm:"type:varchar(10);not null;default:'medium'" json:"urgency"`
	OwnerID           uuid.UUID        `gorm:"type:uuid;not null;index" json:"owner_id"`
	Owner             *User            `gorm:"foreignKey:OwnerID" json:"-"`
	Department        string           `gorm:"type:varchar(100);index" json:"department"`
	Status            PRStatus         `gorm:"type:varchar(30);not null;index" json:"status"`
	TotalAmount       *decimal.Decimal `gorm:"type:decimal(18,2)" json:"total_amount"` // nil until priced
	RejectReason      *string          `gorm:"type:text" json:"reject_reason"`
	EscalationReason  string           `gorm:"type:varchar(60)" json:"escalation_reason,omitempty"`
	BudgetID          *uint            `gorm:"index" json:"budget_id"`
	ResubmittedFromID *uint            `gorm:"index" json:"resubmitted_from_id,omitempty"`
	Items             []PRItem         `gorm:"foreignKey:PRID" json:"items"`
	Version           int64            `gorm:"not null;default:0" json:"version"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ComputeTotal sums line subtotals. It fails if any line is unpriced.
func (pr *PurchaseRequest) ComputeTotal() (decimal.Decimal, error) {
	total := decimal.Zero
	for _, item := range pr.Items {
		sub, ok := item.Subtotal()
		if !ok {
			return decimal.Zero, fmt.Errorf("item %q has no unit price", item.Name)
		}
		total = total.Add(sub)
	}
	return total, nil
}

// PRItem is a line item of a purchase request.
type PRItem struct {
	ID             uint             `gorm:"primaryKey" json:"id"`
	PRID           uint             `gorm:"not null;index" json:"pr_id"`
	LineNo         int              `gorm:"not null" json:"line_no"`
	Name           string           `gorm:"type:varchar(255);not null" json:"name"`
	Spec           string           `gorm:"type:varchar(500)" json:"spec"`
	Qty            decimal.Decimal  `gorm:"type:decimal(18,4);not null" json:"qty"`
	Unit           string           `gorm:"type:varchar(20)" json:"unit"`
	EstimatedPrice *decimal.Decimal `gorm:"type:decimal(18,4)" json:"estimated_price"` // reference price for deviation checks
	UnitPrice      *decimal.Decimal `gorm:"type:decimal(18,4)" json:"unit_price"`      // nil until priced
}

// Subtotal returns qty × unit_price, and false when the line is not priced yet.
func (i PRItem) Subtotal() (decimal.Decimal, bool) {
	if i.UnitPrice == nil {
		return decimal.Zero, false
	}
	return i.Qty.Mul(*i.UnitPrice), true
}
