package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BudgetStatus is the lifecycle state of a budget.
type BudgetStatus string

const (
	BudgetStatusDraft           BudgetStatus = "draft"
	BudgetStatusPendingApproval BudgetStatus = "pending_approval"
	BudgetStatusApproved        BudgetStatus = "approved"
	BudgetStatusActive          BudgetStatus = "active"
	BudgetStatusExceeded        BudgetStatus = "exceeded" // active, but used+reserved > total
	BudgetStatusClosed          BudgetStatus = "closed"
)

// Valid reports whether s is a known status.
func (s BudgetStatus) Valid() bool {
	switch s {
	case BudgetStatusDraft, BudgetStatusPendingApproval, BudgetStatusApproved,
		BudgetStatusActive, BudgetStatusExceeded, BudgetStatusClosed:
		return true
	}
	return false
}

// AcceptsUsage reports whether reserve/consume/release/adjust may run.
func (s BudgetStatus) AcceptsUsage() bool {
	return s == BudgetStatusActive || s == BudgetStatusExceeded
}

// PeriodType is the span a budget covers within its year.
type PeriodType string

const (
	PeriodMonthly   PeriodType = "monthly"
	PeriodQuarterly PeriodType = "quarterly"
	PeriodAnnual    PeriodType = "annual"
)

// Budget is a spending envelope whose balances are derived from its usage records.
type Budget struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	BudgetCode        string          `gorm:"type:varchar(30);uniqueIndex;not null" json:"budget_code"`
	Name              string          `gorm:"type:varchar(255);not null" json:"name"`
	Year              int             `gorm:"not null;index" json:"year"`
	PeriodType        PeriodType      `gorm:"type:varchar(20);not null" json:"period_type"`
	PeriodValue       *int            `json:"period_value"`
	Department        *string         `gorm:"type:varchar(100);index" json:"department"` // nil = company-wide
	InitialAmount     decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"initial_amount"`
	TotalAmount       decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"total_amount"`
	UsedAmount        decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"used_amount"`
	ReservedAmount    decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"reserved_amount"`
	WarningThreshold  decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"warning_threshold"`  // percent
	CriticalThreshold decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"critical_threshold"` // percent
	Status            BudgetStatus    `gorm:"type:varchar(30);not null;index" json:"status"`
	Seq               int64           `gorm:"not null;default:0" json:"seq"` // seq of the latest usage record
	Frozen            bool            `gorm:"not null;default:false" json:"frozen"`
	FrozenReason      string          `gorm:"type:text" json:"frozen_reason,omitempty"`
	RejectReason      *string         `gorm:"type:text" json:"reject_reason"`
	CreatedBy         *uuid.UUID      `gorm:"type:uuid" json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

var hundred = decimal.NewFromInt(100)

// IsWholeCents reports whether d fits the two-decimal money columns without rounding.
func IsWholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(2))
}

// Available is total − used − reserved.
func (b *Budget) Available() decimal.Decimal {
	return b.TotalAmount.Sub(b.UsedAmount).Sub(b.ReservedAmount)
}

// Committed is used + reserved.
func (b *Budget) Committed() decimal.Decimal {
	return b.UsedAmount.Add(b.ReservedAmount)
}

// UsageRate is used ÷ total as a fraction. A zero total with any usage reads as fully used.
func (b *Budget) UsageRate() decimal.Decimal {
	if !b.TotalAmount.IsPositive() {
		if b.UsedAmount.IsPositive() {
			return decimal.NewFromInt(1)
		}
		return decimal.Zero
	}
	return b.UsedAmount.Div(b.TotalAmount)
}

// UsagePercent is the usage rate expressed in percent, comparable with the thresholds.
func (b *Budget) UsagePercent() decimal.Decimal {
	return b.UsageRate().Mul(hundred)
}

func (b *Budget) IsWarning() bool {
	return b.UsagePercent().GreaterThanOrEqual(b.WarningThreshold)
}

func (b *Budget) IsCritical() bool {
	return b.UsagePercent().GreaterThanOrEqual(b.CriticalThreshold)
}

// UsageType is the kind of ledger mutation a usage record describes.
type UsageType string

const (
	UsageReserve UsageType = "reserve"
	UsageConsume UsageType = "consume"
	UsageRelease UsageType = "release"
	UsageAdjust  UsageType = "adjust"
)

// BudgetUsageRecord is one immutable entry of a budget's ledger. Deltas describe the
// mutation, the *After columns snapshot the balances once it is applied.
type BudgetUsageRecord struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	BudgetID      uint            `gorm:"not null;uniqueIndex:idx_usage_budget_seq,priority:1" json:"budget_id"`
	Seq           int64           `gorm:"not null;uniqueIndex:idx_usage_budget_seq,priority:2" json:"seq"`
	Type          UsageType       `gorm:"type:varchar(20);not null;index" json:"type"`
	Amount        decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"amount"` // signed
	PRID          *uint           `gorm:"index" json:"pr_id"`
	TotalDelta    decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"total_delta"`
	UsedDelta     decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"used_delta"`
	ReservedDelta decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"reserved_delta"`
	TotalAfter    decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"total_after"`
	UsedAfter     decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"used_after"`
	ReservedAfter decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"reserved_after"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"balance_after"`
	Remarks       string          `gorm:"type:text" json:"remarks"`
	ActorID       *uuid.UUID      `gorm:"type:uuid" json:"actor_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ReservationStatus tracks a PR's hold on a budget.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationReleased ReservationStatus = "released"
)

// BudgetReservation links a PR to the amount it holds on a budget. One row per PR.
type BudgetReservation struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	BudgetID        uint              `gorm:"not null;index" json:"budget_id"`
	PRID            uint              `gorm:"not null;uniqueIndex" json:"pr_id"`
	Amount          decimal.Decimal   `gorm:"type:decimal(18,2);not null" json:"amount"`
	Status          ReservationStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	ReserveRecordID uint              `gorm:"not null" json:"reserve_record_id"`
	SettleRecordID  *uint             `json:"settle_record_id"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
