package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// Purchase request actions
	ActionCreatePR          = "CREATE_PR"
	ActionSubmitPR          = "SUBMIT_PR"
	ActionSupervisorApprove = "SUPERVISOR_APPROVE_PR"
	ActionFillPrice         = "FILL_PRICE_PR"
	ActionAdminApprove      = "ADMIN_APPROVE_PR"
	ActionSuperAdminApprove = "SUPER_ADMIN_APPROVE_PR"
	ActionRejectPR          = "REJECT_PR"
	ActionResubmitPR        = "RESUBMIT_PR"

	// Budget actions
	ActionCreateBudget   = "CREATE_BUDGET"
	ActionSubmitBudget   = "SUBMIT_BUDGET"
	ActionApproveBudget  = "APPROVE_BUDGET"
	ActionRejectBudget   = "REJECT_BUDGET"
	ActionActivateBudget = "ACTIVATE_BUDGET"
	ActionCloseBudget    = "CLOSE_BUDGET"
	ActionAdjustBudget   = "ADJUST_BUDGET"
	ActionFreezeBudget   = "FREEZE_BUDGET"
	ActionUnfreezeBudget = "UNFREEZE_BUDGET"

	ActionCreateUser = "CREATE_USER"
)

const (
	EntityPurchaseRequest = "purchase_request"
	EntityBudget          = "budget"
	EntityUser            = "user"
)

// AuditLog tracks Who, What, and When for every transition and ledger mutation
type AuditLog struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ActorID        *uuid.UUID `gorm:"type:uuid;index" json:"actor_id"` // Nullable for automated tooling
	Actor          *User      `gorm:"foreignKey:ActorID" json:"actor,omitempty"`
	ActorRole      string     `gorm:"type:varchar(30)" json:"actor_role"`
	Action         string     `gorm:"type:varchar(50);not null;index" json:"action"`
	EntityType     string     `gorm:"type:varchar(30);not null;index:idx_audit_entity,priority:1" json:"entity_type"`
	EntityID       string     `gorm:"type:varchar(50);index:idx_audit_entity,priority:2" json:"entity_id"`
	EntityName     string     `gorm:"type:varchar(255)" json:"entity_name,omitempty"` // Human readable name
	FromStatus     string     `gorm:"type:varchar(30)" json:"from_status,omitempty"`
	ToStatus       string     `gorm:"type:varchar(30)" json:"to_status,omitempty"`
	LedgerRecordID *uint      `json:"ledger_record_id,omitempty"`
	Details        string     `gorm:"type:text" json:"details"` // Serialized JSON payload of the action
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
