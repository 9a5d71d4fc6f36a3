package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"procurement/internal/apperror"
	"procurement/internal/model"
	"procurement/internal/repository"
	"procurement/pkg/pagination"
)

type AuditLogResponse struct {
	ID             string `json:"id"`
	ActorID        string `json:"actor_id"`
	Username       string `json:"username"`
	ActorRole      string `json:"actor_role"`
	Action         string `json:"action"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	EntityName     string `json:"entity_name"`
	FromStatus     string `json:"from_status"`
	ToStatus       string `json:"to_status"`
	LedgerRecordID *uint  `json:"ledger_record_id,omitempty"`
	Details        string `json:"details"`
	CreatedAt      string `json:"created_at"`
}

type AuditLogFilter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Action     string
	Page       int
	Limit      int
}

type AuditService interface {
	GetAuditLogs(ctx context.Context, actor model.Actor, filter AuditLogFilter) ([]AuditLogResponse, int64, error)
}

type auditService struct {
	repo repository.AuditRepository
}

// NewAuditService creates a new AuditService instance
func NewAuditService(repo repository.AuditRepository) AuditService {
	return &auditService{repo: repo}
}

// GetAuditLogs lists the audit trail newest first. Reading it is reserved for general managers and above.
func (s *auditService) GetAuditLogs(ctx context.Context, actor model.Actor, filter AuditLogFilter) ([]AuditLogResponse, int64, error) {
	if !actor.HasPermission(model.RoleGeneralManager) {
		return nil, 0, fmt.Errorf("audit logs require %s: %w", model.RoleGeneralManager, apperror.ErrForbidden)
	}

	p := pagination.New(filter.Page, filter.Limit)
	rf := repository.AuditFilter{
		EntityType: strings.TrimSpace(filter.EntityType),
		EntityID:   strings.TrimSpace(filter.EntityID),
		Page:       p.Page,
		Limit:      p.Limit,
	}
	if filter.ActorID != "" {
		id, err := uuid.Parse(filter.ActorID)
		if err != nil {
			return nil, 0, apperror.Validation("actor_id", "must be a uuid")
		}
		rf.ActorID = &id
	}
	if filter.Action != "" {
		rf.Actions = []string{strings.ToUpper(filter.Action)}
	}

	logs, total, err := s.repo.List(ctx, rf)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}

	res := make([]AuditLogResponse, 0, len(logs))
	for _, l := range logs {
		username := "System"
		actorID := ""
		if l.Actor != nil {
			username = l.Actor.Username
		}
		if l.ActorID != nil {
			actorID = l.ActorID.String()
		}

		res = append(res, AuditLogResponse{
			ID:             l.ID.String(),
			ActorID:        actorID,
			Username:       username,
			ActorRole:      l.ActorRole,
			Action:         l.Action,
			EntityType:     l.EntityType,
			EntityID:       l.EntityID,
			EntityName:     l.EntityName,
			FromStatus:     l.FromStatus,
			ToStatus:       l.ToStatus,
			LedgerRecordID: l.LedgerRecordID,
			Details:        l.Details,
			CreatedAt:      l.CreatedAt.Format(time.RFC3339),
		})
	}

	return res, total, nil
}
