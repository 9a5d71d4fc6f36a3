// Package events carries post-commit change notifications to the live feed and the
// message broker.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	TypePRTransitioned = "pr.transitioned"
	TypePRCreated      = "pr.created"
	TypeBudgetChanged  = "budget.changed"
)

// Event is published after a transaction commits. Data is the authoritative
// post-mutation state returned to the caller.
type Event struct {
	Type           string    `json:"type"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	Action         string    `json:"action"`
	FromStatus     string    `json:"from_status,omitempty"`
	ToStatus       string    `json:"to_status,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	LedgerRecordID *uint     `json:"ledger_record_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
	Data           any       `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Emit publishes ev and logs a failure. The state change has already committed,
// so delivery problems never fail the request.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, ev Event) {
	if p == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if err := p.Publish(ctx, ev); err != nil {
		logger.Warn("event publish failed", "type", ev.Type, "entity_id", ev.EntityID, "error", err)
	}
}
