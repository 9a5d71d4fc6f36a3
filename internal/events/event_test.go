package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type recorder struct {
	got []Event
	err error
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	r.got = append(r.got, ev)
	return r.err
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{err: errors.New("broker down")}
	m := Multi{a, nil, b}

	err := m.Publish(context.Background(), Event{Type: TypePRTransitioned, EntityID: "1"})
	if err == nil || err.Error() != "broker down" {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("deliveries = %d/%d", len(a.got), len(b.got))
	}
}

func TestEmitStampsAndSwallows(t *testing.T) {
	r := &recorder{err: errors.New("boom")}
	Emit(context.Background(), r, slog.New(slog.NewTextHandler(io.Discard, nil)), Event{Type: TypeBudgetChanged})
	if len(r.got) != 1 || r.got[0].OccurredAt.IsZero() {
		t.Fatalf("event not stamped: %+v", r.got)
	}
	Emit(context.Background(), nil, nil, Event{})
}
