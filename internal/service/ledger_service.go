package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"procurement/internal/apperror"
	"procurement/internal/model"
	"procurement/internal/repository"
)

// Balances is the state of a budget as derived from (or stored alongside) its ledger.
type Balances struct {
	Total    decimal.Decimal `json:"total_amount"`
	Used     decimal.Decimal `json:"used_amount"`
	Reserved decimal.Decimal `json:"reserved_amount"`
	Seq      int64           `json:"seq"`
}

func (b Balances) Available() decimal.Decimal {
	return b.Total.Sub(b.Used).Sub(b.Reserved)
}

func (b Balances) equal(o Balances) bool {
	return b.Total.Equal(o.Total) && b.Used.Equal(o.Used) && b.Reserved.Equal(o.Reserved) && b.Seq == o.Seq
}

func balancesOf(b *model.Budget) Balances {
	return Balances{Total: b.TotalAmount, Used: b.UsedAmount, Reserved: b.ReservedAmount, Seq: b.Seq}
}

// Replay folds a budget's usage records, in seq order, starting from its initial total.
// It checks sequence continuity and every snapshot along the way.
func Replay(budgetID uint, initial decimal.Decimal, records []model.BudgetUsageRecord) (Balances, error) {
	bal := Balances{Total: initial, Used: decimal.Zero, Reserved: decimal.Zero}
	for i, rec := range records {
		if rec.Seq != int64(i+1) {
			return bal, &apperror.LedgerInconsistencyError{
				BudgetID: budgetID,
				Detail:   fmt.Sprintf("record %d has seq %d, expected %d", rec.ID, rec.Seq, i+1),
			}
		}
		bal.Total = bal.Total.Add(rec.TotalDelta)
		bal.Used = bal.Used.Add(rec.UsedDelta)
		bal.Reserved = bal.Reserved.Add(rec.ReservedDelta)
		bal.Seq = rec.Seq

		switch {
		case !rec.TotalAfter.Equal(bal.Total),
			!rec.UsedAfter.Equal(bal.Used),
			!rec.ReservedAfter.Equal(bal.Reserved),
			!rec.BalanceAfter.Equal(bal.Available()):
			return bal, &apperror.LedgerInconsistencyError{
				BudgetID: budgetID,
				Detail: fmt.Sprintf("seq %d snapshot (total %s used %s reserved %s balance %s) differs from replay (total %s used %s reserved %s balance %s)",
					rec.Seq, rec.TotalAfter, rec.UsedAfter, rec.ReservedAfter, rec.BalanceAfter,
					bal.Total, bal.Used, bal.Reserved, bal.Available()),
			}
		}
		if bal.Reserved.IsNegative() || bal.Used.IsNegative() {
			return bal, &apperror.LedgerInconsistencyError{
				BudgetID: budgetID,
				Detail:   fmt.Sprintf("seq %d drives a balance negative", rec.Seq),
			}
		}
	}
	return bal, nil
}

// VerifyReport compares a budget's stored balances with its replayed ledger.
type VerifyReport struct {
	BudgetID     uint     `json:"budget_id"`
	BudgetCode   string   `json:"budget_code"`
	Records      int      `json:"records"`
	Stored       Balances `json:"stored"`
	Replayed     Balances `json:"replayed"`
	Consistent   bool     `json:"consistent"`
	Detail       string   `json:"detail,omitempty"`
	Frozen       bool     `json:"frozen"`
	FrozenReason string   `json:"frozen_reason,omitempty"`
	// Repairable is true when the records replay cleanly and only the stored balances drifted.
	Repairable bool `json:"repairable"`
}

// LedgerService mutates budget balances. Each mutation appends exactly one usage
// record and joins the transaction carried by ctx, if any. Callers serialize access
// per budget with the budget lock.
type LedgerService interface {
	Reserve(ctx context.Context, budgetID uint, amount decimal.Decimal, prID uint, actor model.Actor) (*model.BudgetUsageRecord, error)
	Consume(ctx context.Context, budgetID uint, amount decimal.Decimal, prID uint, actor model.Actor) (*model.BudgetUsageRecord, error)
	Release(ctx context.Context, budgetID uint, prID uint, actor model.Actor) (*model.BudgetUsageRecord, error)
	Adjust(ctx context.Context, budgetID uint, delta decimal.Decimal, remarks string, actor model.Actor) (*model.BudgetUsageRecord, error)
	HeldReservation(ctx context.Context, prID uint) (*model.BudgetReservation, error)

	Verify(ctx context.Context, budgetID uint) (*VerifyReport, error)
	Repair(ctx context.Context, budgetID uint, actor model.Actor) (*VerifyReport, error)
	Unfreeze(ctx context.Context, budgetID uint, actor model.Actor) error
	// FreezeOnInconsistency freezes the budget named by a LedgerInconsistencyError in err.
	// It must run outside the failed transaction.
	FreezeOnInconsistency(ctx context.Context, err error)
}

type ledgerService struct {
	budgetRepo repository.BudgetRepository
	auditRepo  repository.AuditRepository
	txManager  repository.TransactionManager
	logger     *slog.Logger
}

func NewLedgerService(
	budgetRepo repository.BudgetRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
	logger *slog.Logger,
) LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ledgerService{
		budgetRepo: budgetRepo,
		auditRepo:  auditRepo,
		txManager:  txManager,
		logger:     logger.With("component", "ledger"),
	}
}

// change is what a ledger operation wants appended. A nil record means "no-op".
type change struct {
	record *model.BudgetUsageRecord
	after  func(ctx context.Context, rec *model.BudgetUsageRecord) error
}

// mutate loads the budget, guards it, lets op adjust its balances and persists the
// result with a seq compare-and-increment.
func (s *ledgerService) mutate(ctx context.Context, budgetID uint, action string, actor model.Actor,
	op func(ctx context.Context, b *model.Budget) (change, error)) (*model.BudgetUsageRecord, error) {

	var out *model.BudgetUsageRecord
	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		b, err := s.budgetRepo.FindByIDForUpdate(txCtx, budgetID)
		if err != nil {
			return err
		}
		if err := s.guard(txCtx, b); err != nil {
			return err
		}
		if !b.Status.AcceptsUsage() {
			return &apperror.InvalidTransitionError{
				Current:  string(b.Status),
				Action:   action,
				Required: string(model.BudgetStatusActive),
			}
		}

		expectedSeq := b.Seq
		ch, err := op(txCtx, b)
		if err != nil || ch.record == nil {
			return err
		}

		b.Status = usageStatus(b)
		b.Seq = expectedSeq + 1
		rec := ch.record
		rec.BudgetID = b.ID
		rec.Seq = b.Seq
		rec.TotalAfter = b.TotalAmount
		rec.UsedAfter = b.UsedAmount
		rec.ReservedAfter = b.ReservedAmount
		rec.BalanceAfter = b.Available()
		rec.ActorID = actor.IDPtr()

		if err := s.budgetRepo.ApplyUsage(txCtx, b, expectedSeq, rec); err != nil {
			return err
		}
		if ch.after != nil {
			if err := ch.after(txCtx, rec); err != nil {
				return err
			}
		}
		out = rec
		return nil
	})
	if err != nil {
		if !repository.InTx(ctx) {
			s.FreezeOnInconsistency(ctx, err)
		}
		return nil, err
	}
	if out != nil {
		s.logger.Info("ledger mutation",
			"budget_id", budgetID, "type", out.Type, "seq", out.Seq,
			"amount", out.Amount.String(), "balance_after", out.BalanceAfter.String())
	}
	return out, nil
}

// guard refuses to touch a frozen budget or one whose stored balances disagree with
// the last usage record.
func (s *ledgerService) guard(ctx context.Context, b *model.Budget) error {
	if b.Frozen {
		return &apperror.LedgerInconsistencyError{BudgetID: b.ID, Detail: "budget is frozen: " + b.FrozenReason}
	}
	last, err := s.budgetRepo.LastRecord(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("load last usage record of budget %d: %w", b.ID, err)
	}

	want := Balances{Total: b.InitialAmount, Used: decimal.Zero, Reserved: decimal.Zero}
	if last != nil {
		want = Balances{Total: last.TotalAfter, Used: last.UsedAfter, Reserved: last.ReservedAfter, Seq: last.Seq}
	}
	if got := balancesOf(b); !got.equal(want) {
		return &apperror.LedgerInconsistencyError{
			BudgetID: b.ID,
			Detail: fmt.Sprintf("stored balances (total %s used %s reserved %s seq %d) differ from ledger head (total %s used %s reserved %s seq %d)",
				got.Total, got.Used, got.Reserved, got.Seq, want.Total, want.Used, want.Reserved, want.Seq),
		}
	}
	return nil
}

// usageStatus keeps an in-use budget between active and exceeded.
func usageStatus(b *model.Budget) model.BudgetStatus {
	if b.Committed().GreaterThan(b.TotalAmount) {
		return model.BudgetStatusExceeded
	}
	return model.BudgetStatusActive
}

func (s *ledgerService) Reserve(ctx context.Context, budgetID uint, amount decimal.Decimal, prID uint, actor model.Actor) (*model.BudgetUsageRecord, error) {
	if !amount.IsPositive() {
		return nil, apperror.Validation("amount", "must be greater than 0")
	}
	if !model.IsWholeCents(amount) {
		return nil, apperror.Validation("amount", "must have at most 2 decimal places")
	}
	return s.mutate(ctx, budgetID, string(model.UsageReserve), actor, func(ctx context.Context, b *model.Budget) (change, error) {
		existing, err := s.budgetRepo.FindReservation(ctx, prID)
		if err != nil {
			return change{}, err
		}
		if existing != nil {
			return change{}, &apperror.InvalidTransitionError{
				Current:  "reservation_" + string(existing.Status),
				Action:   string(model.UsageReserve),
				Required: "no reservation",
			}
		}
		if available := b.Available(); amount.GreaterThan(available) {
			return change{}, &apperror.InsufficientBudgetError{BudgetID: b.ID, Requested: amount, Available: available}
		}

		b.ReservedAmount = b.ReservedAmount.Add(amount)
		pr := prID
		return change{
			record: &model.BudgetUsageRecord{
				Type:          model.UsageReserve,
				Amount:        amount,
				PRID:          &pr,
				ReservedDelta: amount,
				Remarks:       "reserve for PR " + strconv.FormatUint(uint64(prID), 10),
			},
			after: func(ctx context.Context, rec *model.BudgetUsageRecord) error {
				return s.budgetRepo.CreateReservation(ctx, &model.BudgetReservation{
					BudgetID:        b.ID,
					PRID:            prID,
					Amount:          amount,
					Status:          model.ReservationHeld,
					ReserveRecordID: rec.ID,
				})
			},
		}, nil
	})
}

// Consume turns the PR's held reservation into usage of amount. If the result
// overcommits the budget it flips to exceeded.
func (s *ledgerService) Consume(ctx context.Context, budgetID uint, amount decimal.Decimal, prID uint, actor model.Actor) (*model.BudgetUsageRecord, error) {
	if !amount.IsPositive() {
		return nil, apperror.Validation("amount", "must be greater than 0")
	}
	if !model.IsWholeCents(amount) {
		return nil, apperror.Validation("amount", "must have at most 2 decimal places")
	}
	return s.mutate(ctx, budgetID, string(model.UsageConsume), actor, func(ctx context.Context, b *model.Budget) (change, error) {
		res, err := s.heldOn(ctx, b.ID, prID, model.UsageConsume)
		if err != nil {
			return change{}, err
		}

		b.ReservedAmount = b.ReservedAmount.Sub(res.Amount)
		b.UsedAmount = b.UsedAmount.Add(amount)
		if b.Committed().GreaterThan(b.TotalAmount) {
			s.logger.Warn("consumption exceeds budget total",
				"budget_id", b.ID, "pr_id", prID, "used", b.UsedAmount.String(), "total", b.TotalAmount.String())
		}

		pr := prID
		return change{
			record: &model.BudgetUsageRecord{
				Type:          model.UsageConsume,
				Amount:        amount,
				PRID:          &pr,
				UsedDelta:     amount,
				ReservedDelta: res.Amount.Neg(),
				Remarks:       "consume for PR " + strconv.FormatUint(uint64(prID), 10),
			},
			after: func(ctx context.Context, rec *model.BudgetUsageRecord) error {
				res.Status = model.ReservationConsumed
				res.SettleRecordID = &rec.ID
				return s.budgetRepo.SettleReservation(ctx, res)
			},
		}, nil
	})
}

// Release returns the PR's held reservation to the budget. Releasing a PR that holds
// nothing is a logged no-op and returns a nil record.
func (s *ledgerService) Release(ctx context.Context, budgetID uint, prID uint, actor model.Actor) (*model.BudgetUsageRecord, error) {
	return s.mutate(ctx, budgetID, string(model.UsageRelease), actor, func(ctx context.Context, b *model.Budget) (change, error) {
		res, err := s.budgetRepo.FindReservation(ctx, prID)
		if err != nil {
			return change{}, err
		}
		if res == nil || res.Status != model.ReservationHeld {
			state := "none"
			if res != nil {
				state = string(res.Status)
			}
			s.logger.Warn("release skipped, no held reservation", "budget_id", budgetID, "pr_id", prID, "reservation", state)
			return change{}, nil
		}
		if res.BudgetID != b.ID {
			return change{}, apperror.Validation("budget_id", "PR %d holds its reservation on budget %d", prID, res.BudgetID)
		}

		b.ReservedAmount = b.ReservedAmount.Sub(res.Amount)
		pr := prID
		return change{
			record: &model.BudgetUsageRecord{
				Type:          model.UsageRelease,
				Amount:        res.Amount.Neg(),
				PRID:          &pr,
				ReservedDelta: res.Amount.Neg(),
				Remarks:       "release for PR " + strconv.FormatUint(uint64(prID), 10),
			},
			after: func(ctx context.Context, rec *model.BudgetUsageRecord) error {
				res.Status = model.ReservationReleased
				res.SettleRecordID = &rec.ID
				return s.budgetRepo.SettleReservation(ctx, res)
			},
		}, nil
	})
}

// Adjust changes the budget total by delta and recomputes active/exceeded.
func (s *ledgerService) Adjust(ctx context.Context, budgetID uint, delta decimal.Decimal, remarks string, actor model.Actor) (*model.BudgetUsageRecord, error) {
	if delta.IsZero() {
		return nil, apperror.Validation("adjustment", "must not be zero")
	}
	if !model.IsWholeCents(delta) {
		return nil, apperror.Validation("adjustment", "must have at most 2 decimal places")
	}
	if strings.TrimSpace(remarks) == "" {
		return nil, apperror.Validation("remarks", "is required")
	}
	return s.mutate(ctx, budgetID, string(model.UsageAdjust), actor, func(ctx context.Context, b *model.Budget) (change, error) {
		next := b.TotalAmount.Add(delta)
		if next.IsNegative() {
			return change{}, apperror.Validation("adjustment", "would make the total negative (%s)", next.StringFixed(2))
		}
		b.TotalAmount = next
		return change{
			record: &model.BudgetUsageRecord{
				Type:       model.UsageAdjust,
				Amount:     delta,
				TotalDelta: delta,
				Remarks:    remarks,
			},
		}, nil
	})
}

// HeldReservation returns the PR's reservation if it is still held, else nil.
func (s *ledgerService) HeldReservation(ctx context.Context, prID uint) (*model.BudgetReservation, error) {
	res, err := s.budgetRepo.FindReservation(ctx, prID)
	if err != nil || res == nil || res.Status != model.ReservationHeld {
		return nil, err
	}
	return res, nil
}

func (s *ledgerService) heldOn(ctx context.Context, budgetID, prID uint, action model.UsageType) (*model.BudgetReservation, error) {
	res, err := s.budgetRepo.FindReservation(ctx, prID)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Status != model.ReservationHeld {
		state := "reservation_none"
		if res != nil {
			state = "reservation_" + string(res.Status)
		}
		return nil, &apperror.InvalidTransitionError{Current: state, Action: string(action), Required: "held reservation"}
	}
	if res.BudgetID != budgetID {
		return nil, apperror.Validation("budget_id", "PR %d holds its reservation on budget %d", prID, res.BudgetID)
	}
	return res, nil
}

func (s *ledgerService) Verify(ctx context.Context, budgetID uint) (*VerifyReport, error) {
	b, err := s.budgetRepo.FindByID(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	records, err := s.budgetRepo.Records(ctx, budgetID)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{
		BudgetID:     b.ID,
		BudgetCode:   b.BudgetCode,
		Records:      len(records),
		Stored:       balancesOf(b),
		Frozen:       b.Frozen,
		FrozenReason: b.FrozenReason,
	}
	replayed, err := Replay(b.ID, b.InitialAmount, records)
	report.Replayed = replayed
	var lie *apperror.LedgerInconsistencyError
	switch {
	case errors.As(err, &lie):
		report.Detail = lie.Detail
	case err != nil:
		return nil, err
	case !replayed.equal(report.Stored):
		report.Repairable = true
		report.Detail = fmt.Sprintf("stored balances (total %s used %s reserved %s seq %d) differ from replay (total %s used %s reserved %s seq %d)",
			report.Stored.Total, report.Stored.Used, report.Stored.Reserved, report.Stored.Seq,
			replayed.Total, replayed.Used, replayed.Reserved, replayed.Seq)
	default:
		report.Consistent = true
	}
	return report, nil
}

// Repair overwrites drifted stored balances with the replayed ones and lifts the
// freeze. Ledgers whose records themselves are broken are left for manual work.
func (s *ledgerService) Repair(ctx context.Context, budgetID uint, actor model.Actor) (*VerifyReport, error) {
	var report *VerifyReport
	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		report, err = s.Verify(txCtx, budgetID)
		if err != nil {
			return err
		}
		if report.Consistent {
			return nil
		}
		if !report.Repairable {
			return &apperror.LedgerInconsistencyError{BudgetID: budgetID, Detail: "records do not replay, manual reconciliation required: " + report.Detail}
		}

		b, err := s.budgetRepo.FindByIDForUpdate(txCtx, budgetID)
		if err != nil {
			return err
		}
		before := balancesOf(b)
		b.TotalAmount, b.UsedAmount, b.ReservedAmount, b.Seq = report.Replayed.Total, report.Replayed.Used, report.Replayed.Reserved, report.Replayed.Seq
		if b.Status.AcceptsUsage() {
			b.Status = usageStatus(b)
		}
		if err := s.budgetRepo.OverwriteBalances(txCtx, b); err != nil {
			return err
		}
		if err := s.budgetRepo.SetFrozen(txCtx, budgetID, false, ""); err != nil {
			return err
		}
		details, _ := json.Marshal(map[string]any{"before": before, "after": report.Replayed, "detail": report.Detail})
		if err := s.auditRepo.Log(txCtx, &model.AuditLog{
			ActorID:    actor.IDPtr(),
			ActorRole:  actorRole(actor),
			Action:     model.ActionUnfreezeBudget,
			EntityType: model.EntityBudget,
			EntityID:   strconv.FormatUint(uint64(budgetID), 10),
			EntityName: b.BudgetCode,
			Details:    string(details),
		}); err != nil {
			return fmt.Errorf("failed to write audit log: %w", err)
		}
		report.Stored = report.Replayed
		report.Consistent, report.Repairable, report.Frozen, report.FrozenReason = true, false, false, ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("ledger repaired", "budget_id", budgetID)
	return report, nil
}

func (s *ledgerService) Unfreeze(ctx context.Context, budgetID uint, actor model.Actor) error {
	return s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		report, err := s.Verify(txCtx, budgetID)
		if err != nil {
			return err
		}
		if !report.Consistent {
			return &apperror.LedgerInconsistencyError{BudgetID: budgetID, Detail: "still inconsistent: " + report.Detail}
		}
		if !report.Frozen {
			return nil
		}
		if err := s.budgetRepo.SetFrozen(txCtx, budgetID, false, ""); err != nil {
			return err
		}
		details, _ := json.Marshal(map[string]string{"previous_reason": report.FrozenReason})
		return s.auditRepo.Log(txCtx, &model.AuditLog{
			ActorID:    actor.IDPtr(),
			ActorRole:  actorRole(actor),
			Action:     model.ActionUnfreezeBudget,
			EntityType: model.EntityBudget,
			EntityID:   strconv.FormatUint(uint64(budgetID), 10),
			EntityName: report.BudgetCode,
			Details:    string(details),
		})
	})
}

func (s *ledgerService) FreezeOnInconsistency(ctx context.Context, err error) {
	var lie *apperror.LedgerInconsistencyError
	if !errors.As(err, &lie) {
		return
	}
	ferr := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		b, err := s.budgetRepo.FindByIDForUpdate(txCtx, lie.BudgetID)
		if err != nil {
			return err
		}
		if b.Frozen {
			return nil
		}
		if err := s.budgetRepo.SetFrozen(txCtx, b.ID, true, lie.Detail); err != nil {
			return err
		}
		details, _ := json.Marshal(map[string]string{"reason": lie.Detail})
		return s.auditRepo.Log(txCtx, &model.AuditLog{
			Action:     model.ActionFreezeBudget,
			EntityType: model.EntityBudget,
			EntityID:   strconv.FormatUint(uint64(b.ID), 10),
			EntityName: b.BudgetCode,
			Details:    string(details),
		})
	})
	if ferr != nil {
		s.logger.Error("failed to freeze inconsistent budget", "budget_id", lie.BudgetID, "error", ferr)
		return
	}
	s.logger.Error("budget frozen after ledger inconsistency", "budget_id", lie.BudgetID, "detail", lie.Detail)
}

func actorRole(a model.Actor) string {
	if !a.Role.Valid() {
		return ""
	}
	return a.Role.String()
}
