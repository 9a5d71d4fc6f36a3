// Command reconcile replays budget ledgers and compares them with the stored balances.
//
//	reconcile --all
//	reconcile --budget 12 --repair
//	reconcile --budget 12 --unfreeze
//
// It exits non-zero when any checked budget is left inconsistent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"procurement/internal/config"
	"procurement/internal/database"
	"procurement/internal/model"
	"procurement/internal/repository"
	"procurement/internal/service"
)

func main() {
	var (
		budgetID   uint
		all        bool
		repair     bool
		unfreeze   bool
		configFile string
		asJSON     bool
	)
	pflag.UintVar(&budgetID, "budget", 0, "budget id to check")
	pflag.BoolVar(&all, "all", false, "check every budget")
	pflag.BoolVar(&repair, "repair", false, "overwrite drifted balances with the replayed ones")
	pflag.BoolVar(&unfreeze, "unfreeze", false, "lift the freeze on a budget that verifies clean")
	pflag.StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	pflag.BoolVar(&asJSON, "json", false, "print reports as JSON lines")
	pflag.Parse()

	if (budgetID == 0) == !all {
		fmt.Fprintln(os.Stderr, "exactly one of --budget or --all is required")
		pflag.Usage()
		os.Exit(2)
	}
	if repair && unfreeze {
		fmt.Fprintln(os.Stderr, "--repair already unfreezes; pass only one")
		os.Exit(2)
	}

	_ = godotenv.Load("configs/.env")
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}

	budgetRepo := repository.NewBudgetRepository(db)
	ledger := service.NewLedgerService(budgetRepo, repository.NewAuditRepository(db), repository.NewTransactionManager(db), logger)

	ctx := context.Background()
	ids := []uint{budgetID}
	if all {
		if ids, err = budgetRepo.ListIDs(ctx); err != nil {
			log.Fatalf("List budgets failed: %v", err)
		}
	}

	// Operator runs act with full rights and no user id on the audit row.
	operator := model.Actor{Role: model.RoleSuperAdmin}
	bad := 0
	for _, id := range ids {
		report, err := check(ctx, ledger, id, operator, repair, unfreeze)
		if err != nil {
			logger.Error("reconcile failed", "budget_id", id, "error", err)
			bad++
			continue
		}
		if !report.Consistent {
			bad++
		}
		printReport(report, asJSON)
	}

	logger.Info("reconcile finished", "checked", len(ids), "inconsistent", bad)
	if bad > 0 {
		os.Exit(1)
	}
}

func check(ctx context.Context, ledger service.LedgerService, id uint, operator model.Actor, repair, unfreeze bool) (*service.VerifyReport, error) {
	switch {
	case repair:
		return ledger.Repair(ctx, id, operator)
	case unfreeze:
		if err := ledger.Unfreeze(ctx, id, operator); err != nil {
			return nil, err
		}
	}
	return ledger.Verify(ctx, id)
}

func printReport(r *service.VerifyReport, asJSON bool) {
	if asJSON {
		b, _ := json.Marshal(r)
		fmt.Println(string(b))
		return
	}
	state := "OK"
	if !r.Consistent {
		state = "INCONSISTENT"
	}
	fmt.Printf("%-14s id=%-6d records=%-5d total=%s used=%s reserved=%s seq=%d frozen=%t %s\n",
		r.BudgetCode, r.BudgetID, r.Records,
		r.Stored.Total, r.Stored.Used, r.Stored.Reserved, r.Stored.Seq, r.Frozen, state)
	if r.Detail != "" {
		fmt.Printf("    %s\n", r.Detail)
	}
}
