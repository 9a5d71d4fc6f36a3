package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"procurement/internal/apperror"
	"procurement/internal/model"
	"procurement/internal/repository"
)

type StatisticsService interface {
	GetStatistics(ctx context.Context, actor model.Actor, year int) (model.StatisticsResponse, error)
}

type statisticsService struct {
	budgetRepo repository.BudgetRepository
	prRepo     repository.PurchaseRequestRepository
}

func NewStatisticsService(budgetRepo repository.BudgetRepository, prRepo repository.PurchaseRequestRepository) StatisticsService {
	return &statisticsService{budgetRepo: budgetRepo, prRepo: prRepo}
}

const topDepartments = 5

// GetStatistics aggregates the budgets of year and the PR pipeline. Closed and
// draft budgets count toward the totals only once they were approved.
func (s *statisticsService) GetStatistics(ctx context.Context, actor model.Actor, year int) (model.StatisticsResponse, error) {
	if !actor.HasPermission(model.RoleFactoryManager) {
		return model.StatisticsResponse{}, fmt.Errorf("statistics require %s: %w", model.RoleFactoryManager, apperror.ErrForbidden)
	}

	response := model.StatisticsResponse{
		Year:           year,
		TotalBudget:    decimal.Zero,
		TotalUsed:      decimal.Zero,
		TotalReserved:  decimal.Zero,
		TotalAvailable: decimal.Zero,
		TopDepartments: []model.DepartmentUsage{},
	}

	budgets, err := s.budgetRepo.FindByYear(ctx, year)
	if err != nil {
		return response, fmt.Errorf("failed to load budgets: %w", err)
	}

	byDept := map[string]*model.DepartmentUsage{}
	for i := range budgets {
		b := &budgets[i]
		if b.Status == model.BudgetStatusDraft || b.Status == model.BudgetStatusPendingApproval {
			continue
		}
		response.TotalBudget = response.TotalBudget.Add(b.TotalAmount)
		response.TotalUsed = response.TotalUsed.Add(b.UsedAmount)
		response.TotalReserved = response.TotalReserved.Add(b.ReservedAmount)
		switch {
		case b.Status == model.BudgetStatusExceeded:
			response.ExceededBudgets++
		case b.IsCritical():
			response.CriticalBudgets++
		case b.IsWarning():
			response.WarningBudgets++
		}

		dept := "company"
		if b.Department != nil {
			dept = *b.Department
		}
		du, ok := byDept[dept]
		if !ok {
			du = &model.DepartmentUsage{Department: dept, TotalBudget: decimal.Zero, UsedAmount: decimal.Zero}
			byDept[dept] = du
		}
		du.TotalBudget = du.TotalBudget.Add(b.TotalAmount)
		du.UsedAmount = du.UsedAmount.Add(b.UsedAmount)
	}
	response.TotalAvailable = response.TotalBudget.Sub(response.TotalUsed).Sub(response.TotalReserved)

	for _, du := range byDept {
		du.UsagePercent = decimal.Zero
		if du.TotalBudget.IsPositive() {
			du.UsagePercent = du.UsedAmount.Div(du.TotalBudget).Mul(decimal.NewFromInt(100)).Round(2)
		}
		response.TopDepartments = append(response.TopDepartments, *du)
	}
	sort.Slice(response.TopDepartments, func(i, j int) bool {
		a, b := response.TopDepartments[i], response.TopDepartments[j]
		if !a.UsedAmount.Equal(b.UsedAmount) {
			return a.UsedAmount.GreaterThan(b.UsedAmount)
		}
		return a.Department < b.Department
	})
	if len(response.TopDepartments) > topDepartments {
		response.TopDepartments = response.TopDepartments[:topDepartments]
	}

	counts, err := s.prRepo.CountByStatus(ctx)
	if err != nil {
		return response, err
	}
	response.PRCountByStatus = counts

	approved, err := s.prRepo.SumApproved(ctx, year)
	if err != nil {
		return response, err
	}
	response.ApprovedPRAmount = approved

	return response, nil
}
