package model

import "github.com/shopspring/decimal"

// StatisticsResponse aggregates budget consumption and PR pipeline counts for a year
type StatisticsResponse struct {
	Year             int                `json:"year"`
	TotalBudget      decimal.Decimal    `json:"total_budget"`
	TotalUsed        decimal.Decimal    `json:"total_used"`
	TotalReserved    decimal.Decimal    `json:"total_reserved"`
	TotalAvailable   decimal.Decimal    `json:"total_available"`
	WarningBudgets   int                `json:"warning_budgets"`
	CriticalBudgets  int                `json:"critical_budgets"`
	ExceededBudgets  int                `json:"exceeded_budgets"`
	PRCountByStatus  map[PRStatus]int64 `json:"pr_count_by_status"`
	TopDepartments   []DepartmentUsage  `json:"top_departments"`
	ApprovedPRAmount decimal.Decimal    `json:"approved_pr_amount"`
}

// DepartmentUsage ranks departments by consumed budget
type DepartmentUsage struct {
	Department   string          `json:"department"`
	TotalBudget  decimal.Decimal `json:"total_budget"`
	UsedAmount   decimal.Decimal `json:"used_amount"`
	UsagePercent decimal.Decimal `json:"usage_percent"`
}
