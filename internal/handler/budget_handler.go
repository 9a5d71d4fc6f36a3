package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"procurement/internal/middleware"
	"procurement/internal/model"
	"procurement/internal/service"
	"procurement/pkg/pagination"
	"procurement/pkg/response"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type BudgetHandler struct {
	budgetService service.BudgetService
}

func NewBudgetHandler(budgetService service.BudgetService) *BudgetHandler {
	return &BudgetHandler{budgetService: budgetService}
}

// RegisterRoutes expects router to be behind JWTAuth. Reading budgets needs supervisor;
// lifecycle and adjustment tiers are checked by the service.
func (h *BudgetHandler) RegisterRoutes(router *gin.RouterGroup) {
	budgets := router.Group("/budgets", middleware.RequireRole(model.RoleSupervisor))
	{
		budgets.POST("", h.CreateBudget)
		budgets.GET("", h.ListBudgets)
		budgets.GET("/:id", h.GetBudget)

		budgets.POST("/:id/submit", h.Submit)
		budgets.POST("/:id/approve", h.Approve)
		budgets.POST("/:id/reject", h.Reject)
		budgets.POST("/:id/activate", h.Activate)
		budgets.POST("/:id/close", h.Close)
		budgets.POST("/:id/adjust", h.Adjust)

		budgets.GET("/:id/usage", h.Usage)
		budgets.GET("/:id/usage/export", h.ExportUsage)
		budgets.GET("/:id/verify", h.Verify)
	}
}

// CreateBudget godoc
// @Summary      Create a budget
// @Tags         Budgets
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.CreateBudgetRequest  true  "Budget"
// @Success      201      {object}  response.Response{data=service.BudgetResponse}
// @Failure      400      {object}  response.Response
// @Router       /budgets [post]
func (h *BudgetHandler) CreateBudget(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	var req service.CreateBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	budget, err := h.budgetService.Create(c.Request.Context(), actor, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, budget))
}

// ListBudgets godoc
// @Summary      List budgets
// @Tags         Budgets
// @Produce      json
// @Security     BearerAuth
// @Param        year        query     int     false  "Year"
// @Param        department  query     string  false  "Department"
// @Param        status      query     string  false  "Status"
// @Param        page        query     int     false  "Page"
// @Param        limit       query     int     false  "Limit"
// @Success      200         {object}  response.Response{data=[]service.BudgetResponse}
// @Router       /budgets [get]
func (h *BudgetHandler) ListBudgets(c *gin.Context) {
	p := pagination.Parse(c)
	year, _ := strconv.Atoi(c.Query("year"))
	filter := service.BudgetFilter{
		Year:       year,
		Department: c.Query("department"),
		Status:     c.Query("status"),
		Page:       p.Page,
		Limit:      p.Limit,
	}
	budgets, total, err := h.budgetService.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, budgets, total, p.Page, p.Limit))
}

// GetBudget godoc
// @Summary      Get a budget
// @Tags         Budgets
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "Budget ID"
// @Success      200  {object}  response.Response{data=service.BudgetResponse}
// @Failure      404  {object}  response.Response
// @Router       /budgets/{id} [get]
func (h *BudgetHandler) GetBudget(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	budget, err := h.budgetService.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, budget))
}

// Submit godoc
// @Summary      Submit a draft budget for approval
// @Tags         Budgets
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "Budget ID"
// @Success      200  {object}  response.Response{data=service.BudgetChangeResult}
// @Failure      409  {object}  response.Response
// @Router       /budgets/{id}/submit [post]
func (h *BudgetHandler) Submit(c *gin.Context) {
	h.lifecycle(c, h.budgetService.Submit)
}

// Approve godoc
// @Summary      Approve a budget
// @Tags         Budgets
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "Budget ID"
// @Success      200  {object}  response.Response{data=service.BudgetChangeResult}
// @Failure      403  {object}  response.Response
// @Failure      409  {object}  response.Response
// @Router       /budgets/{id}/approve [post]
func (h *BudgetHandler) Approve(c *gin.Context) {
	h.lifecycle(c, h.budgetService.Approve)
}

// Activate godoc
// @Summary      Activate an approved budget
// @Tags         Budgets
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "Budget ID"
// @Success      200  {object}  response.Response{data=service.BudgetChangeResult}
// @Failure      409  {object}  response.Response
// @Router       /budgets/{id}/activate [post]
func (h *BudgetHandler) Activate(c *gin.Context) {
	h.lifecycle(c, h.budgetService.Activate)
}

// Close godoc
// @Summary      Close a budget
// @Description  Refused while reservations are still held against the budget.
// @Tags         Budgets
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "Budget ID"
// @Success      200  {object}  response.Response{data=service.BudgetChangeResult}
// @Failure      400  {object}  response.Response
// @Failure      409  {object}  response.Response
// @Router       /budgets/{id}/close [post]
func (h *BudgetHandler) Close(c *gin.Context) {
	h.lifecycle(c, h.budgetService.Close)
}

// Reject godoc
// @Summary      Reject a pending budget back to draft
// @Tags         Budgets
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      int                          true  "Budget ID"
// @Param        payload  body      service.RejectBudgetRequest  true  "Reason"
// @Success      200      {object}  response.Response{data=service.BudgetChangeResult}
// @Failure      400      {object}  response.Response
// @Router       /budgets/{id}/reject [post]
func (h *BudgetHandler) Reject(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req service.RejectBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	res, err := h.budgetService.Reject(c.Request.Context(), actor, id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

// Adjust godoc
// @Summary      Adjust a budget's total
// @Tags         Budgets
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      int                          true  "Budget ID"
// @Param        payload  body      service.AdjustBudgetRequest  true  "Signed adjustment and remarks"
// @Success      200      {object}  response.Response{data=service.BudgetChangeResult}
// @Failure      400      {object}  response.Response
// @Failure      403      {object}  response.Response
// @Router       /budgets/{id}/adjust [post]
func (h *BudgetHandler) Adjust(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req service.AdjustBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	res, err := h.budgetService.Adjust(c.Request.Context(), actor, id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

func (h *BudgetHandler) lifecycle(c *gin.Context, fn func(ctx context.Context, actor model.Actor, id uint) (service.BudgetChangeResult, error)) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	res, err := fn(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

// Usage godoc
// @Summary      Budget usage history
// @Description  Ledger records newest first.
// @Tags         Budgets
// @Produce      json
// @Security     BearerAuth
// @Param        id     path      int  true   "Budget ID"
// @Param        page   query     int  false  "Page"
// @Param        limit  query     int  false  "Limit"
// @Success      200    {object}  response.Response{data=[]service.UsageRecordResponse}
// @Router       /budgets/{id}/usage [get]
func (h *BudgetHandler) Usage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	p := pagination.Parse(c)
	records, total, err := h.budgetService.Usage(c.Request.Context(), id, p.Page, p.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, records, total, p.Page, p.Limit))
}

// ExportUsage godoc
// @Summary      Export budget usage history
// @Tags         Budgets
// @Produce      application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Security     BearerAuth
// @Param        id   path  int  true  "Budget ID"
// @Success      200  {file}  file
// @Router       /budgets/{id}/usage/export [get]
func (h *BudgetHandler) ExportUsage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	data, name, err := h.budgetService.ExportUsage(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, xlsxContentType, data)
}

// Verify godoc
// @Summary      Verify a budget's ledger
// @Description  Replays the usage records and compares them with the stored balances.
// @Tags         Budgets
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "Budget ID"
// @Success      200  {object}  response.Response{data=service.VerifyReport}
// @Router       /budgets/{id}/verify [get]
func (h *BudgetHandler) Verify(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	report, err := h.budgetService.Verify(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, report))
}
