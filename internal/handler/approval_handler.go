package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"procurement/internal/model"
	"procurement/internal/service"
	"procurement/pkg/pagination"
	"procurement/pkg/response"
)

type ApprovalHandler struct {
	approvalService service.ApprovalService
}

func NewApprovalHandler(approvalService service.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{approvalService: approvalService}
}

// RegisterRoutes expects router to be behind JWTAuth.
func (h *ApprovalHandler) RegisterRoutes(router *gin.RouterGroup) {
	pr := router.Group("/pr")
	{
		pr.POST("", h.CreatePR)
		pr.GET("/mine", h.ListMine)
		pr.GET("/need-price", h.ListNeedPrice)
		pr.GET("/need-admin-approve", h.ListNeedAdminApprove)
		pr.GET("/need-super-admin-approve", h.ListNeedSuperAdminApprove)
		pr.GET("/approval-history", h.ApprovalHistory)
		pr.GET("/:id", h.GetPR)

		pr.POST("/:id/submit", h.Submit)
		pr.POST("/:id/supervisor-approve", h.SupervisorApprove)
		pr.POST("/:id/fill-price", h.FillPrice)
		pr.POST("/:id/admin-approve", h.AdminApprove)
		pr.POST("/:id/super-admin-approve", h.SuperAdminApprove)
		pr.POST("/:id/reject", h.Reject)
		pr.POST("/:id/resubmit", h.Resubmit)
	}
}

// CreatePR godoc
// @Summary      Create a purchase request
// @Description  Creates a draft owned by the caller. With submit=true it is submitted right away.
// @Tags         PurchaseRequests
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.CreatePRRequest  true  "Purchase request"
// @Success      201      {object}  response.Response{data=service.PRResponse}
// @Failure      400      {object}  response.Response
// @Failure      409      {object}  response.Response{data=service.PRResponse}
// @Router       /pr [post]
func (h *ApprovalHandler) CreatePR(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	var req service.CreatePRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	pr, err := h.approvalService.Create(c.Request.Context(), actor, req)
	if err != nil {
		if pr.ID != 0 {
			// draft saved, submit failed
			respondErrorWithData(c, err, pr)
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, pr))
}

// GetPR godoc
// @Summary      Get a purchase request
// @Tags         PurchaseRequests
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "PR ID"
// @Success      200  {object}  response.Response{data=service.PRResponse}
// @Failure      403  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /pr/{id} [get]
func (h *ApprovalHandler) GetPR(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	pr, err := h.approvalService.Get(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, pr))
}

// Submit godoc
// @Summary      Submit a draft purchase request
// @Tags         PurchaseRequests
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "PR ID"
// @Success      200  {object}  response.Response{data=service.TransitionResult}
// @Failure      400  {object}  response.Response
// @Failure      409  {object}  response.Response
// @Router       /pr/{id}/submit [post]
func (h *ApprovalHandler) Submit(c *gin.Context) {
	h.transition(c, h.approvalService.Submit)
}

// SupervisorApprove godoc
// @Summary      Supervisor approval
// @Tags         PurchaseRequests
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "PR ID"
// @Success      200  {object}  response.Response{data=service.TransitionResult}
// @Failure      403  {object}  response.Response
// @Failure      409  {object}  response.Response
// @Router       /pr/{id}/supervisor-approve [post]
func (h *ApprovalHandler) SupervisorApprove(c *gin.Context) {
	h.transition(c, h.approvalService.SupervisorApprove)
}

// FillPrice godoc
// @Summary      Fill item prices
// @Description  Prices every item, fixes the total and reserves it on the PR's budget.
// @Tags         PurchaseRequests
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      int                       true  "PR ID"
// @Param        payload  body      service.FillPriceRequest  true  "Unit prices"
// @Success      200      {object}  response.Response{data=service.TransitionResult}
// @Failure      400      {object}  response.Response
// @Failure      422      {object}  response.Response "Insufficient budget"
// @Router       /pr/{id}/fill-price [post]
func (h *ApprovalHandler) FillPrice(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req service.FillPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	res, err := h.approvalService.FillPrice(c.Request.Context(), actor, id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

// AdminApprove godoc
// @Summary      Factory manager approval
// @Description  Approves outright or escalates to super admin depending on amount and price deviation.
// @Tags         PurchaseRequests
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "PR ID"
// @Success      200  {object}  response.Response{data=service.TransitionResult}
// @Failure      403  {object}  response.Response
// @Failure      409  {object}  response.Response
// @Router       /pr/{id}/admin-approve [post]
func (h *ApprovalHandler) AdminApprove(c *gin.Context) {
	h.transition(c, h.approvalService.AdminApprove)
}

// SuperAdminApprove godoc
// @Summary      Super admin approval
// @Tags         PurchaseRequests
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "PR ID"
// @Success      200  {object}  response.Response{data=service.TransitionResult}
// @Failure      403  {object}  response.Response
// @Failure      409  {object}  response.Response
// @Router       /pr/{id}/super-admin-approve [post]
func (h *ApprovalHandler) SuperAdminApprove(c *gin.Context) {
	h.transition(c, h.approvalService.SuperAdminApprove)
}

// Reject godoc
// @Summary      Reject a purchase request
// @Tags         PurchaseRequests
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      int                      true  "PR ID"
// @Param        payload  body      service.RejectPRRequest  true  "Reason"
// @Success      200      {object}  response.Response{data=service.TransitionResult}
// @Failure      400      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /pr/{id}/reject [post]
func (h *ApprovalHandler) Reject(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req service.RejectPRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	res, err := h.approvalService.Reject(c.Request.Context(), actor, id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

// Resubmit godoc
// @Summary      Clone a rejected purchase request into a new draft
// @Tags         PurchaseRequests
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "Rejected PR ID"
// @Success      201  {object}  response.Response{data=service.PRResponse}
// @Failure      409  {object}  response.Response
// @Router       /pr/{id}/resubmit [post]
func (h *ApprovalHandler) Resubmit(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	pr, err := h.approvalService.Resubmit(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, pr))
}

func (h *ApprovalHandler) transition(c *gin.Context, fn func(ctx context.Context, actor model.Actor, id uint) (service.TransitionResult, error)) {
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

// ListMine godoc
// @Summary      List my purchase requests
// @Tags         PurchaseRequests
// @Produce      json
// @Security     BearerAuth
// @Param        status   query     string  false  "Status filter"
// @Param        keyword  query     string  false  "PR number or title"
// @Param        page     query     int     false  "Page"
// @Param        limit    query     int     false  "Limit"
// @Success      200      {object}  response.Response{data=[]service.PRResponse}
// @Router       /pr/mine [get]
func (h *ApprovalHandler) ListMine(c *gin.Context) {
	h.list(c, h.approvalService.ListMine)
}

// ListNeedPrice godoc
// @Summary      Purchase requests awaiting prices
// @Tags         PurchaseRequests
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=[]service.PRResponse}
// @Failure      403  {object}  response.Response
// @Router       /pr/need-price [get]
func (h *ApprovalHandler) ListNeedPrice(c *gin.Context) {
	h.list(c, h.approvalService.ListNeedPrice)
}

// ListNeedAdminApprove godoc
// @Summary      Purchase requests awaiting factory manager approval
// @Tags         PurchaseRequests
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=[]service.PRResponse}
// @Failure      403  {object}  response.Response
// @Router       /pr/need-admin-approve [get]
func (h *ApprovalHandler) ListNeedAdminApprove(c *gin.Context) {
	h.list(c, h.approvalService.ListNeedAdminApprove)
}

// ListNeedSuperAdminApprove godoc
// @Summary      Purchase requests awaiting super admin approval
// @Tags         PurchaseRequests
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=[]service.PRResponse}
// @Failure      403  {object}  response.Response
// @Router       /pr/need-super-admin-approve [get]
func (h *ApprovalHandler) ListNeedSuperAdminApprove(c *gin.Context) {
	h.list(c, h.approvalService.ListNeedSuperAdminApprove)
}

func (h *ApprovalHandler) list(c *gin.Context, fn func(ctx context.Context, actor model.Actor, filter service.PRListFilter) ([]service.PRResponse, int64, error)) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	p := pagination.Parse(c)
	filter := service.PRListFilter{
		Status:     c.Query("status"),
		Keyword:    c.Query("keyword"),
		Department: c.Query("department"),
		Page:       p.Page,
		Limit:      p.Limit,
	}
	prs, total, err := fn(c.Request.Context(), actor, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, prs, total, p.Page, p.Limit))
}

// ApprovalHistory godoc
// @Summary      Approval history
// @Description  With pr_id, the full trail of that request. Without it, the workflow actions the caller performed.
// @Tags         PurchaseRequests
// @Produce      json
// @Security     BearerAuth
// @Param        pr_id  query     int  false  "PR ID"
// @Param        page   query     int  false  "Page"
// @Param        limit  query     int  false  "Limit"
// @Success      200    {object}  response.Response{data=[]service.HistoryEntry}
// @Router       /pr/approval-history [get]
func (h *ApprovalHandler) ApprovalHistory(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	p := pagination.Parse(c)
	filter := service.HistoryFilter{Page: p.Page, Limit: p.Limit}
	if raw := c.Query("pr_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			badRequest(c, "Invalid pr_id")
			return
		}
		prID := uint(id)
		filter.PRID = &prID
	}

	entries, total, err := h.approvalService.ApprovalHistory(c.Request.Context(), actor, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, entries, total, p.Page, p.Limit))
}
