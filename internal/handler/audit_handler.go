package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"procurement/internal/service"
	"procurement/pkg/pagination"
	"procurement/pkg/response"
)

type AuditHandler struct {
	auditService service.AuditService
}

func NewAuditHandler(auditService service.AuditService) *AuditHandler {
	return &AuditHandler{auditService: auditService}
}

func (h *AuditHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/audit-logs", h.GetAuditLogs)
}

// GetAuditLogs godoc
// @Summary      List audit logs
// @Description  Every workflow transition, ledger mutation and user change, newest first.
// @Tags         Audit
// @Produce      json
// @Security     BearerAuth
// @Param        entity_type  query     string  false  "purchase_request, budget or user"
// @Param        entity_id    query     string  false  "Entity ID"
// @Param        actor_id     query     string  false  "Actor user ID"
// @Param        action       query     string  false  "Action code"
// @Param        page         query     int     false  "Page"
// @Param        limit        query     int     false  "Limit"
// @Success      200          {object}  response.Response{data=[]service.AuditLogResponse}
// @Failure      403          {object}  response.Response
// @Router       /audit-logs [get]
func (h *AuditHandler) GetAuditLogs(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	p := pagination.Parse(c)
	filter := service.AuditLogFilter{
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		ActorID:    c.Query("actor_id"),
		Action:     c.Query("action"),
		Page:       p.Page,
		Limit:      p.Limit,
	}

	logs, total, err := h.auditService.GetAuditLogs(c.Request.Context(), actor, filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, logs, total, p.Page, p.Limit))
}
