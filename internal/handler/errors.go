package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"procurement/internal/apperror"
	"procurement/internal/middleware"
	"procurement/internal/model"
	"procurement/pkg/response"
)

// statusFor maps the application error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var ite *apperror.InvalidTransitionError
	if errors.As(err, &ite) && ite.RoleOnly {
		return http.StatusForbidden
	}
	switch apperror.Code(err) {
	case apperror.CodeValidation:
		return http.StatusBadRequest
	case apperror.CodeInvalidTransition, apperror.CodeConcurrencyConflict:
		return http.StatusConflict
	case apperror.CodeInsufficientBudget:
		return http.StatusUnprocessableEntity
	case apperror.CodeNotFound:
		return http.StatusNotFound
	case apperror.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperror.CodeForbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// respondError writes err in the standard envelope. Unclassified errors are logged
// through gin and reported without their internals.
func respondError(c *gin.Context, err error) {
	respondErrorWithData(c, err, nil)
}

// respondErrorWithData is respondError for failures that still leave a resource behind.
func respondErrorWithData(c *gin.Context, err error, data interface{}) {
	status := statusFor(err)
	code := apperror.Code(err)
	msg := err.Error()
	if code == "" {
		_ = c.Error(err)
		msg = "Internal server error"
	}

	var field string
	var ve *apperror.ValidationError
	if errors.As(err, &ve) {
		field = ve.Field
	}
	resp := response.Coded(status, code, field, msg)
	resp.Data = data
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, response.Coded(http.StatusBadRequest, apperror.CodeValidation, "", msg))
}

// parseID reads a positive numeric path parameter.
func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "Invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// actorOf returns the authenticated actor or writes 401.
func actorOf(c *gin.Context) (model.Actor, bool) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.Coded(http.StatusUnauthorized, apperror.CodeUnauthorized, "", "Authorization is missing"))
	}
	return actor, ok
}
