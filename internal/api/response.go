// Package api exposes the operator endpoints: flows and their steps,
// campaigns, contacts, conversations and the per-contact message log.
//
// Every error goes out as ErrorResponse with a stable code:
//
//	HTTP/1.1 404 Not Found
//	{"request_id": "…", "code": "not_found", "message": "campaign not found"}
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"whatsapp-crm/internal/middleware"
	"whatsapp-crm/internal/repository"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"
	ErrCodeUnavailable      = "unavailable"
	ErrCodeInvalidFlow      = "invalid_flow"
	ErrCodeInvalidCampaign  = "invalid_campaign"
	ErrCodeSendFailed       = "send_failed"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts with the error envelope. 5xx responses are logged with the
// request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().Int("status", status).Str("code", code).Str("message", msg).Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get(middleware.RequestIDHeader),
		Code:      code,
		Message:   msg,
	})
}

// Fail is fail for callers outside the package, e.g. NoRoute handlers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failStore maps a repository error: missing rows become 404, anything else
// is a 500 that does not leak driver text.
func failStore(c *gin.Context, err error, what string) {
	if errors.Is(err, repository.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, what+" not found")
		return
	}
	_ = c.Error(err)
	fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load or store "+what)
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// idParam parses a positive numeric path parameter, writing a 400 when it is
// not one.
func idParam(c *gin.Context, name string) (uint, bool) {
	n, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || n == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(n), true
}

// page reads offset and limit query parameters with sane bounds.
func page(c *gin.Context) (offset, limit int) {
	offset, _ = strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return offset, limit
}
