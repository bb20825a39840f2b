package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"whatsapp-crm/internal/models"
	"whatsapp-crm/internal/repository"
)

// Sender delivers operator-authored messages and records them.
type Sender interface {
	SendText(ctx context.Context, contact *models.Contact, text string) (*models.Message, error)
}

// DashboardHandler backs the agent inbox: a contact's message log and
// manual replies.
type DashboardHandler struct {
	db     *gorm.DB
	sender Sender
}

func NewDashboardHandler(db *gorm.DB, sender Sender) *DashboardHandler {
	return &DashboardHandler{db: db, sender: sender}
}

func (h *DashboardHandler) Register(r gin.IRouter) {
	r.GET("/contacts/:id/messages", h.GetMessages)
	r.POST("/contacts/:id/messages", h.SendMessage)
}

func (h *DashboardHandler) GetMessages(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	_, limit := page(c)
	ctx := c.Request.Context()
	if _, err := repository.GetContact(ctx, h.db, id); err != nil {
		failStore(c, err, "contact")
		return
	}
	out, err := repository.ListContactMessages(ctx, h.db, id, limit)
	if err != nil {
		failStore(c, err, "messages")
		return
	}
	if out == nil {
		out = []models.Message{}
	}
	ok(c, http.StatusOK, out)
}

type SendRequest struct {
	Text string `json:"text" binding:"required"`
}

func (h *DashboardHandler) SendMessage(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "text is required")
		return
	}

	ctx := c.Request.Context()
	contact, err := repository.GetContact(ctx, h.db, id)
	if err != nil {
		failStore(c, err, "contact")
		return
	}
	msg, err := h.sender.SendText(ctx, contact, req.Text)
	if err != nil {
		fail(c, http.StatusBadGateway, ErrCodeSendFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, msg)
}
