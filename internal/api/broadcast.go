package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"whatsapp-crm/internal/dispatch"
	"whatsapp-crm/internal/models"
	"whatsapp-crm/internal/repository"
)

// Campaigns creates and re-drives bulk sends.
type Campaigns interface {
	CreateCampaign(ctx context.Context, req dispatch.CampaignRequest) (*models.Campaign, error)
	RetryFailed(ctx context.Context, campaignID uint) (*models.Campaign, int, error)
}

// BroadcastHandler serves campaign endpoints.
type BroadcastHandler struct {
	db        *gorm.DB
	campaigns Campaigns
}

func NewBroadcastHandler(db *gorm.DB, campaigns Campaigns) *BroadcastHandler {
	return &BroadcastHandler{db: db, campaigns: campaigns}
}

func (h *BroadcastHandler) Register(r gin.IRouter) {
	r.GET("/campaigns", h.ListCampaigns)
	r.POST("/campaigns", h.CreateCampaign)
	r.GET("/campaigns/:id", h.GetCampaign)
	r.GET("/campaigns/:id/messages", h.CampaignMessages)
	r.POST("/campaigns/:id/retry-failed", h.RetryFailed)
}

// CreateCampaign stores the campaign and hands every message to the
// dispatcher. The response carries the initial counters.
func (h *BroadcastHandler) CreateCampaign(c *gin.Context) {
	var req dispatch.CampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	camp, err := h.campaigns.CreateCampaign(c.Request.Context(), req)
	if errors.Is(err, dispatch.ErrInvalidCampaign) {
		fail(c, http.StatusBadRequest, ErrCodeInvalidCampaign, err.Error())
		return
	}
	if err != nil {
		failStore(c, err, "campaign")
		return
	}
	ok(c, http.StatusCreated, camp)
}

func (h *BroadcastHandler) ListCampaigns(c *gin.Context) {
	_, limit := page(c)
	out, err := repository.ListCampaigns(c.Request.Context(), h.db, limit)
	if err != nil {
		failStore(c, err, "campaigns")
		return
	}
	if out == nil {
		out = []models.Campaign{}
	}
	ok(c, http.StatusOK, out)
}

func (h *BroadcastHandler) GetCampaign(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	camp, err := repository.GetCampaign(c.Request.Context(), h.db, id)
	if err != nil {
		failStore(c, err, "campaign")
		return
	}
	ok(c, http.StatusOK, camp)
}

// CampaignMessages lists a campaign's messages, optionally filtered by
// status (e.g. status=failed to review errors before a retry).
func (h *BroadcastHandler) CampaignMessages(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	offset, limit := page(c)
	q := h.db.WithContext(c.Request.Context()).Where("campaign_id = ?", id)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Message
	if err := q.Order("id ASC").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		failStore(c, err, "messages")
		return
	}
	if out == nil {
		out = []models.Message{}
	}
	ok(c, http.StatusOK, out)
}

// RetryFailed resets failed messages to pending and re-dispatches them.
func (h *BroadcastHandler) RetryFailed(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	camp, reset, err := h.campaigns.RetryFailed(c.Request.Context(), id)
	if err != nil {
		failStore(c, err, "campaign")
		return
	}
	ok(c, http.StatusOK, gin.H{"campaign": camp, "reset": reset})
}
