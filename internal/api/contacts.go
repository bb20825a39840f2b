package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"whatsapp-crm/internal/models"
	"whatsapp-crm/internal/repository"
)

type ContactHandler struct {
	db *gorm.DB
}

func NewContactHandler(db *gorm.DB) *ContactHandler {
	return &ContactHandler{db: db}
}

func (h *ContactHandler) Register(r gin.IRouter) {
	r.GET("/contacts", h.GetContacts)
	r.POST("/contacts", h.CreateContact)
	r.GET("/contacts/:id", h.GetContact)
	r.PATCH("/contacts/:id", h.UpdateContact)
}

func (h *ContactHandler) GetContacts(c *gin.Context) {
	offset, limit := page(c)
	out, err := repository.ListContacts(c.Request.Context(), h.db, offset, limit)
	if err != nil {
		failStore(c, err, "contacts")
		return
	}
	// Return empty array instead of null
	if out == nil {
		out = []models.Contact{}
	}
	ok(c, http.StatusOK, out)
}

func (h *ContactHandler) GetContact(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	contact, err := repository.GetContact(c.Request.Context(), h.db, id)
	if err != nil {
		failStore(c, err, "contact")
		return
	}
	ok(c, http.StatusOK, contact)
}

// CreateContactRequest adds or refreshes a contact. Identity may be written
// in any format; it is normalized and merged with existing duplicates.
type CreateContactRequest struct {
	Identity string `json:"identity" binding:"required"`
	Name     string `json:"name"`
	Tag      string `json:"tag"`
}

func (h *ContactHandler) CreateContact(c *gin.Context) {
	var req CreateContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	tag, valid := parseTag(req.Tag)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "tag must be lead or client")
		return
	}

	ctx := c.Request.Context()
	contact, err := repository.UpsertContact(ctx, h.db, req.Identity, strings.TrimSpace(req.Name))
	if errors.Is(err, repository.ErrInvalidIdentity) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "identity has no digits")
		return
	}
	if err != nil {
		failStore(c, err, "contact")
		return
	}
	if tag != "" && tag != contact.Tag {
		if err := repository.SetContactTag(ctx, h.db, contact.ID, tag); err != nil {
			failStore(c, err, "contact")
			return
		}
		contact.Tag = tag
	}
	ok(c, http.StatusCreated, contact)
}

type UpdateContactRequest struct {
	Tag string `json:"tag" binding:"required"`
}

// UpdateContact reclassifies a contact as lead or client.
func (h *ContactHandler) UpdateContact(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	var req UpdateContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	tag, valid := parseTag(req.Tag)
	if !valid || tag == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "tag must be lead or client")
		return
	}

	ctx := c.Request.Context()
	if _, err := repository.GetContact(ctx, h.db, id); err != nil {
		failStore(c, err, "contact")
		return
	}
	if err := repository.SetContactTag(ctx, h.db, id, tag); err != nil {
		failStore(c, err, "contact")
		return
	}
	contact, err := repository.GetContact(ctx, h.db, id)
	if err != nil {
		failStore(c, err, "contact")
		return
	}
	ok(c, http.StatusOK, contact)
}

// parseTag accepts an empty tag (no change) or one of the known tags.
func parseTag(raw string) (string, bool) {
	switch tag := strings.ToLower(strings.TrimSpace(raw)); tag {
	case "", models.TagLead, models.TagClient:
		return tag, true
	default:
		return "", false
	}
}
