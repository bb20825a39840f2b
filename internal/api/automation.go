package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"whatsapp-crm/internal/flows"
	"whatsapp-crm/internal/models"
	"whatsapp-crm/internal/repository"
)

// FlowCache is the cached view of the active flow that flow writes must
// invalidate.
type FlowCache interface {
	Invalidate()
}

// Publisher receives live events for dashboards.
type Publisher interface {
	Publish(eventType string, data any)
}

// AutomationHandler edits dialogue flows and inspects or resets the
// conversations that run them.
type AutomationHandler struct {
	db     *gorm.DB
	cache  FlowCache
	events Publisher
	now    func() time.Time
}

func NewAutomationHandler(db *gorm.DB, cache FlowCache, events Publisher) *AutomationHandler {
	return &AutomationHandler{db: db, cache: cache, events: events, now: time.Now}
}

func (h *AutomationHandler) Register(r gin.IRouter) {
	r.GET("/flows", h.ListFlows)
	r.POST("/flows", h.CreateFlow)
	r.GET("/flows/:id", h.GetFlow)
	r.PUT("/flows/:id", h.RenameFlow)
	r.DELETE("/flows/:id", h.DeleteFlow)
	r.POST("/flows/:id/activate", h.ActivateFlow)
	r.POST("/flows/:id/steps", h.AddStep)
	r.PUT("/flows/:id/steps/:stepId", h.UpdateStep)
	r.DELETE("/flows/:id/steps/:stepId", h.DeleteStep)

	r.GET("/conversations", h.ListConversations)
	r.GET("/conversations/:id", h.GetConversation)
	r.POST("/conversations/:id/reset", h.ResetConversation)
}

type stepRequest struct {
	StateKey string              `json:"state_key"`
	Question string              `json:"question"`
	Position int                 `json:"position"`
	Buttons  []models.FlowButton `json:"buttons"`
}

func (s stepRequest) model() models.FlowStep {
	return models.FlowStep{
		StateKey: strings.TrimSpace(s.StateKey),
		Question: s.Question,
		Position: s.Position,
		Buttons:  s.Buttons,
	}
}

type flowRequest struct {
	Name   string        `json:"name" binding:"required"`
	Active bool          `json:"active"`
	Steps  []stepRequest `json:"steps"`
}

// flowResponse carries the stored flow and whether it compiles. Drafts may
// be saved while invalid; only activation requires a valid flow.
type flowResponse struct {
	Flow     *models.Flow `json:"flow"`
	Valid    bool         `json:"valid"`
	Problems string       `json:"problems,omitempty"`
}

func describeFlow(f *models.Flow) flowResponse {
	resp := flowResponse{Flow: f, Valid: true}
	if _, err := flows.Compile(f); err != nil {
		resp.Valid = false
		resp.Problems = err.Error()
	}
	return resp
}

// ListFlows returns every flow with its steps.
func (h *AutomationHandler) ListFlows(c *gin.Context) {
	out, err := repository.ListFlows(c.Request.Context(), h.db)
	if err != nil {
		failStore(c, err, "flows")
		return
	}
	if out == nil {
		out = []models.Flow{}
	}
	ok(c, http.StatusOK, out)
}

// GetFlow returns one flow and its validation result.
func (h *AutomationHandler) GetFlow(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	f, err := repository.GetFlow(c.Request.Context(), h.db, id)
	if err != nil {
		failStore(c, err, "flow")
		return
	}
	ok(c, http.StatusOK, describeFlow(f))
}

// CreateFlow stores a flow with its steps. Steps without a position keep the
// request order. An active flow must compile.
func (h *AutomationHandler) CreateFlow(c *gin.Context) {
	var req flowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	f := &models.Flow{Name: strings.TrimSpace(req.Name), Active: req.Active}
	for i, s := range req.Steps {
		step := s.model()
		if step.Position == 0 {
			step.Position = i + 1
		}
		f.Steps = append(f.Steps, step)
	}
	if f.Active {
		if _, err := flows.Compile(f); err != nil {
			fail(c, http.StatusUnprocessableEntity, ErrCodeInvalidFlow, err.Error())
			return
		}
	}

	if err := repository.CreateFlow(c.Request.Context(), h.db, f); err != nil {
		h.failWrite(c, err, "flow")
		return
	}
	h.cache.Invalidate()
	h.respondFlow(c, http.StatusCreated, f.ID)
}

// RenameFlow changes a flow's name.
func (h *AutomationHandler) RenameFlow(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	if err := repository.RenameFlow(c.Request.Context(), h.db, id, strings.TrimSpace(req.Name)); err != nil {
		h.failWrite(c, err, "flow")
		return
	}
	h.cache.Invalidate()
	h.respondFlow(c, http.StatusOK, id)
}

// DeleteFlow removes a flow and its steps.
func (h *AutomationHandler) DeleteFlow(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	if err := repository.DeleteFlow(c.Request.Context(), h.db, id); err != nil {
		failStore(c, err, "flow")
		return
	}
	h.cache.Invalidate()
	noContent(c)
}

// ActivateFlow makes the flow the one the bot runs. It is refused when the
// flow does not compile.
func (h *AutomationHandler) ActivateFlow(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	ctx := c.Request.Context()
	f, err := repository.GetFlow(ctx, h.db, id)
	if err != nil {
		failStore(c, err, "flow")
		return
	}
	if _, err := flows.Compile(f); err != nil {
		fail(c, http.StatusUnprocessableEntity, ErrCodeInvalidFlow, err.Error())
		return
	}
	if err := repository.ActivateFlow(ctx, h.db, id); err != nil {
		failStore(c, err, "flow")
		return
	}
	h.cache.Invalidate()
	h.respondFlow(c, http.StatusOK, id)
}

// AddStep appends a step to a flow.
func (h *AutomationHandler) AddStep(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	step := req.model()
	if step.StateKey == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "state_key is required")
		return
	}
	if err := repository.AddFlowStep(c.Request.Context(), h.db, id, &step); err != nil {
		h.failWrite(c, err, "flow")
		return
	}
	h.cache.Invalidate()
	h.respondFlow(c, http.StatusCreated, id)
}

// UpdateStep overwrites one step.
func (h *AutomationHandler) UpdateStep(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	stepID, valid := idParam(c, "stepId")
	if !valid {
		return
	}
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	step := req.model()
	if step.StateKey == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "state_key is required")
		return
	}
	if _, err := repository.UpdateFlowStep(c.Request.Context(), h.db, id, stepID, &step); err != nil {
		h.failWrite(c, err, "step")
		return
	}
	h.cache.Invalidate()
	h.respondFlow(c, http.StatusOK, id)
}

// DeleteStep removes one step.
func (h *AutomationHandler) DeleteStep(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	stepID, valid := idParam(c, "stepId")
	if !valid {
		return
	}
	if err := repository.DeleteFlowStep(c.Request.Context(), h.db, id, stepID); err != nil {
		failStore(c, err, "step")
		return
	}
	h.cache.Invalidate()
	h.respondFlow(c, http.StatusOK, id)
}

func (h *AutomationHandler) respondFlow(c *gin.Context, status int, id uint) {
	f, err := repository.GetFlow(c.Request.Context(), h.db, id)
	if err != nil {
		failStore(c, err, "flow")
		return
	}
	ok(c, status, describeFlow(f))
}

func (h *AutomationHandler) failWrite(c *gin.Context, err error, what string) {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		fail(c, http.StatusConflict, ErrCodeConflict, what+" already exists")
		return
	}
	failStore(c, err, what)
}

// ListConversations pages through conversations, most recent first. The
// optional state query filters by state, e.g. state=handoff.
func (h *AutomationHandler) ListConversations(c *gin.Context) {
	offset, limit := page(c)
	out, err := repository.ListConversations(c.Request.Context(), h.db, strings.TrimSpace(c.Query("state")), offset, limit)
	if err != nil {
		failStore(c, err, "conversations")
		return
	}
	if out == nil {
		out = []models.Conversation{}
	}
	ok(c, http.StatusOK, out)
}

func (h *AutomationHandler) GetConversation(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	conv, err := repository.GetConversation(c.Request.Context(), h.db, id)
	if err != nil {
		failStore(c, err, "conversation")
		return
	}
	ok(c, http.StatusOK, conv)
}

// ResetConversation puts a conversation back to the entry sentinel with a
// fresh context, taking it out of handoff or finished.
func (h *AutomationHandler) ResetConversation(c *gin.Context) {
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	conv, err := resetConversation(c.Request.Context(), h.db, id, h.now())
	if err != nil {
		failStore(c, err, "conversation")
		return
	}
	if h.events != nil {
		h.events.Publish("conversation.updated", conv)
	}
	ok(c, http.StatusOK, conv)
}

func resetConversation(ctx context.Context, db *gorm.DB, id uint, now time.Time) (*models.Conversation, error) {
	return repository.ResetConversation(ctx, db, id, flows.StateStart, map[string]any{"retries": 0}, now)
}
