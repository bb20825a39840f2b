// Package webhook receives Cloud API callbacks: the subscription handshake,
// inbound messages and delivery statuses.
package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"whatsapp-crm/internal/metrics"
	"whatsapp-crm/internal/middleware"
	pkgmodels "whatsapp-crm/pkg/models"
)

const maxBodyBytes = 4 << 20

type Handler struct {
	verifyToken string
	ingest      *Ingestor
}

func NewHandler(verifyToken string, ingest *Ingestor) *Handler {
	return &Handler{verifyToken: verifyToken, ingest: ingest}
}

// Register mounts GET and POST /webhook.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/webhook", h.VerifyWebhook)
	r.POST("/webhook", h.HandleMessage)
}

// VerifyWebhook answers the subscription handshake by echoing hub.challenge.
func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	lg := middleware.LoggerFrom(c)
	if mode == "subscribe" && h.verifyToken != "" && token == h.verifyToken {
		lg.Info().Msg("webhook verified")
		c.String(http.StatusOK, challenge)
		return
	}
	lg.Warn().Str("mode", mode).Msg("webhook verification rejected")
	c.Status(http.StatusForbidden)
}

// HandleMessage always answers 200 so the provider does not redeliver a
// payload we cannot parse anyway.
func (h *Handler) HandleMessage(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		lg.Error().Err(err).Msg("read webhook body")
		metrics.WebhookEvents.WithLabelValues("payload", "error").Inc()
		c.Status(http.StatusOK)
		return
	}

	var payload pkgmodels.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		lg.Warn().Err(err).Int("bytes", len(body)).Msg("malformed webhook payload")
		metrics.WebhookEvents.WithLabelValues("payload", "error").Inc()
		c.Status(http.StatusOK)
		return
	}

	h.ingest.Process(c.Request.Context(), &payload)
	c.Status(http.StatusOK)
}
