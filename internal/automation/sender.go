package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"whatsapp-crm/internal/flows"
	"whatsapp-crm/internal/metrics"
	"whatsapp-crm/internal/models"
	"whatsapp-crm/internal/repository"
	"whatsapp-crm/internal/whatsapp"
)

type replyButton struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	NextState string `json:"next_state"`
}

type replyPayload struct {
	Buttons  []replyButton `json:"buttons,omitempty"`
	Fallback bool          `json:"fallback,omitempty"`
}

// reply sends text, with buttons when given. Steps with more options than
// the provider can show go out as a numbered list. A failed interactive send
// is retried once as plain text listing the options; a second failure is
// only logged and counted.
//
// The reply is recorded as sent whatever the provider answered. The
// conversation has already moved on, so an undelivered reply is visible only
// in logs and bot_replies_total, never in conversation state.
func (e *Engine) reply(ctx context.Context, contact *models.Contact, text string, buttons []flows.Button) {
	lg := zerolog.Ctx(ctx)
	payload := replyPayload{}
	content, msgType, mode := text, "text", "text"

	var res whatsapp.Result
	if len(buttons) > 0 {
		payload.Buttons = make([]replyButton, 0, len(buttons))
		for _, b := range buttons {
			payload.Buttons = append(payload.Buttons, replyButton{ID: b.ID, Label: b.Label, NextState: b.NextState})
		}
	}

	switch {
	case len(buttons) == 0:
		res = e.gateway.Send(ctx, contact.Identity, text, nil)
	case len(buttons) > whatsapp.MaxButtons:
		// The provider shows at most MaxButtons; list every option instead.
		content, mode = numberedOptions(text, buttons), "list"
		payload.Fallback = true
		res = e.gateway.Send(ctx, contact.Identity, content, nil)
	default:
		wb := make([]whatsapp.Button, 0, len(buttons))
		for _, b := range buttons {
			wb = append(wb, whatsapp.Button{ID: b.ID, Title: b.Label})
		}
		msgType, mode = "interactive", "interactive"
		res = e.gateway.SendInteractive(ctx, contact.Identity, text, wb)
		if !res.OK {
			metrics.BotReplies.WithLabelValues(mode, "failed").Inc()
			lg.Warn().Str("reason", res.Reason).Msg("interactive reply failed, falling back to text")

			content, msgType, mode = numberedOptions(text, buttons), "text", "fallback"
			payload.Fallback = true
			res = e.gateway.Send(ctx, contact.Identity, content, nil)
		}
	}

	if res.OK {
		metrics.BotReplies.WithLabelValues(mode, "ok").Inc()
	} else {
		metrics.BotReplies.WithLabelValues(mode, "failed").Inc()
		lg.Error().Str("reason", res.Reason).Str("mode", mode).Msg("bot reply not delivered")
	}

	raw, _ := json.Marshal(payload)
	now := e.now()
	m := &models.Message{
		ContactID: contact.ID,
		Direction: models.DirectionOutbound,
		Type:      msgType,
		Status:    models.StatusSent,
		Content:   content,
		Payload:   raw,
		Timestamp: now,
		SentAt:    &now,
	}
	if !res.OK {
		m.Error = res.Reason
	}
	if res.ProviderMessageID != "" {
		m.ProviderMessageID = &res.ProviderMessageID
	}
	if err := repository.CreateMessage(ctx, e.db, m); err != nil {
		lg.Error().Err(err).Msg("record bot reply")
		return
	}
	e.publish("message.new", m)
}

// numberedOptions appends the button labels as a numbered list.
func numberedOptions(text string, buttons []flows.Button) string {
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n")
	for i, btn := range buttons {
		fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Label)
	}
	return b.String()
}
