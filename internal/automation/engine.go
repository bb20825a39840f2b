// Package automation drives the lead-qualification dialogue: one inbound
// message in, at most one state transition and one reply out.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"whatsapp-crm/internal/config"
	"whatsapp-crm/internal/flows"
	"whatsapp-crm/internal/metrics"
	"whatsapp-crm/internal/models"
	"whatsapp-crm/internal/repository"
	"whatsapp-crm/internal/whatsapp"
)

// FlowSource yields the compiled active flow.
type FlowSource interface {
	Active(ctx context.Context) (*flows.Flow, error)
}

// Publisher receives live events for dashboards.
type Publisher interface {
	Publish(eventType string, data any)
}

type Engine struct {
	db      *gorm.DB
	flows   FlowSource
	gateway whatsapp.Gateway
	cfg     config.BotConfig
	events  Publisher
	locks   *keyedMutex
	log     zerolog.Logger
	now     func() time.Time
}

// NewEngine wires the state machine. events may be nil.
func NewEngine(db *gorm.DB, fs FlowSource, gw whatsapp.Gateway, cfg config.BotConfig, events Publisher, log zerolog.Logger) *Engine {
	return &Engine{
		db:      db,
		flows:   fs,
		gateway: gw,
		cfg:     cfg,
		events:  events,
		locks:   newKeyedMutex(),
		log:     log.With().Str("component", "automation").Logger(),
		now:     time.Now,
	}
}

// input is what the contact answered: the typed or tapped text and, for
// interactive replies, the id of the tapped button.
type input struct {
	text    string
	replyID string
}

func inputOf(msg *models.Message) input {
	in := input{text: strings.TrimSpace(msg.Content)}
	if len(msg.Payload) > 0 {
		var p struct {
			ReplyID string `json:"reply_id"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			in.replyID = p.ReplyID
		}
	}
	return in
}

// HandleInboundMessage runs one inbound message through the conversation of
// (contact, channel). Messages for the same pair are processed one at a time.
func (e *Engine) HandleInboundMessage(ctx context.Context, contact *models.Contact, msg *models.Message, channel string) error {
	if channel != e.cfg.PhoneNumberID {
		e.log.Debug().Str("channel", channel).Msg("message on non-bot channel ignored")
		return nil
	}

	unlock := e.locks.Lock(lockKey(contact.ID, channel))
	defer unlock()

	lg := e.log.With().Uint("contact_id", contact.ID).Str("channel", channel).Logger()
	ctx = lg.WithContext(ctx)
	now := e.now()

	conv, _, err := repository.GetOrCreateConversation(ctx, e.db, contact.ID, channel,
		flows.StateStart, map[string]any{ctxRetries: 0}, now)
	if err != nil {
		lg.Error().Err(err).Msg("load conversation")
		e.reply(ctx, contact, msgUnavailable, nil)
		return fmt.Errorf("load conversation: %w", err)
	}

	in := inputOf(msg)
	keyword := strings.ToLower(in.text)

	if slices.Contains(e.cfg.ResetKeywords, keyword) {
		conv, err = repository.UpdateConversation(ctx, e.db, conv.ID, flows.StateStart, map[string]any{
			ctxRetries:       0,
			ctxResponses:     nil,
			ctxQualified:     nil,
			ctxHandoffReason: nil,
		}, now)
		if err != nil {
			return fmt.Errorf("reset conversation: %w", err)
		}
		metrics.BotTransitions.WithLabelValues("reset").Inc()
		lg.Info().Msg("conversation reset by keyword")
	}

	if slices.Contains(e.cfg.HandoffKeywords, keyword) {
		return e.handoff(ctx, contact, conv, reasonKeyword, nil)
	}

	switch conv.State {
	case flows.StateHandoff:
		// A human owns the conversation.
		return nil
	case flows.StateFinished:
		return nil
	case flows.StateStart:
		return e.startFlow(ctx, contact, conv)
	default:
		return e.processStep(ctx, contact, conv, in)
	}
}

// SendText sends an operator-authored message to a contact and records it.
func (e *Engine) SendText(ctx context.Context, contact *models.Contact, text string) (*models.Message, error) {
	res := e.gateway.Send(ctx, contact.Identity, text, nil)
	if !res.OK {
		return nil, fmt.Errorf("send: %s", res.Reason)
	}
	now := e.now()
	m := &models.Message{
		ContactID: contact.ID,
		Direction: models.DirectionOutbound,
		Type:      "text",
		Status:    models.StatusSent,
		Content:   text,
		Timestamp: now,
		SentAt:    &now,
	}
	if res.ProviderMessageID != "" {
		m.ProviderMessageID = &res.ProviderMessageID
	}
	if err := repository.CreateMessage(ctx, e.db, m); err != nil {
		return nil, err
	}
	e.publish("message.new", m)
	return m, nil
}

func (e *Engine) publish(eventType string, data any) {
	if e.events != nil {
		e.events.Publish(eventType, data)
	}
}

func lockKey(contactID uint, channel string) string {
	return strconv.FormatUint(uint64(contactID), 10) + "|" + channel
}

// contextInt reads a numeric context value. JSON round trips turn ints into
// float64, and older rows may hold strings.
func contextInt(ctx map[string]any, key string) int {
	switch v := ctx[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
