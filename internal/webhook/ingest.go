package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"whatsapp-crm/internal/metrics"
	"whatsapp-crm/internal/models"
	"whatsapp-crm/internal/repository"
	pkgmodels "whatsapp-crm/pkg/models"
)

// Bot is the conversation driver invoked for inbound messages on the bot
// channel.
type Bot interface {
	HandleInboundMessage(ctx context.Context, contact *models.Contact, msg *models.Message, channel string) error
}

// Publisher receives live events for dashboards.
type Publisher interface {
	Publish(eventType string, data any)
}

// Ingestor persists webhook sub-events. Messages and statuses are written
// synchronously; bot work runs on its own goroutine.
type Ingestor struct {
	db         *gorm.DB
	bot        Bot
	botChannel string
	botTimeout time.Duration
	events     Publisher
	log        zerolog.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

// NewIngestor wires the ingestion path. bot and events may be nil.
func NewIngestor(db *gorm.DB, bot Bot, botChannel string, botTimeout time.Duration, events Publisher, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		db:         db,
		bot:        bot,
		botChannel: botChannel,
		botTimeout: botTimeout,
		events:     events,
		log:        log.With().Str("component", "webhook").Logger(),
		now:        time.Now,
	}
}

// Process walks every entry and change of the payload. A failing sub-event
// is logged and counted without affecting the others.
func (i *Ingestor) Process(ctx context.Context, payload *pkgmodels.WebhookPayload) {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			names := profileNames(value.Contacts)
			for _, raw := range value.Messages {
				i.safely(ctx, "message", func() (string, error) {
					return i.handleMessage(ctx, value.Metadata.PhoneNumberID, raw, names)
				})
			}
			for _, raw := range value.Statuses {
				i.safely(ctx, "status", func() (string, error) {
					return i.handleStatus(ctx, raw)
				})
			}
		}
	}
}

// Wait blocks until background bot runs have returned.
func (i *Ingestor) Wait() {
	i.wg.Wait()
}

func (i *Ingestor) safely(ctx context.Context, kind string, fn func() (string, error)) {
	defer func() {
		if rec := recover(); rec != nil {
			i.logger(ctx).Error().Interface("panic", rec).Str("kind", kind).Msg("webhook sub-event panicked")
			metrics.WebhookEvents.WithLabelValues(kind, "error").Inc()
		}
	}()
	result, err := fn()
	if err != nil {
		i.logger(ctx).Error().Err(err).Str("kind", kind).Msg("webhook sub-event failed")
		result = "error"
	}
	metrics.WebhookEvents.WithLabelValues(kind, result).Inc()
}

func (i *Ingestor) handleMessage(ctx context.Context, channel string, raw json.RawMessage, names map[string]string) (string, error) {
	var in pkgmodels.InboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", fmt.Errorf("decode message: %w", err)
	}
	if in.ID == "" || in.From == "" {
		return "", errors.New("message without id or sender")
	}

	contact, err := repository.UpsertContact(ctx, i.db, in.From, names[in.From])
	if err != nil {
		return "", fmt.Errorf("upsert contact %s: %w", in.From, err)
	}

	content, payload := describe(&in)
	pid := in.ID
	msg := &models.Message{
		ContactID:         contact.ID,
		Direction:         models.DirectionInbound,
		Type:              in.Type,
		Status:            models.StatusReceived,
		ProviderMessageID: &pid,
		Timestamp:         i.unixOrNow(in.Timestamp),
		Content:           content,
		Payload:           payload,
	}
	created, err := repository.CreateInboundMessage(ctx, i.db, msg)
	if err != nil {
		return "", fmt.Errorf("store message %s: %w", in.ID, err)
	}
	if !created {
		i.logger(ctx).Debug().Str("provider_id", in.ID).Msg("duplicate inbound message ignored")
		return "duplicate", nil
	}
	i.publish("message.new", msg)

	if i.bot != nil && channel != "" && channel == i.botChannel {
		i.runBot(ctx, contact, msg, channel)
	}
	return "stored", nil
}

// runBot detaches from the request so the 200 is not held by provider calls,
// keeping trace and logger values.
func (i *Ingestor) runBot(parent context.Context, contact *models.Contact, msg *models.Message, channel string) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		lg := i.logger(parent).With().Uint("contact_id", contact.ID).Uint("message_id", msg.ID).Logger()
		defer func() {
			if rec := recover(); rec != nil {
				lg.Error().Interface("panic", rec).Msg("bot panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), i.botTimeout)
		defer cancel()
		if err := i.bot.HandleInboundMessage(ctx, contact, msg, channel); err != nil {
			lg.Error().Err(err).Msg("bot failed")
		}
	}()
}

func (i *Ingestor) handleStatus(ctx context.Context, raw json.RawMessage) (string, error) {
	var st pkgmodels.StatusEvent
	if err := json.Unmarshal(raw, &st); err != nil {
		return "", fmt.Errorf("decode status: %w", err)
	}
	if st.ID == "" {
		return "", errors.New("status without message id")
	}

	msg, err := repository.FindMessageByProviderID(ctx, i.db, st.ID)
	if errors.Is(err, repository.ErrNotFound) {
		i.logger(ctx).Debug().Str("provider_id", st.ID).Str("status", st.Status).Msg("status for unknown message")
		return "unknown", nil
	}
	if err != nil {
		return "", fmt.Errorf("find message %s: %w", st.ID, err)
	}

	switch st.Status {
	case models.StatusSent, models.StatusDelivered, models.StatusRead, models.StatusFailed:
	default:
		i.logger(ctx).Debug().Str("provider_id", st.ID).Str("status", st.Status).Msg("status ignored")
		return "ignored", nil
	}

	var errPayload string
	if st.Status == models.StatusFailed {
		errPayload = "[]"
		if len(st.Errors) > 0 {
			b, err := json.Marshal(st.Errors)
			if err != nil {
				return "", fmt.Errorf("encode status errors: %w", err)
			}
			errPayload = string(b)
		}
	}

	if err := repository.ApplyMessageStatus(ctx, i.db, msg.ID, st.Status, i.unixOrNow(st.Timestamp), errPayload); err != nil {
		return "", fmt.Errorf("apply status %s to message %d: %w", st.Status, msg.ID, err)
	}
	i.publish("message.status", map[string]any{"id": msg.ID, "contact_id": msg.ContactID, "status": st.Status})

	if msg.CampaignID != nil {
		camp, err := repository.RecomputeCampaignCounters(ctx, i.db, *msg.CampaignID)
		if err != nil {
			return "", fmt.Errorf("recompute campaign %d: %w", *msg.CampaignID, err)
		}
		i.publish("campaign.progress", camp)
	}
	return "stored", nil
}

func (i *Ingestor) publish(eventType string, data any) {
	if i.events != nil {
		i.events.Publish(eventType, data)
	}
}

func (i *Ingestor) logger(ctx context.Context) *zerolog.Logger {
	if lg := zerolog.Ctx(ctx); lg.GetLevel() != zerolog.Disabled {
		return lg
	}
	return &i.log
}

func (i *Ingestor) unixOrNow(ts string) time.Time {
	if sec, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64); err == nil && sec > 0 {
		return time.Unix(sec, 0).UTC()
	}
	return i.now().UTC()
}

func profileNames(profiles []pkgmodels.Profile) map[string]string {
	out := make(map[string]string, len(profiles))
	for _, p := range profiles {
		if name := strings.TrimSpace(p.Profile.Name); name != "" {
			out[p.WaID] = name
		}
	}
	return out
}

// describe renders the message as dashboard text. Replies keep the tapped
// option in the payload so the bot can match by id.
func describe(m *pkgmodels.InboundMessage) (string, datatypes.JSON) {
	switch m.Type {
	case "text":
		if m.Text != nil {
			return m.Text.Body, nil
		}
	case "interactive":
		if m.Interactive != nil {
			switch {
			case m.Interactive.ButtonReply != nil:
				r := m.Interactive.ButtonReply
				return r.Title, replyPayload(r.ID, r.Title)
			case m.Interactive.ListReply != nil:
				r := m.Interactive.ListReply
				return r.Title, replyPayload(r.ID, r.Title)
			}
		}
	case "button":
		if m.Button != nil {
			return m.Button.Text, replyPayload(m.Button.Payload, m.Button.Text)
		}
	case "image":
		return media("[image]", m.Image)
	case "video":
		return media("[video]", m.Video)
	case "audio":
		return media("[audio]", m.Audio)
	case "document":
		return media("[document]", m.Document)
	case "sticker":
		return media("[sticker]", m.Sticker)
	case "location":
		if loc := m.Location; loc != nil {
			content := "[location]"
			if label := strings.TrimSpace(strings.Join(nonEmpty(loc.Name, loc.Address), " ")); label != "" {
				content += " " + label
			}
			return content, mustJSON(map[string]any{"latitude": loc.Latitude, "longitude": loc.Longitude})
		}
		return "[location]", nil
	case "contacts":
		return "[contacts]", nil
	}
	return "[unknown]", nil
}

func media(placeholder string, mm *pkgmodels.MediaMessage) (string, datatypes.JSON) {
	if mm == nil {
		return placeholder, nil
	}
	content := placeholder
	if mm.Caption != "" {
		content += " " + mm.Caption
	} else if mm.Filename != "" {
		content += " " + mm.Filename
	}
	return content, mustJSON(map[string]any{"media_id": mm.ID, "mime_type": mm.MimeType})
}

func replyPayload(id, title string) datatypes.JSON {
	return mustJSON(map[string]string{"reply_id": id, "reply_title": title})
}

func nonEmpty(in ...string) []string {
	out := in[:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func mustJSON(v any) datatypes.JSON {
	b, _ := json.Marshal(v)
	return datatypes.JSON(b)
}
