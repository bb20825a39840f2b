// Package whatsapp sends messages through the WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"whatsapp-crm/internal/config"
	"whatsapp-crm/internal/identity"
)

// Cloud API limits for reply buttons.
const (
	MaxButtons     = 3
	MaxButtonTitle = 20
)

// Template selects a pre-approved message template.
type Template struct {
	Name     string
	Language string
	Params   []string
}

// Button is one quick-reply option.
type Button struct {
	ID    string
	Title string
}

// Result is the outcome of one send. It never carries a Go error: callers
// branch on OK and Transient.
type Result struct {
	OK                bool
	ProviderMessageID string
	Reason            string
	Raw               string
	StatusCode        int
	// Transient marks failures worth retrying: timeouts, transport errors,
	// 429 and 5xx.
	Transient bool
}

// Gateway is the delivery surface the rest of the service depends on.
type Gateway interface {
	Send(ctx context.Context, to, text string, tmpl *Template) Result
	SendInteractive(ctx context.Context, to, text string, buttons []Button) Result
}

type Client struct {
	url     string
	token   string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ Gateway = (*Client)(nil)

func NewClient(cfg *config.Config, log zerolog.Logger) *Client {
	return &Client{
		url:     cfg.MessagesURL(),
		token:   cfg.WhatsAppToken,
		timeout: cfg.SendTimeout,
		http:    &http.Client{Timeout: cfg.SendTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRPS), cfg.SendBurst),
		log:     log.With().Str("component", "whatsapp").Logger(),
	}
}

// Send delivers free text, or the template when tmpl is non-nil. Blank
// template parameters are dropped.
func (c *Client) Send(ctx context.Context, to, text string, tmpl *Template) Result {
	msg := GenericMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               identity.Digits(to),
	}
	if tmpl != nil {
		msg.Type = "template"
		msg.Template = &TemplateObj{
			Name:     tmpl.Name,
			Language: LanguageObj{Code: tmpl.Language},
		}
		if params := templateParams(tmpl.Params); len(params) > 0 {
			msg.Template.Components = []ComponentObj{{Type: "body", Parameters: params}}
		}
	} else {
		msg.Type = "text"
		msg.Text = &TextObj{Body: text}
	}
	return c.post(ctx, msg)
}

// SendInteractive delivers text with up to MaxButtons reply buttons.
func (c *Client) SendInteractive(ctx context.Context, to, text string, buttons []Button) Result {
	if len(buttons) > MaxButtons {
		buttons = buttons[:MaxButtons]
	}
	objs := make([]ButtonObj, 0, len(buttons))
	for i, b := range buttons {
		id := b.ID
		if id == "" {
			id = fmt.Sprintf("btn_%d", i+1)
		}
		objs = append(objs, ButtonObj{
			Type:  "reply",
			Reply: ReplyObj{ID: id, Title: ClipTitle(b.Title)},
		})
	}
	msg := GenericMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               identity.Digits(to),
		Type:             "interactive",
		Interactive: &InteractiveObj{
			Type:   "button",
			Body:   BodyObj{Text: text},
			Action: ActionObj{Buttons: objs},
		},
	}
	return c.post(ctx, msg)
}

// ClipTitle trims a button title to the provider's rune limit.
func ClipTitle(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxButtonTitle {
		return s
	}
	return string([]rune(s)[:MaxButtonTitle])
}

func templateParams(in []string) []ParameterObj {
	out := make([]ParameterObj, 0, len(in))
	for _, p := range in {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, ParameterObj{Type: "text", Text: p})
	}
	return out
}

func (c *Client) post(ctx context.Context, msg GenericMessage) (res Result) {
	ctx, span := otel.Tracer("whatsapp/Client").Start(ctx, "Send")
	span.SetAttributes(attribute.String("wa.type", msg.Type))
	defer func() {
		span.SetAttributes(attribute.Bool("wa.ok", res.OK), attribute.Int("http.status_code", res.StatusCode))
		if !res.OK {
			span.SetStatus(codes.Error, res.Reason)
		}
		span.End()
	}()

	if !identity.Valid(identity.Normalize(msg.To)) {
		return Result{Reason: "recipient has no digits"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{Reason: "rate limiter: " + err.Error(), Transient: true}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return Result{Reason: "encode payload: " + err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{Reason: "build request: " + err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Reason: describeTransportError(err), Raw: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Reason: "read response: " + err.Error(), StatusCode: resp.StatusCode, Transient: true}
	}

	if resp.StatusCode >= 400 {
		res = Result{
			Reason:     apiErrorReason(resp.Status, raw),
			Raw:        string(raw),
			StatusCode: resp.StatusCode,
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
		c.log.Warn().Int("status", resp.StatusCode).Str("type", msg.Type).Str("reason", res.Reason).Msg("send rejected")
		return res
	}

	var ok sendResponse
	if err := json.Unmarshal(raw, &ok); err != nil || len(ok.Messages) == 0 {
		// Accepted but without an id; statuses cannot be correlated.
		c.log.Warn().Str("body", string(raw)).Msg("send accepted without message id")
		return Result{OK: true, Raw: string(raw), StatusCode: resp.StatusCode}
	}
	return Result{OK: true, ProviderMessageID: ok.Messages[0].ID, Raw: string(raw), StatusCode: resp.StatusCode}
}

func describeTransportError(err error) string {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	default:
		return "transport: " + err.Error()
	}
}

func apiErrorReason(status string, raw []byte) string {
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Error.Message != "" {
		return fmt.Sprintf("%s: (#%d) %s", status, e.Error.Code, e.Error.Message)
	}
	return "API error: " + status
}
