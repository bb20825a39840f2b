package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"whatsapp-crm/internal/config"
	"whatsapp-crm/internal/flows"
	"whatsapp-crm/internal/models"
	"whatsapp-crm/internal/repository"
	"whatsapp-crm/internal/testutil"
	"whatsapp-crm/internal/whatsapp"
)

const botChannel = "bot-channel"

type sentReply struct {
	text        string
	buttons     []whatsapp.Button
	interactive bool
}

type fakeGateway struct {
	mu              sync.Mutex
	replies         []sentReply
	failInteractive bool
	failText        bool
	seq             int
}

func (g *fakeGateway) Send(_ context.Context, _ string, text string, _ *whatsapp.Template) whatsapp.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, sentReply{text: text})
	if g.failText {
		return whatsapp.Result{Reason: "text down", Transient: true}
	}
	g.seq++
	return whatsapp.Result{OK: true, ProviderMessageID: fmt.Sprintf("wamid.t%d", g.seq)}
}

func (g *fakeGateway) SendInteractive(_ context.Context, _ string, text string, buttons []whatsapp.Button) whatsapp.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, sentReply{text: text, buttons: buttons, interactive: true})
	if g.failInteractive {
		return whatsapp.Result{Reason: "interactive down", StatusCode: 400}
	}
	g.seq++
	return whatsapp.Result{OK: true, ProviderMessageID: fmt.Sprintf("wamid.i%d", g.seq)}
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.replies)
}

func (g *fakeGateway) last(t *testing.T) sentReply {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.replies) == 0 {
		t.Fatalf("no reply sent")
	}
	return g.replies[len(g.replies)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

type harness struct {
	engine  *Engine
	gw      *fakeGateway
	db      *gorm.DB
	contact *models.Contact
	events  *recordingPublisher
}

func botConfig() config.BotConfig {
	return config.BotConfig{
		PhoneNumberID:   botChannel,
		ResetKeywords:   []string{"hola", "reset"},
		HandoffKeywords: []string{"asesor", "humano", "persona", "ayuda"},
		MaxRetries:      2,
	}
}

func newHarness(t *testing.T, seed bool) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	ctx := context.Background()

	store := flows.NewStore(db, time.Hour, zerolog.Nop())
	if seed {
		if err := store.Seed(ctx); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	contact, err := repository.UpsertContact(ctx, db, "+52 1 55 1234 5678", "Ana")
	if err != nil {
		t.Fatal(err)
	}

	gw := &fakeGateway{}
	events := &recordingPublisher{}
	return &harness{
		engine:  NewEngine(db, store, gw, botConfig(), events, zerolog.Nop()),
		gw:      gw,
		db:      db,
		contact: contact,
		events:  events,
	}
}

func (h *harness) send(t *testing.T, text string) {
	t.Helper()
	msg := &models.Message{ContactID: h.contact.ID, Direction: models.DirectionInbound, Content: text}
	if err := h.engine.HandleInboundMessage(context.Background(), h.contact, msg, botChannel); err != nil {
		t.Fatalf("HandleInboundMessage(%q): %v", text, err)
	}
}

func (h *harness) tap(t *testing.T, id, title string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"reply_id": id, "reply_title": title})
	msg := &models.Message{ContactID: h.contact.ID, Direction: models.DirectionInbound, Type: "interactive", Content: title, Payload: payload}
	if err := h.engine.HandleInboundMessage(context.Background(), h.contact, msg, botChannel); err != nil {
		t.Fatalf("HandleInboundMessage(tap %q): %v", id, err)
	}
}

func (h *harness) conversation(t *testing.T) *models.Conversation {
	t.Helper()
	var c models.Conversation
	if err := h.db.Where("contact_id = ? AND channel = ?", h.contact.ID, botChannel).First(&c).Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	return &c
}

func TestHandleInbound_IgnoresOtherChannels(t *testing.T) {
	h := newHarness(t, true)
	msg := &models.Message{ContactID: h.contact.ID, Content: "hola"}
	if err := h.engine.HandleInboundMessage(context.Background(), h.contact, msg, "marketing-line"); err != nil {
		t.Fatal(err)
	}
	if h.gw.count() != 0 {
		t.Fatalf("bot replied on a non-bot channel")
	}
	var n int64
	h.db.Model(&models.Conversation{}).Count(&n)
	if n != 0 {
		t.Fatalf("conversation created on a non-bot channel")
	}
}

func TestHandleInbound_StartsFlowWithButtons(t *testing.T) {
	h := newHarness(t, true)
	h.send(t, "buenas tardes")

	conv := h.conversation(t)
	if conv.State != "interest" {
		t.Fatalf("state=%q, want entry step", conv.State)
	}
	r := h.gw.last(t)
	if !r.interactive || len(r.buttons) != 2 || !strings.Contains(r.text, "planes") {
		t.Fatalf("unexpected first question: %+v", r)
	}

	var out models.Message
	h.db.Where("direction = ?", models.DirectionOutbound).Last(&out)
	if out.Status != models.StatusSent || out.Type != "interactive" {
		t.Fatalf("outbound record=%+v", out)
	}
	var p replyPayload
	if err := json.Unmarshal(out.Payload, &p); err != nil || len(p.Buttons) != 2 || p.Fallback {
		t.Fatalf("payload=%s err=%v", out.Payload, err)
	}
}

func TestRetries_TwoMissesHandOff(t *testing.T) {
	h := newHarness(t, true)
	h.send(t, "buenas")
	h.send(t, "quizás")

	conv := h.conversation(t)
	if conv.State != "interest" || contextInt(conv.Context, ctxRetries) != 1 {
		t.Fatalf("after one miss state=%q retries=%v", conv.State, conv.Context[ctxRetries])
	}
	if h.gw.last(t).text != msgNotUnderstood {
		t.Fatalf("expected not-understood prompt")
	}

	h.send(t, "no sé")
	conv = h.conversation(t)
	if conv.State != flows.StateHandoff {
		t.Fatalf("state=%q, want handoff", conv.State)
	}
	if conv.Context[ctxHandoffReason] != reasonRetriesExhausted {
		t.Fatalf("reason=%v", conv.Context[ctxHandoffReason])
	}
	if h.gw.last(t).text != msgHandoffAck {
		t.Fatalf("expected handoff acknowledgment")
	}
}

func TestRetries_MatchResetsCounter(t *testing.T) {
	h := newHarness(t, true)
	h.send(t, "buenas")
	h.send(t, "quizás")
	h.send(t, "sí, me interesa")

	conv := h.conversation(t)
	if conv.State != "income" || contextInt(conv.Context, ctxRetries) != 0 {
		t.Fatalf("state=%q retries=%v", conv.State, conv.Context[ctxRetries])
	}
	responses, _ := conv.Context[ctxResponses].(map[string]any)
	if responses["interest"] != "Sí, me interesa" {
		t.Fatalf("responses=%v", conv.Context[ctxResponses])
	}

	h.send(t, "mucho")
	conv = h.conversation(t)
	if conv.State != "income" || contextInt(conv.Context, ctxRetries) != 1 {
		t.Fatalf("a miss after a match should count from zero: state=%q retries=%v", conv.State, conv.Context[ctxRetries])
	}
}

func TestResetKeywordThenHandoffButton(t *testing.T) {
	h := newHarness(t, true)
	h.send(t, "buenas")
	h.send(t, "Sí, me interesa")
	if got := h.conversation(t).State; got != "income" {
		t.Fatalf("setup state=%q", got)
	}

	h.send(t, "Hola")
	conv := h.conversation(t)
	if conv.State != "interest" {
		t.Fatalf("after reset state=%q, want entry step", conv.State)
	}
	if _, ok := conv.Context[ctxResponses]; ok {
		t.Fatalf("reset should clear responses: %v", conv.Context)
	}
	if r := h.gw.last(t); !r.interactive || !strings.Contains(r.text, "planes") {
		t.Fatalf("reset should resend the first question, got %+v", r)
	}

	h.send(t, "Hablar con asesor")
	conv = h.conversation(t)
	if conv.State != flows.StateHandoff || conv.Context[ctxHandoffReason] != reasonButton {
		t.Fatalf("state=%q context=%v", conv.State, conv.Context)
	}
	if h.gw.last(t).text != msgHandoffAck {
		t.Fatalf("expected handoff acknowledgment")
	}

	before := h.gw.count()
	h.send(t, "¿sigue ahí?")
	if h.gw.count() != before {
		t.Fatalf("bot must stay silent after handoff")
	}
}

func TestHandoffKeyword_FromAnyState(t *testing.T) {
	h := newHarness(t, true)
	h.send(t, "buenas")
	h.send(t, "  AYUDA ")

	conv := h.conversation(t)
	if conv.State != flows.StateHandoff || conv.Context[ctxHandoffReason] != reasonKeyword {
		t.Fatalf("state=%q context=%v", conv.State, conv.Context)
	}
}

func TestFinished_RecordsQualification(t *testing.T) {
	tests := []struct {
		name      string
		lastID    string
		lastTitle string
		qualified bool
		reply     string
	}{
		{"employed qualifies", "employment_employee", "Empleado", true, msgQualified},
		{"unemployed does not", "employment_none", "Desempleado", false, msgNotQualified},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.send(t, "buenas")
			h.tap(t, "interest_yes", "Sí, me interesa")
			h.tap(t, "income_high", "Más de $1.000")
			h.tap(t, tc.lastID, tc.lastTitle)

			conv := h.conversation(t)
			if conv.State != flows.StateFinished {
				t.Fatalf("state=%q", conv.State)
			}
			if conv.Context[ctxQualified] != tc.qualified {
				t.Fatalf("qualified=%v, want %v", conv.Context[ctxQualified], tc.qualified)
			}
			if h.gw.last(t).text != tc.reply {
				t.Fatalf("reply=%q", h.gw.last(t).text)
			}

			before := h.gw.count()
			h.send(t, "gracias")
			if h.gw.count() != before {
				t.Fatalf("finished conversation should stay silent")
			}
		})
	}
}

func TestReply_FallsBackToNumberedText(t *testing.T) {
	h := newHarness(t, true)
	h.gw.failInteractive = true
	h.send(t, "buenas")

	r := h.gw.last(t)
	if r.interactive {
		t.Fatalf("expected a plain text retry")
	}
	if !strings.Contains(r.text, "1. Sí, me interesa") || !strings.Contains(r.text, "2. Hablar con asesor") {
		t.Fatalf("fallback text missing options: %q", r.text)
	}

	var out models.Message
	h.db.Where("direction = ?", models.DirectionOutbound).Last(&out)
	var p replyPayload
	_ = json.Unmarshal(out.Payload, &p)
	if !p.Fallback || out.Status != models.StatusSent || out.Type != "text" {
		t.Fatalf("fallback record=%+v payload=%s", out, out.Payload)
	}

	h.send(t, "1")
	if got := h.conversation(t).State; got != "income" {
		t.Fatalf("option number should select the button, state=%q", got)
	}
}

func TestReply_BothSendsFailStillRecorded(t *testing.T) {
	h := newHarness(t, true)
	h.gw.failInteractive = true
	h.gw.failText = true
	h.send(t, "buenas")

	if h.gw.count() != 2 {
		t.Fatalf("expected exactly one interactive and one text attempt, got %d", h.gw.count())
	}
	var out models.Message
	h.db.Where("direction = ?", models.DirectionOutbound).Last(&out)
	if out.Status != models.StatusSent || out.Error == "" {
		t.Fatalf("undelivered reply should still be recorded as sent with the reason: %+v", out)
	}
	if got := h.conversation(t).State; got != "interest" {
		t.Fatalf("state=%q, delivery failure must not roll back the transition", got)
	}
}

func TestNoFlow_AnswersWithApology(t *testing.T) {
	h := newHarness(t, false)
	// A stored but inactive flow keeps the default from being seeded.
	draft := &models.Flow{Name: "borrador", Steps: []models.FlowStep{
		{Position: 1, StateKey: "a", Question: "?", Buttons: []models.FlowButton{{Label: "X", NextState: flows.StateFinished}}},
	}}
	if err := repository.CreateFlow(context.Background(), h.db, draft); err != nil {
		t.Fatal(err)
	}
	h.send(t, "buenas")

	if h.gw.last(t).text != msgUnavailable {
		t.Fatalf("expected apology, got %q", h.gw.last(t).text)
	}
	if got := h.conversation(t).State; got != flows.StateStart {
		t.Fatalf("state=%q, want unchanged start", got)
	}
}

func TestHandleInbound_EmptyDatabaseSeedsOnFirstMessage(t *testing.T) {
	h := newHarness(t, false)
	h.send(t, "buenas")

	if got := h.conversation(t).State; got != "interest" {
		t.Fatalf("state=%q, want the default flow entry step", got)
	}
	if !h.gw.last(t).interactive {
		t.Fatalf("expected the first question with buttons")
	}
}

func TestHandleInbound_SerializesPerContact(t *testing.T) {
	h := newHarness(t, true)
	h.send(t, "buenas")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &models.Message{ContactID: h.contact.ID, Content: "???"}
			_ = h.engine.HandleInboundMessage(context.Background(), h.contact, msg, botChannel)
		}()
	}
	wg.Wait()

	conv := h.conversation(t)
	if conv.State != flows.StateHandoff {
		t.Fatalf("two concurrent misses should reach handoff, state=%q retries=%v", conv.State, conv.Context[ctxRetries])
	}
	if h.engine.locks.size() != 0 {
		t.Fatalf("lock table should be empty when idle")
	}
}

func TestSendText_RecordsOutbound(t *testing.T) {
	h := newHarness(t, true)
	m, err := h.engine.SendText(context.Background(), h.contact, "Hola Ana, soy Laura.")
	if err != nil {
		t.Fatal(err)
	}
	if m.ProviderMessageID == nil || m.Status != models.StatusSent {
		t.Fatalf("message=%+v", m)
	}
	if len(h.events.events) == 0 || h.events.events[len(h.events.events)-1] != "message.new" {
		t.Fatalf("events=%v", h.events.events)
	}
}

func storeFlow(t *testing.T, db *gorm.DB, steps ...models.FlowStep) {
	t.Helper()
	f := &models.Flow{Name: "editado", Active: true, Steps: steps}
	if err := repository.CreateFlow(context.Background(), db, f); err != nil {
		t.Fatalf("create flow: %v", err)
	}
}

// wireButton is a reply button as the Cloud API client serialized it.
type wireButton struct {
	ID    string
	Title string
}

func TestTap_ButtonWithoutIDThroughCloudClient(t *testing.T) {
	h := newHarness(t, false)
	storeFlow(t, h.db,
		models.FlowStep{Position: 1, StateKey: "q1", Question: "¿Qué deseas hacer?", Buttons: []models.FlowButton{
			{Label: "Quiero conocer todos los planes disponibles", NextState: "q2"},
			{Label: "Nada por ahora", NextState: flows.StateFinished},
		}},
		models.FlowStep{Position: 2, StateKey: "q2", Question: "¿Cuál te interesa?", Buttons: []models.FlowButton{
			{Label: "Básico", NextState: flows.StateFinished},
		}},
	)

	var (
		mu   sync.Mutex
		wire []wireButton
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Interactive *struct {
				Action struct {
					Buttons []struct {
						Reply struct {
							ID    string `json:"id"`
							Title string `json:"title"`
						} `json:"reply"`
					} `json:"buttons"`
				} `json:"action"`
			} `json:"interactive"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Interactive != nil {
			mu.Lock()
			wire = wire[:0]
			for _, b := range body.Interactive.Action.Buttons {
				wire = append(wire, wireButton{ID: b.Reply.ID, Title: b.Reply.Title})
			}
			mu.Unlock()
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.X"}]}`))
	}))
	t.Cleanup(srv.Close)

	client := whatsapp.NewClient(&config.Config{
		GraphAPIBase:    srv.URL,
		GraphAPIVersion: "v19.0",
		PhoneNumberID:   "PNID",
		SendTimeout:     2 * time.Second,
		SendRPS:         1000,
		SendBurst:       1000,
	}, zerolog.Nop())
	h.engine = NewEngine(h.db, flows.NewStore(h.db, time.Hour, zerolog.Nop()), client, botConfig(), nil, zerolog.Nop())

	h.send(t, "buenas")
	mu.Lock()
	offered := append([]wireButton(nil), wire...)
	mu.Unlock()
	if len(offered) != 2 || offered[0].ID == "" || offered[0].ID == offered[1].ID {
		t.Fatalf("buttons on the wire=%+v", offered)
	}
	if n := len([]rune(offered[0].Title)); n != whatsapp.MaxButtonTitle {
		t.Fatalf("title %q should be clipped to %d runes", offered[0].Title, whatsapp.MaxButtonTitle)
	}

	h.tap(t, offered[0].ID, offered[0].Title)

	conv := h.conversation(t)
	if conv.State != "q2" {
		t.Fatalf("state=%q retries=%v, tapping an offered button should advance", conv.State, conv.Context[ctxRetries])
	}
}

func TestReply_TooManyButtonsSendsNumberedList(t *testing.T) {
	h := newHarness(t, false)
	storeFlow(t, h.db, models.FlowStep{Position: 1, StateKey: "plan", Question: "¿Qué plan prefieres?", Buttons: []models.FlowButton{
		{ID: "p1", Label: "Básico", NextState: flows.StateFinished},
		{ID: "p2", Label: "Plus", NextState: flows.StateFinished},
		{ID: "p3", Label: "Premium", NextState: flows.StateFinished},
		{ID: "p4", Label: "Empresa", NextState: flows.StateHandoff},
	}})

	h.send(t, "buenas")

	r := h.gw.last(t)
	if r.interactive {
		t.Fatalf("a step with more buttons than the provider shows must not go out as interactive")
	}
	if !strings.Contains(r.text, "4. Empresa") {
		t.Fatalf("list is missing the fourth option: %q", r.text)
	}
	if h.gw.count() != 1 {
		t.Fatalf("sends=%d, want 1", h.gw.count())
	}

	h.send(t, "4")
	if got := h.conversation(t).State; got != flows.StateHandoff {
		t.Fatalf("option 4 should select the fourth button, state=%q", got)
	}
}
