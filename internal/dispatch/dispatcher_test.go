package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"whatsapp-crm/internal/config"
	"whatsapp-crm/internal/models"
	"whatsapp-crm/internal/repository"
	"whatsapp-crm/internal/testutil"
	"whatsapp-crm/internal/whatsapp"
)

type sendCall struct {
	to   string
	text string
	tmpl *whatsapp.Template
}

// scriptedGateway answers per recipient: each queued Result is used once,
// then sends succeed.
type scriptedGateway struct {
	mu     sync.Mutex
	script map[string][]whatsapp.Result
	panics map[string]int
	calls  []sendCall
	seq    int
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{script: map[string][]whatsapp.Result{}, panics: map[string]int{}}
}

func (g *scriptedGateway) failNext(to string, results ...whatsapp.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script[to] = append(g.script[to], results...)
}

func (g *scriptedGateway) Send(_ context.Context, to, text string, tmpl *whatsapp.Template) whatsapp.Result {
	g.mu.Lock()
	g.calls = append(g.calls, sendCall{to: to, text: text, tmpl: tmpl})
	if g.panics[to] > 0 {
		g.panics[to]--
		g.mu.Unlock()
		panic("gateway exploded")
	}
	defer g.mu.Unlock()
	if q := g.script[to]; len(q) > 0 {
		g.script[to] = q[1:]
		return q[0]
	}
	g.seq++
	return whatsapp.Result{OK: true, ProviderMessageID: fmt.Sprintf("wamid.out%d", g.seq)}
}

func (g *scriptedGateway) SendInteractive(ctx context.Context, to, text string, _ []whatsapp.Button) whatsapp.Result {
	return g.Send(ctx, to, text, nil)
}

func (g *scriptedGateway) callsTo(to string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.to == to {
			n++
		}
	}
	return n
}

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		Workers:        2,
		QueueSize:      16,
		MaxAttempts:    3,
		AttemptTimeout: 5 * time.Second,
		RetryBackoff:   time.Millisecond,
	}
}

func startDispatcher(t *testing.T, db *gorm.DB, gw whatsapp.Gateway) *Dispatcher {
	t.Helper()
	d := New(db, gw, testConfig(), nil, zerolog.Nop())
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.WaitIdle(ctx); err != nil {
		t.Fatalf("dispatcher never went idle: %v", err)
	}
}

func campaignMessages(t *testing.T, db *gorm.DB, campaignID uint) []models.Message {
	t.Helper()
	var msgs []models.Message
	if err := db.Where("campaign_id = ?", campaignID).Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("messages: %v", err)
	}
	return msgs
}

func TestCampaign_FailSecondThenRetry(t *testing.T) {
	db := testutil.NewDB(t)
	gw := newScriptedGateway()
	gw.failNext("+573000000002", whatsapp.Result{Reason: "(#131026) undeliverable", StatusCode: 400})
	d := startDispatcher(t, db, gw)
	ctx := context.Background()

	camp, err := d.CreateCampaign(ctx, CampaignRequest{
		Name:     "octubre",
		Text:     "Hola, tenemos planes nuevos",
		Contacts: []string{"+57 300 000 0001", "573000000002", "(57) 300-000-0003"},
	})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	waitIdle(t, d)

	got, _ := repository.GetCampaign(ctx, db, camp.ID)
	if got.TotalContacts != 3 || got.SentCount != 2 || got.FailedCount != 1 || got.PendingCount != 0 {
		t.Fatalf("counters=%d/%d/%d/%d", got.TotalContacts, got.SentCount, got.FailedCount, got.PendingCount)
	}
	if got.Status != models.CampaignProcessing {
		t.Fatalf("status=%q, want processing", got.Status)
	}
	if gw.callsTo("+573000000002") != 1 {
		t.Fatalf("permanent failure must not be retried automatically")
	}

	msgs := campaignMessages(t, db, camp.ID)
	failed := msgs[1]
	if failed.Status != models.StatusFailed || failed.Error == "" {
		t.Fatalf("second message=%+v", failed)
	}
	for _, i := range []int{0, 2} {
		if msgs[i].Status != models.StatusSent || msgs[i].ProviderMessageID == nil || msgs[i].SentAt == nil {
			t.Fatalf("message %d=%+v", i, msgs[i])
		}
	}

	camp, reset, err := d.RetryFailed(ctx, camp.ID)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if reset != 1 {
		t.Fatalf("reset=%d, want 1", reset)
	}
	waitIdle(t, d)

	got, _ = repository.GetCampaign(ctx, db, camp.ID)
	if got.SentCount != 3 || got.FailedCount != 0 || got.Status != models.CampaignCompleted {
		t.Fatalf("after retry=%+v", got)
	}
	retried, _ := repository.GetMessage(ctx, db, failed.ID)
	if retried.Status != models.StatusSent || retried.Attempts != 1 || retried.Error != "" {
		t.Fatalf("retried message=%+v", retried)
	}
}

func TestTransientFailures_BoundedAttempts(t *testing.T) {
	db := testutil.NewDB(t)
	gw := newScriptedGateway()
	down := whatsapp.Result{Reason: "timeout", Transient: true}
	gw.failNext("+573000000009", down, down, down, down)
	d := startDispatcher(t, db, gw)
	ctx := context.Background()

	camp, err := d.CreateCampaign(ctx, CampaignRequest{Name: "x", Text: "hola", Contacts: []string{"573000000009"}})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	waitIdle(t, d)

	msgs := campaignMessages(t, db, camp.ID)
	if msgs[0].Status != models.StatusFailed || msgs[0].Attempts != 3 {
		t.Fatalf("message=%+v", msgs[0])
	}
	if n := gw.callsTo("+573000000009"); n != 3 {
		t.Fatalf("provider calls=%d, want 3", n)
	}
	got, _ := repository.GetCampaign(ctx, db, camp.ID)
	if got.Status != models.CampaignFailed {
		t.Fatalf("status=%q, want failed", got.Status)
	}
}

func TestTransientFailure_RecoversOnRetry(t *testing.T) {
	db := testutil.NewDB(t)
	gw := newScriptedGateway()
	gw.failNext("+573000000005", whatsapp.Result{Reason: "503 Service Unavailable", StatusCode: 503, Transient: true})
	d := startDispatcher(t, db, gw)
	ctx := context.Background()

	camp, err := d.CreateCampaign(ctx, CampaignRequest{Name: "x", Text: "hola", Contacts: []string{"573000000005"}})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	waitIdle(t, d)

	msgs := campaignMessages(t, db, camp.ID)
	if msgs[0].Status != models.StatusSent || msgs[0].Attempts != 2 || msgs[0].Error != "" {
		t.Fatalf("message=%+v", msgs[0])
	}
}

func TestPanicCountsAsFailedAttempt(t *testing.T) {
	db := testutil.NewDB(t)
	gw := newScriptedGateway()
	gw.panics["+573000000007"] = 1
	d := startDispatcher(t, db, gw)
	ctx := context.Background()

	camp, err := d.CreateCampaign(ctx, CampaignRequest{Name: "x", Text: "hola", Contacts: []string{"573000000007"}})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	waitIdle(t, d)

	msgs := campaignMessages(t, db, camp.ID)
	if msgs[0].Status != models.StatusSent || msgs[0].Attempts != 2 {
		t.Fatalf("message=%+v", msgs[0])
	}
}

func TestTemplateCampaign(t *testing.T) {
	db := testutil.NewDB(t)
	gw := newScriptedGateway()
	d := startDispatcher(t, db, gw)

	_, err := d.CreateCampaign(context.Background(), CampaignRequest{
		Name:           "promo",
		TemplateName:   "promo_octubre",
		TemplateParams: []string{"Ana", ""},
		Contacts:       []string{"573000000001"},
	})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	waitIdle(t, d)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.calls) != 1 || gw.calls[0].tmpl == nil {
		t.Fatalf("calls=%+v", gw.calls)
	}
	tmpl := gw.calls[0].tmpl
	if tmpl.Name != "promo_octubre" || tmpl.Language != "es" || len(tmpl.Params) != 2 {
		t.Fatalf("template=%+v", tmpl)
	}
}

func TestCreateCampaign_Invalid(t *testing.T) {
	db := testutil.NewDB(t)
	d := New(db, newScriptedGateway(), testConfig(), nil, zerolog.Nop())

	tests := []struct {
		name string
		req  CampaignRequest
	}{
		{"no name", CampaignRequest{Text: "hola", Contacts: []string{"5730001"}}},
		{"no content", CampaignRequest{Name: "x", Contacts: []string{"5730001"}}},
		{"no contacts", CampaignRequest{Name: "x", Text: "hola"}},
		{"identity without digits", CampaignRequest{Name: "x", Text: "hola", Contacts: []string{"abc"}}},
		{"unknown contact id", CampaignRequest{Name: "x", Text: "hola", ContactIDs: []uint{999}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := d.CreateCampaign(context.Background(), tc.req); !errors.Is(err, ErrInvalidCampaign) {
				t.Fatalf("err=%v, want ErrInvalidCampaign", err)
			}
		})
	}
	var count int64
	db.Model(&models.Campaign{}).Count(&count)
	if count != 0 {
		t.Fatalf("campaigns=%d, want 0", count)
	}
}

func TestCreateCampaign_DeduplicatesRecipients(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	d := New(db, newScriptedGateway(), testConfig(), nil, zerolog.Nop())

	c, _ := repository.UpsertContact(ctx, db, "573000000001", "Ana")
	camp, err := d.CreateCampaign(ctx, CampaignRequest{
		Name:       "x",
		Text:       "hola",
		Contacts:   []string{"+57 300 000 0001", "573000000001"},
		ContactIDs: []uint{c.ID},
	})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if camp.TotalContacts != 1 || camp.PendingCount != 1 || camp.Status != models.CampaignPending {
		t.Fatalf("campaign=%+v", camp)
	}
}

func TestEnqueue_SingleInFlight(t *testing.T) {
	db := testutil.NewDB(t)
	d := New(db, newScriptedGateway(), testConfig(), nil, zerolog.Nop())

	if !d.Enqueue(42) {
		t.Fatalf("first enqueue should be accepted")
	}
	if d.Enqueue(42) {
		t.Fatalf("second enqueue of an in-flight message should be rejected")
	}
	if d.Outstanding() != 1 {
		t.Fatalf("outstanding=%d, want 1", d.Outstanding())
	}

	d.Stop()
	if d.Enqueue(43) {
		t.Fatalf("enqueue after Stop should be rejected")
	}
}

func TestSweep_RequeuesStalePending(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	d := New(db, newScriptedGateway(), testConfig(), nil, zerolog.Nop())

	a, _ := repository.UpsertContact(ctx, db, "573000000001", "")
	b, _ := repository.UpsertContact(ctx, db, "573000000002", "")
	if _, err := repository.CreateCampaign(ctx, db, &models.Campaign{Name: "x", Text: "hola"}, []uint{a.ID, b.ID}); err != nil {
		t.Fatalf("campaign: %v", err)
	}

	if n, _ := d.Sweep(ctx); n != 0 {
		t.Fatalf("fresh messages should not be swept, got %d", n)
	}

	d.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := d.Sweep(ctx)
	if err != nil || n != 2 {
		t.Fatalf("sweep=%d err=%v, want 2", n, err)
	}
	if n, _ := d.Sweep(ctx); n != 0 {
		t.Fatalf("in-flight messages re-queued: %d", n)
	}
}

// gatedGateway holds every send until open is closed.
type gatedGateway struct {
	open chan struct{}
	mu   sync.Mutex
	seq  int
}

func (g *gatedGateway) Send(ctx context.Context, _, _ string, _ *whatsapp.Template) whatsapp.Result {
	select {
	case <-g.open:
	case <-ctx.Done():
		return whatsapp.Result{Reason: "timeout", Transient: true}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return whatsapp.Result{OK: true, ProviderMessageID: fmt.Sprintf("wamid.gated%d", g.seq)}
}

func (g *gatedGateway) SendInteractive(ctx context.Context, to, text string, _ []whatsapp.Button) whatsapp.Result {
	return g.Send(ctx, to, text, nil)
}

func TestCreateCampaign_LargerThanQueueDoesNotBlock(t *testing.T) {
	db := testutil.NewDB(t)
	gw := &gatedGateway{open: make(chan struct{})}
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 2
	d := New(db, gw, cfg, nil, zerolog.Nop())
	// Every stored message already counts as stale for Sweep.
	d.now = func() time.Time { return time.Now().Add(time.Hour) }
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	contacts := make([]string, 10)
	for i := range contacts {
		contacts[i] = fmt.Sprintf("5730000001%02d", i)
	}

	type result struct {
		camp *models.Campaign
		err  error
	}
	done := make(chan result, 1)
	go func() {
		camp, err := d.CreateCampaign(context.Background(), CampaignRequest{Name: "grande", Text: "hola", Contacts: contacts})
		done <- result{camp, err}
	}()

	var camp *models.Campaign
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("CreateCampaign: %v", r.err)
		}
		camp = r.camp
	case <-time.After(2 * time.Second):
		close(gw.open)
		t.Fatalf("CreateCampaign blocked on a full queue")
	}
	if camp.TotalContacts != 10 || camp.PendingCount != 10 {
		t.Fatalf("campaign=%+v", camp)
	}
	if got := d.Outstanding(); got > cfg.Workers+cfg.QueueSize {
		t.Fatalf("outstanding=%d, more than the pool can hold", got)
	}

	close(gw.open)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		waitIdle(t, d)
		got, _ := repository.GetCampaign(ctx, db, camp.ID)
		if got.PendingCount == 0 {
			break
		}
		if _, err := d.Sweep(ctx); err != nil {
			t.Fatalf("sweep: %v", err)
		}
	}
	got, _ := repository.GetCampaign(ctx, db, camp.ID)
	if got.SentCount != 10 || got.Status != models.CampaignCompleted {
		t.Fatalf("after sweeping counters=%d/%d/%d status=%q", got.SentCount, got.FailedCount, got.PendingCount, got.Status)
	}
}
