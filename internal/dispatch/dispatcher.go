// Package dispatch sends campaign messages through a bounded worker pool
// with per-message attempt accounting and a cron-driven pending sweeper.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"whatsapp-crm/internal/config"
	"whatsapp-crm/internal/metrics"
	"whatsapp-crm/internal/models"
	"whatsapp-crm/internal/repository"
	"whatsapp-crm/internal/whatsapp"
)

const (
	sweepBatch      = 500
	minRequeueDelay = 100 * time.Millisecond
)

// Publisher receives live events for dashboards.
type Publisher interface {
	Publish(eventType string, data any)
}

type Dispatcher struct {
	db      *gorm.DB
	gateway whatsapp.Gateway
	cfg     config.DispatchConfig
	events  Publisher
	log     zerolog.Logger
	now     func() time.Time

	queue chan uint
	quit  chan struct{}

	// sendMu guards closed and every send on queue.
	sendMu sync.RWMutex
	closed bool

	mu       sync.Mutex
	inflight map[uint]struct{}

	workers  sync.WaitGroup
	stopOnce sync.Once
}

// New builds a dispatcher. Call Start before enqueueing. events may be nil.
func New(db *gorm.DB, gw whatsapp.Gateway, cfg config.DispatchConfig, events Publisher, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		db:       db,
		gateway:  gw,
		cfg:      cfg,
		events:   events,
		log:      log.With().Str("component", "dispatch").Logger(),
		now:      time.Now,
		queue:    make(chan uint, cfg.QueueSize),
		quit:     make(chan struct{}),
		inflight: make(map[uint]struct{}),
	}
}

// Start launches the workers and, when a sweep schedule is configured, the
// pending sweeper. The sweeper stops with ctx or Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.workers.Add(1)
		go d.worker()
	}
	if d.cfg.SweepCron != "" {
		go d.sweepLoop(ctx)
	}
	d.log.Info().Int("workers", d.cfg.Workers).Str("sweep", d.cfg.SweepCron).Msg("dispatcher started")
}

// Stop closes the queue and waits for running sends. Queued messages that
// have not started stay pending for the next sweep.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.sendMu.Lock()
		d.closed = true
		close(d.queue)
		d.sendMu.Unlock()
		d.workers.Wait()
		d.log.Info().Msg("dispatcher stopped")
	})
}

// Enqueue schedules a message without blocking. It reports false when the
// message is already queued, running or waiting for a retry, when the queue
// is full, or when the dispatcher is stopped.
func (d *Dispatcher) Enqueue(messageID uint) bool {
	d.mu.Lock()
	if _, busy := d.inflight[messageID]; busy {
		d.mu.Unlock()
		return false
	}
	d.inflight[messageID] = struct{}{}
	d.mu.Unlock()

	if err := d.push(messageID); err != nil {
		d.release(messageID)
		return false
	}
	return true
}

// push hands an id that already holds its in-flight slot to the workers
// without blocking. A full queue leaves the message pending for the sweeper.
func (d *Dispatcher) push(messageID uint) error {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		return ErrStopped
	}
	select {
	case d.queue <- messageID:
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		return errQueueFull
	}
}

func (d *Dispatcher) release(messageID uint) {
	d.mu.Lock()
	delete(d.inflight, messageID)
	d.mu.Unlock()
}

// Outstanding counts messages queued, running or waiting for a retry.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// WaitIdle blocks until nothing is outstanding or ctx is done.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for d.Outstanding() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (d *Dispatcher) stopping() bool {
	select {
	case <-d.quit:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.workers.Done()
	for id := range d.queue {
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		if d.stopping() {
			d.release(id)
			continue
		}
		d.process(id)
	}
}

// process runs one attempt and decides between done, retry and give up.
func (d *Dispatcher) process(id uint) {
	attempt, err := d.attempt(id)
	lg := d.log.With().Uint("message_id", id).Int("attempt", attempt).Logger()

	switch {
	case err == nil:
		metrics.DispatchAttempts.WithLabelValues("sent").Inc()
		d.release(id)
	case errors.Is(err, errSkip):
		metrics.DispatchAttempts.WithLabelValues("skipped").Inc()
		lg.Debug().Err(err).Msg("dispatch skipped")
		d.release(id)
	case errors.Is(err, ErrTransient) && attempt < d.cfg.MaxAttempts:
		metrics.DispatchAttempts.WithLabelValues("retry").Inc()
		delay := time.Duration(attempt) * d.cfg.RetryBackoff
		lg.Warn().Err(err).Dur("backoff", delay).Msg("send failed, retrying")
		d.retryAfter(id, delay)
	default:
		metrics.DispatchAttempts.WithLabelValues("failed").Inc()
		lg.Error().Err(err).Msg("send failed")
		d.release(id)
	}
}

// retryAfter re-queues from a timer goroutine so a worker never blocks on
// its own queue. A full queue pushes the retry back again.
func (d *Dispatcher) retryAfter(id uint, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if d.stopping() {
			d.release(id)
			return
		}
		err := d.push(id)
		switch {
		case err == nil:
		case errors.Is(err, errQueueFull):
			d.retryAfter(id, max(delay, minRequeueDelay))
		default:
			d.release(id)
		}
	})
}

// attempt performs one send. Panics become a recorded failure and a
// transient error so the attempt still counts.
func (d *Dispatcher) attempt(id uint) (n int, err error) {
	ctx := context.Background()
	var campaignID *uint

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		reason := fmt.Sprintf("panic: %v", rec)
		if ferr := repository.MarkMessageFailed(ctx, d.db, id, reason); ferr != nil {
			d.log.Error().Err(ferr).Uint("message_id", id).Msg("record panic failure")
		}
		d.refreshCampaign(ctx, campaignID)
		err = fmt.Errorf("%w: %s", ErrTransient, reason)
	}()

	msg, err := repository.GetMessage(ctx, d.db, id)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, fmt.Errorf("%w: message %d not found", errSkip, id)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: load message %d: %w", ErrTransient, id, err)
	}
	campaignID = msg.CampaignID
	switch msg.Status {
	case models.StatusPending, models.StatusFailed:
	default:
		return msg.Attempts, fmt.Errorf("%w: message %d already %s", errSkip, id, msg.Status)
	}

	n, err = repository.IncrementAttempts(ctx, d.db, id)
	if err != nil {
		return msg.Attempts, fmt.Errorf("%w: count attempt: %w", ErrTransient, err)
	}
	if n > d.cfg.MaxAttempts {
		return n, d.fail(ctx, msg, "attempts exhausted", ErrPermanent)
	}

	contact, err := repository.GetContact(ctx, d.db, msg.ContactID)
	if err != nil {
		return n, d.fail(ctx, msg, "contact not found", ErrPermanent)
	}

	text, tmpl, err := d.content(ctx, msg)
	if err != nil {
		return n, d.fail(ctx, msg, err.Error(), ErrPermanent)
	}

	res := d.send(ctx, msg.ID, n, contact.Identity, text, tmpl)

	if !res.OK {
		kind := ErrPermanent
		if res.Transient {
			kind = ErrTransient
		}
		return n, d.fail(ctx, msg, res.Reason, kind)
	}

	if err := repository.MarkMessageSent(ctx, d.db, id, res.ProviderMessageID, d.now()); err != nil {
		return n, fmt.Errorf("%w: record sent: %w", ErrPermanent, err)
	}
	d.publish("message.status", map[string]any{"id": id, "contact_id": msg.ContactID, "status": models.StatusSent})
	d.refreshCampaign(ctx, msg.CampaignID)
	return n, nil
}

func (d *Dispatcher) send(ctx context.Context, id uint, attempt int, to, text string, tmpl *whatsapp.Template) whatsapp.Result {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch.attempt",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.Int64("message.id", int64(id)),
			attribute.Int("message.attempt", attempt),
			attribute.Bool("message.template", tmpl != nil),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	start := time.Now()
	defer func() { metrics.DispatchSendLatency.Observe(time.Since(start).Seconds()) }()

	res := d.gateway.Send(ctx, to, text, tmpl)
	if !res.OK {
		span.SetStatus(codes.Error, res.Reason)
		span.SetAttributes(attribute.Bool("dispatch.transient", res.Transient))
	}
	return res
}

// content picks the template for template campaigns and free text otherwise.
func (d *Dispatcher) content(ctx context.Context, msg *models.Message) (string, *whatsapp.Template, error) {
	if msg.CampaignID == nil {
		return msg.Content, nil, nil
	}
	camp, err := repository.GetCampaign(ctx, d.db, *msg.CampaignID)
	if err != nil {
		return "", nil, fmt.Errorf("campaign %d not found", *msg.CampaignID)
	}
	if camp.UsesTemplate() {
		return "", &whatsapp.Template{
			Name:     camp.TemplateName,
			Language: camp.TemplateLanguage,
			Params:   []string(camp.TemplateParams),
		}, nil
	}
	return camp.Text, nil, nil
}

func (d *Dispatcher) fail(ctx context.Context, msg *models.Message, reason string, kind error) error {
	if err := repository.MarkMessageFailed(ctx, d.db, msg.ID, reason); err != nil {
		d.log.Error().Err(err).Uint("message_id", msg.ID).Msg("record failure")
	}
	d.publish("message.status", map[string]any{"id": msg.ID, "contact_id": msg.ContactID, "status": models.StatusFailed})
	d.refreshCampaign(ctx, msg.CampaignID)
	return fmt.Errorf("%w: %s", kind, reason)
}

func (d *Dispatcher) refreshCampaign(ctx context.Context, campaignID *uint) {
	if campaignID == nil {
		return
	}
	camp, err := repository.RecomputeCampaignCounters(ctx, d.db, *campaignID)
	if err != nil {
		d.log.Error().Err(err).Uint("campaign_id", *campaignID).Msg("recompute counters")
		return
	}
	d.publish("campaign.progress", camp)
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.events != nil {
		d.events.Publish(eventType, data)
	}
}

// Sweep re-enqueues campaign messages left pending for longer than one
// attempt timeout, e.g. after a restart. It returns how many were queued.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	ids, err := repository.PendingCampaignMessageIDs(ctx, d.db, d.now().Add(-d.cfg.AttemptTimeout), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	queued := 0
	for _, id := range ids {
		if d.Enqueue(id) {
			queued++
		}
	}
	if queued > 0 {
		d.log.Info().Int("queued", queued).Msg("sweep re-enqueued pending messages")
	}
	return queued, nil
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(d.cfg.SweepCron, d.now(), false)
		if err != nil {
			d.log.Error().Err(err).Str("cron", d.cfg.SweepCron).Msg("sweeper disabled")
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.quit:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := d.Sweep(ctx); err != nil {
				d.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
