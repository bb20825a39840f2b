package flows

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"whatsapp-crm/internal/metrics"
	"whatsapp-crm/internal/repository"
)

type snapshot struct {
	flow     *Flow
	gen      uint64
	loadedAt time.Time
}

// Store serves the compiled active flow from an immutable snapshot. Reads
// are lock-free; a snapshot is replaced when its TTL expires or after
// Invalidate.
type Store struct {
	db  *gorm.DB
	ttl time.Duration
	log zerolog.Logger
	now func() time.Time

	snap    atomic.Pointer[snapshot]
	gen     atomic.Uint64
	version atomic.Uint64
	group   singleflight.Group
}

// NewStore returns a store reading from db. A ttl <= 0 disables expiry.
func NewStore(db *gorm.DB, ttl time.Duration, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		ttl: ttl,
		log: log.With().Str("component", "flows").Logger(),
		now: time.Now,
	}
}

// Seed stores DefaultFlow when no flow exists yet. Active does the same on
// first access; calling Seed at startup only makes it eager.
func (s *Store) Seed(ctx context.Context) error {
	seeded, err := repository.SeedFlowIfEmpty(ctx, s.db, DefaultFlow())
	if err != nil {
		return fmt.Errorf("seed default flow: %w", err)
	}
	if seeded {
		s.log.Info().Msg("default flow seeded")
		s.Invalidate()
	}
	return nil
}

// Active returns the compiled active flow. Any storage failure or invalid
// definition is logged and surfaces as ErrNoFlow.
func (s *Store) Active(ctx context.Context) (*Flow, error) {
	gen := s.gen.Load()
	if cur := s.snap.Load(); cur != nil && cur.gen == gen && s.fresh(cur) {
		return cur.flow, nil
	}

	v, err, _ := s.group.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		return s.load(context.WithoutCancel(ctx), gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Flow), nil
}

// Invalidate drops the current snapshot. A load already in flight is not
// served as current once it completes.
func (s *Store) Invalidate() {
	s.gen.Add(1)
}

func (s *Store) fresh(cur *snapshot) bool {
	return s.ttl <= 0 || s.now().Sub(cur.loadedAt) < s.ttl
}

func (s *Store) load(ctx context.Context, gen uint64) (*Flow, error) {
	m, err := repository.ActiveFlow(ctx, s.db)
	if errors.Is(err, repository.ErrNotFound) {
		// First access on an empty database seeds the default flow.
		seeded, serr := repository.SeedFlowIfEmpty(ctx, s.db, DefaultFlow())
		if serr != nil {
			s.log.Error().Err(serr).Msg("seed default flow")
		} else if seeded {
			s.log.Info().Msg("default flow seeded")
			m, err = repository.ActiveFlow(ctx, s.db)
		}
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metrics.FlowLoads.WithLabelValues("missing").Inc()
			s.log.Warn().Msg("no active flow stored")
			return nil, ErrNoFlow
		}
		metrics.FlowLoads.WithLabelValues("error").Inc()
		s.log.Error().Err(err).Msg("load active flow")
		return nil, fmt.Errorf("%w: %w", ErrNoFlow, err)
	}

	f, err := Compile(m)
	if err != nil {
		metrics.FlowLoads.WithLabelValues("invalid").Inc()
		s.log.Error().Err(err).Uint("flow_id", m.ID).Msg("active flow rejected")
		return nil, fmt.Errorf("%w: %w", ErrNoFlow, err)
	}
	f.Version = s.version.Add(1)
	metrics.FlowLoads.WithLabelValues("ok").Inc()

	next := &snapshot{flow: f, gen: gen, loadedAt: s.now()}
	for {
		cur := s.snap.Load()
		if cur != nil && cur.gen > gen {
			break
		}
		if s.snap.CompareAndSwap(cur, next) {
			break
		}
	}
	s.log.Debug().Uint("flow_id", f.ID).Uint64("version", f.Version).Msg("flow snapshot loaded")
	return f, nil
}
