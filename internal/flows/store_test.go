package flows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-crm/internal/models"
	"whatsapp-crm/internal/repository"
	"whatsapp-crm/internal/testutil"
)

func TestStore_SeedAndCache(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	s := NewStore(db, time.Hour, zerolog.Nop())

	if err := s.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	f1, err := s.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	f2, _ := s.Active(ctx)
	if f1 != f2 {
		t.Fatalf("second read should hit the snapshot")
	}

	// Edits are not visible until the cache is invalidated.
	if err := repository.RenameFlow(ctx, db, f1.ID, "renamed"); err != nil {
		t.Fatal(err)
	}
	if f, _ := s.Active(ctx); f.Name == "renamed" {
		t.Fatalf("rename visible before invalidation")
	}
	s.Invalidate()
	f3, err := s.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f3.Name != "renamed" || f3.Version <= f1.Version {
		t.Fatalf("after invalidate name=%q version=%d (was %d)", f3.Name, f3.Version, f1.Version)
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	s := NewStore(db, time.Minute, zerolog.Nop())
	now := time.Now()
	s.now = func() time.Time { return now }
	_ = s.Seed(ctx)

	f1, _ := s.Active(ctx)
	now = now.Add(2 * time.Minute)
	f2, _ := s.Active(ctx)
	if f1 == f2 {
		t.Fatalf("expired snapshot should be reloaded")
	}
}

func TestStore_InvalidFlowIsAbsent(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	broken := &models.Flow{Name: "broken", Active: true, Steps: []models.FlowStep{
		{Position: 1, StateKey: "a", Question: "?", Buttons: []models.FlowButton{{ID: "x", Label: "X", NextState: "nowhere"}}},
	}}
	if err := repository.CreateFlow(ctx, db, broken); err != nil {
		t.Fatal(err)
	}

	s := NewStore(db, 0, zerolog.Nop())
	_, err := s.Active(ctx)
	if !errors.Is(err, ErrNoFlow) || !errors.Is(err, ErrInvalidFlow) {
		t.Fatalf("err=%v, want ErrNoFlow wrapping ErrInvalidFlow", err)
	}
}

func TestStore_ConcurrentReaders(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	s := NewStore(db, time.Hour, zerolog.Nop())
	_ = s.Seed(ctx)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Active(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Active: %v", err)
	}
}

func TestStore_SeedsOnFirstAccessOnce(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()

	// Two stores stand in for two replicas sharing one database.
	stores := []*Store{NewStore(db, time.Hour, zerolog.Nop()), NewStore(db, time.Hour, zerolog.Nop())}
	var wg sync.WaitGroup
	errs := make([]error, len(stores))
	for i, s := range stores {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Active(ctx)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	var n int64
	db.Model(&models.Flow{}).Count(&n)
	if n != 1 {
		t.Fatalf("flows=%d, want exactly one seeded", n)
	}
	f, _ := stores[0].Active(ctx)
	if f.Name != DefaultFlow().Name || f.Entry != "interest" {
		t.Fatalf("seeded flow=%q entry=%q", f.Name, f.Entry)
	}
}

func TestStore_NoActiveFlowIsAbsent(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	draft := &models.Flow{Name: "draft", Steps: []models.FlowStep{
		{Position: 1, StateKey: "a", Question: "?", Buttons: []models.FlowButton{{ID: "x", Label: "X", NextState: StateFinished}}},
	}}
	if err := repository.CreateFlow(ctx, db, draft); err != nil {
		t.Fatal(err)
	}

	s := NewStore(db, 0, zerolog.Nop())
	if _, err := s.Active(ctx); !errors.Is(err, ErrNoFlow) {
		t.Fatalf("err=%v, want ErrNoFlow", err)
	}
	var n int64
	db.Model(&models.Flow{}).Count(&n)
	if n != 1 {
		t.Fatalf("a stored draft must not trigger seeding, flows=%d", n)
	}
}
