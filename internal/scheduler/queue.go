// Package scheduler is the durable delivery queue. Alert events live in the
// store; the scheduler claims due PENDING events, runs one dispatch round per
// claim and either settles them or puts them back with a backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/metrics"
	"github.com/hamed0406/safealert/internal/notify"
	"github.com/hamed0406/safealert/internal/repo"
)

type Config struct {
	Workers int
	// FanOut is how many reachable contacts one round tries. The first
	// success delivers the alert; the rest of the slots are still used.
	FanOut        int
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	PollInterval  time.Duration
	Retention     time.Duration
	PurgeInterval time.Duration
	// Now is the clock. Nil means time.Now in UTC.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		FanOut:        1,
		MaxAttempts:   8,
		BaseDelay:     5 * time.Second,
		MaxDelay:      10 * time.Minute,
		PollInterval:  2 * time.Second,
		Retention:     30 * 24 * time.Hour,
		PurgeInterval: time.Hour,
	}
}

// Sender delivers one alert to one contact. notify.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, c domain.TrustedContact, a domain.AlertEvent) domain.DeliveryAttempt
}

// Contacts resolves recipient IDs. vault.Vault implements it.
type Contacts interface {
	Get(ctx context.Context, id string) (*domain.TrustedContact, error)
}

type Scheduler struct {
	log      *zap.Logger
	store    repo.AlertStore
	contacts Contacts
	sender   Sender
	owner    notify.Notifier
	m        *metrics.Metrics
	cfg      Config

	wake chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(log *zap.Logger, store repo.AlertStore, contacts Contacts, sender Sender, owner notify.Notifier, m *metrics.Metrics, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.FanOut < 1 {
		cfg.FanOut = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	if owner == nil {
		owner = notify.Log{L: log}
	}
	return &Scheduler{
		log:      log,
		store:    store,
		contacts: contacts,
		sender:   sender,
		owner:    owner,
		m:        m,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
	}
}

// Wake asks the loop for an immediate pass, e.g. right after an insert.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recover moves events orphaned in DISPATCHING by a previous process back to
// PENDING. Call it before Run starts dispatching.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	evs, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	now := s.cfg.Now()
	for _, ev := range evs {
		if ev.State != domain.StateDispatching {
			continue
		}
		_, err := s.store.UpdateState(ctx, ev.ID, domain.StatePending, domain.StateDispatching,
			repo.At(now),
			func(a *domain.AlertEvent) { a.NextAttemptAt = now })
		if err != nil {
			s.log.Warn("recover_requeue_error", zap.String("alert_id", ev.ID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("recovered_orphaned_alerts", zap.Int("count", n))
	}
	return n, nil
}

// Run recovers, then dispatches due events until ctx is cancelled: an
// immediate pass, then one per tick or wake-up. A purge loop removes old
// terminal events when Retention is set.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil {
		s.log.Error("recover_error", zap.Error(err))
	}

	workers, wctx := errgroup.WithContext(ctx)
	workers.SetLimit(s.cfg.Workers)

	var bg errgroup.Group
	if s.cfg.Retention > 0 {
		bg.Go(func() error { s.purgeLoop(ctx); return nil })
	}

	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()

	s.pass(wctx, workers)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler_stopped")
			_ = workers.Wait()
			_ = bg.Wait()
			return ctx.Err()
		case <-t.C:
		case <-s.wake:
		}
		s.pass(wctx, workers)
	}
}

// RunOnce claims and dispatches every due event and waits for the rounds to
// finish. It returns how many rounds ran.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	n := s.pass(ctx, &g)
	_ = g.Wait()
	return n
}

func (s *Scheduler) pass(ctx context.Context, g *errgroup.Group) int {
	evs, err := s.store.ListPending(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("list_pending_error", zap.Error(err))
		}
		return 0
	}
	now := s.cfg.Now()
	n := 0
	for _, ev := range evs {
		if ev.State != domain.StatePending || ev.NextAttemptAt.After(now) {
			continue
		}
		if !s.markInflight(ev.ID) {
			continue
		}
		if ctx.Err() != nil {
			s.clearInflight(ev.ID)
			break
		}
		id := ev.ID
		n++
		g.Go(func() error {
			defer s.clearInflight(id)
			s.process(ctx, id)
			return nil
		})
	}
	return n
}

func (s *Scheduler) markInflight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	s.m.SchedulerInflight.Inc()
	return true
}

func (s *Scheduler) clearInflight(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
	s.m.SchedulerInflight.Dec()
}

// Cancel moves PENDING and DISPATCHING events of the given causes (all causes
// when none are given) to CANCELLED. A worker mid-round sees the change before
// its next attempt.
func (s *Scheduler) Cancel(ctx context.Context, causes ...domain.Cause) (int, error) {
	evs, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	now := s.cfg.Now()
	for _, ev := range evs {
		if len(causes) > 0 && !slices.Contains(causes, ev.Cause) {
			continue
		}
		ok, err := s.cancelOne(ctx, ev, now)
		if err != nil {
			s.log.Warn("alert_cancel_error", zap.String("alert_id", ev.ID), zap.Error(err))
			continue
		}
		if ok {
			n++
			s.m.Terminal(string(domain.StateCancelled))
			s.log.Info("alert_cancelled", zap.String("alert_id", ev.ID), zap.String("cause", string(ev.Cause)))
		}
	}
	return n, nil
}

// cancelOne retries once when a worker moved the event between our read and
// the update. An event that became terminal meanwhile is left alone.
func (s *Scheduler) cancelOne(ctx context.Context, ev *domain.AlertEvent, now time.Time) (bool, error) {
	expected := ev.State
	for try := 0; try < 2; try++ {
		_, err := s.store.UpdateState(ctx, ev.ID, domain.StateCancelled, expected, repo.At(now))
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return false, err
		}
		cur, err := s.store.Get(ctx, ev.ID)
		if err != nil {
			return false, err
		}
		if cur.State.Terminal() {
			return false, nil
		}
		expected = cur.State
	}
	return false, fmt.Errorf("%w: cancel %s kept conflicting", repo.ErrConflict, ev.ID)
}

func (s *Scheduler) purgeLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.PurgeInterval)
	defer t.Stop()
	for {
		s.Purge(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Purge removes terminal events older than the retention window.
func (s *Scheduler) Purge(ctx context.Context) int {
	n, err := s.store.Purge(ctx, s.cfg.Now().Add(-s.cfg.Retention))
	if err != nil {
		s.log.Warn("purge_error", zap.Error(err))
	}
	if n > 0 {
		s.log.Info("purged_alerts", zap.Int("count", n))
	}
	return n
}
