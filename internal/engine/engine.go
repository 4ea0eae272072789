// Package engine wires the pipeline: feed samples are evaluated
// synchronously and the resulting decisions are handed to a background
// persister that writes them to the store and wakes the scheduler.
package engine

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/metrics"
	"github.com/hamed0406/safealert/internal/repo"
	"github.com/hamed0406/safealert/internal/rules"
)

type Stream interface {
	Samples(ctx context.Context) iter.Seq[domain.PositionSample]
}

type Queue interface {
	Wake()
	Cancel(ctx context.Context, causes ...domain.Cause) (int, error)
}

type ZoneLister interface {
	ListZones(ctx context.Context) ([]domain.SafetyZone, error)
}

// ContactLister is satisfied by vault.Vault.
type ContactLister interface {
	List(ctx context.Context) ([]domain.TrustedContact, error)
}

type Config struct {
	HistorySize     int
	RetryInterval   time.Duration
	MaxRetryDelay   time.Duration
	RefreshInterval time.Duration
	// DrainTimeout bounds the last persist attempt on shutdown.
	DrainTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HistorySize:     50,
		RetryInterval:   time.Second,
		MaxRetryDelay:   30 * time.Second,
		RefreshInterval: time.Minute,
		DrainTimeout:    5 * time.Second,
	}
}

type Deps struct {
	Log      *zap.Logger
	Stream   Stream
	Eval     *rules.Evaluator
	Store    repo.AlertStore
	Zones    ZoneLister
	Contacts ContactLister
	Queue    Queue
	Metrics  *metrics.Metrics
}

type Engine struct {
	Deps
	cfg Config

	zones    atomic.Pointer[[]domain.SafetyZone]
	contacts atomic.Pointer[[]domain.TrustedContact]
	checkIn  atomic.Bool

	// mu guards the evaluator memory.
	mu      sync.Mutex
	state   rules.State
	history []domain.PositionSample

	handoff *handoff
}

func New(d Deps, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.HistorySize < 1 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.MaxRetryDelay < cfg.RetryInterval {
		cfg.MaxRetryDelay = cfg.RetryInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop()
	}
	if d.Eval == nil {
		d.Eval = rules.NewEvaluator(rules.DefaultConfig())
	}
	e := &Engine{Deps: d, cfg: cfg}
	e.zones.Store(&[]domain.SafetyZone{})
	e.contacts.Store(&[]domain.TrustedContact{})
	e.handoff = newHandoff(d.Metrics)
	return e
}

// SetCheckIn arms or disarms the no-motion rule.
func (e *Engine) SetCheckIn(on bool) { e.checkIn.Store(on) }

func (e *Engine) CheckIn() bool { return e.checkIn.Load() }

// Refresh reloads the zone and contact snapshots used for evaluation.
func (e *Engine) Refresh(ctx context.Context) error {
	zs, err := e.Zones.ListZones(ctx)
	if err != nil {
		return err
	}
	cs, err := e.Contacts.List(ctx)
	if err != nil {
		return err
	}
	e.zones.Store(&zs)
	e.contacts.Store(&cs)
	return nil
}

// Run consumes the stream until ctx is done. Persisting happens on its own
// goroutine so a slow or failing store never stalls evaluation.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Refresh(ctx); err != nil {
		e.Log.Warn("engine_refresh_error", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for s := range e.Stream.Samples(gctx) {
			e.Handle(s)
		}
		return gctx.Err()
	})
	g.Go(func() error {
		e.persistLoop(gctx)
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(e.cfg.RefreshInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if err := e.Refresh(gctx); err != nil && gctx.Err() == nil {
					e.Log.Warn("engine_refresh_error", zap.Error(err))
				}
			}
		}
	})
	err := g.Wait()
	e.Log.Info("engine_stopped", zap.Int("unpersisted", e.handoff.len()))
	return err
}

// Handle evaluates one sample and queues what it decided. It does no I/O.
func (e *Engine) Handle(s domain.PositionSample) rules.Output {
	e.mu.Lock()
	in := rules.Input{
		Sample:          s,
		History:         e.history,
		Zones:           *e.zones.Load(),
		Contacts:        *e.contacts.Load(),
		State:           e.state,
		CheckInExpected: e.checkIn.Load(),
	}
	out := e.Eval.Evaluate(in)
	e.state = out.State
	if s.HasPosition() {
		e.remember(s)
	}
	e.mu.Unlock()

	for _, a := range out.Alerts {
		e.Log.Info("alert_decided",
			zap.String("alert_id", a.ID),
			zap.String("cause", string(a.Cause)),
			zap.String("zone_id", a.ZoneID),
			zap.Int("recipients", len(a.Recipients)))
		e.handoff.push(op{alert: &a})
	}
	if out.Cancel {
		e.Log.Info("cancel_requested")
		e.handoff.push(op{cancel: true})
	}
	return out
}

func (e *Engine) remember(s domain.PositionSample) {
	e.history = append(e.history, s)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = append([]domain.PositionSample(nil), e.history[over:]...)
	}
}

type Status struct {
	CheckIn  bool                   `json:"check_in"`
	LastFix  *domain.PositionSample `json:"last_fix,omitempty"`
	Zones    int                    `json:"zones"`
	Contacts int                    `json:"contacts"`
	Backlog  int                    `json:"backlog"`
	State    rules.State            `json:"state"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		CheckIn:  e.checkIn.Load(),
		Zones:    len(*e.zones.Load()),
		Contacts: len(*e.contacts.Load()),
		Backlog:  e.handoff.len(),
		State:    e.state,
	}
	if n := len(e.history); n > 0 {
		last := e.history[n-1]
		st.LastFix = &last
	}
	return st
}
