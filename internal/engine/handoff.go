package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/metrics"
	"github.com/hamed0406/safealert/internal/repo"
)

// op is one queued decision: persist an alert or cancel open alerts.
type op struct {
	alert  *domain.AlertEvent
	cancel bool
}

// handoff is an unbounded FIFO between the evaluator and the persister.
// push never blocks.
type handoff struct {
	mu     sync.Mutex
	ops    []op
	signal chan struct{}
	m      *metrics.Metrics
}

func newHandoff(m *metrics.Metrics) *handoff {
	return &handoff{signal: make(chan struct{}, 1), m: m}
}

func (h *handoff) push(o op) {
	h.mu.Lock()
	h.ops = append(h.ops, o)
	h.m.SetBacklog(len(h.ops))
	h.mu.Unlock()
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

func (h *handoff) peek() (op, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ops) == 0 {
		return op{}, false
	}
	return h.ops[0], true
}

func (h *handoff) pop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ops) > 0 {
		h.ops = h.ops[1:]
	}
	h.m.SetBacklog(len(h.ops))
}

func (h *handoff) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ops)
}

// persistLoop applies queued ops in order. A failing store keeps the head op
// queued and retries with a growing delay until it recovers.
func (e *Engine) persistLoop(ctx context.Context) {
	delay := e.cfg.RetryInterval
	for {
		o, ok := e.handoff.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.handoff.signal:
			}
			continue
		}
		if err := e.apply(ctx, o); err != nil {
			if ctx.Err() != nil {
				e.drain()
				return
			}
			e.Log.Warn("alert_persist_error",
				zap.Int("backlog", e.handoff.len()),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				e.drain()
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, e.cfg.MaxRetryDelay)
			continue
		}
		delay = e.cfg.RetryInterval
		e.handoff.pop()
	}
}

// drain makes one last bounded attempt at whatever is still queued.
func (e *Engine) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
	defer cancel()
	for {
		o, ok := e.handoff.peek()
		if !ok {
			return
		}
		if err := e.apply(ctx, o); err != nil {
			e.Log.Error("alert_persist_dropped", zap.Int("backlog", e.handoff.len()), zap.Error(err))
			return
		}
		e.handoff.pop()
	}
}

func (e *Engine) apply(ctx context.Context, o op) error {
	if o.cancel {
		n, err := e.Queue.Cancel(ctx)
		if err != nil {
			return err
		}
		e.Log.Info("alerts_cancelled", zap.Int("count", n))
		return nil
	}
	a := o.alert
	err := e.Store.Insert(ctx, a)
	switch {
	case errors.Is(err, repo.ErrExists):
		// Same decision re-evaluated; already stored.
		e.Log.Debug("alert_already_stored", zap.String("alert_id", a.ID))
		return nil
	case err != nil:
		return err
	}
	e.Metrics.AlertCreated(string(a.Cause))
	e.Log.Info("alert_created", zap.String("alert_id", a.ID), zap.String("cause", string(a.Cause)))
	e.Queue.Wake()
	return nil
}
