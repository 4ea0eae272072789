package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/repo"
)

// errSettled means another actor (usually Cancel) moved the event to a
// terminal state while we held it.
var errSettled = errors.New("alert settled elsewhere")

func (s *Scheduler) process(ctx context.Context, id string) {
	ev, err := s.store.UpdateState(ctx, id, domain.StateDispatching, domain.StatePending, repo.At(s.cfg.Now()))
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			s.log.Debug("dispatch_claim_conflict", zap.String("alert_id", id))
			return
		}
		s.log.Warn("dispatch_claim_error", zap.String("alert_id", id), zap.Error(err))
		return
	}
	s.round(ctx, ev)
}

// round walks the recipients in priority order. Transient failures and
// successes use a fan-out slot; a permanent failure marks the contact
// unreachable and frees the slot for the next one.
func (s *Scheduler) round(ctx context.Context, ev *domain.AlertEvent) {
	unreachable := make(map[string]bool, len(ev.Unreachable))
	for _, id := range ev.Unreachable {
		unreachable[id] = true
	}
	var (
		reached   []string
		delivered bool
		slots     int
	)
	for _, cid := range ev.Recipients {
		if slots >= s.cfg.FanOut {
			break
		}
		if unreachable[cid] {
			continue
		}
		if ctx.Err() != nil {
			// Left in DISPATCHING; Recover requeues it on the next start.
			return
		}
		if s.cancelled(ctx, ev.ID) {
			s.log.Info("dispatch_stopped_cancelled", zap.String("alert_id", ev.ID))
			return
		}

		at := s.attempt(ctx, cid, ev)
		s.record(ctx, &at)

		switch at.Result {
		case domain.ResultSuccess:
			slots++
			reached = append(reached, cid)
			if delivered {
				continue
			}
			now := s.cfg.Now()
			_, err := s.transition(ctx, ev.ID, domain.StateDelivered,
				repo.At(now),
				func(a *domain.AlertEvent) {
					a.AttemptCount = ev.AttemptCount + 1
					a.LastAttemptAt = &now
					a.Reached = append([]string(nil), reached...)
					a.Unreachable = unreachableList(ev.Recipients, unreachable)
				})
			if err != nil {
				if !errors.Is(err, errSettled) {
					s.log.Error("dispatch_deliver_error", zap.String("alert_id", ev.ID), zap.Error(err))
				}
				return
			}
			delivered = true
			s.m.Terminal(string(domain.StateDelivered))
			s.log.Info("alert_delivered",
				zap.String("alert_id", ev.ID),
				zap.String("contact_id", cid),
				zap.Int("attempt_count", ev.AttemptCount+1))
		case domain.ResultTransient:
			slots++
		default:
			unreachable[cid] = true
		}
	}
	if delivered {
		if len(reached) > 1 {
			s.recordReached(ctx, ev.ID, reached)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.settle(ctx, ev, unreachable)
}

// recordReached saves every contact that acknowledged during the delivering
// round; the DELIVERED transition only saw the first.
func (s *Scheduler) recordReached(ctx context.Context, id string, reached []string) {
	_, err := s.store.UpdateState(ctx, id, domain.StateDelivered, domain.StateDelivered,
		repo.At(s.cfg.Now()),
		func(a *domain.AlertEvent) { a.Reached = append([]string(nil), reached...) })
	if err != nil {
		s.log.Warn("dispatch_reached_error", zap.String("alert_id", id), zap.Error(err))
	}
}

func (s *Scheduler) attempt(ctx context.Context, contactID string, ev *domain.AlertEvent) domain.DeliveryAttempt {
	c, err := s.contacts.Get(ctx, contactID)
	if err != nil {
		at := domain.DeliveryAttempt{
			AlertID:     ev.ID,
			ContactID:   contactID,
			AttemptedAt: s.cfg.Now(),
			Result:      domain.ResultTransient,
			Detail:      "contact lookup: " + err.Error(),
		}
		if errors.Is(err, repo.ErrNotFound) {
			at.Result, at.Detail = domain.ResultPermanent, "contact removed"
		}
		return at
	}
	return s.sender.Send(ctx, *c, *ev)
}

func (s *Scheduler) record(ctx context.Context, at *domain.DeliveryAttempt) {
	s.m.Attempt(string(at.Result), string(at.Channel))
	if err := s.store.AppendAttempt(ctx, at); err != nil {
		s.log.Warn("attempt_append_error",
			zap.String("alert_id", at.AlertID),
			zap.String("contact_id", at.ContactID),
			zap.Error(err))
	}
}

// settle ends a round without a success: FAILED_PERMANENT when nobody can be
// reached or attempts are exhausted, otherwise back to PENDING with backoff.
func (s *Scheduler) settle(ctx context.Context, ev *domain.AlertEvent, unreachable map[string]bool) {
	now := s.cfg.Now()
	count := ev.AttemptCount + 1
	unreach := unreachableList(ev.Recipients, unreachable)

	next := domain.StatePending
	reason := ""
	switch {
	case len(unreach) == len(ev.Recipients):
		next, reason = domain.StateFailed, "no contact is reachable"
	case count >= s.cfg.MaxAttempts:
		next, reason = domain.StateFailed, fmt.Sprintf("gave up after %d attempts", count)
	}
	delay := s.backoff(ev.AttemptCount)

	_, err := s.transition(ctx, ev.ID, next,
		repo.At(now),
		func(a *domain.AlertEvent) {
			a.AttemptCount = count
			a.LastAttemptAt = &now
			a.Unreachable = unreach
			if next == domain.StatePending {
				a.NextAttemptAt = now.Add(delay)
			}
		})
	if err != nil {
		if !errors.Is(err, errSettled) {
			s.log.Error("dispatch_settle_error", zap.String("alert_id", ev.ID), zap.Error(err))
		}
		return
	}

	if next == domain.StatePending {
		s.log.Info("alert_retry_scheduled",
			zap.String("alert_id", ev.ID),
			zap.Int("attempt_count", count),
			zap.Duration("delay", delay))
		return
	}
	s.m.Terminal(string(domain.StateFailed))
	s.log.Warn("alert_failed_permanent",
		zap.String("alert_id", ev.ID),
		zap.Int("attempt_count", count),
		zap.String("reason", reason))
	text := fmt.Sprintf("Alert %s (%s) could not be delivered to any trusted contact: %s.\nRaised: %s",
		ev.ID, ev.Cause, reason, ev.CreatedAt.Format(time.RFC3339))
	if err := s.owner.Send(ctx, "Alert not delivered", text); err != nil {
		s.log.Warn("owner_notify_error", zap.String("alert_id", ev.ID), zap.Error(err))
	}
}

// transition moves the event out of DISPATCHING. On a conflict it re-reads:
// a terminal event was settled elsewhere; a still-DISPATCHING event is
// retried once, and a second conflict is a logic error.
func (s *Scheduler) transition(ctx context.Context, id string, next domain.AlertState, muts ...repo.Mutation) (*domain.AlertEvent, error) {
	for try := 0; try < 2; try++ {
		ev, err := s.store.UpdateState(ctx, id, next, domain.StateDispatching, muts...)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return nil, err
		}
		cur, gerr := s.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if cur.State != domain.StateDispatching {
			s.log.Info("dispatch_conflict_settled",
				zap.String("alert_id", id),
				zap.String("state", string(cur.State)))
			return nil, errSettled
		}
	}
	s.log.Error("dispatch_conflict_repeated", zap.String("alert_id", id), zap.String("next", string(next)))
	return nil, fmt.Errorf("%w: %s repeated", repo.ErrConflict, id)
}

func (s *Scheduler) cancelled(ctx context.Context, id string) bool {
	cur, err := s.store.Get(ctx, id)
	return err == nil && cur.State == domain.StateCancelled
}

// backoff is BaseDelay * 2^n, capped at MaxDelay.
func (s *Scheduler) backoff(n int) time.Duration {
	d := s.cfg.BaseDelay
	for i := 0; i < n; i++ {
		if d >= s.cfg.MaxDelay/2 {
			return s.cfg.MaxDelay
		}
		d *= 2
	}
	if d > s.cfg.MaxDelay {
		return s.cfg.MaxDelay
	}
	return d
}

func unreachableList(recipients []string, unreachable map[string]bool) []string {
	var out []string
	for _, id := range recipients {
		if unreachable[id] {
			out = append(out, id)
		}
	}
	return out
}
