package notify

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/vault"
)

// Revealer decrypts a contact's channel identifier at send time.
type Revealer interface {
	Reveal(ctx context.Context, contactID string, kind domain.ChannelKind) (vault.Identifier, error)
}

type DispatcherConfig struct {
	// Timeout bounds one attempt on one channel.
	Timeout time.Duration
	// RPS and Burst limit sends per channel kind. RPS <= 0 disables limiting.
	RPS   float64
	Burst int
	// BreakerFailures out of BreakerWindow transient failures open a
	// channel's breaker for BreakerDelay.
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Timeout:         10 * time.Second,
		RPS:             5,
		Burst:           5,
		BreakerFailures: 5,
		BreakerWindow:   10,
		BreakerDelay:    30 * time.Second,
	}
}

type guard struct {
	ch  Channel
	cb  circuitbreaker.CircuitBreaker[any]
	lim *rate.Limiter
}

// Dispatcher sends one alert to one contact. It keeps no per-call state; the
// breakers and limiters it shares across calls are safe for concurrent use.
type Dispatcher struct {
	cfg      DispatcherConfig
	revealer Revealer
	guards   map[domain.ChannelKind]*guard
	log      *zap.Logger
	now      func() time.Time
}

func NewDispatcher(cfg DispatcherConfig, revealer Revealer, log *zap.Logger, channels ...Channel) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDispatcherConfig().Timeout
	}
	if cfg.BreakerWindow == 0 {
		cfg.BreakerWindow = 10
	}
	if cfg.BreakerFailures == 0 || cfg.BreakerFailures > cfg.BreakerWindow {
		cfg.BreakerFailures = cfg.BreakerWindow
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:      cfg,
		revealer: revealer,
		guards:   make(map[domain.ChannelKind]*guard, len(channels)),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		kind := ch.Kind()
		limit := rate.Inf
		if cfg.RPS > 0 {
			limit = rate.Limit(cfg.RPS)
		}
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		cb := circuitbreaker.NewBuilder[any]().
			HandleIf(func(_ any, err error) bool { return err != nil && Classify(err) == domain.ResultTransient }).
			WithFailureThresholdRatio(cfg.BreakerFailures, cfg.BreakerWindow).
			WithDelay(cfg.BreakerDelay).
			WithSuccessThreshold(1).
			OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
				log.Warn("channel_breaker_state",
					zap.String("channel", string(kind)),
					zap.String("from", stateName(e.OldState)),
					zap.String("to", stateName(e.NewState)))
			}).
			Build()
		d.guards[kind] = &guard{ch: ch, cb: cb, lim: rate.NewLimiter(limit, burst)}
	}
	return d
}

// Send tries the contact's channels in order and stops at the first success.
// Without a success the attempt is TRANSIENT if any channel may work later,
// PERMANENT otherwise.
func (d *Dispatcher) Send(ctx context.Context, c domain.TrustedContact, a domain.AlertEvent) domain.DeliveryAttempt {
	at := domain.DeliveryAttempt{
		AlertID:     a.ID,
		ContactID:   c.ID,
		AttemptedAt: d.now(),
		Result:      domain.ResultPermanent,
		Detail:      "no usable channel",
	}
	transient := false
	for _, cc := range c.Channels {
		g, ok := d.guards[cc.Kind]
		if !ok {
			continue
		}
		err := d.sendOne(ctx, g, c.ID, a)
		res := Classify(err)
		at.Channel = cc.Kind
		switch res {
		case domain.ResultSuccess:
			at.Result, at.Detail = domain.ResultSuccess, ""
			return at
		case domain.ResultTransient:
			transient = true
			at.Result = domain.ResultTransient
		default:
			if !transient {
				at.Result = domain.ResultPermanent
			}
		}
		at.Detail = err.Error()
		d.log.Info("channel_send_failed",
			zap.String("alert_id", a.ID),
			zap.String("contact_id", c.ID),
			zap.String("channel", string(cc.Kind)),
			zap.String("result", string(res)),
			zap.Error(err))
	}
	return at
}

func (d *Dispatcher) sendOne(ctx context.Context, g *guard, contactID string, a domain.AlertEvent) error {
	actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	to, err := d.revealer.Reveal(actx, contactID, g.ch.Kind())
	if err != nil {
		return err
	}
	if err := g.lim.Wait(actx); err != nil {
		return err
	}
	_, err = failsafe.With(g.cb).Get(func() (any, error) {
		return nil, g.ch.Deliver(actx, to, a)
	})
	return err
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half_open"
	default:
		return "closed"
	}
}
