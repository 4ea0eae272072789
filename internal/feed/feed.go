// Package feed wraps a positioning source into an endless stream of
// position samples. Redundant fixes are filtered out and silence is turned
// into explicit no-fix markers so consumers can tell "stationary" from
// "no data".
package feed

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/geo"
)

// ErrNoFix is returned by a Source that knows it has no position right now
// (GPS lost, device asleep).
var ErrNoFix = errors.New("feed: no fix")

type Accuracy string

const (
	AccuracyHigh     Accuracy = "high"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyLow      Accuracy = "low"
)

// Request is what the adapter asks of the positioning source.
type Request struct {
	Interval              time.Duration
	MinInterval           time.Duration
	MinDisplacementMeters float64
	DesiredAccuracy       Accuracy
}

func DefaultRequest() Request {
	return Request{
		Interval:        10 * time.Second,
		MinInterval:     5 * time.Second,
		DesiredAccuracy: AccuracyHigh,
	}
}

// Fix is a position reported by a Source.
type Fix = domain.PositionSample

// Source is the external positioning API. Next blocks until a fix is
// available, returns ErrNoFix for a known gap, or any other error.
type Source interface {
	Next(ctx context.Context, req Request) (Fix, error)
}

type Config struct {
	Request Request
	// GapAfter is how long the stream may stay silent before a no-fix
	// marker is emitted.
	GapAfter time.Duration
	// ErrorBackoff pauses pulling after a source error.
	ErrorBackoff time.Duration
	Now          func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Request:      DefaultRequest(),
		GapAfter:     time.Minute,
		ErrorBackoff: time.Second,
	}
}

type Adapter struct {
	src    Source
	cfg    Config
	log    *zap.Logger
	inject chan domain.PositionSample
}

func NewAdapter(src Source, cfg Config, log *zap.Logger) *Adapter {
	if cfg.GapAfter <= 0 {
		cfg.GapAfter = DefaultConfig().GapAfter
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultConfig().ErrorBackoff
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{src: src, cfg: cfg, log: log, inject: make(chan domain.PositionSample, 16)}
}

// Inject puts a manual or cancel sample into the stream. It skips the
// filters and blocks only while the stream is backed up.
func (a *Adapter) Inject(ctx context.Context, s domain.PositionSample) error {
	if s.Time.IsZero() {
		s.Time = a.cfg.Now()
	}
	select {
	case a.inject <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pulled struct {
	fix Fix
	err error
}

// Samples returns the stream. Every range over it starts a fresh pull loop
// that stops when ctx is done or the consumer breaks out.
func (a *Adapter) Samples(ctx context.Context) iter.Seq[domain.PositionSample] {
	return func(yield func(domain.PositionSample) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		results := make(chan pulled)
		go a.pull(ctx, results)

		gap := time.NewTimer(a.cfg.GapAfter)
		defer gap.Stop()
		emit := func(s domain.PositionSample) bool {
			gap.Reset(a.cfg.GapAfter)
			return yield(s)
		}

		var last *Fix
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-a.inject:
				if !emit(s) {
					return
				}
			case <-gap.C:
				a.log.Debug("feed_gap", zap.Duration("after", a.cfg.GapAfter))
				if !emit(a.noFix()) {
					return
				}
			case r := <-results:
				if r.err != nil {
					if !errors.Is(r.err, ErrNoFix) {
						continue
					}
					if !emit(a.noFix()) {
						return
					}
					continue
				}
				// A filtered fix still proves the source is alive.
				gap.Reset(a.cfg.GapAfter)
				if !a.keep(last, r.fix) {
					continue
				}
				f := r.fix
				last = &f
				if !emit(f) {
					return
				}
			}
		}
	}
}

func (a *Adapter) pull(ctx context.Context, out chan<- pulled) {
	for {
		fix, err := a.src.Next(ctx, a.cfg.Request)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			fix.Kind = domain.SampleFix
			if fix.Time.IsZero() {
				fix.Time = a.cfg.Now()
			}
		}
		select {
		case out <- pulled{fix: fix, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil && !errors.Is(err, ErrNoFix) {
			a.log.Warn("feed_source_error", zap.Error(err))
			select {
			case <-time.After(a.cfg.ErrorBackoff):
			case <-ctx.Done():
				return
			}
		}
	}
}

// keep applies the interval and displacement filters against the last
// emitted fix.
func (a *Adapter) keep(last *Fix, f Fix) bool {
	if last == nil {
		return true
	}
	req := a.cfg.Request
	if req.MinInterval > 0 && f.Time.Sub(last.Time) < req.MinInterval {
		return false
	}
	if req.MinDisplacementMeters > 0 &&
		geo.DistanceMeters(last.Lat, last.Lng, f.Lat, f.Lng) < req.MinDisplacementMeters {
		return false
	}
	return true
}

func (a *Adapter) noFix() domain.PositionSample {
	return domain.PositionSample{Time: a.cfg.Now(), Kind: domain.SampleNoFix}
}
