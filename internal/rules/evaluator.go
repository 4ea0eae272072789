// Package rules turns position samples into alert decisions.
//
// Evaluate is a pure function: all memory between calls (zone presence,
// cool-down timestamps, no-motion arming) travels in an explicit State
// snapshot that the caller passes in and stores from the Output.
package rules

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/geo"
)

// alertNamespace scopes name-based alert IDs.
var alertNamespace = uuid.MustParse("6f1c2a43-5d0e-4d8b-9f3a-2b7e8c41a9d5")

type Config struct {
	CoolDown       time.Duration
	NoMotionWindow time.Duration
	// MaxHysteresisMeters caps the boundary band taken from sample accuracy.
	// Zero leaves the band at the full accuracy radius.
	MaxHysteresisMeters float64
}

func DefaultConfig() Config {
	return Config{
		CoolDown:       10 * time.Minute,
		NoMotionWindow: 30 * time.Minute,
	}
}

type Presence string

const (
	PresenceUnknown Presence = ""
	PresenceInside  Presence = "inside"
	PresenceOutside Presence = "outside"
)

// State is the evaluator's memory between samples.
type State struct {
	Presence      map[string]Presence  `json:"presence"`
	LastFired     map[string]time.Time `json:"last_fired"`
	NoMotionFired bool                 `json:"no_motion_fired"`
	// Since is when evaluation started; it stands in for the last fix
	// until the first one arrives.
	Since time.Time `json:"since"`
}

func (s State) clone() State {
	out := State{
		Presence:      maps.Clone(s.Presence),
		LastFired:     maps.Clone(s.LastFired),
		NoMotionFired: s.NoMotionFired,
		Since:         s.Since,
	}
	if out.Presence == nil {
		out.Presence = map[string]Presence{}
	}
	if out.LastFired == nil {
		out.LastFired = map[string]time.Time{}
	}
	return out
}

type Input struct {
	Sample domain.PositionSample
	// History holds recent samples with a position, oldest first.
	History         []domain.PositionSample
	Zones           []domain.SafetyZone
	Contacts        []domain.TrustedContact
	State           State
	CheckInExpected bool
}

type Output struct {
	Alerts []domain.AlertEvent
	State  State
	// Cancel is set when the sample is a user "I am safe" marker.
	Cancel bool
}

type Evaluator struct {
	cfg Config
}

func NewEvaluator(cfg Config) *Evaluator {
	if cfg.MaxHysteresisMeters < 0 {
		cfg.MaxHysteresisMeters = 0
	}
	return &Evaluator{cfg: cfg}
}

// Evaluate applies the rules in priority order: zone exit, zone enter,
// no-motion timeout, manual trigger. At most one alert per cause is produced.
func (e *Evaluator) Evaluate(in Input) Output {
	st := in.State.clone()
	s := in.Sample
	if st.Since.IsZero() {
		st.Since = s.Time
	}
	out := Output{State: st}

	switch s.Kind {
	case domain.SampleCancel:
		out.Cancel = true
		return out
	case domain.SampleManual:
		trig := s
		if !trig.HasPosition() {
			if last, ok := lastFix(in.History); ok {
				trig.Lat, trig.Lng, trig.AccuracyMeters = last.Lat, last.Lng, last.AccuracyMeters
			}
		}
		if s.HasPosition() {
			out.State.NoMotionFired = false
		}
		out.Alerts = append(out.Alerts, e.newAlert(domain.CauseManual, "", trig, in.Contacts))
		return out
	case domain.SampleFix:
		out.State.NoMotionFired = false
		e.evaluateZones(&out, in)
		return out
	default:
		// No-fix markers carry no position; they only advance the clock.
		e.evaluateNoMotion(&out, in)
		return out
	}
}

func (e *Evaluator) evaluateZones(out *Output, in Input) {
	s := in.Sample
	band := s.AccuracyMeters
	if e.cfg.MaxHysteresisMeters > 0 && band > e.cfg.MaxHysteresisMeters {
		band = e.cfg.MaxHysteresisMeters
	}

	zones := slices.Clone(in.Zones)
	sort.Slice(zones, func(i, j int) bool { return zones[i].ID < zones[j].ID })

	fired := map[domain.Cause]bool{}
	for _, z := range zones {
		if !z.Active {
			continue
		}
		d := geo.SignedDistance(z, s.Lat, s.Lng)
		prev := out.State.Presence[z.ID]
		next := prev
		switch {
		case d < -band:
			next = PresenceInside
		case d > band:
			next = PresenceOutside
		}
		out.State.Presence[z.ID] = next

		var cause domain.Cause
		switch {
		case z.Mode == domain.ZoneSafe && prev == PresenceInside && next == PresenceOutside:
			cause = domain.CauseZoneExit
		case z.Mode == domain.ZoneDanger && prev == PresenceOutside && next == PresenceInside:
			cause = domain.CauseZoneEnter
		default:
			continue
		}
		if fired[cause] || e.coolingDown(out.State, cause, z.ID, s.Time) {
			continue
		}
		fired[cause] = true
		out.State.LastFired[fireKey(cause, z.ID)] = s.Time
		out.Alerts = append(out.Alerts, e.newAlert(cause, z.ID, s, in.Contacts))
	}

	// Exit alerts rank ahead of enter alerts.
	sort.SliceStable(out.Alerts, func(i, j int) bool {
		return causeRank(out.Alerts[i].Cause) < causeRank(out.Alerts[j].Cause)
	})
}

func (e *Evaluator) evaluateNoMotion(out *Output, in Input) {
	if !in.CheckInExpected || e.cfg.NoMotionWindow <= 0 || out.State.NoMotionFired {
		return
	}
	now := in.Sample.Time
	since := out.State.Since
	last, ok := lastFix(in.History)
	if ok {
		since = last.Time
	}
	if now.Sub(since) < e.cfg.NoMotionWindow {
		return
	}
	if e.coolingDown(out.State, domain.CauseNoMotion, "", now) {
		return
	}
	trig := in.Sample
	if ok {
		// The alert reports the last known fix, stamped with the marker's time.
		trig = last
		trig.Time = now
	}
	out.State.NoMotionFired = true
	out.State.LastFired[fireKey(domain.CauseNoMotion, "")] = now
	out.Alerts = append(out.Alerts, e.newAlert(domain.CauseNoMotion, "", trig, in.Contacts))
}

func (e *Evaluator) coolingDown(st State, cause domain.Cause, zoneID string, now time.Time) bool {
	last, ok := st.LastFired[fireKey(cause, zoneID)]
	return ok && now.Sub(last) < e.cfg.CoolDown
}

func (e *Evaluator) newAlert(cause domain.Cause, zoneID string, s domain.PositionSample, contacts []domain.TrustedContact) domain.AlertEvent {
	return domain.AlertEvent{
		ID:            AlertID(cause, zoneID, s.Time),
		Cause:         cause,
		ZoneID:        zoneID,
		Sample:        s,
		CreatedAt:     s.Time,
		State:         domain.StatePending,
		NextAttemptAt: s.Time,
		Recipients:    Recipients(contacts),
		UpdatedAt:     s.Time,
	}
}

// AlertID derives a stable ID so that re-evaluating the same sample
// produces the same event.
func AlertID(cause domain.Cause, zoneID string, at time.Time) string {
	name := fmt.Sprintf("%s|%s|%d", cause, zoneID, at.UnixNano())
	return uuid.NewSHA1(alertNamespace, []byte(name)).String()
}

// Recipients orders contact IDs by priority (1 first), ties broken by ID.
func Recipients(contacts []domain.TrustedContact) []string {
	cs := slices.Clone(contacts)
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Priority != cs[j].Priority {
			return cs[i].Priority < cs[j].Priority
		}
		return cs[i].ID < cs[j].ID
	})
	ids := make([]string, 0, len(cs))
	for _, c := range cs {
		ids = append(ids, c.ID)
	}
	return ids
}

func lastFix(history []domain.PositionSample) (domain.PositionSample, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].HasPosition() {
			return history[i], true
		}
	}
	return domain.PositionSample{}, false
}

func fireKey(cause domain.Cause, zoneID string) string {
	return string(cause) + "/" + zoneID
}

func causeRank(c domain.Cause) int {
	switch c {
	case domain.CauseZoneExit:
		return 0
	case domain.CauseZoneEnter:
		return 1
	case domain.CauseNoMotion:
		return 2
	default:
		return 3
	}
}
