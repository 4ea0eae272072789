package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/rules"
)

func TestFormatAlert(t *testing.T) {
	msg := FormatAlert(testAlert())
	for _, want := range []string{
		"EMERGENCY: I need help!",
		"Left safe zone Z1.",
		"Lat: 59.329300, Long: 18.068600",
		"https://maps.google.com/?q=59.329300,18.068600",
		"Alert ID: alert-1",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("missing %q in %q", want, msg)
		}
	}

	noPos := domain.AlertEvent{ID: "x", Cause: domain.CauseManual, Sample: domain.PositionSample{Kind: domain.SampleManual}}
	if strings.Contains(FormatAlert(noPos), "maps.google.com") {
		t.Error("no location link expected without a position")
	}
}

func TestFormatAlert_NoMotionCarriesLastKnownLocation(t *testing.T) {
	cfg := rules.DefaultConfig()
	cfg.NoMotionWindow = 5 * time.Minute
	e := rules.NewEvaluator(cfg)

	t0 := time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)
	last := domain.PositionSample{Time: t0, Lat: 59.3293, Lng: 18.0686, AccuracyMeters: 8, Kind: domain.SampleFix}
	st := e.Evaluate(rules.Input{Sample: last, CheckInExpected: true}).State
	out := e.Evaluate(rules.Input{
		Sample:          domain.PositionSample{Time: t0.Add(10 * time.Minute), Kind: domain.SampleNoFix},
		History:         []domain.PositionSample{last},
		State:           st,
		CheckInExpected: true,
	})
	if len(out.Alerts) != 1 || out.Alerts[0].Cause != domain.CauseNoMotion {
		t.Fatalf("expected one no-motion alert, got %+v", out.Alerts)
	}

	msg := FormatAlert(out.Alerts[0])
	for _, want := range []string{
		"Lat: 59.329300, Long: 18.068600",
		"https://maps.google.com/?q=59.329300,18.068600",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("missing %q in %q", want, msg)
		}
	}
}

func TestSplitSMS(t *testing.T) {
	if got := SplitSMS("short", 160); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short message: %v", got)
	}

	long := strings.Repeat("word ", 80) // 400 chars
	parts := SplitSMS(long, 160)
	if len(parts) < 3 {
		t.Fatalf("expected at least 3 parts, got %d", len(parts))
	}
	var rejoined []string
	for _, p := range parts {
		if n := len([]rune(p)); n > 160 || n == 0 {
			t.Fatalf("bad part length %d", n)
		}
		rejoined = append(rejoined, p)
	}
	if strings.Join(strings.Fields(strings.Join(rejoined, " ")), " ") != strings.TrimSpace(long) {
		t.Fatal("words lost while splitting")
	}

	unbroken := strings.Repeat("x", 400)
	parts = SplitSMS(unbroken, 160)
	if len(parts) != 3 || len(parts[0]) != 160 || len(parts[2]) != 80 {
		t.Fatalf("hard split wrong: %d parts", len(parts))
	}
}
