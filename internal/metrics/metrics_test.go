package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AlertCreated("ZONE_EXIT")
	m.AlertCreated("ZONE_EXIT")
	m.Attempt("SUCCESS", "sms")
	m.Terminal("DELIVERED")
	m.SetBacklog(3)

	if got := testutil.ToFloat64(m.AlertsCreated.WithLabelValues("ZONE_EXIT")); got != 2 {
		t.Fatalf("alerts created = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HandoffBacklog); got != 3 {
		t.Fatalf("backlog = %v, want 3", got)
	}
	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatal(err)
	}
	if n < 4 {
		t.Fatalf("expected registered series, got %d", n)
	}
}

func TestNop_IndependentRegistries(t *testing.T) {
	a, b := Nop(), Nop()
	a.Terminal("FAILED_PERMANENT")
	if testutil.ToFloat64(b.AlertsTerminal.WithLabelValues("FAILED_PERMANENT")) != 0 {
		t.Fatal("Nop metrics must not share state")
	}
}
