package engine

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/metrics"
	"github.com/hamed0406/safealert/internal/repo/memory"
	"github.com/hamed0406/safealert/internal/rules"
	"github.com/hamed0406/safealert/internal/scheduler"
	"github.com/hamed0406/safealert/internal/vault"
)

var t0 = time.Date(2025, 8, 18, 22, 0, 0, 0, time.UTC)

// sliceStream yields its samples, then idles until ctx is done.
type sliceStream []domain.PositionSample

func (s sliceStream) Samples(ctx context.Context) iter.Seq[domain.PositionSample] {
	return func(yield func(domain.PositionSample) bool) {
		for _, x := range s {
			if !yield(x) {
				return
			}
		}
		<-ctx.Done()
	}
}

type fakeQueue struct {
	wakes   atomic.Int32
	mu      sync.Mutex
	cancels int
}

func (q *fakeQueue) Wake() { q.wakes.Add(1) }

func (q *fakeQueue) Cancel(context.Context, ...domain.Cause) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancels++
	return 1, nil
}

func (q *fakeQueue) Cancels() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancels
}

// flakyStore fails the first n inserts.
type flakyStore struct {
	*memory.Store
	fails atomic.Int32
}

func (f *flakyStore) Insert(ctx context.Context, a *domain.AlertEvent) error {
	if f.fails.Add(-1) >= 0 {
		return errors.New("disk unavailable")
	}
	return f.Store.Insert(ctx, a)
}

type okSender struct{ n atomic.Int32 }

func (s *okSender) Send(_ context.Context, c domain.TrustedContact, a domain.AlertEvent) domain.DeliveryAttempt {
	s.n.Add(1)
	return domain.DeliveryAttempt{AlertID: a.ID, ContactID: c.ID, Channel: domain.ChannelSMS, AttemptedAt: time.Now(), Result: domain.ResultSuccess}
}

func fix(minute int, lat, lng float64) domain.PositionSample {
	return domain.PositionSample{Time: t0.Add(time.Duration(minute) * time.Minute), Lat: lat, Lng: lng, AccuracyMeters: 5, Kind: domain.SampleFix}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInterval = 5 * time.Millisecond
	cfg.MaxRetryDelay = 20 * time.Millisecond
	return cfg
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNoMotion_EndToEndDelivered(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vault.New(store, vault.NopSealer{})
	_, err := v.Put(ctx, vault.ContactInput{ID: "A", Name: "Alice", Priority: 1,
		Channels: []vault.ChannelInput{{Kind: domain.ChannelSMS, Identifier: "+46700000001"}}})
	require.NoError(t, err)

	sender := &okSender{}
	sched := scheduler.New(nil, store, v, sender, nil, nil, scheduler.DefaultConfig())
	e := New(Deps{
		Stream: sliceStream{
			fix(0, 59.33, 18.07),
			{Time: t0.Add(10 * time.Minute), Kind: domain.SampleNoFix},
			{Time: t0.Add(31 * time.Minute), Kind: domain.SampleNoFix},
		},
		Store:    store,
		Zones:    store,
		Contacts: v,
		Queue:    sched,
	}, fastConfig())
	e.SetCheckIn(true)
	start(t, e)

	var id string
	require.Eventually(t, func() bool {
		evs, _ := store.ListPending(ctx)
		if len(evs) != 1 {
			return false
		}
		id = evs[0].ID
		return evs[0].Cause == domain.CauseNoMotion
	}, 2*time.Second, 5*time.Millisecond)

	ev, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ev.Recipients)
	assert.InDelta(t, 59.33, ev.Sample.Lat, 1e-9, "resolved to the last known fix")

	require.Equal(t, 1, sched.RunOnce(ctx))
	ev, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDelivered, ev.State)
	assert.Equal(t, int32(1), sender.n.Load())
}

func TestZoneExit_UsesRefreshedZones(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.PutZone(ctx, &domain.SafetyZone{
		ID: "home", Mode: domain.ZoneSafe, Active: true,
		Center: domain.LatLng{Lat: 59.33, Lng: 18.07}, RadiusMeters: 100,
	}))
	q := &fakeQueue{}
	e := New(Deps{Stream: sliceStream{}, Store: store, Zones: store, Contacts: vault.New(store, vault.NopSealer{}), Queue: q}, fastConfig())
	require.NoError(t, e.Refresh(ctx))

	e.Handle(fix(0, 59.33, 18.07))
	out := e.Handle(fix(1, 59.34, 18.07))
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, domain.CauseZoneExit, out.Alerts[0].Cause)
	assert.Equal(t, "home", out.Alerts[0].ZoneID)
	assert.Equal(t, 1, e.Status().Backlog, "queued, not yet persisted")
}

func TestStorageFailure_RetriedUntilPersisted(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.New()}
	store.fails.Store(3)
	q := &fakeQueue{}
	m := metrics.Nop()
	e := New(Deps{
		Stream:   sliceStream{{Time: t0, Kind: domain.SampleManual, Lat: 59.3, Lng: 18.1}},
		Store:    store,
		Zones:    store,
		Contacts: vault.New(store, vault.NopSealer{}),
		Queue:    q,
		Metrics:  m,
	}, fastConfig())
	start(t, e)

	require.Eventually(t, func() bool {
		evs, _ := store.ListPending(ctx)
		return len(evs) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.Status().Backlog == 0 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), q.wakes.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsCreated.WithLabelValues(string(domain.CauseManual))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HandoffBacklog))
}

func TestHandle_NeverBlocksWhileStoreIsDown(t *testing.T) {
	store := &flakyStore{Store: memory.New()}
	store.fails.Store(1 << 30)
	e := New(Deps{Stream: sliceStream{}, Store: store, Zones: store, Contacts: vault.New(store, vault.NopSealer{}), Queue: &fakeQueue{}}, fastConfig())
	start(t, e)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			e.Handle(domain.PositionSample{Time: t0.Add(time.Duration(i) * time.Second), Kind: domain.SampleManual})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle blocked on a failing store")
	}
	assert.GreaterOrEqual(t, e.Status().Backlog, 99)
}

func TestCancel_AfterManualTrigger(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	q := &fakeQueue{}
	e := New(Deps{
		Stream: sliceStream{
			{Time: t0, Kind: domain.SampleManual},
			{Time: t0.Add(time.Minute), Kind: domain.SampleCancel},
		},
		Store:    store,
		Zones:    store,
		Contacts: vault.New(store, vault.NopSealer{}),
		Queue:    q,
	}, fastConfig())
	start(t, e)

	require.Eventually(t, func() bool { return q.Cancels() == 1 }, 2*time.Second, 5*time.Millisecond)
	evs, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1, "the alert is stored before the cancel runs")
	assert.Equal(t, domain.CauseManual, evs[0].Cause)
}

func TestDuplicateDecision_StoredOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	q := &fakeQueue{}
	m := metrics.Nop()
	manual := domain.PositionSample{Time: t0, Kind: domain.SampleManual}
	e := New(Deps{
		Stream:   sliceStream{manual, manual},
		Store:    store,
		Zones:    store,
		Contacts: vault.New(store, vault.NopSealer{}),
		Queue:    q,
		Metrics:  m,
	}, fastConfig())
	start(t, e)

	require.Eventually(t, func() bool { return e.Status().Backlog == 0 && q.wakes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	evs, err := store.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsCreated.WithLabelValues(string(domain.CauseManual))))
}

func TestHistory_BoundedAndStatus(t *testing.T) {
	store := memory.New()
	cfg := fastConfig()
	cfg.HistorySize = 3
	e := New(Deps{
		Stream: sliceStream{}, Store: store, Zones: store,
		Contacts: vault.New(store, vault.NopSealer{}), Queue: &fakeQueue{},
		Eval: rules.NewEvaluator(rules.DefaultConfig()),
	}, cfg)

	for i := 0; i < 5; i++ {
		e.Handle(fix(i, 59+float64(i)*0.01, 18))
	}
	e.Handle(domain.PositionSample{Time: t0.Add(time.Hour), Kind: domain.SampleNoFix})

	assert.Len(t, e.history, 3)
	st := e.Status()
	require.NotNil(t, st.LastFix)
	assert.Equal(t, t0.Add(4*time.Minute), st.LastFix.Time, "no-fix markers are not history")
	assert.False(t, st.CheckIn)
	e.SetCheckIn(true)
	assert.True(t, e.CheckIn())
}
