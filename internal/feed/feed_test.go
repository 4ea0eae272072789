package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamed0406/safealert/internal/domain"
)

type step struct {
	fix Fix
	err error
}

// scriptSource replays steps, then blocks until ctx is done.
type scriptSource struct {
	mu    sync.Mutex
	steps []step
}

func (s *scriptSource) Next(ctx context.Context, _ Request) (Fix, error) {
	s.mu.Lock()
	if len(s.steps) > 0 {
		st := s.steps[0]
		s.steps = s.steps[1:]
		s.mu.Unlock()
		return st.fix, st.err
	}
	s.mu.Unlock()
	<-ctx.Done()
	return Fix{}, ctx.Err()
}

// walkingSource produces a new fix 200 m further north on every call.
type walkingSource struct {
	mu sync.Mutex
	n  int
}

func (w *walkingSource) Next(ctx context.Context, _ Request) (Fix, error) {
	select {
	case <-ctx.Done():
		return Fix{}, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n++
	return Fix{Time: t0.Add(time.Duration(w.n) * time.Minute), Lat: 59 + float64(w.n)*0.002, Lng: 18}, nil
}

// stationarySource reports the same position every 2 ms.
type stationarySource struct{}

func (stationarySource) Next(ctx context.Context, _ Request) (Fix, error) {
	select {
	case <-ctx.Done():
		return Fix{}, ctx.Err()
	case <-time.After(2 * time.Millisecond):
	}
	return Fix{Lat: 59.3293, Lng: 18.0686, AccuracyMeters: 5}, nil
}

var t0 = time.Date(2025, 8, 18, 9, 0, 0, 0, time.UTC)

func fixAt(sec int, lat float64) Fix {
	return Fix{Time: t0.Add(time.Duration(sec) * time.Second), Lat: lat, Lng: 18, AccuracyMeters: 5}
}

func take(t *testing.T, a *Adapter, n int) []domain.PositionSample {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []domain.PositionSample
	for s := range a.Samples(ctx) {
		out = append(out, s)
		if len(out) == n {
			break
		}
	}
	require.Len(t, out, n, "stream ended early")
	return out
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.GapAfter = time.Hour
	cfg.ErrorBackoff = time.Millisecond
	return cfg
}

func TestSamples_FiltersIntervalAndDisplacement(t *testing.T) {
	cfg := quietConfig()
	cfg.Request.MinInterval = 5 * time.Second
	cfg.Request.MinDisplacementMeters = 10
	src := &scriptSource{steps: []step{
		{fix: fixAt(0, 59.0)},
		{fix: fixAt(2, 59.001)},   // too soon
		{fix: fixAt(6, 59.00001)}, // barely moved
		{fix: fixAt(12, 59.001)},
	}}

	got := take(t, NewAdapter(src, cfg, nil), 2)
	assert.Equal(t, t0, got[0].Time)
	assert.Equal(t, t0.Add(12*time.Second), got[1].Time)
	for _, s := range got {
		assert.Equal(t, domain.SampleFix, s.Kind)
	}
}

func TestSamples_StationaryUserIsNotNoData(t *testing.T) {
	cfg := quietConfig()
	cfg.GapAfter = 30 * time.Millisecond
	cfg.Request.MinInterval = 0
	cfg.Request.MinDisplacementMeters = 10

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	var kinds []domain.SampleKind
	for s := range NewAdapter(stationarySource{}, cfg, nil).Samples(ctx) {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []domain.SampleKind{domain.SampleFix}, kinds, "filtered fixes must keep the gap timer from firing")
}

func TestSamples_NoFixBecomesMarker(t *testing.T) {
	src := &scriptSource{steps: []step{
		{fix: fixAt(0, 59)},
		{err: ErrNoFix},
		{fix: fixAt(30, 59.01)},
	}}
	got := take(t, NewAdapter(src, quietConfig(), nil), 3)
	assert.Equal(t, domain.SampleFix, got[0].Kind)
	assert.Equal(t, domain.SampleNoFix, got[1].Kind)
	assert.False(t, got[1].HasPosition())
	assert.Equal(t, domain.SampleFix, got[2].Kind)
}

func TestSamples_SilenceEmitsRepeatedMarkers(t *testing.T) {
	cfg := quietConfig()
	cfg.GapAfter = 20 * time.Millisecond
	got := take(t, NewAdapter(&scriptSource{}, cfg, nil), 3)
	for _, s := range got {
		assert.Equal(t, domain.SampleNoFix, s.Kind)
	}
}

func TestSamples_SourceErrorDoesNotEndStream(t *testing.T) {
	src := &scriptSource{steps: []step{
		{err: errors.New("provider disabled")},
		{fix: fixAt(0, 59)},
	}}
	got := take(t, NewAdapter(src, quietConfig(), nil), 1)
	assert.Equal(t, domain.SampleFix, got[0].Kind)
}

func TestInject_BypassesFilters(t *testing.T) {
	cfg := quietConfig()
	cfg.Request.MinInterval = time.Hour
	a := NewAdapter(&scriptSource{}, cfg, nil)
	require.NoError(t, a.Inject(context.Background(), domain.PositionSample{Time: t0, Kind: domain.SampleManual}))
	require.NoError(t, a.Inject(context.Background(), domain.PositionSample{Time: t0, Kind: domain.SampleCancel}))

	got := take(t, a, 2)
	assert.Equal(t, domain.SampleManual, got[0].Kind)
	assert.Equal(t, domain.SampleCancel, got[1].Kind)
}

func TestSamples_Restartable(t *testing.T) {
	a := NewAdapter(&walkingSource{}, quietConfig(), nil)
	first := take(t, a, 2)
	second := take(t, a, 2)
	assert.True(t, second[0].Time.After(first[1].Time), "a new range continues from the source")
}

func TestSamples_EndsOnCancel(t *testing.T) {
	a := NewAdapter(&walkingSource{}, quietConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() {
		n := 0
		for range a.Samples(ctx) {
			n++
			if n == 3 {
				cancel()
			}
		}
		done <- n
	}()
	select {
	case n := <-done:
		assert.GreaterOrEqual(t, n, 3)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after cancel")
	}
}

func TestChannelSource_OfferAndFull(t *testing.T) {
	src := NewChannelSource(1)
	require.NoError(t, src.Offer(Fix{Lat: 1, Lng: 2}))
	assert.ErrorIs(t, src.Offer(Fix{}), ErrFull)

	f, err := src.Next(context.Background(), DefaultRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.SampleFix, f.Kind)
	assert.False(t, f.Time.IsZero())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx, DefaultRequest())
	assert.ErrorIs(t, err, context.Canceled)
}
