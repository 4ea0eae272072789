// Package repotest holds the behavioural contract every repo.Store adapter
// must pass.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/repo"
)

var base = time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)

func NewAlert(id string, offset time.Duration) *domain.AlertEvent {
	at := base.Add(offset)
	return &domain.AlertEvent{
		ID:            id,
		Cause:         domain.CauseZoneExit,
		ZoneID:        "Z1",
		Sample:        domain.PositionSample{Time: at, Lat: 59.33, Lng: 18.07, AccuracyMeters: 5, Kind: domain.SampleFix},
		CreatedAt:     at,
		State:         domain.StatePending,
		NextAttemptAt: at,
		Recipients:    []string{"A", "B"},
		UpdatedAt:     at,
	}
}

// Run exercises the store returned by open. open is called once per subtest.
func Run(t *testing.T, open func(t *testing.T) repo.Store) {
	t.Run("InsertTwiceFailsAndLeavesStoreUnchanged", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		a := NewAlert("a1", 0)
		require.NoError(t, s.Insert(ctx, a))

		dup := NewAlert("a1", time.Hour)
		dup.Cause = domain.CauseManual
		err := s.Insert(ctx, dup)
		require.ErrorIs(t, err, repo.ErrExists)

		got, err := s.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, domain.CauseZoneExit, got.Cause)
		assert.True(t, got.CreatedAt.Equal(a.CreatedAt))
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := open(t).Get(context.Background(), "nope")
		require.ErrorIs(t, err, repo.ErrNotFound)
	})

	t.Run("UpdateStateOptimistic", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.Insert(ctx, NewAlert("a1", 0)))

		_, err := s.UpdateState(ctx, "a1", domain.StateDelivered, domain.StateDispatching)
		require.ErrorIs(t, err, repo.ErrConflict)

		got, err := s.UpdateState(ctx, "a1", domain.StateDispatching, domain.StatePending, repo.At(base.Add(time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, domain.StateDispatching, got.State)
		assert.True(t, got.UpdatedAt.Equal(base.Add(time.Minute)))

		_, err = s.UpdateState(ctx, "a1", domain.StatePending, domain.StateDispatching, func(a *domain.AlertEvent) { a.AttemptCount = 2 })
		require.NoError(t, err)

		_, err = s.UpdateState(ctx, "a1", domain.StateDispatching, domain.StatePending, func(a *domain.AlertEvent) { a.AttemptCount = 1 })
		require.ErrorIs(t, err, repo.ErrInvalidTransition, "attempt count must not decrease")

		_, err = s.UpdateState(ctx, "a1", domain.StateDelivered, domain.StatePending)
		require.ErrorIs(t, err, repo.ErrInvalidTransition)

		got, err = s.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatePending, got.State)
		assert.Equal(t, 2, got.AttemptCount)
	})

	t.Run("DeliveredRecordsLaterReached", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.Insert(ctx, NewAlert("a1", 0)))
		_, err := s.UpdateState(ctx, "a1", domain.StateDispatching, domain.StatePending)
		require.NoError(t, err)
		_, err = s.UpdateState(ctx, "a1", domain.StateDelivered, domain.StateDispatching,
			func(a *domain.AlertEvent) { a.AttemptCount = 1; a.Reached = []string{"A"} })
		require.NoError(t, err)

		_, err = s.UpdateState(ctx, "a1", domain.StateDelivered, domain.StateDelivered,
			func(a *domain.AlertEvent) { a.Reached = []string{"A", "B"} })
		require.NoError(t, err)
		got, err := s.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, domain.StateDelivered, got.State)
		assert.Equal(t, 1, got.AttemptCount)
		assert.Equal(t, []string{"A", "B"}, got.Reached)

		_, err = s.UpdateState(ctx, "a1", domain.StatePending, domain.StateDelivered)
		require.ErrorIs(t, err, repo.ErrInvalidTransition)
	})

	t.Run("AtMostOneClaim", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.Insert(ctx, NewAlert("a1", 0)))

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateState(ctx, "a1", domain.StateDispatching, domain.StatePending)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, repo.ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, workers-1, conflicts)
	})

	t.Run("ListPendingIncludesDispatching", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		for i, id := range []string{"p", "d", "done"} {
			require.NoError(t, s.Insert(ctx, NewAlert(id, time.Duration(i)*time.Minute)))
		}
		_, err := s.UpdateState(ctx, "d", domain.StateDispatching, domain.StatePending)
		require.NoError(t, err)
		_, err = s.UpdateState(ctx, "done", domain.StateDispatching, domain.StatePending)
		require.NoError(t, err)
		_, err = s.UpdateState(ctx, "done", domain.StateDelivered, domain.StateDispatching)
		require.NoError(t, err)

		pending, err := s.ListPending(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(pending))
		for _, a := range pending {
			ids = append(ids, a.ID)
		}
		assert.Equal(t, []string{"p", "d"}, ids)
	})

	t.Run("AttemptsAppendOnlyInOrder", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.Insert(ctx, NewAlert("a1", 0)))
		for i := 0; i < 12; i++ {
			require.NoError(t, s.AppendAttempt(ctx, &domain.DeliveryAttempt{
				AlertID:     "a1",
				ContactID:   fmt.Sprintf("c%d", i),
				AttemptedAt: base.Add(time.Duration(i) * time.Second),
				Result:      domain.ResultTransient,
			}))
		}
		got, err := s.Attempts(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, got, 12)
		for i, at := range got {
			assert.Equal(t, fmt.Sprintf("c%d", i), at.ContactID)
		}
		err = s.AppendAttempt(ctx, &domain.DeliveryAttempt{AlertID: "missing", ContactID: "c"})
		require.ErrorIs(t, err, repo.ErrNotFound)
	})

	t.Run("PurgeOnlyTerminal", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.Insert(ctx, NewAlert("old-pending", 0)))
		require.NoError(t, s.Insert(ctx, NewAlert("old-done", 0)))
		require.NoError(t, s.AppendAttempt(ctx, &domain.DeliveryAttempt{AlertID: "old-done", ContactID: "A", Result: domain.ResultSuccess}))
		_, err := s.UpdateState(ctx, "old-done", domain.StateDispatching, domain.StatePending)
		require.NoError(t, err)
		_, err = s.UpdateState(ctx, "old-done", domain.StateDelivered, domain.StateDispatching, repo.At(base))
		require.NoError(t, err)

		n, err := s.Purge(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "old-done")
		require.ErrorIs(t, err, repo.ErrNotFound)
		atts, err := s.Attempts(ctx, "old-done")
		require.NoError(t, err)
		assert.Empty(t, atts)
		_, err = s.Get(ctx, "old-pending")
		require.NoError(t, err)
	})

	t.Run("ZonesAndContacts", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.PutZone(ctx, &domain.SafetyZone{ID: "z2", Mode: domain.ZoneDanger, Active: true, RadiusMeters: 50}))
		require.NoError(t, s.PutZone(ctx, &domain.SafetyZone{ID: "z1", Mode: domain.ZoneSafe, Active: true, RadiusMeters: 100}))
		zones, err := s.ListZones(ctx)
		require.NoError(t, err)
		require.Len(t, zones, 2)
		assert.Equal(t, "z1", zones[0].ID)
		require.NoError(t, s.DeleteZone(ctx, "z1"))
		require.ErrorIs(t, s.DeleteZone(ctx, "z1"), repo.ErrNotFound)

		c := &domain.TrustedContact{ID: "c1", Name: "Alice", Priority: 1,
			Channels: []domain.ContactChannel{{Kind: domain.ChannelSMS, Sealed: []byte("sealed")}}}
		require.NoError(t, s.PutContact(ctx, c))
		got, err := s.GetContact(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "Alice", got.Name)
		assert.Equal(t, []byte("sealed"), got.Channels[0].Sealed)
		list, err := s.ListContacts(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
		require.NoError(t, s.DeleteContact(ctx, "c1"))
		_, err = s.GetContact(ctx, "c1")
		require.ErrorIs(t, err, repo.ErrNotFound)
	})
}
