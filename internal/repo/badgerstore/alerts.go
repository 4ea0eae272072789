package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/repo"
)

func alertKey(id string) string { return prefixAlert + id }

func attemptPrefix(alertID string) string { return prefixAttempt + alertID + "/" }

func (s *Store) Insert(ctx context.Context, a *domain.AlertEvent) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(alertKey(a.ID)))
		switch {
		case err == nil:
			return fmt.Errorf("%w: alert %s", repo.ErrExists, a.ID)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return setJSON(txn, alertKey(a.ID), a)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent insert of the same key won.
		return fmt.Errorf("%w: alert %s", repo.ErrExists, a.ID)
	}
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*domain.AlertEvent, error) {
	var a domain.AlertEvent
	err := s.db.View(func(txn *badger.Txn) error { return getJSON(txn, alertKey(id), &a) })
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: alert %s", repo.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return &a, nil
}

func (s *Store) UpdateState(ctx context.Context, id string, next, expected domain.AlertState, muts ...repo.Mutation) (*domain.AlertEvent, error) {
	var out domain.AlertEvent
	err := s.db.Update(func(txn *badger.Txn) error {
		var cur domain.AlertEvent
		if err := getJSON(txn, alertKey(id), &cur); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: alert %s", repo.ErrNotFound, id)
			}
			return err
		}
		updated, err := repo.ApplyTransition(cur, next, expected, muts)
		if err != nil {
			return err
		}
		out = updated
		return setJSON(txn, alertKey(id), &updated)
	})
	if errors.Is(err, badger.ErrConflict) {
		// Another transaction changed the event between our read and commit.
		return nil, fmt.Errorf("%w: alert %s changed concurrently", repo.ErrConflict, id)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListPending(ctx context.Context) ([]*domain.AlertEvent, error) {
	all, err := s.listAlerts(func(a *domain.AlertEvent) bool {
		return a.State == domain.StatePending || a.State == domain.StateDispatching
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]*domain.AlertEvent, error) {
	all, err := s.listAlerts(nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) listAlerts(keep func(*domain.AlertEvent) bool) ([]*domain.AlertEvent, error) {
	var out []*domain.AlertEvent
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixAlert, func(_ []byte, b []byte) error {
			var a domain.AlertEvent
			if err := json.Unmarshal(b, &a); err != nil {
				return err
			}
			if keep == nil || keep(&a) {
				out = append(out, &a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

func (s *Store) AppendAttempt(ctx context.Context, at *domain.DeliveryAttempt) error {
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("attempt sequence: %w", err)
	}
	key := fmt.Sprintf("%s%020d", attemptPrefix(at.AlertID), n)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(alertKey(at.AlertID))); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: alert %s", repo.ErrNotFound, at.AlertID)
			}
			return err
		}
		return setJSON(txn, key, at)
	})
}

func (s *Store) Attempts(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error) {
	var out []domain.DeliveryAttempt
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, attemptPrefix(alertID), func(_ []byte, b []byte) error {
			var at domain.DeliveryAttempt
			if err := json.Unmarshal(b, &at); err != nil {
				return err
			}
			out = append(out, at)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return out, nil
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int, error) {
	old, err := s.listAlerts(func(a *domain.AlertEvent) bool {
		return a.State.Terminal() && a.UpdatedAt.Before(before)
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range old {
		removed := false
		err := s.db.Update(func(txn *badger.Txn) error {
			removed = false
			var cur domain.AlertEvent
			if err := getJSON(txn, alertKey(a.ID), &cur); err != nil {
				return err
			}
			if !cur.State.Terminal() || !cur.UpdatedAt.Before(before) {
				return nil
			}
			var keys [][]byte
			if err := scan(txn, attemptPrefix(a.ID), func(k []byte, _ []byte) error {
				keys = append(keys, k)
				return nil
			}); err != nil {
				return err
			}
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			if err := txn.Delete([]byte(alertKey(a.ID))); err != nil {
				return err
			}
			if s.beforePurgeCommit != nil {
				s.beforePurgeCommit(a.ID)
			}
			removed = true
			return nil
		})
		switch {
		case errors.Is(err, badger.ErrKeyNotFound), errors.Is(err, badger.ErrConflict):
			// Gone or rewritten since the listing; the next sweep decides.
			continue
		case err != nil:
			return n, fmt.Errorf("purge %s: %w", a.ID, err)
		}
		if removed {
			n++
		}
	}
	return n, nil
}
