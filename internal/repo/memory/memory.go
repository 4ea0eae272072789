package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/repo"
)

// Store keeps everything in process memory. It satisfies the same contract
// as the durable stores and is used by tests and ephemeral runs.
type Store struct {
	mu       sync.RWMutex
	alerts   map[string]*domain.AlertEvent
	attempts map[string][]domain.DeliveryAttempt
	zones    map[string]domain.SafetyZone
	contacts map[string]domain.TrustedContact
}

func New() *Store {
	return &Store{
		alerts:   make(map[string]*domain.AlertEvent),
		attempts: make(map[string][]domain.DeliveryAttempt),
		zones:    make(map[string]domain.SafetyZone),
		contacts: make(map[string]domain.TrustedContact),
	}
}

func (m *Store) Close() error { return nil }

// ---- AlertStore ----

func (m *Store) Insert(ctx context.Context, a *domain.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; ok {
		return fmt.Errorf("%w: alert %s", repo.ErrExists, a.ID)
	}
	cp := a.Clone()
	m.alerts[a.ID] = &cp
	return nil
}

func (m *Store) Get(ctx context.Context, id string) (*domain.AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: alert %s", repo.ErrNotFound, id)
	}
	cp := a.Clone()
	return &cp, nil
}

func (m *Store) UpdateState(ctx context.Context, id string, next, expected domain.AlertState, muts ...repo.Mutation) (*domain.AlertEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: alert %s", repo.ErrNotFound, id)
	}
	out, err := repo.ApplyTransition(*cur, next, expected, muts)
	if err != nil {
		return nil, err
	}
	m.alerts[id] = &out
	cp := out.Clone()
	return &cp, nil
}

func (m *Store) ListPending(ctx context.Context) ([]*domain.AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.AlertEvent, 0)
	for _, a := range m.alerts {
		if a.State == domain.StatePending || a.State == domain.StateDispatching {
			cp := a.Clone()
			out = append(out, &cp)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *Store) List(ctx context.Context, limit int) ([]*domain.AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.AlertEvent, 0, len(m.alerts))
	for _, a := range m.alerts {
		cp := a.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) AppendAttempt(ctx context.Context, at *domain.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[at.AlertID]; !ok {
		return fmt.Errorf("%w: alert %s", repo.ErrNotFound, at.AlertID)
	}
	m.attempts[at.AlertID] = append(m.attempts[at.AlertID], *at)
	return nil
}

func (m *Store) Attempts(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.DeliveryAttempt(nil), m.attempts[alertID]...), nil
}

func (m *Store) Purge(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, a := range m.alerts {
		if a.State.Terminal() && a.UpdatedAt.Before(before) {
			delete(m.alerts, id)
			delete(m.attempts, id)
			n++
		}
	}
	return n, nil
}

// ---- ZoneStore ----

func (m *Store) PutZone(ctx context.Context, z *domain.SafetyZone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z.UpdatedAt.IsZero() {
		z.UpdatedAt = time.Now().UTC()
	}
	m.zones[z.ID] = *z
	return nil
}

func (m *Store) DeleteZone(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[id]; !ok {
		return fmt.Errorf("%w: zone %s", repo.ErrNotFound, id)
	}
	delete(m.zones, id)
	return nil
}

func (m *Store) ListZones(ctx context.Context) ([]domain.SafetyZone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SafetyZone, 0, len(m.zones))
	for _, z := range m.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- ContactStore ----

func (m *Store) PutContact(ctx context.Context, c *domain.TrustedContact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.contacts[c.ID] = *c
	return nil
}

func (m *Store) GetContact(ctx context.Context, id string) (*domain.TrustedContact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: contact %s", repo.ErrNotFound, id)
	}
	return &c, nil
}

func (m *Store) DeleteContact(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contacts[id]; !ok {
		return fmt.Errorf("%w: contact %s", repo.ErrNotFound, id)
	}
	delete(m.contacts, id)
	return nil
}

func (m *Store) ListContacts(ctx context.Context) ([]domain.TrustedContact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.TrustedContact, 0, len(m.contacts))
	for _, c := range m.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func sortOldestFirst(as []*domain.AlertEvent) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.Before(as[j].CreatedAt)
		}
		return as[i].ID < as[j].ID
	})
}

var _ repo.Store = (*Store)(nil)
