package repo

import (
	"context"
	"errors"
	"time"

	"github.com/hamed0406/safealert/internal/domain"
)

var (
	ErrExists            = errors.New("repo: already exists")
	ErrNotFound          = errors.New("repo: not found")
	ErrConflict          = errors.New("repo: state conflict")
	ErrInvalidTransition = errors.New("repo: invalid state transition")
)

// Mutation adjusts an event inside an UpdateState transaction. It must not
// touch ID or State.
type Mutation func(*domain.AlertEvent)

// Ports (interfaces); swap in any DB adapter.
type AlertStore interface {
	// Insert fails with ErrExists if the ID is already stored.
	Insert(ctx context.Context, a *domain.AlertEvent) error
	Get(ctx context.Context, id string) (*domain.AlertEvent, error)
	// UpdateState moves an event from expected to next. ErrConflict if the
	// stored state is not expected.
	UpdateState(ctx context.Context, id string, next, expected domain.AlertState, muts ...Mutation) (*domain.AlertEvent, error)
	// ListPending returns PENDING and DISPATCHING events, oldest first.
	ListPending(ctx context.Context) ([]*domain.AlertEvent, error)
	List(ctx context.Context, limit int) ([]*domain.AlertEvent, error)
	AppendAttempt(ctx context.Context, at *domain.DeliveryAttempt) error
	Attempts(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error)
	// Purge removes terminal events last updated before the cutoff, with
	// their attempts. Returns how many events were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
}

type ZoneStore interface {
	PutZone(ctx context.Context, z *domain.SafetyZone) error
	DeleteZone(ctx context.Context, id string) error
	ListZones(ctx context.Context) ([]domain.SafetyZone, error)
}

type ContactStore interface {
	PutContact(ctx context.Context, c *domain.TrustedContact) error
	GetContact(ctx context.Context, id string) (*domain.TrustedContact, error)
	DeleteContact(ctx context.Context, id string) error
	ListContacts(ctx context.Context) ([]domain.TrustedContact, error)
}

// Store is everything the daemon persists.
type Store interface {
	AlertStore
	ZoneStore
	ContactStore
	Close() error
}
