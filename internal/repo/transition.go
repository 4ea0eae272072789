package repo

import (
	"fmt"
	"time"

	"github.com/hamed0406/safealert/internal/domain"
)

// ApplyTransition runs the shared UpdateState checks against the stored
// copy and returns the updated event. Adapters call it inside their own
// transaction.
func ApplyTransition(cur domain.AlertEvent, next, expected domain.AlertState, muts []Mutation) (domain.AlertEvent, error) {
	if cur.State != expected {
		return cur, fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, cur.ID, cur.State, expected)
	}
	if !domain.CanTransition(cur.State, next) {
		return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, next)
	}
	out := cur.Clone()
	for _, m := range muts {
		m(&out)
	}
	if out.AttemptCount < cur.AttemptCount {
		return cur, fmt.Errorf("%w: attempt count %d -> %d", ErrInvalidTransition, cur.AttemptCount, out.AttemptCount)
	}
	out.ID = cur.ID
	out.State = next
	return out, nil
}

// At stamps UpdatedAt.
func At(now time.Time) Mutation {
	return func(a *domain.AlertEvent) { a.UpdatedAt = now }
}
