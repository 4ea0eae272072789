package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/repo"
)

const alertColumns = `id, cause, zone_id, sample, created_at, state, attempt_count,
	last_attempt_at, next_attempt_at, recipients, reached, unreachable, updated_at`

func scanAlert(row pgx.Row) (*domain.AlertEvent, error) {
	var (
		a      domain.AlertEvent
		sample []byte
	)
	err := row.Scan(&a.ID, &a.Cause, &a.ZoneID, &sample, &a.CreatedAt, &a.State, &a.AttemptCount,
		&a.LastAttemptAt, &a.NextAttemptAt, &a.Recipients, &a.Reached, &a.Unreachable, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sample, &a.Sample); err != nil {
		return nil, fmt.Errorf("decode sample: %w", err)
	}
	return &a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *Store) Insert(ctx context.Context, a *domain.AlertEvent) error {
	sample, err := json.Marshal(a.Sample)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO alert_events (`+alertColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, string(a.Cause), a.ZoneID, sample, a.CreatedAt, string(a.State), a.AttemptCount,
		a.LastAttemptAt, a.NextAttemptAt, nonNil(a.Recipients), nonNil(a.Reached), nonNil(a.Unreachable), a.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: alert %s", repo.ErrExists, a.ID)
	}
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.AlertEvent, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alert_events WHERE id = $1`, id))
	if notFound(err) {
		return nil, fmt.Errorf("%w: alert %s", repo.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// UpdateState locks the row, checks the transition and writes it back in one
// transaction, so concurrent claims serialise on the row lock.
func (s *Store) UpdateState(ctx context.Context, id string, next, expected domain.AlertState, muts ...repo.Mutation) (*domain.AlertEvent, error) {
	var out domain.AlertEvent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanAlert(tx.QueryRow(ctx,
			`SELECT `+alertColumns+` FROM alert_events WHERE id = $1 FOR UPDATE`, id))
		if notFound(err) {
			return fmt.Errorf("%w: alert %s", repo.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		updated, err := repo.ApplyTransition(*cur, next, expected, muts)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE alert_events
			    SET state=$2, attempt_count=$3, last_attempt_at=$4, next_attempt_at=$5,
			        recipients=$6, reached=$7, unreachable=$8, updated_at=$9
			  WHERE id=$1`,
			id, string(updated.State), updated.AttemptCount, updated.LastAttemptAt, updated.NextAttemptAt,
			nonNil(updated.Recipients), nonNil(updated.Reached), nonNil(updated.Unreachable), updated.UpdatedAt)
		out = updated
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) queryAlerts(ctx context.Context, q string, args ...any) ([]*domain.AlertEvent, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	out := make([]*domain.AlertEvent, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListPending(ctx context.Context) ([]*domain.AlertEvent, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alert_events
		  WHERE state IN ('PENDING', 'DISPATCHING')
		  ORDER BY created_at, id`)
}

func (s *Store) List(ctx context.Context, limit int) ([]*domain.AlertEvent, error) {
	if limit <= 0 {
		return s.queryAlerts(ctx, `SELECT `+alertColumns+` FROM alert_events ORDER BY created_at DESC`)
	}
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alert_events ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *Store) AppendAttempt(ctx context.Context, at *domain.DeliveryAttempt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO delivery_attempts (alert_id, contact_id, channel, attempted_at, result, detail)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		at.AlertID, at.ContactID, string(at.Channel), at.AttemptedAt, string(at.Result), at.Detail)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: alert %s", repo.ErrNotFound, at.AlertID)
	}
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *Store) Attempts(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT alert_id, contact_id, channel, attempted_at, result, detail
		   FROM delivery_attempts WHERE alert_id = $1 ORDER BY seq`, alertID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []domain.DeliveryAttempt
	for rows.Next() {
		var at domain.DeliveryAttempt
		if err := rows.Scan(&at.AlertID, &at.ContactID, &at.Channel, &at.AttemptedAt, &at.Result, &at.Detail); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM alert_events
		  WHERE state IN ('DELIVERED', 'FAILED_PERMANENT', 'CANCELLED') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) PutZone(ctx context.Context, z *domain.SafetyZone) error {
	if z.UpdatedAt.IsZero() {
		z.UpdatedAt = time.Now().UTC()
	}
	return s.putDoc(ctx, "safety_zones", z.ID, z)
}

func (s *Store) DeleteZone(ctx context.Context, id string) error {
	return s.deleteDoc(ctx, "safety_zones", "zone", id)
}

func (s *Store) ListZones(ctx context.Context) ([]domain.SafetyZone, error) {
	return listDocs[domain.SafetyZone](ctx, s.pool, "safety_zones")
}

func (s *Store) PutContact(ctx context.Context, c *domain.TrustedContact) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return s.putDoc(ctx, "trusted_contacts", c.ID, c)
}

func (s *Store) GetContact(ctx context.Context, id string) (*domain.TrustedContact, error) {
	var b []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM trusted_contacts WHERE id = $1`, id).Scan(&b)
	if notFound(err) {
		return nil, fmt.Errorf("%w: contact %s", repo.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	var c domain.TrustedContact
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode contact: %w", err)
	}
	return &c, nil
}

func (s *Store) DeleteContact(ctx context.Context, id string) error {
	return s.deleteDoc(ctx, "trusted_contacts", "contact", id)
}

func (s *Store) ListContacts(ctx context.Context) ([]domain.TrustedContact, error) {
	return listDocs[domain.TrustedContact](ctx, s.pool, "trusted_contacts")
}
