package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/repo"
)

func (s *Store) PutZone(ctx context.Context, z *domain.SafetyZone) error {
	if z.UpdatedAt.IsZero() {
		z.UpdatedAt = time.Now().UTC()
	}
	return s.db.Update(func(txn *badger.Txn) error { return setJSON(txn, prefixZone+z.ID, z) })
}

func (s *Store) DeleteZone(ctx context.Context, id string) error {
	return s.deleteKey(prefixZone+id, "zone", id)
}

func (s *Store) ListZones(ctx context.Context) ([]domain.SafetyZone, error) {
	out := make([]domain.SafetyZone, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixZone, func(_ []byte, b []byte) error {
			var z domain.SafetyZone
			if err := json.Unmarshal(b, &z); err != nil {
				return err
			}
			out = append(out, z)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	return out, nil
}

func (s *Store) PutContact(ctx context.Context, c *domain.TrustedContact) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(txn *badger.Txn) error { return setJSON(txn, prefixContact+c.ID, c) })
}

func (s *Store) GetContact(ctx context.Context, id string) (*domain.TrustedContact, error) {
	var c domain.TrustedContact
	err := s.db.View(func(txn *badger.Txn) error { return getJSON(txn, prefixContact+id, &c) })
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: contact %s", repo.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &c, nil
}

func (s *Store) DeleteContact(ctx context.Context, id string) error {
	return s.deleteKey(prefixContact+id, "contact", id)
}

func (s *Store) ListContacts(ctx context.Context) ([]domain.TrustedContact, error) {
	out := make([]domain.TrustedContact, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixContact, func(_ []byte, b []byte) error {
			var c domain.TrustedContact
			if err := json.Unmarshal(b, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return out, nil
}

func (s *Store) deleteKey(key, kind, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s %s", repo.ErrNotFound, kind, id)
			}
			return err
		}
		return txn.Delete([]byte(key))
	})
}
