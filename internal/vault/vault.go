// Package vault keeps trusted contacts with their channel identifiers sealed
// at rest. Plaintext identifiers only leave the package through Reveal.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/repo"
)

var (
	ErrNoChannel = errors.New("vault: contact has no such channel")
	// ErrUnseal means a stored identifier could not be decrypted, e.g. after
	// the master key changed.
	ErrUnseal = errors.New("vault: cannot unseal identifier")
)

const redacted = "[redacted]"

// Identifier is a decrypted phone number, endpoint token or similar. Its
// printed and JSON forms are redacted; call Reveal for the value.
type Identifier struct{ v string }

func (i Identifier) Reveal() string { return i.v }
func (i Identifier) String() string { return redacted }
func (i Identifier) GoString() string { return redacted }
func (i Identifier) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }
func (i Identifier) MarshalText() ([]byte, error) { return []byte(redacted), nil }
func (i Identifier) IsZero() bool { return i.v == "" }

// ChannelInput is a plaintext channel as supplied by the owner.
type ChannelInput struct {
	Kind       domain.ChannelKind `json:"kind" validate:"required,oneof=sms api push"`
	Identifier string             `json:"identifier" validate:"required,max=512"`
}

type ContactInput struct {
	ID       string         `json:"id,omitempty" validate:"omitempty,max=64"`
	Name     string         `json:"name" validate:"required,max=128"`
	Priority int            `json:"priority" validate:"gte=0"`
	Channels []ChannelInput `json:"channels" validate:"required,min=1,dive"`
}

type Vault struct {
	store  repo.ContactStore
	sealer Sealer
}

func New(store repo.ContactStore, sealer Sealer) *Vault {
	return &Vault{store: store, sealer: sealer}
}

func aad(contactID string, kind domain.ChannelKind) []byte {
	return []byte(contactID + "/" + string(kind))
}

// Put seals every identifier and stores the contact, replacing any contact
// with the same ID.
func (v *Vault) Put(ctx context.Context, in ContactInput) (*domain.TrustedContact, error) {
	c := &domain.TrustedContact{ID: in.ID, Name: in.Name, Priority: in.Priority}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	for _, ch := range in.Channels {
		sealed, err := v.sealer.Seal([]byte(strings.TrimSpace(ch.Identifier)), aad(c.ID, ch.Kind))
		if err != nil {
			return nil, fmt.Errorf("seal %s channel: %w", ch.Kind, err)
		}
		c.Channels = append(c.Channels, domain.ContactChannel{Kind: ch.Kind, Sealed: sealed})
	}
	if err := v.store.PutContact(ctx, c); err != nil {
		return nil, fmt.Errorf("store contact: %w", err)
	}
	return c, nil
}

func (v *Vault) Get(ctx context.Context, id string) (*domain.TrustedContact, error) {
	return v.store.GetContact(ctx, id)
}

// List returns contacts in priority order (ties by ID).
func (v *Vault) List(ctx context.Context) ([]domain.TrustedContact, error) {
	cs, err := v.store.ListContacts(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Priority != cs[j].Priority {
			return cs[i].Priority < cs[j].Priority
		}
		return cs[i].ID < cs[j].ID
	})
	return cs, nil
}

func (v *Vault) Delete(ctx context.Context, id string) error {
	return v.store.DeleteContact(ctx, id)
}

// Reveal decrypts the identifier for one channel of one contact.
func (v *Vault) Reveal(ctx context.Context, contactID string, kind domain.ChannelKind) (Identifier, error) {
	c, err := v.store.GetContact(ctx, contactID)
	if err != nil {
		return Identifier{}, err
	}
	for _, ch := range c.Channels {
		if ch.Kind != kind {
			continue
		}
		p, err := v.sealer.Open(ch.Sealed, aad(contactID, kind))
		if err != nil {
			return Identifier{}, fmt.Errorf("%w: %v", ErrUnseal, err)
		}
		return Identifier{v: string(p)}, nil
	}
	return Identifier{}, fmt.Errorf("%w: %s/%s", ErrNoChannel, contactID, kind)
}
