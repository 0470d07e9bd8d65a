package directory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"confab/internal/models"

	"github.com/c-pro/geche"
)

const cacheTTL = time.Minute

// Store is the durable backing for directory records.
type Store interface {
	GetUser(id string) (models.User, error)
	ListUsers() ([]models.User, error)
}

// Directory resolves user identities for presence and history rendering.
// It is a read-mostly facade over storage with a short-lived lookup cache;
// the chat core never owns user records, only references them.
type Directory struct {
	store Store
	cache geche.Geche[string, models.User]
}

func New(ctx context.Context, store Store) *Directory {
	return &Directory{
		store: store,
		cache: geche.NewMapTTLCache[string, models.User](ctx, cacheTTL, cacheTTL),
	}
}

// GetUser returns the directory record for a user id.
// Returns models.ErrNotFound for unknown or deleted users.
func (d *Directory) GetUser(id string) (models.User, error) {
	if user, err := d.cache.Get(id); err == nil {
		return user, nil
	}

	user, err := d.store.GetUser(id)
	if err != nil {
		return models.User{}, err
	}
	if user.Status == models.UserStatusDeleted {
		return models.User{}, models.ErrNotFound
	}

	d.cache.Set(id, user)
	return user, nil
}

// Ref returns the denormalized identity fields for embedding in messages.
// Unknown users degrade to a bare id reference instead of failing the
// caller: a missing directory record must not lose a stored message.
func (d *Directory) Ref(id string) models.UserRef {
	user, err := d.GetUser(id)
	if err != nil {
		return models.UserRef{ID: id}
	}
	return models.UserRef{
		ID:          user.ID,
		UserName:    user.UserName,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
	}
}

// ListUsers returns all non-deleted users sorted by display name.
func (d *Directory) ListUsers() ([]models.User, error) {
	all, err := d.store.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users := make([]models.User, 0, len(all))
	for _, u := range all {
		if u.Status == models.UserStatusDeleted {
			continue
		}
		users = append(users, u)
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].DisplayName < users[j].DisplayName
	})

	return users, nil
}
