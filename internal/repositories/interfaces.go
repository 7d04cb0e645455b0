package repositories

import (
	"context"
	"errors"

	"github.com/prudhvinik1/offlinecore/internal/models"
)

var ErrNotFound = errors.New("not found")

// KeyValueStore is a process-persistent string store. Writes are expected to be
// crash-safe per key.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	// MultiGet omits keys that are not present.
	MultiGet(ctx context.Context, keys []string) (map[string]string, error)
	MultiSet(ctx context.Context, pairs map[string]string) error
}

type SessionRepository interface {
	Save(ctx context.Context, session *models.Session) error
	Current(ctx context.Context) (*models.Session, error)
	Clear(ctx context.Context) error
}
