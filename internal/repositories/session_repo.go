package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prudhvinik1/offlinecore/internal/models"
)

const currentSessionKey = "session:current"

// KVSessionRepository keeps the device's single active session in a
// KeyValueStore, normally an EncryptedStore.
type KVSessionRepository struct {
	store KeyValueStore
}

func NewKVSessionRepository(store KeyValueStore) *KVSessionRepository {
	return &KVSessionRepository{store: store}
}

func (r *KVSessionRepository) Save(ctx context.Context, session *models.Session) error {
	jsonData, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := r.store.Set(ctx, currentSessionKey, string(jsonData)); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (r *KVSessionRepository) Current(ctx context.Context) (*models.Session, error) {
	jsonData, err := r.store.Get(ctx, currentSessionKey)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(jsonData), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *KVSessionRepository) Clear(ctx context.Context) error {
	if err := r.store.Remove(ctx, currentSessionKey); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
