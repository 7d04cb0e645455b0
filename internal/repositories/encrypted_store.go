package repositories

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/prudhvinik1/offlinecore/internal/models"
	"golang.org/x/crypto/nacl/secretbox"
)

const sealedVersion = 1

// ErrDecrypt is returned when a stored value cannot be opened with the current key.
var ErrDecrypt = errors.New("failed to decrypt value")

// EncryptedStore seals every value with NaCl secretbox before handing it to
// the underlying store. Keys are stored in clear text.
type EncryptedStore struct {
	inner KeyValueStore
	key   [32]byte
}

func NewEncryptedStore(inner KeyValueStore, key [32]byte) *EncryptedStore {
	return &EncryptedStore{inner: inner, key: key}
}

func (r *EncryptedStore) Get(ctx context.Context, key string) (string, error) {
	raw, err := r.inner.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return r.open(raw)
}

func (r *EncryptedStore) Set(ctx context.Context, key, value string) error {
	sealed, err := r.seal(value)
	if err != nil {
		return err
	}
	return r.inner.Set(ctx, key, sealed)
}

func (r *EncryptedStore) Remove(ctx context.Context, key string) error {
	return r.inner.Remove(ctx, key)
}

// MultiGet skips entries that fail to decrypt, as if they were absent.
func (r *EncryptedStore) MultiGet(ctx context.Context, keys []string) (map[string]string, error) {
	raw, err := r.inner.MultiGet(ctx, keys)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(raw))
	for key, sealed := range raw {
		value, err := r.open(sealed)
		if err != nil {
			continue
		}
		values[key] = value
	}
	return values, nil
}

func (r *EncryptedStore) MultiSet(ctx context.Context, pairs map[string]string) error {
	sealed := make(map[string]string, len(pairs))
	for key, value := range pairs {
		s, err := r.seal(value)
		if err != nil {
			return err
		}
		sealed[key] = s
	}
	return r.inner.MultiSet(ctx, sealed)
}

func (r *EncryptedStore) seal(value string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	envelope := models.SealedValue{
		Version: sealedVersion,
		Nonce:   nonce[:],
		State:   secretbox.Seal(nil, []byte(value), &nonce, &r.key),
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal sealed value: %w", err)
	}
	return string(data), nil
}

func (r *EncryptedStore) open(raw string) (string, error) {
	var envelope models.SealedValue
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if envelope.Version != sealedVersion || len(envelope.Nonce) != 24 {
		return "", ErrDecrypt
	}

	var nonce [24]byte
	copy(nonce[:], envelope.Nonce)

	plain, ok := secretbox.Open(nil, envelope.State, &nonce, &r.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// LoadOrCreateSalt returns the key-derivation salt kept under key, creating a
// random one on first use.
func LoadOrCreateSalt(ctx context.Context, store KeyValueStore, key string) ([]byte, error) {
	encoded, err := store.Get(ctx, key)
	if err == nil {
		salt, decodeErr := hex.DecodeString(encoded)
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode salt: %w", decodeErr)
		}
		return salt, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := store.Set(ctx, key, hex.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("failed to store salt: %w", err)
	}
	return salt, nil
}
