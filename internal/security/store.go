package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/storage"
)

const (
	// KeyPrefix namespaces encrypted values. The store must be given its own
	// KV so these never share a backend with the queue or cache.
	KeyPrefix = "@nosara_secure:"
	saltKey   = KeyPrefix + "salt"
	probeKey  = KeyPrefix + "probe"
)

// Well-known item names.
const (
	KeyAuthToken       = "auth_token"
	KeyRefreshToken    = "refresh_token"
	KeyUserCredentials = "user_credentials"
	KeyAPIKeys         = "api_keys"
)

var knownKeys = []string{KeyAuthToken, KeyRefreshToken, KeyUserCredentials, KeyAPIKeys}

var (
	// ErrUnavailable is returned when the backing store cannot be written.
	ErrUnavailable = errors.New("security: secure store unavailable")
	// ErrDecrypt is returned when a value fails authentication.
	ErrDecrypt = errors.New("security: cannot decrypt value")
)

// StoreOptions selects the key source. With a Passphrase the key is derived
// with argon2id and a salt kept in the store; otherwise a random key is
// read from (or created at) KeyFile.
type StoreOptions struct {
	KeyFile    string
	Passphrase string
	Logger     *slog.Logger
}

// Store is an encrypted key/value store for credentials. Values are sealed
// with XChaCha20-Poly1305 using the item name as additional data, so a
// ciphertext copied under another name fails to open.
type Store struct {
	kv     storage.KV
	aead   aeadCipher
	logger *slog.Logger
	now    func() time.Time
}

type aeadCipher interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// OpenStore prepares the key and returns a ready store.
func OpenStore(ctx context.Context, kv storage.KV, opts StoreOptions) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var key []byte
	var err error
	switch {
	case opts.Passphrase != "":
		key, err = deriveKey(ctx, kv, opts.Passphrase)
	case opts.KeyFile != "":
		key, err = loadOrCreateKeyFile(opts.KeyFile)
	default:
		return nil, fmt.Errorf("security: key file or passphrase required")
	}
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("security: init cipher: %w", err)
	}
	return &Store{
		kv:     kv,
		aead:   aead,
		logger: logger.With("component", "secure-store"),
		now:    time.Now,
	}, nil
}

func deriveKey(ctx context.Context, kv storage.KV, passphrase string) ([]byte, error) {
	encoded, ok, err := kv.GetItem(ctx, saltKey)
	if err != nil {
		return nil, fmt.Errorf("%w: read salt: %v", ErrUnavailable, err)
	}
	var salt []byte
	if ok {
		salt, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("security: corrupt salt: %w", err)
		}
	} else {
		salt = make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("security: generate salt: %w", err)
		}
		if err := kv.SetItem(ctx, saltKey, base64.StdEncoding.EncodeToString(salt)); err != nil {
			return nil, fmt.Errorf("%w: write salt: %v", ErrUnavailable, err)
		}
	}
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize), nil
}

func loadOrCreateKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("security: key file %s has %d bytes, want %d", path, len(key), chacha20poly1305.KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("security: read key file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("security: create key dir: %w", err)
	}
	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("security: generate key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("security: write key file: %w", err)
	}
	return key, nil
}

// SetItem encrypts and stores value under name.
func (s *Store) SetItem(ctx context.Context, name, value string) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("security: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(name))
	if err := s.kv.SetItem(ctx, KeyPrefix+name, base64.StdEncoding.EncodeToString(sealed)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetItem returns the decrypted value, or ok=false if name is not stored.
func (s *Store) GetItem(ctx context.Context, name string) (string, bool, error) {
	encoded, ok, err := s.kv.GetItem(ctx, KeyPrefix+name)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return "", false, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(sealed) < s.aead.NonceSize() {
		return "", false, fmt.Errorf("%w: %s", ErrDecrypt, name)
	}
	n := s.aead.NonceSize()
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(name))
	if err != nil {
		return "", false, fmt.Errorf("%w: %s", ErrDecrypt, name)
	}
	return string(plain), true, nil
}

// RemoveItem deletes name.
func (s *Store) RemoveItem(ctx context.Context, name string) error {
	if err := s.kv.RemoveItem(ctx, KeyPrefix+name); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Clear removes the well-known items. The salt is kept so the passphrase
// keeps deriving the same key.
func (s *Store) Clear(ctx context.Context) error {
	var errs []error
	for _, k := range knownKeys {
		if err := s.RemoveItem(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsAvailable writes and deletes a probe value.
func (s *Store) IsAvailable(ctx context.Context) bool {
	if err := s.kv.SetItem(ctx, probeKey, "ok"); err != nil {
		s.logger.Warn("secure store unavailable", "error", err)
		return false
	}
	if err := s.kv.RemoveItem(ctx, probeKey); err != nil {
		s.logger.Warn("secure store unavailable", "error", err)
		return false
	}
	return true
}

// DebugInfo reports which items are present without revealing them.
type DebugInfo struct {
	HasTokens      bool `json:"hasTokens"`
	HasCredentials bool `json:"hasCredentials"`
	HasAPIKeys     bool `json:"hasApiKeys"`
	IsAvailable    bool `json:"isAvailable"`
}

// DebugInfo checks presence of each well-known item.
func (s *Store) DebugInfo(ctx context.Context) DebugInfo {
	tokens, _ := s.AuthTokens(ctx)
	creds, _ := s.Credentials(ctx)
	keys, _ := s.APIKeys(ctx)
	return DebugInfo{
		HasTokens:      tokens != nil,
		HasCredentials: creds != nil,
		HasAPIKeys:     keys != nil,
		IsAvailable:    s.IsAvailable(ctx),
	}
}
