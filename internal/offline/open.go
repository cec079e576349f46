package offline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/config"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/security"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/storage"
)

// OpenStorage opens the backend named by cfg.Storage, resolving its path
// against the data dir.
func OpenStorage(cfg *config.Config) (storage.KV, error) {
	kv, err := storage.Open(storage.Options{
		Backend: cfg.Storage.Backend,
		Path:    cfg.Resolve(cfg.Storage.Path),
	})
	if err != nil {
		return nil, fmt.Errorf("offline: open storage: %w", err)
	}
	return kv, nil
}

// OpenSecure opens the credential store in its own directory under
// cfg.Secure.Dir. The random key, when no passphrase is configured, sits
// next to that directory. The returned KV must be closed by the caller.
func OpenSecure(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*security.Store, storage.KV, error) {
	dir := cfg.Resolve(cfg.Secure.Dir)
	kv, err := storage.NewFile(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("offline: open secure dir: %w", err)
	}
	store, err := security.OpenStore(ctx, kv, security.StoreOptions{
		KeyFile:    dir + ".key",
		Passphrase: cfg.Secure.Passphrase,
		Logger:     logger,
	})
	if err != nil {
		kv.Close() //nolint:errcheck
		return nil, nil, err
	}
	return store, kv, nil
}
