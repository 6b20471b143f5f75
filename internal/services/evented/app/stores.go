package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/louisbranch/evented/internal/services/evented/domain/compensation"
	"github.com/louisbranch/evented/internal/services/evented/storage"
	"github.com/louisbranch/evented/internal/services/evented/storage/memory"
	"github.com/louisbranch/evented/internal/services/evented/storage/postgres"
	"github.com/louisbranch/evented/internal/services/evented/storage/sqlite"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// backend is an opened storage backend.
type backend struct {
	stores      storage.Stores
	claims      compensation.ClaimStore
	deadLetters compensation.DeadLetterSink
	close       func() error
}

func openBackend(ctx context.Context, cfg RuntimeConfig) (backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return backend{
			stores:      memory.NewStores(),
			claims:      compensation.NewMemoryClaims(),
			deadLetters: &compensation.MemoryDeadLetters{},
			close:       func() error { return nil },
		}, nil
	case BackendSQLite:
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return backend{}, fmt.Errorf("create storage dir: %w", err)
			}
		}
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return backend{}, fmt.Errorf("open sqlite store: %w", err)
		}
		return backend{
			stores:      store.Stores(),
			claims:      store.Claims(),
			deadLetters: store.DeadLetters(),
			close:       store.Close,
		}, nil
	case BackendPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return backend{}, fmt.Errorf("open postgres store: %w", err)
		}
		return backend{
			stores:      store.Stores(),
			claims:      store.Claims(),
			deadLetters: store.DeadLetters(),
			close:       store.Close,
		}, nil
	default:
		return backend{}, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
