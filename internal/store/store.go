// Package store persists the list of managed repositories between runs.
package store

import (
	"context"
	"fmt"

	"github.com/schaermu/gitcloudd/internal/config"
	"github.com/schaermu/gitcloudd/internal/repo"
)

// Store loads and saves the full repository list. Save replaces whatever was
// stored before.
type Store interface {
	Load(ctx context.Context) ([]repo.Repo, error)
	Save(ctx context.Context, repos []repo.Repo) error
	Close() error
}

// Open returns the store selected by the configuration
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case config.StoreJSON:
		return NewJSONStore(cfg.StorePath()), nil
	case config.StoreSQLite:
		return OpenSQLite(cfg.StorePath())
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
