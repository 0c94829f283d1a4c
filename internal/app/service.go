package app

import (
	"context"

	"github.com/backydb/backydb/internal/storage"
)

// Validate checks database connectivity, the key provider (when encryption
// is on), and storage reachability without moving any data.
func (a *App) Validate(ctx context.Context) error {
	if _, err := a.Engine.ServerVersion(ctx); err != nil {
		return err
	}
	if a.Cfg.Security.Encryption {
		if _, err := a.keyProvider(ctx); err != nil {
			return err
		}
	}
	_, err := a.Store.List(ctx, a.Cfg.Storage.Prefix)
	return err
}

// List enumerates stored backup objects under the configured prefix.
func (a *App) List(ctx context.Context) ([]storage.ObjectInfo, error) {
	return a.Store.List(ctx, a.Cfg.Storage.Prefix)
}
