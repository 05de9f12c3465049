package syncer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/remote"
	"github.com/atinyakov/RealmKeeper/internal/trustchain"
)

// AutoSync periodically polls the server for new certificates and syncs the
// user manifest plus every locally known workspace.
type AutoSync struct {
	reconciler *Reconciler
	ops        *trustchain.Ops
	vault      *Vault
	device     *models.DeviceContext
	log        *zap.Logger
}

// NewAutoSync builds the polling loop driver. log may be nil.
func NewAutoSync(reconciler *Reconciler, ops *trustchain.Ops, vault *Vault, device *models.DeviceContext, log *zap.Logger) *AutoSync {
	if log == nil {
		log = zap.NewNop()
	}
	return &AutoSync{reconciler: reconciler, ops: ops, vault: vault, device: device, log: log}
}

// Start launches the loop in a goroutine; it stops when ctx is cancelled.
// Offline rounds are logged and retried on the next tick.
func (a *AutoSync) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.RunOnce(ctx); err != nil {
					if errors.Is(err, remote.ErrOffline) {
						a.log.Debug("sync round skipped, server offline")
						continue
					}
					a.log.Warn("sync round failed", zap.Error(err))
				}
			}
		}
	}()
}

// RunOnce performs one full round: certificate poll, user manifest sync,
// then every workspace. The first error stops the round.
func (a *AutoSync) RunOnce(ctx context.Context) error {
	if _, err := a.ops.PollServer(ctx); err != nil {
		return err
	}

	if err := a.reconciler.Sync(ctx, NewUserEntity(a.vault, a.device, a.ops)); err != nil {
		return err
	}

	for _, realmID := range a.vault.Workspaces() {
		e := NewWorkspaceEntity(a.vault, a.device, a.ops, a.vault, realmID, 1)
		if err := a.reconciler.Sync(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
