package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/remote"
	"github.com/atinyakov/RealmKeeper/internal/trustchain"
)

// maxOutboundAttempts bounds the retry loop of one outbound sync: each
// timestamp or version conflict costs one attempt.
const maxOutboundAttempts = 8

// Reconciler drives the sync of local manifests against the server.
type Reconciler struct {
	ops    *trustchain.Ops
	client remote.Client
	device *models.DeviceContext
	vault  *Vault
	log    *zap.Logger
}

// NewReconciler builds a reconciler. log may be nil.
func NewReconciler(ops *trustchain.Ops, client remote.Client, device *models.DeviceContext, vault *Vault, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{ops: ops, client: client, device: device, vault: vault, log: log}
}

// Sync brings one entity in line with the server: outbound when there are
// local changes to push, inbound otherwise.
func (r *Reconciler) Sync(ctx context.Context, e Entity) error {
	snap, err := e.Snapshot()
	if err != nil {
		return err
	}
	if snap.NeedSync {
		return r.outbound(ctx, e, snap)
	}
	return r.inbound(ctx, e)
}

// outbound pushes local changes, retrying through timestamp constraints and
// merging through version conflicts.
func (r *Reconciler) outbound(ctx context.Context, e Entity, snap Snapshot) error {
	if snap.BaseVersion == 0 {
		if err := r.ops.EnsureRealmCreated(ctx, e.RealmID()); err != nil {
			return err
		}
	}

	timestamp := r.device.Timestamp()
	for attempt := 0; attempt < maxOutboundAttempts; attempt++ {
		upload, err := e.BuildUpload(timestamp)
		if err != nil {
			return err
		}

		write := &remote.VlobWrite{
			RealmID:   e.RealmID(),
			VlobID:    e.VlobID(),
			KeyIndex:  e.KeyIndex(),
			Version:   upload.Version,
			Timestamp: timestamp,
			Blob:      upload.Blob,
		}
		var result *remote.WriteResult
		if upload.Version == 1 {
			result, err = r.client.CreateVlob(ctx, write)
		} else {
			result, err = r.client.UpdateVlob(ctx, write)
		}
		if err != nil {
			return err
		}

		switch result.Status {
		case remote.StatusOK:
			return e.CommitUpload(upload)
		case remote.StatusRequireGreaterTimestamp:
			timestamp = nextTimestamp(result.StrictlyGreaterThan, r.device.Timestamp())
		case remote.StatusVersionConflict, remote.StatusAlreadyExists:
			// Someone else won the version race: pull their manifest in,
			// merge, and push the merged result as the next version. The
			// merge may find the remote already holds our changes, in which
			// case there is nothing left to upload.
			if err := r.inbound(ctx, e); err != nil {
				return err
			}
			snap, err := e.Snapshot()
			if err != nil {
				return err
			}
			if !snap.NeedSync {
				return nil
			}
			timestamp = r.device.Timestamp()
		case remote.StatusSequesterInconsistency:
			if _, err := r.ops.PollServer(ctx); err != nil {
				return err
			}
		case remote.StatusTimestampOutOfBallpark:
			return &trustchain.BadTimestampError{
				ServerTimestamp: result.ServerTimestamp,
				ClientTimestamp: result.ClientTimestamp,
			}
		default:
			return fmt.Errorf("vlob write failed for %s: %s", e.VlobID(), result.Status)
		}
	}
	return fmt.Errorf("vlob write kept racing for %s", e.VlobID())
}

// inbound fetches the latest server version, validates it against the trust
// chain and merges it into local state. A corrupted latest version triggers
// self-repair from an older valid version.
func (r *Reconciler) inbound(ctx context.Context, e Entity) error {
	read, err := r.client.ReadVlob(ctx, e.RealmID(), e.VlobID(), 0)
	if errors.Is(err, remote.ErrVlobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := r.ops.EnsureCoverage(ctx, read.NeededTimestamps); err != nil {
		return err
	}

	manifest, err := r.validateRead(ctx, e, read)
	var invalid *trustchain.InvalidManifestError
	if errors.As(err, &invalid) {
		r.log.Warn("latest manifest version fails validation, attempting repair",
			zap.String("vlob", e.VlobID().String()),
			zap.Uint32("version", read.Version),
			zap.Error(err))
		return r.repair(ctx, e, read)
	}
	if err != nil {
		return err
	}
	return e.MergeRemote(manifest, nil)
}

// validateRead runs trust-chain validation on one fetched vlob version.
func (r *Reconciler) validateRead(ctx context.Context, e Entity, read *remote.VlobRead) (models.Manifest, error) {
	coords := trustchain.VlobCoords{
		RealmID:   e.RealmID(),
		VlobID:    e.VlobID(),
		KeyIndex:  read.KeyIndex,
		Version:   read.Version,
		Author:    read.Author,
		Timestamp: read.Timestamp,
	}
	return e.ValidateRemote(ctx, coords, read.Blob)
}

// repair walks older versions until one validates, then carries it forward
// under the broken latest version number so everyone converges on the same
// state. The repaired content is pinned by digest: a later answer for the
// same version with different content is a divergence, not a refresh.
func (r *Reconciler) repair(ctx context.Context, e Entity, latest *remote.VlobRead) error {
	snap, err := e.Snapshot()
	if err != nil {
		return err
	}

	for version := latest.Version - 1; version > snap.BaseVersion; version-- {
		read, err := r.client.ReadVlob(ctx, e.RealmID(), e.VlobID(), version)
		if errors.Is(err, remote.ErrVlobNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		manifest, err := r.validateRead(ctx, e, read)
		var invalid *trustchain.InvalidManifestError
		if errors.As(err, &invalid) {
			continue
		}
		if err != nil {
			return err
		}

		repaired, err := relabelManifest(manifest, latest.Version)
		if err != nil {
			return err
		}
		digest, err := repairDigest(repaired)
		if err != nil {
			return err
		}
		r.log.Info("manifest repaired from older version",
			zap.String("vlob", e.VlobID().String()),
			zap.Uint32("from_version", version),
			zap.Uint32("as_version", latest.Version))
		return e.MergeRemote(repaired, digest)
	}

	// No version between our base and the broken latest validates: local
	// state is the best we have, keep it and let a future sync retry.
	r.log.Warn("no valid manifest version found, keeping local state",
		zap.String("vlob", e.VlobID().String()),
		zap.Uint32("latest_version", latest.Version),
		zap.Uint32("base_version", snap.BaseVersion))
	return nil
}

// relabelManifest copies a manifest under a different version number.
func relabelManifest(m models.Manifest, version uint32) (models.Manifest, error) {
	switch v := m.(type) {
	case *models.UserManifest:
		c := *v
		c.Version = version
		return &c, nil
	case *models.WorkspaceManifest:
		c := *v
		c.Version = version
		return &c, nil
	case *models.FolderManifest:
		c := *v
		c.Version = version
		return &c, nil
	case *models.FileManifest:
		c := *v
		c.Version = version
		return &c, nil
	default:
		return nil, fmt.Errorf("cannot relabel manifest type %s", m.ManifestType())
	}
}

// repairDigest pins the content of a repaired manifest.
func repairDigest(m models.Manifest) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("digest manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// nextTimestamp picks a retry timestamp strictly dominating the server
// constraint without drifting behind our own clock.
func nextTimestamp(strictlyGreaterThan, now models.DateTime) models.DateTime {
	candidate := strictlyGreaterThan + 1
	if now > candidate {
		return now
	}
	return candidate
}
