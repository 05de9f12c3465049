package syncer

import (
	"context"
	"fmt"

	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/trustchain"
)

// Snapshot is the sync-relevant local state of an entity.
type Snapshot struct {
	BaseVersion uint32
	NeedSync    bool
	Speculative bool
}

// Upload is one outbound candidate built from local state.
type Upload struct {
	Version uint32
	// Blob is the signed-then-encrypted manifest as shipped to the server.
	Blob []byte
	// Remote is the cleartext candidate, committed locally on acceptance.
	Remote models.Manifest
}

// Entity abstracts one synchronized manifest (the user manifest or a
// workspace root) for the reconciler.
type Entity interface {
	RealmID() models.RealmID
	VlobID() models.VlobID
	KeyIndex() uint32
	Snapshot() (Snapshot, error)
	// BuildUpload derives the next-version candidate from current local
	// state at the given timestamp.
	BuildUpload(timestamp models.DateTime) (*Upload, error)
	// CommitUpload records a server-accepted candidate as the new base.
	CommitUpload(u *Upload) error
	// ValidateRemote runs trust-chain validation on a fetched blob.
	ValidateRemote(ctx context.Context, coords trustchain.VlobCoords, blob []byte) (models.Manifest, error)
	// MergeRemote folds a validated remote manifest into local state.
	// repairDigest is non-nil when the manifest went through self-repair.
	MergeRemote(m models.Manifest, repairDigest []byte) error
}

// userEntity syncs the user manifest in the per-user realm.
type userEntity struct {
	vault  *Vault
	device *models.DeviceContext
	ops    *trustchain.Ops
}

// NewUserEntity wires the user manifest for syncing.
func NewUserEntity(vault *Vault, device *models.DeviceContext, ops *trustchain.Ops) Entity {
	return &userEntity{vault: vault, device: device, ops: ops}
}

func (e *userEntity) RealmID() models.RealmID { return e.device.UserRealmID }
func (e *userEntity) VlobID() models.VlobID   { return e.device.UserRealmID }
func (e *userEntity) KeyIndex() uint32        { return 0 }

func (e *userEntity) Snapshot() (Snapshot, error) {
	local, err := e.vault.User()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		BaseVersion: local.Base.Version,
		NeedSync:    local.NeedSync,
		Speculative: local.Speculative,
	}, nil
}

func (e *userEntity) BuildUpload(timestamp models.DateTime) (*Upload, error) {
	local, err := e.vault.User()
	if err != nil {
		return nil, err
	}
	candidate := local.ToRemote(e.device.DeviceID, timestamp)
	signed, err := models.DumpAndSignManifest(&candidate, e.device.SigningKey)
	if err != nil {
		return nil, err
	}
	return &Upload{
		Version: candidate.Version,
		Blob:    e.device.UserRealmKey.Encrypt(signed),
		Remote:  &candidate,
	}, nil
}

func (e *userEntity) CommitUpload(u *Upload) error {
	remote, ok := u.Remote.(*models.UserManifest)
	if !ok {
		return fmt.Errorf("upload candidate is not a user manifest")
	}
	return e.vault.WithUser(func(local *models.LocalUserManifest) error {
		if u.Version <= local.Base.Version {
			return nil
		}
		local.Base = *remote
		local.Speculative = false
		local.NeedSync = local.UpdatedOn > remote.UpdatedOn
		return nil
	})
}

func (e *userEntity) ValidateRemote(ctx context.Context, coords trustchain.VlobCoords, blob []byte) (models.Manifest, error) {
	return e.ops.ValidateUserManifest(ctx, coords, blob)
}

func (e *userEntity) MergeRemote(m models.Manifest, repairDigest []byte) error {
	remote, ok := m.(*models.UserManifest)
	if !ok {
		return fmt.Errorf("remote manifest is not a user manifest")
	}
	return e.vault.WithUser(func(local *models.LocalUserManifest) error {
		mergeUserManifest(local, remote)
		return nil
	})
}

// workspaceEntity syncs one workspace root manifest.
type workspaceEntity struct {
	vault   *Vault
	device  *models.DeviceContext
	ops     *trustchain.Ops
	realmID models.RealmID
	// keyIndex names the realm key used for new uploads.
	keyIndex uint32
	keys     trustchain.RealmKeyResolver
}

// NewWorkspaceEntity wires one workspace root for syncing.
func NewWorkspaceEntity(vault *Vault, device *models.DeviceContext, ops *trustchain.Ops, keys trustchain.RealmKeyResolver, realmID models.RealmID, keyIndex uint32) Entity {
	return &workspaceEntity{
		vault: vault, device: device, ops: ops,
		realmID: realmID, keyIndex: keyIndex, keys: keys,
	}
}

func (e *workspaceEntity) RealmID() models.RealmID { return e.realmID }
func (e *workspaceEntity) VlobID() models.VlobID   { return e.realmID }
func (e *workspaceEntity) KeyIndex() uint32        { return e.keyIndex }

func (e *workspaceEntity) Snapshot() (Snapshot, error) {
	local, err := e.vault.Workspace(e.realmID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		BaseVersion: local.Base.Version,
		NeedSync:    local.NeedSync,
		Speculative: local.Speculative,
	}, nil
}

func (e *workspaceEntity) BuildUpload(timestamp models.DateTime) (*Upload, error) {
	local, err := e.vault.Workspace(e.realmID)
	if err != nil {
		return nil, err
	}
	candidate := local.ToRemote(e.device.DeviceID, timestamp)
	signed, err := models.DumpAndSignManifest(&candidate, e.device.SigningKey)
	if err != nil {
		return nil, err
	}
	key, err := e.keys.RealmKey(e.realmID, e.keyIndex)
	if err != nil {
		return nil, err
	}
	return &Upload{
		Version: candidate.Version,
		Blob:    key.Encrypt(signed),
		Remote:  &candidate,
	}, nil
}

func (e *workspaceEntity) CommitUpload(u *Upload) error {
	remote, ok := u.Remote.(*models.WorkspaceManifest)
	if !ok {
		return fmt.Errorf("upload candidate is not a workspace manifest")
	}
	return e.vault.WithWorkspace(e.realmID, func(local *models.LocalWorkspaceManifest) error {
		if u.Version <= local.Base.Version {
			return nil
		}
		local.Base = *remote
		local.Speculative = false
		local.NeedSync = !childrenEqual(local.Children, remote.Children)
		local.RepairDigest = nil
		return nil
	})
}

func (e *workspaceEntity) ValidateRemote(ctx context.Context, coords trustchain.VlobCoords, blob []byte) (models.Manifest, error) {
	return e.ops.ValidateWorkspaceManifest(ctx, coords, blob)
}

func (e *workspaceEntity) MergeRemote(m models.Manifest, repairDigest []byte) error {
	remote, ok := m.(*models.WorkspaceManifest)
	if !ok {
		return fmt.Errorf("remote manifest is not a workspace manifest")
	}
	return e.vault.WithWorkspace(e.realmID, func(local *models.LocalWorkspaceManifest) error {
		return mergeWorkspaceManifest(local, remote, repairDigest)
	})
}
