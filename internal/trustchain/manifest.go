package trustchain

import (
	"context"
	"errors"
	"fmt"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/keys"
	"github.com/atinyakov/RealmKeeper/internal/models"
)

// VlobCoords pins a fetched vlob version to the context the server claims
// for it. Validation binds the decrypted manifest to every field.
type VlobCoords struct {
	RealmID   models.RealmID
	VlobID    models.VlobID
	KeyIndex  uint32
	Version   uint32
	Author    models.DeviceID
	Timestamp models.DateTime
}

// ValidateUserManifest decrypts and validates the user realm's manifest.
// The caller must have ensured certificate coverage for the manifest's
// timestamp first.
func (o *Ops) ValidateUserManifest(ctx context.Context, coords VlobCoords, encrypted []byte) (*models.UserManifest, error) {
	m, err := o.validateManifest(ctx, coords, o.device.UserRealmKey, encrypted)
	if err != nil {
		return nil, err
	}
	user, ok := m.(*models.UserManifest)
	if !ok {
		return nil, o.manifestErr(coords, ManifestCleartextCorrupted,
			fmt.Errorf("expected user manifest, got %s", m.ManifestType()))
	}
	return user, nil
}

// ValidateWorkspaceManifest decrypts and validates a workspace root
// manifest.
func (o *Ops) ValidateWorkspaceManifest(ctx context.Context, coords VlobCoords, encrypted []byte) (*models.WorkspaceManifest, error) {
	key, err := o.resolveRealmKey(coords)
	if err != nil {
		return nil, err
	}
	m, err := o.validateManifest(ctx, coords, key, encrypted)
	if err != nil {
		return nil, err
	}
	ws, ok := m.(*models.WorkspaceManifest)
	if !ok {
		return nil, o.manifestErr(coords, ManifestCleartextCorrupted,
			fmt.Errorf("expected workspace manifest, got %s", m.ManifestType()))
	}
	return ws, nil
}

// ValidateChildManifest decrypts and validates a folder or file manifest
// inside a workspace.
func (o *Ops) ValidateChildManifest(ctx context.Context, coords VlobCoords, encrypted []byte) (models.Manifest, error) {
	key, err := o.resolveRealmKey(coords)
	if err != nil {
		return nil, err
	}
	m, err := o.validateManifest(ctx, coords, key, encrypted)
	if err != nil {
		return nil, err
	}
	switch m.(type) {
	case *models.FolderManifest, *models.FileManifest:
		return m, nil
	}
	return nil, o.manifestErr(coords, ManifestCleartextCorrupted,
		fmt.Errorf("expected folder or file manifest, got %s", m.ManifestType()))
}

func (o *Ops) resolveRealmKey(coords VlobCoords) (keys.SecretKey, error) {
	key, err := o.realms.RealmKey(coords.RealmID, coords.KeyIndex)
	if errors.Is(err, ErrUnknownKeyIndex) {
		return keys.SecretKey{}, o.manifestErr(coords, ManifestNonExistentKeyIndex, err)
	}
	if err != nil {
		return keys.SecretKey{}, fmt.Errorf("realm %s key %d: %w", coords.RealmID, coords.KeyIndex, err)
	}
	return key, nil
}

func (o *Ops) manifestErr(coords VlobCoords, kind InvalidManifestKind, err error) *InvalidManifestError {
	return &InvalidManifestError{
		Kind:      kind,
		RealmID:   coords.RealmID,
		VlobID:    coords.VlobID,
		Version:   coords.Version,
		Author:    coords.Author,
		Timestamp: coords.Timestamp,
		Err:       err,
	}
}

// validateManifest is the shared core: decrypt, resolve the author's key at
// signing time, verify the signature with coordinates bound in, then check
// realm access.
func (o *Ops) validateManifest(ctx context.Context, coords VlobCoords, key keys.SecretKey, encrypted []byte) (models.Manifest, error) {
	signed, err := key.Decrypt(encrypted)
	if err != nil {
		return nil, o.manifestErr(coords, ManifestCannotDecrypt, err)
	}

	authorDev, err := o.deviceCertAt(ctx, o.store, coords.Author, certstore.UpToTimestamp(coords.Timestamp))
	if err != nil {
		var tooRecent *certstore.ExistButTooRecentError
		if errors.Is(err, certstore.ErrNotFound) || errors.As(err, &tooRecent) {
			return nil, o.manifestErr(coords, ManifestNonExistentAuthor, err)
		}
		return nil, err
	}

	if revokedOn, revoked, err := o.revocationOf(ctx, o.store, authorDev.UserID, certstore.UpToTimestamp(coords.Timestamp)); err != nil {
		return nil, err
	} else if revoked {
		return nil, o.manifestErr(coords, ManifestRevokedAuthor,
			fmt.Errorf("author's user revoked at %s", revokedOn))
	}

	vk, err := keys.VerifyKeyFromBytes(authorDev.VerifyKey)
	if err != nil {
		return nil, fmt.Errorf("author %s verify key: %w", coords.Author, err)
	}
	m, err := models.VerifyAndLoadManifest(signed, vk, coords.Author, coords.Timestamp, coords.VlobID, coords.Version)
	if err != nil {
		return nil, o.manifestErr(coords, ManifestCleartextCorrupted, err)
	}

	if coords.RealmID == o.device.UserRealmID {
		// The user realm has no role certificates: only our own devices
		// may write it.
		if authorDev.UserID != o.device.UserID {
			return nil, o.manifestErr(coords, ManifestAuthorNoAccessToRealm,
				fmt.Errorf("device of %s wrote in the user realm of %s", authorDev.UserID, o.device.UserID))
		}
		return m, nil
	}

	role, found, err := o.realmRoleAt(ctx, o.store, coords.RealmID, authorDev.UserID, certstore.UpToTimestamp(coords.Timestamp))
	if err != nil {
		return nil, err
	}
	if !found || !role.IsGranted() {
		return nil, o.manifestErr(coords, ManifestAuthorNoAccessToRealm,
			fmt.Errorf("author's user %s had no role in realm", authorDev.UserID))
	}
	if !role.CanWrite() {
		return nil, o.manifestErr(coords, ManifestAuthorRoleCannotWrite,
			fmt.Errorf("author's user %s was %s", authorDev.UserID, role))
	}
	return m, nil
}
