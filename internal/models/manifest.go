package models

import (
	"encoding/json"
	"fmt"

	"github.com/atinyakov/RealmKeeper/internal/keys"
)

// ManifestType tags the serialized form of a manifest.
type ManifestType string

const (
	ManifestTypeUser      ManifestType = "user_manifest"
	ManifestTypeWorkspace ManifestType = "workspace_manifest"
	ManifestTypeFolder    ManifestType = "folder_manifest"
	ManifestTypeFile      ManifestType = "file_manifest"
)

// Manifest is a signed, versioned, remote piece of shared state.
type Manifest interface {
	ManifestType() ManifestType
	SignedBy() DeviceID
	SignedAt() DateTime
	ManifestID() VlobID
	ManifestVersion() uint32
}

// UserManifest is the root manifest of the per-user realm. Its synchronized
// content is minimal: the list of workspaces a user knows about lives in the
// local manifest and is never uploaded.
type UserManifest struct {
	Author    DeviceID `json:"author"`
	Timestamp DateTime `json:"timestamp"`
	ID        VlobID   `json:"id"`
	Version   uint32   `json:"version"`
	CreatedOn DateTime `json:"created"`
	UpdatedOn DateTime `json:"updated"`
}

func (m *UserManifest) ManifestType() ManifestType { return ManifestTypeUser }
func (m *UserManifest) SignedBy() DeviceID         { return m.Author }
func (m *UserManifest) SignedAt() DateTime         { return m.Timestamp }
func (m *UserManifest) ManifestID() VlobID         { return m.ID }
func (m *UserManifest) ManifestVersion() uint32    { return m.Version }

// WorkspaceManifest is the root folder manifest of a workspace realm.
type WorkspaceManifest struct {
	Author    DeviceID          `json:"author"`
	Timestamp DateTime          `json:"timestamp"`
	ID        VlobID            `json:"id"`
	Version   uint32            `json:"version"`
	CreatedOn DateTime          `json:"created"`
	UpdatedOn DateTime          `json:"updated"`
	Children  map[string]VlobID `json:"children"`
}

func (m *WorkspaceManifest) ManifestType() ManifestType { return ManifestTypeWorkspace }
func (m *WorkspaceManifest) SignedBy() DeviceID         { return m.Author }
func (m *WorkspaceManifest) SignedAt() DateTime         { return m.Timestamp }
func (m *WorkspaceManifest) ManifestID() VlobID         { return m.ID }
func (m *WorkspaceManifest) ManifestVersion() uint32    { return m.Version }

// FolderManifest is a non-root folder inside a workspace.
type FolderManifest struct {
	Author    DeviceID          `json:"author"`
	Timestamp DateTime          `json:"timestamp"`
	ID        VlobID            `json:"id"`
	Parent    VlobID            `json:"parent"`
	Version   uint32            `json:"version"`
	CreatedOn DateTime          `json:"created"`
	UpdatedOn DateTime          `json:"updated"`
	Children  map[string]VlobID `json:"children"`
}

func (m *FolderManifest) ManifestType() ManifestType { return ManifestTypeFolder }
func (m *FolderManifest) SignedBy() DeviceID         { return m.Author }
func (m *FolderManifest) SignedAt() DateTime         { return m.Timestamp }
func (m *FolderManifest) ManifestID() VlobID         { return m.ID }
func (m *FolderManifest) ManifestVersion() uint32    { return m.Version }

// BlockAccess points to one encrypted block of a file's content. Block
// storage itself is outside this core.
type BlockAccess struct {
	ID     VlobID `json:"id"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
	Digest []byte `json:"digest"`
}

// FileManifest describes a file as an ordered list of content blocks.
type FileManifest struct {
	Author    DeviceID      `json:"author"`
	Timestamp DateTime      `json:"timestamp"`
	ID        VlobID        `json:"id"`
	Parent    VlobID        `json:"parent"`
	Version   uint32        `json:"version"`
	CreatedOn DateTime      `json:"created"`
	UpdatedOn DateTime      `json:"updated"`
	Size      uint64        `json:"size"`
	Blocks    []BlockAccess `json:"blocks"`
}

func (m *FileManifest) ManifestType() ManifestType { return ManifestTypeFile }
func (m *FileManifest) SignedBy() DeviceID         { return m.Author }
func (m *FileManifest) SignedAt() DateTime         { return m.Timestamp }
func (m *FileManifest) ManifestID() VlobID         { return m.ID }
func (m *FileManifest) ManifestVersion() uint32    { return m.Version }

type manifestEnvelope struct {
	Type ManifestType    `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DumpAndSignManifest serializes a manifest and signs it with the device
// signing key. The result is the cleartext that gets encrypted before
// upload.
func DumpAndSignManifest(m Manifest, sk keys.SigningKey) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.ManifestType(), err)
	}
	payload, err := json.Marshal(manifestEnvelope{Type: m.ManifestType(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal manifest envelope: %w", err)
	}
	return sk.Sign(payload), nil
}

// VerifyAndLoadManifest checks the signature against the author's verify key
// and binds the expected (author, timestamp, id, version) into verification,
// so a validly-signed manifest cannot be replayed in a different context.
func VerifyAndLoadManifest(
	signed []byte,
	vk keys.VerifyKey,
	expectedAuthor DeviceID,
	expectedTimestamp DateTime,
	expectedID VlobID,
	expectedVersion uint32,
) (Manifest, error) {
	payload, err := vk.Verify(signed)
	if err != nil {
		return nil, err
	}

	var env manifestEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal manifest envelope: %w", err)
	}

	var m Manifest
	switch env.Type {
	case ManifestTypeUser:
		m = &UserManifest{}
	case ManifestTypeWorkspace:
		m = &WorkspaceManifest{}
	case ManifestTypeFolder:
		m = &FolderManifest{}
	case ManifestTypeFile:
		m = &FileManifest{}
	default:
		return nil, fmt.Errorf("unknown manifest type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, m); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}

	if m.SignedBy() != expectedAuthor {
		return nil, fmt.Errorf("unexpected author: got %s, expected %s", m.SignedBy(), expectedAuthor)
	}
	if m.SignedAt() != expectedTimestamp {
		return nil, fmt.Errorf("unexpected timestamp: got %s, expected %s", m.SignedAt(), expectedTimestamp)
	}
	if m.ManifestID() != expectedID {
		return nil, fmt.Errorf("unexpected id: got %s, expected %s", m.ManifestID(), expectedID)
	}
	if m.ManifestVersion() != expectedVersion {
		return nil, fmt.Errorf("unexpected version: got %d, expected %d", m.ManifestVersion(), expectedVersion)
	}
	return m, nil
}
