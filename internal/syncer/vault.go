// Package syncer reconciles local manifests with their server versions:
// outbound uploads with timestamp and version conflict handling, inbound
// validation with self-repair, and three-way merge of concurrent changes.
package syncer

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/atinyakov/RealmKeeper/internal/keys"
	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/trustchain"
)

// Vault is the encrypted local cache of manifests: the user manifest plus
// one workspace root per realm. An empty path keeps everything in memory
// (tests, throwaway sessions).
type Vault struct {
	path string
	key  keys.SecretKey

	mu   sync.Mutex
	data vaultData
}

type vaultData struct {
	User       *models.LocalUserManifest                         `json:"user"`
	Workspaces map[models.RealmID]*models.LocalWorkspaceManifest `json:"workspaces"`
	// Keys holds the realm symmetric keys by realm and key index.
	Keys map[models.RealmID]map[uint32][]byte `json:"keys"`
}

// OpenVault loads the vault file, decrypting it with the local storage key.
// A missing file yields an empty vault.
func OpenVault(path string, key keys.SecretKey) (*Vault, error) {
	v := &Vault{path: path, key: key}
	v.data.Workspaces = make(map[models.RealmID]*models.LocalWorkspaceManifest)
	v.data.Keys = make(map[models.RealmID]map[uint32][]byte)
	if path == "" {
		return v, nil
	}

	encrypted, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}
	cleartext, err := key.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt vault: %w", err)
	}
	if err := json.Unmarshal(cleartext, &v.data); err != nil {
		return nil, fmt.Errorf("decode vault: %w", err)
	}
	if v.data.Workspaces == nil {
		v.data.Workspaces = make(map[models.RealmID]*models.LocalWorkspaceManifest)
	}
	if v.data.Keys == nil {
		v.data.Keys = make(map[models.RealmID]map[uint32][]byte)
	}
	return v, nil
}

// save writes the vault under the already-held lock.
func (v *Vault) save() error {
	if v.path == "" {
		return nil
	}
	cleartext, err := json.Marshal(&v.data)
	if err != nil {
		return fmt.Errorf("encode vault: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, v.key.Encrypt(cleartext), 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("replace vault: %w", err)
	}
	return nil
}

// EnsureUser initializes the user manifest placeholder when absent.
func (v *Vault) EnsureUser(id models.VlobID, now models.DateTime, speculative bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.data.User != nil {
		return nil
	}
	v.data.User = models.NewLocalUserManifest(id, now, speculative)
	return v.save()
}

// EnsureWorkspace initializes a workspace placeholder when absent.
func (v *Vault) EnsureWorkspace(realmID models.RealmID, vlobID models.VlobID, now models.DateTime, speculative bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.data.Workspaces[realmID]; ok {
		return nil
	}
	v.data.Workspaces[realmID] = models.NewLocalWorkspaceManifest(vlobID, now, speculative)
	return v.save()
}

// User returns a snapshot copy of the local user manifest.
func (v *Vault) User() (*models.LocalUserManifest, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.data.User == nil {
		return nil, fmt.Errorf("user manifest not initialized")
	}
	return v.data.User.Clone(), nil
}

// Workspace returns a snapshot copy of a workspace manifest.
func (v *Vault) Workspace(realmID models.RealmID) (*models.LocalWorkspaceManifest, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ws, ok := v.data.Workspaces[realmID]
	if !ok {
		return nil, fmt.Errorf("workspace %s not initialized", realmID)
	}
	return ws.Clone(), nil
}

// WithUser runs fn on the live user manifest under the update lock and
// persists the result. Merges and upload commits go through here so base
// version checks and mutation are one atomic step.
func (v *Vault) WithUser(fn func(*models.LocalUserManifest) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.data.User == nil {
		return fmt.Errorf("user manifest not initialized")
	}
	if err := fn(v.data.User); err != nil {
		return err
	}
	return v.save()
}

// WithWorkspace is WithUser for one workspace.
func (v *Vault) WithWorkspace(realmID models.RealmID, fn func(*models.LocalWorkspaceManifest) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	ws, ok := v.data.Workspaces[realmID]
	if !ok {
		return fmt.Errorf("workspace %s not initialized", realmID)
	}
	if err := fn(ws); err != nil {
		return err
	}
	return v.save()
}

// StoreRealmKey records a realm symmetric key under its key index.
func (v *Vault) StoreRealmKey(realmID models.RealmID, keyIndex uint32, key keys.SecretKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.data.Keys[realmID] == nil {
		v.data.Keys[realmID] = make(map[uint32][]byte)
	}
	v.data.Keys[realmID][keyIndex] = append([]byte(nil), key.Bytes()...)
	return v.save()
}

// RealmKey hands out a stored realm key. It satisfies the key resolver
// surface of the manifest validator.
func (v *Vault) RealmKey(realmID models.RealmID, keyIndex uint32) (keys.SecretKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	raw, ok := v.data.Keys[realmID][keyIndex]
	if !ok {
		return keys.SecretKey{}, trustchain.ErrUnknownKeyIndex
	}
	return keys.SecretKeyFromBytes(raw)
}

// Workspaces lists the realm IDs with a local workspace manifest.
func (v *Vault) Workspaces() []models.RealmID {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.RealmID, 0, len(v.data.Workspaces))
	for realmID := range v.data.Workspaces {
		out = append(out, realmID)
	}
	return out
}
