// Package certgen generates organization bootstrap credentials: the root
// signing key, the first admin user with their first device, and the
// root-signed certificates a fresh server is seeded with.
package certgen

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/atinyakov/RealmKeeper/internal/keys"
	"github.com/atinyakov/RealmKeeper/internal/models"
)

// BootstrapCertificate is one root-signed certificate for the common topic.
type BootstrapCertificate struct {
	Timestamp models.DateTime `json:"timestamp"`
	Blob      []byte          `json:"blob"`
}

// DeviceFile is the client-side credential bundle persisted on disk. It is
// the development-mode stand-in for a proper device enrollment flow.
type DeviceFile struct {
	OrganizationID  string          `json:"organization_id"`
	UserID          models.UserID   `json:"user_id"`
	DeviceID        models.DeviceID `json:"device_id"`
	SigningKey      []byte          `json:"signing_key"`
	RootVerifyKey   []byte          `json:"root_verify_key"`
	UserRealmID     models.RealmID  `json:"user_realm_id"`
	UserRealmKey    []byte          `json:"user_realm_key"`
	LocalStorageKey []byte          `json:"local_storage_key"`
}

// Bundle ties the server seed and the client credentials of one bootstrap
// together.
type Bundle struct {
	Certificates []BootstrapCertificate `json:"certificates"`
	Device       DeviceFile             `json:"device"`
	// RootSigningKey stays with whoever runs the bootstrap; it is needed to
	// enroll further users.
	RootSigningKey []byte `json:"root_signing_key"`
}

// Generate builds a fresh organization: root key, one admin user and their
// first device, both certified at the same timestamp as the bootstrap rules
// require.
func Generate(orgID, label string, now models.DateTime) (*Bundle, error) {
	rootKey, err := keys.NewSigningKey()
	if err != nil {
		return nil, err
	}
	deviceKey, err := keys.NewSigningKey()
	if err != nil {
		return nil, err
	}
	userRealmKey, err := keys.NewSecretKey()
	if err != nil {
		return nil, err
	}
	storageKey, err := keys.NewSecretKey()
	if err != nil {
		return nil, err
	}
	publicKey := make([]byte, 32)
	if _, err := rand.Read(publicKey); err != nil {
		return nil, fmt.Errorf("generate user public key: %w", err)
	}

	userID := uuid.New()
	deviceID := uuid.New()

	userCert := &models.UserCertificate{
		Author: models.RootAuthor, Timestamp: now,
		UserID: userID, Label: label,
		Profile: models.ProfileAdmin, PublicKey: publicKey,
	}
	deviceCert := &models.DeviceCertificate{
		Author: models.RootAuthor, Timestamp: now,
		UserID: userID, DeviceID: deviceID, Label: label,
		VerifyKey: deviceKey.VerifyKey().Bytes(),
	}

	var certs []BootstrapCertificate
	for _, c := range []models.Certificate{userCert, deviceCert} {
		payload, err := models.DumpCertificate(c)
		if err != nil {
			return nil, err
		}
		certs = append(certs, BootstrapCertificate{
			Timestamp: now,
			Blob:      rootKey.Sign(payload),
		})
	}

	return &Bundle{
		Certificates: certs,
		Device: DeviceFile{
			OrganizationID:  orgID,
			UserID:          userID,
			DeviceID:        deviceID,
			SigningKey:      deviceKey.Bytes(),
			RootVerifyKey:   rootKey.VerifyKey().Bytes(),
			UserRealmID:     uuid.New(),
			UserRealmKey:    userRealmKey.Bytes(),
			LocalStorageKey: storageKey.Bytes(),
		},
		RootSigningKey: rootKey.Bytes(),
	}, nil
}

// Context rebuilds the runtime device identity. now may be nil (wall clock).
func (f *DeviceFile) Context(now func() models.DateTime) (*models.DeviceContext, error) {
	signingKey, err := keys.SigningKeyFromBytes(f.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("device signing key: %w", err)
	}
	rootKey, err := keys.VerifyKeyFromBytes(f.RootVerifyKey)
	if err != nil {
		return nil, fmt.Errorf("root verify key: %w", err)
	}
	realmKey, err := keys.SecretKeyFromBytes(f.UserRealmKey)
	if err != nil {
		return nil, fmt.Errorf("user realm key: %w", err)
	}
	storageKey, err := keys.SecretKeyFromBytes(f.LocalStorageKey)
	if err != nil {
		return nil, fmt.Errorf("local storage key: %w", err)
	}
	if now == nil {
		now = func() models.DateTime { return models.DateTimeFromTime(time.Now()) }
	}
	return &models.DeviceContext{
		OrganizationID:  f.OrganizationID,
		UserID:          f.UserID,
		DeviceID:        f.DeviceID,
		SigningKey:      signingKey,
		RootVerifyKey:   rootKey,
		UserRealmID:     f.UserRealmID,
		UserRealmKey:    realmKey,
		LocalStorageKey: storageKey,
		Now:             now,
	}, nil
}

// Save writes the bundle into dir as bootstrap.json (server seed plus root
// key) and device.json (client credentials), both mode 0600.
func (b *Bundle) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, "bootstrap.json"), b); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "device.json"), &b.Device)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadBundle reads a bootstrap.json.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

// LoadDeviceFile reads a device.json.
func LoadDeviceFile(path string) (*DeviceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device file: %w", err)
	}
	var f DeviceFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode device file: %w", err)
	}
	return &f, nil
}
