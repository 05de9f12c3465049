package models

import (
	"time"

	"github.com/atinyakov/RealmKeeper/internal/keys"
)

// DeviceContext is the read-only identity of the local device, provided by
// the session/device-loader layer. The clock is injected so sync stays
// deterministic under test.
type DeviceContext struct {
	OrganizationID string
	UserID         UserID
	DeviceID       DeviceID

	// SigningKey signs everything this device produces; RootVerifyKey
	// verifies bootstrap certificates.
	SigningKey    keys.SigningKey
	RootVerifyKey keys.VerifyKey

	// UserRealmID is the per-user realm holding the user manifest,
	// encrypted with the fixed UserRealmKey (no key rotation there).
	UserRealmID  RealmID
	UserRealmKey keys.SecretKey

	// LocalStorageKey encrypts everything persisted locally (certificates,
	// cached manifests).
	LocalStorageKey keys.SecretKey

	// Now is the logical clock.
	Now func() DateTime
}

// VerifyKey returns the public half of the device signing key.
func (d *DeviceContext) VerifyKey() keys.VerifyKey {
	return d.SigningKey.VerifyKey()
}

// Timestamp returns the current logical time, falling back to the wall
// clock when no clock was injected.
func (d *DeviceContext) Timestamp() DateTime {
	if d.Now != nil {
		return d.Now()
	}
	return DateTimeFromTime(time.Now())
}
