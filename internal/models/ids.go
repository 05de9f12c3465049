// Package models defines the core data structures shared across the client:
// identifiers, certificates, manifests and the device context.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity identifiers. They are all UUIDs; the aliases document intent at
// call sites.
type (
	// UserID identifies a user of the organization.
	UserID = uuid.UUID
	// DeviceID identifies one device of a user. The zero UUID is the
	// "Root" sentinel: a certificate signed by the organization root key.
	DeviceID = uuid.UUID
	// RealmID identifies a realm (a shared workspace, or the per-user realm
	// holding the user manifest).
	RealmID = uuid.UUID
	// VlobID identifies a versioned blob (manifest) inside a realm.
	VlobID = uuid.UUID
	// SequesterServiceID identifies a sequester service.
	SequesterServiceID = uuid.UUID
)

// RootAuthor is the sentinel author for certificates signed by the
// organization root key. Only legal during organization bootstrap.
var RootAuthor = uuid.Nil

// DateTime is the logical clock used across certificates and manifests:
// microseconds since the Unix epoch, UTC. The zero value means "absent".
type DateTime int64

// DateTimeFromTime converts a wall-clock time to a DateTime.
func DateTimeFromTime(t time.Time) DateTime {
	return DateTime(t.UnixMicro())
}

// Time converts back to a time.Time in UTC.
func (d DateTime) Time() time.Time {
	return time.UnixMicro(int64(d)).UTC()
}

// IsZero reports whether the value is the "absent" sentinel.
func (d DateTime) IsZero() bool { return d == 0 }

// Add returns the DateTime shifted by the given duration.
func (d DateTime) Add(delta time.Duration) DateTime {
	return d + DateTime(delta.Microseconds())
}

func (d DateTime) String() string {
	if d.IsZero() {
		return "<absent>"
	}
	return d.Time().Format(time.RFC3339Nano)
}
