// Package remote defines the client-side view of the server API: polling
// certificates, creating realms and reading/writing vlobs. Every fallible
// server answer is a closed set of statuses so callers can switch
// exhaustively; transport failures surface as ErrOffline.
package remote

import (
	"context"
	"errors"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/models"
)

// ErrOffline wraps any transport-level failure: the caller cannot tell a
// network outage from a dead server and should not try.
var ErrOffline = errors.New("server unreachable")

// CertificateBatch is the raw signed certificates returned by a poll,
// per topic, in server order.
type CertificateBatch struct {
	Common         [][]byte                       `json:"common"`
	Sequester      [][]byte                       `json:"sequester"`
	ShamirRecovery [][]byte                       `json:"shamir_recovery"`
	Realm          map[models.RealmID][][]byte    `json:"realm"`
}

// IsEmpty reports whether the poll brought nothing new.
func (b *CertificateBatch) IsEmpty() bool {
	if len(b.Common) != 0 || len(b.Sequester) != 0 || len(b.ShamirRecovery) != 0 {
		return false
	}
	for _, certs := range b.Realm {
		if len(certs) != 0 {
			return false
		}
	}
	return true
}

// WriteStatus is the outcome of a realm-create or vlob write.
type WriteStatus string

const (
	// StatusOK means the server accepted the write.
	StatusOK WriteStatus = "ok"
	// StatusRequireGreaterTimestamp means the client timestamp does not
	// strictly dominate existing server state; retry with a later one.
	StatusRequireGreaterTimestamp WriteStatus = "require_greater_timestamp"
	// StatusTimestampOutOfBallpark means the client clock is too far from
	// the server clock. Not retryable.
	StatusTimestampOutOfBallpark WriteStatus = "timestamp_out_of_ballpark"
	// StatusVersionConflict means the targeted version already exists
	// (concurrent writer won). Pull and merge, then retry.
	StatusVersionConflict WriteStatus = "version_conflict"
	// StatusSequesterInconsistency means the sequester topology changed
	// under the client; refresh certificates and retry.
	StatusSequesterInconsistency WriteStatus = "sequester_inconsistency"
	// StatusAlreadyExists means the realm was already created, which
	// realm-create treats as success.
	StatusAlreadyExists WriteStatus = "already_exists"
	// StatusNotAllowed means the author lacks the required realm role.
	StatusNotAllowed WriteStatus = "not_allowed"
	// StatusNotFound means the realm or vlob does not exist.
	StatusNotFound WriteStatus = "not_found"
)

// WriteResult carries a write status plus its status-specific fields.
type WriteResult struct {
	Status WriteStatus `json:"status"`
	// StrictlyGreaterThan accompanies StatusRequireGreaterTimestamp.
	StrictlyGreaterThan models.DateTime `json:"strictly_greater_than,omitempty"`
	// ServerTimestamp and ClientTimestamp accompany
	// StatusTimestampOutOfBallpark.
	ServerTimestamp models.DateTime `json:"server_timestamp,omitempty"`
	ClientTimestamp models.DateTime `json:"client_timestamp,omitempty"`
}

// VlobWrite is one vlob create or update.
type VlobWrite struct {
	RealmID   models.RealmID  `json:"realm_id"`
	VlobID    models.VlobID   `json:"vlob_id"`
	KeyIndex  uint32          `json:"key_index"`
	Version   uint32          `json:"version"`
	Timestamp models.DateTime `json:"timestamp"`
	// Blob is the signed-then-encrypted manifest.
	Blob []byte `json:"blob"`
}

// VlobRead is one fetched vlob version.
type VlobRead struct {
	Author    models.DeviceID `json:"author"`
	Version   uint32          `json:"version"`
	KeyIndex  uint32          `json:"key_index"`
	Timestamp models.DateTime `json:"timestamp"`
	Blob      []byte          `json:"blob"`
	// LastVersion is the newest version existing server-side.
	LastVersion uint32 `json:"last_version"`
	// NeededTimestamps is the certificate state required to validate this
	// vlob. The caller must ensure its store covers it before validating.
	NeededTimestamps certstore.PerTopicLastTimestamps `json:"needed_timestamps"`
}

// Client is the server API surface the sync and validation engines consume.
type Client interface {
	// PollCertificates fetches every certificate newer than the given
	// per-topic timestamps.
	PollCertificates(ctx context.Context, since certstore.PerTopicLastTimestamps) (*CertificateBatch, error)
	// CreateRealm uploads the signed self-role certificate that creates a
	// realm. StatusAlreadyExists is a success for idempotent retries.
	CreateRealm(ctx context.Context, signedRoleCertificate []byte) (*WriteResult, error)
	// ShareRealm uploads a signed role certificate granting or revoking
	// another user's role in an existing realm.
	ShareRealm(ctx context.Context, signedRoleCertificate []byte) (*WriteResult, error)
	// CreateVlob uploads version 1 of a vlob.
	CreateVlob(ctx context.Context, w *VlobWrite) (*WriteResult, error)
	// UpdateVlob uploads version N+1 of an existing vlob.
	UpdateVlob(ctx context.Context, w *VlobWrite) (*WriteResult, error)
	// ReadVlob fetches one vlob version; version 0 means latest.
	ReadVlob(ctx context.Context, realmID models.RealmID, vlobID models.VlobID, version uint32) (*VlobRead, error)
	// ServerNow returns the server clock, used to pick retry timestamps.
	ServerNow(ctx context.Context) (models.DateTime, error)
}

// ErrVlobNotFound is returned by ReadVlob when the vlob (or requested
// version) does not exist.
var ErrVlobNotFound = errors.New("vlob not found")
