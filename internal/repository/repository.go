// Package repository provides server-side persistence for certificates and
// vlobs, with a PostgreSQL implementation for deployments and an in-memory
// one for development servers and tests.
package repository

import (
	"context"
	"errors"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/remote"
)

// ErrNotFound is returned when a vlob or vlob version does not exist.
var ErrNotFound = errors.New("not found")

// CertificateRecord is one stored signed certificate.
type CertificateRecord struct {
	Topic     models.Topic
	Timestamp models.DateTime
	// Blob is the signed certificate exactly as uploaded.
	Blob []byte
}

// VlobRecord is one stored vlob version.
type VlobRecord struct {
	RealmID   models.RealmID
	VlobID    models.VlobID
	Author    models.DeviceID
	KeyIndex  uint32
	Version   uint32
	Timestamp models.DateTime
	Blob      []byte
}

// ServerRepository is the persistence surface the server services run on.
type ServerRepository interface {
	// AppendCertificate stores one certificate at the end of its topic.
	AppendCertificate(ctx context.Context, rec *CertificateRecord) error
	// LastTopicTimestamp returns the newest certificate timestamp of a
	// topic, 0 when the topic is empty.
	LastTopicTimestamp(ctx context.Context, topic models.Topic) (models.DateTime, error)
	// LastTimestamps returns the newest certificate timestamp of every
	// non-empty topic.
	LastTimestamps(ctx context.Context) (certstore.PerTopicLastTimestamps, error)
	// CertificatesAfter returns, per topic, every certificate strictly
	// newer than the given timestamps, in storage order.
	CertificatesAfter(ctx context.Context, since certstore.PerTopicLastTimestamps) (*remote.CertificateBatch, error)
	// RealmExists reports whether the realm topic has any certificate.
	RealmExists(ctx context.Context, realmID models.RealmID) (bool, error)

	// LatestVlob returns the newest version of a vlob, ErrNotFound when the
	// vlob does not exist.
	LatestVlob(ctx context.Context, realmID models.RealmID, vlobID models.VlobID) (*VlobRecord, error)
	// VlobAtVersion returns one specific vlob version, ErrNotFound when it
	// does not exist.
	VlobAtVersion(ctx context.Context, realmID models.RealmID, vlobID models.VlobID, version uint32) (*VlobRecord, error)
	// InsertVlob stores one new vlob version.
	InsertVlob(ctx context.Context, rec *VlobRecord) error
}
