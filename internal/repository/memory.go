package repository

import (
	"context"
	"sync"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/remote"
)

type vlobKey struct {
	realmID models.RealmID
	vlobID  models.VlobID
}

// MemoryRepository keeps everything in process memory. It backs the
// development server and the handler tests.
type MemoryRepository struct {
	mu    sync.RWMutex
	certs []CertificateRecord
	vlobs map[vlobKey][]VlobRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{vlobs: make(map[vlobKey][]VlobRecord)}
}

func (r *MemoryRepository) AppendCertificate(ctx context.Context, rec *CertificateRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.certs = append(r.certs, *rec)
	return nil
}

func (r *MemoryRepository) LastTopicTimestamp(ctx context.Context, topic models.Topic) (models.DateTime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var last models.DateTime
	for _, rec := range r.certs {
		if rec.Topic == topic && rec.Timestamp > last {
			last = rec.Timestamp
		}
	}
	return last, nil
}

func (r *MemoryRepository) LastTimestamps(ctx context.Context) (certstore.PerTopicLastTimestamps, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out certstore.PerTopicLastTimestamps
	for _, rec := range r.certs {
		out.Observe(rec.Topic, rec.Timestamp)
	}
	return out, nil
}

func (r *MemoryRepository) CertificatesAfter(ctx context.Context, since certstore.PerTopicLastTimestamps) (*remote.CertificateBatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	batch := &remote.CertificateBatch{Realm: make(map[models.RealmID][][]byte)}
	for _, rec := range r.certs {
		if rec.Timestamp <= since.Get(rec.Topic) {
			continue
		}
		switch rec.Topic.Kind {
		case models.TopicCommon:
			batch.Common = append(batch.Common, rec.Blob)
		case models.TopicSequester:
			batch.Sequester = append(batch.Sequester, rec.Blob)
		case models.TopicShamirRecovery:
			batch.ShamirRecovery = append(batch.ShamirRecovery, rec.Blob)
		case models.TopicRealm:
			batch.Realm[rec.Topic.Realm] = append(batch.Realm[rec.Topic.Realm], rec.Blob)
		}
	}
	return batch, nil
}

func (r *MemoryRepository) RealmExists(ctx context.Context, realmID models.RealmID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.certs {
		if rec.Topic.Kind == models.TopicRealm && rec.Topic.Realm == realmID {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) LatestVlob(ctx context.Context, realmID models.RealmID, vlobID models.VlobID) (*VlobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.vlobs[vlobKey{realmID, vlobID}]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	rec := versions[len(versions)-1]
	return &rec, nil
}

func (r *MemoryRepository) VlobAtVersion(ctx context.Context, realmID models.RealmID, vlobID models.VlobID, version uint32) (*VlobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.vlobs[vlobKey{realmID, vlobID}] {
		if rec.Version == version {
			rec := rec
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) InsertVlob(ctx context.Context, rec *VlobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := vlobKey{rec.RealmID, rec.VlobID}
	r.vlobs[key] = append(r.vlobs[key], *rec)
	return nil
}
