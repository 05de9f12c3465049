package certstore

import (
	"context"
	"sync"

	"github.com/atinyakov/RealmKeeper/internal/models"
)

// MemoryBackend keeps the certificate log in memory. Used by tests and by
// the dev server's client mode; durable deployments use PostgresBackend.
type MemoryBackend struct {
	mu   sync.RWMutex
	rows []*StoredCertificate
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func matches(row *StoredCertificate, q Query) bool {
	if row.Type != q.Type {
		return false
	}
	if q.Filter1 != "" && row.Filter1 != q.Filter1 {
		return false
	}
	if q.Filter2 != "" && row.Filter2 != q.Filter2 {
		return false
	}
	return true
}

// getCertificate scans rows (base order, staged appended) for the latest
// covered match.
func getCertificate(rows []*StoredCertificate, q Query, upTo UpTo) (*StoredCertificate, error) {
	var latest *StoredCertificate
	var tooRecent *StoredCertificate
	for _, row := range rows {
		if !matches(row, q) {
			continue
		}
		if !upTo.Covers(row) {
			if tooRecent == nil || row.Index < tooRecent.Index {
				tooRecent = row
			}
			continue
		}
		if latest == nil || row.Index > latest.Index {
			latest = row
		}
	}
	if latest != nil {
		return latest, nil
	}
	if tooRecent != nil {
		return nil, &ExistButTooRecentError{CertificateTimestamp: tooRecent.Timestamp}
	}
	return nil, ErrNotFound
}

func getMultipleCertificates(rows []*StoredCertificate, q Query, upTo UpTo, offset, limit uint32) []*StoredCertificate {
	var out []*StoredCertificate
	for _, row := range rows {
		if matches(row, q) && upTo.Covers(row) {
			out = append(out, row)
		}
	}
	if uint32(len(out)) <= offset {
		return nil
	}
	out = out[offset:]
	if limit > 0 && uint32(len(out)) > limit {
		out = out[:limit]
	}
	return out
}

func lastTimestamps(rows []*StoredCertificate) PerTopicLastTimestamps {
	var out PerTopicLastTimestamps
	for _, row := range rows {
		out.Observe(row.Topic, row.Timestamp)
	}
	return out
}

func (b *MemoryBackend) GetCertificate(ctx context.Context, q Query, upTo UpTo) (*StoredCertificate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return getCertificate(b.rows, q, upTo)
}

func (b *MemoryBackend) GetMultipleCertificates(ctx context.Context, q Query, upTo UpTo, offset, limit uint32) ([]*StoredCertificate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return getMultipleCertificates(b.rows, q, upTo, offset, limit), nil
}

func (b *MemoryBackend) GetLastTimestamps(ctx context.Context) (PerTopicLastTimestamps, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return lastTimestamps(b.rows), nil
}

func (b *MemoryBackend) GetLastIndex(ctx context.Context) (uint64, models.DateTime, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.rows) == 0 {
		return 0, 0, false, nil
	}
	last := b.rows[len(b.rows)-1]
	return last.Index, last.Timestamp, true, nil
}

func (b *MemoryBackend) GetTimestampBounds(ctx context.Context, index uint64) (models.DateTime, models.DateTime, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var created models.DateTime
	found := false
	var next models.DateTime
	hasNext := false
	for _, row := range b.rows {
		if row.Index == index {
			created = row.Timestamp
			found = true
			continue
		}
		if row.Index > index && (!hasNext || row.Timestamp < next) {
			next = row.Timestamp
			hasNext = true
		}
	}
	if !found {
		return 0, 0, false, ErrNotFound
	}
	return created, next, hasNext, nil
}

func (b *MemoryBackend) Begin(ctx context.Context) (Tx, error) {
	return &memoryTx{backend: b}, nil
}

func (b *MemoryBackend) Close() error { return nil }

// memoryTx stages writes locally; reads see base rows plus staged ones.
type memoryTx struct {
	backend *MemoryBackend
	staged  []*StoredCertificate
	forgot  bool
	done    bool
}

func (t *memoryTx) view() []*StoredCertificate {
	if t.forgot {
		return t.staged
	}
	rows := make([]*StoredCertificate, 0, len(t.backend.rows)+len(t.staged))
	rows = append(rows, t.backend.rows...)
	rows = append(rows, t.staged...)
	return rows
}

func (t *memoryTx) GetCertificate(ctx context.Context, q Query, upTo UpTo) (*StoredCertificate, error) {
	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()
	return getCertificate(t.view(), q, upTo)
}

func (t *memoryTx) GetMultipleCertificates(ctx context.Context, q Query, upTo UpTo, offset, limit uint32) ([]*StoredCertificate, error) {
	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()
	return getMultipleCertificates(t.view(), q, upTo, offset, limit), nil
}

func (t *memoryTx) GetLastTimestamps(ctx context.Context) (PerTopicLastTimestamps, error) {
	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()
	return lastTimestamps(t.view()), nil
}

func (t *memoryTx) GetLastIndex(ctx context.Context) (uint64, models.DateTime, bool, error) {
	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()
	rows := t.view()
	if len(rows) == 0 {
		return 0, 0, false, nil
	}
	last := rows[len(rows)-1]
	return last.Index, last.Timestamp, true, nil
}

func (t *memoryTx) AddCertificate(ctx context.Context, row *StoredCertificate) error {
	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()
	for _, existing := range t.view() {
		if existing.Index == row.Index {
			return ErrIndexAlreadyExists
		}
	}
	copied := *row
	t.staged = append(t.staged, &copied)
	return nil
}

func (t *memoryTx) ForgetAllCertificates(ctx context.Context) error {
	t.forgot = true
	t.staged = nil
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	if t.forgot {
		t.backend.rows = append([]*StoredCertificate(nil), t.staged...)
		return nil
	}
	t.backend.rows = append(t.backend.rows, t.staged...)
	return nil
}

func (t *memoryTx) Rollback() error {
	t.done = true
	t.staged = nil
	return nil
}
