package certstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/atinyakov/RealmKeeper/internal/models"
)

var (
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("certificate store is stopped")
	// ErrNotFound means no stored certificate matches the query at all.
	ErrNotFound = errors.New("certificate not found")
	// ErrIndexAlreadyExists means a concurrent writer already claimed the
	// index being inserted. The batch must be rolled back and retried on
	// fresh state.
	ErrIndexAlreadyExists = errors.New("certificate index already exists")
)

// ExistButTooRecentError means a certificate matching the query exists, but
// only after the requested point in time. Callers use the timestamp to tell
// "never existed" apart from "did not exist yet".
type ExistButTooRecentError struct {
	CertificateTimestamp models.DateTime
}

func (e *ExistButTooRecentError) Error() string {
	return fmt.Sprintf("certificate exists but is too recent (created %s)", e.CertificateTimestamp)
}

// StoredCertificate is one row of the append-only log. Encrypted holds the
// signed certificate bytes encrypted with the local storage key; the store
// never sees cleartext.
type StoredCertificate struct {
	Index     uint64
	Type      models.CertificateType
	Topic     models.Topic
	Timestamp models.DateTime
	Filter1   string
	Filter2   string
	Encrypted []byte
}

// UpTo bounds a read to a point in the log.
type UpTo struct {
	kind      upToKind
	index     uint64
	timestamp models.DateTime
}

type upToKind int

const (
	upToCurrent upToKind = iota
	upToIndex
	upToTimestamp
)

// UpToCurrent reads the latest state.
func UpToCurrent() UpTo { return UpTo{kind: upToCurrent} }

// UpToIndex reads the state as of the given global index (inclusive).
func UpToIndex(index uint64) UpTo { return UpTo{kind: upToIndex, index: index} }

// UpToTimestamp reads the state as of the given time (inclusive). This is
// what signing-time validation uses.
func UpToTimestamp(ts models.DateTime) UpTo { return UpTo{kind: upToTimestamp, timestamp: ts} }

// Covers reports whether a row is within the bound.
func (u UpTo) Covers(row *StoredCertificate) bool {
	switch u.kind {
	case upToIndex:
		return row.Index <= u.index
	case upToTimestamp:
		return row.Timestamp <= u.timestamp
	default:
		return true
	}
}

// PerTopicLastTimestamps holds the timestamp of the last known certificate
// per topic. The zero value of a field means "no certificate in that topic".
type PerTopicLastTimestamps struct {
	Common         models.DateTime
	Sequester      models.DateTime
	ShamirRecovery models.DateTime
	Realm          map[models.RealmID]models.DateTime
}

// Get returns the last timestamp of a topic, zero if none.
func (p PerTopicLastTimestamps) Get(topic models.Topic) models.DateTime {
	switch topic.Kind {
	case models.TopicCommon:
		return p.Common
	case models.TopicSequester:
		return p.Sequester
	case models.TopicShamirRecovery:
		return p.ShamirRecovery
	case models.TopicRealm:
		return p.Realm[topic.Realm]
	}
	return 0
}

// Observe bumps a topic's last timestamp if ts is newer.
func (p *PerTopicLastTimestamps) Observe(topic models.Topic, ts models.DateTime) {
	switch topic.Kind {
	case models.TopicCommon:
		if ts > p.Common {
			p.Common = ts
		}
	case models.TopicSequester:
		if ts > p.Sequester {
			p.Sequester = ts
		}
	case models.TopicShamirRecovery:
		if ts > p.ShamirRecovery {
			p.ShamirRecovery = ts
		}
	case models.TopicRealm:
		if p.Realm == nil {
			p.Realm = make(map[models.RealmID]models.DateTime)
		}
		if ts > p.Realm[topic.Realm] {
			p.Realm[topic.Realm] = ts
		}
	}
}

// IsEmpty reports whether no certificate is known at all.
func (p PerTopicLastTimestamps) IsEmpty() bool {
	if p.Common != 0 || p.Sequester != 0 || p.ShamirRecovery != 0 {
		return false
	}
	for _, ts := range p.Realm {
		if ts != 0 {
			return false
		}
	}
	return true
}

// IsUpToDate reports whether the local state covers every timestamp in
// needed. A realm unknown locally counts as not covered.
func (p PerTopicLastTimestamps) IsUpToDate(needed PerTopicLastTimestamps) bool {
	if needed.Common > p.Common || needed.Sequester > p.Sequester ||
		needed.ShamirRecovery > p.ShamirRecovery {
		return false
	}
	for realm, ts := range needed.Realm {
		if ts > p.Realm[realm] {
			return false
		}
	}
	return true
}

func (p PerTopicLastTimestamps) clone() PerTopicLastTimestamps {
	out := p
	out.Realm = make(map[models.RealmID]models.DateTime, len(p.Realm))
	for k, v := range p.Realm {
		out.Realm[k] = v
	}
	return out
}

// Reader is the shared read surface of the backend and of an open
// transaction. Transaction reads see rows staged in the same transaction,
// which batch validation relies on.
type Reader interface {
	// GetCertificate returns the latest certificate matching the query
	// within the bound. ErrNotFound when nothing matches at all;
	// ExistButTooRecentError when matches exist only beyond the bound.
	GetCertificate(ctx context.Context, q Query, upTo UpTo) (*StoredCertificate, error)
	// GetMultipleCertificates returns matches within the bound, ordered by
	// index ascending, skipping offset rows. limit 0 means unbounded.
	GetMultipleCertificates(ctx context.Context, q Query, upTo UpTo, offset, limit uint32) ([]*StoredCertificate, error)
	// GetLastTimestamps returns the per-topic last timestamps.
	GetLastTimestamps(ctx context.Context) (PerTopicLastTimestamps, error)
	// GetLastIndex returns the highest index and its timestamp. ok is false
	// on an empty store.
	GetLastIndex(ctx context.Context) (index uint64, ts models.DateTime, ok bool, err error)
}

// Tx is one write transaction. Either Commit or Rollback must be called.
type Tx interface {
	Reader
	// AddCertificate stages one row. Indexes must be assigned densely;
	// ErrIndexAlreadyExists signals a concurrent writer won the index.
	AddCertificate(ctx context.Context, row *StoredCertificate) error
	// ForgetAllCertificates drops every stored certificate.
	ForgetAllCertificates(ctx context.Context) error
	Commit() error
	Rollback() error
}

// Backend is a storage implementation: in-memory or Postgres.
type Backend interface {
	Reader
	// GetTimestampBounds returns when the certificate at index was created
	// and when the next one was, hasNext false when index is the last row.
	// ErrNotFound when no certificate holds the index.
	GetTimestampBounds(ctx context.Context, index uint64) (created, next models.DateTime, hasNext bool, err error)
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Store serializes writers over a backend and keeps a write-through cache of
// the per-topic last timestamps, the hottest read of the validation path.
type Store struct {
	backend Backend
	log     *zap.Logger

	writeMu sync.Mutex

	mu             sync.RWMutex
	stopped        bool
	cacheValid     bool
	lastTimestamps PerTopicLastTimestamps
}

// New wraps a backend.
func New(backend Backend, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{backend: backend, log: log}
}

// Stop closes the backend. Further calls fail with ErrStopped.
func (s *Store) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()
	return s.backend.Close()
}

func (s *Store) checkRunning() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	return nil
}

// GetCertificate reads the latest match within the bound.
func (s *Store) GetCertificate(ctx context.Context, q Query, upTo UpTo) (*StoredCertificate, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	return s.backend.GetCertificate(ctx, q, upTo)
}

// GetMultipleCertificates reads matches within the bound, index order.
func (s *Store) GetMultipleCertificates(ctx context.Context, q Query, upTo UpTo, offset, limit uint32) ([]*StoredCertificate, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	return s.backend.GetMultipleCertificates(ctx, q, upTo, offset, limit)
}

// GetLastIndex reads the highest stored index.
func (s *Store) GetLastIndex(ctx context.Context) (uint64, models.DateTime, bool, error) {
	if err := s.checkRunning(); err != nil {
		return 0, 0, false, err
	}
	return s.backend.GetLastIndex(ctx)
}

// GetTimestampBounds returns the validity window of the certificate at
// index: its own timestamp and the timestamp of the next certificate.
func (s *Store) GetTimestampBounds(ctx context.Context, index uint64) (models.DateTime, models.DateTime, bool, error) {
	if err := s.checkRunning(); err != nil {
		return 0, 0, false, err
	}
	return s.backend.GetTimestampBounds(ctx, index)
}

// GetLastTimestamps returns the per-topic last timestamps, served from cache
// once warmed.
func (s *Store) GetLastTimestamps(ctx context.Context) (PerTopicLastTimestamps, error) {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return PerTopicLastTimestamps{}, ErrStopped
	}
	if s.cacheValid {
		out := s.lastTimestamps.clone()
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	loaded, err := s.backend.GetLastTimestamps(ctx)
	if err != nil {
		return PerTopicLastTimestamps{}, err
	}

	s.mu.Lock()
	if !s.stopped && !s.cacheValid {
		s.lastTimestamps = loaded.clone()
		s.cacheValid = true
	}
	s.mu.Unlock()
	return loaded, nil
}

// WriteTx is the handle passed to ForWrite callbacks.
type WriteTx struct {
	tx     Tx
	staged PerTopicLastTimestamps
	forgot bool
}

func (w *WriteTx) GetCertificate(ctx context.Context, q Query, upTo UpTo) (*StoredCertificate, error) {
	return w.tx.GetCertificate(ctx, q, upTo)
}

func (w *WriteTx) GetMultipleCertificates(ctx context.Context, q Query, upTo UpTo, offset, limit uint32) ([]*StoredCertificate, error) {
	return w.tx.GetMultipleCertificates(ctx, q, upTo, offset, limit)
}

func (w *WriteTx) GetLastTimestamps(ctx context.Context) (PerTopicLastTimestamps, error) {
	return w.tx.GetLastTimestamps(ctx)
}

func (w *WriteTx) GetLastIndex(ctx context.Context) (uint64, models.DateTime, bool, error) {
	return w.tx.GetLastIndex(ctx)
}

// AddCertificate stages one row and records its topic for the cache update
// on commit.
func (w *WriteTx) AddCertificate(ctx context.Context, row *StoredCertificate) error {
	if err := w.tx.AddCertificate(ctx, row); err != nil {
		return err
	}
	w.staged.Observe(row.Topic, row.Timestamp)
	return nil
}

// ForgetAllCertificates drops everything, local-only state included.
func (w *WriteTx) ForgetAllCertificates(ctx context.Context) error {
	if err := w.tx.ForgetAllCertificates(ctx); err != nil {
		return err
	}
	w.forgot = true
	w.staged = PerTopicLastTimestamps{}
	return nil
}

// ForWrite runs fn inside an exclusive write transaction. On success the
// transaction is committed and the timestamp cache updated; on error it is
// rolled back and nothing is visible.
func (s *Store) ForWrite(ctx context.Context, fn func(tx *WriteTx) error) error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin certificate transaction: %w", err)
	}

	wtx := &WriteTx{tx: tx}
	if err := fn(wtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn("certificate transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit certificate transaction: %w", err)
	}

	s.mu.Lock()
	if wtx.forgot {
		s.lastTimestamps = PerTopicLastTimestamps{}
		s.cacheValid = true
	} else if s.cacheValid {
		s.lastTimestamps.Observe(models.CommonTopic(), wtx.staged.Common)
		s.lastTimestamps.Observe(models.SequesterTopic(), wtx.staged.Sequester)
		s.lastTimestamps.Observe(models.ShamirRecoveryTopic(), wtx.staged.ShamirRecovery)
		for realm, ts := range wtx.staged.Realm {
			s.lastTimestamps.Observe(models.RealmTopic(realm), ts)
		}
	}
	s.mu.Unlock()
	return nil
}
