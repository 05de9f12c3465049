package certstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/atinyakov/RealmKeeper/internal/models"
)

const certificatesSchema = `
CREATE TABLE IF NOT EXISTS certificates (
    idx BIGINT PRIMARY KEY,
    cert_type TEXT NOT NULL,
    topic_kind TEXT NOT NULL,
    topic_realm TEXT NOT NULL DEFAULT '',
    ts BIGINT NOT NULL,
    filter1 TEXT NOT NULL DEFAULT '',
    filter2 TEXT NOT NULL DEFAULT '',
    encrypted BYTEA NOT NULL
);

CREATE INDEX IF NOT EXISTS certificates_query_idx
    ON certificates (cert_type, filter1, filter2);
`

// PostgresBackend stores the certificate log in a PostgreSQL table.
type PostgresBackend struct {
	DB *sql.DB
}

// OpenPostgres connects, pings and creates the schema.
func OpenPostgres(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.Exec(certificatesSchema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &PostgresBackend{DB: db}, nil
}

// NewPostgresBackend wraps an existing connection. The schema must already
// exist.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{DB: db}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upToClause(upTo UpTo, args *[]any) string {
	switch upTo.kind {
	case upToIndex:
		*args = append(*args, int64(upTo.index))
		return fmt.Sprintf(" AND idx <= $%d", len(*args))
	case upToTimestamp:
		*args = append(*args, int64(upTo.timestamp))
		return fmt.Sprintf(" AND ts <= $%d", len(*args))
	default:
		return ""
	}
}

func queryClause(q Query) (string, []any) {
	where := "cert_type = $1"
	args := []any{string(q.Type)}
	if q.Filter1 != "" {
		args = append(args, q.Filter1)
		where += fmt.Sprintf(" AND filter1 = $%d", len(args))
	}
	if q.Filter2 != "" {
		args = append(args, q.Filter2)
		where += fmt.Sprintf(" AND filter2 = $%d", len(args))
	}
	return where, args
}

func scanRow(scan func(dest ...any) error) (*StoredCertificate, error) {
	var (
		idx        int64
		certType   string
		topicKind  string
		topicRealm string
		ts         int64
		row        StoredCertificate
	)
	if err := scan(&idx, &certType, &topicKind, &topicRealm, &ts, &row.Filter1, &row.Filter2, &row.Encrypted); err != nil {
		return nil, err
	}
	row.Index = uint64(idx)
	row.Type = models.CertificateType(certType)
	row.Timestamp = models.DateTime(ts)
	row.Topic = models.Topic{Kind: models.TopicKind(topicKind)}
	if topicRealm != "" {
		realm, err := uuid.Parse(topicRealm)
		if err != nil {
			return nil, fmt.Errorf("parse topic realm: %w", err)
		}
		row.Topic.Realm = realm
	}
	return &row, nil
}

const selectColumns = "idx, cert_type, topic_kind, topic_realm, ts, filter1, filter2, encrypted"

func pgGetCertificate(ctx context.Context, db querier, q Query, upTo UpTo) (*StoredCertificate, error) {
	where, args := queryClause(q)
	bound := upToClause(upTo, &args)

	query := fmt.Sprintf(
		"SELECT %s FROM certificates WHERE %s%s ORDER BY idx DESC LIMIT 1",
		selectColumns, where, bound,
	)
	row, err := scanRow(db.QueryRowContext(ctx, query, args...).Scan)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get certificate: %w", err)
	}

	// Nothing within the bound. Look beyond it to tell "too recent" apart
	// from "not found".
	where, args = queryClause(q)
	query = fmt.Sprintf(
		"SELECT %s FROM certificates WHERE %s ORDER BY idx ASC LIMIT 1",
		selectColumns, where,
	)
	earliest, err := scanRow(db.QueryRowContext(ctx, query, args...).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate: %w", err)
	}
	return nil, &ExistButTooRecentError{CertificateTimestamp: earliest.Timestamp}
}

func pgGetMultipleCertificates(ctx context.Context, db querier, q Query, upTo UpTo, offset, limit uint32) ([]*StoredCertificate, error) {
	where, args := queryClause(q)
	bound := upToClause(upTo, &args)

	query := fmt.Sprintf(
		"SELECT %s FROM certificates WHERE %s%s ORDER BY idx ASC",
		selectColumns, where, bound,
	)
	if limit > 0 {
		args = append(args, int64(limit))
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, int64(offset))
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get certificates: %w", err)
	}
	defer rows.Close()

	var out []*StoredCertificate
	for rows.Next() {
		row, err := scanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get certificates: %w", err)
	}
	return out, nil
}

func pgGetLastTimestamps(ctx context.Context, db querier) (PerTopicLastTimestamps, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT topic_kind, topic_realm, MAX(ts) FROM certificates GROUP BY topic_kind, topic_realm
	`)
	if err != nil {
		return PerTopicLastTimestamps{}, fmt.Errorf("get last timestamps: %w", err)
	}
	defer rows.Close()

	var out PerTopicLastTimestamps
	for rows.Next() {
		var kind, realm string
		var ts int64
		if err := rows.Scan(&kind, &realm, &ts); err != nil {
			return PerTopicLastTimestamps{}, fmt.Errorf("scan: %w", err)
		}
		topic := models.Topic{Kind: models.TopicKind(kind)}
		if realm != "" {
			id, err := uuid.Parse(realm)
			if err != nil {
				return PerTopicLastTimestamps{}, fmt.Errorf("parse topic realm: %w", err)
			}
			topic.Realm = id
		}
		out.Observe(topic, models.DateTime(ts))
	}
	if err := rows.Err(); err != nil {
		return PerTopicLastTimestamps{}, fmt.Errorf("get last timestamps: %w", err)
	}
	return out, nil
}

func pgGetLastIndex(ctx context.Context, db querier) (uint64, models.DateTime, bool, error) {
	var idx, ts int64
	err := db.QueryRowContext(ctx, `
		SELECT idx, ts FROM certificates ORDER BY idx DESC LIMIT 1
	`).Scan(&idx, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("get last index: %w", err)
	}
	return uint64(idx), models.DateTime(ts), true, nil
}

func (b *PostgresBackend) GetCertificate(ctx context.Context, q Query, upTo UpTo) (*StoredCertificate, error) {
	return pgGetCertificate(ctx, b.DB, q, upTo)
}

func (b *PostgresBackend) GetMultipleCertificates(ctx context.Context, q Query, upTo UpTo, offset, limit uint32) ([]*StoredCertificate, error) {
	return pgGetMultipleCertificates(ctx, b.DB, q, upTo, offset, limit)
}

func (b *PostgresBackend) GetLastTimestamps(ctx context.Context) (PerTopicLastTimestamps, error) {
	return pgGetLastTimestamps(ctx, b.DB)
}

func (b *PostgresBackend) GetLastIndex(ctx context.Context) (uint64, models.DateTime, bool, error) {
	return pgGetLastIndex(ctx, b.DB)
}

func (b *PostgresBackend) GetTimestampBounds(ctx context.Context, index uint64) (models.DateTime, models.DateTime, bool, error) {
	var created int64
	err := b.DB.QueryRowContext(ctx, `
		SELECT ts FROM certificates WHERE idx = $1
	`, int64(index)).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, ErrNotFound
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("get timestamp bounds: %w", err)
	}

	var next int64
	err = b.DB.QueryRowContext(ctx, `
		SELECT ts FROM certificates WHERE idx > $1 ORDER BY idx ASC LIMIT 1
	`, int64(index)).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DateTime(created), 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("get timestamp bounds: %w", err)
	}
	return models.DateTime(created), models.DateTime(next), true, nil
}

func (b *PostgresBackend) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

func (b *PostgresBackend) Close() error {
	return b.DB.Close()
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetCertificate(ctx context.Context, q Query, upTo UpTo) (*StoredCertificate, error) {
	return pgGetCertificate(ctx, t.tx, q, upTo)
}

func (t *postgresTx) GetMultipleCertificates(ctx context.Context, q Query, upTo UpTo, offset, limit uint32) ([]*StoredCertificate, error) {
	return pgGetMultipleCertificates(ctx, t.tx, q, upTo, offset, limit)
}

func (t *postgresTx) GetLastTimestamps(ctx context.Context) (PerTopicLastTimestamps, error) {
	return pgGetLastTimestamps(ctx, t.tx)
}

func (t *postgresTx) GetLastIndex(ctx context.Context) (uint64, models.DateTime, bool, error) {
	return pgGetLastIndex(ctx, t.tx)
}

func (t *postgresTx) AddCertificate(ctx context.Context, row *StoredCertificate) error {
	var realm string
	if row.Topic.Kind == models.TopicRealm {
		realm = row.Topic.Realm.String()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO certificates (idx, cert_type, topic_kind, topic_realm, ts, filter1, filter2, encrypted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, int64(row.Index), string(row.Type), string(row.Topic.Kind), realm,
		int64(row.Timestamp), row.Filter1, row.Filter2, row.Encrypted)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrIndexAlreadyExists
		}
		return fmt.Errorf("add certificate: %w", err)
	}
	return nil
}

func (t *postgresTx) ForgetAllCertificates(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM certificates`); err != nil {
		return fmt.Errorf("forget certificates: %w", err)
	}
	return nil
}

func (t *postgresTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback() error {
	return t.tx.Rollback()
}
