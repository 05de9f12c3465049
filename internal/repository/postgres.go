package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/remote"
)

const serverSchema = `
CREATE TABLE IF NOT EXISTS server_certificates (
	id BIGSERIAL PRIMARY KEY,
	topic_kind TEXT NOT NULL,
	topic_realm TEXT NOT NULL DEFAULT '',
	ts BIGINT NOT NULL,
	blob BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS server_certificates_topic_idx
	ON server_certificates (topic_kind, topic_realm, ts);
CREATE TABLE IF NOT EXISTS vlobs (
	realm_id TEXT NOT NULL,
	vlob_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	key_index BIGINT NOT NULL,
	author TEXT NOT NULL,
	ts BIGINT NOT NULL,
	blob BYTEA NOT NULL,
	PRIMARY KEY (realm_id, vlob_id, version)
);`

// PostgresRepository implements ServerRepository against PostgreSQL.
type PostgresRepository struct {
	DB *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{DB: db}
}

// OpenPostgres connects, pings and initializes the server schema.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, serverSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init server schema: %w", err)
	}
	return db, nil
}

func topicColumns(topic models.Topic) (string, string) {
	if topic.Kind == models.TopicRealm {
		return string(topic.Kind), topic.Realm.String()
	}
	return string(topic.Kind), ""
}

func (r *PostgresRepository) AppendCertificate(ctx context.Context, rec *CertificateRecord) error {
	kind, realm := topicColumns(rec.Topic)
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO server_certificates (topic_kind, topic_realm, ts, blob)
		VALUES ($1, $2, $3, $4)
	`, kind, realm, int64(rec.Timestamp), rec.Blob)
	if err != nil {
		return fmt.Errorf("AppendCertificate: %w", err)
	}
	return nil
}

func (r *PostgresRepository) LastTopicTimestamp(ctx context.Context, topic models.Topic) (models.DateTime, error) {
	kind, realm := topicColumns(topic)
	var last int64
	err := r.DB.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(ts), 0) FROM server_certificates
		WHERE topic_kind = $1 AND topic_realm = $2
	`, kind, realm).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("LastTopicTimestamp: %w", err)
	}
	return models.DateTime(last), nil
}

func (r *PostgresRepository) LastTimestamps(ctx context.Context) (certstore.PerTopicLastTimestamps, error) {
	var out certstore.PerTopicLastTimestamps
	rows, err := r.DB.QueryContext(ctx, `
		SELECT topic_kind, topic_realm, MAX(ts) FROM server_certificates
		GROUP BY topic_kind, topic_realm
	`)
	if err != nil {
		return out, fmt.Errorf("LastTimestamps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, realm string
		var last int64
		if err := rows.Scan(&kind, &realm, &last); err != nil {
			return out, fmt.Errorf("scan: %w", err)
		}
		topic, err := parseTopic(kind, realm)
		if err != nil {
			return out, err
		}
		out.Observe(topic, models.DateTime(last))
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CertificatesAfter(ctx context.Context, since certstore.PerTopicLastTimestamps) (*remote.CertificateBatch, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT topic_kind, topic_realm, ts, blob FROM server_certificates
		WHERE (topic_kind = 'common' AND ts > $1)
		   OR (topic_kind = 'sequester' AND ts > $2)
		   OR (topic_kind = 'shamir_recovery' AND ts > $3)
		   OR topic_kind = 'realm'
		ORDER BY id ASC
	`, int64(since.Common), int64(since.Sequester), int64(since.ShamirRecovery))
	if err != nil {
		return nil, fmt.Errorf("CertificatesAfter: %w", err)
	}
	defer rows.Close()

	batch := &remote.CertificateBatch{Realm: make(map[models.RealmID][][]byte)}
	for rows.Next() {
		var kind, realm string
		var ts int64
		var blob []byte
		if err := rows.Scan(&kind, &realm, &ts, &blob); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		topic, err := parseTopic(kind, realm)
		if err != nil {
			return nil, err
		}
		// Realm rows come back unfiltered, the per-realm cursor applies here.
		if models.DateTime(ts) <= since.Get(topic) {
			continue
		}
		switch topic.Kind {
		case models.TopicCommon:
			batch.Common = append(batch.Common, blob)
		case models.TopicSequester:
			batch.Sequester = append(batch.Sequester, blob)
		case models.TopicShamirRecovery:
			batch.ShamirRecovery = append(batch.ShamirRecovery, blob)
		case models.TopicRealm:
			batch.Realm[topic.Realm] = append(batch.Realm[topic.Realm], blob)
		}
	}
	return batch, rows.Err()
}

func (r *PostgresRepository) RealmExists(ctx context.Context, realmID models.RealmID) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM server_certificates WHERE topic_kind = 'realm' AND topic_realm = $1
		)
	`, realmID.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("RealmExists: %w", err)
	}
	return exists, nil
}

const vlobColumns = "realm_id, vlob_id, version, key_index, author, ts, blob"

func scanVlob(row *sql.Row) (*VlobRecord, error) {
	var rec VlobRecord
	var realmID, vlobID, author string
	var version, keyIndex, ts int64
	err := row.Scan(&realmID, &vlobID, &version, &keyIndex, &author, &ts, &rec.Blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan vlob: %w", err)
	}
	if rec.RealmID, err = uuid.Parse(realmID); err != nil {
		return nil, fmt.Errorf("parse realm id: %w", err)
	}
	if rec.VlobID, err = uuid.Parse(vlobID); err != nil {
		return nil, fmt.Errorf("parse vlob id: %w", err)
	}
	if rec.Author, err = uuid.Parse(author); err != nil {
		return nil, fmt.Errorf("parse author: %w", err)
	}
	rec.Version = uint32(version)
	rec.KeyIndex = uint32(keyIndex)
	rec.Timestamp = models.DateTime(ts)
	return &rec, nil
}

func (r *PostgresRepository) LatestVlob(ctx context.Context, realmID models.RealmID, vlobID models.VlobID) (*VlobRecord, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+vlobColumns+` FROM vlobs
		WHERE realm_id = $1 AND vlob_id = $2
		ORDER BY version DESC LIMIT 1
	`, realmID.String(), vlobID.String())
	return scanVlob(row)
}

func (r *PostgresRepository) VlobAtVersion(ctx context.Context, realmID models.RealmID, vlobID models.VlobID, version uint32) (*VlobRecord, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+vlobColumns+` FROM vlobs
		WHERE realm_id = $1 AND vlob_id = $2 AND version = $3
	`, realmID.String(), vlobID.String(), int64(version))
	return scanVlob(row)
}

func (r *PostgresRepository) InsertVlob(ctx context.Context, rec *VlobRecord) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO vlobs (`+vlobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.RealmID.String(), rec.VlobID.String(), int64(rec.Version), int64(rec.KeyIndex),
		rec.Author.String(), int64(rec.Timestamp), rec.Blob)
	if err != nil {
		return fmt.Errorf("InsertVlob: %w", err)
	}
	return nil
}

func parseTopic(kind, realm string) (models.Topic, error) {
	topic := models.Topic{Kind: models.TopicKind(kind)}
	if topic.Kind != models.TopicRealm {
		return topic, nil
	}
	realmID, err := uuid.Parse(realm)
	if err != nil {
		return topic, fmt.Errorf("parse topic realm: %w", err)
	}
	topic.Realm = realmID
	return topic, nil
}
