package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/models"
)

func TestMemoryCertificates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	realmID := uuid.New()

	require.NoError(t, repo.AppendCertificate(ctx, &CertificateRecord{
		Topic: models.CommonTopic(), Timestamp: 100, Blob: []byte("c1"),
	}))
	require.NoError(t, repo.AppendCertificate(ctx, &CertificateRecord{
		Topic: models.CommonTopic(), Timestamp: 200, Blob: []byte("c2"),
	}))
	require.NoError(t, repo.AppendCertificate(ctx, &CertificateRecord{
		Topic: models.RealmTopic(realmID), Timestamp: 150, Blob: []byte("r1"),
	}))

	last, err := repo.LastTopicTimestamp(ctx, models.CommonTopic())
	require.NoError(t, err)
	assert.Equal(t, models.DateTime(200), last)

	exists, err := repo.RealmExists(ctx, realmID)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = repo.RealmExists(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, exists)

	all, err := repo.LastTimestamps(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DateTime(200), all.Common)
	assert.Equal(t, models.DateTime(150), all.Realm[realmID])

	batch, err := repo.CertificatesAfter(ctx, certstore.PerTopicLastTimestamps{Common: 100})
	require.NoError(t, err)
	require.Len(t, batch.Common, 1)
	assert.Equal(t, []byte("c2"), batch.Common[0])
	require.Len(t, batch.Realm[realmID], 1)
}

func TestMemoryVlobs(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	realmID, vlobID, author := uuid.New(), uuid.New(), uuid.New()

	_, err := repo.LatestVlob(ctx, realmID, vlobID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.InsertVlob(ctx, &VlobRecord{
		RealmID: realmID, VlobID: vlobID, Author: author,
		Version: 1, KeyIndex: 1, Timestamp: 100, Blob: []byte("v1"),
	}))
	require.NoError(t, repo.InsertVlob(ctx, &VlobRecord{
		RealmID: realmID, VlobID: vlobID, Author: author,
		Version: 2, KeyIndex: 1, Timestamp: 200, Blob: []byte("v2"),
	}))

	latest, err := repo.LatestVlob(ctx, realmID, vlobID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), latest.Version)
	assert.Equal(t, []byte("v2"), latest.Blob)

	old, err := repo.VlobAtVersion(ctx, realmID, vlobID, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), old.Blob)

	_, err = repo.VlobAtVersion(ctx, realmID, vlobID, 5)
	assert.ErrorIs(t, err, ErrNotFound)
}
