package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/keys"
	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/remote"
	"github.com/atinyakov/RealmKeeper/internal/trustchain"
)

// fakeClient scripts the server side of a sync. Write results default to OK
// when the script runs out.
type fakeClient struct {
	writeResults []*remote.WriteResult
	// reads maps version (0 = latest) to the served vlob.
	reads map[uint32]*remote.VlobRead

	writes        []*remote.VlobWrite
	createdRealms int
	polls         int
}

func (c *fakeClient) PollCertificates(ctx context.Context, since certstore.PerTopicLastTimestamps) (*remote.CertificateBatch, error) {
	c.polls++
	return &remote.CertificateBatch{}, nil
}

func (c *fakeClient) CreateRealm(ctx context.Context, signed []byte) (*remote.WriteResult, error) {
	c.createdRealms++
	return &remote.WriteResult{Status: remote.StatusOK}, nil
}

func (c *fakeClient) ShareRealm(ctx context.Context, signed []byte) (*remote.WriteResult, error) {
	return &remote.WriteResult{Status: remote.StatusOK}, nil
}

func (c *fakeClient) popWriteResult() *remote.WriteResult {
	if len(c.writeResults) == 0 {
		return &remote.WriteResult{Status: remote.StatusOK}
	}
	r := c.writeResults[0]
	c.writeResults = c.writeResults[1:]
	return r
}

func (c *fakeClient) CreateVlob(ctx context.Context, w *remote.VlobWrite) (*remote.WriteResult, error) {
	c.writes = append(c.writes, w)
	return c.popWriteResult(), nil
}

func (c *fakeClient) UpdateVlob(ctx context.Context, w *remote.VlobWrite) (*remote.WriteResult, error) {
	c.writes = append(c.writes, w)
	return c.popWriteResult(), nil
}

func (c *fakeClient) ReadVlob(ctx context.Context, realmID models.RealmID, vlobID models.VlobID, version uint32) (*remote.VlobRead, error) {
	read, ok := c.reads[version]
	if !ok {
		return nil, remote.ErrVlobNotFound
	}
	return read, nil
}

func (c *fakeClient) ServerNow(ctx context.Context) (models.DateTime, error) {
	return 100000, nil
}

// fakeEntity scripts local state and validation so reconciler behavior can
// be tested without a populated trust chain.
type fakeEntity struct {
	realmID models.RealmID
	vlobID  models.VlobID
	snap    Snapshot

	// invalidVersions fail validation with an InvalidManifestError.
	invalidVersions map[uint32]bool
	// cleanOnMerge makes MergeRemote absorb the local changes, as a merge
	// does when the remote already contains them.
	cleanOnMerge bool

	uploadsBuilt int
	committed    []*Upload
	merged       []models.Manifest
	mergeDigests [][]byte
}

func (e *fakeEntity) RealmID() models.RealmID { return e.realmID }
func (e *fakeEntity) VlobID() models.VlobID   { return e.vlobID }
func (e *fakeEntity) KeyIndex() uint32        { return 1 }

func (e *fakeEntity) Snapshot() (Snapshot, error) { return e.snap, nil }

func (e *fakeEntity) BuildUpload(timestamp models.DateTime) (*Upload, error) {
	e.uploadsBuilt++
	version := e.snap.BaseVersion + 1
	return &Upload{
		Version: version,
		Blob:    []byte(fmt.Sprintf("blob-v%d", version)),
		Remote: &models.WorkspaceManifest{
			ID: e.vlobID, Version: version, Timestamp: timestamp,
			Children: map[string]models.VlobID{},
		},
	}, nil
}

func (e *fakeEntity) CommitUpload(u *Upload) error {
	e.committed = append(e.committed, u)
	e.snap.BaseVersion = u.Version
	e.snap.NeedSync = false
	return nil
}

func (e *fakeEntity) ValidateRemote(ctx context.Context, coords trustchain.VlobCoords, blob []byte) (models.Manifest, error) {
	if e.invalidVersions[coords.Version] {
		return nil, &trustchain.InvalidManifestError{
			Kind: trustchain.ManifestCleartextCorrupted,
			VlobID: coords.VlobID, Version: coords.Version,
		}
	}
	return &models.WorkspaceManifest{
		ID: coords.VlobID, Version: coords.Version,
		Author: coords.Author, Timestamp: coords.Timestamp,
		Children: map[string]models.VlobID{},
	}, nil
}

func (e *fakeEntity) MergeRemote(m models.Manifest, repairDigest []byte) error {
	e.merged = append(e.merged, m)
	e.mergeDigests = append(e.mergeDigests, repairDigest)
	if m.ManifestVersion() > e.snap.BaseVersion {
		e.snap.BaseVersion = m.ManifestVersion()
	}
	if e.cleanOnMerge {
		e.snap.NeedSync = false
	}
	return nil
}

func newTestReconciler(t *testing.T, client *fakeClient) *Reconciler {
	t.Helper()
	sk, err := keys.NewSigningKey()
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	device := &models.DeviceContext{
		UserID:    uuid.New(),
		DeviceID:  uuid.New(),
		SigningKey: sk,
		Now:       func() models.DateTime { return 100000 },
	}
	store := certstore.New(certstore.NewMemoryBackend(), nil)
	t.Cleanup(func() { _ = store.Stop() })
	ops := trustchain.New(store, device, client, nil, nil)
	return NewReconciler(ops, client, device, nil, nil)
}

func serveRead(version uint32) *remote.VlobRead {
	return &remote.VlobRead{
		Author:    uuid.New(),
		Version:   version,
		KeyIndex:  1,
		Timestamp: 90000,
		Blob:      []byte(fmt.Sprintf("remote-v%d", version)),
	}
}

func TestSyncNothingToDo(t *testing.T) {
	client := &fakeClient{}
	r := newTestReconciler(t, client)
	e := &fakeEntity{realmID: uuid.New(), vlobID: uuid.New(),
		snap: Snapshot{BaseVersion: 3}}

	if err := r.Sync(context.Background(), e); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(client.writes) != 0 || len(e.merged) != 0 {
		t.Errorf("expected no writes and no merges, got %d/%d", len(client.writes), len(e.merged))
	}
}

func TestSyncFirstVersionCreatesRealm(t *testing.T) {
	client := &fakeClient{}
	r := newTestReconciler(t, client)
	e := &fakeEntity{realmID: uuid.New(), vlobID: uuid.New(),
		snap: Snapshot{BaseVersion: 0, NeedSync: true}}

	if err := r.Sync(context.Background(), e); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if client.createdRealms != 1 {
		t.Errorf("expected realm creation, got %d", client.createdRealms)
	}
	if len(client.writes) != 1 || client.writes[0].Version != 1 {
		t.Fatalf("expected one version-1 write, got %+v", client.writes)
	}
	if len(e.committed) != 1 || e.snap.NeedSync {
		t.Errorf("expected committed upload and clean state, got %+v", e.snap)
	}
}

func TestSyncRetriesOnGreaterTimestamp(t *testing.T) {
	client := &fakeClient{writeResults: []*remote.WriteResult{
		{Status: remote.StatusRequireGreaterTimestamp, StrictlyGreaterThan: 500000},
	}}
	r := newTestReconciler(t, client)
	e := &fakeEntity{realmID: uuid.New(), vlobID: uuid.New(),
		snap: Snapshot{BaseVersion: 2, NeedSync: true}}

	if err := r.Sync(context.Background(), e); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(client.writes) != 2 {
		t.Fatalf("expected two write attempts, got %d", len(client.writes))
	}
	if client.writes[0].Timestamp != 100000 {
		t.Errorf("first attempt should use the local clock, got %v", client.writes[0].Timestamp)
	}
	if client.writes[1].Timestamp != 500001 {
		t.Errorf("retry should strictly dominate the server constraint, got %v", client.writes[1].Timestamp)
	}
}

func TestSyncVersionConflictMergesThenRetries(t *testing.T) {
	client := &fakeClient{
		writeResults: []*remote.WriteResult{{Status: remote.StatusVersionConflict}},
		reads:        map[uint32]*remote.VlobRead{0: serveRead(3)},
	}
	r := newTestReconciler(t, client)
	e := &fakeEntity{realmID: uuid.New(), vlobID: uuid.New(),
		snap: Snapshot{BaseVersion: 2, NeedSync: true}}

	if err := r.Sync(context.Background(), e); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(e.merged) != 1 || e.merged[0].ManifestVersion() != 3 {
		t.Fatalf("expected remote version 3 merged in, got %+v", e.merged)
	}
	if len(client.writes) != 2 || client.writes[1].Version != 4 {
		t.Fatalf("expected retry as version 4, got %+v", client.writes)
	}
	if len(e.committed) != 1 {
		t.Errorf("expected the retried upload committed, got %d", len(e.committed))
	}
}

func TestSyncVersionConflictStopsWhenMergeAbsorbsChanges(t *testing.T) {
	client := &fakeClient{
		writeResults: []*remote.WriteResult{{Status: remote.StatusVersionConflict}},
		reads:        map[uint32]*remote.VlobRead{0: serveRead(3)},
	}
	r := newTestReconciler(t, client)
	e := &fakeEntity{realmID: uuid.New(), vlobID: uuid.New(),
		snap:         Snapshot{BaseVersion: 2, NeedSync: true},
		cleanOnMerge: true,
	}

	if err := r.Sync(context.Background(), e); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(e.merged) != 1 {
		t.Fatalf("expected the remote version merged in, got %d", len(e.merged))
	}
	// The merge found the remote already holds our changes: no extra
	// version must be uploaded.
	if len(client.writes) != 1 {
		t.Fatalf("expected no retry after a clean merge, got %d writes", len(client.writes))
	}
	if len(e.committed) != 0 {
		t.Errorf("nothing should have been committed, got %d", len(e.committed))
	}
}

func TestSyncSequesterInconsistencyRefreshesCertificates(t *testing.T) {
	client := &fakeClient{writeResults: []*remote.WriteResult{
		{Status: remote.StatusSequesterInconsistency},
	}}
	r := newTestReconciler(t, client)
	e := &fakeEntity{realmID: uuid.New(), vlobID: uuid.New(),
		snap: Snapshot{BaseVersion: 1, NeedSync: true}}

	if err := r.Sync(context.Background(), e); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if client.polls != 1 {
		t.Errorf("expected one certificate poll, got %d", client.polls)
	}
	if len(client.writes) != 2 {
		t.Errorf("expected a retry after the refresh, got %d writes", len(client.writes))
	}
}

func TestSyncBallparkFailureSurfaces(t *testing.T) {
	client := &fakeClient{writeResults: []*remote.WriteResult{
		{Status: remote.StatusTimestampOutOfBallpark, ServerTimestamp: 999999, ClientTimestamp: 100000},
	}}
	r := newTestReconciler(t, client)
	e := &fakeEntity{realmID: uuid.New(), vlobID: uuid.New(),
		snap: Snapshot{BaseVersion: 1, NeedSync: true}}

	err := r.Sync(context.Background(), e)
	var bad *trustchain.BadTimestampError
	if !errors.As(err, &bad) {
		t.Fatalf("expected BadTimestampError, got %v", err)
	}
	if bad.ServerTimestamp != 999999 {
		t.Errorf("unexpected server timestamp: %v", bad.ServerTimestamp)
	}
}

func TestInboundMergesLatest(t *testing.T) {
	client := &fakeClient{reads: map[uint32]*remote.VlobRead{0: serveRead(5)}}
	r := newTestReconciler(t, client)
	e := &fakeEntity{realmID: uuid.New(), vlobID: uuid.New(),
		snap: Snapshot{BaseVersion: 2}}

	if err := r.Sync(context.Background(), e); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(e.merged) != 1 || e.merged[0].ManifestVersion() != 5 {
		t.Fatalf("expected version 5 merged, got %+v", e.merged)
	}
	if e.mergeDigests[0] != nil {
		t.Errorf("a directly valid manifest must not carry a repair digest")
	}
}

func TestInboundRepairsFromOlderVersion(t *testing.T) {
	client := &fakeClient{reads: map[uint32]*remote.VlobRead{
		0: serveRead(5),
		3: serveRead(3),
		2: serveRead(2),
	}}
	r := newTestReconciler(t, client)
	e := &fakeEntity{realmID: uuid.New(), vlobID: uuid.New(),
		snap:            Snapshot{BaseVersion: 1},
		invalidVersions: map[uint32]bool{5: true, 3: true},
	}

	if err := r.Sync(context.Background(), e); err != nil {
		t.Fatalf("sync: %v", err)
	}
	// Version 5 is broken, 4 is missing, 3 is broken, 2 validates: the
	// repaired state is version 2's content relabeled as version 5.
	if len(e.merged) != 1 {
		t.Fatalf("expected one merge, got %d", len(e.merged))
	}
	if e.merged[0].ManifestVersion() != 5 {
		t.Errorf("repaired manifest should carry the broken latest version, got %d", e.merged[0].ManifestVersion())
	}
	if len(e.mergeDigests[0]) == 0 {
		t.Errorf("repaired manifest must be pinned by digest")
	}
}

func TestInboundKeepsLocalWhenNothingValidates(t *testing.T) {
	client := &fakeClient{reads: map[uint32]*remote.VlobRead{
		0: serveRead(4),
		3: serveRead(3),
		2: serveRead(2),
	}}
	r := newTestReconciler(t, client)
	e := &fakeEntity{realmID: uuid.New(), vlobID: uuid.New(),
		snap:            Snapshot{BaseVersion: 1},
		invalidVersions: map[uint32]bool{4: true, 3: true, 2: true},
	}

	if err := r.Sync(context.Background(), e); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(e.merged) != 0 {
		t.Errorf("expected no merge when no version validates, got %d", len(e.merged))
	}
	if e.snap.BaseVersion != 1 {
		t.Errorf("local base must stay untouched, got %d", e.snap.BaseVersion)
	}
}

func TestInboundMissingVlobIsFine(t *testing.T) {
	client := &fakeClient{}
	r := newTestReconciler(t, client)
	e := &fakeEntity{realmID: uuid.New(), vlobID: uuid.New(),
		snap: Snapshot{BaseVersion: 0}}

	if err := r.Sync(context.Background(), e); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(e.merged) != 0 {
		t.Errorf("expected nothing merged for a missing vlob")
	}
}

func TestMergeChildrenThreeWay(t *testing.T) {
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	base := map[string]models.VlobID{"keep.txt": a, "theirs.txt": b, "gone.txt": c}

	ours := map[string]models.VlobID{"keep.txt": a, "theirs.txt": b, "new.txt": d}
	theirs := map[string]models.VlobID{"keep.txt": a, "theirs.txt": d, "gone.txt": c}

	merged := mergeChildren(base, ours, theirs)

	if merged["keep.txt"] != a {
		t.Errorf("unchanged entry must survive")
	}
	if merged["theirs.txt"] != d {
		t.Errorf("their change must win for entries we did not touch")
	}
	if merged["new.txt"] != d {
		t.Errorf("our addition must survive")
	}
	if _, ok := merged["gone.txt"]; !ok {
		t.Errorf("our deletion must not apply, we never touched gone.txt locally")
	}
}

func TestMergeChildrenDeletion(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	base := map[string]models.VlobID{"doomed.txt": a, "saved.txt": b}

	// We delete both; they changed saved.txt meanwhile.
	ours := map[string]models.VlobID{}
	theirsSaved := uuid.New()
	theirs := map[string]models.VlobID{"doomed.txt": a, "saved.txt": theirsSaved}

	merged := mergeChildren(base, ours, theirs)
	if _, ok := merged["doomed.txt"]; ok {
		t.Errorf("deletion of an untouched entry must apply")
	}
	if merged["saved.txt"] != theirsSaved {
		t.Errorf("their change must override our deletion")
	}
}

func TestMergeChildrenConflictRename(t *testing.T) {
	a := uuid.New()
	oursID, theirsID := uuid.New(), uuid.New()
	base := map[string]models.VlobID{"file.txt": a}
	ours := map[string]models.VlobID{"file.txt": oursID}
	theirs := map[string]models.VlobID{"file.txt": theirsID}

	merged := mergeChildren(base, ours, theirs)
	if merged["file.txt"] != theirsID {
		t.Errorf("remote keeps the original name in a conflict")
	}
	if merged["file.txt"+conflictSuffix] != oursID {
		t.Errorf("our side must be renamed aside, got %+v", merged)
	}
}

func TestMergeWorkspaceManifestRepairDivergence(t *testing.T) {
	id := uuid.New()
	local := models.NewLocalWorkspaceManifest(id, 1000, false)
	remoteManifest := &models.WorkspaceManifest{
		ID: id, Version: 3, UpdatedOn: 2000,
		Children: map[string]models.VlobID{},
	}
	if err := mergeWorkspaceManifest(local, remoteManifest, []byte("digest-a")); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !bytes.Equal(local.RepairDigest, []byte("digest-a")) {
		t.Fatalf("repair digest not pinned")
	}

	// Same version shows up again with different repaired content.
	err := mergeWorkspaceManifest(local, remoteManifest, []byte("digest-b"))
	if !errors.Is(err, ErrRepairDivergence) {
		t.Fatalf("expected ErrRepairDivergence, got %v", err)
	}
}

func TestMergeUserManifestKeepsLocalChanges(t *testing.T) {
	id := uuid.New()
	local := models.NewLocalUserManifest(id, 1000, false)
	local.AddWorkspace(models.WorkspaceEntry{Name: "docs", RealmID: uuid.New()}, 3000)

	remoteManifest := &models.UserManifest{ID: id, Version: 2, UpdatedOn: 2000}
	mergeUserManifest(local, remoteManifest)

	if local.Base.Version != 2 {
		t.Errorf("base must follow the remote, got %d", local.Base.Version)
	}
	if !local.NeedSync {
		t.Errorf("newer local changes must keep the sync flag")
	}
	if len(local.LocalWorkspaces) != 1 {
		t.Errorf("local workspace list must survive a merge")
	}
}

func TestVaultRoundTrip(t *testing.T) {
	key, err := keys.NewSecretKey()
	if err != nil {
		t.Fatalf("secret key: %v", err)
	}
	path := t.TempDir() + "/vault.bin"
	userID := uuid.New()
	realmID := uuid.New()

	v, err := OpenVault(path, key)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	if err := v.EnsureUser(userID, 1000, false); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := v.EnsureWorkspace(realmID, realmID, 1000, true); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	if err := v.WithWorkspace(realmID, func(ws *models.LocalWorkspaceManifest) error {
		ws.InsertChild("readme.md", uuid.New(), 2000)
		return nil
	}); err != nil {
		t.Fatalf("update workspace: %v", err)
	}

	reopened, err := OpenVault(path, key)
	if err != nil {
		t.Fatalf("reopen vault: %v", err)
	}
	ws, err := reopened.Workspace(realmID)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	if len(ws.Children) != 1 || !ws.NeedSync {
		t.Errorf("persisted workspace state lost: %+v", ws)
	}
	if _, err := reopened.User(); err != nil {
		t.Errorf("persisted user manifest lost: %v", err)
	}

	wrongKey, _ := keys.NewSecretKey()
	if _, err := OpenVault(path, wrongKey); err == nil {
		t.Errorf("expected decrypt failure with the wrong key")
	}
}

func TestVaultKeyring(t *testing.T) {
	key, _ := keys.NewSecretKey()
	v, err := OpenVault("", key)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	realmID := uuid.New()

	if _, err := v.RealmKey(realmID, 1); !errors.Is(err, trustchain.ErrUnknownKeyIndex) {
		t.Fatalf("expected ErrUnknownKeyIndex, got %v", err)
	}

	realmKey, _ := keys.NewSecretKey()
	if err := v.StoreRealmKey(realmID, 1, realmKey); err != nil {
		t.Fatalf("store key: %v", err)
	}
	got, err := v.RealmKey(realmID, 1)
	if err != nil {
		t.Fatalf("realm key: %v", err)
	}
	if !bytes.Equal(got.Bytes(), realmKey.Bytes()) {
		t.Errorf("keyring returned a different key")
	}
	if _, err := v.RealmKey(realmID, 2); !errors.Is(err, trustchain.ErrUnknownKeyIndex) {
		t.Errorf("expected ErrUnknownKeyIndex for an unknown index, got %v", err)
	}
}
