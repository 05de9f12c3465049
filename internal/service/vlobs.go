package service

import (
	"context"
	"errors"

	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/remote"
	"github.com/atinyakov/RealmKeeper/internal/repository"
)

// ErrVlobNotFound is returned by Read when the vlob or requested version
// does not exist.
var ErrVlobNotFound = errors.New("vlob not found")

// VlobService serves vlob reads and version-sequenced writes.
type VlobService struct {
	repo  repository.ServerRepository
	certs *CertificateService
}

func NewVlobService(repo repository.ServerRepository, certs *CertificateService) *VlobService {
	return &VlobService{repo: repo, certs: certs}
}

// Create stores version 1 of a vlob. The realm must exist, and the
// timestamp must strictly dominate the realm's certificate stream so a
// reader's trust-chain snapshot is never newer than the manifest it
// validates.
func (s *VlobService) Create(ctx context.Context, author models.DeviceID, w *remote.VlobWrite) (*remote.WriteResult, error) {
	if bad := s.certs.checkBallpark(w.Timestamp); bad != nil {
		return bad, nil
	}
	exists, err := s.repo.RealmExists(ctx, w.RealmID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &remote.WriteResult{Status: remote.StatusNotFound}, nil
	}

	if _, err := s.repo.LatestVlob(ctx, w.RealmID, w.VlobID); err == nil {
		return &remote.WriteResult{Status: remote.StatusAlreadyExists}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if w.Version != 1 {
		return &remote.WriteResult{Status: remote.StatusVersionConflict}, nil
	}

	lastCert, err := s.repo.LastTopicTimestamp(ctx, models.RealmTopic(w.RealmID))
	if err != nil {
		return nil, err
	}
	if w.Timestamp <= lastCert {
		return &remote.WriteResult{
			Status:              remote.StatusRequireGreaterTimestamp,
			StrictlyGreaterThan: lastCert,
		}, nil
	}

	if err := s.repo.InsertVlob(ctx, s.record(author, w)); err != nil {
		return nil, err
	}
	return &remote.WriteResult{Status: remote.StatusOK}, nil
}

// Update stores version N+1 of an existing vlob. Any other version is a
// conflict: the client must pull, merge and retry.
func (s *VlobService) Update(ctx context.Context, author models.DeviceID, w *remote.VlobWrite) (*remote.WriteResult, error) {
	if bad := s.certs.checkBallpark(w.Timestamp); bad != nil {
		return bad, nil
	}
	latest, err := s.repo.LatestVlob(ctx, w.RealmID, w.VlobID)
	if errors.Is(err, repository.ErrNotFound) {
		return &remote.WriteResult{Status: remote.StatusNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	if w.Version != latest.Version+1 {
		return &remote.WriteResult{Status: remote.StatusVersionConflict}, nil
	}
	if w.Timestamp <= latest.Timestamp {
		return &remote.WriteResult{
			Status:              remote.StatusRequireGreaterTimestamp,
			StrictlyGreaterThan: latest.Timestamp,
		}, nil
	}

	if err := s.repo.InsertVlob(ctx, s.record(author, w)); err != nil {
		return nil, err
	}
	return &remote.WriteResult{Status: remote.StatusOK}, nil
}

// Read fetches one vlob version, 0 meaning latest, together with the
// certificate coverage the client needs before validating it.
func (s *VlobService) Read(ctx context.Context, realmID models.RealmID, vlobID models.VlobID, version uint32) (*remote.VlobRead, error) {
	latest, err := s.repo.LatestVlob(ctx, realmID, vlobID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrVlobNotFound
	}
	if err != nil {
		return nil, err
	}

	rec := latest
	if version != 0 && version != latest.Version {
		rec, err = s.repo.VlobAtVersion(ctx, realmID, vlobID, version)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrVlobNotFound
		}
		if err != nil {
			return nil, err
		}
	}

	needed, err := s.repo.LastTimestamps(ctx)
	if err != nil {
		return nil, err
	}
	return &remote.VlobRead{
		Author:           rec.Author,
		Version:          rec.Version,
		KeyIndex:         rec.KeyIndex,
		Timestamp:        rec.Timestamp,
		Blob:             rec.Blob,
		LastVersion:      latest.Version,
		NeededTimestamps: needed,
	}, nil
}

func (s *VlobService) record(author models.DeviceID, w *remote.VlobWrite) *repository.VlobRecord {
	return &repository.VlobRecord{
		RealmID:   w.RealmID,
		VlobID:    w.VlobID,
		Author:    author,
		KeyIndex:  w.KeyIndex,
		Version:   w.Version,
		Timestamp: w.Timestamp,
		Blob:      w.Blob,
	}
}
