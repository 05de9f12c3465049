// Package service implements the server-side business rules: certificate
// topic ordering, realm creation, vlob versioning and timestamp ballpark
// checks. Persistence is delegated to repository interfaces.
//
// The server never validates trust chains: that is the client's job. It only
// enforces the structural guarantees clients rely on, so that a well-behaved
// server cannot hand out streams a client would have to reject wholesale.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/keys"
	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/remote"
	"github.com/atinyakov/RealmKeeper/internal/repository"
)

// DefaultBallpark is how far a client timestamp may drift from the server
// clock before a write is refused outright.
const DefaultBallpark = 5 * time.Minute

// CertificateService serves certificate polls and realm creation.
type CertificateService struct {
	repo     repository.ServerRepository
	now      func() models.DateTime
	ballpark time.Duration
}

// NewCertificateService builds the service. now may be nil (wall clock),
// ballpark 0 means DefaultBallpark.
func NewCertificateService(repo repository.ServerRepository, now func() models.DateTime, ballpark time.Duration) *CertificateService {
	if now == nil {
		now = func() models.DateTime { return models.DateTimeFromTime(time.Now()) }
	}
	if ballpark == 0 {
		ballpark = DefaultBallpark
	}
	return &CertificateService{repo: repo, now: now, ballpark: ballpark}
}

// Now returns the server clock.
func (s *CertificateService) Now() models.DateTime { return s.now() }

func (s *CertificateService) checkBallpark(ts models.DateTime) *remote.WriteResult {
	now := s.now()
	delta := ts - now
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Microsecond > s.ballpark {
		return &remote.WriteResult{
			Status:          remote.StatusTimestampOutOfBallpark,
			ServerTimestamp: now,
			ClientTimestamp: ts,
		}
	}
	return nil
}

// Poll returns every certificate strictly newer than the client's per-topic
// cursors.
func (s *CertificateService) Poll(ctx context.Context, since certstore.PerTopicLastTimestamps) (*remote.CertificateBatch, error) {
	return s.repo.CertificatesAfter(ctx, since)
}

// CreateRealm accepts the signed self-role certificate that opens a realm.
// Re-creating an existing realm answers already_exists so client retries
// stay idempotent.
func (s *CertificateService) CreateRealm(ctx context.Context, signed []byte) (*remote.WriteResult, error) {
	payload, err := keys.UnsecureUnwrap(signed)
	if err != nil {
		return nil, fmt.Errorf("unwrap realm certificate: %w", err)
	}
	cert, err := models.LoadCertificate(payload)
	if err != nil {
		return nil, fmt.Errorf("load realm certificate: %w", err)
	}
	role, ok := cert.(*models.RealmRoleCertificate)
	if !ok {
		return nil, fmt.Errorf("realm creation needs a realm role certificate, got %s", cert.Type())
	}

	if bad := s.checkBallpark(role.Timestamp); bad != nil {
		return bad, nil
	}

	exists, err := s.repo.RealmExists(ctx, role.RealmID)
	if err != nil {
		return nil, err
	}
	if exists {
		return &remote.WriteResult{Status: remote.StatusAlreadyExists}, nil
	}

	if err := s.repo.AppendCertificate(ctx, &repository.CertificateRecord{
		Topic:     models.RealmTopic(role.RealmID),
		Timestamp: role.Timestamp,
		Blob:      signed,
	}); err != nil {
		return nil, err
	}
	return &remote.WriteResult{Status: remote.StatusOK}, nil
}

// realmView reads, from the stored streams, which user each device belongs
// to and each user's latest role in the realm. The server holds the same
// signed certificates the clients validate; it only decodes them here, it
// does not re-check the chain.
func (s *CertificateService) realmView(ctx context.Context, realmID models.RealmID) (map[models.DeviceID]models.UserID, map[models.UserID]models.RealmRole, error) {
	batch, err := s.repo.CertificatesAfter(ctx, certstore.PerTopicLastTimestamps{})
	if err != nil {
		return nil, nil, err
	}

	deviceUsers := make(map[models.DeviceID]models.UserID)
	for _, signed := range batch.Common {
		payload, err := keys.UnsecureUnwrap(signed)
		if err != nil {
			return nil, nil, fmt.Errorf("unwrap common certificate: %w", err)
		}
		cert, err := models.LoadCertificate(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("load common certificate: %w", err)
		}
		if dev, ok := cert.(*models.DeviceCertificate); ok {
			deviceUsers[dev.DeviceID] = dev.UserID
		}
	}

	roles := make(map[models.UserID]models.RealmRole)
	for _, signed := range batch.Realm[realmID] {
		payload, err := keys.UnsecureUnwrap(signed)
		if err != nil {
			return nil, nil, fmt.Errorf("unwrap realm certificate: %w", err)
		}
		cert, err := models.LoadCertificate(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("load realm certificate: %w", err)
		}
		if rc, ok := cert.(*models.RealmRoleCertificate); ok {
			roles[rc.UserID] = rc.Role
		}
	}
	return deviceUsers, roles, nil
}

// ShareRealm appends a role certificate to an existing realm's stream. The
// author must hold a role allowing the grant: Owner to touch Owner/Manager
// levels, Manager or Owner otherwise. Clients enforce the same rule before
// uploading and re-validate the full chain on admission.
func (s *CertificateService) ShareRealm(ctx context.Context, author models.DeviceID, signed []byte) (*remote.WriteResult, error) {
	payload, err := keys.UnsecureUnwrap(signed)
	if err != nil {
		return nil, fmt.Errorf("unwrap role certificate: %w", err)
	}
	cert, err := models.LoadCertificate(payload)
	if err != nil {
		return nil, fmt.Errorf("load role certificate: %w", err)
	}
	role, ok := cert.(*models.RealmRoleCertificate)
	if !ok {
		return nil, fmt.Errorf("realm share needs a realm role certificate, got %s", cert.Type())
	}
	if role.Author != author {
		return &remote.WriteResult{Status: remote.StatusNotAllowed}, nil
	}

	if bad := s.checkBallpark(role.Timestamp); bad != nil {
		return bad, nil
	}

	exists, err := s.repo.RealmExists(ctx, role.RealmID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &remote.WriteResult{Status: remote.StatusNotFound}, nil
	}

	deviceUsers, roles, err := s.realmView(ctx, role.RealmID)
	if err != nil {
		return nil, err
	}
	authorUser, known := deviceUsers[author]
	if !known {
		return &remote.WriteResult{Status: remote.StatusNotAllowed}, nil
	}
	authorRole := roles[authorUser]
	needsOwner := role.Role == models.RoleOwner || role.Role == models.RoleManager ||
		roles[role.UserID] == models.RoleOwner || roles[role.UserID] == models.RoleManager
	if needsOwner && authorRole != models.RoleOwner {
		return &remote.WriteResult{Status: remote.StatusNotAllowed}, nil
	}
	if authorRole != models.RoleOwner && authorRole != models.RoleManager {
		return &remote.WriteResult{Status: remote.StatusNotAllowed}, nil
	}

	last, err := s.repo.LastTopicTimestamp(ctx, models.RealmTopic(role.RealmID))
	if err != nil {
		return nil, err
	}
	if role.Timestamp <= last {
		return &remote.WriteResult{
			Status:              remote.StatusRequireGreaterTimestamp,
			StrictlyGreaterThan: last,
		}, nil
	}

	if err := s.repo.AppendCertificate(ctx, &repository.CertificateRecord{
		Topic:     models.RealmTopic(role.RealmID),
		Timestamp: role.Timestamp,
		Blob:      signed,
	}); err != nil {
		return nil, err
	}
	return &remote.WriteResult{Status: remote.StatusOK}, nil
}

// Inject appends a pre-built certificate to a topic, bypassing the write
// rules. Organization bootstrap and tests go through here.
func (s *CertificateService) Inject(ctx context.Context, topic models.Topic, ts models.DateTime, signed []byte) error {
	last, err := s.repo.LastTopicTimestamp(ctx, topic)
	if err != nil {
		return err
	}
	if ts < last {
		return fmt.Errorf("certificate predates topic %s head (%s < %s)", topic, ts, last)
	}
	return s.repo.AppendCertificate(ctx, &repository.CertificateRecord{
		Topic: topic, Timestamp: ts, Blob: signed,
	})
}
