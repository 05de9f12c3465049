package trustchain

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/keys"
	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/remote"
)

// RealmKeyResolver hands out the symmetric key of a realm for a given key
// index. Key rotation bookkeeping lives outside this package.
type RealmKeyResolver interface {
	RealmKey(realmID models.RealmID, keyIndex uint32) (keys.SecretKey, error)
}

// ErrUnknownKeyIndex is what a RealmKeyResolver returns for an index it has
// no key for.
var ErrUnknownKeyIndex = errors.New("unknown realm key index")

// Ops ties the certificate store, the local device and the server together.
// All certificate admission and manifest validation go through it.
type Ops struct {
	store  *certstore.Store
	device *models.DeviceContext
	client remote.Client
	realms RealmKeyResolver
	log    *zap.Logger
}

// New builds the validation engine. log may be nil.
func New(store *certstore.Store, device *models.DeviceContext, client remote.Client, realms RealmKeyResolver, log *zap.Logger) *Ops {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ops{store: store, device: device, client: client, realms: realms, log: log}
}

// Store exposes the underlying certificate store for read-only use.
func (o *Ops) Store() *certstore.Store { return o.store }

// decodeStored opens a stored row back into its certificate. Rows were
// validated before storage, so the signature is stripped without checking.
func (o *Ops) decodeStored(row *certstore.StoredCertificate) (models.Certificate, error) {
	signed, err := o.device.LocalStorageKey.Decrypt(row.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt stored certificate %d: %w", row.Index, err)
	}
	payload, err := keys.UnsecureUnwrap(signed)
	if err != nil {
		return nil, fmt.Errorf("unwrap stored certificate %d: %w", row.Index, err)
	}
	cert, err := models.LoadCertificate(payload)
	if err != nil {
		return nil, fmt.Errorf("load stored certificate %d: %w", row.Index, err)
	}
	return cert, nil
}

// deviceCertAt fetches a device certificate as of upTo.
func (o *Ops) deviceCertAt(ctx context.Context, r certstore.Reader, deviceID models.DeviceID, upTo certstore.UpTo) (*models.DeviceCertificate, error) {
	row, err := r.GetCertificate(ctx, certstore.DeviceCertificate(deviceID), upTo)
	if err != nil {
		return nil, err
	}
	cert, err := o.decodeStored(row)
	if err != nil {
		return nil, err
	}
	device, ok := cert.(*models.DeviceCertificate)
	if !ok {
		return nil, fmt.Errorf("stored row %d is not a device certificate", row.Index)
	}
	return device, nil
}

// userCertAt fetches a user certificate as of upTo.
func (o *Ops) userCertAt(ctx context.Context, r certstore.Reader, userID models.UserID, upTo certstore.UpTo) (*models.UserCertificate, error) {
	row, err := r.GetCertificate(ctx, certstore.UserCertificate(userID), upTo)
	if err != nil {
		return nil, err
	}
	cert, err := o.decodeStored(row)
	if err != nil {
		return nil, err
	}
	user, ok := cert.(*models.UserCertificate)
	if !ok {
		return nil, fmt.Errorf("stored row %d is not a user certificate", row.Index)
	}
	return user, nil
}

// userProfileAt resolves a user's effective profile as of upTo: the initial
// profile overridden by the latest update.
func (o *Ops) userProfileAt(ctx context.Context, r certstore.Reader, userID models.UserID, upTo certstore.UpTo) (models.UserProfile, error) {
	user, err := o.userCertAt(ctx, r, userID, upTo)
	if err != nil {
		return "", err
	}
	profile := user.Profile

	updates, err := r.GetMultipleCertificates(ctx, certstore.UserUpdateCertificates(userID), upTo, 0, 0)
	if err != nil {
		return "", err
	}
	for _, row := range updates {
		cert, err := o.decodeStored(row)
		if err != nil {
			return "", err
		}
		update, ok := cert.(*models.UserUpdateCertificate)
		if !ok {
			return "", fmt.Errorf("stored row %d is not a user update certificate", row.Index)
		}
		profile = update.NewProfile
	}
	return profile, nil
}

// revocationOf returns the revocation timestamp of a user as of upTo, ok
// false if not revoked.
func (o *Ops) revocationOf(ctx context.Context, r certstore.Reader, userID models.UserID, upTo certstore.UpTo) (models.DateTime, bool, error) {
	row, err := r.GetCertificate(ctx, certstore.RevokedUserCertificate(userID), upTo)
	if errors.Is(err, certstore.ErrNotFound) {
		return 0, false, nil
	}
	var tooRecent *certstore.ExistButTooRecentError
	if errors.As(err, &tooRecent) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.Timestamp, true, nil
}

// realmRoleAt resolves a user's role in a realm as of upTo. found is false
// when the user never had a role certificate there.
func (o *Ops) realmRoleAt(ctx context.Context, r certstore.Reader, realmID models.RealmID, userID models.UserID, upTo certstore.UpTo) (models.RealmRole, bool, error) {
	row, err := r.GetCertificate(ctx, certstore.RealmRoleCertificate(realmID, userID), upTo)
	if errors.Is(err, certstore.ErrNotFound) {
		return models.RoleNone, false, nil
	}
	var tooRecent *certstore.ExistButTooRecentError
	if errors.As(err, &tooRecent) {
		return models.RoleNone, false, nil
	}
	if err != nil {
		return models.RoleNone, false, err
	}
	cert, err := o.decodeStored(row)
	if err != nil {
		return models.RoleNone, false, err
	}
	role, ok := cert.(*models.RealmRoleCertificate)
	if !ok {
		return models.RoleNone, false, fmt.Errorf("stored row %d is not a realm role certificate", row.Index)
	}
	return role.Role, true, nil
}

// PollServer fetches new certificates and admits them. When admission wiped
// the local store (own profile switch) it polls once more from scratch.
func (o *Ops) PollServer(ctx context.Context) (int, error) {
	total := 0
	for attempt := 0; attempt < 2; attempt++ {
		since, err := o.store.GetLastTimestamps(ctx)
		if err != nil {
			return total, err
		}
		batch, err := o.client.PollCertificates(ctx, since)
		if err != nil {
			return total, err
		}
		if batch.IsEmpty() {
			return total, nil
		}
		outcome, err := o.AddCertificatesBatch(ctx, batch)
		if err != nil {
			return total, err
		}
		total += outcome.Added
		o.log.Debug("certificates polled",
			zap.Int("added", outcome.Added),
			zap.Bool("switched", outcome.Switched))
		if !outcome.Switched {
			return total, nil
		}
	}
	return total, nil
}

// EnsureCoverage guarantees the store covers the given per-topic
// timestamps, polling the server once if needed. ErrNotReady when the
// server answer still leaves a gap.
func (o *Ops) EnsureCoverage(ctx context.Context, needed certstore.PerTopicLastTimestamps) error {
	local, err := o.store.GetLastTimestamps(ctx)
	if err != nil {
		return err
	}
	if local.IsUpToDate(needed) {
		return nil
	}

	if _, err := o.PollServer(ctx); err != nil {
		return err
	}

	local, err = o.store.GetLastTimestamps(ctx)
	if err != nil {
		return err
	}
	if !local.IsUpToDate(needed) {
		return ErrNotReady
	}
	return nil
}

const maxTimestampRetries = 4

// EnsureRealmCreated makes sure the realm exists server-side by uploading
// our self-signed Owner role certificate. Safe to call when the realm
// already exists.
func (o *Ops) EnsureRealmCreated(ctx context.Context, realmID models.RealmID) error {
	timestamp := o.device.Timestamp()
	for attempt := 0; ; attempt++ {
		cert := &models.RealmRoleCertificate{
			Author:    o.device.DeviceID,
			Timestamp: timestamp,
			RealmID:   realmID,
			UserID:    o.device.UserID,
			Role:      models.RoleOwner,
		}
		payload, err := models.DumpCertificate(cert)
		if err != nil {
			return err
		}

		result, err := o.client.CreateRealm(ctx, o.device.SigningKey.Sign(payload))
		if err != nil {
			return err
		}
		switch result.Status {
		case remote.StatusOK, remote.StatusAlreadyExists:
			return nil
		case remote.StatusRequireGreaterTimestamp:
			if attempt >= maxTimestampRetries {
				return fmt.Errorf("realm create kept racing on timestamps for %s", realmID)
			}
			timestamp = nextTimestamp(result.StrictlyGreaterThan, o.device.Timestamp())
		case remote.StatusTimestampOutOfBallpark:
			return &BadTimestampError{
				ServerTimestamp: result.ServerTimestamp,
				ClientTimestamp: result.ClientTimestamp,
			}
		default:
			return fmt.Errorf("realm create failed for %s: %s", realmID, result.Status)
		}
	}
}

// ShareRealm grants (or revokes, with RoleNone) a user's role in a realm by
// uploading a role certificate signed by us. Recipient checks mirror the
// admission rules so a doomed grant fails before touching the server; the
// grant still gets fully re-validated by every client when it comes back
// through a poll.
func (o *Ops) ShareRealm(ctx context.Context, realmID models.RealmID, userID models.UserID, role models.RealmRole) error {
	if userID == o.device.UserID {
		return fmt.Errorf("cannot change own role in realm %s", realmID)
	}
	profile, err := o.userProfileAt(ctx, o.store, userID, certstore.UpToCurrent())
	if err != nil {
		return fmt.Errorf("resolve recipient %s: %w", userID, err)
	}
	if profile == models.ProfileOutsider && (role == models.RoleOwner || role == models.RoleManager) {
		return fmt.Errorf("outsider %s cannot be granted %s", userID, role)
	}
	if _, revoked, err := o.revocationOf(ctx, o.store, userID, certstore.UpToCurrent()); err != nil {
		return err
	} else if revoked {
		return fmt.Errorf("recipient %s is revoked", userID)
	}

	// Our own role gates the grant: Owner to touch Owner/Manager levels,
	// Manager or Owner otherwise. A grant signed beyond our authority would
	// be accepted by the server and then poison the realm topic for every
	// client at admission time.
	ourRole, found, err := o.realmRoleAt(ctx, o.store, realmID, o.device.UserID, certstore.UpToCurrent())
	if err != nil {
		return err
	}
	if !found || !ourRole.IsGranted() {
		return fmt.Errorf("no role in realm %s", realmID)
	}
	currentRole, _, err := o.realmRoleAt(ctx, o.store, realmID, userID, certstore.UpToCurrent())
	if err != nil {
		return err
	}
	needsOwner := role == models.RoleOwner || role == models.RoleManager ||
		currentRole == models.RoleOwner || currentRole == models.RoleManager
	if needsOwner && ourRole != models.RoleOwner {
		return fmt.Errorf("role %s in realm %s cannot grant or revoke %s", ourRole, realmID, role)
	}
	if ourRole != models.RoleOwner && ourRole != models.RoleManager {
		return fmt.Errorf("role %s in realm %s cannot share", ourRole, realmID)
	}

	timestamp := o.device.Timestamp()
	for attempt := 0; ; attempt++ {
		cert := &models.RealmRoleCertificate{
			Author:    o.device.DeviceID,
			Timestamp: timestamp,
			RealmID:   realmID,
			UserID:    userID,
			Role:      role,
		}
		payload, err := models.DumpCertificate(cert)
		if err != nil {
			return err
		}

		result, err := o.client.ShareRealm(ctx, o.device.SigningKey.Sign(payload))
		if err != nil {
			return err
		}
		switch result.Status {
		case remote.StatusOK:
			return nil
		case remote.StatusRequireGreaterTimestamp:
			if attempt >= maxTimestampRetries {
				return fmt.Errorf("realm share kept racing on timestamps for %s", realmID)
			}
			timestamp = nextTimestamp(result.StrictlyGreaterThan, o.device.Timestamp())
		case remote.StatusTimestampOutOfBallpark:
			return &BadTimestampError{
				ServerTimestamp: result.ServerTimestamp,
				ClientTimestamp: result.ClientTimestamp,
			}
		default:
			return fmt.Errorf("realm share failed for %s: %s", realmID, result.Status)
		}
	}
}

// nextTimestamp picks a retry timestamp strictly dominating the server
// constraint without drifting behind our own clock.
func nextTimestamp(strictlyGreaterThan, now models.DateTime) models.DateTime {
	candidate := strictlyGreaterThan + 1
	if now > candidate {
		return now
	}
	return candidate
}
