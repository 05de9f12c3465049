package trustchain

import (
	"context"
	"errors"
	"fmt"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/keys"
	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/remote"
)

// AddOutcome reports what a batch admission did.
type AddOutcome struct {
	// Added is the number of certificates stored.
	Added int
	// Switched means our own profile crossed the Outsider boundary: the
	// local store was wiped and must be refilled from scratch.
	Switched bool
}

// AddCertificatesBatch validates and stores a polled batch atomically:
// either every certificate is admitted, or none is and the error names the
// first offender. Certificates are checked with the keys and roles their
// authors held at signing time.
func (o *Ops) AddCertificatesBatch(ctx context.Context, batch *remote.CertificateBatch) (*AddOutcome, error) {
	outcome := &AddOutcome{}
	err := o.store.ForWrite(ctx, func(tx *certstore.WriteTx) error {
		a := &batchAdder{o: o, tx: tx}
		if err := a.init(ctx); err != nil {
			return err
		}

		// Sequester first: the authority certificate, when present, must be
		// the very first certificate of the organization.
		for _, signed := range batch.Sequester {
			if err := a.addOne(ctx, models.SequesterTopic(), signed); err != nil {
				return err
			}
		}
		for _, signed := range batch.Common {
			if err := a.addOne(ctx, models.CommonTopic(), signed); err != nil {
				return err
			}
			if a.switched {
				outcome.Switched = true
				outcome.Added = a.added
				return nil
			}
		}
		for realmID, certs := range batch.Realm {
			for _, signed := range certs {
				if err := a.addOne(ctx, models.RealmTopic(realmID), signed); err != nil {
					return err
				}
			}
		}
		for _, signed := range batch.ShamirRecovery {
			if err := a.addOne(ctx, models.ShamirRecoveryTopic(), signed); err != nil {
				return err
			}
		}
		if a.pendingShare != nil {
			return &InvalidCertificateError{
				Kind: KindShamirMissingShare,
				Hint: fmt.Sprintf("setup by %s lists us as recipient but no share followed", a.pendingShare.UserID),
				When: a.pendingShare.Timestamp,
			}
		}

		outcome.Added = a.added
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

type batchAdder struct {
	o  *Ops
	tx *certstore.WriteTx

	nextIndex      uint64
	lastTimestamps certstore.PerTopicLastTimestamps
	// rootTS is the single timestamp every root-signed bootstrap
	// certificate must carry.
	rootTS models.DateTime
	// pendingShare is set after admitting a brief that lists us as
	// recipient: the very next shamir certificate must be our share.
	pendingShare *models.ShamirRecoveryBriefCertificate

	added    int
	switched bool
}

func (a *batchAdder) init(ctx context.Context) error {
	lastIdx, _, ok, err := a.tx.GetLastIndex(ctx)
	if err != nil {
		return err
	}
	if ok {
		a.nextIndex = lastIdx + 1
	} else {
		a.nextIndex = 1
	}

	a.lastTimestamps, err = a.tx.GetLastTimestamps(ctx)
	if err != nil {
		return err
	}

	// An interrupted bootstrap leaves only root-signed certificates behind,
	// all sharing one timestamp: the common topic's last.
	row, err := a.tx.GetCertificate(ctx, certstore.SequesterAuthorityCertificate(), certstore.UpToCurrent())
	switch {
	case err == nil:
		a.rootTS = row.Timestamp
	case !errors.Is(err, certstore.ErrNotFound):
		return err
	case a.lastTimestamps.Common != 0:
		_, _, devErr := a.anyDeviceExists(ctx)
		if errors.Is(devErr, certstore.ErrNotFound) {
			a.rootTS = a.lastTimestamps.Common
		} else if devErr != nil {
			return devErr
		}
	}
	return nil
}

func (a *batchAdder) anyDeviceExists(ctx context.Context) (uint64, models.DateTime, error) {
	row, err := a.tx.GetCertificate(ctx, certstore.Query{Type: models.CertTypeDevice}, certstore.UpToCurrent())
	if err != nil {
		return 0, 0, err
	}
	return row.Index, row.Timestamp, nil
}

func (a *batchAdder) addOne(ctx context.Context, topic models.Topic, signed []byte) error {
	payload, err := keys.UnsecureUnwrap(signed)
	if err != nil {
		return &InvalidCertificateError{Kind: KindCorrupted, Hint: "truncated certificate", Err: err}
	}
	cert, err := models.LoadCertificate(payload)
	if err != nil {
		return &InvalidCertificateError{Kind: KindCorrupted, Hint: "undecodable certificate", Err: err}
	}
	if cert.Topic() != topic {
		return &InvalidCertificateError{
			Kind: KindCorrupted,
			Hint: fmt.Sprintf("%s delivered in topic %s instead of %s", cert.Type(), topic, cert.Topic()),
		}
	}

	ts := cert.SignedAt()
	if ts.IsZero() {
		return &InvalidCertificateError{Kind: KindCorrupted, Hint: string(cert.Type()) + " has no timestamp"}
	}
	if err := a.checkTimestampOrder(ctx, cert, topic, ts); err != nil {
		return err
	}

	if err := a.verifyAndCheck(ctx, cert, signed); err != nil {
		return err
	}
	if a.switched {
		return nil
	}

	filter1, filter2 := cert.StorageFilters()
	row := &certstore.StoredCertificate{
		Index:     a.nextIndex,
		Type:      cert.Type(),
		Topic:     topic,
		Timestamp: ts,
		Filter1:   filter1,
		Filter2:   filter2,
		Encrypted: a.o.device.LocalStorageKey.Encrypt(signed),
	}
	if err := a.tx.AddCertificate(ctx, row); err != nil {
		return err
	}
	a.nextIndex++
	a.added++
	a.lastTimestamps.Observe(topic, ts)
	return nil
}

// checkTimestampOrder enforces strict timestamp growth per topic. Equality
// is tolerated only for the pairs created in one signing act: a user with
// its first device, and a shamir brief with its share. For a device the
// pairing is verified here; any other device at the topic head timestamp
// is an ordering violation.
func (a *batchAdder) checkTimestampOrder(ctx context.Context, cert models.Certificate, topic models.Topic, ts models.DateTime) error {
	last := a.lastTimestamps.Get(topic)
	if ts > last {
		return nil
	}
	if ts == last {
		switch c := cert.(type) {
		case *models.DeviceCertificate:
			paired, err := a.pairedFirstDevice(ctx, c, ts)
			if err != nil {
				return err
			}
			if paired {
				return nil
			}
		case *models.ShamirRecoveryShareCertificate:
			return nil
		}
	}
	return &InvalidCertificateError{
		Kind:    KindInvalidTimestamp,
		Hint:    fmt.Sprintf("%s does not advance topic %s", cert.Type(), topic),
		When:    ts,
		Related: last,
	}
}

// pairedFirstDevice reports whether the device certificate is the user's
// first device, created in the same signing act as the user certificate.
// Only that pair may share a timestamp.
func (a *batchAdder) pairedFirstDevice(ctx context.Context, c *models.DeviceCertificate, ts models.DateTime) (bool, error) {
	user, err := a.o.userCertAt(ctx, a.tx, c.UserID, certstore.UpToCurrent())
	if errors.Is(err, certstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.Timestamp == ts && user.Author == c.Author, nil
}

// authorInfo is the resolved signing context of a device-authored
// certificate.
type authorInfo struct {
	device *models.DeviceCertificate
}

func (ai *authorInfo) userID() models.UserID { return ai.device.UserID }

// verifyAndCheck resolves the verification key, checks the signature and
// dispatches the per-type consistency rules.
func (a *batchAdder) verifyAndCheck(ctx context.Context, cert models.Certificate, signed []byte) error {
	ts := cert.SignedAt()

	switch c := cert.(type) {
	case *models.SequesterAuthorityCertificate:
		return a.checkSequesterAuthority(c, signed)
	case *models.SequesterServiceCertificate:
		return a.checkSequesterService(ctx, c, signed)
	}

	author := cert.SignedBy()
	if author == models.RootAuthor {
		return a.checkRootSigned(ctx, cert, signed)
	}

	authorDev, err := a.o.deviceCertAt(ctx, a.tx, author, certstore.UpToTimestamp(ts))
	if errors.Is(err, certstore.ErrNotFound) {
		return &InvalidCertificateError{
			Kind: KindNonExistingAuthor,
			Hint: fmt.Sprintf("%s signed by unknown device %s", cert.Type(), author),
			When: ts,
		}
	}
	var tooRecent *certstore.ExistButTooRecentError
	if errors.As(err, &tooRecent) {
		return &InvalidCertificateError{
			Kind:    KindOlderThanAuthor,
			Hint:    fmt.Sprintf("%s predates its author device %s", cert.Type(), author),
			When:    ts,
			Related: tooRecent.CertificateTimestamp,
		}
	}
	if err != nil {
		return err
	}

	vk, err := keys.VerifyKeyFromBytes(authorDev.VerifyKey)
	if err != nil {
		return fmt.Errorf("author %s verify key: %w", author, err)
	}
	if _, err := vk.Verify(signed); err != nil {
		return &InvalidCertificateError{
			Kind: KindCorrupted,
			Hint: fmt.Sprintf("%s signature does not match author %s", cert.Type(), author),
			Err:  err,
		}
	}

	if revokedOn, revoked, err := a.o.revocationOf(ctx, a.tx, authorDev.UserID, certstore.UpToTimestamp(ts)); err != nil {
		return err
	} else if revoked {
		return &InvalidCertificateError{
			Kind:    KindRevokedAuthor,
			Hint:    fmt.Sprintf("%s signed by device of revoked user %s", cert.Type(), authorDev.UserID),
			When:    ts,
			Related: revokedOn,
		}
	}

	ai := &authorInfo{device: authorDev}
	switch c := cert.(type) {
	case *models.UserCertificate:
		return a.checkUser(ctx, c, ai)
	case *models.DeviceCertificate:
		return a.checkDevice(ctx, c, ai)
	case *models.RevokedUserCertificate:
		return a.checkRevokedUser(ctx, c, ai)
	case *models.UserUpdateCertificate:
		return a.checkUserUpdate(ctx, c, ai)
	case *models.RealmRoleCertificate:
		return a.checkRealmRole(ctx, c, ai)
	case *models.ShamirRecoveryBriefCertificate:
		return a.checkShamirBrief(ctx, c, ai)
	case *models.ShamirRecoveryShareCertificate:
		return a.checkShamirShare(ctx, c, ai)
	case *models.ShamirRecoveryDeletionCertificate:
		return a.checkShamirDeletion(ctx, c, ai)
	default:
		return &InvalidCertificateError{Kind: KindCorrupted, Hint: "unexpected certificate type"}
	}
}

// checkRootSigned handles the bootstrap path: only the first user and its
// first device may be signed directly by the organization root key, all at
// one timestamp.
func (a *batchAdder) checkRootSigned(ctx context.Context, cert models.Certificate, signed []byte) error {
	if _, err := a.o.device.RootVerifyKey.Verify(signed); err != nil {
		return &InvalidCertificateError{
			Kind: KindCorrupted,
			Hint: string(cert.Type()) + " root signature does not match",
			Err:  err,
		}
	}

	ts := cert.SignedAt()
	if a.rootTS != 0 && ts != a.rootTS {
		return &InvalidCertificateError{
			Kind:    KindRootSignatureTimestampMismatch,
			Hint:    string(cert.Type()) + " bootstrap timestamp differs from the organization's",
			When:    ts,
			Related: a.rootTS,
		}
	}

	switch c := cert.(type) {
	case *models.UserCertificate:
		if _, err := a.tx.GetCertificate(ctx, certstore.UserCertificates(), certstore.UpToCurrent()); err == nil {
			return &InvalidCertificateError{
				Kind: KindRootSignatureOutOfBootstrap,
				Hint: fmt.Sprintf("root-signed user %s after bootstrap", c.UserID),
				When: ts,
			}
		} else if !errors.Is(err, certstore.ErrNotFound) {
			return err
		}
	case *models.DeviceCertificate:
		if _, _, err := a.anyDeviceExists(ctx); err == nil {
			return &InvalidCertificateError{
				Kind: KindRootSignatureOutOfBootstrap,
				Hint: fmt.Sprintf("root-signed device %s after bootstrap", c.DeviceID),
				When: ts,
			}
		} else if !errors.Is(err, certstore.ErrNotFound) {
			return err
		}
		if _, err := a.o.userCertAt(ctx, a.tx, c.UserID, certstore.UpToTimestamp(ts)); err != nil {
			if errors.Is(err, certstore.ErrNotFound) {
				return &InvalidCertificateError{
					Kind: KindCorrupted,
					Hint: fmt.Sprintf("bootstrap device %s declares unknown user %s", c.DeviceID, c.UserID),
					When: ts,
				}
			}
			return err
		}
	default:
		return &InvalidCertificateError{
			Kind: KindCorrupted,
			Hint: string(cert.Type()) + " cannot be root-signed",
			When: ts,
		}
	}

	if a.rootTS == 0 {
		a.rootTS = ts
	}
	return nil
}

func (a *batchAdder) checkUser(ctx context.Context, c *models.UserCertificate, ai *authorInfo) error {
	ts := c.Timestamp
	if ai.userID() == c.UserID {
		return &InvalidCertificateError{
			Kind: KindSelfSigned,
			Hint: fmt.Sprintf("user %s declared by its own device", c.UserID),
			When: ts,
		}
	}
	profile, err := a.o.userProfileAt(ctx, a.tx, ai.userID(), certstore.UpToTimestamp(ts))
	if err != nil {
		return err
	}
	if profile != models.ProfileAdmin {
		return &InvalidCertificateError{
			Kind: KindAuthorNotAdmin,
			Hint: fmt.Sprintf("user creation requires Admin, author %s is %s", ai.userID(), profile),
			When: ts,
		}
	}
	if _, err := a.tx.GetCertificate(ctx, certstore.UserCertificate(c.UserID), certstore.UpToCurrent()); err == nil {
		return &InvalidCertificateError{
			Kind: KindContentAlreadyExists,
			Hint: fmt.Sprintf("user %s already exists", c.UserID),
			When: ts,
		}
	} else if !errors.Is(err, certstore.ErrNotFound) {
		return err
	}
	return nil
}

func (a *batchAdder) checkDevice(ctx context.Context, c *models.DeviceCertificate, ai *authorInfo) error {
	ts := c.Timestamp

	user, err := a.o.userCertAt(ctx, a.tx, c.UserID, certstore.UpToTimestamp(ts))
	if err != nil {
		if errors.Is(err, certstore.ErrNotFound) {
			return &InvalidCertificateError{
				Kind: KindCorrupted,
				Hint: fmt.Sprintf("device %s declares unknown user %s", c.DeviceID, c.UserID),
				When: ts,
			}
		}
		var tooRecent *certstore.ExistButTooRecentError
		if errors.As(err, &tooRecent) {
			return &InvalidCertificateError{
				Kind:    KindCorrupted,
				Hint:    fmt.Sprintf("device %s predates its user %s", c.DeviceID, c.UserID),
				When:    ts,
				Related: tooRecent.CertificateTimestamp,
			}
		}
		return err
	}

	if revokedOn, revoked, err := a.o.revocationOf(ctx, a.tx, c.UserID, certstore.UpToTimestamp(ts)); err != nil {
		return err
	} else if revoked {
		return &InvalidCertificateError{
			Kind:    KindRelatedUserAlreadyRevoked,
			Hint:    fmt.Sprintf("device %s added for revoked user %s", c.DeviceID, c.UserID),
			When:    ts,
			Related: revokedOn,
		}
	}

	// A device is added by its own user, except the first device which is
	// created in the same signing act as the user itself.
	if ai.userID() != c.UserID {
		firstDevice := user.Timestamp == ts && user.Author == c.Author
		if !firstDevice {
			return &InvalidCertificateError{
				Kind: KindCorrupted,
				Hint: fmt.Sprintf("device %s added by a device of another user", c.DeviceID),
				When: ts,
			}
		}
	}

	if _, err := a.tx.GetCertificate(ctx, certstore.DeviceCertificate(c.DeviceID), certstore.UpToCurrent()); err == nil {
		return &InvalidCertificateError{
			Kind: KindContentAlreadyExists,
			Hint: fmt.Sprintf("device %s already exists", c.DeviceID),
			When: ts,
		}
	} else if !errors.Is(err, certstore.ErrNotFound) {
		return err
	}
	return nil
}

func (a *batchAdder) checkRevokedUser(ctx context.Context, c *models.RevokedUserCertificate, ai *authorInfo) error {
	ts := c.Timestamp
	if ai.userID() == c.UserID {
		return &InvalidCertificateError{
			Kind: KindSelfSigned,
			Hint: fmt.Sprintf("user %s revoked by itself", c.UserID),
			When: ts,
		}
	}
	profile, err := a.o.userProfileAt(ctx, a.tx, ai.userID(), certstore.UpToTimestamp(ts))
	if err != nil {
		return err
	}
	if profile != models.ProfileAdmin {
		return &InvalidCertificateError{
			Kind: KindAuthorNotAdmin,
			Hint: fmt.Sprintf("revocation requires Admin, author %s is %s", ai.userID(), profile),
			When: ts,
		}
	}
	if _, err := a.o.userCertAt(ctx, a.tx, c.UserID, certstore.UpToTimestamp(ts)); err != nil {
		if errors.Is(err, certstore.ErrNotFound) {
			return &InvalidCertificateError{
				Kind: KindCorrupted,
				Hint: fmt.Sprintf("revocation of unknown user %s", c.UserID),
				When: ts,
			}
		}
		return err
	}
	if revokedOn, revoked, err := a.o.revocationOf(ctx, a.tx, c.UserID, certstore.UpToTimestamp(ts)); err != nil {
		return err
	} else if revoked {
		return &InvalidCertificateError{
			Kind:    KindContentAlreadyExists,
			Hint:    fmt.Sprintf("user %s already revoked", c.UserID),
			When:    ts,
			Related: revokedOn,
		}
	}
	return nil
}

func (a *batchAdder) checkUserUpdate(ctx context.Context, c *models.UserUpdateCertificate, ai *authorInfo) error {
	ts := c.Timestamp
	if ai.userID() == c.UserID {
		return &InvalidCertificateError{
			Kind: KindSelfSigned,
			Hint: fmt.Sprintf("user %s updated its own profile", c.UserID),
			When: ts,
		}
	}
	profile, err := a.o.userProfileAt(ctx, a.tx, ai.userID(), certstore.UpToTimestamp(ts))
	if err != nil {
		return err
	}
	if profile != models.ProfileAdmin {
		return &InvalidCertificateError{
			Kind: KindAuthorNotAdmin,
			Hint: fmt.Sprintf("profile update requires Admin, author %s is %s", ai.userID(), profile),
			When: ts,
		}
	}

	current, err := a.o.userProfileAt(ctx, a.tx, c.UserID, certstore.UpToTimestamp(ts))
	if err != nil {
		if errors.Is(err, certstore.ErrNotFound) {
			return &InvalidCertificateError{
				Kind: KindCorrupted,
				Hint: fmt.Sprintf("profile update for unknown user %s", c.UserID),
				When: ts,
			}
		}
		return err
	}
	if revokedOn, revoked, err := a.o.revocationOf(ctx, a.tx, c.UserID, certstore.UpToTimestamp(ts)); err != nil {
		return err
	} else if revoked {
		return &InvalidCertificateError{
			Kind:    KindRelatedUserAlreadyRevoked,
			Hint:    fmt.Sprintf("profile update for revoked user %s", c.UserID),
			When:    ts,
			Related: revokedOn,
		}
	}
	if current == c.NewProfile {
		return &InvalidCertificateError{
			Kind: KindContentAlreadyExists,
			Hint: fmt.Sprintf("user %s already has profile %s", c.UserID, current),
			When: ts,
		}
	}

	// Our own profile crossing the Outsider boundary changes which
	// certificates the server shows us (redacted vs full): wipe everything
	// and re-poll from scratch.
	if c.UserID == a.o.device.UserID {
		wasOutsider := current == models.ProfileOutsider
		willBeOutsider := c.NewProfile == models.ProfileOutsider
		if wasOutsider != willBeOutsider {
			if err := a.tx.ForgetAllCertificates(ctx); err != nil {
				return err
			}
			a.switched = true
		}
	}
	return nil
}

func (a *batchAdder) checkRealmRole(ctx context.Context, c *models.RealmRoleCertificate, ai *authorInfo) error {
	ts := c.Timestamp

	if _, err := a.o.userCertAt(ctx, a.tx, c.UserID, certstore.UpToTimestamp(ts)); err != nil {
		if errors.Is(err, certstore.ErrNotFound) {
			return &InvalidCertificateError{
				Kind: KindCorrupted,
				Hint: fmt.Sprintf("realm role for unknown user %s", c.UserID),
				When: ts,
			}
		}
		return err
	}

	existing, err := a.tx.GetMultipleCertificates(ctx,
		certstore.RealmRoleCertificates(c.RealmID), certstore.UpToTimestamp(ts), 0, 0)
	if err != nil {
		return err
	}

	if len(existing) == 0 {
		// Realm creation.
		if c.UserID != ai.userID() {
			return &InvalidCertificateError{
				Kind: KindRealmFirstRoleMustBeSelfSigned,
				Hint: fmt.Sprintf("realm %s created with a role for someone else", c.RealmID),
				When: ts,
			}
		}
		if c.Role != models.RoleOwner {
			return &InvalidCertificateError{
				Kind: KindRealmFirstRoleMustBeOwner,
				Hint: fmt.Sprintf("realm %s created with role %s", c.RealmID, c.Role),
				When: ts,
			}
		}
	} else {
		authorRole, _, err := a.o.realmRoleAt(ctx, a.tx, c.RealmID, ai.userID(), certstore.UpToTimestamp(ts))
		if err != nil {
			return err
		}
		if !authorRole.IsGranted() {
			return &InvalidCertificateError{
				Kind: KindRealmAuthorHasNoRole,
				Hint: fmt.Sprintf("author %s has no role in realm %s", ai.userID(), c.RealmID),
				When: ts,
			}
		}

		previousRole, _, err := a.o.realmRoleAt(ctx, a.tx, c.RealmID, c.UserID, certstore.UpToTimestamp(ts))
		if err != nil {
			return err
		}
		if previousRole == c.Role || (!previousRole.IsGranted() && c.Role == models.RoleNone) {
			return &InvalidCertificateError{
				Kind: KindContentAlreadyExists,
				Hint: fmt.Sprintf("user %s already has role %s in realm %s", c.UserID, c.Role, c.RealmID),
				When: ts,
			}
		}

		privileged := c.Role == models.RoleOwner || c.Role == models.RoleManager ||
			previousRole == models.RoleOwner || previousRole == models.RoleManager
		if privileged {
			if authorRole != models.RoleOwner {
				return &InvalidCertificateError{
					Kind: KindRealmAuthorNotOwner,
					Hint: fmt.Sprintf("author %s is %s, Owner required", ai.userID(), authorRole),
					When: ts,
				}
			}
		} else if authorRole != models.RoleOwner && authorRole != models.RoleManager {
			return &InvalidCertificateError{
				Kind: KindRealmAuthorNotOwnerOrManager,
				Hint: fmt.Sprintf("author %s is %s, Owner or Manager required", ai.userID(), authorRole),
				When: ts,
			}
		}
	}

	if c.Role.IsGranted() {
		if revokedOn, revoked, err := a.o.revocationOf(ctx, a.tx, c.UserID, certstore.UpToTimestamp(ts)); err != nil {
			return err
		} else if revoked {
			return &InvalidCertificateError{
				Kind:    KindRelatedUserAlreadyRevoked,
				Hint:    fmt.Sprintf("role granted to revoked user %s", c.UserID),
				When:    ts,
				Related: revokedOn,
			}
		}
		if c.Role == models.RoleOwner || c.Role == models.RoleManager {
			profile, err := a.o.userProfileAt(ctx, a.tx, c.UserID, certstore.UpToTimestamp(ts))
			if err != nil {
				return err
			}
			if profile == models.ProfileOutsider {
				return &InvalidCertificateError{
					Kind: KindRealmOutsiderCannotBeOwnerOrManager,
					Hint: fmt.Sprintf("outsider %s granted %s in realm %s", c.UserID, c.Role, c.RealmID),
					When: ts,
				}
			}
		}
	}
	return nil
}

func (a *batchAdder) checkSequesterAuthority(c *models.SequesterAuthorityCertificate, signed []byte) error {
	if c.Author != models.RootAuthor {
		return &InvalidCertificateError{
			Kind: KindCorrupted,
			Hint: "sequester authority not signed by the organization root",
			When: c.Timestamp,
		}
	}
	if _, err := a.o.device.RootVerifyKey.Verify(signed); err != nil {
		return &InvalidCertificateError{
			Kind: KindCorrupted,
			Hint: "sequester authority root signature does not match",
			Err:  err,
		}
	}
	if a.nextIndex != 1 {
		return &InvalidCertificateError{
			Kind: KindSequesterAuthorityMustBeFirst,
			Hint: "sequester authority must be the organization's first certificate",
			When: c.Timestamp,
		}
	}
	a.rootTS = c.Timestamp
	return nil
}

func (a *batchAdder) checkSequesterService(ctx context.Context, c *models.SequesterServiceCertificate, signed []byte) error {
	ts := c.Timestamp
	if c.Author != models.RootAuthor {
		return &InvalidCertificateError{
			Kind: KindCorrupted,
			Hint: "sequester service carries a device author",
			When: ts,
		}
	}

	row, err := a.tx.GetCertificate(ctx, certstore.SequesterAuthorityCertificate(), certstore.UpToCurrent())
	if errors.Is(err, certstore.ErrNotFound) {
		return &InvalidCertificateError{
			Kind: KindNotASequesteredOrganization,
			Hint: fmt.Sprintf("sequester service %s in a non-sequestered organization", c.ServiceID),
			When: ts,
		}
	}
	if err != nil {
		return err
	}
	authorityCert, err := a.o.decodeStored(row)
	if err != nil {
		return err
	}
	authority, ok := authorityCert.(*models.SequesterAuthorityCertificate)
	if !ok {
		return fmt.Errorf("stored row %d is not a sequester authority certificate", row.Index)
	}
	vk, err := keys.VerifyKeyFromBytes(authority.VerifyKey)
	if err != nil {
		return fmt.Errorf("sequester authority verify key: %w", err)
	}
	if _, err := vk.Verify(signed); err != nil {
		return &InvalidCertificateError{
			Kind: KindCorrupted,
			Hint: fmt.Sprintf("sequester service %s signature does not match the authority", c.ServiceID),
			Err:  err,
		}
	}

	if _, err := a.tx.GetCertificate(ctx, certstore.SequesterServiceCertificate(c.ServiceID), certstore.UpToCurrent()); err == nil {
		return &InvalidCertificateError{
			Kind: KindContentAlreadyExists,
			Hint: fmt.Sprintf("sequester service %s already exists", c.ServiceID),
			When: ts,
		}
	} else if !errors.Is(err, certstore.ErrNotFound) {
		return err
	}
	return nil
}

// shamirSetupDeleted reports whether a setup (identified by its brief
// timestamp) has a deletion certificate as of upTo.
func (a *batchAdder) shamirSetupDeleted(ctx context.Context, userID models.UserID, setupTS models.DateTime, upTo certstore.UpTo) (bool, error) {
	rows, err := a.tx.GetMultipleCertificates(ctx, certstore.ShamirRecoveryDeletionCertificates(userID), upTo, 0, 0)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		cert, err := a.o.decodeStored(row)
		if err != nil {
			return false, err
		}
		deletion, ok := cert.(*models.ShamirRecoveryDeletionCertificate)
		if !ok {
			return false, fmt.Errorf("stored row %d is not a shamir deletion certificate", row.Index)
		}
		if deletion.SetupTimestamp == setupTS {
			return true, nil
		}
	}
	return false, nil
}

// lastShamirBrief returns the newest setup brief of a user, nil if none.
func (a *batchAdder) lastShamirBrief(ctx context.Context, userID models.UserID, upTo certstore.UpTo) (*models.ShamirRecoveryBriefCertificate, error) {
	row, err := a.tx.GetCertificate(ctx, certstore.ShamirRecoveryBriefCertificates(userID), upTo)
	if errors.Is(err, certstore.ErrNotFound) {
		return nil, nil
	}
	var tooRecent *certstore.ExistButTooRecentError
	if errors.As(err, &tooRecent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cert, err := a.o.decodeStored(row)
	if err != nil {
		return nil, err
	}
	brief, ok := cert.(*models.ShamirRecoveryBriefCertificate)
	if !ok {
		return nil, fmt.Errorf("stored row %d is not a shamir brief certificate", row.Index)
	}
	return brief, nil
}

func (a *batchAdder) checkShamirBrief(ctx context.Context, c *models.ShamirRecoveryBriefCertificate, ai *authorInfo) error {
	ts := c.Timestamp
	if a.pendingShare != nil {
		return &InvalidCertificateError{
			Kind: KindShamirMissingShare,
			Hint: fmt.Sprintf("setup by %s lists us as recipient but no share followed", a.pendingShare.UserID),
			When: a.pendingShare.Timestamp,
		}
	}
	if c.UserID != ai.userID() {
		return &InvalidCertificateError{
			Kind: KindShamirNotAboutSelf,
			Hint: fmt.Sprintf("setup brief for %s authored by %s", c.UserID, ai.userID()),
			When: ts,
		}
	}

	_, weAreRecipient := c.PerRecipientShares[a.o.device.UserID]
	if c.UserID != a.o.device.UserID && !weAreRecipient {
		return &InvalidCertificateError{
			Kind: KindShamirUnrelatedToUs,
			Hint: fmt.Sprintf("setup by %s concerns neither us nor our shares", c.UserID),
			When: ts,
		}
	}

	totalShares := 0
	for recipient, count := range c.PerRecipientShares {
		if count < 1 {
			return &InvalidCertificateError{
				Kind: KindCorrupted,
				Hint: fmt.Sprintf("setup by %s grants %d shares to %s", c.UserID, count, recipient),
				When: ts,
			}
		}
		totalShares += count
		if recipient == c.UserID {
			return &InvalidCertificateError{
				Kind: KindShamirSelfAmongRecipients,
				Hint: fmt.Sprintf("user %s is a recipient of its own setup", c.UserID),
				When: ts,
			}
		}
		if _, err := a.o.userCertAt(ctx, a.tx, recipient, certstore.UpToTimestamp(ts)); err != nil {
			if errors.Is(err, certstore.ErrNotFound) {
				return &InvalidCertificateError{
					Kind: KindCorrupted,
					Hint: fmt.Sprintf("setup by %s names unknown recipient %s", c.UserID, recipient),
					When: ts,
				}
			}
			return err
		}
		if revokedOn, revoked, err := a.o.revocationOf(ctx, a.tx, recipient, certstore.UpToTimestamp(ts)); err != nil {
			return err
		} else if revoked {
			return &InvalidCertificateError{
				Kind:    KindRelatedUserAlreadyRevoked,
				Hint:    fmt.Sprintf("setup by %s names revoked recipient %s", c.UserID, recipient),
				When:    ts,
				Related: revokedOn,
			}
		}
	}
	if c.Threshold < 1 || c.Threshold > totalShares {
		return &InvalidCertificateError{
			Kind: KindCorrupted,
			Hint: fmt.Sprintf("setup by %s has threshold %d over %d shares", c.UserID, c.Threshold, totalShares),
			When: ts,
		}
	}

	previous, err := a.lastShamirBrief(ctx, c.UserID, certstore.UpToTimestamp(ts))
	if err != nil {
		return err
	}
	if previous != nil {
		deleted, err := a.shamirSetupDeleted(ctx, c.UserID, previous.Timestamp, certstore.UpToTimestamp(ts))
		if err != nil {
			return err
		}
		if !deleted {
			return &InvalidCertificateError{
				Kind:    KindShamirAlreadySetup,
				Hint:    fmt.Sprintf("user %s already has a live setup", c.UserID),
				When:    ts,
				Related: previous.Timestamp,
			}
		}
	}

	if weAreRecipient {
		a.pendingShare = c
	}
	return nil
}

func (a *batchAdder) checkShamirShare(ctx context.Context, c *models.ShamirRecoveryShareCertificate, ai *authorInfo) error {
	ts := c.Timestamp
	if c.Recipient != a.o.device.UserID {
		return &InvalidCertificateError{
			Kind: KindShamirUnrelatedToUs,
			Hint: fmt.Sprintf("share for %s delivered to us", c.Recipient),
			When: ts,
		}
	}
	if c.UserID != ai.userID() {
		return &InvalidCertificateError{
			Kind: KindShamirNotAboutSelf,
			Hint: fmt.Sprintf("share of setup %s authored by %s", c.UserID, ai.userID()),
			When: ts,
		}
	}

	brief := a.pendingShare
	if brief == nil || brief.UserID != c.UserID || brief.Timestamp != ts {
		return &InvalidCertificateError{
			Kind: KindShamirMissingBriefCertificate,
			Hint: fmt.Sprintf("share of setup by %s without its brief", c.UserID),
			When: ts,
		}
	}
	if _, listed := brief.PerRecipientShares[c.Recipient]; !listed {
		return &InvalidCertificateError{
			Kind: KindCorrupted,
			Hint: fmt.Sprintf("share recipient %s not listed in the brief", c.Recipient),
			When: ts,
		}
	}
	a.pendingShare = nil
	return nil
}

func (a *batchAdder) checkShamirDeletion(ctx context.Context, c *models.ShamirRecoveryDeletionCertificate, ai *authorInfo) error {
	ts := c.Timestamp
	if a.pendingShare != nil {
		return &InvalidCertificateError{
			Kind: KindShamirMissingShare,
			Hint: fmt.Sprintf("setup by %s lists us as recipient but no share followed", a.pendingShare.UserID),
			When: a.pendingShare.Timestamp,
		}
	}
	if c.SetupUserID != ai.userID() {
		return &InvalidCertificateError{
			Kind: KindShamirNotAboutSelf,
			Hint: fmt.Sprintf("deletion of setup %s authored by %s", c.SetupUserID, ai.userID()),
			When: ts,
		}
	}

	last, err := a.lastShamirBrief(ctx, c.SetupUserID, certstore.UpToTimestamp(ts))
	if err != nil {
		return err
	}
	if last == nil {
		return &InvalidCertificateError{
			Kind: KindShamirMissingBriefCertificate,
			Hint: fmt.Sprintf("deletion by %s with no setup on record", c.SetupUserID),
			When: ts,
		}
	}
	if last.Timestamp != c.SetupTimestamp {
		return &InvalidCertificateError{
			Kind:    KindShamirDeletionMustReferenceLastSetup,
			Hint:    fmt.Sprintf("deletion by %s references an older setup", c.SetupUserID),
			When:    ts,
			Related: last.Timestamp,
		}
	}

	if len(c.ShareRecipients) != len(last.PerRecipientShares) {
		return &InvalidCertificateError{
			Kind: KindShamirDeletionRecipientsMismatch,
			Hint: fmt.Sprintf("deletion by %s lists %d recipients, setup had %d",
				c.SetupUserID, len(c.ShareRecipients), len(last.PerRecipientShares)),
			When: ts,
		}
	}
	for _, recipient := range c.ShareRecipients {
		if _, ok := last.PerRecipientShares[recipient]; !ok {
			return &InvalidCertificateError{
				Kind: KindShamirDeletionRecipientsMismatch,
				Hint: fmt.Sprintf("deletion by %s lists %s who held no share", c.SetupUserID, recipient),
				When: ts,
			}
		}
	}

	deleted, err := a.shamirSetupDeleted(ctx, c.SetupUserID, c.SetupTimestamp, certstore.UpToTimestamp(ts))
	if err != nil {
		return err
	}
	if deleted {
		return &InvalidCertificateError{
			Kind: KindShamirAlreadyDeleted,
			Hint: fmt.Sprintf("setup by %s already deleted", c.SetupUserID),
			When: ts,
		}
	}
	return nil
}
