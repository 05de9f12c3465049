// Package trustchain validates certificates and manifests against the local
// certificate store: every signature is checked with the key the author held
// at signing time, every topic stays timestamp-ordered, and batches are
// admitted atomically.
package trustchain

import (
	"errors"
	"fmt"

	"github.com/atinyakov/RealmKeeper/internal/models"
)

// InvalidCertificateKind names one way a certificate can be rejected.
type InvalidCertificateKind string

const (
	// KindCorrupted covers undecodable payloads, bad signatures and content
	// that contradicts itself.
	KindCorrupted InvalidCertificateKind = "corrupted"
	// KindNonExistingAuthor means the author device is unknown.
	KindNonExistingAuthor InvalidCertificateKind = "non_existing_author"
	// KindOlderThanAuthor means the certificate predates its author's own
	// device certificate.
	KindOlderThanAuthor InvalidCertificateKind = "older_than_author"
	// KindSelfSigned means the author acted on itself where forbidden.
	KindSelfSigned InvalidCertificateKind = "self_signed"
	// KindRevokedAuthor means the author was already revoked at signing time.
	KindRevokedAuthor InvalidCertificateKind = "revoked_author"
	// KindAuthorNotAdmin means the operation requires an Admin profile.
	KindAuthorNotAdmin InvalidCertificateKind = "author_not_admin"
	// KindContentAlreadyExists means the declared fact already holds.
	KindContentAlreadyExists InvalidCertificateKind = "content_already_exists"
	// KindInvalidTimestamp means the topic's timestamp order was violated.
	KindInvalidTimestamp InvalidCertificateKind = "invalid_timestamp"

	// KindRootSignatureOutOfBootstrap means a root-signed certificate showed
	// up after bootstrap.
	KindRootSignatureOutOfBootstrap InvalidCertificateKind = "root_signature_out_of_bootstrap"
	// KindRootSignatureTimestampMismatch means bootstrap certificates do not
	// share a single timestamp.
	KindRootSignatureTimestampMismatch InvalidCertificateKind = "root_signature_timestamp_mismatch"

	KindRealmFirstRoleMustBeSelfSigned      InvalidCertificateKind = "realm_first_role_must_be_self_signed"
	KindRealmFirstRoleMustBeOwner           InvalidCertificateKind = "realm_first_role_must_be_owner"
	KindRealmAuthorHasNoRole                InvalidCertificateKind = "realm_author_has_no_role"
	KindRealmAuthorNotOwner                 InvalidCertificateKind = "realm_author_not_owner"
	KindRealmAuthorNotOwnerOrManager        InvalidCertificateKind = "realm_author_not_owner_or_manager"
	KindRealmOutsiderCannotBeOwnerOrManager InvalidCertificateKind = "realm_outsider_cannot_be_owner_or_manager"

	// KindRelatedUserAlreadyRevoked means the certificate targets a user
	// already revoked at signing time.
	KindRelatedUserAlreadyRevoked InvalidCertificateKind = "related_user_already_revoked"

	KindNotASequesteredOrganization   InvalidCertificateKind = "not_a_sequestered_organization"
	KindSequesterAuthorityMustBeFirst InvalidCertificateKind = "sequester_authority_must_be_first"

	KindShamirAlreadySetup                   InvalidCertificateKind = "shamir_already_setup"
	KindShamirSelfAmongRecipients            InvalidCertificateKind = "shamir_self_among_recipients"
	KindShamirMissingShare                   InvalidCertificateKind = "shamir_missing_share"
	KindShamirMissingBriefCertificate        InvalidCertificateKind = "shamir_missing_brief_certificate"
	KindShamirUnrelatedToUs                  InvalidCertificateKind = "shamir_unrelated_to_us"
	KindShamirNotAboutSelf                   InvalidCertificateKind = "shamir_not_about_self"
	KindShamirDeletionMustReferenceLastSetup InvalidCertificateKind = "shamir_deletion_must_reference_last_setup"
	KindShamirDeletionRecipientsMismatch     InvalidCertificateKind = "shamir_deletion_recipients_mismatch"
	KindShamirAlreadyDeleted                 InvalidCertificateKind = "shamir_already_deleted"
)

// InvalidCertificateError rejects one certificate and, with it, the whole
// batch it arrived in.
type InvalidCertificateError struct {
	Kind InvalidCertificateKind
	// Hint describes the offending certificate in human terms.
	Hint string
	// When is the rejected certificate's timestamp, when known.
	When models.DateTime
	// Related is a kind-specific companion timestamp: the author's creation
	// for OlderThanAuthor, the revocation for RevokedAuthor and
	// RelatedUserAlreadyRevoked, the topic's last certificate for
	// InvalidTimestamp.
	Related models.DateTime
	// Err is the underlying decode or signature error for Corrupted.
	Err error
}

func (e *InvalidCertificateError) Error() string {
	msg := fmt.Sprintf("invalid certificate (%s): %s", e.Kind, e.Hint)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidCertificateError) Unwrap() error { return e.Err }

// InvalidManifestKind names one way a fetched manifest can be rejected.
type InvalidManifestKind string

const (
	// ManifestCannotDecrypt means the ciphertext did not open with the realm
	// key.
	ManifestCannotDecrypt InvalidManifestKind = "cannot_decrypt"
	// ManifestNonExistentKeyIndex means the referenced realm key is unknown.
	ManifestNonExistentKeyIndex InvalidManifestKind = "non_existent_key_index"
	// ManifestCleartextCorrupted means decryption succeeded but the signed
	// payload is invalid or bound to other coordinates.
	ManifestCleartextCorrupted InvalidManifestKind = "cleartext_corrupted"
	// ManifestNonExistentAuthor means the claimed author device is unknown
	// at the manifest timestamp.
	ManifestNonExistentAuthor InvalidManifestKind = "non_existent_author"
	// ManifestRevokedAuthor means the author was revoked before signing.
	ManifestRevokedAuthor InvalidManifestKind = "revoked_author"
	// ManifestAuthorNoAccessToRealm means the author had no role in the
	// realm at the manifest timestamp.
	ManifestAuthorNoAccessToRealm InvalidManifestKind = "author_no_access_to_realm"
	// ManifestAuthorRoleCannotWrite means the author's role at the manifest
	// timestamp cannot produce writes.
	ManifestAuthorRoleCannotWrite InvalidManifestKind = "author_role_cannot_write"
)

// InvalidManifestError rejects one fetched vlob version.
type InvalidManifestError struct {
	Kind      InvalidManifestKind
	RealmID   models.RealmID
	VlobID    models.VlobID
	Version   uint32
	Author    models.DeviceID
	Timestamp models.DateTime
	Err       error
}

func (e *InvalidManifestError) Error() string {
	msg := fmt.Sprintf("invalid manifest (%s): vlob %s version %d in realm %s",
		e.Kind, e.VlobID, e.Version, e.RealmID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidManifestError) Unwrap() error { return e.Err }

// BadTimestampError means the server judged our clock too far from its own.
// Not retryable without operator attention.
type BadTimestampError struct {
	ServerTimestamp models.DateTime
	ClientTimestamp models.DateTime
}

func (e *BadTimestampError) Error() string {
	return fmt.Sprintf("timestamp out of ballpark: client %s vs server %s",
		e.ClientTimestamp, e.ServerTimestamp)
}

// ErrNotReady means the store does not yet cover the certificate state a
// validation needs, and polling did not close the gap.
var ErrNotReady = errors.New("certificate state not fresh enough")
