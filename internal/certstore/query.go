// Package certstore provides the append-only, indexed persistence layer for
// validated certificates: a global monotonic index across all topics, a
// narrow (type, filter1, filter2) query model and per-topic last-timestamp
// tracking. The store performs no semantic validation, decryption or
// deserialization; that is the trust-chain validator's job.
package certstore

import "github.com/atinyakov/RealmKeeper/internal/models"

// Query selects certificates by type and up to two filter fields. Empty
// filters match everything.
type Query struct {
	Type    models.CertificateType
	Filter1 string
	Filter2 string
}

// UserCertificate queries the certificate declaring the given user.
func UserCertificate(userID models.UserID) Query {
	return Query{Type: models.CertTypeUser, Filter1: userID.String()}
}

// UserCertificates queries all user certificates.
func UserCertificates() Query {
	return Query{Type: models.CertTypeUser}
}

// DeviceCertificate queries the certificate declaring the given device.
func DeviceCertificate(deviceID models.DeviceID) Query {
	return Query{Type: models.CertTypeDevice, Filter1: deviceID.String()}
}

// UserDeviceCertificates queries all device certificates of a user.
func UserDeviceCertificates(userID models.UserID) Query {
	return Query{Type: models.CertTypeDevice, Filter2: userID.String()}
}

// RevokedUserCertificate queries the revocation of the given user, if any.
func RevokedUserCertificate(userID models.UserID) Query {
	return Query{Type: models.CertTypeRevokedUser, Filter1: userID.String()}
}

// UserUpdateCertificates queries the profile updates of a user, oldest
// first.
func UserUpdateCertificates(userID models.UserID) Query {
	return Query{Type: models.CertTypeUserUpdate, Filter1: userID.String()}
}

// RealmRoleCertificate queries the role history of one user in one realm.
func RealmRoleCertificate(realmID models.RealmID, userID models.UserID) Query {
	return Query{Type: models.CertTypeRealmRole, Filter1: realmID.String(), Filter2: userID.String()}
}

// RealmRoleCertificates queries all role certificates of a realm, oldest
// first.
func RealmRoleCertificates(realmID models.RealmID) Query {
	return Query{Type: models.CertTypeRealmRole, Filter1: realmID.String()}
}

// UserRealmRoleCertificates queries all role certificates granted to a user
// across realms.
func UserRealmRoleCertificates(userID models.UserID) Query {
	return Query{Type: models.CertTypeRealmRole, Filter2: userID.String()}
}

// SequesterAuthorityCertificate queries the (at most one) sequester
// authority certificate.
func SequesterAuthorityCertificate() Query {
	return Query{Type: models.CertTypeSequesterAuthority}
}

// SequesterServiceCertificates queries all sequester service certificates.
func SequesterServiceCertificates() Query {
	return Query{Type: models.CertTypeSequesterService}
}

// SequesterServiceCertificate queries one sequester service.
func SequesterServiceCertificate(serviceID models.SequesterServiceID) Query {
	return Query{Type: models.CertTypeSequesterService, Filter1: serviceID.String()}
}

// ShamirRecoveryBriefCertificates queries the setup briefs authored by a
// user, oldest first.
func ShamirRecoveryBriefCertificates(authorUserID models.UserID) Query {
	return Query{Type: models.CertTypeShamirRecoveryBrief, Filter1: authorUserID.String()}
}

// ShamirRecoveryShareCertificate queries the shares authored by a user for
// a given recipient.
func ShamirRecoveryShareCertificate(authorUserID, recipient models.UserID) Query {
	return Query{
		Type:    models.CertTypeShamirRecoveryShare,
		Filter1: authorUserID.String(),
		Filter2: recipient.String(),
	}
}

// ShamirRecoveryDeletionCertificates queries the setup deletions authored
// by a user.
func ShamirRecoveryDeletionCertificates(authorUserID models.UserID) Query {
	return Query{Type: models.CertTypeShamirRecoveryDeletion, Filter1: authorUserID.String()}
}
