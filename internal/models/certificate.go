package models

import (
	"encoding/json"
	"fmt"
)

// CertificateType tags the serialized form of a certificate.
type CertificateType string

const (
	CertTypeUser                   CertificateType = "user_certificate"
	CertTypeDevice                 CertificateType = "device_certificate"
	CertTypeRevokedUser            CertificateType = "revoked_user_certificate"
	CertTypeUserUpdate             CertificateType = "user_update_certificate"
	CertTypeRealmRole              CertificateType = "realm_role_certificate"
	CertTypeSequesterAuthority     CertificateType = "sequester_authority_certificate"
	CertTypeSequesterService       CertificateType = "sequester_service_certificate"
	CertTypeShamirRecoveryBrief    CertificateType = "shamir_recovery_brief_certificate"
	CertTypeShamirRecoveryShare    CertificateType = "shamir_recovery_share_certificate"
	CertTypeShamirRecoveryDeletion CertificateType = "shamir_recovery_deletion_certificate"
)

// TopicKind names a certificate stream that must be internally
// timestamp-ordered.
type TopicKind string

const (
	TopicCommon         TopicKind = "common"
	TopicSequester      TopicKind = "sequester"
	TopicShamirRecovery TopicKind = "shamir_recovery"
	TopicRealm          TopicKind = "realm"
)

// Topic is a certificate stream: one of the fixed streams, or one realm
// stream per realm ID.
type Topic struct {
	Kind  TopicKind
	Realm RealmID
}

func CommonTopic() Topic         { return Topic{Kind: TopicCommon} }
func SequesterTopic() Topic      { return Topic{Kind: TopicSequester} }
func ShamirRecoveryTopic() Topic { return Topic{Kind: TopicShamirRecovery} }
func RealmTopic(id RealmID) Topic {
	return Topic{Kind: TopicRealm, Realm: id}
}

func (t Topic) String() string {
	if t.Kind == TopicRealm {
		return string(t.Kind) + "/" + t.Realm.String()
	}
	return string(t.Kind)
}

// Certificate is an immutable signed fact about organization state. Once
// validated it is owned by the certificate store; callers only get read
// access.
type Certificate interface {
	Type() CertificateType
	Topic() Topic
	// SignedBy is the author device, or RootAuthor during bootstrap.
	SignedBy() DeviceID
	// SignedAt is the causal timestamp of the certificate.
	SignedAt() DateTime
	// StorageFilters returns the (filter1, filter2) pair the certificate is
	// indexed under in the store. Empty strings mean "unfiltered".
	StorageFilters() (string, string)
}

// UserCertificate declares a new user with its initial profile.
type UserCertificate struct {
	Author    DeviceID    `json:"author"`
	Timestamp DateTime    `json:"timestamp"`
	UserID    UserID      `json:"user_id"`
	Label     string      `json:"label,omitempty"`
	Profile   UserProfile `json:"profile"`
	// PublicKey is the user's asymmetric encryption key, opaque to this core.
	PublicKey []byte `json:"public_key"`
}

func (c *UserCertificate) Type() CertificateType { return CertTypeUser }
func (c *UserCertificate) Topic() Topic          { return CommonTopic() }
func (c *UserCertificate) SignedBy() DeviceID    { return c.Author }
func (c *UserCertificate) SignedAt() DateTime    { return c.Timestamp }
func (c *UserCertificate) StorageFilters() (string, string) {
	return c.UserID.String(), ""
}

// DeviceCertificate declares a new device for an existing user and carries
// the device's verify key: the root of trust for everything that device
// signs.
type DeviceCertificate struct {
	Author    DeviceID `json:"author"`
	Timestamp DateTime `json:"timestamp"`
	UserID    UserID   `json:"user_id"`
	DeviceID  DeviceID `json:"device_id"`
	Label     string   `json:"label,omitempty"`
	VerifyKey []byte   `json:"verify_key"`
}

func (c *DeviceCertificate) Type() CertificateType { return CertTypeDevice }
func (c *DeviceCertificate) Topic() Topic          { return CommonTopic() }
func (c *DeviceCertificate) SignedBy() DeviceID    { return c.Author }
func (c *DeviceCertificate) SignedAt() DateTime    { return c.Timestamp }
func (c *DeviceCertificate) StorageFilters() (string, string) {
	return c.DeviceID.String(), c.UserID.String()
}

// RevokedUserCertificate revokes a user. A user can only be revoked once.
type RevokedUserCertificate struct {
	Author    DeviceID `json:"author"`
	Timestamp DateTime `json:"timestamp"`
	UserID    UserID   `json:"user_id"`
}

func (c *RevokedUserCertificate) Type() CertificateType { return CertTypeRevokedUser }
func (c *RevokedUserCertificate) Topic() Topic          { return CommonTopic() }
func (c *RevokedUserCertificate) SignedBy() DeviceID    { return c.Author }
func (c *RevokedUserCertificate) SignedAt() DateTime    { return c.Timestamp }
func (c *RevokedUserCertificate) StorageFilters() (string, string) {
	return c.UserID.String(), ""
}

// UserUpdateCertificate changes a user's profile. The latest one wins.
type UserUpdateCertificate struct {
	Author     DeviceID    `json:"author"`
	Timestamp  DateTime    `json:"timestamp"`
	UserID     UserID      `json:"user_id"`
	NewProfile UserProfile `json:"new_profile"`
}

func (c *UserUpdateCertificate) Type() CertificateType { return CertTypeUserUpdate }
func (c *UserUpdateCertificate) Topic() Topic          { return CommonTopic() }
func (c *UserUpdateCertificate) SignedBy() DeviceID    { return c.Author }
func (c *UserUpdateCertificate) SignedAt() DateTime    { return c.Timestamp }
func (c *UserUpdateCertificate) StorageFilters() (string, string) {
	return c.UserID.String(), ""
}

// RealmRoleCertificate grants, changes or revokes (RoleNone) a user's role
// in a realm.
type RealmRoleCertificate struct {
	Author    DeviceID  `json:"author"`
	Timestamp DateTime  `json:"timestamp"`
	RealmID   RealmID   `json:"realm_id"`
	UserID    UserID    `json:"user_id"`
	Role      RealmRole `json:"role"`
}

func (c *RealmRoleCertificate) Type() CertificateType { return CertTypeRealmRole }
func (c *RealmRoleCertificate) Topic() Topic          { return RealmTopic(c.RealmID) }
func (c *RealmRoleCertificate) SignedBy() DeviceID    { return c.Author }
func (c *RealmRoleCertificate) SignedAt() DateTime    { return c.Timestamp }
func (c *RealmRoleCertificate) StorageFilters() (string, string) {
	return c.RealmID.String(), c.UserID.String()
}

// SequesterAuthorityCertificate declares the sequester authority. It is
// signed by the root key and must be the very first certificate of a
// sequestered organization.
type SequesterAuthorityCertificate struct {
	Author    DeviceID `json:"author"`
	Timestamp DateTime `json:"timestamp"`
	VerifyKey []byte   `json:"verify_key"`
}

func (c *SequesterAuthorityCertificate) Type() CertificateType { return CertTypeSequesterAuthority }
func (c *SequesterAuthorityCertificate) Topic() Topic          { return SequesterTopic() }
func (c *SequesterAuthorityCertificate) SignedBy() DeviceID    { return c.Author }
func (c *SequesterAuthorityCertificate) SignedAt() DateTime    { return c.Timestamp }
func (c *SequesterAuthorityCertificate) StorageFilters() (string, string) {
	return "", ""
}

// SequesterServiceCertificate declares a sequester service. It is signed by
// the sequester authority key, not by a device.
type SequesterServiceCertificate struct {
	Author    DeviceID           `json:"author"`
	Timestamp DateTime           `json:"timestamp"`
	ServiceID SequesterServiceID `json:"service_id"`
	Label     string             `json:"label"`
	// EncryptionKey is the service's asymmetric key, opaque to this core.
	EncryptionKey []byte `json:"encryption_key"`
}

func (c *SequesterServiceCertificate) Type() CertificateType { return CertTypeSequesterService }
func (c *SequesterServiceCertificate) Topic() Topic          { return SequesterTopic() }
func (c *SequesterServiceCertificate) SignedBy() DeviceID    { return c.Author }
func (c *SequesterServiceCertificate) SignedAt() DateTime    { return c.Timestamp }
func (c *SequesterServiceCertificate) StorageFilters() (string, string) {
	return c.ServiceID.String(), ""
}

// ShamirRecoveryBriefCertificate describes a shamir recovery setup: the
// threshold and how many shares each recipient holds. Always self-describing
// (UserID == author's user).
type ShamirRecoveryBriefCertificate struct {
	Author             DeviceID       `json:"author"`
	Timestamp          DateTime       `json:"timestamp"`
	UserID             UserID         `json:"user_id"`
	Threshold          int            `json:"threshold"`
	PerRecipientShares map[UserID]int `json:"per_recipient_shares"`
}

func (c *ShamirRecoveryBriefCertificate) Type() CertificateType { return CertTypeShamirRecoveryBrief }
func (c *ShamirRecoveryBriefCertificate) Topic() Topic          { return ShamirRecoveryTopic() }
func (c *ShamirRecoveryBriefCertificate) SignedBy() DeviceID    { return c.Author }
func (c *ShamirRecoveryBriefCertificate) SignedAt() DateTime    { return c.Timestamp }
func (c *ShamirRecoveryBriefCertificate) StorageFilters() (string, string) {
	return c.UserID.String(), ""
}

// ShamirRecoveryShareCertificate carries one recipient's ciphered share of a
// setup. Created together with its brief, same timestamp.
type ShamirRecoveryShareCertificate struct {
	Author    DeviceID `json:"author"`
	Timestamp DateTime `json:"timestamp"`
	UserID    UserID   `json:"user_id"`
	Recipient UserID   `json:"recipient"`
	// CipheredShare is the secret-split share, opaque to this core.
	CipheredShare []byte `json:"ciphered_share"`
}

func (c *ShamirRecoveryShareCertificate) Type() CertificateType { return CertTypeShamirRecoveryShare }
func (c *ShamirRecoveryShareCertificate) Topic() Topic          { return ShamirRecoveryTopic() }
func (c *ShamirRecoveryShareCertificate) SignedBy() DeviceID    { return c.Author }
func (c *ShamirRecoveryShareCertificate) SignedAt() DateTime    { return c.Timestamp }
func (c *ShamirRecoveryShareCertificate) StorageFilters() (string, string) {
	return c.UserID.String(), c.Recipient.String()
}

// ShamirRecoveryDeletionCertificate deletes a previous setup. It must
// reference the author's last setup exactly.
type ShamirRecoveryDeletionCertificate struct {
	Author          DeviceID `json:"author"`
	Timestamp       DateTime `json:"timestamp"`
	SetupUserID     UserID   `json:"setup_user_id"`
	SetupTimestamp  DateTime `json:"setup_timestamp"`
	ShareRecipients []UserID `json:"share_recipients"`
}

func (c *ShamirRecoveryDeletionCertificate) Type() CertificateType {
	return CertTypeShamirRecoveryDeletion
}
func (c *ShamirRecoveryDeletionCertificate) Topic() Topic       { return ShamirRecoveryTopic() }
func (c *ShamirRecoveryDeletionCertificate) SignedBy() DeviceID { return c.Author }
func (c *ShamirRecoveryDeletionCertificate) SignedAt() DateTime { return c.Timestamp }
func (c *ShamirRecoveryDeletionCertificate) StorageFilters() (string, string) {
	return c.SetupUserID.String(), ""
}

type certificateEnvelope struct {
	Type CertificateType `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DumpCertificate serializes a certificate into the payload that gets
// signed.
func DumpCertificate(c Certificate) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", c.Type(), err)
	}
	return json.Marshal(certificateEnvelope{Type: c.Type(), Data: data})
}

// LoadCertificate deserializes a certificate payload (after signature
// stripping) into its concrete type.
func LoadCertificate(payload []byte) (Certificate, error) {
	var env certificateEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal certificate envelope: %w", err)
	}

	var c Certificate
	switch env.Type {
	case CertTypeUser:
		c = &UserCertificate{}
	case CertTypeDevice:
		c = &DeviceCertificate{}
	case CertTypeRevokedUser:
		c = &RevokedUserCertificate{}
	case CertTypeUserUpdate:
		c = &UserUpdateCertificate{}
	case CertTypeRealmRole:
		c = &RealmRoleCertificate{}
	case CertTypeSequesterAuthority:
		c = &SequesterAuthorityCertificate{}
	case CertTypeSequesterService:
		c = &SequesterServiceCertificate{}
	case CertTypeShamirRecoveryBrief:
		c = &ShamirRecoveryBriefCertificate{}
	case CertTypeShamirRecoveryShare:
		c = &ShamirRecoveryShareCertificate{}
	case CertTypeShamirRecoveryDeletion:
		c = &ShamirRecoveryDeletionCertificate{}
	default:
		return nil, fmt.Errorf("unknown certificate type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, c); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}
	return c, nil
}
