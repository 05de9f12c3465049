package models

// UserProfile is the organization-wide profile of a user.
type UserProfile string

const (
	// ProfileAdmin can create/revoke users and change profiles.
	ProfileAdmin UserProfile = "admin"
	// ProfileStandard is a regular member.
	ProfileStandard UserProfile = "standard"
	// ProfileOutsider only sees redacted certificates and can never hold
	// Owner or Manager roles in a realm.
	ProfileOutsider UserProfile = "outsider"
)

// RealmRole is the capability level of a user inside a realm, ordered
// Reader < Contributor < Manager < Owner. RoleNone means no access and is
// used to revoke a previously granted role.
type RealmRole string

const (
	RoleNone        RealmRole = "none"
	RoleReader      RealmRole = "reader"
	RoleContributor RealmRole = "contributor"
	RoleManager     RealmRole = "manager"
	RoleOwner       RealmRole = "owner"
)

// CanRead reports whether the role grants read access to the realm.
func (r RealmRole) CanRead() bool { return r != RoleNone && r != "" }

// CanWrite reports whether the role grants write access to the realm.
func (r RealmRole) CanWrite() bool {
	switch r {
	case RoleContributor, RoleManager, RoleOwner:
		return true
	}
	return false
}

// IsGranted reports whether the role represents an actual membership
// (anything but RoleNone).
func (r RealmRole) IsGranted() bool { return r.CanRead() }
