package models

// LocalUserManifest is the mutable, locally-cached view of the user
// manifest. Base.Version == 0 means the manifest has never been synced
// (placeholder).
type LocalUserManifest struct {
	Base      UserManifest `json:"base"`
	NeedSync  bool         `json:"need_sync"`
	UpdatedOn DateTime     `json:"updated"`
	// LocalWorkspaces lists the workspaces this user knows about. It is
	// local-only state and never uploaded.
	LocalWorkspaces []WorkspaceEntry `json:"local_workspaces"`
	// Speculative marks a placeholder created before the first inbound sync
	// (e.g. on a freshly enrolled device): the real manifest may already
	// exist remotely.
	Speculative bool `json:"speculative"`
}

// WorkspaceEntry names one workspace in the local user manifest.
type WorkspaceEntry struct {
	Name    string  `json:"name"`
	RealmID RealmID `json:"realm_id"`
}

// NewLocalUserManifest builds a version-0 placeholder.
func NewLocalUserManifest(id VlobID, now DateTime, speculative bool) *LocalUserManifest {
	return &LocalUserManifest{
		Base: UserManifest{
			ID:        id,
			Version:   0,
			CreatedOn: now,
			UpdatedOn: now,
		},
		NeedSync:    !speculative,
		UpdatedOn:   now,
		Speculative: speculative,
	}
}

// ToRemote builds the outbound candidate for the next version.
func (m *LocalUserManifest) ToRemote(author DeviceID, timestamp DateTime) UserManifest {
	created := m.Base.CreatedOn
	if m.Base.Version == 0 {
		created = timestamp
	}
	return UserManifest{
		Author:    author,
		Timestamp: timestamp,
		ID:        m.Base.ID,
		Version:   m.Base.Version + 1,
		CreatedOn: created,
		UpdatedOn: m.UpdatedOn,
	}
}

// Clone returns a deep copy, so callers can snapshot local state outside the
// update lock.
func (m *LocalUserManifest) Clone() *LocalUserManifest {
	out := *m
	out.LocalWorkspaces = append([]WorkspaceEntry(nil), m.LocalWorkspaces...)
	return &out
}

// AddWorkspace records a workspace locally and flags the manifest for sync.
func (m *LocalUserManifest) AddWorkspace(entry WorkspaceEntry, now DateTime) {
	m.LocalWorkspaces = append(m.LocalWorkspaces, entry)
	m.UpdatedOn = now
	m.NeedSync = true
}

// LocalWorkspaceManifest is the mutable, locally-cached view of a workspace
// root manifest.
type LocalWorkspaceManifest struct {
	Base      WorkspaceManifest `json:"base"`
	NeedSync  bool              `json:"need_sync"`
	UpdatedOn DateTime          `json:"updated"`
	Children  map[string]VlobID `json:"children"`
	// Speculative marks a placeholder for a realm we were just granted
	// access to: the root manifest may already exist remotely.
	Speculative bool `json:"speculative"`
	// RepairDigest pins the sha256 of the cleartext accepted during
	// self-repair for Base.Version, so diverging server answers for the
	// same version can be detected later.
	RepairDigest []byte `json:"repair_digest,omitempty"`
}

// NewLocalWorkspaceManifest builds a version-0 placeholder for a workspace
// root.
func NewLocalWorkspaceManifest(id VlobID, now DateTime, speculative bool) *LocalWorkspaceManifest {
	return &LocalWorkspaceManifest{
		Base: WorkspaceManifest{
			ID:        id,
			Version:   0,
			CreatedOn: now,
			UpdatedOn: now,
		},
		NeedSync:    !speculative,
		UpdatedOn:   now,
		Children:    make(map[string]VlobID),
		Speculative: speculative,
	}
}

// FromRemoteWorkspaceManifest builds a fully-synced local view of a remote
// manifest.
func FromRemoteWorkspaceManifest(remote *WorkspaceManifest) *LocalWorkspaceManifest {
	return &LocalWorkspaceManifest{
		Base:      *remote,
		NeedSync:  false,
		UpdatedOn: remote.UpdatedOn,
		Children:  cloneChildren(remote.Children),
	}
}

// ToRemote builds the outbound candidate for the next version.
func (m *LocalWorkspaceManifest) ToRemote(author DeviceID, timestamp DateTime) WorkspaceManifest {
	created := m.Base.CreatedOn
	if m.Base.Version == 0 {
		created = timestamp
	}
	return WorkspaceManifest{
		Author:    author,
		Timestamp: timestamp,
		ID:        m.Base.ID,
		Version:   m.Base.Version + 1,
		CreatedOn: created,
		UpdatedOn: m.UpdatedOn,
		Children:  cloneChildren(m.Children),
	}
}

// Clone returns a deep copy.
func (m *LocalWorkspaceManifest) Clone() *LocalWorkspaceManifest {
	out := *m
	out.Children = cloneChildren(m.Children)
	out.RepairDigest = append([]byte(nil), m.RepairDigest...)
	return &out
}

// InsertChild adds or replaces a child entry and flags the manifest for
// sync.
func (m *LocalWorkspaceManifest) InsertChild(name string, id VlobID, now DateTime) {
	if m.Children == nil {
		m.Children = make(map[string]VlobID)
	}
	m.Children[name] = id
	m.UpdatedOn = now
	m.NeedSync = true
}

// RemoveChild drops a child entry and flags the manifest for sync.
func (m *LocalWorkspaceManifest) RemoveChild(name string, now DateTime) {
	delete(m.Children, name)
	m.UpdatedOn = now
	m.NeedSync = true
}

func cloneChildren(in map[string]VlobID) map[string]VlobID {
	out := make(map[string]VlobID, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
