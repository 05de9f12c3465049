package syncer

import (
	"bytes"
	"errors"

	"github.com/atinyakov/RealmKeeper/internal/models"
)

// ErrRepairDivergence means the server answered twice for the same manifest
// version with different content after a self-repair. Someone is lying;
// stop and surface it.
var ErrRepairDivergence = errors.New("server answers diverge for a repaired manifest version")

// conflictSuffix renames our entry when both sides changed it differently.
const conflictSuffix = " (conflict)"

// mergeUserManifest folds a newer remote user manifest into the local one.
// The synchronized content is minimal, so merging is mostly a base swap;
// the local workspace list is local-only and untouched.
func mergeUserManifest(local *models.LocalUserManifest, remote *models.UserManifest) {
	if remote.Version <= local.Base.Version {
		return
	}
	local.Base = *remote
	local.Speculative = false
	local.NeedSync = local.UpdatedOn > remote.UpdatedOn
	if !local.NeedSync {
		local.UpdatedOn = remote.UpdatedOn
	}
}

// mergeWorkspaceManifest folds a newer remote workspace manifest into the
// local one with a three-way merge of the children map. repairDigest pins
// the content when the remote went through self-repair; nil clears the pin.
func mergeWorkspaceManifest(local *models.LocalWorkspaceManifest, remote *models.WorkspaceManifest, repairDigest []byte) error {
	if remote.Version < local.Base.Version {
		return nil
	}
	if remote.Version == local.Base.Version {
		// Same version seen again: with a repair pin in place the content
		// must not have changed under us.
		if len(local.RepairDigest) != 0 && len(repairDigest) != 0 &&
			!bytes.Equal(local.RepairDigest, repairDigest) {
			return ErrRepairDivergence
		}
		return nil
	}

	merged := mergeChildren(local.Base.Children, local.Children, remote.Children)
	local.Base = *remote
	local.Children = merged
	local.Speculative = false
	local.NeedSync = !childrenEqual(merged, remote.Children)
	if !local.NeedSync {
		local.UpdatedOn = remote.UpdatedOn
	}
	local.RepairDigest = repairDigest
	return nil
}

// mergeChildren three-way merges folder listings: unchanged entries follow
// the remote, our changes survive, and both-changed entries keep the remote
// under the original name with ours renamed aside.
func mergeChildren(base, ours, theirs map[string]models.VlobID) map[string]models.VlobID {
	merged := make(map[string]models.VlobID, len(theirs))
	for name, id := range theirs {
		merged[name] = id
	}

	for name, id := range ours {
		baseID, inBase := base[name]
		ourChanged := !inBase || baseID != id
		if !ourChanged {
			// Entry is untouched on our side: the remote decides whether it
			// stays, moves or goes.
			continue
		}
		theirID, inTheirs := theirs[name]
		if !inTheirs {
			merged[name] = id
			continue
		}
		if theirID == id {
			continue
		}
		theirChanged := !inBase || baseID != theirID
		if theirChanged {
			merged[name+conflictSuffix] = id
		} else {
			merged[name] = id
		}
	}

	// Entries we removed disappear unless the remote changed them meanwhile.
	for name, baseID := range base {
		if _, inOurs := ours[name]; inOurs {
			continue
		}
		if theirID, inTheirs := theirs[name]; inTheirs && theirID == baseID {
			delete(merged, name)
		}
	}
	return merged
}

func childrenEqual(a, b map[string]models.VlobID) bool {
	if len(a) != len(b) {
		return false
	}
	for name, id := range a {
		if other, ok := b[name]; !ok || other != id {
			return false
		}
	}
	return true
}
