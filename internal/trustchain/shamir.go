package trustchain

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/models"
)

// ShamirLifecycle is the state of our own recovery setup.
type ShamirLifecycle string

const (
	// ShamirNeverSetup means we never created a recovery setup.
	ShamirNeverSetup ShamirLifecycle = "never_setup"
	// ShamirSetupAllValid means a setup exists and every recipient can still
	// contribute shares.
	ShamirSetupAllValid ShamirLifecycle = "setup_all_valid"
	// ShamirSetupWithRevokedRecipients means some recipients were revoked
	// but enough shares remain to reach the threshold.
	ShamirSetupWithRevokedRecipients ShamirLifecycle = "setup_with_revoked_recipients"
	// ShamirSetupButUnusable means revocations left fewer reachable shares
	// than the threshold: recovery is impossible.
	ShamirSetupButUnusable ShamirLifecycle = "setup_but_unusable"
	// ShamirDeleted means the last setup was explicitly deleted.
	ShamirDeleted ShamirLifecycle = "deleted"
)

// ShamirRecipient is one share holder of a setup.
type ShamirRecipient struct {
	UserID  models.UserID
	Shares  int
	Revoked bool
}

// ShamirSetupInfo describes the last recovery setup of our user.
type ShamirSetupInfo struct {
	CreatedOn  models.DateTime
	Threshold  int
	Recipients []ShamirRecipient
	// ReachableShares is the share total held by non-revoked recipients.
	ReachableShares int
}

// SelfShamirRecoveryInfo reports the lifecycle state of our own recovery
// setup, judging recipient revocations against current state.
func (o *Ops) SelfShamirRecoveryInfo(ctx context.Context) (ShamirLifecycle, *ShamirSetupInfo, error) {
	row, err := o.store.GetCertificate(ctx,
		certstore.ShamirRecoveryBriefCertificates(o.device.UserID), certstore.UpToCurrent())
	if errors.Is(err, certstore.ErrNotFound) {
		return ShamirNeverSetup, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	cert, err := o.decodeStored(row)
	if err != nil {
		return "", nil, err
	}
	brief, ok := cert.(*models.ShamirRecoveryBriefCertificate)
	if !ok {
		return "", nil, fmt.Errorf("stored row %d is not a shamir brief certificate", row.Index)
	}

	info := &ShamirSetupInfo{
		CreatedOn: brief.Timestamp,
		Threshold: brief.Threshold,
	}
	for recipient, shares := range brief.PerRecipientShares {
		_, revoked, err := o.revocationOf(ctx, o.store, recipient, certstore.UpToCurrent())
		if err != nil {
			return "", nil, err
		}
		info.Recipients = append(info.Recipients, ShamirRecipient{
			UserID:  recipient,
			Shares:  shares,
			Revoked: revoked,
		})
		if !revoked {
			info.ReachableShares += shares
		}
	}
	sort.Slice(info.Recipients, func(i, j int) bool {
		return info.Recipients[i].UserID.String() < info.Recipients[j].UserID.String()
	})

	deleted, err := o.selfSetupDeleted(ctx, brief.Timestamp)
	if err != nil {
		return "", nil, err
	}
	if deleted {
		return ShamirDeleted, info, nil
	}
	if info.ReachableShares < info.Threshold {
		return ShamirSetupButUnusable, info, nil
	}
	if info.ReachableShares < totalShares(brief) {
		return ShamirSetupWithRevokedRecipients, info, nil
	}
	return ShamirSetupAllValid, info, nil
}

func (o *Ops) selfSetupDeleted(ctx context.Context, setupTS models.DateTime) (bool, error) {
	rows, err := o.store.GetMultipleCertificates(ctx,
		certstore.ShamirRecoveryDeletionCertificates(o.device.UserID), certstore.UpToCurrent(), 0, 0)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		cert, err := o.decodeStored(row)
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

func totalShares(brief *models.ShamirRecoveryBriefCertificate) int {
	total := 0
	for _, count := range brief.PerRecipientShares {
		total += count
	}
	return total
}
