package billing

import (
	"time"

	"github.com/crewplane/crewplane/app/models"
)

// Snapshot is the slice of a billing account the status resolver looks at.
type Snapshot struct {
	Status            models.BillingStatus
	TrialEndsAt       *time.Time
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

// Resolution is the outcome of resolving a snapshot at a point in time.
type Resolution struct {
	EffectiveStatus models.BillingStatus
	UsageAllowed    bool
}

// SnapshotOf extracts a resolver snapshot from an account.
func SnapshotOf(account *models.BillingAccount) Snapshot {
	return Snapshot{
		Status:            account.Status,
		TrialEndsAt:       account.TrialEndsAt,
		CurrentPeriodEnd:  account.CurrentPeriodEnd,
		CancelAtPeriodEnd: account.CancelAtPeriodEnd,
	}
}

// Resolve derives the effective billing status and usage gate from a stored
// snapshot and the current time. It is pure, total and the single source of
// truth for access gating; it never writes the derived status back. Persisted
// status only changes on provider-confirmed transitions, so any local
// extrapolation here is reconciled by the next successful webhook.
func Resolve(s Snapshot, now time.Time) Resolution {
	effective := s.Status

	switch effective {
	case models.BillingStatusTrialing:
		if s.TrialEndsAt != nil && now.After(*s.TrialEndsAt) {
			effective = models.BillingStatusUnpaid
		}
	case models.BillingStatusActive:
		if s.CurrentPeriodEnd != nil && now.After(*s.CurrentPeriodEnd) {
			if s.CancelAtPeriodEnd {
				effective = models.BillingStatusCanceled
			} else {
				effective = models.BillingStatusPastDue
			}
		}
	}

	allowed := effective == models.BillingStatusTrialing || effective == models.BillingStatusActive

	return Resolution{EffectiveStatus: effective, UsageAllowed: allowed}
}
