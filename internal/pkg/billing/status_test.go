package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/crewplane/crewplane/app/models"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestResolveTrialing(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("before trial end keeps trialing and allows usage", func(t *testing.T) {
		res := Resolve(Snapshot{
			Status:      models.BillingStatusTrialing,
			TrialEndsAt: timePtr(now.Add(24 * time.Hour)),
		}, now)
		assert.Equal(t, models.BillingStatusTrialing, res.EffectiveStatus)
		assert.True(t, res.UsageAllowed)
	})

	t.Run("after trial end degrades to unpaid and blocks usage", func(t *testing.T) {
		res := Resolve(Snapshot{
			Status:      models.BillingStatusTrialing,
			TrialEndsAt: timePtr(now.Add(-time.Minute)),
		}, now)
		assert.Equal(t, models.BillingStatusUnpaid, res.EffectiveStatus)
		assert.False(t, res.UsageAllowed)
	})

	t.Run("missing trial end keeps trialing", func(t *testing.T) {
		res := Resolve(Snapshot{Status: models.BillingStatusTrialing}, now)
		assert.Equal(t, models.BillingStatusTrialing, res.EffectiveStatus)
		assert.True(t, res.UsageAllowed)
	})
}

func TestResolveActive(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("inside period stays active", func(t *testing.T) {
		res := Resolve(Snapshot{
			Status:           models.BillingStatusActive,
			CurrentPeriodEnd: timePtr(now.Add(72 * time.Hour)),
		}, now)
		assert.Equal(t, models.BillingStatusActive, res.EffectiveStatus)
		assert.True(t, res.UsageAllowed)
	})

	t.Run("past period end without cancel flag degrades to past due", func(t *testing.T) {
		res := Resolve(Snapshot{
			Status:           models.BillingStatusActive,
			CurrentPeriodEnd: timePtr(now.Add(-time.Hour)),
		}, now)
		assert.Equal(t, models.BillingStatusPastDue, res.EffectiveStatus)
		assert.False(t, res.UsageAllowed)
	})

	t.Run("past period end with cancel flag degrades to cancelled", func(t *testing.T) {
		res := Resolve(Snapshot{
			Status:            models.BillingStatusActive,
			CurrentPeriodEnd:  timePtr(now.Add(-time.Hour)),
			CancelAtPeriodEnd: true,
		}, now)
		assert.Equal(t, models.BillingStatusCanceled, res.EffectiveStatus)
		assert.False(t, res.UsageAllowed)
	})

	t.Run("missing period end stays active", func(t *testing.T) {
		res := Resolve(Snapshot{Status: models.BillingStatusActive}, now)
		assert.Equal(t, models.BillingStatusActive, res.EffectiveStatus)
		assert.True(t, res.UsageAllowed)
	})
}

func TestResolveTerminalStatusesPassThrough(t *testing.T) {
	now := time.Now().UTC()
	for _, status := range []models.BillingStatus{
		models.BillingStatusPastDue,
		models.BillingStatusUnpaid,
		models.BillingStatusCanceled,
		models.BillingStatusBlocked,
	} {
		res := Resolve(Snapshot{
			Status:           status,
			TrialEndsAt:      timePtr(now.Add(-time.Hour)),
			CurrentPeriodEnd: timePtr(now.Add(-time.Hour)),
		}, now)
		assert.Equal(t, status, res.EffectiveStatus, "status %s must not be rewritten", status)
		assert.False(t, res.UsageAllowed, "status %s must block usage", status)
	}
}

func TestResolveBoundaryIsInclusive(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Exactly at the boundary the stored status still holds; only strictly
	// after it the derived status changes.
	res := Resolve(Snapshot{
		Status:      models.BillingStatusTrialing,
		TrialEndsAt: timePtr(now),
	}, now)
	assert.Equal(t, models.BillingStatusTrialing, res.EffectiveStatus)
	assert.True(t, res.UsageAllowed)

	res = Resolve(Snapshot{
		Status:           models.BillingStatusActive,
		CurrentPeriodEnd: timePtr(now),
	}, now)
	assert.Equal(t, models.BillingStatusActive, res.EffectiveStatus)
	assert.True(t, res.UsageAllowed)
}

func TestSnapshotOf(t *testing.T) {
	trialEnd := time.Now().UTC().Add(48 * time.Hour)
	account := &models.BillingAccount{
		Status:            models.BillingStatusTrialing,
		TrialEndsAt:       &trialEnd,
		CancelAtPeriodEnd: true,
	}
	snap := SnapshotOf(account)
	assert.Equal(t, models.BillingStatusTrialing, snap.Status)
	assert.Equal(t, &trialEnd, snap.TrialEndsAt)
	assert.True(t, snap.CancelAtPeriodEnd)
	assert.Nil(t, snap.CurrentPeriodEnd)
}
