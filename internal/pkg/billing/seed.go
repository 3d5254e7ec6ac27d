package billing

import (
	"context"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/crewplane/crewplane/app/models"
	"github.com/crewplane/crewplane/internal/pkg/env"
)

// discountedYearly derives a yearly amount from a monthly one with a 20%
// discount, rounded down, in minor currency units.
func discountedYearly(monthlyAmount int64) int64 {
	return monthlyAmount * 12 * 80 / 100
}

func features(items ...string) models.JSONMap {
	list := make([]any, 0, len(items))
	for _, it := range items {
		list = append(list, it)
	}
	return models.JSONMap{"items": list}
}

func planProviderIDs(prefix string) (productID, priceID string) {
	productID = env.GetEnv("STRIPE_"+prefix+"_PRODUCT_ID", "prod_"+prefix+"_PLACEHOLDER")
	priceID = env.GetEnv("STRIPE_"+prefix+"_PRICE_ID", "price_"+prefix+"_PLACEHOLDER")
	return productID, priceID
}

// defaultPlans builds the seed catalog. Provider product/price ids come from
// the environment so each deployment maps its own Stripe objects; the
// placeholders keep local development working without a Stripe account.
func defaultPlans() []models.BillingPlan {
	const (
		essentialMonthly  = 2900
		proMonthly        = 9900
		enterpriseMonthly = 29900
	)

	essentialFeatures := features(
		"Up to 1 projects",
		"Up to 2 jurisdictions",
		"1-day snapshot history",
		"20 monthly scans",
		"Email summaries",
		"AI summaries",
	)
	proFeatures := features(
		"Up to 20 projects",
		"Up to 50 jurisdictions",
		"Unlimited scans",
		"Priority AI summaries",
		"Team notifications",
		"API access",
		"1-year snapshot history",
	)
	enterpriseFeatures := features(
		"Unlimited projects and jurisdictions",
		"Dedicated CSM",
		"Custom AI configuration",
		"SSO & advanced roles",
		"Unlimited snapshot history",
		"Full audit logs",
	)

	type planSpec struct {
		code        string
		tier        string
		label       string
		description string
		interval    string
		amount      int64
		idPrefix    string
		features    models.JSONMap
		mostPopular bool
		sortOrder   int
	}

	specs := []planSpec{
		{"ESSENTIAL_MONTHLY", models.PlanTierEssential, "Essential",
			"Best for individual consultants and small teams.",
			models.PlanIntervalMonth, essentialMonthly, "ESSENTIAL_MONTHLY", essentialFeatures, false, 10},
		{"ESSENTIAL_YEARLY", models.PlanTierEssential, "Essential (Yearly)",
			"Best for individual consultants and small teams. Billed yearly with a 20% discount.",
			models.PlanIntervalYear, discountedYearly(essentialMonthly), "ESSENTIAL_YEARLY", essentialFeatures, false, 15},
		{"PRO_MONTHLY", models.PlanTierProfessional, "Professional",
			"Designed for growing legal and compliance teams.",
			models.PlanIntervalMonth, proMonthly, "PRO_MONTHLY", proFeatures, true, 20},
		{"PRO_YEARLY", models.PlanTierProfessional, "Professional (Yearly)",
			"Designed for growing legal and compliance teams. Billed yearly with a 20% discount.",
			models.PlanIntervalYear, discountedYearly(proMonthly), "PRO_YEARLY", proFeatures, false, 25},
		{"ENTERPRISE_MONTHLY", models.PlanTierEnterprise, "Enterprise",
			"For large organizations with complex regulatory needs.",
			models.PlanIntervalMonth, enterpriseMonthly, "ENTERPRISE_MONTHLY", enterpriseFeatures, false, 30},
		{"ENTERPRISE_YEARLY", models.PlanTierEnterprise, "Enterprise (Yearly)",
			"For large organizations with complex regulatory needs. Billed yearly with a 20% discount.",
			models.PlanIntervalYear, discountedYearly(enterpriseMonthly), "ENTERPRISE_YEARLY", enterpriseFeatures, false, 35},
	}

	plans := make([]models.BillingPlan, 0, len(specs))
	for _, s := range specs {
		productID, priceID := planProviderIDs(s.idPrefix)
		plans = append(plans, models.BillingPlan{
			Code:              s.code,
			Tier:              s.tier,
			Label:             s.label,
			Description:       s.description,
			Interval:          s.interval,
			Currency:          "USD",
			Amount:            s.amount,
			ProviderProductID: productID,
			ProviderPriceID:   priceID,
			Features:          s.features,
			IsMostPopular:     s.mostPopular,
			IsActive:          true,
			SortOrder:         s.sortOrder,
		})
	}
	return plans
}

// SeedDefaultPlans inserts the default plan catalog, skipping any plan whose
// (code, interval, currency) already exists. Existing rows are never updated,
// so manual catalog edits survive restarts.
func SeedDefaultPlans(ctx context.Context, db *gorm.DB) error {
	plans := defaultPlans()
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "code"}, {Name: "interval"}, {Name: "currency"},
			},
			DoNothing: true,
		}).
		Create(&plans)
	if res.Error != nil {
		return res.Error
	}
	log.Info().Int64("inserted", res.RowsAffected).Msg("billing plan catalog seeded")
	return nil
}
