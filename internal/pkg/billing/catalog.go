package billing

import (
	"fmt"
	"strings"

	"github.com/MatsHolmberg/DesignDesk/app/models"
)

const (
	PackageBasic        = "basic"
	PackageProfessional = "professional"
	PackagePremium      = "premium"
)

const catalogCurrency = "sek"

// CatalogItem describes one purchasable thing: a one-time design package or
// one cycle of a subscription plan. The static catalog below is the only
// source of prices on the request path; providers are never asked to price.
type CatalogItem struct {
	Kind        string // models.PaymentTypeOneTime or models.PaymentTypeSubscription
	PackageType string
	Plan        string
	Cycle       string
	PriceCents  int64
	Currency    string
	Description string
}

var packageCatalog = map[string]CatalogItem{
	PackageBasic: {
		Kind:        models.PaymentTypeOneTime,
		PackageType: PackageBasic,
		PriceCents:  99900,
		Currency:    catalogCurrency,
		Description: "Basic design package",
	},
	PackageProfessional: {
		Kind:        models.PaymentTypeOneTime,
		PackageType: PackageProfessional,
		PriceCents:  199900,
		Currency:    catalogCurrency,
		Description: "Professional design package",
	},
	PackagePremium: {
		Kind:        models.PaymentTypeOneTime,
		PackageType: PackagePremium,
		PriceCents:  349900,
		Currency:    catalogCurrency,
		Description: "Premium design package",
	},
}

var planMonthlyCents = map[string]int64{
	models.PlanStarter:    9900,
	models.PlanPro:        19900,
	models.PlanEnterprise: 49900,
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// PackageItem resolves a one-time package type against the catalog.
func PackageItem(packageType string) (CatalogItem, error) {
	item, ok := packageCatalog[normalizeKey(packageType)]
	if !ok {
		return CatalogItem{}, fmt.Errorf("%w: package %q", ErrInvalidInput, packageType)
	}
	return item, nil
}

// PlanItem resolves a subscription plan + cycle against the catalog.
// Yearly billing is priced at ten monthly cycles.
func PlanItem(plan, cycle string) (CatalogItem, error) {
	p := normalizeKey(plan)
	monthly, ok := planMonthlyCents[p]
	if !ok {
		return CatalogItem{}, fmt.Errorf("%w: plan %q", ErrInvalidInput, plan)
	}

	price := monthly
	cy := normalizeKey(cycle)
	switch cy {
	case models.CycleMonthly:
	case models.CycleYearly:
		price = monthly * 10
	default:
		return CatalogItem{}, fmt.Errorf("%w: cycle %q", ErrInvalidInput, cycle)
	}

	return CatalogItem{
		Kind:        models.PaymentTypeSubscription,
		Plan:        p,
		Cycle:       cy,
		PriceCents:  price,
		Currency:    catalogCurrency,
		Description: fmt.Sprintf("%s plan (%s)", p, cy),
	}, nil
}
