package usecases

import (
	"fmt"
	"math"
	"strings"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

// DiscountTier applies Percent off when renewing at least MinMonths at once.
type DiscountTier struct {
	MinMonths int     `json:"min_months"`
	Percent   float64 `json:"percent"`
}

// DefaultDiscountTiers are ordered from the largest commitment down.
var DefaultDiscountTiers = []DiscountTier{
	{MinMonths: 12, Percent: 15},
	{MinMonths: 6, Percent: 10},
	{MinMonths: 3, Percent: 5},
}

type Quote struct {
	PlanID          string  `json:"plan_id"`
	PlanName        string  `json:"plan_name"`
	Months          int     `json:"months"`
	UnitPrice       float64 `json:"unit_price"`
	Subtotal        float64 `json:"subtotal"`
	DiscountPercent float64 `json:"discount_percent"`
	Discount        float64 `json:"discount"`
	Total           float64 `json:"total"`
}

type PricingCalculator struct {
	tiers []DiscountTier
}

func NewPricingCalculator(tiers []DiscountTier) *PricingCalculator {
	if len(tiers) == 0 {
		tiers = DefaultDiscountTiers
	}
	return &PricingCalculator{tiers: tiers}
}

// DiscountFor returns the percentage of the largest tier months reaches.
func (pc *PricingCalculator) DiscountFor(months int) float64 {
	best := 0.0
	bestMin := 0
	for _, t := range pc.tiers {
		if months >= t.MinMonths && t.MinMonths > bestMin {
			best, bestMin = t.Percent, t.MinMonths
		}
	}
	return best
}

// Quote prices months of plan. Amounts are rounded to cents.
func (pc *PricingCalculator) Quote(plan entities.Plan, months int) (Quote, error) {
	if months < 1 {
		return Quote{}, fmt.Errorf("months must be at least 1")
	}
	subtotal := plan.Price * float64(months)
	pct := pc.DiscountFor(months)
	discount := roundCents(subtotal * pct / 100)

	return Quote{
		PlanID:          plan.ID,
		PlanName:        plan.Name,
		Months:          months,
		UnitPrice:       plan.Price,
		Subtotal:        roundCents(subtotal),
		DiscountPercent: pct,
		Discount:        discount,
		Total:           roundCents(subtotal - discount),
	}, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// FormatMoney renders an amount in Brazilian notation, e.g. 1.234,50.
func FormatMoney(v float64) string {
	s := fmt.Sprintf("%.2f", roundCents(v))
	intPart, frac := s[:len(s)-3], s[len(s)-2:]

	neg := strings.HasPrefix(intPart, "-")
	intPart = strings.TrimPrefix(intPart, "-")

	var sb strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			sb.WriteByte('.')
		}
		sb.WriteRune(r)
	}
	out := sb.String() + "," + frac
	if neg {
		return "-" + out
	}
	return out
}
