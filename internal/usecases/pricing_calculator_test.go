package usecases

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

func TestPricingCalculator_DiscountFor(t *testing.T) {
	pc := NewPricingCalculator(nil)
	for months, want := range map[int]float64{1: 0, 2: 0, 3: 5, 5: 5, 6: 10, 11: 10, 12: 15, 24: 15} {
		assert.Equal(t, want, pc.DiscountFor(months), "%d months", months)
	}

	custom := NewPricingCalculator([]DiscountTier{{MinMonths: 2, Percent: 20}})
	assert.Equal(t, 20.0, custom.DiscountFor(12))
	assert.Zero(t, custom.DiscountFor(1))
}

func TestPricingCalculator_Quote(t *testing.T) {
	pc := NewPricingCalculator(nil)
	plan := entities.Plan{ID: "p", Name: "Mensal", Price: 29.9}

	q, err := pc.Quote(plan, 6)
	require.NoError(t, err)
	assert.Equal(t, 179.4, q.Subtotal)
	assert.Equal(t, 10.0, q.DiscountPercent)
	assert.Equal(t, 17.94, q.Discount)
	assert.Equal(t, 161.46, q.Total)
	assert.Equal(t, "Mensal", q.PlanName)

	_, err = pc.Quote(plan, 0)
	assert.Error(t, err)
}

func TestFormatMoney(t *testing.T) {
	for in, want := range map[float64]string{
		0:         "0,00",
		30:        "30,00",
		1234.5:    "1.234,50",
		1234567.8: "1.234.567,80",
		-45.678:   "-45,68",
	} {
		assert.Equal(t, want, FormatMoney(in))
	}
}
