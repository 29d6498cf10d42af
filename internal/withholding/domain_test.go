package withholding

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := date(y, m, d)
	return &t
}

func TestRateCovers(t *testing.T) {
	bounded := Rate{DateFrom: date(2026, 1, 1), DateTo: datePtr(2026, 6, 30)}
	assert.False(t, bounded.Covers(date(2025, 12, 31)))
	assert.True(t, bounded.Covers(date(2026, 1, 1)))
	assert.True(t, bounded.Covers(date(2026, 6, 30)))
	assert.False(t, bounded.Covers(date(2026, 7, 1)))

	open := Rate{DateFrom: date(2026, 7, 1)}
	assert.True(t, open.Covers(date(2030, 1, 1)))
	assert.False(t, open.Covers(date(2026, 6, 30)))
}

func TestValidateRates(t *testing.T) {
	ok := []Rate{
		{DateFrom: date(2025, 1, 1), DateTo: datePtr(2025, 12, 31), Rate: decimal.NewFromInt(23)},
		{DateFrom: date(2026, 1, 1), Rate: decimal.NewFromInt(20)},
	}
	require.NoError(t, ValidateRates(ok))

	// An open-ended period swallows every later start.
	overlapping := []Rate{
		{DateFrom: date(2025, 1, 1), Rate: decimal.NewFromInt(23)},
		{DateFrom: date(2026, 1, 1), Rate: decimal.NewFromInt(20)},
	}
	err := ValidateRates(overlapping)
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))

	// Sharing a single boundary day is still an overlap.
	touching := []Rate{
		{DateFrom: date(2025, 1, 1), DateTo: datePtr(2026, 1, 1)},
		{DateFrom: date(2026, 1, 1), DateTo: datePtr(2026, 12, 31)},
	}
	assert.Error(t, ValidateRates(touching))
}

func TestCompute(t *testing.T) {
	tax := Tax{
		Code: "1040",
		Rates: []Rate{{
			DateFrom:        date(2026, 1, 1),
			Rate:            decimal.NewFromInt(20),
			BaseCoefficient: decimal.NewFromInt(1),
		}},
	}

	base, amount, err := tax.Compute(decimal.NewFromInt(1000), date(2026, 3, 1))
	require.NoError(t, err)
	assert.True(t, base.Equal(decimal.NewFromInt(1000)), "base %s", base)
	assert.True(t, amount.Equal(decimal.NewFromInt(200)), "amount %s", amount)

	// A reduced base coefficient shrinks both base and amount.
	tax.Rates[0].BaseCoefficient = decimal.NewFromFloat(0.5)
	base, amount, err = tax.Compute(decimal.NewFromInt(1000), date(2026, 3, 1))
	require.NoError(t, err)
	assert.True(t, base.Equal(decimal.NewFromInt(500)))
	assert.True(t, amount.Equal(decimal.NewFromInt(100)))

	// No rate covering the date.
	_, _, err = tax.Compute(decimal.NewFromInt(1000), date(2025, 3, 1))
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))
}

func TestDuplicate(t *testing.T) {
	term := int64(3)
	tax := Tax{
		ID: 5, CompanyID: 1, Name: "Ritenuta 20%", Code: "1040",
		PaymentTermID: &term, Active: true,
		Rates: []Rate{{ID: 11, TaxID: 5, DateFrom: date(2026, 1, 1), Rate: decimal.NewFromInt(20)}},
	}

	dup := tax.Duplicate()
	assert.Zero(t, dup.ID)
	assert.Equal(t, "1040 (copy)", dup.Code)
	assert.Equal(t, tax.Name, dup.Name)
	require.Len(t, dup.Rates, 1)
	assert.Zero(t, dup.Rates[0].ID)
	assert.Zero(t, dup.Rates[0].TaxID)
	assert.True(t, dup.Rates[0].Rate.Equal(tax.Rates[0].Rate))

	// The original is untouched.
	assert.Equal(t, int64(11), tax.Rates[0].ID)
}

func TestStatementOutstanding(t *testing.T) {
	st := Statement{Amount: decimal.NewFromInt(200), AmountPaid: decimal.NewFromInt(150)}
	assert.True(t, st.Outstanding().Equal(decimal.NewFromInt(50)))
}

func TestApplyPayment(t *testing.T) {
	statements := []Statement{{Amount: decimal.NewFromInt(200)}}

	// 1000 invoiced at 20%: net to pay 800. A 600 payment applies 150.
	applied, err := ApplyPayment(statements, decimal.NewFromInt(800), decimal.NewFromInt(600))
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.True(t, applied[0].Equal(decimal.NewFromInt(150)), "applied %s", applied[0])

	// The application never exceeds what is still outstanding.
	partlyPaid := []Statement{{Amount: decimal.NewFromInt(200), AmountPaid: decimal.NewFromInt(150)}}
	applied, err = ApplyPayment(partlyPaid, decimal.NewFromInt(200), decimal.NewFromInt(200))
	require.NoError(t, err)
	assert.True(t, applied[0].Equal(decimal.NewFromInt(50)))
}

func TestApplyPaymentValidation(t *testing.T) {
	statements := []Statement{{Amount: decimal.NewFromInt(200)}}

	_, err := ApplyPayment(statements, decimal.NewFromInt(800), decimal.Zero)
	assert.True(t, shared.IsValidation(err))

	_, err = ApplyPayment(statements, decimal.Zero, decimal.NewFromInt(100))
	assert.True(t, shared.IsValidation(err))

	_, err = ApplyPayment(statements, decimal.NewFromInt(800), decimal.NewFromInt(900))
	assert.True(t, shared.IsValidation(err))
}
