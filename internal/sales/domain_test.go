package sales

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestComputeTaxAmount(t *testing.T) {
	taxes := []Tax{
		{ID: 1, Name: "IVA 22%", Rate: decimal.NewFromInt(22)},
		{ID: 2, Name: "Cassa 4%", Rate: decimal.NewFromInt(4)},
	}

	got := ComputeTaxAmount(taxes, decimal.NewFromInt(100), 2, 40, 3)
	assert.True(t, got.Equal(decimal.NewFromInt(52)), "got %s", got)

	got = ComputeTaxAmount(nil, decimal.NewFromInt(100), 2, 40, 3)
	assert.True(t, got.IsZero())

	got = ComputeTaxAmount(taxes, decimal.NewFromInt(100), 0, 40, 3)
	assert.True(t, got.IsZero())
}

func TestOrderLineInvoiceFlags(t *testing.T) {
	line := OrderLine{InvoiceStatus: InvoiceStatusToInvoice, QtyToInvoice: 3}
	assert.True(t, line.IsInvoiceable())
	assert.True(t, line.NeedsInvoicing())

	line = OrderLine{InvoiceStatus: InvoiceStatusUpselling, QtyToInvoice: -1}
	assert.False(t, line.IsInvoiceable())
	assert.True(t, line.NeedsInvoicing())

	line = OrderLine{InvoiceStatus: InvoiceStatusInvoiced}
	assert.False(t, line.IsInvoiceable())
	assert.False(t, line.NeedsInvoicing())
}
