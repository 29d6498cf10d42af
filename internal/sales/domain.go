// Package sales exposes sale orders and the invoicing bridge the delivery
// note workflow delegates invoice creation to.
package sales

import (
	"github.com/shopspring/decimal"
)

// Invoice statuses shared by orders and order lines.
const (
	InvoiceStatusNo        = "no"
	InvoiceStatusToInvoice = "to invoice"
	InvoiceStatusInvoiced  = "invoiced"
	// InvoiceStatusUpselling marks a delivered-quantity line invoiced past
	// its ordered quantity. For delivery note purposes it behaves like
	// "to invoice".
	InvoiceStatusUpselling = "upselling"
)

// Product invoice policies.
const (
	PolicyOrder    = "order"
	PolicyDelivery = "delivery"
)

// ProductTypeService marks services, which are exempt from the forced
// delivered-quantity rule under the "service" invoice method.
const ProductTypeService = "service"

// Order is a sale order header.
type Order struct {
	ID                int64   `json:"id" db:"id"`
	Name              string  `json:"name" db:"name"`
	CompanyID         int64   `json:"company_id" db:"company_id"`
	PartnerID         int64   `json:"partner_id" db:"partner_id"`
	PartnerShippingID int64   `json:"partner_shipping_id" db:"partner_shipping_id"`
	CurrencyCode      string  `json:"currency_code" db:"currency_code"`
	PaymentTermID     *int64  `json:"payment_term_id,omitempty" db:"payment_term_id"`
	InvoiceStatus     string  `json:"invoice_status" db:"invoice_status"`
	ClientOrderRef    *string `json:"client_order_ref,omitempty" db:"client_order_ref"`
}

// OrderLine is a sale order line.
type OrderLine struct {
	ID            int64           `json:"id" db:"id"`
	OrderID       int64           `json:"order_id" db:"order_id"`
	ProductID     int64           `json:"product_id" db:"product_id"`
	ProductName   string          `json:"product_name" db:"product_name"`
	ProductType   string          `json:"product_type" db:"product_type"`
	InvoicePolicy string          `json:"invoice_policy" db:"invoice_policy"`
	PriceUnit     decimal.Decimal `json:"price_unit" db:"price_unit"`
	Discount      decimal.Decimal `json:"discount" db:"discount"`
	TaxIDs        []int64         `json:"tax_ids" db:"tax_ids"`
	QtyOrdered    float64         `json:"qty_ordered" db:"qty_ordered"`
	QtyDelivered  float64         `json:"qty_delivered" db:"qty_delivered"`
	QtyInvoiced   float64         `json:"qty_invoiced" db:"qty_invoiced"`
	QtyToInvoice  float64         `json:"qty_to_invoice" db:"qty_to_invoice"`
	IsDownpayment bool            `json:"is_downpayment" db:"is_downpayment"`
	InvoiceStatus string          `json:"invoice_status" db:"invoice_status"`
}

// IsInvoiceable reports whether the line is currently flagged for invoicing.
func (l OrderLine) IsInvoiceable() bool {
	return l.InvoiceStatus == InvoiceStatusToInvoice
}

// NeedsInvoicing reports whether the line still has unbilled quantity.
func (l OrderLine) NeedsInvoicing() bool {
	return l.QtyToInvoice != 0
}

// Tax is a percentage sales tax.
type Tax struct {
	ID   int64           `json:"id" db:"id"`
	Name string          `json:"name" db:"name"`
	Rate decimal.Decimal `json:"rate" db:"rate"`
}

// Invoice is an invoice document the bridge creates from sale orders.
type Invoice struct {
	ID            int64  `json:"id" db:"id"`
	Name          string `json:"name" db:"name"`
	PartnerID     int64  `json:"partner_id" db:"partner_id"`
	PaymentTermID *int64 `json:"payment_term_id,omitempty" db:"payment_term_id"`
	State         string `json:"state" db:"state"`
}

// ComputeTaxAmount computes the tax total over a discounted unit price and
// quantity. The partner and product are accepted for parity with fiscal
// mapping hooks even though the base computation does not use them yet.
func ComputeTaxAmount(taxes []Tax, unitPrice decimal.Decimal, qty float64, _ int64, _ int64) decimal.Decimal {
	base := unitPrice.Mul(decimal.NewFromFloat(qty))
	total := decimal.Zero
	for _, tax := range taxes {
		total = total.Add(base.Mul(tax.Rate).Div(decimal.NewFromInt(100)))
	}
	return total
}
