// Package deliverynote implements delivery note documents: goods movement
// papers derived from warehouse pickings, their lifecycle and their
// invoicing workflow.
package deliverynote

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

// State represents the lifecycle of a delivery note.
type State string

const (
	StateDraft     State = "draft"
	StateConfirmed State = "confirm"
	StateInvoiced  State = "invoiced"
	StateDone      State = "done"
	StateCancelled State = "cancel"
)

// IsValid checks if the state is valid.
func (s State) IsValid() bool {
	switch s {
	case StateDraft, StateConfirmed, StateInvoiced, StateDone, StateCancelled:
		return true
	default:
		return false
	}
}

// CanEdit checks if the note header can still be freely edited.
func (s State) CanEdit() bool {
	return s == StateDraft
}

// CanConfirm checks if the note can be validated.
func (s State) CanConfirm() bool {
	return s == StateDraft
}

// CanSetDraft checks if the note can be brought back to draft.
func (s State) CanSetDraft() bool {
	return s == StateConfirmed || s == StateInvoiced || s == StateDone
}

// CanMarkDone checks if the note can be closed.
func (s State) CanMarkDone() bool {
	return s != StateCancelled
}

// CanInvoice checks if the note is in a state the invoicing workflow accepts.
func (s State) CanInvoice() bool {
	return s == StateConfirmed || s == StateInvoiced
}

// Invoice statuses of notes and note lines.
const (
	InvoiceStatusNo        = "no"
	InvoiceStatusToInvoice = "to_invoice"
	InvoiceStatusInvoiced  = "invoiced"
)

// Display types for non-commercial lines.
const (
	DisplayTypeSection = "line_section"
	DisplayTypeNote    = "line_note"
)

// NoteType is the delivery note type configuration: it selects the document
// numerator and the direction of the goods movement.
type NoteType struct {
	ID          int64  `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Code        string `json:"code" db:"code"` // incoming, outgoing, internal
	SequenceID  int64  `json:"sequence_id" db:"sequence_id"`
	PrintPrices bool   `json:"print_prices" db:"print_prices"`
	CompanyID   int64  `json:"company_id" db:"company_id"`
}

// DeliveryNote is one goods movement document per shipment.
type DeliveryNote struct {
	ID         int64   `json:"id" db:"id"`
	Name       *string `json:"name,omitempty" db:"name"`
	PartnerRef *string `json:"partner_ref,omitempty" db:"partner_ref"`
	State      State   `json:"state" db:"state"`
	CompanyID  int64   `json:"company_id" db:"company_id"`

	TypeID     int64  `json:"type_id" db:"type_id"`
	TypeCode   string `json:"type_code" db:"type_code"`
	SequenceID *int64 `json:"sequence_id,omitempty" db:"sequence_id"`

	PartnerSenderID   int64  `json:"partner_sender_id" db:"partner_sender_id"`
	PartnerID         int64  `json:"partner_id" db:"partner_id"`
	PartnerShippingID int64  `json:"partner_shipping_id" db:"partner_shipping_id"`
	CarrierID         *int64 `json:"carrier_id,omitempty" db:"carrier_id"`
	DeliveryMethodID  *int64 `json:"delivery_method_id,omitempty" db:"delivery_method_id"`

	Date              *time.Time `json:"date,omitempty" db:"date"`
	TransportDatetime *time.Time `json:"transport_datetime,omitempty" db:"transport_datetime"`

	TransportConditionID *int64 `json:"transport_condition_id,omitempty" db:"transport_condition_id"`
	GoodsAppearanceID    *int64 `json:"goods_appearance_id,omitempty" db:"goods_appearance_id"`
	TransportReasonID    *int64 `json:"transport_reason_id,omitempty" db:"transport_reason_id"`
	TransportMethodID    *int64 `json:"transport_method_id,omitempty" db:"transport_method_id"`

	Packages         int     `json:"packages" db:"packages"`
	Volume           float64 `json:"volume" db:"volume"`
	VolumeUomID      *int64  `json:"volume_uom_id,omitempty" db:"volume_uom_id"`
	GrossWeight      float64 `json:"gross_weight" db:"gross_weight"`
	GrossWeightUomID *int64  `json:"gross_weight_uom_id,omitempty" db:"gross_weight_uom_id"`
	NetWeight        float64 `json:"net_weight" db:"net_weight"`
	NetWeightUomID   *int64  `json:"net_weight_uom_id,omitempty" db:"net_weight_uom_id"`

	InvoiceStatus string          `json:"invoice_status" db:"invoice_status"`
	AmountTotal   decimal.Decimal `json:"amount_total" db:"amount_total"`
	Note          *string         `json:"note,omitempty" db:"note"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	Lines      []Line  `json:"lines,omitempty" db:"-"`
	PickingIDs []int64 `json:"picking_ids,omitempty" db:"-"`
	InvoiceIDs []int64 `json:"invoice_ids,omitempty" db:"-"`
}

// DisplayName renders the document reference shown to users: the assigned
// number, the partner reference for incoming documents, or a fallback built
// from the recipient and the creation timestamp for unnamed drafts.
func (n DeliveryNote) DisplayName(partnerName string) string {
	if n.Name == nil || *n.Name == "" {
		return partnerName + " - " + n.CreatedAt.Format("02/01/2006 15:04:05")
	}
	if n.PartnerRef != nil && *n.PartnerRef != "" && n.TypeCode == "incoming" {
		return *n.Name + " (" + *n.PartnerRef + ")"
	}
	return *n.Name
}

// Line is a delivery note detail line: either a content line carrying a
// product and commercial terms, or a display-only section or note marker.
type Line struct {
	ID             int64   `json:"id" db:"id"`
	DeliveryNoteID int64   `json:"delivery_note_id" db:"delivery_note_id"`
	Sequence       int     `json:"sequence" db:"sequence"`
	Name           string  `json:"name" db:"name"`
	DisplayType    *string `json:"display_type,omitempty" db:"display_type"`

	ProductID *int64  `json:"product_id,omitempty" db:"product_id"`
	Quantity  float64 `json:"quantity" db:"quantity"`
	UomID     *int64  `json:"uom_id,omitempty" db:"uom_id"`

	PriceUnit    decimal.Decimal `json:"price_unit" db:"price_unit"`
	CurrencyCode string          `json:"currency_code" db:"currency_code"`
	Discount     decimal.Decimal `json:"discount" db:"discount"`
	TaxIDs       []int64         `json:"tax_ids" db:"tax_ids"`

	MoveID     *int64 `json:"move_id,omitempty" db:"move_id"`
	SaleLineID *int64 `json:"sale_line_id,omitempty" db:"sale_line_id"`

	InvoiceStatus string          `json:"invoice_status" db:"invoice_status"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsDisplay reports whether the line is a section or note marker.
func (l Line) IsDisplay() bool {
	return l.DisplayType != nil && *l.DisplayType != ""
}

// IsInvoiceable reports whether the line is flagged for invoicing.
func (l Line) IsInvoiceable() bool {
	return l.InvoiceStatus == InvoiceStatusToInvoice
}

// DiscountedUnitPrice applies the line discount to the unit price.
func (l Line) DiscountedUnitPrice() decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	return l.PriceUnit.Mul(hundred.Sub(l.Discount)).Div(hundred)
}

// ComputeAmount computes the line amount: discounted unit price times
// quantity, plus the given tax total. Display lines always amount to zero.
func (l Line) ComputeAmount(taxTotal decimal.Decimal) decimal.Decimal {
	if l.IsDisplay() {
		return decimal.Zero
	}
	return l.DiscountedUnitPrice().Mul(decimal.NewFromFloat(l.Quantity)).Add(taxTotal)
}

// ClearCommercialFields nulls out every commercial field on a display line.
func (l *Line) ClearCommercialFields() {
	l.ProductID = nil
	l.Quantity = 0
	l.UomID = nil
	l.PriceUnit = decimal.Zero
	l.Discount = decimal.Zero
	l.TaxIDs = nil
	l.Amount = decimal.Zero
}

// DeriveInvoiceStatus computes a note's invoice status from its lines.
// Only lines referencing a sale order line participate: the note is
// invoiced when all of them are, to-invoice when at least one is, and "no"
// otherwise, including when no line carries a sale reference.
func DeriveInvoiceStatus(lines []Line) string {
	var saleLines int
	var invoiced, toInvoice int
	for _, line := range lines {
		if line.SaleLineID == nil {
			continue
		}
		saleLines++
		switch line.InvoiceStatus {
		case InvoiceStatusInvoiced:
			invoiced++
		case InvoiceStatusToInvoice:
			toInvoice++
		}
	}
	switch {
	case saleLines == 0:
		return InvoiceStatusNo
	case invoiced == saleLines:
		return InvoiceStatusInvoiced
	case toInvoice > 0:
		return InvoiceStatusToInvoice
	default:
		return InvoiceStatusNo
	}
}

// ComputeAmountTotal sums the line amounts and returns the shared currency.
// Lines spanning more than one currency violate the single-currency
// constraint of the document.
func ComputeAmountTotal(lines []Line) (decimal.Decimal, string, error) {
	total := decimal.Zero
	currency := ""
	for _, line := range lines {
		if line.IsDisplay() {
			continue
		}
		if line.CurrencyCode != "" {
			if currency == "" {
				currency = line.CurrencyCode
			} else if currency != line.CurrencyCode {
				return decimal.Zero, "", shared.Validationf(
					"you cannot have different currencies in the lines of a delivery note")
			}
		}
		total = total.Add(line.Amount)
	}
	return total, currency, nil
}
