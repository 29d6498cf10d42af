// Package picking exposes warehouse movement documents consumed by the
// delivery note workflow.
package picking

// Type codes describe the direction of a picking.
const (
	TypeIncoming = "incoming"
	TypeOutgoing = "outgoing"
	TypeInternal = "internal"
)

// StateDone marks a picking whose moves are completed. Only done pickings
// may be attached to a delivery note.
const StateDone = "done"

// Picking is a warehouse movement document.
type Picking struct {
	ID               int64   `json:"id" db:"id"`
	Name             string  `json:"name" db:"name"`
	CompanyID        int64   `json:"company_id" db:"company_id"`
	PartnerID        int64   `json:"partner_id" db:"partner_id"`
	TypeCode         string  `json:"type_code" db:"type_code"`
	State            string  `json:"state" db:"state"`
	CarrierPartnerID *int64  `json:"carrier_partner_id,omitempty" db:"carrier_partner_id"`
	DeliveryMethodID *int64  `json:"delivery_method_id,omitempty" db:"delivery_method_id"`
	SaleOrderID      *int64  `json:"sale_order_id,omitempty" db:"sale_order_id"`
	DeliveryNoteID   *int64  `json:"delivery_note_id,omitempty" db:"delivery_note_id"`
	ShippingWeight   float64 `json:"shipping_weight" db:"shipping_weight"`
}

// StockMove is an individual stock transfer inside a picking. QuantityDone
// is the completed quantity; a move with zero completed quantity is not a
// valid source for a delivery note line.
type StockMove struct {
	ID           int64   `json:"id" db:"id"`
	PickingID    int64   `json:"picking_id" db:"picking_id"`
	ProductID    int64   `json:"product_id" db:"product_id"`
	ProductName  string  `json:"product_name" db:"product_name"`
	Description  *string `json:"description,omitempty" db:"description"`
	QuantityDone float64 `json:"quantity_done" db:"quantity_done"`
	UomID        int64   `json:"uom_id" db:"uom_id"`
	SaleLineID   *int64  `json:"sale_line_id,omitempty" db:"sale_line_id"`
}

// DisplayName joins the product name with its sale description the way it
// should appear on a printed document line.
func (m StockMove) DisplayName() string {
	if m.Description != nil && *m.Description != "" {
		return m.ProductName + "\n" + *m.Description
	}
	return m.ProductName
}
