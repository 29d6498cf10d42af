package sales

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cadenza-erp/cadenza-erp/internal/platform/db"
)

// Bridge is the invoicing side of the sales module. The delivery note
// workflow decides which lines to invoice and for how much; the bridge owns
// the actual invoice documents and the quantity bookkeeping.
type Bridge struct {
	repo *Repository
	pool *pgxpool.Pool
}

// NewBridge constructs a Bridge.
func NewBridge(pool *pgxpool.Pool) *Bridge {
	return &Bridge{repo: NewRepository(pool), pool: pool}
}

// Orders retrieves sale orders by ID.
func (b *Bridge) Orders(ctx context.Context, ids []int64) ([]Order, error) {
	return b.repo.ListOrders(ctx, ids)
}

// OrderLines retrieves the product lines of the given orders.
func (b *Bridge) OrderLines(ctx context.Context, orderIDs []int64) ([]OrderLine, error) {
	return b.repo.ListOrderLines(ctx, orderIDs)
}

// Lines retrieves sale order lines by ID.
func (b *Bridge) Lines(ctx context.Context, lineIDs []int64) ([]OrderLine, error) {
	return b.repo.GetLines(ctx, lineIDs)
}

// ComputeLineTaxes computes the tax total for a delivery note line derived
// from a sale order line: discounted unit price, delivered quantity, the
// line's tax set, evaluated against the order's shipping partner.
func (b *Bridge) ComputeLineTaxes(ctx context.Context, line OrderLine, unitPrice decimal.Decimal, qty float64, productID, shippingPartnerID int64) (decimal.Decimal, error) {
	taxes, err := b.repo.ListTaxes(ctx, line.TaxIDs)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sales: taxes for line %d: %w", line.ID, err)
	}
	return ComputeTaxAmount(taxes, unitPrice, qty, productID, shippingPartnerID), nil
}

// ForceQtyToInvoice overrides a line's quantity to invoice and returns the
// previous value so the caller can restore it after invoice creation. When
// qty is nil the delivered-minus-invoiced quantity is used.
func (b *Bridge) ForceQtyToInvoice(ctx context.Context, line OrderLine, qty *float64) (float64, error) {
	target := line.QtyDelivered - line.QtyInvoiced
	if qty != nil {
		target = *qty
	}
	if err := b.repo.SetQtyToInvoice(ctx, line.ID, target); err != nil {
		return 0, fmt.Errorf("sales: force qty to invoice line %d: %w", line.ID, err)
	}
	return line.QtyToInvoice, nil
}

// RestoreQtyToInvoice writes back a previously cached quantity.
func (b *Bridge) RestoreQtyToInvoice(ctx context.Context, lineID int64, qty float64) error {
	return b.repo.SetQtyToInvoice(ctx, lineID, qty)
}

// RecomputeQtyToInvoice rederives quantity-to-invoice bridge-side.
func (b *Bridge) RecomputeQtyToInvoice(ctx context.Context, orderIDs []int64) error {
	return b.repo.RecomputeQtyToInvoice(ctx, orderIDs)
}

// CreateInvoices creates invoice documents for the given orders, one per
// (partner, payment term) pair, and returns the new invoice IDs. Orders are
// expected to be pre-filtered to invoice status "to invoice". Final invoices
// deduct consumed down payments; non-final ones leave them untouched.
func (b *Bridge) CreateInvoices(ctx context.Context, orders []Order, final bool) ([]int64, error) {
	if len(orders) == 0 {
		return nil, nil
	}

	type groupKey struct {
		partnerID int64
		termID    int64
	}
	groups := make(map[groupKey][]int64)
	var order []groupKey
	for _, o := range orders {
		key := groupKey{partnerID: o.PartnerID}
		if o.PaymentTermID != nil {
			key.termID = *o.PaymentTermID
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], o.ID)
	}

	var created []int64
	err := db.WithTx(ctx, b.pool, func(tx pgx.Tx) error {
		for _, key := range order {
			var termID *int64
			if key.termID != 0 {
				t := key.termID
				termID = &t
			}
			inv, err := b.repo.CreateInvoice(ctx, tx, key.partnerID, termID, groups[key], final)
			if err != nil {
				return fmt.Errorf("sales: create invoice for partner %d: %w", key.partnerID, err)
			}
			created = append(created, inv.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// InvoiceIDsForOrders returns all invoice IDs linked to each order.
func (b *Bridge) InvoiceIDsForOrders(ctx context.Context, orderIDs []int64) (map[int64][]int64, error) {
	return b.repo.InvoiceIDsForOrders(ctx, orderIDs)
}

// RegenerateDeliveryNoteSections lets the given invoices rebuild their
// delivery-note derived section lines from the provided labels.
func (b *Bridge) RegenerateDeliveryNoteSections(ctx context.Context, sections map[int64][]string) error {
	for invoiceID, labels := range sections {
		if err := b.repo.ReplaceDeliveryNoteSections(ctx, invoiceID, labels); err != nil {
			return fmt.Errorf("sales: refresh sections on invoice %d: %w", invoiceID, err)
		}
	}
	return nil
}
