package sales

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed access to sale orders, order lines,
// taxes and invoices.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListOrders retrieves sale orders by ID.
func (r *Repository) ListOrders(ctx context.Context, ids []int64) ([]Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, name, company_id, partner_id, partner_shipping_id,
		       currency_code, payment_term_id, invoice_status, client_order_ref
		FROM sale_orders
		WHERE id = ANY($1)
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		err := rows.Scan(
			&o.ID, &o.Name, &o.CompanyID, &o.PartnerID, &o.PartnerShippingID,
			&o.CurrencyCode, &o.PaymentTermID, &o.InvoiceStatus, &o.ClientOrderRef,
		)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

const orderLineColumns = `
	l.id, l.order_id, l.product_id, p.name, p.product_type, p.invoice_policy,
	l.price_unit, l.discount,
	COALESCE(array_agg(lt.tax_id) FILTER (WHERE lt.tax_id IS NOT NULL), '{}'),
	l.qty_ordered, l.qty_delivered, l.qty_invoiced, l.qty_to_invoice,
	l.is_downpayment, l.invoice_status
`

const orderLineGroupBy = `
	GROUP BY l.id, l.order_id, l.product_id, p.name, p.product_type,
	         p.invoice_policy, l.price_unit, l.discount, l.qty_ordered,
	         l.qty_delivered, l.qty_invoiced, l.qty_to_invoice,
	         l.is_downpayment, l.invoice_status
`

func scanOrderLines(rows pgx.Rows) ([]OrderLine, error) {
	defer rows.Close()
	var lines []OrderLine
	for rows.Next() {
		var l OrderLine
		err := rows.Scan(
			&l.ID, &l.OrderID, &l.ProductID, &l.ProductName, &l.ProductType,
			&l.InvoicePolicy, &l.PriceUnit, &l.Discount, &l.TaxIDs,
			&l.QtyOrdered, &l.QtyDelivered, &l.QtyInvoiced, &l.QtyToInvoice,
			&l.IsDownpayment, &l.InvoiceStatus,
		)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ListOrderLines retrieves the product lines of the given orders.
func (r *Repository) ListOrderLines(ctx context.Context, orderIDs []int64) ([]OrderLine, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + orderLineColumns + `
		FROM sale_order_lines l
		INNER JOIN products p ON p.id = l.product_id
		LEFT JOIN sale_order_line_taxes lt ON lt.line_id = l.id
		WHERE l.order_id = ANY($1)
		` + orderLineGroupBy + `
		ORDER BY l.order_id, l.id
	`
	rows, err := r.pool.Query(ctx, query, orderIDs)
	if err != nil {
		return nil, err
	}
	return scanOrderLines(rows)
}

// GetLines retrieves sale order lines by ID.
func (r *Repository) GetLines(ctx context.Context, lineIDs []int64) ([]OrderLine, error) {
	if len(lineIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + orderLineColumns + `
		FROM sale_order_lines l
		INNER JOIN products p ON p.id = l.product_id
		LEFT JOIN sale_order_line_taxes lt ON lt.line_id = l.id
		WHERE l.id = ANY($1)
		` + orderLineGroupBy + `
		ORDER BY l.id
	`
	rows, err := r.pool.Query(ctx, query, lineIDs)
	if err != nil {
		return nil, err
	}
	return scanOrderLines(rows)
}

// ListTaxes retrieves taxes by ID.
func (r *Repository) ListTaxes(ctx context.Context, ids []int64) ([]Tax, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id, name, rate FROM taxes WHERE id = ANY($1) ORDER BY id`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var taxes []Tax
	for rows.Next() {
		var t Tax
		if err := rows.Scan(&t.ID, &t.Name, &t.Rate); err != nil {
			return nil, err
		}
		taxes = append(taxes, t)
	}
	return taxes, rows.Err()
}

// SetQtyToInvoice overrides a line's quantity to invoice.
func (r *Repository) SetQtyToInvoice(ctx context.Context, lineID int64, qty float64) error {
	query := `UPDATE sale_order_lines SET qty_to_invoice = $1, updated_at = $2 WHERE id = $3`
	_, err := r.pool.Exec(ctx, query, qty, time.Now(), lineID)
	return err
}

// RecomputeQtyToInvoice rederives qty_to_invoice and the invoice statuses of
// the given orders' lines from their invoice policy, then rolls the line
// statuses up into the order status.
func (r *Repository) RecomputeQtyToInvoice(ctx context.Context, orderIDs []int64) error {
	if len(orderIDs) == 0 {
		return nil
	}
	lineQuery := `
		UPDATE sale_order_lines l
		SET qty_to_invoice = CASE WHEN p.invoice_policy = 'order'
		        THEN l.qty_ordered - l.qty_invoiced
		        ELSE l.qty_delivered - l.qty_invoiced
		    END,
		    invoice_status = CASE
		        WHEN p.invoice_policy = 'delivery' AND l.qty_delivered = 0 AND l.qty_invoiced = 0 THEN 'no'
		        WHEN (CASE WHEN p.invoice_policy = 'order'
		                THEN l.qty_ordered - l.qty_invoiced
		                ELSE l.qty_delivered - l.qty_invoiced END) > 0 THEN 'to invoice'
		        WHEN (CASE WHEN p.invoice_policy = 'order'
		                THEN l.qty_ordered - l.qty_invoiced
		                ELSE l.qty_delivered - l.qty_invoiced END) < 0 THEN 'upselling'
		        ELSE 'invoiced'
		    END,
		    updated_at = NOW()
		FROM products p
		WHERE p.id = l.product_id AND l.order_id = ANY($1)
	`
	if _, err := r.pool.Exec(ctx, lineQuery, orderIDs); err != nil {
		return err
	}

	orderQuery := `
		UPDATE sale_orders o
		SET invoice_status = sub.status, updated_at = NOW()
		FROM (
			SELECT order_id,
			       CASE
			           WHEN bool_and(invoice_status = 'invoiced') THEN 'invoiced'
			           WHEN bool_or(invoice_status IN ('to invoice', 'upselling')) THEN 'to invoice'
			           ELSE 'no'
			       END AS status
			FROM sale_order_lines
			WHERE order_id = ANY($1)
			GROUP BY order_id
		) sub
		WHERE o.id = sub.order_id
	`
	_, err := r.pool.Exec(ctx, orderQuery, orderIDs)
	return err
}

// CreateInvoice inserts an invoice document and its order links, and bumps
// the invoiced quantity of every line billed by it. Down-payment deduction
// lines are included only on final invoices.
func (r *Repository) CreateInvoice(ctx context.Context, tx pgx.Tx, partnerID int64, paymentTermID *int64, orderIDs []int64, final bool) (*Invoice, error) {
	var inv Invoice
	query := `
		INSERT INTO invoices (name, partner_id, payment_term_id, state)
		VALUES ('INV/' || to_char(NOW(), 'YYYY') || '/' || lpad(nextval('invoice_number_seq')::text, 5, '0'),
		        $1, $2, 'posted')
		RETURNING id, name, partner_id, payment_term_id, state
	`
	err := tx.QueryRow(ctx, query, partnerID, paymentTermID).Scan(
		&inv.ID, &inv.Name, &inv.PartnerID, &inv.PaymentTermID, &inv.State,
	)
	if err != nil {
		return nil, err
	}

	for _, orderID := range orderIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sale_order_invoices (order_id, invoice_id) VALUES ($1, $2)`,
			orderID, inv.ID,
		); err != nil {
			return nil, err
		}
	}

	lineQuery := `
		INSERT INTO invoice_lines (invoice_id, sale_line_id, product_id, quantity, price_unit, discount)
		SELECT $1, l.id, l.product_id, l.qty_to_invoice, l.price_unit, l.discount
		FROM sale_order_lines l
		WHERE l.order_id = ANY($2) AND l.qty_to_invoice <> 0
	`
	billQuery := `
		UPDATE sale_order_lines
		SET qty_invoiced = qty_invoiced + qty_to_invoice,
		    qty_to_invoice = 0,
		    invoice_status = 'invoiced',
		    updated_at = NOW()
		WHERE order_id = ANY($1) AND qty_to_invoice <> 0
	`
	if !final {
		lineQuery += ` AND NOT l.is_downpayment`
		billQuery += ` AND NOT is_downpayment`
	}
	if _, err := tx.Exec(ctx, lineQuery, inv.ID, orderIDs); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, billQuery, orderIDs); err != nil {
		return nil, err
	}

	return &inv, nil
}

// InvoiceIDsForOrders returns the IDs of all invoices linked to each order.
func (r *Repository) InvoiceIDsForOrders(ctx context.Context, orderIDs []int64) (map[int64][]int64, error) {
	result := make(map[int64][]int64)
	if len(orderIDs) == 0 {
		return result, nil
	}
	query := `
		SELECT order_id, invoice_id
		FROM sale_order_invoices
		WHERE order_id = ANY($1)
		ORDER BY order_id, invoice_id
	`
	rows, err := r.pool.Query(ctx, query, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var orderID, invoiceID int64
		if err := rows.Scan(&orderID, &invoiceID); err != nil {
			return nil, err
		}
		result[orderID] = append(result[orderID], invoiceID)
	}
	return result, rows.Err()
}

// ReplaceDeliveryNoteSections rewrites the delivery-note section lines of the
// given invoices. Existing section rows are dropped and recreated from the
// provided labels, one per referenced delivery note.
func (r *Repository) ReplaceDeliveryNoteSections(ctx context.Context, invoiceID int64, labels []string) error {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM invoice_lines WHERE invoice_id = $1 AND display_type = 'line_section'`,
		invoiceID,
	); err != nil {
		return err
	}
	for _, label := range labels {
		if _, err := r.pool.Exec(ctx,
			`INSERT INTO invoice_lines (invoice_id, display_type, name, quantity, price_unit, discount)
			 VALUES ($1, 'line_section', $2, 0, 0, 0)`,
			invoiceID, label,
		); err != nil {
			return err
		}
	}
	return nil
}
