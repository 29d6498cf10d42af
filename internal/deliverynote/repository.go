package deliverynote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

// Repository provides PostgreSQL backed persistence for delivery notes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const noteColumns = `
	id, name, partner_ref, state, company_id, type_id, type_code, sequence_id,
	partner_sender_id, partner_id, partner_shipping_id, carrier_id,
	delivery_method_id, date, transport_datetime, transport_condition_id,
	goods_appearance_id, transport_reason_id, transport_method_id,
	packages, volume, volume_uom_id, gross_weight, gross_weight_uom_id,
	net_weight, net_weight_uom_id, invoice_status, amount_total, note,
	created_at, updated_at
`

func scanNote(row pgx.Row) (*DeliveryNote, error) {
	var n DeliveryNote
	err := row.Scan(
		&n.ID, &n.Name, &n.PartnerRef, &n.State, &n.CompanyID, &n.TypeID,
		&n.TypeCode, &n.SequenceID, &n.PartnerSenderID, &n.PartnerID,
		&n.PartnerShippingID, &n.CarrierID, &n.DeliveryMethodID, &n.Date,
		&n.TransportDatetime, &n.TransportConditionID, &n.GoodsAppearanceID,
		&n.TransportReasonID, &n.TransportMethodID, &n.Packages, &n.Volume,
		&n.VolumeUomID, &n.GrossWeight, &n.GrossWeightUomID, &n.NetWeight,
		&n.NetWeightUomID, &n.InvoiceStatus, &n.AmountTotal, &n.Note,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

// CreateNote inserts a delivery note header.
func (r *Repository) CreateNote(ctx context.Context, n DeliveryNote) (int64, error) {
	query := `
		INSERT INTO delivery_notes (
			name, partner_ref, state, company_id, type_id, type_code,
			partner_sender_id, partner_id, partner_shipping_id, carrier_id,
			delivery_method_id, date, transport_condition_id,
			goods_appearance_id, transport_reason_id, transport_method_id,
			packages, volume, volume_uom_id, gross_weight_uom_id,
			net_weight_uom_id, invoice_status, note
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		          $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		RETURNING id
	`
	var id int64
	err := r.pool.QueryRow(ctx, query,
		n.Name, n.PartnerRef, n.State, n.CompanyID, n.TypeID, n.TypeCode,
		n.PartnerSenderID, n.PartnerID, n.PartnerShippingID, n.CarrierID,
		n.DeliveryMethodID, n.Date, n.TransportConditionID,
		n.GoodsAppearanceID, n.TransportReasonID, n.TransportMethodID,
		n.Packages, n.Volume, n.VolumeUomID, n.GrossWeightUomID,
		n.NetWeightUomID, n.InvoiceStatus, n.Note,
	).Scan(&id)
	return id, err
}

// GetNote retrieves a delivery note with its lines, pickings and invoices.
func (r *Repository) GetNote(ctx context.Context, id int64) (*DeliveryNote, error) {
	query := `SELECT ` + noteColumns + ` FROM delivery_notes WHERE id = $1`
	n, err := scanNote(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	lines, err := r.getLines(ctx, id)
	if err != nil {
		return nil, err
	}
	n.Lines = lines

	if n.PickingIDs, err = r.pickingIDs(ctx, id); err != nil {
		return nil, err
	}
	if n.InvoiceIDs, err = r.InvoiceIDs(ctx, id); err != nil {
		return nil, err
	}
	return n, nil
}

func (r *Repository) pickingIDs(ctx context.Context, noteID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM pickings WHERE delivery_note_id = $1 ORDER BY id`, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InvoiceIDs returns the IDs of the invoices linked to a note.
func (r *Repository) InvoiceIDs(ctx context.Context, noteID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT invoice_id FROM delivery_note_invoices WHERE delivery_note_id = $1 ORDER BY invoice_id`,
		noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const lineColumns = `
	l.id, l.delivery_note_id, l.sequence, l.name, l.display_type,
	l.product_id, l.quantity, l.uom_id, l.price_unit, l.currency_code,
	l.discount,
	COALESCE(array_agg(lt.tax_id) FILTER (WHERE lt.tax_id IS NOT NULL), '{}'),
	l.move_id, l.sale_line_id, l.invoice_status, l.amount,
	l.created_at, l.updated_at
`

const lineGroupBy = `
	GROUP BY l.id, l.delivery_note_id, l.sequence, l.name, l.display_type,
	         l.product_id, l.quantity, l.uom_id, l.price_unit,
	         l.currency_code, l.discount, l.move_id, l.sale_line_id,
	         l.invoice_status, l.amount, l.created_at, l.updated_at
`

func (r *Repository) getLines(ctx context.Context, noteID int64) ([]Line, error) {
	query := `
		SELECT ` + lineColumns + `
		FROM delivery_note_lines l
		LEFT JOIN delivery_note_line_taxes lt ON lt.line_id = l.id
		WHERE l.delivery_note_id = $1
		` + lineGroupBy + `
		ORDER BY l.sequence, l.id
	`
	rows, err := r.pool.Query(ctx, query, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		err := rows.Scan(
			&l.ID, &l.DeliveryNoteID, &l.Sequence, &l.Name, &l.DisplayType,
			&l.ProductID, &l.Quantity, &l.UomID, &l.PriceUnit, &l.CurrencyCode,
			&l.Discount, &l.TaxIDs, &l.MoveID, &l.SaleLineID, &l.InvoiceStatus,
			&l.Amount, &l.CreatedAt, &l.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ListRequest filters delivery note listings.
type ListRequest struct {
	CompanyID     int64
	State         *State
	PartnerID     *int64
	InvoiceStatus *string
	DateFrom      *time.Time
	DateTo        *time.Time
	Search        *string
	Limit         int
	Offset        int
}

// ListNotes retrieves delivery notes with filters, newest first.
func (r *Repository) ListNotes(ctx context.Context, req ListRequest) ([]DeliveryNote, int, error) {
	var conditions []string
	var args []interface{}
	argPos := 1

	conditions = append(conditions, fmt.Sprintf("company_id = $%d", argPos))
	args = append(args, req.CompanyID)
	argPos++

	if req.State != nil {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argPos))
		args = append(args, *req.State)
		argPos++
	}
	if req.PartnerID != nil {
		conditions = append(conditions, fmt.Sprintf("partner_id = $%d", argPos))
		args = append(args, *req.PartnerID)
		argPos++
	}
	if req.InvoiceStatus != nil {
		conditions = append(conditions, fmt.Sprintf("invoice_status = $%d", argPos))
		args = append(args, *req.InvoiceStatus)
		argPos++
	}
	if req.DateFrom != nil {
		conditions = append(conditions, fmt.Sprintf("date >= $%d", argPos))
		args = append(args, *req.DateFrom)
		argPos++
	}
	if req.DateTo != nil {
		conditions = append(conditions, fmt.Sprintf("date <= $%d", argPos))
		args = append(args, *req.DateTo)
		argPos++
	}
	if req.Search != nil && *req.Search != "" {
		searchPattern := "%" + strings.ToLower(*req.Search) + "%"
		conditions = append(conditions, fmt.Sprintf(
			"(LOWER(name) LIKE $%d OR LOWER(partner_ref) LIKE $%d)", argPos, argPos))
		args = append(args, searchPattern)
		argPos++
	}

	whereClause := "WHERE " + strings.Join(conditions, " AND ")

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM delivery_notes %s`, whereClause)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM delivery_notes
		%s
		ORDER BY date DESC NULLS LAST, id DESC
		LIMIT $%d OFFSET $%d
	`, noteColumns, whereClause, argPos, argPos+1)
	args = append(args, req.Limit, req.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var notes []DeliveryNote
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, 0, err
		}
		notes = append(notes, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return notes, total, nil
}

// UpdateHeader applies field updates to a delivery note header.
func (r *Repository) UpdateHeader(ctx context.Context, id int64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}

	var setClauses []string
	var args []interface{}
	argPos := 1

	for field, value := range updates {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", field, argPos))
		args = append(args, value)
		argPos++
	}
	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", argPos))
	args = append(args, time.Now())
	argPos++
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE delivery_notes SET %s WHERE id = $%d`,
		strings.Join(setClauses, ", "), argPos)

	cmdTag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetState transitions a delivery note to the given state, applying any
// extra field updates in the same statement.
func (r *Repository) SetState(ctx context.Context, id int64, state State, updates map[string]interface{}) error {
	if updates == nil {
		updates = make(map[string]interface{})
	}
	updates["state"] = state
	return r.UpdateHeader(ctx, id, updates)
}

// NameExists checks whether a delivery note number is already taken within
// a company, including soft-deleted records.
func (r *Repository) NameExists(ctx context.Context, name string, companyID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM delivery_notes WHERE name = $1 AND company_id = $2)`,
		name, companyID,
	).Scan(&exists)
	return exists, err
}

// DeleteNote removes a delivery note and its lines.
func (r *Repository) DeleteNote(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM delivery_notes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// InsertLine inserts a detail line together with its tax links.
func (r *Repository) InsertLine(ctx context.Context, l Line) (int64, error) {
	query := `
		INSERT INTO delivery_note_lines (
			delivery_note_id, sequence, name, display_type, product_id,
			quantity, uom_id, price_unit, currency_code, discount,
			move_id, sale_line_id, invoice_status, amount
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`
	var id int64
	err := r.pool.QueryRow(ctx, query,
		l.DeliveryNoteID, l.Sequence, l.Name, l.DisplayType, l.ProductID,
		l.Quantity, l.UomID, l.PriceUnit, l.CurrencyCode, l.Discount,
		l.MoveID, l.SaleLineID, l.InvoiceStatus, l.Amount,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	for _, taxID := range l.TaxIDs {
		if _, err := r.pool.Exec(ctx,
			`INSERT INTO delivery_note_line_taxes (line_id, tax_id) VALUES ($1, $2)`,
			id, taxID,
		); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// DeleteLinesByMoves removes the lines of a note that reference the given
// warehouse movements.
func (r *Repository) DeleteLinesByMoves(ctx context.Context, noteID int64, moveIDs []int64) error {
	if len(moveIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`DELETE FROM delivery_note_lines WHERE delivery_note_id = $1 AND move_id = ANY($2)`,
		noteID, moveIDs)
	return err
}

// UpdateLine rewrites the editable fields of a detail line and replaces its
// tax links. The display type, move and sale references are never touched.
func (r *Repository) UpdateLine(ctx context.Context, l Line) error {
	query := `
		UPDATE delivery_note_lines
		SET sequence = $1, name = $2, product_id = $3, quantity = $4,
		    uom_id = $5, price_unit = $6, discount = $7, updated_at = $8
		WHERE id = $9 AND delivery_note_id = $10
	`
	cmdTag, err := r.pool.Exec(ctx, query,
		l.Sequence, l.Name, l.ProductID, l.Quantity,
		l.UomID, l.PriceUnit, l.Discount, time.Now(), l.ID, l.DeliveryNoteID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM delivery_note_line_taxes WHERE line_id = $1`, l.ID); err != nil {
		return err
	}
	for _, taxID := range l.TaxIDs {
		if _, err := r.pool.Exec(ctx,
			`INSERT INTO delivery_note_line_taxes (line_id, tax_id) VALUES ($1, $2)`,
			l.ID, taxID); err != nil {
			return err
		}
	}
	return nil
}

// SetLineInvoiceStatus updates a single line's invoice status.
func (r *Repository) SetLineInvoiceStatus(ctx context.Context, lineID int64, status string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE delivery_note_lines SET invoice_status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now(), lineID)
	return err
}

// SetLineAmount stores a recomputed line amount.
func (r *Repository) SetLineAmount(ctx context.Context, lineID int64, amount decimal.Decimal) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE delivery_note_lines SET amount = $1, updated_at = $2 WHERE id = $3`,
		amount, time.Now(), lineID)
	return err
}

// LinkInvoices attaches invoice documents to a note. Existing links are
// left untouched.
func (r *Repository) LinkInvoices(ctx context.Context, noteID int64, invoiceIDs []int64) error {
	for _, invoiceID := range invoiceIDs {
		if _, err := r.pool.Exec(ctx,
			`INSERT INTO delivery_note_invoices (delivery_note_id, invoice_id)
			 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			noteID, invoiceID,
		); err != nil {
			return err
		}
	}
	return nil
}

// GetNoteType retrieves a delivery note type configuration.
func (r *Repository) GetNoteType(ctx context.Context, id int64) (*NoteType, error) {
	query := `
		SELECT id, name, code, sequence_id, print_prices, company_id
		FROM delivery_note_types
		WHERE id = $1
	`
	var t NoteType
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.Name, &t.Code, &t.SequenceID, &t.PrintPrices, &t.CompanyID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListOpenNoteIDs returns the IDs of notes still in the invoicing pipeline,
// used by the background resync sweeps.
func (r *Repository) ListOpenNoteIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM delivery_notes WHERE state IN ('confirm', 'invoiced') ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
