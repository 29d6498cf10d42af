package picking

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed access to pickings and stock moves.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListByIDs retrieves pickings by ID.
func (r *Repository) ListByIDs(ctx context.Context, ids []int64) ([]Picking, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, name, company_id, partner_id, type_code, state,
		       carrier_partner_id, delivery_method_id, sale_order_id,
		       delivery_note_id, shipping_weight
		FROM pickings
		WHERE id = ANY($1)
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pickings []Picking
	for rows.Next() {
		var p Picking
		err := rows.Scan(
			&p.ID, &p.Name, &p.CompanyID, &p.PartnerID, &p.TypeCode, &p.State,
			&p.CarrierPartnerID, &p.DeliveryMethodID, &p.SaleOrderID,
			&p.DeliveryNoteID, &p.ShippingWeight,
		)
		if err != nil {
			return nil, err
		}
		pickings = append(pickings, p)
	}
	return pickings, rows.Err()
}

// ListValidMoves retrieves the completed moves of the given pickings. These
// are the movements a delivery note synchronizes its detail lines against.
func (r *Repository) ListValidMoves(ctx context.Context, pickingIDs []int64) ([]StockMove, error) {
	if len(pickingIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT m.id, m.picking_id, m.product_id, p.name, p.description_sale,
		       m.quantity_done, m.uom_id, m.sale_line_id
		FROM stock_moves m
		INNER JOIN products p ON p.id = m.product_id
		WHERE m.picking_id = ANY($1)
		  AND m.state = 'done'
		  AND m.quantity_done > 0
		ORDER BY m.picking_id, m.id
	`
	rows, err := r.pool.Query(ctx, query, pickingIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var moves []StockMove
	for rows.Next() {
		var m StockMove
		err := rows.Scan(
			&m.ID, &m.PickingID, &m.ProductID, &m.ProductName, &m.Description,
			&m.QuantityDone, &m.UomID, &m.SaleLineID,
		)
		if err != nil {
			return nil, err
		}
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

// ListMovesForSaleLines retrieves every completed move sourcing the given
// sale order lines, across all pickings. Used to cap the invoiceable
// quantity of a line that is only partially covered by a delivery note.
func (r *Repository) ListMovesForSaleLines(ctx context.Context, saleLineIDs []int64) ([]StockMove, error) {
	if len(saleLineIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT m.id, m.picking_id, m.product_id, p.name, p.description_sale,
		       m.quantity_done, m.uom_id, m.sale_line_id
		FROM stock_moves m
		INNER JOIN products p ON p.id = m.product_id
		WHERE m.sale_line_id = ANY($1)
		  AND m.state = 'done'
		ORDER BY m.sale_line_id, m.id
	`
	rows, err := r.pool.Query(ctx, query, saleLineIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var moves []StockMove
	for rows.Next() {
		var m StockMove
		err := rows.Scan(
			&m.ID, &m.PickingID, &m.ProductID, &m.ProductName, &m.Description,
			&m.QuantityDone, &m.UomID, &m.SaleLineID,
		)
		if err != nil {
			return nil, err
		}
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

// SetDeliveryNote links or unlinks pickings to a delivery note.
func (r *Repository) SetDeliveryNote(ctx context.Context, pickingIDs []int64, noteID *int64) error {
	if len(pickingIDs) == 0 {
		return nil
	}
	query := `UPDATE pickings SET delivery_note_id = $1 WHERE id = ANY($2)`
	_, err := r.pool.Exec(ctx, query, noteID, pickingIDs)
	return err
}
