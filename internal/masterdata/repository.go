package masterdata

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

// Repository provides PostgreSQL backed persistence for master data.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetPartner retrieves a partner by ID.
func (r *Repository) GetPartner(ctx context.Context, id int64) (*Partner, error) {
	query := `
		SELECT id, name, street, zip, city, state_name, company_id
		FROM partners
		WHERE id = $1
	`
	var p Partner
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.Street, &p.Zip, &p.City, &p.StateName, &p.CompanyID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetUoM retrieves a unit of measure by ID.
func (r *Repository) GetUoM(ctx context.Context, id int64) (*UoM, error) {
	query := `SELECT id, code, name, category, factor FROM uoms WHERE id = $1`
	var u UoM
	err := r.pool.QueryRow(ctx, query, id).Scan(&u.ID, &u.Code, &u.Name, &u.Category, &u.Factor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUoMByCode retrieves a unit of measure by its code, e.g. "kg".
func (r *Repository) GetUoMByCode(ctx context.Context, code string) (*UoM, error) {
	query := `SELECT id, code, name, category, factor FROM uoms WHERE code = $1`
	var u UoM
	err := r.pool.QueryRow(ctx, query, code).Scan(&u.ID, &u.Code, &u.Name, &u.Category, &u.Factor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// FindWarehouseByLocation retrieves the warehouse whose main stock location
// matches the given location ID.
func (r *Repository) FindWarehouseByLocation(ctx context.Context, locationID int64) (*Warehouse, error) {
	query := `
		SELECT id, name, lot_stock_id, partner_id, company_id
		FROM warehouses
		WHERE lot_stock_id = $1
	`
	var w Warehouse
	err := r.pool.QueryRow(ctx, query, locationID).Scan(
		&w.ID, &w.Name, &w.LotStockID, &w.PartnerID, &w.CompanyID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}
