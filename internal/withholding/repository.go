package withholding

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cadenza-erp/cadenza-erp/internal/platform/db"
	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

// Repository provides PostgreSQL backed access to withholding taxes,
// statements and moves.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const taxColumns = `id, company_id, name, code, certification, payment_term_id,
	causale, active, created_at, updated_at`

func scanTax(row pgx.Row) (*Tax, error) {
	var t Tax
	err := row.Scan(
		&t.ID, &t.CompanyID, &t.Name, &t.Code, &t.Certification, &t.PaymentTermID,
		&t.Causale, &t.Active, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTax inserts a tax with its rate periods in one transaction.
func (r *Repository) CreateTax(ctx context.Context, t Tax) (int64, error) {
	var id int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		now := time.Now()
		err := tx.QueryRow(ctx, `
			INSERT INTO withholding_taxes
				(company_id, name, code, certification, payment_term_id, causale, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			RETURNING id
		`, t.CompanyID, t.Name, t.Code, t.Certification, t.PaymentTermID, t.Causale, t.Active, now).Scan(&id)
		if err != nil {
			return err
		}
		return insertRates(ctx, tx, id, t.Rates)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func insertRates(ctx context.Context, tx pgx.Tx, taxID int64, rates []Rate) error {
	for _, rate := range rates {
		_, err := tx.Exec(ctx, `
			INSERT INTO withholding_tax_rates (tax_id, date_from, date_to, rate, base_coefficient)
			VALUES ($1, $2, $3, $4, $5)
		`, taxID, rate.DateFrom, rate.DateTo, rate.Rate, rate.BaseCoefficient)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetTax retrieves a tax with its rate periods.
func (r *Repository) GetTax(ctx context.Context, id int64) (*Tax, error) {
	t, err := scanTax(r.pool.QueryRow(ctx,
		`SELECT `+taxColumns+` FROM withholding_taxes WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, tax_id, date_from, date_to, rate, base_coefficient
		FROM withholding_tax_rates
		WHERE tax_id = $1
		ORDER BY date_from
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rate Rate
		err := rows.Scan(&rate.ID, &rate.TaxID, &rate.DateFrom, &rate.DateTo,
			&rate.Rate, &rate.BaseCoefficient)
		if err != nil {
			return nil, err
		}
		t.Rates = append(t.Rates, rate)
	}
	return t, rows.Err()
}

// ListTaxes retrieves the taxes of a company, active first.
func (r *Repository) ListTaxes(ctx context.Context, companyID int64) ([]Tax, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taxColumns+`
		FROM withholding_taxes
		WHERE company_id = $1
		ORDER BY active DESC, code
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var taxes []Tax
	for rows.Next() {
		var t Tax
		err := rows.Scan(
			&t.ID, &t.CompanyID, &t.Name, &t.Code, &t.Certification, &t.PaymentTermID,
			&t.Causale, &t.Active, &t.CreatedAt, &t.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		taxes = append(taxes, t)
	}
	return taxes, rows.Err()
}

// UpdateTax rewrites a tax header and replaces its rate periods.
func (r *Repository) UpdateTax(ctx context.Context, t Tax) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE withholding_taxes
			SET name = $1, code = $2, certification = $3, payment_term_id = $4,
			    causale = $5, active = $6, updated_at = $7
			WHERE id = $8
		`, t.Name, t.Code, t.Certification, t.PaymentTermID, t.Causale, t.Active, time.Now(), t.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM withholding_tax_rates WHERE tax_id = $1`, t.ID); err != nil {
			return err
		}
		return insertRates(ctx, tx, t.ID, t.Rates)
	})
}

// InvoiceTotals returns the invoice total and, per withholding tax, the sum
// of line subtotals the tax is set on.
func (r *Repository) InvoiceTotals(ctx context.Context, invoiceID int64) (decimal.Decimal, map[int64]decimal.Decimal, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, invoiceID).Scan(&exists); err != nil {
		return decimal.Zero, nil, err
	}
	if !exists {
		return decimal.Zero, nil, shared.ErrNotFound
	}

	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity * price_unit * (100 - discount) / 100), 0)
		FROM invoice_lines
		WHERE invoice_id = $1 AND display_type IS NULL
	`, invoiceID).Scan(&total)
	if err != nil {
		return decimal.Zero, nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT w.tax_id, COALESCE(SUM(l.quantity * l.price_unit * (100 - l.discount) / 100), 0)
		FROM invoice_lines l
		INNER JOIN invoice_line_withholding_taxes w ON w.invoice_line_id = l.id
		WHERE l.invoice_id = $1 AND l.display_type IS NULL
		GROUP BY w.tax_id
	`, invoiceID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	defer rows.Close()

	byTax := map[int64]decimal.Decimal{}
	for rows.Next() {
		var taxID int64
		var taxable decimal.Decimal
		if err := rows.Scan(&taxID, &taxable); err != nil {
			return decimal.Zero, nil, err
		}
		byTax[taxID] = taxable
	}
	return total, byTax, rows.Err()
}

// UpsertStatement creates or refreshes the statement of an invoice against
// one tax, preserving the applied amount.
func (r *Repository) UpsertStatement(ctx context.Context, st Statement) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO withholding_statements (tax_id, invoice_id, base, amount, amount_paid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
		ON CONFLICT (tax_id, invoice_id)
		DO UPDATE SET base = EXCLUDED.base, amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at
		RETURNING id
	`, st.TaxID, st.InvoiceID, st.Base, st.Amount, time.Now()).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListStatements retrieves the statements of an invoice.
func (r *Repository) ListStatements(ctx context.Context, invoiceID int64) ([]Statement, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tax_id, invoice_id, base, amount, amount_paid, created_at, updated_at
		FROM withholding_statements
		WHERE invoice_id = $1
		ORDER BY id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statements []Statement
	for rows.Next() {
		var st Statement
		err := rows.Scan(&st.ID, &st.TaxID, &st.InvoiceID, &st.Base, &st.Amount,
			&st.AmountPaid, &st.CreatedAt, &st.UpdatedAt)
		if err != nil {
			return nil, err
		}
		statements = append(statements, st)
	}
	return statements, rows.Err()
}

// ApplyToStatement bumps a statement's applied amount and records the move,
// atomically.
func (r *Repository) ApplyToStatement(ctx context.Context, statementID int64, paymentDate time.Time, amount decimal.Decimal) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE withholding_statements
			SET amount_paid = amount_paid + $1, updated_at = $2
			WHERE id = $3
		`, amount, time.Now(), statementID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO withholding_moves (statement_id, payment_date, amount, created_at)
			VALUES ($1, $2, $3, $4)
		`, statementID, paymentDate, amount, time.Now())
		return err
	})
}

// ListMoves retrieves the moves of a statement.
func (r *Repository) ListMoves(ctx context.Context, statementID int64) ([]Move, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, statement_id, payment_date, amount, created_at
		FROM withholding_moves
		WHERE statement_id = $1
		ORDER BY payment_date, id
	`, statementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var moves []Move
	for rows.Next() {
		var m Move
		if err := rows.Scan(&m.ID, &m.StatementID, &m.PaymentDate, &m.Amount, &m.CreatedAt); err != nil {
			return nil, err
		}
		moves = append(moves, m)
	}
	return moves, rows.Err()
}
