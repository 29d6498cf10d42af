package withholding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cadenza-erp/cadenza-erp/internal/platform/db"
	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

// RepositoryPort defines the persistence surface the service needs.
type RepositoryPort interface {
	CreateTax(ctx context.Context, t Tax) (int64, error)
	GetTax(ctx context.Context, id int64) (*Tax, error)
	ListTaxes(ctx context.Context, companyID int64) ([]Tax, error)
	UpdateTax(ctx context.Context, t Tax) error
	InvoiceTotals(ctx context.Context, invoiceID int64) (decimal.Decimal, map[int64]decimal.Decimal, error)
	UpsertStatement(ctx context.Context, st Statement) (int64, error)
	ListStatements(ctx context.Context, invoiceID int64) ([]Statement, error)
	ApplyToStatement(ctx context.Context, statementID int64, paymentDate time.Time, amount decimal.Decimal) error
	ListMoves(ctx context.Context, statementID int64) ([]Move, error)
}

// Service provides business logic for withholding tax operations.
type Service struct {
	logger *slog.Logger
	repo   RepositoryPort
}

// NewService constructs a withholding tax service.
func NewService(logger *slog.Logger, repo RepositoryPort) *Service {
	return &Service{logger: logger, repo: repo}
}

// CreateTax validates and stores a new withholding tax.
func (s *Service) CreateTax(ctx context.Context, t Tax) (*Tax, error) {
	if err := validateTax(t); err != nil {
		return nil, err
	}
	id, err := s.repo.CreateTax(ctx, t)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, shared.Validationf("withholding tax code %s already exists", t.Code)
		}
		return nil, fmt.Errorf("create withholding tax: %w", err)
	}
	return s.repo.GetTax(ctx, id)
}

// UpdateTax validates and rewrites an existing withholding tax.
func (s *Service) UpdateTax(ctx context.Context, t Tax) (*Tax, error) {
	if err := validateTax(t); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateTax(ctx, t); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, shared.Validationf("withholding tax code %s already exists", t.Code)
		}
		return nil, fmt.Errorf("update withholding tax: %w", err)
	}
	return s.repo.GetTax(ctx, t.ID)
}

func validateTax(t Tax) error {
	if t.Name == "" || t.Code == "" {
		return shared.Validationf("withholding tax name and code are required")
	}
	if len(t.Rates) == 0 {
		return shared.Validationf("withholding tax needs at least one rate period")
	}
	return ValidateRates(t.Rates)
}

// DuplicateTax copies a tax under a " (copy)" suffixed code.
func (s *Service) DuplicateTax(ctx context.Context, id int64) (*Tax, error) {
	t, err := s.repo.GetTax(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get withholding tax: %w", err)
	}
	dup := t.Duplicate()
	newID, err := s.repo.CreateTax(ctx, dup)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, shared.Validationf("withholding tax code %s already exists", dup.Code)
		}
		return nil, fmt.Errorf("duplicate withholding tax: %w", err)
	}
	return s.repo.GetTax(ctx, newID)
}

// GetTax retrieves a withholding tax.
func (s *Service) GetTax(ctx context.Context, id int64) (*Tax, error) {
	return s.repo.GetTax(ctx, id)
}

// ListTaxes lists the withholding taxes of a company.
func (s *Service) ListTaxes(ctx context.Context, companyID int64) ([]Tax, error) {
	return s.repo.ListTaxes(ctx, companyID)
}

// ComputeInvoice computes or refreshes the withholding statements of an
// invoice from its lines' tax assignments, using the rates valid at the
// given date, and returns the resulting position.
func (s *Service) ComputeInvoice(ctx context.Context, invoiceID int64, date time.Time) (*InvoicePosition, error) {
	total, taxableByTax, err := s.repo.InvoiceTotals(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("get invoice totals: %w", err)
	}

	for taxID, taxable := range taxableByTax {
		tax, err := s.repo.GetTax(ctx, taxID)
		if err != nil {
			return nil, fmt.Errorf("get withholding tax: %w", err)
		}
		base, amount, err := tax.Compute(taxable, date)
		if err != nil {
			return nil, err
		}
		if _, err := s.repo.UpsertStatement(ctx, Statement{
			TaxID:     taxID,
			InvoiceID: invoiceID,
			Base:      base.Round(2),
			Amount:    amount.Round(2),
		}); err != nil {
			return nil, fmt.Errorf("upsert withholding statement: %w", err)
		}
	}

	return s.position(ctx, invoiceID, total)
}

// GetInvoicePosition returns the current withholding position of an invoice.
func (s *Service) GetInvoicePosition(ctx context.Context, invoiceID int64) (*InvoicePosition, error) {
	total, _, err := s.repo.InvoiceTotals(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("get invoice totals: %w", err)
	}
	return s.position(ctx, invoiceID, total)
}

func (s *Service) position(ctx context.Context, invoiceID int64, total decimal.Decimal) (*InvoicePosition, error) {
	statements, err := s.repo.ListStatements(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list withholding statements: %w", err)
	}

	withheld := decimal.Zero
	for _, st := range statements {
		withheld = withheld.Add(st.Amount)
	}
	return &InvoicePosition{
		InvoiceID:         invoiceID,
		AmountTotal:       total,
		WithholdingAmount: withheld,
		AmountNetPay:      total.Sub(withheld),
		Statements:        statements,
	}, nil
}

// RegisterPayment applies a (possibly partial) payment to an invoice's
// withholding statements, proportionally to the residual net to pay, and
// records one move per touched statement.
func (s *Service) RegisterPayment(ctx context.Context, invoiceID int64, amount decimal.Decimal, paymentDate time.Time) (*InvoicePosition, error) {
	pos, err := s.GetInvoicePosition(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if len(pos.Statements) == 0 {
		return nil, shared.Validationf("invoice %d has no withholding statements", invoiceID)
	}

	alreadyApplied := decimal.Zero
	for _, st := range pos.Statements {
		alreadyApplied = alreadyApplied.Add(st.AmountPaid)
	}
	// The residual scales the applied withholding the same way the payment
	// covers the remaining net amount.
	residualNetPay := pos.AmountNetPay
	if alreadyApplied.IsPositive() && pos.WithholdingAmount.IsPositive() {
		residualNetPay = pos.AmountNetPay.Mul(
			pos.WithholdingAmount.Sub(alreadyApplied)).Div(pos.WithholdingAmount)
	}

	applied, err := ApplyPayment(pos.Statements, residualNetPay, amount)
	if err != nil {
		return nil, err
	}
	for i, st := range pos.Statements {
		if applied[i].IsZero() {
			continue
		}
		if err := s.repo.ApplyToStatement(ctx, st.ID, paymentDate, applied[i]); err != nil {
			return nil, fmt.Errorf("apply payment to statement: %w", err)
		}
	}

	s.logger.Info("withholding payment registered",
		slog.Int64("invoice_id", invoiceID), slog.String("amount", amount.String()))
	return s.GetInvoicePosition(ctx, invoiceID)
}

// ListMoves retrieves the payment moves of a statement.
func (s *Service) ListMoves(ctx context.Context, statementID int64) ([]Move, error) {
	return s.repo.ListMoves(ctx, statementID)
}
