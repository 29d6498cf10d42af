// Package withholding implements Italian withholding tax (ritenuta
// d'acconto): tax configuration with dated rate periods, per-invoice
// statements and proportional application on payments.
package withholding

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

// Tax is a withholding tax configuration.
type Tax struct {
	ID            int64   `json:"id" db:"id"`
	CompanyID     int64   `json:"company_id" db:"company_id"`
	Name          string  `json:"name" db:"name"`
	Code          string  `json:"code" db:"code"`
	Certification bool    `json:"certification" db:"certification"`
	PaymentTermID *int64  `json:"payment_term_id,omitempty" db:"payment_term_id"`
	Causale       *string `json:"causale,omitempty" db:"causale"`
	Active        bool    `json:"active" db:"active"`

	Rates []Rate `json:"rates,omitempty" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Rate is one validity period of a withholding tax. BaseCoefficient is the
// portion of the taxable amount forming the withholding base, usually 1.
type Rate struct {
	ID              int64           `json:"id" db:"id"`
	TaxID           int64           `json:"tax_id" db:"tax_id"`
	DateFrom        time.Time       `json:"date_from" db:"date_from"`
	DateTo          *time.Time      `json:"date_to,omitempty" db:"date_to"`
	Rate            decimal.Decimal `json:"rate" db:"rate"`
	BaseCoefficient decimal.Decimal `json:"base_coefficient" db:"base_coefficient"`
}

// Covers reports whether the period contains the given date. An open-ended
// period covers everything from its start.
func (r Rate) Covers(date time.Time) bool {
	if date.Before(r.DateFrom) {
		return false
	}
	return r.DateTo == nil || !date.After(*r.DateTo)
}

// overlaps reports whether two periods share at least one day.
func (r Rate) overlaps(other Rate) bool {
	if r.DateTo != nil && other.DateFrom.After(*r.DateTo) {
		return false
	}
	if other.DateTo != nil && r.DateFrom.After(*other.DateTo) {
		return false
	}
	return true
}

// ValidateRates rejects rate sets with overlapping validity periods.
func ValidateRates(rates []Rate) error {
	for i := range rates {
		for j := i + 1; j < len(rates); j++ {
			if rates[i].overlaps(rates[j]) {
				return shared.Validationf("withholding tax rate periods overlap")
			}
		}
	}
	return nil
}

// RateAt returns the rate period covering the given date.
func (t Tax) RateAt(date time.Time) (*Rate, error) {
	for i := range t.Rates {
		if t.Rates[i].Covers(date) {
			return &t.Rates[i], nil
		}
	}
	return nil, shared.Validationf(
		"withholding tax %s has no rate valid on %s", t.Code, date.Format("2006-01-02"))
}

// Compute derives the withholding base and amount from a taxable amount
// using the rate valid at the given date.
func (t Tax) Compute(taxable decimal.Decimal, date time.Time) (base, amount decimal.Decimal, err error) {
	rate, err := t.RateAt(date)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	base = taxable.Mul(rate.BaseCoefficient)
	amount = base.Mul(rate.Rate).Div(decimal.NewFromInt(100))
	return base, amount, nil
}

// Duplicate returns a copy of the tax ready for insertion under a new code.
func (t Tax) Duplicate() Tax {
	dup := t
	dup.ID = 0
	dup.Code = t.Code + " (copy)"
	dup.Rates = make([]Rate, len(t.Rates))
	for i, r := range t.Rates {
		r.ID = 0
		r.TaxID = 0
		dup.Rates[i] = r
	}
	return dup
}

// Statement tracks the withholding position of one invoice against one tax:
// the computed base and amount, and how much of the amount payments have
// applied so far.
type Statement struct {
	ID         int64           `json:"id" db:"id"`
	TaxID      int64           `json:"tax_id" db:"tax_id"`
	InvoiceID  int64           `json:"invoice_id" db:"invoice_id"`
	Base       decimal.Decimal `json:"base" db:"base"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	AmountPaid decimal.Decimal `json:"amount_paid" db:"amount_paid"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Outstanding is the withholding amount payments have not applied yet.
func (s Statement) Outstanding() decimal.Decimal {
	return s.Amount.Sub(s.AmountPaid)
}

// Move records one withholding application generated by a payment.
type Move struct {
	ID          int64           `json:"id" db:"id"`
	StatementID int64           `json:"statement_id" db:"statement_id"`
	PaymentDate time.Time       `json:"payment_date" db:"payment_date"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// InvoicePosition is the withholding summary of an invoice: the document
// total, the withholding due and the residual net to pay.
type InvoicePosition struct {
	InvoiceID         int64           `json:"invoice_id"`
	AmountTotal       decimal.Decimal `json:"amount_total"`
	WithholdingAmount decimal.Decimal `json:"withholding_amount"`
	AmountNetPay      decimal.Decimal `json:"amount_net_pay"`
	Statements        []Statement     `json:"statements"`
}

// ApplyPayment distributes a payment over the statements proportionally to
// the net-to-pay amount: applied = payment / net_pay * withholding amount.
// Returns the amounts applied per statement, in statement order.
func ApplyPayment(statements []Statement, netPay, payment decimal.Decimal) ([]decimal.Decimal, error) {
	if payment.LessThanOrEqual(decimal.Zero) {
		return nil, shared.Validationf("payment amount must be positive")
	}
	if netPay.LessThanOrEqual(decimal.Zero) {
		return nil, shared.Validationf("invoice has no residual amount to pay")
	}
	if payment.GreaterThan(netPay) {
		return nil, shared.Validationf("payment exceeds the residual net to pay")
	}

	proportion := payment.Div(netPay)
	applied := make([]decimal.Decimal, len(statements))
	for i, st := range statements {
		applied[i] = st.Amount.Mul(proportion).Round(2)
		if applied[i].GreaterThan(st.Outstanding()) {
			applied[i] = st.Outstanding()
		}
	}
	return applied, nil
}
