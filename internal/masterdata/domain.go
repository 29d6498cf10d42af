// Package masterdata holds shared reference records: partners, warehouses
// and units of measure.
package masterdata

import (
	"fmt"
	"strings"

	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

// Partner represents a party: a company, a customer, a supplier or a carrier.
type Partner struct {
	ID        int64   `json:"id" db:"id"`
	Name      string  `json:"name" db:"name"`
	Street    *string `json:"street,omitempty" db:"street"`
	Zip       string  `json:"zip" db:"zip"`
	City      string  `json:"city" db:"city"`
	StateName *string `json:"state_name,omitempty" db:"state_name"`
	// CompanyID scopes the partner to one company. Nil means the partner
	// is visible to every company.
	CompanyID *int64 `json:"company_id,omitempty" db:"company_id"`
}

// VisibleTo reports whether the partner may be referenced by documents of
// the given company.
func (p Partner) VisibleTo(companyID int64) bool {
	return p.CompanyID == nil || *p.CompanyID == companyID
}

// Warehouse represents a stock warehouse and its main stock location.
type Warehouse struct {
	ID         int64  `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	LotStockID int64  `json:"lot_stock_id" db:"lot_stock_id"`
	PartnerID  *int64 `json:"partner_id,omitempty" db:"partner_id"`
	CompanyID  int64  `json:"company_id" db:"company_id"`
}

// UoM is a unit of measure. Factor expresses how many reference units of the
// category one unit holds, so conversion is qty * from.Factor / to.Factor.
type UoM struct {
	ID       int64   `json:"id" db:"id"`
	Code     string  `json:"code" db:"code"`
	Name     string  `json:"name" db:"name"`
	Category string  `json:"category" db:"category"`
	Factor   float64 `json:"factor" db:"factor"`
}

// ConvertQuantity converts qty from one unit to another within one category.
func ConvertQuantity(qty float64, from, to UoM) (float64, error) {
	if from.Category != to.Category {
		return 0, shared.Validationf(
			"cannot convert between unit categories %q and %q", from.Category, to.Category)
	}
	if to.Factor == 0 {
		return 0, shared.Validationf("unit %q has no conversion factor", to.Code)
	}
	if from.ID == to.ID {
		return qty, nil
	}
	return qty * from.Factor / to.Factor, nil
}

// FormatLocationAddress renders a warehouse partner as a single address line,
// e.g. "ACME Srl, Via Roma 1 - 20100 Milano (MI)". An empty string is
// returned when no partner is attached.
func FormatLocationAddress(p *Partner) string {
	if p == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s, ", p.Name)
	if p.Street != nil && *p.Street != "" {
		fmt.Fprintf(&b, "%s - ", *p.Street)
	}
	fmt.Fprintf(&b, "%s %s", p.Zip, p.City)
	if p.StateName != nil && *p.StateName != "" {
		fmt.Fprintf(&b, " (%s)", *p.StateName)
	}
	return b.String()
}
