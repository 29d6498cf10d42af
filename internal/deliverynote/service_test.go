package deliverynote

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-erp/cadenza-erp/internal/masterdata"
	"github.com/cadenza-erp/cadenza-erp/internal/sales"
	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

func TestCreateSyncsLinesFromPickings(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	orderID := int64(500)
	saleLineID := int64(600)
	e.bridge.orders[orderID] = &sales.Order{
		ID: orderID, CompanyID: 1, PartnerID: 2, PartnerShippingID: 3,
		CurrencyCode: "EUR", InvoiceStatus: sales.InvoiceStatusToInvoice,
	}
	e.bridge.orderLines[saleLineID] = &sales.OrderLine{
		ID: saleLineID, OrderID: orderID, ProductID: 40,
		InvoicePolicy: sales.PolicyDelivery,
		PriceUnit:     decimal.NewFromInt(100),
		Discount:      decimal.NewFromInt(10),
		TaxIDs:        []int64{5},
		QtyOrdered:    1, QtyDelivered: 1, QtyToInvoice: 1,
		InvoiceStatus: sales.InvoiceStatusToInvoice,
	}
	e.bridge.taxRates[5] = decimal.NewFromInt(10)

	e.seedPicking(21, 5, &orderID)
	e.seedPicking(22, 7, nil)
	e.seedMove(31, 21, 40, 1, &saleLineID)
	e.seedMove(32, 22, 41, 3, nil)

	req := e.defaultCreateRequest()
	req.PickingIDs = []int64{21, 22}
	note, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StateDraft, note.State)
	require.Len(t, note.Lines, 2)

	var backed, manual *Line
	for i := range note.Lines {
		if note.Lines[i].SaleLineID != nil {
			backed = &note.Lines[i]
		} else {
			manual = &note.Lines[i]
		}
	}
	require.NotNil(t, backed)
	require.NotNil(t, manual)

	// The sale-backed line inherits price, discount, taxes and currency and
	// amounts to 100 * 0.9 + 10% tax = 99.
	assert.Equal(t, InvoiceStatusToInvoice, backed.InvoiceStatus)
	assert.Equal(t, "EUR", backed.CurrencyCode)
	assert.True(t, backed.Amount.Equal(decimal.NewFromInt(99)), "got %s", backed.Amount)

	assert.Equal(t, InvoiceStatusNo, manual.InvoiceStatus)
	assert.Equal(t, float64(3), manual.Quantity)
	assert.True(t, manual.Amount.IsZero())

	assert.Equal(t, InvoiceStatusToInvoice, note.InvoiceStatus)
	assert.True(t, note.AmountTotal.Equal(decimal.NewFromInt(99)))
	assert.Equal(t, float64(12), note.GrossWeight)
	assert.Equal(t, float64(12), note.NetWeight)
}

func TestCreateConvertsWeightUnits(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()
	e.seedPicking(21, 2.5, nil)

	gramsID := int64(2)
	req := e.defaultCreateRequest()
	req.PickingIDs = []int64{21}
	req.GrossWeightUomID = &gramsID

	note, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, float64(2500), note.GrossWeight)
	assert.Equal(t, float64(2.5), note.NetWeight)
}

func TestCreateRejectsBadPickings(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	// Not done.
	e.seedPicking(21, 0, nil)
	e.pickings.pickings[21].State = "assigned"
	req := e.defaultCreateRequest()
	req.PickingIDs = []int64{21}
	_, err := e.svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))

	// Wrong direction.
	e.pickings.pickings[21].State = "done"
	e.pickings.pickings[21].TypeCode = "incoming"
	_, err = e.svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))

	// Already owned by another note.
	e.pickings.pickings[21].TypeCode = "outgoing"
	other := int64(77)
	e.pickings.pickings[21].DeliveryNoteID = &other
	_, err = e.svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))
}

func TestCreateRejectsForeignCompanyType(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()
	e.repo.noteTypes[1].CompanyID = 9

	_, err := e.svc.Create(context.Background(), e.defaultCreateRequest())
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))
}

func TestCreateRejectsForeignCompanyPartner(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()
	foreign := int64(9)
	e.master.partners[2].CompanyID = &foreign

	_, err := e.svc.Create(context.Background(), e.defaultCreateRequest())
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))
}

func TestConfirmAssignsDateAndUniqueName(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	note, err := e.svc.Create(context.Background(), e.defaultCreateRequest())
	require.NoError(t, err)

	// The first two candidates collide with restored documents.
	year := time.Now().Year()
	e.repo.takenNames[fmt.Sprintf("DDT/%d/00001|1", year)] = true
	e.repo.takenNames[fmt.Sprintf("DDT/%d/00002|1", year)] = true

	outcome, err := e.svc.Confirm(context.Background(), note.ID, "")
	require.NoError(t, err)
	require.Nil(t, outcome.Warning)
	require.NotNil(t, outcome.Note)

	assert.Equal(t, StateConfirmed, outcome.Note.State)
	require.NotNil(t, outcome.Note.Name)
	assert.Equal(t, fmt.Sprintf("DDT/%d/00003", year), *outcome.Note.Name)
	assert.NotNil(t, outcome.Note.Date)
	assert.Equal(t, 3, e.seq.calls)
}

func TestConfirmKeepsExistingDateAndName(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	date := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	req := e.defaultCreateRequest()
	req.Date = &date
	note, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)

	outcome, err := e.svc.Confirm(context.Background(), note.ID, "")
	require.NoError(t, err)
	assert.True(t, outcome.Note.Date.Equal(date))
}

func TestConfirmRequiresPartnerRefOnIncoming(t *testing.T) {
	e := newEnv(ServiceConfig{RequirePartnerRef: true})
	e.seedDefaults()

	req := e.defaultCreateRequest()
	req.TypeID = 2
	note, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)

	_, err = e.svc.Confirm(context.Background(), note.ID, "")
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))

	// With the reference set the confirmation goes through.
	ref := "SUPP-REF-1"
	req.PartnerRef = &ref
	withRef, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)
	outcome, err := e.svc.Confirm(context.Background(), withRef.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, outcome.Note.State)
}

func TestConfirmWarnsOnCarrierMismatch(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	carrierOnPicking := int64(55)
	e.seedPicking(21, 0, nil)
	e.pickings.pickings[21].CarrierPartnerID = &carrierOnPicking

	noteCarrier := int64(56)
	req := e.defaultCreateRequest()
	req.PickingIDs = []int64{21}
	req.CarrierID = &noteCarrier
	note, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)

	outcome, err := e.svc.Confirm(context.Background(), note.ID, "")
	require.NoError(t, err)
	require.NotNil(t, outcome.Warning)
	assert.NotEmpty(t, outcome.Warning.Token)
	assert.Nil(t, outcome.Note)

	// The transition is suspended, not applied.
	suspended, err := e.svc.Get(context.Background(), note.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDraft, suspended.State)

	// A stale token is rejected.
	_, err = e.svc.Confirm(context.Background(), note.ID, "token-bogus")
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))

	// Acknowledging with the issued token confirms.
	confirmed, err := e.svc.Confirm(context.Background(), note.ID, outcome.Warning.Token)
	require.NoError(t, err)
	require.NotNil(t, confirmed.Note)
	assert.Equal(t, StateConfirmed, confirmed.Note.State)
}

func TestConfirmWarnsOnMultipleCarriers(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	carrierA, carrierB := int64(55), int64(56)
	e.seedPicking(21, 0, nil)
	e.seedPicking(22, 0, nil)
	e.pickings.pickings[21].CarrierPartnerID = &carrierA
	e.pickings.pickings[22].CarrierPartnerID = &carrierB

	req := e.defaultCreateRequest()
	req.PickingIDs = []int64{21, 22}
	note, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)

	outcome, err := e.svc.Confirm(context.Background(), note.ID, "")
	require.NoError(t, err)
	require.NotNil(t, outcome.Warning)
	assert.Contains(t, outcome.Warning.Message, "different transporters")
}

func TestSetDraftResyncsLineStatuses(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	orderID := int64(500)
	saleLineID := int64(600)
	e.bridge.orders[orderID] = &sales.Order{ID: orderID, CurrencyCode: "EUR", PartnerShippingID: 3}
	e.bridge.orderLines[saleLineID] = &sales.OrderLine{
		ID: saleLineID, OrderID: orderID, ProductID: 40,
		QtyDelivered: 2, QtyInvoiced: 1,
		InvoiceStatus: sales.InvoiceStatusNo,
	}
	e.seedPicking(21, 0, &orderID)
	e.seedMove(31, 21, 40, 2, &saleLineID)

	req := e.defaultCreateRequest()
	req.PickingIDs = []int64{21}
	note, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusNo, note.Lines[0].InvoiceStatus)
	_, err = e.svc.Confirm(context.Background(), note.ID, "")
	require.NoError(t, err)

	// The sale side moved on while the note was confirmed; upselling reads
	// as to-invoice on the note.
	e.bridge.orderLines[saleLineID].InvoiceStatus = sales.InvoiceStatusUpselling
	back, err := e.svc.SetDraft(context.Background(), note.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDraft, back.State)
	require.Len(t, back.Lines, 1)
	assert.Equal(t, InvoiceStatusToInvoice, back.Lines[0].InvoiceStatus)
}

func TestCancelRejectedWithLinkedInvoices(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	note, err := e.svc.Create(context.Background(), e.defaultCreateRequest())
	require.NoError(t, err)
	require.NoError(t, e.repo.LinkInvoices(context.Background(), note.ID, []int64{1001}))

	_, err = e.svc.Cancel(context.Background(), note.ID)
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))

	err = e.svc.Delete(context.Background(), note.ID)
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))

	unchanged, err := e.svc.Get(context.Background(), note.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDraft, unchanged.State)
}

func TestCancelAndDeleteWithoutInvoices(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	note, err := e.svc.Create(context.Background(), e.defaultCreateRequest())
	require.NoError(t, err)

	cancelled, err := e.svc.Cancel(context.Background(), note.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)

	e.seedPicking(21, 0, nil)
	req := e.defaultCreateRequest()
	req.PickingIDs = []int64{21}
	second, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, e.svc.Delete(context.Background(), second.ID))
	_, err = e.svc.Get(context.Background(), second.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	// Deleting releases the pickings.
	assert.Nil(t, e.pickings.pickings[21].DeliveryNoteID)
}

func TestMarkDone(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	note, err := e.svc.Create(context.Background(), e.defaultCreateRequest())
	require.NoError(t, err)

	done, err := e.svc.MarkDone(context.Background(), note.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, done.State)

	_, err = e.svc.Cancel(context.Background(), note.ID)
	require.NoError(t, err)
	_, err = e.svc.MarkDone(context.Background(), note.ID)
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))
}

func TestSetPickingsReconcilesLines(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	e.seedPicking(21, 0, nil)
	e.seedPicking(22, 0, nil)
	e.seedMove(31, 21, 40, 1, nil)
	e.seedMove(32, 22, 41, 2, nil)

	req := e.defaultCreateRequest()
	req.PickingIDs = []int64{21}
	note, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, note.Lines, 1)

	// Adding a picking adds its lines; re-running changes nothing.
	note, err = e.svc.SetPickings(context.Background(), note.ID, []int64{21, 22})
	require.NoError(t, err)
	assert.Len(t, note.Lines, 2)

	note, err = e.svc.SetPickings(context.Background(), note.ID, []int64{21, 22})
	require.NoError(t, err)
	assert.Len(t, note.Lines, 2)

	// Removing a picking drops its move-backed lines and releases it.
	note, err = e.svc.SetPickings(context.Background(), note.ID, []int64{22})
	require.NoError(t, err)
	assert.Len(t, note.Lines, 1)
	assert.Nil(t, e.pickings.pickings[21].DeliveryNoteID)
}

func TestAddDisplayLineClearsCommercialFields(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	note, err := e.svc.Create(context.Background(), e.defaultCreateRequest())
	require.NoError(t, err)

	// Commercial values on a section line are dropped at creation.
	section := DisplayTypeSection
	productID := int64(40)
	line, err := e.svc.AddLine(context.Background(), note.ID, LineRequest{
		Name:        "Cold chain items",
		DisplayType: &section,
		ProductID:   &productID,
		Quantity:    3,
		PriceUnit:   decimal.NewFromInt(10),
		TaxIDs:      []int64{5},
	})
	require.NoError(t, err)
	assert.Nil(t, line.ProductID)
	assert.Equal(t, float64(0), line.Quantity)
	assert.True(t, line.PriceUnit.IsZero())
	assert.Empty(t, line.TaxIDs)
	assert.True(t, line.Amount.IsZero())

	after, err := e.svc.Get(context.Background(), note.ID)
	require.NoError(t, err)
	require.Len(t, after.Lines, 1)
	assert.Nil(t, after.Lines[0].ProductID)
	assert.Equal(t, InvoiceStatusNo, after.Lines[0].InvoiceStatus)

	bogus := "banner"
	_, err = e.svc.AddLine(context.Background(), note.ID, LineRequest{Name: "x", DisplayType: &bogus})
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))
}

func TestAddLineRequiresDraft(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	note, err := e.svc.Create(context.Background(), e.defaultCreateRequest())
	require.NoError(t, err)
	outcome, err := e.svc.Confirm(context.Background(), note.ID, "")
	require.NoError(t, err)
	require.NotNil(t, outcome.Note)

	_, err = e.svc.AddLine(context.Background(), note.ID, LineRequest{Name: "Pallet", Quantity: 1})
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))
}

func TestUpdateLineRejectsDisplayTypeChange(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	note, err := e.svc.Create(context.Background(), e.defaultCreateRequest())
	require.NoError(t, err)

	sectionType := DisplayTypeSection
	section, err := e.svc.AddLine(context.Background(), note.ID, LineRequest{
		Name: "Header", DisplayType: &sectionType,
	})
	require.NoError(t, err)
	content, err := e.svc.AddLine(context.Background(), note.ID, LineRequest{
		Name: "Bulk goods", Quantity: 1,
	})
	require.NoError(t, err)

	// Section to note, section to content, content to section: all refused.
	noteType := DisplayTypeNote
	_, err = e.svc.UpdateLine(context.Background(), note.ID, section.ID, LineRequest{
		Name: "Header", DisplayType: &noteType,
	})
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))

	_, err = e.svc.UpdateLine(context.Background(), note.ID, section.ID, LineRequest{Name: "Header"})
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))

	_, err = e.svc.UpdateLine(context.Background(), note.ID, content.ID, LineRequest{
		Name: "Bulk goods", DisplayType: &sectionType,
	})
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))

	// Keeping the display type is fine.
	renamed, err := e.svc.UpdateLine(context.Background(), note.ID, section.ID, LineRequest{
		Name: "Chilled goods", DisplayType: &sectionType,
	})
	require.NoError(t, err)
	assert.Equal(t, "Chilled goods", renamed.Name)
}

func TestUpdateLineRecomputesAmount(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	note, err := e.svc.Create(context.Background(), e.defaultCreateRequest())
	require.NoError(t, err)

	line, err := e.svc.AddLine(context.Background(), note.ID, LineRequest{
		Name: "Pallet", Quantity: 2, PriceUnit: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.True(t, line.Amount.Equal(decimal.NewFromInt(20)), line.Amount.String())

	updated, err := e.svc.UpdateLine(context.Background(), note.ID, line.ID, LineRequest{
		Name:      "Pallet",
		Quantity:  3,
		PriceUnit: decimal.NewFromInt(10),
		Discount:  decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(decimal.NewFromInt(15)), updated.Amount.String())

	after, err := e.svc.Get(context.Background(), note.ID)
	require.NoError(t, err)
	assert.True(t, after.AmountTotal.Equal(decimal.NewFromInt(15)), after.AmountTotal.String())
}

func TestUpdateLineRejectsMoveBackedLines(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	e.seedPicking(21, 0, nil)
	e.seedMove(31, 21, 40, 1, nil)
	req := e.defaultCreateRequest()
	req.PickingIDs = []int64{21}
	note, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, note.Lines, 1)

	_, err = e.svc.UpdateLine(context.Background(), note.ID, note.Lines[0].ID, LineRequest{
		Name: "Product 40", Quantity: 9,
	})
	require.Error(t, err)
	assert.True(t, shared.IsUser(err))
}

func TestGetLocationAddress(t *testing.T) {
	e := newEnv(ServiceConfig{})
	e.seedDefaults()

	street := "Viale Certosa 218"
	state := "MI"
	partnerID := int64(9)
	e.master.partners[partnerID] = &masterdata.Partner{
		ID: partnerID, Name: "Cadenza Logistica Srl",
		Street: &street, Zip: "20156", City: "Milano", StateName: &state,
	}
	e.master.warehouses[700] = &masterdata.Warehouse{
		ID: 70, Name: "Main", LotStockID: 700, PartnerID: &partnerID, CompanyID: 1,
	}

	addr, err := e.svc.GetLocationAddress(context.Background(), 700)
	require.NoError(t, err)
	assert.Equal(t, "Cadenza Logistica Srl, Viale Certosa 218 - 20156 Milano (MI)", addr)

	// Unknown locations resolve to an empty address, not an error.
	addr, err = e.svc.GetLocationAddress(context.Background(), 999)
	require.NoError(t, err)
	assert.Empty(t, addr)
}
