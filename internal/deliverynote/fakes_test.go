package deliverynote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cadenza-erp/cadenza-erp/internal/masterdata"
	"github.com/cadenza-erp/cadenza-erp/internal/picking"
	"github.com/cadenza-erp/cadenza-erp/internal/sales"
	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

// ============================================================================
// IN-MEMORY PORT IMPLEMENTATIONS
// ============================================================================

type memoryRepo struct {
	pickings *memoryPickings

	notes      map[int64]*DeliveryNote
	lines      map[int64][]Line
	noteTypes  map[int64]*NoteType
	invoices   map[int64][]int64
	takenNames map[string]bool

	nextNoteID int64
	nextLineID int64
}

func newMemoryRepo(pickings *memoryPickings) *memoryRepo {
	return &memoryRepo{
		pickings:   pickings,
		notes:      map[int64]*DeliveryNote{},
		lines:      map[int64][]Line{},
		noteTypes:  map[int64]*NoteType{},
		invoices:   map[int64][]int64{},
		takenNames: map[string]bool{},
	}
}

func (r *memoryRepo) CreateNote(ctx context.Context, n DeliveryNote) (int64, error) {
	r.nextNoteID++
	n.ID = r.nextNoteID
	n.CreatedAt = time.Now()
	n.UpdatedAt = n.CreatedAt
	r.notes[n.ID] = &n
	return n.ID, nil
}

func (r *memoryRepo) GetNote(ctx context.Context, id int64) (*DeliveryNote, error) {
	stored, ok := r.notes[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	note := *stored
	note.Lines = append([]Line(nil), r.lines[id]...)
	note.InvoiceIDs = append([]int64(nil), r.invoices[id]...)
	note.PickingIDs = nil
	var pickIDs []int64
	for _, p := range r.pickings.pickings {
		if p.DeliveryNoteID != nil && *p.DeliveryNoteID == id {
			pickIDs = append(pickIDs, p.ID)
		}
	}
	sort.Slice(pickIDs, func(i, j int) bool { return pickIDs[i] < pickIDs[j] })
	note.PickingIDs = pickIDs
	return &note, nil
}

func (r *memoryRepo) ListNotes(ctx context.Context, req ListRequest) ([]DeliveryNote, int, error) {
	var result []DeliveryNote
	for id, n := range r.notes {
		if n.CompanyID != req.CompanyID {
			continue
		}
		note, _ := r.GetNote(ctx, id)
		result = append(result, *note)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, len(result), nil
}

func (r *memoryRepo) UpdateHeader(ctx context.Context, id int64, updates map[string]interface{}) error {
	note, ok := r.notes[id]
	if !ok {
		return shared.ErrNotFound
	}
	for key, value := range updates {
		switch key {
		case "name":
			name := value.(string)
			note.Name = &name
		case "date":
			date := value.(time.Time)
			note.Date = &date
		case "sequence_id":
			seqID := value.(int64)
			note.SequenceID = &seqID
		case "state":
			note.State = value.(State)
		case "invoice_status":
			note.InvoiceStatus = value.(string)
		case "amount_total":
			note.AmountTotal = value.(decimal.Decimal)
		case "gross_weight":
			note.GrossWeight = value.(float64)
		case "net_weight":
			note.NetWeight = value.(float64)
		case "transport_datetime":
			dt := value.(time.Time)
			note.TransportDatetime = &dt
		default:
			return fmt.Errorf("unexpected header update %q", key)
		}
	}
	note.UpdatedAt = time.Now()
	return nil
}

func (r *memoryRepo) SetState(ctx context.Context, id int64, state State, updates map[string]interface{}) error {
	note, ok := r.notes[id]
	if !ok {
		return shared.ErrNotFound
	}
	note.State = state
	if updates == nil {
		return nil
	}
	return r.UpdateHeader(ctx, id, updates)
}

func (r *memoryRepo) NameExists(ctx context.Context, name string, companyID int64) (bool, error) {
	if r.takenNames[fmt.Sprintf("%s|%d", name, companyID)] {
		return true, nil
	}
	for _, n := range r.notes {
		if n.CompanyID == companyID && n.Name != nil && *n.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) DeleteNote(ctx context.Context, id int64) error {
	if _, ok := r.notes[id]; !ok {
		return shared.ErrNotFound
	}
	delete(r.notes, id)
	delete(r.lines, id)
	delete(r.invoices, id)
	return nil
}

func (r *memoryRepo) InsertLine(ctx context.Context, l Line) (int64, error) {
	r.nextLineID++
	l.ID = r.nextLineID
	l.CreatedAt = time.Now()
	l.UpdatedAt = l.CreatedAt
	r.lines[l.DeliveryNoteID] = append(r.lines[l.DeliveryNoteID], l)
	return l.ID, nil
}

func (r *memoryRepo) DeleteLinesByMoves(ctx context.Context, noteID int64, moveIDs []int64) error {
	drop := map[int64]struct{}{}
	for _, id := range moveIDs {
		drop[id] = struct{}{}
	}
	var kept []Line
	for _, line := range r.lines[noteID] {
		if line.MoveID != nil {
			if _, ok := drop[*line.MoveID]; ok {
				continue
			}
		}
		kept = append(kept, line)
	}
	r.lines[noteID] = kept
	return nil
}

func (r *memoryRepo) UpdateLine(ctx context.Context, l Line) error {
	lines := r.lines[l.DeliveryNoteID]
	for i := range lines {
		if lines[i].ID != l.ID {
			continue
		}
		amount, status := lines[i].Amount, lines[i].InvoiceStatus
		lines[i] = l
		lines[i].Amount = amount
		lines[i].InvoiceStatus = status
		lines[i].UpdatedAt = time.Now()
		return nil
	}
	return shared.ErrNotFound
}

func (r *memoryRepo) SetLineInvoiceStatus(ctx context.Context, lineID int64, status string) error {
	for noteID, lines := range r.lines {
		for i := range lines {
			if lines[i].ID == lineID {
				r.lines[noteID][i].InvoiceStatus = status
				return nil
			}
		}
	}
	return shared.ErrNotFound
}

func (r *memoryRepo) SetLineAmount(ctx context.Context, lineID int64, amount decimal.Decimal) error {
	for noteID, lines := range r.lines {
		for i := range lines {
			if lines[i].ID == lineID {
				r.lines[noteID][i].Amount = amount
				return nil
			}
		}
	}
	return shared.ErrNotFound
}

func (r *memoryRepo) LinkInvoices(ctx context.Context, noteID int64, invoiceIDs []int64) error {
	existing := map[int64]struct{}{}
	for _, id := range r.invoices[noteID] {
		existing[id] = struct{}{}
	}
	for _, id := range invoiceIDs {
		if _, ok := existing[id]; !ok {
			r.invoices[noteID] = append(r.invoices[noteID], id)
			existing[id] = struct{}{}
		}
	}
	return nil
}

func (r *memoryRepo) InvoiceIDs(ctx context.Context, noteID int64) ([]int64, error) {
	return append([]int64(nil), r.invoices[noteID]...), nil
}

func (r *memoryRepo) GetNoteType(ctx context.Context, id int64) (*NoteType, error) {
	t, ok := r.noteTypes[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (r *memoryRepo) ListOpenNoteIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	for id, n := range r.notes {
		if n.State == StateConfirmed || n.State == StateInvoiced {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type memoryPickings struct {
	pickings map[int64]*picking.Picking
	moves    []picking.StockMove
}

func newMemoryPickings() *memoryPickings {
	return &memoryPickings{pickings: map[int64]*picking.Picking{}}
}

func (p *memoryPickings) ListByIDs(ctx context.Context, ids []int64) ([]picking.Picking, error) {
	var result []picking.Picking
	for _, id := range ids {
		if stored, ok := p.pickings[id]; ok {
			result = append(result, *stored)
		}
	}
	return result, nil
}

func (p *memoryPickings) ListValidMoves(ctx context.Context, pickingIDs []int64) ([]picking.StockMove, error) {
	wanted := map[int64]struct{}{}
	for _, id := range pickingIDs {
		wanted[id] = struct{}{}
	}
	var result []picking.StockMove
	for _, m := range p.moves {
		if _, ok := wanted[m.PickingID]; ok && m.QuantityDone > 0 {
			result = append(result, m)
		}
	}
	return result, nil
}

func (p *memoryPickings) ListMovesForSaleLines(ctx context.Context, saleLineIDs []int64) ([]picking.StockMove, error) {
	wanted := map[int64]struct{}{}
	for _, id := range saleLineIDs {
		wanted[id] = struct{}{}
	}
	var result []picking.StockMove
	for _, m := range p.moves {
		if m.SaleLineID == nil {
			continue
		}
		if _, ok := wanted[*m.SaleLineID]; ok {
			result = append(result, m)
		}
	}
	return result, nil
}

func (p *memoryPickings) SetDeliveryNote(ctx context.Context, pickingIDs []int64, noteID *int64) error {
	for _, id := range pickingIDs {
		if stored, ok := p.pickings[id]; ok {
			stored.DeliveryNoteID = noteID
		}
	}
	return nil
}

type memoryBridge struct {
	orders      map[int64]*sales.Order
	orderLines  map[int64]*sales.OrderLine
	taxRates    map[int64]decimal.Decimal
	invoices    map[int64][]int64 // order -> invoice IDs
	sections    map[int64][]string
	nextInvoice int64
	createCalls int
	lastFinal   bool
}

func newMemoryBridge() *memoryBridge {
	return &memoryBridge{
		orders:      map[int64]*sales.Order{},
		orderLines:  map[int64]*sales.OrderLine{},
		taxRates:    map[int64]decimal.Decimal{},
		invoices:    map[int64][]int64{},
		sections:    map[int64][]string{},
		nextInvoice: 1000,
	}
}

func (b *memoryBridge) Orders(ctx context.Context, ids []int64) ([]sales.Order, error) {
	var result []sales.Order
	for _, id := range ids {
		if o, ok := b.orders[id]; ok {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (b *memoryBridge) OrderLines(ctx context.Context, orderIDs []int64) ([]sales.OrderLine, error) {
	wanted := map[int64]struct{}{}
	for _, id := range orderIDs {
		wanted[id] = struct{}{}
	}
	var ids []int64
	for id, l := range b.orderLines {
		if _, ok := wanted[l.OrderID]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var result []sales.OrderLine
	for _, id := range ids {
		result = append(result, *b.orderLines[id])
	}
	return result, nil
}

func (b *memoryBridge) Lines(ctx context.Context, lineIDs []int64) ([]sales.OrderLine, error) {
	var result []sales.OrderLine
	for _, id := range lineIDs {
		if l, ok := b.orderLines[id]; ok {
			result = append(result, *l)
		}
	}
	return result, nil
}

func (b *memoryBridge) ComputeLineTaxes(ctx context.Context, line sales.OrderLine, unitPrice decimal.Decimal, qty float64, productID, shippingPartnerID int64) (decimal.Decimal, error) {
	var taxes []sales.Tax
	for _, taxID := range line.TaxIDs {
		if rate, ok := b.taxRates[taxID]; ok {
			taxes = append(taxes, sales.Tax{ID: taxID, Rate: rate})
		}
	}
	return sales.ComputeTaxAmount(taxes, unitPrice, qty, productID, shippingPartnerID), nil
}

func (b *memoryBridge) ForceQtyToInvoice(ctx context.Context, line sales.OrderLine, qty *float64) (float64, error) {
	stored, ok := b.orderLines[line.ID]
	if !ok {
		return 0, shared.ErrNotFound
	}
	prev := stored.QtyToInvoice
	if qty != nil {
		stored.QtyToInvoice = *qty
	} else {
		stored.QtyToInvoice = stored.QtyDelivered - stored.QtyInvoiced
	}
	return prev, nil
}

func (b *memoryBridge) RestoreQtyToInvoice(ctx context.Context, lineID int64, qty float64) error {
	stored, ok := b.orderLines[lineID]
	if !ok {
		return shared.ErrNotFound
	}
	stored.QtyToInvoice = qty
	return nil
}

func (b *memoryBridge) RecomputeQtyToInvoice(ctx context.Context, orderIDs []int64) error {
	wanted := map[int64]struct{}{}
	for _, id := range orderIDs {
		wanted[id] = struct{}{}
	}
	for _, l := range b.orderLines {
		if _, ok := wanted[l.OrderID]; !ok {
			continue
		}
		l.QtyToInvoice = l.QtyDelivered - l.QtyInvoiced
		switch {
		case l.QtyToInvoice != 0:
			l.InvoiceStatus = sales.InvoiceStatusToInvoice
		case l.QtyInvoiced > 0:
			l.InvoiceStatus = sales.InvoiceStatusInvoiced
		default:
			l.InvoiceStatus = sales.InvoiceStatusNo
		}
	}
	for id, o := range b.orders {
		if _, ok := wanted[id]; !ok {
			continue
		}
		o.InvoiceStatus = b.orderStatus(id)
	}
	return nil
}

func (b *memoryBridge) orderStatus(orderID int64) string {
	all := true
	some := false
	seen := false
	for _, l := range b.orderLines {
		if l.OrderID != orderID {
			continue
		}
		seen = true
		if l.InvoiceStatus != sales.InvoiceStatusInvoiced {
			all = false
		}
		if l.InvoiceStatus == sales.InvoiceStatusToInvoice {
			some = true
		}
	}
	switch {
	case !seen:
		return sales.InvoiceStatusNo
	case all:
		return sales.InvoiceStatusInvoiced
	case some:
		return sales.InvoiceStatusToInvoice
	default:
		return sales.InvoiceStatusNo
	}
}

func (b *memoryBridge) CreateInvoices(ctx context.Context, orders []sales.Order, final bool) ([]int64, error) {
	b.createCalls++
	b.lastFinal = final
	if len(orders) == 0 {
		return nil, nil
	}
	b.nextInvoice++
	invoiceID := b.nextInvoice
	for _, o := range orders {
		b.invoices[o.ID] = append(b.invoices[o.ID], invoiceID)
		for _, l := range b.orderLines {
			if l.OrderID != o.ID || l.QtyToInvoice == 0 {
				continue
			}
			if l.IsDownpayment && !final {
				continue
			}
			l.QtyInvoiced += l.QtyToInvoice
			l.QtyToInvoice = 0
			l.InvoiceStatus = sales.InvoiceStatusInvoiced
		}
	}
	return []int64{invoiceID}, nil
}

func (b *memoryBridge) InvoiceIDsForOrders(ctx context.Context, orderIDs []int64) (map[int64][]int64, error) {
	result := map[int64][]int64{}
	for _, id := range orderIDs {
		if ids, ok := b.invoices[id]; ok {
			result[id] = append([]int64(nil), ids...)
		}
	}
	return result, nil
}

func (b *memoryBridge) RegenerateDeliveryNoteSections(ctx context.Context, sections map[int64][]string) error {
	for invoiceID, labels := range sections {
		b.sections[invoiceID] = append([]string(nil), labels...)
	}
	return nil
}

type memoryMaster struct {
	partners   map[int64]*masterdata.Partner
	uoms       map[int64]*masterdata.UoM
	warehouses map[int64]*masterdata.Warehouse // by location
}

func newMemoryMaster() *memoryMaster {
	return &memoryMaster{
		partners:   map[int64]*masterdata.Partner{},
		uoms:       map[int64]*masterdata.UoM{},
		warehouses: map[int64]*masterdata.Warehouse{},
	}
}

func (m *memoryMaster) GetPartner(ctx context.Context, id int64) (*masterdata.Partner, error) {
	p, ok := m.partners[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *memoryMaster) GetUoM(ctx context.Context, id int64) (*masterdata.UoM, error) {
	u, ok := m.uoms[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memoryMaster) GetUoMByCode(ctx context.Context, code string) (*masterdata.UoM, error) {
	for _, u := range m.uoms {
		if u.Code == code {
			copied := *u
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *memoryMaster) FindWarehouseByLocation(ctx context.Context, locationID int64) (*masterdata.Warehouse, error) {
	w, ok := m.warehouses[locationID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *w
	return &copied, nil
}

type stubSequencer struct {
	calls int
}

func (s *stubSequencer) Next(ctx context.Context, sequenceID int64, date time.Time) (string, error) {
	s.calls++
	return fmt.Sprintf("DDT/%d/%05d", date.Year(), s.calls), nil
}

type stubGuard struct {
	issued map[int64]string
	nextID int
}

func newStubGuard() *stubGuard {
	return &stubGuard{issued: map[int64]string{}}
}

func (g *stubGuard) Issue(ctx context.Context, noteID int64, message string) (string, error) {
	g.nextID++
	token := fmt.Sprintf("token-%d", g.nextID)
	g.issued[noteID] = token
	return token, nil
}

func (g *stubGuard) Acknowledge(ctx context.Context, noteID int64, token string) (bool, error) {
	if g.issued[noteID] != token {
		return false, nil
	}
	delete(g.issued, noteID)
	return true, nil
}

// ============================================================================
// TEST ENVIRONMENT
// ============================================================================

type env struct {
	repo     *memoryRepo
	pickings *memoryPickings
	bridge   *memoryBridge
	master   *memoryMaster
	seq      *stubSequencer
	guard    *stubGuard
	svc      *Service
}

func newEnv(cfg ServiceConfig) *env {
	picks := newMemoryPickings()
	e := &env{
		repo:     newMemoryRepo(picks),
		pickings: picks,
		bridge:   newMemoryBridge(),
		master:   newMemoryMaster(),
		seq:      &stubSequencer{},
		guard:    newStubGuard(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.svc = NewService(logger, e.repo, e.pickings, e.bridge, e.master, e.seq, e.guard, cfg)
	return e
}

// seedDefaults installs the shared fixtures most scenarios build on: a kg
// unit, an outgoing note type and the three parties of a shipment.
func (e *env) seedDefaults() {
	e.master.uoms[1] = &masterdata.UoM{ID: 1, Code: "kg", Name: "Kilogram", Category: "weight", Factor: 1}
	e.master.uoms[2] = &masterdata.UoM{ID: 2, Code: "g", Name: "Gram", Category: "weight", Factor: 0.001}
	e.master.uoms[3] = &masterdata.UoM{ID: 3, Code: "unit", Name: "Unit", Category: "unit", Factor: 1}

	e.repo.noteTypes[1] = &NoteType{ID: 1, Name: "Outgoing DDT", Code: "outgoing", SequenceID: 10, PrintPrices: true, CompanyID: 1}
	e.repo.noteTypes[2] = &NoteType{ID: 2, Name: "Incoming DDT", Code: "incoming", SequenceID: 11, CompanyID: 1}

	street := "Via Roma 1"
	e.master.partners[1] = &masterdata.Partner{ID: 1, Name: "Cadenza Srl", Street: &street, Zip: "20100", City: "Milano"}
	e.master.partners[2] = &masterdata.Partner{ID: 2, Name: "ACME Spa", Zip: "00100", City: "Roma"}
	e.master.partners[3] = &masterdata.Partner{ID: 3, Name: "ACME Warehouse", Zip: "00100", City: "Roma"}
}

// seedPicking registers a completed outgoing picking.
func (e *env) seedPicking(id int64, weight float64, saleOrderID *int64) {
	e.pickings.pickings[id] = &picking.Picking{
		ID:             id,
		Name:           fmt.Sprintf("WH/OUT/%05d", id),
		CompanyID:      1,
		PartnerID:      2,
		TypeCode:       "outgoing",
		State:          picking.StateDone,
		SaleOrderID:    saleOrderID,
		ShippingWeight: weight,
	}
}

// seedMove registers a completed stock move inside a picking.
func (e *env) seedMove(id, pickingID, productID int64, qty float64, saleLineID *int64) {
	e.pickings.moves = append(e.pickings.moves, picking.StockMove{
		ID:           id,
		PickingID:    pickingID,
		ProductID:    productID,
		ProductName:  fmt.Sprintf("Product %d", productID),
		QuantityDone: qty,
		UomID:        3,
		SaleLineID:   saleLineID,
	})
}

func (e *env) defaultCreateRequest() CreateRequest {
	return CreateRequest{
		CompanyID:         1,
		TypeID:            1,
		PartnerSenderID:   1,
		PartnerID:         2,
		PartnerShippingID: 3,
	}
}
