package deliverynote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cadenza-erp/cadenza-erp/internal/masterdata"
	"github.com/cadenza-erp/cadenza-erp/internal/picking"
	"github.com/cadenza-erp/cadenza-erp/internal/sales"
	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

// maxSequenceAttempts bounds the numerator collision-retry loop. The
// generator is monotonic but not collision-free against restored records,
// so candidates are re-checked against the persisted set; a full exhaustion
// means the numerator configuration is broken.
const maxSequenceAttempts = 25

// RepositoryPort defines the persistence surface the service needs.
type RepositoryPort interface {
	CreateNote(ctx context.Context, n DeliveryNote) (int64, error)
	GetNote(ctx context.Context, id int64) (*DeliveryNote, error)
	ListNotes(ctx context.Context, req ListRequest) ([]DeliveryNote, int, error)
	UpdateHeader(ctx context.Context, id int64, updates map[string]interface{}) error
	SetState(ctx context.Context, id int64, state State, updates map[string]interface{}) error
	NameExists(ctx context.Context, name string, companyID int64) (bool, error)
	DeleteNote(ctx context.Context, id int64) error
	InsertLine(ctx context.Context, l Line) (int64, error)
	DeleteLinesByMoves(ctx context.Context, noteID int64, moveIDs []int64) error
	UpdateLine(ctx context.Context, l Line) error
	SetLineInvoiceStatus(ctx context.Context, lineID int64, status string) error
	SetLineAmount(ctx context.Context, lineID int64, amount decimal.Decimal) error
	LinkInvoices(ctx context.Context, noteID int64, invoiceIDs []int64) error
	InvoiceIDs(ctx context.Context, noteID int64) ([]int64, error)
	GetNoteType(ctx context.Context, id int64) (*NoteType, error)
	ListOpenNoteIDs(ctx context.Context) ([]int64, error)
}

// PickingPort is the warehouse side: movement documents and their moves.
type PickingPort interface {
	ListByIDs(ctx context.Context, ids []int64) ([]picking.Picking, error)
	ListValidMoves(ctx context.Context, pickingIDs []int64) ([]picking.StockMove, error)
	ListMovesForSaleLines(ctx context.Context, saleLineIDs []int64) ([]picking.StockMove, error)
	SetDeliveryNote(ctx context.Context, pickingIDs []int64, noteID *int64) error
}

// SalesBridgePort is the sales side: orders, lines, taxes and invoice
// document creation.
type SalesBridgePort interface {
	Orders(ctx context.Context, ids []int64) ([]sales.Order, error)
	OrderLines(ctx context.Context, orderIDs []int64) ([]sales.OrderLine, error)
	Lines(ctx context.Context, lineIDs []int64) ([]sales.OrderLine, error)
	ComputeLineTaxes(ctx context.Context, line sales.OrderLine, unitPrice decimal.Decimal, qty float64, productID, shippingPartnerID int64) (decimal.Decimal, error)
	ForceQtyToInvoice(ctx context.Context, line sales.OrderLine, qty *float64) (float64, error)
	RestoreQtyToInvoice(ctx context.Context, lineID int64, qty float64) error
	RecomputeQtyToInvoice(ctx context.Context, orderIDs []int64) error
	CreateInvoices(ctx context.Context, orders []sales.Order, final bool) ([]int64, error)
	InvoiceIDsForOrders(ctx context.Context, orderIDs []int64) (map[int64][]int64, error)
	RegenerateDeliveryNoteSections(ctx context.Context, sections map[int64][]string) error
}

// MasterDataPort resolves partners, warehouses and units of measure.
type MasterDataPort interface {
	GetPartner(ctx context.Context, id int64) (*masterdata.Partner, error)
	GetUoM(ctx context.Context, id int64) (*masterdata.UoM, error)
	GetUoMByCode(ctx context.Context, code string) (*masterdata.UoM, error)
	FindWarehouseByLocation(ctx context.Context, locationID int64) (*masterdata.Warehouse, error)
}

// SequencerPort issues document numbers.
type SequencerPort interface {
	Next(ctx context.Context, sequenceID int64, date time.Time) (string, error)
}

// ServiceConfig carries the policy knobs of the delivery note workflow.
type ServiceConfig struct {
	// RequirePartnerRef makes the partner reference mandatory when
	// validating incoming delivery notes.
	RequirePartnerRef bool
	// ShippingWeightUom is the unit code the warehouse reports shipping
	// weights in.
	ShippingWeightUom string
}

// Service provides business logic for delivery note operations.
type Service struct {
	logger   *slog.Logger
	repo     RepositoryPort
	pickings PickingPort
	bridge   SalesBridgePort
	master   MasterDataPort
	seq      SequencerPort
	guard    ConfirmGuard
	cfg      ServiceConfig
}

// NewService constructs a delivery note service.
func NewService(
	logger *slog.Logger,
	repo RepositoryPort,
	pickings PickingPort,
	bridge SalesBridgePort,
	master MasterDataPort,
	seq SequencerPort,
	guard ConfirmGuard,
	cfg ServiceConfig,
) *Service {
	if cfg.ShippingWeightUom == "" {
		cfg.ShippingWeightUom = "kg"
	}
	return &Service{
		logger:   logger,
		repo:     repo,
		pickings: pickings,
		bridge:   bridge,
		master:   master,
		seq:      seq,
		guard:    guard,
		cfg:      cfg,
	}
}

// CreateRequest carries the fields of a new delivery note.
type CreateRequest struct {
	CompanyID         int64      `json:"company_id" validate:"required,gt=0"`
	TypeID            int64      `json:"type_id" validate:"required,gt=0"`
	PartnerSenderID   int64      `json:"partner_sender_id" validate:"required,gt=0"`
	PartnerID         int64      `json:"partner_id" validate:"required,gt=0"`
	PartnerShippingID int64      `json:"partner_shipping_id" validate:"required,gt=0"`
	PartnerRef        *string    `json:"partner_ref,omitempty"`
	CarrierID         *int64     `json:"carrier_id,omitempty"`
	DeliveryMethodID  *int64     `json:"delivery_method_id,omitempty"`
	Date              *time.Time `json:"date,omitempty"`
	Packages          int        `json:"packages" validate:"gte=0"`
	Volume            float64    `json:"volume" validate:"gte=0"`
	VolumeUomID       *int64     `json:"volume_uom_id,omitempty"`
	GrossWeightUomID  *int64     `json:"gross_weight_uom_id,omitempty"`
	NetWeightUomID    *int64     `json:"net_weight_uom_id,omitempty"`
	Note              *string    `json:"note,omitempty"`
	PickingIDs        []int64    `json:"picking_ids,omitempty"`
}

// Create creates a delivery note, links its pickings and synchronizes the
// detail lines.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*DeliveryNote, error) {
	noteType, err := s.repo.GetNoteType(ctx, req.TypeID)
	if err != nil {
		return nil, fmt.Errorf("get note type: %w", err)
	}
	if noteType.CompanyID != req.CompanyID {
		return nil, shared.Userf("delivery note type belongs to a different company")
	}

	for _, partnerID := range []int64{req.PartnerSenderID, req.PartnerID, req.PartnerShippingID} {
		p, err := s.master.GetPartner(ctx, partnerID)
		if err != nil {
			return nil, fmt.Errorf("get partner %d: %w", partnerID, err)
		}
		if !p.VisibleTo(req.CompanyID) {
			return nil, shared.Userf("partner %s belongs to a different company", p.Name)
		}
	}

	if err := s.checkPickings(ctx, req.PickingIDs, req.CompanyID, noteType.Code, nil); err != nil {
		return nil, err
	}

	note := DeliveryNote{
		PartnerRef:        req.PartnerRef,
		State:             StateDraft,
		CompanyID:         req.CompanyID,
		TypeID:            noteType.ID,
		TypeCode:          noteType.Code,
		PartnerSenderID:   req.PartnerSenderID,
		PartnerID:         req.PartnerID,
		PartnerShippingID: req.PartnerShippingID,
		CarrierID:         req.CarrierID,
		DeliveryMethodID:  req.DeliveryMethodID,
		Date:              req.Date,
		Packages:          req.Packages,
		Volume:            req.Volume,
		VolumeUomID:       req.VolumeUomID,
		GrossWeightUomID:  req.GrossWeightUomID,
		NetWeightUomID:    req.NetWeightUomID,
		InvoiceStatus:     InvoiceStatusNo,
		Note:              req.Note,
	}

	id, err := s.repo.CreateNote(ctx, note)
	if err != nil {
		return nil, fmt.Errorf("create delivery note: %w", err)
	}

	if len(req.PickingIDs) > 0 {
		if err := s.pickings.SetDeliveryNote(ctx, req.PickingIDs, &id); err != nil {
			return nil, fmt.Errorf("link pickings: %w", err)
		}
		if err := s.onPickingsChanged(ctx, id); err != nil {
			return nil, err
		}
	}

	return s.repo.GetNote(ctx, id)
}

// SetPickings replaces the linked picking set of a note and re-runs the
// detail-line synchronization and weight aggregation.
func (s *Service) SetPickings(ctx context.Context, id int64, pickingIDs []int64) (*DeliveryNote, error) {
	note, err := s.repo.GetNote(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get delivery note: %w", err)
	}
	if note.State == StateDone || note.State == StateCancelled {
		return nil, shared.Userf("cannot change pickings of a delivery note in state %s", note.State)
	}

	if err := s.checkPickings(ctx, pickingIDs, note.CompanyID, note.TypeCode, &id); err != nil {
		return nil, err
	}

	removed := diffInt64(note.PickingIDs, pickingIDs)
	if err := s.pickings.SetDeliveryNote(ctx, removed, nil); err != nil {
		return nil, fmt.Errorf("unlink pickings: %w", err)
	}
	if err := s.pickings.SetDeliveryNote(ctx, pickingIDs, &id); err != nil {
		return nil, fmt.Errorf("link pickings: %w", err)
	}

	if err := s.onPickingsChanged(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetNote(ctx, id)
}

// LineRequest carries the user-editable fields of a manually managed detail
// line: either a content line or a display-only section/note marker.
type LineRequest struct {
	Name        string          `json:"name" validate:"required"`
	Sequence    int             `json:"sequence" validate:"gte=0"`
	DisplayType *string         `json:"display_type,omitempty"`
	ProductID   *int64          `json:"product_id,omitempty"`
	Quantity    float64         `json:"quantity" validate:"gte=0"`
	UomID       *int64          `json:"uom_id,omitempty"`
	PriceUnit   decimal.Decimal `json:"price_unit"`
	Discount    decimal.Decimal `json:"discount"`
	TaxIDs      []int64         `json:"tax_ids,omitempty"`
}

// AddLine appends a manual detail line to a draft note. Display lines have
// their commercial fields nulled at creation.
func (s *Service) AddLine(ctx context.Context, noteID int64, req LineRequest) (*Line, error) {
	note, err := s.repo.GetNote(ctx, noteID)
	if err != nil {
		return nil, fmt.Errorf("get delivery note: %w", err)
	}
	if !note.State.CanEdit() {
		return nil, shared.Userf("cannot edit the lines of a delivery note in state %s", note.State)
	}
	if req.DisplayType != nil &&
		*req.DisplayType != DisplayTypeSection && *req.DisplayType != DisplayTypeNote {
		return nil, shared.Validationf("unknown display type %q", *req.DisplayType)
	}

	seq := req.Sequence
	if seq == 0 {
		seq = 10
	}
	line := Line{
		DeliveryNoteID: noteID,
		Sequence:       seq,
		Name:           req.Name,
		DisplayType:    req.DisplayType,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		UomID:          req.UomID,
		PriceUnit:      req.PriceUnit,
		Discount:       req.Discount,
		TaxIDs:         req.TaxIDs,
		InvoiceStatus:  InvoiceStatusNo,
	}
	if line.IsDisplay() {
		line.ClearCommercialFields()
	} else {
		line.Amount = line.ComputeAmount(decimal.Zero)
	}

	id, err := s.repo.InsertLine(ctx, line)
	if err != nil {
		return nil, fmt.Errorf("insert line: %w", err)
	}
	line.ID = id
	if err := s.refreshDerived(ctx, noteID); err != nil {
		return nil, err
	}
	return &line, nil
}

// UpdateLine rewrites the editable fields of a manual detail line and
// recomputes its amount. The display type is fixed at creation; lines
// generated from stock moves follow the picking synchronization instead.
func (s *Service) UpdateLine(ctx context.Context, noteID, lineID int64, req LineRequest) (*Line, error) {
	note, err := s.repo.GetNote(ctx, noteID)
	if err != nil {
		return nil, fmt.Errorf("get delivery note: %w", err)
	}
	if !note.State.CanEdit() {
		return nil, shared.Userf("cannot edit the lines of a delivery note in state %s", note.State)
	}

	var line *Line
	for i := range note.Lines {
		if note.Lines[i].ID == lineID {
			line = &note.Lines[i]
			break
		}
	}
	if line == nil {
		return nil, shared.ErrNotFound
	}
	if !sameDisplayType(line.DisplayType, req.DisplayType) {
		return nil, shared.Userf("the display type of a delivery note line cannot be changed")
	}
	if line.MoveID != nil {
		return nil, shared.Userf("lines generated from pickings follow their stock moves and cannot be edited")
	}

	line.Name = req.Name
	if req.Sequence != 0 {
		line.Sequence = req.Sequence
	}
	line.ProductID = req.ProductID
	line.Quantity = req.Quantity
	line.UomID = req.UomID
	line.PriceUnit = req.PriceUnit
	line.Discount = req.Discount
	line.TaxIDs = req.TaxIDs
	if line.IsDisplay() {
		line.ClearCommercialFields()
	}
	line.Amount = line.ComputeAmount(decimal.Zero)

	if err := s.repo.UpdateLine(ctx, *line); err != nil {
		return nil, fmt.Errorf("update line: %w", err)
	}
	if err := s.repo.SetLineAmount(ctx, line.ID, line.Amount); err != nil {
		return nil, fmt.Errorf("update line amount: %w", err)
	}
	if err := s.refreshDerived(ctx, noteID); err != nil {
		return nil, err
	}
	return line, nil
}

func sameDisplayType(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// checkPickings validates a picking set before it is attached to a note:
// all pickings must be completed, share the note's direction and not belong
// to another delivery note.
func (s *Service) checkPickings(ctx context.Context, pickingIDs []int64, companyID int64, typeCode string, noteID *int64) error {
	if len(pickingIDs) == 0 {
		return nil
	}
	picks, err := s.pickings.ListByIDs(ctx, pickingIDs)
	if err != nil {
		return fmt.Errorf("get pickings: %w", err)
	}
	if len(picks) != len(pickingIDs) {
		return shared.ErrNotFound
	}
	for _, p := range picks {
		if p.CompanyID != companyID {
			return shared.Userf("picking %s belongs to a different company", p.Name)
		}
		if p.State != picking.StateDone {
			return shared.Userf("picking %s is not done", p.Name)
		}
		if p.TypeCode != typeCode {
			return shared.Userf(
				"picking %s has a different type of operation than the delivery note", p.Name)
		}
		if p.DeliveryNoteID != nil && (noteID == nil || *p.DeliveryNoteID != *noteID) {
			return shared.Userf("picking %s is already linked to another delivery note", p.Name)
		}
	}
	return nil
}

// onPickingsChanged runs the reconciliation triggered by every mutation of
// the linked-pickings set: detail lines, weights and derived totals.
func (s *Service) onPickingsChanged(ctx context.Context, noteID int64) error {
	note, err := s.repo.GetNote(ctx, noteID)
	if err != nil {
		return err
	}
	if _, _, err := s.syncDetailLines(ctx, note); err != nil {
		return err
	}
	if err := s.computeWeights(ctx, note); err != nil {
		return err
	}
	return s.refreshDerived(ctx, noteID)
}

// ConfirmOutcome is the result of a confirmation attempt: either the
// confirmed note, or a warning requiring explicit acknowledgment.
type ConfirmOutcome struct {
	Note    *DeliveryNote `json:"note,omitempty"`
	Warning *Warning      `json:"warning,omitempty"`
}

// Warning is a suspend point: the state mutation only proceeds once the
// caller acknowledges it with the token.
type Warning struct {
	Message string `json:"message"`
	Token   string `json:"token"`
}

// Confirm validates a delivery note: assigns the date when unset and draws
// document numbers from the numerator until one is free within the company.
// Inconsistent shipping information across the linked pickings suspends the
// transition pending acknowledgment.
func (s *Service) Confirm(ctx context.Context, id int64, ackToken string) (*ConfirmOutcome, error) {
	note, err := s.repo.GetNote(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get delivery note: %w", err)
	}
	if !note.State.CanConfirm() {
		return nil, shared.Userf("cannot confirm delivery note in state %s", note.State)
	}

	if note.TypeCode == picking.TypeIncoming && s.cfg.RequirePartnerRef &&
		(note.PartnerRef == nil || *note.PartnerRef == "") {
		return nil, shared.Userf(
			"the partner reference is mandatory to validate this delivery note")
	}

	warning, err := s.shippingWarning(ctx, note)
	if err != nil {
		return nil, err
	}
	if warning != "" {
		if ackToken == "" {
			token, err := s.guard.Issue(ctx, id, warning)
			if err != nil {
				return nil, err
			}
			return &ConfirmOutcome{Warning: &Warning{Message: warning, Token: token}}, nil
		}
		ok, err := s.guard.Acknowledge(ctx, id, ackToken)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, shared.Userf("confirmation warning expired, please retry")
		}
	}

	if err := s.doConfirm(ctx, note); err != nil {
		return nil, err
	}
	confirmed, err := s.repo.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ConfirmOutcome{Note: confirmed}, nil
}

// shippingWarning compares carrier and delivery method consistency across
// the linked pickings and the note's own selection.
func (s *Service) shippingWarning(ctx context.Context, note *DeliveryNote) (string, error) {
	if len(note.PickingIDs) == 0 {
		return "", nil
	}
	picks, err := s.pickings.ListByIDs(ctx, note.PickingIDs)
	if err != nil {
		return "", fmt.Errorf("get pickings: %w", err)
	}

	carriers := map[int64]struct{}{}
	methods := map[int64]struct{}{}
	for _, p := range picks {
		if p.CarrierPartnerID != nil {
			carriers[*p.CarrierPartnerID] = struct{}{}
		}
		if p.DeliveryMethodID != nil {
			methods[*p.DeliveryMethodID] = struct{}{}
		}
	}

	switch {
	case len(carriers) > 1:
		return "this delivery note contains pickings related to different transporters, are you sure you want to proceed?", nil
	case len(methods) > 1:
		return "this delivery note contains pickings related to different delivery methods from the same transporter, are you sure you want to proceed?", nil
	case len(carriers) == 1 && note.CarrierID != nil && !containsKey(carriers, *note.CarrierID):
		return "the carrier set in the delivery note is different from the carrier set in the pickings, are you sure you want to proceed?", nil
	case len(methods) == 1 && note.DeliveryMethodID != nil && !containsKey(methods, *note.DeliveryMethodID):
		return "the shipping method set in the delivery note is different from the shipping method set in the pickings, are you sure you want to proceed?", nil
	}
	return "", nil
}

func (s *Service) doConfirm(ctx context.Context, note *DeliveryNote) error {
	updates := map[string]interface{}{}

	date := time.Now()
	if note.Date != nil {
		date = *note.Date
	} else {
		updates["date"] = date
	}

	if note.Name == nil || *note.Name == "" {
		noteType, err := s.repo.GetNoteType(ctx, note.TypeID)
		if err != nil {
			return fmt.Errorf("get note type: %w", err)
		}

		var name string
		assigned := false
		for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
			candidate, err := s.seq.Next(ctx, noteType.SequenceID, date)
			if err != nil {
				return fmt.Errorf("next sequence value: %w", err)
			}
			taken, err := s.repo.NameExists(ctx, candidate, note.CompanyID)
			if err != nil {
				return fmt.Errorf("check name uniqueness: %w", err)
			}
			if !taken {
				name = candidate
				assigned = true
				break
			}
			s.logger.Warn("delivery note number collision, retrying",
				slog.String("candidate", candidate), slog.Int64("note_id", note.ID))
		}
		if !assigned {
			return fmt.Errorf("numerator exhausted after %d collisions", maxSequenceAttempts)
		}
		updates["name"] = name
		updates["sequence_id"] = noteType.SequenceID
	}

	return s.repo.SetState(ctx, note.ID, StateConfirmed, updates)
}

// SetDraft brings a note back to draft and re-derives the invoice statuses
// of its lines from the sales bridge.
func (s *Service) SetDraft(ctx context.Context, id int64) (*DeliveryNote, error) {
	note, err := s.repo.GetNote(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get delivery note: %w", err)
	}
	if !note.State.CanSetDraft() {
		return nil, shared.Userf("cannot set delivery note in state %s back to draft", note.State)
	}
	if err := s.repo.SetState(ctx, id, StateDraft, nil); err != nil {
		return nil, err
	}
	if err := s.syncLineInvoiceStatuses(ctx, note.Lines); err != nil {
		return nil, err
	}
	if err := s.refreshDerived(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetNote(ctx, id)
}

// syncLineInvoiceStatuses re-derives each sale-backed line's invoice status
// from the bridge. Upselling behaves as to-invoice.
func (s *Service) syncLineInvoiceStatuses(ctx context.Context, lines []Line) error {
	var saleLineIDs []int64
	byLineID := map[int64][]int64{}
	for _, line := range lines {
		if line.SaleLineID == nil {
			continue
		}
		saleLineIDs = append(saleLineIDs, *line.SaleLineID)
		byLineID[*line.SaleLineID] = append(byLineID[*line.SaleLineID], line.ID)
	}
	if len(saleLineIDs) == 0 {
		return nil
	}

	saleLines, err := s.bridge.Lines(ctx, saleLineIDs)
	if err != nil {
		return fmt.Errorf("get sale lines: %w", err)
	}
	for _, sl := range saleLines {
		status := mapBridgeStatus(sl.InvoiceStatus)
		for _, lineID := range byLineID[sl.ID] {
			if err := s.repo.SetLineInvoiceStatus(ctx, lineID, status); err != nil {
				return err
			}
		}
	}
	return nil
}

func mapBridgeStatus(bridgeStatus string) string {
	switch bridgeStatus {
	case sales.InvoiceStatusInvoiced:
		return InvoiceStatusInvoiced
	case sales.InvoiceStatusToInvoice, sales.InvoiceStatusUpselling:
		return InvoiceStatusToInvoice
	default:
		return InvoiceStatusNo
	}
}

// MarkDone closes a delivery note.
func (s *Service) MarkDone(ctx context.Context, id int64) (*DeliveryNote, error) {
	note, err := s.repo.GetNote(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get delivery note: %w", err)
	}
	if !note.State.CanMarkDone() {
		return nil, shared.Userf("cannot close a cancelled delivery note")
	}
	if err := s.repo.SetState(ctx, id, StateDone, nil); err != nil {
		return nil, err
	}
	return s.repo.GetNote(ctx, id)
}

// Cancel cancels a delivery note. Notes with linked invoices cannot be
// cancelled.
func (s *Service) Cancel(ctx context.Context, id int64) (*DeliveryNote, error) {
	note, err := s.repo.GetNote(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get delivery note: %w", err)
	}
	if err := s.ensureAnnulability(note); err != nil {
		return nil, err
	}
	if err := s.repo.SetState(ctx, id, StateCancelled, nil); err != nil {
		return nil, err
	}
	return s.repo.GetNote(ctx, id)
}

// Delete removes a delivery note. Notes with linked invoices cannot be
// deleted.
func (s *Service) Delete(ctx context.Context, id int64) error {
	note, err := s.repo.GetNote(ctx, id)
	if err != nil {
		return fmt.Errorf("get delivery note: %w", err)
	}
	if err := s.ensureAnnulability(note); err != nil {
		return err
	}
	if err := s.pickings.SetDeliveryNote(ctx, note.PickingIDs, nil); err != nil {
		return fmt.Errorf("unlink pickings: %w", err)
	}
	return s.repo.DeleteNote(ctx, id)
}

func (s *Service) ensureAnnulability(note *DeliveryNote) error {
	if len(note.InvoiceIDs) > 0 {
		return shared.Userf(
			"you cannot cancel this delivery note, there is at least one invoice related to it")
	}
	return nil
}

// Get retrieves a delivery note.
func (s *Service) Get(ctx context.Context, id int64) (*DeliveryNote, error) {
	return s.repo.GetNote(ctx, id)
}

// NoteType retrieves a delivery note type.
func (s *Service) NoteType(ctx context.Context, id int64) (*NoteType, error) {
	return s.repo.GetNoteType(ctx, id)
}

// List returns a filtered page of delivery notes.
func (s *Service) List(ctx context.Context, req ListRequest) ([]DeliveryNote, int, error) {
	return s.repo.ListNotes(ctx, req)
}

// UpdateTransportDatetime stamps the transport start time the first time a
// printout is produced. An already stamped note is left alone.
func (s *Service) UpdateTransportDatetime(ctx context.Context, id int64) error {
	note, err := s.repo.GetNote(ctx, id)
	if err != nil {
		return err
	}
	if note.TransportDatetime != nil {
		return nil
	}
	return s.repo.UpdateHeader(ctx, id, map[string]interface{}{
		"transport_datetime": time.Now(),
	})
}

// GetLocationAddress formats the address of the warehouse owning the given
// stock location, e.g. "ACME Srl, Via Roma 1 - 20100 Milano (MI)".
func (s *Service) GetLocationAddress(ctx context.Context, locationID int64) (string, error) {
	warehouse, err := s.master.FindWarehouseByLocation(ctx, locationID)
	if err != nil {
		if err == shared.ErrNotFound {
			return "", nil
		}
		return "", err
	}
	if warehouse.PartnerID == nil {
		return "", nil
	}
	partner, err := s.master.GetPartner(ctx, *warehouse.PartnerID)
	if err != nil {
		return "", err
	}
	return masterdata.FormatLocationAddress(partner), nil
}

// refreshDerived recomputes a note's derived invoice status and totals from
// its lines. A fully invoiced note in the confirmed state advances to the
// invoiced state.
func (s *Service) refreshDerived(ctx context.Context, noteID int64) error {
	note, err := s.repo.GetNote(ctx, noteID)
	if err != nil {
		return err
	}

	status := DeriveInvoiceStatus(note.Lines)
	total, _, err := ComputeAmountTotal(note.Lines)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"invoice_status": status,
		"amount_total":   total,
	}
	if status == InvoiceStatusInvoiced &&
		(note.State == StateConfirmed || note.State == StateInvoiced) {
		updates["state"] = StateInvoiced
	}
	return s.repo.UpdateHeader(ctx, noteID, updates)
}

// ResyncOpenNotes re-derives line and note invoice statuses for every note
// still in the invoicing pipeline. Used by the nightly background sweep.
func (s *Service) ResyncOpenNotes(ctx context.Context) error {
	ids, err := s.repo.ListOpenNoteIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		note, err := s.repo.GetNote(ctx, id)
		if err != nil {
			return err
		}
		if err := s.syncLineInvoiceStatuses(ctx, note.Lines); err != nil {
			return err
		}
		if err := s.refreshDerived(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// SweepDetailLines re-runs the detail-line reconciliation across open notes.
// The reconciliation is idempotent, so the sweep is safe to repeat.
func (s *Service) SweepDetailLines(ctx context.Context) error {
	ids, err := s.repo.ListOpenNoteIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.onPickingsChanged(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func diffInt64(from, exclude []int64) []int64 {
	keep := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		keep[id] = struct{}{}
	}
	var result []int64
	for _, id := range from {
		if _, ok := keep[id]; !ok {
			result = append(result, id)
		}
	}
	return result
}

func containsKey(set map[int64]struct{}, id int64) bool {
	_, ok := set[id]
	return ok
}
