package deliverynote

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cadenza-erp/cadenza-erp/internal/picking"
	"github.com/cadenza-erp/cadenza-erp/internal/sales"
	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

// Invoice methods. The default method bills exactly what the delivery notes
// carry; the service method additionally lets service products ride along
// at their current invoiceable quantity.
const (
	InvoiceMethodDN      = "dn"
	InvoiceMethodService = "service"
)

// InvoiceResult reports the outcome of an invoicing run.
type InvoiceResult struct {
	InvoiceIDs []int64 `json:"invoice_ids"`
}

// noteBatchEntry is one delivery note prepared for invoicing, with the sale
// orders reached through its pickings.
type noteBatchEntry struct {
	note     *DeliveryNote
	orderIDs []int64
}

// InvoiceNotes creates invoices for a batch of delivery notes. Orders are
// billed one payment term at a time, with the blank term first. Before each
// invoice creation the to-invoice quantities of the touched sale lines are
// forced to what the batch actually delivered, then restored and recomputed
// once the invoices exist.
func (s *Service) InvoiceNotes(ctx context.Context, noteIDs []int64, method string) (*InvoiceResult, error) {
	if method == "" {
		method = InvoiceMethodDN
	}
	if method != InvoiceMethodDN && method != InvoiceMethodService {
		return nil, shared.Validationf("unknown invoice method %q", method)
	}

	batch, orders, err := s.prepareInvoiceBatch(ctx, noteIDs)
	if err != nil {
		return nil, err
	}

	var batchPickingIDs []int64
	for _, entry := range batch {
		batchPickingIDs = append(batchPickingIDs, entry.note.PickingIDs...)
	}

	var createdIDs []int64
	for _, term := range paymentTermGroups(orders) {
		groupIDs, err := s.invoiceTermGroup(ctx, batch, orders, term, method, batchPickingIDs)
		if err != nil {
			return nil, err
		}
		createdIDs = append(createdIDs, groupIDs...)
	}

	if err := s.finishInvoicing(ctx, batch, createdIDs); err != nil {
		return nil, err
	}

	s.logger.Info("delivery notes invoiced",
		slog.Int("notes", len(batch)), slog.Int("invoices", len(createdIDs)))
	return &InvoiceResult{InvoiceIDs: createdIDs}, nil
}

// prepareInvoiceBatch loads the notes, resolves their sale orders through
// the linked pickings and enforces the invoicing preconditions.
func (s *Service) prepareInvoiceBatch(ctx context.Context, noteIDs []int64) ([]noteBatchEntry, []sales.Order, error) {
	var batch []noteBatchEntry
	var allOrderIDs []int64
	orderSeen := map[int64]struct{}{}

	for _, id := range noteIDs {
		note, err := s.repo.GetNote(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("get delivery note: %w", err)
		}
		if !note.State.CanInvoice() {
			if note.State == StateDraft {
				return nil, nil, shared.Userf(
					"%s is in draft and cannot be invoiced", note.DisplayName(""))
			}
			return nil, nil, shared.Userf(
				"%s cannot be invoiced in state %s", note.DisplayName(""), note.State)
		}
		if note.InvoiceStatus == InvoiceStatusInvoiced {
			return nil, nil, shared.Userf("%s is already fully invoiced", note.DisplayName(""))
		}

		picks, err := s.pickings.ListByIDs(ctx, note.PickingIDs)
		if err != nil {
			return nil, nil, fmt.Errorf("get pickings: %w", err)
		}
		var orderIDs []int64
		noteOrderSeen := map[int64]struct{}{}
		for _, p := range picks {
			if p.SaleOrderID == nil {
				continue
			}
			if _, ok := noteOrderSeen[*p.SaleOrderID]; !ok {
				noteOrderSeen[*p.SaleOrderID] = struct{}{}
				orderIDs = append(orderIDs, *p.SaleOrderID)
			}
		}
		if len(orderIDs) == 0 {
			return nil, nil, shared.Userf(
				"%s has no related sale order and cannot be invoiced", note.DisplayName(""))
		}

		if err := s.checkOrderPolicyProducts(ctx, note, orderIDs); err != nil {
			return nil, nil, err
		}

		batch = append(batch, noteBatchEntry{note: note, orderIDs: orderIDs})
		for _, oid := range orderIDs {
			if _, ok := orderSeen[oid]; !ok {
				orderSeen[oid] = struct{}{}
				allOrderIDs = append(allOrderIDs, oid)
			}
		}
	}

	orders, err := s.bridge.Orders(ctx, allOrderIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("get sale orders: %w", err)
	}
	return batch, orders, nil
}

// checkOrderPolicyProducts rejects notes carrying products invoiced on
// ordered quantities: those bill from the order, not from the delivery.
func (s *Service) checkOrderPolicyProducts(ctx context.Context, note *DeliveryNote, orderIDs []int64) error {
	orderLines, err := s.bridge.OrderLines(ctx, orderIDs)
	if err != nil {
		return fmt.Errorf("get order lines: %w", err)
	}
	policyByLine := map[int64]string{}
	for _, ol := range orderLines {
		policyByLine[ol.ID] = ol.InvoicePolicy
	}
	for _, line := range note.Lines {
		if line.SaleLineID == nil {
			continue
		}
		if policyByLine[*line.SaleLineID] == sales.PolicyOrder {
			return shared.Userf(
				"%s carries products invoiceable on the ordered quantity and cannot be invoiced from the delivery", note.DisplayName(""))
		}
	}
	return nil
}

// paymentTermGroups returns the distinct payment terms across the orders,
// the blank term first and the rest in ascending order.
func paymentTermGroups(orders []sales.Order) []*int64 {
	hasNil := false
	termSeen := map[int64]struct{}{}
	var termIDs []int64
	for _, o := range orders {
		if o.PaymentTermID == nil {
			hasNil = true
			continue
		}
		if _, ok := termSeen[*o.PaymentTermID]; !ok {
			termSeen[*o.PaymentTermID] = struct{}{}
			termIDs = append(termIDs, *o.PaymentTermID)
		}
	}
	sort.Slice(termIDs, func(i, j int) bool { return termIDs[i] < termIDs[j] })

	var terms []*int64
	if hasNil {
		terms = append(terms, nil)
	}
	for i := range termIDs {
		terms = append(terms, &termIDs[i])
	}
	return terms
}

// invoiceTermGroup invoices the orders sharing one payment term.
func (s *Service) invoiceTermGroup(
	ctx context.Context,
	batch []noteBatchEntry,
	orders []sales.Order,
	term *int64,
	method string,
	batchPickingIDs []int64,
) ([]int64, error) {
	var groupOrders []sales.Order
	var groupOrderIDs []int64
	for _, o := range orders {
		if !sameTerm(o.PaymentTermID, term) {
			continue
		}
		groupOrders = append(groupOrders, o)
		groupOrderIDs = append(groupOrderIDs, o.ID)
	}
	if len(groupOrders) == 0 {
		return nil, nil
	}

	orderLines, err := s.bridge.OrderLines(ctx, groupOrderIDs)
	if err != nil {
		return nil, fmt.Errorf("get order lines: %w", err)
	}

	var downpayments, regular []sales.OrderLine
	for _, ol := range orderLines {
		if ol.IsDownpayment {
			downpayments = append(downpayments, ol)
		} else if ol.IsInvoiceable() {
			regular = append(regular, ol)
		}
	}

	cache, forcedQty, err := s.fixQuantitiesToInvoice(ctx, regular, method, batchPickingIDs)
	if err != nil {
		return nil, err
	}

	// A downpayment only rides along when a sibling product line of its
	// order still needs invoicing.
	needsByOrder := map[int64]bool{}
	for _, ol := range orderLines {
		if ol.IsDownpayment || ol.ProductID == 0 {
			continue
		}
		qty := ol.QtyToInvoice
		if forced, ok := forcedQty[ol.ID]; ok {
			qty = forced
		}
		if qty != 0 {
			needsByOrder[ol.OrderID] = true
		}
	}
	for _, dp := range downpayments {
		if !needsByOrder[dp.OrderID] {
			continue
		}
		prev, err := s.bridge.ForceQtyToInvoice(ctx, dp, nil)
		if err != nil {
			return nil, fmt.Errorf("force downpayment quantity: %w", err)
		}
		cache[dp.ID] = prev
	}

	toInvoice := ordersToInvoice(groupOrders, orderLines, forcedQty)
	var created []int64
	if len(toInvoice) > 0 {
		created, err = s.bridge.CreateInvoices(ctx, toInvoice, true)
		if err != nil {
			return nil, fmt.Errorf("create invoices: %w", err)
		}
	}

	for lineID, prev := range cache {
		if err := s.bridge.RestoreQtyToInvoice(ctx, lineID, prev); err != nil {
			return nil, fmt.Errorf("restore quantity to invoice: %w", err)
		}
	}
	if err := s.bridge.RecomputeQtyToInvoice(ctx, groupOrderIDs); err != nil {
		return nil, fmt.Errorf("recompute quantities: %w", err)
	}
	return created, nil
}

func sameTerm(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ordersToInvoice keeps the orders the bridge reports as awaiting invoicing
// that, after the quantity fixes, still have something to bill.
func ordersToInvoice(orders []sales.Order, orderLines []sales.OrderLine, forcedQty map[int64]float64) []sales.Order {
	billable := map[int64]bool{}
	for _, ol := range orderLines {
		qty := ol.QtyToInvoice
		if forced, ok := forcedQty[ol.ID]; ok {
			qty = forced
		}
		if qty != 0 {
			billable[ol.OrderID] = true
		}
	}
	var result []sales.Order
	for _, o := range orders {
		if o.InvoiceStatus != sales.InvoiceStatusToInvoice {
			continue
		}
		if billable[o.ID] {
			result = append(result, o)
		}
	}
	return result
}

// fixQuantitiesToInvoice temporarily aligns the sale lines' to-invoice
// quantities with the batch. Lines untouched by the batch pickings are
// forced back to delivered-minus-invoiced (services excepted under the
// service method); lines fed by several moves are capped at the quantity
// the batch pickings actually completed. Returns the previous quantities
// keyed by line, for restore, and the forced quantities.
func (s *Service) fixQuantitiesToInvoice(
	ctx context.Context,
	lines []sales.OrderLine,
	method string,
	batchPickingIDs []int64,
) (map[int64]float64, map[int64]float64, error) {
	cache := map[int64]float64{}
	forcedQty := map[int64]float64{}

	var lineIDs []int64
	for _, l := range lines {
		lineIDs = append(lineIDs, l.ID)
	}
	moves, err := s.pickings.ListMovesForSaleLines(ctx, lineIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("get sale line moves: %w", err)
	}

	inBatch := map[int64]struct{}{}
	for _, id := range batchPickingIDs {
		inBatch[id] = struct{}{}
	}

	movesByLine := map[int64][]picking.StockMove{}
	batchQtyByLine := map[int64]float64{}
	for _, m := range moves {
		if m.SaleLineID == nil {
			continue
		}
		movesByLine[*m.SaleLineID] = append(movesByLine[*m.SaleLineID], m)
		if _, ok := inBatch[m.PickingID]; ok {
			batchQtyByLine[*m.SaleLineID] += m.QuantityDone
		}
	}

	force := func(line sales.OrderLine, qty *float64) error {
		prev, err := s.bridge.ForceQtyToInvoice(ctx, line, qty)
		if err != nil {
			return fmt.Errorf("force quantity to invoice: %w", err)
		}
		if _, ok := cache[line.ID]; !ok {
			cache[line.ID] = prev
		}
		if qty != nil {
			forcedQty[line.ID] = *qty
		} else {
			forcedQty[line.ID] = line.QtyDelivered - line.QtyInvoiced
		}
		return nil
	}

	for _, line := range lines {
		_, inBatchPickings := batchQtyByLine[line.ID]
		if !inBatchPickings {
			if method == InvoiceMethodService && line.ProductType == sales.ProductTypeService {
				continue
			}
			if err := force(line, nil); err != nil {
				return nil, nil, err
			}
			continue
		}
		if len(movesByLine[line.ID]) > 1 {
			batchQty := batchQtyByLine[line.ID]
			if batchQty < line.QtyToInvoice {
				if err := force(line, &batchQty); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	return cache, forcedQty, nil
}

// finishInvoicing settles the batch after invoice creation: every sale-backed
// line of the batch notes is marked invoiced, the created invoices are linked
// to the notes they bill and the delivery note sections on the invoices are
// rewritten. Once the whole batch ends up invoiced, a second linking pass
// attaches invoices created for sibling notes of the same orders.
func (s *Service) finishInvoicing(ctx context.Context, batch []noteBatchEntry, createdIDs []int64) error {
	createdSet := map[int64]struct{}{}
	for _, id := range createdIDs {
		createdSet[id] = struct{}{}
	}

	sections := map[int64][]string{}
	for _, entry := range batch {
		for _, line := range entry.note.Lines {
			if line.IsDisplay() || line.SaleLineID == nil {
				continue
			}
			if err := s.repo.SetLineInvoiceStatus(ctx, line.ID, InvoiceStatusInvoiced); err != nil {
				return err
			}
		}

		invByOrder, err := s.bridge.InvoiceIDsForOrders(ctx, entry.orderIDs)
		if err != nil {
			return fmt.Errorf("get order invoices: %w", err)
		}
		var linked []int64
		for _, orderID := range entry.orderIDs {
			for _, invID := range invByOrder[orderID] {
				if _, ok := createdSet[invID]; ok {
					linked = append(linked, invID)
				}
			}
		}
		if err := s.repo.LinkInvoices(ctx, entry.note.ID, linked); err != nil {
			return fmt.Errorf("link invoices: %w", err)
		}
		if err := s.refreshDerived(ctx, entry.note.ID); err != nil {
			return err
		}
		for _, invID := range linked {
			sections[invID] = append(sections[invID], sectionLabel(entry.note))
		}
	}

	if len(sections) > 0 {
		if err := s.bridge.RegenerateDeliveryNoteSections(ctx, sections); err != nil {
			return fmt.Errorf("regenerate invoice sections: %w", err)
		}
	}

	// Second pass, only once every line across the whole batch is invoiced:
	// notes may also be covered by invoices their orders received outside
	// the created set.
	var batchLines []Line
	for _, entry := range batch {
		note, err := s.repo.GetNote(ctx, entry.note.ID)
		if err != nil {
			return err
		}
		batchLines = append(batchLines, note.Lines...)
	}
	if !allLinesInvoiced(batchLines) {
		return nil
	}
	for _, entry := range batch {
		invByOrder, err := s.bridge.InvoiceIDsForOrders(ctx, entry.orderIDs)
		if err != nil {
			return fmt.Errorf("get order invoices: %w", err)
		}
		var all []int64
		for _, orderID := range entry.orderIDs {
			all = append(all, invByOrder[orderID]...)
		}
		if err := s.repo.LinkInvoices(ctx, entry.note.ID, all); err != nil {
			return fmt.Errorf("link invoices: %w", err)
		}
		if err := s.refreshDerived(ctx, entry.note.ID); err != nil {
			return err
		}
	}
	return nil
}

func allLinesInvoiced(lines []Line) bool {
	seen := false
	for _, l := range lines {
		if l.IsDisplay() || l.SaleLineID == nil {
			continue
		}
		seen = true
		if l.InvoiceStatus != InvoiceStatusInvoiced {
			return false
		}
	}
	return seen
}

func sectionLabel(note *DeliveryNote) string {
	name := "delivery note"
	if note.Name != nil && *note.Name != "" {
		name = *note.Name
	}
	if note.Date != nil {
		return fmt.Sprintf("%s of %s", name, note.Date.Format("02/01/2006"))
	}
	return name
}
