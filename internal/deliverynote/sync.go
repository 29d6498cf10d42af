package deliverynote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cadenza-erp/cadenza-erp/internal/masterdata"
	"github.com/cadenza-erp/cadenza-erp/internal/picking"
	"github.com/cadenza-erp/cadenza-erp/internal/sales"
)

// syncDetailLines reconciles the note's detail lines against the completed
// moves of its linked pickings: one line per valid move, created with sale
// order pricing when the move is sale-backed, and stale move-backed lines
// removed. Display lines and manual lines are never touched. The operation
// is idempotent.
func (s *Service) syncDetailLines(ctx context.Context, note *DeliveryNote) (created, deleted int, err error) {
	moves, err := s.pickings.ListValidMoves(ctx, note.PickingIDs)
	if err != nil {
		return 0, 0, fmt.Errorf("get picking moves: %w", err)
	}

	existing := map[int64]struct{}{}
	for _, line := range note.Lines {
		if line.MoveID != nil {
			existing[*line.MoveID] = struct{}{}
		}
	}

	var toCreate []picking.StockMove
	wanted := map[int64]struct{}{}
	for _, m := range moves {
		wanted[m.ID] = struct{}{}
		if _, ok := existing[m.ID]; !ok {
			toCreate = append(toCreate, m)
		}
	}

	var orphanMoveIDs []int64
	for _, line := range note.Lines {
		if line.MoveID == nil {
			continue
		}
		if _, ok := wanted[*line.MoveID]; !ok {
			orphanMoveIDs = append(orphanMoveIDs, *line.MoveID)
		}
	}

	saleContext, err := s.loadSaleContext(ctx, toCreate)
	if err != nil {
		return 0, 0, err
	}

	for _, m := range toCreate {
		line, err := s.buildLineFromMove(ctx, note.ID, m, saleContext)
		if err != nil {
			return 0, 0, err
		}
		if _, err := s.repo.InsertLine(ctx, line); err != nil {
			return 0, 0, fmt.Errorf("insert detail line: %w", err)
		}
	}
	if len(orphanMoveIDs) > 0 {
		if err := s.repo.DeleteLinesByMoves(ctx, note.ID, orphanMoveIDs); err != nil {
			return 0, 0, fmt.Errorf("delete stale lines: %w", err)
		}
	}

	if len(toCreate) > 0 || len(orphanMoveIDs) > 0 {
		s.logger.Info("delivery note detail lines synchronized",
			slog.Int64("note_id", note.ID),
			slog.Int("created", len(toCreate)),
			slog.Int("deleted", len(orphanMoveIDs)))
	}
	return len(toCreate), len(orphanMoveIDs), nil
}

// saleContext gathers the sale order lines and orders referenced by a batch
// of moves, keyed for line prefill.
type saleContext struct {
	linesByID  map[int64]sales.OrderLine
	ordersByID map[int64]sales.Order
}

func (s *Service) loadSaleContext(ctx context.Context, moves []picking.StockMove) (*saleContext, error) {
	var saleLineIDs []int64
	seen := map[int64]struct{}{}
	for _, m := range moves {
		if m.SaleLineID == nil {
			continue
		}
		if _, ok := seen[*m.SaleLineID]; !ok {
			seen[*m.SaleLineID] = struct{}{}
			saleLineIDs = append(saleLineIDs, *m.SaleLineID)
		}
	}

	sc := &saleContext{
		linesByID:  map[int64]sales.OrderLine{},
		ordersByID: map[int64]sales.Order{},
	}
	if len(saleLineIDs) == 0 {
		return sc, nil
	}

	saleLines, err := s.bridge.Lines(ctx, saleLineIDs)
	if err != nil {
		return nil, fmt.Errorf("get sale lines: %w", err)
	}
	var orderIDs []int64
	orderSeen := map[int64]struct{}{}
	for _, sl := range saleLines {
		sc.linesByID[sl.ID] = sl
		if _, ok := orderSeen[sl.OrderID]; !ok {
			orderSeen[sl.OrderID] = struct{}{}
			orderIDs = append(orderIDs, sl.OrderID)
		}
	}
	orders, err := s.bridge.Orders(ctx, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("get sale orders: %w", err)
	}
	for _, o := range orders {
		sc.ordersByID[o.ID] = o
	}
	return sc, nil
}

// buildLineFromMove prefills a detail line from a stock move. Sale-backed
// moves carry price, discount, taxes and currency over from the order line.
func (s *Service) buildLineFromMove(ctx context.Context, noteID int64, m picking.StockMove, sc *saleContext) (Line, error) {
	productID := m.ProductID
	uomID := m.UomID
	line := Line{
		DeliveryNoteID: noteID,
		Sequence:       10,
		Name:           m.DisplayName(),
		ProductID:      &productID,
		Quantity:       m.QuantityDone,
		UomID:          &uomID,
		MoveID:         &m.ID,
		SaleLineID:     m.SaleLineID,
		InvoiceStatus:  InvoiceStatusNo,
	}

	if m.SaleLineID == nil {
		return line, nil
	}
	sl, ok := sc.linesByID[*m.SaleLineID]
	if !ok {
		return line, nil
	}
	order, ok := sc.ordersByID[sl.OrderID]
	if !ok {
		return line, nil
	}

	line.PriceUnit = sl.PriceUnit
	line.Discount = sl.Discount
	line.TaxIDs = sl.TaxIDs
	line.CurrencyCode = order.CurrencyCode
	line.InvoiceStatus = mapBridgeStatus(sl.InvoiceStatus)

	taxTotal, err := s.bridge.ComputeLineTaxes(
		ctx, sl, line.DiscountedUnitPrice(), line.Quantity, m.ProductID, order.PartnerShippingID)
	if err != nil {
		return Line{}, fmt.Errorf("compute line taxes: %w", err)
	}
	line.Amount = line.ComputeAmount(taxTotal)
	return line, nil
}

// computeWeights aggregates the shipping weight reported by the linked
// pickings into the note's gross and net weight fields, converted into the
// note's chosen units. The warehouse scale records a single figure, so
// gross and net both start from it.
func (s *Service) computeWeights(ctx context.Context, note *DeliveryNote) error {
	var total float64
	if len(note.PickingIDs) > 0 {
		picks, err := s.pickings.ListByIDs(ctx, note.PickingIDs)
		if err != nil {
			return fmt.Errorf("get pickings: %w", err)
		}
		for _, p := range picks {
			total += p.ShippingWeight
		}
	}

	source, err := s.master.GetUoMByCode(ctx, s.cfg.ShippingWeightUom)
	if err != nil {
		return fmt.Errorf("get shipping weight unit: %w", err)
	}

	gross, err := s.convertWeight(ctx, total, *source, note.GrossWeightUomID)
	if err != nil {
		return err
	}
	net, err := s.convertWeight(ctx, total, *source, note.NetWeightUomID)
	if err != nil {
		return err
	}

	return s.repo.UpdateHeader(ctx, note.ID, map[string]interface{}{
		"gross_weight": gross,
		"net_weight":   net,
	})
}

func (s *Service) convertWeight(ctx context.Context, qty float64, source masterdata.UoM, targetID *int64) (float64, error) {
	if targetID == nil || *targetID == source.ID {
		return qty, nil
	}
	target, err := s.master.GetUoM(ctx, *targetID)
	if err != nil {
		return 0, fmt.Errorf("get weight unit: %w", err)
	}
	converted, err := masterdata.ConvertQuantity(qty, source, *target)
	if err != nil {
		return 0, err
	}
	return converted, nil
}
