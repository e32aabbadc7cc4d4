package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costledger/internal/rbac"
	"github.com/odyssey-erp/costledger/internal/shared"
)

// CancelAdjustment reverses an adjustment and marks it cancelled. Only
// directors may cancel, and only on the adjustment day unless the actor is a
// system admin.
func (s *Service) CancelAdjustment(ctx context.Context, actor rbac.Actor, id int64, reason string) (Adjustment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Adjustment{}, s.finish("cancel", ErrCancelReasonRequired)
	}
	if !actor.Identified() {
		return Adjustment{}, s.finish("cancel", ErrMissingActor)
	}
	if !actor.CanCancelAdjustments() {
		return Adjustment{}, s.finish("cancel", withDetail(ErrInsufficientRole, "role %s cannot cancel adjustments", actor.Role))
	}
	if id <= 0 {
		return Adjustment{}, s.finish("cancel", ErrAdjustmentNotFound)
	}
	adj, err := s.repo.GetAdjustment(ctx, id)
	if err != nil {
		return Adjustment{}, s.finish("cancel", err)
	}
	if err := s.checkCancellable(actor, adj); err != nil {
		return Adjustment{}, s.finish("cancel", err)
	}

	var cancelled Adjustment
	_, err = s.withPartition(ctx, adj.BranchID, adj.ItemID, func(ctx context.Context, tx TxRepository, bal *Balance) error {
		current, err := tx.GetAdjustmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.checkCancellable(actor, current); err != nil {
			return err
		}
		var restoredCost decimal.Decimal
		switch current.Type {
		case AdjustmentIncrease:
			restoredCost, err = s.reverseIncrease(ctx, tx, current, actor)
		case AdjustmentDecrease:
			restoredCost, err = s.reverseDecrease(ctx, tx, &current, actor)
		default:
			err = withDetail(ErrLedgerInconsistent, "adjustment %d has type %q", id, current.Type)
		}
		if err != nil {
			return err
		}

		now := s.calendar.Now().UTC()
		before := adjustmentImage(current)
		current.IsCancelled = true
		current.CancelReason = reason
		current.CancelledBy = actor.ID
		current.CancelledAt = &now
		if err := tx.MarkAdjustmentCancelled(ctx, current); err != nil {
			return fmt.Errorf("inventory: mark adjustment cancelled: %w", err)
		}
		if err := s.audit(ctx, tx, TableAdjustments, current.ID, shared.AuditUpdate, actor.ID, before, adjustmentImage(current)); err != nil {
			return err
		}

		movement := Movement{
			BranchID:     current.BranchID,
			ItemID:       current.ItemID,
			Date:         s.calendar.Today(),
			Reference:    current.Code,
			AdjustmentID: current.ID,
			QtyIn:        decimal.Zero,
			QtyOut:       decimal.Zero,
			UnitCost:     current.UnitCost,
			Note:         reason,
			ActorID:      actor.ID,
			CreatedAt:    now,
		}
		if current.Type == AdjustmentIncrease {
			movement.Kind = MovementCancelIncrease
			movement.QtyOut = current.Quantity
			bal.Qty = bal.Qty.Sub(current.Quantity)
			bal.Value = bal.Value.Sub(restoredCost)
		} else {
			movement.Kind = MovementCancelDecrease
			movement.QtyIn = current.Quantity
			movement.UnitCost = WeightedAverageCost(current.Consumptions, costPlaces)
			bal.Qty = bal.Qty.Add(current.Quantity)
			bal.Value = bal.Value.Add(restoredCost)
		}
		if _, err := tx.InsertMovement(ctx, movement); err != nil {
			return fmt.Errorf("inventory: insert movement: %w", err)
		}
		cancelled = current
		return nil
	})
	if err != nil {
		return Adjustment{}, s.finish("cancel", err)
	}

	s.logger.Info("inventory adjustment cancelled",
		slog.Int64("adjustment_id", cancelled.ID), slog.String("code", cancelled.Code),
		slog.String("type", string(cancelled.Type)), slog.Int64("actor_id", actor.ID))
	kind := MovementCancelIncrease
	if cancelled.Type == AdjustmentDecrease {
		kind = MovementCancelDecrease
	}
	s.notifyPartition(ctx, PartitionChangedEvent{BranchID: cancelled.BranchID, ItemID: cancelled.ItemID, Kind: kind, Reference: cancelled.Code, ActorID: actor.ID, At: *cancelled.CancelledAt})
	if s.integration != nil {
		evt := AdjustmentCancelledEvent{
			AdjustmentID: cancelled.ID,
			Code:         cancelled.Code,
			BranchID:     cancelled.BranchID,
			ItemID:       cancelled.ItemID,
			Type:         cancelled.Type,
			Quantity:     cancelled.Quantity,
			CancelledBy:  actor.ID,
			CancelledAt:  *cancelled.CancelledAt,
		}
		if err := s.integration.HandleAdjustmentCancelled(ctx, evt); err != nil {
			s.logger.Warn("inventory cancellation integration", slog.Int64("adjustment_id", cancelled.ID), slog.Any("error", err))
		}
	}
	s.observe("cancel", nil)
	return cancelled, nil
}

func (s *Service) checkCancellable(actor rbac.Actor, adj Adjustment) error {
	if adj.IsCancelled {
		return withDetail(ErrAlreadyCancelled, "adjustment %s", adj.Code)
	}
	if actor.CanCancelPastAdjustments() {
		return nil
	}
	today := s.calendar.Today()
	if !shared.SameDay(adj.AdjustmentDate, today) {
		return withDetail(ErrPastDateCancellationForbidden, "adjustment dated %s, today is %s",
			adj.AdjustmentDate.Format(shared.DateLayout), today.Format(shared.DateLayout))
	}
	return nil
}

// reverseIncrease deletes the layer created by the adjustment. It returns the
// layer value removed from stock.
func (s *Service) reverseIncrease(ctx context.Context, tx TxRepository, adj Adjustment, actor rbac.Actor) (decimal.Decimal, error) {
	if adj.LayerID == 0 {
		return decimal.Zero, withDetail(ErrLayerMissing, "adjustment %s has no layer", adj.Code)
	}
	layer, err := tx.GetLayer(ctx, adj.LayerID)
	if err != nil {
		if errors.Is(err, ErrLayerNotFound) {
			return decimal.Zero, withDetail(ErrLayerMissing, "layer %d", adj.LayerID)
		}
		return decimal.Zero, err
	}
	if !layer.Untouched() {
		return decimal.Zero, withDetail(ErrLayerPartiallyConsumed, "layer %d has %s of %s remaining",
			layer.ID, layer.RemainingQty, layer.OriginalQty)
	}
	if err := tx.DeleteLayer(ctx, layer.ID); err != nil {
		return decimal.Zero, fmt.Errorf("inventory: delete layer %d: %w", layer.ID, err)
	}
	if err := s.audit(ctx, tx, TableCostLayers, layer.ID, shared.AuditDelete, actor.ID, layerImage(layer), nil); err != nil {
		return decimal.Zero, err
	}
	return layer.OriginalQty.Mul(layer.UnitCost), nil
}

// reverseDecrease restores every layer the adjustment drew from, newest draw
// first. All layers are checked before anything is written. It returns the
// layer value put back into stock.
func (s *Service) reverseDecrease(ctx context.Context, tx TxRepository, adj *Adjustment, actor rbac.Actor) (decimal.Decimal, error) {
	owner := ownerKey(adj.ID)
	entries, err := tx.ListConsumptions(ctx, OwnerAdjustment, owner)
	if err != nil {
		return decimal.Zero, fmt.Errorf("inventory: list consumption entries: %w", err)
	}
	adj.Consumptions = entries

	layers := make(map[int64]*CostLayer)
	for _, e := range entries {
		if e.ReversedAt != nil {
			return decimal.Zero, withDetail(ErrLedgerInconsistent, "entry %d already reversed", e.ID)
		}
		if e.IsOverage() {
			continue
		}
		if _, ok := layers[e.LayerID]; ok {
			continue
		}
		layer, err := tx.GetLayer(ctx, e.LayerID)
		if err != nil {
			if errors.Is(err, ErrLayerNotFound) {
				return decimal.Zero, withDetail(ErrLayerMissing, "layer %d", e.LayerID)
			}
			return decimal.Zero, err
		}
		layers[e.LayerID] = &layer
	}

	restored := decimal.Zero
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.IsOverage() {
			continue
		}
		layer := layers[e.LayerID]
		before := layerImage(*layer)
		next := layer.RemainingQty.Add(e.Quantity)
		if next.GreaterThan(layer.OriginalQty) {
			return decimal.Zero, withDetail(ErrLedgerInconsistent, "layer %d would exceed original quantity", layer.ID)
		}
		layer.RemainingQty = next
		if err := tx.UpdateLayerRemaining(ctx, layer.ID, layer.RemainingQty); err != nil {
			return decimal.Zero, fmt.Errorf("inventory: update layer %d: %w", layer.ID, err)
		}
		if err := s.audit(ctx, tx, TableCostLayers, layer.ID, shared.AuditUpdate, actor.ID, before, layerImage(*layer)); err != nil {
			return decimal.Zero, err
		}
		restored = restored.Add(e.Cost())
	}
	if err := tx.MarkConsumptionsReversed(ctx, OwnerAdjustment, owner, s.calendar.Now().UTC()); err != nil {
		return decimal.Zero, fmt.Errorf("inventory: mark consumption reversed: %w", err)
	}
	return restored, nil
}
