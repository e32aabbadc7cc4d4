package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costledger/internal/rbac"
	"github.com/odyssey-erp/costledger/internal/shared"
)

const idempotencyModule = "inventory"

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAdjustment(ctx context.Context, id int64) (Adjustment, error)
	ListConsumptions(ctx context.Context, owner OwnerType, ownerID string) ([]ConsumptionEntry, error)
	ListLayers(ctx context.Context, branchID, itemID int64, includeExhausted bool) ([]CostLayer, error)
	StockLevel(ctx context.Context, branchID, itemID int64) (StockLevel, error)
	OpeningBalance(ctx context.Context, branchID, itemID int64, before time.Time) (decimal.Decimal, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	PartitionTotals(ctx context.Context, branchID, itemID int64) (PartitionTotals, error)
	ListPartitions(ctx context.Context) ([]Partition, error)
}

// TxRepository exposes transactional operations used by service. LockPartition
// must be called first; it blocks until concurrent writers of the partition finish.
type TxRepository interface {
	LockPartition(ctx context.Context, branchID, itemID int64) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	StockLevel(ctx context.Context, branchID, itemID int64) (StockLevel, error)
	ListOpenLayers(ctx context.Context, branchID, itemID int64) ([]CostLayer, error)
	LastUnitCost(ctx context.Context, branchID, itemID int64) (decimal.Decimal, error)
	GetLayer(ctx context.Context, id int64) (CostLayer, error)
	InsertLayer(ctx context.Context, layer CostLayer) (int64, error)
	UpdateLayerRemaining(ctx context.Context, id int64, remaining decimal.Decimal) error
	DeleteLayer(ctx context.Context, id int64) error
	InsertConsumptions(ctx context.Context, entries []ConsumptionEntry) ([]ConsumptionEntry, error)
	ListConsumptions(ctx context.Context, owner OwnerType, ownerID string) ([]ConsumptionEntry, error)
	MarkConsumptionsReversed(ctx context.Context, owner OwnerType, ownerID string, at time.Time) error
	InsertAdjustment(ctx context.Context, adj Adjustment) (int64, error)
	GetAdjustmentForUpdate(ctx context.Context, id int64) (Adjustment, error)
	MarkAdjustmentCancelled(ctx context.Context, adj Adjustment) error
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	InsertAuditEntry(ctx context.Context, entry shared.AuditEntry) error
}

// Service coordinates cost ledger operations.
type Service struct {
	repo        RepositoryPort
	locker      shared.Locker
	idempotency IdempotencyPort
	integration IntegrationHandler
	metrics     MetricsRecorder
	calendar    shared.BusinessCalendar
	allowNeg    bool
	vatRate     decimal.Decimal
	logger      *slog.Logger
	inflight    sync.Map
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
	VATRate            decimal.Decimal
	Calendar           shared.BusinessCalendar
	Locker             shared.Locker
	Metrics            MetricsRecorder
	Logger             *slog.Logger
}

// NewService builds Service. A nil locker falls back to an in-process one.
func NewService(repo RepositoryPort, idem IdempotencyPort, cfg ServiceConfig, integration IntegrationHandler) *Service {
	locker := cfg.Locker
	if locker == nil {
		locker = shared.NewLocalLocker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	vat := cfg.VATRate
	if vat.IsZero() {
		vat = DefaultVATRate
	}
	return &Service{
		repo:        repo,
		locker:      locker,
		idempotency: idem,
		integration: integration,
		metrics:     cfg.Metrics,
		calendar:    cfg.Calendar,
		allowNeg:    cfg.AllowNegativeStock,
		vatRate:     vat,
		logger:      logger,
	}
}

// Calendar exposes the business calendar used for dates.
func (s *Service) Calendar() shared.BusinessCalendar {
	return s.calendar
}

// ReceiveStock records a purchase receipt as a new cost layer.
func (s *Service) ReceiveStock(ctx context.Context, actor rbac.Actor, input ReceiveInput) (CostLayer, error) {
	if err := validatePartition(input.BranchID, input.ItemID); err != nil {
		return CostLayer{}, s.finish("receive", err)
	}
	if !input.Quantity.IsPositive() {
		return CostLayer{}, s.finish("receive", ErrInvalidQuantity)
	}
	if input.UnitCost.IsNegative() {
		return CostLayer{}, s.finish("receive", ErrInvalidUnitCost)
	}
	if !withinScale(input.Quantity, quantityPlaces) || !withinScale(input.UnitCost, costPlaces) {
		return CostLayer{}, s.finish("receive", withDetail(ErrInvalidPrecision, "quantity %s, unit cost %s", input.Quantity, input.UnitCost))
	}
	if !actor.Identified() {
		return CostLayer{}, s.finish("receive", ErrMissingActor)
	}
	now := s.calendar.Now().UTC()
	layer := CostLayer{
		BranchID:     input.BranchID,
		ItemID:       input.ItemID,
		ReceiptDate:  s.businessDate(input.ReceiptDate),
		UnitCost:     input.UnitCost,
		OriginalQty:  input.Quantity,
		RemainingQty: input.Quantity,
		Provenance:   ProvenancePurchase,
		SourceRef:    strings.TrimSpace(input.Reference),
		CreatedAt:    now,
	}
	err := s.idempotent(ctx, input.IdempotencyKey, func() error {
		_, err := s.withPartition(ctx, input.BranchID, input.ItemID, func(ctx context.Context, tx TxRepository, bal *Balance) error {
			id, err := tx.InsertLayer(ctx, layer)
			if err != nil {
				return fmt.Errorf("inventory: insert layer: %w", err)
			}
			layer.ID = id
			if err := s.audit(ctx, tx, TableCostLayers, id, shared.AuditInsert, actor.ID, nil, layerImage(layer)); err != nil {
				return err
			}
			_, err = tx.InsertMovement(ctx, Movement{
				BranchID:  input.BranchID,
				ItemID:    input.ItemID,
				Date:      layer.ReceiptDate,
				Kind:      MovementReceipt,
				Reference: layer.SourceRef,
				QtyIn:     input.Quantity,
				QtyOut:    decimal.Zero,
				UnitCost:  input.UnitCost,
				Note:      input.Note,
				ActorID:   actor.ID,
				CreatedAt: now,
			})
			if err != nil {
				return fmt.Errorf("inventory: insert movement: %w", err)
			}
			bal.Qty = bal.Qty.Add(input.Quantity)
			bal.Value = bal.Value.Add(input.Quantity.Mul(input.UnitCost))
			return nil
		})
		return err
	})
	if err != nil {
		return CostLayer{}, s.finish("receive", err)
	}
	s.logger.Info("inventory stock received",
		slog.Int64("branch_id", layer.BranchID), slog.Int64("item_id", layer.ItemID),
		slog.Int64("layer_id", layer.ID), slog.String("qty", layer.OriginalQty.String()))
	s.notifyPartition(ctx, PartitionChangedEvent{BranchID: layer.BranchID, ItemID: layer.ItemID, Kind: MovementReceipt, Reference: layer.SourceRef, ActorID: actor.ID, At: now})
	s.observe("receive", nil)
	return layer, nil
}

// RecordSale consumes stock FIFO on behalf of a sale.
func (s *Service) RecordSale(ctx context.Context, actor rbac.Actor, input SaleInput) (ConsumptionResult, error) {
	if err := validatePartition(input.BranchID, input.ItemID); err != nil {
		return ConsumptionResult{}, s.finish("sale", err)
	}
	if !input.Quantity.IsPositive() {
		return ConsumptionResult{}, s.finish("sale", ErrInvalidQuantity)
	}
	if !withinScale(input.Quantity, quantityPlaces) {
		return ConsumptionResult{}, s.finish("sale", withDetail(ErrInvalidPrecision, "quantity %s", input.Quantity))
	}
	saleID := strings.TrimSpace(input.SaleID)
	if saleID == "" {
		return ConsumptionResult{}, s.finish("sale", ErrSaleReferenceMissing)
	}
	if !actor.Identified() {
		return ConsumptionResult{}, s.finish("sale", ErrMissingActor)
	}
	now := s.calendar.Now().UTC()
	date := s.businessDate(input.SaleDate)
	var result ConsumptionResult
	err := s.idempotent(ctx, input.IdempotencyKey, func() error {
		stock, err := s.withPartition(ctx, input.BranchID, input.ItemID, func(ctx context.Context, tx TxRepository, bal *Balance) error {
			entries, shortfall, err := s.consume(ctx, tx, bal, OwnerSale, saleID, input.Quantity, now, actor.ID)
			if err != nil {
				return err
			}
			_, err = tx.InsertMovement(ctx, Movement{
				BranchID:  input.BranchID,
				ItemID:    input.ItemID,
				Date:      date,
				Kind:      MovementSale,
				Reference: saleID,
				QtyIn:     decimal.Zero,
				QtyOut:    input.Quantity,
				UnitCost:  WeightedAverageCost(entries, costPlaces),
				Note:      input.Note,
				ActorID:   actor.ID,
				CreatedAt: now,
			})
			if err != nil {
				return fmt.Errorf("inventory: insert movement: %w", err)
			}
			result = ConsumptionResult{
				Entries:             entries,
				Quantity:            input.Quantity,
				Shortfall:           shortfall,
				TotalCost:           TotalCost(entries),
				WeightedAverageCost: WeightedAverageCost(entries, costPlaces),
			}
			return nil
		})
		result.Stock = stock
		return err
	})
	if err != nil {
		return ConsumptionResult{}, s.finish("sale", err)
	}
	s.logger.Info("inventory sale consumed",
		slog.Int64("branch_id", input.BranchID), slog.Int64("item_id", input.ItemID),
		slog.String("sale_id", saleID), slog.Int("entries", len(result.Entries)),
		slog.String("shortfall", result.Shortfall.String()))
	s.notifyPartition(ctx, PartitionChangedEvent{BranchID: input.BranchID, ItemID: input.ItemID, Kind: MovementSale, Reference: saleID, ActorID: actor.ID, At: now})
	s.observe("sale", nil)
	return result, nil
}

// ApplyAdjustment posts a manual increase or decrease.
func (s *Service) ApplyAdjustment(ctx context.Context, actor rbac.Actor, input AdjustmentInput) (AdjustmentResult, error) {
	adj, err := s.prepareAdjustment(actor, input)
	if err != nil {
		return AdjustmentResult{}, s.finish("adjust", err)
	}
	var stock StockLevel
	err = s.idempotent(ctx, input.IdempotencyKey, func() error {
		var err error
		stock, err = s.withPartition(ctx, adj.BranchID, adj.ItemID, func(ctx context.Context, tx TxRepository, bal *Balance) error {
			if adj.Type == AdjustmentIncrease {
				return s.postIncrease(ctx, tx, bal, &adj, actor)
			}
			return s.postDecrease(ctx, tx, bal, &adj, actor)
		})
		return err
	})
	if err != nil {
		return AdjustmentResult{}, s.finish("adjust", err)
	}
	result := AdjustmentResult{Adjustment: adj, Stock: stock}
	s.logger.Info("inventory adjustment posted",
		slog.Int64("adjustment_id", adj.ID), slog.String("code", adj.Code),
		slog.String("type", string(adj.Type)), slog.String("qty", adj.Quantity.String()),
		slog.Int64("actor_id", actor.ID))
	kind := MovementAdjustmentIncrease
	if adj.Type == AdjustmentDecrease {
		kind = MovementAdjustmentDecrease
	}
	s.notifyPartition(ctx, PartitionChangedEvent{BranchID: adj.BranchID, ItemID: adj.ItemID, Kind: kind, Reference: adj.Code, ActorID: actor.ID, At: adj.CreatedAt})
	if s.integration != nil {
		evt := AdjustmentPostedEvent{
			AdjustmentID: adj.ID,
			Code:         adj.Code,
			BranchID:     adj.BranchID,
			ItemID:       adj.ItemID,
			Type:         adj.Type,
			Quantity:     adj.Quantity,
			TotalCost:    adj.TotalCost,
			PostedAt:     adj.CreatedAt,
		}
		if err := s.integration.HandleAdjustmentPosted(ctx, evt); err != nil {
			s.logger.Warn("inventory adjustment integration", slog.Int64("adjustment_id", adj.ID), slog.Any("error", err))
		}
	}
	s.observe("adjust", nil)
	return result, nil
}

func (s *Service) prepareAdjustment(actor rbac.Actor, input AdjustmentInput) (Adjustment, error) {
	if err := validatePartition(input.BranchID, input.ItemID); err != nil {
		return Adjustment{}, err
	}
	if !input.Type.Valid() {
		return Adjustment{}, ErrInvalidAdjustment
	}
	if !input.Reason.Valid() {
		return Adjustment{}, ErrInvalidReason
	}
	if !input.Quantity.IsPositive() {
		return Adjustment{}, ErrInvalidQuantity
	}
	if !withinScale(input.Quantity, quantityPlaces) {
		return Adjustment{}, withDetail(ErrInvalidPrecision, "quantity %s", input.Quantity)
	}
	if !actor.Identified() {
		return Adjustment{}, ErrMissingActor
	}
	now := s.calendar.Now().UTC()
	adj := Adjustment{
		Code:            strings.TrimSpace(input.Code),
		BranchID:        input.BranchID,
		ItemID:          input.ItemID,
		Type:            input.Type,
		Reason:          input.Reason,
		Quantity:        input.Quantity,
		UnitCost:        decimal.Zero,
		SupplyPrice:     decimal.Zero,
		TaxAmount:       decimal.Zero,
		TotalCost:       decimal.Zero,
		AdjustmentDate:  s.businessDate(input.AdjustmentDate),
		Notes:           strings.TrimSpace(input.Notes),
		ReferenceNumber: strings.TrimSpace(input.ReferenceNumber),
		CreatedBy:       actor.ID,
		CreatedAt:       now,
	}
	if adj.Code == "" {
		adj.Code = generateAdjustmentCode(adj.AdjustmentDate)
	}
	if input.Type == AdjustmentIncrease {
		costs, err := resolveIncreaseCosts(input, s.vatRate)
		if err != nil {
			return Adjustment{}, err
		}
		adj.UnitCost = costs.UnitCost
		adj.SupplyPrice = costs.SupplyPrice
		adj.TaxAmount = costs.TaxAmount
		adj.TotalCost = costs.TotalCost
	}
	return adj, nil
}

func (s *Service) postIncrease(ctx context.Context, tx TxRepository, bal *Balance, adj *Adjustment, actor rbac.Actor) error {
	layer := CostLayer{
		BranchID:     adj.BranchID,
		ItemID:       adj.ItemID,
		ReceiptDate:  adj.AdjustmentDate,
		UnitCost:     adj.UnitCost,
		OriginalQty:  adj.Quantity,
		RemainingQty: adj.Quantity,
		Provenance:   ProvenanceAdjustmentIncrease,
		SourceRef:    adj.Code,
		CreatedAt:    adj.CreatedAt,
	}
	layerID, err := tx.InsertLayer(ctx, layer)
	if err != nil {
		return fmt.Errorf("inventory: insert layer: %w", err)
	}
	layer.ID = layerID
	if err := s.audit(ctx, tx, TableCostLayers, layerID, shared.AuditInsert, actor.ID, nil, layerImage(layer)); err != nil {
		return err
	}
	adj.LayerID = layerID
	id, err := tx.InsertAdjustment(ctx, *adj)
	if err != nil {
		return fmt.Errorf("inventory: insert adjustment: %w", err)
	}
	adj.ID = id
	if err := s.audit(ctx, tx, TableAdjustments, id, shared.AuditInsert, actor.ID, nil, adjustmentImage(*adj)); err != nil {
		return err
	}
	_, err = tx.InsertMovement(ctx, Movement{
		BranchID:     adj.BranchID,
		ItemID:       adj.ItemID,
		Date:         adj.AdjustmentDate,
		Kind:         MovementAdjustmentIncrease,
		Reference:    adj.Code,
		AdjustmentID: id,
		QtyIn:        adj.Quantity,
		QtyOut:       decimal.Zero,
		UnitCost:     adj.UnitCost,
		Note:         adj.Notes,
		ActorID:      actor.ID,
		CreatedAt:    adj.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("inventory: insert movement: %w", err)
	}
	bal.Qty = bal.Qty.Add(adj.Quantity)
	bal.Value = bal.Value.Add(adj.Quantity.Mul(adj.UnitCost))
	return nil
}

func (s *Service) postDecrease(ctx context.Context, tx TxRepository, bal *Balance, adj *Adjustment, actor rbac.Actor) error {
	id, err := tx.InsertAdjustment(ctx, *adj)
	if err != nil {
		return fmt.Errorf("inventory: insert adjustment: %w", err)
	}
	adj.ID = id
	entries, _, err := s.consume(ctx, tx, bal, OwnerAdjustment, ownerKey(id), adj.Quantity, adj.CreatedAt, actor.ID)
	if err != nil {
		return err
	}
	adj.Consumptions = entries
	if err := s.audit(ctx, tx, TableAdjustments, id, shared.AuditInsert, actor.ID, nil, adjustmentImage(*adj)); err != nil {
		return err
	}
	_, err = tx.InsertMovement(ctx, Movement{
		BranchID:     adj.BranchID,
		ItemID:       adj.ItemID,
		Date:         adj.AdjustmentDate,
		Kind:         MovementAdjustmentDecrease,
		Reference:    adj.Code,
		AdjustmentID: id,
		QtyIn:        decimal.Zero,
		QtyOut:       adj.Quantity,
		UnitCost:     WeightedAverageCost(entries, costPlaces),
		Note:         adj.Notes,
		ActorID:      actor.ID,
		CreatedAt:    adj.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("inventory: insert movement: %w", err)
	}
	return nil
}

// consume walks open layers oldest first and persists one entry per touched
// layer, plus an overage entry for any shortfall when negative stock is allowed.
func (s *Service) consume(ctx context.Context, tx TxRepository, bal *Balance, owner OwnerType, ownerID string, qty decimal.Decimal, at time.Time, actorID int64) ([]ConsumptionEntry, decimal.Decimal, error) {
	layers, err := tx.ListOpenLayers(ctx, bal.BranchID, bal.ItemID)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("inventory: list open layers: %w", err)
	}
	plan := planFIFO(layers, qty)
	if plan.Shortfall.IsPositive() && !s.allowNeg {
		return nil, decimal.Zero, withDetail(ErrInsufficientStock, "requested %s, available %s", qty, plan.Drawn())
	}

	entries := make([]ConsumptionEntry, 0, len(plan.Draws)+1)
	for _, draw := range plan.Draws {
		updated := draw.Layer
		updated.RemainingQty = updated.RemainingQty.Sub(draw.Quantity)
		if err := tx.UpdateLayerRemaining(ctx, updated.ID, updated.RemainingQty); err != nil {
			return nil, decimal.Zero, fmt.Errorf("inventory: update layer %d: %w", updated.ID, err)
		}
		if err := s.audit(ctx, tx, TableCostLayers, updated.ID, shared.AuditUpdate, actorID, layerImage(draw.Layer), layerImage(updated)); err != nil {
			return nil, decimal.Zero, err
		}
		entries = append(entries, ConsumptionEntry{
			BranchID:   bal.BranchID,
			ItemID:     bal.ItemID,
			OwnerType:  owner,
			OwnerID:    ownerID,
			LayerID:    draw.Layer.ID,
			Quantity:   draw.Quantity,
			UnitCost:   draw.Layer.UnitCost,
			ConsumedAt: at,
		})
	}
	if plan.Shortfall.IsPositive() {
		cost, err := tx.LastUnitCost(ctx, bal.BranchID, bal.ItemID)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("inventory: last unit cost: %w", err)
		}
		entries = append(entries, ConsumptionEntry{
			BranchID:   bal.BranchID,
			ItemID:     bal.ItemID,
			OwnerType:  owner,
			OwnerID:    ownerID,
			Quantity:   plan.Shortfall,
			UnitCost:   cost,
			ConsumedAt: at,
		})
		s.logger.Warn("inventory consumed beyond available stock",
			slog.Int64("branch_id", bal.BranchID), slog.Int64("item_id", bal.ItemID),
			slog.String("owner", string(owner)+":"+ownerID), slog.String("shortfall", plan.Shortfall.String()))
	}
	stored, err := tx.InsertConsumptions(ctx, entries)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("inventory: insert consumption entries: %w", err)
	}
	bal.Qty = bal.Qty.Sub(qty)
	bal.Value = bal.Value.Sub(layerCost(stored))
	return stored, plan.Shortfall, nil
}

// GetAdjustment loads an adjustment with its consumption entries.
func (s *Service) GetAdjustment(ctx context.Context, id int64) (Adjustment, error) {
	if id <= 0 {
		return Adjustment{}, ErrAdjustmentNotFound
	}
	adj, err := s.repo.GetAdjustment(ctx, id)
	if err != nil {
		return Adjustment{}, structured(err)
	}
	if adj.Type == AdjustmentDecrease {
		entries, err := s.repo.ListConsumptions(ctx, OwnerAdjustment, ownerKey(id))
		if err != nil {
			return Adjustment{}, structured(err)
		}
		adj.Consumptions = entries
	}
	return adj, nil
}

// GetCurrentStock reports quantity and value of a partition.
func (s *Service) GetCurrentStock(ctx context.Context, branchID, itemID int64) (StockLevel, error) {
	if err := validatePartition(branchID, itemID); err != nil {
		return StockLevel{}, err
	}
	stock, err := s.repo.StockLevel(ctx, branchID, itemID)
	if err != nil {
		return StockLevel{}, structured(err)
	}
	return stock, nil
}

// ListLayers returns the layers of a partition in FIFO order.
func (s *Service) ListLayers(ctx context.Context, branchID, itemID int64, includeExhausted bool) ([]CostLayer, error) {
	if err := validatePartition(branchID, itemID); err != nil {
		return nil, err
	}
	layers, err := s.repo.ListLayers(ctx, branchID, itemID, includeExhausted)
	if err != nil {
		return nil, structured(err)
	}
	sortFIFO(layers)
	return layers, nil
}

// withPartition runs fn under the partition lock inside one transaction with
// the balance row locked; the balance is written back before commit. The
// returned stock is read inside the same transaction.
func (s *Service) withPartition(ctx context.Context, branchID, itemID int64, fn func(context.Context, TxRepository, *Balance) error) (StockLevel, error) {
	release, err := s.locker.Acquire(ctx, shared.PartitionLockKey(branchID, itemID))
	if err != nil {
		if errors.Is(err, shared.ErrLockNotObtained) {
			return StockLevel{}, fmt.Errorf("%w: %w", ErrStoreConflict, err)
		}
		return StockLevel{}, err
	}
	defer release()

	var stock StockLevel
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		bal, err := tx.LockPartition(ctx, branchID, itemID)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, &bal); err != nil {
			return err
		}
		bal.Value = bal.Value.Round(costPlaces)
		bal.UpdatedAt = s.calendar.Now().UTC()
		if err := tx.UpsertBalance(ctx, bal); err != nil {
			return err
		}
		stock, err = tx.StockLevel(ctx, branchID, itemID)
		if err != nil {
			return fmt.Errorf("inventory: read stock level: %w", err)
		}
		return nil
	})
	if err != nil {
		return StockLevel{}, err
	}
	return stock, nil
}

// idempotent reserves key before fn and releases it when fn fails. A key
// still running in this process reports ErrRequestInProgress; one held by
// another instance or already committed reports ErrDuplicateRequest.
func (s *Service) idempotent(ctx context.Context, key string, fn func() error) error {
	key = strings.TrimSpace(key)
	if key == "" || s.idempotency == nil {
		return fn()
	}
	if _, busy := s.inflight.LoadOrStore(key, struct{}{}); busy {
		return withDetail(ErrRequestInProgress, "key %s", key)
	}
	defer s.inflight.Delete(key)
	if err := s.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return withDetail(ErrDuplicateRequest, "key %s", key)
		}
		return fmt.Errorf("inventory: reserve idempotency key: %w", err)
	}
	if err := fn(); err != nil {
		if delErr := s.idempotency.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			s.logger.Warn("inventory release idempotency key", slog.String("key", key), slog.Any("error", delErr))
		}
		return err
	}
	return nil
}

func (s *Service) audit(ctx context.Context, tx TxRepository, table string, recordID int64, action shared.AuditAction, actorID int64, before, after shared.AuditImage) error {
	entry, err := shared.NewAuditEntry(table, ownerKey(recordID), action, actorID, s.calendar.Now(), before, after)
	if err != nil {
		return err
	}
	if err := tx.InsertAuditEntry(ctx, entry); err != nil {
		return fmt.Errorf("inventory: record audit %s/%d: %w", table, recordID, err)
	}
	return nil
}

func (s *Service) notifyPartition(ctx context.Context, evt PartitionChangedEvent) {
	if s.integration == nil {
		return
	}
	if err := s.integration.HandlePartitionChanged(ctx, evt); err != nil {
		s.logger.Warn("inventory partition integration",
			slog.Int64("branch_id", evt.BranchID), slog.Int64("item_id", evt.ItemID), slog.Any("error", err))
	}
}

// finish structures err and records the failed outcome of a mutation.
func (s *Service) finish(operation string, err error) error {
	err = structured(err)
	if err != nil && KindOf(err) == KindInfrastructure {
		s.logger.Error("inventory operation failed", slog.String("operation", operation), slog.Any("error", err))
	}
	s.observe(operation, err)
	return err
}

// observe records the outcome of a mutation: "ok" or the error kind.
func (s *Service) observe(operation string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	s.metrics.ObserveOperation(operation, outcome)
}

func (s *Service) businessDate(t time.Time) time.Time {
	if t.IsZero() {
		return s.calendar.Today()
	}
	return shared.DateOnly(t)
}

func validatePartition(branchID, itemID int64) error {
	if branchID <= 0 || itemID <= 0 {
		return ErrPartitionRequired
	}
	return nil
}

func ownerKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func generateAdjustmentCode(date time.Time) string {
	return fmt.Sprintf("ADJ-%s-%s", date.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}

func layerImage(l CostLayer) shared.AuditImage {
	return shared.AuditImage{
		"id":                 l.ID,
		"branch_id":          l.BranchID,
		"item_id":            l.ItemID,
		"receipt_date":       l.ReceiptDate.Format(shared.DateLayout),
		"unit_cost":          l.UnitCost.String(),
		"original_quantity":  l.OriginalQty.String(),
		"remaining_quantity": l.RemainingQty.String(),
		"provenance":         string(l.Provenance),
		"source_ref":         l.SourceRef,
	}
}

func adjustmentImage(a Adjustment) shared.AuditImage {
	img := shared.AuditImage{
		"id":               a.ID,
		"code":             a.Code,
		"branch_id":        a.BranchID,
		"item_id":          a.ItemID,
		"type":             string(a.Type),
		"reason":           string(a.Reason),
		"quantity":         a.Quantity.String(),
		"unit_cost":        a.UnitCost.String(),
		"supply_price":     a.SupplyPrice.String(),
		"tax_amount":       a.TaxAmount.String(),
		"total_cost":       a.TotalCost.String(),
		"adjustment_date":  a.AdjustmentDate.Format(shared.DateLayout),
		"notes":            a.Notes,
		"reference_number": a.ReferenceNumber,
		"created_by":       a.CreatedBy,
		"is_cancelled":     a.IsCancelled,
		"cancel_reason":    a.CancelReason,
	}
	if a.LayerID != 0 {
		img["layer_id"] = a.LayerID
	}
	if a.CancelledAt != nil {
		img["cancelled_by"] = a.CancelledBy
		img["cancelled_at"] = a.CancelledAt.UTC().Format(time.RFC3339)
	}
	if len(a.Consumptions) > 0 {
		draws := make([]map[string]any, 0, len(a.Consumptions))
		for _, e := range a.Consumptions {
			draws = append(draws, map[string]any{
				"layer_id":  e.LayerID,
				"quantity":  e.Quantity.String(),
				"unit_cost": e.UnitCost.String(),
			})
		}
		img["consumptions"] = draws
	}
	return img
}
