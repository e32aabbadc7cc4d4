package inventory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/costledger/internal/inventory"
	"github.com/odyssey-erp/costledger/internal/inventory/memstore"
	"github.com/odyssey-erp/costledger/internal/rbac"
	"github.com/odyssey-erp/costledger/internal/shared"
)

var (
	testNow  = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	today    = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	staff    = rbac.Actor{ID: 11, Role: rbac.RoleStaff}
	manager  = rbac.Actor{ID: 12, Role: rbac.RoleManager}
	director = rbac.Actor{ID: 13, Role: rbac.RoleDirector}
	sysadmin = rbac.Actor{ID: 14, Role: rbac.RoleSystemAdmin}
)

const (
	branchID = int64(1)
	itemID   = int64(100)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(y int, m time.Month, dd int) time.Time { return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC) }

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s, got %s", want, got)
}

type recordingIntegration struct {
	mu        sync.Mutex
	changed   []inventory.PartitionChangedEvent
	posted    []inventory.AdjustmentPostedEvent
	cancelled []inventory.AdjustmentCancelledEvent
}

func (r *recordingIntegration) HandlePartitionChanged(_ context.Context, evt inventory.PartitionChangedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, evt)
	return nil
}

func (r *recordingIntegration) HandleAdjustmentPosted(_ context.Context, evt inventory.AdjustmentPostedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posted = append(r.posted, evt)
	return nil
}

func (r *recordingIntegration) HandleAdjustmentCancelled(_ context.Context, evt inventory.AdjustmentCancelledEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, evt)
	return errors.New("downstream unavailable")
}

type fixture struct {
	store  *memstore.Store
	svc    *inventory.Service
	events *recordingIntegration
}

func newFixture(t *testing.T, cfg inventory.ServiceConfig) *fixture {
	t.Helper()
	store := memstore.New()
	store.SetClock(func() time.Time { return testNow })
	cfg.Calendar = shared.NewBusinessCalendar(time.UTC, func() time.Time { return testNow })
	events := &recordingIntegration{}
	return &fixture{store: store, svc: inventory.NewService(store, store, cfg, events), events: events}
}

func (f *fixture) receive(t *testing.T, qty, cost string, on time.Time) inventory.CostLayer {
	t.Helper()
	layer, err := f.svc.ReceiveStock(context.Background(), staff, inventory.ReceiveInput{
		BranchID: branchID, ItemID: itemID, Quantity: d(qty), UnitCost: d(cost), ReceiptDate: on, Reference: "GRN",
	})
	require.NoError(t, err)
	return layer
}

func (f *fixture) layer(t *testing.T, id int64) (inventory.CostLayer, bool) {
	t.Helper()
	layers, err := f.svc.ListLayers(context.Background(), branchID, itemID, true)
	require.NoError(t, err)
	for _, l := range layers {
		if l.ID == id {
			return l, true
		}
	}
	return inventory.CostLayer{}, false
}

func (f *fixture) requireIntegrity(t *testing.T) {
	t.Helper()
	report, err := f.svc.VerifyPartition(context.Background(), branchID, itemID)
	require.NoError(t, err)
	require.Truef(t, report.OK(), "integrity failed: %+v", report)
}

func (f *fixture) auditCount(t *testing.T, filter shared.AuditFilter) int {
	t.Helper()
	n, err := f.store.CountAuditEntries(context.Background(), filter)
	require.NoError(t, err)
	return n
}

func TestReceiveStockCreatesLayerAndAudit(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	layer := f.receive(t, "100", "10", date(2024, 1, 1))

	require.NotZero(t, layer.ID)
	require.Equal(t, inventory.ProvenancePurchase, layer.Provenance)
	requireDecimal(t, "100", layer.RemainingQty)
	require.Equal(t, 1, f.auditCount(t, shared.AuditFilter{TableName: inventory.TableCostLayers, Action: shared.AuditInsert}))

	stock, err := f.svc.GetCurrentStock(context.Background(), branchID, itemID)
	require.NoError(t, err)
	requireDecimal(t, "100", stock.Quantity)
	requireDecimal(t, "1000", stock.Value)
	f.requireIntegrity(t)
}

func TestReceiveStockValidation(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()

	_, err := f.svc.ReceiveStock(ctx, staff, inventory.ReceiveInput{BranchID: branchID, ItemID: itemID, Quantity: d("0"), UnitCost: d("1")})
	require.ErrorIs(t, err, inventory.ErrInvalidQuantity)
	_, err = f.svc.ReceiveStock(ctx, staff, inventory.ReceiveInput{BranchID: branchID, ItemID: itemID, Quantity: d("1"), UnitCost: d("-1")})
	require.ErrorIs(t, err, inventory.ErrInvalidUnitCost)
	_, err = f.svc.ReceiveStock(ctx, staff, inventory.ReceiveInput{ItemID: itemID, Quantity: d("1"), UnitCost: d("1")})
	require.ErrorIs(t, err, inventory.ErrPartitionRequired)
	_, err = f.svc.ReceiveStock(ctx, rbac.Actor{}, inventory.ReceiveInput{BranchID: branchID, ItemID: itemID, Quantity: d("1"), UnitCost: d("1")})
	require.ErrorIs(t, err, inventory.ErrMissingActor)
	require.Equal(t, inventory.KindForbidden, inventory.KindOf(err))

	// zero cost is allowed for receipts
	_, err = f.svc.ReceiveStock(ctx, staff, inventory.ReceiveInput{BranchID: branchID, ItemID: itemID, Quantity: d("1"), UnitCost: d("0")})
	require.NoError(t, err)
}

func TestRejectsValuesBeyondStoredScale(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()

	for _, in := range []inventory.ReceiveInput{
		{Quantity: d("0.00001"), UnitCost: d("1")},
		{Quantity: d("1.00005"), UnitCost: d("1")},
		{Quantity: d("1"), UnitCost: d("1.123456")},
	} {
		in.BranchID, in.ItemID = branchID, itemID
		_, err := f.svc.ReceiveStock(ctx, staff, in)
		require.ErrorIs(t, err, inventory.ErrInvalidPrecision)
		require.Equal(t, inventory.KindValidation, inventory.KindOf(err))
	}
	layers, err := f.svc.ListLayers(ctx, branchID, itemID, true)
	require.NoError(t, err)
	require.Empty(t, layers)

	// trailing zeros are within scale
	f.receive(t, "1.10000", "2.500000", today)
	auditBefore := f.auditCount(t, shared.AuditFilter{})
	_, err = f.svc.RecordSale(ctx, staff, inventory.SaleInput{BranchID: branchID, ItemID: itemID, Quantity: d("0.00001"), SaleID: "SO-1"})
	require.ErrorIs(t, err, inventory.ErrInvalidPrecision)

	stock, err := f.svc.GetCurrentStock(ctx, branchID, itemID)
	require.NoError(t, err)
	requireDecimal(t, "1.1", stock.Quantity)
	require.Equal(t, auditBefore, f.auditCount(t, shared.AuditFilter{}))
	f.requireIntegrity(t)
}

// stockReadFails serves everything from memstore except the committed-state
// stock read.
type stockReadFails struct {
	*memstore.Store
}

func (stockReadFails) StockLevel(context.Context, int64, int64) (inventory.StockLevel, error) {
	return inventory.StockLevel{}, errors.New("stock read unavailable")
}

func TestMutationsReportStockFromTheirTransaction(t *testing.T) {
	store := memstore.New()
	store.SetClock(func() time.Time { return testNow })
	cfg := inventory.ServiceConfig{Calendar: shared.NewBusinessCalendar(time.UTC, func() time.Time { return testNow })}
	svc := inventory.NewService(stockReadFails{store}, store, cfg, nil)
	ctx := context.Background()

	_, err := svc.ReceiveStock(ctx, staff, inventory.ReceiveInput{BranchID: branchID, ItemID: itemID, Quantity: d("100"), UnitCost: d("2")})
	require.NoError(t, err)

	res, err := svc.ApplyAdjustment(ctx, manager, inventory.AdjustmentInput{
		BranchID: branchID, ItemID: itemID, Type: inventory.AdjustmentDecrease, Reason: inventory.ReasonDamage, Quantity: d("30"),
	})
	require.NoError(t, err)
	requireDecimal(t, "70", res.Stock.Quantity)
	requireDecimal(t, "140", res.Stock.Value)

	sale, err := svc.RecordSale(ctx, staff, inventory.SaleInput{BranchID: branchID, ItemID: itemID, Quantity: d("20"), SaleID: "SO-1"})
	require.NoError(t, err)
	requireDecimal(t, "50", sale.Stock.Quantity)
	require.Equal(t, branchID, sale.Stock.BranchID)
}

func TestRecordSaleConsumesOldestLayersFirst(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	l1 := f.receive(t, "100", "10", date(2024, 1, 1))
	l2 := f.receive(t, "50", "12", date(2024, 1, 5))

	result, err := f.svc.RecordSale(context.Background(), staff, inventory.SaleInput{
		BranchID: branchID, ItemID: itemID, Quantity: d("120"), SaleID: "SO-1",
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	require.Equal(t, l1.ID, result.Entries[0].LayerID)
	requireDecimal(t, "100", result.Entries[0].Quantity)
	requireDecimal(t, "10", result.Entries[0].UnitCost)
	require.Equal(t, l2.ID, result.Entries[1].LayerID)
	requireDecimal(t, "20", result.Entries[1].Quantity)
	requireDecimal(t, "12", result.Entries[1].UnitCost)
	requireDecimal(t, "10.33", inventory.WeightedAverageCost(result.Entries, 2))
	requireDecimal(t, "1240", result.TotalCost)

	got1, _ := f.layer(t, l1.ID)
	got2, _ := f.layer(t, l2.ID)
	requireDecimal(t, "0", got1.RemainingQty)
	requireDecimal(t, "30", got2.RemainingQty)
	requireDecimal(t, "30", result.Stock.Quantity)
	require.Equal(t, 2, f.auditCount(t, shared.AuditFilter{TableName: inventory.TableCostLayers, Action: shared.AuditUpdate}))
	f.requireIntegrity(t)
}

func TestRecordSaleEqualReceiptDatesUseInsertionOrder(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	first := f.receive(t, "5", "9", date(2024, 2, 1))
	second := f.receive(t, "5", "11", date(2024, 2, 1))

	result, err := f.svc.RecordSale(context.Background(), staff, inventory.SaleInput{
		BranchID: branchID, ItemID: itemID, Quantity: d("6"), SaleID: "SO-2",
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	require.Equal(t, first.ID, result.Entries[0].LayerID)
	require.Equal(t, second.ID, result.Entries[1].LayerID)
	requireDecimal(t, "1", result.Entries[1].Quantity)
}

func TestRecordSaleRejectsInsufficientStock(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	l1 := f.receive(t, "10", "10", date(2024, 1, 1))
	auditBefore := f.auditCount(t, shared.AuditFilter{})

	_, err := f.svc.RecordSale(context.Background(), staff, inventory.SaleInput{
		BranchID: branchID, ItemID: itemID, Quantity: d("11"), SaleID: "SO-3",
	})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	require.Equal(t, inventory.KindState, inventory.KindOf(err))

	got, _ := f.layer(t, l1.ID)
	requireDecimal(t, "10", got.RemainingQty)
	require.Equal(t, auditBefore, f.auditCount(t, shared.AuditFilter{}))
	f.requireIntegrity(t)
}

func TestRecordSaleAllowsOverageWhenConfigured(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{AllowNegativeStock: true})
	f.receive(t, "10", "8", date(2024, 1, 1))
	f.receive(t, "5", "9", date(2024, 1, 2))

	result, err := f.svc.RecordSale(context.Background(), staff, inventory.SaleInput{
		BranchID: branchID, ItemID: itemID, Quantity: d("20"), SaleID: "SO-4",
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 3)
	overage := result.Entries[2]
	require.True(t, overage.IsOverage())
	requireDecimal(t, "5", overage.Quantity)
	requireDecimal(t, "9", overage.UnitCost)
	requireDecimal(t, "5", result.Shortfall)

	stock, err := f.svc.GetCurrentStock(context.Background(), branchID, itemID)
	require.NoError(t, err)
	requireDecimal(t, "-5", stock.Quantity)
	requireDecimal(t, "5", stock.Overage)
	requireDecimal(t, "0", stock.LayerQuantity)
	f.requireIntegrity(t)
}

func TestDecreaseThenCancelRestoresLayers(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()
	f.receive(t, "100", "10", date(2024, 1, 1))
	l2 := f.receive(t, "50", "12", date(2024, 1, 5))
	_, err := f.svc.RecordSale(ctx, staff, inventory.SaleInput{BranchID: branchID, ItemID: itemID, Quantity: d("120"), SaleID: "SO-1"})
	require.NoError(t, err)

	res, err := f.svc.ApplyAdjustment(ctx, manager, inventory.AdjustmentInput{
		BranchID: branchID, ItemID: itemID, Type: inventory.AdjustmentDecrease, Reason: inventory.ReasonDamage, Quantity: d("30"),
	})
	require.NoError(t, err)
	adj := res.Adjustment
	require.Len(t, adj.Consumptions, 1)
	require.Equal(t, l2.ID, adj.Consumptions[0].LayerID)
	requireDecimal(t, "0", res.Stock.Quantity)
	requireDecimal(t, "0", adj.TotalCost)
	got, _ := f.layer(t, l2.ID)
	requireDecimal(t, "0", got.RemainingQty)

	cancelled, err := f.svc.CancelAdjustment(ctx, director, adj.ID, "counted wrong shelf")
	require.NoError(t, err)
	require.True(t, cancelled.IsCancelled)
	require.Equal(t, inventory.StatusCancelled, cancelled.Status())
	require.Equal(t, director.ID, cancelled.CancelledBy)

	got, _ = f.layer(t, l2.ID)
	requireDecimal(t, "30", got.RemainingQty)
	loaded, err := f.svc.GetAdjustment(ctx, adj.ID)
	require.NoError(t, err)
	require.True(t, loaded.IsCancelled)
	require.Len(t, loaded.Consumptions, 1)
	require.NotNil(t, loaded.Consumptions[0].ReversedAt)

	entries, err := f.store.ListAuditEntries(ctx, shared.AuditFilter{TableName: inventory.TableAdjustments, Action: shared.AuditUpdate})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].ChangedFields, "is_cancelled")
	require.Contains(t, entries[0].ChangedFields, "cancel_reason")
	require.Equal(t, director.ID, entries[0].ActorID)
	f.requireIntegrity(t)
}

func TestIncreaseThenCancelRemovesLayer(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()
	f.receive(t, "30", "12", date(2024, 1, 5))

	res, err := f.svc.ApplyAdjustment(ctx, manager, inventory.AdjustmentInput{
		BranchID: branchID, ItemID: itemID, Type: inventory.AdjustmentIncrease, Reason: inventory.ReasonStockCount,
		Quantity: d("40"), UnitCost: d("15"),
	})
	require.NoError(t, err)
	adj := res.Adjustment
	require.NotZero(t, adj.LayerID)
	require.Regexp(t, `^ADJ-20240315-[0-9A-F]{8}$`, adj.Code)
	requireDecimal(t, "600", adj.TotalCost)
	requireDecimal(t, "545.45", adj.SupplyPrice)
	requireDecimal(t, "54.55", adj.TaxAmount)
	requireDecimal(t, "70", res.Stock.Quantity)

	l3, ok := f.layer(t, adj.LayerID)
	require.True(t, ok)
	require.Equal(t, inventory.ProvenanceAdjustmentIncrease, l3.Provenance)
	require.True(t, l3.ReceiptDate.Equal(today))

	_, err = f.svc.CancelAdjustment(ctx, director, adj.ID, "duplicate entry")
	require.NoError(t, err)
	_, ok = f.layer(t, adj.LayerID)
	require.False(t, ok)
	require.Equal(t, 1, f.auditCount(t, shared.AuditFilter{TableName: inventory.TableCostLayers, Action: shared.AuditDelete}))

	stock, err := f.svc.GetCurrentStock(ctx, branchID, itemID)
	require.NoError(t, err)
	requireDecimal(t, "30", stock.Quantity)
	f.requireIntegrity(t)
}

func TestCancelIncreaseRejectedOnceLayerConsumed(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()
	res, err := f.svc.ApplyAdjustment(ctx, manager, inventory.AdjustmentInput{
		BranchID: branchID, ItemID: itemID, Type: inventory.AdjustmentIncrease, Reason: inventory.ReasonReturn,
		Quantity: d("40"), UnitCost: d("15"),
	})
	require.NoError(t, err)
	_, err = f.svc.RecordSale(ctx, staff, inventory.SaleInput{BranchID: branchID, ItemID: itemID, Quantity: d("1"), SaleID: "SO-9"})
	require.NoError(t, err)

	_, err = f.svc.CancelAdjustment(ctx, director, res.Adjustment.ID, "wrong")
	require.ErrorIs(t, err, inventory.ErrLayerPartiallyConsumed)

	adj, err := f.svc.GetAdjustment(ctx, res.Adjustment.ID)
	require.NoError(t, err)
	require.False(t, adj.IsCancelled)
	l, ok := f.layer(t, res.Adjustment.LayerID)
	require.True(t, ok)
	requireDecimal(t, "39", l.RemainingQty)
	f.requireIntegrity(t)
}

func TestCancelTwiceFailsWithAlreadyCancelled(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()
	res, err := f.svc.ApplyAdjustment(ctx, manager, inventory.AdjustmentInput{
		BranchID: branchID, ItemID: itemID, Type: inventory.AdjustmentIncrease, Reason: inventory.ReasonOther,
		Quantity: d("5"), UnitCost: d("2"), AdjustmentDate: today.AddDate(0, 0, -3),
	})
	require.NoError(t, err)

	_, err = f.svc.CancelAdjustment(ctx, sysadmin, res.Adjustment.ID, "typo")
	require.NoError(t, err)
	for _, actor := range []rbac.Actor{director, sysadmin} {
		_, err = f.svc.CancelAdjustment(ctx, actor, res.Adjustment.ID, "again")
		require.ErrorIs(t, err, inventory.ErrAlreadyCancelled)
	}
	f.requireIntegrity(t)
}

func TestCancelAuthorizationAndDateRules(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()
	yesterday, err := f.svc.ApplyAdjustment(ctx, manager, inventory.AdjustmentInput{
		BranchID: branchID, ItemID: itemID, Type: inventory.AdjustmentIncrease, Reason: inventory.ReasonStockCount,
		Quantity: d("5"), UnitCost: d("2"), AdjustmentDate: today.AddDate(0, 0, -1),
	})
	require.NoError(t, err)
	id := yesterday.Adjustment.ID

	_, err = f.svc.CancelAdjustment(ctx, director, id, "   ")
	require.ErrorIs(t, err, inventory.ErrCancelReasonRequired)

	_, err = f.svc.CancelAdjustment(ctx, manager, id, "reason")
	require.ErrorIs(t, err, inventory.ErrInsufficientRole)

	_, err = f.svc.CancelAdjustment(ctx, director, 9999, "reason")
	require.ErrorIs(t, err, inventory.ErrAdjustmentNotFound)
	require.Equal(t, inventory.KindNotFound, inventory.KindOf(err))

	_, err = f.svc.CancelAdjustment(ctx, director, id, "reason")
	require.ErrorIs(t, err, inventory.ErrPastDateCancellationForbidden)

	_, err = f.svc.CancelAdjustment(ctx, sysadmin, id, "reason")
	require.NoError(t, err)
}

func TestApplyAdjustmentValidation(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	base := inventory.AdjustmentInput{
		BranchID: branchID, ItemID: itemID, Type: inventory.AdjustmentIncrease, Reason: inventory.ReasonDamage,
		Quantity: d("1"), UnitCost: d("1"),
	}
	cases := []struct {
		name   string
		mutate func(*inventory.AdjustmentInput)
		want   error
	}{
		{"missing unit cost", func(in *inventory.AdjustmentInput) { in.UnitCost = decimal.Zero }, inventory.ErrMissingUnitCost},
		{"zero quantity", func(in *inventory.AdjustmentInput) { in.Quantity = decimal.Zero }, inventory.ErrInvalidQuantity},
		{"unknown reason", func(in *inventory.AdjustmentInput) { in.Reason = "THEFT" }, inventory.ErrInvalidReason},
		{"unknown type", func(in *inventory.AdjustmentInput) { in.Type = "MOVE" }, inventory.ErrInvalidAdjustment},
		{"cost fields mismatch", func(in *inventory.AdjustmentInput) {
			in.SupplyPrice = decimal.NewNullDecimal(d("1"))
			in.TaxAmount = decimal.NewNullDecimal(d("1"))
			in.TotalCost = decimal.NewNullDecimal(d("1"))
		}, inventory.ErrInvalidCostFields},
		{"decrease without stock", func(in *inventory.AdjustmentInput) { in.Type = inventory.AdjustmentDecrease }, inventory.ErrInsufficientStock},
		{"quantity past four places", func(in *inventory.AdjustmentInput) { in.Quantity = d("1.00001") }, inventory.ErrInvalidPrecision},
		{"unit cost past four places", func(in *inventory.AdjustmentInput) { in.UnitCost = d("1.00005") }, inventory.ErrInvalidPrecision},
		{"total past two places", func(in *inventory.AdjustmentInput) { in.TotalCost = decimal.NewNullDecimal(d("10.005")) }, inventory.ErrInvalidPrecision},
		{"tax past two places", func(in *inventory.AdjustmentInput) { in.TaxAmount = decimal.NewNullDecimal(d("0.001")) }, inventory.ErrInvalidPrecision},
		{"supply past two places", func(in *inventory.AdjustmentInput) { in.SupplyPrice = decimal.NewNullDecimal(d("0.999")) }, inventory.ErrInvalidPrecision},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			tc.mutate(&in)
			_, err := f.svc.ApplyAdjustment(context.Background(), manager, in)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Equal(t, 0, f.auditCount(t, shared.AuditFilter{}))
}

func TestDuplicateAdjustmentCodeRejected(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	in := inventory.AdjustmentInput{
		Code: "ADJ-FIXED", BranchID: branchID, ItemID: itemID, Type: inventory.AdjustmentIncrease,
		Reason: inventory.ReasonOther, Quantity: d("1"), UnitCost: d("1"),
	}
	_, err := f.svc.ApplyAdjustment(context.Background(), manager, in)
	require.NoError(t, err)
	_, err = f.svc.ApplyAdjustment(context.Background(), manager, in)
	require.ErrorIs(t, err, inventory.ErrDuplicateRequest)
	f.requireIntegrity(t)
}

func TestAuditFailureRollsBackOperation(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	f.store.FailAuditWrites(errors.New("audit disk full"))

	_, err := f.svc.ReceiveStock(context.Background(), staff, inventory.ReceiveInput{
		BranchID: branchID, ItemID: itemID, Quantity: d("10"), UnitCost: d("1"),
	})
	require.Error(t, err)
	require.Equal(t, inventory.KindInfrastructure, inventory.KindOf(err))

	layers, err := f.svc.ListLayers(context.Background(), branchID, itemID, true)
	require.NoError(t, err)
	require.Empty(t, layers)
	report, err := f.svc.GetMovements(context.Background(), inventory.MovementFilter{BranchID: branchID, ItemID: itemID})
	require.NoError(t, err)
	require.Empty(t, report.Rows)

	f.store.FailAuditWrites(nil)
	f.receive(t, "10", "1", today)
	f.requireIntegrity(t)
}

func TestIdempotencyKeyRejectsReplay(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()
	sale := inventory.SaleInput{BranchID: branchID, ItemID: itemID, Quantity: d("5"), SaleID: "SO-7", IdempotencyKey: "sale-7"}

	_, err := f.svc.RecordSale(ctx, staff, sale)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	// the failed attempt released the key
	f.receive(t, "10", "3", today)
	_, err = f.svc.RecordSale(ctx, staff, sale)
	require.NoError(t, err)

	_, err = f.svc.RecordSale(ctx, staff, sale)
	require.ErrorIs(t, err, inventory.ErrDuplicateRequest)
	stock, err := f.svc.GetCurrentStock(ctx, branchID, itemID)
	require.NoError(t, err)
	requireDecimal(t, "5", stock.Quantity)
}

type recordedOutcomes struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordedOutcomes) ObserveOperation(operation, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, operation+"/"+outcome)
}

func TestOperationOutcomesRecordedOnce(t *testing.T) {
	metrics := &recordedOutcomes{}
	f := newFixture(t, inventory.ServiceConfig{Metrics: metrics})
	ctx := context.Background()

	f.receive(t, "5", "2", today)
	_, err := f.svc.RecordSale(ctx, staff, inventory.SaleInput{BranchID: branchID, ItemID: itemID, Quantity: d("9"), SaleID: "SO-1"})
	require.Error(t, err)
	res, err := f.svc.ApplyAdjustment(ctx, manager, inventory.AdjustmentInput{
		BranchID: branchID, ItemID: itemID, Type: inventory.AdjustmentDecrease, Reason: inventory.ReasonLoss, Quantity: d("1"),
	})
	require.NoError(t, err)
	_, err = f.svc.CancelAdjustment(ctx, director, res.Adjustment.ID, "found")
	require.NoError(t, err)
	_, err = f.svc.CancelAdjustment(ctx, staff, res.Adjustment.ID, "again")
	require.Error(t, err)

	require.Equal(t, []string{"receive/ok", "sale/state", "adjust/ok", "cancel/ok", "cancel/forbidden"}, metrics.seen)
}

// gatedKeys holds the first key reservation until proceed is closed.
type gatedKeys struct {
	*memstore.Store
	once    sync.Once
	entered chan struct{}
	proceed chan struct{}
}

func (g *gatedKeys) CheckAndInsert(ctx context.Context, key, module string) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.proceed
	}
	return g.Store.CheckAndInsert(ctx, key, module)
}

func TestIdempotencyKeyInFlightReportsInProgress(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	f.receive(t, "10", "3", today)
	keys := &gatedKeys{Store: f.store, entered: make(chan struct{}), proceed: make(chan struct{})}
	svc := inventory.NewService(f.store, keys, inventory.ServiceConfig{Calendar: f.svc.Calendar()}, nil)
	ctx := context.Background()
	sale := inventory.SaleInput{BranchID: branchID, ItemID: itemID, Quantity: d("4"), SaleID: "SO-8", IdempotencyKey: "sale-8"}

	first := make(chan error, 1)
	go func() {
		_, err := svc.RecordSale(ctx, staff, sale)
		first <- err
	}()
	<-keys.entered

	_, err := svc.RecordSale(ctx, staff, sale)
	require.ErrorIs(t, err, inventory.ErrRequestInProgress)
	require.Equal(t, inventory.KindState, inventory.KindOf(err))

	close(keys.proceed)
	require.NoError(t, <-first)

	_, err = svc.RecordSale(ctx, staff, sale)
	require.ErrorIs(t, err, inventory.ErrDuplicateRequest)
	stock, err := svc.GetCurrentStock(ctx, branchID, itemID)
	require.NoError(t, err)
	requireDecimal(t, "6", stock.Quantity)
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	f.receive(t, "100", "10", date(2024, 1, 1))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.RecordSale(context.Background(), staff, inventory.SaleInput{
				BranchID: branchID, ItemID: itemID, Quantity: d("10"), SaleID: fmt.Sprintf("SO-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
			rejected++
		}(i)
	}
	wg.Wait()

	require.Equal(t, 10, succeeded)
	require.Equal(t, 10, rejected)
	stock, err := f.svc.GetCurrentStock(context.Background(), branchID, itemID)
	require.NoError(t, err)
	requireDecimal(t, "0", stock.Quantity)
	f.requireIntegrity(t)
}

func TestConcurrentCancelAndSaleKeepLayerSafe(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()
	res, err := f.svc.ApplyAdjustment(ctx, manager, inventory.AdjustmentInput{
		BranchID: branchID, ItemID: itemID, Type: inventory.AdjustmentIncrease, Reason: inventory.ReasonStockCount,
		Quantity: d("10"), UnitCost: d("4"),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var saleErr, cancelErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, saleErr = f.svc.RecordSale(ctx, staff, inventory.SaleInput{BranchID: branchID, ItemID: itemID, Quantity: d("3"), SaleID: "SO-R"})
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = f.svc.CancelAdjustment(ctx, director, res.Adjustment.ID, "race")
	}()
	wg.Wait()

	// exactly one side wins
	if cancelErr == nil {
		require.ErrorIs(t, saleErr, inventory.ErrInsufficientStock)
	} else {
		require.NoError(t, saleErr)
		require.ErrorIs(t, cancelErr, inventory.ErrLayerPartiallyConsumed)
	}
	f.requireIntegrity(t)
}

func TestGetMovementsReconstructsHistory(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()
	f.receive(t, "100", "10", date(2024, 1, 10))
	_, err := f.svc.RecordSale(ctx, staff, inventory.SaleInput{
		BranchID: branchID, ItemID: itemID, Quantity: d("30"), SaleID: "SO-1", SaleDate: date(2024, 2, 5),
	})
	require.NoError(t, err)
	res, err := f.svc.ApplyAdjustment(ctx, manager, inventory.AdjustmentInput{
		BranchID: branchID, ItemID: itemID, Type: inventory.AdjustmentIncrease, Reason: inventory.ReasonStockCount,
		Quantity: d("10"), UnitCost: d("12"),
	})
	require.NoError(t, err)
	_, err = f.svc.CancelAdjustment(ctx, director, res.Adjustment.ID, "miscount")
	require.NoError(t, err)

	report, err := f.svc.GetMovements(ctx, inventory.MovementFilter{BranchID: branchID, ItemID: itemID})
	require.NoError(t, err)
	require.Len(t, report.Rows, 4)
	kinds := make([]inventory.MovementKind, 0, 4)
	for _, row := range report.Rows {
		kinds = append(kinds, row.Kind)
	}
	require.Equal(t, []inventory.MovementKind{
		inventory.MovementReceipt, inventory.MovementSale, inventory.MovementAdjustmentIncrease, inventory.MovementCancelIncrease,
	}, kinds)
	require.True(t, report.Rows[2].Cancelled)
	require.False(t, report.Rows[3].Cancelled)
	requireDecimal(t, "80", report.Rows[2].Balance)
	requireDecimal(t, "70", report.Closing)
	require.Len(t, report.Subtotals, 3)

	windowed, err := f.svc.GetMovements(ctx, inventory.MovementFilter{BranchID: branchID, ItemID: itemID, From: date(2024, 2, 1), To: date(2024, 2, 29)})
	require.NoError(t, err)
	requireDecimal(t, "100", windowed.Opening)
	require.Len(t, windowed.Rows, 1)
	requireDecimal(t, "70", windowed.Closing)

	_, err = f.svc.GetMovements(ctx, inventory.MovementFilter{BranchID: branchID, ItemID: itemID, From: date(2024, 3, 1), To: date(2024, 2, 1)})
	require.ErrorIs(t, err, inventory.ErrInvalidDateRange)
}

func TestVerifyPartitionDetectsBalanceDrift(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	f.receive(t, "10", "1", today)
	f.store.OverrideBalance(inventory.Balance{BranchID: branchID, ItemID: itemID, Qty: d("12"), Value: d("12")})

	report, err := f.svc.VerifyPartition(context.Background(), branchID, itemID)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.False(t, report.BalanceOK)
	require.True(t, report.ConservationOK)
	require.True(t, report.MovementsOK)

	partitions, err := f.svc.ListPartitions(context.Background())
	require.NoError(t, err)
	require.Equal(t, []inventory.Partition{{BranchID: branchID, ItemID: itemID}}, partitions)
}

func TestIntegrationEventsFollowCommits(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()
	f.receive(t, "10", "1", today)
	res, err := f.svc.ApplyAdjustment(ctx, manager, inventory.AdjustmentInput{
		BranchID: branchID, ItemID: itemID, Type: inventory.AdjustmentDecrease, Reason: inventory.ReasonLoss, Quantity: d("2"),
	})
	require.NoError(t, err)
	// a failing downstream handler does not undo the cancellation
	_, err = f.svc.CancelAdjustment(ctx, director, res.Adjustment.ID, "found")
	require.NoError(t, err)

	require.Len(t, f.events.changed, 3)
	require.Len(t, f.events.posted, 1)
	require.Equal(t, res.Adjustment.Code, f.events.posted[0].Code)
	require.Len(t, f.events.cancelled, 1)
	require.Equal(t, director.ID, f.events.cancelled[0].CancelledBy)
}
