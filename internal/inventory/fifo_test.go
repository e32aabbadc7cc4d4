package inventory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func TestPlanFIFOOldestFirst(t *testing.T) {
	layers := []CostLayer{
		{ID: 2, ReceiptDate: day(2024, 1, 5), UnitCost: dec("12"), OriginalQty: dec("50"), RemainingQty: dec("50")},
		{ID: 1, ReceiptDate: day(2024, 1, 1), UnitCost: dec("10"), OriginalQty: dec("100"), RemainingQty: dec("100")},
	}
	plan := planFIFO(layers, dec("120"))
	require.Len(t, plan.Draws, 2)
	require.Equal(t, int64(1), plan.Draws[0].Layer.ID)
	requireDecimal(t, "100", plan.Draws[0].Quantity)
	require.Equal(t, int64(2), plan.Draws[1].Layer.ID)
	requireDecimal(t, "20", plan.Draws[1].Quantity)
	requireDecimal(t, "0", plan.Shortfall)
	requireDecimal(t, "120", plan.Drawn())

	// input order untouched
	require.Equal(t, int64(2), layers[0].ID)
}

func TestPlanFIFOEqualDateUsesInsertionOrder(t *testing.T) {
	layers := []CostLayer{
		{ID: 8, ReceiptDate: day(2024, 2, 1), UnitCost: dec("9"), RemainingQty: dec("5")},
		{ID: 7, ReceiptDate: day(2024, 2, 1), UnitCost: dec("11"), RemainingQty: dec("5")},
	}
	plan := planFIFO(layers, dec("6"))
	require.Len(t, plan.Draws, 2)
	require.Equal(t, int64(7), plan.Draws[0].Layer.ID)
	requireDecimal(t, "5", plan.Draws[0].Quantity)
	require.Equal(t, int64(8), plan.Draws[1].Layer.ID)
	requireDecimal(t, "1", plan.Draws[1].Quantity)
}

func TestPlanFIFOSkipsExhaustedAndReportsShortfall(t *testing.T) {
	layers := []CostLayer{
		{ID: 1, ReceiptDate: day(2024, 1, 1), RemainingQty: dec("0")},
		{ID: 2, ReceiptDate: day(2024, 1, 2), RemainingQty: dec("3")},
	}
	plan := planFIFO(layers, dec("10"))
	require.Len(t, plan.Draws, 1)
	require.Equal(t, int64(2), plan.Draws[0].Layer.ID)
	requireDecimal(t, "7", plan.Shortfall)

	empty := planFIFO(nil, dec("4"))
	require.Empty(t, empty.Draws)
	requireDecimal(t, "4", empty.Shortfall)
}

func TestWeightedAverageCost(t *testing.T) {
	entries := []ConsumptionEntry{
		{LayerID: 1, Quantity: dec("100"), UnitCost: dec("10")},
		{LayerID: 2, Quantity: dec("20"), UnitCost: dec("12")},
	}
	requireDecimal(t, "10.33", WeightedAverageCost(entries, 2))
	requireDecimal(t, "10.3333", WeightedAverageCost(entries, 4))
	requireDecimal(t, "1240", TotalCost(entries))
	requireDecimal(t, "0", WeightedAverageCost(nil, 2))

	halfUp := []ConsumptionEntry{{Quantity: dec("2"), UnitCost: dec("0.125")}, {Quantity: dec("2"), UnitCost: dec("0.125")}}
	requireDecimal(t, "0.13", WeightedAverageCost(halfUp, 2))
}

func TestLayerCostIgnoresOverage(t *testing.T) {
	entries := []ConsumptionEntry{
		{LayerID: 1, Quantity: dec("2"), UnitCost: dec("5")},
		{Quantity: dec("3"), UnitCost: dec("5")},
	}
	requireDecimal(t, "10", layerCost(entries))
	requireDecimal(t, "25", TotalCost(entries))
}

func TestSplitVAT(t *testing.T) {
	supply, tax := SplitVAT(dec("600"), DefaultVATRate)
	requireDecimal(t, "545.45", supply)
	requireDecimal(t, "54.55", tax)

	supply, tax = SplitVAT(dec("110"), dec("0"))
	requireDecimal(t, "110", supply)
	requireDecimal(t, "0", tax)
}

func TestResolveIncreaseCosts(t *testing.T) {
	base := AdjustmentInput{Type: AdjustmentIncrease, Quantity: dec("40"), UnitCost: dec("15")}

	t.Run("derived from unit cost", func(t *testing.T) {
		costs, err := resolveIncreaseCosts(base, DefaultVATRate)
		require.NoError(t, err)
		requireDecimal(t, "600", costs.TotalCost)
		requireDecimal(t, "545.45", costs.SupplyPrice)
		requireDecimal(t, "54.55", costs.TaxAmount)
	})

	t.Run("explicit fields must add up", func(t *testing.T) {
		in := base
		in.SupplyPrice = decimal.NewNullDecimal(dec("500"))
		in.TaxAmount = decimal.NewNullDecimal(dec("50"))
		in.TotalCost = decimal.NewNullDecimal(dec("600"))
		_, err := resolveIncreaseCosts(in, DefaultVATRate)
		require.ErrorIs(t, err, ErrInvalidCostFields)

		in.TotalCost = decimal.NewNullDecimal(dec("550"))
		costs, err := resolveIncreaseCosts(in, DefaultVATRate)
		require.NoError(t, err)
		requireDecimal(t, "550", costs.TotalCost)
	})

	t.Run("one side derives the other", func(t *testing.T) {
		in := base
		in.TaxAmount = decimal.NewNullDecimal(dec("0"))
		costs, err := resolveIncreaseCosts(in, DefaultVATRate)
		require.NoError(t, err)
		requireDecimal(t, "600", costs.SupplyPrice)
	})

	t.Run("unit cost required", func(t *testing.T) {
		in := base
		in.UnitCost = decimal.Zero
		_, err := resolveIncreaseCosts(in, DefaultVATRate)
		require.ErrorIs(t, err, ErrMissingUnitCost)

		in.UnitCost = dec("-1")
		_, err = resolveIncreaseCosts(in, DefaultVATRate)
		require.ErrorIs(t, err, ErrInvalidUnitCost)
	})

	t.Run("negative amounts rejected", func(t *testing.T) {
		in := base
		in.TotalCost = decimal.NewNullDecimal(dec("-5"))
		_, err := resolveIncreaseCosts(in, DefaultVATRate)
		require.ErrorIs(t, err, ErrInvalidCostFields)
	})
}

func TestWithinScale(t *testing.T) {
	require.True(t, withinScale(dec("1.1000"), quantityPlaces))
	require.True(t, withinScale(dec("1.10000000"), quantityPlaces))
	require.True(t, withinScale(dec("-3.25"), moneyPlaces))
	require.False(t, withinScale(dec("0.00001"), quantityPlaces))
	require.False(t, withinScale(dec("-0.125"), moneyPlaces))
}

func TestErrorKinds(t *testing.T) {
	require.Equal(t, KindState, KindOf(withDetail(ErrInsufficientStock, "requested %d", 5)))
	require.Equal(t, KindValidation, KindOf(ErrInvalidQuantity))
	require.Equal(t, KindInfrastructure, KindOf(structured(errTest("boom"))))

	var e *Error
	require.ErrorAs(t, structured(errTest("boom")), &e)
	require.True(t, e.Retryable())
	require.Equal(t, "store_unavailable", e.ErrorCode())
}

type errTest string

func (e errTest) Error() string { return string(e) }
