package inventory

import (
	"sort"

	"github.com/shopspring/decimal"
)

// costPlaces is the precision used for unit costs derived from several layers.
const costPlaces = 4

// layerDraw is the quantity taken from one layer.
type layerDraw struct {
	Layer    CostLayer
	Quantity decimal.Decimal
}

// consumptionPlan is the outcome of walking layers oldest first.
type consumptionPlan struct {
	Draws     []layerDraw
	Shortfall decimal.Decimal
}

// Drawn returns the quantity covered by layers.
func (p consumptionPlan) Drawn() decimal.Decimal {
	total := decimal.Zero
	for _, d := range p.Draws {
		total = total.Add(d.Quantity)
	}
	return total
}

// sortFIFO orders layers by receipt date, then id.
func sortFIFO(layers []CostLayer) {
	sort.SliceStable(layers, func(i, j int) bool {
		if !layers[i].ReceiptDate.Equal(layers[j].ReceiptDate) {
			return layers[i].ReceiptDate.Before(layers[j].ReceiptDate)
		}
		return layers[i].ID < layers[j].ID
	})
}

// planFIFO draws qty from layers oldest first. Layers are not modified; any
// quantity left after the last layer is reported as shortfall.
func planFIFO(layers []CostLayer, qty decimal.Decimal) consumptionPlan {
	ordered := make([]CostLayer, len(layers))
	copy(ordered, layers)
	sortFIFO(ordered)

	plan := consumptionPlan{Shortfall: decimal.Zero}
	needed := qty
	for _, layer := range ordered {
		if !needed.IsPositive() {
			break
		}
		if !layer.RemainingQty.IsPositive() {
			continue
		}
		take := decimal.Min(layer.RemainingQty, needed)
		plan.Draws = append(plan.Draws, layerDraw{Layer: layer, Quantity: take})
		needed = needed.Sub(take)
	}
	if needed.IsPositive() {
		plan.Shortfall = needed
	}
	return plan
}

// TotalCost sums quantity × unit cost over entries.
func TotalCost(entries []ConsumptionEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Cost())
	}
	return total
}

// TotalQuantity sums entry quantities.
func TotalQuantity(entries []ConsumptionEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Quantity)
	}
	return total
}

// WeightedAverageCost returns Σ(qty × cost) / Σ qty rounded half-up to places.
// Empty input yields zero.
func WeightedAverageCost(entries []ConsumptionEntry, places int32) decimal.Decimal {
	qty := TotalQuantity(entries)
	if qty.IsZero() {
		return decimal.Zero
	}
	return TotalCost(entries).Div(qty).Round(places)
}

// layerCost returns the cost of the layer-backed part of entries.
func layerCost(entries []ConsumptionEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if !e.IsOverage() {
			total = total.Add(e.Cost())
		}
	}
	return total
}
