package inventory

import (
	"github.com/shopspring/decimal"
)

// moneyPlaces is the precision of stored monetary amounts.
const moneyPlaces = 2

// quantityPlaces is the precision of stored quantities.
const quantityPlaces = 4

// withinScale reports whether v fits in places decimal digits.
func withinScale(v decimal.Decimal, places int32) bool {
	return v.Equal(v.Truncate(places))
}

// DefaultVATRate is applied when no rate is configured.
var DefaultVATRate = decimal.RequireFromString("0.10")

// CostBreakdown holds the cost fields of an increase adjustment.
type CostBreakdown struct {
	UnitCost    decimal.Decimal
	SupplyPrice decimal.Decimal
	TaxAmount   decimal.Decimal
	TotalCost   decimal.Decimal
}

// SplitVAT splits a VAT-inclusive total into supply price and tax.
func SplitVAT(total, rate decimal.Decimal) (supply, tax decimal.Decimal) {
	if rate.IsNegative() || rate.IsZero() {
		return total, decimal.Zero
	}
	supply = total.Div(decimal.NewFromInt(1).Add(rate)).Round(moneyPlaces)
	return supply, total.Sub(supply)
}

// resolveIncreaseCosts validates and completes the cost fields of an increase.
// Total defaults to unit cost × quantity; missing supply and tax are derived
// from the total.
func resolveIncreaseCosts(in AdjustmentInput, vatRate decimal.Decimal) (CostBreakdown, error) {
	if in.UnitCost.IsNegative() {
		return CostBreakdown{}, ErrInvalidUnitCost
	}
	if !in.UnitCost.IsPositive() {
		return CostBreakdown{}, ErrMissingUnitCost
	}
	if !withinScale(in.UnitCost, costPlaces) {
		return CostBreakdown{}, withDetail(ErrInvalidPrecision, "unit cost %s", in.UnitCost)
	}
	for _, v := range []decimal.NullDecimal{in.SupplyPrice, in.TaxAmount, in.TotalCost} {
		if !v.Valid {
			continue
		}
		if v.Decimal.IsNegative() {
			return CostBreakdown{}, withDetail(ErrInvalidCostFields, "amounts must be >= 0")
		}
		if !withinScale(v.Decimal, moneyPlaces) {
			return CostBreakdown{}, withDetail(ErrInvalidPrecision, "amount %s", v.Decimal)
		}
	}

	out := CostBreakdown{UnitCost: in.UnitCost}
	switch {
	case in.TotalCost.Valid:
		out.TotalCost = in.TotalCost.Decimal
	case in.SupplyPrice.Valid && in.TaxAmount.Valid:
		out.TotalCost = in.SupplyPrice.Decimal.Add(in.TaxAmount.Decimal)
	default:
		out.TotalCost = in.UnitCost.Mul(in.Quantity).Round(moneyPlaces)
	}

	switch {
	case in.SupplyPrice.Valid && in.TaxAmount.Valid:
		out.SupplyPrice = in.SupplyPrice.Decimal
		out.TaxAmount = in.TaxAmount.Decimal
		if !out.SupplyPrice.Add(out.TaxAmount).Equal(out.TotalCost) {
			return CostBreakdown{}, withDetail(ErrInvalidCostFields, "%s + %s != %s", out.SupplyPrice, out.TaxAmount, out.TotalCost)
		}
	case in.SupplyPrice.Valid:
		out.SupplyPrice = in.SupplyPrice.Decimal
		out.TaxAmount = out.TotalCost.Sub(out.SupplyPrice)
	case in.TaxAmount.Valid:
		out.TaxAmount = in.TaxAmount.Decimal
		out.SupplyPrice = out.TotalCost.Sub(out.TaxAmount)
	default:
		out.SupplyPrice, out.TaxAmount = SplitVAT(out.TotalCost, vatRate)
	}
	if out.SupplyPrice.IsNegative() || out.TaxAmount.IsNegative() {
		return CostBreakdown{}, withDetail(ErrInvalidCostFields, "derived amount below zero")
	}
	return out, nil
}
