package usage

import "github.com/shopspring/decimal"

// TierPrice holds the USD price per million tokens for one tier.
type TierPrice struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// PriceTable maps each tier to its prices. Immutable after startup.
type PriceTable map[Tier]TierPrice

// costScale is the number of decimal places costs are rounded to.
// Debits sum over many rows, so rounding is banker's (half-even) and the
// scale is fixed; floating point is never used in this path.
const costScale = 6

var million = decimal.NewFromInt(1_000_000)

// DefaultPrices is the build-time price table (USD per million tokens).
func DefaultPrices() PriceTable {
	return PriceTable{
		TierSmall:  {InputPerMillion: decimal.RequireFromString("0.25"), OutputPerMillion: decimal.RequireFromString("1.25")},
		TierMedium: {InputPerMillion: decimal.RequireFromString("3.00"), OutputPerMillion: decimal.RequireFromString("15.00")},
		TierLarge:  {InputPerMillion: decimal.RequireFromString("15.00"), OutputPerMillion: decimal.RequireFromString("75.00")},
	}
}

// Cost computes input*inPrice/1e6 + output*outPrice/1e6 in exact decimal,
// rounded half-even to six places.
func (p PriceTable) Cost(tier Tier, input, output int64) decimal.Decimal {
	price, ok := p[tier]
	if !ok {
		return decimal.Zero
	}
	in := decimal.NewFromInt(input).Mul(price.InputPerMillion).Div(million)
	out := decimal.NewFromInt(output).Mul(price.OutputPerMillion).Div(million)
	return in.Add(out).RoundBank(costScale)
}
