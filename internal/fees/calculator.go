package fees

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultPlatformFeeBps is the platform's 20% take expressed in basis points.
const DefaultPlatformFeeBps int64 = 2000

const bpsDenominator = 10000

// Breakdown splits a total into the platform fee and the seller's share.
type Breakdown struct {
	TotalCents       int64
	PlatformFeeCents int64
	PayeeNetCents    int64
}

// Calculator computes platform fees. It is safe for concurrent use and must be
// shared by every component that prices a hold or a purchase.
type Calculator struct {
	rate decimal.Decimal
}

func NewCalculator(feeBps int64) (*Calculator, error) {
	if feeBps < 0 || feeBps > bpsDenominator {
		return nil, fmt.Errorf("platform fee bps must be between 0 and %d, got %d", bpsDenominator, feeBps)
	}
	return &Calculator{rate: decimal.New(feeBps, 0).Div(decimal.New(bpsDenominator, 0))}, nil
}

// Calculate returns the fee rounded half-up to whole cents and the remainder.
func (c *Calculator) Calculate(totalCents int64) (Breakdown, error) {
	if totalCents < 0 {
		return Breakdown{}, fmt.Errorf("total must be non-negative, got %d", totalCents)
	}
	// Round rounds half away from zero, which is half-up for non-negative values.
	fee := decimal.New(totalCents, 0).Mul(c.rate).Round(0).IntPart()
	return Breakdown{
		TotalCents:       totalCents,
		PlatformFeeCents: fee,
		PayeeNetCents:    totalCents - fee,
	}, nil
}
