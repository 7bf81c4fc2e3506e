// Package analysis computes accumulation target prices from a dominant
// broker's position and the current order book.
package analysis

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// SharesPerLot converts the order book's share totals into board lots.
const SharesPerLot = 100

var (
	marginRate = decimal.RequireFromString("0.05")
	half       = decimal.RequireFromString("0.5")
	two        = decimal.NewFromInt(2)
)

// ErrDegenerateBook marks an order book with no usable spread or depth
// (ask ceiling equal to bid floor, or zero queued lots), which would divide by zero.
var ErrDegenerateBook = errors.New("degenerate order book")

// DegeneratePolicy decides what ComputeTargets does with a degenerate book.
type DegeneratePolicy int

const (
	// RejectDegenerate returns ErrDegenerateBook alongside the partial result.
	RejectDegenerate DegeneratePolicy = iota
	// ClampDegenerate treats the zero divisions as zero and carries on.
	ClampDegenerate
)

// ParsePolicy maps the configuration value onto a policy.
func ParsePolicy(v string) (DegeneratePolicy, error) {
	switch v {
	case "reject", "":
		return RejectDegenerate, nil
	case "clamp":
		return ClampDegenerate, nil
	default:
		return RejectDegenerate, fmt.Errorf("unknown degenerate book policy %q", v)
	}
}

// Inputs are the broker and order-book figures for one ticker.
type Inputs struct {
	BrokerAvgPrice int64
	BrokerLots     int64
	AskCeiling     int64
	BidFloor       int64
	TotalBidLots   decimal.Decimal
	TotalOfferLots decimal.Decimal
	ClosePrice     int64
}

// Targets holds the derived fields, each rounded once from full precision.
type Targets struct {
	TickSize           int64
	BoardLots          int64
	AvgBidOfferLots    int64
	AccumulationMargin int64
	PressureRatio      int64
	TargetConservative int64
	TargetMax          int64
}

// TickSize returns the exchange price increment ("fraksi") for price.
func TickSize(price int64) int64 {
	switch {
	case price < 200:
		return 1
	case price < 500:
		return 2
	case price < 2000:
		return 5
	case price < 5000:
		return 10
	default:
		return 25
	}
}

// LotsFromShares converts a share count into (possibly fractional) lots.
func LotsFromShares(shares int64) decimal.Decimal {
	return decimal.NewFromInt(shares).Div(decimal.NewFromInt(SharesPerLot))
}

// ComputeTargets derives the conservative and maximum targets. With
// RejectDegenerate a degenerate book yields ErrDegenerateBook together with the
// fields that could still be computed; with ClampDegenerate the average depth
// and pressure ratio become zero and the targets collapse to price plus margin.
func ComputeTargets(in Inputs, policy DegeneratePolicy) (Targets, error) {
	tick := decimal.NewFromInt(TickSize(in.ClosePrice))
	avgPrice := decimal.NewFromInt(in.BrokerAvgPrice)

	boardLots := decimal.NewFromInt(in.AskCeiling - in.BidFloor).Div(tick)
	margin := avgPrice.Mul(marginRate)

	out := Targets{
		TickSize:           tick.IntPart(),
		BoardLots:          roundHalfUp(boardLots),
		AccumulationMargin: roundHalfUp(margin),
	}

	avgDepth := decimal.Zero
	pressure := decimal.Zero
	degenerate := boardLots.IsZero()
	if !degenerate {
		avgDepth = in.TotalBidLots.Add(in.TotalOfferLots).Div(boardLots)
		degenerate = avgDepth.IsZero()
	}
	if degenerate {
		if policy == RejectDegenerate {
			return out, ErrDegenerateBook
		}
	} else {
		pressure = decimal.NewFromInt(in.BrokerLots).Div(avgDepth)
	}

	base := avgPrice.Add(margin)
	out.AvgBidOfferLots = roundHalfUp(avgDepth)
	out.PressureRatio = roundHalfUp(pressure)
	out.TargetConservative = roundHalfUp(base.Add(pressure.Div(two).Mul(tick)))
	out.TargetMax = roundHalfUp(base.Add(pressure.Mul(tick)))
	return out, nil
}

// roundHalfUp rounds to the nearest integer with halves going toward +Inf,
// so -2.5 becomes -2 as in the historical data.
func roundHalfUp(d decimal.Decimal) int64 {
	return d.Add(half).Floor().IntPart()
}
