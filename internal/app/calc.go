package app

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"watchlist-analyzer/internal/analysis"
)

// CalcOptions are the manual calculator inputs. Lot totals are in lots.
type CalcOptions struct {
	BrokerAvgPrice int64
	BrokerLots     int64
	AskCeiling     int64
	BidFloor       int64
	TotalBidLots   decimal.Decimal
	TotalOfferLots decimal.Decimal
	ClosePrice     int64
	Policy         string
}

// Calc runs the target calculator on manual inputs and prints every field.
func (a *App) Calc(opts CalcOptions) error {
	policyName := opts.Policy
	if policyName == "" {
		policyName = a.Config.Job.DegenerateBook
	}
	policy, err := analysis.ParsePolicy(policyName)
	if err != nil {
		return err
	}

	targets, err := analysis.ComputeTargets(analysis.Inputs{
		BrokerAvgPrice: opts.BrokerAvgPrice,
		BrokerLots:     opts.BrokerLots,
		AskCeiling:     opts.AskCeiling,
		BidFloor:       opts.BidFloor,
		TotalBidLots:   opts.TotalBidLots,
		TotalOfferLots: opts.TotalOfferLots,
		ClosePrice:     opts.ClosePrice,
	}, policy)
	degenerate := errors.Is(err, analysis.ErrDegenerateBook)
	if err != nil && !degenerate {
		return err
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Tick size\t%d\n", targets.TickSize)
	fmt.Fprintf(writer, "Board lots\t%d\n", targets.BoardLots)
	fmt.Fprintf(writer, "Avg bid/offer lots\t%d\n", targets.AvgBidOfferLots)
	fmt.Fprintf(writer, "Accumulation margin\t%d\n", targets.AccumulationMargin)
	fmt.Fprintf(writer, "Pressure ratio\t%d\n", targets.PressureRatio)
	fmt.Fprintf(writer, "Target conservative\t%d\n", targets.TargetConservative)
	fmt.Fprintf(writer, "Target max\t%d\n", targets.TargetMax)
	if flushErr := writer.Flush(); flushErr != nil {
		return flushErr
	}
	if degenerate {
		return fmt.Errorf("%w: ask ceiling equals bid floor or the book is empty; use --policy clamp to force a result", err)
	}
	return nil
}
