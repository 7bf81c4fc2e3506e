package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"watchlist-analyzer/internal/app"
)

var (
	calcAvgPrice   int64
	calcLots       int64
	calcAsk        int64
	calcBid        int64
	calcTotalBid   string
	calcTotalOffer string
	calcClose      int64
	calcPolicy     string
)

var calcCmd = &cobra.Command{
	Use:         "calc",
	Short:       "Compute targets from manual broker and order-book figures",
	Annotations: map[string]string{"config": "optional"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if calcAvgPrice <= 0 || calcClose <= 0 {
			return fmt.Errorf("--avg-price and --close must be greater than zero")
		}
		if calcAsk < calcBid {
			return fmt.Errorf("--ask must not be below --bid")
		}
		totalBid, err := decimal.NewFromString(calcTotalBid)
		if err != nil {
			return fmt.Errorf("--total-bid: %w", err)
		}
		totalOffer, err := decimal.NewFromString(calcTotalOffer)
		if err != nil {
			return fmt.Errorf("--total-offer: %w", err)
		}

		return getApp().Calc(app.CalcOptions{
			BrokerAvgPrice: calcAvgPrice,
			BrokerLots:     calcLots,
			AskCeiling:     calcAsk,
			BidFloor:       calcBid,
			TotalBidLots:   totalBid,
			TotalOfferLots: totalOffer,
			ClosePrice:     calcClose,
			Policy:         calcPolicy,
		})
	},
}

func init() {
	calcCmd.Flags().Int64Var(&calcAvgPrice, "avg-price", 0, "Top broker average buy price")
	calcCmd.Flags().Int64Var(&calcLots, "lots", 0, "Top broker bought lots")
	calcCmd.Flags().Int64Var(&calcAsk, "ask", 0, "Ask ceiling (highest offer)")
	calcCmd.Flags().Int64Var(&calcBid, "bid", 0, "Bid floor (lowest bid)")
	calcCmd.Flags().StringVar(&calcTotalBid, "total-bid", "0", "Total queued bid lots")
	calcCmd.Flags().StringVar(&calcTotalOffer, "total-offer", "0", "Total queued offer lots")
	calcCmd.Flags().Int64Var(&calcClose, "close", 0, "Close price")
	calcCmd.Flags().StringVar(&calcPolicy, "policy", "", "Degenerate book policy (reject|clamp); defaults to config")
}
