package upstream

import "math"

// BookSnapshot is the order-book figures the target calculator consumes.
type BookSnapshot struct {
	Close          int64
	BestAsk        int64
	BestBid        int64
	TotalBidLots   int64
	TotalOfferLots int64
}

// Snapshot derives the best ask (highest offer, falling back to the day high),
// best bid (lowest bid, falling back to zero) and the aggregate lot totals.
func (o *OrderBook) Snapshot() (BookSnapshot, error) {
	if !o.Close.Valid() {
		return BookSnapshot{}, shapeErrorf(endpointOrderBook, "missing close price")
	}
	if !o.TotalBidOffer.Bid.Lot.Valid() || !o.TotalBidOffer.Offer.Lot.Valid() {
		return BookSnapshot{}, shapeErrorf(endpointOrderBook, "missing total_bid_offer lots")
	}

	snap := BookSnapshot{
		Close:          o.Close.Int(),
		BestAsk:        o.High.Int(),
		TotalBidLots:   o.TotalBidOffer.Bid.Lot.Int(),
		TotalOfferLots: o.TotalBidOffer.Offer.Lot.Int(),
	}

	if ask, ok := extremePrice(o.Offer, math.Max); ok {
		snap.BestAsk = ask
	}
	if bid, ok := extremePrice(o.Bid, math.Min); ok {
		snap.BestBid = bid
	}
	return snap, nil
}

func extremePrice(levels []BookLevel, pick func(a, b float64) float64) (int64, bool) {
	found := false
	var acc float64
	for _, level := range levels {
		if !level.Price.Valid() {
			continue
		}
		if !found {
			acc, found = level.Price.Float(), true
			continue
		}
		acc = pick(acc, level.Price.Float())
	}
	return int64(math.Round(acc)), found
}
