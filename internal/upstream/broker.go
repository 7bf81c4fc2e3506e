package upstream

// TopBroker is the dominant buy-side broker of a broker summary.
type TopBroker struct {
	Code     string
	Lots     int64
	AvgPrice int64
}

// SelectTopBroker picks the buyer with the largest buy value. Ties keep the
// earliest entry. ok is false when the summary has no buy-side brokers.
func SelectTopBroker(summary *BrokerSummaryResponse) (TopBroker, bool) {
	if summary == nil {
		return TopBroker{}, false
	}
	buyers := summary.Data.BrokerSummary.BrokersBuy
	if len(buyers) == 0 {
		return TopBroker{}, false
	}

	best := 0
	for i := 1; i < len(buyers); i++ {
		if buyers[i].BuyValue.Float() > buyers[best].BuyValue.Float() {
			best = i
		}
	}

	top := buyers[best]
	return TopBroker{
		Code:     top.BrokerCode,
		Lots:     top.BuyLot.Int(),
		AvgPrice: top.BuyAvgPrice.Int(),
	}, true
}

// RequireTopBroker is SelectTopBroker returning ErrNoBrokerData on an empty summary.
func RequireTopBroker(summary *BrokerSummaryResponse) (TopBroker, error) {
	top, ok := SelectTopBroker(summary)
	if !ok {
		return TopBroker{}, ErrNoBrokerData
	}
	return top, nil
}
