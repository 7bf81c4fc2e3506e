package upstream

import (
	"encoding/json"
	"strings"
)

// WatchlistGroup is one entry of GET /watchlist.
type WatchlistGroup struct {
	WatchlistID  int64  `json:"watchlist_id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	IsDefault    bool   `json:"is_default"`
	IsFavorite   bool   `json:"is_favorite"`
	CategoryType string `json:"category_type"`
	TotalItems   int    `json:"total_items"`
}

// watchlistGroupsResponse carries data as either an array or a single object.
type watchlistGroupsResponse struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// WatchlistItem is one ticker in a watchlist group.
type WatchlistItem struct {
	CompanyID        int64  `json:"company_id"`
	CompanyCode      string `json:"company_code"`
	Symbol           string `json:"symbol"`
	CompanyName      string `json:"company_name"`
	LastPrice        Number `json:"last_price"`
	ChangePoint      Number `json:"change_point"`
	ChangePercentage Number `json:"change_percentage"`
	Volume           Number `json:"volume"`
	Frequency        Number `json:"frequency"`
}

// Ticker returns the uppercase trading symbol.
func (w WatchlistItem) Ticker() string {
	code := w.Symbol
	if code == "" {
		code = w.CompanyCode
	}
	return strings.ToUpper(strings.TrimSpace(code))
}

// WatchlistResponse is GET /watchlist/{id}.
type WatchlistResponse struct {
	Message string `json:"message"`
	Data    struct {
		WatchlistID int64           `json:"watchlist_id"`
		Result      []WatchlistItem `json:"result"`
	} `json:"data"`
}

// Tickers lists the distinct symbols in watchlist order.
func (w *WatchlistResponse) Tickers() []string {
	seen := make(map[string]struct{}, len(w.Data.Result))
	out := make([]string, 0, len(w.Data.Result))
	for _, item := range w.Data.Result {
		t := item.Ticker()
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// BrokerBuy is one row of brokers_buy.
type BrokerBuy struct {
	BrokerCode  string `json:"netbs_broker_code"`
	BuyLot      Number `json:"blot"`
	BuyValue    Number `json:"bval"`
	BuyAvgPrice Number `json:"netbs_buy_avg_price"`
	Date        string `json:"netbs_date"`
	StockCode   string `json:"netbs_stock_code"`
	Type        string `json:"type"`
}

// BrokerSell is one row of brokers_sell.
type BrokerSell struct {
	BrokerCode   string `json:"netbs_broker_code"`
	SellLot      Number `json:"slot"`
	SellValue    Number `json:"sval"`
	SellAvgPrice Number `json:"netbs_sell_avg_price"`
	Date         string `json:"netbs_date"`
	StockCode    string `json:"netbs_stock_code"`
	Type         string `json:"type"`
}

// BrokerSummaryResponse is GET /marketdetectors/{ticker}.
type BrokerSummaryResponse struct {
	Message string `json:"message"`
	Data    struct {
		BrokerSummary struct {
			BrokersBuy  []BrokerBuy  `json:"brokers_buy"`
			BrokersSell []BrokerSell `json:"brokers_sell"`
		} `json:"broker_summary"`
		BandarDetector json.RawMessage `json:"bandar_detector"`
	} `json:"data"`
}

// BookLevel is one price level of the order book.
type BookLevel struct {
	Price            Number `json:"price"`
	QueueNum         Number `json:"que_num"`
	Volume           Number `json:"volume"`
	ChangePercentage Number `json:"change_percentage"`
}

// OrderBook is the payload of the order-book endpoint.
type OrderBook struct {
	Close         Number      `json:"close"`
	High          Number      `json:"high"`
	Offer         []BookLevel `json:"offer"`
	Bid           []BookLevel `json:"bid"`
	TotalBidOffer struct {
		Bid struct {
			Lot Number `json:"lot"`
		} `json:"bid"`
		Offer struct {
			Lot Number `json:"lot"`
		} `json:"offer"`
	} `json:"total_bid_offer"`
}

// OrderBookResponse wraps the order book; some deployments omit the data envelope.
type OrderBookResponse struct {
	Data OrderBook `json:"data"`
}

// TickerInfoResponse is GET /emitten/{ticker}/info.
type TickerInfoResponse struct {
	Message string `json:"message"`
	Data    struct {
		Sector    string `json:"sector"`
		SubSector string `json:"sub_sector"`
		Symbol    string `json:"symbol"`
		Name      string `json:"name"`
		Price     Number `json:"price"`
		Change    Number `json:"change"`
	} `json:"data"`
}
