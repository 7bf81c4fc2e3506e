package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) GetToken(context.Context) (string, error) { return string(s), nil }

type failingToken struct{ err error }

func (f failingToken) GetToken(context.Context) (string, error) { return "", f.err }

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL:   srv.URL,
		Origin:    "https://example.test",
		Referer:   "https://example.test/",
		UserAgent: "test-agent",
		Timeout:   time.Second,
	}, staticToken("tok"), zerolog.Nop())
}

func TestFetchWatchlistUsesDefaultGroup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/watchlist", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "https://example.test", r.Header.Get("Origin"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "500", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"data":[{"watchlist_id":7,"is_default":false},{"watchlist_id":42,"is_default":true}]}`))
	})
	mux.HandleFunc("/watchlist/42", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(`{"data":{"watchlist_id":42,"result":[
			{"symbol":"bbca","company_code":""},
			{"symbol":"","company_code":"TLKM"},
			{"symbol":"BBCA"}
		]}}`))
	})
	c := newTestClient(t, mux)

	resp, err := c.FetchWatchlist(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), resp.Data.WatchlistID)
	assert.Equal(t, []string{"BBCA", "TLKM"}, resp.Tickers())
	assert.Equal(t, "bbca", resp.Data.Result[0].CompanyCode)
}

func TestFetchWatchlistSingleGroupObject(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/watchlist", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"watchlist_id":9}}`))
	})
	mux.HandleFunc("/watchlist/9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"watchlist_id":9,"result":[]}}`))
	})
	c := newTestClient(t, mux)

	resp, err := c.FetchWatchlist(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Tickers())
}

func TestFetchWatchlistExplicitGroupSkipsLookup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/watchlist", func(w http.ResponseWriter, r *http.Request) {
		t.Error("group listing must not be called for an explicit group")
	})
	mux.HandleFunc("/watchlist/5", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"watchlist_id":5,"result":[{"symbol":"ASII"}]}}`))
	})
	c := newTestClient(t, mux)

	resp, err := c.FetchWatchlist(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"ASII"}, resp.Tickers())
}

func TestFetchWatchlistMissingGroupID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))

	_, err := c.FetchWatchlist(context.Background(), 0)
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, endpointWatchlistGroups, shapeErr.Endpoint)
}

func TestNon2xxMapsToStatusError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"token expired"}`))
	}))

	_, err := c.FetchOrderBook(context.Background(), "BBCA")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Status)
	assert.Equal(t, "token expired", statusErr.Message)
}

func TestStatusErrorMessageTruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("a", 255) + "é" + strings.Repeat("b", 50)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(body))
	}))

	_, err := c.FetchOrderBook(context.Background(), "BBCA")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.True(t, utf8.ValidString(statusErr.Message))
	assert.Equal(t, strings.Repeat("a", 255), statusErr.Message)

	assert.Equal(t, "日本", truncateUTF8("日本語", 8))
	assert.Equal(t, "short", truncateUTF8("short", 256))
}

func TestMalformedJSONMapsToShapeError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"broker_summary":{"brokers_buy":[{"bval":"abc"}]}}}`))
	}))

	_, err := c.FetchBrokerSummary(context.Background(), "BBCA", time.Now(), time.Now())
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
}

func TestFetchBrokerSummaryQuery(t *testing.T) {
	day := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/marketdetectors/BBCA", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "2024-01-03", q.Get("from"))
		assert.Equal(t, "2024-01-03", q.Get("to"))
		assert.Equal(t, "TRANSACTION_TYPE_NET", q.Get("transaction_type"))
		assert.Equal(t, "MARKET_BOARD_REGULER", q.Get("market_board"))
		assert.Equal(t, "INVESTOR_TYPE_ALL", q.Get("investor_type"))
		assert.Equal(t, "25", q.Get("limit"))
		_, _ = w.Write([]byte(`{"data":{"broker_summary":{"brokers_buy":[
			{"netbs_broker_code":"YP","bval":"1,500","blot":"120.4","netbs_buy_avg_price":"995.5"}
		]}}}`))
	}))

	resp, err := c.FetchBrokerSummary(context.Background(), "BBCA", day, day)
	require.NoError(t, err)
	top, err := RequireTopBroker(resp)
	require.NoError(t, err)
	assert.Equal(t, TopBroker{Code: "YP", Lots: 120, AvgPrice: 996}, top)
}

func TestFetchOrderBookWithAndWithoutEnvelope(t *testing.T) {
	bodies := map[string]string{
		"enveloped": `{"data":{"close":1000,"high":1100,"offer":[{"price":"1005"},{"price":"1050"}],"bid":[{"price":"995"},{"price":"950"}],"total_bid_offer":{"bid":{"lot":"50,000"},"offer":{"lot":"50,000"}}}}`,
		"bare":      `{"close":"1000","high":1100,"offer":[{"price":"1005"},{"price":"1050"}],"bid":[{"price":"995"},{"price":"950"}],"total_bid_offer":{"bid":{"lot":"50,000"},"offer":{"lot":"50,000"}}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/company-price-feed/v2/orderbook/companies/BBCA", r.URL.Path)
				_, _ = w.Write([]byte(body))
			}))

			resp, err := c.FetchOrderBook(context.Background(), "BBCA")
			require.NoError(t, err)
			snap, err := resp.Data.Snapshot()
			require.NoError(t, err)
			assert.Equal(t, BookSnapshot{Close: 1000, BestAsk: 1050, BestBid: 950, TotalBidLots: 50000, TotalOfferLots: 50000}, snap)
		})
	}
}

func TestFetchTickerInfo(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emitten/BBCA/info", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"sector":"Finance","symbol":"BBCA","price":"9,100"}}`))
	}))

	info, err := c.FetchTickerInfo(context.Background(), "BBCA")
	require.NoError(t, err)
	assert.Equal(t, "Finance", info.Data.Sector)
	assert.Equal(t, int64(9100), info.Data.Price.Int())
}

func TestTokenFailureIsPropagated(t *testing.T) {
	sentinel := errors.New("no token")
	c := NewClient(Options{BaseURL: "http://127.0.0.1:0"}, failingToken{err: sentinel}, zerolog.Nop())

	_, err := c.FetchTickerInfo(context.Background(), "BBCA")
	assert.ErrorIs(t, err, sentinel)
}
