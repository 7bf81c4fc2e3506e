package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	endpointWatchlistGroups = "watchlist groups"
	endpointWatchlist       = "watchlist detail"
	endpointBrokerSummary   = "broker summary"
	endpointOrderBook       = "order book"
	endpointTickerInfo      = "ticker info"

	watchlistPageLimit = "500"
	brokerSummaryLimit = "25"
)

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

// Options parameterise the trading API client.
type Options struct {
	BaseURL   string
	Origin    string
	Referer   string
	UserAgent string
	Timeout   time.Duration
}

// Client performs typed GET calls against the trading-data API.
type Client struct {
	opts    Options
	baseURL string
	http    *resty.Client
	tokens  TokenSource
	logger  zerolog.Logger
}

// NewClient constructs the API client.
func NewClient(opts Options, tokens TokenSource, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	httpClient := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	if opts.Origin != "" {
		httpClient.SetHeader("Origin", opts.Origin)
	}
	if opts.Referer != "" {
		httpClient.SetHeader("Referer", opts.Referer)
	}
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		httpClient.SetHeader("User-Agent", ua)
	}

	return &Client{
		opts:    opts,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		logger:  logger.With().Str("component", "upstream_client").Logger(),
	}
}

type call struct {
	endpoint   string
	path       string
	pathParams map[string]string
	query      map[string]string
}

// get issues one authenticated GET and returns the raw 2xx body.
func (c *Client) get(ctx context.Context, req call) ([]byte, error) {
	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve upstream token: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	started := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParams(req.pathParams).
		SetQueryParams(req.query).
		Get(c.baseURL + req.path)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", req.endpoint, err)
	}

	c.logger.Debug().
		Str("endpoint", req.endpoint).
		Int("status", resp.StatusCode()).
		Dur("elapsed", time.Since(started)).
		Msg("upstream call")

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, newStatusError(req.endpoint, resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

func decode(endpoint string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &ShapeError{Endpoint: endpoint, Err: err}
	}
	return nil
}

// FetchWatchlist returns the members of a watchlist group. groupID 0 selects
// the account's default group (or the first group when none is flagged).
func (c *Client) FetchWatchlist(ctx context.Context, groupID int64) (*WatchlistResponse, error) {
	if groupID == 0 {
		resolved, err := c.resolveDefaultGroup(ctx)
		if err != nil {
			return nil, err
		}
		groupID = resolved
	}

	body, err := c.get(ctx, call{
		endpoint:   endpointWatchlist,
		path:       "/watchlist/{id}",
		pathParams: map[string]string{"id": strconv.FormatInt(groupID, 10)},
		query:      map[string]string{"page": "1", "limit": watchlistPageLimit},
	})
	if err != nil {
		return nil, err
	}

	var out WatchlistResponse
	if err := decode(endpointWatchlist, body, &out); err != nil {
		return nil, err
	}
	for i := range out.Data.Result {
		item := &out.Data.Result[i]
		if item.Symbol != "" {
			item.CompanyCode = item.Symbol
		}
	}
	return &out, nil
}

func (c *Client) resolveDefaultGroup(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, call{
		endpoint: endpointWatchlistGroups,
		path:     "/watchlist",
		query:    map[string]string{"page": "1", "limit": watchlistPageLimit},
	})
	if err != nil {
		return 0, err
	}

	var meta watchlistGroupsResponse
	if err := decode(endpointWatchlistGroups, body, &meta); err != nil {
		return 0, err
	}

	groups, err := parseGroups(meta.Data)
	if err != nil {
		return 0, &ShapeError{Endpoint: endpointWatchlistGroups, Err: err}
	}

	var chosen *WatchlistGroup
	for i := range groups {
		if groups[i].IsDefault {
			chosen = &groups[i]
			break
		}
	}
	if chosen == nil && len(groups) > 0 {
		chosen = &groups[0]
	}
	if chosen == nil || chosen.WatchlistID == 0 {
		return 0, shapeErrorf(endpointWatchlistGroups, "no watchlist_id found in response")
	}
	return chosen.WatchlistID, nil
}

func parseGroups(raw json.RawMessage) ([]WatchlistGroup, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var groups []WatchlistGroup
		if err := json.Unmarshal(trimmed, &groups); err != nil {
			return nil, err
		}
		return groups, nil
	}
	var single WatchlistGroup
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	return []WatchlistGroup{single}, nil
}

// FetchBrokerSummary returns the net broker buy/sell aggregation for a date range.
func (c *Client) FetchBrokerSummary(ctx context.Context, ticker string, from, to time.Time) (*BrokerSummaryResponse, error) {
	body, err := c.get(ctx, call{
		endpoint:   endpointBrokerSummary,
		path:       "/marketdetectors/{ticker}",
		pathParams: map[string]string{"ticker": ticker},
		query: map[string]string{
			"from":             from.Format(time.DateOnly),
			"to":               to.Format(time.DateOnly),
			"transaction_type": "TRANSACTION_TYPE_NET",
			"market_board":     "MARKET_BOARD_REGULER",
			"investor_type":    "INVESTOR_TYPE_ALL",
			"limit":            brokerSummaryLimit,
		},
	})
	if err != nil {
		return nil, err
	}

	var out BrokerSummaryResponse
	if err := decode(endpointBrokerSummary, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchOrderBook returns the current order book for ticker.
func (c *Client) FetchOrderBook(ctx context.Context, ticker string) (*OrderBookResponse, error) {
	body, err := c.get(ctx, call{
		endpoint:   endpointOrderBook,
		path:       "/company-price-feed/v2/orderbook/companies/{ticker}",
		pathParams: map[string]string{"ticker": ticker},
	})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := decode(endpointOrderBook, body, &envelope); err != nil {
		return nil, err
	}

	payload := bytes.TrimSpace(envelope.Data)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = body
	}

	var out OrderBookResponse
	if err := decode(endpointOrderBook, payload, &out.Data); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchTickerInfo returns sector and display metadata for ticker.
func (c *Client) FetchTickerInfo(ctx context.Context, ticker string) (*TickerInfoResponse, error) {
	body, err := c.get(ctx, call{
		endpoint:   endpointTickerInfo,
		path:       "/emitten/{ticker}/info",
		pathParams: map[string]string{"ticker": ticker},
	})
	if err != nil {
		return nil, err
	}

	var out TickerInfoResponse
	if err := decode(endpointTickerInfo, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
