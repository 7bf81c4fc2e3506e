package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"watchlist-analyzer/internal/job"
	"watchlist-analyzer/internal/storage"
)

type triggerResponse struct {
	Success bool   `json:"success"`
	Results int    `json:"results"`
	Errors  int    `json:"errors"`
	Skipped int    `json:"skipped"`
	RunID   string `json:"run_id,omitempty"`
}

// handleTrigger runs the job to completion. A caller that disconnects does
// not cancel the run.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "job runner not configured")
		return
	}

	summary, err := s.runner.Run(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, job.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Msg("triggered run failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, triggerResponse{
		Success: true,
		Results: summary.Succeeded,
		Errors:  summary.Failed,
		Skipped: summary.Skipped,
		RunID:   summary.RunID,
	})
}

type analysisView struct {
	ID                 int64     `json:"id"`
	TradingDate        string    `json:"trading_date"`
	Ticker             string    `json:"ticker"`
	Sector             *string   `json:"sector"`
	TopBrokerCode      string    `json:"top_broker_code"`
	TopBrokerLots      int64     `json:"top_broker_lots"`
	TopBrokerAvgPrice  int64     `json:"top_broker_avg_price"`
	ClosePrice         int64     `json:"close_price"`
	AraPrice           int64     `json:"ara_price"`
	ArbPrice           int64     `json:"arb_price"`
	TickSize           int64     `json:"tick_size"`
	TotalBidLots       int64     `json:"total_bid_lots"`
	TotalOfferLots     int64     `json:"total_offer_lots"`
	BoardLots          int64     `json:"board_lots"`
	AvgBidOfferLots    int64     `json:"avg_bid_offer_lots"`
	AccumulationMargin int64     `json:"accumulation_margin"`
	PressureRatio      int64     `json:"pressure_ratio"`
	TargetConservative int64     `json:"target_conservative"`
	TargetMax          int64     `json:"target_max"`
	Status             string    `json:"status"`
	ErrorMessage       *string   `json:"error_message"`
	RealizedPrice      *int64    `json:"realized_price"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func toView(rec storage.AnalysisRecord) analysisView {
	return analysisView{
		ID:                 rec.ID,
		TradingDate:        rec.TradingDate.Format(time.DateOnly),
		Ticker:             rec.Ticker,
		Sector:             rec.Sector,
		TopBrokerCode:      rec.TopBrokerCode,
		TopBrokerLots:      rec.TopBrokerLots,
		TopBrokerAvgPrice:  rec.TopBrokerAvgPrice,
		ClosePrice:         rec.ClosePrice,
		AraPrice:           rec.AraPrice,
		ArbPrice:           rec.ArbPrice,
		TickSize:           rec.TickSize,
		TotalBidLots:       rec.TotalBidLots,
		TotalOfferLots:     rec.TotalOfferLots,
		BoardLots:          rec.BoardLots,
		AvgBidOfferLots:    rec.AvgBidOfferLots,
		AccumulationMargin: rec.AccumulationMargin,
		PressureRatio:      rec.PressureRatio,
		TargetConservative: rec.TargetConservative,
		TargetMax:          rec.TargetMax,
		Status:             rec.Status,
		ErrorMessage:       rec.ErrorMessage,
		RealizedPrice:      rec.RealizedPrice,
		UpdatedAt:          rec.UpdatedAt,
	}
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	if s.analyses == nil {
		writeError(w, http.StatusServiceUnavailable, "analysis store not configured")
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.analyses.ListAnalyses(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("list analyses failed")
		writeError(w, http.StatusInternalServerError, "failed to list analyses")
		return
	}

	views := make([]analysisView, 0, len(records))
	for _, rec := range records {
		views = append(views, toView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": views})
}

func (s *Server) handleLatestAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.analyses == nil {
		writeError(w, http.StatusServiceUnavailable, "analysis store not configured")
		return
	}
	ticker := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "ticker")))

	rec, err := s.analyses.LatestAnalysis(r.Context(), ticker)
	if err != nil {
		s.log.Error().Err(err).Str("ticker", ticker).Msg("latest analysis failed")
		writeError(w, http.StatusInternalServerError, "failed to load analysis")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no successful analysis for %s", ticker))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": toView(*rec)})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "job run log not configured")
		return
	}
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := s.runs.ListRecentJobRuns(r.Context(), s.jobName, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list job runs failed")
		writeError(w, http.StatusInternalServerError, "failed to list job runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": runs})
}

func parseFilter(r *http.Request) (storage.AnalysisFilter, error) {
	q := r.URL.Query()
	filter := storage.AnalysisFilter{
		Sector: q.Get("sector"),
		Status: q.Get("status"),
	}
	if raw := q.Get("ticker"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Tickers = append(filter.Tickers, t)
			}
		}
	}
	switch filter.Status {
	case "", storage.StatusSuccess, storage.StatusError:
	default:
		return filter, fmt.Errorf("status must be %q or %q", storage.StatusSuccess, storage.StatusError)
	}

	var err error
	if filter.From, err = dateParam(r, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = dateParam(r, "to"); err != nil {
		return filter, err
	}
	if filter.Limit, err = intParam(r, "limit", 100); err != nil {
		return filter, err
	}
	if filter.Offset, err = intParam(r, "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}

func dateParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be YYYY-MM-DD", name)
	}
	return &t, nil
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}
