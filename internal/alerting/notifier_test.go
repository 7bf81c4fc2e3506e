package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNotification() Notification {
	return Notification{
		JobName:     "analyze-watchlist",
		RunID:       "run-1",
		TradingDate: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		Processed:   3,
		Succeeded:   2,
		Failed:      1,
		Failures:    []Failure{{Ticker: "TLKM", Reason: "order book unavailable"}},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	require.NoError(t, notifier.Notify(context.Background(), sampleNotification()))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "2024-01-03")
	assert.Contains(t, received["text"], "Succeeded: 2")
	assert.Contains(t, received["text"], "- TLKM: order book unavailable")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), sampleNotification())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramNotifierHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	require.Error(t, notifier.Notify(context.Background(), sampleNotification()))
}

func TestRenderMessageFatal(t *testing.T) {
	note := sampleNotification()
	note.Fatal = "fetch watchlist: upstream 401"
	text := renderMessage(note)
	assert.Contains(t, text, "FAILED: fetch watchlist: upstream 401")
	assert.NotContains(t, text, "Processed")
}

func TestRenderMessageTruncatesFailures(t *testing.T) {
	note := sampleNotification()
	note.Failures = nil
	for i := 0; i < maxListedFailures+5; i++ {
		note.Failures = append(note.Failures, Failure{Ticker: fmt.Sprintf("T%02d", i), Reason: "x"})
	}
	text := renderMessage(note)
	assert.Contains(t, text, "... and 5 more")
	assert.Equal(t, maxListedFailures, strings.Count(text, ": x\n"))
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
