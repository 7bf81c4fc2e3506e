package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxListedFailures bounds the failure lines in one message.
const maxListedFailures = 20

// Failure is one ticker that did not produce a successful analysis.
type Failure struct {
	Ticker string
	Reason string
}

// Notification summarises one watchlist analysis run.
type Notification struct {
	JobName     string
	RunID       string
	TradingDate time.Time
	Processed   int
	Succeeded   int
	Failed      int
	Skipped     int
	Failures    []Failure
	Fatal       string
	Elapsed     time.Duration
}

// Notifier delivers run summaries.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier posts summaries through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs the Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered summary.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false: %s", result.Description)
		}
	}

	n.logger.Info().
		Str("run_id", note.RunID).
		Int("failed", note.Failed).
		Msg("run summary sent (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	name := note.JobName
	if name == "" {
		name = "watchlist analysis"
	}
	builder.WriteString(fmt.Sprintf("[%s] %s\n", name, note.TradingDate.Format(time.DateOnly)))
	if note.Fatal != "" {
		builder.WriteString(fmt.Sprintf("FAILED: %s\n", note.Fatal))
		return builder.String()
	}

	builder.WriteString(fmt.Sprintf("Processed: %d\n", note.Processed))
	builder.WriteString(fmt.Sprintf("Succeeded: %d\n", note.Succeeded))
	builder.WriteString(fmt.Sprintf("Failed: %d\n", note.Failed))
	if note.Skipped > 0 {
		builder.WriteString(fmt.Sprintf("Skipped: %d\n", note.Skipped))
	}
	if note.Elapsed > 0 {
		builder.WriteString(fmt.Sprintf("Elapsed: %s\n", note.Elapsed.Round(time.Second)))
	}

	for i, f := range note.Failures {
		if i == maxListedFailures {
			builder.WriteString(fmt.Sprintf("... and %d more\n", len(note.Failures)-maxListedFailures))
			break
		}
		builder.WriteString(fmt.Sprintf("- %s: %s\n", f.Ticker, f.Reason))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
