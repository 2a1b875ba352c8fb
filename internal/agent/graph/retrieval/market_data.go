package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/finrag-core/server/internal/agent/model"
	logx "github.com/finrag-core/server/pkg/logger"
)

// Recognised price lookback windows, in days. Aliases mirror the ranges the
// chart endpoint accepts.
var priceWindows = map[string]int{
	"1M": 30, "6M": 180, "1Yr": 365, "3Yr": 1095, "5Yr": 1825, "10Yr": 3652, "Max": 10000,
}

// NormalizeDaysRange maps a textual or numeric range hint to a supported
// window, defaulting to one year.
func NormalizeDaysRange(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 365
	}
	if days, ok := priceWindows[raw]; ok {
		return days
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err == nil && n > 0 {
		return n
	}
	return 365
}

// PriceSource fetches market data for a ticker over a lookback window.
type PriceSource interface {
	FetchPriceReport(ctx context.Context, symbol string, days int) (model.PriceReport, error)
}

// ChartClient reads the screener chart API, which serves daily closes for a
// ticker as JSON.
type ChartClient struct {
	baseURL string
	http    *http.Client
}

func NewChartClient(cfg model.MarketDataConfig) *ChartClient {
	return &ChartClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

type chartPayload struct {
	Company  string `json:"company"`
	Currency string `json:"currency"`
	Datasets []struct {
		Metric string      `json:"metric"`
		Values [][2]string `json:"values"` // [date, close]
	} `json:"datasets"`
}

func (c *ChartClient) FetchPriceReport(ctx context.Context, symbol string, days int) (model.PriceReport, error) {
	url := fmt.Sprintf("%s/api/company/%s/chart/?q=Price&days=%d", c.baseURL, symbol, days)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.PriceReport{}, fmt.Errorf("build price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.PriceReport{}, fmt.Errorf("fetch price data for %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.PriceReport{}, fmt.Errorf("price endpoint returned %d for %s: %s", resp.StatusCode, symbol, strings.TrimSpace(string(body)))
	}

	var payload chartPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return model.PriceReport{}, fmt.Errorf("decode price payload for %s: %w", symbol, err)
	}

	report, err := buildReport(symbol, days, payload)
	if err != nil {
		return model.PriceReport{}, err
	}

	logx.Debug().
		Str("symbol", symbol).
		Int("days", days).
		Float64("latest", report.LatestPrice).
		Msg("price data fetched")
	return report, nil
}

func buildReport(symbol string, days int, payload chartPayload) (model.PriceReport, error) {
	var points []model.PricePoint
	for _, ds := range payload.Datasets {
		if ds.Metric != "" && !strings.EqualFold(ds.Metric, "price") {
			continue
		}
		for _, v := range ds.Values {
			var close float64
			if _, err := fmt.Sscanf(v[1], "%f", &close); err != nil {
				continue
			}
			points = append(points, model.PricePoint{Date: v[0], Close: close})
		}
		break
	}
	if len(points) == 0 {
		return model.PriceReport{}, fmt.Errorf("no price points for %s", symbol)
	}

	first, last := points[0].Close, points[len(points)-1].Close
	change := 0.0
	if first != 0 {
		change = (last - first) / first * 100
	}

	currency := payload.Currency
	if currency == "" {
		currency = "INR"
	}

	return model.PriceReport{
		Symbol:        symbol,
		Company:       payload.Company,
		Currency:      currency,
		LatestPrice:   last,
		ChangePercent: change,
		WindowDays:    days,
		Points:        points,
		RetrievedAt:   time.Now().UTC(),
	}, nil
}

// FormatReport renders a report as prompt-ready text.
func FormatReport(r model.PriceReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s (%s)\n", orUnknown(r.Company), r.Symbol)
	fmt.Fprintf(&b, "Currency: %s\n", r.Currency)
	fmt.Fprintf(&b, "Latest close: %.2f\n", r.LatestPrice)
	fmt.Fprintf(&b, "Change over %d days: %+.2f%%\n", r.WindowDays, r.ChangePercent)
	if n := len(r.Points); n > 0 {
		fmt.Fprintf(&b, "Observations: %d (from %s to %s)\n", n, r.Points[0].Date, r.Points[n-1].Date)
	}
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
