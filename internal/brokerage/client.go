package brokerage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"trading-fee-billing/internal/logging"
)

const maxPages = 200

// Config holds gain/loss API client settings
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetries        int
	PageSize          int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
}

// DefaultConfig returns default client settings
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.tradier.com",
		Timeout:           20 * time.Second,
		RequestsPerSecond: 2,
		MaxRetries:        3,
		PageSize:          500,
		RetryWaitMin:      500 * time.Millisecond,
		RetryWaitMax:      5 * time.Second,
	}
}

// APIError is a non-auth error response from the brokerage
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("brokerage: status %d: %s", e.StatusCode, e.Body)
}

// Client reads realized positions from the brokerage gain/loss endpoint
type Client struct {
	config  Config
	http    *retryablehttp.Client
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewClient creates a brokerage client
func NewClient(cfg Config, logger *logging.Logger) *Client {
	d := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = d.RequestsPerSecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = d.PageSize
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = d.RetryWaitMin
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = d.RetryWaitMax
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("brokerage")

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Logger = logger
	// Hand the final response back so status codes can be classified
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		config:  cfg,
		http:    rc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}
}

// ListClosedPositions returns every position closed on or after since,
// walking all result pages.
func (c *Client) ListClosedPositions(ctx context.Context, creds Credentials, since time.Time) ([]ClosedPosition, error) {
	if creds.AccountID == "" || creds.AccessToken == "" {
		return nil, ErrNoCredentials
	}

	var all []ClosedPosition
	for page := 1; page <= maxPages; page++ {
		positions, err := c.fetchPage(ctx, creds, since, page)
		if err != nil {
			return nil, err
		}
		all = append(all, positions...)
		if len(positions) < c.config.PageSize {
			break
		}
	}

	c.logger.Debug("Fetched closed positions",
		"account_id", creds.AccountID,
		"since", since.Format("2006-01-02"),
		"count", len(all))
	return all, nil
}

func (c *Client) fetchPage(ctx context.Context, creds Credentials, since time.Time, page int) ([]ClosedPosition, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("start", since.Format("2006-01-02"))
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(c.config.PageSize))
	params.Set("sortBy", "closeDate")
	params.Set("sort", "asc")
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/gainloss?%s",
		c.config.BaseURL, url.PathEscape(creds.AccountID), params.Encode())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("brokerage: gainloss page %d: %w", page, ctxErr)
		}
		return nil, fmt.Errorf("brokerage: gainloss page %d: %w", page, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("brokerage: read gainloss body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return decodeGainLoss(body)
}

type gainLossEnvelope struct {
	GainLoss json.RawMessage `json:"gainloss"`
}

type gainLossList struct {
	ClosedPosition json.RawMessage `json:"closed_position"`
}

type rawPosition struct {
	PositionID      string  `json:"position_id"`
	Symbol          string  `json:"symbol"`
	OpenDate        string  `json:"open_date"`
	CloseDate       string  `json:"close_date"`
	Quantity        float64 `json:"quantity"`
	Cost            float64 `json:"cost"`
	Proceeds        float64 `json:"proceeds"`
	GainLoss        float64 `json:"gain_loss"`
	GainLossPercent float64 `json:"gain_loss_percent"`
	Term            float64 `json:"term"`
}

// decodeGainLoss handles the three shapes the endpoint returns: a list, a
// bare object when there is exactly one position, and "null" when empty.
func decodeGainLoss(body []byte) ([]ClosedPosition, error) {
	var env gainLossEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("brokerage: parse gainloss: %w", err)
	}
	if isEmpty(env.GainLoss) {
		return nil, nil
	}

	var list gainLossList
	if err := json.Unmarshal(env.GainLoss, &list); err != nil {
		return nil, fmt.Errorf("brokerage: parse gainloss: %w", err)
	}
	raw := bytes.TrimSpace(list.ClosedPosition)
	if isEmpty(raw) {
		return nil, nil
	}

	var items []rawPosition
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("brokerage: parse closed positions: %w", err)
		}
	} else {
		var one rawPosition
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("brokerage: parse closed position: %w", err)
		}
		items = []rawPosition{one}
	}

	out := make([]ClosedPosition, 0, len(items))
	for _, it := range items {
		opened, err := parseDate(it.OpenDate)
		if err != nil {
			return nil, fmt.Errorf("brokerage: %s open_date: %w", it.Symbol, err)
		}
		closed, err := parseDate(it.CloseDate)
		if err != nil {
			return nil, fmt.Errorf("brokerage: %s close_date: %w", it.Symbol, err)
		}
		out = append(out, ClosedPosition{
			PositionID:      it.PositionID,
			Symbol:          strings.ToUpper(strings.TrimSpace(it.Symbol)),
			OpenDate:        opened,
			CloseDate:       closed,
			Quantity:        it.Quantity,
			Cost:            it.Cost,
			Proceeds:        it.Proceeds,
			GainLoss:        it.GainLoss,
			GainLossPercent: it.GainLossPercent,
			Term:            int(it.Term),
		})
	}
	return out, nil
}

func isEmpty(raw json.RawMessage) bool {
	s := string(bytes.TrimSpace(raw))
	return s == "" || s == "null" || s == `"null"` || s == `""`
}

// parseDate reads a ledger date. The ledger reports calendar days, so the
// day is kept as written and any time of day is dropped.
func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		if t, err = time.Parse("2006-01-02", s); err != nil {
			return time.Time{}, err
		}
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}
