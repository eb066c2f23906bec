package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/clalos/cardscan/internal/scanerr"
)

// MaxLimit bounds the number of candidates requested per query.
const MaxLimit = 20

const maxBodyBytes = 8 << 20

// Query describes one catalog search.
type Query struct {
	Text      string
	Limit     int
	Condition string
	Printing  string
	// CardID requests a single card by its catalog identifier.
	CardID string
}

// Retriever fetches candidate records from the catalog.
type Retriever interface {
	Search(ctx context.Context, q Query) ([]Record, error)
	Lookup(ctx context.Context, id string, filter Filter) (*Record, error)
}

// Client queries the card catalog over HTTP.
type Client struct {
	apiKey     string
	baseURL    string
	game       string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var _ Retriever = (*Client)(nil)

// Option configures a Client or ImageSearch.
type Option func(*settings)

type settings struct {
	httpClient *http.Client
	rps        float64
	logger     *slog.Logger
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithRateLimit caps outgoing requests per second. Zero or less disables it.
func WithRateLimit(rps float64) Option {
	return func(s *settings) { s.rps = rps }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func buildSettings(opts []Option) settings {
	s := settings{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s settings) limiter() *rate.Limiter {
	if s.rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(s.rps), 1)
}

// New creates a catalog client for the given game.
func New(apiKey, baseURL, game string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("catalog base url required")
	}
	s := buildSettings(opts)
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		game:       strings.TrimSpace(game),
		httpClient: s.httpClient,
		limiter:    s.limiter(),
		logger:     s.logger.With("component", "catalog"),
	}, nil
}

// Search returns up to q.Limit candidate records. Any transport, status or
// decoding failure is marked scanerr.ErrRetrieval.
func (c *Client) Search(ctx context.Context, q Query) ([]Record, error) {
	q.Text = strings.TrimSpace(q.Text)
	q.CardID = strings.TrimSpace(q.CardID)
	if q.Text == "" && q.CardID == "" {
		return nil, scanerr.Wrap(scanerr.ErrRetrieval, "catalog", "search", "query must not be empty", nil)
	}
	if q.Limit <= 0 || q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}

	endpoint, err := url.Parse(c.baseURL + "/cards")
	if err != nil {
		return nil, scanerr.Wrap(scanerr.ErrRetrieval, "catalog", "search", "parse url", err)
	}
	params := url.Values{}
	if q.Text != "" {
		params.Set("q", q.Text)
	}
	if c.game != "" {
		params.Set("game", c.game)
	}
	if q.Condition != "" {
		params.Set("condition", q.Condition)
	}
	if q.Printing != "" {
		params.Set("printing", q.Printing)
	}
	if q.CardID != "" {
		params.Set("cardId", q.CardID)
	}
	params.Set("limit", strconv.Itoa(q.Limit))
	endpoint.RawQuery = params.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, scanerr.Wrap(scanerr.ErrRetrieval, "catalog", "search", "rate limit wait", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.ErrRetrieval, "catalog", "search", "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	requestStart := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(requestStart)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.ErrRetrieval, "catalog", "search", fmt.Sprintf("execute request (latency=%v)", latency), err)
	}
	defer resp.Body.Close()

	var payload searchPayload
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := payload.errorText()
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, scanerr.Wrap(scanerr.ErrRetrieval, "catalog", "search",
			fmt.Sprintf("status %d (latency=%v): %s", resp.StatusCode, latency, message), nil)
	}
	if decodeErr != nil {
		return nil, scanerr.Wrap(scanerr.ErrRetrieval, "catalog", "search", "decode response", decodeErr)
	}
	// Some upstream errors arrive with a 2xx status.
	if payload.Data == nil || payload.Error != "" {
		message := payload.errorText()
		if message == "" {
			message = "no data array"
		}
		return nil, scanerr.Wrap(scanerr.ErrRetrieval, "catalog", "search",
			fmt.Sprintf("status %d (latency=%v): %s", resp.StatusCode, latency, message), nil)
	}

	records, skipped := parseRecords(*payload.Data)
	if len(records) > q.Limit {
		records = records[:q.Limit]
	}
	c.logger.Debug("catalog search completed",
		"query", q.Text,
		"card_id", q.CardID,
		"records", len(records),
		"skipped", skipped,
		"latency", latency)
	return records, nil
}

// Lookup fetches a single card by id with variants matching filter's
// condition. It returns a nil record when the catalog has no such card.
func (c *Client) Lookup(ctx context.Context, id string, filter Filter) (*Record, error) {
	records, err := c.Search(ctx, Query{CardID: id, Limit: 1, Condition: filter.Condition, Printing: filter.Printing})
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].ID == id {
			return &records[i], nil
		}
	}
	if len(records) > 0 {
		return &records[0], nil
	}
	return nil, nil
}
