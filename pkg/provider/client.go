// Package provider implements the remote log-query protocol: submit a query,
// poll its continuation link to completion, then walk the next-page link
// chain, recovering from rate limiting along the way.
//
// The lifecycle is an explicit state machine (submitted, polling, page-ready,
// rate-limited, complete) so each state's budget is independently testable.
// Links returned by the provider are opaque and authoritative; the client
// never rewrites or guesses them.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/logvault/logvault/pkg/event"
	"github.com/logvault/logvault/pkg/timerange"
)

var (
	// ErrProtocol signals an unexpected or unparseable response shape:
	// missing expected fields, malformed links, or a next-page link that
	// does not advance.
	ErrProtocol = errors.New("provider: protocol error")

	// ErrRateLimitExhausted signals that the retry budget for rate-limited
	// responses ran out.
	ErrRateLimitExhausted = errors.New("provider: rate limit retries exhausted")

	// ErrPollTimeout signals that a query never reached completion within
	// the poll budget.
	ErrPollTimeout = errors.New("provider: poll budget exhausted")
)

type state uint8

const (
	stateSubmitted state = iota
	statePolling
	statePageReady
	stateRateLimited
	stateComplete
)

func (s state) String() string {
	switch s {
	case stateSubmitted:
		return "submitted"
	case statePolling:
		return "polling"
	case statePageReady:
		return "page_ready"
	case stateRateLimited:
		return "rate_limited"
	case stateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Config holds the client settings. Zero values fall back to the defaults
// below.
type Config struct {
	// BaseURL is the API root, e.g. https://eu.rest.logs.example.com.
	BaseURL string
	// APIKey is sent as a bearer token. It is never logged.
	APIKey string
	// PerPage is the requested page size.
	PerPage int

	PollInitialBackoff time.Duration
	PollMaxBackoff     time.Duration
	PollMaxAttempts    int

	// RetryAttempts bounds retries of transient (5xx) failures per request.
	RetryAttempts int
	// RateLimitMaxRetries bounds 429 retries per request.
	RateLimitMaxRetries int
	// RateLimitDefaultWait applies when the provider sends no usable reset
	// hint; RateLimitMaxWait clamps hostile or bogus hints.
	RateLimitDefaultWait time.Duration
	RateLimitMaxWait     time.Duration

	RequestTimeout time.Duration
}

const (
	defaultPerPage              = 500
	defaultPollInitialBackoff   = 250 * time.Millisecond
	defaultPollMaxBackoff       = 5 * time.Second
	defaultPollMaxAttempts      = 60
	defaultRetryAttempts        = 3
	defaultRateLimitMaxRetries  = 5
	defaultRateLimitDefaultWait = 1 * time.Second
	defaultRateLimitMaxWait     = 60 * time.Second
	defaultRequestTimeout       = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PerPage <= 0 {
		c.PerPage = defaultPerPage
	}
	if c.PollInitialBackoff <= 0 {
		c.PollInitialBackoff = defaultPollInitialBackoff
	}
	if c.PollMaxBackoff <= 0 {
		c.PollMaxBackoff = defaultPollMaxBackoff
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = defaultPollMaxAttempts
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RateLimitMaxRetries <= 0 {
		c.RateLimitMaxRetries = defaultRateLimitMaxRetries
	}
	if c.RateLimitDefaultWait <= 0 {
		c.RateLimitDefaultWait = defaultRateLimitDefaultWait
	}
	if c.RateLimitMaxWait <= 0 {
		c.RateLimitMaxWait = defaultRateLimitMaxWait
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return c
}

// Client executes queries against the remote log API. It is stateless per
// call and safe for sequential reuse.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *slog.Logger

	// sleep is replaced in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client. A nil logger falls back to slog.Default().
func New(cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Query identifies one remote fetch: an entity, a half-open time range, and
// an opaque filter expression passed through to the provider.
type Query struct {
	EntityID string
	Range    timerange.Range
	Filter   string
}

// Page is one completed page of results, delivered in provider order.
type Page struct {
	Index int
	Rows  []event.Row
	// ProviderTotal is the provider-reported total matched count, or -1
	// when the provider did not report one.
	ProviderTotal int64
}

type link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type pageResponse struct {
	Events json.RawMessage `json:"events"`
	Links  []link          `json:"links"`
	Total  json.Number     `json:"total_matched"`
}

func (p *pageResponse) link(rel string) (string, bool, error) {
	for _, l := range p.Links {
		if strings.EqualFold(l.Rel, rel) {
			if l.Href == "" {
				return "", false, fmt.Errorf("%w: %s link missing href", ErrProtocol, rel)
			}
			return l.Href, true, nil
		}
	}
	return "", false, nil
}

// FetchPages runs the full query lifecycle and invokes fn once per page, in
// order. Page N+1 is only requested after fn returns for page N. fn errors
// abort the traversal.
func (c *Client) FetchPages(ctx context.Context, q Query, fn func(Page) error) error {
	current := c.queryURL(q)
	started := time.Now()

	for pageIdx := 0; ; pageIdx++ {
		c.transition(stateSubmitted, q, pageIdx, started)

		resp, err := c.getJSON(ctx, current)
		if err != nil {
			return err
		}
		resp, err = c.pollToCompletion(ctx, q, pageIdx, started, resp)
		if err != nil {
			return err
		}

		rows, err := decodeEvents(resp.Events)
		if err != nil {
			return fmt.Errorf("page %d of %s: %w", pageIdx, q.EntityID, err)
		}
		c.transition(statePageReady, q, pageIdx, started)
		c.logger.Debug("page_rows",
			"entity_id", q.EntityID, "page", pageIdx, "rows", len(rows))

		total := int64(-1)
		if v, err := resp.Total.Int64(); err == nil {
			total = v
		}
		if err := fn(Page{Index: pageIdx, Rows: rows, ProviderTotal: total}); err != nil {
			return err
		}

		next, hasNext, err := resp.link("next")
		if err != nil {
			return fmt.Errorf("page %d of %s: %w", pageIdx, q.EntityID, err)
		}
		if !hasNext {
			c.transition(stateComplete, q, pageIdx, started)
			return nil
		}
		if next == current {
			return fmt.Errorf("%w: next-page link does not advance (page %d, %s)",
				ErrProtocol, pageIdx, q.EntityID)
		}
		current = next
	}
}

// pollToCompletion re-requests the self link with exponential backoff until
// the response carries events. Both the attempt count and the caller's
// context bound the wait.
func (c *Client) pollToCompletion(ctx context.Context, q Query, pageIdx int, started time.Time, resp *pageResponse) (*pageResponse, error) {
	delay := c.cfg.PollInitialBackoff
	for attempt := 0; resp.Events == nil; attempt++ {
		self, ok, err := resp.link("self")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: response has neither events nor a continuation link (page %d, %s)",
				ErrProtocol, pageIdx, q.EntityID)
		}
		if attempt >= c.cfg.PollMaxAttempts {
			return nil, fmt.Errorf("%w: still in progress after %d polls (page %d, %s)",
				ErrPollTimeout, attempt, pageIdx, q.EntityID)
		}

		c.transition(statePolling, q, pageIdx, started)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > c.cfg.PollMaxBackoff {
			delay = c.cfg.PollMaxBackoff
		}

		resp, err = c.getJSON(ctx, self)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// getJSON performs one GET with bounded recovery from rate limiting and
// transient server errors, and decodes the JSON body.
func (c *Client) getJSON(ctx context.Context, rawURL string) (*pageResponse, error) {
	rateLimited := 0
	transient := 0

	for {
		resp, err := c.do(ctx, rawURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			transient++
			if transient > c.cfg.RetryAttempts {
				return nil, fmt.Errorf("request %s: %w", redact(rawURL), err)
			}
			wait := time.Duration(1<<(transient-1)) * time.Second
			c.logger.Warn("retry_network_error",
				"attempt", transient, "wait", wait.String(), "error", err.Error())
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			rateLimited++
			if rateLimited > c.cfg.RateLimitMaxRetries {
				return nil, fmt.Errorf("%w: %d attempts for %s",
					ErrRateLimitExhausted, rateLimited, redact(rawURL))
			}
			wait := c.resetHint(resp.Header)
			c.logger.Warn("rate_limit_hit",
				"state", stateRateLimited.String(),
				"attempt", rateLimited,
				"wait", wait.String(),
			)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode >= 500:
			resp.Body.Close()
			transient++
			if transient > c.cfg.RetryAttempts {
				return nil, fmt.Errorf("request %s: server error %d after %d attempts",
					redact(rawURL), resp.StatusCode, transient)
			}
			wait := time.Duration(1<<(transient-1)) * time.Second
			c.logger.Warn("retry_server_error",
				"attempt", transient, "status", resp.StatusCode, "wait", wait.String())
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, fmt.Errorf("request %s: status 404 (verify the log key exists and the configured region is correct)",
				redact(rawURL))

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			resp.Body.Close()
			return nil, fmt.Errorf("request %s: unexpected status %d", redact(rawURL), resp.StatusCode)
		}

		var page pageResponse
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		err = dec.Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: decoding response from %s: %v", ErrProtocol, redact(rawURL), err)
		}
		return &page, nil
	}
}

func (c *Client) do(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "logvault/0.1")
	return c.httpc.Do(req)
}

// resetHint reads the provider's rate-limit reset hint: Retry-After seconds
// preferred, X-RateLimit-Reset (seconds-until-reset, or an epoch timestamp)
// as fallback. An unparsable Retry-After falls through to the reset header;
// the configured default applies only when neither yields a value. The result
// is clamped to [1s, RateLimitMaxWait].
func (c *Client) resetHint(h http.Header) time.Duration {
	wait := c.cfg.RateLimitDefaultWait
	parsed := false

	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			wait = time.Duration(secs) * time.Second
			parsed = true
		}
	}
	if v := h.Get("X-RateLimit-Reset"); !parsed && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			if n > 1_000_000_000 {
				// Epoch-seconds form.
				wait = time.Until(time.Unix(n, 0))
			} else {
				wait = time.Duration(n) * time.Second
			}
		}
	}

	if wait < time.Second {
		wait = time.Second
	}
	if wait > c.cfg.RateLimitMaxWait {
		wait = c.cfg.RateLimitMaxWait
	}
	return wait
}

func (c *Client) queryURL(q Query) string {
	vals := url.Values{}
	vals.Set("from", strconv.FormatInt(q.Range.Start, 10))
	vals.Set("to", strconv.FormatInt(q.Range.End, 10))
	vals.Set("per_page", strconv.Itoa(c.cfg.PerPage))
	if q.Filter != "" {
		vals.Set("query", q.Filter)
	}
	return baseJoin(c.cfg.BaseURL, "/query/logs/"+url.PathEscape(q.EntityID)) +
		"?" + vals.Encode()
}

func baseJoin(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

func (c *Client) transition(s state, q Query, pageIdx int, started time.Time) {
	c.logger.Info("query_state",
		"state", s.String(),
		"entity_id", q.EntityID,
		"page", pageIdx,
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
}

// decodeEvents extracts rows from the provider's events field. Providers
// variously send an array of objects, an array of JSON-encoded strings, or a
// JSON string wrapping either; individual undecodable entries are skipped,
// a malformed top-level shape is a protocol error.
func decodeEvents(raw json.RawMessage) ([]event.Row, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &elems); err != nil {
			return nil, fmt.Errorf("%w: malformed events array: %v", ErrProtocol, err)
		}
		rows := make([]event.Row, 0, len(elems))
		for _, el := range elems {
			if obj, ok := decodeEventObject(el); ok {
				rows = append(rows, event.FromAny(obj))
			}
		}
		return rows, nil

	case '{':
		// Object wrapper carrying an inner events list.
		var wrapper struct {
			Events json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil || wrapper.Events == nil {
			return nil, fmt.Errorf("%w: events object has no events list", ErrProtocol)
		}
		return decodeEvents(wrapper.Events)

	case '"':
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return nil, fmt.Errorf("%w: malformed events string: %v", ErrProtocol, err)
		}
		inner = strings.TrimSpace(inner)
		if inner == "" || (inner[0] != '[' && inner[0] != '{') {
			return nil, fmt.Errorf("%w: events string is not JSON", ErrProtocol)
		}
		return decodeEvents(json.RawMessage(inner))

	default:
		return nil, fmt.Errorf("%w: unsupported events payload shape", ErrProtocol)
	}
}

func decodeEventObject(raw json.RawMessage) (map[string]any, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, false
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return nil, false
		}
		trimmed = strings.TrimSpace(inner)
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	return obj, true
}

// redact strips query parameters from a URL before it appears in errors or
// logs; filters can contain sensitive expressions.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
