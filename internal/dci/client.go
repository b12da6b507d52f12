// Package dci is the HTTP client for the DCI control server. It
// exposes the jobs feed as a resumable cursor ordered by source
// update time.
package dci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/distributedci/dci-analytics/internal/retry"
)

const jobsPath = "/api/v1/analytics/jobs"

// ErrDone signals the end of a cursor's record sequence.
var ErrDone = errors.New("dci: no more records")

// Config holds the remote source connection settings.
type Config struct {
	BaseURL     string        `toml:"base_url"`
	Token       string        `toml:"token"`
	PageSize    int           `toml:"page_size"`
	Timeout     time.Duration `toml:"timeout"`
	MaxAttempts int           `toml:"max_attempts"`
	RetryBase   time.Duration `toml:"retry_base"`
	RetryMax    time.Duration `toml:"retry_max"`
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:    100,
		Timeout:     30 * time.Second,
		MaxAttempts: 5,
		RetryBase:   time.Second,
		RetryMax:    time.Minute,
	}
}

// Client talks to the DCI control server.
type Client struct {
	httpClient *http.Client
	base       *url.URL
	token      string
	pageSize   int
	policy     retry.Policy
	logger     *slog.Logger
}

// NewClient creates a client from the given configuration. A nil
// httpClient gets a default one with the configured timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("dci: base_url must be specified")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("dci: invalid base_url %q: %w", cfg.BaseURL, err)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	policy := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryBase,
		MaxDelay:    cfg.RetryMax,
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}

	return &Client{
		httpClient: httpClient,
		base:       base,
		token:      cfg.Token,
		pageSize:   pageSize,
		policy:     policy,
		logger:     logger,
	}, nil
}

// Jobs returns a cursor over records updated after the given position,
// ordered by (updated_at, id) ascending. Pagination is handled
// internally; the cursor makes no request until Next is called.
func (c *Client) Jobs(pos Position) *JobCursor {
	return &JobCursor{client: c, pos: pos}
}

// fetchPage retrieves one page of the jobs listing, retrying transient
// failures per the client's policy.
func (c *Client) fetchPage(ctx context.Context, pos Position, offset int) (*jobsPage, error) {
	var page *jobsPage

	err := retry.Do(ctx, c.policy, func(ctx context.Context) retry.Result {
		p, res := c.fetchPageOnce(ctx, pos, offset)
		if res.Err() == nil {
			page = p
		}
		return res
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// fetchPageOnce performs a single page request and classifies the
// outcome for the retry driver.
func (c *Client) fetchPageOnce(ctx context.Context, pos Position, offset int) (*jobsPage, retry.Result) {
	endpoint := c.base.ResolveReference(&url.URL{Path: jobsPath})

	q := url.Values{}
	if !pos.Since.IsZero() {
		q.Set("since", pos.Since.UTC().Format(time.RFC3339Nano))
	}
	q.Set("sort", "updated_at")
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", strconv.Itoa(offset))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("dci: error creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Fatal(ctx.Err())
		}
		return nil, retry.Retryable(fmt.Errorf("dci: request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode below
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("dci: rate limited (status 429)")
		if after, ok := retryAfter(resp); ok {
			return nil, retry.RetryableAfter(err, after)
		}
		return nil, retry.Retryable(err)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return nil, retry.Fatal(&AuthError{Status: resp.StatusCode})
	case resp.StatusCode >= 500:
		return nil, retry.Retryable(fmt.Errorf("dci: server error (status %d)", resp.StatusCode))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, retry.Fatal(&HTTPStatusError{Status: resp.StatusCode, Body: string(body)})
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("dci: error reading response body: %w", err))
	}

	var page jobsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, retry.Fatal(fmt.Errorf("dci: error unmarshaling jobs page: %w", err))
	}

	return &page, retry.Done()
}

// retryAfter extracts the Retry-After hint, if any.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// JobCursor is a lazy, finite sequence of records. It is resumable:
// two cursors built from the same position yield the same records, so
// an interrupted consumer can restart without skipping anything.
type JobCursor struct {
	client *Client
	pos    Position

	offset  int
	page    []Record
	idx     int
	drained bool
}

// Next returns the next record in (updated_at, id) order. It returns
// ErrDone once the sequence is exhausted.
func (cur *JobCursor) Next(ctx context.Context) (*Record, error) {
	for {
		if cur.idx < len(cur.page) {
			rec := cur.page[cur.idx]
			cur.idx++
			return &rec, nil
		}

		if cur.drained {
			return nil, ErrDone
		}

		if err := cur.fetchNextPage(ctx); err != nil {
			return nil, err
		}
	}
}

// fetchNextPage loads the next upstream page into the cursor, dropping
// records already covered by the resumption position.
func (cur *JobCursor) fetchNextPage(ctx context.Context) error {
	page, err := cur.client.fetchPage(ctx, cur.pos, cur.offset)
	if err != nil {
		return err
	}

	records := make([]Record, 0, len(page.Jobs))
	for _, raw := range page.Jobs {
		rec, err := parseRecord(raw)
		if err != nil {
			return err
		}
		// The `since` filter is inclusive upstream, so the record at
		// the checkpoint itself comes back on resumption.
		if cur.pos.Covers(rec.UpdatedAt, rec.ID) {
			continue
		}
		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})

	cur.offset += len(page.Jobs)
	cur.page = records
	cur.idx = 0
	if len(page.Jobs) < cur.client.pageSize {
		cur.drained = true
	}

	cur.client.logger.Debug("fetched jobs page",
		"offset", cur.offset,
		"returned", len(page.Jobs),
		"new_records", len(records),
		"drained", cur.drained)

	return nil
}

// parseRecord lifts the identifying fields out of a raw job document.
func parseRecord(raw map[string]any) (*Record, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("dci: job document missing id")
	}

	updatedRaw, _ := raw["updated_at"].(string)
	if updatedRaw == "" {
		return nil, fmt.Errorf("dci: job %s missing updated_at", id)
	}
	updated, err := ParseTime(updatedRaw)
	if err != nil {
		return nil, fmt.Errorf("dci: job %s has malformed updated_at: %w", id, err)
	}

	return &Record{
		ID:        id,
		UpdatedAt: updated,
		Payload:   raw,
	}, nil
}

// ParseTime parses the timestamp formats the control server emits.
func ParseTime(value string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02 15:04:05.999999",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
