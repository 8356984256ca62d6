// Package clickup implements the source fetcher for the ClickUp REST API.
//
// The client authenticates with a bearer token and fetches time entries
// per date window, the space/folder/list hierarchy, and paginated task
// listings. ClickUp enforces an undocumented requests-per-minute budget
// and signals overload with 429 or 5xx responses; the client shares one
// token-bucket budget across all in-flight windows and retries transient
// failures with exponential backoff plus jitter, up to a fixed attempt
// ceiling. Exhausting the ceiling fails only the window being fetched,
// never the run.
package clickup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/nettsmed/clicksync/internal/window"
)

// DefaultBaseURL is the production ClickUp API endpoint.
const DefaultBaseURL = "https://api.clickup.com/api/v2"

// Defaults for retry and pagination behavior.
const (
	DefaultMaxAttempts       = 5
	DefaultBackoffBase       = 2 * time.Second
	DefaultRequestsPerMinute = 90
	DefaultMaxPages          = 50
)

// TransientError is a rate-limit or server-error response from the source.
// It is retried with backoff; when retries exhaust it is recorded as a
// per-window failure, non-fatal to the run.
type TransientError struct {
	StatusCode int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient source error: status %d", e.StatusCode)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Options configures a Client. Token and TeamID are required.
type Options struct {
	BaseURL   string
	Token     string
	TeamID    string
	Assignees string // comma-separated user IDs filter, optional

	HTTPClient *http.Client
	Logger     *log.Logger

	// MaxAttempts is the per-request attempt ceiling (including the
	// first try). BackoffBase seeds the exponential delay sequence.
	MaxAttempts int
	BackoffBase time.Duration

	// RequestsPerMinute is the run-wide budget shared by every in-flight
	// window fetch.
	RequestsPerMinute float64

	// MaxPages caps task pagination per list. Hitting the cap is a
	// validation warning, not fatal.
	MaxPages int
}

// Client is a bearer-token ClickUp API client safe for concurrent use.
type Client struct {
	baseURL   string
	token     string
	teamID    string
	assignees string

	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger

	maxAttempts int
	backoffBase time.Duration
	maxPages    int
}

// New creates a Client from options, applying defaults for everything
// optional.
func New(opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("api token is required")
	}
	if opts.TeamID == "" {
		return nil, fmt.Errorf("team id is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[clickup] ", log.LstdFlags)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}

	return &Client{
		baseURL:     opts.BaseURL,
		token:       opts.Token,
		teamID:      opts.TeamID,
		assignees:   opts.Assignees,
		http:        opts.HTTPClient,
		limiter:     rate.NewLimiter(rate.Limit(opts.RequestsPerMinute/60), 1),
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		maxPages:    opts.MaxPages,
	}, nil
}

// FetchMeta carries request-level counters for the run summary.
type FetchMeta struct {
	Requests   int
	Retries    int
	Pages      int
	PageCapHit bool
}

// TimeEntries fetches all time entries within one window. Window bounds
// are sent as epoch milliseconds, matching the API contract.
func (c *Client) TimeEntries(ctx context.Context, w window.Window) ([]map[string]any, FetchMeta, error) {
	q := url.Values{}
	q.Set("start_date", strconv.FormatInt(w.Start.UnixMilli(), 10))
	q.Set("end_date", strconv.FormatInt(w.End.UnixMilli(), 10))
	if c.assignees != "" {
		q.Set("assignee", c.assignees)
	}

	var meta FetchMeta
	records, err := c.getList(ctx, fmt.Sprintf("/team/%s/time_entries", c.teamID), q, "data", &meta)
	if err != nil {
		return nil, meta, err
	}
	c.logger.Printf("window %s: %d entries (%d retries)", w, len(records), meta.Retries)
	return records, meta, nil
}

// Spaces fetches all spaces of the team.
func (c *Client) Spaces(ctx context.Context, meta *FetchMeta) ([]map[string]any, error) {
	return c.getList(ctx, fmt.Sprintf("/team/%s/space", c.teamID), nil, "spaces", meta)
}

// Folders fetches the folders of one space.
func (c *Client) Folders(ctx context.Context, spaceID string, meta *FetchMeta) ([]map[string]any, error) {
	return c.getList(ctx, fmt.Sprintf("/space/%s/folder", spaceID), nil, "folders", meta)
}

// Lists fetches the lists of one folder.
func (c *Client) Lists(ctx context.Context, folderID string, meta *FetchMeta) ([]map[string]any, error) {
	return c.getList(ctx, fmt.Sprintf("/folder/%s/list", folderID), nil, "lists", meta)
}

// FolderlessLists fetches lists attached directly to a space.
func (c *Client) FolderlessLists(ctx context.Context, spaceID string, meta *FetchMeta) ([]map[string]any, error) {
	return c.getList(ctx, fmt.Sprintf("/space/%s/list", spaceID), nil, "lists", meta)
}

// Tasks fetches every task of a list, following pagination until the API
// signals the last page or an empty page, or until the page safety cap is
// hit (recorded in meta as a warning, not an error).
func (c *Client) Tasks(ctx context.Context, listID string, includeClosed, subtasks bool, meta *FetchMeta) ([]map[string]any, error) {
	var all []map[string]any

	for page := 0; ; page++ {
		if page >= c.maxPages {
			meta.PageCapHit = true
			c.logger.Printf("WARNING: list %s hit the page cap (%d pages), result may be truncated", listID, c.maxPages)
			break
		}

		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("include_closed", strconv.FormatBool(includeClosed))
		q.Set("subtasks", strconv.FormatBool(subtasks))

		body, err := c.get(ctx, fmt.Sprintf("/list/%s/task", listID), q, meta)
		if err != nil {
			return nil, err
		}

		var envelope struct {
			Tasks    []map[string]any `json:"tasks"`
			LastPage bool             `json:"last_page"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("failed to decode task page %d for list %s: %w", page, listID, err)
		}

		meta.Pages++
		all = append(all, envelope.Tasks...)
		if envelope.LastPage || len(envelope.Tasks) == 0 {
			break
		}
	}
	return all, nil
}

// getList fetches a path and unwraps the named JSON array envelope.
func (c *Client) getList(ctx context.Context, path string, q url.Values, key string, meta *FetchMeta) ([]map[string]any, error) {
	body, err := c.get(ctx, path, q, meta)
	if err != nil {
		return nil, err
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", path, err)
	}

	var records []map[string]any
	if raw, ok := envelope[key]; ok {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("failed to decode %q array from %s: %w", key, path, err)
		}
	}
	return records, nil
}

// get issues one authenticated GET with retry. Each attempt waits on the
// shared rate budget first, so retries and fresh requests draw from the
// same bucket.
func (c *Client) get(ctx context.Context, path string, q url.Values, meta *FetchMeta) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			meta.Retries++
			delay := c.backoffDelay(attempt - 1)
			c.logger.Printf("retrying %s in %s (attempt %d/%d)", path, delay.Round(time.Millisecond), attempt+1, c.maxAttempts)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		meta.Requests++

		body, err := c.doOnce(ctx, u)
		if err == nil {
			return body, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("giving up on %s after %d attempts: %w", path, c.maxAttempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Treat transport failures like server errors: worth retrying.
		return nil, fmt.Errorf("request failed: %w", &TransientError{StatusCode: 0})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{StatusCode: resp.StatusCode}
	default:
		return nil, fmt.Errorf("source returned status %d: %s", resp.StatusCode, truncate(body, 200))
	}
}

// backoffDelay computes the delay before retry n (0-based). The sequence
// is base*2^n plus jitter in [0, base), which keeps successive delays
// strictly non-decreasing while spreading concurrent retries apart.
func (c *Client) backoffDelay(n int) time.Duration {
	exp := c.backoffBase << uint(n)
	jitter := time.Duration(rand.Int63n(int64(c.backoffBase)))
	return exp + jitter
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
