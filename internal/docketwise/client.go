package docketwise

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrUnauthorized marks a fatal upstream auth failure. A run hitting it
// aborts for that tenant and is not retried until credentials change.
var ErrUnauthorized = errors.New("upstream authorization failed")

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream http %d: %s", e.StatusCode, e.Message)
}

// Matter is the minimal slice of the upstream record the reconciler needs.
type Matter struct {
	ID         string
	Title      string
	ClientName string
	MatterType string
	Status     string
	Deadline   *time.Time
	UpdatedAt  *time.Time
}

// MattersPage is one page of the upstream listing. Records that failed
// schema validation are skipped and surfaced in Invalid.
type MattersPage struct {
	Matters    []Matter
	Invalid    []string
	NextCursor *string
}

type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	PageSize   int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client talks to the practice-management API. It is tenant-agnostic;
// the per-tenant bearer token is supplied on each call.
type Client struct {
	baseURL    string
	httpClient *http.Client
	pageSize   int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	schema     *jsonschema.Schema
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.docketwise.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 200
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	schema, err := compileMatterSchema()
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		pageSize:   pageSize,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		schema:     schema,
	}, nil
}

// ListMatters fetches one page of matters. A nil NextCursor on the result
// means the listing is exhausted.
func (c *Client) ListMatters(ctx context.Context, token, cursor string) (MattersPage, error) {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(c.pageSize))
	if strings.TrimSpace(cursor) != "" {
		q.Set("cursor", strings.TrimSpace(cursor))
	}
	body, err := c.doGet(ctx, token, "/api/v1/matters?"+q.Encode())
	if err != nil {
		return MattersPage{}, err
	}
	return c.parsePage(body)
}

func (c *Client) doGet(ctx context.Context, token, requestPath string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: status=%d", ErrUnauthorized, resp.StatusCode)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}
}

func (c *Client) parsePage(body []byte) (MattersPage, error) {
	var envelope struct {
		Matters    []json.RawMessage `json:"matters"`
		NextCursor *string           `json:"next_cursor"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return MattersPage{}, fmt.Errorf("malformed page envelope: %w", err)
	}

	page := MattersPage{NextCursor: normalizeCursor(envelope.NextCursor)}
	for i, raw := range envelope.Matters {
		record, err := c.decodeMatter(raw)
		if err != nil {
			page.Invalid = append(page.Invalid, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		page.Matters = append(page.Matters, record)
	}
	return page, nil
}

func (c *Client) decodeMatter(raw json.RawMessage) (Matter, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Matter{}, err
	}
	if err := c.schema.Validate(instance); err != nil {
		return Matter{}, err
	}

	var wire struct {
		ID         any     `json:"id"`
		Title      string  `json:"title"`
		ClientName string  `json:"client_name"`
		MatterType string  `json:"matter_type"`
		Status     string  `json:"status"`
		Deadline   *string `json:"deadline"`
		UpdatedAt  *string `json:"updated_at"`
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&wire); err != nil {
		return Matter{}, err
	}
	id := ""
	switch v := wire.ID.(type) {
	case string:
		id = strings.TrimSpace(v)
	case json.Number:
		id = v.String()
	}
	if id == "" {
		return Matter{}, fmt.Errorf("record id is empty")
	}

	record := Matter{
		ID:         id,
		Title:      strings.TrimSpace(wire.Title),
		ClientName: strings.TrimSpace(wire.ClientName),
		MatterType: strings.TrimSpace(wire.MatterType),
		Status:     strings.ToLower(strings.TrimSpace(wire.Status)),
	}
	if wire.Deadline != nil && strings.TrimSpace(*wire.Deadline) != "" {
		deadline, err := parseUpstreamTime(*wire.Deadline)
		if err != nil {
			return Matter{}, fmt.Errorf("invalid deadline %q: %w", *wire.Deadline, err)
		}
		record.Deadline = &deadline
	}
	if wire.UpdatedAt != nil && strings.TrimSpace(*wire.UpdatedAt) != "" {
		updatedAt, err := parseUpstreamTime(*wire.UpdatedAt)
		if err != nil {
			return Matter{}, fmt.Errorf("invalid updated_at %q: %w", *wire.UpdatedAt, err)
		}
		record.UpdatedAt = &updatedAt
	}
	return record, nil
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func parseUpstreamTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

func normalizeCursor(cursor *string) *string {
	if cursor == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*cursor)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
