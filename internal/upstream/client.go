// Package upstream talks to the REST endpoints that serve the authoritative
// worker snapshot, the project table and worker position histories.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/history"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
)

const (
	DefaultWorkersPath  = "/api/workers"
	DefaultProjectsPath = "/api/projects"
	DefaultHistoryPath  = "/api/workers/{id}/history"
	DefaultTimeout      = 15 * time.Second

	workerIDPlaceholder = "{id}"
	maxErrorBodyBytes   = 512
	maxBodyBytes        = 32 << 20
	maxPages            = 100
)

var envelopeKeys = []string{"results", "data", "workers", "projects", "points"}

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ClientConfig wires a Client.
type ClientConfig struct {
	BaseURL      string
	WorkersPath  string
	ProjectsPath string
	HistoryPath  string
	Timeout      time.Duration
	Tokens       TokenSource
	HTTPClient   *http.Client
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Snapshot is the authoritative worker and project lists.
type Snapshot struct {
	Workers  []presence.Worker
	Projects []presence.Project
	// Skipped counts records that could not be decoded.
	Skipped int
}

// Client is the upstream REST client.
type Client struct {
	baseURL      string
	origin       *url.URL
	workersPath  string
	projectsPath string
	historyPath  string
	tokens       TokenSource
	httpClient   *http.Client
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// NewClient validates cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	origin, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingBaseURL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:      baseURL,
		origin:       origin,
		workersPath:  pathOrDefault(cfg.WorkersPath, DefaultWorkersPath),
		projectsPath: pathOrDefault(cfg.ProjectsPath, DefaultProjectsPath),
		historyPath:  pathOrDefault(cfg.HistoryPath, DefaultHistoryPath),
		tokens:       cfg.Tokens,
		httpClient:   httpClient,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// FetchSnapshot loads workers and projects concurrently. Either failure
// fails the whole snapshot.
func (c *Client) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	var (
		workers  []presence.Worker
		projects []presence.Project
		skippedW int
		skippedP int
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		workers, skippedW, err = c.FetchWorkers(groupCtx)
		return err
	})
	group.Go(func() error {
		var err error
		projects, skippedP, err = c.FetchProjects(groupCtx)
		return err
	})
	if err := group.Wait(); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Workers: workers, Projects: projects, Skipped: skippedW + skippedP}, nil
}

// FetchWorkers loads the worker list, skipping undecodable records.
func (c *Client) FetchWorkers(ctx context.Context) ([]presence.Worker, int, error) {
	items, err := c.getList(ctx, OperationFetchWorkers, c.workersPath, nil)
	if err != nil {
		return nil, 0, err
	}
	workers := make([]presence.Worker, 0, len(items))
	skipped := 0
	for index, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			skipped++
			c.logSkipped(OperationFetchWorkers, index, err)
			continue
		}
		update, err := presence.DecodeWorkerUpdate(fields)
		if err != nil {
			skipped++
			c.logSkipped(OperationFetchWorkers, index, err)
			continue
		}
		worker := update.Worker()
		if update.LastUpdate.Value != nil {
			seen := *update.LastUpdate.Value
			worker.LastUpdate = &seen
		}
		workers = append(workers, worker)
	}
	return workers, skipped, nil
}

// FetchProjects loads the project reference table.
func (c *Client) FetchProjects(ctx context.Context) ([]presence.Project, int, error) {
	items, err := c.getList(ctx, OperationFetchProjects, c.projectsPath, nil)
	if err != nil {
		return nil, 0, err
	}
	projects := make([]presence.Project, 0, len(items))
	skipped := 0
	for index, item := range items {
		var project presence.Project
		if err := json.Unmarshal(item, &project); err != nil {
			skipped++
			c.logSkipped(OperationFetchProjects, index, err)
			continue
		}
		projects = append(projects, project)
	}
	return projects, skipped, nil
}

// FetchHistory loads the positions of one worker within window.
func (c *Client) FetchHistory(ctx context.Context, workerID presence.WorkerID, historyRange history.Range, window history.Window) ([]history.Point, error) {
	path := strings.ReplaceAll(c.historyPath, workerIDPlaceholder, url.PathEscape(workerID.String()))
	query := url.Values{}
	query.Set("range", historyRange.String())
	query.Set("from", window.From.UTC().Format(time.RFC3339))
	query.Set("to", window.To.UTC().Format(time.RFC3339))

	items, err := c.getList(ctx, OperationFetchHistory, path, query)
	if err != nil {
		return nil, err
	}
	points := make([]history.Point, 0, len(items))
	for index, item := range items {
		point, err := decodePoint(item)
		if err != nil {
			c.logSkipped(OperationFetchHistory, index, err)
			continue
		}
		points = append(points, point)
	}
	return points, nil
}

// getList follows `next` links until the last page and fails when the
// advertised `count` exceeds the records received.
func (c *Client) getList(ctx context.Context, operation, path string, query url.Values) ([]json.RawMessage, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var (
		items    []json.RawMessage
		expected = -1
	)
	for pages := 0; ; pages++ {
		if pages == maxPages {
			return nil, c.fail(operation, 0, fmt.Errorf("%w: more than %d pages", ErrInvalidResponse, maxPages))
		}
		started := time.Now()
		body, status, err := c.get(ctx, target)
		c.metrics.ObserveUpstream(operation, status, time.Since(started))
		if err != nil {
			return nil, c.fail(operation, status, err)
		}
		current, err := decodePage(body)
		if err != nil {
			return nil, c.fail(operation, 0, fmt.Errorf("%w: %v", ErrInvalidResponse, err))
		}
		items = append(items, current.items...)
		if current.count != nil {
			expected = *current.count
		}
		if current.next == "" {
			break
		}
		if target, err = c.resolveNext(target, current.next); err != nil {
			return nil, c.fail(operation, 0, fmt.Errorf("%w: %v", ErrInvalidResponse, err))
		}
	}
	if expected > len(items) {
		return nil, c.fail(operation, 0, fmt.Errorf("%w: received %d of %d records", ErrInvalidResponse, len(items), expected))
	}
	return items, nil
}

// resolveNext resolves a page link against the current page. Links leaving
// the configured origin are refused so the service token stays with it.
func (c *Client) resolveNext(current, next string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(next))
	if err != nil {
		return "", fmt.Errorf("next page: %w", err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != c.origin.Scheme || resolved.Host != c.origin.Host {
		return "", fmt.Errorf("next page %q leaves %s", next, c.origin.Host)
	}
	return resolved.String(), nil
}

func (c *Client) get(ctx context.Context, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, resp.StatusCode, fmt.Errorf("%w: %s", ErrUnexpectedStatus, strings.TrimSpace(string(snippet)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// fail wraps err as a RequestError and logs it. Statuses of successful
// responses are not carried so that Code reflects the decoding failure.
func (c *Client) fail(operation string, status int, err error) error {
	requestErr := &RequestError{Operation: operation, StatusCode: status, Err: err}
	if status >= 200 && status <= 299 {
		requestErr.StatusCode = 0
	}
	c.logger.Warn("upstream request failed",
		zap.String("operation", "upstream."+operation),
		zap.String("reason", requestErr.Code()),
		zap.Int("status", requestErr.StatusCode),
		zap.Error(err),
	)
	return requestErr
}

func (c *Client) logSkipped(operation string, index int, err error) {
	c.logger.Warn("upstream record skipped",
		zap.String("operation", "upstream."+operation),
		zap.Int("index", index),
		zap.Error(err),
	)
}

// listPage is one decoded list response.
type listPage struct {
	items []json.RawMessage
	next  string
	count *int
}

// decodePage accepts a bare array or an object wrapping it under one of the
// envelope keys, optionally paginated with `next` and `count`.
func decodePage(body []byte) (listPage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return listPage{}, fmt.Errorf("empty body")
	}
	var page listPage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &page.items); err != nil {
			return listPage{}, err
		}
		return page, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return listPage{}, err
	}
	found := false
	for _, key := range envelopeKeys {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &page.items); err != nil {
			return listPage{}, fmt.Errorf("%s: %w", key, err)
		}
		found = true
		break
	}
	if !found {
		return listPage{}, fmt.Errorf("no list found in response")
	}
	if raw, ok := envelope["next"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &page.next); err != nil {
			return listPage{}, fmt.Errorf("next: %w", err)
		}
		page.next = strings.TrimSpace(page.next)
	}
	if raw, ok := envelope["count"]; ok && !isNull(raw) {
		var count int
		if err := json.Unmarshal(raw, &count); err != nil {
			return listPage{}, fmt.Errorf("count: %w", err)
		}
		page.count = &count
	}
	return page, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodePoint(raw json.RawMessage) (history.Point, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return history.Point{}, err
	}
	latitude, err := presence.DecodeLatitude(fields["latitude"])
	if err != nil {
		return history.Point{}, fmt.Errorf("latitude: %w", err)
	}
	longitude, err := presence.DecodeLongitude(fields["longitude"])
	if err != nil {
		return history.Point{}, fmt.Errorf("longitude: %w", err)
	}
	timestamp, err := presence.DecodeTimestamp(fields["timestamp"])
	if err != nil {
		return history.Point{}, fmt.Errorf("timestamp: %w", err)
	}
	return history.Point{Latitude: latitude, Longitude: longitude, Timestamp: timestamp}, nil
}

func pathOrDefault(path, fallback string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return fallback
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return trimmed
}
