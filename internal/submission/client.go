// Package submission is the typed client for the visit-submission feed:
// one record per completed field visit, paginated, with bearer-token auth
// injected by the caller's token source.
package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/fieldvisit-monitor/internal/config"
	"github.com/ignite/fieldvisit-monitor/internal/domain"
	"github.com/ignite/fieldvisit-monitor/internal/pkg/httpretry"
	"github.com/ignite/fieldvisit-monitor/internal/pkg/logger"
	"github.com/ignite/fieldvisit-monitor/internal/upstream"
)

// Client is a visit-submission API client.
type Client struct {
	baseURL        string
	tokens         upstream.TokenSource
	httpClient     httpretry.HTTPDoer
	pageSize       int
	maxConcurrency int
}

// NewClient creates a new visit-submission API client.
func NewClient(cfg config.SubmissionConfig, tokens upstream.TokenSource) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		tokens:  tokens,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
		pageSize:       cfg.PageSize,
		maxConcurrency: cfg.MaxConcurrency,
	}
}

// doRequest makes an authenticated GET request against the feed.
// A 401 maps to upstream.ErrTokenExpired; network errors and 5xx that
// survived the retry budget map to upstream.ErrUnavailable.
func (c *Client) doRequest(ctx context.Context, path string, params url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", upstream.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, upstream.ErrTokenExpired
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", upstream.ErrUnavailable, resp.StatusCode, string(body))
	default:
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
}

// FetchVisitRecords fetches all completed visits for a domain within the
// date range. The first page establishes the total count; remaining pages
// are fetched concurrently, bounded by the configured limit, and records
// are returned in feed order.
func (c *Client) FetchVisitRecords(ctx context.Context, domainID string, dr domain.DateRange) ([]domain.VisitRecord, error) {
	first, err := c.fetchVisitPage(ctx, domainID, dr, 0)
	if err != nil {
		return nil, err
	}

	records := make([]domain.VisitRecord, 0, first.Meta.TotalCount)
	for _, obj := range first.Objects {
		records = append(records, obj.toDomain())
	}

	total := first.Meta.TotalCount
	if total <= len(first.Objects) {
		return records, nil
	}

	type pageResult struct {
		offset  int
		objects []visitObject
	}

	var (
		mu      sync.Mutex
		results []pageResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency())
	for offset := c.limit(); offset < total; offset += c.limit() {
		offset := offset
		g.Go(func() error {
			page, err := c.fetchVisitPage(gctx, domainID, dr, offset)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, pageResult{offset: offset, objects: page.Objects})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].offset < results[j].offset })
	for _, res := range results {
		for _, obj := range res.objects {
			records = append(records, obj.toDomain())
		}
	}

	logger.Info("fetched visit records",
		"domain", domainID,
		"count", len(records),
		"from", dr.From.Format("2006-01-02"),
		"to", dr.To.Format("2006-01-02"))
	return records, nil
}

// CountVisitRecords returns the feed-reported total for the domain and
// date range without paging through the records. One limit=1 request; the
// total comes from the page metadata.
func (c *Client) CountVisitRecords(ctx context.Context, domainID string, dr domain.DateRange) (int, error) {
	params := url.Values{}
	params.Set("from", dr.From.UTC().Format("2006-01-02"))
	params.Set("to", dr.To.UTC().Format("2006-01-02"))
	params.Set("limit", "1")
	params.Set("offset", "0")

	body, err := c.doRequest(ctx, "/domains/"+url.PathEscape(domainID)+"/visits", params)
	if err != nil {
		return 0, fmt.Errorf("counting visits: %w", err)
	}

	var page visitPage
	if err := json.Unmarshal(body, &page); err != nil {
		return 0, fmt.Errorf("parsing visit count: %w", err)
	}
	return page.Meta.TotalCount, nil
}

func (c *Client) fetchVisitPage(ctx context.Context, domainID string, dr domain.DateRange, offset int) (*visitPage, error) {
	params := url.Values{}
	params.Set("from", dr.From.UTC().Format("2006-01-02"))
	params.Set("to", dr.To.UTC().Format("2006-01-02"))
	params.Set("limit", strconv.Itoa(c.limit()))
	params.Set("offset", strconv.Itoa(offset))

	body, err := c.doRequest(ctx, "/domains/"+url.PathEscape(domainID)+"/visits", params)
	if err != nil {
		return nil, fmt.Errorf("fetching visits page at offset %d: %w", offset, err)
	}

	var page visitPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("parsing visits page: %w", err)
	}
	return &page, nil
}

// FetchWorkerScores fetches the per-worker performance scores for a domain.
func (c *Client) FetchWorkerScores(ctx context.Context, domainID string) (map[string]domain.WorkerScore, error) {
	body, err := c.doRequest(ctx, "/domains/"+url.PathEscape(domainID)+"/worker-scores", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching worker scores: %w", err)
	}

	var resp scoreResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing worker scores: %w", err)
	}

	scores := make(map[string]domain.WorkerScore, len(resp.Scores))
	for _, s := range resp.Scores {
		scores[s.UserID] = domain.WorkerScore{WorkerID: s.UserID, Score: s.Score, Rank: s.Rank}
	}
	return scores, nil
}

func (c *Client) limit() int {
	if c.pageSize <= 0 {
		return 500
	}
	return c.pageSize
}

func (c *Client) concurrency() int {
	if c.maxConcurrency <= 0 {
		return 4
	}
	return c.maxConcurrency
}
