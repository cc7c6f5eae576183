// Package casemgmt is the typed client for the case-management forms API:
// registration documents carrying subject metadata plus an embedded
// schedule of expected follow-up visits, and the worker directory.
package casemgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ignite/fieldvisit-monitor/internal/config"
	"github.com/ignite/fieldvisit-monitor/internal/domain"
	"github.com/ignite/fieldvisit-monitor/internal/pkg/httpretry"
	"github.com/ignite/fieldvisit-monitor/internal/pkg/logger"
	"github.com/ignite/fieldvisit-monitor/internal/upstream"
)

// Client is a case-management forms API client.
type Client struct {
	baseURL    string
	tokens     upstream.TokenSource
	httpClient httpretry.HTTPDoer
	pageSize   int
}

// NewClient creates a new case-management API client.
func NewClient(cfg config.CaseMgmtConfig, tokens upstream.TokenSource) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		tokens:  tokens,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
		pageSize: cfg.PageSize,
	}
}

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

// FetchRegistrations fetches all registration documents for a domain,
// following limit/offset pagination sequentially until the reported total
// is reached. Each document yields exactly one SubjectProfile.
func (c *Client) FetchRegistrations(ctx context.Context, domainID string) ([]domain.SubjectProfile, error) {
	var profiles []domain.SubjectProfile

	offset := 0
	for {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(c.limit()))
		params.Set("offset", strconv.Itoa(offset))

		body, err := c.doRequest(ctx, "/domains/"+url.PathEscape(domainID)+"/registrations", params)
		if err != nil {
			return nil, fmt.Errorf("fetching registrations at offset %d: %w", offset, err)
		}

		var page registrationPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("parsing registrations page: %w", err)
		}

		for _, obj := range page.Objects {
			profiles = append(profiles, obj.toDomain())
		}

		offset += len(page.Objects)
		if offset >= page.Meta.TotalCount || len(page.Objects) == 0 {
			break
		}
	}

	logger.Info("fetched registrations", "domain", domainID, "count", len(profiles))
	return profiles, nil
}

// CountRegistrations returns the API-reported total number of registration
// documents for a domain without paging through them. One limit=1 request;
// the total comes from the page metadata.
func (c *Client) CountRegistrations(ctx context.Context, domainID string) (int, error) {
	params := url.Values{}
	params.Set("limit", "1")
	params.Set("offset", "0")

	body, err := c.doRequest(ctx, "/domains/"+url.PathEscape(domainID)+"/registrations", params)
	if err != nil {
		return 0, fmt.Errorf("counting registrations: %w", err)
	}

	var page registrationPage
	if err := json.Unmarshal(body, &page); err != nil {
		return 0, fmt.Errorf("parsing registration count: %w", err)
	}
	return page.Meta.TotalCount, nil
}

// FetchWorkerNames fetches the worker directory for a domain as a
// worker-id to display-name map.
func (c *Client) FetchWorkerNames(ctx context.Context, domainID string) (map[string]string, error) {
	body, err := c.doRequest(ctx, "/domains/"+url.PathEscape(domainID)+"/workers", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching worker names: %w", err)
	}

	var resp workerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing worker names: %w", err)
	}

	names := make(map[string]string, len(resp.Workers))
	for _, w := range resp.Workers {
		names[w.UserID] = w.Name
	}
	return names, nil
}

func (c *Client) limit() int {
	if c.pageSize <= 0 {
		return 200
	}
	return c.pageSize
}
