// Package provider implements the client for the remote ASN data source:
// a paginated per-country ASN directory plus a per-ASN aggregated IPv4
// range list.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ipverse/pkg/model"
	"ipverse/pkg/util/workers"
)

const (
	DefaultDirectoryURL = "https://ipinfo.io"
	DefaultRangesURL    = "https://raw.githubusercontent.com/ipverse/asn-ip/master/as"
	DefaultUserAgent    = "ipverse/ipversed"
	DefaultPageSize     = 20
	MaxRetries          = 3
	RetryDelay          = 5 * time.Second

	defaultTimeout = 30 * time.Second
)

// Client fetches ASN directory pages and per-ASN range lists.
type Client struct {
	directoryURL string
	rangesURL    string
	userAgent    string
	pageSize     int
	rangeWorkers int
	httpClient   *http.Client
	limiter      *rate.Limiter
	retry        workers.RetryConfig
}

// Config contains configuration for the provider client
type Config struct {
	DirectoryURL string
	RangesURL    string
	UserAgent    string
	PageSize     int
	RangeWorkers int     // Concurrent per-ASN range fetches per page
	RateLimit    float64 // Requests per second toward the provider (0 = no limit)
	Retry        workers.RetryConfig
}

// NewClient creates a new provider client
func NewClient(cfg Config) *Client {
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = DefaultDirectoryURL
	}
	if cfg.RangesURL == "" {
		cfg.RangesURL = DefaultRangesURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RangeWorkers <= 0 {
		cfg.RangeWorkers = 4
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = workers.FixedRetryConfig(MaxRetries, RetryDelay)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}

	return &Client{
		directoryURL: strings.TrimRight(cfg.DirectoryURL, "/"),
		rangesURL:    strings.TrimRight(cfg.RangesURL, "/"),
		userAgent:    cfg.UserAgent,
		pageSize:     cfg.PageSize,
		rangeWorkers: cfg.RangeWorkers,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		limiter: limiter,
		retry:   cfg.Retry,
	}
}

// directoryItem is one entry of the ASN directory response
type directoryItem struct {
	ASN         string `json:"asn"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	NumberOfIPs int64  `json:"numberOfIps"`
}

// FetchPage fetches one directory page for a country and populates the
// range list of every active ASN on it. Page numbers start at 1. A page
// with no raw items signals the end of pagination; filtering can leave
// a mid-sequence page with zero records. Transient failures
// (transport errors, 429, 5xx, unparseable bodies) are retried within
// the configured budget; exhausting it fails the page.
func (c *Client) FetchPage(ctx context.Context, country string, pageNumber int) (*model.Page, error) {
	url := fmt.Sprintf("%s/api/data/asns?country=%s&amount=%d&page=%d",
		c.directoryURL, country, c.pageSize, pageNumber)

	var items []directoryItem
	endOfData := false

	err := workers.Retry(ctx, c.retry, func() error {
		body, status, err := c.get(ctx, url)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrProviderUnavailable, err)
		}
		switch {
		case status == http.StatusNotFound:
			// Provider signals no more data for this country
			endOfData = true
			return nil
		case status == http.StatusTooManyRequests || status >= 500:
			return fmt.Errorf("%w: status %d", model.ErrProviderUnavailable, status)
		case status != http.StatusOK:
			return fmt.Errorf("%w: unexpected status %d", model.ErrProviderUnavailable, status)
		}
		items = items[:0]
		if err := json.Unmarshal(body, &items); err != nil {
			return fmt.Errorf("%w: %v", model.ErrProviderMalformed, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("page %d for %s: %w", pageNumber, country, err)
	}

	page := &model.Page{Number: pageNumber}
	if endOfData {
		return page, nil
	}
	page.Raw = len(items)

	for _, item := range items {
		if item.Type == "inactive" || item.NumberOfIPs == 0 {
			continue
		}
		asn, err := strconv.Atoi(strings.TrimPrefix(item.ASN, "AS"))
		if err != nil {
			return nil, fmt.Errorf("page %d for %s: %w: bad asn %q",
				pageNumber, country, model.ErrProviderMalformed, item.ASN)
		}
		page.Records = append(page.Records, &model.ASNRecord{
			ASN:  asn,
			Name: item.Name,
		})
	}

	if err := c.populateRanges(ctx, page); err != nil {
		return nil, err
	}

	log.Printf("INFO: Fetched page %d for %s: %d ASNs", pageNumber, country, len(page.Records))
	return page, nil
}

// populateRanges fills the range list of every record on the page,
// fetching concurrently through a bounded worker pool. Any failed
// fetch fails the whole page so a partial report never escapes.
func (c *Client) populateRanges(ctx context.Context, page *model.Page) error {
	if len(page.Records) == 0 {
		return nil
	}

	pool := workers.NewPool(ctx, workers.Config{
		Workers: c.rangeWorkers,
	})

	ranges := make([][]string, len(page.Records))
	for i, rec := range page.Records {
		idx := i
		asn := rec.ASN
		pool.Submit(idx, func(ctx context.Context) error {
			list, err := c.FetchRanges(ctx, asn)
			if err != nil {
				return fmt.Errorf("AS%d: %w", asn, err)
			}
			ranges[idx] = list
			return nil
		})
	}

	for _, r := range pool.Wait() {
		if r.Error != nil {
			return r.Error
		}
	}

	for i, rec := range page.Records {
		rec.Ranges = ranges[i]
	}
	return nil
}

// FetchRanges fetches the published IPv4 range list for an ASN, in file
// order. An ASN with no published list contributes zero ranges.
func (c *Client) FetchRanges(ctx context.Context, asn int) ([]string, error) {
	url := fmt.Sprintf("%s/%d/ipv4-aggregated.txt", c.rangesURL, asn)

	var list []string
	err := workers.Retry(ctx, c.retry, func() error {
		body, status, err := c.get(ctx, url)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrProviderUnavailable, err)
		}
		switch {
		case status == http.StatusNotFound:
			list = nil
			return nil
		case status == http.StatusTooManyRequests || status >= 500:
			return fmt.Errorf("%w: status %d", model.ErrProviderUnavailable, status)
		case status != http.StatusOK:
			return fmt.Errorf("%w: unexpected status %d", model.ErrProviderUnavailable, status)
		}
		list = parseRangeList(string(body))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// parseRangeList extracts CIDR lines from an aggregated range file,
// skipping the comment header and blank lines.
func parseRangeList(body string) []string {
	var ranges []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ranges = append(ranges, line)
	}
	return ranges
}

// get performs a single rate-limited GET and returns the body and status.
func (c *Client) get(ctx context.Context, url string) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
