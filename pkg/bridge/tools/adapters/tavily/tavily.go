// Package tavily provides Tavily API adapters for the supervisor's web
// search and fetch tools.
//
// Tavily (https://tavily.com) is an AI-native search engine designed for
// LLMs. It provides both a Search API and an Extract API.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const defaultBaseURL = "https://api.tavily.com"

// Option configures a Tavily client.
type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
}

// WithBaseURL overrides the Tavily API base URL.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// SearchHit is one web search result.
type SearchHit struct {
	Title   string
	URL     string
	Snippet string
}

// SearchOpts tunes a single search call.
type SearchOpts struct {
	MaxResults     int
	Topic          string
	AllowedDomains []string
	BlockedDomains []string
}

// FetchResult is the extracted content of one page.
type FetchResult struct {
	URL     string
	Content string
}

// Client calls the Tavily Search and Extract APIs.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a Tavily client.
func New(apiKey string, opts ...Option) *Client {
	o := &options{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: o.baseURL,
		client:  o.httpClient,
	}
}

// tavilySearchRequest is the Tavily /search request body.
type tavilySearchRequest struct {
	Query          string   `json:"query"`
	SearchDepth    string   `json:"search_depth,omitempty"`
	Topic          string   `json:"topic,omitempty"`
	MaxResults     int      `json:"max_results,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

// tavilySearchResponse is the Tavily /search response body.
type tavilySearchResponse struct {
	Query   string              `json:"query"`
	Answer  string              `json:"answer,omitempty"`
	Results []tavilySearchEntry `json:"results"`
}

// tavilySearchEntry is a single search result from Tavily.
type tavilySearchEntry struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Search runs a web search and returns ranked hits.
func (c *Client) Search(ctx context.Context, query string, opts SearchOpts) ([]SearchHit, error) {
	reqBody := tavilySearchRequest{
		Query:       query,
		SearchDepth: "basic",
		MaxResults:  opts.MaxResults,
	}
	if reqBody.MaxResults <= 0 {
		reqBody.MaxResults = 5
	}
	if opts.Topic != "" {
		reqBody.Topic = opts.Topic
	}
	if len(opts.AllowedDomains) > 0 {
		reqBody.IncludeDomains = opts.AllowedDomains
	}
	if len(opts.BlockedDomains) > 0 {
		reqBody.ExcludeDomains = opts.BlockedDomains
	}

	var resp tavilySearchResponse
	if err := c.post(ctx, "/search", reqBody, &resp); err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(resp.Results))
	for _, r := range resp.Results {
		hits = append(hits, SearchHit{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}
	return hits, nil
}

// tavilyExtractRequest is the Tavily /extract request body.
type tavilyExtractRequest struct {
	URLs         []string `json:"urls"`
	ExtractDepth string   `json:"extract_depth,omitempty"`
	Format       string   `json:"format,omitempty"`
}

// tavilyExtractResponse is the Tavily /extract response body.
type tavilyExtractResponse struct {
	Results       []tavilyExtractEntry `json:"results"`
	FailedResults []struct {
		URL   string `json:"url"`
		Error string `json:"error"`
	} `json:"failed_results"`
}

// tavilyExtractEntry is a single extraction result from Tavily.
type tavilyExtractEntry struct {
	URL        string `json:"url"`
	RawContent string `json:"raw_content"`
}

// Fetch extracts the content of one page as markdown.
func (c *Client) Fetch(ctx context.Context, url string) (*FetchResult, error) {
	reqBody := tavilyExtractRequest{
		URLs:         []string{url},
		ExtractDepth: "basic",
		Format:       "markdown",
	}

	var resp tavilyExtractResponse
	if err := c.post(ctx, "/extract", reqBody, &resp); err != nil {
		return nil, err
	}

	if len(resp.FailedResults) > 0 && len(resp.Results) == 0 {
		return nil, fmt.Errorf("tavily: extraction failed for %s: %s", url, resp.FailedResults[0].Error)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("tavily: no content extracted from %s", url)
	}

	result := resp.Results[0]
	return &FetchResult{URL: result.URL, Content: result.RawContent}, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("tavily: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("tavily: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tavily: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tavily: API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tavily: decode response: %w", err)
	}
	return nil
}
