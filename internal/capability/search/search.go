// Package search implements the web-search capability client against a
// SearXNG instance's JSON API.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/parley-bot/parley/internal/dispatch"
	"github.com/parley-bot/parley/internal/httpkit"
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Results is the search capability's success payload.
type Results struct {
	Query string   `json:"query"`
	Hits  []Result `json:"hits"`
}

// Client queries a SearXNG instance. Implements dispatch.Client.
type Client struct {
	baseURL    string
	maxResults int
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a search client. The baseURL should be the root URL of
// the SearXNG instance (e.g., "http://localhost:8080").
func New(baseURL string, maxResults int, logger *slog.Logger) *Client {
	if maxResults <= 0 {
		maxResults = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		maxResults: maxResults,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:     logger,
	}
}

// searxngResponse is the JSON response from SearXNG's /search endpoint.
type searxngResponse struct {
	Results []searxngResult `json:"results"`
}

type searxngResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Execute implements dispatch.Client.
func (c *Client) Execute(ctx context.Context, requesterID, input string) dispatch.CallResult {
	query := strings.TrimSpace(input)
	if query == "" {
		return dispatch.Failure("no search query given")
	}

	params := url.Values{
		"q":      {query},
		"format": {"json"},
	}
	reqURL := fmt.Sprintf("%s/search?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return dispatch.Failure("search: build request: " + err.Error())
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return dispatch.Failure("search: request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return dispatch.Failure(fmt.Sprintf("search: HTTP %d: %s", resp.StatusCode, body))
	}

	var sr searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return dispatch.Failure("search: decode response: " + err.Error())
	}

	results := Results{Query: query}
	for i, r := range sr.Results {
		if i >= c.maxResults {
			break
		}
		results.Hits = append(results.Hits, Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}

	if len(results.Hits) == 0 {
		return dispatch.Failure("no results found for " + query)
	}

	c.logger.Debug("search completed", "query", query, "hits", len(results.Hits))
	return dispatch.Success(results)
}

// Formatter renders Results for final-pass context.
func Formatter() dispatch.Formatter {
	return dispatch.FormatterFunc(func(payload any) (string, error) {
		results, ok := payload.(Results)
		if !ok {
			return "", fmt.Errorf("search formatter: unexpected payload %T", payload)
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Search results for %q:\n", results.Query)
		for i, r := range results.Hits {
			sb.WriteString(strconv.Itoa(i + 1))
			sb.WriteString(". ")
			sb.WriteString(r.Title)
			sb.WriteString("\n   ")
			sb.WriteString(r.URL)
			if r.Snippet != "" {
				sb.WriteString("\n   ")
				sb.WriteString(r.Snippet)
			}
			sb.WriteByte('\n')
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	})
}
