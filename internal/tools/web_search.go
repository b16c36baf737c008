package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metadata"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

// WebSearchName is the registry name of the search tool.
const WebSearchName = "web_search"

// SearchResult is one hit returned by a search provider.
type SearchResult struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Snippet       string  `json:"snippet"`
	Source        string  `json:"source"` // domain name
	PublishedDate string  `json:"published_date,omitempty"`
	Score         float64 `json:"relevance_score,omitempty"`
}

// SearchProvider is a web search backend.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// errTooManyRequests marks a 429 that is worth retrying.
var errTooManyRequests = errors.New("search provider rate limited")

const (
	defaultMaxResults = 5
	maxMaxResults     = 10
)

// NewWebSearch wraps provider as the web_search tool. Results are cached for 24h by default.
func NewWebSearch(provider SearchProvider) Tool {
	return Tool{
		Name:        WebSearchName,
		Description: "Search the web and return titles, URLs and snippets of the most relevant pages.",
		Parameters: map[string]string{
			"query":       "search query string (required)",
			"max_results": "number of results, 1-10 (default 5)",
		},
		DefaultTimeout: 15 * time.Second,
		Cacheable:      true,
		CacheTTL:       24 * time.Hour,
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			query := strings.TrimSpace(stringArg(args, "query"))
			if query == "" {
				return nil, errors.New("web_search: query is required")
			}
			n := intArg(args, "max_results", defaultMaxResults)
			if n <= 0 || n > maxMaxResults {
				n = defaultMaxResults
			}
			results, err := provider.Search(ctx, query, n)
			if err != nil {
				return nil, fmt.Errorf("%s search: %w", provider.Name(), err)
			}
			if len(results) > n {
				results = results[:n]
			}
			return map[string]any{
				"query":    query,
				"provider": provider.Name(),
				"results":  results,
			}, nil
		},
	}
}

// retry429 retries fn on 429 with exponential backoff, a few times at most.
func retry429(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 8 * time.Second
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !errors.Is(err, errTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx))
}

// Tavily calls the Tavily search API.
type Tavily struct {
	apiKey   string
	depth    string // basic or advanced
	endpoint string
	client   *http.Client
}

// NewTavily constructs a Tavily search provider.
func NewTavily(apiKey, depth string, client *http.Client) *Tavily {
	if depth == "" {
		depth = "basic"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Tavily{apiKey: apiKey, depth: depth, endpoint: "https://api.tavily.com/search", client: client}
}

// WithEndpoint points the provider at another base URL.
func (t *Tavily) WithEndpoint(endpoint string) *Tavily {
	t.endpoint = endpoint
	return t
}

func (t *Tavily) Name() string { return "tavily" }

// Search posts a query to Tavily.
func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if strings.TrimSpace(t.apiKey) == "" {
		return nil, errors.New("tavily: API key is missing")
	}
	payload, err := json.Marshal(map[string]any{
		"query":        query,
		"api_key":      t.apiKey,
		"search_depth": t.depth,
		"max_results":  maxResults,
	})
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, t.endpoint)
	defer span.End()

	var response struct {
		Results []struct {
			Title         string  `json:"title"`
			URL           string  `json:"url"`
			Content       string  `json:"content"`
			Score         float64 `json:"score"`
			PublishedDate string  `json:"published_date"`
		} `json:"results"`
	}
	err = retry429(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, req)

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			return errTooManyRequests
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("tavily http %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&response)
	})
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(response.Results))
	for _, r := range response.Results {
		domain, _ := metadata.ExtractDomain(r.URL)
		results = append(results, SearchResult{
			Title:         r.Title,
			URL:           r.URL,
			Snippet:       r.Content,
			Source:        domain,
			PublishedDate: r.PublishedDate,
			Score:         r.Score,
		})
		if len(results) >= maxResults {
			break
		}
	}
	return results, nil
}

// DuckDuckGo scrapes DuckDuckGo's HTML lite interface. It needs no API key.
type DuckDuckGo struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewDuckDuckGo creates a DuckDuckGo searcher limited to one query per second.
func NewDuckDuckGo(client *http.Client) *DuckDuckGo {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &DuckDuckGo{
		endpoint: "https://lite.duckduckgo.com/lite/",
		client:   client,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// WithEndpoint points the provider at another URL.
func (d *DuckDuckGo) WithEndpoint(endpoint string) *DuckDuckGo {
	d.endpoint = endpoint
	return d
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

// Search scrapes the lite HTML page for results.
func (d *DuckDuckGo) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is empty")
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, d.endpoint)
	defer span.End()

	form := url.Values{}
	form.Set("q", query)
	var body []byte
	err := retry429(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			return errTooManyRequests
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("duckduckgo http %d", resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return parseLiteResults(string(body), maxResults)
}

// parseLiteResults pairs the result links of the lite page with their snippets.
func parseLiteResults(page string, maxResults int) ([]SearchResult, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: parse results: %w", err)
	}

	var links, snippets []*html.Node
	eachElement(doc, func(n *html.Node) {
		switch {
		case n.DataAtom == atom.A && hasClass(n, "result-link"):
			links = append(links, n)
		case n.DataAtom == atom.Td && hasClass(n, "result-snippet"):
			snippets = append(snippets, n)
		}
	})

	var results []SearchResult
	for i, a := range links {
		rawURL := strings.TrimSpace(attr(a, "href"))
		title := nodeText(a)
		if rawURL == "" || title == "" {
			continue
		}
		snippet := ""
		if i < len(snippets) {
			snippet = nodeText(snippets[i])
		}
		domain, _ := metadata.ExtractDomain(rawURL)
		results = append(results, SearchResult{Title: title, URL: rawURL, Snippet: snippet, Source: domain})
		if len(results) >= maxResults {
			break
		}
	}
	return results, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
