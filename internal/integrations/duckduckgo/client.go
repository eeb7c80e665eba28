// Package duckduckgo queries the DuckDuckGo instant-answer API.
package duckduckgo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://api.duckduckgo.com"
	defaultMaxResults = 5
)

// Result is one related topic.
type Result struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Answer is the condensed instant answer for a query.
type Answer struct {
	Query    string   `json:"query"`
	Abstract string   `json:"abstract,omitempty"`
	Source   string   `json:"source,omitempty"`
	Results  []Result `json:"results"`
}

type instantAnswer struct {
	AbstractText   string  `json:"AbstractText"`
	AbstractURL    string  `json:"AbstractURL"`
	AbstractSource string  `json:"AbstractSource"`
	RelatedTopics  []topic `json:"RelatedTopics"`
}

// topic is either a leaf {Text, FirstURL} or a named group of leaves.
type topic struct {
	Text     string  `json:"Text"`
	FirstURL string  `json:"FirstURL"`
	Name     string  `json:"Name"`
	Topics   []topic `json:"Topics"`
}

// Client calls the instant-answer endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxResults int
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithMaxResults(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxResults: defaultMaxResults,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return c
}

// Search runs a single instant-answer lookup.
func (c *Client) Search(ctx context.Context, query string) (Answer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Answer{}, errors.New("duckduckgo: query is required")
	}

	params := url.Values{
		"q":             {query},
		"format":        {"json"},
		"no_html":       {"1"},
		"skip_disambig": {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/?"+params.Encode(), nil)
	if err != nil {
		return Answer{}, fmt.Errorf("duckduckgo: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Answer{}, fmt.Errorf("duckduckgo: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return Answer{}, fmt.Errorf("duckduckgo: HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var ia instantAnswer
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&ia); err != nil {
		return Answer{}, fmt.Errorf("duckduckgo: decode response: %w", err)
	}

	out := Answer{
		Query:    query,
		Abstract: strings.TrimSpace(ia.AbstractText),
		Source:   ia.AbstractURL,
		Results:  make([]Result, 0, c.maxResults),
	}
	out.Results = flatten(ia.RelatedTopics, out.Results, c.maxResults)
	return out, nil
}

func flatten(topics []topic, into []Result, limit int) []Result {
	for _, t := range topics {
		if len(into) >= limit {
			return into
		}
		if len(t.Topics) > 0 {
			into = flatten(t.Topics, into, limit)
			continue
		}
		if t.Text == "" {
			continue
		}
		into = append(into, Result{Text: t.Text, URL: t.FirstURL})
	}
	return into
}
