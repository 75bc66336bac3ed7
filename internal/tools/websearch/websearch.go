// Package websearch provides web__search backed by the Google Custom Search
// API. The tool runs on the host because the credentials live there.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/tools"
)

const endpoint = "https://www.googleapis.com/customsearch/v1"

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=Search query,required"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum results to return (default 5)"`
}

// SearchResult is one hit returned to the model.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet,omitempty"`
}

type searchResponse struct {
	Items []SearchResult `json:"items"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client searches the web. The zero value uses http.DefaultClient and reads
// GOOGLE_API_KEY / GOOGLE_CX from the environment.
type Client struct {
	HTTP *http.Client

	// APIKey and CX override the environment when set; tests use them.
	APIKey string
	CX     string

	// Endpoint overrides the API URL; tests point it at a local server.
	Endpoint string
}

// Register adds web__search to the catalog.
func Register(reg *tools.Registry) {
	RegisterClient(reg, &Client{})
}

// RegisterClient adds web__search backed by an explicit client.
func RegisterClient(reg *tools.Registry, c *Client) {
	reg.Register(&tools.Definition{
		Name:        "web__search",
		Description: "Search the web and return titles, links, and snippets.",
		Parameters:  tools.SchemaFor(searchArgs{}),
		Positional:  []string{"query"},
		Meta:        tools.Meta{RequiresHostExecution: true},
		Execute:     c.execute,
	})
}

func (c *Client) execute(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	query, _ := inv.Args["query"].(string)
	if query == "" {
		return tools.Failure("web__search: empty query")
	}
	limit := 5
	if n, ok := inv.Args["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}
	results, err := c.Search(ctx, query, limit)
	if err != nil {
		return tools.Failure("web__search: %v", err)
	}
	return tools.Success(results)
}

// Search runs one query against the Custom Search API.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	apiKey := c.APIKey
	if apiKey == "" {
		apiKey = config.ProviderAPIKey("google")
	}
	cx := c.CX
	if cx == "" {
		cx = config.GoogleCX()
	}
	if apiKey == "" || cx == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY and GOOGLE_CX must be set")
	}
	base := c.Endpoint
	if base == "" {
		base = endpoint
	}

	q := url.Values{}
	q.Set("key", apiKey)
	q.Set("cx", cx)
	q.Set("q", query)
	q.Set("num", fmt.Sprintf("%d", limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("search API: %s", parsed.Error.Message)
	}
	if len(parsed.Items) > limit {
		parsed.Items = parsed.Items[:limit]
	}
	return parsed.Items, nil
}
