package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const defaultSearchCount = 5

var vqdPattern = regexp.MustCompile(`vqd=['"]?([\d-]+)['"]?`)

// searchClient talks to DuckDuckGo. Endpoints are fields so tests can
// point them at a local server.
type searchClient struct {
	client       *http.Client
	instantURL   string
	imageBootURL string
	imageAPIURL  string
}

func newSearchClient() *searchClient {
	return &searchClient{
		client:       &http.Client{Timeout: 20 * time.Second},
		instantURL:   "https://api.duckduckgo.com/",
		imageBootURL: "https://duckduckgo.com/",
		imageAPIURL:  "https://duckduckgo.com/i.js",
	}
}

func (c *searchClient) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, browserBodyLimit))
}

// WebSearchTool answers queries from the DuckDuckGo instant answer API.
type WebSearchTool struct {
	search *searchClient
}

func NewWebSearchTool() *WebSearchTool { return &WebSearchTool{search: newSearchClient()} }

func (t *WebSearchTool) Name() string { return "mshtools-web_search" }

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query := stringArg(args, "query")
	if query == "" {
		return ErrorResult("query is required")
	}
	count := intArg(args, "count", defaultSearchCount)
	if count <= 0 {
		count = defaultSearchCount
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")
	body, err := t.search.get(ctx, t.search.instantURL+"?"+params.Encode())
	if err != nil {
		return Errorf("search failed: %v", err)
	}

	var payload struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			Text     string `json:"Text"`
			FirstURL string `json:"FirstURL"`
			Topics   []struct {
				Text     string `json:"Text"`
				FirstURL string `json:"FirstURL"`
			} `json:"Topics"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Errorf("decode search response: %v", err)
	}

	type hit struct{ title, link string }
	var hits []hit
	if payload.AbstractText != "" && payload.AbstractURL != "" {
		title := payload.Heading
		if title == "" {
			title = payload.AbstractText
		}
		hits = append(hits, hit{title, payload.AbstractURL})
	}
	for _, topic := range payload.RelatedTopics {
		if topic.Text != "" && topic.FirstURL != "" {
			hits = append(hits, hit{topic.Text, topic.FirstURL})
		}
		for _, sub := range topic.Topics {
			if sub.Text != "" && sub.FirstURL != "" {
				hits = append(hits, hit{sub.Text, sub.FirstURL})
			}
		}
	}
	if len(hits) > count {
		hits = hits[:count]
	}
	if len(hits) == 0 {
		return NewResult(fmt.Sprintf("No results for %q.", query))
	}

	var sb strings.Builder
	data := make([]interface{}, 0, len(hits))
	for i, h := range hits {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, h.title, h.link)
		data = append(data, map[string]interface{}{"title": h.title, "url": h.link})
	}
	return DataResult(strings.TrimRight(sb.String(), "\n"), map[string]interface{}{"results": data})
}

// ImageSearchTool finds direct image URLs via the DuckDuckGo image API,
// bootstrapping the vqd token from the search page.
type ImageSearchTool struct {
	search *searchClient
}

func NewImageSearchTool() *ImageSearchTool { return &ImageSearchTool{search: newSearchClient()} }

func (t *ImageSearchTool) Name() string { return "mshtools-image_search" }

func (t *ImageSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query := stringArg(args, "query")
	if query == "" {
		return ErrorResult("query is required")
	}
	count := intArg(args, "count", defaultSearchCount)
	if count <= 0 {
		count = defaultSearchCount
	}

	boot, err := t.search.get(ctx, t.search.imageBootURL+"?"+url.Values{"q": {query}}.Encode())
	if err != nil {
		return Errorf("image search bootstrap failed: %v", err)
	}
	match := vqdPattern.FindSubmatch(boot)
	if match == nil {
		return ErrorResult("image search token not found")
	}

	params := url.Values{}
	params.Set("l", "us-en")
	params.Set("o", "json")
	params.Set("q", query)
	params.Set("vqd", string(match[1]))
	body, err := t.search.get(ctx, t.search.imageAPIURL+"?"+params.Encode())
	if err != nil {
		return Errorf("image search failed: %v", err)
	}

	var payload struct {
		Results []struct {
			Title  string `json:"title"`
			Image  string `json:"image"`
			URL    string `json:"url"`
			Width  int    `json:"width"`
			Height int    `json:"height"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Errorf("decode image results: %v", err)
	}
	if len(payload.Results) > count {
		payload.Results = payload.Results[:count]
	}
	if len(payload.Results) == 0 {
		return NewResult(fmt.Sprintf("No images for %q.", query))
	}

	var sb strings.Builder
	data := make([]interface{}, 0, len(payload.Results))
	for i, r := range payload.Results {
		fmt.Fprintf(&sb, "%d. %s\n   image: %s\n   source: %s\n", i+1, r.Title, r.Image, r.URL)
		data = append(data, map[string]interface{}{
			"title":  r.Title,
			"image":  r.Image,
			"source": r.URL,
			"width":  r.Width,
			"height": r.Height,
		})
	}
	return DataResult(strings.TrimRight(sb.String(), "\n"), map[string]interface{}{"results": data})
}
