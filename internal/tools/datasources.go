package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// dataSourceAPI is one callable endpoint of a data source.
type dataSourceAPI struct {
	Description string
	Params      []string
	Call        func(ctx context.Context, c *http.Client, params map[string]string) (*Result, error)
}

// dataSource groups the APIs a provider offers.
type dataSource struct {
	Description string
	APIs        map[string]dataSourceAPI
}

// DataSourceRegistry holds the registered external data providers.
type DataSourceRegistry struct {
	client  *http.Client
	sources map[string]dataSource

	yahooQuoteURL string
}

// NewDataSourceRegistry registers the built-in providers.
func NewDataSourceRegistry() *DataSourceRegistry {
	r := &DataSourceRegistry{
		client:        &http.Client{Timeout: 20 * time.Second},
		sources:       map[string]dataSource{},
		yahooQuoteURL: "https://query1.finance.yahoo.com/v7/finance/quote",
	}
	r.sources["yahoo_finance"] = dataSource{
		Description: "Market data from Yahoo Finance.",
		APIs: map[string]dataSourceAPI{
			"quote": {
				Description: "Latest quote for one or more ticker symbols.",
				Params:      []string{"symbols"},
				Call:        r.yahooQuote,
			},
		},
	}
	return r
}

func (r *DataSourceRegistry) names() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *DataSourceRegistry) yahooQuote(ctx context.Context, c *http.Client, params map[string]string) (*Result, error) {
	symbols := params["symbols"]
	if symbols == "" {
		return ErrorResult("parameter 'symbols' is required"), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.yahooQuoteURL+"?"+url.Values{"symbols": {symbols}}.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, browserBodyLimit))
	if err != nil {
		return nil, err
	}

	var payload struct {
		QuoteResponse struct {
			Result []struct {
				Symbol             string  `json:"symbol"`
				ShortName          string  `json:"shortName"`
				Currency           string  `json:"currency"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
			} `json:"result"`
		} `json:"quoteResponse"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode quote response: %w", err)
	}
	if len(payload.QuoteResponse.Result) == 0 {
		return NewResult(fmt.Sprintf("No quotes for %q.", symbols)), nil
	}

	var sb strings.Builder
	data := make([]interface{}, 0, len(payload.QuoteResponse.Result))
	for _, q := range payload.QuoteResponse.Result {
		fmt.Fprintf(&sb, "%s (%s): %.2f %s\n", q.Symbol, q.ShortName, q.RegularMarketPrice, q.Currency)
		data = append(data, map[string]interface{}{
			"symbol":   q.Symbol,
			"name":     q.ShortName,
			"price":    q.RegularMarketPrice,
			"currency": q.Currency,
		})
	}
	return DataResult(strings.TrimRight(sb.String(), "\n"), map[string]interface{}{"quotes": data}), nil
}

// DataSourceDescTool describes a registered data source.
type DataSourceDescTool struct {
	registry *DataSourceRegistry
}

func NewDataSourceDescTool(registry *DataSourceRegistry) *DataSourceDescTool {
	return &DataSourceDescTool{registry: registry}
}

func (t *DataSourceDescTool) Name() string { return "mshtools-get_data_source_desc" }

func (t *DataSourceDescTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name := stringArg(args, "data_source")
	if name == "" {
		return NewResult("Available data sources: " + strings.Join(t.registry.names(), ", "))
	}
	source, ok := t.registry.sources[name]
	if !ok {
		return Errorf("unknown data source %q; available: %s", name, strings.Join(t.registry.names(), ", "))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\nAPIs:\n", name, source.Description)
	apiNames := make([]string, 0, len(source.APIs))
	for apiName := range source.APIs {
		apiNames = append(apiNames, apiName)
	}
	sort.Strings(apiNames)
	for _, apiName := range apiNames {
		api := source.APIs[apiName]
		fmt.Fprintf(&sb, "  %s(%s): %s\n", apiName, strings.Join(api.Params, ", "), api.Description)
	}
	return NewResult(strings.TrimRight(sb.String(), "\n"))
}

// DataSourceGetTool invokes a named API of a data source.
type DataSourceGetTool struct {
	registry *DataSourceRegistry
}

func NewDataSourceGetTool(registry *DataSourceRegistry) *DataSourceGetTool {
	return &DataSourceGetTool{registry: registry}
}

func (t *DataSourceGetTool) Name() string { return "mshtools-get_data_source" }

func (t *DataSourceGetTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name := stringArg(args, "data_source")
	source, ok := t.registry.sources[name]
	if !ok {
		return Errorf("unknown data source %q; available: %s", name, strings.Join(t.registry.names(), ", "))
	}
	apiName := stringArg(args, "api")
	api, ok := source.APIs[apiName]
	if !ok {
		return Errorf("data source %q has no api %q", name, apiName)
	}

	params := map[string]string{}
	if raw, ok := args["parameters"].(map[string]interface{}); ok {
		for key, value := range raw {
			if s, ok := value.(string); ok {
				params[key] = s
			}
		}
	}

	result, err := api.Call(ctx, t.registry.client, params)
	if err != nil {
		return Errorf("%s.%s: %v", name, apiName, err)
	}
	return result
}
