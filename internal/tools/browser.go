package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
)

const (
	browserUserAgent = "OKCVM/1.0 (+https://github.com/free-agent-challenge/free-OKC)"
	browserBodyLimit = 2 << 20
	browserFindCap   = 20
	defaultScroll    = 600
)

// pageElement is one interactive element found on the current page.
type pageElement struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
	Text  string `json:"text"`
	Href  string `json:"href,omitempty"`
}

// Browser is the per-session virtual browser. It fetches pages over
// plain HTTP and tracks a flat view of their interactive elements.
type Browser struct {
	mu     sync.Mutex
	client *http.Client

	url        string
	title      string
	textLines  []string
	clickables []pageElement
	inputs     []pageElement
	typed      map[int]string
	scroll     int
}

func NewBrowser() *Browser {
	return &Browser{
		client: &http.Client{Timeout: 30 * time.Second},
		typed:  map[int]string{},
	}
}

func (b *Browser) visit(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("only http and https urls are supported")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", parsed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("fetch %s: HTTP %d", parsed, resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, browserBodyLimit))
	if err != nil {
		return fmt.Errorf("parse %s: %w", parsed, err)
	}

	b.url = resp.Request.URL.String()
	b.title = ""
	b.textLines = nil
	b.clickables = nil
	b.inputs = nil
	b.typed = map[int]string{}
	b.scroll = 0
	b.walk(doc)
	return nil
}

func (b *Browser) walk(node *html.Node) {
	switch node.Type {
	case html.TextNode:
		if text := strings.TrimSpace(node.Data); text != "" {
			b.textLines = append(b.textLines, text)
		}
	case html.ElementNode:
		switch node.Data {
		case "script", "style", "noscript":
			return
		case "title":
			if b.title == "" {
				b.title = strings.TrimSpace(nodeText(node))
			}
		case "a":
			if href := attr(node, "href"); href != "" {
				b.clickables = append(b.clickables, pageElement{
					Index: len(b.clickables),
					Kind:  "link",
					Text:  elementLabel(node),
					Href:  href,
				})
			}
		case "button":
			b.clickables = append(b.clickables, pageElement{
				Index: len(b.clickables),
				Kind:  "button",
				Text:  elementLabel(node),
			})
		case "input":
			kind := strings.ToLower(attr(node, "type"))
			switch kind {
			case "submit", "button":
				b.clickables = append(b.clickables, pageElement{
					Index: len(b.clickables),
					Kind:  "button",
					Text:  inputLabel(node),
				})
			case "", "text", "search", "email", "url", "password", "number", "tel":
				b.inputs = append(b.inputs, pageElement{
					Index: len(b.inputs),
					Kind:  "input",
					Text:  inputLabel(node),
				})
			}
		case "textarea":
			b.inputs = append(b.inputs, pageElement{
				Index: len(b.inputs),
				Kind:  "textarea",
				Text:  inputLabel(node),
			})
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		b.walk(child)
	}
}

// stateText renders the page summary returned by visit and state.
func (b *Browser) stateText() string {
	if b.url == "" {
		return "No page loaded. Use the visit tool first."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nTitle: %s\nScroll position: %d\n", b.url, b.title, b.scroll)
	fmt.Fprintf(&sb, "\nClickable elements (%d):\n", len(b.clickables))
	for _, el := range b.clickables {
		if el.Kind == "link" {
			fmt.Fprintf(&sb, "  [%d] link %q -> %s\n", el.Index, el.Text, el.Href)
		} else {
			fmt.Fprintf(&sb, "  [%d] button %q\n", el.Index, el.Text)
		}
	}
	fmt.Fprintf(&sb, "\nInput elements (%d):\n", len(b.inputs))
	for _, el := range b.inputs {
		line := fmt.Sprintf("  [%d] %s %q", el.Index, el.Kind, el.Text)
		if typed, ok := b.typed[el.Index]; ok {
			line += fmt.Sprintf(" (value: %q)", typed)
		}
		sb.WriteString(line + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Browser) find(text string, limit int) []string {
	if limit <= 0 || limit > browserFindCap {
		limit = browserFindCap
	}
	needle := strings.ToLower(text)
	var matches []string
	for _, line := range b.textLines {
		if strings.Contains(strings.ToLower(line), needle) {
			matches = append(matches, line)
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches
}

func nodeText(node *html.Node) string {
	var parts []string
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(node)
	return strings.Join(parts, " ")
}

func elementLabel(node *html.Node) string {
	if text := nodeText(node); text != "" {
		return text
	}
	if title := attr(node, "title"); title != "" {
		return title
	}
	return attr(node, "aria-label")
}

func inputLabel(node *html.Node) string {
	for _, key := range []string{"placeholder", "name", "value", "aria-label", "id"} {
		if v := attr(node, key); v != "" {
			return v
		}
	}
	return "(unnamed)"
}

func attr(node *html.Node, key string) string {
	for _, a := range node.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// BrowserVisitTool loads a page and reports its interactive elements.
type BrowserVisitTool struct{ browser *Browser }

func NewBrowserVisitTool(b *Browser) *BrowserVisitTool { return &BrowserVisitTool{browser: b} }

func (t *BrowserVisitTool) Name() string { return "mshtools-browser_visit" }

func (t *BrowserVisitTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL := stringArg(args, "url")
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	t.browser.mu.Lock()
	defer t.browser.mu.Unlock()
	if err := t.browser.visit(ctx, rawURL); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(t.browser.stateText())
}

// BrowserStateTool reports the current page without refetching.
type BrowserStateTool struct{ browser *Browser }

func NewBrowserStateTool(b *Browser) *BrowserStateTool { return &BrowserStateTool{browser: b} }

func (t *BrowserStateTool) Name() string { return "mshtools-browser_state" }

func (t *BrowserStateTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	t.browser.mu.Lock()
	defer t.browser.mu.Unlock()
	return NewResult(t.browser.stateText())
}

// BrowserFindTool searches the page text case-insensitively.
type BrowserFindTool struct{ browser *Browser }

func NewBrowserFindTool(b *Browser) *BrowserFindTool { return &BrowserFindTool{browser: b} }

func (t *BrowserFindTool) Name() string { return "mshtools-browser_find" }

func (t *BrowserFindTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	text := stringArg(args, "text")
	if text == "" {
		return ErrorResult("text is required")
	}
	t.browser.mu.Lock()
	defer t.browser.mu.Unlock()
	if t.browser.url == "" {
		return ErrorResult("no page loaded")
	}
	matches := t.browser.find(text, intArg(args, "limit", browserFindCap))
	if len(matches) == 0 {
		return NewResult(fmt.Sprintf("No matches for %q.", text))
	}
	return NewResult(fmt.Sprintf("%d match(es):\n%s", len(matches), strings.Join(matches, "\n")))
}

// BrowserClickTool clicks a clickable element. Links navigate.
type BrowserClickTool struct{ browser *Browser }

func NewBrowserClickTool(b *Browser) *BrowserClickTool { return &BrowserClickTool{browser: b} }

func (t *BrowserClickTool) Name() string { return "mshtools-browser_click" }

func (t *BrowserClickTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	t.browser.mu.Lock()
	defer t.browser.mu.Unlock()
	b := t.browser
	if b.url == "" {
		return ErrorResult("no page loaded")
	}
	index := intArg(args, "element_index", -1)
	if index < 0 || index >= len(b.clickables) {
		return Errorf("element_index %d out of range (0-%d)", index, len(b.clickables)-1)
	}
	el := b.clickables[index]
	if el.Kind != "link" {
		return NewResult(fmt.Sprintf("Clicked button %q; no navigation occurred.", el.Text))
	}

	base, err := url.Parse(b.url)
	if err != nil {
		return ErrorResult(err.Error())
	}
	ref, err := url.Parse(el.Href)
	if err != nil {
		return Errorf("bad link target %q: %v", el.Href, err)
	}
	if err := b.visit(ctx, base.ResolveReference(ref).String()); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(b.stateText())
}

// BrowserInputTool records text typed into an input element.
type BrowserInputTool struct{ browser *Browser }

func NewBrowserInputTool(b *Browser) *BrowserInputTool { return &BrowserInputTool{browser: b} }

func (t *BrowserInputTool) Name() string { return "mshtools-browser_input" }

func (t *BrowserInputTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	t.browser.mu.Lock()
	defer t.browser.mu.Unlock()
	b := t.browser
	if b.url == "" {
		return ErrorResult("no page loaded")
	}
	index := intArg(args, "element_index", -1)
	if index < 0 || index >= len(b.inputs) {
		return Errorf("element_index %d out of range (0-%d)", index, len(b.inputs)-1)
	}
	text := stringArg(args, "text")
	b.typed[index] = text
	return NewResult(fmt.Sprintf("Typed %q into %s %q.", text, b.inputs[index].Kind, b.inputs[index].Text))
}

// BrowserScrollTool moves the virtual viewport. Direction +1 scrolls
// down, -1 scrolls up; the position never goes below zero.
type BrowserScrollTool struct {
	browser   *Browser
	direction int
}

func NewBrowserScrollDownTool(b *Browser) *BrowserScrollTool {
	return &BrowserScrollTool{browser: b, direction: 1}
}

func NewBrowserScrollUpTool(b *Browser) *BrowserScrollTool {
	return &BrowserScrollTool{browser: b, direction: -1}
}

func (t *BrowserScrollTool) Name() string {
	if t.direction < 0 {
		return "mshtools-browser_scroll_up"
	}
	return "mshtools-browser_scroll_down"
}

func (t *BrowserScrollTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	t.browser.mu.Lock()
	defer t.browser.mu.Unlock()
	b := t.browser
	if b.url == "" {
		return ErrorResult("no page loaded")
	}
	amount := intArg(args, "scroll_amount", defaultScroll)
	if amount < 0 {
		amount = defaultScroll
	}
	b.scroll += t.direction * amount
	if b.scroll < 0 {
		b.scroll = 0
	}
	return NewResult(fmt.Sprintf("Scroll position: %d", b.scroll))
}
