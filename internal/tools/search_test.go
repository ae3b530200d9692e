package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "json" {
			t.Errorf("format param missing: %s", r.URL)
		}
		fmt.Fprint(w, `{
			"Heading": "Go",
			"AbstractText": "Go is a programming language.",
			"AbstractURL": "https://go.dev",
			"RelatedTopics": [
				{"Text": "Goroutines", "FirstURL": "https://go.dev/tour"},
				{"Topics": [{"Text": "Modules", "FirstURL": "https://go.dev/ref/mod"}]}
			]
		}`)
	}))
	defer server.Close()

	tool := NewWebSearchTool()
	tool.search.instantURL = server.URL + "/"

	result := tool.Execute(context.Background(), map[string]interface{}{"query": "golang", "count": 2.0})
	if !result.Success {
		t.Fatalf("search: %+v", result)
	}
	if !strings.Contains(result.Output, "https://go.dev") || !strings.Contains(result.Output, "Goroutines") {
		t.Errorf("output = %q", result.Output)
	}
	if strings.Contains(result.Output, "Modules") {
		t.Errorf("count not honoured: %q", result.Output)
	}
	hits, _ := result.Data["results"].([]interface{})
	if len(hits) != 2 {
		t.Errorf("results = %v", hits)
	}
}

func TestWebSearchRequiresQuery(t *testing.T) {
	if r := NewWebSearchTool().Execute(context.Background(), nil); r.Success {
		t.Fatalf("empty query accepted: %+v", r)
	}
}

func TestImageSearch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/boot", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><script>vqd="1234-5678";</script></html>`)
	})
	mux.HandleFunc("/i.js", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("vqd") != "1234-5678" {
			t.Errorf("vqd not forwarded: %s", r.URL)
		}
		fmt.Fprint(w, `{"results": [
			{"title": "Gopher", "image": "https://img.example/g.png", "url": "https://example.com/g", "width": 800, "height": 600}
		]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tool := NewImageSearchTool()
	tool.search.imageBootURL = server.URL + "/boot"
	tool.search.imageAPIURL = server.URL + "/i.js"

	result := tool.Execute(context.Background(), map[string]interface{}{"query": "gopher"})
	if !result.Success {
		t.Fatalf("image search: %+v", result)
	}
	if !strings.Contains(result.Output, "https://img.example/g.png") {
		t.Errorf("output = %q", result.Output)
	}
}

func TestImageSearchMissingToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>no token here</html>`)
	}))
	defer server.Close()

	tool := NewImageSearchTool()
	tool.search.imageBootURL = server.URL + "/"

	result := tool.Execute(context.Background(), map[string]interface{}{"query": "gopher"})
	if result.Success || !strings.Contains(result.Error, "token") {
		t.Fatalf("missing vqd: %+v", result)
	}
}
