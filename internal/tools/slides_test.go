package tools

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
)

const slidesHTML = `<html><body>
<section class="ppt-slide">
  <h1>Quarterly Review</h1>
  <p>Revenue grew 12%.</p>
  <ul><li>New markets opened</li><li>Churn down</li></ul>
</section>
<section class="ppt-slide">
  <h2>Roadmap</h2>
  <li>Ship v2</li>
</section>
</body></html>`

func TestExtractSlides(t *testing.T) {
	slides, err := extractSlides(slidesHTML)
	if err != nil {
		t.Fatal(err)
	}
	if len(slides) != 2 {
		t.Fatalf("slides = %d", len(slides))
	}
	if slides[0].Title != "Quarterly Review" {
		t.Errorf("title = %q", slides[0].Title)
	}
	if len(slides[0].Bullets) != 3 || slides[0].Bullets[0] != "Revenue grew 12%." {
		t.Errorf("bullets = %v", slides[0].Bullets)
	}
	if slides[1].Title != "Roadmap" {
		t.Errorf("second title = %q", slides[1].Title)
	}
}

func TestSlidesGenerator(t *testing.T) {
	ws := newToolWorkspace(t)
	tool := NewSlidesGeneratorTool(ws)

	result := tool.Execute(context.Background(), map[string]interface{}{
		"html":        slidesHTML,
		"output_path": "output/deck.pptx",
	})
	if !result.Success {
		t.Fatalf("generate: %+v", result)
	}

	path, _ := result.Data["path"].(string)
	resolved, err := ws.Resolve(path)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		t.Fatal(err)
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("not a zip archive: %v", err)
	}
	names := map[string]bool{}
	for _, f := range reader.File {
		names[f.Name] = true
	}
	for _, want := range []string{
		"[Content_Types].xml",
		"ppt/presentation.xml",
		"ppt/slides/slide1.xml",
		"ppt/slides/slide2.xml",
		"ppt/slideMasters/slideMaster1.xml",
	} {
		if !names[want] {
			t.Errorf("archive missing %s", want)
		}
	}

	preview, _ := result.Data["slides"].([]interface{})
	if len(preview) != 2 {
		t.Errorf("preview = %v", preview)
	}
}

func TestSlidesGeneratorRejectsPlainHTML(t *testing.T) {
	ws := newToolWorkspace(t)
	result := NewSlidesGeneratorTool(ws).Execute(context.Background(), map[string]interface{}{
		"html": "<html><body><p>no slides</p></body></html>",
	})
	if result.Success || !strings.Contains(result.Error, "ppt-slide") {
		t.Fatalf("plain html: %+v", result)
	}
}

func TestSlideXMLEscapes(t *testing.T) {
	xml := pptxSlideXML(pptxSlide{Title: "A < B & C", Bullets: []string{`say "hi"`}})
	if strings.Contains(xml, "A < B") {
		t.Error("title not escaped")
	}
	if !strings.Contains(xml, "A &lt; B &amp; C") || !strings.Contains(xml, "&quot;hi&quot;") {
		t.Errorf("escaping wrong:\n%s", xml)
	}
}
