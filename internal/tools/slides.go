package tools

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/kexinoh/free-OKC/internal/workspace"
)

const defaultSlidesPath = "output/presentation.pptx"

// SlidesGeneratorTool converts HTML with .ppt-slide sections into a
// PPTX deck in the workspace.
type SlidesGeneratorTool struct {
	ws *workspace.Manager
}

func NewSlidesGeneratorTool(ws *workspace.Manager) *SlidesGeneratorTool {
	return &SlidesGeneratorTool{ws: ws}
}

func (t *SlidesGeneratorTool) Name() string { return "mshtools-slides_generator" }

func (t *SlidesGeneratorTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	source := stringArg(args, "html")
	if strings.TrimSpace(source) == "" {
		return ErrorResult("html is required")
	}
	slides, err := extractSlides(source)
	if err != nil {
		return Errorf("parse html: %v", err)
	}
	if len(slides) == 0 {
		return ErrorResult("no .ppt-slide sections found in the html")
	}

	outputPath := stringArg(args, "output_path")
	if outputPath == "" {
		outputPath = defaultSlidesPath
	}
	resolved, err := t.ws.Resolve(outputPath)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if !strings.HasSuffix(strings.ToLower(resolved), ".pptx") {
		resolved += ".pptx"
	}
	if err := writePPTX(resolved, slides); err != nil {
		return Errorf("write pptx: %v", err)
	}

	preview := make([]interface{}, 0, len(slides))
	for _, slide := range slides {
		bullets := make([]interface{}, 0, len(slide.Bullets))
		for _, b := range slide.Bullets {
			bullets = append(bullets, b)
		}
		preview = append(preview, map[string]interface{}{"title": slide.Title, "bullets": bullets})
	}
	display := displayPath(t.ws, resolved)
	return DataResult(
		fmt.Sprintf("Generated a %d-slide deck at %s", len(slides), display),
		map[string]interface{}{"path": display, "slides": preview},
	)
}

// extractSlides pulls slides out of elements carrying the ppt-slide
// class. The first h1/h2/h3 becomes the title; p and li texts become
// body lines.
func extractSlides(source string) ([]pptxSlide, error) {
	doc, err := html.Parse(strings.NewReader(source))
	if err != nil {
		return nil, err
	}

	var slides []pptxSlide
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && hasClass(node, "ppt-slide") {
			slides = append(slides, parseSlide(node))
			return
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return slides, nil
}

func parseSlide(root *html.Node) pptxSlide {
	var slide pptxSlide
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			switch node.Data {
			case "h1", "h2", "h3":
				if slide.Title == "" {
					slide.Title = nodeText(node)
				}
				return
			case "p", "li":
				if text := nodeText(node); text != "" {
					slide.Bullets = append(slide.Bullets, text)
				}
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	if slide.Title == "" {
		slide.Title = "Untitled slide"
	}
	return slide
}

func hasClass(node *html.Node, class string) bool {
	for _, field := range strings.Fields(attr(node, "class")) {
		if field == class {
			return true
		}
	}
	return false
}
