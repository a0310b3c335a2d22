package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/99souls/fetchguard/pkg/job"
)

// VanillaExecutor fetches a URL with an unstealthed HTTP client,
// extracts content via the target's configured selectors (falling back
// to a cleaned <body>), and converts the result to markdown.
type VanillaExecutor struct {
	userAgent string
}

// NewVanillaExecutor returns a VanillaExecutor identifying itself with
// userAgent, or a generic default if empty.
func NewVanillaExecutor(userAgent string) *VanillaExecutor {
	if userAgent == "" {
		userAgent = "fetchguard/1.0 (+vanilla)"
	}
	return &VanillaExecutor{userAgent: userAgent}
}

func (v *VanillaExecutor) Execute(ctx context.Context, j *job.Job, target *job.TargetConfig) (*Result, error) {
	c := colly.NewCollector()
	c.UserAgent = v.userAgent
	_ = c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: 1})

	var (
		body       []byte
		statusCode int
		fetchErr   error
	)
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
		statusCode = r.StatusCode
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		statusCode = r.StatusCode
	})

	// colly reports an HTTP error status as a Visit error too; only a
	// failure with no response status at all is surfaced as an error.
	if err := c.Visit(j.URL); err != nil && statusCode == 0 {
		return nil, fmt.Errorf("vanilla: visit %s: %w", j.URL, err)
	}
	c.Wait()

	if statusCode >= 400 {
		return &Result{Success: false, Error: fmt.Sprintf("http status %d", statusCode)}, nil
	}
	if fetchErr != nil {
		return &Result{Success: false, Error: fetchErr.Error()}, nil
	}

	content, title, err := extractContent(string(body), selectorList(target))
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	markdown, err := toMarkdown(content)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	return &Result{
		Success: true,
		Data: map[string]any{
			"title":       title,
			"markdown":    markdown,
			"status_code": statusCode,
		},
		Artifacts: map[string]any{"raw_html_bytes": len(body)},
	}, nil
}

func selectorList(target *job.TargetConfig) []string {
	if target == nil {
		return nil
	}
	selectors := make([]string, 0, len(target.Selectors))
	for _, sel := range target.Selectors {
		selectors = append(selectors, sel)
	}
	return selectors
}

func extractContent(html string, selectors []string) (content, title string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())

	for _, selector := range selectors {
		sel := doc.Find(selector)
		if sel.Length() > 0 {
			h, err := sel.Html()
			if err == nil {
				return strings.TrimSpace(h), title, nil
			}
		}
	}

	body := doc.Find("body")
	if body.Length() == 0 {
		return "", title, fmt.Errorf("no body found")
	}
	body.Find("script, style, nav, footer, aside, header").Remove()
	h, err := body.Html()
	if err != nil {
		return "", title, fmt.Errorf("extract body: %w", err)
	}
	return strings.TrimSpace(h), title, nil
}

func toMarkdown(html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}
	conv := converter.NewConverter(converter.WithPlugins(base.NewBasePlugin(), commonmark.NewCommonmarkPlugin()))
	markdown, err := conv.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("markdown conversion: %w", err)
	}
	return markdown, nil
}
