// Package serp renders stored search-results templates with an ad snippet injected.
package serp

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/flowlens/internal/flow"
)

// ErrTemplateNotFound is returned for a key missing from the template set.
var ErrTemplateNotFound = errors.New("serp template not found")

var (
	sponsoredHeader = regexp.MustCompile(`Sponsored results for:\s*"[^"]*"`)
	deviceFeatures  = strings.NewReplacer(
		"min-device-width", "min-width",
		"max-device-width", "max-width",
		"min-device-height", "min-height",
		"max-device-height", "max-height",
	)
)

// Snippet is the ad creative shown in the first sponsored slot.
type Snippet struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DisplayURL  string `json:"display_url"`
}

// SnippetFrom copies the creative fields of rec.
func SnippetFrom(rec flow.Record) Snippet {
	return Snippet{
		Title:       strings.TrimSpace(rec.AdTitle),
		Description: strings.TrimSpace(rec.AdDescription),
		DisplayURL:  strings.TrimSpace(rec.AdDisplayURL),
	}
}

// URL joins the SERP base URL and a template key, or returns "" when either is missing.
func URL(base, key string) string {
	key = strings.TrimSpace(key)
	if base == "" || !flow.UsableURL(key) {
		return ""
	}
	return base + key
}

type slot struct {
	class string
	tags  []string
	value func(Snippet) string
}

// Title slots may be headings; description slots may be spans.
var slots = []slot{
	{class: "url", tags: []string{"div", "p", "a"}, value: func(s Snippet) string { return s.DisplayURL }},
	{class: "title", tags: []string{"div", "p", "a", "h1", "h2", "h3", "h4", "h5", "h6"}, value: func(s Snippet) string { return s.Title }},
	{class: "desc", tags: []string{"div", "p", "span"}, value: func(s Snippet) string { return s.Description }},
}

// Render returns the template for key with device media features rewritten, the sponsored
// header pointing at keyword, and the first title, description and url slots filled from ad.
// Slots the template lacks are prepended to <body> as a single block.
func Render(templates flow.SerpTemplates, key string, ad Snippet, keyword string) (string, error) {
	raw, ok := templates[strings.TrimSpace(key)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrTemplateNotFound, key)
	}
	raw = deviceFeatures.Replace(raw)
	raw = sponsoredHeader.ReplaceAllLiteralString(raw,
		`Sponsored results for: "`+html.EscapeString(strings.TrimSpace(keyword))+`"`)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse serp template %q: %w", key, err)
	}

	var missing []slot
	for _, s := range slots {
		sel := doc.Find(selector(s)).First()
		if sel.Length() == 0 {
			missing = append(missing, s)
			continue
		}
		sel.SetText(s.value(ad))
	}
	if len(missing) > 0 {
		doc.Find("body").First().PrependHtml(block(missing, ad))
	}

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("render serp template %q: %w", key, err)
	}
	return out, nil
}

func selector(s slot) string {
	parts := make([]string, len(s.tags))
	for i, tag := range s.tags {
		parts[i] = fmt.Sprintf(`body %s[class*="%s"]`, tag, s.class)
	}
	return strings.Join(parts, ", ")
}

func block(missing []slot, ad Snippet) string {
	var b strings.Builder
	b.WriteString(`<div class="flowlens-ad">`)
	for _, s := range missing {
		fmt.Fprintf(&b, `<div class="ad-%s">%s</div>`, s.class, html.EscapeString(s.value(ad)))
	}
	b.WriteString(`</div>`)
	return b.String()
}
