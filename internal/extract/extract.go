// Package extract turns fetched HTML into the visible text sent for scoring.
package extract

import (
	"bytes"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// DefaultMaxRunes bounds the text forwarded to the similarity API.
const DefaultMaxRunes = 5000

// minArticleRunes is the shortest readability result preferred over full-body text.
const minArticleRunes = 200

const invisible = "script, style, noscript, template, svg, iframe, head"

// Extractor implements flow.TextExtractor.
type Extractor struct {
	MaxRunes int
}

// New returns an Extractor capped at maxRunes (DefaultMaxRunes when non-positive).
func New(maxRunes int) Extractor {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxRunes
	}
	return Extractor{MaxRunes: maxRunes}
}

// Extract prefers the readability main-content text and falls back to the full
// body. The result is whitespace-collapsed and truncated.
func (e Extractor) Extract(pageURL string, html []byte) string {
	text := articleText(pageURL, html)
	if utf8.RuneCountInString(text) < minArticleRunes {
		if body := BodyText(html); utf8.RuneCountInString(body) > utf8.RuneCountInString(text) {
			text = body
		}
	}
	return Truncate(text, e.MaxRunes)
}

func articleText(pageURL string, html []byte) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		u = &url.URL{}
	}
	parser := readability.NewParser()
	article, err := parser.Parse(bytes.NewReader(html), u)
	if err != nil || strings.TrimSpace(article.Content) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		return ""
	}
	return visibleText(doc.Selection)
}

// BodyText returns the text of the whole document with non-visible elements removed.
func BodyText(html []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return ""
	}
	return visibleText(doc.Selection)
}

func visibleText(sel *goquery.Selection) string {
	sel.Find(invisible).Remove()
	var b strings.Builder
	var walk func(*goquery.Selection)
	walk = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, child *goquery.Selection) {
			if goquery.NodeName(child) == "#text" {
				b.WriteString(child.Text())
				b.WriteByte(' ')
				return
			}
			walk(child)
		})
	}
	walk(sel)
	return Collapse(b.String())
}

// Collapse joins whitespace runs into single spaces.
func Collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to at most maxRunes runes.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxRunes]))
}
