// Package detector decides when a directly fetched page is a script shell that
// only a headless browser can turn into readable text.
package detector

import (
	"bytes"
	"unicode/utf8"

	"github.com/JakeFAU/flowlens/internal/flow"
)

// Defaults for NewHeuristic.
const (
	DefaultBodyThreshold = 2048
	DefaultMinTextRunes  = 80
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
	MinTextRunes        int
}

// NewHeuristic creates a detector. Zero values select the defaults.
func NewHeuristic(bodyThreshold, minTextRunes int) *Heuristic {
	if bodyThreshold <= 0 {
		bodyThreshold = DefaultBodyThreshold
	}
	if minTextRunes <= 0 {
		minTextRunes = DefaultMinTextRunes
	}
	return &Heuristic{BodyLengthThreshold: bodyThreshold, MinTextRunes: minTextRunes}
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

var (
	openScript  = []byte("<script")
	closeScript = []byte("</script>")
)

// ShouldPromote reports whether a successful fetch whose visible text is text
// should be rendered again in a headless browser.
func (h *Heuristic) ShouldPromote(out flow.Outcome, text string) bool {
	if out.Kind != flow.OutcomeSuccess {
		return false
	}
	if utf8.RuneCountInString(text) >= h.MinTextRunes {
		return false
	}
	body := bytes.ToLower(out.Body)
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptPercent(body) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptPercent returns the share of body covered by <script> elements.
// An unterminated script runs to the end of the document.
func scriptPercent(body []byte) int {
	covered := 0
	rest := body
	for {
		start := bytes.Index(rest, openScript)
		if start < 0 {
			break
		}
		rest = rest[start:]
		end := bytes.Index(rest, closeScript)
		if end < 0 {
			covered += len(rest)
			break
		}
		end += len(closeScript)
		covered += end
		rest = rest[end:]
	}
	return covered * 100 / len(body)
}
