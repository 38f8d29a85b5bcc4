// Package detector decides when a plainly fetched page is an empty
// JavaScript shell that must be fetched again through the renderer.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// DefaultThreshold is the body size under which script-heavy pages are
// considered shells.
const DefaultThreshold = 2048

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A zero threshold uses DefaultThreshold.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var shellMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"></div>`),
	[]byte(`id="app"></div>`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldPromote reports whether page needs a rendered fetch. JSON bodies
// and non-200 responses never do; JSON-LD already present means the data
// is usable as is.
func (h *Heuristic) ShouldPromote(page catalog.Page) bool {
	if page.Status != http.StatusOK || page.Rendered {
		return false
	}
	if strings.Contains(page.Header.Get("Content-Type"), "json") {
		return false
	}
	body := page.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if bytes.Contains(body, []byte("application/ld+json")) {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range shellMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := strings.Index(lower[start:], closeTag)
		if end == -1 {
			// Unterminated script runs to the end of the document.
			covered += total - start
			break
		}
		next := start + end + len(closeTag)
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
