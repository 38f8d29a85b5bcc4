package sites

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/goccy/go-json"
)

// jsonLD extracts the first JSON-LD node whose @type is one of types. The
// node and its raw encoding are returned.
func jsonLD(body []byte, types ...string) (map[string]any, []byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var (
		found map[string]any
		raw   []byte
	)
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var v any
		if err := json.Unmarshal([]byte(s.Text()), &v); err != nil {
			return true
		}
		for _, node := range flattenLD(v) {
			if matchesType(node["@type"], want) {
				found = node
				raw, _ = json.Marshal(node)
				return false
			}
		}
		return true
	})
	if found == nil {
		return nil, nil, fmt.Errorf("no json-ld node of type %s", strings.Join(types, "|"))
	}
	return found, raw, nil
}

func flattenLD(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		var out []map[string]any
		for _, e := range t {
			out = append(out, flattenLD(e)...)
		}
		return out
	case map[string]any:
		out := []map[string]any{t}
		if g, ok := t["@graph"]; ok {
			out = append(out, flattenLD(g)...)
		}
		return out
	}
	return nil
}

func matchesType(v any, want map[string]bool) bool {
	switch t := v.(type) {
	case string:
		return want[t]
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && want[s] {
				return true
			}
		}
	}
	return false
}

// ldString reads a scalar, the first element of a list, or an object's name.
func ldString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		if len(t) > 0 {
			return ldString(t[0])
		}
	case map[string]any:
		if n, ok := t["name"]; ok {
			return ldString(n)
		}
		if u, ok := t["url"]; ok {
			return ldString(u)
		}
		if val, ok := t["@value"]; ok {
			return ldString(val)
		}
	}
	return ""
}

// ldNames collects names from a string, an object or a list of either.
func ldNames(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			out = append(out, ldNames(e)...)
		}
	default:
		if s := ldString(t); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var yearPattern = regexp.MustCompile(`\b(1[0-9]{3}|20[0-9]{2})\b`)

// yearOf pulls the first plausible year out of a free-form date.
func yearOf(s string) int {
	m := yearPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	y, _ := strconv.Atoi(m[1])
	return y
}

// splitList splits comma separated keywords.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustPattern(expr string) *regexp.Regexp {
	return regexp.MustCompile(expr)
}
