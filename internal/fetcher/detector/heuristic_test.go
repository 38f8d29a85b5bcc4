package detector

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

func TestShouldPromote(t *testing.T) {
	t.Parallel()

	html := http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}
	tests := []struct {
		name string
		page catalog.Page
		want bool
	}{
		{"empty body", catalog.Page{Status: 200, Body: []byte("  \n")}, true},
		{"next shell", catalog.Page{Status: 200, Header: html, Body: []byte(`<div id="__next"></div>`)}, true},
		{"script heavy", catalog.Page{Status: 200, Body: []byte(`<html><script>var a=1;</script><p>t</p></html>`)}, true},
		{"unterminated script", catalog.Page{Status: 200, Body: []byte(`<p>x</p><script>boot(`)}, true},
		{"not found", catalog.Page{Status: 404, Body: []byte("not found")}, false},
		{"already rendered", catalog.Page{Status: 200, Rendered: true}, false},
		{"json api", catalog.Page{Status: 200, Header: http.Header{"Content-Type": []string{"application/json"}}}, false},
		{"json-ld present", catalog.Page{Status: 200, Body: []byte(`<div id="__next"></div><script type="application/ld+json">{}</script>`)}, false},
		{"plain article", catalog.Page{Status: 200, Body: []byte(`<html><body><h1>Dune</h1><p>A novel by Frank Herbert.</p></body></html>`)}, false},
	}
	h := NewHeuristic(0)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldPromote(tc.page))
		})
	}
}

func TestNewHeuristicDefaultsThreshold(t *testing.T) {
	t.Parallel()
	require.Equal(t, DefaultThreshold, NewHeuristic(-1).BodyLengthThreshold)
	require.Equal(t, 512, NewHeuristic(512).BodyLengthThreshold)
}
