package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// Noop stands in when rendering is disabled; every fetch fails permanently.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch reports that rendering is unavailable.
func (Noop) Fetch(_ context.Context, req catalog.FetchRequest) (catalog.Page, error) {
	return catalog.Page{}, &catalog.FetchError{
		URL:  req.URL,
		Kind: catalog.FetchPermanent,
		Err:  errors.New("headless rendering is disabled"),
	}
}
