package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by every component. Wrap them with fmt.Errorf and
// test with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrUnsupportedSite    = errors.New("unsupported site")
	ErrParseFailure       = errors.New("parse failure")
	ErrSiteUnavailable    = errors.New("site unavailable")
	ErrDuplicateConflict  = errors.New("duplicate conflict")
	ErrMergeCollision     = errors.New("merge collision")
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrIndexUnavailable   = errors.New("index unavailable")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrInvalidMerge       = errors.New("invalid merge")
	ErrResourceOwned      = errors.New("resource owned by another active item")
	ErrFetch              = errors.New("fetch failed")
)

// FetchErrorKind separates retryable failures from final ones.
type FetchErrorKind int

// Fetch error kinds.
const (
	FetchTransient FetchErrorKind = iota
	FetchPermanent
)

func (k FetchErrorKind) String() string {
	if k == FetchPermanent {
		return "permanent"
	}
	return "transient"
}

// FetchError reports a failed outbound request.
type FetchError struct {
	URL    string
	Status int
	Kind   FetchErrorKind
	Err    error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %s (%s", e.URL, e.Kind)
	if e.Status > 0 {
		fmt.Fprintf(&b, ", status %d", e.Status)
	}
	b.WriteString(")")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is lets callers match any fetch error with errors.Is(err, ErrFetch).
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Transient reports whether the request may succeed if retried.
func (e *FetchError) Transient() bool { return e.Kind == FetchTransient }

// ParseError reports a page whose shape did not match what the parser expects.
type ParseError struct {
	Site string
	URL  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s page %s: %v", e.Site, e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is matches ErrParseFailure.
func (e *ParseError) Is(target error) bool { return target == ErrParseFailure }

// NewParseError builds a ParseError from a format string.
func NewParseError(site, url, format string, args ...any) *ParseError {
	return &ParseError{Site: site, URL: url, Err: fmt.Errorf(format, args...)}
}

// CollisionError reports resources that cannot share one item.
type CollisionError struct {
	Site  string
	IDs   []string
	Items []string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("merge collision on site %s: ids %s owned by %s",
		e.Site, strings.Join(e.IDs, ","), strings.Join(e.Items, ","))
}

// Is matches ErrMergeCollision.
func (e *CollisionError) Is(target error) bool { return target == ErrMergeCollision }
