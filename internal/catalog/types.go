package catalog

import (
	"fmt"
	"strings"
	"time"
)

// Category enumerates the kinds of cultural works held in the catalog.
type Category string

// Supported categories.
const (
	CategoryBook           Category = "book"
	CategoryMovie          Category = "movie"
	CategoryTVShow         Category = "tvshow"
	CategoryTVSeason       Category = "tvseason"
	CategoryTVEpisode      Category = "tvepisode"
	CategoryMusic          Category = "music"
	CategoryGame           Category = "game"
	CategoryPodcast        Category = "podcast"
	CategoryPodcastEpisode Category = "podcastepisode"
	CategoryPerformance    Category = "performance"
)

var allCategories = []Category{
	CategoryBook,
	CategoryMovie,
	CategoryTVShow,
	CategoryTVSeason,
	CategoryTVEpisode,
	CategoryMusic,
	CategoryGame,
	CategoryPodcast,
	CategoryPodcastEpisode,
	CategoryPerformance,
}

// Categories returns every supported category in display order.
func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range allCategories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory converts user input such as "Book" or "tv" into a Category.
func ParseCategory(raw string) (Category, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "tv":
		return CategoryTVShow, nil
	case "episode":
		return CategoryPodcastEpisode, nil
	}
	c := Category(value)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", raw)
	}
	return c, nil
}

// State is the lifecycle state of an Item.
type State string

// Item states.
const (
	StateActive  State = "active"
	StateMerged  State = "merged"
	StateDeleted State = "deleted"
)

// CanTransition reports whether an item may move from s to next.
// Staying in the same state is always allowed so that metadata can change.
func (s State) CanTransition(next State) bool {
	if s == next {
		return true
	}
	switch s {
	case StateActive:
		return next == StateMerged || next == StateDeleted
	case StateMerged:
		return next == StateDeleted
	default:
		return false
	}
}

// Metadata holds the normalized, searchable description of a work.
type Metadata struct {
	Title       string            `json:"title,omitempty"`
	OtherTitles []string          `json:"other_titles,omitempty"`
	People      []string          `json:"people,omitempty"`
	Companies   []string          `json:"companies,omitempty"`
	Year        int               `json:"year,omitempty"`
	Language    string            `json:"language,omitempty"`
	Genres      []string          `json:"genres,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Brief       string            `json:"brief,omitempty"`
	CoverURL    string            `json:"cover_url,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Item is a canonical catalog entry.
type Item struct {
	UUID        string     `json:"uuid"`
	Category    Category   `json:"category"`
	Metadata    Metadata   `json:"metadata"`
	LookupIDs   LookupIDs  `json:"lookup_ids,omitempty"`
	State       State      `json:"state"`
	MergedTo    string     `json:"merged_to,omitempty"`
	NeedsReview bool       `json:"needs_review,omitempty"`
	ParentUUID  string     `json:"parent_uuid,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Title returns the display title of the item.
func (i Item) Title() string {
	return i.Metadata.Title
}

// Active reports whether the item is the live canonical record.
func (i Item) Active() bool {
	return i.State == StateActive
}

// Clone returns a deep copy so callers can mutate freely.
func (i Item) Clone() Item {
	out := i
	out.Metadata = i.Metadata.Clone()
	out.LookupIDs = i.LookupIDs.Clone()
	if i.DeletedAt != nil {
		ts := *i.DeletedAt
		out.DeletedAt = &ts
	}
	return out
}

// ResourceKey identifies a record on an external site.
type ResourceKey struct {
	Site   string `json:"site"`
	SiteID string `json:"site_id"`
}

func (k ResourceKey) String() string {
	return k.Site + ":" + k.SiteID
}

// ExternalResource is a site-specific record attached to an item.
type ExternalResource struct {
	Site       string    `json:"site"`
	SiteID     string    `json:"site_id"`
	URL        string    `json:"url"`
	Raw        []byte    `json:"raw,omitempty"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
	ItemUUID   string    `json:"item_uuid,omitempty"`
}

// Key returns the (site, site id) pair of the resource.
func (r ExternalResource) Key() ResourceKey {
	return ResourceKey{Site: r.Site, SiteID: r.SiteID}
}

// ResourceRef points at a resource on a site, typically a parent that must be
// resolved before the draft that references it.
type ResourceRef struct {
	Site   string `json:"site"`
	SiteID string `json:"site_id"`
	URL    string `json:"url"`
}

// Key returns the (site, site id) pair of the reference.
func (r ResourceRef) Key() ResourceKey {
	return ResourceKey{Site: r.Site, SiteID: r.SiteID}
}

// Draft is a freshly parsed candidate item before resolution.
type Draft struct {
	Site       string        `json:"site"`
	SiteID     string        `json:"site_id"`
	URL        string        `json:"url"`
	Category   Category      `json:"category"`
	Metadata   Metadata      `json:"metadata"`
	LookupIDs  LookupIDs     `json:"lookup_ids,omitempty"`
	Raw        []byte        `json:"raw,omitempty"`
	ArchiveURI string        `json:"archive_uri,omitempty"`
	FetchedAt  time.Time     `json:"fetched_at"`
	Required   []ResourceRef `json:"required,omitempty"`
}

// Key returns the resource key the draft was parsed from.
func (d Draft) Key() ResourceKey {
	return ResourceKey{Site: d.Site, SiteID: d.SiteID}
}

// Resource converts the draft into the resource it will become.
func (d Draft) Resource(owner string) ExternalResource {
	return ExternalResource{
		Site:       d.Site,
		SiteID:     d.SiteID,
		URL:        d.URL,
		Raw:        d.Raw,
		ArchiveURI: d.ArchiveURI,
		FetchedAt:  d.FetchedAt,
		ItemUUID:   owner,
	}
}

// Validate checks the fields every parser must populate.
func (d Draft) Validate() error {
	if d.Site == "" || d.SiteID == "" {
		return fmt.Errorf("draft missing site or site id")
	}
	if !d.Category.Valid() {
		return fmt.Errorf("draft %s has invalid category %q", d.Key(), d.Category)
	}
	if strings.TrimSpace(d.Metadata.Title) == "" {
		return fmt.Errorf("draft %s has no title", d.Key())
	}
	return nil
}

// ReviewEntry records an ambiguous match awaiting a human decision.
type ReviewEntry struct {
	ItemUUID   string     `json:"item_uuid"`
	Candidates []string   `json:"candidates"`
	Keys       []string   `json:"keys"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the entry has been dealt with.
func (r ReviewEntry) Resolved() bool {
	return r.ResolvedAt != nil
}

// ChangeKind classifies a committed item mutation.
type ChangeKind string

// Change kinds emitted after a store commit.
const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeMerged  ChangeKind = "merged"
	ChangeDeleted ChangeKind = "deleted"
	ChangePurged  ChangeKind = "purged"
)

// Change describes the final state of one item after a commit.
type Change struct {
	Kind ChangeKind `json:"kind"`
	Item Item       `json:"item"`
}
