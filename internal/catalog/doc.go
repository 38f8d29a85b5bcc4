// Package catalog defines the domain model shared by the fetcher, the site
// parsers, the resolver, the stores and the index: items, external resources,
// drafts, the error taxonomy and the store contracts.
package catalog
