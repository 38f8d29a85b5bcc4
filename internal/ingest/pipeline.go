// Package ingest drives a URL through the whole catalog pipeline: the site
// registry picks a parser, the fetcher retrieves the page, the archive keeps
// the raw bytes and the resolver folds the parsed draft into the catalog.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/archive"
	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/resolver"
	"github.com/JakeFAU/culture-catalog/internal/sites"
	"github.com/JakeFAU/culture-catalog/internal/telemetry"
)

// maxParentDepth bounds chains of required parent resources.
const maxParentDepth = 2

// Resolver is the part of the resolver the pipeline needs.
type Resolver interface {
	Ingest(ctx context.Context, draft catalog.Draft, opts ...resolver.IngestOption) (resolver.Outcome, error)
}

// Pipeline fetches, parses and resolves external resources.
type Pipeline struct {
	registry *sites.Registry
	fetcher  catalog.PageFetcher
	resolver Resolver
	archiver *archive.Archiver
	logger   *zap.Logger
}

// New builds a Pipeline. archiver may be nil to skip archiving.
func New(registry *sites.Registry, fetcher catalog.PageFetcher, res Resolver, archiver *archive.Archiver, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		registry: registry,
		fetcher:  fetcher,
		resolver: res,
		archiver: archiver,
		logger:   logger.Named("ingest"),
	}
}

// Parse fetches rawURL and returns the parsed draft without touching the
// catalog.
func (p *Pipeline) Parse(ctx context.Context, rawURL string) (catalog.Draft, error) {
	h, err := p.registry.Resolve(rawURL)
	if err != nil {
		return catalog.Draft{}, err
	}
	return p.fetchDraft(ctx, h)
}

// Save fetches rawURL, resolves any required parents and ingests the draft.
func (p *Pipeline) Save(ctx context.Context, rawURL string) (resolver.Outcome, error) {
	h, err := p.registry.Resolve(rawURL)
	if err != nil {
		return resolver.Outcome{}, err
	}
	return p.SaveHandle(ctx, h)
}

// SaveHandle is Save for an already resolved handle.
func (p *Pipeline) SaveHandle(ctx context.Context, h sites.Handle) (resolver.Outcome, error) {
	return p.save(ctx, h, 0)
}

func (p *Pipeline) save(ctx context.Context, h sites.Handle, depth int) (resolver.Outcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.Save")
	defer span.End()
	span.SetAttributes(attribute.String("catalog.resource", h.Key().String()), attribute.Int("ingest.depth", depth))

	draft, err := p.fetchDraft(ctx, h)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resolver.Outcome{}, err
	}

	var opts []resolver.IngestOption
	for _, ref := range draft.Required {
		if depth >= maxParentDepth {
			p.logger.Warn("parent chain too deep, skipping",
				zap.String("resource", h.Key().String()), zap.String("parent", ref.Key().String()))
			break
		}
		parentHandle, err := p.registry.Lookup(ref.Site, ref.SiteID)
		if err != nil {
			return resolver.Outcome{}, fmt.Errorf("resolve parent %s of %s: %w", ref.Key(), h.Key(), err)
		}
		parent, err := p.save(ctx, parentHandle, depth+1)
		if err != nil {
			return resolver.Outcome{}, fmt.Errorf("ingest parent %s of %s: %w", ref.Key(), h.Key(), err)
		}
		if len(opts) == 0 {
			opts = append(opts, resolver.WithParent(parent.Item.UUID))
		}
	}

	out, err := p.resolver.Ingest(ctx, draft, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resolver.Outcome{}, err
	}
	return out, nil
}

func (p *Pipeline) fetchDraft(ctx context.Context, h sites.Handle) (catalog.Draft, error) {
	page, err := p.fetcher.Fetch(ctx, h.Request())
	if err != nil {
		return catalog.Draft{}, fmt.Errorf("fetch %s: %w", h.Key(), err)
	}
	if page.Status >= 400 {
		return catalog.Draft{}, fmt.Errorf("fetch %s: %w", h.Key(),
			&catalog.FetchError{URL: page.URL, Status: page.Status, Kind: catalog.FetchPermanent})
	}
	uri, err := p.archiver.Archive(ctx, h.Site.Name(), page)
	if err != nil {
		p.logger.Warn("archive page failed", zap.String("url", page.URL), zap.Error(err))
	}
	draft, err := sites.Parse(h, page)
	if err != nil {
		var pe *catalog.ParseError
		if errors.As(err, &pe) {
			p.logger.Warn("parse failed", zap.String("site", pe.Site), zap.String("url", pe.URL), zap.Error(pe.Err))
		}
		return catalog.Draft{}, err
	}
	draft.ArchiveURI = uri
	return draft, nil
}
