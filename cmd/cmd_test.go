package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/app"
	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/config"
	"github.com/JakeFAU/culture-catalog/internal/resolver"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server: config.ServerConfig{RequestTimeout: time.Second, ShutdownTimeout: time.Second, SearchPageSize: 20},
		Fetcher: config.FetcherConfig{
			UserAgent:   "catalog-test",
			Timeout:     time.Second,
			Concurrency: 2,
			RPS:         10,
			Burst:       1,
			MaxAttempts: 1,
		},
		Store:     config.StoreConfig{Driver: "memory"},
		Index:     config.IndexConfig{Backend: "memory", Queue: "memory", QueueCapacity: 100, Workers: 1, BatchSize: 10},
		Archive:   config.ArchiveConfig{Driver: "none"},
		Publisher: config.PublisherConfig{Driver: "none"},
		Resolver:  config.ResolverConfig{MergePolicy: "winner_first"},
		Jobs:      config.JobsConfig{LockDir: t.TempDir(), BatchSize: 10, Retention: time.Hour},
		ExtSearch: config.ExtSearchConfig{Timeout: time.Second, CacheTTL: time.Minute},
	}
}

// seededFactory builds an in-memory app and runs seed against it before the
// command executes.
func seededFactory(t *testing.T, seed func(*app.App)) appFactory {
	t.Helper()
	return func(ctx context.Context, _ string) (*app.App, error) {
		a, err := app.New(ctx, testConfig(t), zap.NewNop())
		if err != nil {
			return nil, err
		}
		if seed != nil {
			seed(a)
		}
		return a, nil
	}
}

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, factory appFactory, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), factory, args, &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func movie(site, id, title string, year int) catalog.Draft {
	return catalog.Draft{
		Site:     site,
		SiteID:   id,
		URL:      "https://www.imdb.com/title/" + id + "/",
		Category: catalog.CategoryMovie,
		Metadata: catalog.Metadata{Title: title, Year: year},
	}
}

func seedItem(t *testing.T, a *app.App, d catalog.Draft) catalog.Item {
	t.Helper()
	out, err := a.Resolver.Ingest(context.Background(), d)
	require.NoError(t, err)
	return out.Item
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"plain", errors.New("boom"), exitFailure},
		{"usage", usagef("bad flags"), exitUsage},
		{"cobra args", errors.New("accepts 1 arg(s), received 0"), exitUsage},
		{"explicit", withCode(exitViolations, errors.New("left")), exitViolations},
		{"collision", fmt.Errorf("merge: %w", &catalog.CollisionError{Site: "imdb"}), exitConflict},
		{"invalid merge", fmt.Errorf("merge: %w", catalog.ErrInvalidMerge), exitConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}

type factoryMock struct {
	mock.Mock
}

func (m *factoryMock) build(ctx context.Context, path string) (*app.App, error) {
	args := m.Called(ctx, path)
	a, _ := args.Get(0).(*app.App)
	return a, args.Error(1)
}

func TestConfigFlagReachesFactory(t *testing.T) {
	t.Parallel()
	m := &factoryMock{}
	m.On("build", mock.Anything, "/etc/catalog.yaml").Return(nil, errors.New("no config")).Once()

	res := runCLI(t, m.build, "--config", "/etc/catalog.yaml", "review")
	require.Equal(t, exitFailure, res.code)
	require.Contains(t, res.stderr, "failed to initialize application services: no config")
	m.AssertExpectations(t)
}

func TestSaveRequiresURL(t *testing.T) {
	t.Parallel()
	res := runCLI(t, seededFactory(t, nil), "save")
	require.Equal(t, exitUsage, res.code)
}

func TestMigrateList(t *testing.T) {
	t.Parallel()
	res := runCLI(t, seededFactory(t, nil), "migrate", "--list")
	require.Equal(t, exitOK, res.code)
	require.Contains(t, res.stdout, "flatten_merges")
	require.Contains(t, res.stdout, "normalize_language")

	res = runCLI(t, seededFactory(t, nil), "migrate")
	require.Equal(t, exitUsage, res.code)
}

func TestMigrateRunsOnce(t *testing.T) {
	t.Parallel()
	res := runCLI(t, seededFactory(t, nil), "--json", "migrate", "--name", "normalize_language")
	require.Equal(t, exitOK, res.code, res.stderr)
	var first struct {
		Skipped bool `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &first))
	require.False(t, first.Skipped)

	applied := seededFactory(t, func(a *app.App) {
		_, err := a.Jobs.Migrate(context.Background(), "normalize_language")
		require.NoError(t, err)
	})
	res = runCLI(t, applied, "migrate", "--name", "normalize_language")
	require.Equal(t, exitOK, res.code, res.stderr)
	require.Contains(t, res.stdout, "already applied")
}

func TestIntegrityOnCleanCatalog(t *testing.T) {
	t.Parallel()
	factory := seededFactory(t, func(a *app.App) {
		seedItem(t, a, movie("imdb", "tt0078748", "Alien", 1979))
	})
	res := runCLI(t, factory, "integrity")
	require.Equal(t, exitOK, res.code, res.stderr)
	require.Contains(t, res.stdout, "0 found, 0 remaining")
}

func TestMergeCommand(t *testing.T) {
	t.Parallel()
	a, err := seededFactory(t, nil)(context.Background(), "")
	require.NoError(t, err)
	winner := seedItem(t, a, movie("imdb", "tt0078748", "Alien", 1979))
	loser := seedItem(t, a, catalog.Draft{
		Site:     "wikidata",
		SiteID:   "Q103569",
		URL:      "https://www.wikidata.org/wiki/Q103569",
		Category: catalog.CategoryMovie,
		Metadata: catalog.Metadata{Title: "Alien (film)", Year: 1980},
	})
	factory := func(context.Context, string) (*app.App, error) { return a, nil }

	res := runCLI(t, factory, "--json", "merge", "--winner", winner.UUID, "--loser", loser.UUID)
	require.Equal(t, exitOK, res.code, res.stderr)
	var out resolver.Outcome
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &out))
	require.Equal(t, resolver.Merged, out.Kind)
	require.Equal(t, winner.UUID, out.Item.UUID)
	require.Len(t, out.Losers, 1)
	require.Equal(t, loser.UUID, out.Losers[0].UUID)
}

func TestMergeFlagValidation(t *testing.T) {
	t.Parallel()
	res := runCLI(t, seededFactory(t, nil), "merge", "--winner", "a")
	require.Equal(t, exitUsage, res.code)

	res = runCLI(t, seededFactory(t, nil), "merge", "--winner", "a", "--loser", "a")
	require.Equal(t, exitUsage, res.code)
	require.Contains(t, res.stderr, "also listed as a loser")
}

func TestMergeCollisionExitCode(t *testing.T) {
	t.Parallel()
	a, err := seededFactory(t, nil)(context.Background(), "")
	require.NoError(t, err)
	first := seedItem(t, a, movie("imdb", "tt0078748", "Alien", 1979))
	second := seedItem(t, a, movie("imdb", "tt0090605", "Aliens", 1986))

	factory := func(context.Context, string) (*app.App, error) { return a, nil }
	res := runCLI(t, factory, "merge", "--winner", first.UUID, "--loser", second.UUID)
	require.Equal(t, exitConflict, res.code)
	require.Contains(t, res.stderr, "merge collision")
}

func TestReviewJSONIsEmptyList(t *testing.T) {
	t.Parallel()
	res := runCLI(t, seededFactory(t, nil), "--json", "review", "--all")
	require.Equal(t, exitOK, res.code, res.stderr)
	require.JSONEq(t, "[]", res.stdout)
}

func TestDestructiveIndexCommandsNeedConfirmation(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"idx-destroy", "idx-delete"} {
		res := runCLI(t, seededFactory(t, nil), name)
		require.Equal(t, exitUsage, res.code, name)
		require.Contains(t, res.stderr, "--yes")

		res = runCLI(t, seededFactory(t, nil), name, "--yes")
		require.Equal(t, exitOK, res.code, res.stderr)
	}
}

// indexedFactory seeds one movie and indexes it.
func indexedFactory(t *testing.T) appFactory {
	return seededFactory(t, func(a *app.App) {
		seedItem(t, a, movie("imdb", "tt0078748", "Alien", 1979))
		_, err := a.Index.ReindexAll(context.Background(), 10)
		require.NoError(t, err)
	})
}

func TestReindexReportsCounts(t *testing.T) {
	t.Parallel()
	factory := seededFactory(t, func(a *app.App) {
		seedItem(t, a, movie("imdb", "tt0078748", "Alien", 1979))
	})
	res := runCLI(t, factory, "--json", "idx-reindex", "--batch-size", "5")
	require.Equal(t, exitOK, res.code, res.stderr)
	var report struct {
		Upserted int `json:"upserted"`
		Failed   int `json:"failed"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &report))
	require.Equal(t, 1, report.Upserted)
	require.Zero(t, report.Failed)
}

func TestSearchCommand(t *testing.T) {
	t.Parallel()
	res := runCLI(t, indexedFactory(t), "--json", "search", "--query", "alien")
	require.Equal(t, exitOK, res.code, res.stderr)
	var found struct {
		Total int `json:"total"`
		Hits  []struct {
			Title string `json:"title"`
		} `json:"hits"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &found))
	require.Equal(t, 1, found.Total)
	require.Equal(t, "Alien", found.Hits[0].Title)

	res = runCLI(t, indexedFactory(t), "search", "--query", "alien")
	require.Equal(t, exitOK, res.code, res.stderr)
	require.Contains(t, res.stdout, "1 results (page 1)")

	res = runCLI(t, indexedFactory(t), "search")
	require.Equal(t, exitUsage, res.code)
}

func TestIdxGetByURL(t *testing.T) {
	t.Parallel()
	res := runCLI(t, indexedFactory(t), "idx-get", "--url", "https://www.imdb.com/title/tt0078748/")
	require.Equal(t, exitOK, res.code, res.stderr)
	require.Contains(t, res.stdout, "Alien")
	require.Contains(t, res.stdout, "1979")

	res = runCLI(t, indexedFactory(t), "idx-get")
	require.Equal(t, exitUsage, res.code)

	res = runCLI(t, indexedFactory(t), "idx-get", "--url", "https://www.imdb.com/title/tt0000001/")
	require.Equal(t, exitFailure, res.code)
}

func TestIdxInfo(t *testing.T) {
	t.Parallel()
	res := runCLI(t, indexedFactory(t), "--json", "idx-info")
	require.Equal(t, exitOK, res.code, res.stderr)
	var info struct {
		Backend   string `json:"backend"`
		Documents int    `json:"documents"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &info))
	require.Equal(t, "memory", info.Backend)
	require.Equal(t, 1, info.Documents)
}

func TestCatchupRejectsNonPositiveHours(t *testing.T) {
	t.Parallel()
	res := runCLI(t, seededFactory(t, nil), "idx-catchup", "--hour", "0")
	require.Equal(t, exitUsage, res.code)
}

func TestExtSearchRejectsBadCategory(t *testing.T) {
	t.Parallel()
	res := runCLI(t, seededFactory(t, nil), "extsearch", "--query", "alien", "--category", "sculpture")
	require.Equal(t, exitUsage, res.code)
}
