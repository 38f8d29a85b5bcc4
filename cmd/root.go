// Package cmd defines the catalog command line: ingestion, batch jobs,
// search index maintenance and the HTTP server.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/app"
	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/config"
	"github.com/JakeFAU/culture-catalog/internal/logging"
)

// Process exit codes.
const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitViolations = 3
	exitConflict   = 4
)

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// appFactory builds the services for one invocation.
type appFactory func(ctx context.Context, configPath string) (*app.App, error)

func defaultAppFactory(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return app.New(ctx, cfg, logger)
}

// rootOptions are the persistent flags plus the app built for this run.
type rootOptions struct {
	configPath string
	json       bool

	app *app.App
}

// release closes the app once; commands that fail skip PersistentPostRun.
func (o *rootOptions) release() {
	if o.app != nil {
		o.app.Close()
		o.app = nil
	}
}

// newRootCmd creates the root command; newApp builds the services once the
// flags are parsed.
func newRootCmd(opts *rootOptions, newApp appFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Catalog of books, films, music and podcasts gathered from external sites",
		Long: `catalog ingests pages from supported sites, resolves them into a single
canonical item per work, keeps the search index in sync and repairs the
catalog with batch jobs.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opts.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			opts.release()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print results as JSON")

	cmd.AddCommand(
		newSaveCmd(opts),
		newCrawlCmd(opts),
		newIntegrityCmd(opts),
		newPurgeCmd(opts),
		newMigrateCmd(opts),
		newMergeCmd(opts),
		newReviewCmd(opts),
		newSearchCmd(opts),
		newExtSearchCmd(opts),
		newServeCmd(),
	)
	cmd.AddCommand(newIndexCmds(opts)...)
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, defaultAppFactory, os.Args[1:], os.Stdout, os.Stderr)
}

func run(ctx context.Context, newApp appFactory, args []string, stdout, stderr io.Writer) int {
	opts := &rootOptions{}
	defer opts.release()

	root := newRootCmd(opts, newApp)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "error:", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, catalog.ErrMergeCollision), errors.Is(err, catalog.ErrInvalidMerge):
		return exitConflict
	case isUsageError(err):
		return exitUsage
	default:
		return exitFailure
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
