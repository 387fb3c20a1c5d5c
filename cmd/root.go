package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/config"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	RunOnce(ctx context.Context, sourceIDs []string) (string, crawler.RunSummary, error)
	Serve(ctx context.Context) error
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Close(ctx context.Context) error
}

// loadConfig and newApp are variables so tests can replace them.
var (
	loadConfig = config.Load
	newApp     = func(ctx context.Context, cfg config.Config) (App, error) {
		return server.Build(ctx, cfg, server.Options{})
	}
)

type rootOptions struct {
	configFile string
	envFile    string
	app        App
}

// newRootCmd creates and configures the root command. The App it builds is
// left in opts for the caller to close.
func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rankcrawler",
		Short: "Scrapes Advent of Code rankings into a canonical row store.",
		Long: `rankcrawler fetches ranking pages and leaderboard exports, parses them
against declarative schemas, normalizes the records, and upserts them into
the configured store. It runs once, serves an HTTP API with scheduled runs,
or prunes old rows.`,
		SilenceUsage: true,

		// Build the application once config is loaded and before the
		// subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var envFiles []string
			if opts.envFile != "" {
				envFiles = append(envFiles, opts.envFile)
			}
			cfg, err := loadConfig(opts.configFile, envFiles...)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opts.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before the config (default .env)")

	cmd.AddCommand(newRunCmd(), newServeCmd(), newPruneCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// execute runs the command line in args and closes the App afterwards, even
// when the subcommand failed.
func execute(ctx context.Context, args []string, out io.Writer) error {
	opts := &rootOptions{}
	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetOut(out)
	err := root.ExecuteContext(ctx)
	if opts.app != nil {
		if cerr := opts.app.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = fmt.Errorf("close: %w", cerr)
		}
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
