package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kgindex/internal/api"
	"kgindex/internal/logger"
	"kgindex/internal/rebuild"
	"kgindex/internal/watch"
)

var rebuildCmd = &cobra.Command{
	Use:     "rebuild",
	Short:   "Extract, infer and commit a new graph generation",
	GroupID: groupIndex,
	Long: `Rebuild the knowledge graph from the corpus.

Modes:
  incremental  Skip the rebuild when the corpus checksum matches the committed one (default)
  full         Always rebuild; the version is bumped only when the corpus changed

Examples:
  kgindex rebuild
  kgindex rebuild --mode full --corpus ./knowledge-base`,
	Args: cobra.NoArgs,
	RunE: runRebuild,
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Poll the corpus and rebuild when it changes",
	GroupID: groupIndex,
	Args:    cobra.NoArgs,
	RunE:    runWatch,
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Serve the Query API over HTTP",
	GroupID: groupIndex,
	Long: `Serve the committed graph over HTTP.

Endpoints:
  GET  /health
  GET  /v1/search?q=<text>&top_k=<n>
  GET  /v1/nodes/:id
  GET  /v1/nodes/:id/related?type=<REL>&direction=out|in|both
  GET  /v1/stats
  GET  /v1/version
  GET  /v1/backups
  POST /v1/rebuild?mode=full|incremental

With --watch the corpus is polled in the same process.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	rebuildMode   string
	watchInterval string
	serveListen   string
	serveWatch    bool
)

func init() {
	rebuildCmd.Flags().StringVar(&rebuildMode, "mode", string(rebuild.ModeIncremental), "Rebuild mode: full or incremental")
	watchCmd.Flags().StringVar(&watchInterval, "interval", "", "Poll interval (default: $KGINDEX_INTERVAL or 30s)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default: $KGINDEX_LISTEN or :7450)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Also poll the corpus and rebuild on change")
	serveCmd.Flags().StringVar(&watchInterval, "interval", "", "Poll interval used with --watch")

	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	mode, err := rebuild.ParseMode(rebuildMode)
	if err != nil {
		return err
	}
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()

	res, err := e.ctrl.Rebuild(ctx, mode)
	if res != nil {
		printResult(res)
	}
	return err
}

func printResult(res *rebuild.Result) {
	fmt.Printf("Run:      %s\n", res.RunID)
	fmt.Printf("Status:   %s\n", res.Status)
	fmt.Printf("Version:  %s\n", res.Version)
	if res.Generation != "" {
		fmt.Printf("Gen:      %s\n", res.Generation)
	}
	fmt.Printf("Checksum: %s\n", shortID(res.CorpusChecksum))
	if res.Stats != nil {
		fmt.Printf("Nodes:    %d\n", res.Stats.TotalNodes)
		fmt.Printf("Edges:    %d\n", res.Stats.TotalEdges)
	}
	if len(res.Warnings) > 0 {
		fmt.Printf("Warnings: %d\n", len(res.Warnings))
		for _, w := range res.Warnings {
			fmt.Printf("  %s\n", w)
		}
	}
	fmt.Printf("Took:     %s\n", res.Duration.Round(time.Millisecond))
}

func watchOptions(e *env) (watch.Options, error) {
	interval := cfg.Interval
	if watchInterval != "" {
		d, err := time.ParseDuration(watchInterval)
		if err != nil {
			return watch.Options{}, fmt.Errorf("invalid interval: %w", err)
		}
		interval = d
	}
	return watch.Options{
		Interval:  interval,
		Checksum:  e.ctrl.Checksum,
		Rebuilder: e.ctrl,
		Initial:   e.store.Checksum(),
	}, nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	opts, err := watchOptions(e)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	logger.Info("watching corpus", "root", e.source.Root(), "interval", opts.Interval)
	h := watch.Start(ctx, opts)
	<-ctx.Done()
	h.Stop()
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	listen := cfg.Listen
	if serveListen != "" {
		listen = serveListen
	}
	ctx, stop := signalContext()
	defer stop()

	tokens, err := cfg.Tokens()
	if err != nil {
		return err
	}
	if tokens == nil {
		logger.Warn("no API secret configured, operator routes are disabled")
	}

	g, ctx := errgroup.WithContext(ctx)
	if serveWatch {
		opts, err := watchOptions(e)
		if err != nil {
			return err
		}
		h := watch.Start(ctx, opts)
		g.Go(func() error {
			<-ctx.Done()
			h.Stop()
			return nil
		})
	}
	g.Go(func() error {
		return api.Serve(ctx, listen, &api.App{Store: e.store, Controller: e.ctrl, Tokens: tokens})
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shortID safely truncates an ID string to 12 characters.
func shortID(s string) string {
	if len(s) >= 12 {
		return s[:12]
	}
	return s
}
