// Package main provides the kgindex CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kgindex/internal/cache"
	"kgindex/internal/config"
	"kgindex/internal/corpus"
	"kgindex/internal/extract"
	"kgindex/internal/infer"
	"kgindex/internal/logger"
	"kgindex/internal/logger/console"
	"kgindex/internal/rebuild"
	"kgindex/internal/rules"
	"kgindex/internal/store"
)

// Version is the current kgindex CLI version
var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "kgindex",
	Short:   "kgindex - knowledge graph index for a security research corpus",
	Long:    `kgindex extracts entities from a corpus of Markdown and Solidity documents, infers typed relationships between them, and serves the resulting versioned graph and full-text index.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
	SilenceUsage: true,
}

// Command groups for organized help output
const (
	groupIndex = "index"
	groupQuery = "query"
	groupAdmin = "admin"
)

var (
	configPath string
	corpusDir  string
	storeDir   string
	debugFlag  bool

	cfg *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: $KGINDEX_CONFIG or "+config.DefaultFile+")")
	rootCmd.PersistentFlags().StringVar(&corpusDir, "corpus", "", "Corpus root directory")
	rootCmd.PersistentFlags().StringVar(&storeDir, "store", "", "Store directory")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupIndex, Title: "Indexing:"},
		&cobra.Group{ID: groupQuery, Title: "Querying:"},
		&cobra.Group{ID: groupAdmin, Title: "Administration:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration from .env, the config file, the
// environment and finally flags, then installs the logger.
func loadConfig() error {
	config.LoadEnv()
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if corpusDir != "" {
		c.CorpusDir = corpusDir
	}
	if storeDir != "" {
		c.StoreDir = storeDir
	}
	if debugFlag {
		c.Debug = true
	}
	logger.Init(console.New(console.Params{Debug: c.Debug, Prefix: "kgindex"}))
	cfg = c
	return nil
}

// env is the wired set of components a command works with.
type env struct {
	store  *store.Store
	cache  *cache.FileCache
	source *corpus.Source
	ctrl   *rebuild.Controller
}

func (e *env) Close() {
	if e.store != nil {
		e.store.Close()
	}
	if e.cache != nil {
		e.cache.Close()
	}
}

// openStore opens only the store, for read-only commands.
func openStore() (*env, error) {
	st, err := store.Open(cfg.StoreDir, store.WithRetain(cfg.Retain))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return &env{store: st}, nil
}

// openEnv wires the store, corpus source and rebuild controller.
func openEnv() (*env, error) {
	e, err := openStore()
	if err != nil {
		return nil, err
	}
	if e.cache, err = cache.Open(cfg.CachePath()); err != nil {
		e.Close()
		return nil, fmt.Errorf("opening digest cache: %w", err)
	}
	// The store may live inside the corpus; its own files are never corpus input.
	src, err := corpus.Open(cfg.CorpusDir,
		corpus.WithCache(e.cache),
		corpus.WithExclude(cfg.StoreDir, cfg.CachePath()),
	)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.source = src
	m, err := rules.LoadOrDefault(cfg.RulesPath())
	if err != nil {
		e.Close()
		return nil, err
	}
	ex := extract.New(m)
	ex.ExcerptRunes = cfg.ExcerptRunes

	e.ctrl = rebuild.New(rebuild.Options{
		Store:     e.store,
		Source:    e.source,
		Extractor: ex,
		Registry:  infer.DefaultRegistry(cfg.Thresholds),
		Workers:   cfg.Workers,
		Retain:    cfg.Retain,
	})
	return e, nil
}
