package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/calden/roomtemp/internal/config"
	"github.com/calden/roomtemp/internal/importer"
	"github.com/calden/roomtemp/internal/match"
	"github.com/calden/roomtemp/internal/query"
	"github.com/calden/roomtemp/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "roomtemp",
	Short: "Room temperature telemetry pipeline",
	Long: `roomtemp ingests bulk sensor CSV exports, resolves sensors to rooms,
merges readings into a timestamped store and serves multi-resolution
time series with per-day snapshots and aggregates.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/roomtemp.yaml", "path to config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the wired collaborators every command needs.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *store.SQLiteStore
	resolver *match.StaticResolver
	importer *importer.Importer
	queries  *query.Service
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Logging)

	dataDir := filepath.Dir(cfg.Store.Path)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}

	resolver := newResolver(cfg)
	imp := importer.New(st, resolver, cfg, logger)
	queries := query.NewService(st, resolver, cfg.Query.MaxPoints, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		resolver: resolver,
		importer: imp,
		queries:  queries,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close store")
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	if cfg.Format == "console" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}

// newResolver builds the load-once room resolver from the configured room
// catalogs. It is constructed here and injected; nothing imports it as a
// singleton.
func newResolver(cfg *config.Config) *match.StaticResolver {
	catalog := make(map[string][]match.Room, len(cfg.Scopes))
	for _, scope := range cfg.Scopes {
		rooms := make([]match.Room, 0, len(scope.Rooms))
		for _, r := range scope.Rooms {
			rooms = append(rooms, match.Room{Key: r.Key, Number: r.Number, Name: r.Name})
		}
		catalog[scope.Name] = rooms
	}
	return match.NewStaticResolver(catalog)
}
