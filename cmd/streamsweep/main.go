package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/voyagen/streamsweep/internal/cache"
	"github.com/voyagen/streamsweep/internal/checker"
	"github.com/voyagen/streamsweep/internal/config"
	"github.com/voyagen/streamsweep/internal/fetcher"
	"github.com/voyagen/streamsweep/internal/metrics"
	"github.com/voyagen/streamsweep/internal/playlist"
	"github.com/voyagen/streamsweep/internal/reconcile"
	"github.com/voyagen/streamsweep/internal/server"
	"github.com/voyagen/streamsweep/internal/service"
)

var (
	version    = "dev"
	configPath string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "streamsweep",
		Short: "Validate, repair and partition streaming channel listings",
		Long: `StreamSweep re-checks every persisted channel, repairs dead endpoints
from alternate sources, validates newly discovered channels and writes the
survivors into unified, per-country and per-category views.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Optional config file path (YAML); else use environment")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version info",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("streamsweep %s\n", version)
			},
		},
		runCmd(),
		checkCmd(),
		syncCmd(),
		exportCmd(),
		serveCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a full sweep: clean the store, validate new channels, sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			runID := uuid.NewString()
			m := metrics.New()

			rt, err := openInfra(ctx, cfg, m)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.redis != nil {
				lock, err := rt.redis.TryLock(ctx, runLockName, runID, runLockTTL)
				if errors.Is(err, cache.ErrLocked) {
					holder, _ := rt.redis.LockHolder(ctx, runLockName)
					return fmt.Errorf("another sweep is running (run %s)", holder)
				}
				if err != nil {
					return err
				}
				defer release(rt.logger, lock)
			}

			f := fetcher.New(cfg.UserAgent, cfg.FetchTimeout, fetcher.WithLogger(rt.logger))
			in := service.Gather(ctx, f, fetcher.CatalogURLs{
				Channels: cfg.ChannelsURL,
				Streams:  cfg.StreamsURL,
				Logos:    cfg.LogosURL,
			}, cfg.AlternatePlaylists)

			chk := newChecker(cfg, rt, m)
			engine, err := reconcile.New(chk, reconcile.Config{
				Policy:             chk.Policy(),
				BatchSize:          cfg.BatchSize,
				CleanupBatchSize:   cfg.CleanupBatchSize,
				FuzzyThreshold:     cfg.FuzzyThreshold,
				Match:              reconcile.MatchPolicy(cfg.MatchPolicy),
				UnwantedExtensions: chk.UnwantedExtensions(),
			}, in.Sources, reconcile.WithLogger(rt.logger), reconcile.WithMetrics(m))
			if err != nil {
				return err
			}

			rep, err := service.Run(ctx, service.Deps{
				Store:      rt.store,
				Engine:     engine,
				Candidates: in.Candidates,
				RunID:      runID,
				Logger:     rt.logger,
			})
			if pushErr := m.Push(context.WithoutCancel(ctx), cfg.PushgatewayURL, runID); pushErr != nil {
				rt.logger.Printf("metrics: push: %v", pushErr)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rep)
			}
			fmt.Println(rep)
			return nil
		},
	}
}

// release frees the run lock; a failure only delays the next run until the TTL expires.
func release(logger *log.Logger, l interface{ Release() error }) {
	if err := l.Release(); err != nil {
		logger.Printf("lock: release: %v", err)
	}
}

func newChecker(cfg *config.Config, rt *infra, m *metrics.Metrics) *checker.Checker {
	cc := checker.DefaultConfig()
	cc.MaxConcurrent = cfg.MaxConcurrent
	cc.Policy = checker.Policy{
		InitialTimeout: cfg.InitialTimeout,
		MaxTimeout:     cfg.MaxTimeout,
		Retries:        cfg.Retries,
		RetryDelay:     cfg.RetryDelay,
	}
	cc.UserAgent = cfg.UserAgent
	cc.InsecureTLS = cfg.InsecureTLS
	return checker.New(cc, checker.WithLogger(rt.logger), checker.WithMetrics(m))
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check URL...",
		Short: "Check the liveness of one or more URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			chk := newChecker(cfg, &infra{logger: newLogger()}, nil)

			results := make([]checker.Result, len(args))
			dead := 0
			for i, u := range args {
				results[i] = chk.CheckURL(cmd.Context(), u)
				if !results[i].Live {
					dead++
				}
			}
			if jsonOutput {
				if err := printJSON(results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					fmt.Println(r)
				}
			}
			if dead > 0 {
				return fmt.Errorf("%d of %d URLs are not live", dead, len(args))
			}
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Rebuild the unified view from the country and category partitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := openInfra(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			unified, err := rt.store.Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("unified view rebuilt with %d channels\n", len(unified))
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the unified view as an M3U playlist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := openInfra(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			channels, err := rt.store.Load(ctx)
			if err != nil {
				return err
			}
			var w io.Writer = os.Stdout
			if out != "" {
				file, err := os.Create(out)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			return playlist.Encode(w, channels)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the stored channels and on-demand checks over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m := metrics.New()
			rt, err := openInfra(ctx, cfg, m)
			if err != nil {
				return err
			}
			defer rt.Close()

			srv := server.New(rt.store, newChecker(cfg, rt, m),
				server.WithLogger(rt.logger),
				server.WithGatherer(m.Registry()),
			)
			return srv.ListenAndServe(ctx, cfg.ServerAddr)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
