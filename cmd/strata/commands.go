package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"goflare.io/strata"
)

// openCache builds a byte-level cache from the command's configuration.
// Values are never decoded, so any deployment's entries can be inspected.
func openCache(ctx context.Context, flags *globalFlags, extra ...strata.Option) (*strata.Cache[[]byte], *zap.Logger, error) {
	logger, err := newLogger(flags.debug)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to initialize logger")
	}
	cfg, err := loadConfig(flags.config)
	if err != nil {
		return nil, nil, err
	}

	opts := append([]strata.Option{
		strata.WithConfig(cfg),
		strata.WithLogger(logger),
		strata.WithSerialization("raw"),
	}, extra...)
	cache, err := strata.New[[]byte](ctx, opts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open cache")
	}
	return cache, logger, nil
}

func withCache(flags *globalFlags, run func(ctx context.Context, cache *strata.Cache[[]byte], cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cache, logger, err := openCache(cmd.Context(), flags)
		if err != nil {
			return err
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("Failed to close cache", zap.Error(err))
			}
			_ = logger.Sync()
		}()
		return run(cmd.Context(), cache, cmd, args)
	}
}

func newGetCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the cached value of KEY",
		Args:  cobra.ExactArgs(1),
		RunE: withCache(flags, func(ctx context.Context, cache *strata.Cache[[]byte], cmd *cobra.Command, args []string) error {
			value, found, err := cache.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				return errors.Newf("key %q not found", args[0])
			}
			_, err = cmd.OutOrStdout().Write(append(value, '\n'))
			return err
		}),
	}
}

func newDeleteCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY...",
		Short: "Remove keys from every tier",
		Args:  cobra.MinimumNArgs(1),
		RunE: withCache(flags, func(ctx context.Context, cache *strata.Cache[[]byte], cmd *cobra.Command, args []string) error {
			for _, key := range args {
				if err := cache.Delete(ctx, key); err != nil {
					return errors.Wrapf(err, "delete %q", key)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d keys\n", len(args))
			return nil
		}),
	}
}

func newInvalidateCommand(flags *globalFlags) *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "invalidate --tag TAG...",
		Short: "Remove every entry carrying one of the tags",
		Args:  cobra.NoArgs,
		RunE: withCache(flags, func(ctx context.Context, cache *strata.Cache[[]byte], cmd *cobra.Command, _ []string) error {
			if len(tags) == 0 {
				return errors.New("at least one --tag is required")
			}
			if err := cache.InvalidateTags(ctx, tags); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %v\n", tags)
			return nil
		}),
	}
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tag to invalidate (repeatable)")
	return cmd
}

func newClearCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry from every tier",
		Args:  cobra.NoArgs,
		RunE: withCache(flags, func(ctx context.Context, cache *strata.Cache[[]byte], cmd *cobra.Command, _ []string) error {
			if err := cache.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cleared")
			return nil
		}),
	}
}

func newWarmCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "warm [STRATEGY...]",
		Short: "Run warming strategies once",
		Long:  "Run warming strategies once. Without arguments every registered strategy runs; the persistent tier registers \"" + strata.ReplayStrategyID + "\".",
		RunE: withCache(flags, func(ctx context.Context, cache *strata.Cache[[]byte], cmd *cobra.Command, args []string) error {
			report, err := cache.WarmUp(ctx, args...)
			if err != nil {
				return err
			}
			printReport(cmd, report)
			if failed := report.Failed(); len(failed) > 0 {
				return errors.Newf("%d of %d strategies failed", len(failed), report.Strategies)
			}
			return nil
		}),
	}
}

func printReport(cmd *cobra.Command, report strata.Report) {
	out := cmd.OutOrStdout()
	for _, r := range report.Results {
		status := "ok"
		if !r.Success {
			status = fmt.Sprintf("failed: %v", r.Err)
		}
		fmt.Fprintf(out, "%-20s items=%-6d skipped=%-6d %-10v %s\n", r.ID, r.Items, r.Skipped, r.Duration.Round(time.Millisecond), status)
	}
	fmt.Fprintf(out, "warmed %d items in %v (%.0f items/s)\n", report.ItemsWarmed, report.Duration.Round(time.Millisecond), report.Throughput)
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	var (
		listen       string
		warmInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose cache metrics over HTTP and keep the cache warm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			exporter, err := prometheus.New()
			if err != nil {
				return errors.Wrap(err, "failed to create prometheus exporter")
			}
			provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
			defer func() { _ = provider.Shutdown(context.WithoutCancel(ctx)) }()

			cache, logger, err := openCache(ctx, flags, strata.WithMeterProvider(provider))
			if err != nil {
				return err
			}
			defer func() {
				if err := cache.Close(); err != nil {
					logger.Warn("Failed to close cache", zap.Error(err))
				}
				_ = logger.Sync()
			}()

			if warmInterval > 0 {
				cache.StartWarming(ctx, warmInterval)
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			logger.Info("Serving metrics", zap.String("addr", listen), zap.Duration("warm_interval", warmInterval))

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return errors.Wrap(err, "metrics server failed")
			}
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":9090", "metrics listen address")
	cmd.Flags().DurationVar(&warmInterval, "warm-interval", 0, "run every warming strategy at this interval (0 disables)")
	return cmd
}
