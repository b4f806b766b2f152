package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/SimoneErba/Flumen/graph"
	"github.com/SimoneErba/Flumen/internal/config"
	"github.com/SimoneErba/Flumen/internal/engine"
	"github.com/SimoneErba/Flumen/internal/layout"
	"github.com/SimoneErba/Flumen/internal/logging"
	"github.com/SimoneErba/Flumen/internal/observability"
	"github.com/SimoneErba/Flumen/internal/remote"
)

func runCmd(opts *options) *cobra.Command {
	var (
		statusEvery time.Duration
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine headless until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, opts.log, cmd.OutOrStdout(), statusEvery)
		},
	}
	cmd.Flags().DurationVar(&statusEvery, "status-every", 5*time.Second, "interval between status lines, 0 disables them")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", config.DefaultMetricsAddr, "HTTP address for Prometheus /metrics, empty disables it")
	return cmd
}

// run drives the engine until ctx is done, then shuts it down.
func run(ctx context.Context, cfg config.Config, log logging.Logger, out io.Writer, statusEvery time.Duration) error {
	log = logging.OrNoop(log)

	reg := prometheus.NewRegistry()
	collector, err := observability.NewCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	animCollector, err := observability.NewAnimationCollector(reg)
	if err != nil {
		return fmt.Errorf("init animation metrics: %w", err)
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	metricsSrv, err := serveMetrics(cfg.MetricsAddr, collector, log)
	if err != nil {
		return err
	}

	api, err := remote.NewRESTClient(cfg.APIURL,
		remote.WithClientLogger(log),
		remote.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		remote.WithCallMetrics(collector),
	)
	if err != nil {
		return err
	}

	status := &statusLine{out: out, every: statusEvery}
	engineOpts := []engine.Option{
		engine.WithLogger(log),
		engine.WithFrameInterval(cfg.FrameInterval),
		engine.WithLayoutScale(cfg.LayoutScale),
		engine.WithMetrics(collector),
		engine.WithAnimationMetrics(animCollector),
		engine.WithGatewayOptions(remote.WithDebounce(cfg.Debounce)),
		engine.WithSurface(status),
		engine.WithNotifier(func(werr *remote.WriteError) {
			bad.Fprintf(out, "write failed, change reverted: %v\n", werr)
		}),
	}

	if cfg.FeedURL != "" {
		feed, err := remote.NewFeed(cfg.FeedURL,
			remote.WithReconnectDelay(cfg.ReconnectDelay),
			remote.WithHeartbeat(cfg.Heartbeat, cfg.Heartbeat),
			remote.WithFeedLogger(log),
			remote.WithFeedMetrics(collector),
		)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, engine.WithFeed(feed))
	}

	if cfg.LayoutPath != "" {
		store, err := layout.Open(cfg.LayoutPath, layout.WithLogger(log))
		if err != nil {
			return err
		}
		defer store.Close()
		engineOpts = append(engineOpts, engine.WithLayoutStore(store))
	}

	e := engine.New(api, engineOpts...)
	status.active = e.Animation().Active
	if err := e.Start(ctx); err != nil {
		_ = e.Close()
		shutdownServer(metricsSrv)
		return err
	}

	brand.Fprint(out, "flumen running ")
	subtle.Fprintf(out, "api=%s feed=%s\n", cfg.APIURL, orNone(cfg.FeedURL))

	<-ctx.Done()
	log.Info(context.Background(), "shutting down engine")
	err = e.Close()
	shutdownServer(metricsSrv)
	return err
}

func serveMetrics(addr string, collector *observability.Collector, log logging.Logger) (*http.Server, error) {
	if addr == "" || collector == nil {
		return nil, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", lis.Addr().String()))
	return srv, nil
}

func shutdownServer(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// statusLine prints graph counts at most once per interval.
type statusLine struct {
	out    io.Writer
	every  time.Duration
	active func() int
	last   time.Time
}

func (s *statusLine) Refresh(now time.Time, g *graph.Graph) {
	if s.every <= 0 || (!s.last.IsZero() && now.Sub(s.last) < s.every) {
		return
	}
	s.last = now
	locations, items, edges := g.Counts()
	moving := 0
	if s.active != nil {
		moving = s.active()
	}
	info.Fprintf(s.out, "%s ", now.Format("15:04:05"))
	fmt.Fprintf(s.out, "locations=%d items=%d connections=%d moving=%d\n", locations, items, edges, moving)
}
