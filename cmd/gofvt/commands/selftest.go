package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gofvt/internal/endpoint"
	"github.com/dantte-lp/gofvt/internal/exchange"
	"github.com/dantte-lp/gofvt/internal/fixture"
	fvtmetrics "github.com/dantte-lp/gofvt/internal/metrics"
	"github.com/dantte-lp/gofvt/internal/relay"
	"github.com/dantte-lp/gofvt/internal/suite"
	"github.com/dantte-lp/gofvt/internal/transcript"
)

// selftestListenAddr binds the in-process relay to an ephemeral port.
const selftestListenAddr = "127.0.0.1:0"

// shutdownTimeout bounds the metrics server drain.
const shutdownTimeout = 5 * time.Second

var (
	errChecksFailed = errors.New("checks failed")
	errUnknownCheck = errors.New("unknown check")
)

func selftestCmd() *cobra.Command {
	var (
		switches, controllers int
		checks                []string
		transcriptPath        string
	)

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run the built-in checks against the in-process loopback relay",
		Long: "Starts the loopback relay as the intermediary, brings the simulated peers " +
			"up around it and runs the built-in conformance checks. Serves metrics on " +
			"metrics.addr while running when it is set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("switches") {
				switches = cfg.Fixture.Switches
			}
			if !cmd.Flags().Changed("controllers") {
				controllers = cfg.Fixture.Controllers
			}
			if !cmd.Flags().Changed("transcript") {
				transcriptPath = cfg.Transcript.Path
			}

			selected, err := selectChecks(checks)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			outcomes, err := runSelftest(ctx, suite.Topology{Switches: switches, Controllers: controllers},
				selected, transcriptPath)
			if err != nil {
				return err
			}

			out, err := formatOutcomes(outcomes, outputFormat)
			if err != nil {
				return fmt.Errorf("format outcomes: %w", err)
			}
			fmt.Print(out)

			if !suite.Passed(outcomes) {
				return errChecksFailed
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&switches, "switches", 0, "number of simulated switches (default from config)")
	cmd.Flags().IntVar(&controllers, "controllers", 0, "number of simulated controllers (default from config)")
	cmd.Flags().StringSliceVar(&checks, "check", nil, "run only the named checks (repeatable)")
	cmd.Flags().StringVar(&transcriptPath, "transcript", "", "append exchange records to this CBOR file")

	return cmd
}

func selectChecks(names []string) ([]suite.Check, error) {
	if len(names) == 0 {
		return suite.Builtin(), nil
	}
	out := make([]suite.Check, 0, len(names))
	for _, n := range names {
		c, ok := suite.Lookup(n)
		if !ok {
			return nil, fmt.Errorf("%w: %q", errUnknownCheck, n)
		}
		out = append(out, c)
	}
	return out, nil
}

// runSelftest wires relay, fixture, metrics and transcript together and
// runs checks. Everything it starts is stopped before it returns.
func runSelftest(ctx context.Context, topo suite.Topology, checks []suite.Check, transcriptPath string) ([]suite.Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	collector := fvtmetrics.NewCollector(reg)

	g, gCtx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		srv := newMetricsServer(cfg.Metrics.Addr, cfg.Metrics.Path, reg)
		ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.Metrics.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", cfg.Metrics.Addr, err)
		}
		logger.Info("metrics server listening", slog.String("addr", ln.Addr().String()))
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, done := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	rcfg := cfg.RelayConfig()
	rcfg.ListenAddr = selftestListenAddr
	rcfg.Controllers = nil
	r := relay.New(rcfg, logger, relay.WithMetrics(collector))
	if err := r.Listen(ctx); err != nil {
		return nil, fmt.Errorf("start relay: %w", err)
	}
	sut, err := r.Addr()
	if err != nil {
		return nil, fmt.Errorf("start relay: %w", err)
	}
	g.Go(func() error { return r.Serve(gCtx) })

	exchangeOpts := []exchange.Option{exchange.WithMetrics(collector)}
	if transcriptPath != "" {
		rec, err := transcript.NewFileRecorder(transcriptPath)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				logger.Warn("transcript close failed", slog.String("error", err.Error()))
			}
		}()
		logger.Info("recording transcript",
			slog.String("path", transcriptPath),
			slog.String("run_id", rec.RunID().String()),
		)
		exchangeOpts = append(exchangeOpts, exchange.WithRecorder(rec))
	}

	fcfg := cfg.FixtureConfig()
	fcfg.SUTAddr = sut.String()
	fcfg.ControllerBasePort = 0
	fx := fixture.New(fcfg, logger,
		fixture.WithEndpointOptions(endpoint.WithMetrics(collector)),
		fixture.WithExchangeOptions(exchangeOpts...),
	)
	fx.Start(gCtx)

	outcomes, runErr := bringUpAndRun(gCtx, fx, r, topo, checks)

	closeErr := fx.Close()
	cancel()
	if err := g.Wait(); err != nil {
		closeErr = errors.Join(closeErr, err)
	}
	if runErr != nil {
		return nil, runErr
	}
	if closeErr != nil {
		logger.Warn("selftest teardown", slog.String("error", closeErr.Error()))
	}
	return outcomes, nil
}

func bringUpAndRun(ctx context.Context, fx *fixture.Fixture, r *relay.Relay, topo suite.Topology, checks []suite.Check) ([]suite.Outcome, error) {
	for i := range topo.Controllers {
		if err := fx.AddController(ctx, i); err != nil {
			return nil, fmt.Errorf("add controller %d: %w", i, err)
		}
		addr, _ := fx.ControllerAddr(i)
		r.AddController(addr.String())
	}
	for i := range topo.Switches {
		if err := fx.AddSwitch(ctx, i); err != nil {
			return nil, fmt.Errorf("add switch %d: %w", i, err)
		}
	}
	return suite.Run(ctx, fx.Orchestrator(), topo, checks...), nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(addr, path string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
