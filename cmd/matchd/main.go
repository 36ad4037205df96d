package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/spindate/matchd/pkg/engine"
	"github.com/spindate/matchd/pkg/metrics"
	"github.com/spindate/matchd/pkg/profile"
	"github.com/spindate/matchd/pkg/server"
	"github.com/spindate/matchd/pkg/store"
	"github.com/spindate/matchd/pkg/store/memstore"
	"github.com/spindate/matchd/pkg/store/pgstore"
	"github.com/spindate/matchd/pkg/sweep"
	"github.com/spindate/matchd/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "Expose pprof handlers on the metrics mux")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for the HTTP API (or set MATCHD_LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics (or set MATCHD_METRICS_ADDR env var; empty disables)")
	postgresFlag := flag.String("postgres", "", "PostgreSQL connection string (or set MATCHD_POSTGRES_DSN env var); empty runs on the in-memory store")
	profilesFlag := flag.String("profiles", "", "Path to a JSON profiles file (or set MATCHD_PROFILES env var); overrides the postgres profile directory")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins for browser clients")
	voteWindowFlag := flag.Duration("vote-window", engine.DefaultVoteWindow, "Decision window length, measured from match creation")
	freshForFlag := flag.Duration("fresh-for", engine.DefaultFreshFor, "Liveness horizon for heartbeats and spins")
	sweepIntervalFlag := flag.Duration("sweep-interval", sweep.DefaultInterval, "Interval between sweep cycles")
	sweepWorkersFlag := flag.Int("sweep-workers", sweep.DefaultWorkers, "Per-item concurrency inside a sweep cycle")

	flag.Parse()

	// Best-effort; flags and real env still win.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("MATCHD_LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("MATCHD_METRICS_ADDR"); env != "" {
		*metricsAddrFlag = env
	}
	if env := os.Getenv("MATCHD_POSTGRES_DSN"); env != "" {
		*postgresFlag = env
	}
	if env := os.Getenv("MATCHD_PROFILES"); env != "" {
		*profilesFlag = env
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		st       store.Store
		profiles profile.Directory
	)
	if *postgresFlag != "" {
		pool, err := pgstore.Connect(ctx, *postgresFlag)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		pg := pgstore.New(log, pool)
		st = pg
		profiles = profile.NewPG(pool)
		log.Info("matchd: using postgres store")
	} else {
		st = memstore.New()
		log.Warn("matchd: using in-memory store, state is lost on restart")
	}
	defer st.Close()

	if *profilesFlag != "" {
		static, err := profile.LoadStatic(*profilesFlag)
		if err != nil {
			return err
		}
		profiles = static
		log.Info("matchd: loaded profiles file", "path", *profilesFlag, "profiles", static.Len())
	}
	if profiles == nil {
		return errors.New("--profiles is required when running without --postgres")
	}

	eng, err := engine.New(engine.Config{
		Logger:     log,
		Store:      st,
		Profiles:   profiles,
		VoteWindow: *voteWindowFlag,
		FreshFor:   *freshForFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	sweeper, err := sweep.New(sweep.Config{
		Logger:   log,
		Store:    st,
		Engine:   eng,
		Interval: *sweepIntervalFlag,
		Workers:  *sweepWorkersFlag,
		FreshFor: *freshForFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:         log,
		Engine:         eng,
		ListenAddr:     *listenAddrFlag,
		AllowedOrigins: *allowedOriginsFlag,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		ReadyChecks: []server.ReadyCheck{
			st.Ping,
			func(context.Context) error {
				if !sweeper.Ready() {
					return errors.New("sweeper has not completed a cycle")
				}
				return nil
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("matchd: starting", "version", version, "commit", commit)

	sweeper.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		g.Go(func() error {
			return serveMetrics(ctx, log, *metricsAddrFlag, *enablePprofFlag)
		})
	}
	return g.Wait()
}

// serveMetrics runs the prometheus listener on its own mux, with pprof
// handlers bolted on when requested.
func serveMetrics(ctx context.Context, log *slog.Logger, addr string, enablePprof bool) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	log.Info("matchd: prometheus metrics server listening", "address", listener.Addr().String())

	httpSrv := &http.Server{Handler: mux}
	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		return fmt.Errorf("metrics server error: %w", err)
	}
}
