package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"

	"golang.org/x/sync/errgroup"

	"github.com/kilnrun/kiln/apikey"
	versioncmd "github.com/kilnrun/kiln/cmd/version"
	"github.com/kilnrun/kiln/dispatch"
	"github.com/kilnrun/kiln/kiln-server/server"
	"github.com/kilnrun/kiln/language"
	"github.com/kilnrun/kiln/metrics"
	"github.com/kilnrun/kiln/sandbox"
	"github.com/kilnrun/kiln/sandbox/pool"
	"github.com/kilnrun/kiln/session"
	"github.com/kilnrun/kiln/support/config"
	"github.com/kilnrun/kiln/support/kvstore"
	"github.com/kilnrun/kiln/support/objectstore"
)

func main() {
	cmd := &cobra.Command{
		Use:          "kiln-server",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
			os.Exit(1)
		},
	}
	cmd.AddCommand(NewStartCommand())
	cmd.AddCommand(versioncmd.NewVersionCommand())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// Options are the flag-level overrides; everything else comes from the
// environment contract in support/config.
type Options struct {
	ListenAddr  string
	MetricsAddr string
	DevLogging  bool
}

func NewStartCommand() *cobra.Command {
	opts := Options{}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Starts the code execution service",
	}
	cmd.Flags().StringVar(&opts.ListenAddr, "addr", opts.ListenAddr, "API listen address (overrides LISTEN_ADDR)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", opts.MetricsAddr, "Prometheus listen address (overrides METRICS_ADDR)")
	cmd.Flags().BoolVar(&opts.DevLogging, "dev-logging", opts.DevLogging, "Human-readable log output")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctrl.SetLogger(crzap.New(crzap.UseDevMode(opts.DevLogging)))
		ctx := ctrl.SetupSignalHandler()
		return run(ctx, opts)
	}

	return cmd
}

func run(ctx context.Context, opts Options) error {
	log := ctrl.Log.WithName("kiln-server")
	reg := language.NewRegistry()

	cfg, err := config.Load(reg)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if opts.ListenAddr != "" {
		cfg.ListenAddr = opts.ListenAddr
	}
	if opts.MetricsAddr != "" {
		cfg.MetricsAddr = opts.MetricsAddr
	}

	kv, err := kvstore.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("building kv store client: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Error(err, "closing kv store client")
		}
	}()

	blobs, err := objectstore.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building object store client: %w", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		// The file plane is optional; executions still work without it.
		log.Error(err, "object store bucket unavailable at startup")
	}

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("loading cluster config: %w", err)
	}
	kubeClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("building cluster client: %w", err)
	}

	var archive *metrics.Archive
	if cfg.MetricsDatabaseURL != "" {
		archive, err = metrics.NewArchive(ctx, cfg.MetricsDatabaseURL, log)
		if err != nil {
			return fmt.Errorf("building metrics archive: %w", err)
		}
	}
	sink := metrics.NewSink(kv, archive, log)

	factory := sandbox.NewFactory(kubeClient, cfg, log)
	sidecar := sandbox.NewSidecarClient(cfg.SidecarPort)
	pools := pool.NewManager(cfg, reg, factory, sidecar, sink, log)

	sessions := session.NewStore(blobs, kv, cfg.MaxFileSizeBytes(), log)
	keys := apikey.NewManager(kv, cfg.EnvKeys, cfg.RateLimitEnabled, log)
	gate := apikey.NewGate(keys, kv, log).WithRecorder(sink)
	dispatcher := dispatch.New(pools, reg, cfg, sessions, sink, log)

	srv := server.New(server.Deps{
		Config:     cfg,
		Gate:       gate,
		Keys:       keys,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Sink:       sink,
		Pools:      pools,
		RedisPing:  kv.Ping,
		MinioPing:  blobs.Ping,
		K8sPing: func(ctx context.Context) error {
			_, err := kubeClient.Discovery().ServerVersion()
			return err
		},
	}, log)

	apiServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     srv.Router(),
		ReadTimeout: 30 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(sink.Registry(), promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if cfg.PoolEnabled {
			pools.Start(gctx)
			log.Info("warm pools started", "languages", len(cfg.PoolSizes))
		}
		return nil
	})
	g.Go(func() error {
		sink.Run(gctx)
		return nil
	})
	if archive != nil {
		g.Go(func() error {
			archive.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown(log, apiServer, metricsServer, pools)
		return nil
	})

	return g.Wait()
}

// shutdown tears the service down in order, each step under its own
// ceiling so a stuck dependency cannot block process exit.
func shutdown(log logr.Logger, apiServer, metricsServer *http.Server, pools *pool.Manager) {
	httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(httpCtx); err != nil {
		log.Error(err, "shutting down api server")
	}
	if err := metricsServer.Shutdown(httpCtx); err != nil {
		log.Error(err, "shutting down metrics server")
	}

	poolCtx, cancelPools := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelPools()
	pools.Stop(poolCtx)
	log.Info("shutdown complete")
}
