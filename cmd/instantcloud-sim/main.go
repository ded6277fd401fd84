// instantcloud-sim serves a local simulation of the Instant Cloud API for
// development and end-to-end tests of the instantcloud client.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devghori1264/instantcloud/internal/config"
	"github.com/devghori1264/instantcloud/internal/logging"
	"github.com/devghori1264/instantcloud/internal/sim/api"
	"github.com/devghori1264/instantcloud/internal/sim/events"
	"github.com/devghori1264/instantcloud/internal/sim/server"
	"github.com/devghori1264/instantcloud/internal/sim/storage"
)

type options struct {
	httpAddr     string
	metricsAddr  string
	dbPath       string
	accountsPath string
	accessID     string
	secretKey    string
	natsURL      string
	trace        bool
	logFile      string
	bootDelay    time.Duration
	maxSkew      time.Duration
	headerPrefix string
}

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "instantcloud-sim",
		Short:         "instantcloud-sim serves a simulated Instant Cloud API",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.httpAddr, "http-addr", ":8080", "API listen address")
	f.StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address, empty disables")
	f.StringVar(&opts.dbPath, "db", "./data/badger", "Badger DB path, empty keeps data in memory")
	f.StringVar(&opts.accountsPath, "accounts", "", "YAML file of accounts and their licenses")
	f.StringVar(&opts.accessID, "id", "", "register a single account with this access id")
	f.StringVar(&opts.secretKey, "key", "", "secret key of the --id account")
	f.StringVar(&opts.natsURL, "nats-url", "", "publish machine events to this NATS server")
	f.BoolVar(&opts.trace, "trace", false, "export request spans to stdout")
	f.StringVar(&opts.logFile, "log-file", "", "also write JSON logs to this rotated file")
	f.DurationVar(&opts.bootDelay, "boot-delay", 500*time.Millisecond, "time a machine spends launching")
	f.DurationVar(&opts.maxSkew, "max-skew", 0, "reject requests dated further than this from now, 0 disables")
	f.StringVar(&opts.headerPrefix, "header-prefix", config.DefaultHeaderPrefix, "prefix of the Signature and Date headers")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context, opts *options) error {
	log, flush := logging.New(logging.Options{Level: zapcore.InfoLevel, File: opts.logFile})
	defer flush()

	accounts, err := loadAccounts(opts)
	if err != nil {
		return err
	}

	// Create storage
	store, err := storage.NewBadgerStore(opts.dbPath)
	if err != nil {
		return fmt.Errorf("open badger store: %w", err)
	}
	defer store.Close()

	srvOpts := []server.Option{server.WithLogger(log), server.WithBootDelay(opts.bootDelay)}
	if opts.natsURL != "" {
		pub, err := events.NewPublisher(opts.natsURL, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		srvOpts = append(srvOpts, server.WithEvents(pub))
	}
	srv := server.New(store, srvOpts...)
	defer srv.Close()

	for _, a := range accounts {
		if err := srv.RegisterAccount(ctx, a); err != nil {
			return err
		}
	}

	if opts.trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	httpServer := &http.Server{
		Addr: opts.httpAddr,
		Handler: api.NewHTTPHandler(srv,
			api.WithLogger(log),
			api.WithMetrics(api.NewMetrics(reg)),
			api.WithHeaderPrefix(opts.headerPrefix),
			api.WithMaxSkew(opts.maxSkew)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 2)
	go func() {
		log.Info("API listening", zap.String("addr", opts.httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http listen: %w", err)
		}
	}()

	// Metrics endpoint
	var metricsServer *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		api.RegisterMetrics(mux, reg)
		metricsServer = &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info("Prometheus metrics available", zap.String("addr", opts.metricsAddr+"/metrics"))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Graceful shutdown
	select {
	case <-ctx.Done():
		log.Info("shutdown initiated")
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http server shutdown error", zap.Error(serr))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	log.Info("shutdown complete")
	return err
}

func loadAccounts(opts *options) ([]server.Account, error) {
	var accounts []server.Account
	if opts.accountsPath != "" {
		loaded, err := server.LoadAccounts(opts.accountsPath)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, loaded...)
	}
	if opts.accessID != "" {
		accounts = append(accounts, server.Account{
			ID:       opts.accessID,
			Key:      opts.secretKey,
			Licenses: []server.LicenseSeed{{RatePlan: "standard", Credit: 100}},
		})
	}
	if len(accounts) == 0 {
		return nil, errors.New("no accounts: pass --accounts or --id and --key")
	}
	return accounts, nil
}
