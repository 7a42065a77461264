package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"daybook/internal/config"
	"daybook/internal/serverapp"
	"daybook/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, nil); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "daybook:", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then drains in-flight requests.
// onListen, when set, receives the bound address.
func run(ctx context.Context, args []string, stdout io.Writer, onListen func(net.Addr)) error {
	fs := pflag.NewFlagSet("daybook", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", config.DefaultPath, "path to the YAML config file")
	addr := fs.String("addr", "", "listen address (overrides server.addr)")
	driver := fs.String("storage", "", "storage driver: memory, file, sqlite or postgres")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *driver != "" {
		cfg.Storage.Driver = *driver
		cfg.Storage.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	log, err := cfg.Log.NewLogger(stdout)
	if err != nil {
		return err
	}

	provider, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricInterval: cfg.Telemetry.MetricInterval,
	}, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	app, err := serverapp.New(ctx, serverapp.Options{
		Config: cfg,
		Logger: log,
		Tracer: provider.Tracer(),
		Meter:  provider.Meter(),
	})
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return fmt.Errorf("build server: %w", err)
	}
	if app.Limiter != nil {
		go app.Limiter.Run(ctx)
	}

	srv := &http.Server{
		Handler:      app.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = app.Close()
		_ = provider.Shutdown(context.Background())
		return err
	}
	if onListen != nil {
		onListen(ln.Addr())
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", ln.Addr().String())
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		log.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
		if serr := <-serveErr; !errors.Is(serr, http.ErrServerClosed) && err == nil {
			err = serr
		}
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, app.Close(), provider.Shutdown(shutdownCtx))
}
