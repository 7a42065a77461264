package serverapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"daybook/internal/auth"
	"daybook/internal/config"
	"daybook/internal/grouplock"
	"daybook/internal/httpmw"
	"daybook/internal/task"
	"daybook/internal/telemetry"
)

type Options struct {
	Config *config.Config
	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
	Now    func() time.Time

	// Store overrides the configured storage driver.
	Store task.Store
}

// App is the wired HTTP application.
type App struct {
	Handler http.Handler
	Service *task.Service
	Limiter *httpmw.RateLimiter // nil when rate limiting is off

	log     *slog.Logger
	checks  map[string]func(context.Context) error
	closers []func() error
}

// OpenStore opens the task store selected by cfg.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (task.Store, error) {
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "file":
		codec, err := task.ParseCodec(cfg.Codec)
		if err != nil {
			return nil, err
		}
		return task.NewFileStore(cfg.DataDir, codec)
	case "sqlite":
		if cfg.DSN == "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return nil, err
			}
		}
		return task.Open(ctx, "sqlite", cfg.SQLiteDSN())
	case "postgres":
		return task.Open(ctx, "postgres", cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// NewLocker builds the group locker. With the redis backend the returned
// check pings the server and the close func releases the client.
func NewLocker(ctx context.Context, cfg config.LocksConfig, log *slog.Logger) (grouplock.Locker, func(context.Context) error, func() error, error) {
	if cfg.Backend != "redis" {
		return grouplock.NewLocal(), nil, func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}
	locker := grouplock.NewRedis(client, grouplock.RedisOptions{
		Prefix: cfg.Redis.Prefix,
		TTL:    cfg.Redis.TTL,
	}, log)
	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return locker, ping, client.Close, nil
}

func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config
	app := &App{log: opts.Logger, checks: map[string]func(context.Context) error{}}

	store := opts.Store
	if store == nil {
		var err error
		if store, err = OpenStore(ctx, cfg.Storage); err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
		}
		app.closers = append(app.closers, store.Close)
	}
	app.checks["store"] = store.Ping

	locker, lockPing, lockClose, err := NewLocker(ctx, cfg.Locks, opts.Logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.closers = append(app.closers, lockClose)
	if lockPing != nil {
		app.checks["locks"] = lockPing
	}

	svc, err := task.NewService(task.Options{
		Store:  store,
		Locker: locker,
		Logger: opts.Logger,
		Tracer: opts.Tracer,
		Meter:  opts.Meter,
		Now:    opts.Now,
	})
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Service = svc

	identity, err := auth.NewIdentity(auth.Options{
		Header:       cfg.Identity.Header,
		DefaultOwner: cfg.Identity.DefaultOwner,
	})
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("identity.default_owner: %w", err)
	}

	taskHandler := task.NewHandler(svc, opts.Logger)
	api := http.NewServeMux()
	api.HandleFunc("/api/tasks", taskHandler.TasksRoot)
	api.HandleFunc("/api/tasks/", taskHandler.TasksSub)

	var apiHandler http.Handler = api
	if cfg.RateLimit.Enabled {
		meter := opts.Meter
		if meter == nil {
			meter = otel.Meter("daybook/http")
		}
		instruments, err := telemetry.NewInstruments(meter)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		app.Limiter = httpmw.NewRateLimiter(httpmw.RateLimitOptions{
			RPS:   cfg.RateLimit.RPS,
			Burst: cfg.RateLimit.Burst,
			Key: func(r *http.Request) string {
				if owner, ok := auth.OwnerFromContext(r.Context()); ok {
					return "owner:" + owner
				}
				return ""
			},
			OnReject: instruments.RateLimited,
		})
		apiHandler = app.Limiter.Middleware(apiHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", identity.RequireAPI(apiHandler))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"service": "daybook",
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/readyz", app.ready)

	app.Handler = httpmw.Chain(
		mux,
		httpmw.WithRequestID,
		httpmw.WithTracing(opts.Tracer),
		httpmw.WithAccessLog(opts.Logger),
		httpmw.WithRecover(opts.Logger),
	)

	opts.Logger.InfoContext(ctx, "daybook wired",
		"storage", cfg.Storage.Driver,
		"locks", cfg.Locks.Backend,
		"rate_limit", cfg.RateLimit.Enabled,
	)
	return app, nil
}

func (a *App) ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(a.checks))
	for name := range a.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := a.checks[name](ctx); err != nil {
			a.log.WarnContext(ctx, "readiness check failed", "check", name, "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":    false,
				"error": name + " unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "daybook",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Close releases the store and lock backends opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
