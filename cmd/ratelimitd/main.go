// Command ratelimitd is a small HTTP service guarded by a Redis token bucket.
//
// Without RULES_FILE every request is limited per client IP with
// RATE_CAPACITY requests per RATE_WINDOW_SECONDS. With RULES_FILE the YAML
// rule set decides, and its storage_type selects Redis or process memory.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/toolink/ratelimit/grpcmw"
	"github.com/toolink/ratelimit/httpmw"
	"github.com/toolink/ratelimit/limiter"
	"github.com/toolink/ratelimit/metrics"
	"github.com/toolink/ratelimit/redisconn"
	"github.com/toolink/ratelimit/rules"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ratelimitd:", err)
		os.Exit(2)
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("ratelimitd stopped")
	}
}

func setupLogging(cfg config) {
	zerolog.SetGlobalLevel(cfg.level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if !cfg.LogJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// guard is what the servers need from the limiting setup.
type guard struct {
	http    httpmw.Middleware
	checker grpcmw.Checker
	grpcKey grpcmw.KeyFunc
	ready   func(context.Context) error
	close   func() error
}

func run(ctx context.Context, cfg config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	g, err := buildGuard(ctx, cfg, recorder)
	if err != nil {
		return err
	}
	defer func() { _ = g.close() }()

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := g.ready(r.Context()); err != nil {
			log.Warn().Err(err).Msg("healthcheck failed")
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(g.http)
		r.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"path":%q}`+"\n", r.URL.Path)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		if grpcServer, err = serveGRPC(cfg, g, errCh); err != nil {
			_ = srv.Close()
			return err
		}
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		err = errors.Join(err, shutdownErr)
	}
	return err
}

func buildGuard(ctx context.Context, cfg config, recorder *metrics.Recorder) (*guard, error) {
	g := &guard{
		ready: func(context.Context) error { return nil },
		close: func() error { return nil },
	}

	var rs *rules.Config
	if cfg.RulesFile != "" {
		var err error
		if rs, err = rules.Load(cfg.RulesFile); err != nil {
			return nil, err
		}
	}

	var store limiter.Store
	if rs != nil && rs.StorageType == rules.StorageMemory {
		log.Warn().Msg("using in-memory storage, limits are not shared between instances")
		store = limiter.NewMemoryStore()
	} else {
		rcfg, err := redisconn.LoadConfig()
		if err != nil {
			return nil, err
		}
		client, err := redisconn.Connect(ctx, rcfg)
		if err != nil {
			return nil, err
		}
		store = limiter.NewRedisStore(client)
		g.ready = redisconn.Healthcheck(client)
		g.close = client.Close
	}

	if err := wire(ctx, cfg, g, rs, store, recorder); err != nil {
		_ = g.close()
		return nil, err
	}
	return g, nil
}

func wire(ctx context.Context, cfg config, g *guard, rs *rules.Config, store limiter.Store, recorder *metrics.Recorder) error {
	if rs != nil {
		engine, err := rules.NewEngine(rs, store, limiter.WithObserver(recorder))
		if err != nil {
			return err
		}
		if err := engine.Init(ctx); err != nil {
			return err
		}
		if g.http, err = httpmw.Rules(engine, nil, cfg.policy); err != nil {
			return err
		}
		g.checker = methodRules{engine}
		g.grpcKey = func(_ context.Context, fullMethod string) string { return fullMethod }
		return nil
	}

	l, err := limiter.New(store, limiter.Config{Capacity: cfg.Capacity, WindowSeconds: cfg.WindowSeconds},
		limiter.WithKeyPrefix(cfg.KeyPrefix),
		limiter.WithName("default"),
		limiter.WithObserver(recorder),
	)
	if err != nil {
		return err
	}
	if err := l.Init(ctx); err != nil {
		return err
	}
	if g.http, err = httpmw.Limit(l, httpmw.KeyByRemoteIP, cfg.policy); err != nil {
		return err
	}
	g.checker = l
	g.grpcKey = grpcmw.KeyByPeer
	return nil
}

// methodRules applies rules to gRPC calls: the identity it receives is the
// full method name, matched against rule paths, and the peer address is the
// only identity kind it can resolve.
type methodRules struct {
	engine *rules.Engine
}

func (c methodRules) IsAllowed(ctx context.Context, fullMethod string) (bool, error) {
	ip := grpcmw.KeyByPeer(ctx, fullMethod)
	return c.engine.Allow(ctx, fullMethod, func(limitBy string) string {
		if limitBy == rules.LimitByIP {
			return ip
		}
		return ""
	})
}

func serveGRPC(cfg config, g *guard, errCh chan<- error) (*grpc.Server, error) {
	unary, err := grpcmw.UnaryServerInterceptor(g.checker, g.grpcKey, cfg.policy)
	if err != nil {
		return nil, err
	}
	stream, err := grpcmw.StreamServerInterceptor(g.checker, g.grpcKey, cfg.policy)
	if err != nil {
		return nil, err
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen: %w", err)
	}
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(unary), grpc.ChainStreamInterceptor(stream))
	healthpb.RegisterHealthServer(s, health.NewServer())

	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc server listening")
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	return s, nil
}
