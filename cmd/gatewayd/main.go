// Command gatewayd runs the inference gateway daemon: an
// OpenAI-compatible HTTP front end multiplexing batch-engine and
// remote-chat backends behind API-key auth and rate limiting.
package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chungus/inference-gateway/internal/completion"
	"github.com/chungus/inference-gateway/internal/config"
	"github.com/chungus/inference-gateway/internal/engine"
	"github.com/chungus/inference-gateway/internal/health"
	"github.com/chungus/inference-gateway/internal/httpserver"
	"github.com/chungus/inference-gateway/internal/lifecycle"
	"github.com/chungus/inference-gateway/internal/logging"
	"github.com/chungus/inference-gateway/internal/metrics"
	"github.com/chungus/inference-gateway/internal/provider"
	"github.com/chungus/inference-gateway/internal/provider/batch"
	"github.com/chungus/inference-gateway/internal/provider/remotechat"
	"github.com/chungus/inference-gateway/internal/ratelimit"
	"github.com/chungus/inference-gateway/internal/store"
	"github.com/chungus/inference-gateway/internal/store/postgres"
	"github.com/chungus/inference-gateway/internal/store/sqlite"
	"github.com/chungus/inference-gateway/internal/tokenizer"
	"github.com/chungus/inference-gateway/internal/version"
	"github.com/chungus/inference-gateway/internal/warmup"
)

const maxLogBytes = int64(300 * 1024 * 1024)

func main() {
	// Local .env values feed the config loader's env overrides.
	_ = godotenv.Load()

	cfg, err := config.LoadGatewayConfig(".")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if cfg.LogFile != "" {
		rot, err := logging.NewRotatingWriter(cfg.LogFile, maxLogBytes)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer rot.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[gatewayd] ")
	log.Printf("starting %s, env=%s listen=%s", version.FullInfo(), cfg.Environment, cfg.ListenAddr)

	s, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.ModelCatalog != "" {
		entries, err := config.LoadCatalog(cfg.ModelCatalog)
		if err != nil {
			log.Fatalf("load model catalog: %v", err)
		}
		if err := config.SeedModels(ctx, s.Models(), entries); err != nil {
			log.Fatalf("seed model catalog: %v", err)
		}
		log.Printf("seeded %d catalog models from %s", len(entries), cfg.ModelCatalog)
	}

	var counter ratelimit.Counter = s.Requests()
	if cfg.RedisAddr != "" {
		rc, err := ratelimit.NewRedisCounter(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer rc.Close()
		counter = rc
		log.Printf("rate limiting via redis at %s", cfg.RedisAddr)
	}
	limiter := ratelimit.New(counter)

	factory := engine.NewHTTPFactory(cfg.BatchBaseURL, nil)
	registry := engine.NewRegistry(factory, sublogger("engine"))
	defer registry.Close()

	tracker := lifecycle.NewTracker(s, sublogger("lifecycle"))
	providers := map[string]provider.Provider{
		store.BackendBatch: batch.New(tokenizer.Heuristic{}),
		store.BackendRemoteChat: remotechat.New(
			&http.Client{Timeout: cfg.RemoteTimeout},
			tokenizer.Heuristic{},
			sublogger("remote"),
		),
	}
	orch := completion.New(s.Models(), registry, providers, tracker, sublogger("completion"))

	collector := metrics.NewCollector()
	orch.SetCallRecorder(collector)

	if cfg.WarmupEnabled {
		runner := warmup.NewRunner(orch, s, cfg.WarmupInterval, sublogger("warmup"))
		go runner.Run(ctx)
	}

	server := httpserver.New(s, orch, limiter, collector, cfg.AdminToken, sublogger("http"))
	checkerCfg := health.Config{BatchBaseURL: cfg.BatchBaseURL}
	if p, ok := s.(health.Pinger); ok {
		checkerCfg.Store = p
	}
	server.SetHealthChecker(health.New(checkerCfg))
	httpSrv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     server.Router(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: streamed completions can run for minutes.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigs
	log.Printf("received %s, shutting down", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Printf("stopped")
}

func openStore(cfg config.GatewayConfig) (store.Store, error) {
	if cfg.IsPostgres() {
		log.Printf("using postgres store")
		return postgres.New(cfg.DatabaseURL, 10, 5)
	}
	path := cfg.DatabaseURL
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	log.Printf("using sqlite store at %s", path)
	return sqlite.New(path)
}

func sublogger(name string) *log.Logger {
	return log.New(log.Writer(), "[gatewayd/"+name+"] ", log.LstdFlags|log.Lmicroseconds)
}
