// Command gatewayd runs the HTTP front end for the credit gateway: an
// OpenAI-compatible API surface backed by orchestrator.Pipeline,
// grounded on the teacher's cmd/ferrogw/main.go (chi router, graceful
// shutdown, env-driven provider registration).
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	creditgw "github.com/ferro-labs/creditgw"
	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/internal/logging"
	_ "github.com/ferro-labs/creditgw/internal/metrics"
	"github.com/ferro-labs/creditgw/registry"
	"github.com/ferro-labs/creditgw/secret"
)

func main() {
	cfgPath := os.Getenv("GATEWAY_CONFIG")
	if cfgPath == "" {
		log.Fatal("GATEWAY_CONFIG must name a YAML or JSON config file")
	}
	cfg, err := creditgw.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := creditgw.ValidateConfig(*cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logging.Setup(cfg.Server.LogLevel, cfg.Server.LogFormat)

	keyring, err := keyringFromEnv(cfg.Secrets.MasterKeyRefs)
	if err != nil {
		log.Fatalf("load master keys: %v", err)
	}

	reg := registry.New()
	registerAdapters(reg)

	gw, err := creditgw.New(*cfg, reg, keyring, logging.Logger)
	if err != nil {
		log.Fatalf("build gateway: %v", err)
	}
	defer gw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go gw.Run(ctx)

	r := newRouter(gw)
	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.Server.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logging.Logger.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
			if err := http.ListenAndServe(cfg.Server.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logging.Logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logging.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Logger.Error("shutdown error", "error", err)
		}
	}()

	logging.Logger.Info("listening", "addr", cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("server error: %v", err)
	}
}

func decodeHexKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func keyringFromEnv(refs []string) (secret.StaticKeyring, error) {
	kr := make(secret.StaticKeyring, len(refs))
	for _, ref := range refs {
		envVar := "CREDITGW_MASTER_KEY_" + ref
		hexKey := os.Getenv(envVar)
		if hexKey == "" {
			continue
		}
		key, err := decodeHexKey(hexKey)
		if err != nil {
			return nil, err
		}
		kr[ref] = key
	}
	return kr, nil
}

// registerAdapters wires the adapters named in SPEC_FULL.md's domain
// stack: openai lazily (its base instance holds no credential; every
// sub-provider derives its own via WithCredential), bedrock eagerly
// (it authenticates via the AWS SDK's own credential chain, not a
// per-sub-provider key).
func registerAdapters(reg *registry.Registry) {
	reg.RegisterFactory("openai", func() (adapter.Adapter, error) {
		return adapter.NewOpenAI("", ""), nil
	})
	if region := os.Getenv("AWS_REGION"); region != "" {
		bedrockAdapter, err := adapter.NewBedrock(context.Background(), region)
		if err != nil {
			logging.Logger.Error("bedrock adapter unavailable", "error", err)
		} else {
			reg.Register(bedrockAdapter)
		}
	}
}

func newRouter(gw *creditgw.Gateway) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mountAPIRoutes(r, gw)
	return r
}
