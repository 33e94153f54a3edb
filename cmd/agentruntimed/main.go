// Command agentruntimed wires ConfigLoader, the provider adapters,
// PersonalityPackManager, MemoryManager, ContextManager, PlanExecutor,
// StepProcessor, and TurnManager together behind the httpapi HTTP
// surface, grounded on the teacher's cmd/server/main.go
// signal.NotifyContext + graceful-shutdown shape.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentruntime/core/config"
	"github.com/agentruntime/core/eventbus"
	"github.com/agentruntime/core/httpapi"
	"github.com/agentruntime/core/memory"
	"github.com/agentruntime/core/memory/inmem"
	"github.com/agentruntime/core/personality"
	"github.com/agentruntime/core/plan"
	"github.com/agentruntime/core/provider"
	"github.com/agentruntime/core/provider/anthropic"
	"github.com/agentruntime/core/provider/groq"
	"github.com/agentruntime/core/provider/openai"
	"github.com/agentruntime/core/runctx"
	"github.com/agentruntime/core/step"
	"github.com/agentruntime/core/tooling"
	"github.com/agentruntime/core/turn"
)

func main() {
	configPath := flag.String("config", "agentruntime.yaml", "path to the configuration file")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging.Level)

	if err := run(context.Background(), cfg, *addr, log); err != nil {
		log.Error("agentruntimed exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg *config.Config, addr string, log *slog.Logger) error {
	bus := eventbus.New(log)

	providers := buildProviders(cfg, log)
	resolveProvider := func(name string) (provider.Provider, bool) {
		p, ok := providers[name]
		return p, ok
	}

	registry := tooling.NewRegistry(nil)
	personalities := personality.New(cfg.Personalities.Directory, cfg.Personalities.DefaultPersonalityID, registry, log)
	if result := personalities.Load(); len(result.FailedIDs) > 0 && result.LoadedCount == 0 {
		return fmt.Errorf("load personality packs: all packs failed: %v", result.FailedIDs)
	}
	if err := personalities.WatchForChanges(250 * time.Millisecond); err != nil {
		log.Warn("personality hot reload disabled", "error", err)
	} else {
		defer personalities.Close()
	}

	memManager := memory.New(inmem.New(), cfg.Memory.CacheCapacity, log)
	store := runctx.New(memManager)

	plan.New(bus, store, personalities, resolveProvider, plan.Config{
		MaxStepsPerPlan:          cfg.CoreRuntime.MaxStepsPerPlan,
		MaxPlanGenerationRetries: cfg.CoreRuntime.MaxPlanGenerationRetries,
	}, log)

	step.New(bus, store, personalities, memManager, resolveProvider, step.Config{
		MaxConcurrentSteps:      cfg.CoreRuntime.MaxConcurrentSteps,
		MaxStepExecutionRetries: cfg.CoreRuntime.MaxStepExecutionRetries,
	}, log)

	turns := turn.New(bus, store, personalities, turn.Config{
		MaxTurnDuration:             cfg.CoreRuntime.MaxTurnDuration(),
		FailFast:                    cfg.CoreRuntime.FailFast,
		MaxConversationHistoryTurns: cfg.CoreRuntime.MaxConversationHistoryTurns,
	}, log)

	router := httpapi.NewRouter(turns, log)
	server := &http.Server{Addr: addr, Handler: router}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Info("agentruntimed listening", "addr", addr)
		serverErrCh <- server.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErrCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-sigCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("graceful shutdown timed out; forcing connection close")
			if closeErr := server.Close(); closeErr != nil {
				return fmt.Errorf("shutdown timeout and forced close failed: %w", errors.Join(err, closeErr))
			}
		} else {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	if err := <-serverErrCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildProviders constructs one provider.Provider per configured
// providers.<name> block, wrapping each with retry/backoff per its own
// max_retries/base_backoff_ms. Personality packs and plan prompts
// address providers by this same configured name via resolveProvider.
func buildProviders(cfg *config.Config, log *slog.Logger) map[string]provider.Provider {
	out := make(map[string]provider.Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		prices := provider.NewPriceTable()
		for modelName, price := range pc.Pricing {
			prices.Set(name, modelName, provider.Price{InputPerToken: price.InputPerToken, OutputPerToken: price.OutputPerToken})
		}

		var base provider.Provider
		switch name {
		case "anthropic":
			base = anthropic.New(anthropic.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL, Prices: prices})
		case "groq":
			base = groq.New(groq.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL, Prices: prices})
		default:
			base = openai.New(openai.Config{Name: name, APIKey: pc.APIKey, BaseURL: pc.BaseURL, Prices: prices})
		}

		retryCfg := provider.RetryConfig{
			MaxAttempts: pc.MaxRetries + 1,
			BaseDelay:   time.Duration(pc.BaseBackoffMS) * time.Millisecond,
		}
		wrapped := provider.WrapProvider(base, retryCfg)
		out[name] = wrapped
		log.Info("provider configured", "name", name, "model", pc.Model)
	}
	return out
}
