package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/tcm-fusion/backend/internal/analysis/fusion"
	"github.com/zhouzirui/tcm-fusion/backend/internal/config"
	"github.com/zhouzirui/tcm-fusion/backend/internal/handler"
	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/collector"
	diagnosisService "github.com/zhouzirui/tcm-fusion/backend/internal/service/diagnosis"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/modality"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/recommendation"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/session"
	"github.com/zhouzirui/tcm-fusion/backend/internal/storage/sqlite"
)

const expirySweepInterval = time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}
	defer closeStore()

	sessions := session.NewService(store, session.Options{TTL: cfg.Collection.SessionTTL})

	engine, err := fusion.NewEngine(cfg.Fusion)
	if err != nil {
		log.Fatalf("invalid fusion rules: %v", err)
	}

	diagnoses := diagnosisService.NewService(sessions, engine, newBridge(ctx, cfg.AI), cfg.Collection.FusionLease)

	if path := config.FusionRulesPath(); path != "" {
		err := config.WatchFusionRules(ctx, path, func(rules fusion.Config) {
			next, err := fusion.NewEngine(rules)
			if err != nil {
				log.Printf("[fusion] rejected reloaded rules: %v", err)
				return
			}
			diagnoses.SetEngine(next)
		})
		if err != nil {
			log.Printf("warning: fusion rules hot reload disabled: %v", err)
		}
	}

	mode, err := collector.ParseMode(cfg.Collection.Mode)
	if err != nil {
		log.Fatalf("invalid collection mode: %v", err)
	}
	adapters, err := newAdapters(cfg.Modalities)
	if err != nil {
		log.Fatalf("failed to configure modality services: %v", err)
	}

	opts := collector.Options{
		Mode:            mode,
		Deadline:        cfg.Collection.Deadline,
		Timeouts:        cfg.CollectionTimeouts(),
		PullInterval:    cfg.Collection.PullInterval,
		Workers:         cfg.Collection.Workers,
		CallbackBaseURL: cfg.Server.PublicBaseURL,
	}
	coll, err := collector.New(sessions, adapters, diagnoses, opts)
	if err != nil {
		log.Fatalf("failed to start collector: %v", err)
	}
	coll.Run(ctx)

	// 重启后接管未完成的会话
	if err := coll.Recover(ctx); err != nil {
		log.Printf("warning: failed to recover in-flight sessions: %v", err)
	}

	go expireLoop(ctx, sessions)

	tokens := cfg.ServiceTokens()
	if len(tokens) == 0 {
		log.Println("warning: no *_SERVICE_TOKEN configured, result endpoints accept unauthenticated pushes")
	}

	router := handler.NewRouter(handler.Dependencies{
		Sessions:      sessions,
		Collector:     coll,
		Diagnoses:     diagnoses,
		ServiceTokens: tokens,
		AutoStart:     cfg.Collection.AutoStart,
	})

	startServer(ctx, cfg.Server, router)
	coll.Wait()
}

func openStore(cfg config.StoreConfig) (diagnosis.Store, func(), error) {
	if cfg.Driver == "sqlite" {
		store, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("session store: sqlite at %s", store.Path())
		return store, func() {
			if err := store.Close(); err != nil {
				log.Printf("warning: failed to close session store: %v", err)
			}
		}, nil
	}
	log.Println("session store: in-memory, sessions are lost on restart")
	return diagnosis.NewMemoryStore(), func() {}, nil
}

// newBridge 大模型不可用时使用知识库给出建议。
func newBridge(ctx context.Context, ai config.AIConfig) recommendation.Bridge {
	kb := recommendation.NewKnowledgeBase()
	if !ai.RecommendationLLMEnabled {
		log.Println("Recommendation LLM disabled by configuration")
		return kb
	}
	if !ai.Enabled() {
		log.Println("Ark 凭证未配置，调理建议使用知识库")
		return kb
	}

	chatModel, err := ai.NewChatModel(ctx)
	if err != nil {
		log.Printf("warning: failed to initialize chat model: %v", err)
		return kb
	}
	bridge, err := recommendation.NewLLMBridge(ctx, chatModel, kb, recommendation.LLMConfig{Enabled: true})
	if err != nil {
		log.Printf("warning: failed to initialize recommendation LLM: %v", err)
		return kb
	}
	log.Println("Recommendation LLM enabled")
	return bridge
}

// newAdapters builds an adapter for every modality with a service URL.
func newAdapters(mods map[diagnosis.Modality]config.ModalityConfig) (map[diagnosis.Modality]modality.Adapter, error) {
	client := modality.NewHTTPClient()
	adapters := make(map[diagnosis.Modality]modality.Adapter, len(mods))
	for _, m := range diagnosis.AllModalities() {
		mc := mods[m]
		if mc.URL == "" {
			continue
		}
		a, err := modality.NewHTTPAdapter(modality.Config{
			Modality: m,
			BaseURL:  mc.URL,
			Timeout:  mc.AttemptTimeout(),
			Retries:  mc.Retries,
			Token:    mc.Token,
		}, client)
		if err != nil {
			return nil, err
		}
		adapters[m] = a
	}
	return adapters, nil
}

func expireLoop(ctx context.Context, sessions *session.Service) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.ExpireStale(ctx)
			if err != nil {
				log.Printf("[session] expiry sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[session] expired %d stale sessions", n)
			}
		}
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("TCM fusion coordinator listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
