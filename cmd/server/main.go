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

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/doklado/document-pipeline/api"
	"github.com/doklado/document-pipeline/internal/ai"
	"github.com/doklado/document-pipeline/internal/auth"
	"github.com/doklado/document-pipeline/internal/config"
	"github.com/doklado/document-pipeline/internal/db"
	"github.com/doklado/document-pipeline/internal/jobs"
	"github.com/doklado/document-pipeline/internal/ocr"
	"github.com/doklado/document-pipeline/internal/pipeline"
	"github.com/doklado/document-pipeline/internal/registry"
	"github.com/doklado/document-pipeline/internal/storage"
)

// store is the persistence surface shared by the API and the pipeline.
type store interface {
	api.Store
	pipeline.Store
}

func main() {
	if err := godotenv.Load(); err == nil {
		log.Info("loaded environment from .env")
	}
	log.SetFormatter(&log.JSONFormatter{})
	if lvl, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store
	var notFound error = db.ErrNotFound
	pool, err := db.Connect(ctx)
	switch {
	case err == nil:
		defer pool.Close()
		gateway := db.NewGateway(pool)
		if err := gateway.Migrate(ctx); err != nil {
			log.WithError(err).Fatal("running migrations")
		}
		st = gateway
	case errors.Is(err, db.ErrNotConfigured):
		log.Warn("no database configured, using in-memory store")
		st = db.NewMemory()
	default:
		log.WithError(err).Fatal("connecting to database")
	}

	artifacts, err := storage.NewFromEnv(ctx)
	if err != nil {
		log.WithError(err).Warn("object storage unavailable, originals will not be archived")
		artifacts = nil
	}

	ocrRegistry := buildOCRRegistry(ctx, cfg)
	ocrOrch := ocr.NewOrchestrator(ocrRegistry, ocr.NewRasterizer(2), ocr.NewPreprocessor(),
		time.Duration(cfg.OCR.TimeoutSeconds)*time.Second)

	ledger := ai.NewCostLedger(cfg.Budget.MaxDailyCostUSD, cfg.Budget.MaxMonthlyCostUSD)
	aiRegistry := buildAIRegistry(ctx, cfg)
	aiOrch := ai.NewOrchestrator(aiRegistry, ledger, time.Duration(cfg.AI.TimeoutSeconds)*time.Second)

	registryClient := registry.NewClient(cfg.Registry.BaseURL,
		registry.WithCache(cfg.Registry.MaxEntries, time.Duration(cfg.Registry.CacheTTL)*time.Second))
	enricher := registry.NewEnricher(registryClient)

	coordinator := pipeline.NewCoordinator(st, ocrOrch, aiOrch, enricher, artifacts)

	manager := jobs.NewManager(coordinator, st,
		cfg.Jobs.WorkerCount, cfg.Jobs.QueueSize,
		time.Duration(cfg.Jobs.RetentionHours)*time.Hour)
	manager.Start(ctx)
	defer manager.Stop()

	handler := api.NewHandler(cfg, st, manager, ledger, artifacts, notFound)
	router := handler.SetupRoutes(auth.NewMiddleware())

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{
			"addr":         addr,
			"ocr_adapters": ocrRegistry.IDs(),
			"llm_models":   aiRegistry.Len(),
			"workers":      cfg.Jobs.WorkerCount,
			"mode":         cfg.DefaultMode,
		}).Info("document pipeline listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

// buildOCRRegistry initializes every adapter whose prerequisites are present.
// Missing keys or binaries reduce the registry, they do not abort startup.
func buildOCRRegistry(ctx context.Context, cfg *config.Config) *ocr.Registry {
	reg := ocr.NewRegistry()

	if cfg.OCR.TesseractEnabled {
		adapter, err := ocr.NewTesseractAdapter(cfg.OCR.TesseractLanguage)
		if err != nil {
			log.WithError(err).Warn("tesseract adapter disabled")
		} else {
			reg.Register(adapter, ocr.Capability{
				Accuracy:   0.75,
				SpeedScore: 0.8,
				Languages:  []string{"any"},
			})
		}
	}
	if cfg.OCR.GeminiKey != "" {
		adapter, err := ocr.NewGeminiVisionAdapter(ctx, cfg.OCR.GeminiKey, cfg.OCR.GeminiModel)
		if err != nil {
			log.WithError(err).Warn("gemini vision adapter disabled")
		} else {
			reg.Register(adapter, ocr.Capability{
				Accuracy:           0.92,
				SpeedScore:         0.5,
				Languages:          []string{"any"},
				CostPerPageUSD:     0.0025,
				BaselineConfidence: 0.88,
				NativePDF:          true,
			})
		}
	}
	if cfg.OCR.LeapKey != "" {
		adapter, err := ocr.NewLeapAdapter(cfg.OCR.LeapKey, cfg.OCR.LeapBaseURL)
		if err != nil {
			log.WithError(err).Warn("leap adapter disabled")
		} else {
			reg.Register(adapter, ocr.Capability{
				Accuracy:           0.88,
				SpeedScore:         0.65,
				Languages:          []string{"cs", "en", "de", "sk"},
				CostPerPageUSD:     0.004,
				BaselineConfidence: 0.85,
				NativePDF:          true,
			})
		}
	}

	if reg.Len() == 0 {
		log.Warn("no OCR adapters available, every submission will fail OCR")
	}
	return reg
}

// buildAIRegistry initializes LLM providers from configured keys. Every model
// of a configured provider is registered so the selector has the full table
// to score.
func buildAIRegistry(ctx context.Context, cfg *config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	table := ai.DefaultModelTable()

	for _, info := range table {
		switch info.ProviderID {
		case "openai":
			if cfg.AI.OpenAI.APIKey == "" {
				continue
			}
			model := info.ModelID
			reg.Register(ai.NewOpenAIProvider(cfg.AI.OpenAI.APIKey, cfg.AI.OpenAI.BaseURL, model, info), info)
		case "gemini":
			if cfg.AI.Gemini.APIKey == "" {
				continue
			}
			provider, err := ai.NewGeminiProvider(ctx, cfg.AI.Gemini.APIKey, info.ModelID, info)
			if err != nil {
				log.WithError(err).WithField("model", info.ModelID).Warn("gemini provider disabled")
				continue
			}
			reg.Register(provider, info)
		case "ollama":
			if os.Getenv("OLLAMA_BASE_URL") == "" && cfg.AI.DefaultProvider != "ollama" {
				continue
			}
			reg.Register(ai.NewOllamaProvider(cfg.AI.Ollama.BaseURL, info.ModelID), info)
		}
	}

	if reg.Len() == 0 {
		log.Warn("no LLM providers configured, extraction falls back to the regex baseline")
	}
	return reg
}
