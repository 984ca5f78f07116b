// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/flowlens/internal/cache"
	"github.com/JakeFAU/flowlens/internal/cache/memory"
	"github.com/JakeFAU/flowlens/internal/cache/postgres"
	"github.com/JakeFAU/flowlens/internal/cache/redis"
	"github.com/JakeFAU/flowlens/internal/clock/system"
	"github.com/JakeFAU/flowlens/internal/config"
	"github.com/JakeFAU/flowlens/internal/dataset"
	collyfetcher "github.com/JakeFAU/flowlens/internal/fetcher/colly"
	"github.com/JakeFAU/flowlens/internal/fetcher/headless"
	"github.com/JakeFAU/flowlens/internal/flow"
	"github.com/JakeFAU/flowlens/internal/headless/detector"
	"github.com/JakeFAU/flowlens/internal/logging"
	"github.com/JakeFAU/flowlens/internal/ocr"
	"github.com/JakeFAU/flowlens/internal/policy/ratelimit"
	"github.com/JakeFAU/flowlens/internal/screenshot"
	"github.com/JakeFAU/flowlens/internal/similarity"
	"github.com/JakeFAU/flowlens/internal/storage/gcs"
)

// App holds the shared, long-lived services built from one Config.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	cache       *cache.Layer
	data        *dataset.Provider
	screenshots *screenshot.Service
	pipeline    *similarity.Pipeline
	closers     []func()
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Data returns the dataset and template provider.
func (a *App) Data() *dataset.Provider { return a.data }

// Screenshots returns the screenshot service.
func (a *App) Screenshots() *screenshot.Service { return a.screenshots }

// Pipeline returns the similarity pipeline.
func (a *App) Pipeline() *similarity.Pipeline { return a.pipeline }

// New initializes every service. Optional capabilities (headless browser, OCR, scoring
// credentials) degrade with a warning; the cache backend and object storage fail fast.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	clock := system.New()

	backend, err := a.newCacheBackend(ctx, clock)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cache = cache.New(backend, cfg.Cache.TTL, logging.Component(logger, "cache"))
	a.closers = append(a.closers, cache.StartPurging(backend, cfg.Cache.PurgeInterval, logging.Component(logger, "cache")))

	opts := []dataset.OpenerOption{dataset.WithUserAgent(cfg.HTTP.UserAgent)}
	if isGCS(cfg.Data.CSVSource) || isGCS(cfg.Data.TemplatesSource) {
		objects, err := gcs.NewFromEnv(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize object storage: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := objects.Close(); err != nil {
				logger.Warn("error closing gcs client", zap.Error(err))
			}
		})
		opts = append(opts, dataset.WithObjects(objects))
	}
	loader := dataset.NewLoader(dataset.NewOpener(opts...), logging.Component(logger, "dataset"), clock)
	a.data = dataset.NewProvider(loader, cfg.Data.CSVSource, cfg.Data.TemplatesSource, cfg.Data.Refresh)

	a.screenshots = screenshot.New(screenshot.Config{
		BaseURL:       cfg.Screenshot.BaseURL,
		APIKey:        cfg.Screenshot.APIKey,
		RefererDomain: cfg.Screenshot.RefererDomain,
		Timeout:       time.Duration(cfg.Screenshot.TimeoutSeconds) * time.Second,
	}, &http.Client{Timeout: time.Duration(cfg.Screenshot.TimeoutSeconds) * time.Second},
		a.cache, logging.Component(logger, "screenshot"))

	recognizer, ocrErr := ocr.New(ocr.Config{
		Binary:   cfg.OCR.Binary,
		Language: cfg.OCR.Language,
		Timeout:  time.Duration(cfg.Screenshot.TimeoutSeconds) * time.Second,
	}, logging.Component(logger, "ocr"))
	if ocrErr != nil {
		logger.Warn("ocr unavailable, 403 pages will have no text", zap.Error(ocrErr))
		recognizer = nil
	}

	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Similarity.RequestsPerSec, DefaultBurst: 1})
	scorer := similarity.NewScorer(similarity.Config{
		BaseURL:     cfg.Similarity.BaseURL,
		APIKey:      cfg.Similarity.APIKey,
		Model:       cfg.Similarity.Model,
		Temperature: cfg.Similarity.Temperature,
		MaxTokens:   cfg.Similarity.MaxTokens,
		Timeout:     time.Duration(cfg.Similarity.TimeoutSeconds) * time.Second,
	}, limiter, logging.Component(logger, "similarity"))

	deps := similarity.Deps{
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.HTTP.UserAgent,
			Timeout:   cfg.FetchTimeout(),
		}, logging.Component(logger, "fetcher")),
		Screenshots: a.screenshots,
		OCR:         recognizer,
		Scorer:      scorer,
		Cache:       a.cache,
		Logger:      logging.Component(logger, "pipeline"),
	}
	if cfg.Headless.Enabled {
		deps.Renderer = a.newRenderer()
		deps.Promoter = detector.NewHeuristic(cfg.Headless.PromotionThresh, 0)
	}
	a.pipeline = similarity.NewPipeline(deps, similarity.Options{
		SerpBaseURL:  cfg.Data.SerpBaseURL,
		Device:       cfg.Device(cfg.Screenshot.OCRDevice),
		MaxTextRunes: cfg.HTTP.MaxTextRunes,
	})

	logger.Info("application services initialized",
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Duration("cache_ttl", cfg.Cache.TTL),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Bool("ocr", recognizer != nil),
	)
	return a, nil
}

func (a *App) newCacheBackend(ctx context.Context, clock flow.Clock) (flow.Cache, error) {
	cfg := a.cfg.Cache
	switch cfg.Backend {
	case config.CacheMemory, "":
		a.logger.Info("using in-memory cache")
		return memory.New(clock), nil
	case config.CacheRedis:
		a.logger.Info("connecting to redis cache", zap.String("addr", cfg.Redis.Addr))
		store, err := redis.New(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis cache: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := store.Close(); err != nil {
				a.logger.Warn("error closing redis cache", zap.Error(err))
			}
		})
		return store, nil
	case config.CachePostgres:
		a.logger.Info("connecting to postgres cache", zap.String("table", cfg.DB.Table))
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres cache: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare postgres cache: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
}

// newRenderer starts chromedp. When the browser cannot start, 403 stages stay
// unavailable instead of falling through to paid screenshots.
func (a *App) newRenderer() flow.Renderer {
	r, err := headless.NewChromedp(headless.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
	}, logging.Component(a.logger, "headless"))
	if err != nil {
		a.logger.Warn("headless renderer init failed", zap.Error(err))
		return headless.NewNoop()
	}
	a.closers = append(a.closers, r.Close)
	return r
}

// Close shuts down all services in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}

func isGCS(source string) bool {
	return strings.HasPrefix(source, gcs.Scheme)
}
