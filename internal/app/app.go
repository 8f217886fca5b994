package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/xbutler/internal/api/handler"
	"github.com/timmy/xbutler/internal/config"
	"github.com/timmy/xbutler/internal/logger"
	"github.com/timmy/xbutler/internal/prompts"
	"github.com/timmy/xbutler/internal/repository"
	"github.com/timmy/xbutler/internal/service"
	"github.com/timmy/xbutler/internal/source"
	"github.com/timmy/xbutler/internal/source/localdir"
	"github.com/timmy/xbutler/internal/storage"
	"gorm.io/gorm"
)

var (
	_ service.ResourceStore = (*repository.ResourceRepository)(nil)
	_ service.KeywordRanker = (*repository.ResourceRepository)(nil)
	_ service.KeywordStore  = (*repository.KeywordRepository)(nil)
	_ service.JobStore      = (*repository.JobRepository)(nil)
	_ service.VectorIndex   = (*repository.QdrantIndex)(nil)
	_ service.VectorIndex   = (*repository.ChromemIndex)(nil)
)

// App is the wired pipeline shared by the API server and the ingest CLI.
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Prompts   *prompts.Set
	Resources *repository.ResourceRepository
	Keywords  *repository.KeywordRepository
	Engine    *service.DedupEngine
	Ingest    *service.IngestService
	Retrieval *service.RetrievalService
	Sources   map[string]source.Source
	Health    map[string]handler.HealthCheck

	closers []func() error
}

// New opens every store named in cfg and wires the services on top of them.
// The caller owns the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.GetDefault()
	}
	a := &App{
		Config:  cfg,
		Sources: make(map[string]source.Source, len(cfg.Ingest.Sources)),
		Health:  make(map[string]handler.HealthCheck),
	}
	if err := a.build(ctx, log); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, log *logger.Logger) error {
	cfg := a.Config

	set, err := loadPrompts(cfg.VLM.PromptsPath)
	if err != nil {
		return err
	}
	a.Prompts = set

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	a.DB = db
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	a.closers = append(a.closers, sqlDB.Close)
	a.Health["database"] = sqlDB.PingContext

	if cfg.Database.Seed {
		if err := repository.SeedVocabulary(ctx, db, set.Categories()); err != nil {
			return fmt.Errorf("seed vocabulary: %w", err)
		}
	}

	resIndex, kwIndex, err := a.openIndexes(ctx, log)
	if err != nil {
		return err
	}

	blobs, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if b, ok := blobs.(interface{ EnsureBucket(context.Context) error }); ok {
		if err := b.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
	}

	embedding, err := service.NewEmbeddingService(&cfg.Embedding)
	if err != nil {
		return fmt.Errorf("init embedding: %w", err)
	}
	extractor := service.NewModelExtractor(service.NewVLMService(&cfg.VLM, set), embedding)

	a.Resources = repository.NewResourceRepository(db)
	a.Keywords = repository.NewKeywordRepository(db)
	jobs := repository.NewJobRepository(db)

	a.Engine = service.NewDedupEngine(
		extractor, a.Resources, a.Keywords, blobs, resIndex, kwIndex, jobs, log,
		&service.DedupConfig{Threshold: cfg.Ingest.MatchThreshold},
	)
	a.Ingest = service.NewIngestService(a.Engine, jobs, log, &service.IngestConfig{
		Workers:   cfg.Ingest.Workers,
		QueueSize: cfg.Ingest.QueueSize,
	})
	a.Retrieval = service.NewRetrievalService(
		extractor, a.Resources, a.Resources, resIndex, blobs, log,
		&service.RetrievalConfig{DefaultTopK: cfg.Retrieval.DefaultTopK, MaxTopK: cfg.Retrieval.MaxTopK},
	)

	for name, dir := range cfg.Ingest.Sources {
		a.Sources[name] = localdir.NewAdapter(dir)
	}

	log.WithFields(logger.Fields{
		"vector_index": cfg.VectorIndex.Provider,
		"storage":      cfg.Storage.Type,
		"embedding":    embedding.GetModel(),
		"threshold":    a.Engine.Threshold(),
		"sources":      len(a.Sources),
	}).Info("Pipeline initialized")
	return nil
}

func (a *App) openIndexes(ctx context.Context, log *logger.Logger) (service.VectorIndex, service.VectorIndex, error) {
	vc := a.Config.VectorIndex
	dim := a.Config.Embedding.Dimensions

	switch vc.Provider {
	case "chromem":
		store, err := repository.NewChromemStore(vc.ChromemPath, vc.ChromemCompress)
		if err != nil {
			return nil, nil, err
		}
		resIndex, err := store.Index(vc.ResourceCollection, repository.PayloadResourceID, dim)
		if err != nil {
			return nil, nil, err
		}
		kwIndex, err := store.Index(vc.KeywordCollection, repository.PayloadKeywordID, dim)
		if err != nil {
			return nil, nil, err
		}
		return resIndex, kwIndex, nil

	default:
		client, err := repository.NewQdrantClient(&repository.QdrantConnectionConfig{
			Host:   vc.Host,
			Port:   vc.Port,
			APIKey: vc.APIKey,
			UseTLS: vc.UseTLS,
		})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, client.Close)

		resIndex := client.Index(vc.ResourceCollection, repository.PayloadResourceID, dim)
		kwIndex := client.Index(vc.KeywordCollection, repository.PayloadKeywordID, dim)
		for _, idx := range []*repository.QdrantIndex{resIndex, kwIndex} {
			if err := idx.EnsureCollection(ctx); err != nil {
				return nil, nil, fmt.Errorf("ensure collection %s: %w", idx.Name(), err)
			}
		}
		a.Health["vector_index"] = client.HealthCheck
		log.Infof("Qdrant collections ready at %s:%d", vc.Host, vc.Port)
		return resIndex, kwIndex, nil
	}
}

func loadPrompts(path string) (*prompts.Set, error) {
	if path == "" {
		return prompts.Default()
	}
	set, err := prompts.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	return set, nil
}

// Close releases every store connection opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
