package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/xbutler/internal/domain"
	"github.com/timmy/xbutler/internal/logger"
	"github.com/timmy/xbutler/internal/repository"
	"github.com/timmy/xbutler/internal/storage"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// VectorIndex is one cosine collection whose points carry a relational id as payload.
type VectorIndex interface {
	Name() string
	Search(ctx context.Context, vector []float32, topK int) ([]domain.Match, error)
	Insert(ctx context.Context, payloadID uint, vector []float32) (string, error)
	Delete(ctx context.Context, pointID string) error
}

// ResourceStore persists resources. Reads return domain.ErrNotFound or domain.ErrStoreUnavailable.
type ResourceStore interface {
	Create(ctx context.Context, res *domain.Resource) error
	GetByID(ctx context.Context, id uint) (*domain.Resource, error)
	GetByContentHash(ctx context.Context, hash string) (*domain.Resource, error)
	Delete(ctx context.Context, id uint) error
	LookupResourceType(ctx context.Context, t domain.ResourceType) (*domain.ResourceTypeRecord, error)
}

// KeywordStore persists keyword entities.
type KeywordStore interface {
	LookupCategory(ctx context.Context, name string) (*domain.KeywordCategory, error)
	InsertKeyword(ctx context.Context, categoryID uint, word string) (*domain.Keyword, bool, error)
	Delete(ctx context.Context, id uint) error
}

// StageRecorder receives the write-ahead progress of an ingest job.
type StageRecorder interface {
	MarkRunning(ctx context.Context, id, contentHash string) error
	SetStage(ctx context.Context, id string, stage domain.JobStage) error
}

// Upload is one piece of media to ingest.
type Upload struct {
	JobID       string
	Filename    string
	ContentType string
	Data        []byte
}

// IngestResult reports the outcome of one ingestion.
// On the duplicate path ResourceID is the matched resource and nothing was written.
type IngestResult struct {
	ResourceID    uint
	Duplicate     bool
	Similarity    float32
	KeywordIDs    []uint
	NewKeywordIDs []uint
	ContentHash   string
}

// DedupConfig holds configuration for the deduplication engine.
type DedupConfig struct {
	Threshold float32
}

// DedupEngine decides whether an upload is a near-duplicate of a catalogued resource and,
// when it is not, commits the blob, keywords, resource and embeddings in a fixed order.
type DedupEngine struct {
	extractor FeatureExtractor
	resources ResourceStore
	keywords  KeywordStore
	blobs     storage.ObjectStorage
	resIndex  VectorIndex
	kwIndex   VectorIndex
	stages    StageRecorder
	metrics   *Metrics
	logger    *logger.Logger
	threshold float32
	inflight  singleflight.Group
}

// NewDedupEngine creates a new deduplication engine.
// stages may be nil, in which case job progress is not recorded.
func NewDedupEngine(
	extractor FeatureExtractor,
	resources ResourceStore,
	keywords KeywordStore,
	blobs storage.ObjectStorage,
	resIndex VectorIndex,
	kwIndex VectorIndex,
	stages StageRecorder,
	log *logger.Logger,
	cfg *DedupConfig,
) *DedupEngine {
	threshold := domain.DefaultMatchThreshold
	if cfg != nil && cfg.Threshold > 0 && cfg.Threshold <= 1 {
		threshold = cfg.Threshold
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &DedupEngine{
		extractor: extractor,
		resources: resources,
		keywords:  keywords,
		blobs:     blobs,
		resIndex:  resIndex,
		kwIndex:   kwIndex,
		stages:    stages,
		metrics:   NewMetrics(),
		logger:    log,
		threshold: threshold,
	}
}

// Threshold returns the inclusive similarity bound used for every match decision.
func (e *DedupEngine) Threshold() float32 {
	return e.threshold
}

func (e *DedupEngine) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return e.logger
}

// Validate checks an upload without touching any store.
func Validate(up *Upload) (domain.ResourceType, error) {
	if len(up.Data) == 0 {
		return "", fmt.Errorf("%w: empty upload", domain.ErrInvalidInput)
	}
	kind, err := domain.ResourceTypeFromContentType(up.ContentType)
	if err != nil {
		return "", err
	}
	if _, err := storage.PartitionKey(up.Filename); err != nil {
		return "", err
	}
	return kind, nil
}

// Ingest runs the pipeline for one upload.
// Parameters:
//   - ctx: context for the whole run; callers detach it from request lifetimes.
//   - up: media bytes, logical filename and content type.
//
// Returns:
//   - *IngestResult: the created resource, or the matched one when Duplicate is set.
//   - error: ErrInvalidInput or ErrUnsupportedMediaType before any work, ErrExtractionFailure
//     before any write, ErrStoreUnavailable when a lookup cannot be answered, and
//     ErrPartialCommit after a failed write whose predecessors were compensated.
func (e *DedupEngine) Ingest(ctx context.Context, up *Upload) (*IngestResult, error) {
	start := time.Now()
	kind, err := Validate(up)
	if err != nil {
		e.metrics.IngestTotal.WithLabelValues(OutcomeRejected).Inc()
		return nil, err
	}

	hash := contentHash(up.Data)
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldContentHash: hash,
		logger.FieldFilename:    up.Filename,
	})

	// Identical bytes in flight are gated on one leader; followers see its resource as a duplicate.
	ran := false
	v, err, shared := e.inflight.Do(hash, func() (interface{}, error) {
		ran = true
		return e.ingest(ctx, up, kind, hash)
	})

	e.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.IngestTotal.WithLabelValues(OutcomeFailed).Inc()
		return nil, err
	}
	res := v.(*IngestResult)
	if shared && !ran && !res.Duplicate {
		follower := &IngestResult{
			ResourceID:  res.ResourceID,
			Duplicate:   true,
			Similarity:  1,
			KeywordIDs:  res.KeywordIDs,
			ContentHash: hash,
		}
		if e.stages != nil && up.JobID != "" {
			_ = e.stages.MarkRunning(ctx, up.JobID, hash)
		}
		res = follower
	}

	if res.Duplicate {
		e.metrics.IngestTotal.WithLabelValues(OutcomeDuplicate).Inc()
	} else {
		e.metrics.IngestTotal.WithLabelValues(OutcomeCreated).Inc()
	}
	e.log(ctx).WithFields(logger.Fields{
		logger.FieldResourceID: res.ResourceID,
		"duplicate":            res.Duplicate,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info("Ingestion finished")
	return res, nil
}

func (e *DedupEngine) ingest(ctx context.Context, up *Upload, kind domain.ResourceType, hash string) (*IngestResult, error) {
	if e.stages != nil && up.JobID != "" {
		if err := e.stages.MarkRunning(ctx, up.JobID, hash); err != nil {
			e.log(ctx).WithError(err).Warn("Failed to mark job running")
		}
	}

	// Exact bytes already catalogued: no model calls needed.
	existing, err := e.resources.GetByContentHash(ctx, hash)
	switch {
	case err == nil:
		return &IngestResult{
			ResourceID:  existing.ID,
			Duplicate:   true,
			Similarity:  1,
			KeywordIDs:  existing.KeywordIDs,
			ContentHash: hash,
		}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("check content hash: %w", err)
	}

	keywords, textVecs, imageVec, err := e.extract(ctx, up)
	if err != nil {
		return nil, err
	}

	e.stage(ctx, up.JobID, domain.JobStageMatching)
	matches, err := e.resIndex.Search(ctx, imageVec, domain.MatchTopK)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w: %w", e.resIndex.Name(), domain.ErrStoreUnavailable, err)
	}
	if top, ok := domain.TopMatch(matches, e.threshold); ok {
		e.log(ctx).WithFields(logger.Fields{
			logger.FieldResourceID: top.PayloadID,
			logger.FieldSimilarity: top.Similarity,
		}).Info("Upload matches an existing resource")
		return &IngestResult{
			ResourceID:  top.PayloadID,
			Duplicate:   true,
			Similarity:  top.Similarity,
			ContentHash: hash,
		}, nil
	}

	resolved, err := e.resolveKeywords(ctx, textVecs)
	if err != nil {
		return nil, err
	}

	return e.commit(ctx, up, kind, hash, keywords, textVecs, resolved, imageVec)
}

// extract runs keyword extraction and image embedding concurrently; nothing is written yet.
func (e *DedupEngine) extract(ctx context.Context, up *Upload) ([]domain.ExtractedKeyword, [][]float32, []float32, error) {
	e.stage(ctx, up.JobID, domain.JobStageExtracting)

	var (
		keywords []domain.ExtractedKeyword
		textVecs [][]float32
		imageVec []float32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		kws, err := e.extractor.ExtractKeywords(gctx, up.Data, up.ContentType)
		if err != nil {
			return err
		}
		texts := make([]string, len(kws))
		for i, kw := range kws {
			texts[i] = kw.Word
		}
		vecs, err := e.extractor.EmbedText(gctx, texts)
		if err != nil {
			return err
		}
		if len(vecs) != len(kws) {
			return fmt.Errorf("got %d keyword embeddings for %d keywords", len(vecs), len(kws))
		}
		keywords, textVecs = kws, vecs
		return nil
	})
	g.Go(func() error {
		vec, err := e.extractor.EmbedImage(gctx, up.Data, up.ContentType)
		if err != nil {
			return err
		}
		imageVec = vec
		return nil
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, domain.ErrExtractionFailure) {
			return nil, nil, nil, err
		}
		return nil, nil, nil, fmt.Errorf("%w: %w", domain.ErrExtractionFailure, err)
	}

	e.log(ctx).WithField(logger.FieldCount, len(keywords)).Debug("Features extracted")
	return keywords, textVecs, imageVec, nil
}

// keywordResolution is the rank-1 decision for one extracted keyword.
type keywordResolution struct {
	matched   bool
	keywordID uint
}

// resolveKeywords searches the keyword index once per vector, in parallel, keeping input order.
func (e *DedupEngine) resolveKeywords(ctx context.Context, vecs [][]float32) ([]keywordResolution, error) {
	out := make([]keywordResolution, len(vecs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, vec := range vecs {
		g.Go(func() error {
			matches, err := e.kwIndex.Search(gctx, vec, domain.MatchTopK)
			if err != nil {
				return fmt.Errorf("search %s: %w: %w", e.kwIndex.Name(), domain.ErrStoreUnavailable, err)
			}
			if top, ok := domain.TopMatch(matches, e.threshold); ok {
				out[i] = keywordResolution{matched: true, keywordID: top.PayloadID}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// compensation is an undo log replayed newest first when a later write fails.
type compensation struct {
	steps []compensationStep
}

type compensationStep struct {
	name string
	undo func(context.Context) error
}

func (c *compensation) push(name string, undo func(context.Context) error) {
	c.steps = append(c.steps, compensationStep{name: name, undo: undo})
}

// drop forgets the named step so rollback leaves that write in place.
func (c *compensation) drop(name string) {
	kept := c.steps[:0]
	for _, step := range c.steps {
		if step.name != name {
			kept = append(kept, step)
		}
	}
	c.steps = kept
}

func (e *DedupEngine) rollback(ctx context.Context, c *compensation) {
	for i := len(c.steps) - 1; i >= 0; i-- {
		step := c.steps[i]
		if err := step.undo(ctx); err != nil {
			e.metrics.RollbacksTotal.WithLabelValues("failed").Inc()
			e.log(ctx).WithField(logger.FieldStage, step.name).WithError(err).Error("Failed to roll back write")
			continue
		}
		e.metrics.RollbacksTotal.WithLabelValues("ok").Inc()
	}
}

// commit performs the writes in dependency order: blob, keywords, resource row, resource embedding.
func (e *DedupEngine) commit(
	ctx context.Context,
	up *Upload,
	kind domain.ResourceType,
	hash string,
	keywords []domain.ExtractedKeyword,
	textVecs [][]float32,
	resolved []keywordResolution,
	imageVec []float32,
) (*IngestResult, error) {
	undo := &compensation{}
	fail := func(stage domain.JobStage, err error) (*IngestResult, error) {
		e.rollback(ctx, undo)
		return nil, fmt.Errorf("%w at %s: %w", domain.ErrPartialCommit, stage, err)
	}

	// 1. blob
	existed, err := e.blobs.Exists(ctx, up.Filename)
	if err != nil {
		return fail(domain.JobStageMatching, fmt.Errorf("check blob: %w", err))
	}
	if err := e.blobs.Upload(ctx, up.Filename, bytes.NewReader(up.Data), int64(len(up.Data)), up.ContentType); err != nil {
		return fail(domain.JobStageMatching, fmt.Errorf("upload blob: %w", err))
	}
	if !existed {
		undo.push("blob", func(ctx context.Context) error {
			return e.blobs.Delete(ctx, up.Filename)
		})
	}
	e.stage(ctx, up.JobID, domain.JobStageBlobWritten)

	// 2. keywords
	keywordIDs := make([]uint, len(keywords))
	var created []uint
	for i, kw := range keywords {
		if resolved[i].matched {
			keywordIDs[i] = resolved[i].keywordID
			e.metrics.KeywordsTotal.WithLabelValues("matched").Inc()
			e.log(ctx).WithFields(logger.Fields{
				logger.FieldKeywordID: resolved[i].keywordID,
				"word":                kw.Word,
			}).Debug("Keyword resolved to existing entity")
			continue
		}
		id, isNew, err := e.createKeyword(ctx, kw, textVecs[i])
		if err != nil {
			return fail(domain.JobStageBlobWritten, err)
		}
		keywordIDs[i] = id
		if isNew {
			created = append(created, id)
			e.metrics.KeywordsTotal.WithLabelValues("created").Inc()
		} else {
			e.metrics.KeywordsTotal.WithLabelValues("reused").Inc()
		}
	}
	e.stage(ctx, up.JobID, domain.JobStageKeywordsWritten)

	// 3. resource row
	typeRecord, err := e.resources.LookupResourceType(ctx, kind)
	if err != nil {
		return fail(domain.JobStageKeywordsWritten, seedLookupErr("resource type "+string(kind), err))
	}
	res := &domain.Resource{
		ResourceTypeID: typeRecord.ID,
		Name:           up.Filename,
		ContentHash:    hash,
		KeywordIDs:     keywordIDs,
		FileSize:       int64(len(up.Data)),
	}
	if kind == domain.ResourceTypeImage {
		if w, h, err := getImageDimensions(up.Data); err == nil {
			res.Width, res.Height = w, h
		} else {
			e.log(ctx).WithError(err).Debug("Failed to get image dimensions")
		}
	}
	if err := e.resources.Create(ctx, res); err != nil {
		if errors.Is(err, repository.ErrDuplicateContent) {
			// Another writer committed the same bytes first.
			return e.yieldToWinner(ctx, up, hash, undo)
		}
		return fail(domain.JobStageKeywordsWritten, fmt.Errorf("create resource: %w", err))
	}
	undo.push("resource", func(ctx context.Context) error {
		return e.resources.Delete(ctx, res.ID)
	})
	e.stage(ctx, up.JobID, domain.JobStageResourceWritten)

	// 4. resource embedding
	if _, err := e.resIndex.Insert(ctx, res.ID, imageVec); err != nil {
		return fail(domain.JobStageResourceWritten, fmt.Errorf("insert resource embedding: %w", err))
	}
	e.stage(ctx, up.JobID, domain.JobStageDone)

	return &IngestResult{
		ResourceID:    res.ID,
		KeywordIDs:    keywordIDs,
		NewKeywordIDs: created,
		ContentHash:   hash,
	}, nil
}

// createKeyword inserts an unresolved keyword and, only when this call created the row, its embedding.
// A row whose embedding cannot be written is removed so no keyword exists without its vector.
func (e *DedupEngine) createKeyword(ctx context.Context, kw domain.ExtractedKeyword, vec []float32) (uint, bool, error) {
	category, err := e.keywords.LookupCategory(ctx, kw.Category)
	if err != nil {
		return 0, false, seedLookupErr("keyword category "+kw.Category, err)
	}
	row, isNew, err := e.keywords.InsertKeyword(ctx, category.ID, kw.Word)
	if err != nil {
		return 0, false, fmt.Errorf("insert keyword %q: %w", kw.Word, err)
	}
	if !isNew {
		return row.ID, false, nil
	}
	if _, err := e.kwIndex.Insert(ctx, row.ID, vec); err != nil {
		if delErr := e.keywords.Delete(ctx, row.ID); delErr != nil {
			e.metrics.RollbacksTotal.WithLabelValues("failed").Inc()
			e.log(ctx).WithField(logger.FieldKeywordID, row.ID).WithError(delErr).Error("Failed to roll back keyword row")
		} else {
			e.metrics.RollbacksTotal.WithLabelValues("ok").Inc()
		}
		return 0, false, fmt.Errorf("insert keyword embedding %q: %w", kw.Word, err)
	}
	e.log(ctx).WithFields(logger.Fields{
		logger.FieldKeywordID: row.ID,
		"word":                kw.Word,
		"category":            kw.Category,
	}).Debug("Keyword created")
	return row.ID, true, nil
}

// yieldToWinner undoes this run's writes after losing the content-hash race and
// reports the winner as the duplicate match. The blob is kept when the winner
// stored the same bytes under the same name, or when the winner cannot be loaded.
func (e *DedupEngine) yieldToWinner(ctx context.Context, up *Upload, hash string, undo *compensation) (*IngestResult, error) {
	winner, err := e.resources.GetByContentHash(ctx, hash)
	if err != nil || winner.Name == up.Filename {
		undo.drop("blob")
	}
	e.rollback(ctx, undo)
	if err != nil {
		return nil, fmt.Errorf("load concurrent resource: %w", err)
	}
	return &IngestResult{
		ResourceID:  winner.ID,
		Duplicate:   true,
		Similarity:  1,
		KeywordIDs:  winner.KeywordIDs,
		ContentHash: hash,
	}, nil
}

// seedLookupErr maps a not-found seed row onto ErrLookupFailure; unavailability passes through.
func seedLookupErr(what string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrLookupFailure, what)
	}
	return fmt.Errorf("lookup %s: %w", what, err)
}

func (e *DedupEngine) stage(ctx context.Context, jobID string, stage domain.JobStage) {
	if e.stages == nil || jobID == "" {
		return
	}
	if err := e.stages.SetStage(ctx, jobID, stage); err != nil {
		e.log(ctx).WithField(logger.FieldStage, stage).WithError(err).Warn("Failed to record job stage")
	}
}
