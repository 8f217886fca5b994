package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/xbutler/internal/domain"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"
)

// ErrDuplicateContent is returned by Create when another resource already has the same content hash.
var ErrDuplicateContent = errors.New("resource with this content hash already exists")

// ResourceRepository handles resource rows and their keyword links.
type ResourceRepository struct {
	db *gorm.DB
}

// NewResourceRepository creates a new ResourceRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *ResourceRepository: repository instance bound to db.
func NewResourceRepository(db *gorm.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// Create inserts a resource and one resource_keywords row per entry of res.KeywordIDs, atomically.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - res: resource to persist; ID and CreatedAt are filled in.
//
// Returns:
//   - error: ErrDuplicateContent on a content hash collision, otherwise non-nil if the insert fails.
func (r *ResourceRepository) Create(ctx context.Context, res *domain.Resource) error {
	if res.KeywordIDs == nil {
		res.KeywordIDs = domain.IDArray{}
	}
	err := r.db.WithContext(ctx).Clauses(dbresolver.Write).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Type").Create(res).Error; err != nil {
			return err
		}
		if len(res.KeywordIDs) == 0 {
			return nil
		}
		links := make([]domain.ResourceKeyword, len(res.KeywordIDs))
		for i, kid := range res.KeywordIDs {
			links[i] = domain.ResourceKeyword{ResourceID: res.ID, Position: i, KeywordID: kid}
		}
		return tx.Create(&links).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("create resource %s: %w", res.Name, ErrDuplicateContent)
	}
	if err != nil {
		return fmt.Errorf("create resource %s: %w", res.Name, err)
	}
	return nil
}

// GetByID retrieves a resource with its type loaded.
// Returns domain.ErrNotFound or domain.ErrStoreUnavailable on failure.
func (r *ResourceRepository) GetByID(ctx context.Context, id uint) (*domain.Resource, error) {
	var res domain.Resource
	err := r.db.WithContext(ctx).Clauses(dbresolver.Read).Preload("Type").First(&res, id).Error
	if err := readErr(fmt.Sprintf("get resource %d", id), err); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetByContentHash retrieves a resource by the SHA-256 of its bytes.
// Reads go to the primary so a resource committed a moment ago is always visible.
func (r *ResourceRepository) GetByContentHash(ctx context.Context, hash string) (*domain.Resource, error) {
	var res domain.Resource
	err := r.db.WithContext(ctx).Clauses(dbresolver.Write).Preload("Type").
		Where("content_hash = ?", hash).First(&res).Error
	if err := readErr("get resource by hash", err); err != nil {
		return nil, err
	}
	return &res, nil
}

// Delete removes a resource and its keyword links. Used to compensate a failed ingestion.
func (r *ResourceRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Clauses(dbresolver.Write).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("resource_id = ?", id).Delete(&domain.ResourceKeyword{}).Error; err != nil {
			return fmt.Errorf("delete keyword links of resource %d: %w", id, err)
		}
		if err := tx.Delete(&domain.Resource{}, id).Error; err != nil {
			return fmt.Errorf("delete resource %d: %w", id, err)
		}
		return nil
	})
}

// ResourceRank is one keyword-retrieval hit.
type ResourceRank struct {
	ResourceID uint  `json:"resource_id"`
	Matched    int64 `json:"matched"`
}

// RankByKeywords ranks resources by how many distinct keyword ids from keywordIDs they reference.
// Ties go to the lower resource id, i.e. the earlier-created resource.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - keywordIDs: keyword ids to match; empty yields no results.
//   - limit: maximum number of results.
//
// Returns:
//   - []ResourceRank: ranked hits.
//   - error: wraps domain.ErrStoreUnavailable if the query fails.
func (r *ResourceRepository) RankByKeywords(ctx context.Context, keywordIDs []uint, limit int) ([]ResourceRank, error) {
	ranks := []ResourceRank{}
	if len(keywordIDs) == 0 || limit <= 0 {
		return ranks, nil
	}
	err := r.db.WithContext(ctx).Clauses(dbresolver.Read).
		Model(&domain.ResourceKeyword{}).
		Select("resource_id, COUNT(DISTINCT keyword_id) AS matched").
		Where("keyword_id IN ?", keywordIDs).
		Group("resource_id").
		Order("matched DESC, resource_id ASC").
		Limit(limit).
		Scan(&ranks).Error
	if err != nil {
		return nil, readErr("rank resources by keywords", err)
	}
	return ranks, nil
}

// Count returns the number of resources.
func (r *ResourceRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Clauses(dbresolver.Read).Model(&domain.Resource{}).Count(&n).Error
	if err != nil {
		return 0, readErr("count resources", err)
	}
	return n, nil
}

// LookupResourceType returns the seeded lookup row for t.
// Returns domain.ErrNotFound when the seed vocabulary lacks t.
func (r *ResourceRepository) LookupResourceType(ctx context.Context, t domain.ResourceType) (*domain.ResourceTypeRecord, error) {
	var rec domain.ResourceTypeRecord
	err := r.db.WithContext(ctx).Clauses(dbresolver.Read).Where("type = ?", t).First(&rec).Error
	if err := readErr(fmt.Sprintf("lookup resource type %s", t), err); err != nil {
		return nil, err
	}
	return &rec, nil
}
