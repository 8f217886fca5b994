package repository

import (
	"context"
	"fmt"

	"github.com/timmy/xbutler/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/dbresolver"
)

// KeywordRepository handles keyword entities and their categories.
type KeywordRepository struct {
	db *gorm.DB
}

// NewKeywordRepository creates a new KeywordRepository.
func NewKeywordRepository(db *gorm.DB) *KeywordRepository {
	return &KeywordRepository{db: db}
}

// LookupCategory finds a keyword category by name.
// Returns domain.ErrNotFound when the category was never seeded.
func (r *KeywordRepository) LookupCategory(ctx context.Context, name string) (*domain.KeywordCategory, error) {
	var cat domain.KeywordCategory
	err := r.db.WithContext(ctx).Clauses(dbresolver.Read).Where("category_name = ?", name).First(&cat).Error
	if err := readErr(fmt.Sprintf("lookup category %q", name), err); err != nil {
		return nil, err
	}
	return &cat, nil
}

// ListCategories returns every seeded category ordered by id.
func (r *KeywordRepository) ListCategories(ctx context.Context) ([]domain.KeywordCategory, error) {
	var cats []domain.KeywordCategory
	if err := r.db.WithContext(ctx).Clauses(dbresolver.Read).Order("id").Find(&cats).Error; err != nil {
		return nil, readErr("list categories", err)
	}
	return cats, nil
}

// InsertKeyword creates the (categoryID, word) keyword unless it already exists.
// The insert and the existence check are one statement, so concurrent callers converge on one row.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - categoryID: id of an existing category.
//   - word: normalized keyword text.
//
// Returns:
//   - *domain.Keyword: the created or existing row.
//   - bool: true only when this call created the row.
//   - error: non-nil if the insert or read-back fails.
func (r *KeywordRepository) InsertKeyword(ctx context.Context, categoryID uint, word string) (*domain.Keyword, bool, error) {
	kw := domain.Keyword{CategoryID: categoryID, Word: word}
	res := r.db.WithContext(ctx).Clauses(dbresolver.Write).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "category_id"}, {Name: "word"}},
			DoNothing: true,
		}).
		Omit("Category").
		Create(&kw)
	if res.Error != nil {
		return nil, false, fmt.Errorf("insert keyword %q: %w", word, res.Error)
	}
	if res.RowsAffected == 1 && kw.ID != 0 {
		return &kw, true, nil
	}

	var existing domain.Keyword
	err := r.db.WithContext(ctx).Clauses(dbresolver.Write).
		Where("category_id = ? AND word = ?", categoryID, word).
		First(&existing).Error
	if err := readErr(fmt.Sprintf("read back keyword %q", word), err); err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// GetByID retrieves a keyword with its category.
func (r *KeywordRepository) GetByID(ctx context.Context, id uint) (*domain.Keyword, error) {
	var kw domain.Keyword
	err := r.db.WithContext(ctx).Clauses(dbresolver.Read).Preload("Category").First(&kw, id).Error
	if err := readErr(fmt.Sprintf("get keyword %d", id), err); err != nil {
		return nil, err
	}
	return &kw, nil
}

// GetByIDs retrieves keywords by id; missing ids are skipped.
func (r *KeywordRepository) GetByIDs(ctx context.Context, ids []uint) ([]domain.Keyword, error) {
	kws := []domain.Keyword{}
	if len(ids) == 0 {
		return kws, nil
	}
	if err := r.db.WithContext(ctx).Clauses(dbresolver.Read).Preload("Category").Find(&kws, ids).Error; err != nil {
		return nil, readErr("get keywords", err)
	}
	return kws, nil
}

// Delete removes a keyword. Used when its embedding could not be stored.
func (r *KeywordRepository) Delete(ctx context.Context, id uint) error {
	if err := r.db.WithContext(ctx).Clauses(dbresolver.Write).Delete(&domain.Keyword{}, id).Error; err != nil {
		return fmt.Errorf("delete keyword %d: %w", id, err)
	}
	return nil
}
