package domain

import "time"

// KeywordCategory is part of the seed vocabulary; keywords may only reference existing categories.
type KeywordCategory struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"column:category_name;type:text;not null;uniqueIndex:idx_keyword_categories_name" json:"category_name"`
}

// TableName returns the database table name for KeywordCategory.
func (KeywordCategory) TableName() string {
	return "keyword_categories"
}

// Keyword is a normalized descriptive token shared across resources.
// The (category_id, word) pair is unique so concurrent creators converge on one row.
type Keyword struct {
	ID         uint             `gorm:"primaryKey" json:"id"`
	CategoryID uint             `gorm:"not null;uniqueIndex:idx_keywords_category_word" json:"category_id"`
	Word       string           `gorm:"type:text;not null;uniqueIndex:idx_keywords_category_word" json:"word"`
	Category   *KeywordCategory `gorm:"foreignKey:CategoryID" json:"category,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// TableName returns the database table name for Keyword.
func (Keyword) TableName() string {
	return "keywords"
}

// ExtractedKeyword is one keyword produced by the feature extractor for an upload.
type ExtractedKeyword struct {
	Word     string `json:"word"`
	Category string `json:"category"`
}
