package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ResourceType is the closed set of media kinds a resource can have.
// Values include ResourceTypeImage and ResourceTypeVideo.
type ResourceType string

const (
	ResourceTypeImage ResourceType = "image"
	ResourceTypeVideo ResourceType = "video"
)

// ResourceTypes returns every supported resource type in seed order.
func ResourceTypes() []ResourceType {
	return []ResourceType{ResourceTypeImage, ResourceTypeVideo}
}

// ResourceTypeFromContentType maps an upload content type onto a ResourceType.
// Parameters:
//   - contentType: MIME type such as "image/png" or "video/mp4".
//
// Returns:
//   - ResourceType: the matching resource type.
//   - error: ErrUnsupportedMediaType for anything that is not image/* or video/*.
func ResourceTypeFromContentType(contentType string) (ResourceType, error) {
	major, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), "/")
	switch major {
	case "image":
		return ResourceTypeImage, nil
	case "video":
		return ResourceTypeVideo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMediaType, contentType)
	}
}

// ContentTypeForFile guesses an upload content type from the file extension.
// Unknown extensions map to application/octet-stream, which ingestion rejects.
func ContentTypeForFile(name string) string {
	switch strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".") {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "mp4", "m4v":
		return "video/mp4"
	case "webm":
		return "video/webm"
	case "mov":
		return "video/quicktime"
	default:
		return "application/octet-stream"
	}
}

// MediaType returns the content type used when serving a stored resource.
func (t ResourceType) MediaType() string {
	switch t {
	case ResourceTypeVideo:
		return "video/mp4"
	default:
		return "image/png"
	}
}

// Valid reports whether t is one of the known resource types.
func (t ResourceType) Valid() bool {
	return t == ResourceTypeImage || t == ResourceTypeVideo
}

// ResourceTypeRecord is the seeded lookup row for a ResourceType.
type ResourceTypeRecord struct {
	ID   uint         `gorm:"primaryKey" json:"id"`
	Type ResourceType `gorm:"type:text;not null;uniqueIndex:idx_resource_types_type" json:"type"`
}

// TableName returns the database table name for ResourceTypeRecord.
func (ResourceTypeRecord) TableName() string {
	return "resource_types"
}

// IDArray stores an ordered list of identifiers as JSON in the database.
type IDArray []uint

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the slice.
//   - error: non-nil if marshaling fails.
func (a IDArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
//
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (a *IDArray) Scan(value interface{}) error {
	if value == nil {
		*a = IDArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan IDArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// Resource is a catalogued media asset. Rows are created once and never updated by ingestion.
type Resource struct {
	ID             uint                `gorm:"primaryKey" json:"id"`
	ResourceTypeID uint                `gorm:"not null;index:idx_resources_type" json:"-"`
	Type           *ResourceTypeRecord `gorm:"foreignKey:ResourceTypeID" json:"resource_type,omitempty"`
	Name           string              `gorm:"type:text;not null" json:"name"`
	ContentHash    string              `gorm:"type:text;uniqueIndex:idx_resources_content_hash" json:"content_hash"`
	KeywordIDs     IDArray             `gorm:"column:keyword_ids;type:text" json:"keyword_ids"`
	Width          int                 `json:"width,omitempty"`
	Height         int                 `json:"height,omitempty"`
	FileSize       int64               `json:"file_size"`
	CreatedAt      time.Time           `json:"created_at"`
}

// TableName returns the database table name for Resource.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Resource) TableName() string {
	return "resources"
}

// ResourceKind returns the resource type, or an empty value when the lookup row was not loaded.
func (r *Resource) ResourceKind() ResourceType {
	if r.Type == nil {
		return ""
	}
	return r.Type.Type
}

// ResourceKeyword links a resource to one keyword at a position in its keyword list.
// It mirrors Resource.KeywordIDs so keyword-based retrieval can be answered in SQL.
type ResourceKeyword struct {
	ResourceID uint `gorm:"primaryKey;autoIncrement:false" json:"resource_id"`
	Position   int  `gorm:"primaryKey;autoIncrement:false" json:"position"`
	KeywordID  uint `gorm:"not null;index:idx_resource_keywords_keyword" json:"keyword_id"`
}

// TableName returns the database table name for ResourceKeyword.
func (ResourceKeyword) TableName() string {
	return "resource_keywords"
}
