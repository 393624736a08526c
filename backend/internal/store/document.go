package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("document not found")

const (
	DefaultLanguage = "python"
	DefaultTheme    = "github"
)

// Document 持久化的文档快照。本服务只读，并按字段覆盖写。
type Document struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	Content   string    `gorm:"type:longtext" json:"content"`
	Language  string    `gorm:"type:varchar(32);not null" json:"language"`
	Theme     string    `gorm:"type:varchar(32);not null" json:"theme"`
	Version   uint64    `gorm:"not null" json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Document) TableName() string { return "documents" }

func NewDocument(id string) Document {
	return Document{ID: id, Language: DefaultLanguage, Theme: DefaultTheme}
}

// Patch 字段级覆盖，nil 表示不修改；空字符串是合法的新值
type Patch struct {
	Title    *string
	Content  *string
	Language *string
	Theme    *string
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.Content == nil && p.Language == nil && p.Theme == nil
}

// Apply 把 patch 写到 d 上，返回是否有字段真的变了。
// 覆盖而不是增量，所以同一个 patch 应用两次结果不变。
func (p Patch) Apply(d *Document) bool {
	changed := false
	set := func(dst *string, v *string) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = true
		}
	}
	set(&d.Title, p.Title)
	set(&d.Content, p.Content)
	set(&d.Language, p.Language)
	set(&d.Theme, p.Theme)
	return changed
}

// DocumentStore 持久化文档存储
type DocumentStore interface {
	// Get 文档不存在时返回 ErrNotFound
	Get(ctx context.Context, id string) (Document, error)
	// Upsert 字段级覆盖；文档不存在则按默认值创建后再覆盖
	Upsert(ctx context.Context, id string, patch Patch) (Document, error)
}
