package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormDocumentStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ DocumentStore = (*GormDocumentStore)(nil)

func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return db, nil
}

func NewGormDocumentStore(db *gorm.DB) *GormDocumentStore {
	return &GormDocumentStore{db: db, now: time.Now}
}

func (s *GormDocumentStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Document{})
}

// Create 仅用于初始化数据和测试，创建文档的接口在 CRUD 服务里
func (s *GormDocumentStore) Create(ctx context.Context, doc Document) error {
	return s.db.WithContext(ctx).Create(&doc).Error
}

func (s *GormDocumentStore) Get(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return doc, nil
}

func (s *GormDocumentStore) Upsert(ctx context.Context, id string, patch Patch) (Document, error) {
	var out Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			doc = NewDocument(id)
			patch.Apply(&doc)
			doc.Version = 1
			if err := tx.Create(&doc).Error; err != nil {
				return err
			}
			out = doc
			return nil
		}
		if err != nil {
			return err
		}

		// 没有字段变化（重复投递）时不写库、不涨版本
		if !patch.Apply(&doc) {
			out = doc
			return nil
		}
		doc.Version++
		doc.UpdatedAt = s.now()
		cols := map[string]any{
			"title":      doc.Title,
			"content":    doc.Content,
			"language":   doc.Language,
			"theme":      doc.Theme,
			"version":    doc.Version,
			"updated_at": doc.UpdatedAt,
		}
		if err := tx.Model(&Document{}).Where("id = ?", id).Updates(cols).Error; err != nil {
			return err
		}
		out = doc
		return nil
	})
	if err != nil {
		return Document{}, fmt.Errorf("upsert document %s: %w", id, err)
	}
	return out, nil
}
