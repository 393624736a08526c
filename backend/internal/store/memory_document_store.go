package store

import (
	"context"
	"sync"
	"time"
)

// MemoryDocumentStore 单机调试和测试用
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string]Document
	now  func() time.Time
}

var _ DocumentStore = (*MemoryDocumentStore)(nil)

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]Document), now: time.Now}
}

func (s *MemoryDocumentStore) Create(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	s.docs[doc.ID] = doc
	return nil
}

func (s *MemoryDocumentStore) Get(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (s *MemoryDocumentStore) Upsert(ctx context.Context, id string, patch Patch) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		doc = NewDocument(id)
		doc.CreatedAt = s.now()
		doc.UpdatedAt = doc.CreatedAt
		patch.Apply(&doc)
		doc.Version = 1
		s.docs[id] = doc
		return doc, nil
	}
	if patch.Apply(&doc) {
		doc.Version++
		doc.UpdatedAt = s.now()
		s.docs[id] = doc
	}
	return doc, nil
}
