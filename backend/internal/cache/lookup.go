package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/thesunnysinha/collabflow/backend/internal/logger"
	"github.com/thesunnysinha/collabflow/backend/internal/store"
)

const (
	BaseTTL    = 10 * time.Minute // 存在标记的基础过期时间
	Jitter     = time.Minute      // 随机抖动范围，防止缓存雪崩
	NullTTL    = 5 * time.Second  // 空值标记，文档可能刚被外部创建，不能缓存太久
	markExists = "1"
	markNull   = "-1"
)

func randomTTL() time.Duration {
	return BaseTTL + time.Duration(rand.Int64N(int64(Jitter)))
}

type DocumentGetter interface {
	Get(ctx context.Context, id string) (store.Document, error)
}

// DocumentLookup 加入房间时检查文档是否存在：
// singleflight 合并同一文档的并发回源，Redis 可选（nil 时只走 singleflight）。
type DocumentLookup struct {
	docs DocumentGetter
	rdb  redis.UniversalClient
	sf   singleflight.Group
	log  *zap.Logger
}

func NewDocumentLookup(docs DocumentGetter, rdb redis.UniversalClient, log *zap.Logger) *DocumentLookup {
	return &DocumentLookup{docs: docs, rdb: rdb, log: logger.OrNop(log)}
}

func (l *DocumentLookup) Exists(ctx context.Context, docID string) (bool, error) {
	v, err, _ := l.sf.Do(docID, func() (any, error) {
		if hit, exists := l.readCache(ctx, docID); hit {
			return exists, nil
		}
		_, err := l.docs.Get(ctx, docID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			l.writeCache(ctx, docID, markNull, NullTTL)
			return false, nil
		case err != nil:
			return false, fmt.Errorf("lookup document %s: %w", docID, err)
		}
		l.writeCache(ctx, docID, markExists, randomTTL())
		return true, nil
	})
	if err != nil {
		return false, err
	}
	exists, ok := v.(bool)
	if !ok {
		return false, errors.New("internal type error")
	}
	return exists, nil
}

// readCache Redis 出错按未命中处理，回源数据库
func (l *DocumentLookup) readCache(ctx context.Context, docID string) (hit, exists bool) {
	if l.rdb == nil {
		return false, false
	}
	res, err := l.rdb.Get(ctx, existsKey(docID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			l.log.Warn("read document cache failed", zap.String("doc_id", docID), zap.Error(err))
		}
		return false, false
	}
	switch res {
	case markExists:
		return true, true
	case markNull:
		return true, false
	}
	return false, false
}

func (l *DocumentLookup) writeCache(ctx context.Context, docID, val string, ttl time.Duration) {
	if l.rdb == nil {
		return
	}
	if err := l.rdb.Set(ctx, existsKey(docID), val, ttl).Err(); err != nil {
		l.log.Warn("write document cache failed", zap.String("doc_id", docID), zap.Error(err))
	}
}
