package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/thesunnysinha/collabflow/backend/internal/room"
)

const defaultPresenceTTL = 10 * time.Minute

// RedisPresence 把房间成员快照镜像到 Redis，供其他服务查询谁在线。
// 进程内 Registry 才是权威状态，这里只是副本。
// 每个实例只覆盖写自己的那份 Hash，多个实例服务同一文档时互不覆盖。
type RedisPresence struct {
	rdb      redis.UniversalClient
	instance string
	ttl      time.Duration
}

var _ room.PresenceMirror = (*RedisPresence)(nil)

// NewRedisPresence instance 为空时随机生成
func NewRedisPresence(rdb redis.UniversalClient, instance string, ttl time.Duration) *RedisPresence {
	if instance == "" {
		instance = uuid.NewString()
	}
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &RedisPresence{rdb: rdb, instance: instance, ttl: ttl}
}

func (p *RedisPresence) Instance() string { return p.instance }

// Mirror 用本实例的完整快照覆盖本实例的 Hash；本实例上房间空了就删掉并移出实例集合，
// 所有实例都没人时再移出文档集合。TTL 兜底进程崩溃后残留的在线状态。
func (p *RedisPresence) Mirror(ctx context.Context, docID string, members []room.Entry) error {
	key, instances := roomKey(docID, p.instance), roomInstancesKey(docID)
	tx := p.rdb.TxPipeline()
	tx.Del(ctx, key)
	if len(members) > 0 {
		pairs := make([]any, 0, len(members)*2)
		for _, m := range members {
			pairs = append(pairs, m.ID, m.Name)
		}
		tx.HSet(ctx, key, pairs...)
		tx.Expire(ctx, key, p.ttl)
		tx.SAdd(ctx, instances, p.instance)
	} else {
		tx.SRem(ctx, instances, p.instance)
	}
	tx.Expire(ctx, instances, p.ttl)
	live := tx.SCard(ctx, instances)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("mirror room %s: %w", docID, err)
	}

	// docsKey 与房间键不在同一个 slot，不能放进同一个事务
	var err error
	if live.Val() > 0 {
		err = p.rdb.SAdd(ctx, docsKey(), docID).Err()
	} else {
		err = p.rdb.SRem(ctx, docsKey(), docID).Err()
	}
	if err != nil {
		return fmt.Errorf("update docs index %s: %w", docID, err)
	}
	return nil
}

// Members 合并所有实例上的成员，按连接 ID 排序；Hash 不保留加入顺序
func (p *RedisPresence) Members(ctx context.Context, docID string) ([]room.Entry, error) {
	instances, err := p.rdb.SMembers(ctx, roomInstancesKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	members := make([]room.Entry, 0)
	if len(instances) == 0 {
		return members, nil
	}
	pipe := p.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(instances))
	for i, inst := range instances {
		cmds[i] = pipe.HGetAll(ctx, roomKey(docID, inst))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	// 已崩溃实例的 Hash 过期后这里读到空，不影响结果
	for _, cmd := range cmds {
		for id, name := range cmd.Val() {
			members = append(members, room.Entry{ID: id, Name: name})
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

func (p *RedisPresence) Documents(ctx context.Context) ([]string, error) {
	docs, err := p.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(docs)
	return docs, nil
}
