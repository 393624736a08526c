package room

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/thesunnysinha/collabflow/backend/internal/metrics"
)

// Outbound 推送给客户端的消息
type Outbound interface {
	MessageType() string
}

// Member 房间里登记的一个连接。Registry 只引用，不拥有连接。
type Member interface {
	ID() string
	// Deliver 非阻塞投递，队列满或连接已关闭时返回 false
	Deliver(msg Outbound) bool
}

// Entry 在线成员快照中的一项，唯一性按连接 ID 而不是名字
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Snapshot struct {
	DocumentID string
	Members    []Entry
}

func (s Snapshot) Names() []string {
	names := make([]string, len(s.Members))
	for i, m := range s.Members {
		names[i] = m.Name
	}
	return names
}

type seat struct {
	entry  Entry
	member Member
}

// docRoom 按加入顺序保存成员，快照顺序稳定
type docRoom struct {
	seats []seat
}

func (r *docRoom) index(connID string) int {
	for i, s := range r.seats {
		if s.entry.ID == connID {
			return i
		}
	}
	return -1
}

func (r *docRoom) snapshot(docID string) Snapshot {
	entries := make([]Entry, len(r.seats))
	for i, s := range r.seats {
		entries[i] = s.entry
	}
	return Snapshot{DocumentID: docID, Members: entries}
}

type shard struct {
	mu    sync.Mutex
	rooms map[string]*docRoom
}

// Registry docID -> 房间成员。按 docID 哈希分片加锁：
// 同一文档的成员变更互斥，不同文档之间不串行。
type Registry struct {
	shards   []shard
	presence *Presence
}

const defaultShards = 32

func NewRegistry(shards int, presence *Presence) *Registry {
	if shards <= 0 {
		shards = defaultShards
	}
	if presence == nil {
		presence = NewPresence(nil, nil)
	}
	r := &Registry{shards: make([]shard, shards), presence: presence}
	for i := range r.shards {
		r.shards[i].rooms = make(map[string]*docRoom)
	}
	return r
}

func (r *Registry) shard(docID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return &r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Join 把连接加入房间并向房间内所有成员（包括自己）推送完整成员列表。
// 同一连接重复 Join 不会产生重复项，但会重新推送快照。
func (r *Registry) Join(ctx context.Context, docID, identity string, m Member) Snapshot {
	sh := r.shard(docID)
	sh.mu.Lock()
	rm := sh.rooms[docID]
	if rm == nil {
		rm = &docRoom{}
		sh.rooms[docID] = rm
		metrics.Rooms.Inc()
	}
	e := Entry{ID: m.ID(), Name: identity}
	if i := rm.index(e.ID); i >= 0 {
		rm.seats[i] = seat{entry: e, member: m}
	} else {
		rm.seats = append(rm.seats, seat{entry: e, member: m})
	}
	snap := r.presence.deliver(docID, rm)
	sh.mu.Unlock()

	r.presence.mirror(ctx, snap)
	return snap
}

// Leave 移除连接，房间空了就删除。连接不在房间里时不做任何事，返回 false。
func (r *Registry) Leave(ctx context.Context, docID, connID string) (Snapshot, bool) {
	sh := r.shard(docID)
	sh.mu.Lock()
	rm := sh.rooms[docID]
	if rm == nil {
		sh.mu.Unlock()
		return Snapshot{DocumentID: docID}, false
	}
	i := rm.index(connID)
	if i < 0 {
		snap := rm.snapshot(docID)
		sh.mu.Unlock()
		return snap, false
	}
	rm.seats = append(rm.seats[:i], rm.seats[i+1:]...)
	var snap Snapshot
	if len(rm.seats) == 0 {
		delete(sh.rooms, docID)
		metrics.Rooms.Dec()
		snap = Snapshot{DocumentID: docID}
	} else {
		snap = r.presence.deliver(docID, rm)
	}
	sh.mu.Unlock()

	r.presence.mirror(ctx, snap)
	return snap, true
}

func (r *Registry) Snapshot(docID string) Snapshot {
	sh := r.shard(docID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if rm := sh.rooms[docID]; rm != nil {
		return rm.snapshot(docID)
	}
	return Snapshot{DocumentID: docID}
}

// Broadcast 推送给房间内除 excludeID 以外的所有成员，返回成功入队的数量
func (r *Registry) Broadcast(docID, excludeID string, msg Outbound) int {
	sh := r.shard(docID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rm := sh.rooms[docID]
	if rm == nil {
		return 0
	}
	n := 0
	for _, s := range rm.seats {
		if s.entry.ID == excludeID {
			continue
		}
		if s.member.Deliver(msg) {
			n++
		}
	}
	return n
}

// Rooms 当前非空房间数
func (r *Registry) Rooms() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		n += len(sh.rooms)
		sh.mu.Unlock()
	}
	return n
}
