package ws

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thesunnysinha/collabflow/backend/internal/collab"
	"github.com/thesunnysinha/collabflow/backend/internal/logger"
	"github.com/thesunnysinha/collabflow/backend/internal/metrics"
	"github.com/thesunnysinha/collabflow/backend/internal/room"
)

// Submitter 由 collab.Relay 实现
type Submitter interface {
	Submit(ctx context.Context, origin, docID string, fields collab.Fields, onErr func(error)) error
	Flush(origin string)
}

// ExistenceChecker 由 cache.DocumentLookup 实现
type ExistenceChecker interface {
	Exists(ctx context.Context, docID string) (bool, error)
}

type HubOptions struct {
	// nil 表示不检查文档是否存在，直接允许加入
	Lookup     ExistenceChecker
	SendBuffer int
}

// Hub 所有连接共享的依赖，并记录在线连接以便优雅退出时统一清理
type Hub struct {
	registry *room.Registry
	relay    Submitter
	opt      HubOptions
	log      *zap.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewHub(registry *room.Registry, relay Submitter, opt HubOptions, log *zap.Logger) *Hub {
	if opt.SendBuffer <= 0 {
		opt.SendBuffer = 64
	}
	return &Hub{
		registry: registry,
		relay:    relay,
		opt:      opt,
		log:      logger.OrNop(log),
		conns:    make(map[string]*Conn),
	}
}

// NewConn 创建连接并登记，状态为 Connected。ws 为 nil 时只有会话逻辑，没有收发循环。
func (h *Hub) NewConn(ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Conn{
		id:     id,
		ws:     ws,
		hub:    h,
		send:   make(chan room.Outbound, h.opt.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
		log:    h.log.With(zap.String("conn_id", id)),
		state:  StateConnected,
	}
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	metrics.Conns.Inc()
	return c
}

func (h *Hub) forget(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	metrics.Conns.Dec()
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll 断开所有连接，退出前调用，保证合并中的更新被 Flush
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (h *Hub) Registry() *room.Registry { return h.registry }
