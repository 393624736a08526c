package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thesunnysinha/collabflow/backend/internal/collab"
	"github.com/thesunnysinha/collabflow/backend/internal/metrics"
	"github.com/thesunnysinha/collabflow/backend/internal/room"
)

var ErrDisconnected = errors.New("connection closed")

type State int

const (
	StateConnected State = iota + 1
	StateInRoom
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInRoom:
		return "in_room"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	// 与 broker 单条消息上限同一量级，精确的大小校验在 Relay
	maxMessageSize = 1 << 20
	cleanupTimeout = 2 * time.Second
)

// Conn 一个 websocket 会话。
// mu 串行化 Join / Leave / Close，断开与加入并发时不会在 Registry 里留下残留成员。
type Conn struct {
	id   string
	ws   *websocket.Conn
	hub  *Hub
	send chan room.Outbound
	log  *zap.Logger

	// 断开时取消，进行中的加入/提交随之取消
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	docID    string
	identity string

	closeOnce sync.Once
}

var _ room.Member = (*Conn)(nil)

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DocumentID 当前所在房间，不在房间时为空
func (c *Conn) DocumentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docID
}

// Deliver 非阻塞入队；Registry 在分片锁内调用，不能阻塞也不能碰 c.mu
func (c *Conn) Deliver(msg room.Outbound) bool {
	select {
	case <-c.ctx.Done():
		metrics.DroppedTotal.WithLabelValues("closed").Inc()
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		metrics.DroppedTotal.WithLabelValues("queue_full").Inc()
		c.log.Warn("send queue full, drop message", zap.String("type", msg.MessageType()))
		return false
	}
}

// Join 加入文档房间。已在其他房间时先离开旧房间，两个房间都会重新推送成员列表。
func (c *Conn) Join(ctx context.Context, docID, identity string) error {
	docID, identity = strings.TrimSpace(docID), strings.TrimSpace(identity)
	if docID == "" {
		return &collab.ValidationError{Field: "documentId", Reason: "required"}
	}
	if identity == "" {
		return &collab.ValidationError{Field: "userName", Reason: "required"}
	}

	// 存在性检查是 I/O，放在锁外
	if lookup := c.hub.opt.Lookup; lookup != nil {
		ok, err := lookup.Exists(ctx, docID)
		if err != nil {
			return &collab.TransientInfraError{Op: "lookup", Attempts: 1, Err: err}
		}
		if !ok {
			return &collab.NotFoundError{DocumentID: docID}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return ErrDisconnected
	}
	if c.state == StateInRoom && c.docID != docID {
		c.leaveLocked(ctx)
	}
	c.hub.registry.Join(ctx, docID, identity, c)
	c.docID, c.identity, c.state = docID, identity, StateInRoom
	c.log.Info("joined document", zap.String("doc_id", docID), zap.String("user", identity))
	return nil
}

// Leave 幂等，不在房间时什么都不做
func (c *Conn) Leave(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveLocked(ctx)
	if c.state == StateInRoom {
		c.state = StateConnected
	}
}

func (c *Conn) leaveLocked(ctx context.Context) {
	if c.docID == "" {
		return
	}
	// 先把窗口内合并中的更新发出去
	c.hub.relay.Flush(c.id)
	c.hub.registry.Leave(ctx, c.docID, c.id)
	c.log.Info("left document", zap.String("doc_id", c.docID))
	c.docID, c.identity = "", ""
}

// Close 断开连接，可重复调用。无论处于什么状态都会执行离开房间的清理。
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		c.mu.Lock()
		c.leaveLocked(ctx)
		c.state = StateDisconnected
		c.mu.Unlock()

		c.hub.forget(c)
		if c.ws != nil {
			_ = c.ws.Close()
		}
		c.log.Info("connection closed")
	})
}

// SubmitUpdate 只负责交给 Relay，不等待 broker 确认；
// 发送最终失败时通过 error 事件异步通知本连接。
func (c *Conn) SubmitUpdate(ctx context.Context, fields collab.Fields) error {
	if fields.Empty() {
		return &collab.ValidationError{Field: "fields", Reason: "at least one of title, content, language, theme is required"}
	}
	c.mu.Lock()
	state, docID := c.state, c.docID
	c.mu.Unlock()
	switch state {
	case StateDisconnected:
		return ErrDisconnected
	case StateConnected:
		return &collab.ValidationError{Field: "documentId", Reason: "join a document first"}
	}

	// 过大、Relay 满载都在这里同步返回
	return c.hub.relay.Submit(ctx, c.id, docID, fields, c.reportAsync)
}

func (c *Conn) reportAsync(err error) {
	c.Deliver(errorMessage(err))
}

// HandleMessage 处理一帧客户端消息，错误以 error 事件回给客户端，会话继续
func (c *Conn) HandleMessage(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.Deliver(ServerMessage{Type: TypeError, Message: "invalid message: " + err.Error()})
		return
	}

	var err error
	switch msg.Type {
	case TypeJoinDocument:
		err = c.Join(c.ctx, msg.DocumentID, msg.UserName)
	case TypeLeaveDocument:
		c.Leave(c.ctx)
	case TypeDocumentUpdate:
		err = c.SubmitUpdate(c.ctx, msg.Fields)
	case TypeHeartbeat:
		c.Deliver(ServerMessage{Type: TypeFeedback, Message: "heartbeat received"})
	default:
		c.Deliver(ServerMessage{Type: TypeError, Message: "unknown message type: " + msg.Type})
		return
	}
	if err != nil {
		c.log.Debug("client request rejected", zap.String("type", msg.Type), zap.Error(err))
		c.Deliver(errorMessage(err))
	}
}

// readLoop 阻塞直到连接出错或关闭
func (c *Conn) readLoop() {
	defer c.Close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}
		c.HandleMessage(data)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Debug("write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
