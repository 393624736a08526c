package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thesunnysinha/collabflow/backend/internal/logger"
)

// 允许本地开发环境的来源；allowAny 时不校验
func checkOrigin(allowAny bool) func(r *http.Request) bool {
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	return func(r *http.Request) bool {
		if allowAny {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
			return true
		}
		for _, p := range allowedPrefixes {
			if strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}

type Manager struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewManager(hub *Hub, allowAnyOrigin bool, log *zap.Logger) *Manager {
	return &Manager{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowAnyOrigin),
		},
		log: logger.OrNop(log),
	}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed",
			zap.String("origin", c.Request.Header.Get("Origin")), zap.Error(err))
		return
	}

	wc := m.hub.NewConn(conn)
	wc.log.Info("connection opened", zap.String("remote", c.ClientIP()))

	// 先启动写循环，确保 welcome 能及时发出
	go wc.writeLoop()
	wc.Deliver(ServerMessage{Type: TypeWelcome, ID: wc.ID()})

	// 阻塞至连接关闭
	wc.readLoop()
}
