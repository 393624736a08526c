package ws

import "github.com/thesunnysinha/collabflow/backend/internal/collab"

// 客户端 -> 服务端
const (
	TypeJoinDocument   = "join-document"
	TypeLeaveDocument  = "leave-document"
	TypeDocumentUpdate = collab.TypeDocumentUpdate
	TypeHeartbeat      = "heartbeat"
)

// 服务端 -> 客户端（collaborators-update 与 document-update 由 room / collab 定义）
const (
	TypeError    = "error"
	TypeWelcome  = "welcome"
	TypeFeedback = "feedback"
)

type ClientMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId,omitempty"`
	UserName   string `json:"userName,omitempty"`
	// document-update 携带的字段，平铺在消息顶层
	collab.Fields
}

type ServerMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

func (m ServerMessage) MessageType() string { return m.Type }

func errorMessage(err error) ServerMessage {
	return ServerMessage{Type: TypeError, Message: err.Error()}
}
