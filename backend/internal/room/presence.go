package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/thesunnysinha/collabflow/backend/internal/logger"
	"github.com/thesunnysinha/collabflow/backend/internal/metrics"
)

const TypeCollaboratorsUpdate = "collaborators-update"

// CollaboratorsMessage 房间完整成员列表（不是增量）
type CollaboratorsMessage struct {
	Type          string  `json:"type"`
	DocumentID    string  `json:"documentId"`
	Collaborators []Entry `json:"collaborators"`
}

func (m CollaboratorsMessage) MessageType() string { return m.Type }

// PresenceMirror 把在线成员同步到外部（Redis），供其他服务读取
type PresenceMirror interface {
	Mirror(ctx context.Context, docID string, members []Entry) error
}

// Presence 每次成员变更后重新计算完整列表并推送给房间内每个连接。
// 推送最多一次；丢了也没关系，下一次变更会从权威状态重新计算。
type Presence struct {
	mirrorTo PresenceMirror
	log      *zap.Logger
}

func NewPresence(mirror PresenceMirror, log *zap.Logger) *Presence {
	return &Presence{mirrorTo: mirror, log: logger.OrNop(log)}
}

// deliver 调用方持有分片锁，保证每个成员收到的快照顺序与变更顺序一致
func (p *Presence) deliver(docID string, rm *docRoom) Snapshot {
	snap := rm.snapshot(docID)
	msg := CollaboratorsMessage{Type: TypeCollaboratorsUpdate, DocumentID: docID, Collaborators: snap.Members}
	for _, s := range rm.seats {
		if !s.member.Deliver(msg) {
			p.log.Debug("presence snapshot not delivered",
				zap.String("doc_id", docID), zap.String("conn_id", s.entry.ID))
		}
	}
	metrics.PresenceBroadcasts.Inc()
	return snap
}

// mirror 在锁外执行，失败只记日志
func (p *Presence) mirror(ctx context.Context, snap Snapshot) {
	if p.mirrorTo == nil {
		return
	}
	if err := p.mirrorTo.Mirror(ctx, snap.DocumentID, snap.Members); err != nil {
		p.log.Warn("mirror presence failed", zap.String("doc_id", snap.DocumentID), zap.Error(err))
	}
}
