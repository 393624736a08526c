package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thesunnysinha/collabflow/backend/internal/broker"
	"github.com/thesunnysinha/collabflow/backend/internal/logger"
	"github.com/thesunnysinha/collabflow/backend/internal/metrics"
	"github.com/thesunnysinha/collabflow/backend/internal/room"
	"github.com/thesunnysinha/collabflow/backend/internal/store"
)

const TypeDocumentUpdate = "document-update"

// DocumentUpdateMessage 投影成功后推给其他协作者的完整文档状态
type DocumentUpdateMessage struct {
	Type       string    `json:"type"`
	DocumentID string    `json:"documentId"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Language   string    `json:"language"`
	Theme      string    `json:"theme"`
	Version    uint64    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

func (m DocumentUpdateMessage) MessageType() string { return m.Type }

func NewDocumentUpdateMessage(doc store.Document, ts time.Time) DocumentUpdateMessage {
	return DocumentUpdateMessage{
		Type:       TypeDocumentUpdate,
		DocumentID: doc.ID,
		Title:      doc.Title,
		Content:    doc.Content,
		Language:   doc.Language,
		Theme:      doc.Theme,
		Version:    doc.Version,
		Timestamp:  ts,
	}
}

// Broadcaster 由 room.Registry 实现
type Broadcaster interface {
	Broadcast(docID, excludeID string, msg room.Outbound) int
}

// SnapshotRecorder 可选的投影历史，由 store.SnapshotStore 实现
type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, rec store.SnapshotRecord) error
}

type ProjectorOptions struct {
	Topic string
	Group string
	// 同一分区连续写库失败达到该次数，判定投影卡死
	MaxConsecutiveFailures int
}

// Projector 消费 broker 上的更新事件，写库后广播给房间内除发起者以外的成员。
// 分区内串行处理；写库失败不提交，等待重新投递。
type Projector struct {
	consumer broker.Consumer
	docs     store.DocumentStore
	rooms    Broadcaster
	history  SnapshotRecorder
	health   *Health
	opt      ProjectorOptions
	log      *zap.Logger

	mu       sync.Mutex
	failures map[int32]int
	stall    context.CancelCauseFunc
}

func NewProjector(consumer broker.Consumer, docs store.DocumentStore, rooms Broadcaster, health *Health, opt ProjectorOptions, log *zap.Logger) *Projector {
	if opt.Topic == "" {
		opt.Topic = "document-updates"
	}
	if opt.Group == "" {
		opt.Group = "document-group"
	}
	if opt.MaxConsecutiveFailures <= 0 {
		opt.MaxConsecutiveFailures = 5
	}
	if health == nil {
		health = NewHealth()
	}
	return &Projector{
		consumer: consumer,
		docs:     docs,
		rooms:    rooms,
		health:   health,
		opt:      opt,
		log:      logger.OrNop(log),
		failures: make(map[int32]int),
	}
}

func (p *Projector) WithHistory(h SnapshotRecorder) *Projector {
	p.history = h
	return p
}

// Run 阻塞消费，ctx 取消时返回 nil；投影卡死时返回 ErrProjectionStalled
func (p *Projector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	p.mu.Lock()
	p.stall = cancel
	p.mu.Unlock()

	p.log.Info("projector started", zap.String("topic", p.opt.Topic), zap.String("group", p.opt.Group))
	err := p.consumer.Subscribe(ctx, p.opt.Topic, p.opt.Group, p.Handle)
	if errors.Is(context.Cause(ctx), ErrProjectionStalled) {
		return ErrProjectionStalled
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", p.opt.Topic, err)
	}
	return nil
}

// Handle 处理一条消息；返回 nil 表示可以提交 offset
func (p *Projector) Handle(ctx context.Context, msg broker.Message) error {
	evt, err := DecodeEvent(msg.Value)
	if err != nil {
		metrics.ProjectorMalformed.Inc()
		p.log.Warn("drop malformed update event",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	doc, err := p.docs.Upsert(ctx, evt.DocumentID, evt.Patch())
	if err != nil {
		metrics.ProjectorStoreFailures.Inc()
		p.recordFailure(msg, evt, err)
		return fmt.Errorf("apply update doc=%s: %w", evt.DocumentID, err)
	}
	p.resetFailures(msg.Partition)
	metrics.ProjectorApplied.Inc()

	if p.history != nil {
		rec := store.SnapshotRecord{
			DocumentID: doc.ID,
			Partition:  msg.Partition,
			Offset:     msg.Offset,
			Version:    doc.Version,
			Title:      doc.Title,
			Content:    doc.Content,
			Language:   doc.Language,
			Theme:      doc.Theme,
			Origin:     evt.Origin,
			AppliedAt:  time.Now().UTC(),
		}
		// 历史只是附加记录，失败不阻塞投影
		if err := p.history.RecordSnapshot(ctx, rec); err != nil {
			p.log.Warn("record snapshot failed", zap.String("doc_id", doc.ID), zap.Error(err))
		}
	}

	n := p.rooms.Broadcast(evt.DocumentID, evt.Origin, NewDocumentUpdateMessage(doc, evt.Timestamp))
	p.log.Debug("update applied",
		zap.String("doc_id", doc.ID),
		zap.String("origin", evt.Origin),
		zap.Uint64("version", doc.Version),
		zap.Int("receivers", n))
	return nil
}

func (p *Projector) recordFailure(msg broker.Message, evt UpdateEvent, err error) {
	p.mu.Lock()
	p.failures[msg.Partition]++
	n := p.failures[msg.Partition]
	stall := p.stall
	p.mu.Unlock()

	if n < p.opt.MaxConsecutiveFailures {
		p.log.Warn("store write failed, event left uncommitted",
			zap.String("doc_id", evt.DocumentID),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("consecutive_failures", n),
			zap.Error(err))
		return
	}
	p.log.Error("projection stalled",
		zap.String("doc_id", evt.DocumentID),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Int("consecutive_failures", n),
		zap.Error(err))
	p.health.MarkFatal(fmt.Errorf("%w: partition %d: %v", ErrProjectionStalled, msg.Partition, err))
	if stall != nil {
		stall(ErrProjectionStalled)
	}
}

func (p *Projector) resetFailures(partition int32) {
	p.mu.Lock()
	delete(p.failures, partition)
	p.mu.Unlock()
}

func (p *Projector) Health() *Health { return p.health }
