package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/thesunnysinha/collabflow/backend/internal/logger"
)

// KafkaProducer 第一次发送时才建立连接，连接类错误后丢弃 producer，下次发送重连
type KafkaProducer struct {
	brokers []string
	cfg     *sarama.Config

	mu       sync.Mutex
	producer sarama.SyncProducer
	dial     func(addrs []string, cfg *sarama.Config) (sarama.SyncProducer, error)
}

var _ Producer = (*KafkaProducer)(nil)

func NewKafkaProducer(brokers []string, clientID string, maxMessageBytes int) *KafkaProducer {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID + "-producer"
	if maxMessageBytes > 0 {
		cfg.Producer.MaxMessageBytes = maxMessageBytes
	}
	// SyncProducer 必须开启 Return.Successes
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	// 以 docId 为 key 做 hash 分区，同一文档的事件落在同一分区
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	// 重试由上层 Relay 负责（带退避和错误回传）
	cfg.Producer.Retry.Max = 0
	return &KafkaProducer{brokers: brokers, cfg: cfg, dial: sarama.NewSyncProducer}
}

func (p *KafkaProducer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sp, err := p.dial(p.brokers, p.cfg)
	if err != nil {
		return fmt.Errorf("connect kafka: %w", err)
	}
	p.producer = sp
	return nil
}

func (p *KafkaProducer) Produce(ctx context.Context, topic, key string, payload []byte) error {
	if err := p.Connect(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	sp := p.producer
	p.mu.Unlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := sp.SendMessage(msg); err != nil {
		if isConnectionError(err) {
			p.reset(sp)
		}
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

func isConnectionError(err error) bool {
	return errors.Is(err, sarama.ErrOutOfBrokers) ||
		errors.Is(err, sarama.ErrClosedClient) ||
		errors.Is(err, sarama.ErrNotConnected) ||
		errors.Is(err, sarama.ErrShuttingDown)
}

func (p *KafkaProducer) reset(stale sarama.SyncProducer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer == stale {
		_ = stale.Close()
		p.producer = nil
	}
}

func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer == nil {
		return nil
	}
	err := p.producer.Close()
	p.producer = nil
	return err
}

// KafkaConsumer 消费组，关闭自动提交，handler 成功后才 MarkMessage + Commit
type KafkaConsumer struct {
	brokers      []string
	cfg          *sarama.Config
	retryBackoff time.Duration
	log          *zap.Logger
}

var _ Consumer = (*KafkaConsumer)(nil)

func NewKafkaConsumer(brokers []string, clientID string, log *zap.Logger) *KafkaConsumer {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID + "-consumer"
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	return &KafkaConsumer{
		brokers:      brokers,
		cfg:          cfg,
		retryBackoff: time.Second,
		log:          logger.OrNop(log),
	}
}

func (c *KafkaConsumer) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	cg, err := sarama.NewConsumerGroup(c.brokers, group, c.cfg)
	if err != nil {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}
	defer cg.Close()

	go func() {
		for err := range cg.Errors() {
			c.log.Warn("kafka consumer error", zap.String("group", group), zap.Error(err))
		}
	}()

	gh := &groupHandler{h: h, retryBackoff: c.retryBackoff}
	for {
		// rebalance 后 Consume 返回，需要循环重新加入
		if err := cg.Consume(ctx, []string{topic}, gh); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume %s: %w", topic, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close 消费组在 Subscribe 返回时关闭，这里无事可做
func (c *KafkaConsumer) Close() error { return nil }

type groupHandler struct {
	h            Handler
	retryBackoff time.Duration
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim 每个分区一个 goroutine，分区内串行处理；
// handler 失败时原地重试同一条消息，不往后走，保证分区内顺序。
func (g *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cm, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			msg := Message{
				Topic:     cm.Topic,
				Partition: cm.Partition,
				Offset:    cm.Offset,
				Key:       cm.Key,
				Value:     cm.Value,
				Timestamp: cm.Timestamp,
			}
			for {
				err := g.h(ctx, msg)
				if err == nil {
					sess.MarkMessage(cm, "")
					sess.Commit()
					break
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(g.retryBackoff):
				}
			}
		}
	}
}
