package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrClosed = errors.New("broker closed")

// MemoryBroker 进程内的分区日志：
// - 按 key 分区，分区内追加有序
// - 每个消费组记录每个分区的已提交 offset
// - handler 失败不提交，RetryBackoff 后重新投递同一条
// 单机部署和测试使用，语义上对齐 Kafka 的至少一次投递。
type MemoryBroker struct {
	partitions   int32
	RetryBackoff time.Duration
	// 大于 0 时拒绝超过该大小的消息，模拟 broker 的 message.max.bytes
	MaxMessageBytes int

	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	logs [][]Message
	// 有新消息时 close 并替换，唤醒等待中的消费者
	notify    chan struct{}
	committed map[string][]int64 // group -> 每个分区下一条要消费的 offset
}

var (
	_ Producer = (*MemoryBroker)(nil)
	_ Consumer = (*MemoryBroker)(nil)
)

func NewMemoryBroker(partitions int) *MemoryBroker {
	if partitions <= 0 {
		partitions = 1
	}
	return &MemoryBroker{
		partitions:   int32(partitions),
		RetryBackoff: 10 * time.Millisecond,
		topics:       make(map[string]*memTopic),
	}
}

func (b *MemoryBroker) topicLocked(name string) *memTopic {
	t := b.topics[name]
	if t == nil {
		t = &memTopic{
			logs:      make([][]Message, b.partitions),
			notify:    make(chan struct{}),
			committed: make(map[string][]int64),
		}
		b.topics[name] = t
	}
	return t
}

func (b *MemoryBroker) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *MemoryBroker) Produce(ctx context.Context, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := len(key) + len(payload); b.MaxMessageBytes > 0 && n > b.MaxMessageBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, n, b.MaxMessageBytes)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	t := b.topicLocked(topic)
	p := PartitionFor(key, b.partitions)
	t.logs[p] = append(t.logs[p], Message{
		Topic:     topic,
		Partition: p,
		Offset:    int64(len(t.logs[p])),
		Key:       []byte(key),
		Value:     append([]byte(nil), payload...),
		Timestamp: time.Now(),
	})
	close(t.notify)
	t.notify = make(chan struct{})
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	t := b.topicLocked(topic)
	if t.committed[group] == nil {
		t.committed[group] = make([]int64, b.partitions)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for p := int32(0); p < b.partitions; p++ {
		wg.Add(1)
		go func(p int32) {
			defer wg.Done()
			b.consumePartition(ctx, t, group, p, h)
		}(p)
	}
	wg.Wait()
	return nil
}

func (b *MemoryBroker) consumePartition(ctx context.Context, t *memTopic, group string, p int32, h Handler) {
	for {
		b.mu.Lock()
		next := t.committed[group][p]
		var (
			msg   Message
			ready bool
		)
		if next < int64(len(t.logs[p])) {
			msg, ready = t.logs[p][next], true
		}
		wait := t.notify
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return
		}
		if !ready {
			select {
			case <-ctx.Done():
				return
			case <-wait:
				continue
			}
		}

		if err := h(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.RetryBackoff):
			}
			continue
		}
		b.mu.Lock()
		t.committed[group][p] = next + 1
		b.mu.Unlock()
	}
}

// Committed 消费组在某分区的下一条 offset
func (b *MemoryBroker) Committed(topic, group string, partition int32) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[topic]
	if t == nil || t.committed[group] == nil {
		return 0
	}
	return t.committed[group][partition]
}

// Len 分区内消息总数
func (b *MemoryBroker) Len(topic string, partition int32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[topic]
	if t == nil {
		return 0
	}
	return len(t.logs[partition])
}

func (b *MemoryBroker) Partitions() int32 { return b.partitions }

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		close(t.notify)
		t.notify = make(chan struct{})
	}
	return nil
}
