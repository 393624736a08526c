package broker

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/IBM/sarama"
)

// DefaultMaxMessageBytes 与 sarama Producer.MaxMessageBytes 的默认值一致
const DefaultMaxMessageBytes = 1000000

// ErrMessageTooLarge 消息体超过 broker 允许的大小
var ErrMessageTooLarge = errors.New("message too large")

type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Handler 返回 nil 才会提交 offset；返回错误则同一条消息会被重新投递
type Handler func(ctx context.Context, msg Message) error

type Producer interface {
	// Connect 幂等，已连接直接返回
	Connect(ctx context.Context) error
	// Produce 相同 key 的消息进入同一分区，保持相对顺序
	Produce(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

type Consumer interface {
	// Subscribe 阻塞直到 ctx 取消（返回 nil）或出现不可恢复的错误。
	// 同一分区内的消息串行交给 handler。
	Subscribe(ctx context.Context, topic, group string, h Handler) error
	Close() error
}

// PartitionFor 与 sarama 默认的 hash 分区器一致（FNV-1a 32）
func PartitionFor(key string, partitions int32) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	p := int32(h.Sum32()) % partitions
	if p < 0 {
		p = -p
	}
	return p
}

// IsPermanent 同一条消息重发也不会成功的错误，不应重试
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var cfgErr sarama.ConfigurationError
	return errors.Is(err, ErrMessageTooLarge) ||
		errors.Is(err, sarama.ErrMessageSizeTooLarge) ||
		errors.Is(err, sarama.ErrMessageSetSizeTooLarge) ||
		errors.Is(err, sarama.ErrInvalidMessageSize) ||
		errors.Is(err, sarama.ErrInvalidMessage) ||
		errors.As(err, &cfgErr)
}
