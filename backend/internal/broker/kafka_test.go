package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockedProducer(t *testing.T, sp *mocks.SyncProducer) (*KafkaProducer, *int) {
	p := NewKafkaProducer([]string{"kafka:9092"}, "test", 0)
	dials := 0
	p.dial = func([]string, *sarama.Config) (sarama.SyncProducer, error) {
		dials++
		return sp, nil
	}
	return p, &dials
}

func TestKafkaProducerConnectsLazilyOnce(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndSucceed()
	sp.ExpectSendMessageAndSucceed()
	p, dials := newMockedProducer(t, sp)
	assert.Equal(t, 0, *dials)

	ctx := context.Background()
	require.NoError(t, p.Produce(ctx, "document-updates", "doc-1", []byte(`{}`)))
	require.NoError(t, p.Produce(ctx, "document-updates", "doc-1", []byte(`{}`)))
	assert.Equal(t, 1, *dials)
	require.NoError(t, p.Close())
}

func TestKafkaProducerReconnectsAfterConnectionError(t *testing.T) {
	first := mocks.NewSyncProducer(t, nil)
	first.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	second := mocks.NewSyncProducer(t, nil)
	second.ExpectSendMessageAndSucceed()

	p := NewKafkaProducer(nil, "test", 0)
	queue := []sarama.SyncProducer{first, second}
	p.dial = func([]string, *sarama.Config) (sarama.SyncProducer, error) {
		next := queue[0]
		queue = queue[1:]
		return next, nil
	}

	ctx := context.Background()
	err := p.Produce(ctx, "document-updates", "doc-1", []byte(`{}`))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Produce(ctx, "document-updates", "doc-1", []byte(`{}`)))
	assert.Empty(t, queue)
	require.NoError(t, p.Close())
}

func TestKafkaProducerKeepsConnectionOnMessageError(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrMessageSizeTooLarge)
	sp.ExpectSendMessageAndSucceed()
	p, dials := newMockedProducer(t, sp)

	ctx := context.Background()
	err := p.Produce(ctx, "t", "k", []byte("v"))
	require.ErrorIs(t, err, sarama.ErrMessageSizeTooLarge)
	assert.True(t, IsPermanent(err))
	require.NoError(t, p.Produce(ctx, "t", "k", []byte("v")))
	assert.Equal(t, 1, *dials)
	require.NoError(t, p.Close())
}

func TestKafkaProducerDialFailure(t *testing.T) {
	p := NewKafkaProducer(nil, "test", 0)
	p.dial = func([]string, *sarama.Config) (sarama.SyncProducer, error) {
		return nil, sarama.ErrOutOfBrokers
	}
	err := p.Produce(context.Background(), "t", "k", nil)
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx context.Context

	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, msg.Offset)
	s.mu.Unlock()
}

func (s *fakeSession) Commit() {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
}

func (s *fakeSession) state() ([]int64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...), s.commits
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestGroupHandlerCommitsOnlyAfterSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 2)}
	claim.ch <- &sarama.ConsumerMessage{Topic: "t", Partition: 3, Offset: 10, Key: []byte("doc"), Value: []byte("a")}
	claim.ch <- &sarama.ConsumerMessage{Topic: "t", Partition: 3, Offset: 11, Key: []byte("doc"), Value: []byte("b")}
	close(claim.ch)

	var (
		mu    sync.Mutex
		seen  []string
		fails = 2
	)
	gh := &groupHandler{retryBackoff: time.Millisecond, h: func(_ context.Context, m Message) error {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, int32(3), m.Partition)
		seen = append(seen, string(m.Value))
		if string(m.Value) == "a" && fails > 0 {
			fails--
			return errors.New("store down")
		}
		return nil
	}}

	require.NoError(t, gh.ConsumeClaim(sess, claim))
	marked, commits := sess.state()
	assert.Equal(t, []int64{10, 11}, marked)
	assert.Equal(t, 2, commits)
	assert.Equal(t, []string{"a", "a", "a", "b"}, seen)
}

func TestGroupHandlerStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 1)}
	claim.ch <- &sarama.ConsumerMessage{Offset: 1}

	gh := &groupHandler{retryBackoff: 5 * time.Millisecond, h: func(context.Context, Message) error {
		cancel()
		return errors.New("still down")
	}}
	require.NoError(t, gh.ConsumeClaim(sess, claim))
	marked, commits := sess.state()
	assert.Empty(t, marked)
	assert.Zero(t, commits)
}

func TestKafkaProducerMaxMessageBytes(t *testing.T) {
	assert.Equal(t, DefaultMaxMessageBytes, NewKafkaProducer(nil, "test", 0).cfg.Producer.MaxMessageBytes)
	assert.Equal(t, 512*1024, NewKafkaProducer(nil, "test", 512*1024).cfg.Producer.MaxMessageBytes)
}

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("leader not available"), false},
		{sarama.ErrOutOfBrokers, false},
		{sarama.ErrNotLeaderForPartition, false},
		{fmt.Errorf("produce to t: %w", sarama.ErrMessageSizeTooLarge), true},
		{sarama.ErrInvalidMessage, true},
		{sarama.ConfigurationError("Attempt to produce message larger than configured Producer.MaxMessageBytes"), true},
		{fmt.Errorf("%w: 2000 bytes", ErrMessageTooLarge), true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsPermanent(tc.err), "%v", tc.err)
	}
}
