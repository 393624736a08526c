package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/thesunnysinha/collabflow/backend/internal/broker"
	"github.com/thesunnysinha/collabflow/backend/internal/logger"
	"github.com/thesunnysinha/collabflow/backend/internal/metrics"
)

type RelayOptions struct {
	Topic string
	// 同一连接同一文档的提交在窗口内合并，0 表示不合并
	CoalesceWindow time.Duration
	QueueSize      int // 每个 worker 的队列长度
	Workers        int
	MaxRetry       int
	BaseBackoff    time.Duration
	MaxElapsed     time.Duration // 所有退避时间之和的上限
	// 编码后事件的大小上限，与 producer 的 MaxMessageBytes 保持一致
	MaxMessageBytes int
	// 已接收但尚未发出（或尚未报告失败）的事件上限，包括窗口内合并中的事件
	MaxInflight  int
	AdmitTimeout time.Duration // 等待名额的最长时间，超时拒绝
}

func (o *RelayOptions) withDefaults() {
	if o.Topic == "" {
		o.Topic = "document-updates"
	}
	if o.CoalesceWindow < 0 {
		o.CoalesceWindow = 0
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = 30 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = broker.DefaultMaxMessageBytes
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = 1000
	}
	if o.AdmitTimeout <= 0 {
		o.AdmitTimeout = 200 * time.Millisecond
	}
}

type relayJob struct {
	evt   UpdateEvent
	onErr func(error)
}

type pendingEvent struct {
	job   relayJob
	timer *time.Timer
}

// Relay 把客户端提交的字段更新合并、打标后异步写入 broker：
// - Submit 只做校验和入队，不等 broker 确认
// - 按 documentId 固定到一个 worker，同一文档的发送顺序等于提交顺序
// - 发送失败指数退避重试，耗尽后通过 onErr 回传，不会静默丢弃
// - broker 明确拒收的消息（过大等）不重试，也不计入熔断
type Relay struct {
	producer broker.Producer
	opt      RelayOptions
	log      *zap.Logger
	breaker  *gobreaker.CircuitBreaker[struct{}]
	admit    *Semaphore

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	pending map[string]*pendingEvent // origin -> 窗口内尚未发出的事件
	queues  []chan relayJob
	wg      sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRelay(producer broker.Producer, opt RelayOptions, log *zap.Logger) *Relay {
	opt.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		producer: producer,
		opt:      opt,
		log:      logger.OrNop(log),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*pendingEvent),
		queues:   make([]chan relayJob, opt.Workers),
		admit:    NewSemaphore(opt.MaxInflight),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
	r.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "broker-produce",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		// 单条消息被拒说明 broker 是好的
		IsSuccessful: func(err error) bool {
			return err == nil || broker.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	for i := range r.queues {
		r.queues[i] = make(chan relayJob, opt.QueueSize)
		r.wg.Add(1)
		go r.workerLoop(i, r.queues[i])
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit 校验并接收一次提交。返回 nil 只表示已接收，发送结果通过 onErr 异步通知。
func (r *Relay) Submit(ctx context.Context, origin, docID string, fields Fields, onErr func(error)) error {
	if strings.TrimSpace(docID) == "" {
		return invalid("documentId", "required")
	}
	if fields.Empty() {
		return invalid("fields", "at least one of title, content, language, theme is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	job := relayJob{
		evt: UpdateEvent{
			DocumentID: docID,
			Fields:     fields,
			Origin:     origin,
			Timestamp:  r.now(),
			Source:     Source,
		},
		onErr: onErr,
	}
	payload, err := json.Marshal(job.evt)
	if err != nil {
		return invalid("fields", "encode: "+err.Error())
	}
	if err := r.checkSize(docID, payload); err != nil {
		return err
	}

	// 名额一直占到事件发出或报告失败，broker 变慢时在这里形成背压
	actx, cancel := context.WithTimeout(ctx, r.opt.AdmitTimeout)
	err = r.admit.Acquire(actx)
	cancel()
	if err != nil {
		metrics.RelayFailed.WithLabelValues("admit").Inc()
		return &TransientInfraError{Op: "admit", Attempts: 1, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.release()
		return ErrRelayClosed
	}
	if r.opt.CoalesceWindow == 0 {
		return r.enqueueLocked(job)
	}

	if p := r.pending[origin]; p != nil {
		if p.job.evt.DocumentID == docID {
			p.job.evt.Fields = p.job.evt.Fields.Merge(fields)
			p.job.evt.Timestamp = job.evt.Timestamp
			p.job.onErr = onErr
			r.release()
			metrics.RelayCoalesced.Inc()
			return nil
		}
		// 换了文档，先把上一个文档的事件发出去，避免跨文档乱序
		if err := r.flushLocked(origin); err != nil {
			r.release()
			return err
		}
	}

	p := &pendingEvent{job: job}
	p.timer = time.AfterFunc(r.opt.CoalesceWindow, func() { r.fire(origin, p) })
	r.pending[origin] = p
	return nil
}

func (r *Relay) fire(origin string, p *pendingEvent) {
	r.mu.Lock()
	if r.pending[origin] != p {
		// 已经被 Flush 或新事件取代
		r.mu.Unlock()
		return
	}
	delete(r.pending, origin)
	err := r.enqueueLocked(p.job)
	r.mu.Unlock()
	if err != nil {
		r.report(p.job, err)
	}
}

// Flush 立即发出 origin 在窗口内的事件，离开房间和断开连接时调用
func (r *Relay) Flush(origin string) {
	r.mu.Lock()
	p := r.pending[origin]
	var err error
	if p != nil {
		err = r.flushLocked(origin)
	}
	r.mu.Unlock()
	if err != nil {
		r.report(p.job, err)
	}
}

func (r *Relay) flushLocked(origin string) error {
	p := r.pending[origin]
	if p == nil {
		return nil
	}
	p.timer.Stop()
	delete(r.pending, origin)
	return r.enqueueLocked(p.job)
}

// enqueueLocked 不阻塞；队列满直接返回错误，由调用方告知发起连接。
// 失败时归还该事件占用的名额。
func (r *Relay) enqueueLocked(job relayJob) error {
	q := r.queues[broker.PartitionFor(job.evt.DocumentID, int32(len(r.queues)))]
	select {
	case q <- job:
		return nil
	default:
		r.release()
		metrics.RelayFailed.WithLabelValues("enqueue").Inc()
		return &TransientInfraError{Op: "enqueue", Attempts: 1, Err: fmt.Errorf("relay queue full (%d)", r.opt.QueueSize)}
	}
}

func (r *Relay) release() {
	if err := r.admit.Release(); err != nil {
		r.log.Error("relay admission out of balance", zap.Error(err))
	}
}

// checkSize key 和消息体一起计入 broker 的大小限制
func (r *Relay) checkSize(docID string, payload []byte) error {
	if n := len(docID) + len(payload); n > r.opt.MaxMessageBytes {
		metrics.RelayFailed.WithLabelValues("too_large").Inc()
		return invalid("fields", fmt.Sprintf("update too large: %d bytes, limit %d", n, r.opt.MaxMessageBytes))
	}
	return nil
}

func (r *Relay) workerLoop(workerID int, q <-chan relayJob) {
	defer r.wg.Done()
	for job := range q {
		r.sendWithRetry(workerID, job)
		r.release()
	}
}

func (r *Relay) sendWithRetry(workerID int, job relayJob) {
	payload, err := json.Marshal(job.evt)
	if err != nil {
		r.report(job, &ValidationError{Field: "fields", Reason: "encode update event", Err: err})
		return
	}
	// 窗口内合并后可能超过上限
	if err := r.checkSize(job.evt.DocumentID, payload); err != nil {
		r.report(job, err)
		return
	}

	var (
		spent   time.Duration
		backoff = r.opt.BaseBackoff
		attempt int
		cause   error // 最近一次真实的发送错误，熔断拒绝不覆盖它
	)
	for {
		attempt++
		err = r.sendOnce(job.evt.DocumentID, payload)
		if err == nil {
			metrics.RelayProduced.Inc()
			return
		}
		if broker.IsPermanent(err) {
			metrics.RelayFailed.WithLabelValues("rejected").Inc()
			r.report(job, &ValidationError{Field: "fields", Reason: "rejected by broker", Err: err})
			return
		}
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			cause = err
		}

		remaining := r.opt.MaxElapsed - spent
		if attempt > r.opt.MaxRetry || remaining <= 0 || r.ctx.Err() != nil {
			break
		}
		// 最后一次退避截断到剩余预算
		wait := min(backoff, remaining)
		r.log.Warn("produce failed, retrying",
			zap.Int("worker", workerID),
			zap.String("doc_id", job.evt.DocumentID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		metrics.RelayRetries.Inc()
		if r.sleep(r.ctx, wait) != nil {
			break
		}
		spent += wait
		backoff *= 2
	}

	if cause == nil {
		cause = err
	}
	metrics.RelayFailed.WithLabelValues("produce").Inc()
	r.report(job, &TransientInfraError{Op: "produce", Attempts: attempt, Err: cause})
}

func (r *Relay) sendOnce(docID string, payload []byte) error {
	_, err := r.breaker.Execute(func() (struct{}, error) {
		if err := r.producer.Connect(r.ctx); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, r.producer.Produce(r.ctx, r.opt.Topic, docID, payload)
	})
	return err
}

func (r *Relay) report(job relayJob, err error) {
	r.log.Error("update event not delivered to broker",
		zap.String("doc_id", job.evt.DocumentID),
		zap.String("conn_id", job.evt.Origin),
		zap.Error(err))
	if job.onErr != nil {
		job.onErr(err)
	}
}

// Close 发出所有合并中的事件，等待队列排空后关闭 producer。
// ctx 到期时中断仍在退避中的重试。
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var failed []relayJob
	for origin, p := range r.pending {
		if err := r.flushLocked(origin); err != nil {
			failed = append(failed, p.job)
		}
	}
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()

	for _, job := range failed {
		r.report(job, &TransientInfraError{Op: "enqueue", Attempts: 1, Err: ErrRelayClosed})
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.cancel()
		<-done
	}
	r.cancel()
	return r.producer.Close()
}
