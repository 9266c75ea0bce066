package dispatch

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mechtest/utmlink/internal/config"
	"github.com/mechtest/utmlink/internal/metrics"
	"github.com/mechtest/utmlink/internal/protocol/utm"
)

// emergencyResendGap 紧急指令连续重发的最小间隔。
// 紧急重试不走退避，但也不在一个调度周期内重复刷同一帧。
const emergencyResendGap = 20 * time.Millisecond

// Dispatcher 指令调度器。
// Submit 可从任意 goroutine 调用；Due/OnAck/FailAll 只允许
// 链路 I/O worker 调用，PendingCommand 的全部变更都发生在该 worker 上。
type Dispatcher struct {
	ackTimeout time.Duration
	retryMax   int
	queueSize  int
	limiter    *rate.Limiter
	m          *metrics.LinkMetrics
	log        *zap.Logger
	faults     *utm.FaultMap

	mu        sync.Mutex
	queue     []*item          // 已受理未发送
	pending   map[uint16]*item // 已发送待 ACK，按 seq 索引
	seq       uint16
	order     uint64
	accepting bool

	wake chan struct{}
}

// item 一条在途指令：Command + 发送时间戳 + 重试计数
type item struct {
	h         *Handle
	priority  int
	order     uint64
	attempts  int // 已发送次数
	firstSent time.Time
	lastSent  time.Time
}

// New 创建调度器
func New(cfg config.DispatchConfig, faults *utm.FaultMap, m *metrics.LinkMetrics, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	ratePerSec := cfg.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = ratePerSec * 2
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Dispatcher{
		ackTimeout: cfg.AckTimeout,
		retryMax:   cfg.RetryMax,
		queueSize:  queueSize,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		m:          m,
		log:        log,
		faults:     faults,
		pending:    make(map[uint16]*item),
		wake:       make(chan struct{}, 1),
	}
}

// Wake worker 唤醒通道：有新指令入队时收到信号
func (d *Dispatcher) Wake() <-chan struct{} { return d.wake }

// SetAccepting 链路连通性门闩。断开时拒绝新指令。
func (d *Dispatcher) SetAccepting(ok bool) {
	d.mu.Lock()
	d.accepting = ok
	d.mu.Unlock()
}

// Submit 受理一条指令，立即返回句柄。
// 紧急指令（急停）不受速率限制与连通性门闩约束：
// 链路降级期间仍然受理，待重连后第一时间发出。
func (d *Dispatcher) Submit(cmd utm.Command) (*Handle, error) {
	prio := CommandPriority(cmd.Type)

	if prio != PriorityEmergency && !d.limiter.Allow() {
		return nil, ErrRateLimited
	}

	d.mu.Lock()
	if !d.accepting && prio != PriorityEmergency {
		d.mu.Unlock()
		return nil, ErrNotConnected
	}
	if len(d.queue) >= d.queueSize {
		d.mu.Unlock()
		return nil, ErrQueueFull
	}
	d.seq++
	h := newHandle(cmd, d.seq)
	d.order++
	it := &item{h: h, priority: prio, order: d.order}
	d.queue = append(d.queue, it)
	// 稳定排序：优先级相同保持受理顺序
	sort.SliceStable(d.queue, func(i, j int) bool {
		if d.queue[i].priority != d.queue[j].priority {
			return d.queue[i].priority < d.queue[j].priority
		}
		return d.queue[i].order < d.queue[j].order
	})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return h, nil
}

// Due 返回本周期需要写入串口的帧（仅 I/O worker 调用）。
// 顺序保证：紧急重发与紧急新指令先于一切普通帧，
// 急停因此总是抢在任何在途指令的下一次重试之前上线。
func (d *Dispatcher) Due(now time.Time) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var emergency, normal [][]byte

	// 1) 在途指令：超时重试或判死
	for seq, it := range d.pending {
		if it.priority == PriorityEmergency {
			if now.Sub(it.lastSent) >= emergencyResendGap {
				it.attempts++
				it.lastSent = now
				emergency = append(emergency, utm.BuildCommand(seq, it.h.Cmd))
			}
			continue
		}
		if now.Sub(it.lastSent) < d.ackTimeout {
			continue
		}
		if it.attempts >= d.retryMax+1 {
			delete(d.pending, seq)
			d.settle(it, ErrCommandTimeout)
			continue
		}
		it.attempts++
		it.lastSent = now
		normal = append(normal, utm.BuildCommand(seq, it.h.Cmd))
		d.log.Debug("command retry",
			zap.String("cmd", it.h.Cmd.Type.String()),
			zap.Uint16("seq", seq),
			zap.Int("attempt", it.attempts))
	}

	// 2) 新指令：按优先级出队，全部转入 pending
	for _, it := range d.queue {
		it.attempts = 1
		it.firstSent = now
		it.lastSent = now
		d.pending[it.h.Seq] = it
		frame := utm.BuildCommand(it.h.Seq, it.h.Cmd)
		if it.priority == PriorityEmergency {
			emergency = append(emergency, frame)
		} else {
			normal = append(normal, frame)
		}
	}
	d.queue = d.queue[:0]

	return append(emergency, normal...)
}

// OnAck 按 seq 匹配 ACK 并解析句柄（仅 I/O worker 调用）。
// 只认 seq，不认到达顺序，重试场景下不会张冠李戴。
func (d *Dispatcher) OnAck(seq uint16, ack utm.Ack, now time.Time) {
	d.mu.Lock()
	it, ok := d.pending[seq]
	if ok {
		delete(d.pending, seq)
	}
	d.mu.Unlock()
	if !ok {
		// 重试后的重复 ACK，忽略
		d.log.Debug("ack without pending command", zap.Uint16("seq", seq))
		return
	}

	if d.m != nil {
		d.m.CommandRTT.Observe(now.Sub(it.firstSent).Seconds())
	}
	if ack.OK() {
		d.settle(it, nil)
		return
	}
	d.settle(it, &FirmwareError{Code: int(ack.Status), Desc: d.faults.Describe(int(ack.Status))})
}

// FailAll 链路丢失：在途与排队指令全部以 err 解析并清空
func (d *Dispatcher) FailAll(err error) {
	d.mu.Lock()
	pend := d.pending
	queued := d.queue
	d.pending = make(map[uint16]*item)
	d.queue = nil
	d.mu.Unlock()

	for _, it := range pend {
		d.settle(it, err)
	}
	for _, it := range queued {
		d.settle(it, err)
	}
}

// PendingCount 在途指令数（诊断用）
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) + len(d.queue)
}

// settle 解析句柄并上报指标
func (d *Dispatcher) settle(it *item, err error) {
	it.h.mu.Lock()
	it.h.attempts = it.attempts
	it.h.sentAt = it.firstSent
	it.h.mu.Unlock()
	if !it.h.resolve(err) {
		return
	}
	result := "acked"
	switch {
	case err == nil:
	case err == ErrCommandTimeout:
		result = "timeout"
		d.log.Warn("command timed out",
			zap.String("cmd", it.h.Cmd.Type.String()),
			zap.Uint16("seq", it.h.Seq),
			zap.Int("attempts", it.attempts))
	case err == ErrLinkLost:
		result = "linklost"
	default:
		result = "failed"
		d.log.Warn("command failed",
			zap.String("cmd", it.h.Cmd.Type.String()),
			zap.Uint16("seq", it.h.Seq),
			zap.Error(err))
	}
	if d.m != nil {
		d.m.CommandTotal.WithLabelValues(it.h.Cmd.Type.String(), result).Inc()
	}
}
