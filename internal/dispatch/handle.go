package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mechtest/utmlink/internal/protocol/utm"
)

// Handle 指令句柄（future）。Send 立即返回句柄而非最终结果，
// 调用方通过 Done/Wait 获取结果，协议操作绝不在调用线程上同步阻塞。
// 句柄恰好被解析一次：ACK 成功、超时失败或链路丢失，三者取其一。
type Handle struct {
	ID  string
	Cmd utm.Command
	Seq uint16

	done chan struct{}

	mu        sync.Mutex
	err       error
	resolved  bool
	attempts  int
	sentAt    time.Time
	settledAt time.Time
}

func newHandle(cmd utm.Command, seq uint16) *Handle {
	return &Handle{
		ID:   uuid.New().String(),
		Cmd:  cmd,
		Seq:  seq,
		done: make(chan struct{}),
	}
}

// Done 指令终态通知通道
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err 终态错误；nil 表示已被固件确认。仅在 Done 关闭后有意义。
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Latency 首次发送到终态的耗时；未发送或未终态时为 0
func (h *Handle) Latency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sentAt.IsZero() || h.settledAt.IsZero() {
		return 0
	}
	return h.settledAt.Sub(h.sentAt)
}

// Wait 阻塞等待终态或 ctx 取消
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve 设置终态，幂等：只有第一次生效
func (h *Handle) resolve(err error) bool {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return false
	}
	h.resolved = true
	h.err = err
	h.settledAt = time.Now()
	h.mu.Unlock()
	close(h.done)
	return true
}

// Status API 层可序列化的句柄快照
type Status struct {
	ID       string `json:"id"`
	Command  string `json:"command"`
	Seq      uint16 `json:"seq"`
	Attempts int    `json:"attempts"`
	State    string `json:"state"` // pending | acked | failed
	Error    string `json:"error,omitempty"`
}

// Snapshot 构造状态快照
func (h *Handle) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		ID:       h.ID,
		Command:  h.Cmd.Type.String(),
		Seq:      h.Seq,
		Attempts: h.attempts,
		State:    "pending",
	}
	if h.resolved {
		if h.err == nil {
			st.State = "acked"
		} else {
			st.State = "failed"
			st.Error = h.err.Error()
		}
	}
	return st
}
