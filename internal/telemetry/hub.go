package telemetry

import "sync"

// Hub 多订阅者广播。每个订阅者持有一条有界缓冲通道，
// 溢出时丢弃最旧元素，绝不阻塞发布方（I/O worker）。
type Hub[T any] struct {
	mu      sync.Mutex
	subs    map[int]chan T
	nextID  int
	bufSize int
	dropped uint64
	// onDrop 每丢弃一个元素回调一次（指标上报），可为 nil
	onDrop func()
}

// NewHub 创建广播器，bufSize 为每个订阅者的缓冲长度
func NewHub[T any](bufSize int, onDrop func()) *Hub[T] {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Hub[T]{subs: make(map[int]chan T), bufSize: bufSize, onDrop: onDrop}
}

// Subscription 一路订阅。消费 C，结束后调用 Cancel。
// C 被关闭表示流终止（链路断开），重连后需重新订阅新流。
type Subscription[T any] struct {
	C      <-chan T
	cancel func()
}

// Cancel 退订，幂等
func (s *Subscription[T]) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Subscribe 新增订阅者
func (h *Hub[T]) Subscribe() *Subscription[T] {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan T, h.bufSize)
	h.subs[id] = ch
	h.mu.Unlock()

	return &Subscription[T]{
		C: ch,
		cancel: func() {
			h.mu.Lock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
			h.mu.Unlock()
		},
	}
}

// Publish 向所有订阅者广播。缓冲满时先弹出最旧元素再入队。
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
			// 丢最旧，保最新
			select {
			case <-ch:
				h.dropped++
				if h.onDrop != nil {
					h.onDrop()
				}
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// CloseAll 关闭全部订阅者通道（链路断开时流逻辑终止）。
// 已有 Subscription 失效；之后的 Subscribe 开始一条新流。
func (h *Hub[T]) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Dropped 溢出丢弃计数（诊断用）
func (h *Hub[T]) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// SubscriberCount 当前订阅者数量
func (h *Hub[T]) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
