package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mechtest/utmlink/internal/config"
	"github.com/mechtest/utmlink/internal/dispatch"
	"github.com/mechtest/utmlink/internal/metrics"
	"github.com/mechtest/utmlink/internal/protocol/utm"
	"github.com/mechtest/utmlink/internal/serialport"
	"github.com/mechtest/utmlink/internal/telemetry"
)

var (
	// ErrAlreadyConnected 链路已建立，重复 Connect
	ErrAlreadyConnected = errors.New("link already connected")
	// ErrLinkLost 重连预算耗尽，链路判定丢失。
	// UTM 在施力过程中静默断线是安全隐患，该错误必须上抛给操作员，不允许吞掉。
	ErrLinkLost = errors.New("link lost")
)

// Transport 字节级串口抽象，便于测试注入
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) error
	Flush() error
	Close() error
}

// Dialer 打开串口的工厂函数
type Dialer func(name string, baud int, readTimeout time.Duration) (Transport, error)

// DefaultDialer 使用真实串口
func DefaultDialer(name string, baud int, readTimeout time.Duration) (Transport, error) {
	return serialport.Open(name, baud, readTimeout)
}

// Info 链路快照（API 层序列化）
type Info struct {
	State       string `json:"state"`
	Port        string `json:"port,omitempty"`
	Baud        int    `json:"baud,omitempty"`
	FramesRx    uint64 `json:"frames_rx"`
	BytesRx     uint64 `json:"bytes_rx"`
	CRCDropped  uint64 `json:"crc_dropped"`
	Reconnects  uint64 `json:"reconnects"`
	LastError   string `json:"last_error,omitempty"`
	Subscribers int    `json:"telemetry_subscribers"`
}

// Manager 链路管理器。独占持有 Transport 的单 I/O worker
// 负责全部读写、解码路由、心跳与重连；LinkState 与在途指令
// 的所有变更都只发生在该 worker（或持锁的 Connect/Disconnect）上。
type Manager struct {
	linkCfg   config.LinkConfig
	serialCfg config.SerialConfig
	maxFrame  int

	disp     *dispatch.Dispatcher
	samples  *telemetry.Hub[telemetry.Sample]
	events   *telemetry.Hub[telemetry.MachineEvent]
	geometry *telemetry.GeometryStore
	monitor  *telemetry.Monitor
	faults   *utm.FaultMap
	m        *metrics.LinkMetrics
	log      *zap.Logger
	dial     Dialer

	// onSample 每条样本的同步回调（归档器挂接），不得阻塞
	onSample func(telemetry.Sample)

	mu         sync.Mutex
	state      State
	port       Transport
	portName   string
	baud       int
	cancel     context.CancelFunc
	workerDone chan struct{}

	framesRx   uint64
	bytesRx    uint64
	crcDropped uint64
	reconnects uint64
	lastErr    error

	hbSeq     uint16
	lastState utm.MachineState
}

// Options Manager 装配参数
type Options struct {
	LinkConfig   config.LinkConfig
	SerialConfig config.SerialConfig
	MaxFrameLen  int
	Dispatcher   *dispatch.Dispatcher
	Samples      *telemetry.Hub[telemetry.Sample]
	Events       *telemetry.Hub[telemetry.MachineEvent]
	Geometry     *telemetry.GeometryStore
	Monitor      *telemetry.Monitor
	Faults       *utm.FaultMap
	Metrics      *metrics.LinkMetrics
	Logger       *zap.Logger
	Dialer       Dialer
	OnSample     func(telemetry.Sample)
}

// New 创建链路管理器
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dialer == nil {
		opts.Dialer = DefaultDialer
	}
	if opts.Faults == nil {
		opts.Faults = utm.DefaultFaultMap()
	}
	return &Manager{
		linkCfg:   opts.LinkConfig,
		serialCfg: opts.SerialConfig,
		maxFrame:  opts.MaxFrameLen,
		disp:      opts.Dispatcher,
		samples:   opts.Samples,
		events:    opts.Events,
		geometry:  opts.Geometry,
		monitor:   opts.Monitor,
		faults:    opts.Faults,
		m:         opts.Metrics,
		log:       opts.Logger,
		dial:      opts.Dialer,
		onSample:  opts.OnSample,
		state:     Disconnected,
	}
}

// State 当前链路状态
func (mgr *Manager) State() State {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.state
}

// Snapshot 链路信息快照
func (mgr *Manager) Snapshot() Info {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	info := Info{
		State:      mgr.state.String(),
		Port:       mgr.portName,
		Baud:       mgr.baud,
		FramesRx:   mgr.framesRx,
		BytesRx:    mgr.bytesRx,
		CRCDropped: mgr.crcDropped,
		Reconnects: mgr.reconnects,
	}
	if mgr.lastErr != nil {
		info.LastError = mgr.lastErr.Error()
	}
	if mgr.samples != nil {
		info.Subscribers = mgr.samples.SubscriberCount()
	}
	return info
}

// Connect 打开串口并启动 I/O worker。
// 返回时链路处于 Connecting；收到第一个合法帧后转入 Connected。
func (mgr *Manager) Connect(port string, baud int) error {
	mgr.mu.Lock()
	if mgr.state != Disconnected {
		mgr.mu.Unlock()
		return ErrAlreadyConnected
	}
	if port == "" {
		port = mgr.serialCfg.Port
	}
	if baud <= 0 {
		baud = mgr.serialCfg.Baud
	}
	if port == "" {
		mgr.mu.Unlock()
		return fmt.Errorf("no serial port specified")
	}
	mgr.setStateLocked(Connecting)
	mgr.mu.Unlock()

	t, err := mgr.openPort(port, baud)
	if err != nil {
		mgr.mu.Lock()
		mgr.lastErr = err
		mgr.setStateLocked(Disconnected)
		mgr.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	mgr.mu.Lock()
	mgr.port = t
	mgr.portName = port
	mgr.baud = baud
	mgr.cancel = cancel
	mgr.workerDone = done
	mgr.lastErr = nil
	mgr.mu.Unlock()

	if mgr.disp != nil {
		mgr.disp.SetAccepting(true)
	}
	go mgr.run(ctx, done)

	mgr.log.Info("serial link opened",
		zap.String("port", port), zap.Int("baud", baud))
	return nil
}

// Disconnect 主动关闭链路：停止 worker、关闭串口、
// 以 LinkLost 解析全部在途指令、终止当前遥测流。
func (mgr *Manager) Disconnect() error {
	mgr.mu.Lock()
	if mgr.state == Disconnected {
		mgr.mu.Unlock()
		return nil
	}
	cancel := mgr.cancel
	done := mgr.workerDone
	mgr.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	mgr.log.Info("serial link closed by request")
	return nil
}

// openPort 打开串口，等待 Arduino 复位并清空残留缓冲
func (mgr *Manager) openPort(port string, baud int) (Transport, error) {
	t, err := mgr.dial(port, baud, mgr.serialCfg.ReadTimeout)
	if err != nil {
		return nil, err
	}
	// Arduino 在 DTR 变化后自复位，启动期的输出不是合法帧
	if mgr.serialCfg.OpenDelay > 0 {
		time.Sleep(mgr.serialCfg.OpenDelay)
	}
	if err := t.Flush(); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

// setStateLocked 状态迁移（调用方持锁）
func (mgr *Manager) setStateLocked(s State) {
	if mgr.state == s {
		return
	}
	old := mgr.state
	mgr.state = s
	if mgr.m != nil {
		mgr.m.LinkStateGauge.Set(float64(s))
	}
	mgr.log.Info("link state changed",
		zap.String("from", old.String()), zap.String("to", s.String()))
	if mgr.events != nil {
		mgr.events.Publish(telemetry.MachineEvent{
			Time:    time.Now(),
			Kind:    telemetry.EventLink,
			Message: s.String(),
		})
	}
}

// run I/O worker 主循环。写由 Dispatcher 的 Due 驱动，
// 读以串口超时为节拍；心跳、降级判定与重连全部在此完成。
func (mgr *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	dec := utm.NewStreamDecoder(mgr.maxFrame)
	buf := make([]byte, 512)
	var seenDropped uint64

	interval := mgr.linkCfg.HeartbeatInterval
	degradeAfter := interval * time.Duration(mgr.linkCfg.HeartbeatMissLimit)

	now := time.Now()
	lastRx := now
	lastHB := time.Time{}

	reconnectAttempt := 0
	var nextReconnect time.Time

	for {
		select {
		case <-ctx.Done():
			mgr.teardown(nil)
			return
		case <-mgr.disp.Wake():
		default:
		}

		now = time.Now()

		mgr.mu.Lock()
		state := mgr.state
		port := mgr.port
		mgr.mu.Unlock()

		if port != nil {
			// 1) 下发：紧急帧在 Due 返回序列中先于一切普通帧
			for _, frame := range mgr.disp.Due(now) {
				if err := port.Write(frame); err != nil {
					mgr.log.Warn("serial write failed", zap.Error(err))
					port = mgr.dropPort(port)
					break
				}
			}
		}

		if port != nil {
			// 2) 空闲心跳探测
			if now.Sub(lastHB) >= interval && now.Sub(lastRx) >= interval {
				mgr.hbSeq++
				if err := port.Write(utm.BuildHeartbeat(mgr.hbSeq)); err != nil {
					mgr.log.Warn("heartbeat write failed", zap.Error(err))
					port = mgr.dropPort(port)
				} else {
					lastHB = now
					if mgr.m != nil {
						mgr.m.HeartbeatTotal.Inc()
					}
				}
			}
		}

		if port != nil {
			// 3) 有界阻塞读：超时返回 (0, nil) 形成循环节拍
			n, err := port.Read(buf)
			if err != nil {
				mgr.log.Warn("serial read failed", zap.Error(err))
				port = mgr.dropPort(port)
			} else if n > 0 {
				mgr.mu.Lock()
				mgr.bytesRx += uint64(n)
				mgr.mu.Unlock()
				if mgr.m != nil {
					mgr.m.BytesReceived.Add(float64(n))
				}
				frames := dec.Feed(buf[:n])
				if len(frames) > 0 {
					lastRx = time.Now()
					reconnectAttempt = 0
					nextReconnect = time.Time{}
					for _, fr := range frames {
						mgr.route(fr, lastRx)
					}
					// 任何合法帧都证明链路活着
					mgr.mu.Lock()
					if mgr.state == Connecting || mgr.state == Degraded {
						mgr.setStateLocked(Connected)
					}
					mgr.mu.Unlock()
				}
				if d := dec.Dropped(); d > seenDropped {
					delta := d - seenDropped
					seenDropped = d
					mgr.mu.Lock()
					mgr.crcDropped += delta
					mgr.mu.Unlock()
					if mgr.m != nil {
						mgr.m.FramesDropped.Add(float64(delta))
					}
				}
			}
		} else {
			// 串口不可用时避免热循环
			select {
			case <-ctx.Done():
				mgr.teardown(nil)
				return
			case <-time.After(50 * time.Millisecond):
			}
		}

		now = time.Now()

		// 4) 降级判定：心跳周期 × missLimit 内无任何帧
		if state == Connected && now.Sub(lastRx) >= degradeAfter {
			mgr.mu.Lock()
			mgr.setStateLocked(Degraded)
			mgr.mu.Unlock()
			state = Degraded
			reconnectAttempt = 0
			nextReconnect = now.Add(mgr.backoff(0))
		}

		// 5) 重连：Degraded（或串口已失效）时按退避驱动
		if (state == Degraded || state == Connecting) && port == nil && nextReconnect.IsZero() {
			nextReconnect = now.Add(mgr.backoff(reconnectAttempt))
		}
		if state == Degraded && !nextReconnect.IsZero() && now.After(nextReconnect) {
			if reconnectAttempt >= mgr.linkCfg.ReconnectAttempts {
				// 预算耗尽：LinkLost 恰好上抛一次
				mgr.teardown(ErrLinkLost)
				return
			}
			reconnectAttempt++
			mgr.mu.Lock()
			mgr.reconnects++
			mgr.mu.Unlock()
			if mgr.m != nil {
				mgr.m.ReconnectTotal.Inc()
			}
			mgr.log.Info("reconnect attempt",
				zap.Int("attempt", reconnectAttempt),
				zap.Int("max", mgr.linkCfg.ReconnectAttempts))

			if port != nil {
				port = mgr.dropPort(port)
			}
			t, err := mgr.openPort(mgr.portName, mgr.baud)
			if err != nil {
				mgr.mu.Lock()
				mgr.lastErr = err
				mgr.mu.Unlock()
				nextReconnect = time.Now().Add(mgr.backoff(reconnectAttempt))
			} else {
				dec = utm.NewStreamDecoder(mgr.maxFrame)
				seenDropped = 0
				mgr.mu.Lock()
				mgr.port = t
				mgr.mu.Unlock()
				port = t
				nextReconnect = time.Now().Add(mgr.backoff(reconnectAttempt))
			}
		}
	}
}

// dropPort 关闭失效串口；若此前处于 Connected 则立即转 Degraded
func (mgr *Manager) dropPort(port Transport) Transport {
	_ = port.Close()
	mgr.mu.Lock()
	mgr.port = nil
	if mgr.state == Connected || mgr.state == Connecting {
		mgr.setStateLocked(Degraded)
	}
	mgr.mu.Unlock()
	return nil
}

// backoff 第 attempt 次重连前的等待时间（指数递增，封顶）
func (mgr *Manager) backoff(attempt int) time.Duration {
	d := mgr.linkCfg.ReconnectBackoff
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if mgr.linkCfg.ReconnectBackoffMax > 0 && d >= mgr.linkCfg.ReconnectBackoffMax {
			return mgr.linkCfg.ReconnectBackoffMax
		}
	}
	return d
}

// teardown 结束 worker：关串口、判死在途指令、终止遥测流。
// lossErr 非 nil 表示非主动断开（LinkLost）。
func (mgr *Manager) teardown(lossErr error) {
	mgr.mu.Lock()
	if mgr.port != nil {
		_ = mgr.port.Close()
		mgr.port = nil
	}
	mgr.cancel = nil
	if lossErr != nil {
		mgr.lastErr = lossErr
	}
	mgr.setStateLocked(Disconnected)
	mgr.mu.Unlock()

	if mgr.disp != nil {
		mgr.disp.SetAccepting(false)
		mgr.disp.FailAll(dispatch.ErrLinkLost)
	}
	if lossErr != nil {
		mgr.log.Error("link lost", zap.Error(lossErr))
		if mgr.events != nil {
			mgr.events.Publish(telemetry.MachineEvent{
				Time:    time.Now(),
				Kind:    telemetry.EventLink,
				Message: "lost",
			})
		}
	}
	// 当前遥测流逻辑终止；重连后开始新流
	if mgr.samples != nil {
		mgr.samples.CloseAll()
	}
}

// route 将解码后的帧分发给调度器 / 遥测流 / 事件流（仅 worker 调用）
func (mgr *Manager) route(fr *utm.Frame, at time.Time) {
	mgr.mu.Lock()
	mgr.framesRx++
	mgr.mu.Unlock()
	if mgr.m != nil {
		mgr.m.FramesDecoded.WithLabelValues(fr.Type.String()).Inc()
	}

	switch fr.Type {
	case utm.TypeAck:
		ack, err := utm.DecodeAckPayload(fr.Payload)
		if err != nil {
			mgr.log.Warn("bad ack payload", zap.Error(err))
			return
		}
		mgr.disp.OnAck(fr.Seq, ack, at)

	case utm.TypeTelemetry:
		raw, err := utm.DecodeTelemetryPayload(fr.Payload)
		if err != nil {
			mgr.log.Warn("bad telemetry payload", zap.Error(err))
			return
		}
		var g telemetry.Geometry
		if mgr.geometry != nil {
			g = mgr.geometry.Get()
		}
		s := telemetry.Derive(fr.Seq, raw, g, at)
		if mgr.m != nil {
			mgr.m.SamplesTotal.Inc()
		}
		if mgr.monitor != nil {
			mgr.monitor.Check(s)
		}
		if mgr.samples != nil {
			mgr.samples.Publish(s)
		}
		if mgr.onSample != nil {
			mgr.onSample(s)
		}
		if raw.State != mgr.lastState {
			mgr.lastState = raw.State
			if mgr.events != nil {
				mgr.events.Publish(telemetry.MachineEvent{
					Time: at, Kind: telemetry.EventState, Message: raw.State.String(),
				})
			}
		}

	case utm.TypeHeartbeat:
		// 心跳应答只作链路活性证明，无业务载荷

	case utm.TypeEvent:
		ev, err := utm.DecodeEventPayload(fr.Payload)
		if err != nil {
			mgr.log.Warn("bad event payload", zap.Error(err))
			return
		}
		mgr.publishFirmwareEvent(ev, at)

	case utm.TypeError:
		if len(fr.Payload) < 1 {
			return
		}
		code := int(fr.Payload[0])
		mgr.log.Error("firmware fault",
			zap.Int("code", code), zap.String("desc", mgr.faults.Describe(code)))
		if mgr.events != nil {
			mgr.events.Publish(telemetry.MachineEvent{
				Time: at, Kind: telemetry.EventFault,
				Fault: code, Message: mgr.faults.Describe(code),
			})
		}

	default:
		mgr.log.Debug("unexpected frame type", zap.String("type", fr.Type.String()))
	}
}

// publishFirmwareEvent PCB 按键与转速回报。
// 按键动作由固件本地执行，这里只镜像给订阅者，不重复下发指令。
func (mgr *Manager) publishFirmwareEvent(ev utm.Event, at time.Time) {
	if mgr.events == nil {
		return
	}
	switch ev.Kind {
	case utm.EventButton:
		name := "unknown"
		switch ev.Button {
		case utm.ButtonOpen:
			name = "open"
		case utm.ButtonClose:
			name = "close"
		case utm.ButtonStop:
			name = "stop"
		case utm.ButtonZero:
			name = "zero"
		}
		mgr.events.Publish(telemetry.MachineEvent{
			Time: at, Kind: telemetry.EventButton, Button: name,
		})
	case utm.EventSpeedReport:
		mgr.events.Publish(telemetry.MachineEvent{
			Time: at, Kind: telemetry.EventSpeedEcho, SpeedRPM: int(ev.SpeedRPM),
		})
	}
}
