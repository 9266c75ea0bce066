package link

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mechtest/utmlink/internal/config"
	"github.com/mechtest/utmlink/internal/dispatch"
	"github.com/mechtest/utmlink/internal/protocol/utm"
	"github.com/mechtest/utmlink/internal/telemetry"
)

// fakeTransport 脚本化串口：队列化的读数据、记录全部写入
type fakeTransport struct {
	mu      sync.Mutex
	rx      [][]byte
	written [][]byte
	readErr error
	closed  bool
}

func (t *fakeTransport) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond) // 模拟串口读超时节拍
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr != nil {
		return 0, t.readErr
	}
	if len(t.rx) == 0 {
		return 0, nil
	}
	b := t.rx[0]
	t.rx = t.rx[1:]
	return copy(p, b), nil
}

func (t *fakeTransport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, append([]byte(nil), p...))
	return nil
}

func (t *fakeTransport) Flush() error { return nil }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) push(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rx = append(t.rx, b)
}

func (t *fakeTransport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readErr = err
}

func (t *fakeTransport) writtenFrames(tb testing.TB) []*utm.Frame {
	t.mu.Lock()
	raw := make([][]byte, len(t.written))
	copy(raw, t.written)
	t.mu.Unlock()
	var out []*utm.Frame
	for _, b := range raw {
		fr, err := utm.Parse(b)
		require.NoError(tb, err)
		out = append(out, fr)
	}
	return out
}

// fakeDialer 按顺序返回预置的 Transport 或错误
type fakeDialer struct {
	mu    sync.Mutex
	seq   []Transport
	calls int
	err   error // seq 耗尽后每次返回
}

func (d *fakeDialer) dial(string, int, time.Duration) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.seq) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("no transport scripted")
	}
	t := d.seq[0]
	d.seq = d.seq[1:]
	return t, nil
}

func testLinkConfig() config.LinkConfig {
	return config.LinkConfig{
		HeartbeatInterval:   20 * time.Millisecond,
		HeartbeatMissLimit:  2,
		ReconnectAttempts:   2,
		ReconnectBackoff:    2 * time.Millisecond,
		ReconnectBackoffMax: 10 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, d Dialer) (*Manager, *dispatch.Dispatcher, *telemetry.Hub[telemetry.Sample], *telemetry.Hub[telemetry.MachineEvent]) {
	t.Helper()
	disp := dispatch.New(config.DispatchConfig{
		AckTimeout: 50 * time.Millisecond,
		RetryMax:   2,
		QueueSize:  16,
		RatePerSec: 1000,
		Burst:      100,
	}, utm.DefaultFaultMap(), nil, zap.NewNop())
	samples := telemetry.NewHub[telemetry.Sample](16, nil)
	events := telemetry.NewHub[telemetry.MachineEvent](32, nil)
	mgr := New(Options{
		LinkConfig:   testLinkConfig(),
		SerialConfig: config.SerialConfig{Port: "fake0", Baud: 115200, ReadTimeout: time.Millisecond},
		MaxFrameLen:  128,
		Dispatcher:   disp,
		Samples:      samples,
		Events:       events,
		Geometry:     &telemetry.GeometryStore{},
		Logger:       zap.NewNop(),
		Dialer:       d,
	})
	t.Cleanup(func() { _ = mgr.Disconnect() })
	return mgr, disp, samples, events
}

func waitState(t *testing.T, mgr *Manager, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if mgr.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("link state = %s, want %s", mgr.State(), want)
}

func TestManager_ConnectedOnFirstValidFrame(t *testing.T) {
	ft := &fakeTransport{}
	mgr, _, _, _ := newTestManager(t, (&fakeDialer{seq: []Transport{ft}}).dial)

	require.NoError(t, mgr.Connect("", 0))
	require.NotEqual(t, Connected, mgr.State())

	ft.push(utm.Build(utm.TypeHeartbeat, 1, nil))
	waitState(t, mgr, Connected, time.Second)

	info := mgr.Snapshot()
	require.Equal(t, "fake0", info.Port)
	require.GreaterOrEqual(t, info.FramesRx, uint64(1))
}

func TestManager_ConnectWhileConnected(t *testing.T) {
	ft := &fakeTransport{}
	mgr, _, _, _ := newTestManager(t, (&fakeDialer{seq: []Transport{ft}}).dial)

	require.NoError(t, mgr.Connect("", 0))
	require.ErrorIs(t, mgr.Connect("", 0), ErrAlreadyConnected)
}

func TestManager_HeartbeatOnIdleLink(t *testing.T) {
	ft := &fakeTransport{}
	mgr, _, _, _ := newTestManager(t, (&fakeDialer{seq: []Transport{ft}}).dial)

	require.NoError(t, mgr.Connect("", 0))
	ft.push(utm.Build(utm.TypeHeartbeat, 1, nil))
	waitState(t, mgr, Connected, time.Second)

	// 安静链路上应周期性发出心跳探测
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, fr := range ft.writtenFrames(t) {
			if fr.Type == utm.TypeHeartbeat {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no heartbeat frame written on idle link")
}

func TestManager_DegradedAfterSilence(t *testing.T) {
	ft := &fakeTransport{}
	mgr, _, _, _ := newTestManager(t, (&fakeDialer{seq: []Transport{ft, ft, ft}}).dial)

	require.NoError(t, mgr.Connect("", 0))
	ft.push(utm.Build(utm.TypeHeartbeat, 1, nil))
	waitState(t, mgr, Connected, time.Second)

	// 心跳周期 × 容忍次数内无任何帧 → Degraded
	waitState(t, mgr, Degraded, time.Second)

	// 任意合法帧恢复 Connected
	ft.push(utm.Build(utm.TypeHeartbeat, 2, nil))
	waitState(t, mgr, Connected, time.Second)
}

func TestManager_LinkLostExactlyOnce(t *testing.T) {
	ft := &fakeTransport{}
	dialer := &fakeDialer{seq: []Transport{ft}, err: errors.New("device gone")}
	mgr, disp, _, events := newTestManager(t, dialer.dial)

	sub := events.Subscribe()
	var mu sync.Mutex
	var lost int
	go func() {
		for ev := range sub.C {
			if ev.Kind == telemetry.EventLink && ev.Message == "lost" {
				mu.Lock()
				lost++
				mu.Unlock()
			}
		}
	}()

	require.NoError(t, mgr.Connect("", 0))
	ft.push(utm.Build(utm.TypeHeartbeat, 1, nil))
	waitState(t, mgr, Connected, time.Second)

	h, err := disp.Submit(utm.Command{Type: utm.CmdPing})
	require.NoError(t, err)

	// 设备消失；后续所有重连拨号都失败
	ft.fail(errors.New("input/output error"))
	waitState(t, mgr, Disconnected, 3*time.Second)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("pending command not settled after link loss")
	}
	require.ErrorIs(t, h.Err(), dispatch.ErrLinkLost)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 1, lost)
	mu.Unlock()
	sub.Cancel()

	require.GreaterOrEqual(t, dialer.calls, 1+mgr.linkCfg.ReconnectAttempts)
}

func TestManager_ReconnectRestoresLink(t *testing.T) {
	ft1 := &fakeTransport{}
	ft2 := &fakeTransport{}
	mgr, _, _, _ := newTestManager(t, (&fakeDialer{seq: []Transport{ft1, ft2}}).dial)

	require.NoError(t, mgr.Connect("", 0))
	ft1.push(utm.Build(utm.TypeHeartbeat, 1, nil))
	waitState(t, mgr, Connected, time.Second)

	ft1.fail(errors.New("input/output error"))
	waitState(t, mgr, Degraded, time.Second)

	// 重连换上新串口后，收帧即恢复
	ft2.push(utm.Build(utm.TypeHeartbeat, 2, nil))
	waitState(t, mgr, Connected, 2*time.Second)
	require.GreaterOrEqual(t, mgr.Snapshot().Reconnects, uint64(1))
}

func TestManager_RoutesTelemetryToSubscribers(t *testing.T) {
	ft := &fakeTransport{}
	mgr, _, samples, _ := newTestManager(t, (&fakeDialer{seq: []Transport{ft}}).dial)

	sub := samples.Subscribe()
	defer sub.Cancel()

	require.NoError(t, mgr.Connect("", 0))
	payload := utm.EncodeTelemetryPayload(utm.Telemetry{
		ForceN: 123.5, DisplacementMM: 4.25, State: utm.StateClosing,
	})
	ft.push(utm.Build(utm.TypeTelemetry, 7, payload))

	select {
	case s := <-sub.C:
		require.InDelta(t, 123.5, s.ForceN, 1e-4)
		require.InDelta(t, 4.25, s.DisplacementMM, 1e-4)
		require.Equal(t, utm.StateClosing, s.State)
		require.Equal(t, "closing", s.StateName)
		require.False(t, s.DerivedValid) // 未登记试样几何
	case <-time.After(time.Second):
		t.Fatal("telemetry sample not delivered")
	}
	waitState(t, mgr, Connected, time.Second)
}

func TestManager_AckSettlesCommand(t *testing.T) {
	ft := &fakeTransport{}
	mgr, disp, _, _ := newTestManager(t, (&fakeDialer{seq: []Transport{ft}}).dial)

	require.NoError(t, mgr.Connect("", 0))
	ft.push(utm.Build(utm.TypeHeartbeat, 1, nil))
	waitState(t, mgr, Connected, time.Second)

	h, err := disp.Submit(utm.Command{Type: utm.CmdOpen})
	require.NoError(t, err)

	// 等待指令真正写到串口，再按它的 seq 回 ack
	deadline := time.Now().Add(time.Second)
	var sent *utm.Frame
	for sent == nil && time.Now().Before(deadline) {
		for _, fr := range ft.writtenFrames(t) {
			if fr.Type == utm.TypeCommand {
				sent = fr
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.NotNil(t, sent, "command frame never written")

	ft.push(utm.Build(utm.TypeAck, sent.Seq, utm.EncodeAckPayload(utm.Ack{
		Cmd: utm.CmdOpen, Status: 0,
	})))

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("ack did not settle command")
	}
	require.NoError(t, h.Err())
}

func TestManager_DisconnectClosesStreams(t *testing.T) {
	ft := &fakeTransport{}
	mgr, _, samples, _ := newTestManager(t, (&fakeDialer{seq: []Transport{ft}}).dial)

	sub := samples.Subscribe()
	require.NoError(t, mgr.Connect("", 0))
	ft.push(utm.Build(utm.TypeHeartbeat, 1, nil))
	waitState(t, mgr, Connected, time.Second)

	require.NoError(t, mgr.Disconnect())
	require.Equal(t, Disconnected, mgr.State())

	select {
	case _, ok := <-sub.C:
		require.False(t, ok, "stream should be closed after disconnect")
	case <-time.After(time.Second):
		t.Fatal("stream not closed after disconnect")
	}

	ft.mu.Lock()
	closed := ft.closed
	ft.mu.Unlock()
	require.True(t, closed)
}
