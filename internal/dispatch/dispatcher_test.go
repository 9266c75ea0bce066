package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mechtest/utmlink/internal/config"
	"github.com/mechtest/utmlink/internal/protocol/utm"
)

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		AckTimeout: 500 * time.Millisecond,
		RetryMax:   2,
		QueueSize:  8,
		RatePerSec: 1000,
		Burst:      1000,
	}
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New(testConfig(), utm.DefaultFaultMap(), nil, nil)
	d.SetAccepting(true)
	return d
}

func decodeFrames(t *testing.T, frames [][]byte) []utm.Command {
	t.Helper()
	out := make([]utm.Command, 0, len(frames))
	for _, raw := range frames {
		fr, err := utm.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, utm.TypeCommand, fr.Type)
		c, err := utm.DecodeCommandPayload(fr.Payload)
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func TestSubmit_AckResolvesHandle(t *testing.T) {
	d := newTestDispatcher(t)
	t0 := time.Now()

	h, err := d.Submit(utm.Command{Type: utm.CmdOpen})
	require.NoError(t, err)

	frames := d.Due(t0)
	require.Len(t, frames, 1)

	d.OnAck(h.Seq, utm.Ack{Cmd: utm.CmdOpen, Status: 0}, t0.Add(10*time.Millisecond))

	select {
	case <-h.Done():
	default:
		t.Fatal("handle not resolved after ack")
	}
	require.NoError(t, h.Err())
	require.Equal(t, "acked", h.Snapshot().State)
	require.Equal(t, 0, d.PendingCount())
}

func TestSubmit_TimeoutAfterRetryBudget(t *testing.T) {
	d := newTestDispatcher(t)
	t0 := time.Now()

	h, err := d.Submit(utm.Command{Type: utm.CmdClose})
	require.NoError(t, err)

	// 首发 + RetryMax 次重试
	require.Len(t, d.Due(t0), 1)
	require.Len(t, d.Due(t0.Add(600*time.Millisecond)), 1)
	require.Len(t, d.Due(t0.Add(1200*time.Millisecond)), 1)

	// 预算耗尽后的下一个超时周期判死
	require.Empty(t, d.Due(t0.Add(1800*time.Millisecond)))
	require.ErrorIs(t, h.Err(), ErrCommandTimeout)
	require.Equal(t, 3, h.Snapshot().Attempts)

	// 迟到的 ACK 不得复活句柄（恰好解析一次）
	d.OnAck(h.Seq, utm.Ack{Cmd: utm.CmdClose}, t0.Add(2*time.Second))
	require.ErrorIs(t, h.Err(), ErrCommandTimeout)
}

func TestStop_PreemptsPendingRetry(t *testing.T) {
	d := newTestDispatcher(t)
	t0 := time.Now()

	_, err := d.Submit(utm.Command{Type: utm.CmdClose})
	require.NoError(t, err)
	require.Len(t, d.Due(t0), 1)

	hStop, err := d.Submit(utm.Command{Type: utm.CmdStop})
	require.NoError(t, err)

	// close 已到重试时间，但 stop 必须排在它的重试之前
	frames := d.Due(t0.Add(600 * time.Millisecond))
	cmds := decodeFrames(t, frames)
	require.GreaterOrEqual(t, len(cmds), 2)
	require.Equal(t, utm.CmdStop, cmds[0].Type)

	// 未 ACK 时 stop 在每个周期持续重发，不等退避
	frames = d.Due(t0.Add(700 * time.Millisecond))
	cmds = decodeFrames(t, frames)
	require.NotEmpty(t, cmds)
	require.Equal(t, utm.CmdStop, cmds[0].Type)

	d.OnAck(hStop.Seq, utm.Ack{Cmd: utm.CmdStop}, t0.Add(710*time.Millisecond))
	require.NoError(t, hStop.Err())
}

func TestStop_AcceptedWhileDisconnected(t *testing.T) {
	d := newTestDispatcher(t)
	d.SetAccepting(false)

	_, err := d.Submit(utm.Command{Type: utm.CmdOpen})
	require.ErrorIs(t, err, ErrNotConnected)

	h, err := d.Submit(utm.Command{Type: utm.CmdStop})
	require.NoError(t, err)
	require.Equal(t, "pending", h.Snapshot().State)
}

func TestAck_MatchedBySeqNotArrivalOrder(t *testing.T) {
	d := newTestDispatcher(t)
	t0 := time.Now()

	h1, err := d.Submit(utm.Command{Type: utm.CmdZero, Channel: utm.ZeroChannelLoad})
	require.NoError(t, err)
	h2, err := d.Submit(utm.Command{Type: utm.CmdPing})
	require.NoError(t, err)
	require.Len(t, d.Due(t0), 2)

	// 乱序 ACK：先应答后发的指令
	d.OnAck(h2.Seq, utm.Ack{Cmd: utm.CmdPing}, t0)
	require.NoError(t, h2.Err())
	require.Equal(t, "pending", h1.Snapshot().State)

	d.OnAck(h1.Seq, utm.Ack{Cmd: utm.CmdZero}, t0)
	require.NoError(t, h1.Err())
}

func TestFailAll_ResolvesEverythingAsLinkLost(t *testing.T) {
	d := newTestDispatcher(t)
	t0 := time.Now()

	h1, _ := d.Submit(utm.Command{Type: utm.CmdOpen})
	d.Due(t0) // h1 进入在途
	h2, _ := d.Submit(utm.Command{Type: utm.CmdClose})

	d.FailAll(ErrLinkLost)
	require.ErrorIs(t, h1.Err(), ErrLinkLost)
	require.ErrorIs(t, h2.Err(), ErrLinkLost)
	require.Equal(t, 0, d.PendingCount())
}

func TestAck_FirmwareErrorStatus(t *testing.T) {
	d := newTestDispatcher(t)
	t0 := time.Now()

	h, _ := d.Submit(utm.Command{Type: utm.CmdSetSpeed, SpeedRPM: 120})
	d.Due(t0)
	d.OnAck(h.Seq, utm.Ack{Cmd: utm.CmdSetSpeed, Status: 10}, t0)

	var fwErr *FirmwareError
	require.ErrorAs(t, h.Err(), &fwErr)
	require.Equal(t, 10, fwErr.Code)
}

func TestSubmit_RateLimitSparesEmergency(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerSec = 1
	cfg.Burst = 1
	d := New(cfg, utm.DefaultFaultMap(), nil, nil)
	d.SetAccepting(true)

	_, err := d.Submit(utm.Command{Type: utm.CmdPing})
	require.NoError(t, err)
	_, err = d.Submit(utm.Command{Type: utm.CmdPing})
	require.ErrorIs(t, err, ErrRateLimited)

	// 急停不受令牌桶约束
	_, err = d.Submit(utm.Command{Type: utm.CmdStop})
	require.NoError(t, err)
}

func TestSubmit_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	d := New(cfg, utm.DefaultFaultMap(), nil, nil)
	d.SetAccepting(true)

	_, err := d.Submit(utm.Command{Type: utm.CmdPing})
	require.NoError(t, err)
	_, err = d.Submit(utm.Command{Type: utm.CmdPing})
	require.NoError(t, err)
	_, err = d.Submit(utm.Command{Type: utm.CmdPing})
	require.True(t, errors.Is(err, ErrQueueFull))
}
