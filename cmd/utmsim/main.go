// utmsim 在一个串口（通常是 socat 虚拟串口对的一端）上模拟
// UTM 固件：应答指令、回报按键事件、按固定采样率推送遥测。
// 用于无硬件环境下联调 utmlinkd：
//
//	socat -d -d pty,raw,echo=0,link=/tmp/utm-a pty,raw,echo=0,link=/tmp/utm-b
//	utmsim -port /tmp/utm-a
//	UTM_SERIAL_PORT=/tmp/utm-b utmlinkd
package main

import (
	"flag"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mechtest/utmlink/internal/protocol/utm"
	"github.com/mechtest/utmlink/internal/serialport"
)

func main() {
	portName := flag.String("port", "/tmp/utm-a", "serial port to serve on")
	baud := flag.Int("baud", 115200, "baud rate")
	rate := flag.Duration("rate", 20*time.Millisecond, "telemetry interval")
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer func() { _ = log.Sync() }()

	port, err := serialport.Open(*portName, *baud, 20*time.Millisecond)
	if err != nil {
		log.Fatal("open port failed", zap.Error(err))
	}
	defer port.Close()
	log.Info("firmware simulator listening", zap.String("port", *portName))

	sim := &firmware{
		port:  port,
		log:   log,
		dec:   utm.NewStreamDecoder(0),
		state: utm.StateIdle,
		speed: 10,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()
	buf := make([]byte, 256)

	for {
		select {
		case <-stop:
			log.Info("simulator stopped")
			return
		case <-ticker.C:
			sim.emitTelemetry()
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			log.Fatal("read failed", zap.Error(err))
		}
		if n == 0 {
			continue
		}
		for _, fr := range sim.dec.Feed(buf[:n]) {
			sim.handle(fr)
		}
	}
}

// firmware 模拟的机器状态
type firmware struct {
	port  *serialport.Port
	log   *zap.Logger
	dec   *utm.StreamDecoder
	state utm.MachineState
	speed uint16
	pos   float64
	seq   uint16
	t     float64
}

func (f *firmware) handle(fr *utm.Frame) {
	switch fr.Type {
	case utm.TypeCommand:
		cmd, err := utm.DecodeCommandPayload(fr.Payload)
		if err != nil {
			f.log.Warn("bad command", zap.Error(err))
			return
		}
		f.apply(cmd)
		f.ack(fr.Seq, cmd)
	case utm.TypeHeartbeat:
		// 原样回一个心跳，证明链路活着
		f.write(utm.BuildHeartbeat(fr.Seq))
	}
}

func (f *firmware) ack(seq uint16, cmd utm.Command) {
	ack := utm.Ack{Cmd: cmd.Type, Status: 0}
	f.write(utm.Build(utm.TypeAck, seq, utm.EncodeAckPayload(ack)))
	if cmd.Type == utm.CmdGetSpeed {
		ev := utm.Event{Kind: utm.EventSpeedReport, SpeedRPM: f.speed}
		f.write(utm.Build(utm.TypeEvent, seq, utm.EncodeEventPayload(ev)))
	}
}

func (f *firmware) apply(cmd utm.Command) {
	switch cmd.Type {
	case utm.CmdStop:
		f.state = utm.StateStopped
	case utm.CmdOpen:
		f.state = utm.StateOpening
	case utm.CmdClose:
		f.state = utm.StateClosing
	case utm.CmdTurboset:
		f.state = utm.StateTurboset
	case utm.CmdZero:
		f.pos = 0
	case utm.CmdSetSpeed:
		f.speed = cmd.SpeedRPM
	}
	f.log.Info("command applied",
		zap.String("cmd", cmd.Type.String()),
		zap.String("state", f.state.String()))
}

// emitTelemetry 合成一条样本：运动状态下位置匀速变化，
// 载荷随位置近似线性并叠加一点噪声
func (f *firmware) emitTelemetry() {
	f.t += 0.02
	switch f.state {
	case utm.StateOpening:
		f.pos += float64(f.speed) * 0.001
	case utm.StateClosing:
		f.pos -= float64(f.speed) * 0.001
	}
	force := f.pos*42 + math.Sin(f.t*7)*0.5

	f.seq++
	payload := utm.EncodeTelemetryPayload(utm.Telemetry{
		ForceN:         float32(force),
		DisplacementMM: float32(f.pos),
		State:          f.state,
	})
	f.write(utm.Build(utm.TypeTelemetry, f.seq, payload))
}

func (f *firmware) write(b []byte) {
	if err := f.port.Write(b); err != nil {
		f.log.Fatal("write failed", zap.Error(err))
	}
}
