package utm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MachineState 固件上报的机器状态字节
type MachineState uint8

const (
	StateIdle     MachineState = 0x00
	StateOpening  MachineState = 0x01
	StateClosing  MachineState = 0x02
	StateStopped  MachineState = 0x03
	StateTurboset MachineState = 0x04
	StateFault    MachineState = 0x05
)

// String 状态名称
func (s MachineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateClosing:
		return "closing"
	case StateStopped:
		return "stopped"
	case StateTurboset:
		return "turboset"
	case StateFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Telemetry 遥测帧 payload：载荷(N) + 位移(mm) + 状态字节
// 布局：forceLE float32[4] | displacementLE float32[4] | state[1]
type Telemetry struct {
	ForceN         float32
	DisplacementMM float32
	State          MachineState
}

const telemetryPayloadLen = 9

// DecodeTelemetryPayload 解码遥测 payload
func DecodeTelemetryPayload(p []byte) (Telemetry, error) {
	if len(p) < telemetryPayloadLen {
		return Telemetry{}, fmt.Errorf("telemetry payload too short: %d", len(p))
	}
	return Telemetry{
		ForceN:         math.Float32frombits(binary.LittleEndian.Uint32(p[0:4])),
		DisplacementMM: math.Float32frombits(binary.LittleEndian.Uint32(p[4:8])),
		State:          MachineState(p[8]),
	}, nil
}

// EncodeTelemetryPayload 编码遥测 payload（固件模拟与测试用）
func EncodeTelemetryPayload(t Telemetry) []byte {
	p := make([]byte, telemetryPayloadLen)
	binary.LittleEndian.PutUint32(p[0:4], math.Float32bits(t.ForceN))
	binary.LittleEndian.PutUint32(p[4:8], math.Float32bits(t.DisplacementMM))
	p[8] = byte(t.State)
	return p
}

// EventKind 固件事件类型
type EventKind uint8

const (
	// EventButton PCB 实体按键。按键动作由固件本地执行，
	// 上位机只收到事件镜像，不重复下发指令。
	EventButton EventKind = 0x01
	// EventSpeedReport 当前转速回报（GetSpeed 的应答数据）
	EventSpeedReport EventKind = 0x02
)

// PCB 按键码（与面板丝印一致）
const (
	ButtonOpen  uint8 = 0x01
	ButtonClose uint8 = 0x02
	ButtonStop  uint8 = 0x03
	ButtonZero  uint8 = 0x04
)

// Event 事件帧 payload
type Event struct {
	Kind     EventKind
	Button   uint8  // EventButton
	SpeedRPM uint16 // EventSpeedReport
}

// DecodeEventPayload 解码事件 payload
func DecodeEventPayload(p []byte) (Event, error) {
	if len(p) < 1 {
		return Event{}, fmt.Errorf("empty event payload")
	}
	ev := Event{Kind: EventKind(p[0])}
	switch ev.Kind {
	case EventButton:
		if len(p) < 2 {
			return Event{}, fmt.Errorf("button event payload too short: %d", len(p))
		}
		ev.Button = p[1]
	case EventSpeedReport:
		if len(p) < 3 {
			return Event{}, fmt.Errorf("speed event payload too short: %d", len(p))
		}
		ev.SpeedRPM = binary.LittleEndian.Uint16(p[1:3])
	default:
		return Event{}, fmt.Errorf("unknown event kind 0x%02X", p[0])
	}
	return ev, nil
}

// EncodeEventPayload 编码事件 payload（固件模拟与测试用）
func EncodeEventPayload(ev Event) []byte {
	switch ev.Kind {
	case EventSpeedReport:
		p := make([]byte, 3)
		p[0] = byte(ev.Kind)
		binary.LittleEndian.PutUint16(p[1:], ev.SpeedRPM)
		return p
	default:
		return []byte{byte(ev.Kind), ev.Button}
	}
}
