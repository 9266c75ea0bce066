package utm

import (
	"encoding/binary"
	"fmt"
)

// CommandType 指令码（与固件 switch 分支一一对应）
type CommandType uint8

const (
	CmdStop     CommandType = 0x00 // 急停，最高优先级
	CmdOpen     CommandType = 0x01 // 夹头张开（上行）
	CmdClose    CommandType = 0x02 // 夹头闭合（下行）
	CmdTurboset CommandType = 0x03 // Turboset 自动归位程序
	CmdZero     CommandType = 0x04 // 传感器清零，载荷或位移通道
	CmdPing     CommandType = 0x05 // 连通性测试
	CmdSetSpeed CommandType = 0x06 // 设置步进电机转速 (RPM)
	CmdGetSpeed CommandType = 0x07 // 查询当前转速
)

// String 指令名称
func (c CommandType) String() string {
	switch c {
	case CmdStop:
		return "stop"
	case CmdOpen:
		return "open"
	case CmdClose:
		return "close"
	case CmdTurboset:
		return "turboset"
	case CmdZero:
		return "zero"
	case CmdPing:
		return "ping"
	case CmdSetSpeed:
		return "set_speed"
	case CmdGetSpeed:
		return "get_speed"
	default:
		return "unknown"
	}
}

// ParseCommandType 由名称解析指令码（API 层输入）
func ParseCommandType(s string) (CommandType, error) {
	switch s {
	case "stop":
		return CmdStop, nil
	case "open":
		return CmdOpen, nil
	case "close":
		return CmdClose, nil
	case "turboset":
		return CmdTurboset, nil
	case "zero":
		return CmdZero, nil
	case "ping", "test":
		return CmdPing, nil
	case "set_speed":
		return CmdSetSpeed, nil
	case "get_speed":
		return CmdGetSpeed, nil
	default:
		return 0, fmt.Errorf("unknown command %q", s)
	}
}

// 清零通道
const (
	ZeroChannelLoad     uint8 = 0x00
	ZeroChannelPosition uint8 = 0x01
	ZeroChannelAll      uint8 = 0xFF
)

// Command 一条待下发指令。SpeedRPM 仅 CmdSetSpeed 使用，Channel 仅 CmdZero 使用。
type Command struct {
	Type     CommandType
	SpeedRPM uint16
	Channel  uint8
}

// EncodePayload 编码指令 payload：cmd[1] + 参数（变长）
func (c Command) EncodePayload() []byte {
	switch c.Type {
	case CmdSetSpeed:
		p := make([]byte, 3)
		p[0] = byte(c.Type)
		binary.LittleEndian.PutUint16(p[1:], c.SpeedRPM)
		return p
	case CmdZero:
		return []byte{byte(c.Type), c.Channel}
	default:
		return []byte{byte(c.Type)}
	}
}

// DecodeCommandPayload 解码指令 payload（回环与测试用）
func DecodeCommandPayload(p []byte) (Command, error) {
	if len(p) < 1 {
		return Command{}, fmt.Errorf("empty command payload")
	}
	c := Command{Type: CommandType(p[0])}
	switch c.Type {
	case CmdSetSpeed:
		if len(p) < 3 {
			return Command{}, fmt.Errorf("set_speed payload too short: %d", len(p))
		}
		c.SpeedRPM = binary.LittleEndian.Uint16(p[1:3])
	case CmdZero:
		if len(p) < 2 {
			return Command{}, fmt.Errorf("zero payload too short: %d", len(p))
		}
		c.Channel = p[1]
	}
	return c, nil
}

// Ack 固件应答：回显指令码与执行状态（0 为成功，其余为固件故障码）
type Ack struct {
	Cmd    CommandType
	Status uint8
}

// OK 应答是否表示执行成功
func (a Ack) OK() bool { return a.Status == 0 }

// DecodeAckPayload 解码 ACK payload
func DecodeAckPayload(p []byte) (Ack, error) {
	if len(p) < 2 {
		return Ack{}, fmt.Errorf("ack payload too short: %d", len(p))
	}
	return Ack{Cmd: CommandType(p[0]), Status: p[1]}, nil
}

// EncodeAckPayload 编码 ACK payload（固件模拟与测试用）
func EncodeAckPayload(a Ack) []byte {
	return []byte{byte(a.Cmd), a.Status}
}
