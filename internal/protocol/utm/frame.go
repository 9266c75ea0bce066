package utm

// Frame UTM 串口协议帧
// 布局（小端）：
// magic[2] A5 5A | lenLE[2]（整帧总长）| type[1] | seqLE[2] | payload[..] | crcLE[2]
// crc 为 CRC16/CCITT-FALSE，覆盖范围：len 字段起至 payload 末尾（不含 magic 与 crc 本身）
type Frame struct {
	Type    FrameType
	Seq     uint16
	Payload []byte
}

// FrameType 帧类型
type FrameType uint8

const (
	TypeCommand   FrameType = 0x01 // 上位机下发指令
	TypeAck       FrameType = 0x02 // 固件指令应答
	TypeTelemetry FrameType = 0x03 // 传感器采样帧
	TypeHeartbeat FrameType = 0x04 // 心跳探测/应答
	TypeError     FrameType = 0x05 // 固件故障上报
	TypeEvent     FrameType = 0x06 // 固件事件（PCB 按键、速度回报等）
)

// String 帧类型名称（用于指标 label 与日志）
func (t FrameType) String() string {
	switch t {
	case TypeCommand:
		return "command"
	case TypeAck:
		return "ack"
	case TypeTelemetry:
		return "telemetry"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeError:
		return "error"
	case TypeEvent:
		return "event"
	default:
		return "unknown"
	}
}

// IsHeartbeat 判断是否为心跳帧
func (f *Frame) IsHeartbeat() bool { return f.Type == TypeHeartbeat }

// SeqModulus 帧流水号模数，seq 单调递增并在此处回绕
const SeqModulus = 1 << 16

var magic = []byte{0xA5, 0x5A}

// 帧各字段长度，overhead 为除 payload 外的固定开销
const (
	magicLen    = 2
	lenFieldLen = 2
	typeLen     = 1
	seqLen      = 2
	crcLen      = 2
	overhead    = magicLen + lenFieldLen + typeLen + seqLen + crcLen
)
