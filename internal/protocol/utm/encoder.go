package utm

import "encoding/binary"

// Build 构造一帧完整串口数据（与 Parse 对应）。
// len 字段等于整帧总长度，包含 magic 与 crc。
func Build(ft FrameType, seq uint16, payload []byte) []byte {
	total := overhead + len(payload)
	buf := make([]byte, 0, total)
	buf = append(buf, magic...)
	l := make([]byte, 2)
	binary.LittleEndian.PutUint16(l, uint16(total))
	buf = append(buf, l...)
	buf = append(buf, byte(ft))
	s := make([]byte, 2)
	binary.LittleEndian.PutUint16(s, seq)
	buf = append(buf, s...)
	buf = append(buf, payload...)
	// crc 覆盖 len..payload
	c := make([]byte, 2)
	binary.LittleEndian.PutUint16(c, Checksum(buf[magicLen:]))
	buf = append(buf, c...)
	return buf
}

// BuildCommand 编码一条指令帧
func BuildCommand(seq uint16, cmd Command) []byte {
	return Build(TypeCommand, seq, cmd.EncodePayload())
}

// BuildHeartbeat 编码一条心跳探测帧
func BuildHeartbeat(seq uint16) []byte {
	return Build(TypeHeartbeat, seq, nil)
}
