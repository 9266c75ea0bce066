package utm

import (
	"encoding/binary"
	"errors"
)

var (
	ErrInvalidMagic  = errors.New("invalid magic")
	ErrShortPacket   = errors.New("short packet")
	ErrBadLength     = errors.New("bad length")
	ErrProtocolLimit = errors.New("protocol length limit exceeded")
)

// Parse 解析一帧（严格校验：magic、长度、crc）
func Parse(raw []byte) (*Frame, error) {
	if len(raw) < overhead {
		return nil, ErrShortPacket
	}
	if raw[0] != magic[0] || raw[1] != magic[1] {
		return nil, ErrInvalidMagic
	}
	totalLen := int(binary.LittleEndian.Uint16(raw[2:4]))
	if totalLen != len(raw) {
		return nil, ErrBadLength
	}
	got := binary.LittleEndian.Uint16(raw[len(raw)-crcLen:])
	want := Checksum(raw[magicLen : len(raw)-crcLen])
	if got != want {
		return nil, ErrChecksumMismatch
	}
	ft := FrameType(raw[4])
	seq := binary.LittleEndian.Uint16(raw[5:7])
	payload := raw[7 : len(raw)-crcLen]
	// payload 持有调用方缓冲的别名，复制一份避免缓冲复用带来的污染
	dup := make([]byte, len(payload))
	copy(dup, payload)
	return &Frame{Type: ft, Seq: seq, Payload: dup}, nil
}

// StreamDecoder 处理半包/粘包的流式解码器。
// 串口读默认按任意边界切块，Feed 必须可重入：在累积缓冲上解帧，
// 任意切割方式得到的帧序列与一次性喂入完全一致。
type StreamDecoder struct {
	buf         []byte
	maxFrameLen int // 保护上限，避免畸形数据占用过多内存
	dropped     uint64
}

// NewStreamDecoder 创建流式解码器
func NewStreamDecoder(maxFrameLen int) *StreamDecoder {
	if maxFrameLen <= 0 {
		maxFrameLen = 256
	}
	return &StreamDecoder{maxFrameLen: maxFrameLen}
}

// Dropped 因失同步滑动丢弃的字节数（诊断用）
func (d *StreamDecoder) Dropped() uint64 { return d.dropped }

// Feed 追加数据并尽可能解出多帧。
// 校验失败只丢弃当前候选帧的首字节并继续寻找同步点，后续合法帧不受影响。
func (d *StreamDecoder) Feed(p []byte) []*Frame {
	if len(p) == 0 {
		return nil
	}
	d.buf = append(d.buf, p...)
	frames := make([]*Frame, 0, 2)

	for {
		start := indexMagic(d.buf)
		if start < 0 {
			// 无 magic，清空缓冲避免无界增长；
			// 保留最后1字节以应对跨边界的 magic 前半
			if len(d.buf) > 1 {
				d.dropped += uint64(len(d.buf) - 1)
				d.buf = d.buf[len(d.buf)-1:]
			}
			return frames
		}
		if start > 0 {
			// 丢弃无效前缀
			d.dropped += uint64(start)
			d.buf = d.buf[start:]
		}
		if len(d.buf) < magicLen+lenFieldLen {
			// 还需要更多字节（magic+len）
			return frames
		}
		totalLen := int(binary.LittleEndian.Uint16(d.buf[2:4]))
		if totalLen < overhead || totalLen > d.maxFrameLen {
			// 明显异常的长度，丢弃1字节后继续同步
			d.dropped++
			d.buf = d.buf[1:]
			continue
		}
		if len(d.buf) < totalLen {
			// 半包，等待更多
			return frames
		}

		fr, err := Parse(d.buf[:totalLen])
		if err != nil {
			// 校验失败，向后滑动一个字节继续寻找同步
			d.dropped++
			d.buf = d.buf[1:]
			continue
		}
		frames = append(frames, fr)
		d.buf = d.buf[totalLen:]
		if len(d.buf) == 0 {
			return frames
		}
	}
}

// indexMagic 返回缓冲区中下一个 magic 开始位置
func indexMagic(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == magic[0] && b[i+1] == magic[1] {
			return i
		}
	}
	return -1
}
