package utm

import (
	"errors"

	"github.com/sigurn/crc16"
)

// ErrChecksumMismatch CRC 校验失败
var ErrChecksumMismatch = errors.New("checksum mismatch")

// crcTable CRC16/CCITT-FALSE 查表，与固件侧实现一致
var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Checksum 计算帧校验值，覆盖范围为 len 字段起至 payload 末尾
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}
