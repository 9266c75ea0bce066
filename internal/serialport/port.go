package serialport

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

var (
	// ErrPortNotFound 指定串口不存在
	ErrPortNotFound = errors.New("serial port not found")
	// ErrPermissionDenied 无权限打开串口（常见于未加入 dialout 组）
	ErrPermissionDenied = errors.New("serial port permission denied")
	// ErrPortBusy 串口被其他进程占用
	ErrPortBusy = errors.New("serial port busy")
	// ErrDeviceGone 设备在通信中被拔出或底层句柄失效
	ErrDeviceGone = errors.New("serial device disconnected")
	// ErrClosed 端口已关闭
	ErrClosed = errors.New("serial port closed")
)

// Port 对 go.bug.st/serial 的薄封装：独占持有 OS 串口句柄，
// 生命周期内只允许一个持有者，Close 幂等。
type Port struct {
	inner  serial.Port
	name   string
	baud   int
	closed bool
}

// Open 打开串口并设置读超时。8N1，波特率由调用方指定。
// 读超时到期时 Read 返回 (0, nil)，调用方以此实现有界阻塞。
func Open(name string, baud int, readTimeout time.Duration) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, mapOpenError(name, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return &Port{inner: p, name: name, baud: baud}, nil
}

// Name 串口设备名
func (p *Port) Name() string { return p.name }

// Baud 波特率
func (p *Port) Baud() int { return p.baud }

// Read 读取可用字节，超时返回 (0, nil)
func (p *Port) Read(buf []byte) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	n, err := p.inner.Read(buf)
	if err != nil {
		return n, mapIOError(err)
	}
	return n, nil
}

// Write 阻塞写入全部字节
func (p *Port) Write(b []byte) error {
	if p.closed {
		return ErrClosed
	}
	for len(b) > 0 {
		n, err := p.inner.Write(b)
		if err != nil {
			return mapIOError(err)
		}
		b = b[n:]
	}
	return nil
}

// Flush 清空输入输出缓冲（连接建立后丢弃 Arduino 复位期间的残留数据）
func (p *Port) Flush() error {
	if p.closed {
		return ErrClosed
	}
	if err := p.inner.ResetInputBuffer(); err != nil {
		return mapIOError(err)
	}
	return p.inner.ResetOutputBuffer()
}

// Close 关闭串口，幂等
func (p *Port) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.inner.Close()
}

// mapOpenError 将底层打开错误映射到本包错误分类
func mapOpenError(name string, err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			return fmt.Errorf("%w: %s", ErrPortNotFound, name)
		case serial.PermissionDenied:
			return fmt.Errorf("%w: %s", ErrPermissionDenied, name)
		case serial.PortBusy:
			return fmt.Errorf("%w: %s", ErrPortBusy, name)
		}
	}
	return fmt.Errorf("open %s: %w", name, err)
}

// mapIOError 通信中途的 I/O 错误统一视为设备断开，由链路管理器触发重连
func mapIOError(err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrDeviceGone, err)
}
