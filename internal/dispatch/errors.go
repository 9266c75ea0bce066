package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrCommandTimeout 重试预算耗尽仍未收到匹配 ACK
	ErrCommandTimeout = errors.New("command timeout")
	// ErrLinkLost 链路断开，所有在途指令失败
	ErrLinkLost = errors.New("link lost")
	// ErrQueueFull 待发送队列已满
	ErrQueueFull = errors.New("command queue full")
	// ErrRateLimited 非紧急指令超出提交速率上限
	ErrRateLimited = errors.New("command rate limited")
	// ErrNotConnected 链路未连接时拒绝受理指令
	ErrNotConnected = errors.New("link not connected")
)

// FirmwareError 固件以非零状态应答指令
type FirmwareError struct {
	Code int
	Desc string
}

func (e *FirmwareError) Error() string {
	if e.Desc != "" {
		return fmt.Sprintf("firmware error %d: %s", e.Code, e.Desc)
	}
	return fmt.Sprintf("firmware error %d", e.Code)
}
