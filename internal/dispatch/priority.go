package dispatch

import "github.com/mechtest/utmlink/internal/protocol/utm"

// 指令优先级。数值越小优先级越高。
const (
	// PriorityEmergency 急停。绕过普通队列，立即发送，
	// 重试不受退避约束，直到 ACK 或链路判定丢失。
	PriorityEmergency = 1

	// PriorityHigh 运动中需要尽快生效的指令
	PriorityHigh = 2

	// PriorityNormal 普通控制指令
	PriorityNormal = 3

	// PriorityLow 查询类指令
	PriorityLow = 4
)

// CommandPriority 按指令码返回优先级
func CommandPriority(cmd utm.CommandType) int {
	switch cmd {
	case utm.CmdStop:
		return PriorityEmergency
	case utm.CmdZero, utm.CmdSetSpeed:
		return PriorityHigh
	case utm.CmdOpen, utm.CmdClose, utm.CmdTurboset:
		return PriorityNormal
	case utm.CmdPing, utm.CmdGetSpeed:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
