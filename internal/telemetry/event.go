package telemetry

import "time"

// EventKind 机器事件类型
type EventKind string

const (
	EventButton    EventKind = "button"     // PCB 实体按键（固件本地执行，上位机仅镜像）
	EventFault     EventKind = "fault"      // 固件故障上报
	EventState     EventKind = "state"      // 机器状态变化
	EventLink      EventKind = "link"       // 链路状态变化
	EventSafety    EventKind = "safety"     // 安全限值触发
	EventSpeedEcho EventKind = "speed_echo" // 固件转速回报
)

// MachineEvent 面向订阅者与外部桥接的统一事件
type MachineEvent struct {
	Time     time.Time `json:"time"`
	Kind     EventKind `json:"kind"`
	Button   string    `json:"button,omitempty"`
	Fault    int       `json:"fault_code,omitempty"`
	SpeedRPM int       `json:"speed_rpm,omitempty"`
	Message  string    `json:"message,omitempty"`
}
