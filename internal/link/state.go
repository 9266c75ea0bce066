package link

// State 链路状态。只有 Manager 的 I/O worker 能变更，
// 不存在全局可变的连接单例。
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

// String 状态名称
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}
