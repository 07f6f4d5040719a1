package emergency

import "time"

// Type 表示紧急事件类型，编译期已知的封闭集合。
type Type string

const (
	TypeManualStop     Type = "manual_stop"
	TypeDailyLossLimit Type = "daily_loss_limit"
	TypeSystemError    Type = "system_error"
	TypeAPIFailure     Type = "api_failure"
	TypePositionRisk   Type = "position_risk"
	TypeMarketClosure  Type = "market_closure"
	TypeNetworkFailure Type = "network_failure"
)

// AllTypes 列出全部事件类型，供回调注册表初始化使用。
var AllTypes = []Type{
	TypeManualStop,
	TypeDailyLossLimit,
	TypeSystemError,
	TypeAPIFailure,
	TypePositionRisk,
	TypeMarketClosure,
	TypeNetworkFailure,
}

// Level 表示事件严重程度，数值越大越严重。
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

// String 返回级别的可读名称。
func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event 表示一次紧急事件。事件只追加不删除，条件恢复时 Resolved 置位。
type Event struct {
	Type           Type                   `json:"type"`
	Level          Level                  `json:"level"`
	Message        string                 `json:"message"`
	Timestamp      time.Time              `json:"timestamp"`
	Source         string                 `json:"source"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Resolved       bool                   `json:"resolved"`
	ResolutionTime *time.Time             `json:"resolution_time,omitempty"`
}

// Callback 在事件产生或恢复时被同步调用。
type Callback func(Event)

// PositionCloseCallback 在紧急关停期间对每笔持仓调用一次。
type PositionCloseCallback func(tradeID, reason string, emergency bool)

// ShutdownState 描述控制器级别的关停流程状态。
type ShutdownState int

const (
	ShutdownStateRunning ShutdownState = iota
	ShutdownStateShuttingDown
	ShutdownStateStopped
)

// String 返回关停状态的可读名称。
func (s ShutdownState) String() string {
	switch s {
	case ShutdownStateRunning:
		return "running"
	case ShutdownStateShuttingDown:
		return "shutting_down"
	case ShutdownStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
