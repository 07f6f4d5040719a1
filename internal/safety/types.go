package safety

import (
	"fmt"
	"time"

	"angel-guard/internal/emergency"
)

// CheckType 表示安全检查类型，封闭集合。
type CheckType string

const (
	CheckPositionLimits      CheckType = "position_limits"
	CheckMarketHours         CheckType = "market_hours"
	CheckSystemResources     CheckType = "system_resources"
	CheckNetworkConnectivity CheckType = "network_connectivity"
	CheckAPIHealth           CheckType = "api_health"
	CheckRiskThresholds      CheckType = "risk_thresholds"
)

// AllCheckTypes 列出全部检查类型。
var AllCheckTypes = []CheckType{
	CheckPositionLimits,
	CheckMarketHours,
	CheckSystemResources,
	CheckNetworkConnectivity,
	CheckAPIHealth,
	CheckRiskThresholds,
}

// ParseCheckTypes 将配置中的检查项名称转换为类型集合，未知名称直接报错。
func ParseCheckTypes(names []string) ([]CheckType, error) {
	known := make(map[CheckType]bool, len(AllCheckTypes))
	for _, t := range AllCheckTypes {
		known[t] = true
	}

	out := make([]CheckType, 0, len(names))
	for _, name := range names {
		t := CheckType(name)
		if !known[t] {
			return nil, fmt.Errorf("safety: 未知的检查类型 %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}

// Violation 表示一次安全违规。违规只追加，不修改，形成持续的审计痕迹。
type Violation struct {
	CheckType      CheckType              `json:"check_type"`
	Severity       emergency.Level        `json:"severity"`
	Message        string                 `json:"message"`
	Timestamp      time.Time              `json:"timestamp"`
	CurrentValue   interface{}            `json:"current_value"`
	ThresholdValue interface{}            `json:"threshold_value"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Callback 在检测到违规时被同步调用。
type Callback func(Violation)
