package trade

import "time"

// Status 表示持仓生命周期状态。
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosing Status = "closing"
	StatusClosed  Status = "closed"
)

// Snapshot 是交易引擎推送给监控组件的最小持仓视图。
type Snapshot struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Strategy   string    `json:"strategy"`
	Status     Status    `json:"status"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	MarkPrice  float64   `json:"mark_price"`
	CurrentPnL float64   `json:"current_pnl"`
	OpenedAt   time.Time `json:"opened_at"`
}

// IsOpen 判断持仓是否仍然敞口。
func (s Snapshot) IsOpen() bool {
	return s.Status == StatusOpen || s.Status == StatusClosing
}

// Notional 返回持仓名义价值，优先使用最新标记价。
func (s Snapshot) Notional() float64 {
	price := s.MarkPrice
	if price <= 0 {
		price = s.EntryPrice
	}
	notional := s.Quantity * price
	if notional < 0 {
		notional = -notional
	}
	return notional
}

// CloneMap 复制一份持仓映射，调用方持有的原映射后续修改不影响副本。
func CloneMap(trades map[string]Snapshot) map[string]Snapshot {
	out := make(map[string]Snapshot, len(trades))
	for id, snap := range trades {
		out[id] = snap
	}
	return out
}
