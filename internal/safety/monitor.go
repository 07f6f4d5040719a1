package safety

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"angel-guard/internal/config"
	"angel-guard/internal/emergency"
	"angel-guard/internal/trade"
)

const joinTimeout = 10 * time.Second

// Monitor 周期性执行可配置的安全检查，并把严重违规升级到紧急控制器的
// 事件流。关停决策始终留在控制器一侧，Monitor 本身从不触发关停。
type Monitor struct {
	cfg        config.SafetyConfig
	controller *emergency.Controller
	sampler    ResourceSampler
	journal    *emergency.Journal
	logger     *zap.Logger

	enabled []CheckType

	mu         sync.Mutex
	monitoring bool
	stopCh     chan struct{}
	doneCh     chan struct{}

	activeTrades   map[string]trade.Snapshot
	currentPnL     float64
	peakPnL        float64
	apiFailures    int
	lastAPISuccess time.Time

	violations []Violation
	callbacks  map[CheckType][]Callback
}

// monitorState 是单轮检查使用的一致性状态快照。
type monitorState struct {
	trades         map[string]trade.Snapshot
	currentPnL     float64
	peakPnL        float64
	apiFailures    int
	lastAPISuccess time.Time
}

// NewMonitor 创建安全监控器，配置错误在此处直接返回。
func NewMonitor(cfg config.SafetyConfig, controller *emergency.Controller, sampler ResourceSampler, journal *emergency.Journal, logger *zap.Logger) (*Monitor, error) {
	if controller == nil {
		return nil, errors.New("safety: controller 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckInterval <= 0 {
		return nil, errors.New("safety: check_interval 必须大于0")
	}

	enabled, err := ParseCheckTypes(cfg.EnabledChecks)
	if err != nil {
		return nil, err
	}
	if len(enabled) == 0 {
		return nil, errors.New("safety: enabled_checks 至少启用一项检查")
	}

	if sampler == nil {
		sampler = NewSystemSampler("")
	}

	callbacks := make(map[CheckType][]Callback, len(AllCheckTypes))
	for _, t := range AllCheckTypes {
		callbacks[t] = nil
	}

	return &Monitor{
		cfg:            cfg,
		controller:     controller,
		sampler:        sampler,
		journal:        journal,
		logger:         logger,
		enabled:        enabled,
		activeTrades:   make(map[string]trade.Snapshot),
		lastAPISuccess: time.Now(),
		callbacks:      callbacks,
	}, nil
}

// StartMonitoring 启动后台检查协程，重复调用不会产生第二个协程。
func (m *Monitor) StartMonitoring() {
	m.mu.Lock()
	if m.monitoring {
		m.mu.Unlock()
		m.logger.Warn("安全监控已在运行")
		return
	}
	m.monitoring = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.loop(stopCh, doneCh)
	m.logger.Info("安全监控已启动",
		zap.Duration("check_interval", m.cfg.CheckInterval),
		zap.Int("enabled_checks", len(m.enabled)),
	)
}

// StopMonitoring 请求停止检查并等待协程退出；返回后不再有任何回调被触发。
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	if !m.monitoring {
		m.mu.Unlock()
		return
	}
	m.monitoring = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	select {
	case <-done:
		m.logger.Info("安全监控已停止")
	case <-time.After(joinTimeout):
		m.logger.Warn("安全监控协程未能及时退出")
	}
}

func (m *Monitor) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		m.tick(time.Now())

		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// tick 在锁内取一次一致性快照，然后在锁外依次执行启用的检查。
func (m *Monitor) tick(now time.Time) {
	m.mu.Lock()
	state := monitorState{
		trades:         m.activeTrades,
		currentPnL:     m.currentPnL,
		peakPnL:        m.peakPnL,
		apiFailures:    m.apiFailures,
		lastAPISuccess: m.lastAPISuccess,
	}
	m.mu.Unlock()

	for _, check := range m.enabled {
		for _, violation := range m.runCheck(check, state, now) {
			m.record(violation)
		}
	}
}

func (m *Monitor) runCheck(check CheckType, state monitorState, now time.Time) []Violation {
	switch check {
	case CheckPositionLimits:
		return m.checkPositionLimits(state, now)
	case CheckMarketHours:
		return m.checkMarketHours(now)
	case CheckSystemResources:
		return m.checkSystemResources(now)
	case CheckNetworkConnectivity:
		return m.checkNetworkConnectivity(now)
	case CheckAPIHealth:
		return m.checkAPIHealth(state, now)
	case CheckRiskThresholds:
		return m.checkRiskThresholds(state, now)
	default:
		return nil
	}
}

// checkPositionLimits 校验持仓数量、单笔名义价值与总名义价值。
func (m *Monitor) checkPositionLimits(state monitorState, now time.Time) []Violation {
	var out []Violation

	openCount := 0
	totalNotional := 0.0
	for _, snap := range state.trades {
		if !snap.IsOpen() {
			continue
		}
		openCount++
		notional := snap.Notional()
		totalNotional += notional

		if notional > m.cfg.MaxSinglePositionSize {
			out = append(out, Violation{
				CheckType:      CheckPositionLimits,
				Severity:       emergency.LevelMedium,
				Message:        fmt.Sprintf("单笔持仓名义价值过大: %s = %.2f", snap.ID, notional),
				Timestamp:      now,
				CurrentValue:   notional,
				ThresholdValue: m.cfg.MaxSinglePositionSize,
				Metadata:       map[string]interface{}{"trade_id": snap.ID, "strategy": snap.Strategy},
			})
		}
	}

	if openCount > m.cfg.MaxConcurrentPositions {
		out = append(out, Violation{
			CheckType:      CheckPositionLimits,
			Severity:       emergency.LevelHigh,
			Message:        fmt.Sprintf("并发持仓数超限: %d > %d", openCount, m.cfg.MaxConcurrentPositions),
			Timestamp:      now,
			CurrentValue:   openCount,
			ThresholdValue: m.cfg.MaxConcurrentPositions,
			Metadata:       map[string]interface{}{"open_trades": openCount},
		})
	}

	if totalNotional > m.cfg.MaxPositionValue {
		out = append(out, Violation{
			CheckType:      CheckPositionLimits,
			Severity:       emergency.LevelHigh,
			Message:        fmt.Sprintf("总持仓名义价值过大: %.2f", totalNotional),
			Timestamp:      now,
			CurrentValue:   totalNotional,
			ThresholdValue: m.cfg.MaxPositionValue,
			Metadata:       map[string]interface{}{"total_positions": openCount},
		})
	}

	return out
}

// checkMarketHours 校验当前时刻是否处于允许交易的时段内。
func (m *Monitor) checkMarketHours(now time.Time) []Violation {
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return []Violation{{
			CheckType:      CheckMarketHours,
			Severity:       emergency.LevelMedium,
			Message:        fmt.Sprintf("周末不允许交易: %s", now.Weekday()),
			Timestamp:      now,
			CurrentValue:   now.Weekday().String(),
			ThresholdValue: "Monday-Friday",
		}}
	}

	openMin := config.ClockMinutes(m.cfg.MarketOpen) - int(m.cfg.PreMarketBuffer.Minutes())
	closeMin := config.ClockMinutes(m.cfg.MarketClose) + int(m.cfg.PostMarketBuffer.Minutes())
	nowMin := now.Hour()*60 + now.Minute()

	if nowMin < openMin || nowMin > closeMin {
		return []Violation{{
			CheckType:      CheckMarketHours,
			Severity:       emergency.LevelMedium,
			Message:        fmt.Sprintf("当前时刻 %s 处于市场交易时段之外", now.Format("15:04")),
			Timestamp:      now,
			CurrentValue:   now.Format("15:04"),
			ThresholdValue: fmt.Sprintf("%s-%s", m.cfg.MarketOpen, m.cfg.MarketClose),
			Metadata: map[string]interface{}{
				"market_open":  m.cfg.MarketOpen,
				"market_close": m.cfg.MarketClose,
			},
		}}
	}

	return nil
}

// checkSystemResources 每轮重新采样 CPU、内存与磁盘指标。
func (m *Monitor) checkSystemResources(now time.Time) []Violation {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckInterval)
	defer cancel()

	snapshot, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Error("系统资源采样失败", zap.Error(err))
		return nil
	}

	var out []Violation

	if snapshot.CPUPercent > m.cfg.MaxCPUUsage {
		out = append(out, Violation{
			CheckType:      CheckSystemResources,
			Severity:       emergency.LevelMedium,
			Message:        fmt.Sprintf("CPU 使用率过高: %.1f%%", snapshot.CPUPercent),
			Timestamp:      now,
			CurrentValue:   snapshot.CPUPercent,
			ThresholdValue: m.cfg.MaxCPUUsage,
			Metadata:       map[string]interface{}{"resource_type": "cpu"},
		})
	}

	if snapshot.MemoryPercent > m.cfg.MaxMemoryUsage {
		out = append(out, Violation{
			CheckType:      CheckSystemResources,
			Severity:       emergency.LevelMedium,
			Message:        fmt.Sprintf("内存使用率过高: %.1f%%", snapshot.MemoryPercent),
			Timestamp:      now,
			CurrentValue:   snapshot.MemoryPercent,
			ThresholdValue: m.cfg.MaxMemoryUsage,
			Metadata:       map[string]interface{}{"resource_type": "memory"},
		})
	}

	if m.cfg.MinDiskSpaceGB > 0 && snapshot.DiskFreeGB < m.cfg.MinDiskSpaceGB {
		out = append(out, Violation{
			CheckType:      CheckSystemResources,
			Severity:       emergency.LevelHigh,
			Message:        fmt.Sprintf("磁盘剩余空间不足: %.1f GB", snapshot.DiskFreeGB),
			Timestamp:      now,
			CurrentValue:   snapshot.DiskFreeGB,
			ThresholdValue: m.cfg.MinDiskSpaceGB,
			Metadata:       map[string]interface{}{"resource_type": "disk"},
		})
	}

	return out
}

// checkNetworkConnectivity 通过 TCP 探测验证外部连通性。
func (m *Monitor) checkNetworkConnectivity(now time.Time) []Violation {
	conn, err := net.DialTimeout("tcp", m.cfg.ProbeAddress, m.cfg.ProbeTimeout)
	if err != nil {
		return []Violation{{
			CheckType:      CheckNetworkConnectivity,
			Severity:       emergency.LevelHigh,
			Message:        fmt.Sprintf("网络连通性探测失败: %s", m.cfg.ProbeAddress),
			Timestamp:      now,
			CurrentValue:   err.Error(),
			ThresholdValue: m.cfg.ProbeAddress,
		}}
	}
	_ = conn.Close()
	return nil
}

// checkAPIHealth 基于外部推送的成功/失败记录评估券商接口健康度。
func (m *Monitor) checkAPIHealth(state monitorState, now time.Time) []Violation {
	var out []Violation

	if state.apiFailures >= m.cfg.MaxConsecutiveAPIFailure {
		out = append(out, Violation{
			CheckType:      CheckAPIHealth,
			Severity:       emergency.LevelCritical,
			Message:        fmt.Sprintf("连续 API 失败次数过多: %d", state.apiFailures),
			Timestamp:      now,
			CurrentValue:   state.apiFailures,
			ThresholdValue: m.cfg.MaxConsecutiveAPIFailure,
			Metadata:       map[string]interface{}{"last_success": state.lastAPISuccess.Format(time.RFC3339)},
		})
	}

	sinceSuccess := now.Sub(state.lastAPISuccess)
	if sinceSuccess > m.cfg.APITimeoutThreshold {
		out = append(out, Violation{
			CheckType:      CheckAPIHealth,
			Severity:       emergency.LevelHigh,
			Message:        fmt.Sprintf("已连续 %.1fs 没有成功的 API 调用", sinceSuccess.Seconds()),
			Timestamp:      now,
			CurrentValue:   sinceSuccess.Seconds(),
			ThresholdValue: m.cfg.APITimeoutThreshold.Seconds(),
			Metadata:       map[string]interface{}{"last_success": state.lastAPISuccess.Format(time.RFC3339)},
		})
	}

	return out
}

// checkRiskThresholds 在触及硬性日亏上限之前给出预警，并监控回撤。
func (m *Monitor) checkRiskThresholds(state monitorState, now time.Time) []Violation {
	var out []Violation

	lossLimit := m.controller.DailyLossLimit()
	warnThreshold := lossLimit * m.cfg.MaxDailyLossPercentage
	loss := -state.currentPnL

	if state.currentPnL < 0 && loss > warnThreshold {
		out = append(out, Violation{
			CheckType:      CheckRiskThresholds,
			Severity:       emergency.LevelHigh,
			Message:        fmt.Sprintf("当日亏损接近上限: %.2f / %.2f", loss, lossLimit),
			Timestamp:      now,
			CurrentValue:   loss,
			ThresholdValue: warnThreshold,
			Metadata:       map[string]interface{}{"daily_loss_limit": lossLimit},
		})
	}

	if state.peakPnL > 0 {
		drawdown := (state.peakPnL - state.currentPnL) / state.peakPnL
		if drawdown > m.cfg.MaxDrawdownPercentage {
			out = append(out, Violation{
				CheckType:      CheckRiskThresholds,
				Severity:       emergency.LevelMedium,
				Message:        fmt.Sprintf("自峰值回撤过大: %.1f%%", drawdown*100),
				Timestamp:      now,
				CurrentValue:   drawdown,
				ThresholdValue: m.cfg.MaxDrawdownPercentage,
				Metadata: map[string]interface{}{
					"peak_pnl":    state.peakPnL,
					"current_pnl": state.currentPnL,
				},
			})
		}
	}

	return out
}

// record 追加违规记录、持久化、分发回调，严重违规升级到控制器事件流。
func (m *Monitor) record(violation Violation) {
	m.mu.Lock()
	m.violations = append(m.violations, violation)
	cbs := append([]Callback(nil), m.callbacks[violation.CheckType]...)
	m.mu.Unlock()

	m.logger.Warn("安全违规",
		zap.String("check", string(violation.CheckType)),
		zap.String("severity", violation.Severity.String()),
		zap.String("message", violation.Message),
	)

	if m.journal != nil {
		m.journal.RecordViolation(violation.Timestamp, violation)
	}

	for _, cb := range cbs {
		m.invokeCallback(cb, violation)
	}

	if violation.Severity >= emergency.LevelCritical {
		m.controller.Raise(emergency.Event{
			Type:      emergency.TypeSystemError,
			Level:     violation.Severity,
			Message:   fmt.Sprintf("安全违规: %s", violation.Message),
			Timestamp: violation.Timestamp,
			Source:    "safety_monitor",
			Metadata:  violation.Metadata,
		})
	}
}

func (m *Monitor) invokeCallback(cb Callback, violation Violation) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("安全回调执行失败",
				zap.String("check", string(violation.CheckType)),
				zap.Any("panic", r),
			)
		}
	}()
	cb(violation)
}

// RegisterCallback 订阅指定检查类型的违规通知。
func (m *Monitor) RegisterCallback(check CheckType, cb Callback) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	m.callbacks[check] = append(m.callbacks[check], cb)
	m.mu.Unlock()
	m.logger.Info("已注册安全检查回调", zap.String("check", string(check)))
}

// UpdateTradingState 推送最新持仓视图与当日盈亏。
func (m *Monitor) UpdateTradingState(trades map[string]trade.Snapshot, currentPnL float64) {
	cloned := trade.CloneMap(trades)
	m.mu.Lock()
	m.activeTrades = cloned
	m.currentPnL = currentPnL
	if currentPnL > m.peakPnL {
		m.peakPnL = currentPnL
	}
	m.mu.Unlock()
}

// RecordAPISuccess 记录一次成功的券商接口调用。
func (m *Monitor) RecordAPISuccess() {
	m.mu.Lock()
	m.lastAPISuccess = time.Now()
	m.apiFailures = 0
	m.mu.Unlock()
}

// RecordAPIFailure 记录一次失败的券商接口调用。
func (m *Monitor) RecordAPIFailure() {
	m.mu.Lock()
	m.apiFailures++
	m.mu.Unlock()
}

// Violations 返回按产生顺序排列的违规日志快照。
func (m *Monitor) Violations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Violation(nil), m.violations...)
}

// Status 返回供状态命令与测试断言使用的键值视图。
func (m *Monitor) Status() map[string]interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckInterval)
	snapshot, err := m.sampler.Sample(ctx)
	cancel()
	if err != nil {
		m.logger.Warn("状态查询时资源采样失败", zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	checks := make([]string, 0, len(m.enabled))
	for _, check := range m.enabled {
		checks = append(checks, string(check))
	}

	return map[string]interface{}{
		"monitoring_active": m.monitoring,
		"enabled_checks":    checks,
		"total_violations":  len(m.violations),
		"api_failure_count": m.apiFailures,
		"last_api_success":  m.lastAPISuccess.Format(time.RFC3339),
		"current_daily_pnl": m.currentPnL,
		"peak_daily_pnl":    m.peakPnL,
		"active_positions":  len(m.activeTrades),
		"system_resources": map[string]interface{}{
			"cpu_percent":    snapshot.CPUPercent,
			"memory_percent": snapshot.MemoryPercent,
			"disk_free_gb":   snapshot.DiskFreeGB,
		},
	}
}
