package emergency

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"angel-guard/internal/config"
	"angel-guard/internal/trade"
)

// joinTimeout 限制 StopMonitoring 等待监控协程退出的时长。
const joinTimeout = 10 * time.Second

// Controller 是紧急状态的唯一持有者：轮询停止文件与日亏阈值、
// 维护事件日志、分发回调，并执行带超时上限的紧急关停。
type Controller struct {
	cfg     config.EmergencyConfig
	journal *Journal
	logger  *zap.Logger

	mu         sync.Mutex
	monitoring bool
	stopCh     chan struct{}
	doneCh     chan struct{}

	stopActive       bool
	lossBreached     bool
	heartbeatStarved bool
	currentDailyLoss float64
	lastHeartbeat    time.Time
	activeTrades     map[string]trade.Snapshot

	events         []*Event
	callbacks      map[Type][]Callback
	closeCallbacks []PositionCloseCallback

	shutdownState  ShutdownState
	shutdownReason string
}

// NewController 创建紧急控制器，配置错误在此处直接返回。
func NewController(cfg config.EmergencyConfig, journal *Journal, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StopFile == "" {
		return nil, errors.New("emergency: stop_file 不能为空")
	}
	if cfg.DailyLossLimit <= 0 {
		return nil, errors.New("emergency: daily_loss_limit 必须大于0")
	}
	if cfg.CheckInterval <= 0 {
		return nil, errors.New("emergency: check_interval 必须大于0")
	}
	if cfg.ShutdownTimeout <= 0 {
		return nil, errors.New("emergency: shutdown_timeout 必须大于0")
	}
	if cfg.HeartbeatTimeout <= 0 {
		return nil, errors.New("emergency: heartbeat_timeout 必须大于0")
	}

	callbacks := make(map[Type][]Callback, len(AllTypes))
	for _, t := range AllTypes {
		callbacks[t] = nil
	}

	return &Controller{
		cfg:           cfg,
		journal:       journal,
		logger:        logger,
		lastHeartbeat: time.Now(),
		activeTrades:  make(map[string]trade.Snapshot),
		callbacks:     callbacks,
		shutdownState: ShutdownStateRunning,
	}, nil
}

// StartMonitoring 启动后台轮询协程，重复调用不会产生第二个协程。
func (c *Controller) StartMonitoring() {
	c.mu.Lock()
	if c.monitoring {
		c.mu.Unlock()
		c.logger.Warn("紧急监控已在运行")
		return
	}
	c.monitoring = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	go c.loop(stopCh, doneCh)
	c.logger.Info("紧急监控已启动", zap.Duration("check_interval", c.cfg.CheckInterval))
}

// StopMonitoring 请求停止轮询并等待协程退出；返回后不再有任何回调被触发。
func (c *Controller) StopMonitoring() {
	c.mu.Lock()
	if !c.monitoring {
		c.mu.Unlock()
		return
	}
	c.monitoring = false
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()

	select {
	case <-done:
		c.logger.Info("紧急监控已停止")
	case <-time.After(joinTimeout):
		c.logger.Warn("紧急监控协程未能及时退出")
	}
}

func (c *Controller) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		c.tick(time.Now())

		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// tick 执行一轮检查：停止文件 → 日亏阈值 → 心跳超时，
// 对比上一轮快照做边沿检测，再统一分发新建与恢复的事件。
func (c *Controller) tick(now time.Time) {
	fileExists := false
	if _, err := os.Stat(c.cfg.StopFile); err == nil {
		fileExists = true
	} else if !errors.Is(err, os.ErrNotExist) {
		c.logger.Error("检查紧急停止文件失败", zap.Error(err))
	}

	reason := ""
	if fileExists {
		if content, err := os.ReadFile(c.cfg.StopFile); err == nil {
			reason = strings.TrimSpace(string(content))
		}
	}

	c.mu.Lock()

	var created []Event
	var resolved []Event

	if fileExists && !c.stopActive {
		c.stopActive = true
		msg := "检测到紧急停止文件"
		if reason != "" {
			msg = fmt.Sprintf("紧急停止: %s", reason)
		}
		created = append(created, c.appendEventLocked(Event{
			Type:      TypeManualStop,
			Level:     LevelCritical,
			Message:   msg,
			Timestamp: now,
			Source:    "emergency_file",
			Metadata:  map[string]interface{}{"file_path": c.cfg.StopFile},
		}))
	} else if !fileExists && c.stopActive {
		c.stopActive = false
		resolved = append(resolved, c.resolveLocked(TypeManualStop, "", now)...)
	}

	breached := c.currentDailyLoss >= c.cfg.DailyLossLimit
	if breached && !c.lossBreached {
		c.lossBreached = true
		created = append(created, c.appendEventLocked(Event{
			Type:      TypeDailyLossLimit,
			Level:     LevelCritical,
			Message:   fmt.Sprintf("当日亏损 %.2f 达到上限 %.2f", c.currentDailyLoss, c.cfg.DailyLossLimit),
			Timestamp: now,
			Source:    "risk_monitor",
			Metadata: map[string]interface{}{
				"current_loss": c.currentDailyLoss,
				"limit":        c.cfg.DailyLossLimit,
			},
		}))
	} else if !breached && c.lossBreached {
		c.lossBreached = false
		resolved = append(resolved, c.resolveLocked(TypeDailyLossLimit, "", now)...)
	}

	sinceHeartbeat := now.Sub(c.lastHeartbeat)
	starved := sinceHeartbeat > c.cfg.HeartbeatTimeout
	if starved && !c.heartbeatStarved {
		c.heartbeatStarved = true
		created = append(created, c.appendEventLocked(Event{
			Type:      TypeSystemError,
			Level:     LevelHigh,
			Message:   fmt.Sprintf("系统心跳超时: %.1fs", sinceHeartbeat.Seconds()),
			Timestamp: now,
			Source:    "health_monitor",
			Metadata:  map[string]interface{}{"timeout_seconds": sinceHeartbeat.Seconds()},
		}))
	} else if !starved && c.heartbeatStarved {
		c.heartbeatStarved = false
		resolved = append(resolved, c.resolveLocked(TypeSystemError, "health_monitor", now)...)
	}

	c.mu.Unlock()

	for _, event := range created {
		c.emit(event)
	}
	for _, event := range resolved {
		c.emit(event)
	}

	if c.cfg.AutoShutdownOnCritical {
		for _, event := range created {
			if event.Level >= LevelCritical {
				if err := c.InitiateShutdown(event.Message); err != nil {
					c.logger.Error("自动紧急关停失败", zap.Error(err))
				}
				break
			}
		}
	}
}

// appendEventLocked 追加事件并返回值拷贝，调用方需持有锁。
func (c *Controller) appendEventLocked(event Event) Event {
	stored := event
	c.events = append(c.events, &stored)
	return stored
}

// resolveLocked 将指定类型（可选按来源过滤）的全部未恢复事件标记为已恢复。
// 正常情况下最多存在一条，遍历全部是为了让不变量在异常下自愈。
func (c *Controller) resolveLocked(eventType Type, source string, now time.Time) []Event {
	var out []Event
	for _, event := range c.events {
		if event.Type != eventType || event.Resolved {
			continue
		}
		if source != "" && event.Source != source {
			continue
		}
		event.Resolved = true
		t := now
		event.ResolutionTime = &t
		out = append(out, *event)
	}
	return out
}

// emit 对单个事件做日志、持久化与回调分发；回调 panic 被就地捕获。
func (c *Controller) emit(event Event) {
	if event.Resolved {
		c.logger.Info("紧急事件已恢复",
			zap.String("type", string(event.Type)),
			zap.String("message", event.Message),
		)
	} else {
		c.logger.Error("紧急事件",
			zap.String("type", string(event.Type)),
			zap.String("level", event.Level.String()),
			zap.String("message", event.Message),
		)
	}

	if c.journal != nil {
		c.journal.RecordEvent(event)
	}

	c.mu.Lock()
	cbs := append([]Callback(nil), c.callbacks[event.Type]...)
	c.mu.Unlock()

	for _, cb := range cbs {
		c.invokeCallback(cb, event)
	}
}

func (c *Controller) invokeCallback(cb Callback, event Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("紧急回调执行失败",
				zap.String("type", string(event.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	cb(event)
}

// Raise 接收外部组件（如安全监控器）上报的事件并纳入同一事件流。
// 同一（类型，来源）已存在未恢复事件时不再重复追加。
func (c *Controller) Raise(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	c.mu.Lock()
	for _, existing := range c.events {
		if !existing.Resolved && existing.Type == event.Type && existing.Source == event.Source {
			c.mu.Unlock()
			return
		}
	}
	stored := c.appendEventLocked(event)
	c.mu.Unlock()

	c.emit(stored)

	if c.cfg.AutoShutdownOnCritical && event.Level >= LevelCritical {
		if err := c.InitiateShutdown(event.Message); err != nil {
			c.logger.Error("自动紧急关停失败", zap.Error(err))
		}
	}
}

// RegisterCallback 订阅指定类型的事件，同一类型允许注册多个回调。
func (c *Controller) RegisterCallback(eventType Type, cb Callback) {
	if cb == nil {
		return
	}
	c.mu.Lock()
	c.callbacks[eventType] = append(c.callbacks[eventType], cb)
	c.mu.Unlock()
	c.logger.Info("已注册紧急事件回调", zap.String("type", string(eventType)))
}

// RegisterPositionCloseCallback 订阅紧急关停时的平仓回调。
func (c *Controller) RegisterPositionCloseCallback(cb PositionCloseCallback) {
	if cb == nil {
		return
	}
	c.mu.Lock()
	c.closeCallbacks = append(c.closeCallbacks, cb)
	c.mu.Unlock()
	c.logger.Info("已注册平仓回调")
}

// UpdateDailyLoss 覆盖当日亏损金额，取绝对值；阈值在下一轮轮询时评估。
func (c *Controller) UpdateDailyLoss(amount float64) {
	if amount < 0 {
		amount = -amount
	}
	c.mu.Lock()
	c.currentDailyLoss = amount
	c.mu.Unlock()
}

// DailyLossLimit 返回配置的当日亏损硬上限。
func (c *Controller) DailyLossLimit() float64 {
	return c.cfg.DailyLossLimit
}

// UpdateActiveTrades 替换控制器持有的持仓视图，关停时据此平仓。
func (c *Controller) UpdateActiveTrades(trades map[string]trade.Snapshot) {
	cloned := trade.CloneMap(trades)
	c.mu.Lock()
	c.activeTrades = cloned
	c.mu.Unlock()
}

// Heartbeat 记录一次外部主循环的存活信号。
func (c *Controller) Heartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// CreateStopFile 写入紧急停止文件；事件由下一轮文件轮询产生。
func (c *Controller) CreateStopFile(reason string) error {
	if err := os.WriteFile(c.cfg.StopFile, []byte(reason+"\n"), 0o644); err != nil {
		return fmt.Errorf("写入紧急停止文件失败: %w", err)
	}
	c.logger.Info("已创建紧急停止文件", zap.String("path", c.cfg.StopFile))
	return nil
}

// RemoveStopFile 删除紧急停止文件，文件不存在时视为成功。
func (c *Controller) RemoveStopFile() error {
	if err := os.Remove(c.cfg.StopFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("删除紧急停止文件失败: %w", err)
	}
	c.logger.Info("已删除紧急停止文件", zap.String("path", c.cfg.StopFile))
	return nil
}

// InitiateShutdown 同步执行紧急关停：对每笔未平持仓调用全部平仓回调，
// 总时长受 shutdown_timeout 约束。关停具有单调性，重复调用为空操作。
func (c *Controller) InitiateShutdown(reason string) error {
	c.mu.Lock()
	if c.shutdownState != ShutdownStateRunning {
		state := c.shutdownState
		c.mu.Unlock()
		c.logger.Warn("紧急关停已执行或正在进行", zap.String("state", state.String()))
		return nil
	}
	c.shutdownState = ShutdownStateShuttingDown
	c.shutdownReason = reason

	trades := make([]trade.Snapshot, 0, len(c.activeTrades))
	for _, snap := range c.activeTrades {
		if snap.IsOpen() {
			trades = append(trades, snap)
		}
	}
	cbs := append([]PositionCloseCallback(nil), c.closeCallbacks...)
	c.mu.Unlock()

	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })

	start := time.Now()
	deadline := start.Add(c.cfg.ShutdownTimeout)
	c.logger.Error("开始执行紧急关停",
		zap.String("reason", reason),
		zap.Int("open_trades", len(trades)),
	)

	var unclosed []string
	for _, snap := range trades {
		if time.Now().After(deadline) {
			unclosed = append(unclosed, snap.ID)
			continue
		}
		ok := true
		for _, cb := range cbs {
			if !c.invokeCloseCallback(cb, snap.ID, reason) {
				ok = false
			}
		}
		if !ok {
			unclosed = append(unclosed, snap.ID)
		}
	}

	duration := time.Since(start)

	c.mu.Lock()
	c.shutdownState = ShutdownStateStopped
	completion := c.appendEventLocked(Event{
		Type:      TypeSystemError,
		Level:     LevelMedium,
		Message:   fmt.Sprintf("紧急关停完成: %s", reason),
		Timestamp: time.Now(),
		Source:    "emergency_controller",
		Metadata: map[string]interface{}{
			"shutdown_duration": duration.Seconds(),
			"reason":            reason,
			"unclosed_trades":   len(unclosed),
		},
	})
	c.mu.Unlock()

	if c.journal != nil {
		c.journal.RecordEvent(completion)
	}

	if len(unclosed) > 0 {
		if c.cfg.ForceCloseAfterTimeout {
			c.logger.Warn("关停超时，剩余持仓按强制平仓处理",
				zap.Strings("trade_ids", unclosed),
				zap.Duration("duration", duration),
			)
			return nil
		}
		return fmt.Errorf("紧急关停未能确认 %d 笔持仓平仓: %s", len(unclosed), strings.Join(unclosed, ","))
	}

	c.logger.Info("紧急关停完成", zap.Duration("duration", duration))
	return nil
}

func (c *Controller) invokeCloseCallback(cb PositionCloseCallback, tradeID, reason string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			c.logger.Error("平仓回调执行失败",
				zap.String("trade_id", tradeID),
				zap.Any("panic", r),
			)
		}
	}()
	cb(tradeID, reason, true)
	return true
}

// ShutdownStatus 返回当前关停流程状态。
func (c *Controller) ShutdownStatus() ShutdownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdownState
}

// Status 返回供状态命令与测试断言使用的键值视图。
func (c *Controller) Status() map[string]interface{} {
	fileExists := false
	if _, err := os.Stat(c.cfg.StopFile); err == nil {
		fileExists = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	unresolved := 0
	for _, event := range c.events {
		if !event.Resolved {
			unresolved++
		}
	}

	return map[string]interface{}{
		"emergency_stop_active":      c.stopActive,
		"daily_loss_limit_breached":  c.lossBreached,
		"shutdown_state":             c.shutdownState.String(),
		"shutdown_in_progress":       c.shutdownState == ShutdownStateShuttingDown,
		"monitoring_active":          c.monitoring,
		"current_daily_loss":         c.currentDailyLoss,
		"daily_loss_limit":           c.cfg.DailyLossLimit,
		"active_trades":              len(c.activeTrades),
		"unresolved_events":          unresolved,
		"total_events":               len(c.events),
		"last_heartbeat":             c.lastHeartbeat.Format(time.RFC3339),
		"emergency_stop_file":        c.cfg.StopFile,
		"emergency_stop_file_exists": fileExists,
	}
}

// Events 返回完整事件日志的只读快照，保持产生顺序。
func (c *Controller) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Event, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, *event)
	}
	return out
}
