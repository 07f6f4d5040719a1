package emergency

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"angel-guard/internal/config"
	"angel-guard/internal/trade"
)

func testEmergencyConfig(t *testing.T) config.EmergencyConfig {
	t.Helper()
	return config.EmergencyConfig{
		StopFile:               filepath.Join(t.TempDir(), "emergency_stop.txt"),
		DailyLossLimit:         1000,
		CheckInterval:          20 * time.Millisecond,
		ShutdownTimeout:        time.Second,
		ForceCloseAfterTimeout: true,
		HeartbeatTimeout:       time.Minute,
		AutoShutdownOnCritical: false,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func countEvents(events []Event, eventType Type, resolved bool) int {
	n := 0
	for _, event := range events {
		if event.Type == eventType && event.Resolved == resolved {
			n++
		}
	}
	return n
}

func TestController_StopFileLifecycle(t *testing.T) {
	ctrl, err := NewController(testEmergencyConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	ctrl.StartMonitoring()
	defer ctrl.StopMonitoring()

	if err := ctrl.CreateStopFile("manual halt"); err != nil {
		t.Fatalf("CreateStopFile returned error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return countEvents(ctrl.Events(), TypeManualStop, false) == 1
	})

	events := ctrl.Events()
	if events[0].Level != LevelCritical {
		t.Errorf("expected critical level, got %s", events[0].Level)
	}
	if !strings.Contains(events[0].Message, "manual halt") {
		t.Errorf("expected stop file reason in message, got %q", events[0].Message)
	}
	if events[0].Source != "emergency_file" {
		t.Errorf("expected source emergency_file, got %q", events[0].Source)
	}

	if err := ctrl.RemoveStopFile(); err != nil {
		t.Fatalf("RemoveStopFile returned error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return countEvents(ctrl.Events(), TypeManualStop, true) == 1
	})

	resolvedEvent := ctrl.Events()[0]
	if resolvedEvent.ResolutionTime == nil {
		t.Errorf("expected resolution time to be set")
	}

	// 文件再次出现应产生第二条事件，而不是复用已恢复的旧事件。
	if err := ctrl.CreateStopFile("second halt"); err != nil {
		t.Fatalf("CreateStopFile returned error: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return countEvents(ctrl.Events(), TypeManualStop, false) == 1 &&
			countEvents(ctrl.Events(), TypeManualStop, true) == 1
	})
}

func TestController_RemoveStopFileMissingIsNoop(t *testing.T) {
	ctrl, err := NewController(testEmergencyConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}
	if err := ctrl.RemoveStopFile(); err != nil {
		t.Fatalf("expected nil for missing stop file, got %v", err)
	}
}

func TestController_DailyLossBreach(t *testing.T) {
	ctrl, err := NewController(testEmergencyConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	ctrl.StartMonitoring()
	defer ctrl.StopMonitoring()

	// 有符号的盈亏输入按绝对值处理。
	ctrl.UpdateDailyLoss(-1500)

	waitFor(t, time.Second, func() bool {
		return countEvents(ctrl.Events(), TypeDailyLossLimit, false) == 1
	})

	ctrl.UpdateDailyLoss(100)
	waitFor(t, time.Second, func() bool {
		return countEvents(ctrl.Events(), TypeDailyLossLimit, true) == 1
	})

	ctrl.UpdateDailyLoss(2000)
	waitFor(t, time.Second, func() bool {
		return countEvents(ctrl.Events(), TypeDailyLossLimit, false) == 1 &&
			countEvents(ctrl.Events(), TypeDailyLossLimit, true) == 1
	})
}

func TestController_SimultaneousBreachesProduceOneEventEach(t *testing.T) {
	ctrl, err := NewController(testEmergencyConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	if err := ctrl.CreateStopFile("halt"); err != nil {
		t.Fatalf("CreateStopFile returned error: %v", err)
	}
	ctrl.UpdateDailyLoss(5000)

	ctrl.StartMonitoring()
	defer ctrl.StopMonitoring()

	waitFor(t, time.Second, func() bool {
		return len(ctrl.Events()) >= 2
	})

	// 多轮轮询后仍应各自只有一条未恢复事件。
	time.Sleep(100 * time.Millisecond)

	events := ctrl.Events()
	if got := countEvents(events, TypeManualStop, false); got != 1 {
		t.Errorf("expected 1 manual_stop event, got %d", got)
	}
	if got := countEvents(events, TypeDailyLossLimit, false); got != 1 {
		t.Errorf("expected 1 daily_loss_limit event, got %d", got)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events total, got %d", len(events))
	}
}

func TestController_HeartbeatTimeout(t *testing.T) {
	cfg := testEmergencyConfig(t)
	cfg.HeartbeatTimeout = 50 * time.Millisecond

	ctrl, err := NewController(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	ctrl.StartMonitoring()
	defer ctrl.StopMonitoring()

	waitFor(t, time.Second, func() bool {
		return countEvents(ctrl.Events(), TypeSystemError, false) == 1
	})

	events := ctrl.Events()
	if events[0].Source != "health_monitor" {
		t.Errorf("expected source health_monitor, got %q", events[0].Source)
	}
	if events[0].Level != LevelHigh {
		t.Errorf("expected high level, got %s", events[0].Level)
	}

	ctrl.Heartbeat()
	waitFor(t, time.Second, func() bool {
		return countEvents(ctrl.Events(), TypeSystemError, true) == 1
	})
}

func TestController_CallbacksFireOnCreateAndResolve(t *testing.T) {
	ctrl, err := NewController(testEmergencyConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	var mu sync.Mutex
	var received []Event
	ctrl.RegisterCallback(TypeDailyLossLimit, func(event Event) {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
	})

	ctrl.StartMonitoring()
	defer ctrl.StopMonitoring()

	ctrl.UpdateDailyLoss(2000)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	ctrl.UpdateDailyLoss(0)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0].Resolved {
		t.Errorf("expected first callback with unresolved event")
	}
	if !received[1].Resolved {
		t.Errorf("expected second callback with resolved event")
	}
}

func TestController_CallbackPanicDoesNotBlockOthers(t *testing.T) {
	ctrl, err := NewController(testEmergencyConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	ctrl.RegisterCallback(TypeAPIFailure, func(Event) {
		panic("callback failure")
	})

	called := false
	ctrl.RegisterCallback(TypeAPIFailure, func(Event) {
		called = true
	})

	ctrl.Raise(Event{
		Type:    TypeAPIFailure,
		Level:   LevelHigh,
		Message: "broker unreachable",
		Source:  "test",
	})

	if !called {
		t.Fatalf("expected second callback to run after first panicked")
	}
}

func TestController_RaiseDeduplicatesUnresolved(t *testing.T) {
	ctrl, err := NewController(testEmergencyConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	received := 0
	ctrl.RegisterCallback(TypeSystemError, func(Event) {
		received++
	})

	event := Event{
		Type:    TypeSystemError,
		Level:   LevelHigh,
		Message: "安全违规: CPU 使用率过高",
		Source:  "safety_monitor",
	}

	// 同一（类型，来源）的未恢复事件只保留一条。
	ctrl.Raise(event)
	ctrl.Raise(event)
	ctrl.Raise(event)

	if got := len(ctrl.Events()); got != 1 {
		t.Fatalf("expected 1 event after repeated raises, got %d", got)
	}
	if received != 1 {
		t.Errorf("expected callback fired once, got %d", received)
	}

	other := event
	other.Source = "order_router"
	ctrl.Raise(other)

	if got := len(ctrl.Events()); got != 2 {
		t.Errorf("expected distinct source to append, got %d events", got)
	}
}

func TestController_ShutdownClosesOpenPositions(t *testing.T) {
	ctrl, err := NewController(testEmergencyConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	var mu sync.Mutex
	var closed []string
	ctrl.RegisterPositionCloseCallback(func(tradeID, reason string, emergencyClose bool) {
		mu.Lock()
		defer mu.Unlock()
		closed = append(closed, tradeID)
		if !emergencyClose {
			t.Errorf("expected emergency=true for trade %s", tradeID)
		}
		if reason != "loss limit" {
			t.Errorf("expected reason 'loss limit', got %q", reason)
		}
	})

	ctrl.UpdateActiveTrades(map[string]trade.Snapshot{
		"T2": {ID: "T2", Symbol: "NIFTY", Status: trade.StatusOpen, Quantity: 50, EntryPrice: 100},
		"T1": {ID: "T1", Symbol: "BANKNIFTY", Status: trade.StatusOpen, Quantity: 25, EntryPrice: 200},
		"T3": {ID: "T3", Symbol: "NIFTY", Status: trade.StatusClosed, Quantity: 50, EntryPrice: 90},
	})

	if err := ctrl.InitiateShutdown("loss limit"); err != nil {
		t.Fatalf("InitiateShutdown returned error: %v", err)
	}

	if got := ctrl.ShutdownStatus(); got != ShutdownStateStopped {
		t.Errorf("expected stopped state, got %s", got)
	}

	mu.Lock()
	if len(closed) != 2 {
		t.Fatalf("expected 2 close calls, got %d (%v)", len(closed), closed)
	}
	if closed[0] != "T1" || closed[1] != "T2" {
		t.Errorf("expected deterministic close order T1,T2, got %v", closed)
	}
	mu.Unlock()

	// 重复关停为空操作，不再触发平仓回调。
	if err := ctrl.InitiateShutdown("again"); err != nil {
		t.Fatalf("second InitiateShutdown returned error: %v", err)
	}
	mu.Lock()
	if len(closed) != 2 {
		t.Errorf("expected no additional close calls, got %d", len(closed))
	}
	mu.Unlock()

	events := ctrl.Events()
	if countEvents(events, TypeSystemError, false) != 1 {
		t.Errorf("expected one shutdown completion event, got %d", countEvents(events, TypeSystemError, false))
	}
}

func TestController_ShutdownForceCloseAfterTimeout(t *testing.T) {
	cfg := testEmergencyConfig(t)
	cfg.ShutdownTimeout = 30 * time.Millisecond
	cfg.ForceCloseAfterTimeout = true

	ctrl, err := NewController(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	var mu sync.Mutex
	var closed []string
	ctrl.RegisterPositionCloseCallback(func(tradeID, reason string, emergencyClose bool) {
		time.Sleep(60 * time.Millisecond)
		mu.Lock()
		closed = append(closed, tradeID)
		mu.Unlock()
	})

	ctrl.UpdateActiveTrades(map[string]trade.Snapshot{
		"T1": {ID: "T1", Symbol: "NIFTY", Status: trade.StatusOpen, Quantity: 50, EntryPrice: 100},
		"T2": {ID: "T2", Symbol: "BANKNIFTY", Status: trade.StatusOpen, Quantity: 25, EntryPrice: 200},
	})

	// 第一笔耗尽超时预算，第二笔到达截止时间后被跳过。
	if err := ctrl.InitiateShutdown("timeout drill"); err != nil {
		t.Fatalf("expected nil with force close enabled, got %v", err)
	}
	if got := ctrl.ShutdownStatus(); got != ShutdownStateStopped {
		t.Errorf("expected stopped state, got %s", got)
	}

	mu.Lock()
	if len(closed) != 1 || closed[0] != "T1" {
		t.Errorf("expected only T1 closed before deadline, got %v", closed)
	}
	mu.Unlock()

	events := ctrl.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 completion event, got %d", len(events))
	}
	if got := events[0].Metadata["unclosed_trades"]; got != 1 {
		t.Errorf("expected unclosed_trades=1 in completion metadata, got %v", got)
	}
}

func TestController_ShutdownForceCloseOnUnconfirmedClose(t *testing.T) {
	ctrl, err := NewController(testEmergencyConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	ctrl.RegisterPositionCloseCallback(func(tradeID, reason string, emergencyClose bool) {
		panic("broker rejected close")
	})
	ctrl.UpdateActiveTrades(map[string]trade.Snapshot{
		"T1": {ID: "T1", Symbol: "NIFTY", Status: trade.StatusOpen, Quantity: 50, EntryPrice: 100},
	})

	if err := ctrl.InitiateShutdown("test"); err != nil {
		t.Fatalf("expected nil with force close enabled, got %v", err)
	}
	if got := ctrl.ShutdownStatus(); got != ShutdownStateStopped {
		t.Errorf("expected stopped state, got %s", got)
	}
}

func TestController_ShutdownCallbackFailure(t *testing.T) {
	cfg := testEmergencyConfig(t)
	cfg.ForceCloseAfterTimeout = false

	ctrl, err := NewController(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	ctrl.RegisterPositionCloseCallback(func(tradeID, reason string, emergencyClose bool) {
		panic("broker rejected close")
	})
	ctrl.UpdateActiveTrades(map[string]trade.Snapshot{
		"T1": {ID: "T1", Symbol: "NIFTY", Status: trade.StatusOpen, Quantity: 50, EntryPrice: 100},
	})

	err = ctrl.InitiateShutdown("test")
	if err == nil || !strings.Contains(err.Error(), "未能确认") {
		t.Fatalf("expected unconfirmed close error, got %v", err)
	}
	if got := ctrl.ShutdownStatus(); got != ShutdownStateStopped {
		t.Errorf("expected stopped state even on failure, got %s", got)
	}
}

func TestController_AutoShutdownOnCritical(t *testing.T) {
	cfg := testEmergencyConfig(t)
	cfg.AutoShutdownOnCritical = true

	ctrl, err := NewController(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	ctrl.StartMonitoring()
	defer ctrl.StopMonitoring()

	ctrl.UpdateDailyLoss(5000)

	waitFor(t, time.Second, func() bool {
		return ctrl.ShutdownStatus() == ShutdownStateStopped
	})
}

func TestController_StatusSnapshot(t *testing.T) {
	ctrl, err := NewController(testEmergencyConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	ctrl.UpdateDailyLoss(300)
	ctrl.UpdateActiveTrades(map[string]trade.Snapshot{
		"T1": {ID: "T1", Status: trade.StatusOpen},
	})

	status := ctrl.Status()

	if status["emergency_stop_active"] != false {
		t.Errorf("expected emergency_stop_active=false, got %v", status["emergency_stop_active"])
	}
	if status["current_daily_loss"] != 300.0 {
		t.Errorf("expected current_daily_loss=300, got %v", status["current_daily_loss"])
	}
	if status["daily_loss_limit"] != 1000.0 {
		t.Errorf("expected daily_loss_limit=1000, got %v", status["daily_loss_limit"])
	}
	if status["active_trades"] != 1 {
		t.Errorf("expected active_trades=1, got %v", status["active_trades"])
	}
	if status["shutdown_state"] != "running" {
		t.Errorf("expected shutdown_state=running, got %v", status["shutdown_state"])
	}
	if status["monitoring_active"] != false {
		t.Errorf("expected monitoring_active=false, got %v", status["monitoring_active"])
	}
	if status["emergency_stop_file_exists"] != false {
		t.Errorf("expected emergency_stop_file_exists=false, got %v", status["emergency_stop_file_exists"])
	}
}

func TestController_StartMonitoringIsIdempotent(t *testing.T) {
	ctrl, err := NewController(testEmergencyConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("NewController returned error: %v", err)
	}

	ctrl.StartMonitoring()
	ctrl.StartMonitoring()
	ctrl.StopMonitoring()
	ctrl.StopMonitoring()

	status := ctrl.Status()
	if status["monitoring_active"] != false {
		t.Errorf("expected monitoring stopped, got %v", status["monitoring_active"])
	}
}
