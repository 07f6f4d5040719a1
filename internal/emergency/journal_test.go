package emergency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"angel-guard/internal/config"
	"angel-guard/internal/store"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()

	s, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	journal, err := NewJournal(s, nil)
	if err != nil {
		t.Fatalf("NewJournal returned error: %v", err)
	}
	return journal
}

func TestJournal_RecordAndList(t *testing.T) {
	journal := newTestJournal(t)
	ctx := context.Background()

	first := Event{
		Type:      TypeManualStop,
		Level:     LevelCritical,
		Message:   "manual halt",
		Timestamp: time.Now(),
		Source:    "emergency_file",
	}
	second := Event{
		Type:      TypeDailyLossLimit,
		Level:     LevelCritical,
		Message:   "loss limit reached",
		Timestamp: time.Now(),
		Source:    "risk_monitor",
	}

	journal.RecordEvent(first)
	journal.RecordEvent(second)
	journal.RecordViolation(time.Now(), map[string]interface{}{
		"check_type": "position_limits",
		"message":    "too many positions",
	})

	events, err := journal.List(ctx, KindEvent, 10)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 event entries, got %d", len(events))
	}

	// 最新记录排在前面。
	var latest Event
	if err := json.Unmarshal(events[0].Payload, &latest); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if latest.Type != TypeDailyLossLimit {
		t.Errorf("expected latest entry first, got type %s", latest.Type)
	}

	violations, err := journal.List(ctx, KindViolation, 10)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation entry, got %d", len(violations))
	}

	all, err := journal.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 entries without kind filter, got %d", len(all))
	}
}

func TestJournal_ListRespectsLimit(t *testing.T) {
	journal := newTestJournal(t)

	for i := 0; i < 5; i++ {
		journal.RecordEvent(Event{
			Type:      TypeSystemError,
			Level:     LevelMedium,
			Message:   "tick",
			Timestamp: time.Now(),
			Source:    "test",
		})
	}

	entries, err := journal.List(context.Background(), KindEvent, 3)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected limit of 3 entries, got %d", len(entries))
	}
}
