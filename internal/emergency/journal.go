package emergency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"angel-guard/internal/store"
)

// Journal 将紧急事件与安全违规持久化到 SQLite，供审计与状态接口查询。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// Entry 是审计日志中的一条通用记录。
type Entry struct {
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// 记录类型。
const (
	KindEvent     = "emergency_event"
	KindViolation = "safety_violation"
)

// NewJournal 初始化审计日志并创建所需表结构。
func NewJournal(store *store.Store, logger *zap.Logger) (*Journal, error) {
	if store == nil {
		return nil, fmt.Errorf("emergency: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Journal{
		db:     store.DB(),
		logger: logger,
	}

	if err := j.initSchema(); err != nil {
		return nil, err
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS guard_journal (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_guard_journal_kind ON guard_journal(kind);
`
	if _, err := j.db.Exec(stmt); err != nil {
		return fmt.Errorf("emergency: 初始化审计表失败: %w", err)
	}
	return nil
}

// Record 写入单条记录。
func (j *Journal) Record(ctx context.Context, kind string, ts time.Time, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("emergency: 序列化审计记录失败: %w", err)
	}

	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO guard_journal (kind, payload, created_at) VALUES (?, ?, ?)`,
		kind, string(data), ts.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("emergency: 写入审计记录失败: %w", err)
	}

	return nil
}

// RecordEvent 记录一次紧急事件，失败只告警不阻断监控流程。
func (j *Journal) RecordEvent(event Event) {
	if err := j.Record(context.Background(), KindEvent, event.Timestamp, event); err != nil {
		j.logger.Warn("记录紧急事件失败", zap.Error(err))
	}
}

// RecordViolation 记录一次安全违规，payload 由安全监控器提供。
func (j *Journal) RecordViolation(ts time.Time, violation interface{}) {
	if err := j.Record(context.Background(), KindViolation, ts, violation); err != nil {
		j.logger.Warn("记录安全违规失败", zap.Error(err))
	}
}

// List 按类型检索最近记录，kind 为空时返回全部。
func (j *Journal) List(ctx context.Context, kind string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT kind, payload, created_at FROM guard_journal`
	args := make([]interface{}, 0, 2)
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("emergency: 查询审计记录失败: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			k       string
			payload string
			created string
		)
		if scanErr := rows.Scan(&k, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("emergency: 解析审计记录失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		entries = append(entries, Entry{
			Kind:      k,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("emergency: 读取审计记录失败: %w", err)
	}

	return entries, nil
}
