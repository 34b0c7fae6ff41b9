// Package audit 将保护执行结果和风险告警持久化到 SQLite，供事后审计。
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/life2you_mini/creditvault/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS protection_executions (
	id            TEXT PRIMARY KEY,
	rule_id       TEXT NOT NULL,
	vault_id      TEXT NOT NULL,
	executed      INTEGER NOT NULL,
	skip_reason   TEXT,
	message       TEXT,
	actions_json  TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_vault ON protection_executions(vault_id, created_at);

CREATE TABLE IF NOT EXISTS risk_alerts (
	id            TEXT PRIMARY KEY,
	vault_id      TEXT NOT NULL,
	dimension     TEXT NOT NULL,
	severity      TEXT NOT NULL,
	message       TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_vault ON risk_alerts(vault_id, created_at);
`

// Store 审计存储
type Store struct {
	db *sql.DB
}

// NewStore 打开数据库并执行建表
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// sqlite 只允许单写者
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordExecution 记录一次规则执行结果，重复的结果id被忽略
func (s *Store) RecordExecution(ctx context.Context, r models.ExecutionResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	actions, err := json.Marshal(r.ActionsExecuted)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO protection_executions
		 (id, rule_id, vault_id, executed, skip_reason, message, actions_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RuleID, r.VaultID, boolToInt(r.Executed), r.SkipReason, r.Message,
		string(actions), r.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// RecordAlert 记录一条新告警
func (s *Store) RecordAlert(ctx context.Context, a models.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO risk_alerts (id, vault_id, dimension, severity, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.VaultID, string(a.Dimension), string(a.Severity), a.Message,
		a.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListExecutions 按时间倒序返回金库的执行记录，vaultID 为空时返回全部
func (s *Store) ListExecutions(ctx context.Context, vaultID string, limit int) ([]models.ExecutionResult, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, rule_id, vault_id, executed, skip_reason, message, actions_json, created_at
		FROM protection_executions`
	args := []any{}
	if vaultID != "" {
		query += ` WHERE vault_id = ?`
		args = append(args, vaultID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionResult
	for rows.Next() {
		var (
			r                   models.ExecutionResult
			executed            int
			skip, msg           sql.NullString
			actionsJSON, tsText string
		)
		if err := rows.Scan(&r.ID, &r.RuleID, &r.VaultID, &executed, &skip, &msg, &actionsJSON, &tsText); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		r.Executed = executed == 1
		r.SkipReason = skip.String
		r.Message = msg.String
		if err := json.Unmarshal([]byte(actionsJSON), &r.ActionsExecuted); err != nil {
			return nil, fmt.Errorf("unmarshal actions: %w", err)
		}
		if r.Timestamp, err = time.Parse(time.RFC3339Nano, tsText); err != nil {
			return nil, fmt.Errorf("parse time: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountAlerts 统计时间范围内各严重程度的告警数量
func (s *Store) CountAlerts(ctx context.Context, since time.Time) (map[models.AlertSeverity]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM risk_alerts WHERE created_at >= ? GROUP BY severity`,
		since.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.AlertSeverity]int)
	for rows.Next() {
		var (
			sev string
			n   int
		)
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("scan alert count: %w", err)
		}
		counts[models.AlertSeverity(sev)] = n
	}
	return counts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
