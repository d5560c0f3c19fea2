package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"LX-Agent/deploy/migrations"
	"LX-Agent/internal/agent"
	xerrors "LX-Agent/internal/errors"
)

// MySQLStore 将任务状态落在 MySQL 中，支持多实例共享任务视图。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 打开数据库连接并确保建表完成。
// DSN 必须携带 parseTime=true，否则时间列无法扫描。
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开任务数据库失败")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接任务数据库失败")
	}
	if err := migrations.Apply(ctx, db, "tasks.sql"); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化任务表失败")
	}
	return &MySQLStore{db: db}, nil
}

// Save 插入或整体覆盖一条任务。
func (s *MySQLStore) Save(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务缺少 ID")
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	var result any
	if task.Result != nil {
		encoded, err := json.Marshal(task.Result)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化任务结果失败")
		}
		result = string(encoded)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (id, session_id, command, capability, auto_continue, max_steps,
                   status, attempts, max_retries, last_error, error_code, result,
                   created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    session_id = VALUES(session_id), status = VALUES(status),
    attempts = VALUES(attempts), last_error = VALUES(last_error),
    error_code = VALUES(error_code), result = VALUES(result),
    updated_at = VALUES(updated_at)`,
		task.ID, task.SessionID, task.Command, task.Capability, task.AutoContinue,
		task.MaxSteps, task.Status, task.Attempts, task.MaxRetries,
		task.LastError, task.ErrorCode, result, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存任务失败")
	}
	return nil
}

const taskColumns = `id, session_id, command, capability, auto_continue, max_steps,
status, attempts, max_retries, last_error, error_code, result, created_at, updated_at`

func scanTask(scanner interface{ Scan(...any) error }) (*Task, error) {
	var task Task
	var lastError sql.NullString
	var result sql.NullString
	err := scanner.Scan(&task.ID, &task.SessionID, &task.Command, &task.Capability,
		&task.AutoContinue, &task.MaxSteps, &task.Status, &task.Attempts,
		&task.MaxRetries, &lastError, &task.ErrorCode, &result,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.LastError = lastError.String
	if result.Valid && result.String != "" {
		task.Result = &agent.RunSummary{}
		if err := json.Unmarshal([]byte(result.String), task.Result); err != nil {
			return nil, err
		}
	}
	return &task, nil
}

// Get 按 ID 返回任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, xerrors.New(CodeTaskNotFound, "任务不存在: "+id)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// List 按条件返回任务，按创建时间倒序。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	var sb strings.Builder
	sb.WriteString("SELECT " + taskColumns + " FROM tasks WHERE 1=1")
	args := make([]any, 0, 4)
	if opts.Status != "" {
		sb.WriteString(" AND status = ?")
		args = append(args, opts.Status)
	}
	if opts.SessionID != "" {
		sb.WriteString(" AND session_id = ?")
		args = append(args, opts.SessionID)
	}
	sb.WriteString(" ORDER BY created_at DESC, id DESC")
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	sb.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回各状态的任务计数。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务统计失败")
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusRunning:
			stats.Running = count
		case StatusSucceeded:
			stats.Succeeded = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
