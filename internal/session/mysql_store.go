package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"LX-Agent/deploy/migrations"
	xerrors "LX-Agent/internal/errors"
)

// MySQLStore 将会话与历史落在 MySQL 中，支持多实例共享会话。
type MySQLStore struct {
	db        *sql.DB
	maxRounds int
}

// NewMySQLStore 打开数据库连接并确保建表完成。
// DSN 必须携带 parseTime=true，否则时间列无法扫描。
func NewMySQLStore(ctx context.Context, dsn string, maxRounds int) (*MySQLStore, error) {
	if maxRounds <= 0 {
		maxRounds = 20
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开会话数据库失败")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接会话数据库失败")
	}
	if err := migrations.Apply(ctx, db, "sessions.sql"); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化会话表失败")
	}
	return &MySQLStore{db: db, maxRounds: maxRounds}, nil
}

// Create 创建一个新的会话。
func (s *MySQLStore) Create(ctx context.Context) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)",
		sess.ID, sess.Status, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建会话失败")
	}
	return sess, nil
}

// Get 返回会话及其全部历史。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Session, error) {
	sess := &Session{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT status, created_at, updated_at FROM sessions WHERE id = ?", id).
		Scan(&sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, xerrors.New(CodeSessionNotFound, "会话不存在: "+id)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, actions, created_at FROM session_turns WHERE session_id = ? ORDER BY id ASC", id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话历史失败")
	}
	defer rows.Close()

	for rows.Next() {
		var turn Turn
		var actions sql.NullString
		if err := rows.Scan(&turn.Role, &turn.Content, &actions, &turn.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话历史失败")
		}
		if actions.Valid && actions.String != "" {
			if err := json.Unmarshal([]byte(actions.String), &turn.Actions); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析历史动作失败")
			}
		}
		sess.History = append(sess.History, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话历史失败")
	}
	return sess, nil
}

// AppendTurn 追加历史并裁剪最旧的记录，保证单会话条数不超过上限。
func (s *MySQLStore) AppendTurn(ctx context.Context, id string, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	var actions any
	if len(turn.Actions) > 0 {
		encoded, err := json.Marshal(turn.Actions)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化历史动作失败")
		}
		actions = string(encoded)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?", time.Now(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话失败")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return xerrors.New(CodeSessionNotFound, "会话不存在: "+id)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO session_turns (session_id, role, content, actions, created_at) VALUES (?, ?, ?, ?, ?)",
		id, turn.Role, turn.Content, actions, turn.CreatedAt); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话历史失败")
	}

	// 只保留最近 maxRounds 条。MySQL 不支持在 DELETE 子查询中引用同表，
	// 先取边界 id 再删除。
	var boundary sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM session_turns WHERE session_id = ? ORDER BY id DESC LIMIT 1 OFFSET ?",
		id, s.maxRounds-1).Scan(&boundary)
	if err != nil && err != sql.ErrNoRows {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询裁剪边界失败")
	}
	if boundary.Valid {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM session_turns WHERE session_id = ? AND id < ?", id, boundary.Int64); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "裁剪会话历史失败")
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// SetStatus 更新会话状态。
func (s *MySQLStore) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?", status, time.Now(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话状态失败")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return xerrors.New(CodeSessionNotFound, "会话不存在: "+id)
	}
	return nil
}

// Delete 删除会话及其历史。
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return xerrors.New(CodeSessionNotFound, "会话不存在: "+id)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM session_turns WHERE session_id = ?", id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话历史失败")
	}
	return tx.Commit()
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
