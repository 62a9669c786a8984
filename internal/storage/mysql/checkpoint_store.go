package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"OPAgent-Chain/internal/checkpoint"
	xerrors "OPAgent-Chain/internal/errors"
)

const (
	selectCheckpointSQL = `SELECT document FROM provision_checkpoints WHERE name = ?`
	upsertCheckpointSQL = `INSERT INTO provision_checkpoints (name, version, document, updated_at)
    VALUES (?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE version = VALUES(version), document = VALUES(document), updated_at = VALUES(updated_at)`
	acquireLockSQL = `SELECT GET_LOCK(?, ?)`
	releaseLockSQL = `SELECT RELEASE_LOCK(?)`
)

// CheckpointStore 以单行 JSON 文档的形式在 MySQL 中保存检查点。
type CheckpointStore struct {
	db          *sql.DB
	name        string
	lockTimeout time.Duration
	now         func() time.Time
}

// NewCheckpointStore 建立连接池、执行迁移并返回检查点存储。
func NewCheckpointStore(ctx context.Context, cfg Config) (*CheckpointStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 检查点存储失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
	}
	return newCheckpointStore(db, cfg), nil
}

func newCheckpointStore(db *sql.DB, cfg Config) *CheckpointStore {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "default"
	}
	return &CheckpointStore{db: db, name: name, lockTimeout: cfg.LockTimeout, now: time.Now}
}

// DB 暴露底层连接池，供事件存储复用。
func (s *CheckpointStore) DB() *sql.DB { return s.db }

// Load 实现 checkpoint.Store。
func (s *CheckpointStore) Load(ctx context.Context) (checkpoint.Record, error) {
	var document []byte
	err := s.db.QueryRowContext(ctx, selectCheckpointSQL, s.name).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Record{}, checkpoint.ErrConfigMissing
	}
	if err != nil {
		return checkpoint.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询检查点失败")
	}

	var record checkpoint.Record
	if err := json.Unmarshal(document, &record); err != nil {
		return checkpoint.Record{}, xerrors.Wrap(checkpoint.CodeCheckpointCorrupt, err,
			fmt.Sprintf("检查点 %s 内容无法解析", s.name))
	}
	if err := record.Validate(); err != nil {
		return checkpoint.Record{}, err
	}
	return record, nil
}

// Save 实现 checkpoint.Store，整行替换在单个事务内完成。
func (s *CheckpointStore) Save(ctx context.Context, record checkpoint.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if record.Version == 0 {
		record.Version = checkpoint.CurrentVersion
	}
	document, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化检查点失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启检查点事务失败")
	}
	if _, err := tx.ExecContext(ctx, upsertCheckpointSQL, s.name, record.Version, string(document), s.now().Unix()); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入检查点失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交检查点事务失败")
	}
	return nil
}

// Acquire 使用 GET_LOCK 获取命名锁。命名锁绑定在会话上，因此租约独占一条连接直到释放。
func (s *CheckpointStore) Acquire(ctx context.Context, owner string) (checkpoint.Lease, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取 MySQL 连接失败")
	}

	lockName := s.lockName()
	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx, acquireLockSQL, lockName, int64(s.lockTimeout/time.Second)).Scan(&acquired); err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 GET_LOCK 失败")
	}
	if !acquired.Valid {
		conn.Close()
		return nil, xerrors.New(xerrors.CodeStorageFailure, "GET_LOCK 返回 NULL")
	}
	if acquired.Int64 != 1 {
		conn.Close()
		return nil, xerrors.Wrap(checkpoint.CodeCheckpointLocked, checkpoint.ErrLocked,
			fmt.Sprintf("检查点 %s 正被其他进程使用", s.name), xerrors.WithMetadata("owner", owner))
	}

	return checkpoint.LeaseFunc(func(ctx context.Context) error {
		defer conn.Close()
		var released sql.NullInt64
		if err := conn.QueryRowContext(ctx, releaseLockSQL, lockName).Scan(&released); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 RELEASE_LOCK 失败")
		}
		return nil
	}), nil
}

// Close 实现 checkpoint.Store。
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

func (s *CheckpointStore) lockName() string {
	// MySQL 命名锁最长 64 个字符。
	name := "opagent:checkpoint:" + s.name
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
