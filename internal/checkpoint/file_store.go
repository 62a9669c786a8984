package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	xerrors "OPAgent-Chain/internal/errors"
)

// FileStore 将检查点保存为单个 JSON 文件，写入采用临时文件加 rename，
// 进程在写入中途崩溃也不会留下半截文件。
type FileStore struct {
	path string
}

// NewFileStore 创建文件存储。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path 返回检查点文件路径。
func (s *FileStore) Path() string { return s.path }

// Load 实现 Store。
func (s *FileStore) Load(_ context.Context) (Record, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, ErrConfigMissing
		}
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取检查点文件失败")
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return Record{}, xerrors.New(CodeCheckpointCorrupt, "检查点文件为空: "+s.path)
	}

	var record Record
	if err := json.Unmarshal(content, &record); err != nil {
		return Record{}, xerrors.Wrap(CodeCheckpointCorrupt, err, "解析检查点文件失败: "+s.path)
	}
	if err := record.Validate(); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Save 实现 Store。
func (s *FileStore) Save(_ context.Context, record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化检查点失败")
	}
	encoded = append(encoded, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建检查点目录失败")
	}
	if err := writeFileAtomic(s.path, encoded); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入检查点文件失败")
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	// rename 之后同步目录项；部分平台不支持对目录 fsync，忽略该错误。
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Acquire 使用 <path>.lock 上的 flock 保证同一时刻只有一个部署进程。
func (s *FileStore) Acquire(_ context.Context, owner string) (Lease, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建检查点目录失败")
	}
	lock := flock.New(s.path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取检查点文件锁失败")
	}
	if !ok {
		return nil, xerrors.Wrap(CodeCheckpointLocked, ErrLocked, fmt.Sprintf("检查点 %s 正被其他进程使用", s.path),
			xerrors.WithMetadata("owner", owner))
	}
	return LeaseFunc(func(context.Context) error {
		return lock.Unlock()
	}), nil
}

// Close 实现 Store。
func (s *FileStore) Close() error { return nil }
