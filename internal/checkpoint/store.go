package checkpoint

import (
	"context"
	"sync"

	xerrors "OPAgent-Chain/internal/errors"
)

const (
	CodeCheckpointMissing    xerrors.Code = "CHECKPOINT_MISSING"
	CodeCheckpointCorrupt    xerrors.Code = "CHECKPOINT_CORRUPT"
	CodeCheckpointInvalid    xerrors.Code = "CHECKPOINT_INVALID"
	CodeCheckpointRegression xerrors.Code = "CHECKPOINT_REGRESSION"
	CodeCheckpointLocked     xerrors.Code = "CHECKPOINT_LOCKED"
	CodeLeaseLost            xerrors.Code = "CHECKPOINT_LEASE_LOST"
)

var (
	// ErrConfigMissing 表示存储中还没有任何检查点。
	ErrConfigMissing = xerrors.New(CodeCheckpointMissing, "checkpoint not found")
	// ErrLocked 表示另一个进程持有该检查点的运行租约。
	ErrLocked = xerrors.New(CodeCheckpointLocked, "checkpoint is locked by another run")
	// ErrLeaseLost 表示运行期间租约已失效，其他进程可能已接管检查点。
	ErrLeaseLost = xerrors.New(CodeLeaseLost, "checkpoint lease was lost")
)

func init() {
	xerrors.Register(CodeCheckpointMissing, xerrors.Attributes{
		Message:  "checkpoint not found",
		Severity: xerrors.SeverityWarning,
		Fatal:    true,
	})
	xerrors.Register(CodeCheckpointCorrupt, xerrors.Attributes{
		Message:  "checkpoint is malformed",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
	})
	xerrors.Register(CodeCheckpointInvalid, xerrors.Attributes{
		Message:  "checkpoint violates its invariants",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
	})
	xerrors.Register(CodeCheckpointRegression, xerrors.Attributes{
		Message:  "checkpoint would move backwards",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
	})
	xerrors.Register(CodeCheckpointLocked, xerrors.Attributes{
		Message:   "checkpoint is locked by another run",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Fatal:     true,
	})
	xerrors.Register(CodeLeaseLost, xerrors.Attributes{
		Message:   "checkpoint lease was lost",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Fatal:     true,
	})
}

// Store 抽象了检查点的读写。每次访问都读写完整记录，调用方不应跨步骤缓存。
type Store interface {
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, record Record) error
	Acquire(ctx context.Context, owner string) (Lease, error)
	Close() error
}

// Lease 代表单实例运行租约。
type Lease interface {
	Release(ctx context.Context) error
}

// ExpiringLease 由持有期间可能失效的租约实现。Lost 返回的通道在租约丢失后关闭。
type ExpiringLease interface {
	Lease
	Lost() <-chan struct{}
}

// LeaseLost 返回租约的丢失通道；租约不会中途失效时返回 nil。
func LeaseLost(lease Lease) <-chan struct{} {
	if expiring, ok := lease.(ExpiringLease); ok {
		return expiring.Lost()
	}
	return nil
}

// CheckLease 在租约已丢失时返回 ErrLeaseLost。
func CheckLease(lease Lease) error {
	lost := LeaseLost(lease)
	if lost == nil {
		return nil
	}
	select {
	case <-lost:
		return ErrLeaseLost
	default:
		return nil
	}
}

// LeaseFunc 允许用函数实现 Lease。
type LeaseFunc func(ctx context.Context) error

// Release 实现 Lease。
func (f LeaseFunc) Release(ctx context.Context) error { return f(ctx) }

// MemoryStore 是进程内的检查点存储，用于测试与演练。
type MemoryStore struct {
	mu     sync.Mutex
	record *Record
	held   bool
	lease  uint64
	saves  int
}

// NewMemoryStore 创建内存存储，initial 为 nil 时表示尚无检查点。
func NewMemoryStore(initial *Record) *MemoryStore {
	s := &MemoryStore{}
	if initial != nil {
		clone := initial.Clone()
		s.record = &clone
	}
	return s
}

// Load 实现 Store。
func (s *MemoryStore) Load(context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return Record{}, ErrConfigMissing
	}
	return s.record.Clone(), nil
}

// Save 实现 Store。
func (s *MemoryStore) Save(_ context.Context, record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := record.Clone()
	if clone.Version == 0 {
		clone.Version = CurrentVersion
	}
	s.record = &clone
	s.saves++
	return nil
}

// Acquire 实现 Store。owner 为空时同样独占租约。
func (s *MemoryStore) Acquire(_ context.Context, owner string) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return nil, xerrors.Wrap(CodeCheckpointLocked, ErrLocked, "内存检查点正被其他运行使用",
			xerrors.WithMetadata("owner", owner))
	}
	s.held = true
	s.lease++
	id := s.lease
	return LeaseFunc(func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.held && s.lease == id {
			s.held = false
		}
		return nil
	}), nil
}

// Saves 返回成功写入的次数。
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
