package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"OPAgent-Chain/internal/checkpoint"
	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/pkg/logger"
)

// Config 描述 Redis 检查点存储的连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	Name      string
	LeaseTTL  time.Duration
}

var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// CheckpointStore 将整条检查点记录保存为一个 JSON 字符串键。
type CheckpointStore struct {
	client   goredis.UniversalClient
	key      string
	leaseKey string
	leaseTTL time.Duration
	owned    bool
}

// NewCheckpointStore 创建 Redis 检查点存储并检查连通性。
func NewCheckpointStore(ctx context.Context, cfg Config) (*CheckpointStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	store := NewCheckpointStoreWithClient(client, cfg)
	store.owned = true
	return store, nil
}

// NewCheckpointStoreWithClient 复用已有客户端，关闭存储时不会关闭该客户端。
func NewCheckpointStoreWithClient(client goredis.UniversalClient, cfg Config) *CheckpointStore {
	prefix := strings.TrimSuffix(cfg.KeyPrefix, ":")
	if prefix == "" {
		prefix = "opagent:checkpoint"
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	key := prefix + ":" + name
	return &CheckpointStore{client: client, key: key, leaseKey: key + ":lease", leaseTTL: ttl}
}

// Key 返回保存检查点的键名。
func (s *CheckpointStore) Key() string { return s.key }

// Load 实现 checkpoint.Store。
func (s *CheckpointStore) Load(ctx context.Context) (checkpoint.Record, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return checkpoint.Record{}, checkpoint.ErrConfigMissing
	}
	if err != nil {
		return checkpoint.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 检查点失败")
	}
	var record checkpoint.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return checkpoint.Record{}, xerrors.Wrap(checkpoint.CodeCheckpointCorrupt, err,
			fmt.Sprintf("检查点 %s 内容无法解析", s.key))
	}
	if err := record.Validate(); err != nil {
		return checkpoint.Record{}, err
	}
	return record, nil
}

// Save 实现 checkpoint.Store。单键 SET 本身是原子的。
func (s *CheckpointStore) Save(ctx context.Context, record checkpoint.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化检查点失败")
	}
	if err := s.client.Set(ctx, s.key, encoded, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 检查点失败")
	}
	return nil
}

// Acquire 以 SET NX PX 获取租约，并在持有期间定期续期。
func (s *CheckpointStore) Acquire(ctx context.Context, owner string) (checkpoint.Lease, error) {
	token := owner + ":" + uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.leaseKey, token, s.leaseTTL).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取 Redis 租约失败")
	}
	if !ok {
		holder, _ := s.client.Get(ctx, s.leaseKey).Result()
		return nil, xerrors.Wrap(checkpoint.CodeCheckpointLocked, checkpoint.ErrLocked,
			fmt.Sprintf("检查点 %s 正被其他进程使用", s.key),
			xerrors.WithMetadata("owner", owner), xerrors.WithMetadata("holder", holder))
	}

	lease := &redisLease{
		store: s,
		token: token,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		lost:  make(chan struct{}),
	}
	go lease.keepAlive()
	return lease, nil
}

// Close 实现 checkpoint.Store。
func (s *CheckpointStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

type redisLease struct {
	store *CheckpointStore
	token string
	once  sync.Once
	stop  chan struct{}
	done  chan struct{}
	lost  chan struct{}
}

// Lost 实现 checkpoint.ExpiringLease。
func (l *redisLease) Lost() <-chan struct{} { return l.lost }

func (l *redisLease) keepAlive() {
	defer close(l.done)
	ticker := time.NewTicker(l.store.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			res, err := refreshScript.Run(ctx, l.store.client, []string{l.store.leaseKey}, l.token, l.store.leaseTTL.Milliseconds()).Int64()
			cancel()
			if err != nil {
				logger.L().Warn("续期 Redis 租约失败", slog.String("key", l.store.leaseKey), slog.Any("error", err))
				continue
			}
			if res == 0 {
				logger.L().Error("Redis 租约已丢失", slog.String("key", l.store.leaseKey))
				close(l.lost)
				return
			}
		}
	}
}

// Release 仅在令牌仍匹配时删除租约键。
func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if _, runErr := releaseScript.Run(ctx, l.store.client, []string{l.store.leaseKey}, l.token).Result(); runErr != nil {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, runErr, "释放 Redis 租约失败")
		}
	})
	return err
}
