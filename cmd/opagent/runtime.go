package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"OPAgent-Chain/internal/checkpoint"
	"OPAgent-Chain/internal/config"
	"OPAgent-Chain/internal/events"
	mysqlstore "OPAgent-Chain/internal/storage/mysql"
	redisstore "OPAgent-Chain/internal/storage/redis"
	"OPAgent-Chain/internal/verify"
	"OPAgent-Chain/internal/web3"
	"OPAgent-Chain/internal/web3/ethereum"
	"OPAgent-Chain/pkg/logger"
)

var defaultConfigPath = filepath.Join("configs", "opagent.json")

// runtime 持有一次命令执行期间打开的资源。
type runtime struct {
	cfg     *config.Config
	store   checkpoint.Store
	db      *sql.DB
	closers []func() error
}

func newRuntime(ctx context.Context, c *cli.Context) (*runtime, error) {
	if err := godotenv.Load(c.String("env-file")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("加载 %s 失败: %w", c.String("env-file"), err)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   true,
		},
	}); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}
	if err := rt.openStore(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// loadConfig 读取配置文件。未显式指定且默认文件不存在时使用默认配置。
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if !c.IsSet("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.Default("."), nil
		}
	}
	return config.Load(path)
}

func (rt *runtime) openStore(ctx context.Context) error {
	cp := rt.cfg.Checkpoint
	switch strings.ToLower(strings.TrimSpace(cp.Driver)) {
	case "", "file":
		rt.store = checkpoint.NewFileStore(cp.Path)
	case "mysql":
		store, err := mysqlstore.NewCheckpointStore(ctx, mysqlstore.Config{
			DSN:             config.Secret(cp.MySQL.DSN, cp.MySQL.DSNEnv),
			Name:            cp.Name,
			MaxOpenConns:    cp.MySQL.MaxOpenConns,
			MaxIdleConns:    cp.MySQL.MaxIdleConns,
			ConnMaxLifetime: secondsDuration(cp.MySQL.ConnMaxLifetimeSeconds),
		})
		if err != nil {
			return err
		}
		rt.store = store
		rt.db = store.DB()
	case "redis":
		store, err := redisstore.NewCheckpointStore(ctx, redisstore.Config{
			Address:   cp.Redis.Address,
			Password:  config.Secret(cp.Redis.Password, cp.Redis.PasswordEnv),
			DB:        cp.Redis.DB,
			KeyPrefix: cp.Redis.KeyPrefix,
			Name:      cp.Name,
			LeaseTTL:  cp.Lease.TTL(),
		})
		if err != nil {
			return err
		}
		rt.store = store
	default:
		return fmt.Errorf("未知的检查点驱动: %s", cp.Driver)
	}
	rt.closers = append(rt.closers, rt.store.Close)
	return nil
}

// publisher 按配置组装事件投递渠道。
func (rt *runtime) publisher(ctx context.Context) (events.Publisher, error) {
	ev := rt.cfg.Events
	fanout := events.NewFanout()
	for _, driver := range ev.Drivers {
		switch strings.ToLower(strings.TrimSpace(driver)) {
		case "log":
			fanout.Add("log", events.LogPublisher{})
		case "rabbitmq":
			pub, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
				URL:     config.Secret(ev.RabbitMQ.URL, ev.RabbitMQ.URLEnv),
				Queue:   ev.RabbitMQ.Queue,
				Durable: ev.RabbitMQ.Durable,
			})
			if err != nil {
				_ = fanout.Close()
				return nil, err
			}
			fanout.Add("rabbitmq", pub)
		case "redis":
			pub, err := events.NewRedisPublisher(ctx, events.RedisConfig{
				Address:  ev.Redis.Address,
				Password: ev.Redis.Password,
				DB:       ev.Redis.DB,
				Stream:   ev.Redis.Stream,
				MaxLen:   ev.Redis.MaxLen,
			})
			if err != nil {
				_ = fanout.Close()
				return nil, err
			}
			fanout.Add("redis", pub)
		case "mysql":
			if rt.db == nil {
				_ = fanout.Close()
				return nil, errors.New("mysql 事件渠道需要使用 mysql 检查点驱动")
			}
			fanout.Add("mysql", mysqlstore.NewEventStore(rt.db))
		default:
			_ = fanout.Close()
			return nil, fmt.Errorf("未知的事件渠道: %s", driver)
		}
	}
	rt.closers = append(rt.closers, fanout.Close)
	return fanout, nil
}

// dialChain 根据网络清单与配置连接目标链。
func (rt *runtime) dialChain(ctx context.Context) (*ethereum.Client, web3.ChainDefinition, error) {
	network := rt.cfg.Network
	defs, err := web3.LoadChainDefinitions(network.ChainConfig)
	if err != nil {
		return nil, web3.ChainDefinition{}, err
	}
	def, _ := defs.Lookup(network.Name)

	rpcURL := config.Secret(network.RPCURL, network.RPCURLEnv)
	if rpcURL == "" {
		rpcURL = def.ResolveRPCURL()
	}
	if rpcURL == "" {
		return nil, def, fmt.Errorf("网络 %s 未配置 RPC 地址，请设置 %s", network.Name, network.RPCURLEnv)
	}
	chainID := network.ChainID
	if chainID == 0 {
		chainID = def.ChainID
	}

	client, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:       network.Name,
		RPCURL:     rpcURL,
		WSURL:      def.WSURL,
		Notes:      def.Description,
		ChainID:    chainID,
		PrivateKey: os.Getenv(rt.cfg.Signer.PrivateKeyEnv),
		GasLimit:   rt.cfg.Signer.GasLimit,
		TxTimeout:  rt.cfg.Timing.TxTimeout(),
	})
	if err != nil {
		return nil, def, err
	}
	rt.closers = append(rt.closers, func() error {
		client.Close()
		return nil
	})
	return client, def, nil
}

// verifier 返回源码验证客户端。未启用或缺少 API Key 时返回 nil。
func (rt *runtime) verifier(ctx context.Context, client *ethereum.Client, def web3.ChainDefinition) (verify.Verifier, error) {
	vc := rt.cfg.Verify
	if !vc.IsEnabled() {
		return nil, nil
	}
	apiKey := config.Secret(vc.APIKey, vc.APIKeyEnv)
	if apiKey == "" {
		logger.L().Warn("未配置区块浏览器 API Key，跳过源码验证", slog.String("env", vc.APIKeyEnv))
		return nil, nil
	}
	apiURL := vc.APIURL
	if apiURL == "" {
		apiURL = def.ExplorerAPIURL
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	explorer, err := verify.NewEtherscanClient(verify.EtherscanConfig{
		APIURL:       apiURL,
		APIKey:       apiKey,
		ChainID:      chainID.Int64(),
		PollInterval: vc.PollInterval(),
		MaxAttempts:  vc.PollAttempts,
	})
	if err != nil {
		return nil, err
	}
	return explorer, nil
}

// seed 返回首次运行写入检查点的初始记录。
func (rt *runtime) seed() (checkpoint.Record, error) {
	agent := rt.cfg.Agent
	oracle, err := checkpoint.ParseAddress(agent.AIOracleAddress)
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("agent.ai_oracle_address: %w", err)
	}
	return checkpoint.Record{
		Version:         checkpoint.CurrentVersion,
		ContractName:    agent.ContractName,
		AIOracleAddress: oracle,
		ModelName:       agent.ModelName,
		SystemPrompt:    agent.SystemPrompt,
	}, nil
}

// Close 按打开的逆序释放资源。
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
	rt.closers = nil
}
