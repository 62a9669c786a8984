package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 opagent 在启动阶段需要加载的全部配置。
type Config struct {
	Network    NetworkConfig    `json:"network"`
	Signer     SignerConfig     `json:"signer"`
	Artifacts  ArtifactsConfig  `json:"artifacts"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Agent      AgentConfig      `json:"agent"`
	Verify     VerifyConfig     `json:"verify"`
	Timing     TimingConfig     `json:"timing"`
	Chat       ChatConfig       `json:"chat"`
	Events     EventsConfig     `json:"events"`
	Log        LogConfig        `json:"log"`
}

// NetworkConfig 指定本次运行的目标网络。ChainConfig 指向 YAML 网络清单，
// RPCURL/RPCURLEnv 可以直接覆盖清单中的地址。
type NetworkConfig struct {
	Name        string `json:"name"`
	ChainConfig string `json:"chain_config"`
	RPCURL      string `json:"rpc_url"`
	RPCURLEnv   string `json:"rpc_url_env"`
	ChainID     int64  `json:"chain_id"`
}

// SignerConfig 描述私钥来源，私钥本身只允许来自环境变量。
type SignerConfig struct {
	PrivateKeyEnv string `json:"private_key_env"`
	GasLimit      uint64 `json:"gas_limit"`
}

// ArtifactsConfig 指向 Hardhat 编译产物目录。
type ArtifactsConfig struct {
	Dir          string `json:"dir"`
	Library      string `json:"library"`
	SourcePrefix string `json:"source_prefix"`
}

// CheckpointConfig 控制检查点的存储后端。
type CheckpointConfig struct {
	Driver string              `json:"driver"`
	Path   string              `json:"path"`
	Name   string              `json:"name"`
	MySQL  MySQLConfig         `json:"mysql"`
	Redis  RedisConfig         `json:"redis"`
	Lease  CheckpointLeaseSpec `json:"lease"`
}

// CheckpointLeaseSpec 控制单实例运行租约。
type CheckpointLeaseSpec struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// TTL 返回租约有效期。
func (c CheckpointLeaseSpec) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	DSNEnv                 string `json:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address     string `json:"address"`
	Password    string `json:"password"`
	PasswordEnv string `json:"password_env"`
	DB          int    `json:"db"`
	KeyPrefix   string `json:"key_prefix"`
}

// AgentConfig 是首次运行时写入检查点的不可变构造参数。
type AgentConfig struct {
	ContractName    string `json:"contract_name"`
	AIOracleAddress string `json:"ai_oracle_address"`
	ModelName       string `json:"model_name"`
	SystemPrompt    string `json:"system_prompt"`
}

// VerifyConfig 描述区块浏览器源码验证服务。
type VerifyConfig struct {
	Enabled             *bool  `json:"enabled"`
	APIURL              string `json:"api_url"`
	APIKey              string `json:"api_key"`
	APIKeyEnv           string `json:"api_key_env"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	PollAttempts        int    `json:"poll_attempts"`
}

// IsEnabled 返回是否执行源码验证，默认开启。
func (v VerifyConfig) IsEnabled() bool {
	return v.Enabled == nil || *v.Enabled
}

// PollInterval 返回验证状态轮询间隔。
func (v VerifyConfig) PollInterval() time.Duration {
	return time.Duration(v.PollIntervalSeconds) * time.Second
}

// TimingConfig 保存各步骤之间的等待时间。
type TimingConfig struct {
	PostDeployDelaySeconds  int `json:"post_deploy_delay_seconds"`
	VerifySettleSeconds     int `json:"verify_settle_seconds"`
	PreRegisterDelaySeconds int `json:"pre_register_delay_seconds"`
	RegisterWaitSeconds     int `json:"register_wait_seconds"`
	TxTimeoutSeconds        int `json:"tx_timeout_seconds"`
}

// PostDeployDelay 是部署完成到源码验证之间的等待。
func (t TimingConfig) PostDeployDelay() time.Duration {
	return time.Duration(t.PostDeployDelaySeconds) * time.Second
}

// VerifySettle 是提交验证前的传播等待。
func (t TimingConfig) VerifySettle() time.Duration {
	return time.Duration(t.VerifySettleSeconds) * time.Second
}

// PreRegisterDelay 是验证之后、注册之前的等待。
func (t TimingConfig) PreRegisterDelay() time.Duration {
	return time.Duration(t.PreRegisterDelaySeconds) * time.Second
}

// RegisterWait 是注册交易上链后等待 registerHash 更新的窗口。
func (t TimingConfig) RegisterWait() time.Duration {
	return time.Duration(t.RegisterWaitSeconds) * time.Second
}

// TxTimeout 是等待单笔交易上链的上限。
func (t TimingConfig) TxTimeout() time.Duration {
	return time.Duration(t.TxTimeoutSeconds) * time.Second
}

// ChatConfig 描述链下与链上对话所需的参数。
type ChatConfig struct {
	APIURL                string `json:"api_url"`
	Model                 string `json:"model"`
	APIKey                string `json:"api_key"`
	APIKeyEnv             string `json:"api_key_env"`
	TimeoutSeconds        int    `json:"timeout_seconds"`
	OnchainTimeoutSeconds int    `json:"onchain_timeout_seconds"`
	OnchainGasLimit       uint64 `json:"onchain_gas_limit"`
}

// Timeout 返回链下 HTTP 请求超时。
func (c ChatConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OnchainTimeout 返回等待链上回复事件的时长。
func (c ChatConfig) OnchainTimeout() time.Duration {
	return time.Duration(c.OnchainTimeoutSeconds) * time.Second
}

// EventsConfig 控制部署事件的投递渠道。
type EventsConfig struct {
	Drivers  []string       `json:"drivers"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	Redis    RedisStream    `json:"redis"`
}

// RabbitMQConfig 描述 RabbitMQ 事件队列。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	URLEnv  string `json:"url_env"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// RedisStream 描述 Redis Stream 事件投递。
type RedisStream struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Stream   string `json:"stream"`
	MaxLen   int64  `json:"max_len"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制交易审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// Default 返回未提供配置文件时使用的默认配置。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Network.Name == "" {
		c.Network.Name = "base"
	}
	if c.Network.RPCURLEnv == "" {
		c.Network.RPCURLEnv = "BASE_MAINNET_RPC"
	}
	c.Network.ChainConfig = resolve(baseDir, c.Network.ChainConfig)

	if c.Signer.PrivateKeyEnv == "" {
		c.Signer.PrivateKeyEnv = "PRIVATE_KEY"
	}

	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "artifacts"
	}
	c.Artifacts.Dir = resolve(baseDir, c.Artifacts.Dir)
	if c.Artifacts.Library == "" {
		c.Artifacts.Library = "Utils"
	}
	if c.Artifacts.SourcePrefix == "" {
		c.Artifacts.SourcePrefix = "contracts/examples/"
	}

	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = "file"
	}
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = filepath.Join("config", "deploy-config.json")
	}
	c.Checkpoint.Path = resolve(baseDir, c.Checkpoint.Path)
	if c.Checkpoint.Name == "" {
		c.Checkpoint.Name = "default"
	}
	if c.Checkpoint.Lease.TTLSeconds <= 0 {
		c.Checkpoint.Lease.TTLSeconds = 30 * 60
	}
	if c.Checkpoint.Redis.KeyPrefix == "" {
		c.Checkpoint.Redis.KeyPrefix = "opagent:checkpoint"
	}

	if c.Verify.APIKeyEnv == "" {
		c.Verify.APIKeyEnv = "ETHERSCAN_API_KEY"
	}
	if c.Verify.PollIntervalSeconds <= 0 {
		c.Verify.PollIntervalSeconds = 5
	}
	if c.Verify.PollAttempts <= 0 {
		c.Verify.PollAttempts = 12
	}

	if c.Timing.PostDeployDelaySeconds == 0 {
		c.Timing.PostDeployDelaySeconds = 30
	}
	if c.Timing.VerifySettleSeconds == 0 {
		c.Timing.VerifySettleSeconds = 3
	}
	if c.Timing.PreRegisterDelaySeconds == 0 {
		c.Timing.PreRegisterDelaySeconds = 10
	}
	if c.Timing.RegisterWaitSeconds == 0 {
		c.Timing.RegisterWaitSeconds = 120
	}
	if c.Timing.TxTimeoutSeconds <= 0 {
		c.Timing.TxTimeoutSeconds = 5 * 60
	}

	if c.Chat.APIURL == "" {
		c.Chat.APIURL = "https://api.ora.io/v1"
	}
	if c.Chat.Model == "" {
		c.Chat.Model = "ora/opagent"
	}
	if c.Chat.APIKeyEnv == "" {
		c.Chat.APIKeyEnv = "ORA_API_KEY"
	}
	if c.Chat.TimeoutSeconds <= 0 {
		c.Chat.TimeoutSeconds = 60
	}
	if c.Chat.OnchainTimeoutSeconds <= 0 {
		c.Chat.OnchainTimeoutSeconds = 60
	}

	if len(c.Events.Drivers) == 0 {
		c.Events.Drivers = []string{"log"}
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "opagent.provision"
	}
	if c.Events.Redis.Stream == "" {
		c.Events.Redis.Stream = "opagent:provision:events"
	}

	if c.Log.Audit.Enabled {
		if c.Log.Audit.Path == "" {
			c.Log.Audit.Path = filepath.Join("logs", "audit.log")
		}
		c.Log.Audit.Path = resolve(baseDir, c.Log.Audit.Path)
	}
}

// Secret 按“显式值优先，其次环境变量”的顺序解析敏感配置。
func Secret(value, envName string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	if envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
