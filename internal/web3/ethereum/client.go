package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethevent "github.com/ethereum/go-ethereum/event"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/internal/web3"
	"OPAgent-Chain/pkg/logger"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	WSURL  string
	Notes  string
	// ChainID may be zero, in which case it is queried from the node.
	ChainID int64
	// PrivateKey is the hex encoded signing key. Read-only use is allowed
	// without it; any transaction then fails with SIGNER_UNAVAILABLE.
	PrivateKey string
	// GasLimit overrides gas estimation when non-zero.
	GasLimit uint64
	// TxTimeout bounds the wait for a transaction to be mined.
	TxTimeout time.Duration
	// LogPollInterval is used when the endpoint cannot push log notifications.
	LogPollInterval time.Duration
}

// backend is the subset of go-ethereum client capabilities the client needs.
type backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

type committer interface {
	Commit() common.Hash
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name         string
	notes        string
	rpcClient    *gethrpc.Client
	eth          *ethclient.Client
	backend      backend
	eventClient  logSubscriber
	commit       committer
	key          *ecdsa.PrivateKey
	keyErr       error
	chainID      *big.Int
	gasLimit     uint64
	txTimeout    time.Duration
	pollInterval time.Duration
	mu           sync.Mutex
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	eventClient := logSubscriber(eth)
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			eventClient = ethclient.NewClient(wsRPC)
		} else {
			logger.L().Warn("连接 WebSocket 节点失败，事件订阅将退化为轮询",
				slog.String("chain", cfg.Name), slog.Any("error", wsErr))
		}
	}

	c := newClient(cfg, eth)
	c.rpcClient = rpcClient
	c.eth = eth
	c.eventClient = eventClient
	return c, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing
// purposes. Every sent transaction is committed into a block immediately.
func NewSimulatedClient(name string, cfg Config, sim *backends.SimulatedBackend) *Client {
	cfg.Name = name
	if cfg.Notes == "" {
		cfg.Notes = "simulated backend"
	}
	c := newClient(cfg, sim)
	c.eventClient = sim
	c.commit = sim
	return c
}

func newClient(cfg Config, b backend) *Client {
	c := &Client{
		name:         cfg.Name,
		notes:        cfg.Notes,
		backend:      b,
		gasLimit:     cfg.GasLimit,
		txTimeout:    cfg.TxTimeout,
		pollInterval: cfg.LogPollInterval,
	}
	if c.txTimeout <= 0 {
		c.txTimeout = 5 * time.Minute
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	c.key, c.keyErr = parsePrivateKey(cfg.PrivateKey)
	return c
}

func parsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, xerrors.New(web3.CodeSignerUnavailable, "未配置签名私钥")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		// 不把私钥内容带进错误信息。
		return nil, xerrors.New(web3.CodeSignerUnavailable, "签名私钥格式不正确")
	}
	return key, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ec, ok := c.eventClient.(*ethclient.Client); ok && ec != c.eth {
		ec.Close()
	}
	c.eventClient = nil
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// From returns the address of the signing account.
func (c *Client) From() (common.Address, error) {
	if c.key == nil {
		return common.Address{}, c.keyErr
	}
	return crypto.PubkeyToAddress(c.key.PublicKey), nil
}

// ChainID returns the configured chain ID, querying the node once if needed.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeCallFailed, err, "获取链 ID 失败")
	}
	c.chainID = new(big.Int).Set(id)
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(web3.CodeCallFailed, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

func (c *Client) transactor(ctx context.Context, value *big.Int) (*bind.TransactOpts, error) {
	if c.key == nil {
		return nil, c.keyErr
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, chainID)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeSignerUnavailable, err, "创建交易签名器失败")
	}
	auth.Context = ctx
	if c.gasLimit > 0 {
		auth.GasLimit = c.gasLimit
	}
	if value != nil {
		auth.Value = new(big.Int).Set(value)
	}
	return auth, nil
}

// DeployContract sends the contract creation transaction, waits for it to be
// mined and checks the receipt status.
func (c *Client) DeployContract(ctx context.Context, contractABI abi.ABI, bytecode []byte, params ...any) (web3.DeploymentResult, error) {
	if len(bytecode) == 0 {
		return web3.DeploymentResult{}, xerrors.New(web3.CodeDeployFailed, "合约字节码不能为空")
	}
	auth, err := c.transactor(ctx, nil)
	if err != nil {
		return web3.DeploymentResult{}, err
	}

	address, tx, _, err := bind.DeployContract(auth, contractABI, bytecode, c.backend, params...)
	if err != nil {
		return web3.DeploymentResult{}, xerrors.Wrap(web3.CodeDeployFailed, err, "发送部署交易失败")
	}
	c.afterSend()

	receipt, err := c.waitMined(ctx, tx, "deploy")
	if err != nil {
		return web3.DeploymentResult{}, err
	}
	if receipt.ContractAddress != (common.Address{}) {
		address = receipt.ContractAddress
	}
	logger.Audit().Info("合约部署已确认",
		slog.String("chain", c.name),
		slog.String("address", address.Hex()),
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.Uint64("gas_used", receipt.GasUsed))
	return web3.DeploymentResult{ContractAddress: address, Transaction: tx, Receipt: receipt}, nil
}

// Call performs a read-only contract call at the latest block.
func (c *Client) Call(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, params ...any) ([]any, error) {
	opts := &bind.CallOpts{Context: ctx}
	if from, err := c.From(); err == nil {
		opts.From = from
	}
	bound := bind.NewBoundContract(contract, contractABI, c.backend, c.backend, c.backend)
	var out []any
	if err := bound.Call(opts, &out, method, params...); err != nil {
		return nil, xerrors.Wrap(web3.CodeCallFailed, err, fmt.Sprintf("调用 %s 失败", method),
			xerrors.WithMetadata("contract", contract.Hex()))
	}
	return out, nil
}

// Transact sends a state-changing call with the given value and waits for it
// to be mined successfully.
func (c *Client) Transact(ctx context.Context, contract common.Address, contractABI abi.ABI, value *big.Int, method string, params ...any) (web3.TransactionResult, error) {
	auth, err := c.transactor(ctx, value)
	if err != nil {
		return web3.TransactionResult{}, err
	}
	bound := bind.NewBoundContract(contract, contractABI, c.backend, c.backend, c.backend)
	tx, err := bound.Transact(auth, method, params...)
	if err != nil {
		return web3.TransactionResult{}, xerrors.Wrap(web3.CodeTxFailed, err, fmt.Sprintf("发送 %s 交易失败", method),
			xerrors.WithMetadata("contract", contract.Hex()))
	}
	c.afterSend()

	receipt, err := c.waitMined(ctx, tx, method)
	if err != nil {
		return web3.TransactionResult{}, err
	}
	attrs := []any{
		slog.String("chain", c.name),
		slog.String("contract", contract.Hex()),
		slog.String("method", method),
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.Uint64("gas_used", receipt.GasUsed),
	}
	if value != nil && value.Sign() > 0 {
		attrs = append(attrs, slog.String("value_wei", value.String()))
	}
	logger.Audit().Info("交易已确认", attrs...)
	return web3.TransactionResult{Transaction: tx, Receipt: receipt}, nil
}

func (c *Client) afterSend() {
	if c.commit != nil {
		c.commit.Commit()
	}
}

func (c *Client) waitMined(ctx context.Context, tx *coretypes.Transaction, action string) (*coretypes.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeTxFailed, err, fmt.Sprintf("等待 %s 交易上链失败", action),
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, xerrors.New(web3.CodeTxReverted, fmt.Sprintf("%s 交易被回滚", action),
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
	}
	return receipt, nil
}

// SubscribeEvents attaches a log subscription to the chain. Endpoints that
// cannot push notifications (plain HTTP) are served by polling instead.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	logs := make(chan coretypes.Log, 64)
	if c.eventClient != nil {
		sub, err := c.eventClient.SubscribeFilterLogs(ctx, query, logs)
		if err == nil {
			return web3.NewEventSubscription(logs, sub), nil
		}
		if !errors.Is(err, gethrpc.ErrNotificationsUnsupported) {
			return nil, xerrors.Wrap(web3.CodeCallFailed, err, "订阅事件失败")
		}
	}

	sub, err := c.pollLogs(ctx, query, logs)
	if err != nil {
		return nil, err
	}
	return web3.NewEventSubscription(logs, sub), nil
}

func (c *Client) pollLogs(ctx context.Context, query gethcore.FilterQuery, logs chan<- coretypes.Log) (gethevent.Subscription, error) {
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeCallFailed, err, "获取最新区块高度失败")
	}
	next := head + 1
	interval := c.pollInterval

	return gethevent.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			latest, err := c.backend.BlockNumber(ctx)
			if err != nil {
				logger.L().Warn("轮询区块高度失败", slog.String("chain", c.name), slog.Any("error", err))
				continue
			}
			if latest < next {
				continue
			}
			q := query
			q.FromBlock = new(big.Int).SetUint64(next)
			q.ToBlock = new(big.Int).SetUint64(latest)
			found, err := c.backend.FilterLogs(ctx, q)
			if err != nil {
				logger.L().Warn("轮询事件日志失败", slog.String("chain", c.name), slog.Any("error", err))
				continue
			}
			for _, l := range found {
				select {
				case logs <- l:
				case <-quit:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			next = latest + 1
		}
	}), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
