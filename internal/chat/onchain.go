package chat

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/internal/web3"
	"OPAgent-Chain/internal/web3/opagent"
	"OPAgent-Chain/pkg/logger"
)

// CodeChatTimeout 表示等待链上回复超时。
const CodeChatTimeout xerrors.Code = "CHAT_TIMEOUT"

func init() {
	xerrors.Register(CodeChatTimeout, xerrors.Attributes{
		Message:   "no chat response within timeout",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// ChatContract 是链上对话需要的合约能力，由 opagent.Agent 实现。
type ChatContract interface {
	opagent.FeePayer
	SingleChat(ctx context.Context, prompt string, gasLimit uint64, value *big.Int) (opagent.ChatRequest, error)
	SubscribeChatResponses(ctx context.Context) (*web3.EventSubscription, error)
	DecodeChatResponse(log types.Log) (opagent.ChatResponse, error)
}

// Outcome 区分链上对话的两种结局。
type Outcome string

const (
	OutcomeResponded Outcome = "responded"
	OutcomeTimedOut  Outcome = "timed_out"
)

// ChatResult 是链上对话的结果。只有 Outcome 为 OutcomeResponded 时 Response 有效。
type ChatResult struct {
	Outcome   Outcome
	Response  opagent.ChatResponse
	TxHash    common.Hash
	RequestID *big.Int
	Fee       opagent.Fee
}

// Responded 返回是否收到了回复。
func (r ChatResult) Responded() bool { return r.Outcome == OutcomeResponded }

// Err 在超时时返回 CHAT_TIMEOUT 错误。
func (r ChatResult) Err() error {
	if r.Outcome == OutcomeTimedOut {
		return xerrors.New(CodeChatTimeout, "", xerrors.WithMetadata("tx_hash", r.TxHash.Hex()))
	}
	return nil
}

// OnchainChat 通过 singleChat 交易发起对话并等待回复事件。
type OnchainChat struct {
	contract ChatContract
	gasLimit uint64
	timeout  time.Duration
}

// NewOnchainChat 创建链上对话。gasLimit 为 0 时由合约使用默认值。
func NewOnchainChat(contract ChatContract, gasLimit uint64, timeout time.Duration) *OnchainChat {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OnchainChat{contract: contract, gasLimit: gasLimit, timeout: timeout}
}

// Send 结算费用、发送 singleChat 并在截止时间内等待对应请求的回复事件。
// 回执中找不到请求编号时接受第一条回复。超时返回 OutcomeTimedOut 且 error 为 nil。
func (c *OnchainChat) Send(ctx context.Context, prompt string) (ChatResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ChatResult{}, xerrors.New(xerrors.CodeInvalidArgument, "提示词不能为空")
	}
	log := logger.Named("chat.onchain").With(slog.String("contract", c.contract.Address().Hex()))

	fee, err := opagent.SettleFee(ctx, c.contract)
	if err != nil {
		return ChatResult{}, err
	}

	// 先订阅再发送交易，避免回复事件早于订阅。
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub, err := c.contract.SubscribeChatResponses(subCtx)
	if err != nil {
		return ChatResult{}, err
	}
	defer sub.Close()

	log.Info("发送 singleChat", slog.String("prompt", prompt), slog.Uint64("gas_limit", c.gasLimit))
	req, err := c.contract.SingleChat(ctx, prompt, c.gasLimit, fee.CallbackFee)
	if err != nil {
		return ChatResult{}, err
	}
	txHash := req.TxHash
	logger.Audit().Info("single chat sent",
		slog.String("contract", c.contract.Address().Hex()),
		slog.String("tx_hash", txHash.Hex()),
		slog.String("request_id", requestIDString(req.RequestID)))
	if req.RequestID == nil {
		log.Warn("回执中没有请求编号，将接受第一条回复", slog.String("tx_hash", txHash.Hex()))
	}
	result := ChatResult{Outcome: OutcomeTimedOut, TxHash: txHash, RequestID: req.RequestID, Fee: fee}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	errCh := sub.Err()
	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-timer.C:
			log.Warn("等待链上回复超时", slog.String("tx_hash", txHash.Hex()), slog.Duration("timeout", c.timeout))
			return result, nil
		case err, ok := <-errCh:
			if !ok || err == nil {
				errCh = nil
				continue
			}
			return result, err
		case entry, ok := <-sub.Logs():
			if !ok {
				return result, errors.New("回复事件订阅已关闭")
			}
			resp, err := c.contract.DecodeChatResponse(entry)
			if err != nil {
				log.Warn("忽略无法解码的日志", slog.Any("error", err))
				continue
			}
			if req.RequestID != nil && resp.RequestID.Cmp(req.RequestID) != 0 {
				log.Debug("忽略其他请求的回复", slog.String("request_id", resp.RequestID.String()))
				continue
			}
			log.Info("收到链上回复", slog.String("request_id", resp.RequestID.String()))
			result.Outcome = OutcomeResponded
			result.Response = resp
			return result, nil
		}
	}
}

func requestIDString(id *big.Int) string {
	if id == nil {
		return ""
	}
	return id.String()
}
