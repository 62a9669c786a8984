package opagent

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/internal/web3"
)

const (
	methodRegisterHash          = "registerHash"
	methodEstimateERC20ModelFee = "estimateERC20ModelFee"
	methodEstimateFee           = "estimateFee"
	methodRegister              = "opAgentRegister"
	methodSingleChat            = "singleChat"
	eventChatResponse           = "OPAgentChatResponse"
)

const erc20ABIJSON = `[{"type":"function","name":"approve","stateMutability":"nonpayable",
"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
"outputs":[{"name":"","type":"bool"}]}]`

var erc20ABI = mustParseABI(erc20ABIJSON)

// AIOracle 在受理请求时发出的事件，account 为发起请求的合约。
const aiOracleABIJSON = `[{"type":"event","name":"AICallbackRequest","anonymous":false,"inputs":[
{"name":"account","type":"address","indexed":true},{"name":"requestId","type":"uint256","indexed":true},
{"name":"modelId","type":"uint256","indexed":false},{"name":"input","type":"bytes","indexed":false},
{"name":"callbackContract","type":"address","indexed":false},{"name":"gasLimit","type":"uint64","indexed":false},
{"name":"callbackData","type":"bytes","indexed":false}]}]`

var oracleRequestEvent = mustParseABI(aiOracleABIJSON).Events["AICallbackRequest"]

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ChatResponse 是 OPAgentChatResponse 事件的解码结果。
type ChatResponse struct {
	RequestID   *big.Int
	Message     string
	TxHash      common.Hash
	BlockNumber uint64
}

// ChatRequest 是 singleChat 交易的结果。回执中没有可识别的请求事件时 RequestID 为 nil。
type ChatRequest struct {
	TxHash    common.Hash
	RequestID *big.Int
}

// Agent 是已部署 OPAgent 合约的句柄。
type Agent struct {
	client  web3.Client
	name    string
	address common.Address
	abi     abi.ABI
}

func newAgent(client web3.Client, name string, address common.Address, contractABI abi.ABI) *Agent {
	return &Agent{client: client, name: name, address: address, abi: contractABI}
}

// Address 返回合约地址。
func (a *Agent) Address() common.Address { return a.address }

// Name 返回合约名。
func (a *Agent) Name() string { return a.name }

// RegisterHash 读取链上的注册标记，未注册时为零哈希。
func (a *Agent) RegisterHash(ctx context.Context) (common.Hash, error) {
	out, err := a.client.Call(ctx, a.address, a.abi, methodRegisterHash)
	if err != nil {
		return common.Hash{}, err
	}
	if len(out) != 1 {
		return common.Hash{}, unexpectedOutput(methodRegisterHash, out)
	}
	raw := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	return common.Hash(raw), nil
}

// EstimateERC20ModelFee 返回模型费用的代币地址与数量，零地址表示无需代币。
func (a *Agent) EstimateERC20ModelFee(ctx context.Context) (common.Address, *big.Int, error) {
	out, err := a.client.Call(ctx, a.address, a.abi, methodEstimateERC20ModelFee)
	if err != nil {
		return common.Address{}, nil, err
	}
	if len(out) != 2 {
		return common.Address{}, nil, unexpectedOutput(methodEstimateERC20ModelFee, out)
	}
	token := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	amount := abi.ConvertType(out[1], new(big.Int)).(*big.Int)
	return token, amount, nil
}

// EstimateFee 返回回调所需的原生币费用。
func (a *Agent) EstimateFee(ctx context.Context) (*big.Int, error) {
	out, err := a.client.Call(ctx, a.address, a.abi, methodEstimateFee)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, unexpectedOutput(methodEstimateFee, out)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// ApproveToken 授权合约从签名账户扣除 amount 个 token。
func (a *Agent) ApproveToken(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	res, err := a.client.Transact(ctx, token, erc20ABI, nil, "approve", a.address, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return res.Hash(), nil
}

// Register 调用 opAgentRegister 并附带回调费用。
func (a *Agent) Register(ctx context.Context, value *big.Int) (common.Hash, error) {
	res, err := a.client.Transact(ctx, a.address, a.abi, value, methodRegister)
	if err != nil {
		return common.Hash{}, err
	}
	return res.Hash(), nil
}

// SingleChat 发起一次链上对话请求。gasLimit 为 0 时由合约使用默认值。
func (a *Agent) SingleChat(ctx context.Context, prompt string, gasLimit uint64, value *big.Int) (ChatRequest, error) {
	method, ok := a.abi.Methods[methodSingleChat]
	if !ok || len(method.Inputs) != 2 {
		return ChatRequest{}, xerrors.New(web3.CodeArtifactInvalid,
			fmt.Sprintf("合约 %s 的 ABI 缺少 singleChat(string,uint)", a.name))
	}
	limit, err := uintArgument(method.Inputs[1].Type, gasLimit)
	if err != nil {
		return ChatRequest{}, err
	}
	res, err := a.client.Transact(ctx, a.address, a.abi, value, methodSingleChat, prompt, limit)
	if err != nil {
		return ChatRequest{}, err
	}
	return ChatRequest{TxHash: res.Hash(), RequestID: a.requestID(res.Receipt)}, nil
}

// requestID 从 singleChat 回执中找出请求编号：优先取本合约事件中的 requestId 字段，
// 其次取 AIOracle 发给本合约的 AICallbackRequest。
func (a *Agent) requestID(receipt *types.Receipt) *big.Int {
	if receipt == nil {
		return nil
	}
	for _, entry := range receipt.Logs {
		if entry == nil || len(entry.Topics) == 0 {
			continue
		}
		if entry.Address == a.address {
			event, err := a.abi.EventByID(entry.Topics[0])
			if err != nil || event.Name == eventChatResponse {
				continue
			}
			values, err := decodeEvent(*event, *entry)
			if err != nil {
				continue
			}
			for name, v := range values {
				if id, ok := v.(*big.Int); ok && strings.EqualFold(name, "requestId") {
					return id
				}
			}
			continue
		}
		if entry.Topics[0] != oracleRequestEvent.ID {
			continue
		}
		values, err := decodeEvent(oracleRequestEvent, *entry)
		if err != nil {
			continue
		}
		if account, ok := values["account"].(common.Address); ok && account == a.address {
			if id, ok := values["requestId"].(*big.Int); ok {
				return id
			}
		}
	}
	return nil
}

// SubscribeChatResponses 订阅本合约的 OPAgentChatResponse 事件。
func (a *Agent) SubscribeChatResponses(ctx context.Context) (*web3.EventSubscription, error) {
	event, ok := a.abi.Events[eventChatResponse]
	if !ok {
		return nil, xerrors.New(web3.CodeArtifactInvalid,
			fmt.Sprintf("合约 %s 的 ABI 缺少 %s 事件", a.name, eventChatResponse))
	}
	return a.client.SubscribeEvents(ctx, gethcore.FilterQuery{
		Addresses: []common.Address{a.address},
		Topics:    [][]common.Hash{{event.ID}},
	})
}

// DecodeChatResponse 解码一条 OPAgentChatResponse 日志。
func (a *Agent) DecodeChatResponse(log types.Log) (ChatResponse, error) {
	event, ok := a.abi.Events[eventChatResponse]
	if !ok {
		return ChatResponse{}, xerrors.New(web3.CodeArtifactInvalid, "ABI 缺少 "+eventChatResponse+" 事件")
	}
	if len(log.Topics) == 0 || log.Topics[0] != event.ID {
		return ChatResponse{}, fmt.Errorf("日志不是 %s 事件", eventChatResponse)
	}

	values, err := decodeEvent(event, log)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("解码 %s 失败: %w", eventChatResponse, err)
	}

	resp := ChatResponse{TxHash: log.TxHash, BlockNumber: log.BlockNumber}
	for _, input := range event.Inputs {
		switch v := values[input.Name].(type) {
		case *big.Int:
			if resp.RequestID == nil {
				resp.RequestID = v
			}
		case string:
			if resp.Message == "" {
				resp.Message = v
			}
		}
	}
	if resp.RequestID == nil {
		resp.RequestID = new(big.Int)
	}
	return resp, nil
}

// decodeEvent 将日志的 data 与 indexed topics 一并解码为字段表。
func decodeEvent(event abi.Event, log types.Log) (map[string]any, error) {
	values := make(map[string]any)
	if len(log.Data) > 0 {
		if err := event.Inputs.UnpackIntoMap(values, log.Data); err != nil {
			return nil, err
		}
	}
	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(indexed) > 0 {
		if len(log.Topics) < 1 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "日志缺少 topics")
		}
		if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// uintArgument 按 ABI 声明的位宽构造无符号整数参数。
func uintArgument(typ abi.Type, v uint64) (any, error) {
	if typ.T != abi.UintTy {
		return nil, xerrors.New(web3.CodeArtifactInvalid, "singleChat 的 gasLimit 参数不是无符号整数: "+typ.String())
	}
	switch typ.Size {
	case 8:
		return uint8(v), nil
	case 16:
		return uint16(v), nil
	case 32:
		return uint32(v), nil
	case 64:
		return v, nil
	default:
		return new(big.Int).SetUint64(v), nil
	}
}

func unexpectedOutput(method string, out []any) error {
	return xerrors.New(web3.CodeCallFailed, fmt.Sprintf("%s 返回了 %d 个值", method, len(out)))
}
