package chat

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/internal/web3"
	"OPAgent-Chain/internal/web3/opagent"
)

type fakeChatContract struct {
	token     common.Address
	logs      chan types.Log
	replies   []types.Log
	requestID *big.Int
	ops       []string
	value     *big.Int
	gasLimit  uint64
}

func (f *fakeChatContract) Address() common.Address { return common.HexToAddress("0xa9e7") }

func (f *fakeChatContract) EstimateERC20ModelFee(context.Context) (common.Address, *big.Int, error) {
	return f.token, big.NewInt(9), nil
}

func (f *fakeChatContract) EstimateFee(context.Context) (*big.Int, error) { return big.NewInt(4), nil }

func (f *fakeChatContract) ApproveToken(context.Context, common.Address, *big.Int) (common.Hash, error) {
	f.ops = append(f.ops, "approve")
	return common.HexToHash("0xa1"), nil
}

func (f *fakeChatContract) SingleChat(_ context.Context, _ string, gasLimit uint64, value *big.Int) (opagent.ChatRequest, error) {
	f.ops = append(f.ops, "singleChat")
	f.value = value
	f.gasLimit = gasLimit
	if len(f.replies) > 0 {
		f.logs <- types.Log{Data: []byte("garbage")}
		for _, reply := range f.replies {
			f.logs <- reply
		}
	}
	return opagent.ChatRequest{TxHash: common.HexToHash("0xc4a7"), RequestID: f.requestID}, nil
}

func chatReply(id int64, message string) types.Log {
	return types.Log{Topics: []common.Hash{common.BigToHash(big.NewInt(id))}, Data: []byte(message)}
}

func (f *fakeChatContract) SubscribeChatResponses(context.Context) (*web3.EventSubscription, error) {
	f.ops = append(f.ops, "subscribe")
	return web3.NewEventSubscription(f.logs, nil), nil
}

func (f *fakeChatContract) DecodeChatResponse(log types.Log) (opagent.ChatResponse, error) {
	if len(log.Topics) == 0 {
		return opagent.ChatResponse{}, xerrors.New(xerrors.CodeInvalidArgument, "not a chat response")
	}
	return opagent.ChatResponse{RequestID: log.Topics[0].Big(), Message: string(log.Data), TxHash: log.TxHash}, nil
}

func TestOnchainChatResponds(t *testing.T) {
	contract := &fakeChatContract{
		token:   common.HexToAddress("0x7070"),
		logs:    make(chan types.Log, 2),
		replies: []types.Log{chatReply(42, "pong")},
	}
	result, err := NewOnchainChat(contract, 0, time.Minute).Send(context.Background(), "ping")
	require.NoError(t, err)
	require.True(t, result.Responded())
	require.NoError(t, result.Err())
	require.Equal(t, "pong", result.Response.Message)
	require.Equal(t, int64(42), result.Response.RequestID.Int64())
	require.Equal(t, []string{"approve", "subscribe", "singleChat"}, contract.ops)
	require.Equal(t, int64(4), contract.value.Int64())
	require.Zero(t, contract.gasLimit)
}

func TestOnchainChatWaitsForOwnRequest(t *testing.T) {
	contract := &fakeChatContract{
		logs:      make(chan types.Log, 3),
		replies:   []types.Log{chatReply(41, "for someone else"), chatReply(42, "pong")},
		requestID: big.NewInt(42),
	}
	result, err := NewOnchainChat(contract, 0, time.Minute).Send(context.Background(), "ping")
	require.NoError(t, err)
	require.True(t, result.Responded())
	require.Equal(t, "pong", result.Response.Message)
	require.Equal(t, int64(42), result.RequestID.Int64())
}

func TestOnchainChatTimesOutWhenOnlyOthersAnswer(t *testing.T) {
	contract := &fakeChatContract{
		logs:      make(chan types.Log, 2),
		replies:   []types.Log{chatReply(41, "for someone else")},
		requestID: big.NewInt(42),
	}
	result, err := NewOnchainChat(contract, 0, 20*time.Millisecond).Send(context.Background(), "ping")
	require.NoError(t, err)
	require.Equal(t, OutcomeTimedOut, result.Outcome)
}

func TestOnchainChatTimesOut(t *testing.T) {
	contract := &fakeChatContract{logs: make(chan types.Log)}
	result, err := NewOnchainChat(contract, 100000, 20*time.Millisecond).Send(context.Background(), "ping")
	require.NoError(t, err)
	require.Equal(t, OutcomeTimedOut, result.Outcome)
	require.True(t, xerrors.HasCode(result.Err(), CodeChatTimeout))
	require.Equal(t, common.HexToHash("0xc4a7"), result.TxHash)
	require.Equal(t, []string{"subscribe", "singleChat"}, contract.ops, "native fee skips approval")
}

func TestOnchainChatHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	contract := &fakeChatContract{logs: make(chan types.Log)}
	_, err := NewOnchainChat(contract, 0, time.Minute).Send(ctx, "ping")
	require.ErrorIs(t, err, context.Canceled)
}

func TestOnchainChatRejectsEmptyPrompt(t *testing.T) {
	_, err := NewOnchainChat(&fakeChatContract{}, 0, time.Second).Send(context.Background(), "  ")
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}
