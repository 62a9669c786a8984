package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// ChainSnapshot represents summarized network metadata for status output.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// DeploymentResult captures the outcome of a mined contract deployment.
type DeploymentResult struct {
	ContractAddress common.Address
	Transaction     *types.Transaction
	Receipt         *types.Receipt
}

// TransactionResult captures a mined state-changing call.
type TransactionResult struct {
	Transaction *types.Transaction
	Receipt     *types.Receipt
}

// Hash returns the transaction hash or the zero hash.
func (r TransactionResult) Hash() common.Hash {
	if r.Transaction == nil {
		return common.Hash{}
	}
	return r.Transaction.Hash()
}

// EventSubscription wraps a log subscription so callers can manage lifecycle
// without depending on the go-ethereum event package.
type EventSubscription struct {
	logs <-chan types.Log
	sub  gethevent.Subscription
}

// NewEventSubscription constructs a managed subscription wrapper.
func NewEventSubscription(logs <-chan types.Log, sub gethevent.Subscription) *EventSubscription {
	return &EventSubscription{logs: logs, sub: sub}
}

// Logs returns the channel that receives blockchain logs.
func (e *EventSubscription) Logs() <-chan types.Log {
	return e.logs
}

// Err forwards the subscription error channel.
func (e *EventSubscription) Err() <-chan error {
	if e == nil || e.sub == nil {
		return nil
	}
	return e.sub.Err()
}

// Close terminates the subscription.
func (e *EventSubscription) Close() {
	if e == nil || e.sub == nil {
		return
	}
	e.sub.Unsubscribe()
}

// Client is the chain collaborator used by the provisioning steps. Every
// state-changing method waits for inclusion and fails when the receipt status
// is not successful.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	From() (common.Address, error)
	DeployContract(ctx context.Context, contractABI abi.ABI, bytecode []byte, params ...any) (DeploymentResult, error)
	Call(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, params ...any) ([]any, error)
	Transact(ctx context.Context, contract common.Address, contractABI abi.ABI, value *big.Int, method string, params ...any) (TransactionResult, error)
	SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*EventSubscription, error)
	Close()
}
