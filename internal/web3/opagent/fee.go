package opagent

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"OPAgent-Chain/pkg/logger"
)

// FeePayer 是结算模型费用所需的合约能力。
type FeePayer interface {
	Address() common.Address
	EstimateERC20ModelFee(ctx context.Context) (common.Address, *big.Int, error)
	EstimateFee(ctx context.Context) (*big.Int, error)
	ApproveToken(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error)
}

// Fee 是一次费用结算的结果。CallbackFee 需要作为原生币随后续调用一起发送。
type Fee struct {
	Token       common.Address
	TokenAmount *big.Int
	CallbackFee *big.Int
	ApprovalTx  common.Hash
}

// Approved 返回是否发送了代币授权交易。
func (f Fee) Approved() bool { return f.ApprovalTx != (common.Hash{}) }

// SettleFee 查询模型费用；费用以代币计价时先授权合约扣款并等待授权上链。
func SettleFee(ctx context.Context, contract FeePayer) (Fee, error) {
	token, amount, err := contract.EstimateERC20ModelFee(ctx)
	if err != nil {
		return Fee{}, err
	}
	callback, err := contract.EstimateFee(ctx)
	if err != nil {
		return Fee{}, err
	}
	fee := Fee{Token: token, TokenAmount: amount, CallbackFee: callback}

	log := logger.Named("fee").With(slog.String("contract", contract.Address().Hex()))
	if token == (common.Address{}) {
		log.Info("模型费用以原生币支付，跳过授权", slog.String("callback_fee", callback.String()))
		return fee, nil
	}
	hash, err := contract.ApproveToken(ctx, token, amount)
	if err != nil {
		return Fee{}, err
	}
	fee.ApprovalTx = hash
	log.Info("已授权代币支付模型费用",
		slog.String("token", token.Hex()),
		slog.String("amount", amount.String()),
		slog.String("tx_hash", hash.Hex()))
	return fee, nil
}
