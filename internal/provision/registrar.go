package provision

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"OPAgent-Chain/internal/checkpoint"
	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/internal/events"
	"OPAgent-Chain/internal/web3/opagent"
	"OPAgent-Chain/pkg/logger"
)

// RegistrationOutcome 描述一次注册步骤的结果。
type RegistrationOutcome string

const (
	// OutcomeNotRun 表示本次运行没有走到注册步骤。
	OutcomeNotRun RegistrationOutcome = ""
	// OutcomeAlreadyRegistered 表示检查点已记录注册完成。
	OutcomeAlreadyRegistered RegistrationOutcome = "already_registered"
	// OutcomeReconciled 表示链上已有注册标记，仅同步到检查点。
	OutcomeReconciled RegistrationOutcome = "reconciled"
	// OutcomeRegistered 表示本次提交的注册已在等待窗口内确认。
	OutcomeRegistered RegistrationOutcome = "registered"
	// OutcomePending 表示注册交易已上链，但等待窗口内标记仍为零。
	OutcomePending RegistrationOutcome = "pending"
)

// Done 返回注册是否已确认。
func (o RegistrationOutcome) Done() bool {
	return o == OutcomeAlreadyRegistered || o == OutcomeReconciled || o == OutcomeRegistered
}

// Registration 汇总注册步骤的结果与发送的交易。
type Registration struct {
	Outcome    RegistrationOutcome
	Fee        opagent.Fee
	RegisterTx common.Hash
}

// Registrar 根据费用币种完成授权与注册，并在等待窗口后确认注册标记。
type Registrar struct {
	wait    time.Duration
	sleep   Sleeper
	emitter *events.Emitter
}

// NewRegistrar 创建注册器。wait 是注册交易上链后等待链下处理的时长。
func NewRegistrar(wait time.Duration, sleep Sleeper, emitter *events.Emitter) *Registrar {
	if sleep == nil {
		sleep = sleepContext
	}
	return &Registrar{wait: wait, sleep: sleep, emitter: emitter}
}

// Run 返回更新后的记录与注册结果。等待窗口内未确认时结果为 OutcomePending，
// 不返回错误，记录保持不变。
func (r *Registrar) Run(ctx context.Context, rec checkpoint.Record, contract AgentContract) (checkpoint.Record, Registration, error) {
	log := logger.Named("provision.register")
	if rec.HasRegistered {
		log.Info("合约已注册，跳过", slog.String("register_hash", rec.RegisterHash.String()))
		r.emitter.Emit(ctx, events.StepRegister, events.StatusSkipped, events.WithMessage(rec.RegisterHash.String()))
		return rec, Registration{Outcome: OutcomeAlreadyRegistered}, nil
	}
	if contract == nil || !rec.OPAgentContract.IsSet() {
		return rec, Registration{}, xerrors.New(CodeDependencyOrder, "OPAgent 合约尚未部署，不能注册")
	}
	log = log.With(slog.String("contract", contract.Address().Hex()))

	onchain, err := contract.RegisterHash(ctx)
	if err != nil {
		return rec, Registration{}, err
	}
	if onchain != (common.Hash{}) {
		log.Info("链上已存在注册标记，同步到检查点", slog.String("register_hash", onchain.Hex()))
		r.emitter.Emit(ctx, events.StepRegister, events.StatusCompleted,
			events.WithAddress(contract.Address().Hex()), events.WithMessage("reconciled "+onchain.Hex()))
		return markRegistered(rec, onchain), Registration{Outcome: OutcomeReconciled}, nil
	}

	r.emitter.Emit(ctx, events.StepRegister, events.StatusStarted, events.WithAddress(contract.Address().Hex()))
	fee, err := opagent.SettleFee(ctx, contract)
	if err != nil {
		r.emitter.Emit(ctx, events.StepRegister, events.StatusFailed, events.WithMessage(err.Error()))
		return rec, Registration{}, err
	}
	txHash, err := contract.Register(ctx, fee.CallbackFee)
	if err != nil {
		r.emitter.Emit(ctx, events.StepRegister, events.StatusFailed, events.WithMessage(err.Error()))
		return rec, Registration{Fee: fee}, err
	}
	result := Registration{Outcome: OutcomePending, Fee: fee, RegisterTx: txHash}
	log.Info("注册交易已上链，等待链下确认",
		slog.String("tx_hash", txHash.Hex()),
		slog.Duration("wait", r.wait))

	if err := r.sleep(ctx, r.wait); err != nil {
		return rec, result, err
	}
	confirmed, err := contract.RegisterHash(ctx)
	if err != nil {
		return rec, result, err
	}
	if confirmed == (common.Hash{}) {
		log.Warn("等待窗口内注册标记仍未更新，下次运行将重新确认", slog.String("tx_hash", txHash.Hex()))
		r.emitter.Emit(ctx, events.StepRegister, events.StatusPending, events.WithTxHash(txHash.Hex()))
		return rec, result, nil
	}

	log.Info("注册完成", slog.String("register_hash", confirmed.Hex()))
	r.emitter.Emit(ctx, events.StepRegister, events.StatusCompleted,
		events.WithTxHash(txHash.Hex()), events.WithMessage(confirmed.Hex()))
	result.Outcome = OutcomeRegistered
	return markRegistered(rec, confirmed), result, nil
}

func markRegistered(rec checkpoint.Record, hash common.Hash) checkpoint.Record {
	next := rec.Clone()
	next.RegisterHash = checkpoint.NewHash(hash)
	next.HasRegistered = true
	return next
}
