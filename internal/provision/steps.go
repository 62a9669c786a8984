package provision

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"OPAgent-Chain/internal/checkpoint"
	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/internal/events"
	"OPAgent-Chain/internal/verify"
	"OPAgent-Chain/internal/web3/opagent"
	"OPAgent-Chain/pkg/logger"
)

func constructorParams(rec checkpoint.Record) opagent.ConstructorParams {
	return opagent.ConstructorParams{
		AIOracle:     rec.AIOracleAddress.Value(),
		ModelName:    rec.ModelName,
		SystemPrompt: rec.SystemPrompt,
	}
}

// LibraryStep 部署共享库，已有地址时直接复用。
type LibraryStep struct {
	deployer Deployer
	emitter  *events.Emitter
}

// NewLibraryStep 创建库部署步骤。
func NewLibraryStep(deployer Deployer, emitter *events.Emitter) *LibraryStep {
	return &LibraryStep{deployer: deployer, emitter: emitter}
}

// Run 返回写入库地址后的记录。部署失败时记录保持不变。
func (s *LibraryStep) Run(ctx context.Context, rec checkpoint.Record) (checkpoint.Record, error) {
	log := logger.Named("provision.library")
	if addr, ok := rec.UtilsLibAddr.Get(); ok {
		log.Info("复用已部署的库合约", slog.String("address", addr.Hex()))
		s.emitter.Emit(ctx, events.StepLibrary, events.StatusSkipped, events.WithAddress(addr.Hex()))
		return rec, nil
	}

	s.emitter.Emit(ctx, events.StepLibrary, events.StatusStarted)
	addr, hash, err := s.deployer.DeployLibrary(ctx)
	if err != nil {
		s.emitter.Emit(ctx, events.StepLibrary, events.StatusFailed, events.WithMessage(err.Error()))
		return rec, err
	}
	log.Info("库合约部署完成", slog.String("address", addr.Hex()), slog.String("tx_hash", hash.Hex()))
	s.emitter.Emit(ctx, events.StepLibrary, events.StatusCompleted,
		events.WithAddress(addr.Hex()), events.WithTxHash(hash.Hex()))

	next := rec.Clone()
	next.UtilsLibAddr = checkpoint.NewAddress(addr)
	return next, nil
}

// AgentStep 部署链接了共享库的 OPAgent 合约，或在已有地址上绑定句柄。
type AgentStep struct {
	deployer Deployer
	emitter  *events.Emitter
}

// NewAgentStep 创建合约部署步骤。
func NewAgentStep(deployer Deployer, emitter *events.Emitter) *AgentStep {
	return &AgentStep{deployer: deployer, emitter: emitter}
}

// Run 返回更新后的记录与合约句柄。库地址为空时拒绝部署。
func (s *AgentStep) Run(ctx context.Context, rec checkpoint.Record) (checkpoint.Record, AgentContract, error) {
	log := logger.Named("provision.agent")
	library, ok := rec.UtilsLibAddr.Get()
	if !ok {
		return rec, nil, xerrors.New(CodeDependencyOrder, "库合约尚未部署，不能部署 OPAgent 合约")
	}
	if strings.TrimSpace(rec.ContractName) == "" {
		return rec, nil, xerrors.New(xerrors.CodeInvalidArgument, "检查点缺少 contractName")
	}

	if addr, ok := rec.OPAgentContract.Get(); ok {
		contract, err := s.deployer.Bind(rec.ContractName, addr)
		if err != nil {
			return rec, nil, err
		}
		log.Info("复用已部署的 OPAgent 合约",
			slog.String("contract", rec.ContractName), slog.String("address", addr.Hex()))
		s.emitter.Emit(ctx, events.StepAgent, events.StatusSkipped, events.WithAddress(addr.Hex()))
		return rec, contract, nil
	}

	if !rec.AIOracleAddress.IsSet() {
		return rec, nil, xerrors.New(xerrors.CodeInvalidArgument, "检查点缺少 aiOracleAddress")
	}
	s.emitter.Emit(ctx, events.StepAgent, events.StatusStarted, events.WithMessage(rec.ContractName))
	contract, hash, err := s.deployer.DeployAgent(ctx, rec.ContractName, library, constructorParams(rec))
	if err != nil {
		s.emitter.Emit(ctx, events.StepAgent, events.StatusFailed, events.WithMessage(err.Error()))
		return rec, nil, err
	}
	addr := contract.Address()
	log.Info("OPAgent 合约部署完成",
		slog.String("contract", rec.ContractName),
		slog.String("address", addr.Hex()),
		slog.String("tx_hash", hash.Hex()))
	s.emitter.Emit(ctx, events.StepAgent, events.StatusCompleted,
		events.WithAddress(addr.Hex()), events.WithTxHash(hash.Hex()))

	next := rec.Clone()
	next.OPAgentContract = checkpoint.NewAddress(addr)
	return next, contract, nil
}

// RequestBuilder 根据记录构造源码验证请求。
type RequestBuilder func(ctx context.Context, rec checkpoint.Record) (verify.Request, error)

// ArtifactRequests 从 Hardhat 编译产物构造验证请求，合约全名为
// <prefix><Name>.sol:<Name>。
func ArtifactRequests(deployer *opagent.Deployer, prefix string) RequestBuilder {
	return func(_ context.Context, rec checkpoint.Record) (verify.Request, error) {
		name := rec.ContractName
		art, err := deployer.Artifact(name)
		if err != nil {
			return verify.Request{}, err
		}
		info, err := art.BuildInfo()
		if err != nil {
			return verify.Request{}, err
		}
		libraries, err := deployer.LinkedLibraries(name, rec.UtilsLibAddr.Value())
		if err != nil {
			return verify.Request{}, err
		}
		input, err := info.InputWithLibraries(libraries)
		if err != nil {
			return verify.Request{}, err
		}
		args, err := deployer.ConstructorArguments(name, constructorParams(rec))
		if err != nil {
			return verify.Request{}, err
		}
		return verify.Request{
			Address:              rec.OPAgentContract.Value(),
			ContractName:         prefix + name + ".sol:" + name,
			CompilerVersion:      info.SolcLongVersion,
			StandardJSONInput:    input,
			ConstructorArguments: args,
		}, nil
	}
}

// VerifyStep 在区块浏览器上验证合约源码。验证失败不会中断流程。
type VerifyStep struct {
	verifier verify.Verifier
	requests RequestBuilder
	settle   time.Duration
	sleep    Sleeper
	emitter  *events.Emitter
}

// NewVerifyStep 创建源码验证步骤。settle 是提交前等待浏览器同步的时间。
func NewVerifyStep(verifier verify.Verifier, requests RequestBuilder, settle time.Duration, sleep Sleeper, emitter *events.Emitter) *VerifyStep {
	if sleep == nil {
		sleep = sleepContext
	}
	return &VerifyStep{verifier: verifier, requests: requests, settle: settle, sleep: sleep, emitter: emitter}
}

// Run 返回更新后的记录。验证失败时返回原记录与 VERIFY_FAILED 错误，
// 该错误不是致命错误。
func (s *VerifyStep) Run(ctx context.Context, rec checkpoint.Record) (checkpoint.Record, error) {
	log := logger.Named("provision.verify")
	if rec.IsVerified {
		log.Info("合约源码已验证，跳过")
		s.emitter.Emit(ctx, events.StepVerify, events.StatusSkipped)
		return rec, nil
	}
	addr, ok := rec.OPAgentContract.Get()
	if !ok {
		return rec, xerrors.New(CodeDependencyOrder, "OPAgent 合约尚未部署，不能验证源码")
	}

	s.emitter.Emit(ctx, events.StepVerify, events.StatusStarted, events.WithAddress(addr.Hex()))
	if err := s.sleep(ctx, s.settle); err != nil {
		return rec, err
	}
	err := s.verify(ctx, rec)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return rec, ctxErr
	}
	if err != nil {
		log.Warn("源码验证失败，下次运行将重试", slog.String("address", addr.Hex()), slog.Any("error", err))
		s.emitter.Emit(ctx, events.StepVerify, events.StatusFailed,
			events.WithAddress(addr.Hex()), events.WithMessage(err.Error()))
		return rec, err
	}
	log.Info("源码验证成功", slog.String("address", addr.Hex()))
	s.emitter.Emit(ctx, events.StepVerify, events.StatusCompleted, events.WithAddress(addr.Hex()))

	next := rec.Clone()
	next.IsVerified = true
	return next, nil
}

func (s *VerifyStep) verify(ctx context.Context, rec checkpoint.Record) error {
	req, err := s.requests(ctx, rec)
	if err != nil {
		return xerrors.Wrap(verify.CodeVerifyFailed, err, "构造源码验证请求失败")
	}
	if err := s.verifier.Verify(ctx, req); err != nil {
		if xerrors.HasCode(err, verify.CodeVerifyFailed) {
			return err
		}
		return xerrors.Wrap(verify.CodeVerifyFailed, err, "源码验证失败")
	}
	return nil
}
