package provision

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"OPAgent-Chain/internal/checkpoint"
	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/internal/events"
	"OPAgent-Chain/internal/verify"
	"OPAgent-Chain/pkg/logger"
)

// Delays 是各步骤之间的等待时间。
type Delays struct {
	PostDeploy   time.Duration
	VerifySettle time.Duration
	PreRegister  time.Duration
	RegisterWait time.Duration
}

// DefaultDelays 返回默认的等待时间。
func DefaultDelays() Delays {
	return Delays{
		PostDeploy:   30 * time.Second,
		VerifySettle: 3 * time.Second,
		PreRegister:  10 * time.Second,
		RegisterWait: 120 * time.Second,
	}
}

// Orchestrator 依次执行部署、验证与注册，并在每一步后持久化检查点。
type Orchestrator struct {
	store    checkpoint.Store
	deployer Deployer
	verifier verify.Verifier
	requests RequestBuilder
	seed     *checkpoint.Record
	emitter  *events.Emitter
	delays   Delays
	sleep    Sleeper
	owner    string
}

// Option 定义可选的 Orchestrator 配置。
type Option func(*Orchestrator)

// WithSeed 设置存储中尚无检查点时写入的初始记录。
func WithSeed(rec checkpoint.Record) Option {
	return func(o *Orchestrator) {
		clone := rec.Clone()
		o.seed = &clone
	}
}

// WithVerifier 启用源码验证。未配置时跳过验证步骤。
func WithVerifier(v verify.Verifier, requests RequestBuilder) Option {
	return func(o *Orchestrator) {
		o.verifier = v
		o.requests = requests
	}
}

// WithEmitter 设置部署事件发送器。
func WithEmitter(emitter *events.Emitter) Option {
	return func(o *Orchestrator) {
		o.emitter = emitter
	}
}

// WithDelays 覆盖默认等待时间。
func WithDelays(delays Delays) Option {
	return func(o *Orchestrator) {
		o.delays = delays
	}
}

// WithSleeper 替换等待实现，主要用于测试。
func WithSleeper(sleep Sleeper) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithOwner 设置租约持有者标识。
func WithOwner(owner string) Option {
	return func(o *Orchestrator) {
		o.owner = owner
	}
}

// New 创建 Orchestrator。
func New(store checkpoint.Store, deployer Deployer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		deployer: deployer,
		delays:   DefaultDelays(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.owner == "" {
		o.owner = o.emitter.RunID()
	}
	return o
}

// Run 执行一次完整的部署流程。致命错误立即返回；源码验证失败与注册待确认
// 体现在 Report 中。
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	log := logger.Named("provision").With(slog.String("run_id", o.emitter.RunID()))

	lease, err := o.store.Acquire(ctx, o.owner)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("释放检查点租约失败", slog.Any("error", err))
		}
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if lost := checkpoint.LeaseLost(lease); lost != nil {
		go func() {
			select {
			case <-lost:
				cancel(checkpoint.ErrLeaseLost)
			case <-ctx.Done():
			}
		}()
	}

	o.emitter.Emit(ctx, events.StepRun, events.StatusStarted)
	report, err := o.run(ctx, log, lease)
	if err != nil && !xerrors.HasCode(err, checkpoint.CodeLeaseLost) && stdErrors.Is(context.Cause(ctx), checkpoint.ErrLeaseLost) {
		err = xerrors.Wrap(checkpoint.CodeLeaseLost, err, "运行期间检查点租约丢失")
	}
	if err != nil {
		log.Error("部署流程中止", slog.Any("error", err))
		o.emitter.Emit(ctx, events.StepRun, events.StatusFailed, events.WithMessage(err.Error()))
		return report, err
	}
	status := events.StatusCompleted
	if report.Status() == StatusPartial {
		status = events.StatusPending
	}
	o.emitter.Emit(ctx, events.StepRun, status, events.WithAddress(report.Record.OPAgentContract.String()))
	log.Info("部署流程结束", slog.String("status", string(report.Status())))
	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, lease checkpoint.Lease) (*Report, error) {
	// 租约丢失后不再发起任何改变状态的操作。
	save := func(prev, next checkpoint.Record, stepErr error) (checkpoint.Record, error) {
		if stepErr == nil {
			if err := checkpoint.CheckLease(lease); err != nil {
				return prev, err
			}
		}
		return o.persist(ctx, prev, next, stepErr)
	}

	rec, err := o.load(ctx, log)
	if err != nil {
		return nil, err
	}
	report := &Report{RunID: o.emitter.RunID(), Record: rec}
	if err := checkpoint.CheckLease(lease); err != nil {
		return report, err
	}

	next, err := NewLibraryStep(o.deployer, o.emitter).Run(ctx, rec)
	if rec, err = save(rec, next, err); err != nil {
		report.Record = rec
		return report, err
	}

	if err := checkpoint.CheckLease(lease); err != nil {
		return report, err
	}
	deployedBefore := rec.OPAgentContract.IsSet()
	next, contract, err := NewAgentStep(o.deployer, o.emitter).Run(ctx, rec)
	if rec, err = save(rec, next, err); err != nil {
		report.Record = rec
		return report, err
	}
	report.Record = rec

	if !deployedBefore {
		log.Info("等待新部署的合约同步", slog.Duration("delay", o.delays.PostDeploy))
		if err := o.sleep(ctx, o.delays.PostDeploy); err != nil {
			return report, err
		}
	}

	if err := checkpoint.CheckLease(lease); err != nil {
		return report, err
	}
	if o.verifier == nil || o.requests == nil {
		if !rec.IsVerified {
			log.Info("未配置源码验证，跳过")
			o.emitter.Emit(ctx, events.StepVerify, events.StatusSkipped, events.WithMessage("disabled"))
		}
	} else {
		step := NewVerifyStep(o.verifier, o.requests, o.delays.VerifySettle, o.sleep, o.emitter)
		next, verr := step.Run(ctx, rec)
		if verr != nil && xerrors.FatalError(verr) {
			return report, verr
		}
		report.VerifyErr = verr
		if rec, err = save(rec, next, nil); err != nil {
			return report, err
		}
		report.Record = rec
	}

	if !rec.HasRegistered {
		log.Info("注册前等待", slog.Duration("delay", o.delays.PreRegister))
		if err := o.sleep(ctx, o.delays.PreRegister); err != nil {
			return report, err
		}
	}
	if err := checkpoint.CheckLease(lease); err != nil {
		return report, err
	}
	next, registration, err := NewRegistrar(o.delays.RegisterWait, o.sleep, o.emitter).Run(ctx, rec, contract)
	report.Registration = registration
	if rec, err = save(rec, next, err); err != nil {
		report.Record = rec
		return report, err
	}
	report.Record = rec
	return report, nil
}

// load 读取检查点；存储为空时写入初始记录。
func (o *Orchestrator) load(ctx context.Context, log *slog.Logger) (checkpoint.Record, error) {
	rec, err := o.store.Load(ctx)
	if err == nil {
		return rec, nil
	}
	if !stdErrors.Is(err, checkpoint.ErrConfigMissing) || o.seed == nil {
		return checkpoint.Record{}, err
	}
	seed := o.seed.Clone()
	if strings.TrimSpace(seed.ContractName) == "" {
		return checkpoint.Record{}, xerrors.New(xerrors.CodeInvalidArgument, "初始检查点缺少 contractName")
	}
	if seed.Version == 0 {
		seed.Version = checkpoint.CurrentVersion
	}
	if err := o.store.Save(ctx, seed); err != nil {
		return checkpoint.Record{}, err
	}
	log.Info("已根据配置创建检查点", slog.String("contract", seed.ContractName))
	logger.Audit().Info("checkpoint seeded", slog.String("contract", seed.ContractName))
	return seed, nil
}

// persist 校验 next 是 prev 的单调推进并写入存储。stepErr 非空时不写入。
func (o *Orchestrator) persist(ctx context.Context, prev, next checkpoint.Record, stepErr error) (checkpoint.Record, error) {
	if stepErr != nil {
		return prev, stepErr
	}
	if next.Equal(prev) {
		return prev, nil
	}
	if err := checkpoint.CheckAdvance(prev, next); err != nil {
		return prev, err
	}
	if err := o.store.Save(ctx, next); err != nil {
		return prev, err
	}
	logger.Audit().Info("checkpoint saved",
		slog.String("run_id", o.emitter.RunID()),
		slog.String("utils_lib_addr", next.UtilsLibAddr.String()),
		slog.String("op_agent_contract", next.OPAgentContract.String()),
		slog.Bool("is_verified", next.IsVerified),
		slog.Bool("has_registered", next.HasRegistered),
		slog.String("register_hash", next.RegisterHash.String()))
	return next, nil
}
