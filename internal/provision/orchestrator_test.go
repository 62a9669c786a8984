package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"OPAgent-Chain/internal/checkpoint"
	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/internal/events"
	"OPAgent-Chain/internal/verify"
)

var testDelays = Delays{
	PostDeploy:   30 * time.Second,
	VerifySettle: 3 * time.Second,
	PreRegister:  10 * time.Second,
	RegisterWait: 120 * time.Second,
}

func seedRecord() checkpoint.Record {
	return checkpoint.Record{
		ContractName:    "Prompt",
		AIOracleAddress: checkpoint.NewAddress(oracleAddr),
		ModelName:       "llama3",
		SystemPrompt:    "be nice",
	}
}

type harness struct {
	chain    *fakeChain
	store    *checkpoint.MemoryStore
	verifier *fakeVerifier
	sleeper  *sleepRecorder
	events   *recordingPublisher
	orch     *Orchestrator
}

func newHarness(t *testing.T, initial *checkpoint.Record) *harness {
	t.Helper()
	h := &harness{
		chain:    &fakeChain{confirmOnWait: true},
		store:    checkpoint.NewMemoryStore(initial),
		verifier: &fakeVerifier{},
		events:   &recordingPublisher{},
	}
	h.sleeper = &sleepRecorder{chain: h.chain}
	h.orch = New(h.store, h.chain,
		WithSeed(seedRecord()),
		WithVerifier(h.verifier, staticRequests),
		WithEmitter(events.NewEmitter("run-1", h.events)),
		WithDelays(testDelays),
		WithSleeper(h.sleeper.sleep),
	)
	return h
}

func (h *harness) stored(t *testing.T) checkpoint.Record {
	t.Helper()
	rec, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return rec
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	first, err := h.orch.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, first.Status())
	require.NoError(t, first.Err())
	require.Equal(t, OutcomeRegistered, first.Registration.Outcome)
	require.Equal(t, []string{"deployLibrary", "deployAgent", "register"}, h.chain.transactions())
	require.Equal(t, []time.Duration{30 * time.Second, 3 * time.Second, 10 * time.Second, 120 * time.Second}, h.sleeper.waits)

	rec := h.stored(t)
	require.Equal(t, libraryAddr, rec.UtilsLibAddr.Value())
	require.Equal(t, agentAddr, rec.OPAgentContract.Value())
	require.True(t, rec.IsVerified)
	require.True(t, rec.HasRegistered)
	require.Equal(t, confirmHash, rec.RegisterHash.Value())
	saves := h.store.Saves()

	second, err := h.orch.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, second.Status())
	require.Equal(t, OutcomeAlreadyRegistered, second.Registration.Outcome)
	require.Equal(t, []string{"deployLibrary", "deployAgent", "register"}, h.chain.transactions(), "second run sends no transactions")
	require.Len(t, h.sleeper.waits, 4, "second run does not wait")
	require.Len(t, h.verifier.requests, 1)
	require.Equal(t, saves, h.store.Saves())
	require.True(t, second.Record.Equal(rec))
}

func TestRunSeedsCheckpointFromConfig(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.chain.params, 1)
	require.Equal(t, oracleAddr, h.chain.params[0].AIOracle)
	require.Equal(t, "llama3", h.chain.params[0].ModelName)
	require.Equal(t, "be nice", h.chain.params[0].SystemPrompt)
	require.True(t, h.events.has(events.StepRun, events.StatusCompleted))
	require.True(t, h.events.has(events.StepLibrary, events.StatusCompleted))
}

func TestRunWithoutCheckpointOrSeedFails(t *testing.T) {
	store := checkpoint.NewMemoryStore(nil)
	chain := &fakeChain{}
	_, err := New(store, chain, WithSleeper(func(context.Context, time.Duration) error { return nil })).Run(context.Background())
	require.ErrorIs(t, err, checkpoint.ErrConfigMissing)
	require.Empty(t, chain.transactions())
}

func TestSeedRequiresContractName(t *testing.T) {
	store := checkpoint.NewMemoryStore(nil)
	seed := seedRecord()
	seed.ContractName = ""
	_, err := New(store, &fakeChain{}, WithSeed(seed)).Run(context.Background())
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	require.Zero(t, store.Saves())
}

func TestLibraryFailureAbortsWithoutStoringProgress(t *testing.T) {
	h := newHarness(t, nil)
	h.chain.libErr = errors.New("insufficient funds")

	_, err := h.orch.Run(context.Background())
	require.EqualError(t, err, "insufficient funds")
	require.Empty(t, h.chain.transactions())
	rec := h.stored(t)
	require.False(t, rec.UtilsLibAddr.IsSet())
	require.False(t, rec.OPAgentContract.IsSet())
	require.True(t, h.events.has(events.StepRun, events.StatusFailed))
}

func TestAgentFailureKeepsLibraryProgress(t *testing.T) {
	h := newHarness(t, nil)
	h.chain.agentErr = errors.New("execution reverted")

	report, err := h.orch.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, libraryAddr, report.Record.UtilsLibAddr.Value())

	rec := h.stored(t)
	require.Equal(t, libraryAddr, rec.UtilsLibAddr.Value())
	require.False(t, rec.OPAgentContract.IsSet())
	require.Zero(t, h.chain.count("register"))

	h.chain.agentErr = nil
	_, err = h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.chain.count("deployLibrary"), "library is reused on retry")
	require.Equal(t, 1, h.chain.count("deployAgent"))
}

func TestFeeBranching(t *testing.T) {
	t.Run("native", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.orch.Run(context.Background())
		require.NoError(t, err)
		require.Zero(t, h.chain.count("approve"))
		require.Equal(t, 1, h.chain.count("register"))
	})
	t.Run("token", func(t *testing.T) {
		h := newHarness(t, nil)
		h.chain.token = feeToken
		report, err := h.orch.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"deployLibrary", "deployAgent", "approve", "register"}, h.chain.transactions())
		require.True(t, report.Registration.Fee.Approved())
		require.Equal(t, feeToken, report.Registration.Fee.Token)
	})
}

func TestDriftReconciliation(t *testing.T) {
	initial := seedRecord()
	initial.UtilsLibAddr = checkpoint.NewAddress(libraryAddr)
	initial.OPAgentContract = checkpoint.NewAddress(agentAddr)
	initial.IsVerified = true
	h := newHarness(t, &initial)
	onchain := common.HexToHash("0xabc")
	h.chain.marker = onchain

	report, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeReconciled, report.Registration.Outcome)
	require.Empty(t, h.chain.transactions())

	rec := h.stored(t)
	require.True(t, rec.HasRegistered)
	require.Equal(t, onchain, rec.RegisterHash.Value())
	require.Equal(t, []time.Duration{10 * time.Second}, h.sleeper.waits)
}

func TestStaleRegisterHashIsReplacedByChain(t *testing.T) {
	initial := seedRecord()
	initial.UtilsLibAddr = checkpoint.NewAddress(libraryAddr)
	initial.OPAgentContract = checkpoint.NewAddress(agentAddr)
	initial.IsVerified = true
	initial.RegisterHash = checkpoint.NewHash(common.HexToHash("0xdead"))

	t.Run("marker on chain", func(t *testing.T) {
		rec := initial.Clone()
		h := newHarness(t, &rec)
		onchain := common.HexToHash("0xabc")
		h.chain.marker = onchain

		report, err := h.orch.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, OutcomeReconciled, report.Registration.Outcome)
		require.Empty(t, h.chain.transactions())

		stored := h.stored(t)
		require.True(t, stored.HasRegistered)
		require.Equal(t, onchain, stored.RegisterHash.Value())
	})

	t.Run("marker not yet set", func(t *testing.T) {
		rec := initial.Clone()
		h := newHarness(t, &rec)

		report, err := h.orch.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, OutcomeRegistered, report.Registration.Outcome)
		require.Equal(t, 1, h.chain.count("register"))

		stored := h.stored(t)
		require.True(t, stored.HasRegistered)
		require.Equal(t, confirmHash, stored.RegisterHash.Value())

		_, err = h.orch.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, h.chain.count("register"))
	})
}

func TestRegistrationTimeoutIsPending(t *testing.T) {
	h := newHarness(t, nil)
	h.chain.confirmOnWait = false

	report, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomePending, report.Registration.Outcome)
	require.Equal(t, StatusPartial, report.Status())
	require.True(t, xerrors.HasCode(report.Err(), CodeRegistrationPending))
	require.False(t, xerrors.FatalError(report.Err()))
	require.False(t, h.stored(t).HasRegistered)
	require.True(t, h.events.has(events.StepRegister, events.StatusPending))

	// 链下处理稍后完成，下一次运行通过链上标记完成对账，不再发送交易。
	h.chain.marker = confirmHash
	report, err = h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeReconciled, report.Registration.Outcome)
	require.Equal(t, 1, h.chain.count("register"))
	require.True(t, h.stored(t).HasRegistered)
}

func TestVerificationFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.err = errors.New("explorer unavailable")

	report, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.True(t, xerrors.HasCode(report.VerifyErr, verify.CodeVerifyFailed))
	require.Equal(t, StatusPartial, report.Status())
	require.Equal(t, OutcomeRegistered, report.Registration.Outcome)

	rec := h.stored(t)
	require.False(t, rec.IsVerified)
	require.True(t, rec.HasRegistered)

	h.verifier.err = nil
	report, err = h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusComplete, report.Status())
	require.Len(t, h.verifier.requests, 2)
}

func TestRunWithoutVerifierSkipsVerification(t *testing.T) {
	chain := &fakeChain{confirmOnWait: true}
	sleeper := &sleepRecorder{chain: chain}
	store := checkpoint.NewMemoryStore(nil)
	report, err := New(store, chain, WithSeed(seedRecord()), WithSleeper(sleeper.sleep)).Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.Record.IsVerified)
	require.True(t, report.Record.HasRegistered)
	require.Equal(t, StatusPartial, report.Status())
	require.Error(t, report.Err())
}

func TestRunRefusesWhenLeaseHeld(t *testing.T) {
	h := newHarness(t, nil)
	lease, err := h.store.Acquire(context.Background(), "other-run")
	require.NoError(t, err)

	_, err = h.orch.Run(context.Background())
	require.True(t, xerrors.HasCode(err, checkpoint.CodeCheckpointLocked))
	require.Empty(t, h.chain.transactions())

	require.NoError(t, lease.Release(context.Background()))
	_, err = h.orch.Run(context.Background())
	require.NoError(t, err)
}

type expiringStore struct {
	*checkpoint.MemoryStore
	lost chan struct{}
}

func (s *expiringStore) Acquire(ctx context.Context, owner string) (checkpoint.Lease, error) {
	lease, err := s.MemoryStore.Acquire(ctx, owner)
	if err != nil {
		return nil, err
	}
	return expiringLease{Lease: lease, lost: s.lost}, nil
}

type expiringLease struct {
	checkpoint.Lease
	lost chan struct{}
}

func (l expiringLease) Lost() <-chan struct{} { return l.lost }

func TestRunStopsWhenLeaseIsLost(t *testing.T) {
	chain := &fakeChain{confirmOnWait: true}
	store := &expiringStore{MemoryStore: checkpoint.NewMemoryStore(nil), lost: make(chan struct{})}
	verifier := &fakeVerifier{}
	orch := New(store, chain,
		WithSeed(seedRecord()),
		WithVerifier(verifier, staticRequests),
		WithDelays(testDelays),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			if d == testDelays.PostDeploy {
				close(store.lost)
			}
			return nil
		}),
	)

	report, err := orch.Run(context.Background())
	require.True(t, xerrors.HasCode(err, checkpoint.CodeLeaseLost))
	require.True(t, xerrors.FatalError(err))
	require.Equal(t, []string{"deployLibrary", "deployAgent"}, chain.transactions())
	require.Empty(t, verifier.requests)
	require.True(t, report.Record.OPAgentContract.IsSet())
	require.False(t, report.Record.HasRegistered)
}

func TestPersistRejectsRegression(t *testing.T) {
	h := newHarness(t, nil)
	prev := seedRecord()
	prev.UtilsLibAddr = checkpoint.NewAddress(libraryAddr)
	prev.OPAgentContract = checkpoint.NewAddress(agentAddr)
	prev.HasRegistered = true
	prev.RegisterHash = checkpoint.NewHash(confirmHash)
	next := prev.Clone()
	next.HasRegistered = false
	next.RegisterHash = checkpoint.Hash{}

	got, err := h.orch.persist(context.Background(), prev, next, nil)
	require.True(t, xerrors.HasCode(err, checkpoint.CodeCheckpointRegression))
	require.True(t, got.Equal(prev))
	require.Zero(t, h.store.Saves())
}

func TestCancelledRegistrationWaitAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	chain := &fakeChain{}
	store := checkpoint.NewMemoryStore(nil)
	sleeps := 0
	orch := New(store, chain, WithSeed(seedRecord()), WithSleeper(func(ctx context.Context, d time.Duration) error {
		sleeps++
		if d == DefaultDelays().RegisterWait {
			cancel()
		}
		return ctx.Err()
	}))

	_, err := orch.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, chain.count("register"))
	rec, loadErr := store.Load(context.Background())
	require.NoError(t, loadErr)
	require.False(t, rec.HasRegistered)
	require.Equal(t, 3, sleeps)
}
