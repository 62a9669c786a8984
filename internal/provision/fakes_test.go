package provision

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"OPAgent-Chain/internal/checkpoint"
	"OPAgent-Chain/internal/events"
	"OPAgent-Chain/internal/verify"
	"OPAgent-Chain/internal/web3/opagent"
)

var (
	libraryAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	agentAddr   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	oracleAddr  = common.HexToAddress("0x0A0f94b9c8a2C1E0ad5Fa3A8bC8D1eF5b6A7c3D2")
	feeToken    = common.HexToAddress("0x7070707070707070707070707070707070707070")
	confirmHash = common.HexToHash("0x5eed")
)

// fakeChain 记录所有改变链上状态的操作，Bind 与 DeployAgent 共享同一份合约状态。
type fakeChain struct {
	mu sync.Mutex

	ops      []string
	params   []opagent.ConstructorParams
	libErr   error
	agentErr error

	marker        common.Hash
	token         common.Address
	confirmOnWait bool
	registerErr   error
}

func (c *fakeChain) record(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
}

func (c *fakeChain) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, o := range c.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (c *fakeChain) transactions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *fakeChain) DeployLibrary(context.Context) (common.Address, common.Hash, error) {
	if c.libErr != nil {
		return common.Address{}, common.Hash{}, c.libErr
	}
	c.record("deployLibrary")
	return libraryAddr, common.HexToHash("0x01"), nil
}

func (c *fakeChain) DeployAgent(_ context.Context, _ string, library common.Address, params opagent.ConstructorParams) (AgentContract, common.Hash, error) {
	if c.agentErr != nil {
		return nil, common.Hash{}, c.agentErr
	}
	if library != libraryAddr {
		return nil, common.Hash{}, errors.New("linked against unknown library")
	}
	c.record("deployAgent")
	c.mu.Lock()
	c.params = append(c.params, params)
	c.mu.Unlock()
	return &fakeAgent{chain: c, address: agentAddr}, common.HexToHash("0x02"), nil
}

func (c *fakeChain) Bind(_ string, address common.Address) (AgentContract, error) {
	return &fakeAgent{chain: c, address: address}, nil
}

type fakeAgent struct {
	chain   *fakeChain
	address common.Address
}

func (a *fakeAgent) Address() common.Address { return a.address }

func (a *fakeAgent) RegisterHash(context.Context) (common.Hash, error) {
	a.chain.mu.Lock()
	defer a.chain.mu.Unlock()
	return a.chain.marker, nil
}

func (a *fakeAgent) EstimateERC20ModelFee(context.Context) (common.Address, *big.Int, error) {
	return a.chain.token, big.NewInt(500), nil
}

func (a *fakeAgent) EstimateFee(context.Context) (*big.Int, error) {
	return big.NewInt(21), nil
}

func (a *fakeAgent) ApproveToken(context.Context, common.Address, *big.Int) (common.Hash, error) {
	a.chain.record("approve")
	return common.HexToHash("0x03"), nil
}

func (a *fakeAgent) Register(context.Context, *big.Int) (common.Hash, error) {
	if a.chain.registerErr != nil {
		return common.Hash{}, a.chain.registerErr
	}
	a.chain.record("register")
	return common.HexToHash("0x04"), nil
}

// confirm 模拟链下处理在等待窗口内写入注册标记。
func (c *fakeChain) confirm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirmOnWait && c.marker == (common.Hash{}) {
		for _, op := range c.ops {
			if op == "register" {
				c.marker = confirmHash
			}
		}
	}
}

type fakeVerifier struct {
	mu       sync.Mutex
	requests []verify.Request
	err      error
}

func (v *fakeVerifier) Verify(_ context.Context, req verify.Request) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.requests = append(v.requests, req)
	return v.err
}

func staticRequests(_ context.Context, rec checkpoint.Record) (verify.Request, error) {
	return verify.Request{
		Address:           rec.OPAgentContract.Value(),
		ContractName:      "contracts/examples/" + rec.ContractName + ".sol:" + rec.ContractName,
		CompilerVersion:   "0.8.28+commit.7893614a",
		StandardJSONInput: []byte(`{}`),
	}, nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
	chain *fakeChain
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	if s.chain != nil {
		s.chain.confirm()
	}
	return ctx.Err()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) has(step events.Step, status events.Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e.Step == step && e.Status == status {
			return true
		}
	}
	return false
}
