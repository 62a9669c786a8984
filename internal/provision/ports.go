package provision

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"OPAgent-Chain/internal/web3/opagent"
)

// AgentContract 是注册流程需要的合约能力，由 opagent.Agent 实现。
type AgentContract interface {
	opagent.FeePayer
	RegisterHash(ctx context.Context) (common.Hash, error)
	Register(ctx context.Context, value *big.Int) (common.Hash, error)
}

// Deployer 负责把合约送上链或绑定已有部署。
type Deployer interface {
	DeployLibrary(ctx context.Context) (common.Address, common.Hash, error)
	DeployAgent(ctx context.Context, name string, library common.Address, params opagent.ConstructorParams) (AgentContract, common.Hash, error)
	Bind(name string, address common.Address) (AgentContract, error)
}

// ChainDeployer 把 opagent.Deployer 适配为 Deployer。
func ChainDeployer(d *opagent.Deployer) Deployer {
	return chainDeployer{d: d}
}

type chainDeployer struct {
	d *opagent.Deployer
}

func (c chainDeployer) DeployLibrary(ctx context.Context) (common.Address, common.Hash, error) {
	return c.d.DeployLibrary(ctx)
}

func (c chainDeployer) DeployAgent(ctx context.Context, name string, library common.Address, params opagent.ConstructorParams) (AgentContract, common.Hash, error) {
	agent, hash, err := c.d.DeployAgent(ctx, name, library, params)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return agent, hash, nil
}

func (c chainDeployer) Bind(name string, address common.Address) (AgentContract, error) {
	agent, err := c.d.Bind(name, address)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

var _ AgentContract = (*opagent.Agent)(nil)
