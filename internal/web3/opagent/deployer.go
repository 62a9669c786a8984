package opagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/internal/web3"
	"OPAgent-Chain/internal/web3/artifact"
)

// ConstructorParams 是 OPAgent 合约的构造参数。
type ConstructorParams struct {
	AIOracle     common.Address
	ModelName    string
	SystemPrompt string
}

func (p ConstructorParams) args() []any {
	return []any{p.AIOracle, p.ModelName, p.SystemPrompt}
}

// Deployer 根据编译产物部署库和 OPAgent 合约。
type Deployer struct {
	client    web3.Client
	artifacts *artifact.Loader
	library   string
}

// NewDeployer 创建部署器。library 是 OPAgent 字节码依赖的库合约名。
func NewDeployer(client web3.Client, artifacts *artifact.Loader, library string) *Deployer {
	if strings.TrimSpace(library) == "" {
		library = "Utils"
	}
	return &Deployer{client: client, artifacts: artifacts, library: library}
}

// LibraryName 返回库合约名。
func (d *Deployer) LibraryName() string { return d.library }

// Artifact 返回合约的编译产物。
func (d *Deployer) Artifact(name string) (*artifact.Artifact, error) {
	return d.artifacts.Load(name)
}

// DeployLibrary 部署库合约并返回其地址与交易哈希。
func (d *Deployer) DeployLibrary(ctx context.Context) (common.Address, common.Hash, error) {
	art, err := d.artifacts.Load(d.library)
	if err != nil {
		return common.Address{}, common.Hash{}, err
	}
	code, err := art.Link(nil)
	if err != nil {
		return common.Address{}, common.Hash{}, err
	}
	res, err := d.client.DeployContract(ctx, art.ABI, code)
	if err != nil {
		return common.Address{}, common.Hash{}, err
	}
	return res.ContractAddress, res.Transaction.Hash(), nil
}

// DeployAgent 把库地址链接进字节码后部署 OPAgent 合约。
func (d *Deployer) DeployAgent(ctx context.Context, name string, library common.Address, params ConstructorParams) (*Agent, common.Hash, error) {
	art, err := d.artifacts.Load(name)
	if err != nil {
		return nil, common.Hash{}, err
	}
	code, err := art.Link(map[string]common.Address{d.library: library})
	if err != nil {
		return nil, common.Hash{}, err
	}
	res, err := d.client.DeployContract(ctx, art.ABI, code, params.args()...)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return newAgent(d.client, name, res.ContractAddress, art.ABI), res.Transaction.Hash(), nil
}

// Bind 在已有地址上绑定 OPAgent 合约句柄，不发送任何交易。
func (d *Deployer) Bind(name string, address common.Address) (*Agent, error) {
	art, err := d.artifacts.Load(name)
	if err != nil {
		return nil, err
	}
	return newAgent(d.client, name, address, art.ABI), nil
}

// ConstructorArguments 返回 ABI 编码的构造参数，用于源码验证。
func (d *Deployer) ConstructorArguments(name string, params ConstructorParams) ([]byte, error) {
	art, err := d.artifacts.Load(name)
	if err != nil {
		return nil, err
	}
	return packConstructor(art.ABI, params)
}

// LinkedLibraries 返回合约依赖的库及其地址，键为源文件与库名。
func (d *Deployer) LinkedLibraries(name string, library common.Address) (map[string]map[string]common.Address, error) {
	art, err := d.artifacts.Load(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]common.Address)
	for source, libs := range art.Libraries() {
		for _, lib := range libs {
			if lib != d.library {
				return nil, xerrors.New(web3.CodeArtifactInvalid,
					fmt.Sprintf("合约 %s 依赖未知的库 %s", name, lib))
			}
			if out[source] == nil {
				out[source] = make(map[string]common.Address)
			}
			out[source][lib] = library
		}
	}
	return out, nil
}

func packConstructor(contractABI abi.ABI, params ConstructorParams) ([]byte, error) {
	packed, err := contractABI.Pack("", params.args()...)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeArtifactInvalid, err, "编码构造参数失败")
	}
	return packed, nil
}
