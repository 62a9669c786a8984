package artifact

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/internal/web3"
)

// LinkReference 描述字节码中一个库地址占位符的位置。
type LinkReference struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// Artifact 是 Hardhat 编译产物（artifacts/<source>/<Name>.json）。
type Artifact struct {
	ContractName   string                                `json:"contractName"`
	SourceName     string                                `json:"sourceName"`
	RawABI         json.RawMessage                       `json:"abi"`
	Bytecode       string                                `json:"bytecode"`
	LinkReferences map[string]map[string][]LinkReference `json:"linkReferences"`

	ABI  abi.ABI `json:"-"`
	path string
}

// Path 返回产物文件路径。
func (a *Artifact) Path() string { return a.path }

// QualifiedName 返回 <source>:<Name> 形式的合约全名。
func (a *Artifact) QualifiedName() string {
	return a.SourceName + ":" + a.ContractName
}

// Libraries 返回字节码依赖的库，键为源文件，值为库名列表。
func (a *Artifact) Libraries() map[string][]string {
	out := make(map[string][]string, len(a.LinkReferences))
	for source, libs := range a.LinkReferences {
		for name := range libs {
			out[source] = append(out[source], name)
		}
		sort.Strings(out[source])
	}
	return out
}

// NeedsLinking 判断字节码是否含有库占位符。
func (a *Artifact) NeedsLinking() bool {
	for _, libs := range a.LinkReferences {
		if len(libs) > 0 {
			return true
		}
	}
	return false
}

// Link 用库地址替换占位符并返回可部署的字节码。libraries 以库名为键，
// 也接受 <source>:<Name> 形式的全名。
func (a *Artifact) Link(libraries map[string]common.Address) ([]byte, error) {
	code, err := decodeBytecode(a.Bytecode)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeArtifactInvalid, err, fmt.Sprintf("合约 %s 的字节码无法解码", a.ContractName))
	}
	if len(code) == 0 {
		return nil, xerrors.New(web3.CodeArtifactInvalid, fmt.Sprintf("合约 %s 没有可部署的字节码", a.ContractName))
	}

	for source, libs := range a.LinkReferences {
		for name, refs := range libs {
			addr, ok := libraries[source+":"+name]
			if !ok {
				addr, ok = libraries[name]
			}
			if !ok {
				return nil, xerrors.New(web3.CodeArtifactInvalid,
					fmt.Sprintf("合约 %s 依赖的库 %s 未提供地址", a.ContractName, name),
					xerrors.WithMetadata("library", source+":"+name))
			}
			for _, ref := range refs {
				if ref.Length != common.AddressLength || ref.Start < 0 || ref.Start+ref.Length > len(code) {
					return nil, xerrors.New(web3.CodeArtifactInvalid,
						fmt.Sprintf("库 %s 的链接位置越界", name))
				}
				copy(code[ref.Start:ref.Start+ref.Length], addr.Bytes())
			}
		}
	}
	return code, nil
}

// decodeBytecode 解码十六进制字节码，__$...$__ 占位符先替换为零地址。
func decodeBytecode(raw string) ([]byte, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	var buf strings.Builder
	buf.Grow(len(raw))
	for i := 0; i < len(raw); {
		if strings.HasPrefix(raw[i:], "__") && i+2*common.AddressLength <= len(raw) {
			buf.WriteString(strings.Repeat("0", 2*common.AddressLength))
			i += 2 * common.AddressLength
			continue
		}
		buf.WriteByte(raw[i])
		i++
	}
	return hex.DecodeString(buf.String())
}

// DebugFile 是 Hardhat 写在产物旁边的 <Name>.dbg.json。
type DebugFile struct {
	BuildInfo string `json:"buildInfo"`
}

// BuildInfo 是一次 solc 编译的输入与版本信息。
type BuildInfo struct {
	SolcVersion     string          `json:"solcVersion"`
	SolcLongVersion string          `json:"solcLongVersion"`
	Input           json.RawMessage `json:"input"`
}

// BuildInfo 读取产物对应的 build-info。
func (a *Artifact) BuildInfo() (*BuildInfo, error) {
	dbgPath := strings.TrimSuffix(a.path, ".json") + ".dbg.json"
	raw, err := os.ReadFile(dbgPath)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeArtifactInvalid, err, "读取 dbg 文件失败: "+dbgPath)
	}
	var dbg DebugFile
	if err := json.Unmarshal(raw, &dbg); err != nil || dbg.BuildInfo == "" {
		return nil, xerrors.Wrap(web3.CodeArtifactInvalid, err, "dbg 文件缺少 buildInfo: "+dbgPath)
	}
	infoPath := dbg.BuildInfo
	if !filepath.IsAbs(infoPath) {
		infoPath = filepath.Join(filepath.Dir(dbgPath), infoPath)
	}
	raw, err = os.ReadFile(infoPath)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeArtifactInvalid, err, "读取 build-info 失败: "+infoPath)
	}
	var info BuildInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, xerrors.Wrap(web3.CodeArtifactInvalid, err, "解析 build-info 失败: "+infoPath)
	}
	if len(info.Input) == 0 || info.SolcLongVersion == "" {
		return nil, xerrors.New(web3.CodeArtifactInvalid, "build-info 缺少编译输入或版本: "+infoPath)
	}
	return &info, nil
}

// InputWithLibraries 返回注入库地址后的 solc standard-json 输入。
func (b *BuildInfo) InputWithLibraries(libraries map[string]map[string]common.Address) ([]byte, error) {
	var input map[string]json.RawMessage
	if err := json.Unmarshal(b.Input, &input); err != nil {
		return nil, xerrors.Wrap(web3.CodeArtifactInvalid, err, "解析编译输入失败")
	}
	if len(libraries) == 0 {
		return b.Input, nil
	}

	settings := map[string]json.RawMessage{}
	if raw, ok := input["settings"]; ok {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return nil, xerrors.Wrap(web3.CodeArtifactInvalid, err, "解析编译设置失败")
		}
	}
	linked := make(map[string]map[string]string, len(libraries))
	for source, libs := range libraries {
		linked[source] = make(map[string]string, len(libs))
		for name, addr := range libs {
			linked[source][name] = addr.Hex()
		}
	}
	encodedLibs, err := json.Marshal(linked)
	if err != nil {
		return nil, err
	}
	settings["libraries"] = encodedLibs
	encodedSettings, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}
	input["settings"] = encodedSettings
	return json.Marshal(input)
}

// Loader 在 Hardhat 的 artifacts 目录中按合约名查找产物。
type Loader struct {
	root  string
	mu    sync.Mutex
	cache map[string]*Artifact
}

// NewLoader 创建产物加载器。
func NewLoader(root string) *Loader {
	return &Loader{root: root, cache: make(map[string]*Artifact)}
}

// Load 按合约名或 <source>:<Name> 全名加载产物。
func (l *Loader) Load(name string) (*Artifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cached, ok := l.cache[name]; ok {
		return cached, nil
	}

	path, err := l.find(name)
	if err != nil {
		return nil, err
	}
	art, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	l.cache[name] = art
	return art, nil
}

func (l *Loader) find(name string) (string, error) {
	source, contract := "", name
	if idx := strings.LastIndex(name, ":"); idx >= 0 {
		source, contract = name[:idx], name[idx+1:]
	}
	if contract == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "合约名不能为空")
	}
	if source != "" {
		return filepath.Join(l.root, filepath.FromSlash(source), contract+".json"), nil
	}

	var matches []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "build-info" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == contract+".json" && strings.HasSuffix(filepath.Dir(path), ".sol") {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", xerrors.Wrap(web3.CodeArtifactInvalid, err, "产物目录不存在: "+l.root)
		}
		return "", xerrors.Wrap(web3.CodeArtifactInvalid, err, "遍历产物目录失败")
	}
	switch len(matches) {
	case 0:
		return "", xerrors.New(web3.CodeArtifactInvalid, fmt.Sprintf("未找到合约 %s 的编译产物", contract))
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", xerrors.New(web3.CodeArtifactInvalid,
			fmt.Sprintf("合约名 %s 存在多个产物，请使用全名: %s", contract, strings.Join(matches, ", ")))
	}
}

// ReadFile 读取并解析单个产物文件。
func ReadFile(path string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeArtifactInvalid, err, "读取产物失败: "+path)
	}
	var art Artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, xerrors.Wrap(web3.CodeArtifactInvalid, err, "解析产物失败: "+path)
	}
	if len(art.RawABI) == 0 {
		return nil, xerrors.New(web3.CodeArtifactInvalid, "产物缺少 ABI: "+path)
	}
	parsed, err := abi.JSON(bytes.NewReader(art.RawABI))
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeArtifactInvalid, err, "解析 ABI 失败: "+path)
	}
	art.ABI = parsed
	art.path = path
	return &art, nil
}
