package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OPAgent-Chain/internal/errors"
)

// CurrentVersion 是当前检查点结构的版本号。
const CurrentVersion = 1

// Address 是带“未设置”语义的地址。零地址是合法的已设置值，与未设置严格区分。
type Address struct {
	addr common.Address
	set  bool
}

// NewAddress 返回一个已设置的地址。
func NewAddress(addr common.Address) Address {
	return Address{addr: addr, set: true}
}

// ParseAddress 解析十六进制地址，空串表示未设置。
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return Address{}, fmt.Errorf("非法的地址: %q", raw)
	}
	return NewAddress(common.HexToAddress(raw)), nil
}

// IsSet 返回地址是否已设置。
func (a Address) IsSet() bool { return a.set }

// Value 返回地址值，未设置时为零地址。
func (a Address) Value() common.Address { return a.addr }

// Get 同时返回地址与是否设置。
func (a Address) Get() (common.Address, bool) { return a.addr, a.set }

// String 返回校验和格式的地址，未设置时返回空串。
func (a Address) String() string {
	if !a.set {
		return ""
	}
	return a.addr.Hex()
}

// MarshalJSON 实现 json.Marshaler。
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (a *Address) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*a = Address{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseAddress(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Hash 是 32 字节的注册标记。全零即未设置。
type Hash struct {
	hash common.Hash
}

// NewHash 构造注册标记。
func NewHash(h common.Hash) Hash { return Hash{hash: h} }

// IsSet 返回标记是否非零。
func (h Hash) IsSet() bool { return h.hash != (common.Hash{}) }

// Value 返回原始哈希。
func (h Hash) Value() common.Hash { return h.hash }

// String 返回十六进制哈希，未设置时返回空串。
func (h Hash) String() string {
	if !h.IsSet() {
		return ""
	}
	return h.hash.Hex()
}

// MarshalJSON 实现 json.Marshaler。
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (h *Hash) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*h = Hash{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*h = Hash{}
		return nil
	}
	decoded := common.FromHex(raw)
	if len(decoded) != common.HashLength {
		return fmt.Errorf("非法的哈希: %q", raw)
	}
	*h = NewHash(common.BytesToHash(decoded))
	return nil
}

// Record 是持久化的部署进度。字段名与原有的 deploy-config.json 保持一致，
// 外部脚本依赖 opAgentContract 与 registerHash 两个字段。
type Record struct {
	Version         int     `json:"version"`
	UtilsLibAddr    Address `json:"utilsLibAddr"`
	ContractName    string  `json:"contractName"`
	OPAgentContract Address `json:"opAgentContract"`
	AIOracleAddress Address `json:"aiOracleAddress"`
	ModelName       string  `json:"modelName"`
	SystemPrompt    string  `json:"systemPrompt"`
	IsVerified      bool    `json:"isVerified"`
	HasRegistered   bool    `json:"hasRegistered"`
	RegisterHash    Hash    `json:"registerHash"`

	// extra 保留文件中未识别的字段，写回时原样输出。
	extra map[string]json.RawMessage
}

type recordFields Record

var knownFields = []string{
	"version", "utilsLibAddr", "contractName", "opAgentContract", "aiOracleAddress",
	"modelName", "systemPrompt", "isVerified", "hasRegistered", "registerHash",
}

// MarshalJSON 实现 json.Marshaler，合并未识别字段。
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Version == 0 {
		r.Version = CurrentVersion
	}
	encoded, err := json.Marshal(recordFields(r))
	if err != nil {
		return nil, err
	}
	if len(r.extra) == 0 {
		return encoded, nil
	}
	merged := make(map[string]json.RawMessage, len(r.extra)+len(knownFields))
	for k, v := range r.extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (r *Record) UnmarshalJSON(data []byte) error {
	var fields recordFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownFields {
		delete(all, k)
	}
	*r = Record(fields)
	if len(all) > 0 {
		r.extra = all
	}
	return nil
}

// Clone 返回记录的深拷贝。
func (r Record) Clone() Record {
	if r.extra != nil {
		extra := make(map[string]json.RawMessage, len(r.extra))
		for k, v := range r.extra {
			extra[k] = append(json.RawMessage(nil), v...)
		}
		r.extra = extra
	}
	return r
}

// Validate 检查记录自身的不变量。
func (r Record) Validate() error {
	if r.Version > CurrentVersion {
		return xerrors.New(CodeCheckpointInvalid, fmt.Sprintf("不支持的检查点版本 %d", r.Version))
	}
	if r.OPAgentContract.IsSet() && !r.UtilsLibAddr.IsSet() {
		return xerrors.New(CodeCheckpointInvalid, "opAgentContract 已设置但 utilsLibAddr 为空")
	}
	if r.HasRegistered && !r.RegisterHash.IsSet() {
		return xerrors.New(CodeCheckpointInvalid, "hasRegistered 为 true 但 registerHash 为零")
	}
	if r.IsVerified && !r.OPAgentContract.IsSet() {
		return xerrors.New(CodeCheckpointInvalid, "isVerified 为 true 但合约尚未部署")
	}
	return nil
}

// CheckAdvance 确认 next 是 prev 的单调推进：已写入的值不会被清空或改写。
// registerHash 仅在 hasRegistered 为 true 后冻结。
func CheckAdvance(prev, next Record) error {
	regress := func(field string) error {
		return xerrors.New(CodeCheckpointRegression, "检查点字段发生回退: "+field,
			xerrors.WithMetadata("field", field))
	}
	if prev.UtilsLibAddr.IsSet() && next.UtilsLibAddr != prev.UtilsLibAddr {
		return regress("utilsLibAddr")
	}
	if prev.OPAgentContract.IsSet() && next.OPAgentContract != prev.OPAgentContract {
		return regress("opAgentContract")
	}
	if prev.HasRegistered && next.RegisterHash != prev.RegisterHash {
		return regress("registerHash")
	}
	if prev.IsVerified && !next.IsVerified {
		return regress("isVerified")
	}
	if prev.HasRegistered && !next.HasRegistered {
		return regress("hasRegistered")
	}
	if prev.OPAgentContract.IsSet() {
		if next.ContractName != prev.ContractName {
			return regress("contractName")
		}
		if next.AIOracleAddress != prev.AIOracleAddress || next.ModelName != prev.ModelName || next.SystemPrompt != prev.SystemPrompt {
			return regress("constructor parameters")
		}
	}
	return nil
}

// Equal 判断两条记录的已知字段是否一致。
func (r Record) Equal(other Record) bool {
	version := func(v int) int {
		if v == 0 {
			return CurrentVersion
		}
		return v
	}
	return version(r.Version) == version(other.Version) &&
		r.UtilsLibAddr == other.UtilsLibAddr &&
		r.ContractName == other.ContractName &&
		r.OPAgentContract == other.OPAgentContract &&
		r.AIOracleAddress == other.AIOracleAddress &&
		r.ModelName == other.ModelName &&
		r.SystemPrompt == other.SystemPrompt &&
		r.IsVerified == other.IsVerified &&
		r.HasRegistered == other.HasRegistered &&
		r.RegisterHash == other.RegisterHash
}
