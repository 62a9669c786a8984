package verify

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/pkg/logger"
)

const (
	defaultAPIURL       = "https://api.etherscan.io/v2/api"
	defaultPollInterval = 5 * time.Second
	defaultMaxAttempts  = 12
	defaultTimeout      = 30 * time.Second
)

// CodeVerifyFailed 表示源码验证未通过。验证失败不会中断部署流程。
const CodeVerifyFailed xerrors.Code = "VERIFY_FAILED"

func init() {
	xerrors.Register(CodeVerifyFailed, xerrors.Attributes{
		Message:   "source verification failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Request 是一次源码验证请求。
type Request struct {
	Address common.Address
	// ContractName 是 <source>:<Name> 形式的全名。
	ContractName string
	// CompilerVersion 是 solc 长版本号，例如 0.8.28+commit.7893614a。
	CompilerVersion string
	// StandardJSONInput 是已注入库地址的 solc standard-json 输入。
	StandardJSONInput []byte
	// ConstructorArguments 是 ABI 编码的构造参数。
	ConstructorArguments []byte
}

// Verifier 提交并确认源码验证。
type Verifier interface {
	Verify(ctx context.Context, req Request) error
}

// EtherscanConfig 描述 Etherscan API 的访问参数。
type EtherscanConfig struct {
	APIURL       string
	APIKey       string
	ChainID      int64
	PollInterval time.Duration
	MaxAttempts  int
	Timeout      time.Duration
}

// EtherscanClient 通过 Etherscan v2 API 验证合约源码。
type EtherscanClient struct {
	apiURL       string
	apiKey       string
	chainID      int64
	pollInterval time.Duration
	maxAttempts  int
	httpClient   *http.Client
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewEtherscanClient 根据配置创建客户端。
func NewEtherscanClient(cfg EtherscanConfig) (*EtherscanClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 Etherscan API Key")
	}
	apiURL := strings.TrimSpace(cfg.APIURL)
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &EtherscanClient{
		apiURL:       apiURL,
		apiKey:       apiKey,
		chainID:      cfg.ChainID,
		pollInterval: interval,
		maxAttempts:  attempts,
		httpClient:   &http.Client{Timeout: timeout},
		sleep:        sleepContext,
	}, nil
}

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  string `json:"result"`
}

func (r apiResponse) ok() bool { return r.Status == "1" }

// Verify 提交验证请求并等待结果。"已验证" 视为成功。
func (c *EtherscanClient) Verify(ctx context.Context, req Request) error {
	if req.ContractName == "" || req.CompilerVersion == "" || len(req.StandardJSONInput) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "验证请求缺少合约名、编译器版本或源码")
	}
	log := logger.Named("verify").With(slog.String("address", req.Address.Hex()))

	form := url.Values{}
	form.Set("module", "contract")
	form.Set("action", "verifysourcecode")
	form.Set("apikey", c.apiKey)
	form.Set("contractaddress", req.Address.Hex())
	form.Set("sourceCode", string(req.StandardJSONInput))
	form.Set("codeformat", "solidity-standard-json-input")
	form.Set("contractname", req.ContractName)
	form.Set("compilerversion", compilerVersion(req.CompilerVersion))
	// Etherscan 的参数名就是这个拼写。
	form.Set("constructorArguements", hex.EncodeToString(req.ConstructorArguments))

	submitted, err := c.do(ctx, http.MethodPost, nil, form)
	if err != nil {
		return xerrors.Wrap(CodeVerifyFailed, err, "提交源码验证失败")
	}
	if !submitted.ok() {
		if alreadyVerified(submitted.Result) {
			log.Info("合约源码此前已验证")
			return nil
		}
		return xerrors.New(CodeVerifyFailed, "浏览器拒绝了验证请求: "+submitted.Result)
	}
	guid := strings.TrimSpace(submitted.Result)
	log.Info("源码验证已提交", slog.String("guid", guid))

	query := url.Values{}
	query.Set("module", "contract")
	query.Set("action", "checkverifystatus")
	query.Set("guid", guid)
	query.Set("apikey", c.apiKey)

	var last string
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return xerrors.Wrap(CodeVerifyFailed, err, "等待验证结果被取消")
		}
		status, err := c.do(ctx, http.MethodGet, query, nil)
		if err != nil {
			log.Warn("查询验证状态失败", slog.Int("attempt", attempt), slog.Any("error", err))
			last = err.Error()
			continue
		}
		last = status.Result
		switch {
		case status.ok() || alreadyVerified(status.Result):
			log.Info("源码验证通过", slog.String("result", status.Result))
			return nil
		case pending(status.Result):
			continue
		default:
			return xerrors.New(CodeVerifyFailed, "源码验证未通过: "+status.Result,
				xerrors.WithMetadata("guid", guid))
		}
	}
	return xerrors.New(CodeVerifyFailed,
		fmt.Sprintf("在 %d 次查询内未得到验证结果: %s", c.maxAttempts, last),
		xerrors.WithMetadata("guid", guid))
}

func (c *EtherscanClient) do(ctx context.Context, method string, query, form url.Values) (apiResponse, error) {
	endpoint, err := url.Parse(c.apiURL)
	if err != nil {
		return apiResponse{}, fmt.Errorf("非法的 Etherscan 地址: %w", err)
	}
	q := endpoint.Query()
	if c.chainID > 0 {
		q.Set("chainid", strconv.FormatInt(c.chainID, 10))
	}
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	endpoint.RawQuery = q.Encode()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("构建 Etherscan 请求失败: %w", err)
	}
	if form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apiResponse{}, fmt.Errorf("请求 Etherscan 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return apiResponse{}, fmt.Errorf("Etherscan 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return apiResponse{}, fmt.Errorf("解析 Etherscan 响应失败: %w", err)
	}
	return decoded, nil
}

func compilerVersion(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func alreadyVerified(result string) bool {
	return strings.Contains(strings.ToLower(result), "already verified")
}

func pending(result string) bool {
	lower := strings.ToLower(result)
	return strings.Contains(lower, "pending") || strings.Contains(lower, "in progress") ||
		strings.Contains(lower, "rate limit")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Verifier = (*EtherscanClient)(nil)
