package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/pkg/logger"
)

const (
	defaultBaseURL   = "https://api.ora.io/v1"
	defaultModelName = "ora/opagent"
	defaultTimeout   = 60 * time.Second
)

// OffchainConfig 描述了调用 ORA Agents API 所需的信息。
type OffchainConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Request 是一次链下对话请求。
type Request struct {
	Prompt          string
	RegisterHash    common.Hash
	ContractAddress common.Address
}

// OffchainClient 通过 HTTP 与已注册的 OPAgent 对话。
type OffchainClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOffchainClient 根据配置创建客户端。
func NewOffchainClient(cfg OffchainConfig) (*OffchainClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 ORA API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &OffchainClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model           string    `json:"model"`
	Messages        []message `json:"messages"`
	RegisterHash    string    `json:"registerHash"`
	ContractAddress string    `json:"contractAddress"`
}

// Send 发送提示词并返回第一条回复内容。
func (c *OffchainClient) Send(ctx context.Context, req Request) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "提示词不能为空")
	}
	if req.RegisterHash == (common.Hash{}) || req.ContractAddress == (common.Address{}) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少 registerHash 或 contractAddress，请先完成注册")
	}

	payload, err := json.Marshal(chatPayload{
		Model:           c.model,
		Messages:        []message{{Role: "user", Content: prompt}},
		RegisterHash:    req.RegisterHash.Hex(),
		ContractAddress: req.ContractAddress.Hex(),
	})
	if err != nil {
		return "", fmt.Errorf("序列化对话请求失败: %w", err)
	}

	endpoint := c.baseURL + "/agents/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建对话请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	logger.Named("chat").Debug("发送链下对话请求",
		slog.String("endpoint", endpoint),
		slog.String("contract", req.ContractAddress.Hex()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求 ORA 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("ORA 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析 ORA 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("ORA 响应中没有有效的 choices")
	}
	return decoded.Choices[0].Message.Content, nil
}
