package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	xerrors "OPAgent-Chain/internal/errors"
)

func TestNewOffchainClientRequiresKey(t *testing.T) {
	_, err := NewOffchainClient(OffchainConfig{})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestOffchainSend(t *testing.T) {
	var captured struct {
		Path          string
		Authorization string
		Body          chatPayload
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Path = r.URL.Path
		captured.Authorization = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured.Body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "hi there"}}},
		})
	}))
	defer srv.Close()

	client, err := NewOffchainClient(OffchainConfig{APIKey: "secret", BaseURL: srv.URL + "/v1/", Timeout: time.Second})
	require.NoError(t, err)
	client.httpClient = srv.Client()

	hash := common.HexToHash("0xbeef")
	addr := common.HexToAddress("0xa9e7")
	reply, err := client.Send(context.Background(), Request{Prompt: "hello", RegisterHash: hash, ContractAddress: addr})
	require.NoError(t, err)
	require.Equal(t, "hi there", reply)

	require.Equal(t, "/v1/agents/chat", captured.Path)
	require.Equal(t, "Bearer secret", captured.Authorization)
	require.Equal(t, "ora/opagent", captured.Body.Model)
	require.Equal(t, []message{{Role: "user", Content: "hello"}}, captured.Body.Messages)
	require.Equal(t, hash.Hex(), captured.Body.RegisterHash)
	require.Equal(t, addr.Hex(), captured.Body.ContractAddress)
}

func TestOffchainSendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewOffchainClient(OffchainConfig{APIKey: "secret", BaseURL: srv.URL})
	require.NoError(t, err)
	client.httpClient = srv.Client()

	_, err = client.Send(context.Background(), Request{Prompt: "hello", RegisterHash: common.HexToHash("0x1"), ContractAddress: common.HexToAddress("0x2")})
	require.ErrorContains(t, err, "401")
}

func TestOffchainSendRequiresRegistration(t *testing.T) {
	client, err := NewOffchainClient(OffchainConfig{APIKey: "secret"})
	require.NoError(t, err)
	_, err = client.Send(context.Background(), Request{Prompt: "hello"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}
