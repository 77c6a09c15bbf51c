package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{int64(1234567), "1,234,567"},
		{uint64(100000), "100,000"},
		{float64(42000), "42,000"},
		{1.5, "1.5"},
		{-1234, "-1,234"},
		{"n/a", "n/a"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatWei(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"1000000000000000000", "1 ETH (1000000000000000000 wei)"},
		{"500000000000000000", "0.5 ETH (500000000000000000 wei)"},
		{"10000000000", "0.00000001 ETH (10000000000 wei)"},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		if got := formatWei(tt.in); got != tt.want {
			t.Errorf("formatWei(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDeployments(t *testing.T) {
	raw := json.RawMessage(`{
		"deployments": [
			{"contract": "router", "address": "0xRouter", "deployer": "0xDeployer", "txHash": "0xabc", "blockNumber": 3, "createdAt": "2024-05-01T10:00:00Z"}
		],
		"total": 1234, "limit": 10, "offset": 0
	}`)
	out := formatDeployments(raw)
	for _, want := range []string{"## Deployment History", "1,234", "### router", "0xRouter", "2024-05-01 10:00:00"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatDeployments() missing %q:\n%s", want, out)
		}
	}

	empty := formatDeployments(json.RawMessage(`{"deployments": [], "total": 0}`))
	if !strings.Contains(empty, "No deployments found.") {
		t.Errorf("empty history = %q", empty)
	}
}

func TestFormatChainInfoAndContracts(t *testing.T) {
	out := formatChainInfo(json.RawMessage(`{"chainId": 1337, "accounts": ["0xA", "0xB"]}`))
	for _, want := range []string{"1337", "Accounts (2)", "[1] 0xB"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatChainInfo() missing %q:\n%s", want, out)
		}
	}

	if out := formatContracts(json.RawMessage(`[]`)); !strings.Contains(out, "No contracts deployed yet.") {
		t.Errorf("formatContracts(empty) = %q", out)
	}
	out = formatContracts(json.RawMessage(`[{"name": "weth", "address": "0xWeth"}]`))
	if !strings.Contains(out, "Deployed Contracts (1)") || !strings.Contains(out, "0xWeth") {
		t.Errorf("formatContracts() = %q", out)
	}

	out = formatContract("Contract Ready", json.RawMessage(`{"name": "dai", "address": "0xDai"}`))
	if strings.Contains(out, "Deploy TX") {
		t.Errorf("empty tx hash should be omitted:\n%s", out)
	}
}

func TestClient(t *testing.T) {
	var gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/pools":
			b, _ := io.ReadAll(r.Body)
			gotBody = string(b)
			if r.Header.Get("Content-Type") != "application/json" {
				w.WriteHeader(http.StatusUnsupportedMediaType)
				return
			}
			w.Write([]byte(`{"pair": "0xPair"}`))
		case "/v1/contracts/pair":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": "unknown contract: pair"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL + "/")
	ctx := context.Background()

	raw, err := c.Post(ctx, "/v1/pools", map[string]any{"tokenA": "weth", "tokenB": "dai"})
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if !strings.Contains(string(raw), "0xPair") || !strings.Contains(gotBody, `"tokenA":"weth"`) {
		t.Errorf("Post() = %s, sent %s", raw, gotBody)
	}

	_, err = c.Post(ctx, "/v1/contracts/pair", nil)
	if err == nil || err.Error() != "HTTP 400: unknown contract: pair" {
		t.Errorf("Post() error = %v, want API error message", err)
	}

	_, err = c.Get(ctx, "/v1/chain")
	if err == nil || !strings.Contains(err.Error(), "HTTP 502: upstream down") {
		t.Errorf("Get() error = %v", err)
	}
}
