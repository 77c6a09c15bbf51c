package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all toolbox tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerChainInfo(s, client)
	registerHealth(s, client)
	registerContracts(s, client)
	registerDeploy(s, client)
	registerPools(s, client)
	registerCreatePool(s, client)
	registerGiveWeth(s, client)
	registerDeployments(s, client)
}

func registerChainInfo(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("toolbox_chain_info",
		gomcp.WithDescription("Get the chain id of the connected node and the accounts the toolbox can send from."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/chain")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Toolbox unreachable: %v\n\nIs it running? Try: toolbox serve", err)), nil
		}
		return gomcp.NewToolResultText(formatChainInfo(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("toolbox_health",
		gomcp.WithDescription("Quick health check for the toolbox. Checks node RPC connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Toolbox unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerContracts(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("toolbox_contracts",
		gomcp.WithDescription("List the fixture contracts deployed so far. Does not deploy anything."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/contracts")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Listing contracts failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatContracts(raw)), nil
	})
}

func registerDeploy(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("toolbox_deploy",
		gomcp.WithDescription("Deploy a fixture contract, or return it if already deployed. Prerequisites are deployed first. This is a MUTATING operation."),
		gomcp.WithString("name",
			gomcp.Required(),
			gomcp.Description("Contract: weth, dai, usdc, exchange, factory, router"),
		),
		gomcp.WithString("sender",
			gomcp.Description("Hex address to deploy from (default: first account)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return gomcp.NewToolResultError("name is required"), nil
		}
		var payload map[string]any
		if sender := req.GetString("sender", ""); sender != "" {
			payload = map[string]any{"sender": sender}
		}

		raw, err := client.Post(ctx, "/v1/contracts/"+url.PathEscape(strings.ToLower(name)), payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Deploy failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatContract("Contract Ready", raw)), nil
	})
}

func registerPools(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("toolbox_pools",
		gomcp.WithDescription("List the AMM pools created so far."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/pools")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Listing pools failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatPools(raw)), nil
	})
}

func registerCreatePool(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("toolbox_create_pool",
		gomcp.WithDescription("Create the AMM pool for a token pair, or return it if it exists. Token order does not matter. This is a MUTATING operation."),
		gomcp.WithString("token_a",
			gomcp.Required(),
			gomcp.Description("Hex address or fixture name (weth, dai, usdc)"),
		),
		gomcp.WithString("token_b",
			gomcp.Required(),
			gomcp.Description("Hex address or fixture name (weth, dai, usdc)"),
		),
		gomcp.WithString("sender",
			gomcp.Description("Hex address to send from (default: first account)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		tokenA, err := req.RequireString("token_a")
		if err != nil {
			return gomcp.NewToolResultError("token_a is required"), nil
		}
		tokenB, err := req.RequireString("token_b")
		if err != nil {
			return gomcp.NewToolResultError("token_b is required"), nil
		}

		payload := map[string]any{
			"tokenA": tokenA,
			"tokenB": tokenB,
		}
		if v := req.GetString("sender", ""); v != "" {
			payload["sender"] = v
		}

		raw, err := client.Post(ctx, "/v1/pools", payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Create pool failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatPool(raw)), nil
	})
}

func registerGiveWeth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("toolbox_give_weth",
		gomcp.WithDescription("Wrap ether and transfer the wrapped tokens to a receiver. This is a MUTATING operation."),
		gomcp.WithString("receiver",
			gomcp.Required(),
			gomcp.Description("Hex address receiving the WETH"),
		),
		gomcp.WithString("amount",
			gomcp.Required(),
			gomcp.Description("Amount in wei, as a decimal string"),
		),
		gomcp.WithString("sender",
			gomcp.Description("Hex address paying the ether (default: first account)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		receiver, err := req.RequireString("receiver")
		if err != nil {
			return gomcp.NewToolResultError("receiver is required"), nil
		}
		amount, err := req.RequireString("amount")
		if err != nil {
			return gomcp.NewToolResultError("amount is required"), nil
		}

		payload := map[string]any{
			"receiver": receiver,
			"amount":   amount,
		}
		if v := req.GetString("sender", ""); v != "" {
			payload["sender"] = v
		}

		if _, err := client.Post(ctx, "/v1/weth", payload); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Give WETH failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("WETH Sent"),
			kv("Receiver", receiver),
			kv("Amount", formatWei(amount)),
		)), nil
	})
}

func registerDeployments(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("toolbox_deployments",
		gomcp.WithDescription("List journaled deployments for the connected chain, newest first (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		path := fmt.Sprintf("/v1/deployments?limit=%d&offset=%d", limit, offset)

		raw, err := client.Get(ctx, path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Deployments failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatDeployments(raw)), nil
	})
}

// Response formatting functions

func formatChainInfo(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing chain info: %v", err)
	}

	lines := joinLines(
		section("Chain"),
		kv("Chain ID", int64(getNum(m, "chainId"))),
	)

	accounts, _ := m["accounts"].([]any)
	lines += "\n\n" + section(fmt.Sprintf("Accounts (%d)", len(accounts)))
	for i, a := range accounts {
		if s, ok := a.(string); ok {
			lines += fmt.Sprintf("\n  [%d] %s", i, s)
		}
	}
	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("Toolbox Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			if check, ok := c.(map[string]any); ok {
				name := getStr(check, "name")
				status := getStr(check, "status")
				latencyMs := getNum(check, "latency_ms")
				errMsg := getStr(check, "error")
				line := fmt.Sprintf("  %-15s %s (%dms)", name, status, int64(latencyMs))
				if errMsg != "" {
					line += " - " + errMsg
				}
				lines += "\n" + line
			}
		}
	}

	return lines
}

func formatContract(title string, raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing contract: %v", err)
	}
	return joinLines(
		section(title),
		kv("Name", getStr(m, "name")),
		kv("Address", getStr(m, "address")),
		optionalKV("Deploy TX", getStr(m, "txHash")),
	)
}

func formatContracts(raw json.RawMessage) string {
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Sprintf("Error parsing contracts: %v", err)
	}
	if len(list) == 0 {
		return joinLines(section("Deployed Contracts"), "No contracts deployed yet.")
	}

	lines := section(fmt.Sprintf("Deployed Contracts (%d)", len(list)))
	for _, c := range list {
		lines += "\n" + kv(getStr(c, "name"), getStr(c, "address"))
	}
	return lines
}

func formatPool(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing pool: %v", err)
	}
	return joinLines(
		section("Pool Ready"),
		kv("Pair", getStr(m, "pair")),
		kv("Token0", getStr(m, "token0")),
		kv("Token1", getStr(m, "token1")),
	)
}

func formatPools(raw json.RawMessage) string {
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Sprintf("Error parsing pools: %v", err)
	}
	if len(list) == 0 {
		return joinLines(section("Pools"), "No pools created yet.")
	}

	lines := section(fmt.Sprintf("Pools (%d)", len(list)))
	for _, p := range list {
		lines += fmt.Sprintf("\n  %s  %s / %s", getStr(p, "pair"), getStr(p, "token0"), getStr(p, "token1"))
	}
	return lines
}

func formatDeployments(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing deployments: %v", err)
	}

	total := getNum(m, "total")
	lines := joinLines(
		section("Deployment History"),
		kv("Total Deployments", formatNumber(total)),
		"",
	)

	deployments, ok := m["deployments"].([]any)
	if !ok || len(deployments) == 0 {
		lines += "\nNo deployments found."
		return lines
	}

	for _, d := range deployments {
		dep, ok := d.(map[string]any)
		if !ok {
			continue
		}

		// Parse and format the timestamp
		createdAt := getStr(dep, "createdAt")
		created := createdAt
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			created = t.Format("2006-01-02 15:04:05")
		}

		lines += fmt.Sprintf("\n\n### %s\n", getStr(dep, "contract"))
		lines += joinLines(
			kv("Address", getStr(dep, "address")),
			kv("Deployer", getStr(dep, "deployer")),
			optionalKV("TX", getStr(dep, "txHash")),
			kv("Block", formatNumber(getNum(dep, "blockNumber"))),
			kv("Deployed", created),
		)
	}

	return lines
}

func optionalKV(key, value string) string {
	if value == "" {
		return ""
	}
	return kv(key, value)
}
