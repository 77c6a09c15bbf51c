// Package types contains public API types for the toolbox.
// These types form the external interface (HTTP, MCP, journal) and must remain backwards-compatible.
package types

import (
	"fmt"
	"time"
)

// ContractName identifies one of the memoized fixture contracts.
type ContractName string

const (
	ContractWETH     ContractName = "weth"
	ContractDAI      ContractName = "dai"
	ContractUSDC     ContractName = "usdc"
	ContractExchange ContractName = "exchange"
	ContractFactory  ContractName = "factory"
	ContractRouter   ContractName = "router"
	ContractPair     ContractName = "pair"
)

// FixtureContracts lists the memoized contracts in listing order.
var FixtureContracts = []ContractName{
	ContractWETH,
	ContractDAI,
	ContractUSDC,
	ContractFactory,
	ContractRouter,
	ContractExchange,
}

// ParseContractName validates a user-supplied contract name.
func ParseContractName(s string) (ContractName, error) {
	name := ContractName(s)
	for _, c := range FixtureContracts {
		if c == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown contract: %s (valid: weth, dai, usdc, exchange, factory, router)", s)
}

// EventKind is the type of a toolbox event.
type EventKind string

const (
	EventDeployed    EventKind = "deployed"
	EventPoolCreated EventKind = "pool_created"
	EventFailed      EventKind = "failed"
)

// DeploymentRecord is a journaled contract deployment.
type DeploymentRecord struct {
	ID          int64        `json:"id,omitempty"`
	ChainID     int64        `json:"chainId"`
	Contract    ContractName `json:"contract"`
	Address     string       `json:"address"`
	TxHash      string       `json:"txHash"`
	Deployer    string       `json:"deployer"`
	GasUsed     uint64       `json:"gasUsed"`
	BlockNumber uint64       `json:"blockNumber"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// PoolRecord is a journaled AMM pool creation.
type PoolRecord struct {
	ID        int64     `json:"id,omitempty"`
	ChainID   int64     `json:"chainId"`
	Factory   string    `json:"factory"`
	Token0    string    `json:"token0"`
	Token1    string    `json:"token1"`
	Pair      string    `json:"pair"`
	TxHash    string    `json:"txHash"`
	CreatedAt time.Time `json:"createdAt"`
}

// PaginatedDeployments is a page of journaled deployments.
type PaginatedDeployments struct {
	Deployments []DeploymentRecord `json:"deployments"`
	Total       int                `json:"total"`
	Limit       int                `json:"limit"`
	Offset      int                `json:"offset"`
}

// Event is published whenever the toolbox deploys a contract or creates a pool.
type Event struct {
	Kind      EventKind    `json:"kind"`
	Contract  ContractName `json:"contract"`
	Address   string       `json:"address,omitempty"`
	TxHash    string       `json:"txHash,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ContractInfo is the external view of a resolved contract.
type ContractInfo struct {
	Name    ContractName `json:"name"`
	Address string       `json:"address"`
	TxHash  string       `json:"txHash,omitempty"`
}

// PoolInfo is the external view of a resolved pool.
type PoolInfo struct {
	Token0 string `json:"token0"`
	Token1 string `json:"token1"`
	Pair   string `json:"pair"`
}

// ChainInfo describes the connected node.
type ChainInfo struct {
	ChainID  int64    `json:"chainId"`
	Accounts []string `json:"accounts"`
}

// CreatePoolRequest is the request body for POST /v1/pools.
type CreatePoolRequest struct {
	TokenA string `json:"tokenA"`
	TokenB string `json:"tokenB"`
	Sender string `json:"sender,omitempty"`
}

// GiveWethRequest is the request body for POST /v1/weth.
type GiveWethRequest struct {
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"` // decimal wei
	Sender   string `json:"sender,omitempty"`
}
