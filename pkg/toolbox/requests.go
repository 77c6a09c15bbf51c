package toolbox

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Consensys/defi-fuzzing-toolbox/internal/uniswapv2"
	"github.com/Consensys/defi-fuzzing-toolbox/pkg/types"
)

// The methods in this file take user input as strings and back the HTTP,
// MCP and command line surfaces.

// DeployByName resolves the named fixture contract. sender is an optional
// hex address.
func (t *Toolbox) DeployByName(ctx context.Context, name, sender string) (types.ContractInfo, error) {
	cn, err := types.ParseContractName(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return types.ContractInfo{}, &Error{Op: "DeployByName", Kind: ErrInvalidArgument, Err: err}
	}
	opts, err := senderOption("DeployByName", sender)
	if err != nil {
		return types.ContractInfo{}, err
	}
	c, err := t.ByName(ctx, cn, opts...)
	if err != nil {
		return types.ContractInfo{}, err
	}
	return c.Info(), nil
}

// CreatePool resolves the pool for req. Tokens are hex addresses or fixture names.
func (t *Toolbox) CreatePool(ctx context.Context, req types.CreatePoolRequest) (types.PoolInfo, error) {
	if req.TokenA == "" || req.TokenB == "" {
		return types.PoolInfo{}, &Error{Op: "CreatePool", Kind: ErrInvalidArgument, Err: fmt.Errorf("tokenA and tokenB are required")}
	}
	opts, err := senderOption("CreatePool", req.Sender)
	if err != nil {
		return types.PoolInfo{}, err
	}
	tokenA, err := t.ResolveToken(ctx, req.TokenA)
	if err != nil {
		return types.PoolInfo{}, err
	}
	tokenB, err := t.ResolveToken(ctx, req.TokenB)
	if err != nil {
		return types.PoolInfo{}, err
	}

	pool, err := t.AmmPool(ctx, tokenA, tokenB, opts...)
	if err != nil {
		return types.PoolInfo{}, err
	}
	key := uniswapv2.NewPairKey(tokenA.Address(), tokenB.Address())
	return types.PoolInfo{
		Token0: key.Token0().Hex(),
		Token1: key.Token1().Hex(),
		Pair:   pool.Address().Hex(),
	}, nil
}

// FundWeth wraps and transfers req.Amount wei to req.Receiver.
func (t *Toolbox) FundWeth(ctx context.Context, req types.GiveWethRequest) error {
	if !common.IsHexAddress(req.Receiver) {
		return &Error{Op: "FundWeth", Kind: ErrInvalidArgument, Err: fmt.Errorf("invalid receiver %q", req.Receiver)}
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok || amount.Sign() < 0 {
		return &Error{Op: "FundWeth", Kind: ErrInvalidArgument, Err: fmt.Errorf("invalid amount %q", req.Amount)}
	}
	opts, err := senderOption("FundWeth", req.Sender)
	if err != nil {
		return err
	}
	return t.GiveWethTo(ctx, HexAddr(req.Receiver), amount, opts...)
}

// Ping asks the node for its chain id, bypassing the memoized value.
func (t *Toolbox) Ping(ctx context.Context) error {
	if _, err := t.backend.ChainID(ctx); err != nil {
		return classify("Ping", err)
	}
	return nil
}

func senderOption(op, sender string) ([]CallOption, error) {
	if sender == "" {
		return nil, nil
	}
	if !common.IsHexAddress(sender) {
		return nil, &Error{Op: op, Kind: ErrInvalidArgument, Err: fmt.Errorf("invalid sender %q", sender)}
	}
	return []CallOption{From(HexAddr(sender))}, nil
}
