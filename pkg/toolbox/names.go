package toolbox

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Consensys/defi-fuzzing-toolbox/internal/lazy"
	"github.com/Consensys/defi-fuzzing-toolbox/pkg/types"
)

// ByName resolves a fixture contract by name, deploying it if needed.
func (t *Toolbox) ByName(ctx context.Context, name types.ContractName, opts ...CallOption) (*Contract, error) {
	switch name {
	case types.ContractWETH:
		return t.WrappedToken(ctx, opts...)
	case types.ContractDAI:
		return t.StablecoinA(ctx, opts...)
	case types.ContractUSDC:
		return t.StablecoinB(ctx, opts...)
	case types.ContractExchange:
		return t.Exchange(ctx, opts...)
	case types.ContractFactory:
		return t.AmmFactory(ctx, opts...)
	case types.ContractRouter:
		return t.AmmRouter(ctx, opts...)
	}
	_, err := types.ParseContractName(string(name))
	return nil, &Error{Op: "ByName", Kind: ErrInvalidArgument, Err: err}
}

// ResolveToken turns a hex address or a fixture contract name into an
// address. Names are deployed if needed.
func (t *Toolbox) ResolveToken(ctx context.Context, s string) (Addressable, error) {
	if common.IsHexAddress(s) {
		return HexAddr(s), nil
	}
	name, err := types.ParseContractName(s)
	if err != nil {
		return nil, &Error{Op: "ResolveToken", Kind: ErrInvalidArgument, Err: err}
	}
	return t.ByName(ctx, name)
}

// Deployed returns the fixture contracts resolved so far, in the order of
// types.FixtureContracts regardless of when each was deployed.
func (t *Toolbox) Deployed() []types.ContractInfo {
	var out []types.ContractInfo
	for _, name := range types.FixtureContracts {
		if c, ok := t.Peek(name); ok {
			out = append(out, c.Info())
		}
	}
	return out
}

// Peek returns a fixture contract if it has been deployed, without deploying it.
func (t *Toolbox) Peek(name types.ContractName) (*Contract, bool) {
	cell := t.cell(name)
	if cell == nil {
		return nil, false
	}
	return cell.Peek()
}

func (t *Toolbox) cell(name types.ContractName) *lazy.Cell[*Contract] {
	switch name {
	case types.ContractWETH:
		return &t.weth
	case types.ContractDAI:
		return &t.dai
	case types.ContractUSDC:
		return &t.usdc
	case types.ContractExchange:
		return &t.exchange
	case types.ContractFactory:
		return &t.factory
	case types.ContractRouter:
		return &t.router
	}
	return nil
}
