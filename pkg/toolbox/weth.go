package toolbox

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Consensys/defi-fuzzing-toolbox/internal/contract"
)

// GiveWethTo wraps amount wei of the sender's ether and transfers the wrapped
// tokens to receiver. The wrapped token is deployed if missing.
func (t *Toolbox) GiveWethTo(ctx context.Context, receiver Addressable, amount *big.Int, opts ...CallOption) error {
	if receiver == nil || amount == nil || amount.Sign() < 0 {
		return &Error{Op: "GiveWethTo", Kind: ErrInvalidArgument, Err: fmt.Errorf("receiver and a non-negative amount are required")}
	}
	o := applyCallOptions(opts)

	weth, err := t.WrappedToken(ctx)
	if err != nil {
		return err
	}

	if _, err := t.Transact(ctx, weth, "deposit", nil, From(o.from), WithValue(amount)); err != nil {
		return classify("GiveWethTo", err)
	}
	if _, err := t.Transact(ctx, weth, "transfer", []interface{}{receiver.Address(), amount}, From(o.from)); err != nil {
		return classify("GiveWethTo", err)
	}
	return nil
}

// Transact sends method on c from the resolved sender and waits for the
// receipt. A reverted transaction returns its receipt together with
// ErrTransactionReverted.
func (t *Toolbox) Transact(ctx context.Context, c *Contract, method string, args []interface{}, opts ...CallOption) (*gethtypes.Receipt, error) {
	o := applyCallOptions(opts)
	from, err := t.ResolveSender(ctx, o.from)
	if err != nil {
		return nil, err
	}

	receipt, err := t.deployer.Transact(ctx, contract.Call{
		Contract: c.BoundContract,
		From:     from,
		Value:    o.value,
		GasLimit: o.gasLimit,
		Method:   method,
		Args:     args,
	})
	if err != nil {
		return receipt, classify("Transact", fmt.Errorf("%s.%s: %w", c.Name, method, err))
	}
	return receipt, nil
}

// Call runs a read-only method on c against the latest block.
func (t *Toolbox) Call(ctx context.Context, c *Contract, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.BoundContract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		if contract.IsRevert(err) {
			err = fmt.Errorf("%w: %v", ErrTransactionReverted, err)
		}
		return nil, classify("Call", fmt.Errorf("%s.%s: %w", c.Name, method, err))
	}
	return out, nil
}
