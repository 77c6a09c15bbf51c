package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/require"

	"github.com/Consensys/defi-fuzzing-toolbox/internal/account"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/testchain"
)

const pokeABI = `[{"type":"function","name":"poke","inputs":[],"outputs":[],"stateMutability":"payable"}]`

func newTestDeployer(t *testing.T) (*Deployer, *testchain.Chain, common.Address) {
	t.Helper()
	chain := testchain.New(t, 1)
	client := chain.Client()

	keys := account.NewKeyring(client, nil)
	from := keys.Add(chain.Keys[0])

	d := NewDeployer(client, keys, func(context.Context) (*big.Int, error) {
		return testchain.ChainID, nil
	}, nil)
	d.SetPollInterval(10 * time.Millisecond)
	d.SetReceiptTimeout(10 * time.Second)
	return d, chain, from
}

func TestDeploy(t *testing.T) {
	d, chain, from := newTestDeployer(t)
	ctx := context.Background()

	dep, err := d.Deploy(ctx, Request{
		Name:     "answer",
		From:     from,
		Bytecode: testchain.InitCode(testchain.ReturnFortyTwo),
	})
	require.NoError(t, err)
	require.Equal(t, "answer", dep.Name)
	require.Equal(t, types.ReceiptStatusSuccessful, dep.Receipt.Status)
	require.Equal(t, uint64(0), dep.Tx.Nonce())

	code, err := chain.Client().CodeAt(ctx, dep.Address, nil)
	require.NoError(t, err)
	require.Equal(t, testchain.ReturnFortyTwo, code)

	// Next deployment uses the next nonce without going back to the node.
	dep2, err := d.Deploy(ctx, Request{
		Name:     "answer2",
		From:     from,
		Bytecode: testchain.InitCode(testchain.ReturnFortyTwo),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), dep2.Tx.Nonce())
	require.NotEqual(t, dep.Address, dep2.Address)
}

func TestDeployRevertedDuringEstimation(t *testing.T) {
	d, chain, from := newTestDeployer(t)
	ctx := context.Background()

	_, err := d.Deploy(ctx, Request{Name: "broken", From: from, Bytecode: testchain.Revert})
	require.ErrorIs(t, err, ErrReverted)

	// The nonce was rolled back, so the next deployment still uses nonce 0.
	dep, err := d.Deploy(ctx, Request{
		Name:     "answer",
		From:     from,
		Bytecode: testchain.InitCode(testchain.ReturnFortyTwo),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), dep.Tx.Nonce())

	pending, err := chain.Client().PendingNonceAt(ctx, from)
	require.NoError(t, err)
	require.Equal(t, uint64(1), pending)
}

func TestDeployRevertedOnChain(t *testing.T) {
	d, _, from := newTestDeployer(t)

	_, err := d.Deploy(context.Background(), Request{
		Name:     "broken",
		From:     from,
		Bytecode: testchain.Revert,
		GasLimit: 1_000_000,
	})
	require.ErrorIs(t, err, ErrReverted)
	require.Contains(t, err.Error(), "broken")
}

func TestDeployNoCode(t *testing.T) {
	d, _, from := newTestDeployer(t)

	// Init code that returns nothing succeeds but leaves an empty account.
	_, err := d.Deploy(context.Background(), Request{
		Name:     "empty",
		From:     from,
		Bytecode: testchain.Stop,
		GasLimit: 100_000,
	})
	require.ErrorIs(t, err, ErrReverted)
	require.True(t, strings.Contains(err.Error(), "no code"))
}

func TestDeployUnknownSender(t *testing.T) {
	d, _, _ := newTestDeployer(t)

	_, err := d.Deploy(context.Background(), Request{
		Name:     "answer",
		From:     common.HexToAddress("0xdead"),
		Bytecode: testchain.InitCode(testchain.ReturnFortyTwo),
	})
	require.ErrorIs(t, err, account.ErrNoSigner)
}

func TestTransact(t *testing.T) {
	d, chain, from := newTestDeployer(t)
	ctx := context.Background()

	parsed, err := abi.JSON(strings.NewReader(pokeABI))
	require.NoError(t, err)

	ok, err := d.Deploy(ctx, Request{Name: "sink", From: from, ABI: parsed, Bytecode: testchain.InitCode(testchain.Stop)})
	require.NoError(t, err)

	receipt, err := d.Transact(ctx, Call{
		Contract: ok.Contract,
		From:     from,
		Value:    big.NewInt(7),
		Method:   "poke",
	})
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	balance, err := chain.Client().BalanceAt(ctx, ok.Address, nil)
	require.NoError(t, err)
	require.Equal(t, int64(7), balance.Int64())

	bad, err := d.Deploy(ctx, Request{Name: "wall", From: from, ABI: parsed, Bytecode: testchain.InitCode(testchain.Revert)})
	require.NoError(t, err)

	_, err = d.Transact(ctx, Call{Contract: bad.Contract, From: from, Method: "poke"})
	require.ErrorIs(t, err, ErrTxReverted)

	receipt, err = d.Transact(ctx, Call{Contract: bad.Contract, From: from, Method: "poke", GasLimit: 100_000})
	require.ErrorIs(t, err, ErrTxReverted)
	require.NotNil(t, receipt)
	require.Equal(t, types.ReceiptStatusFailed, receipt.Status)
}

// heldReceipts hides receipts while hold is set, as a node that is slow to
// index mined blocks would.
type heldReceipts struct {
	simulated.Client
	hold atomic.Bool
}

func (h *heldReceipts) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if h.hold.Load() {
		return nil, ethereum.NotFound
	}
	return h.Client.TransactionReceipt(ctx, txHash)
}

func newHeldDeployer(t *testing.T) (*Deployer, *heldReceipts, *testchain.Chain, common.Address) {
	t.Helper()
	chain := testchain.New(t, 1)
	backend := &heldReceipts{Client: chain.Client()}
	backend.hold.Store(true)

	keys := account.NewKeyring(backend, nil)
	from := keys.Add(chain.Keys[0])

	d := NewDeployer(backend, keys, func(context.Context) (*big.Int, error) {
		return testchain.ChainID, nil
	}, nil)
	d.SetPollInterval(10 * time.Millisecond)
	d.SetReceiptTimeout(50 * time.Millisecond)
	return d, backend, chain, from
}

func TestDeployTimeoutLeavesPendingDeployment(t *testing.T) {
	d, backend, chain, from := newHeldDeployer(t)
	ctx := context.Background()

	_, err := d.Deploy(ctx, Request{Name: "answer", From: from, Bytecode: testchain.InitCode(testchain.ReturnFortyTwo)})
	require.ErrorIs(t, err, ErrReceiptTimeout)
	var pending *PendingError
	require.ErrorAs(t, err, &pending)
	require.Equal(t, crypto.CreateAddress(from, 0), pending.Address)

	_, err = d.ResumeTransact(ctx, pending)
	require.Error(t, err)

	backend.hold.Store(false)
	d.SetReceiptTimeout(10 * time.Second)
	dep, err := d.ResumeDeploy(ctx, pending)
	require.NoError(t, err)
	require.Equal(t, pending.Address, dep.Address)
	require.Equal(t, pending.Tx.Hash(), dep.Tx.Hash())

	code, err := chain.Client().CodeAt(ctx, dep.Address, nil)
	require.NoError(t, err)
	require.Equal(t, testchain.ReturnFortyTwo, code)

	nonce, err := chain.Client().PendingNonceAt(ctx, from)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)
}

func TestTransactTimeoutLeavesPendingTransaction(t *testing.T) {
	d, backend, chain, from := newHeldDeployer(t)
	ctx := context.Background()

	parsed, err := abi.JSON(strings.NewReader(pokeABI))
	require.NoError(t, err)

	backend.hold.Store(false)
	sink, err := d.Deploy(ctx, Request{Name: "sink", From: from, ABI: parsed, Bytecode: testchain.InitCode(testchain.Stop)})
	require.NoError(t, err)

	backend.hold.Store(true)
	_, err = d.Transact(ctx, Call{Contract: sink.Contract, From: from, Value: big.NewInt(3), Method: "poke"})
	require.ErrorIs(t, err, ErrReceiptTimeout)
	var pending *PendingError
	require.ErrorAs(t, err, &pending)
	require.Equal(t, common.Address{}, pending.Address)

	_, err = d.ResumeDeploy(ctx, pending)
	require.Error(t, err)

	backend.hold.Store(false)
	d.SetReceiptTimeout(10 * time.Second)
	receipt, err := d.ResumeTransact(ctx, pending)
	require.NoError(t, err)
	require.Equal(t, pending.Tx.Hash(), receipt.TxHash)

	balance, err := chain.Client().BalanceAt(ctx, sink.Address, nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), balance.Int64())
}

func TestWaitMinedTimeout(t *testing.T) {
	d, _, _ := newTestDeployer(t)
	d.SetReceiptTimeout(30 * time.Millisecond)

	tx := types.NewTx(&types.LegacyTx{Nonce: 99})
	_, err := d.waitMined(context.Background(), tx)
	require.ErrorIs(t, err, ErrReceiptTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.waitMined(ctx, tx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsRevert(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"estimation", errors.New("failed to estimate gas needed: execution reverted"), true},
		{"with reason", errors.New("execution reverted: UniswapV2: PAIR_EXISTS"), true},
		{"nonce", errors.New("nonce too low"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsRevert(tt.err))
		})
	}
}

func TestClassifySendError(t *testing.T) {
	revert := errors.New("failed to estimate gas needed: execution reverted")
	require.ErrorIs(t, classifySendError(revert, ErrReverted), ErrReverted)

	other := errors.New("connection refused")
	require.Equal(t, other, classifySendError(other, ErrReverted))
}
