package toolbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Consensys/defi-fuzzing-toolbox/internal/artifact"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/contract"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/uniswapv2"
	"github.com/Consensys/defi-fuzzing-toolbox/pkg/types"
)

// AmmPool returns the Uniswap V2 pair for the unordered pair {tokenA, tokenB}.
// The first request creates it through the factory (deploying the factory if
// needed); later requests in either token order return the cached pair.
func (t *Toolbox) AmmPool(ctx context.Context, tokenA, tokenB Addressable, opts ...CallOption) (*Contract, error) {
	if tokenA == nil || tokenB == nil {
		return nil, &Error{Op: "AmmPool", Kind: ErrInvalidArgument, Err: fmt.Errorf("both tokens are required")}
	}
	a, b := tokenA.Address(), tokenB.Address()
	key := uniswapv2.NewPairKey(a, b)

	pool, err := t.pools.Get(ctx, key, func(ctx context.Context) (*Contract, error) {
		return t.createPool(ctx, key, a, b, applyCallOptions(opts))
	})
	if err != nil {
		return nil, classify("AmmPool", err)
	}
	return pool, nil
}

func (t *Toolbox) createPool(ctx context.Context, key uniswapv2.PairKey, a, b common.Address, o *callOptions) (*Contract, error) {
	factory, err := t.AmmFactory(ctx, From(o.from))
	if err != nil {
		return nil, err
	}
	pairArt, err := t.store.Load(artifact.UniswapPair)
	if err != nil {
		return nil, err
	}

	var receipt *gethtypes.Receipt
	if p := t.takePendingPool(key); p != nil {
		receipt, err = t.deployer.ResumeTransact(ctx, p)
	} else {
		from, serr := t.ResolveSender(ctx, o.from)
		if serr != nil {
			return nil, serr
		}
		receipt, err = t.deployer.Transact(ctx, contract.Call{
			Contract: factory.BoundContract,
			From:     from,
			Method:   "createPair",
			Args:     []interface{}{a, b},
		})
	}
	if err != nil {
		var p *contract.PendingError
		if errors.As(err, &p) {
			t.keepPendingPool(key, p)
		}
		return nil, err
	}

	pairAddr, err := pairFromReceipt(receipt, factory.Address())
	if err != nil {
		return nil, err
	}

	pool := newContract(types.ContractPair, pairAddr, pairArt.ABI, receipt.TxHash, t.backend)
	t.metrics.RecordPoolCreated()
	t.logger.Info("Pool created",
		slog.String("pair", pairAddr.Hex()),
		slog.String("token0", key.Token0().Hex()),
		slog.String("token1", key.Token1().Hex()),
	)

	if t.journal != nil {
		if id, err := t.ChainID(ctx); err == nil {
			rec := &types.PoolRecord{
				ChainID: id.Int64(),
				Factory: factory.Address().Hex(),
				Token0:  key.Token0().Hex(),
				Token1:  key.Token1().Hex(),
				Pair:    pairAddr.Hex(),
				TxHash:  receipt.TxHash.Hex(),
			}
			if err := t.journal.RecordPool(ctx, rec); err != nil {
				t.logger.Warn("Failed to journal pool",
					slog.String("pair", pairAddr.Hex()),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	t.emit(types.Event{
		Kind:     types.EventPoolCreated,
		Contract: types.ContractPair,
		Address:  pairAddr.Hex(),
		TxHash:   receipt.TxHash.Hex(),
	})
	return pool, nil
}

func (t *Toolbox) keepPendingPool(key uniswapv2.PairKey, p *contract.PendingError) {
	t.pendingMu.Lock()
	t.pendingPools[key] = p
	t.pendingMu.Unlock()
}

func (t *Toolbox) takePendingPool(key uniswapv2.PairKey) *contract.PendingError {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	p := t.pendingPools[key]
	delete(t.pendingPools, key)
	return p
}

// pairFromReceipt extracts the pair address from the single PairCreated log
// emitted by factory. The pair is the first word of the log data; the tokens
// are indexed.
func pairFromReceipt(receipt *gethtypes.Receipt, factory common.Address) (common.Address, error) {
	var pairs []common.Address
	for _, l := range receipt.Logs {
		if l.Address != factory || len(l.Topics) == 0 || l.Topics[0] != uniswapv2.PairCreatedTopic {
			continue
		}
		if len(l.Data) < 32 {
			return common.Address{}, fmt.Errorf("%w: PairCreated log in tx %s has %d bytes of data",
				ErrPoolCreationEventMissing, receipt.TxHash.Hex(), len(l.Data))
		}
		pairs = append(pairs, common.BytesToAddress(l.Data[:32]))
	}

	switch len(pairs) {
	case 1:
		return pairs[0], nil
	case 0:
		return common.Address{}, fmt.Errorf("%w: no PairCreated log from %s in tx %s",
			ErrPoolCreationEventMissing, factory.Hex(), receipt.TxHash.Hex())
	default:
		return common.Address{}, fmt.Errorf("%w: %d PairCreated logs from %s in tx %s",
			ErrPoolCreationEventMissing, len(pairs), factory.Hex(), receipt.TxHash.Hex())
	}
}

// Pools returns the pools created so far, ordered by token pair.
func (t *Toolbox) Pools() []types.PoolInfo {
	type entry struct {
		key  uniswapv2.PairKey
		pair common.Address
	}
	var entries []entry
	t.pools.Range(func(key uniswapv2.PairKey, pool *Contract) {
		entries = append(entries, entry{key, pool.Address()})
	})
	sort.Slice(entries, func(i, j int) bool {
		ki, kj := entries[i].key, entries[j].key
		if c := bytes.Compare(ki[0].Bytes(), kj[0].Bytes()); c != 0 {
			return c < 0
		}
		return bytes.Compare(ki[1].Bytes(), kj[1].Bytes()) < 0
	})

	out := make([]types.PoolInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.PoolInfo{
			Token0: e.key.Token0().Hex(),
			Token1: e.key.Token1().Hex(),
			Pair:   e.pair.Hex(),
		})
	}
	return out
}

// PredictPairAddress returns the CREATE2 address the factory assigns to the
// pair {tokenA, tokenB}. The factory is deployed if missing.
func (t *Toolbox) PredictPairAddress(ctx context.Context, tokenA, tokenB Addressable) (common.Address, error) {
	if tokenA == nil || tokenB == nil {
		return common.Address{}, &Error{Op: "PredictPairAddress", Kind: ErrInvalidArgument, Err: fmt.Errorf("both tokens are required")}
	}
	factory, err := t.AmmFactory(ctx)
	if err != nil {
		return common.Address{}, err
	}
	pairArt, err := t.store.Load(artifact.UniswapPair)
	if err != nil {
		return common.Address{}, classify("PredictPairAddress", err)
	}
	return uniswapv2.ComputePairAddress(factory.Address(), pairArt.InitCodeHash(), tokenA.Address(), tokenB.Address()), nil
}
