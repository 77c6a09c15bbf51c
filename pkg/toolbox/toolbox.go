// Package toolbox deploys a fixed set of DeFi fixture contracts onto a
// development node on first use and hands the same instances to every later
// caller.
//
// Every getter is lazy and memoized per Toolbox. Concurrent first calls share
// one deployment, and a caller that gives up does not cancel it for the
// others. A failed deployment is not cached, so the next call retries; one
// whose transaction was sent but not confirmed is awaited rather than resent.
package toolbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Consensys/defi-fuzzing-toolbox/internal/account"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/artifact"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/contract"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/lazy"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/metrics"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/rpc"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/storage"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/uniswapv2"
	"github.com/Consensys/defi-fuzzing-toolbox/pkg/types"
)

// RouterGasLimit is the fixed gas limit of the router deployment.
const RouterGasLimit = 10_000_000

// Backend is the node connection.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Toolbox deploys and memoizes the fixture contracts.
type Toolbox struct {
	backend  Backend
	closer   func()
	store    *artifact.Store
	keys     *account.Keyring
	accounts AccountLister
	deployer *contract.Deployer
	journal  storage.Journal
	metrics  metrics.Metricer
	hooks    []func(types.Event)
	logger   *slog.Logger

	chainID      lazy.Cell[*big.Int]
	firstAccount lazy.Cell[common.Address]

	weth     lazy.Cell[*Contract]
	dai      lazy.Cell[*Contract]
	usdc     lazy.Cell[*Contract]
	exchange lazy.Cell[*Contract]
	factory  lazy.Cell[*Contract]
	router   lazy.Cell[*Contract]

	pools lazy.Map[uniswapv2.PairKey, *Contract]

	// Transactions sent by a failed flight whose outcome is unknown. The
	// next flight for the same contract or pair waits for them instead of
	// sending again.
	pendingMu    sync.Mutex
	pendingDeps  map[types.ContractName]*contract.PendingError
	pendingPools map[uniswapv2.PairKey]*contract.PendingError
}

// New creates a toolbox on top of an existing node connection. The caller
// keeps ownership of backend.
//
// If backend lists accounts or signs transactions itself (as the client
// returned by Dial does) it is used for both unless options say otherwise.
func New(backend Backend, opts ...Option) (*Toolbox, error) {
	return newToolbox(backend, newSettings(opts))
}

// Dial connects to the node at url, waiting until it answers, and creates a
// toolbox that owns the connection. Close releases it.
func Dial(ctx context.Context, url string, opts ...Option) (*Toolbox, error) {
	s := newSettings(opts)

	cfg := rpc.DefaultClientConfig(url)
	cfg.Logger = s.logger
	if s.dialTimeout > 0 {
		cfg.Timeout = s.dialTimeout
	}
	if s.maxRetries >= 0 {
		cfg.MaxRetries = s.maxRetries
	}
	if s.readyTimeout > 0 {
		cfg.ReadyTimeout = s.readyTimeout
	}

	client, err := rpc.Dial(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &Error{Op: "Dial", Kind: ErrNodeUnreachable, Err: err}
	}

	t, err := newToolbox(client, s)
	if err != nil {
		client.Close()
		return nil, err
	}
	t.closer = client.Close
	return t, nil
}

func newToolbox(backend Backend, s *settings) (*Toolbox, error) {
	keys := account.NewKeyring(backend, s.logger)
	if s.devKeys {
		if err := keys.AddDevKeys(); err != nil {
			return nil, err
		}
	}
	for _, key := range s.keys {
		keys.Add(key)
	}

	remote := s.remote
	if r, ok := backend.(account.RemoteSigner); ok && remote == nil {
		remote = r
	}
	if remote != nil {
		keys.SetRemoteSigner(remote)
	}

	accounts := s.accounts
	if l, ok := backend.(AccountLister); ok && accounts == nil {
		accounts = l
	}

	t := &Toolbox{
		backend:      backend,
		store:        artifact.NewStore(s.artifactsDir),
		keys:         keys,
		accounts:     accounts,
		journal:      s.journal,
		metrics:      s.metrics,
		hooks:        s.hooks,
		logger:       s.logger,
		pendingDeps:  make(map[types.ContractName]*contract.PendingError),
		pendingPools: make(map[uniswapv2.PairKey]*contract.PendingError),
	}

	t.deployer = contract.NewDeployer(backend, keys, t.ChainID, s.logger)
	t.deployer.SetMetrics(s.metrics)
	t.deployer.SetPollInterval(s.pollInterval)
	t.deployer.SetReceiptTimeout(s.receiptTimeout)
	return t, nil
}

// Close releases the node connection if the toolbox opened it.
func (t *Toolbox) Close() {
	if t.closer != nil {
		t.closer()
	}
}

// Backend returns the node connection.
func (t *Toolbox) Backend() Backend {
	return t.backend
}

// ChainID returns the chain id. The node is asked once.
func (t *Toolbox) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := t.chainID.Get(ctx, func(ctx context.Context) (*big.Int, error) {
		id, err := t.backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("get chain id: %w", err)
		}
		return id, nil
	})
	if err != nil {
		return nil, classify("ChainID", err)
	}
	return new(big.Int).Set(id), nil
}

// Accounts returns the node's accounts followed by the addresses of keys
// given with WithKeys. Not memoized.
func (t *Toolbox) Accounts(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	seen := make(map[common.Address]bool)

	if t.accounts != nil {
		node, err := t.accounts.Accounts(ctx)
		if err != nil {
			return nil, classify("Accounts", fmt.Errorf("list accounts: %w", err))
		}
		for _, a := range node {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}

	local, _ := t.keys.Accounts(ctx)
	for _, a := range local {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out, nil
}

// FirstAccount returns the default sender, the first entry of Accounts.
// The list is fetched once.
func (t *Toolbox) FirstAccount(ctx context.Context) (common.Address, error) {
	addr, err := t.firstAccount.Get(ctx, func(ctx context.Context) (common.Address, error) {
		accounts, err := t.Accounts(ctx)
		if err != nil {
			return common.Address{}, err
		}
		if len(accounts) == 0 {
			return common.Address{}, ErrNoAccountsAvailable
		}
		return accounts[0], nil
	})
	if err != nil {
		return common.Address{}, classify("FirstAccount", err)
	}
	return addr, nil
}

// ResolveSender returns explicit's address, or the first account when explicit is nil.
func (t *Toolbox) ResolveSender(ctx context.Context, explicit Addressable) (common.Address, error) {
	if explicit != nil {
		return explicit.Address(), nil
	}
	return t.FirstAccount(ctx)
}

// ChainInfo returns the chain id and the account list.
func (t *Toolbox) ChainInfo(ctx context.Context) (types.ChainInfo, error) {
	id, err := t.ChainID(ctx)
	if err != nil {
		return types.ChainInfo{}, err
	}
	accounts, err := t.Accounts(ctx)
	if err != nil {
		return types.ChainInfo{}, err
	}
	info := types.ChainInfo{ChainID: id.Int64(), Accounts: make([]string, 0, len(accounts))}
	for _, a := range accounts {
		info.Accounts = append(info.Accounts, a.Hex())
	}
	return info, nil
}

// History returns a page of journaled deployments on the current chain.
func (t *Toolbox) History(ctx context.Context, limit, offset int) (*types.PaginatedDeployments, error) {
	if t.journal == nil {
		return nil, &Error{Op: "History", Kind: ErrNoJournal, Err: ErrNoJournal}
	}
	id, err := t.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	page, err := t.journal.ListDeployments(ctx, id.Int64(), limit, offset)
	if err != nil {
		return nil, &Error{Op: "History", Kind: ErrNoJournal, Err: err}
	}
	return page, nil
}

// deployment describes how one memoized contract is deployed.
type deployment struct {
	op       string
	name     types.ContractName
	ref      artifact.Ref
	gasLimit uint64
	// args resolves constructor arguments, deploying prerequisites as needed.
	args func(ctx context.Context, o *callOptions) ([]interface{}, error)
}

// deploy resolves cell, deploying d on first use. A creation transaction left
// pending by an earlier attempt is awaited instead of being sent again.
func (t *Toolbox) deploy(ctx context.Context, cell *lazy.Cell[*Contract], d deployment, opts []CallOption) (*Contract, error) {
	c, err := cell.Get(ctx, func(ctx context.Context) (*Contract, error) {
		var (
			dep *contract.Deployment
			err error
		)
		if p := t.takePendingDeploy(d.name); p != nil {
			dep, err = t.deployer.ResumeDeploy(ctx, p)
		} else {
			req, rerr := t.deployRequest(ctx, d, applyCallOptions(opts))
			if rerr != nil {
				return nil, rerr
			}
			dep, err = t.deployer.Deploy(ctx, req)
		}
		if err != nil {
			var p *contract.PendingError
			if errors.As(err, &p) {
				t.keepPendingDeploy(d.name, p)
			}
			t.emit(types.Event{Kind: types.EventFailed, Contract: d.name, Error: err.Error()})
			return nil, err
		}

		c := newContract(d.name, dep.Address, dep.ABI, dep.Tx.Hash(), t.backend)
		t.recordDeployment(ctx, c, dep)
		t.emit(types.Event{
			Kind:     types.EventDeployed,
			Contract: d.name,
			Address:  c.Address().Hex(),
			TxHash:   c.TxHash.Hex(),
		})
		return c, nil
	})
	if err != nil {
		return nil, classify(d.op, err)
	}
	return c, nil
}

// deployRequest resolves the sender, the artifact and the constructor
// arguments of d, deploying prerequisites as needed.
func (t *Toolbox) deployRequest(ctx context.Context, d deployment, o *callOptions) (contract.Request, error) {
	from, err := t.ResolveSender(ctx, o.from)
	if err != nil {
		return contract.Request{}, err
	}
	if !t.keys.CanSign(from) {
		return contract.Request{}, fmt.Errorf("%w: %s", ErrNoSigner, from.Hex())
	}

	// Read the artifact before deploying anything it depends on.
	art, err := t.store.Load(d.ref)
	if err != nil {
		return contract.Request{}, err
	}

	var args []interface{}
	if d.args != nil {
		if args, err = d.args(ctx, o); err != nil {
			return contract.Request{}, err
		}
	}
	return contract.Request{
		Name:     string(d.name),
		From:     from,
		ABI:      art.ABI,
		Bytecode: art.Bytecode,
		GasLimit: d.gasLimit,
		Args:     args,
	}, nil
}

func (t *Toolbox) keepPendingDeploy(name types.ContractName, p *contract.PendingError) {
	t.pendingMu.Lock()
	t.pendingDeps[name] = p
	t.pendingMu.Unlock()
}

func (t *Toolbox) takePendingDeploy(name types.ContractName) *contract.PendingError {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	p := t.pendingDeps[name]
	delete(t.pendingDeps, name)
	return p
}

// WrappedToken returns the WETH9 contract, deploying it on first use.
func (t *Toolbox) WrappedToken(ctx context.Context, opts ...CallOption) (*Contract, error) {
	return t.deploy(ctx, &t.weth, deployment{
		op:   "WrappedToken",
		name: types.ContractWETH,
		ref:  artifact.WETH9,
	}, opts)
}

// StablecoinA returns the DAI contract, deploying it on first use. Its
// constructor takes the chain id.
func (t *Toolbox) StablecoinA(ctx context.Context, opts ...CallOption) (*Contract, error) {
	return t.deploy(ctx, &t.dai, deployment{
		op:   "StablecoinA",
		name: types.ContractDAI,
		ref:  artifact.DAI,
		args: func(ctx context.Context, _ *callOptions) ([]interface{}, error) {
			id, err := t.ChainID(ctx)
			if err != nil {
				return nil, err
			}
			return []interface{}{id}, nil
		},
	}, opts)
}

// StablecoinB returns the USDC contract, deploying it on first use.
func (t *Toolbox) StablecoinB(ctx context.Context, opts ...CallOption) (*Contract, error) {
	return t.deploy(ctx, &t.usdc, deployment{
		op:   "StablecoinB",
		name: types.ContractUSDC,
		ref:  artifact.USDC,
	}, opts)
}

// Exchange returns the Clipper exchange, deploying it on first use with
// (signer, weth, tokens). See WithSigner and WithTokens.
func (t *Toolbox) Exchange(ctx context.Context, opts ...CallOption) (*Contract, error) {
	return t.deploy(ctx, &t.exchange, deployment{
		op:   "Exchange",
		name: types.ContractExchange,
		ref:  artifact.ClipperExchange,
		args: func(ctx context.Context, o *callOptions) ([]interface{}, error) {
			signer, err := t.ResolveSender(ctx, o.signer)
			if err != nil {
				return nil, err
			}
			weth, err := t.WrappedToken(ctx)
			if err != nil {
				return nil, err
			}

			tokens := addressesOf(o.tokens)
			if !o.tokensSet {
				dai, err := t.StablecoinA(ctx, From(o.from))
				if err != nil {
					return nil, err
				}
				usdc, err := t.StablecoinB(ctx, From(o.from))
				if err != nil {
					return nil, err
				}
				tokens = []common.Address{weth.Address(), dai.Address(), usdc.Address()}
			}
			return []interface{}{signer, weth.Address(), tokens}, nil
		},
	}, opts)
}

// AmmFactory returns the Uniswap V2 factory, deploying it on first use.
// See WithFeeRecipient.
func (t *Toolbox) AmmFactory(ctx context.Context, opts ...CallOption) (*Contract, error) {
	return t.deploy(ctx, &t.factory, deployment{
		op:   "AmmFactory",
		name: types.ContractFactory,
		ref:  artifact.UniswapFactory,
		args: func(ctx context.Context, o *callOptions) ([]interface{}, error) {
			feeToSetter, err := t.ResolveSender(ctx, o.feeRecipient)
			if err != nil {
				return nil, err
			}
			return []interface{}{feeToSetter}, nil
		},
	}, opts)
}

// AmmRouter returns the Uniswap V2 router, deploying it and any missing
// prerequisite (wrapped token, factory) on first use. A factory deployed here
// with From gets that sender as its fee-to setter.
func (t *Toolbox) AmmRouter(ctx context.Context, opts ...CallOption) (*Contract, error) {
	return t.deploy(ctx, &t.router, deployment{
		op:       "AmmRouter",
		name:     types.ContractRouter,
		ref:      artifact.UniswapRouter,
		gasLimit: RouterGasLimit,
		args: func(ctx context.Context, o *callOptions) ([]interface{}, error) {
			weth, err := t.WrappedToken(ctx, From(o.from))
			if err != nil {
				return nil, err
			}
			factoryOpts := []CallOption{From(o.from)}
			if o.from != nil {
				// The deploying account also controls the fee switch.
				factoryOpts = append(factoryOpts, WithFeeRecipient(o.from))
			}
			factory, err := t.AmmFactory(ctx, factoryOpts...)
			if err != nil {
				return nil, err
			}
			return []interface{}{factory.Address(), weth.Address()}, nil
		},
	}, opts)
}

func (t *Toolbox) recordDeployment(ctx context.Context, c *Contract, dep *contract.Deployment) {
	if t.journal == nil {
		return
	}
	id, err := t.ChainID(ctx)
	if err != nil {
		return
	}
	rec := &types.DeploymentRecord{
		ChainID:     id.Int64(),
		Contract:    c.Name,
		Address:     c.Address().Hex(),
		TxHash:      c.TxHash.Hex(),
		Deployer:    dep.From.Hex(),
		GasUsed:     dep.Receipt.GasUsed,
		BlockNumber: dep.Receipt.BlockNumber.Uint64(),
	}
	if err := t.journal.RecordDeployment(ctx, rec); err != nil {
		t.logger.Warn("Failed to journal deployment",
			slog.String("contract", string(c.Name)),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Toolbox) emit(ev types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, hook := range t.hooks {
		hook(ev)
	}
}
