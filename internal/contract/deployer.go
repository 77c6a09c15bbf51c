// Package contract deploys contracts and sends contract transactions,
// waiting for their receipts.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Consensys/defi-fuzzing-toolbox/internal/account"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/metrics"
)

var (
	// ErrReverted is returned when a deployment reverts or leaves no code behind.
	ErrReverted = errors.New("deployment reverted")
	// ErrTxReverted is returned when a contract method transaction reverts.
	ErrTxReverted = errors.New("transaction reverted")
	// ErrReceiptTimeout is returned when no receipt shows up within the receipt timeout.
	ErrReceiptTimeout = errors.New("timed out waiting for receipt")
)

// PendingError reports a transaction that reached the node but whose outcome
// was not observed. The transaction may still be mined, so callers resume
// waiting with ResumeDeploy or ResumeTransact instead of sending it again.
type PendingError struct {
	Tx      *types.Transaction
	Address common.Address // created contract, zero for method calls
	Err     error

	req  *Request
	call *Call
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("tx %s pending: %v", e.Tx.Hash().Hex(), e.Err)
}

func (e *PendingError) Unwrap() error { return e.Err }

// Backend is the node surface needed to deploy and call contracts.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Signer produces transaction options with a reserved nonce.
type Signer interface {
	TransactOpts(ctx context.Context, from common.Address, chainID *big.Int) (*bind.TransactOpts, *account.Nonce, error)
	Resync(ctx context.Context, addr common.Address) error
}

// ChainIDFunc resolves the chain id used for signing.
type ChainIDFunc func(ctx context.Context) (*big.Int, error)

// Request describes a single deployment.
type Request struct {
	Name     string
	From     common.Address
	ABI      abi.ABI
	Bytecode []byte
	// GasLimit of zero lets the node estimate gas.
	GasLimit uint64
	Args     []interface{}
}

// Deployment is a mined, successful deployment.
type Deployment struct {
	Name     string
	From     common.Address
	ABI      abi.ABI
	Address  common.Address
	Tx       *types.Transaction
	Receipt  *types.Receipt
	Contract *bind.BoundContract
}

// Call describes a state-changing contract method invocation.
type Call struct {
	Contract *bind.BoundContract
	From     common.Address
	Value    *big.Int
	GasLimit uint64
	Method   string
	Args     []interface{}
}

// Deployer handles contract deployment.
type Deployer struct {
	backend        Backend
	signer         Signer
	chainID        ChainIDFunc
	metrics        metrics.Metricer
	logger         *slog.Logger
	pollInterval   time.Duration
	receiptTimeout time.Duration
}

// NewDeployer creates a new contract deployer.
func NewDeployer(backend Backend, signer Signer, chainID ChainIDFunc, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		backend:        backend,
		signer:         signer,
		chainID:        chainID,
		metrics:        metrics.NoopMetrics{},
		logger:         logger,
		pollInterval:   500 * time.Millisecond,
		receiptTimeout: 60 * time.Second,
	}
}

// SetMetrics sets the metrics sink.
func (d *Deployer) SetMetrics(m metrics.Metricer) {
	if m == nil {
		m = metrics.NoopMetrics{}
	}
	d.metrics = m
}

// SetPollInterval sets how often receipts are polled.
func (d *Deployer) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		d.pollInterval = interval
	}
}

// SetReceiptTimeout sets how long to wait for a receipt.
func (d *Deployer) SetReceiptTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.receiptTimeout = timeout
	}
}

// Deploy sends a creation transaction and waits until it is mined.
func (d *Deployer) Deploy(ctx context.Context, req Request) (*Deployment, error) {
	start := time.Now()
	d.metrics.DeployStarted(req.Name)
	dep, err := d.deploy(ctx, req)
	d.metrics.DeployFinished(req.Name, err == nil, time.Since(start))
	return dep, err
}

func (d *Deployer) deploy(ctx context.Context, req Request) (*Deployment, error) {
	chainID, err := d.chainID(ctx)
	if err != nil {
		return nil, err
	}

	opts, nonce, err := d.signer.TransactOpts(ctx, req.From, chainID)
	if err != nil {
		return nil, err
	}
	defer nonce.Rollback()
	opts.GasLimit = req.GasLimit

	addr, tx, bound, err := bind.DeployContract(opts, req.ABI, req.Bytecode, d.backend, req.Args...)
	if err != nil {
		d.handleSendError(ctx, req.From, nonce, err)
		return nil, fmt.Errorf("deploy %s: %w", req.Name, classifySendError(err, ErrReverted))
	}
	nonce.Commit()

	d.logger.Info("Deploying contract",
		slog.String("name", req.Name),
		slog.String("expected_address", addr.Hex()),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("nonce", tx.Nonce()),
	)
	return d.awaitDeploy(ctx, req, addr, tx, bound)
}

// ResumeDeploy waits for a deployment that failed with a PendingError.
func (d *Deployer) ResumeDeploy(ctx context.Context, p *PendingError) (*Deployment, error) {
	if p == nil || p.req == nil {
		return nil, errors.New("not a pending deployment")
	}
	req := *p.req
	d.logger.Info("Resuming deployment",
		slog.String("name", req.Name),
		slog.String("tx", p.Tx.Hash().Hex()),
	)

	start := time.Now()
	d.metrics.DeployStarted(req.Name)
	bound := bind.NewBoundContract(p.Address, req.ABI, d.backend, d.backend, d.backend)
	dep, err := d.awaitDeploy(ctx, req, p.Address, p.Tx, bound)
	d.metrics.DeployFinished(req.Name, err == nil, time.Since(start))
	return dep, err
}

// awaitDeploy waits for a sent creation transaction. Until the code is
// confirmed, failures are reported as *PendingError.
func (d *Deployer) awaitDeploy(ctx context.Context, req Request, addr common.Address, tx *types.Transaction, bound *bind.BoundContract) (*Deployment, error) {
	pending := func(err error) error {
		return &PendingError{Tx: tx, Address: addr, Err: err, req: &req}
	}

	receipt, err := d.waitMined(ctx, tx)
	if err != nil {
		return nil, pending(fmt.Errorf("wait for %s deployment: %w", req.Name, err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s (tx %s)", ErrReverted, req.Name, tx.Hash().Hex())
	}

	code, err := d.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, pending(fmt.Errorf("check code of %s: %w", req.Name, err))
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: %s left no code at %s", ErrReverted, req.Name, addr.Hex())
	}

	d.logger.Info("Contract deployed",
		slog.String("name", req.Name),
		slog.String("address", addr.Hex()),
		slog.Uint64("gas_used", receipt.GasUsed),
		slog.Uint64("block", receipt.BlockNumber.Uint64()),
	)

	return &Deployment{
		Name:     req.Name,
		From:     req.From,
		ABI:      req.ABI,
		Address:  addr,
		Tx:       tx,
		Receipt:  receipt,
		Contract: bound,
	}, nil
}

// Transact sends a contract method transaction and waits until it is mined.
func (d *Deployer) Transact(ctx context.Context, call Call) (*types.Receipt, error) {
	receipt, err := d.transact(ctx, call)
	d.metrics.RecordTransaction(call.Method, err == nil)
	return receipt, err
}

func (d *Deployer) transact(ctx context.Context, call Call) (*types.Receipt, error) {
	chainID, err := d.chainID(ctx)
	if err != nil {
		return nil, err
	}

	opts, nonce, err := d.signer.TransactOpts(ctx, call.From, chainID)
	if err != nil {
		return nil, err
	}
	defer nonce.Rollback()
	opts.GasLimit = call.GasLimit
	opts.Value = call.Value

	tx, err := call.Contract.Transact(opts, call.Method, call.Args...)
	if err != nil {
		d.handleSendError(ctx, call.From, nonce, err)
		return nil, fmt.Errorf("%s: %w", call.Method, classifySendError(err, ErrTxReverted))
	}
	nonce.Commit()

	d.logger.Debug("Transaction sent",
		slog.String("method", call.Method),
		slog.String("tx", tx.Hash().Hex()),
	)
	return d.awaitTransact(ctx, call, tx)
}

// ResumeTransact waits for a method transaction that failed with a PendingError.
func (d *Deployer) ResumeTransact(ctx context.Context, p *PendingError) (*types.Receipt, error) {
	if p == nil || p.call == nil {
		return nil, errors.New("not a pending method transaction")
	}
	receipt, err := d.awaitTransact(ctx, *p.call, p.Tx)
	d.metrics.RecordTransaction(p.call.Method, err == nil)
	return receipt, err
}

func (d *Deployer) awaitTransact(ctx context.Context, call Call, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := d.waitMined(ctx, tx)
	if err != nil {
		return nil, &PendingError{Tx: tx, Err: fmt.Errorf("wait for %s: %w", call.Method, err), call: &call}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s (tx %s)", ErrTxReverted, call.Method, tx.Hash().Hex())
	}
	return receipt, nil
}

// waitMined polls for the receipt of tx.
func (d *Deployer) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(d.receiptTimeout)
	defer timeout.Stop()

	for {
		receipt, err := d.backend.TransactionReceipt(ctx, tx.Hash())
		if err == nil {
			return receipt, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ethereum.NotFound) {
			d.logger.Debug("Receipt retrieval failed",
				slog.String("tx", tx.Hash().Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, fmt.Errorf("%w: %s after %s", ErrReceiptTimeout, tx.Hash().Hex(), d.receiptTimeout)
		case <-ticker.C:
		}
	}
}

// handleSendError keeps the local nonce consistent with the node after a rejected send.
func (d *Deployer) handleSendError(ctx context.Context, from common.Address, nonce *account.Nonce, err error) {
	if !isNonceError(err) {
		return
	}
	// The reserved nonce is unusable; do not hand it out again.
	nonce.Commit()
	if rerr := d.signer.Resync(ctx, from); rerr != nil {
		d.logger.Warn("Failed to resync nonce",
			slog.String("address", from.Hex()),
			slog.String("error", rerr.Error()),
		)
		return
	}
	d.logger.Info("Nonce resynced after rejected transaction",
		slog.String("address", from.Hex()),
		slog.String("error", err.Error()),
	)
}

// IsRevert reports whether err carries an EVM revert from gas estimation or a call.
// bind formats estimation failures with %v, so the message is all that survives.
func IsRevert(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}

func classifySendError(err error, kind error) error {
	if IsRevert(err) {
		return fmt.Errorf("%w: %v", kind, err)
	}
	return err
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "already known")
}
