package account

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrNoSigner is returned when neither a local key nor a remote signer can sign for an account.
var ErrNoSigner = errors.New("no signer for account")

// RemoteSigner signs transactions with keys held by the node.
type RemoteSigner interface {
	SignTransaction(ctx context.Context, from common.Address, tx *types.Transaction) (*types.Transaction, error)
}

// Keyring resolves senders to signers and hands out nonces for them.
//
// Keys added with Add are listed by Accounts in insertion order. Keys added
// with AddKnown (for example the well-known dev keys) only sign and are not
// listed. Addresses without a key fall back to the remote signer when one is set.
type Keyring struct {
	mu       sync.Mutex
	accounts map[common.Address]*Account
	listed   []common.Address
	remote   RemoteSigner
	nonces   NonceSource
	logger   *slog.Logger
}

// NewKeyring creates a key ring that syncs nonces from src.
func NewKeyring(src NonceSource, logger *slog.Logger) *Keyring {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keyring{
		accounts: make(map[common.Address]*Account),
		nonces:   src,
		logger:   logger,
	}
}

// Add registers a key and lists its address.
func (k *Keyring) Add(key *ecdsa.PrivateKey) common.Address {
	acct := NewAccount(key)
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.accounts[acct.Address]; !ok || !k.isListed(acct.Address) {
		k.listed = append(k.listed, acct.Address)
	}
	k.accounts[acct.Address] = acct
	return acct.Address
}

// AddKnown registers a key for signing without listing its address.
func (k *Keyring) AddKnown(key *ecdsa.PrivateKey) common.Address {
	acct := NewAccount(key)
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.accounts[acct.Address]; !ok {
		k.accounts[acct.Address] = acct
	}
	return acct.Address
}

// AddDevKeys registers the well-known dev keys as signers.
func (k *Keyring) AddDevKeys() error {
	accounts, err := LoadDevAccounts()
	if err != nil {
		return fmt.Errorf("load dev accounts: %w", err)
	}
	for _, acct := range accounts {
		k.AddKnown(acct.PrivateKey)
	}
	return nil
}

// SetRemoteSigner sets the fallback signer for addresses without a local key.
func (k *Keyring) SetRemoteSigner(r RemoteSigner) {
	k.mu.Lock()
	k.remote = r
	k.mu.Unlock()
}

// Accounts returns the listed addresses in insertion order.
func (k *Keyring) Accounts(ctx context.Context) ([]common.Address, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]common.Address, len(k.listed))
	copy(out, k.listed)
	return out, nil
}

// CanSign reports whether the key ring can produce signatures for addr.
func (k *Keyring) CanSign(addr common.Address) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if acct, ok := k.accounts[addr]; ok && acct.IsLocal() {
		return true
	}
	return k.remote != nil
}

// TransactOpts returns transaction options for from with a reserved nonce.
// The caller must commit the nonce once the transaction reached the node,
// or roll it back otherwise.
func (k *Keyring) TransactOpts(ctx context.Context, from common.Address, chainID *big.Int) (*bind.TransactOpts, *Nonce, error) {
	acct, remote, err := k.account(from)
	if err != nil {
		return nil, nil, err
	}

	if !acct.Synced() {
		if err := acct.Resync(ctx, k.nonces); err != nil {
			return nil, nil, fmt.Errorf("sync nonce of %s: %w", from.Hex(), err)
		}
		k.logger.Debug("Account nonce initialized",
			slog.String("address", from.Hex()),
			slog.Uint64("nonce", acct.PeekNonce()),
		)
	}

	n := acct.ReserveNonce()
	opts := &bind.TransactOpts{
		From:    from,
		Nonce:   new(big.Int).SetUint64(n.Value()),
		Context: ctx,
	}

	if acct.IsLocal() {
		signer := types.LatestSignerForChainID(chainID)
		key := acct.PrivateKey
		opts.Signer = func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != from {
				return nil, bind.ErrNotAuthorized
			}
			return types.SignTx(tx, signer, key)
		}
	} else {
		opts.Signer = func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != from {
				return nil, bind.ErrNotAuthorized
			}
			return remote.SignTransaction(ctx, from, tx)
		}
	}

	return opts, n, nil
}

// Resync marks the account stale and refetches its nonce from the node.
func (k *Keyring) Resync(ctx context.Context, addr common.Address) error {
	k.mu.Lock()
	acct, ok := k.accounts[addr]
	k.mu.Unlock()
	if !ok {
		return nil
	}
	acct.MarkStale()
	return acct.Resync(ctx, k.nonces)
}

// account returns the tracked account for addr, creating a remote entry if a
// remote signer is configured.
func (k *Keyring) account(addr common.Address) (*Account, RemoteSigner, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if acct, ok := k.accounts[addr]; ok && (acct.IsLocal() || k.remote != nil) {
		return acct, k.remote, nil
	}
	if k.remote == nil {
		return nil, nil, fmt.Errorf("%w %s", ErrNoSigner, addr.Hex())
	}
	acct := NewRemoteAccount(addr)
	k.accounts[addr] = acct
	return acct, k.remote, nil
}

func (k *Keyring) isListed(addr common.Address) bool {
	for _, a := range k.listed {
		if a == addr {
			return true
		}
	}
	return false
}
