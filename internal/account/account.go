// Package account manages deployer accounts: signing keys and local nonce tracking.
package account

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NonceSource reports the next nonce the node expects from an account.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Account holds a sender's key (nil for node-managed accounts) and nonce state.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
	nonce      uint64
	synced     bool
	mu         sync.Mutex
}

// NewAccount creates an account from a private key.
func NewAccount(privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key.
// A leading 0x is accepted.
func NewAccountFromHex(hexKey string) (*Account, error) {
	privateKey, err := crypto.HexToECDSA(trim0x(hexKey))
	if err != nil {
		return nil, err
	}
	return NewAccount(privateKey), nil
}

// NewRemoteAccount creates an account whose key is held by the node.
func NewRemoteAccount(addr common.Address) *Account {
	return &Account{Address: addr}
}

// IsLocal reports whether the account can sign locally.
func (a *Account) IsLocal() bool {
	return a.PrivateKey != nil
}

// Nonce represents a reserved nonce that must be committed or rolled back.
// Use defer n.Rollback() immediately after reserving to ensure cleanup.
type Nonce struct {
	value     uint64
	account   *Account
	committed atomic.Bool
}

// Value returns the nonce value.
func (n *Nonce) Value() uint64 {
	return n.value
}

// Commit marks the nonce as used. Safe to call multiple times.
func (n *Nonce) Commit() {
	n.committed.Store(true)
}

// Rollback returns the nonce to the account if not committed.
// Safe to call multiple times; typically deferred.
func (n *Nonce) Rollback() {
	if n.committed.Swap(true) {
		return
	}
	n.account.rollback(n.value)
}

// ReserveNonce reserves the next nonce for use.
// The returned Nonce MUST be either committed or rolled back.
//
//	n := acc.ReserveNonce()
//	defer n.Rollback()
//	if err := send(n.Value()); err != nil {
//	    return err
//	}
//	n.Commit()
func (a *Account) ReserveNonce() *Nonce {
	a.mu.Lock()
	nonce := a.nonce
	a.nonce++
	a.mu.Unlock()

	return &Nonce{
		value:   nonce,
		account: a,
	}
}

// rollback decrements nonce if it was the last one issued.
func (a *Account) rollback(nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Out-of-order rollbacks would hand out a nonce that is still in flight.
	if a.nonce == nonce+1 {
		a.nonce = nonce
	}
}

// Resync fetches the pending nonce from the node and updates local state.
// Uses set-if-higher so nonces reserved concurrently are never reissued.
func (a *Account) Resync(ctx context.Context, src NonceSource) error {
	nonce, err := src.PendingNonceAt(ctx, a.Address)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if nonce > a.nonce {
		a.nonce = nonce
	}
	a.synced = true
	a.mu.Unlock()
	return nil
}

// Synced reports whether the nonce was fetched from the node at least once
// since creation or the last MarkStale.
func (a *Account) Synced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.synced
}

// MarkStale forces the next sync to consult the node, and lets it move the nonce backwards.
func (a *Account) MarkStale() {
	a.mu.Lock()
	a.synced = false
	a.nonce = 0
	a.mu.Unlock()
}

// PeekNonce returns the current nonce without incrementing.
func (a *Account) PeekNonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}

// AnvilPrivateKeys are the default anvil/hardhat dev accounts.
var AnvilPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", // Account 0
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", // Account 1
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a", // Account 2
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6", // Account 3
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a", // Account 4
	"8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba", // Account 5
	"92db14e403b83dfe3df233f83dfa3a0d7096f21ca9b0d6d6b8d88b2b4ec1564e", // Account 6
	"4bbbf85ce3377467afe5d46f804f221813b2bb87f24d81f60f1fcdbf7cbf4356", // Account 7
	"dbda1821b80551c9d65939329250298aa3472ba22feea921c0cf5d620ea67b97", // Account 8
	"2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6", // Account 9
}

// GanachePrivateKeys are the first accounts of `ganache --deterministic`.
var GanachePrivateKeys = []string{
	"4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d", // Account 0
	"6cbed15c793ce57650b9877cf6fa156fbef513c4e6134f022a85b1ffdd59b2a1", // Account 1
	"6370fd033278c143179d81c5526140625662b8daa446c22ee2d73db3707e620c", // Account 2
	"646f1ce2fdad0e6deeeb5c7e8e5543bdde65e86029e2fd9fc169899c440a7913", // Account 3
}

// LoadDevAccounts loads every well-known development account.
func LoadDevAccounts() ([]*Account, error) {
	keys := make([]string, 0, len(AnvilPrivateKeys)+len(GanachePrivateKeys))
	keys = append(keys, AnvilPrivateKeys...)
	keys = append(keys, GanachePrivateKeys...)

	accounts := make([]*Account, 0, len(keys))
	for _, hexKey := range keys {
		account, err := NewAccountFromHex(hexKey)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
