package account

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// fakeNonceSource returns a fixed pending nonce and counts calls.
type fakeNonceSource struct {
	mu    sync.Mutex
	nonce uint64
	calls int
	err   error
}

func (f *fakeNonceSource) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.nonce, f.err
}

func TestNewAccountFromHex(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		want    common.Address
		wantErr bool
	}{
		{
			name: "anvil account 0",
			key:  AnvilPrivateKeys[0],
			want: common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		},
		{
			name: "with 0x prefix",
			key:  "0x" + AnvilPrivateKeys[0],
			want: common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		},
		{
			name: "ganache deterministic account 0",
			key:  GanachePrivateKeys[0],
			want: common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"),
		},
		{
			name:    "invalid hex",
			key:     "not-a-key",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, err := NewAccountFromHex(tt.key)
			if tt.wantErr {
				if err == nil {
					t.Fatal("NewAccountFromHex() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAccountFromHex() error = %v", err)
			}
			if acc.Address != tt.want {
				t.Errorf("Address = %s, want %s", acc.Address.Hex(), tt.want.Hex())
			}
			if !acc.IsLocal() {
				t.Error("IsLocal() = false, want true")
			}
		})
	}
}

func TestReserveNonceCommitAndRollback(t *testing.T) {
	acc, err := NewAccountFromHex(AnvilPrivateKeys[0])
	if err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	if err := acc.Resync(context.Background(), &fakeNonceSource{nonce: 10}); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}

	n := acc.ReserveNonce()
	if n.Value() != 10 {
		t.Errorf("Value() = %d, want 10", n.Value())
	}
	n.Rollback()
	if got := acc.PeekNonce(); got != 10 {
		t.Errorf("after rollback PeekNonce() = %d, want 10", got)
	}

	n = acc.ReserveNonce()
	n.Commit()
	n.Rollback() // no-op after commit
	if got := acc.PeekNonce(); got != 11 {
		t.Errorf("after commit PeekNonce() = %d, want 11", got)
	}
}

func TestOutOfOrderRollbackKeepsNonce(t *testing.T) {
	acc := NewRemoteAccount(common.HexToAddress("0x01"))
	if err := acc.Resync(context.Background(), &fakeNonceSource{}); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}

	first := acc.ReserveNonce()
	second := acc.ReserveNonce()
	second.Commit()

	// Rolling back nonce 0 while nonce 1 is in flight must not reissue 0.
	first.Rollback()
	if got := acc.PeekNonce(); got != 2 {
		t.Errorf("PeekNonce() = %d, want 2", got)
	}
}

func TestConcurrentReservationsAreUnique(t *testing.T) {
	acc := NewRemoteAccount(common.HexToAddress("0x01"))
	if err := acc.Resync(context.Background(), &fakeNonceSource{}); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	seen := make(chan uint64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := acc.ReserveNonce()
			n.Commit()
			seen <- n.Value()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for v := range seen {
		if unique[v] {
			t.Errorf("nonce %d reserved twice", v)
		}
		unique[v] = true
	}
	if got := acc.PeekNonce(); got != workers {
		t.Errorf("PeekNonce() = %d, want %d", got, workers)
	}
}

func TestResyncSetIfHigher(t *testing.T) {
	acc := NewRemoteAccount(common.HexToAddress("0x01"))
	src := &fakeNonceSource{nonce: 5}

	if acc.Synced() {
		t.Error("new account reports synced")
	}
	if err := acc.Resync(context.Background(), src); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if got := acc.PeekNonce(); got != 5 {
		t.Errorf("PeekNonce() = %d, want 5", got)
	}
	if !acc.Synced() {
		t.Error("Synced() = false after Resync")
	}

	for i := 0; i < 3; i++ {
		acc.ReserveNonce().Commit()
	}
	if err := acc.Resync(context.Background(), src); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if got := acc.PeekNonce(); got != 8 {
		t.Errorf("PeekNonce() = %d, want 8 (should not go backwards)", got)
	}

	acc.MarkStale()
	if err := acc.Resync(context.Background(), src); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if got := acc.PeekNonce(); got != 5 {
		t.Errorf("after MarkStale PeekNonce() = %d, want 5", got)
	}
}

func TestLoadDevAccounts(t *testing.T) {
	accounts, err := LoadDevAccounts()
	if err != nil {
		t.Fatalf("LoadDevAccounts() error = %v", err)
	}
	if got, want := len(accounts), len(AnvilPrivateKeys)+len(GanachePrivateKeys); got != want {
		t.Errorf("len = %d, want %d", got, want)
	}
}

func TestKeyringAccountsListing(t *testing.T) {
	k := NewKeyring(&fakeNonceSource{}, nil)
	if err := k.AddDevKeys(); err != nil {
		t.Fatalf("AddDevKeys() error = %v", err)
	}

	accounts, _ := k.Accounts(context.Background())
	if len(accounts) != 0 {
		t.Fatalf("dev keys should not be listed, got %d accounts", len(accounts))
	}

	key1, _ := crypto.GenerateKey()
	key2, _ := crypto.GenerateKey()
	a1 := k.Add(key1)
	a2 := k.Add(key2)
	k.Add(key1) // duplicate keeps original position

	accounts, _ = k.Accounts(context.Background())
	if len(accounts) != 2 || accounts[0] != a1 || accounts[1] != a2 {
		t.Errorf("Accounts() = %v, want [%s %s]", accounts, a1.Hex(), a2.Hex())
	}

	devAddr := crypto.PubkeyToAddress(mustKey(t, AnvilPrivateKeys[0]).PublicKey)
	if !k.CanSign(devAddr) {
		t.Error("CanSign(dev account) = false, want true")
	}
	if k.CanSign(common.HexToAddress("0xdead")) {
		t.Error("CanSign(unknown) = true without remote signer")
	}
}

func TestKeyringTransactOptsLocal(t *testing.T) {
	src := &fakeNonceSource{nonce: 3}
	k := NewKeyring(src, nil)
	key, _ := crypto.GenerateKey()
	from := k.Add(key)
	chainID := big.NewInt(1337)

	opts, n, err := k.TransactOpts(context.Background(), from, chainID)
	if err != nil {
		t.Fatalf("TransactOpts() error = %v", err)
	}
	if opts.Nonce.Uint64() != 3 || n.Value() != 3 {
		t.Errorf("nonce = %v/%d, want 3", opts.Nonce, n.Value())
	}
	n.Commit()

	tx := types.NewTx(&types.DynamicFeeTx{ChainID: chainID, Nonce: 3, Gas: 21000, GasFeeCap: big.NewInt(1), GasTipCap: big.NewInt(1)})
	signed, err := opts.Signer(from, tx)
	if err != nil {
		t.Fatalf("Signer() error = %v", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != from {
		t.Errorf("recovered sender = %s, want %s", sender.Hex(), from.Hex())
	}
	if _, err := opts.Signer(common.HexToAddress("0xdead"), tx); !errors.Is(err, bind.ErrNotAuthorized) {
		t.Errorf("Signer(other) error = %v, want %v", err, bind.ErrNotAuthorized)
	}

	// Second reservation does not hit the node again.
	_, n2, err := k.TransactOpts(context.Background(), from, chainID)
	if err != nil {
		t.Fatalf("TransactOpts() error = %v", err)
	}
	if n2.Value() != 4 {
		t.Errorf("second nonce = %d, want 4", n2.Value())
	}
	if src.calls != 1 {
		t.Errorf("PendingNonceAt called %d times, want 1", src.calls)
	}
}

type fakeRemoteSigner struct {
	key *ecdsa.PrivateKey
}

func (f *fakeRemoteSigner) SignTransaction(ctx context.Context, from common.Address, tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(tx.ChainId()), f.key)
}

func TestKeyringTransactOptsRemote(t *testing.T) {
	k := NewKeyring(&fakeNonceSource{nonce: 0}, nil)
	remoteAddr := common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C2")

	if _, _, err := k.TransactOpts(context.Background(), remoteAddr, big.NewInt(1)); !errors.Is(err, ErrNoSigner) {
		t.Fatalf("TransactOpts() without signer error = %v, want %v", err, ErrNoSigner)
	}

	key, _ := crypto.GenerateKey()
	k.SetRemoteSigner(&fakeRemoteSigner{key: key})
	opts, n, err := k.TransactOpts(context.Background(), remoteAddr, big.NewInt(1))
	if err != nil {
		t.Fatalf("TransactOpts() error = %v", err)
	}
	defer n.Rollback()

	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(1), Gas: 21000, GasFeeCap: big.NewInt(1), GasTipCap: big.NewInt(1)})
	signed, err := opts.Signer(remoteAddr, tx)
	if err != nil {
		t.Fatalf("Signer() error = %v", err)
	}
	if _, _, r := signed.RawSignatureValues(); r.Sign() == 0 {
		t.Error("remote signer returned an unsigned transaction")
	}
}

func TestKeyringTransactOptsSyncError(t *testing.T) {
	errDown := errors.New("node down")
	k := NewKeyring(&fakeNonceSource{err: errDown}, nil)
	key, _ := crypto.GenerateKey()
	from := k.Add(key)

	if _, _, err := k.TransactOpts(context.Background(), from, big.NewInt(1)); !errors.Is(err, errDown) {
		t.Errorf("TransactOpts() error = %v, want %v", err, errDown)
	}
}

func mustKey(t *testing.T, hexKey string) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	return key
}
