// Package testchain runs an in-process simulated chain for tests.
package testchain

import (
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

// ChainID is the chain id of the simulated backend.
var ChainID = big.NewInt(1337)

// Chain is a simulated backend that mines pending transactions on a short interval.
type Chain struct {
	Backend *simulated.Backend
	Keys    []*ecdsa.PrivateKey
	Addrs   []common.Address

	stop chan struct{}
	done chan struct{}
}

// New starts a chain with n funded accounts. It is closed on test cleanup.
func New(t testing.TB, n int) *Chain {
	t.Helper()

	balance := new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
	alloc := types.GenesisAlloc{}
	c := &Chain{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		alloc[addr] = types.Account{Balance: balance}
		c.Keys = append(c.Keys, key)
		c.Addrs = append(c.Addrs, addr)
	}

	c.Backend = simulated.NewBackend(alloc)
	go c.mine(5 * time.Millisecond)

	t.Cleanup(func() {
		close(c.stop)
		<-c.done
		_ = c.Backend.Close()
	})
	return c
}

// Client returns the RPC client of the simulated node.
func (c *Chain) Client() simulated.Client {
	return c.Backend.Client()
}

func (c *Chain) mine(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Backend.Commit()
		}
	}
}

// InitCode wraps runtime bytecode in a constructor that returns it.
//
//	PUSH1 len PUSH1 0x0c PUSH1 0 CODECOPY PUSH1 len PUSH1 0 RETURN <runtime>
func InitCode(runtime []byte) []byte {
	if len(runtime) > 0xff {
		panic("testchain: runtime too long for InitCode")
	}
	n := byte(len(runtime))
	code := []byte{0x60, n, 0x60, 0x0c, 0x60, 0x00, 0x39, 0x60, n, 0x60, 0x00, 0xf3}
	return append(code, runtime...)
}

// Runtime snippets.
var (
	// ReturnFortyTwo returns the 32-byte word 42 for any call.
	ReturnFortyTwo = common.FromHex("602a60005260206000f3")
	// Stop accepts any call.
	Stop = []byte{0x00}
	// Revert reverts any call. As init code it makes the deployment revert.
	Revert = common.FromHex("60006000fd")
)
