// Package uniswapv2 holds the Uniswap V2 conventions the toolbox relies on:
// canonical token ordering, pair keys and deterministic addresses.
package uniswapv2

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PairCreatedSignature is the factory event announcing a new pair.
const PairCreatedSignature = "PairCreated(address,address,address,uint256)"

// PairCreatedTopic is topic[0] of the PairCreated event.
var PairCreatedTopic = crypto.Keccak256Hash([]byte(PairCreatedSignature))

// SortTokens returns tokens in the order the factory stores them (lower address first).
func SortTokens(tokenA, tokenB common.Address) (common.Address, common.Address) {
	if bytes.Compare(tokenA.Bytes(), tokenB.Bytes()) <= 0 {
		return tokenA, tokenB
	}
	return tokenB, tokenA
}

// PairKey identifies an unordered token pair. Element 0 is always the lower address,
// so {A,B} and {B,A} produce equal keys and the key is usable as a map key.
type PairKey [2]common.Address

// NewPairKey builds the canonical key for an unordered pair.
func NewPairKey(tokenA, tokenB common.Address) PairKey {
	token0, token1 := SortTokens(tokenA, tokenB)
	return PairKey{token0, token1}
}

// Token0 returns the lower address of the pair.
func (k PairKey) Token0() common.Address { return k[0] }

// Token1 returns the higher address of the pair.
func (k PairKey) Token1() common.Address { return k[1] }

func (k PairKey) String() string {
	return k[0].Hex() + "<->" + k[1].Hex()
}

// ComputePairAddress computes the CREATE2 address of a Uniswap V2 pair.
// initCodeHash is keccak256 of the pair creation code used by the factory.
func ComputePairAddress(factory common.Address, initCodeHash common.Hash, tokenA, tokenB common.Address) common.Address {
	token0, token1 := SortTokens(tokenA, tokenB)

	// salt = keccak256(abi.encodePacked(token0, token1))
	salt := crypto.Keccak256Hash(token0.Bytes(), token1.Bytes())

	return crypto.CreateAddress2(factory, salt, initCodeHash.Bytes())
}
