package uniswapv2

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	testAddress1 = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testAddress2 = common.HexToAddress("0x2000000000000000000000000000000000000002")

	// Mainnet deployment used as a reference vector.
	mainnetFactory      = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	mainnetInitCodeHash = common.HexToHash("0x96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f")
	mainnetWETH         = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	mainnetUSDC         = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	mainnetDAI          = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
)

func TestSortTokens(t *testing.T) {
	tests := []struct {
		name       string
		tokenA     common.Address
		tokenB     common.Address
		wantToken0 common.Address
		wantToken1 common.Address
	}{
		{
			name:       "already sorted",
			tokenA:     testAddress1,
			tokenB:     testAddress2,
			wantToken0: testAddress1,
			wantToken1: testAddress2,
		},
		{
			name:       "needs sorting",
			tokenA:     testAddress2,
			tokenB:     testAddress1,
			wantToken0: testAddress1,
			wantToken1: testAddress2,
		},
		{
			name:       "same address",
			tokenA:     testAddress1,
			tokenB:     testAddress1,
			wantToken0: testAddress1,
			wantToken1: testAddress1,
		},
		{
			// Mixed-case checksums must not influence ordering.
			name:       "checksum case differs from byte order",
			tokenA:     mainnetWETH,
			tokenB:     mainnetUSDC,
			wantToken0: mainnetUSDC,
			wantToken1: mainnetWETH,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotToken0, gotToken1 := SortTokens(tt.tokenA, tt.tokenB)
			if gotToken0 != tt.wantToken0 {
				t.Errorf("SortTokens() token0 = %s, want %s", gotToken0.Hex(), tt.wantToken0.Hex())
			}
			if gotToken1 != tt.wantToken1 {
				t.Errorf("SortTokens() token1 = %s, want %s", gotToken1.Hex(), tt.wantToken1.Hex())
			}
		})
	}
}

func TestNewPairKeyIsOrderIndependent(t *testing.T) {
	ab := NewPairKey(testAddress1, testAddress2)
	ba := NewPairKey(testAddress2, testAddress1)
	if ab != ba {
		t.Errorf("NewPairKey(a, b) = %s, NewPairKey(b, a) = %s, want equal", ab, ba)
	}
	if ab.Token0() != testAddress1 || ab.Token1() != testAddress2 {
		t.Errorf("key = %s, want token0 %s token1 %s", ab, testAddress1.Hex(), testAddress2.Hex())
	}

	m := map[PairKey]int{ab: 1}
	if m[ba] != 1 {
		t.Error("reversed pair did not hit the same map entry")
	}

	other := NewPairKey(testAddress1, mainnetDAI)
	if other == ab {
		t.Error("distinct pairs produced equal keys")
	}
}

func TestPairKeyString(t *testing.T) {
	k := NewPairKey(testAddress2, testAddress1)
	want := testAddress1.Hex() + "<->" + testAddress2.Hex()
	if got := k.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestComputePairAddress(t *testing.T) {
	tests := []struct {
		name   string
		tokenA common.Address
		tokenB common.Address
		want   common.Address
	}{
		{
			name:   "USDC/WETH",
			tokenA: mainnetWETH,
			tokenB: mainnetUSDC,
			want:   common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"),
		},
		{
			name:   "DAI/WETH",
			tokenA: mainnetDAI,
			tokenB: mainnetWETH,
			want:   common.HexToAddress("0xA478c2975Ab1Ea89e8196811F51A7B7Ade33eB11"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputePairAddress(mainnetFactory, mainnetInitCodeHash, tt.tokenA, tt.tokenB)
			if got != tt.want {
				t.Errorf("ComputePairAddress() = %s, want %s", got.Hex(), tt.want.Hex())
			}
			reversed := ComputePairAddress(mainnetFactory, mainnetInitCodeHash, tt.tokenB, tt.tokenA)
			if reversed != got {
				t.Errorf("ComputePairAddress() reversed = %s, want %s", reversed.Hex(), got.Hex())
			}
		})
	}
}

func TestPairCreatedTopic(t *testing.T) {
	want := crypto.Keccak256Hash([]byte("PairCreated(address,address,address,uint256)"))
	if PairCreatedTopic != want {
		t.Errorf("PairCreatedTopic = %s, want %s", PairCreatedTopic.Hex(), want.Hex())
	}
	known := common.HexToHash("0x0d3648bd0f6ba80134a33ba9275ac585d9d315f0ad8355cddefde31afa28d0e9")
	if PairCreatedTopic != known {
		t.Errorf("PairCreatedTopic = %s, want %s", PairCreatedTopic.Hex(), known.Hex())
	}
}
