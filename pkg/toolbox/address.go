package toolbox

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Consensys/defi-fuzzing-toolbox/pkg/types"
)

// Addressable is anything that has an on-chain address: a raw address
// wrapped in Addr, or a *Contract.
type Addressable interface {
	Address() common.Address
}

// Addr adapts a raw address to Addressable.
type Addr common.Address

// Address implements Addressable.
func (a Addr) Address() common.Address { return common.Address(a) }

// HexAddr parses a hex address into an Addr. Invalid input yields the zero address.
func HexAddr(s string) Addr { return Addr(common.HexToAddress(s)) }

// Contract is a deployed contract bound to the node.
type Contract struct {
	*bind.BoundContract

	Name   types.ContractName
	ABI    abi.ABI
	TxHash common.Hash // creation tx, or the createPair tx for pools

	address common.Address
}

func newContract(name types.ContractName, addr common.Address, parsed abi.ABI, txHash common.Hash, backend Backend) *Contract {
	return &Contract{
		BoundContract: bind.NewBoundContract(addr, parsed, backend, backend, backend),
		Name:          name,
		ABI:           parsed,
		TxHash:        txHash,
		address:       addr,
	}
}

// Address implements Addressable.
func (c *Contract) Address() common.Address { return c.address }

// Info returns the external view of c.
func (c *Contract) Info() types.ContractInfo {
	info := types.ContractInfo{Name: c.Name, Address: c.address.Hex()}
	if c.TxHash != (common.Hash{}) {
		info.TxHash = c.TxHash.Hex()
	}
	return info
}

func addressesOf(list []Addressable) []common.Address {
	out := make([]common.Address, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address())
	}
	return out
}
