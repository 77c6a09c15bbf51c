// Package artifact loads pre-compiled contracts from solc standard-json output files.
package artifact

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrNotFound is returned when the artifact file does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrMalformed is returned when the artifact file cannot be decoded into a deployable contract.
	ErrMalformed = errors.New("artifact malformed")
)

// Ref locates one contract inside an artifact directory.
type Ref struct {
	File   string // path relative to the artifacts directory
	Source string // source unit key under "contracts"
	Name   string // contract name under the source unit
}

func (r Ref) String() string {
	return r.Source + ":" + r.Name
}

// Known fixture contracts.
var (
	WETH9           = Ref{File: "weth/WETH9.json", Source: "artifacts/weth/WETH9.sol", Name: "WETH9"}
	DAI             = Ref{File: "dai/DAI.json", Source: "artifacts/dai/DAI.sol", Name: "Dai"}
	USDC            = Ref{File: "usdc/USDC.json", Source: "artifacts/usdc/USDC.sol", Name: "USDC"}
	ClipperExchange = Ref{File: "ClipperExchange/ClipperExchange.json", Source: "contracts/ClipperCaravelExchange.sol", Name: "ClipperCaravelExchange"}
	UniswapFactory  = Ref{File: "UniswapV2/UniswapV2Factory.json", Source: "artifacts/UniswapV2/UniswapV2Factory.sol", Name: "UniswapV2Factory"}
	UniswapRouter   = Ref{File: "UniswapV2/UniswapV2Router02.json", Source: "artifacts/UniswapV2/UniswapV2Router02.sol", Name: "UniswapV2Router02"}
	UniswapPair     = Ref{File: "UniswapV2/UniswapV2Pair.json", Source: "artifacts/UniswapV2/UniswapV2Pair.sol", Name: "UniswapV2Pair"}
)

// Artifact is a compiled contract ready for deployment or binding.
type Artifact struct {
	Ref      Ref
	ABI      abi.ABI
	Bytecode []byte
}

// InitCodeHash returns keccak256 of the creation bytecode.
func (a *Artifact) InitCodeHash() common.Hash {
	return crypto.Keccak256Hash(a.Bytecode)
}

// standardJSON is the subset of solc standard-json output we read.
type standardJSON struct {
	Contracts map[string]map[string]struct {
		ABI json.RawMessage `json:"abi"`
		EVM struct {
			Bytecode struct {
				Object string `json:"object"`
			} `json:"bytecode"`
		} `json:"evm"`
	} `json:"contracts"`
}

// Store reads artifacts from a directory. Files are read on every Load so
// that a rebuilt artifact is picked up without restarting.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the artifacts directory.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads and decodes the contract identified by ref.
func (s *Store) Load(ref Ref) (*Artifact, error) {
	path := filepath.Join(s.dir, filepath.FromSlash(ref.File))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	a, err := Parse(data, ref)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// Parse decodes a standard-json document and extracts the contract identified by ref.
func Parse(data []byte, ref Ref) (*Artifact, error) {
	var doc standardJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse json: %v", ErrMalformed, err)
	}

	unit, ok := doc.Contracts[ref.Source]
	if !ok {
		return nil, fmt.Errorf("%w: missing source %q", ErrMalformed, ref.Source)
	}
	c, ok := unit[ref.Name]
	if !ok {
		return nil, fmt.Errorf("%w: missing contract %q in %q", ErrMalformed, ref.Name, ref.Source)
	}
	if len(c.ABI) == 0 {
		return nil, fmt.Errorf("%w: %s has no abi", ErrMalformed, ref)
	}

	parsedABI, err := abi.JSON(strings.NewReader(string(c.ABI)))
	if err != nil {
		return nil, fmt.Errorf("%w: parse abi of %s: %v", ErrMalformed, ref, err)
	}

	bytecode, err := decodeBytecode(c.EVM.Bytecode.Object)
	if err != nil {
		return nil, fmt.Errorf("%w: bytecode of %s: %v", ErrMalformed, ref, err)
	}

	return &Artifact{Ref: ref, ABI: parsedABI, Bytecode: bytecode}, nil
}

func decodeBytecode(object string) ([]byte, error) {
	object = strings.TrimPrefix(strings.TrimSpace(object), "0x")
	if object == "" {
		return nil, errors.New("empty")
	}
	// Unlinked library placeholders look like __$<hash>$__.
	if strings.Contains(object, "__") {
		return nil, errors.New("contains unlinked library references")
	}
	return hex.DecodeString(object)
}
