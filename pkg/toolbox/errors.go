package toolbox

import (
	"context"
	"errors"

	"github.com/Consensys/defi-fuzzing-toolbox/internal/account"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/artifact"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/contract"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrNodeUnreachable covers connection and RPC failures.
	ErrNodeUnreachable = errors.New("node unreachable")
	// ErrArtifactNotFound is returned when a compiled contract file is missing.
	ErrArtifactNotFound = artifact.ErrNotFound
	// ErrArtifactMalformed is returned when a compiled contract file cannot be used.
	ErrArtifactMalformed = artifact.ErrMalformed
	// ErrNoAccountsAvailable is returned when no sender can be chosen by default.
	ErrNoAccountsAvailable = errors.New("no accounts available")
	// ErrDeploymentReverted is returned when a constructor reverts or runs out of gas.
	ErrDeploymentReverted = contract.ErrReverted
	// ErrPoolCreationEventMissing is returned when createPair succeeded but the
	// receipt does not hold exactly one PairCreated event from the factory.
	ErrPoolCreationEventMissing = errors.New("pool creation event missing")
	// ErrNoSigner is returned when the sender has no local key and the node cannot sign for it.
	ErrNoSigner = account.ErrNoSigner
	// ErrTransactionReverted is returned when a contract method transaction reverts.
	ErrTransactionReverted = contract.ErrTxReverted
	// ErrInvalidArgument is returned for unusable input such as an unknown contract name.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoJournal is returned by History when no journal is configured.
	ErrNoJournal = errors.New("deployment journal disabled")
)

var kinds = []error{
	ErrNoSigner,
	ErrArtifactNotFound,
	ErrArtifactMalformed,
	ErrNoAccountsAvailable,
	ErrDeploymentReverted,
	ErrTransactionReverted,
	ErrPoolCreationEventMissing,
	ErrInvalidArgument,
	ErrNoJournal,
	ErrNodeUnreachable,
}

// Error is the error type returned by Toolbox operations.
type Error struct {
	Op   string // operation, e.g. "AmmRouter"
	Kind error  // one of the Err* kinds
	Err  error  // underlying cause
}

func (e *Error) Error() string {
	return "toolbox: " + e.Op + ": " + e.Err.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// classify wraps err into an *Error. Context errors are returned untouched
// and so are errors that are already classified.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		if te == err {
			return te
		}
		return &Error{Op: op, Kind: te.Kind, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return &Error{Op: op, Kind: kind, Err: err}
		}
	}
	// Anything else came from talking to the node.
	return &Error{Op: op, Kind: ErrNodeUnreachable, Err: err}
}
