package deployer

import (
	"errors"
	"fmt"

	"github.com/Bidon15/popsigner/deployctl/internal/artifacts"
	"github.com/Bidon15/popsigner/deployctl/internal/signer"
)

var (
	// ErrArtifactNotFound is returned when no artifact matches the contract name.
	ErrArtifactNotFound = artifacts.ErrNotFound

	// ErrAmbiguousArtifact is returned when a bare name matches several artifacts.
	ErrAmbiguousArtifact = artifacts.ErrAmbiguous

	// ErrArgumentCount is returned when the constructor arity does not match.
	ErrArgumentCount = artifacts.ErrArgumentCount

	// ErrInsufficientFunds is returned when the deployer cannot pay for gas and value.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrChainIDMismatch is returned when the endpoint reports a different chain
	// than the network profile pins.
	ErrChainIDMismatch = errors.New("chain id mismatch")

	// ErrReverted is returned when the creation transaction was mined but failed.
	ErrReverted = errors.New("contract creation reverted")

	// ErrSignatureMismatch is returned when the signer hands back a
	// transaction other than the requested contract creation.
	ErrSignatureMismatch = signer.ErrSignatureMismatch

	// ErrNoContractCreated is returned when a successful receipt carries no
	// contract address.
	ErrNoContractCreated = errors.New("receipt has no contract address")

	// ErrConfirmationTimeout is returned when no receipt arrived before the
	// context was cancelled or its deadline passed.
	ErrConfirmationTimeout = errors.New("timed out waiting for receipt")
)

// ResolutionError means the contract identifier could not be mapped to a
// deployable artifact.
type ResolutionError struct {
	Contract string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolution error: %s: %v", e.Contract, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// SubmissionError means the creation transaction could not be built, signed
// or accepted by the network. No contract was created.
type SubmissionError struct {
	Contract string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission error: %s: %v", e.Contract, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// ConfirmationError means the transaction was sent but did not produce a
// contract, either because it reverted or because waiting was abandoned.
type ConfirmationError struct {
	Contract string
	TxHash   string
	Err      error
}

func (e *ConfirmationError) Error() string {
	if e.TxHash == "" {
		return fmt.Sprintf("confirmation error: %s: %v", e.Contract, e.Err)
	}
	return fmt.Sprintf("confirmation error: %s (tx %s): %v", e.Contract, e.TxHash, e.Err)
}

func (e *ConfirmationError) Unwrap() error {
	return e.Err
}

// IsResolutionError reports whether err is a *ResolutionError.
func IsResolutionError(err error) bool {
	var target *ResolutionError
	return errors.As(err, &target)
}

// IsSubmissionError reports whether err is a *SubmissionError.
func IsSubmissionError(err error) bool {
	var target *SubmissionError
	return errors.As(err, &target)
}

// IsConfirmationError reports whether err is a *ConfirmationError.
func IsConfirmationError(err error) bool {
	var target *ConfirmationError
	return errors.As(err, &target)
}
