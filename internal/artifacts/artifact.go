// Package artifacts resolves compiled contract artifacts by name.
package artifacts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrEmptyBytecode is returned for abstract contracts and interfaces.
	ErrEmptyBytecode = errors.New("artifact has no creation bytecode")

	// ErrUnlinkedLibraries is returned when the bytecode still contains
	// library placeholders that must be linked before deployment.
	ErrUnlinkedLibraries = errors.New("artifact bytecode has unlinked library references")

	// ErrArgumentCount is returned when the number of constructor arguments
	// differs from the declared constructor.
	ErrArgumentCount = errors.New("constructor argument count mismatch")
)

// solc emits __$<34 hex chars>$__ for unlinked libraries.
var libraryPlaceholder = regexp.MustCompile(`__\$[0-9a-fA-F]{34}\$__`)

// Artifact represents a compiled Solidity contract with ABI and bytecode, as
// written by Hardhat (artifacts/) or Foundry (out/).
type Artifact struct {
	Format           string          `json:"_format,omitempty"`
	ContractName     string          `json:"contractName,omitempty"`
	SourceName       string          `json:"sourceName,omitempty"`
	ABI              json.RawMessage `json:"abi"`
	Bytecode         Bytecode        `json:"bytecode"`
	DeployedBytecode Bytecode        `json:"deployedBytecode,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`

	// Path is the file the artifact was loaded from.
	Path string `json:"-"`
}

// Bytecode contains the contract bytecode.
// It handles both formats:
// - Simple string: "0x608060..." (Hardhat)
// - Object with "object" field: {"object": "0x608060..."} (Foundry)
type Bytecode struct {
	hex string
}

// UnmarshalJSON handles both string and object bytecode formats.
func (b *Bytecode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b.hex = s
		return nil
	}

	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		b.hex = obj.Object
		return nil
	}

	return fmt.Errorf("bytecode must be a string or object with 'object' field")
}

// MarshalJSON marshals the bytecode as a string.
func (b Bytecode) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.hex)
}

// String returns the bytecode hex string.
func (b Bytecode) String() string {
	return b.hex
}

// NewBytecode wraps a hex string.
func NewBytecode(hex string) Bytecode {
	return Bytecode{hex: hex}
}

// Parse decodes an artifact from JSON.
func Parse(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	if len(a.ABI) == 0 {
		return nil, fmt.Errorf("missing abi")
	}
	return &a, nil
}

// FullyQualifiedName returns "source:Contract" when the source is known.
func (a *Artifact) FullyQualifiedName() string {
	if a.SourceName == "" {
		return a.ContractName
	}
	return a.SourceName + ":" + a.ContractName
}

// ParsedABI returns the parsed ABI.
func (a *Artifact) ParsedABI() (abi.ABI, error) {
	return abi.JSON(bytes.NewReader(a.ABI))
}

// HasUnlinkedLibraries reports whether the creation bytecode still contains
// library placeholders.
func (a *Artifact) HasUnlinkedLibraries() bool {
	return libraryPlaceholder.MatchString(a.Bytecode.hex)
}

// BytecodeBytes returns the creation bytecode as a byte slice.
func (a *Artifact) BytecodeBytes() ([]byte, error) {
	code := strings.TrimSpace(a.Bytecode.hex)
	if code == "" || code == "0x" {
		return nil, ErrEmptyBytecode
	}
	if a.HasUnlinkedLibraries() {
		return nil, ErrUnlinkedLibraries
	}
	if !strings.HasPrefix(code, "0x") {
		code = "0x" + code
	}
	b, err := hexutil.Decode(code)
	if err != nil {
		return nil, fmt.Errorf("decode bytecode: %w", err)
	}
	return b, nil
}

// EncodeConstructorArgs encodes constructor arguments using the contract's ABI.
// Returns the encoded args (without bytecode prefix) ready to append to bytecode.
// The argument count must match the declared constructor exactly; a contract
// without an explicit constructor takes no arguments.
func (a *Artifact) EncodeConstructorArgs(args ...interface{}) ([]byte, error) {
	parsedABI, err := a.ParsedABI()
	if err != nil {
		return nil, fmt.Errorf("parse ABI: %w", err)
	}

	inputs := parsedABI.Constructor.Inputs
	if len(args) != len(inputs) {
		return nil, fmt.Errorf("%w: constructor takes %d, got %d", ErrArgumentCount, len(inputs), len(args))
	}
	if len(args) == 0 {
		return nil, nil
	}

	packed, err := inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("pack constructor args: %w", err)
	}

	return packed, nil
}

// DeployData returns the creation bytecode followed by the encoded
// constructor arguments.
func (a *Artifact) DeployData(args ...interface{}) ([]byte, error) {
	code, err := a.BytecodeBytes()
	if err != nil {
		return nil, err
	}
	encoded, err := a.EncodeConstructorArgs(args...)
	if err != nil {
		return nil, err
	}
	return append(code, encoded...), nil
}
