package gaslift

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

var (
	addressType = mustABIType("address")
	uint256Type = mustABIType("uint256")
	bytes32Type = mustABIType("bytes32")

	// field order is fixed by the EntryPoint's getUserOpHash
	userOpPackArguments = abi.Arguments{
		{Type: addressType}, // sender
		{Type: uint256Type}, // nonce
		{Type: bytes32Type}, // keccak(initCode)
		{Type: bytes32Type}, // keccak(callData)
		{Type: uint256Type}, // callGasLimit
		{Type: uint256Type}, // verificationGasLimit
		{Type: uint256Type}, // preVerificationGas
		{Type: uint256Type}, // maxFeePerGas
		{Type: uint256Type}, // maxPriorityFeePerGas
		{Type: bytes32Type}, // keccak(paymasterAndData)
	}
)

func mustABIType(name string) abi.Type {
	typ, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// PackForHash ABI-encodes the operation the way the EntryPoint does before
// hashing: dynamic byte fields enter as their keccak, the signature is not
// part of the preimage.
func (op *UserOperation) PackForHash() ([]byte, error) {
	return userOpPackArguments.Pack(
		op.Sender,
		op.Nonce,
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		op.CallGasLimit,
		op.VerificationGasLimit,
		op.PreVerificationGas,
		op.MaxFeePerGas,
		op.MaxPriorityFeePerGas,
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
}

// HashForEntryPoint computes the canonical userOpHash:
// keccak256(keccak256(pack(op)) || entryPoint || chainId) with the address
// and chain id left-padded to 32 bytes.
func (op *UserOperation) HashForEntryPoint(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.PackForHash()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(
		crypto.Keccak256(packed),
		common.LeftPadBytes(entryPoint.Bytes(), 32),
		common.LeftPadBytes(chainID.Bytes(), 32),
	), nil
}

// computeBundleID derives a stable identifier from the member hashes and
// the packing time, so re-bundling the same operations later yields a new id.
func computeBundleID(hashes []common.Hash, packedAt time.Time) string {
	hasher := sha3.NewLegacyKeccak256()
	for _, h := range hashes {
		hasher.Write(h[:])
	}
	var at [8]byte
	binary.BigEndian.PutUint64(at[:], uint64(packedAt.UnixNano()))
	hasher.Write(at[:])
	return common.BytesToHash(hasher.Sum(nil)).Hex()
}
