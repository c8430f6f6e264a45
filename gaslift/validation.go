package gaslift

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// replacementFeeBumpPercent is the minimum priority fee increase for an
// operation to displace the pending one holding the same sender and nonce.
const replacementFeeBumpPercent = 110

// validateUserOp runs the static admission checks that need no chain access.
// Anything stateful (signature, prefund, paymaster deposit) is left to
// EntryPoint simulation.
func validateUserOp(op *UserOperation) error {
	if op.Sender == (common.Address{}) {
		return ErrInvalidSender
	}
	if op.Nonce == nil || op.CallGasLimit == nil || op.VerificationGasLimit == nil ||
		op.PreVerificationGas == nil || op.MaxFeePerGas == nil || op.MaxPriorityFeePerGas == nil {
		return fmt.Errorf("%w: missing numeric fields", ErrInvalidUserOp)
	}
	if op.Nonce.Sign() < 0 {
		return fmt.Errorf("%w: negative nonce", ErrInvalidUserOp)
	}
	if op.CallGasLimit.Sign() <= 0 || op.VerificationGasLimit.Sign() <= 0 {
		return fmt.Errorf("%w: zero gas limit", ErrGasTooLow)
	}
	if op.PreVerificationGas.Sign() < 0 {
		return fmt.Errorf("%w: negative preVerificationGas", ErrInvalidUserOp)
	}
	if op.MaxFeePerGas.Sign() <= 0 {
		return fmt.Errorf("%w: zero maxFeePerGas", ErrGasTooLow)
	}
	if op.MaxPriorityFeePerGas.Sign() < 0 {
		return fmt.Errorf("%w: negative maxPriorityFeePerGas", ErrInvalidUserOp)
	}
	if op.MaxPriorityFeePerGas.Cmp(op.MaxFeePerGas) > 0 {
		return fmt.Errorf("%w: maxPriorityFeePerGas above maxFeePerGas", ErrInvalidUserOp)
	}
	if n := len(op.InitCode); n > 0 && n < common.AddressLength {
		return fmt.Errorf("%w: initCode shorter than a factory address", ErrInvalidUserOp)
	}
	if n := len(op.PaymasterAndData); n > 0 && n < common.AddressLength {
		return fmt.Errorf("%w: paymasterAndData shorter than a paymaster address", ErrInvalidUserOp)
	}
	if len(op.Signature) == 0 {
		return ErrInvalidSignature
	}
	return nil
}

// allowsReplacement applies the fee bump rule: the candidate must raise the
// priority fee by at least 10% and must not lower the fee cap. Both sides
// are integer math, multiply before divide.
func allowsReplacement(incumbent, candidate *UserOperation) bool {
	minTip := mulDiv(incumbent.MaxPriorityFeePerGas, replacementFeeBumpPercent, 100)
	if candidate.MaxPriorityFeePerGas.Cmp(minTip) < 0 {
		return false
	}
	return candidate.MaxFeePerGas.Cmp(incumbent.MaxFeePerGas) >= 0
}
