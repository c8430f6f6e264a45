package gaslift

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestValidateUserOp(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")

	cases := []struct {
		name    string
		mutate  func(op *UserOperation)
		wantErr error
	}{
		{name: "valid", mutate: func(op *UserOperation) {}},
		{name: "zero sender", mutate: func(op *UserOperation) { op.Sender = common.Address{} }, wantErr: ErrInvalidSender},
		{name: "nil nonce", mutate: func(op *UserOperation) { op.Nonce = nil }, wantErr: ErrInvalidUserOp},
		{name: "negative nonce", mutate: func(op *UserOperation) { op.Nonce = big.NewInt(-1) }, wantErr: ErrInvalidUserOp},
		{name: "zero callGasLimit", mutate: func(op *UserOperation) { op.CallGasLimit = new(big.Int) }, wantErr: ErrGasTooLow},
		{name: "zero verificationGasLimit", mutate: func(op *UserOperation) { op.VerificationGasLimit = new(big.Int) }, wantErr: ErrGasTooLow},
		{name: "zero maxFeePerGas", mutate: func(op *UserOperation) { op.MaxFeePerGas = new(big.Int) }, wantErr: ErrGasTooLow},
		{name: "tip above fee cap", mutate: func(op *UserOperation) { op.MaxPriorityFeePerGas = big.NewInt(3e9) }, wantErr: ErrInvalidUserOp},
		{name: "truncated initCode", mutate: func(op *UserOperation) { op.InitCode = []byte{0x01} }, wantErr: ErrInvalidUserOp},
		{name: "truncated paymasterAndData", mutate: func(op *UserOperation) { op.PaymasterAndData = []byte{0x01} }, wantErr: ErrInvalidUserOp},
		{name: "missing signature", mutate: func(op *UserOperation) { op.Signature = nil }, wantErr: ErrInvalidSignature},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := makeOp(sender, 0, 1e9, 2e9)
			tc.mutate(op)
			err := validateUserOp(op)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestAllowsReplacement(t *testing.T) {
	incumbent := &UserOperation{
		MaxPriorityFeePerGas: big.NewInt(1000),
		MaxFeePerGas:         big.NewInt(2000),
	}
	candidate := func(tip, maxFee int64) *UserOperation {
		return &UserOperation{
			MaxPriorityFeePerGas: big.NewInt(tip),
			MaxFeePerGas:         big.NewInt(maxFee),
		}
	}

	require.True(t, allowsReplacement(incumbent, candidate(1100, 2000)))
	require.True(t, allowsReplacement(incumbent, candidate(1101, 2500)))
	require.False(t, allowsReplacement(incumbent, candidate(1099, 2000)))
	require.False(t, allowsReplacement(incumbent, candidate(1100, 1999)))
	require.False(t, allowsReplacement(incumbent, candidate(1000, 2000)))
}

func TestMulDiv(t *testing.T) {
	// multiply-first integer math: 15 * 110 / 100 is 16, not 15
	require.Equal(t, int64(16), mulDiv(big.NewInt(15), 110, 100).Int64())
	require.Equal(t, int64(0), mulDiv(new(big.Int), 110, 100).Int64())
	require.Equal(t, int64(150), mulDiv(big.NewInt(100), 3, 2).Int64())
}

func TestBundleGasLimit(t *testing.T) {
	ops := []*UserOperation{
		{VerificationGasLimit: big.NewInt(100000), CallGasLimit: big.NewInt(50000)},
		{VerificationGasLimit: big.NewInt(100000), CallGasLimit: big.NewInt(50000)},
	}

	// (150000*2 + 21000*2) * 1.2
	require.Equal(t, uint64(410400), bundleGasLimit(ops, 20, 10_000_000))

	// clamped at the ceiling
	require.Equal(t, uint64(100000), bundleGasLimit(ops, 20, 100000))
}
