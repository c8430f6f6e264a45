package gaslift

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestUserOperationUnmarshalJSON(t *testing.T) {
	t.Run("hex numerics", func(t *testing.T) {
		var op UserOperation
		err := json.Unmarshal([]byte(`{
			"sender": "0x1111111111111111111111111111111111111111",
			"nonce": "0x7",
			"initCode": "0x",
			"callData": "0xdeadbeef",
			"callGasLimit": "0x186a0",
			"verificationGasLimit": "0x249f0",
			"preVerificationGas": "0x5208",
			"maxFeePerGas": "0x77359400",
			"maxPriorityFeePerGas": "0x3b9aca00",
			"paymasterAndData": "0x",
			"signature": "0xaa"
		}`), &op)
		require.NoError(t, err)
		require.Equal(t, int64(7), op.Nonce.Int64())
		require.Equal(t, int64(100000), op.CallGasLimit.Int64())
		require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, op.CallData)
		require.Empty(t, op.InitCode)
	})

	t.Run("decimal numerics", func(t *testing.T) {
		var op UserOperation
		err := json.Unmarshal([]byte(`{
			"sender": "0x1111111111111111111111111111111111111111",
			"nonce": "7",
			"callData": "0x",
			"callGasLimit": "100000",
			"verificationGasLimit": "150000",
			"preVerificationGas": "21000",
			"maxFeePerGas": "2000000000",
			"maxPriorityFeePerGas": "1000000000",
			"signature": "0xaa"
		}`), &op)
		require.NoError(t, err)
		require.Equal(t, int64(7), op.Nonce.Int64())
		require.Equal(t, int64(100000), op.CallGasLimit.Int64())
		// omitted byte fields default to empty
		require.Empty(t, op.InitCode)
		require.Empty(t, op.PaymasterAndData)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		base := map[string]string{
			"sender":               "0x1111111111111111111111111111111111111111",
			"nonce":                "0x0",
			"callGasLimit":         "0x186a0",
			"verificationGasLimit": "0x249f0",
			"preVerificationGas":   "0x5208",
			"maxFeePerGas":         "0x77359400",
			"maxPriorityFeePerGas": "0x3b9aca00",
			"signature":            "0xaa",
		}
		cases := []struct {
			name   string
			field  string
			value  string
			remove bool
		}{
			{name: "bad sender", field: "sender", value: "not-an-address"},
			{name: "missing nonce", field: "nonce", remove: true},
			{name: "garbage number", field: "callGasLimit", value: "12abc"},
			{name: "garbage hex", field: "maxFeePerGas", value: "0xzz"},
			{name: "bad byte field", field: "callData", value: "zz"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				fields := make(map[string]string, len(base))
				for k, v := range base {
					fields[k] = v
				}
				if tc.remove {
					delete(fields, tc.field)
				} else {
					fields[tc.field] = tc.value
				}
				raw, err := json.Marshal(fields)
				require.NoError(t, err)

				var op UserOperation
				err = json.Unmarshal(raw, &op)
				require.Error(t, err)
				require.ErrorIs(t, err, ErrInvalidUserOp)
			})
		}
	})
}

func TestUserOperationMarshalRoundTrip(t *testing.T) {
	op := makeOp(common.HexToAddress("0x1111111111111111111111111111111111111111"), 7, 1e9, 2e9)
	raw, err := json.Marshal(op)
	require.NoError(t, err)

	var decoded UserOperation
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, op.Sender, decoded.Sender)
	require.Zero(t, op.Nonce.Cmp(decoded.Nonce))
	require.Equal(t, op.CallData, decoded.CallData)
	require.Equal(t, op.Signature, decoded.Signature)
}

func TestUserOperationPaymaster(t *testing.T) {
	op := &UserOperation{}
	_, ok := op.Paymaster()
	require.False(t, ok)

	want := common.HexToAddress("0x2222222222222222222222222222222222222222")
	op.PaymasterAndData = append(want.Bytes(), 0x01, 0x02)
	got, ok := op.Paymaster()
	require.True(t, ok)
	require.Equal(t, want, got)
}
