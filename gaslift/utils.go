package gaslift

import (
	"math/big"

	"github.com/ethereum/go-ethereum/params"
)

var (
	ethDivisor  = new(big.Float).SetUint64(params.Ether)
	gweiDivisor = new(big.Float).SetUint64(params.GWei)
)

func formatUnits(value *big.Int, unit string) string {
	float := new(big.Float).SetInt(value)
	switch unit {
	case "eth":
		return float.Quo(float, ethDivisor).String()
	case "gwei":
		return float.Quo(float, gweiDivisor).String()
	default:
		return ""
	}
}

// mulDiv computes value * numerator / denominator in integer math,
// multiplying first so percentage adjustments lose nothing to truncation.
func mulDiv(value *big.Int, numerator, denominator int64) *big.Int {
	out := new(big.Int).Mul(value, big.NewInt(numerator))
	return out.Div(out, big.NewInt(denominator))
}

// bundleGasLimit sums per-op execution and verification gas, adds the
// intrinsic transaction cost per operation, applies the safety buffer and
// clamps the result to the configured ceiling.
func bundleGasLimit(ops []*UserOperation, bufferPercent int64, maxGas uint64) uint64 {
	total := new(big.Int)
	for _, op := range ops {
		total.Add(total, op.VerificationGasLimit)
		total.Add(total, op.CallGasLimit)
	}
	total.Add(total, big.NewInt(int64(params.TxGas)*int64(len(ops))))
	total = mulDiv(total, 100+bufferPercent, 100)

	limit := new(big.Int).SetUint64(maxGas)
	if total.Cmp(limit) > 0 {
		return maxGas
	}
	return total.Uint64()
}
