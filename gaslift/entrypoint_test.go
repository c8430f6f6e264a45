package gaslift

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// hardhat account #0, test-only key
const testSignerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// rpcError mimics the revert error shape the go-ethereum rpc client returns
// from eth_call.
type rpcError struct {
	data string
}

func (e *rpcError) Error() string          { return "execution reverted" }
func (e *rpcError) ErrorCode() int         { return 3 }
func (e *rpcError) ErrorData() interface{} { return e.data }

type fakeEth struct {
	callResult []byte
	callErr    error
	header     *types.Header
	tipCap     *big.Int
	gasPrice   *big.Int
	nonce      uint64
	sentTx     *types.Transaction
	receipt    *types.Receipt
	receiptErr error
	balance    *big.Int
}

func (e *fakeEth) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return e.callResult, e.callErr
}

func (e *fakeEth) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return e.header, nil
}

func (e *fakeEth) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return e.tipCap, nil
}

func (e *fakeEth) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return e.gasPrice, nil
}

func (e *fakeEth) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return e.nonce, nil
}

func (e *fakeEth) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	e.sentTx = tx
	return nil
}

func (e *fakeEth) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return e.receipt, e.receiptErr
}

func (e *fakeEth) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return e.balance, nil
}

type stakeInfoArg struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

type returnInfoArg struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

type aggregatorInfoArg struct {
	Aggregator common.Address
	StakeInfo  stakeInfoArg
}

func encodeRevert(t *testing.T, name string, values ...interface{}) string {
	t.Helper()
	custom, ok := entryPointABI.Errors[name]
	require.True(t, ok, "unknown custom error %s", name)
	payload, err := custom.Inputs.Pack(values...)
	require.NoError(t, err)
	return hexutil.Encode(append(custom.ID[:4], payload...))
}

func encodeErrorString(t *testing.T, reason string) string {
	t.Helper()
	args := abi.Arguments{{Type: mustABIType("string")}}
	payload, err := args.Pack(reason)
	require.NoError(t, err)
	return hexutil.Encode(append(append([]byte(nil), errorStringSelector...), payload...))
}

func emptyStake() stakeInfoArg {
	return stakeInfoArg{Stake: new(big.Int), UnstakeDelaySec: new(big.Int)}
}

func validationRevert(t *testing.T, preOpGas, prefund int64, sigFailed bool) string {
	t.Helper()
	return encodeRevert(t, "ValidationResult", returnInfoArg{
		PreOpGas:         big.NewInt(preOpGas),
		Prefund:          big.NewInt(prefund),
		SigFailed:        sigFailed,
		ValidAfter:       new(big.Int),
		ValidUntil:       new(big.Int),
		PaymasterContext: []byte{},
	}, emptyStake(), emptyStake(), emptyStake())
}

func newEntryPointFixture(t *testing.T) (*EntryPointClient, *fakeEth) {
	t.Helper()
	eth := &fakeEth{
		header:   &types.Header{BaseFee: big.NewInt(100)},
		tipCap:   big.NewInt(10),
		gasPrice: big.NewInt(120),
	}
	client, err := NewEntryPointClient(zap.NewNop(), eth, testEntryPoint, big.NewInt(31337), testSignerKey)
	require.NoError(t, err)
	return client, eth
}

func TestEntryPoint_SimulateValidation(t *testing.T) {
	op := makeOp(common.BigToAddress(big.NewInt(1)), 0, 1e9, 2e9)

	t.Run("validation result is the success path", func(t *testing.T) {
		client, eth := newEntryPointFixture(t)
		eth.callErr = &rpcError{data: validationRevert(t, 55000, 123456, false)}

		sim, err := client.SimulateValidation(context.Background(), op)
		require.NoError(t, err)
		require.Equal(t, int64(55000), sim.PreOpGas.Int64())
		require.Equal(t, int64(123456), sim.Prefund.Int64())
	})

	t.Run("signature failure rejects", func(t *testing.T) {
		client, eth := newEntryPointFixture(t)
		eth.callErr = &rpcError{data: validationRevert(t, 55000, 123456, true)}

		_, err := client.SimulateValidation(context.Background(), op)
		require.ErrorIs(t, err, ErrSimulationFailed)
		require.Contains(t, err.Error(), "signature")
	})

	t.Run("aggregation is unsupported", func(t *testing.T) {
		client, eth := newEntryPointFixture(t)
		eth.callErr = &rpcError{data: encodeRevert(t, "ValidationResultWithAggregation", returnInfoArg{
			PreOpGas:         big.NewInt(1),
			Prefund:          big.NewInt(1),
			ValidAfter:       new(big.Int),
			ValidUntil:       new(big.Int),
			PaymasterContext: []byte{},
		}, emptyStake(), emptyStake(), emptyStake(), aggregatorInfoArg{
			Aggregator: common.BigToAddress(big.NewInt(7)),
			StakeInfo:  emptyStake(),
		})}

		_, err := client.SimulateValidation(context.Background(), op)
		require.ErrorIs(t, err, ErrUnsupportedAggregator)
	})

	t.Run("failed op maps AA codes", func(t *testing.T) {
		cases := []struct {
			reason string
			want   error
		}{
			{"AA21 didn't pay prefund", ErrInsufficientFunds},
			{"AA31 paymaster deposit too low", ErrPaymasterDepleted},
			{"AA23 reverted (or OOG)", ErrSimulationFailed},
		}
		for _, tc := range cases {
			client, eth := newEntryPointFixture(t)
			eth.callErr = &rpcError{data: encodeRevert(t, "FailedOp", big.NewInt(0), tc.reason)}

			_, err := client.SimulateValidation(context.Background(), op)
			require.ErrorIs(t, err, tc.want, "reason %q", tc.reason)
			require.Contains(t, err.Error(), tc.reason)
		}
	})

	t.Run("plain revert string rejects", func(t *testing.T) {
		client, eth := newEntryPointFixture(t)
		eth.callErr = &rpcError{data: encodeErrorString(t, "not from EntryPoint")}

		_, err := client.SimulateValidation(context.Background(), op)
		require.ErrorIs(t, err, ErrSimulationFailed)
		require.Contains(t, err.Error(), "not from EntryPoint")
	})

	t.Run("a call that does not revert is broken", func(t *testing.T) {
		client, _ := newEntryPointFixture(t)
		_, err := client.SimulateValidation(context.Background(), op)
		require.ErrorIs(t, err, ErrEntryPointFailure)
	})

	t.Run("a revert without data is an infrastructure error", func(t *testing.T) {
		client, eth := newEntryPointFixture(t)
		eth.callErr = errors.New("connection refused")

		_, err := client.SimulateValidation(context.Background(), op)
		require.ErrorIs(t, err, ErrEntryPointFailure)
	})
}

func TestEntryPoint_GetSenderAddress(t *testing.T) {
	client, eth := newEntryPointFixture(t)
	want := common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	eth.callErr = &rpcError{data: encodeRevert(t, "SenderAddressResult", want)}

	sender, err := client.GetSenderAddress(context.Background(), []byte{0x01})
	require.NoError(t, err)
	require.Equal(t, want, sender)
}

func TestEntryPoint_FeeData(t *testing.T) {
	t.Run("eip1559", func(t *testing.T) {
		client, _ := newEntryPointFixture(t)
		fees, err := client.FeeData(context.Background())
		require.NoError(t, err)
		// twice the base fee plus the tip
		require.Equal(t, int64(210), fees.MaxFeePerGas.Int64())
		require.Equal(t, int64(10), fees.MaxPriorityFeePerGas.Int64())
	})

	t.Run("legacy fallback", func(t *testing.T) {
		client, eth := newEntryPointFixture(t)
		eth.header = &types.Header{}
		fees, err := client.FeeData(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(120), fees.MaxFeePerGas.Int64())
		require.Equal(t, int64(120), fees.MaxPriorityFeePerGas.Int64())
	})
}

func TestEntryPoint_HandleOps(t *testing.T) {
	client, eth := newEntryPointFixture(t)
	eth.nonce = 5
	ops := []*UserOperation{makeOp(common.BigToAddress(big.NewInt(1)), 0, 1e9, 2e9)}
	overrides := GasOverrides{
		GasLimit:             1_000_000,
		MaxFeePerGas:         big.NewInt(3e9),
		MaxPriorityFeePerGas: big.NewInt(1e9),
	}

	txHash, err := client.HandleOps(context.Background(), ops, common.BigToAddress(big.NewInt(9)), overrides)
	require.NoError(t, err)
	require.NotNil(t, eth.sentTx)
	require.Equal(t, eth.sentTx.Hash(), txHash)
	require.Equal(t, testEntryPoint, *eth.sentTx.To())
	require.Equal(t, uint64(5), eth.sentTx.Nonce())
	require.Equal(t, uint64(1_000_000), eth.sentTx.Gas())
	require.Equal(t, int64(3e9), eth.sentTx.GasFeeCap().Int64())
	require.Equal(t, int64(1e9), eth.sentTx.GasTipCap().Int64())
	require.NotEmpty(t, eth.sentTx.Data())
}

func TestEntryPoint_StakeManagement(t *testing.T) {
	client, eth := newEntryPointFixture(t)
	eth.nonce = 7
	to := common.BigToAddress(big.NewInt(9))

	txHash, err := client.AddStake(context.Background(), 86400, big.NewInt(1e18))
	require.NoError(t, err)
	require.Equal(t, eth.sentTx.Hash(), txHash)
	require.Equal(t, testEntryPoint, *eth.sentTx.To())
	require.Equal(t, uint64(7), eth.sentTx.Nonce())
	require.Equal(t, int64(1e18), eth.sentTx.Value().Int64())
	require.Equal(t, entryPointABI.Methods["addStake"].ID, eth.sentTx.Data()[:4])
	// priced at current network fees, 2x base fee plus the tip
	require.Equal(t, int64(210), eth.sentTx.GasFeeCap().Int64())
	require.Equal(t, int64(10), eth.sentTx.GasTipCap().Int64())

	_, err = client.UnlockStake(context.Background())
	require.NoError(t, err)
	require.Equal(t, entryPointABI.Methods["unlockStake"].ID, eth.sentTx.Data()[:4])
	require.Zero(t, eth.sentTx.Value().Sign())

	_, err = client.WithdrawStake(context.Background(), to)
	require.NoError(t, err)
	require.Equal(t, entryPointABI.Methods["withdrawStake"].ID, eth.sentTx.Data()[:4])

	_, err = client.WithdrawTo(context.Background(), to, big.NewInt(500))
	require.NoError(t, err)
	require.Equal(t, entryPointABI.Methods["withdrawTo"].ID, eth.sentTx.Data()[:4])
}

func TestEntryPoint_EstimateUserOpGas(t *testing.T) {
	client, eth := newEntryPointFixture(t)
	eth.callErr = &rpcError{data: validationRevert(t, 48000, 1, false)}
	op := makeOp(common.BigToAddress(big.NewInt(1)), 0, 1e9, 2e9)
	op.VerificationGasLimit = big.NewInt(100000)
	op.CallGasLimit = big.NewInt(80000)

	estimate, err := client.EstimateUserOpGas(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, int64(48000), estimate.PreVerificationGas.ToInt().Int64())
	require.Equal(t, int64(150000), estimate.VerificationGasLimit.ToInt().Int64())
	require.Equal(t, int64(88000), estimate.CallGasLimit.ToInt().Int64())
	// fees carry 10% headroom over the suggestion
	require.Equal(t, int64(231), estimate.MaxFeePerGas.ToInt().Int64())
	require.Equal(t, int64(11), estimate.MaxPriorityFeePerGas.ToInt().Int64())
}

func TestEntryPoint_BalanceOf(t *testing.T) {
	client, eth := newEntryPointFixture(t)
	args := abi.Arguments{{Type: uint256Type}}
	encoded, err := args.Pack(big.NewInt(42))
	require.NoError(t, err)
	eth.callResult = encoded

	balance, err := client.BalanceOf(context.Background(), common.BigToAddress(big.NewInt(1)))
	require.NoError(t, err)
	require.Equal(t, int64(42), balance.Int64())
}

// addressTopic left-pads an address into an indexed log topic.
func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(a.Bytes(), 32))
}

func TestEntryPoint_UserOperationReceipt(t *testing.T) {
	client, eth := newEntryPointFixture(t)
	opHash := common.HexToHash("0x1111")
	otherHash := common.HexToHash("0x2222")
	sender := common.BigToAddress(big.NewInt(3))
	paymaster := common.BigToAddress(big.NewInt(4))

	eventData, err := entryPointABI.Events["UserOperationEvent"].Inputs.NonIndexed().Pack(
		big.NewInt(0), true, big.NewInt(5000), big.NewInt(100))
	require.NoError(t, err)

	otherLog := &types.Log{Address: testEntryPoint, Topics: []common.Hash{
		userOperationEventID, otherHash, addressTopic(sender), common.Hash{},
	}, Data: eventData}
	innerLog := &types.Log{Address: sender, Topics: []common.Hash{common.HexToHash("0xfeed")}}
	opLog := &types.Log{Address: testEntryPoint, Topics: []common.Hash{
		userOperationEventID, opHash, addressTopic(sender), addressTopic(paymaster),
	}, Data: eventData}

	txHash := common.HexToHash("0xabc")
	eth.receipt = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(42),
		Logs:        []*types.Log{otherLog, innerLog, opLog},
	}

	record := &UserOpRecord{
		Hash:            opHash,
		Op:              makeOp(sender, 0, 1e9, 2e9),
		Status:          OpStatusConfirmed,
		TransactionHash: &txHash,
	}
	receipt, err := client.UserOperationReceipt(context.Background(), record)
	require.NoError(t, err)
	require.Equal(t, opHash, receipt.UserOpHash)
	require.Equal(t, sender, receipt.Sender)
	require.True(t, receipt.Success)
	require.Equal(t, int64(5000), receipt.ActualGasCost.ToInt().Int64())
	require.NotNil(t, receipt.Paymaster)
	require.Equal(t, paymaster, *receipt.Paymaster)

	// only the log emitted between the previous op's event and ours
	require.Len(t, receipt.Logs, 1)
	require.Equal(t, innerLog, receipt.Logs[0])
}
