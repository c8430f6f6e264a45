package gaslift

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// Trimmed EntryPoint v0.6 ABI: only the calls, events and custom errors the
// bundler touches. simulateValidation and getSenderAddress report their
// results by reverting, so their "outputs" live in the error entries.
const entryPointABIJSON = `[
	{
		"inputs": [
			{"internalType": "uint256", "name": "preOpGas", "type": "uint256"},
			{"internalType": "uint256", "name": "paid", "type": "uint256"},
			{"internalType": "uint48", "name": "validAfter", "type": "uint48"},
			{"internalType": "uint48", "name": "validUntil", "type": "uint48"},
			{"internalType": "bool", "name": "targetSuccess", "type": "bool"},
			{"internalType": "bytes", "name": "targetResult", "type": "bytes"}
		],
		"name": "ExecutionResult",
		"type": "error"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "opIndex", "type": "uint256"},
			{"internalType": "string", "name": "reason", "type": "string"}
		],
		"name": "FailedOp",
		"type": "error"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "sender", "type": "address"}
		],
		"name": "SenderAddressResult",
		"type": "error"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "aggregator", "type": "address"}
		],
		"name": "SignatureValidationFailed",
		"type": "error"
	},
	{
		"inputs": [
			{
				"components": [
					{"internalType": "uint256", "name": "preOpGas", "type": "uint256"},
					{"internalType": "uint256", "name": "prefund", "type": "uint256"},
					{"internalType": "bool", "name": "sigFailed", "type": "bool"},
					{"internalType": "uint48", "name": "validAfter", "type": "uint48"},
					{"internalType": "uint48", "name": "validUntil", "type": "uint48"},
					{"internalType": "bytes", "name": "paymasterContext", "type": "bytes"}
				],
				"internalType": "struct IEntryPoint.ReturnInfo",
				"name": "returnInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "senderInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "factoryInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "paymasterInfo",
				"type": "tuple"
			}
		],
		"name": "ValidationResult",
		"type": "error"
	},
	{
		"inputs": [
			{
				"components": [
					{"internalType": "uint256", "name": "preOpGas", "type": "uint256"},
					{"internalType": "uint256", "name": "prefund", "type": "uint256"},
					{"internalType": "bool", "name": "sigFailed", "type": "bool"},
					{"internalType": "uint48", "name": "validAfter", "type": "uint48"},
					{"internalType": "uint48", "name": "validUntil", "type": "uint48"},
					{"internalType": "bytes", "name": "paymasterContext", "type": "bytes"}
				],
				"internalType": "struct IEntryPoint.ReturnInfo",
				"name": "returnInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "senderInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "factoryInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "paymasterInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "address", "name": "aggregator", "type": "address"},
					{
						"components": [
							{"internalType": "uint256", "name": "stake", "type": "uint256"},
							{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
						],
						"internalType": "struct IStakeManager.StakeInfo",
						"name": "stakeInfo",
						"type": "tuple"
					}
				],
				"internalType": "struct IEntryPoint.AggregatorStakeInfo",
				"name": "aggregatorInfo",
				"type": "tuple"
			}
		],
		"name": "ValidationResultWithAggregation",
		"type": "error"
	},
	{
		"anonymous": false,
		"inputs": [],
		"name": "BeforeExecution",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes32", "name": "userOpHash", "type": "bytes32"},
			{"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "paymaster", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "nonce", "type": "uint256"},
			{"indexed": false, "internalType": "bool", "name": "success", "type": "bool"},
			{"indexed": false, "internalType": "uint256", "name": "actualGasCost", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "actualGasUsed", "type": "uint256"}
		],
		"name": "UserOperationEvent",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes32", "name": "userOpHash", "type": "bytes32"},
			{"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "nonce", "type": "uint256"},
			{"indexed": false, "internalType": "bytes", "name": "revertReason", "type": "bytes"}
		],
		"name": "UserOperationRevertReason",
		"type": "event"
	},
	{
		"inputs": [
			{"internalType": "uint32", "name": "unstakeDelaySec", "type": "uint32"}
		],
		"name": "addStake",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "account", "type": "address"}
		],
		"name": "balanceOf",
		"outputs": [
			{"internalType": "uint256", "name": "", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "account", "type": "address"}
		],
		"name": "getDepositInfo",
		"outputs": [
			{
				"components": [
					{"internalType": "uint112", "name": "deposit", "type": "uint112"},
					{"internalType": "bool", "name": "staked", "type": "bool"},
					{"internalType": "uint112", "name": "stake", "type": "uint112"},
					{"internalType": "uint32", "name": "unstakeDelaySec", "type": "uint32"},
					{"internalType": "uint48", "name": "withdrawTime", "type": "uint48"}
				],
				"internalType": "struct IStakeManager.DepositInfo",
				"name": "info",
				"type": "tuple"
			}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "sender", "type": "address"},
			{"internalType": "uint192", "name": "key", "type": "uint192"}
		],
		"name": "getNonce",
		"outputs": [
			{"internalType": "uint256", "name": "nonce", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "bytes", "name": "initCode", "type": "bytes"}
		],
		"name": "getSenderAddress",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "sender", "type": "address"},
					{"internalType": "uint256", "name": "nonce", "type": "uint256"},
					{"internalType": "bytes", "name": "initCode", "type": "bytes"},
					{"internalType": "bytes", "name": "callData", "type": "bytes"},
					{"internalType": "uint256", "name": "callGasLimit", "type": "uint256"},
					{"internalType": "uint256", "name": "verificationGasLimit", "type": "uint256"},
					{"internalType": "uint256", "name": "preVerificationGas", "type": "uint256"},
					{"internalType": "uint256", "name": "maxFeePerGas", "type": "uint256"},
					{"internalType": "uint256", "name": "maxPriorityFeePerGas", "type": "uint256"},
					{"internalType": "bytes", "name": "paymasterAndData", "type": "bytes"},
					{"internalType": "bytes", "name": "signature", "type": "bytes"}
				],
				"internalType": "struct UserOperation[]",
				"name": "ops",
				"type": "tuple[]"
			},
			{"internalType": "address payable", "name": "beneficiary", "type": "address"}
		],
		"name": "handleOps",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "sender", "type": "address"},
					{"internalType": "uint256", "name": "nonce", "type": "uint256"},
					{"internalType": "bytes", "name": "initCode", "type": "bytes"},
					{"internalType": "bytes", "name": "callData", "type": "bytes"},
					{"internalType": "uint256", "name": "callGasLimit", "type": "uint256"},
					{"internalType": "uint256", "name": "verificationGasLimit", "type": "uint256"},
					{"internalType": "uint256", "name": "preVerificationGas", "type": "uint256"},
					{"internalType": "uint256", "name": "maxFeePerGas", "type": "uint256"},
					{"internalType": "uint256", "name": "maxPriorityFeePerGas", "type": "uint256"},
					{"internalType": "bytes", "name": "paymasterAndData", "type": "bytes"},
					{"internalType": "bytes", "name": "signature", "type": "bytes"}
				],
				"internalType": "struct UserOperation",
				"name": "userOp",
				"type": "tuple"
			}
		],
		"name": "simulateValidation",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "unlockStake",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address payable", "name": "withdrawAddress", "type": "address"}
		],
		"name": "withdrawStake",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address payable", "name": "withdrawAddress", "type": "address"},
			{"internalType": "uint256", "name": "withdrawAmount", "type": "uint256"}
		],
		"name": "withdrawTo",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var (
	entryPointABI abi.ABI

	userOperationEventID       common.Hash
	userOperationRevertEventID common.Hash

	errorStringSelector = []byte{0x08, 0xc3, 0x79, 0xa0} // Error(string)
	panicSelector       = []byte{0x4e, 0x48, 0x7b, 0x71} // Panic(uint256)
)

func init() {
	var err error
	entryPointABI, err = abi.JSON(bytes.NewReader([]byte(entryPointABIJSON)))
	if err != nil {
		panic(fmt.Sprintf("failed to parse EntryPoint ABI: %v", err))
	}
	userOperationEventID = entryPointABI.Events["UserOperationEvent"].ID
	userOperationRevertEventID = entryPointABI.Events["UserOperationRevertReason"].ID
}

// abiUserOperation mirrors the UserOperation tuple for ABI packing.
type abiUserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func toABIUserOp(op *UserOperation) abiUserOperation {
	return abiUserOperation{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

type abiReturnInfo struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

type abiDepositInfo struct {
	Deposit         *big.Int
	Staked          bool
	Stake           *big.Int
	UnstakeDelaySec uint32
	WithdrawTime    *big.Int
}

// SimulationResult is the decoded ValidationResult of a successful
// simulateValidation call.
type SimulationResult struct {
	PreOpGas   *big.Int
	Prefund    *big.Int
	ValidAfter uint64
	ValidUntil uint64
}

// DepositInfo is the EntryPoint stake-manager view of an account.
type DepositInfo struct {
	Deposit         *big.Int
	Staked          bool
	Stake           *big.Int
	UnstakeDelaySec uint32
	WithdrawTime    uint64
}

// FeeData is the current network fee picture used to price bundle
// transactions.
type FeeData struct {
	BaseFee              *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// EthBackend is the part of the execution client the EntryPoint adapter
// needs. *ethclient.Client satisfies it.
type EthBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

const receiptPollInterval = 2 * time.Second

// EntryPointClient wraps every interaction with the EntryPoint contract and
// the bundler's signing key.
type EntryPointClient struct {
	log           *zap.Logger
	eth           EthBackend
	address       common.Address
	chainID       *big.Int
	signer        types.Signer
	signerKey     *ecdsa.PrivateKey
	signerAddress common.Address
}

func NewEntryPointClient(log *zap.Logger, eth EthBackend, address common.Address, chainID *big.Int, privateKeyHex string) (*EntryPointClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid bundler private key: %w", err)
	}
	return &EntryPointClient{
		log:           log.With(zap.String("entryPoint", address.Hex())),
		eth:           eth,
		address:       address,
		chainID:       chainID,
		signer:        types.LatestSignerForChainID(chainID),
		signerKey:     key,
		signerAddress: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (c *EntryPointClient) Address() common.Address {
	return c.address
}

func (c *EntryPointClient) SignerAddress() common.Address {
	return c.signerAddress
}

// SimulateValidation runs EntryPoint.simulateValidation via eth_call. The
// call reverting with ValidationResult is the success path, every other
// outcome maps to a rejection or an infrastructure error.
func (c *EntryPointClient) SimulateValidation(ctx context.Context, op *UserOperation) (*SimulationResult, error) {
	data, err := entryPointABI.Pack("simulateValidation", toABIUserOp(op))
	if err != nil {
		return nil, fmt.Errorf("%w: pack simulateValidation: %s", ErrEntryPointFailure, err)
	}
	_, callErr := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if callErr == nil {
		// a real EntryPoint always reverts here
		return nil, fmt.Errorf("%w: simulateValidation did not revert", ErrEntryPointFailure)
	}
	revertData := revertDataFromError(callErr)
	if revertData == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryPointFailure, callErr)
	}

	name, values, err := decodeEntryPointRevert(revertData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryPointFailure, err)
	}
	switch name {
	case "ValidationResult":
		if len(values) < 1 {
			return nil, fmt.Errorf("%w: malformed ValidationResult", ErrEntryPointFailure)
		}
		info := *abi.ConvertType(values[0], new(abiReturnInfo)).(*abiReturnInfo)
		if info.SigFailed {
			return nil, fmt.Errorf("%w: signature verification failed", ErrSimulationFailed)
		}
		return &SimulationResult{
			PreOpGas:   info.PreOpGas,
			Prefund:    info.Prefund,
			ValidAfter: info.ValidAfter.Uint64(),
			ValidUntil: info.ValidUntil.Uint64(),
		}, nil
	case "ValidationResultWithAggregation":
		return nil, ErrUnsupportedAggregator
	case "FailedOp":
		return nil, failedOpToError(values)
	case "Error":
		reason, _ := values[0].(string)
		return nil, fmt.Errorf("%w: %s", ErrSimulationFailed, reason)
	case "Panic":
		code, _ := values[0].(*big.Int)
		return nil, fmt.Errorf("%w: panic %#x", ErrSimulationFailed, code)
	default:
		return nil, fmt.Errorf("%w: unexpected revert %s", ErrEntryPointFailure, name)
	}
}

// EstimateUserOpGas derives gas limits from a validation run, with headroom
// on the caller's own budgets and on current network fees.
func (c *EntryPointClient) EstimateUserOpGas(ctx context.Context, op *UserOperation) (*GasEstimate, error) {
	sim, err := c.SimulateValidation(ctx, op)
	if err != nil {
		return nil, err
	}

	fees, err := c.FeeData(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryPointFailure, err)
	}

	return &GasEstimate{
		PreVerificationGas:   (*hexutil.Big)(new(big.Int).Set(sim.PreOpGas)),
		VerificationGasLimit: (*hexutil.Big)(mulDiv(op.VerificationGasLimit, 3, 2)),
		CallGasLimit:         (*hexutil.Big)(mulDiv(op.CallGasLimit, 11, 10)),
		MaxFeePerGas:         (*hexutil.Big)(mulDiv(fees.MaxFeePerGas, 11, 10)),
		MaxPriorityFeePerGas: (*hexutil.Big)(mulDiv(fees.MaxPriorityFeePerGas, 11, 10)),
	}, nil
}

// FeeData prices a transaction for the next blocks: twice the current base
// fee plus the suggested tip. Pre-London chains fall back to the legacy gas
// price for both caps.
func (c *EntryPointClient) FeeData(ctx context.Context) (*FeeData, error) {
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if head.BaseFee == nil {
		gasPrice, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		return &FeeData{
			BaseFee:              new(big.Int),
			MaxFeePerGas:         gasPrice,
			MaxPriorityFeePerGas: new(big.Int).Set(gasPrice),
		}, nil
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return &FeeData{
		BaseFee:              head.BaseFee,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
	}, nil
}

// HandleOps signs and broadcasts an EntryPoint.handleOps transaction
// carrying the bundle and returns its hash.
func (c *EntryPointClient) HandleOps(ctx context.Context, ops []*UserOperation, beneficiary common.Address, overrides GasOverrides) (common.Hash, error) {
	abiOps := make([]abiUserOperation, len(ops))
	for i, op := range ops {
		abiOps[i] = toABIUserOp(op)
	}
	data, err := entryPointABI.Pack("handleOps", abiOps, beneficiary)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: pack handleOps: %s", ErrEntryPointFailure, err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.signerAddress)
	if err != nil {
		return common.Hash{}, err
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: overrides.MaxPriorityFeePerGas,
		GasFeeCap: overrides.MaxFeePerGas,
		Gas:       overrides.GasLimit,
		To:        &c.address,
		Value:     new(big.Int),
		Data:      data,
	})
	signedTx, err := types.SignTx(tx, c.signer, c.signerKey)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, err
	}
	return signedTx.Hash(), nil
}

// TransactionReceipt is a passthrough used to resolve block hashes for
// confirmed operations.
func (c *EntryPointClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, txHash)
}

// WaitMined polls for the transaction receipt until the context expires.
func (c *EntryPointClient) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	poll := func() error {
		r, err := c.eth.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}
	back := backoff.WithContext(backoff.NewConstantBackOff(receiptPollInterval), ctx)
	if err := backoff.Retry(poll, back); err != nil {
		return nil, err
	}
	return receipt, nil
}

// GetSenderAddress resolves the counterfactual account address for an
// initCode. Like simulateValidation, the EntryPoint answers by reverting.
func (c *EntryPointClient) GetSenderAddress(ctx context.Context, initCode []byte) (common.Address, error) {
	data, err := entryPointABI.Pack("getSenderAddress", initCode)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: pack getSenderAddress: %s", ErrEntryPointFailure, err)
	}
	_, callErr := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if callErr == nil {
		return common.Address{}, fmt.Errorf("%w: getSenderAddress did not revert", ErrEntryPointFailure)
	}
	revertData := revertDataFromError(callErr)
	if revertData == nil {
		return common.Address{}, fmt.Errorf("%w: %s", ErrEntryPointFailure, callErr)
	}
	name, values, err := decodeEntryPointRevert(revertData)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %s", ErrEntryPointFailure, err)
	}
	if name != "SenderAddressResult" || len(values) < 1 {
		return common.Address{}, fmt.Errorf("%w: unexpected revert %s", ErrEntryPointFailure, name)
	}
	sender, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: malformed SenderAddressResult", ErrEntryPointFailure)
	}
	return sender, nil
}

func (c *EntryPointClient) GetDepositInfo(ctx context.Context, account common.Address) (*DepositInfo, error) {
	data, err := entryPointABI.Pack("getDepositInfo", account)
	if err != nil {
		return nil, fmt.Errorf("%w: pack getDepositInfo: %s", ErrEntryPointFailure, err)
	}
	res, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := entryPointABI.Unpack("getDepositInfo", res)
	if err != nil || len(values) < 1 {
		return nil, fmt.Errorf("%w: unpack getDepositInfo: %s", ErrEntryPointFailure, err)
	}
	info := *abi.ConvertType(values[0], new(abiDepositInfo)).(*abiDepositInfo)
	return &DepositInfo{
		Deposit:         info.Deposit,
		Staked:          info.Staked,
		Stake:           info.Stake,
		UnstakeDelaySec: info.UnstakeDelaySec,
		WithdrawTime:    info.WithdrawTime.Uint64(),
	}, nil
}

// stakeTxGas covers the EntryPoint stake-manager calls, which are plain
// storage updates and transfers.
const stakeTxGas = 200_000

// sendSignedCall signs and broadcasts a transaction to the EntryPoint priced
// at current network fees. The stake-management passthroughs use it.
func (c *EntryPointClient) sendSignedCall(ctx context.Context, data []byte, value *big.Int) (common.Hash, error) {
	fees, err := c.FeeData(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.signerAddress)
	if err != nil {
		return common.Hash{}, err
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       stakeTxGas,
		To:        &c.address,
		Value:     value,
		Data:      data,
	})
	signedTx, err := types.SignTx(tx, c.signer, c.signerKey)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, err
	}
	return signedTx.Hash(), nil
}

// AddStake locks value as the bundler's stake in the EntryPoint with the
// given unstake delay.
func (c *EntryPointClient) AddStake(ctx context.Context, unstakeDelaySec uint32, value *big.Int) (common.Hash, error) {
	data, err := entryPointABI.Pack("addStake", unstakeDelaySec)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: pack addStake: %s", ErrEntryPointFailure, err)
	}
	return c.sendSignedCall(ctx, data, value)
}

// UnlockStake starts the unstake delay of the bundler's stake.
func (c *EntryPointClient) UnlockStake(ctx context.Context) (common.Hash, error) {
	data, err := entryPointABI.Pack("unlockStake")
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: pack unlockStake: %s", ErrEntryPointFailure, err)
	}
	return c.sendSignedCall(ctx, data, new(big.Int))
}

// WithdrawStake pays the unlocked stake out to an address.
func (c *EntryPointClient) WithdrawStake(ctx context.Context, to common.Address) (common.Hash, error) {
	data, err := entryPointABI.Pack("withdrawStake", to)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: pack withdrawStake: %s", ErrEntryPointFailure, err)
	}
	return c.sendSignedCall(ctx, data, new(big.Int))
}

// WithdrawTo pays part of the bundler's deposit out to an address.
func (c *EntryPointClient) WithdrawTo(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	data, err := entryPointABI.Pack("withdrawTo", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: pack withdrawTo: %s", ErrEntryPointFailure, err)
	}
	return c.sendSignedCall(ctx, data, new(big.Int))
}

// BalanceOf returns an account's EntryPoint deposit balance.
func (c *EntryPointClient) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := entryPointABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("%w: pack balanceOf: %s", ErrEntryPointFailure, err)
	}
	res, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := entryPointABI.Unpack("balanceOf", res)
	if err != nil || len(values) < 1 {
		return nil, fmt.Errorf("%w: unpack balanceOf: %s", ErrEntryPointFailure, err)
	}
	return *abi.ConvertType(values[0], new(*big.Int)).(**big.Int), nil
}

// GetNonce reads the account's next nonce for a key from the EntryPoint
// nonce manager.
func (c *EntryPointClient) GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	data, err := entryPointABI.Pack("getNonce", sender, key)
	if err != nil {
		return nil, fmt.Errorf("%w: pack getNonce: %s", ErrEntryPointFailure, err)
	}
	res, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := entryPointABI.Unpack("getNonce", res)
	if err != nil || len(values) < 1 {
		return nil, fmt.Errorf("%w: unpack getNonce: %s", ErrEntryPointFailure, err)
	}
	return *abi.ConvertType(values[0], new(*big.Int)).(**big.Int), nil
}

// SignerBalance is the bundler EOA's ether balance.
func (c *EntryPointClient) SignerBalance(ctx context.Context) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, c.signerAddress, nil)
}

// UserOperationReceipt assembles the per-op receipt from the bundle
// transaction receipt: the op's UserOperationEvent, the logs emitted while
// it executed and the revert reason when execution failed.
func (c *EntryPointClient) UserOperationReceipt(ctx context.Context, record *UserOpRecord) (*UserOperationReceipt, error) {
	if record.TransactionHash == nil {
		return nil, fmt.Errorf("%w: no transaction recorded", ErrEntryPointFailure)
	}
	receipt, err := c.eth.TransactionReceipt(ctx, *record.TransactionHash)
	if err != nil {
		return nil, err
	}

	opLogIdx := -1
	prevBoundary := -1
	for i, l := range receipt.Logs {
		if l.Address != c.address || len(l.Topics) == 0 {
			continue
		}
		if l.Topics[0] == userOperationEventID {
			if len(l.Topics) > 1 && l.Topics[1] == record.Hash {
				opLogIdx = i
				break
			}
			// someone else's op, logs up to here belong to it
			prevBoundary = i
		}
	}
	if opLogIdx < 0 {
		return nil, fmt.Errorf("%w: UserOperationEvent not found in transaction %s", ErrEntryPointFailure, record.TransactionHash.Hex())
	}
	opLog := receipt.Logs[opLogIdx]

	values, err := entryPointABI.Unpack("UserOperationEvent", opLog.Data)
	if err != nil || len(values) < 4 {
		return nil, fmt.Errorf("%w: unpack UserOperationEvent: %s", ErrEntryPointFailure, err)
	}
	nonce, _ := values[0].(*big.Int)
	success, _ := values[1].(bool)
	actualGasCost, _ := values[2].(*big.Int)
	actualGasUsed, _ := values[3].(*big.Int)

	result := &UserOperationReceipt{
		UserOpHash:    record.Hash,
		EntryPoint:    c.address,
		Sender:        common.BytesToAddress(opLog.Topics[2].Bytes()),
		Nonce:         (*hexutil.Big)(nonce),
		ActualGasCost: (*hexutil.Big)(actualGasCost),
		ActualGasUsed: (*hexutil.Big)(actualGasUsed),
		Success:       success,
		Logs:          receipt.Logs[prevBoundary+1 : opLogIdx],
		Receipt:       receipt,
	}
	if paymaster := common.BytesToAddress(opLog.Topics[3].Bytes()); paymaster != (common.Address{}) {
		result.Paymaster = &paymaster
	}
	if !success {
		result.Reason = c.revertReasonForOp(receipt, record.Hash)
	}
	return result, nil
}

// revertReasonForOp decodes the UserOperationRevertReason event payload for
// a failed op, when the account emitted one.
func (c *EntryPointClient) revertReasonForOp(receipt *types.Receipt, opHash common.Hash) string {
	for _, l := range receipt.Logs {
		if l.Address != c.address || len(l.Topics) < 2 {
			continue
		}
		if l.Topics[0] != userOperationRevertEventID || l.Topics[1] != opHash {
			continue
		}
		values, err := entryPointABI.Unpack("UserOperationRevertReason", l.Data)
		if err != nil || len(values) < 2 {
			return ""
		}
		revertData, _ := values[1].([]byte)
		return decodeRevertText(revertData)
	}
	return ""
}

// failedOpToError maps a FailedOp revert to a rejection error. The AA error
// code prefixes are standardized: AA21 is the sender failing to prefund,
// AA31 is a depleted paymaster.
func failedOpToError(values []interface{}) error {
	if len(values) < 2 {
		return fmt.Errorf("%w: malformed FailedOp", ErrEntryPointFailure)
	}
	reason, _ := values[1].(string)
	switch {
	case strings.HasPrefix(reason, "AA21"):
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, reason)
	case strings.HasPrefix(reason, "AA31"):
		return fmt.Errorf("%w: %s", ErrPaymasterDepleted, reason)
	default:
		return fmt.Errorf("%w: %s", ErrSimulationFailed, reason)
	}
}

// revertDataFromError pulls the revert payload out of an eth_call error.
// The go-ethereum rpc client surfaces it through the ErrorData method.
func revertDataFromError(err error) []byte {
	type errorCoder interface {
		ErrorCode() int
		ErrorData() interface{}
	}
	var coder errorCoder
	if !errors.As(err, &coder) {
		return nil
	}
	dataHex, ok := coder.ErrorData().(string)
	if !ok || len(dataHex) <= 2 {
		return nil
	}
	data, decodeErr := hexutil.Decode(dataHex)
	if decodeErr != nil {
		return nil
	}
	return data
}

// decodeEntryPointRevert matches the selector against the EntryPoint custom
// errors, then against the standard Error(string) and Panic(uint256)
// wrappers, and unpacks the payload.
func decodeEntryPointRevert(revertData []byte) (string, []interface{}, error) {
	if len(revertData) < 4 {
		return "", nil, errors.New("revert data shorter than a selector")
	}
	selector := revertData[:4]
	payload := revertData[4:]

	for name, customErr := range entryPointABI.Errors {
		if !bytes.Equal(customErr.ID[:4], selector) {
			continue
		}
		values, err := customErr.Inputs.Unpack(payload)
		if err != nil {
			return "", nil, fmt.Errorf("unpack %s: %w", name, err)
		}
		return name, values, nil
	}

	if bytes.Equal(selector, errorStringSelector) {
		args := abi.Arguments{{Type: mustABIType("string")}}
		values, err := args.Unpack(payload)
		if err != nil {
			return "", nil, fmt.Errorf("unpack Error(string): %w", err)
		}
		return "Error", values, nil
	}
	if bytes.Equal(selector, panicSelector) {
		args := abi.Arguments{{Type: uint256Type}}
		values, err := args.Unpack(payload)
		if err != nil {
			return "", nil, fmt.Errorf("unpack Panic(uint256): %w", err)
		}
		return "Panic", values, nil
	}
	return "", nil, fmt.Errorf("unknown revert selector %s", hexutil.Encode(selector))
}

// decodeRevertText renders raw revert bytes as text when they carry an
// Error(string), otherwise as hex.
func decodeRevertText(revertData []byte) string {
	if len(revertData) == 0 {
		return ""
	}
	name, values, err := decodeEntryPointRevert(revertData)
	if err == nil && name == "Error" && len(values) > 0 {
		if reason, ok := values[0].(string); ok {
			return reason
		}
	}
	return hexutil.Encode(revertData)
}
