// Package gaslift implements an ERC-4337 bundler: a mempool of user
// operations backed by postgres and redis, a leader-elected worker that
// packs pending operations into EntryPoint.handleOps transactions, and the
// JSON-RPC surface wallets talk to.
package gaslift

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidUserOp          = errors.New("invalid user operation")
	ErrInvalidSender          = errors.New("invalid sender address")
	ErrInvalidSignature       = errors.New("user operation has no signature")
	ErrGasTooLow              = errors.New("gas limit or fee below acceptable minimum")
	ErrMempoolFull            = errors.New("mempool is full")
	ErrReplacementUnderpriced = errors.New("replacement operation underpriced")
	ErrSimulationFailed       = errors.New("user operation failed validation")
	ErrInsufficientFunds      = errors.New("insufficient funds to cover prefund")
	ErrPaymasterDepleted      = errors.New("paymaster deposit too low")
	ErrUnsupportedAggregator  = errors.New("signature aggregators are not supported")
	ErrUnsupportedEntryPoint  = errors.New("unsupported entry point")
	ErrEntryPointFailure      = errors.New("entry point call failed")
	ErrUnauthorized           = errors.New("unauthorized")
)

const (
	ChainIDEndpointName                  = "eth_chainId"
	SupportedEntryPointsEndpointName     = "eth_supportedEntryPoints"
	EstimateUserOperationGasEndpointName = "eth_estimateUserOperationGas"
	SendUserOperationEndpointName        = "eth_sendUserOperation"
	GetUserOperationByHashEndpointName   = "eth_getUserOperationByHash"
	GetUserOperationReceiptEndpointName  = "eth_getUserOperationReceipt"
	ClearMempoolEndpointName             = "eth_bundler_clearMempool"
	GetStatusEndpointName                = "eth_bundler_getStatus"
)

type UserOpStatus string

const (
	OpStatusPending   UserOpStatus = "pending"
	OpStatusSubmitted UserOpStatus = "submitted"
	OpStatusConfirmed UserOpStatus = "confirmed"
	OpStatusFailed    UserOpStatus = "failed"
	OpStatusRemoved   UserOpStatus = "removed"
)

type BundleStatus string

const (
	BundleStatusPending   BundleStatus = "pending"
	BundleStatusSubmitted BundleStatus = "submitted"
	BundleStatusConfirmed BundleStatus = "confirmed"
	BundleStatusFailed    BundleStatus = "failed"
)

// UserOperation is the ERC-4337 v0.6 operation. On the wire every field is
// a 0x-prefixed hex string, in memory numerics are big ints so fee math
// never goes through floats.
type UserOperation struct {
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

type userOperationJSON struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature"`
}

func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(userOperationJSON{
		Sender:               op.Sender.Hex(),
		Nonce:                hexutil.EncodeBig(op.Nonce),
		InitCode:             hexutil.Encode(op.InitCode),
		CallData:             hexutil.Encode(op.CallData),
		CallGasLimit:         hexutil.EncodeBig(op.CallGasLimit),
		VerificationGasLimit: hexutil.EncodeBig(op.VerificationGasLimit),
		PreVerificationGas:   hexutil.EncodeBig(op.PreVerificationGas),
		MaxFeePerGas:         hexutil.EncodeBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexutil.EncodeBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     hexutil.Encode(op.PaymasterAndData),
		Signature:            hexutil.Encode(op.Signature),
	})
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var raw userOperationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !common.IsHexAddress(raw.Sender) {
		return fmt.Errorf("%w: sender %q", ErrInvalidUserOp, raw.Sender)
	}
	op.Sender = common.HexToAddress(raw.Sender)

	var err error
	if op.Nonce, err = decodeBigField("nonce", raw.Nonce); err != nil {
		return err
	}
	if op.CallGasLimit, err = decodeBigField("callGasLimit", raw.CallGasLimit); err != nil {
		return err
	}
	if op.VerificationGasLimit, err = decodeBigField("verificationGasLimit", raw.VerificationGasLimit); err != nil {
		return err
	}
	if op.PreVerificationGas, err = decodeBigField("preVerificationGas", raw.PreVerificationGas); err != nil {
		return err
	}
	if op.MaxFeePerGas, err = decodeBigField("maxFeePerGas", raw.MaxFeePerGas); err != nil {
		return err
	}
	if op.MaxPriorityFeePerGas, err = decodeBigField("maxPriorityFeePerGas", raw.MaxPriorityFeePerGas); err != nil {
		return err
	}
	if op.InitCode, err = decodeBytesField("initCode", raw.InitCode); err != nil {
		return err
	}
	if op.CallData, err = decodeBytesField("callData", raw.CallData); err != nil {
		return err
	}
	if op.PaymasterAndData, err = decodeBytesField("paymasterAndData", raw.PaymasterAndData); err != nil {
		return err
	}
	if op.Signature, err = decodeBytesField("signature", raw.Signature); err != nil {
		return err
	}
	return nil
}

// decodeBigField accepts 0x-prefixed hex or plain decimal, both capped at
// 256 bits. A missing numeric field is an error, wallets must be explicit
// about gas and fees.
func decodeBigField(field, value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidUserOp, field)
	}
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		v, err := hexutil.DecodeBig(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidUserOp, field, err)
		}
		return v, nil
	}
	v, ok := new(big.Int).SetString(value, 10)
	if !ok || v.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %s: not a decimal number", ErrInvalidUserOp, field)
	}
	return v, nil
}

// decodeBytesField treats an absent field as empty bytes, wallets commonly
// omit initCode and paymasterAndData instead of sending "0x".
func decodeBytesField(field, value string) ([]byte, error) {
	if value == "" {
		return []byte{}, nil
	}
	v, err := hexutil.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidUserOp, field, err)
	}
	return v, nil
}

func (op *UserOperation) Copy() *UserOperation {
	out := &UserOperation{
		Sender:           op.Sender,
		InitCode:         append([]byte(nil), op.InitCode...),
		CallData:         append([]byte(nil), op.CallData...),
		PaymasterAndData: append([]byte(nil), op.PaymasterAndData...),
		Signature:        append([]byte(nil), op.Signature...),
	}
	if op.Nonce != nil {
		out.Nonce = new(big.Int).Set(op.Nonce)
	}
	if op.CallGasLimit != nil {
		out.CallGasLimit = new(big.Int).Set(op.CallGasLimit)
	}
	if op.VerificationGasLimit != nil {
		out.VerificationGasLimit = new(big.Int).Set(op.VerificationGasLimit)
	}
	if op.PreVerificationGas != nil {
		out.PreVerificationGas = new(big.Int).Set(op.PreVerificationGas)
	}
	if op.MaxFeePerGas != nil {
		out.MaxFeePerGas = new(big.Int).Set(op.MaxFeePerGas)
	}
	if op.MaxPriorityFeePerGas != nil {
		out.MaxPriorityFeePerGas = new(big.Int).Set(op.MaxPriorityFeePerGas)
	}
	return out
}

// Paymaster extracts the paymaster address from paymasterAndData.
func (op *UserOperation) Paymaster() (common.Address, bool) {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength]), true
}

// UserOpRecord is the authoritative database view of an operation.
type UserOpRecord struct {
	Hash            common.Hash
	EntryPoint      common.Address
	Op              *UserOperation
	Status          UserOpStatus
	SubmittedAt     time.Time
	BundleID        string
	TransactionHash *common.Hash
	BlockNumber     *uint64
	Error           string
	OriginID        string
}

type Bundle struct {
	ID              string
	Status          BundleStatus
	SubmittedAt     time.Time
	TransactionHash *common.Hash
	BlockNumber     *uint64
	Error           string
	OpCount         int
}

// GasOverrides carries the worker's per-bundle gas decisions into the
// EntryPoint transaction.
type GasOverrides struct {
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

type GasEstimate struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

// UserOpResult is the eth_getUserOperationByHash response body.
type UserOpResult struct {
	UserOperation   *UserOperation  `json:"userOperation"`
	EntryPoint      common.Address  `json:"entryPoint"`
	Status          UserOpStatus    `json:"status"`
	SubmittedAt     hexutil.Uint64  `json:"submittedAt"`
	BundleID        string          `json:"bundleId,omitempty"`
	TransactionHash *common.Hash    `json:"transactionHash,omitempty"`
	BlockNumber     *hexutil.Big    `json:"blockNumber,omitempty"`
	BlockHash       *common.Hash    `json:"blockHash,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// UserOperationReceipt is the eth_getUserOperationReceipt response body.
// Logs carries only the entries emitted while this operation executed,
// Receipt is the enclosing bundle transaction receipt.
type UserOperationReceipt struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	EntryPoint    common.Address  `json:"entryPoint"`
	Sender        common.Address  `json:"sender"`
	Nonce         *hexutil.Big    `json:"nonce"`
	Paymaster     *common.Address `json:"paymaster,omitempty"`
	ActualGasCost *hexutil.Big    `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big    `json:"actualGasUsed"`
	Success       bool            `json:"success"`
	Reason        string          `json:"reason,omitempty"`
	Logs          []*types.Log    `json:"logs"`
	Receipt       *types.Receipt  `json:"receipt"`
}

// BundlerStatus is the eth_bundler_getStatus response body. LastBundleTime
// is unix microseconds.
type BundlerStatus struct {
	Running        bool            `json:"isRunning"`
	MempoolSize    int64           `json:"mempoolSize"`
	LastBundleID   string          `json:"lastBundleId,omitempty"`
	LastBundleTime *hexutil.Uint64 `json:"lastBundleTime,omitempty"`
}

type ClearMempoolResult struct {
	Cleared bool `json:"cleared"`
}
