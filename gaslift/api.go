package gaslift

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/temetnos/gaslift/jsonrpcserver"
	"github.com/temetnos/gaslift/metrics"
)

// Bundler-specific JSON-RPC error codes, below the -32000 server-error
// boundary. The generic envelope codes live in jsonrpcserver.
const (
	CodeInvalidUserOp        = -32000
	CodeUnsupportedOperation = -32001
	CodeGasTooLow            = -32002
	CodePaymasterDepleted    = -32003
	CodeRateLimited          = -32004
	CodeUnauthorized         = -32005
	CodeInsufficientFunds    = -32006
	CodeEntryPointError      = -32007
)

// CodeForError maps domain sentinels onto the JSON-RPC error codes clients
// are promised. Anything unrecognized is an internal error, the cause stays
// in the logs.
func CodeForError(err error) int {
	switch {
	case errors.Is(err, ErrUnsupportedEntryPoint):
		return jsonrpcserver.CodeInvalidParams
	case errors.Is(err, ErrUnsupportedAggregator):
		return CodeUnsupportedOperation
	case errors.Is(err, ErrGasTooLow):
		return CodeGasTooLow
	case errors.Is(err, ErrPaymasterDepleted):
		return CodePaymasterDepleted
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrEntryPointFailure):
		return CodeEntryPointError
	case errors.Is(err, ErrInvalidUserOp),
		errors.Is(err, ErrInvalidSender),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrSimulationFailed),
		errors.Is(err, ErrMempoolFull),
		errors.Is(err, ErrReplacementUnderpriced):
		return CodeInvalidUserOp
	default:
		return jsonrpcserver.CodeInternalError
	}
}

// GasEstimator is the estimation surface of the EntryPoint client.
type GasEstimator interface {
	EstimateUserOpGas(ctx context.Context, op *UserOperation) (*GasEstimate, error)
}

// ReceiptSource resolves receipts for confirmed operations.
// *EntryPointClient satisfies it.
type ReceiptSource interface {
	UserOperationReceipt(ctx context.Context, record *UserOpRecord) (*UserOperationReceipt, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// API implements the eth_ and eth_bundler_ JSON-RPC methods.
type API struct {
	log        *zap.Logger
	chainID    *big.Int
	entryPoint common.Address
	mempool    *Mempool
	worker     *BundleWorker
	estimator  GasEstimator
	receipts   ReceiptSource
}

func NewAPI(log *zap.Logger, chainID *big.Int, entryPoint common.Address, mempool *Mempool, worker *BundleWorker, estimator GasEstimator, receipts ReceiptSource) *API {
	return &API{
		log:        log,
		chainID:    chainID,
		entryPoint: entryPoint,
		mempool:    mempool,
		worker:     worker,
		estimator:  estimator,
		receipts:   receipts,
	}
}

// Methods builds the dispatch table for the JSON-RPC handler.
func (a *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		ChainIDEndpointName:                  a.ChainID,
		SupportedEntryPointsEndpointName:     a.SupportedEntryPoints,
		EstimateUserOperationGasEndpointName: a.EstimateUserOperationGas,
		SendUserOperationEndpointName:        a.SendUserOperation,
		GetUserOperationByHashEndpointName:   a.GetUserOperationByHash,
		GetUserOperationReceiptEndpointName:  a.GetUserOperationReceipt,
		ClearMempoolEndpointName:             a.ClearMempool,
		GetStatusEndpointName:                a.GetStatus,
	}
}

func (a *API) ChainID(ctx context.Context) (*hexutil.Big, error) {
	return (*hexutil.Big)(a.chainID), nil
}

func (a *API) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	return []common.Address{a.entryPoint}, nil
}

func (a *API) EstimateUserOperationGas(ctx context.Context, op UserOperation, entryPoint common.Address) (_ *GasEstimate, err error) {
	defer a.observe(EstimateUserOperationGasEndpointName, time.Now(), &err)
	if err := a.checkEntryPoint(entryPoint); err != nil {
		return nil, err
	}
	return a.estimator.EstimateUserOpGas(ctx, &op)
}

func (a *API) SendUserOperation(ctx context.Context, op UserOperation, entryPoint common.Address) (_ common.Hash, err error) {
	defer a.observe(SendUserOperationEndpointName, time.Now(), &err)
	if err := a.checkEntryPoint(entryPoint); err != nil {
		return common.Hash{}, err
	}
	record, err := a.mempool.Admit(ctx, &op, jsonrpcserver.GetOrigin(ctx))
	if err != nil {
		return common.Hash{}, err
	}
	return record.Hash, nil
}

// GetUserOperationByHash returns null for hashes this node never admitted.
func (a *API) GetUserOperationByHash(ctx context.Context, hash common.Hash) (_ *UserOpResult, err error) {
	defer a.observe(GetUserOperationByHashEndpointName, time.Now(), &err)
	record, err := a.mempool.Get(ctx, hash)
	if errors.Is(err, ErrUserOpNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result := &UserOpResult{
		UserOperation:   record.Op,
		EntryPoint:      record.EntryPoint,
		Status:          record.Status,
		SubmittedAt:     hexutil.Uint64(uint64(record.SubmittedAt.UnixMicro())),
		BundleID:        record.BundleID,
		TransactionHash: record.TransactionHash,
		Error:           record.Error,
	}
	if record.BlockNumber != nil {
		result.BlockNumber = (*hexutil.Big)(new(big.Int).SetUint64(*record.BlockNumber))
	}
	if record.Status == OpStatusConfirmed && record.TransactionHash != nil {
		if receipt, err := a.receipts.TransactionReceipt(ctx, *record.TransactionHash); err == nil {
			blockHash := receipt.BlockHash
			result.BlockHash = &blockHash
		} else {
			a.log.Warn("Failed to resolve block hash", zap.String("userOpHash", hash.Hex()), zap.Error(err))
		}
	}
	return result, nil
}

// GetUserOperationReceipt returns null until the operation is confirmed.
func (a *API) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (_ *UserOperationReceipt, err error) {
	defer a.observe(GetUserOperationReceiptEndpointName, time.Now(), &err)
	record, err := a.mempool.Get(ctx, hash)
	if errors.Is(err, ErrUserOpNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if record.Status != OpStatusConfirmed {
		return nil, nil
	}
	return a.receipts.UserOperationReceipt(ctx, record)
}

func (a *API) ClearMempool(ctx context.Context) (_ ClearMempoolResult, err error) {
	defer a.observe(ClearMempoolEndpointName, time.Now(), &err)
	if err := a.mempool.Clear(ctx); err != nil {
		return ClearMempoolResult{}, err
	}
	return ClearMempoolResult{Cleared: true}, nil
}

func (a *API) GetStatus(ctx context.Context) (_ *BundlerStatus, err error) {
	defer a.observe(GetStatusEndpointName, time.Now(), &err)
	return a.worker.Status(ctx)
}

func (a *API) checkEntryPoint(entryPoint common.Address) error {
	if entryPoint != a.entryPoint {
		return ErrUnsupportedEntryPoint
	}
	return nil
}

func (a *API) observe(method string, startAt time.Time, err *error) {
	metrics.RecordRPCCallDuration(method, time.Since(startAt).Milliseconds())
	if *err != nil {
		metrics.IncRPCCallFailure(method)
	}
}
