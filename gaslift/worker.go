package gaslift

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	redisadapter "github.com/temetnos/gaslift/adapters/redis"
	"github.com/temetnos/gaslift/metrics"
)

// submitRetryElapsed bounds the in-tick retry of transient RPC failures.
// Once it is spent the bundle fails and its operations do not come back.
const submitRetryElapsed = 10 * time.Second

// lockGrace is added on top of the receipt timeout when the lease is
// extended for a submitted bundle.
const lockGrace = 10 * time.Second

// BundleStore is the durable side of bundle lifecycle. *DBBackend
// satisfies it.
type BundleStore interface {
	InsertBundle(ctx context.Context, bundle *Bundle, opHashes []common.Hash) error
	MarkBundleSubmitted(ctx context.Context, bundleID string, txHash common.Hash, opHashes []common.Hash) error
	MarkBundleConfirmed(ctx context.Context, bundleID string, blockNumber uint64, opHashes []common.Hash) error
	MarkBundleFailed(ctx context.Context, bundleID string, cause string, opHashes []common.Hash) error
	GetLastBundle(ctx context.Context) (*Bundle, error)
}

// BundleSubmitter is the EntryPoint surface the worker drives.
// *EntryPointClient satisfies it.
type BundleSubmitter interface {
	FeeData(ctx context.Context) (*FeeData, error)
	HandleOps(ctx context.Context, ops []*UserOperation, beneficiary common.Address, overrides GasOverrides) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TickLock elects the bundling leader across replicas.
// *redisadapter.BundleLock satisfies it.
type TickLock interface {
	Acquire(ctx context.Context) (string, error)
	Extend(ctx context.Context, token string, ttl time.Duration) error
	Release(ctx context.Context, token string) error
}

type WorkerConfig struct {
	Interval         time.Duration
	MaxOpsPerBundle  int64
	MaxBundleGas     uint64
	TxTimeout        time.Duration
	FeeBumpPercent   int64
	GasBufferPercent int64
	Beneficiary      common.Address
	// RetryBudget bounds in-tick retries of transient RPC failures,
	// defaulting to submitRetryElapsed.
	RetryBudget time.Duration
}

// BundleWorker periodically drains the mempool into EntryPoint.handleOps
// transactions. Each tick is gated by a distributed lock so at most one
// replica bundles at a time, and each bundle runs to a terminal state before
// the lock is released.
type BundleWorker struct {
	log        *zap.Logger
	cfg        WorkerConfig
	mempool    *Mempool
	store      BundleStore
	lock       TickLock
	entryPoint BundleSubmitter

	mu         sync.Mutex
	running    bool
	lastBundle *Bundle
}

func NewBundleWorker(log *zap.Logger, cfg WorkerConfig, mempool *Mempool, store BundleStore, lock TickLock, entryPoint BundleSubmitter) *BundleWorker {
	if cfg.RetryBudget == 0 {
		cfg.RetryBudget = submitRetryElapsed
	}
	return &BundleWorker{
		log:        log,
		cfg:        cfg,
		mempool:    mempool,
		store:      store,
		lock:       lock,
		entryPoint: entryPoint,
	}
}

// Start runs the tick loop until the context is cancelled. An in-flight
// bundle finishes before the goroutine exits.
func (w *BundleWorker) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	w.setRunning(true)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer w.setRunning(false)
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.tick(ctx)
			}
		}
	}()
	return wg
}

// Status is the operator-facing snapshot served by eth_bundler_getStatus and
// the health endpoint.
func (w *BundleWorker) Status(ctx context.Context) (*BundlerStatus, error) {
	size, err := w.mempool.Size(ctx)
	if err != nil {
		return nil, err
	}
	status := &BundlerStatus{
		Running:     w.isRunning(),
		MempoolSize: size,
	}
	last := w.lastKnownBundle(ctx)
	if last != nil {
		status.LastBundleID = last.ID
		at := hexutil.Uint64(uint64(last.SubmittedAt.UnixMicro()))
		status.LastBundleTime = &at
	}
	return status, nil
}

// tick packs and submits one bundle when this replica wins the lock and the
// pool has work. Every failure path marks the bundle and its operations
// failed and still releases the lock.
func (w *BundleWorker) tick(ctx context.Context) {
	// cheap short-circuit before touching the lock
	if size, err := w.mempool.Size(ctx); err == nil && size == 0 {
		return
	}

	token, err := w.lock.Acquire(ctx)
	if errors.Is(err, redisadapter.ErrLockHeld) {
		metrics.IncBundleLockMissed()
		return
	}
	if err != nil {
		w.log.Warn("Failed to acquire bundle lock", zap.Error(err))
		return
	}
	defer func() {
		// release must run even when the tick context died mid-bundle
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.lock.Release(releaseCtx, token); err != nil && !errors.Is(err, redisadapter.ErrLockLost) {
			w.log.Warn("Failed to release bundle lock", zap.Error(err))
		}
	}()

	ops, err := w.mempool.Pending(ctx, w.cfg.MaxOpsPerBundle)
	if err != nil {
		w.log.Error("Failed to read pending operations", zap.Error(err))
		return
	}
	if len(ops) == 0 {
		return
	}

	now := time.Now().UTC()
	hashes := make([]common.Hash, len(ops))
	userOps := make([]*UserOperation, len(ops))
	for i, record := range ops {
		hashes[i] = record.Hash
		userOps[i] = record.Op
	}
	bundle := &Bundle{
		ID:          computeBundleID(hashes, now),
		Status:      BundleStatusPending,
		SubmittedAt: now,
		OpCount:     len(ops),
	}
	logger := w.log.With(zap.String("bundleId", bundle.ID), zap.Int("ops", len(ops)))

	if err := w.store.InsertBundle(ctx, bundle, hashes); err != nil {
		// nothing was submitted, the operations stay pending for the next tick
		logger.Error("Failed to create bundle row", zap.Error(err))
		return
	}
	w.rememberBundle(bundle)

	txHash, err := w.submit(ctx, userOps)
	if err != nil {
		logger.Error("Bundle submission failed", zap.Error(err))
		w.failBundle(bundle, ops, hashes, err)
		return
	}

	// the transaction is out, the bundle must reach a terminal state even
	// when shutdown cancels the tick context mid-wait
	bundleCtx, cancelBundle := context.WithTimeout(context.Background(), w.cfg.TxTimeout+lockGrace)
	defer cancelBundle()

	if err := w.store.MarkBundleSubmitted(bundleCtx, bundle.ID, txHash, hashes); err != nil {
		logger.Error("Failed to record bundle submission", zap.Error(err))
	}
	bundle.Status = BundleStatusSubmitted
	bundle.TransactionHash = &txHash
	w.rememberBundle(bundle)
	metrics.IncBundlesSubmitted()
	metrics.SetLastBundleTimestamp(now.Unix())
	logger.Info("Bundle submitted", zap.String("txHash", txHash.Hex()))

	// the receipt wait can outlive the base lock TTL
	if err := w.lock.Extend(bundleCtx, token, w.cfg.TxTimeout+lockGrace); err != nil {
		logger.Warn("Failed to extend bundle lock", zap.Error(err))
	}

	receiptCtx, cancel := context.WithTimeout(bundleCtx, w.cfg.TxTimeout)
	defer cancel()
	receipt, err := w.entryPoint.WaitMined(receiptCtx, txHash)
	if err != nil {
		w.failBundle(bundle, ops, hashes, errors.New("timed out waiting for receipt of "+txHash.Hex()))
		return
	}
	if receipt.Status == 0 {
		w.failBundle(bundle, ops, hashes, errors.New("bundle transaction reverted in block "+receipt.BlockNumber.String()))
		return
	}

	blockNumber := receipt.BlockNumber.Uint64()
	if err := w.store.MarkBundleConfirmed(bundleCtx, bundle.ID, blockNumber, hashes); err != nil {
		logger.Error("Failed to record bundle confirmation", zap.Error(err))
		return
	}
	bundle.Status = BundleStatusConfirmed
	bundle.BlockNumber = &blockNumber
	w.rememberBundle(bundle)
	w.mempool.Evict(bundleCtx, ops...)
	metrics.IncBundlesConfirmed()
	logger.Info("Bundle confirmed", zap.Uint64("blockNumber", blockNumber))
}

// submit prices and sends the handleOps transaction, retrying transient RPC
// failures within the tick budget.
func (w *BundleWorker) submit(ctx context.Context, ops []*UserOperation) (common.Hash, error) {
	var fees *FeeData
	fetchFees := func() error {
		var err error
		fees, err = w.entryPoint.FeeData(ctx)
		return err
	}
	if err := backoff.Retry(fetchFees, w.retryPolicy(ctx)); err != nil {
		return common.Hash{}, err
	}

	overrides := GasOverrides{
		GasLimit:             bundleGasLimit(ops, w.cfg.GasBufferPercent, w.cfg.MaxBundleGas),
		MaxFeePerGas:         mulDiv(fees.MaxFeePerGas, 100+w.cfg.FeeBumpPercent, 100),
		MaxPriorityFeePerGas: mulDiv(fees.MaxPriorityFeePerGas, 100+w.cfg.FeeBumpPercent, 100),
	}

	var txHash common.Hash
	send := func() error {
		var err error
		txHash, err = w.entryPoint.HandleOps(ctx, ops, w.cfg.Beneficiary, overrides)
		return err
	}
	if err := backoff.Retry(send, w.retryPolicy(ctx)); err != nil {
		return common.Hash{}, err
	}
	return txHash, nil
}

// failBundle drives the bundle and its operations to failed and evicts them
// from the fast path. Failed operations do not retry, the client resubmits.
// The bookkeeping runs on its own context so it lands even when the tick
// context was cancelled by shutdown.
func (w *BundleWorker) failBundle(bundle *Bundle, ops []*UserOpRecord, hashes []common.Hash, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.MarkBundleFailed(ctx, bundle.ID, cause.Error(), hashes); err != nil {
		w.log.Error("Failed to record bundle failure", zap.String("bundleId", bundle.ID), zap.Error(err))
	}
	bundle.Status = BundleStatusFailed
	bundle.Error = cause.Error()
	w.rememberBundle(bundle)
	w.mempool.Evict(ctx, ops...)
	metrics.IncBundlesFailed()
}

func (w *BundleWorker) retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = w.cfg.RetryBudget
	return backoff.WithContext(policy, ctx)
}

func (w *BundleWorker) setRunning(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = v
}

func (w *BundleWorker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *BundleWorker) rememberBundle(bundle *Bundle) {
	copied := *bundle
	w.mu.Lock()
	w.lastBundle = &copied
	w.mu.Unlock()
}

// lastKnownBundle prefers the in-memory snapshot and falls back to the
// database after a restart.
func (w *BundleWorker) lastKnownBundle(ctx context.Context) *Bundle {
	w.mu.Lock()
	last := w.lastBundle
	w.mu.Unlock()
	if last != nil {
		return last
	}
	bundle, err := w.store.GetLastBundle(ctx)
	if err != nil {
		return nil
	}
	return bundle
}
