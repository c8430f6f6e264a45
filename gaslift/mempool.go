package gaslift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	redisadapter "github.com/temetnos/gaslift/adapters/redis"
	"github.com/temetnos/gaslift/metrics"
)

// sweepPageSize bounds how many index entries one sweep pass verifies
// against the database.
const sweepPageSize = 256

// OpStore is the durable side of the mempool. *DBBackend satisfies it.
type OpStore interface {
	InsertUserOp(ctx context.Context, record *UserOpRecord) (known bool, err error)
	GetUserOpByHash(ctx context.Context, hash common.Hash) (*UserOpRecord, error)
	GetPendingUserOps(ctx context.Context, limit int64) ([]*UserOpRecord, error)
	GetPendingBySenderNonce(ctx context.Context, sender common.Address, nonce string) (*UserOpRecord, error)
	CountPendingUserOps(ctx context.Context) (int64, error)
	MarkUserOpRemoved(ctx context.Context, hash common.Hash, reason string) error
	ClearPendingUserOps(ctx context.Context) (int64, error)
}

// OpCache is the redis-backed hot cache. *redisadapter.OpCache satisfies it.
type OpCache interface {
	PutOp(ctx context.Context, hash common.Hash, sender common.Address, nonce *big.Int, encoded []byte) error
	GetOp(ctx context.Context, hash common.Hash) ([]byte, error)
	GetBySenderNonce(ctx context.Context, sender common.Address, nonce *big.Int) (common.Hash, error)
	DeleteOp(ctx context.Context, hash common.Hash, sender common.Address, nonce *big.Int) error
	PurgeAll(ctx context.Context) error
}

// PendingIndex is the FIFO ordering index. *opqueue.PendingIndex satisfies it.
type PendingIndex interface {
	Add(ctx context.Context, hash string, admittedAt time.Time) error
	Remove(ctx context.Context, hashes ...string) error
	Oldest(ctx context.Context, limit int64) ([]string, error)
	OlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	Len(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
}

// OpValidator runs on-chain validation of a candidate operation.
// *EntryPointClient satisfies it.
type OpValidator interface {
	SimulateValidation(ctx context.Context, op *UserOperation) (*SimulationResult, error)
}

// PaymasterPolicy vetoes operations whose paymaster the node refuses to
// carry. A nil policy admits everything.
type PaymasterPolicy interface {
	CheckUserOp(ctx context.Context, op *UserOperation) error
}

type MempoolConfig struct {
	EntryPoint common.Address
	ChainID    *big.Int
	MaxSize    int64
	TTL        time.Duration
}

// Mempool is the single source of truth for operations that are candidates
// for bundling. Postgres rows are authoritative, the redis cache and index
// are TTL'd accelerators that the mempool repairs when they drift.
type Mempool struct {
	log        *zap.Logger
	cfg        MempoolConfig
	store      OpStore
	cache      OpCache
	index      PendingIndex
	validator  OpValidator
	paymasters PaymasterPolicy
}

func NewMempool(log *zap.Logger, cfg MempoolConfig, store OpStore, cache OpCache, index PendingIndex, validator OpValidator, paymasters PaymasterPolicy) *Mempool {
	return &Mempool{
		log:        log,
		cfg:        cfg,
		store:      store,
		cache:      cache,
		index:      index,
		validator:  validator,
		paymasters: paymasters,
	}
}

// Admit validates an operation and adds it to the pool. Admitting a hash the
// pool already knows returns the stored record unchanged, so clients can
// retry sends safely. An operation with the same sender and nonce as a
// pending one must outbid it or is rejected.
func (m *Mempool) Admit(ctx context.Context, op *UserOperation, originID string) (_ *UserOpRecord, err error) {
	metrics.IncUserOpsReceived()
	defer func() {
		if err != nil {
			metrics.IncUserOpsRejected()
		}
	}()

	if err := validateUserOp(op); err != nil {
		return nil, err
	}
	hash, err := op.HashForEntryPoint(m.cfg.EntryPoint, m.cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidUserOp, err)
	}
	logger := m.log.With(zap.String("userOpHash", hash.Hex()))

	existing, err := m.store.GetUserOpByHash(ctx, hash)
	if err == nil {
		logger.Debug("Operation already known")
		return existing, nil
	}
	if !errors.Is(err, ErrUserOpNotFound) {
		return nil, err
	}

	size, err := m.Size(ctx)
	if err != nil {
		return nil, err
	}
	if size >= m.cfg.MaxSize {
		return nil, ErrMempoolFull
	}

	incumbent, err := m.pendingBySenderNonce(ctx, op.Sender, op.Nonce)
	if err != nil {
		return nil, err
	}
	if incumbent != nil && !allowsReplacement(incumbent.Op, op) {
		logger.Debug("Replacement rejected",
			zap.String("incumbent", incumbent.Hash.Hex()),
			zap.String("sender", op.Sender.Hex()),
			zap.String("nonce", op.Nonce.String()))
		return nil, ErrReplacementUnderpriced
	}

	if m.paymasters != nil {
		if err := m.paymasters.CheckUserOp(ctx, op); err != nil {
			return nil, err
		}
	}

	if _, err := m.validator.SimulateValidation(ctx, op); err != nil {
		metrics.IncSimulationsFailed()
		logger.Debug("Simulation rejected operation", zap.Error(err))
		return nil, err
	}

	// the incumbent leaves only after the candidate proved admissible
	if incumbent != nil {
		if err := m.displace(ctx, incumbent, hash); err != nil {
			return nil, err
		}
	}

	record := &UserOpRecord{
		Hash:        hash,
		EntryPoint:  m.cfg.EntryPoint,
		Op:          op.Copy(),
		Status:      OpStatusPending,
		SubmittedAt: time.Now().UTC(),
		OriginID:    originID,
	}
	known, err := m.store.InsertUserOp(ctx, record)
	for attempt := 0; errors.Is(err, ErrSenderNonceOccupied); attempt++ {
		// a concurrent admit filled the slot between the check and the
		// insert, the row in the database arbitrates
		if attempt >= 2 {
			return nil, ErrReplacementUnderpriced
		}
		rival, rivalErr := m.store.GetPendingBySenderNonce(ctx, op.Sender, op.Nonce.String())
		if rivalErr != nil && !errors.Is(rivalErr, ErrUserOpNotFound) {
			return nil, rivalErr
		}
		if rival != nil {
			if !allowsReplacement(rival.Op, op) {
				logger.Debug("Replacement rejected after insert conflict",
					zap.String("incumbent", rival.Hash.Hex()))
				return nil, ErrReplacementUnderpriced
			}
			if err := m.displace(ctx, rival, hash); err != nil {
				return nil, err
			}
		}
		known, err = m.store.InsertUserOp(ctx, record)
	}
	if err != nil {
		return nil, err
	}
	if known {
		// lost a race against a concurrent admit of the same op
		return m.store.GetUserOpByHash(ctx, hash)
	}

	m.cacheRecord(ctx, record)
	metrics.IncUserOpsAdmitted()
	if size, err := m.Size(ctx); err == nil {
		metrics.SetMempoolSize(size)
	}
	logger.Info("Operation admitted",
		zap.String("sender", op.Sender.Hex()),
		zap.String("nonce", op.Nonce.String()))
	return record, nil
}

// displace removes an incumbent that lost a replacement decision and evicts
// its cache and index entries.
func (m *Mempool) displace(ctx context.Context, incumbent *UserOpRecord, successor common.Hash) error {
	if err := m.store.MarkUserOpRemoved(ctx, incumbent.Hash, "replaced by "+successor.Hex()); err != nil {
		return err
	}
	m.Evict(ctx, incumbent)
	metrics.IncUserOpsReplaced()
	m.log.Info("Operation replaced",
		zap.String("userOpHash", successor.Hex()),
		zap.String("incumbent", incumbent.Hash.Hex()))
	return nil
}

// Get returns the record for a hash, serving the cached copy when one exists
// and falling through to the database otherwise.
func (m *Mempool) Get(ctx context.Context, hash common.Hash) (*UserOpRecord, error) {
	if encoded, err := m.cache.GetOp(ctx, hash); err == nil {
		var record UserOpRecord
		if err := json.Unmarshal(encoded, &record); err == nil {
			return &record, nil
		}
		m.log.Warn("Undecodable cache entry, falling through", zap.String("userOpHash", hash.Hex()))
	}
	return m.store.GetUserOpByHash(ctx, hash)
}

// Pending returns up to limit operations ready for bundling, oldest first.
// Index entries whose database row is no longer pending are stale, they are
// dropped from the index and cache instead of being returned.
func (m *Mempool) Pending(ctx context.Context, limit int64) ([]*UserOpRecord, error) {
	hashes, err := m.index.Oldest(ctx, limit)
	if err != nil {
		m.log.Warn("Pending index unavailable, using database order", zap.Error(err))
		return m.store.GetPendingUserOps(ctx, limit)
	}

	records := make([]*UserOpRecord, 0, len(hashes))
	for _, h := range hashes {
		record, err := m.store.GetUserOpByHash(ctx, common.HexToHash(h))
		if errors.Is(err, ErrUserOpNotFound) {
			if err := m.index.Remove(ctx, h); err != nil {
				m.log.Warn("Failed to drop orphaned index entry", zap.String("userOpHash", h), zap.Error(err))
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if record.Status != OpStatusPending {
			m.Evict(ctx, record)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Remove takes a pending operation out of the pool and reports whether it
// was pending. The database row stays behind as removed, only the cache and
// index entries disappear.
func (m *Mempool) Remove(ctx context.Context, hash common.Hash, reason string) (bool, error) {
	record, err := m.store.GetUserOpByHash(ctx, hash)
	if errors.Is(err, ErrUserOpNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if record.Status != OpStatusPending {
		return false, nil
	}
	if err := m.store.MarkUserOpRemoved(ctx, hash, reason); err != nil {
		return false, err
	}
	m.Evict(ctx, record)
	return true, nil
}

// Size is the number of pending operations, read from the index.
func (m *Mempool) Size(ctx context.Context) (int64, error) {
	size, err := m.index.Len(ctx)
	if err != nil {
		m.log.Warn("Pending index unavailable, counting database rows", zap.Error(err))
		return m.store.CountPendingUserOps(ctx)
	}
	return size, nil
}

// Clear purges every pending operation. Admin surface only.
func (m *Mempool) Clear(ctx context.Context) error {
	if _, err := m.store.ClearPendingUserOps(ctx); err != nil {
		return err
	}
	if err := m.cache.PurgeAll(ctx); err != nil {
		return err
	}
	if err := m.index.Clear(ctx); err != nil {
		return err
	}
	metrics.SetMempoolSize(0)
	m.log.Info("Mempool cleared")
	return nil
}

// Evict drops the cache and index entries of operations that left the
// pending state. The database rows are untouched.
func (m *Mempool) Evict(ctx context.Context, records ...*UserOpRecord) {
	for _, record := range records {
		if err := m.cache.DeleteOp(ctx, record.Hash, record.Op.Sender, record.Op.Nonce); err != nil {
			m.log.Warn("Failed to evict cached operation", zap.String("userOpHash", record.Hash.Hex()), zap.Error(err))
		}
		if err := m.index.Remove(ctx, record.Hash.Hex()); err != nil {
			m.log.Warn("Failed to remove index entry", zap.String("userOpHash", record.Hash.Hex()), zap.Error(err))
		}
	}
}

// Start runs the background sweeper that reconciles the index and cache
// against the database until the context is cancelled.
func (m *Mempool) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	interval := m.cfg.TTL / 24
	if interval <= 0 {
		interval = time.Hour
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
	return wg
}

// sweep drops index entries that outlived the mempool TTL and entries whose
// database row already reached a terminal state.
func (m *Mempool) sweep(ctx context.Context) {
	expired, err := m.index.OlderThan(ctx, time.Now().Add(-m.cfg.TTL))
	if err != nil {
		m.log.Warn("Sweep skipped, index unavailable", zap.Error(err))
		return
	}
	for _, h := range expired {
		hash := common.HexToHash(h)
		if record, err := m.store.GetUserOpByHash(ctx, hash); err == nil && record.Status == OpStatusPending {
			if err := m.store.MarkUserOpRemoved(ctx, hash, "expired from mempool"); err != nil {
				m.log.Warn("Failed to expire operation", zap.String("userOpHash", h), zap.Error(err))
				continue
			}
			m.Evict(ctx, record)
			metrics.IncUserOpsExpired()
			continue
		}
		if err := m.index.Remove(ctx, h); err != nil {
			m.log.Warn("Failed to drop expired index entry", zap.String("userOpHash", h), zap.Error(err))
		}
	}

	// a page of the oldest live entries is re-checked every pass so stale
	// leftovers from missed evictions eventually drain
	hashes, err := m.index.Oldest(ctx, sweepPageSize)
	if err != nil {
		return
	}
	for _, h := range hashes {
		record, err := m.store.GetUserOpByHash(ctx, common.HexToHash(h))
		if errors.Is(err, ErrUserOpNotFound) {
			_ = m.index.Remove(ctx, h)
			continue
		}
		if err == nil && record.Status != OpStatusPending {
			m.Evict(ctx, record)
		}
	}

	if size, err := m.Size(ctx); err == nil {
		metrics.SetMempoolSize(size)
	}
}

// pendingBySenderNonce resolves the pending operation occupying a sender and
// nonce slot, if any. The cache pointer is tried first and always verified
// against the database, which is authoritative for replacement decisions.
func (m *Mempool) pendingBySenderNonce(ctx context.Context, sender common.Address, nonce *big.Int) (*UserOpRecord, error) {
	if hash, err := m.cache.GetBySenderNonce(ctx, sender, nonce); err == nil {
		record, err := m.store.GetUserOpByHash(ctx, hash)
		if err == nil && record.Status == OpStatusPending {
			return record, nil
		}
		if err != nil && !errors.Is(err, ErrUserOpNotFound) {
			return nil, err
		}
		// stale pointer, the database decides
	} else if !errors.Is(err, redisadapter.ErrCacheMiss) {
		m.log.Warn("Sender/nonce cache lookup failed", zap.Error(err))
	}

	record, err := m.store.GetPendingBySenderNonce(ctx, sender, nonce.String())
	if errors.Is(err, ErrUserOpNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// cacheRecord writes the record and its sender/nonce pointer into the cache
// and the FIFO index. Failures are logged and tolerated, the database row is
// already in place and the sweeper repairs the fast path later.
func (m *Mempool) cacheRecord(ctx context.Context, record *UserOpRecord) {
	encoded, err := json.Marshal(record)
	if err != nil {
		m.log.Error("Failed to encode record for cache", zap.Error(err))
		return
	}
	if err := m.cache.PutOp(ctx, record.Hash, record.Op.Sender, record.Op.Nonce, encoded); err != nil {
		m.log.Warn("Failed to cache operation", zap.String("userOpHash", record.Hash.Hex()), zap.Error(err))
	}
	if err := m.index.Add(ctx, record.Hash.Hex(), record.SubmittedAt); err != nil {
		m.log.Warn("Failed to index operation", zap.String("userOpHash", record.Hash.Hex()), zap.Error(err))
	}
}
