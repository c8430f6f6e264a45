package gaslift

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	redisadapter "github.com/temetnos/gaslift/adapters/redis"
)

// fakeStore is an in-memory stand-in for *DBBackend covering both the
// OpStore and BundleStore ports. Like the real schema it allows at most one
// pending row per sender and nonce. senderNonceMisses makes that many
// GetPendingBySenderNonce calls report an empty slot, which stands in for an
// admit whose slot read happened before a rival's insert landed.
type fakeStore struct {
	mu                sync.Mutex
	ops               map[common.Hash]*UserOpRecord
	order             []common.Hash
	bundles           map[string]*Bundle
	bundleOps         map[string][]common.Hash
	senderNonceMisses int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ops:       make(map[common.Hash]*UserOpRecord),
		bundles:   make(map[string]*Bundle),
		bundleOps: make(map[string][]common.Hash),
	}
}

func (s *fakeStore) InsertUserOp(ctx context.Context, record *UserOpRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[record.Hash]; ok {
		return true, nil
	}
	for _, existing := range s.ops {
		if existing.Status == OpStatusPending &&
			existing.Op.Sender == record.Op.Sender &&
			existing.Op.Nonce.String() == record.Op.Nonce.String() {
			return false, ErrSenderNonceOccupied
		}
	}
	stored := *record
	stored.Op = record.Op.Copy()
	s.ops[record.Hash] = &stored
	s.order = append(s.order, record.Hash)
	return false, nil
}

func (s *fakeStore) GetUserOpByHash(ctx context.Context, hash common.Hash) (*UserOpRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.ops[hash]
	if !ok {
		return nil, ErrUserOpNotFound
	}
	copied := *record
	copied.Op = record.Op.Copy()
	return &copied, nil
}

func (s *fakeStore) GetPendingUserOps(ctx context.Context, limit int64) ([]*UserOpRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*UserOpRecord
	for _, hash := range s.order {
		if int64(len(out)) >= limit {
			break
		}
		if record := s.ops[hash]; record.Status == OpStatusPending {
			copied := *record
			copied.Op = record.Op.Copy()
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) GetPendingBySenderNonce(ctx context.Context, sender common.Address, nonce string) (*UserOpRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.senderNonceMisses > 0 {
		s.senderNonceMisses--
		return nil, ErrUserOpNotFound
	}
	for _, hash := range s.order {
		record := s.ops[hash]
		if record.Status == OpStatusPending && record.Op.Sender == sender && record.Op.Nonce.String() == nonce {
			copied := *record
			copied.Op = record.Op.Copy()
			return &copied, nil
		}
	}
	return nil, ErrUserOpNotFound
}

func (s *fakeStore) CountPendingUserOps(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, record := range s.ops {
		if record.Status == OpStatusPending {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) MarkUserOpRemoved(ctx context.Context, hash common.Hash, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.ops[hash]; ok && record.Status == OpStatusPending {
		record.Status = OpStatusRemoved
		record.Error = reason
	}
	return nil
}

func (s *fakeStore) ClearPendingUserOps(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, record := range s.ops {
		if record.Status == OpStatusPending {
			record.Status = OpStatusRemoved
			record.Error = "mempool cleared"
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) InsertBundle(ctx context.Context, bundle *Bundle, opHashes []common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *bundle
	s.bundles[bundle.ID] = &copied
	s.bundleOps[bundle.ID] = append([]common.Hash(nil), opHashes...)
	for _, hash := range opHashes {
		if record, ok := s.ops[hash]; ok && record.Status == OpStatusPending {
			record.BundleID = bundle.ID
		}
	}
	return nil
}

func (s *fakeStore) MarkBundleSubmitted(ctx context.Context, bundleID string, txHash common.Hash, opHashes []common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bundle, ok := s.bundles[bundleID]; ok {
		bundle.Status = BundleStatusSubmitted
		bundle.TransactionHash = &txHash
	}
	for _, hash := range opHashes {
		if record, ok := s.ops[hash]; ok {
			record.Status = OpStatusSubmitted
			record.TransactionHash = &txHash
		}
	}
	return nil
}

func (s *fakeStore) MarkBundleConfirmed(ctx context.Context, bundleID string, blockNumber uint64, opHashes []common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bundle, ok := s.bundles[bundleID]; ok {
		bundle.Status = BundleStatusConfirmed
		bundle.BlockNumber = &blockNumber
	}
	for _, hash := range opHashes {
		if record, ok := s.ops[hash]; ok {
			record.Status = OpStatusConfirmed
			record.BlockNumber = &blockNumber
		}
	}
	return nil
}

func (s *fakeStore) MarkBundleFailed(ctx context.Context, bundleID string, cause string, opHashes []common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bundle, ok := s.bundles[bundleID]; ok {
		bundle.Status = BundleStatusFailed
		bundle.Error = cause
	}
	for _, hash := range opHashes {
		if record, ok := s.ops[hash]; ok {
			record.Status = OpStatusFailed
			record.Error = cause
		}
	}
	return nil
}

func (s *fakeStore) GetLastBundle(ctx context.Context) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *Bundle
	for _, bundle := range s.bundles {
		if last == nil || bundle.SubmittedAt.After(last.SubmittedAt) {
			last = bundle
		}
	}
	if last == nil {
		return nil, ErrBundleNotFound
	}
	copied := *last
	return &copied, nil
}

// fakeCache is an in-memory OpCache.
type fakeCache struct {
	mu          sync.Mutex
	ops         map[common.Hash][]byte
	senderNonce map[string]common.Hash
	err         error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		ops:         make(map[common.Hash][]byte),
		senderNonce: make(map[string]common.Hash),
	}
}

func snKey(sender common.Address, nonce *big.Int) string {
	return sender.Hex() + ":" + nonce.String()
}

func (c *fakeCache) PutOp(ctx context.Context, hash common.Hash, sender common.Address, nonce *big.Int, encoded []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.ops[hash] = encoded
	c.senderNonce[snKey(sender, nonce)] = hash
	return nil
}

func (c *fakeCache) GetOp(ctx context.Context, hash common.Hash) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	encoded, ok := c.ops[hash]
	if !ok {
		return nil, redisadapter.ErrCacheMiss
	}
	return encoded, nil
}

func (c *fakeCache) GetBySenderNonce(ctx context.Context, sender common.Address, nonce *big.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return common.Hash{}, c.err
	}
	hash, ok := c.senderNonce[snKey(sender, nonce)]
	if !ok {
		return common.Hash{}, redisadapter.ErrCacheMiss
	}
	return hash, nil
}

func (c *fakeCache) DeleteOp(ctx context.Context, hash common.Hash, sender common.Address, nonce *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ops, hash)
	delete(c.senderNonce, snKey(sender, nonce))
	return nil
}

func (c *fakeCache) PurgeAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = make(map[common.Hash][]byte)
	c.senderNonce = make(map[string]common.Hash)
	return nil
}

// fakeIndex is an in-memory PendingIndex.
type fakeIndex struct {
	mu      sync.Mutex
	entries []indexEntry
	err     error
}

type indexEntry struct {
	hash string
	at   time.Time
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{}
}

func (i *fakeIndex) Add(ctx context.Context, hash string, admittedAt time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return i.err
	}
	for _, e := range i.entries {
		if e.hash == hash {
			return nil
		}
	}
	i.entries = append(i.entries, indexEntry{hash: hash, at: admittedAt})
	sort.SliceStable(i.entries, func(a, b int) bool { return i.entries[a].at.Before(i.entries[b].at) })
	return nil
}

func (i *fakeIndex) Remove(ctx context.Context, hashes ...string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, hash := range hashes {
		for j, e := range i.entries {
			if e.hash == hash {
				i.entries = append(i.entries[:j], i.entries[j+1:]...)
				break
			}
		}
	}
	return nil
}

func (i *fakeIndex) Oldest(ctx context.Context, limit int64) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return nil, i.err
	}
	var out []string
	for _, e := range i.entries {
		if int64(len(out)) >= limit {
			break
		}
		out = append(out, e.hash)
	}
	return out, nil
}

func (i *fakeIndex) OlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return nil, i.err
	}
	var out []string
	for _, e := range i.entries {
		if !e.at.After(cutoff) {
			out = append(out, e.hash)
		}
	}
	return out, nil
}

func (i *fakeIndex) Len(ctx context.Context) (int64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return 0, i.err
	}
	return int64(len(i.entries)), nil
}

func (i *fakeIndex) Clear(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries = nil
	return nil
}

// fakeValidator accepts everything unless an error is set.
type fakeValidator struct {
	err error
}

func (v *fakeValidator) SimulateValidation(ctx context.Context, op *UserOperation) (*SimulationResult, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &SimulationResult{
		PreOpGas: big.NewInt(50000),
		Prefund:  big.NewInt(1000000),
	}, nil
}

// fakeLock hands the lock to everyone unless told otherwise.
type fakeLock struct {
	mu       sync.Mutex
	held     bool
	acquires int
	releases int
	extends  int
}

func (l *fakeLock) Acquire(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if l.held {
		return "", redisadapter.ErrLockHeld
	}
	l.held = true
	return "token", nil
}

func (l *fakeLock) Extend(ctx context.Context, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	return nil
}

func (l *fakeLock) Release(ctx context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	l.held = false
	return nil
}
