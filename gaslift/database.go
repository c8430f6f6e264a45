package gaslift

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	ErrUserOpNotFound      = errors.New("user operation not found")
	ErrBundleNotFound      = errors.New("bundle not found")
	ErrSenderNonceOccupied = errors.New("sender and nonce slot already occupied")
)

// maxStoredErrorLen bounds the error column so a huge revert blob cannot
// bloat the row.
const maxStoredErrorLen = 255

// The body column is the source of truth for the operation itself. The
// sender, nonce and status columns exist for the admission and bundling
// queries, they are never read back into the op.
var createTablesQuery = `
CREATE TABLE IF NOT EXISTS user_operations (
	id               BIGSERIAL PRIMARY KEY,
	hash             BYTEA NOT NULL,
	sender           BYTEA NOT NULL,
	nonce            TEXT NOT NULL,
	entry_point      BYTEA NOT NULL,
	body             JSONB NOT NULL,
	status           TEXT NOT NULL,
	submitted_at     TIMESTAMPTZ NOT NULL,
	bundle_id        TEXT,
	transaction_hash BYTEA,
	block_number     BIGINT,
	error            TEXT,
	origin_id        TEXT,
	inserted_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS user_operations_hash_idx ON user_operations (hash);
CREATE UNIQUE INDEX IF NOT EXISTS user_operations_pending_slot_idx ON user_operations (sender, nonce) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS user_operations_sender_idx ON user_operations (sender);
CREATE INDEX IF NOT EXISTS user_operations_status_submitted_at_idx ON user_operations (status, submitted_at);

CREATE TABLE IF NOT EXISTS bundles (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	submitted_at     TIMESTAMPTZ NOT NULL,
	transaction_hash BYTEA,
	block_number     BIGINT,
	error            TEXT,
	op_count         INT NOT NULL DEFAULT 0,
	inserted_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS bundles_status_submitted_at_idx ON bundles (status, submitted_at);
`

type DBUserOp struct {
	Hash            []byte         `db:"hash"`
	Sender          []byte         `db:"sender"`
	Nonce           string         `db:"nonce"`
	EntryPoint      []byte         `db:"entry_point"`
	Body            []byte         `db:"body"`
	Status          string         `db:"status"`
	SubmittedAt     time.Time      `db:"submitted_at"`
	BundleID        sql.NullString `db:"bundle_id"`
	TransactionHash []byte         `db:"transaction_hash"`
	BlockNumber     sql.NullInt64  `db:"block_number"`
	Error           sql.NullString `db:"error"`
	OriginID        sql.NullString `db:"origin_id"`
}

type DBBundle struct {
	ID              string         `db:"id"`
	Status          string         `db:"status"`
	SubmittedAt     time.Time      `db:"submitted_at"`
	TransactionHash []byte         `db:"transaction_hash"`
	BlockNumber     sql.NullInt64  `db:"block_number"`
	Error           sql.NullString `db:"error"`
	OpCount         int            `db:"op_count"`
}

var insertUserOpQuery = `
INSERT INTO user_operations (hash, sender, nonce, entry_point, body, status, submitted_at, origin_id)
VALUES (:hash, :sender, :nonce, :entry_point, :body, :status, :submitted_at, :origin_id)
ON CONFLICT (hash) DO NOTHING
RETURNING hash`

var userOpColumns = `hash, sender, nonce, entry_point, body, status, submitted_at, bundle_id, transaction_hash, block_number, error, origin_id`

var getUserOpQuery = `
SELECT ` + userOpColumns + `
FROM user_operations
WHERE hash = $1`

var getPendingOpsQuery = `
SELECT ` + userOpColumns + `
FROM user_operations
WHERE status = 'pending'
ORDER BY submitted_at ASC, id ASC
LIMIT $1`

var getPendingBySenderNonceQuery = `
SELECT ` + userOpColumns + `
FROM user_operations
WHERE sender = $1 AND nonce = $2 AND status = 'pending'
LIMIT 1`

var countPendingOpsQuery = `
SELECT COUNT(*) FROM user_operations WHERE status = 'pending'`

var markOpRemovedQuery = `
UPDATE user_operations
SET status = 'removed', error = $2, updated_at = now()
WHERE hash = $1 AND status = 'pending'`

var clearPendingOpsQuery = `
UPDATE user_operations
SET status = 'removed', error = 'mempool cleared', updated_at = now()
WHERE status = 'pending'`

var insertBundleQuery = `
INSERT INTO bundles (id, status, submitted_at, op_count)
VALUES (:id, :status, :submitted_at, :op_count)`

var assignOpToBundleQuery = `
UPDATE user_operations
SET bundle_id = $1, updated_at = now()
WHERE hash = $2 AND status = 'pending'`

var markBundleSubmittedQuery = `
UPDATE bundles
SET status = 'submitted', transaction_hash = $2, updated_at = now()
WHERE id = $1`

var markOpSubmittedQuery = `
UPDATE user_operations
SET status = 'submitted', transaction_hash = $2, updated_at = now()
WHERE hash = $1 AND bundle_id = $3`

var markBundleConfirmedQuery = `
UPDATE bundles
SET status = 'confirmed', block_number = $2, updated_at = now()
WHERE id = $1`

var markOpConfirmedQuery = `
UPDATE user_operations
SET status = 'confirmed', block_number = $2, updated_at = now()
WHERE hash = $1 AND bundle_id = $3`

var markBundleFailedQuery = `
UPDATE bundles
SET status = 'failed', error = $2, updated_at = now()
WHERE id = $1`

var markOpFailedQuery = `
UPDATE user_operations
SET status = 'failed', error = $2, updated_at = now()
WHERE hash = $1 AND bundle_id = $3`

var getBundleQuery = `
SELECT id, status, submitted_at, transaction_hash, block_number, error, op_count
FROM bundles
WHERE id = $1`

var getLastBundleQuery = `
SELECT id, status, submitted_at, transaction_hash, block_number, error, op_count
FROM bundles
ORDER BY submitted_at DESC
LIMIT 1`

type DBBackend struct {
	db *sqlx.DB

	insertUserOp            *sqlx.NamedStmt
	getUserOp               *sqlx.Stmt
	getPendingOps           *sqlx.Stmt
	getPendingBySenderNonce *sqlx.Stmt
	countPendingOps         *sqlx.Stmt
	markOpRemoved           *sqlx.Stmt
	getBundle               *sqlx.Stmt
	getLastBundle           *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	// tables must exist before statements are prepared
	if _, err := db.Exec(createTablesQuery); err != nil {
		return nil, err
	}

	insertUserOp, err := db.PrepareNamed(insertUserOpQuery)
	if err != nil {
		return nil, err
	}
	getUserOp, err := db.Preparex(getUserOpQuery)
	if err != nil {
		return nil, err
	}
	getPendingOps, err := db.Preparex(getPendingOpsQuery)
	if err != nil {
		return nil, err
	}
	getPendingBySenderNonce, err := db.Preparex(getPendingBySenderNonceQuery)
	if err != nil {
		return nil, err
	}
	countPendingOps, err := db.Preparex(countPendingOpsQuery)
	if err != nil {
		return nil, err
	}
	markOpRemoved, err := db.Preparex(markOpRemovedQuery)
	if err != nil {
		return nil, err
	}
	getBundle, err := db.Preparex(getBundleQuery)
	if err != nil {
		return nil, err
	}
	getLastBundle, err := db.Preparex(getLastBundleQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:                      db,
		insertUserOp:            insertUserOp,
		getUserOp:               getUserOp,
		getPendingOps:           getPendingOps,
		getPendingBySenderNonce: getPendingBySenderNonce,
		countPendingOps:         countPendingOps,
		markOpRemoved:           markOpRemoved,
		getBundle:               getBundle,
		getLastBundle:           getLastBundle,
	}, nil
}

// InsertUserOp stores a freshly admitted operation as pending. When the hash
// is already known it returns known = true and leaves the stored row alone.
// When a different pending operation already occupies the sender and nonce
// slot the partial unique index rejects the insert and ErrSenderNonceOccupied
// is returned, so racing admits are arbitrated by the database.
func (b *DBBackend) InsertUserOp(ctx context.Context, record *UserOpRecord) (known bool, err error) {
	body, err := json.Marshal(record.Op)
	if err != nil {
		return false, err
	}
	row := DBUserOp{
		Hash:        record.Hash.Bytes(),
		Sender:      record.Op.Sender.Bytes(),
		Nonce:       record.Op.Nonce.String(),
		EntryPoint:  record.EntryPoint.Bytes(),
		Body:        body,
		Status:      string(record.Status),
		SubmittedAt: record.SubmittedAt,
		OriginID:    sql.NullString{String: record.OriginID, Valid: record.OriginID != ""},
	}

	var hash []byte
	err = b.insertUserOp.GetContext(ctx, &hash, row)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "user_operations_pending_slot_idx" {
		return false, ErrSenderNonceOccupied
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (b *DBBackend) GetUserOpByHash(ctx context.Context, hash common.Hash) (*UserOpRecord, error) {
	var row DBUserOp
	err := b.getUserOp.GetContext(ctx, &row, hash.Bytes())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserOpNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRecord()
}

// GetPendingUserOps returns pending operations oldest first. It is the
// authoritative fallback when the redis index is unavailable.
func (b *DBBackend) GetPendingUserOps(ctx context.Context, limit int64) ([]*UserOpRecord, error) {
	var rows []DBUserOp
	if err := b.getPendingOps.SelectContext(ctx, &rows, limit); err != nil {
		return nil, err
	}
	records := make([]*UserOpRecord, 0, len(rows))
	for i := range rows {
		record, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// GetPendingBySenderNonce finds the pending operation occupying a sender and
// nonce slot, used for replacement checks when the cache pointer is missing.
func (b *DBBackend) GetPendingBySenderNonce(ctx context.Context, sender common.Address, nonce string) (*UserOpRecord, error) {
	var row DBUserOp
	err := b.getPendingBySenderNonce.GetContext(ctx, &row, sender.Bytes(), nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserOpNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRecord()
}

func (b *DBBackend) CountPendingUserOps(ctx context.Context) (int64, error) {
	var count int64
	if err := b.countPendingOps.GetContext(ctx, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// MarkUserOpRemoved transitions a pending operation to removed. Removing an
// operation that already left the pending state is a no-op.
func (b *DBBackend) MarkUserOpRemoved(ctx context.Context, hash common.Hash, reason string) error {
	_, err := b.markOpRemoved.ExecContext(ctx, hash.Bytes(), truncateError(reason))
	return err
}

// ClearPendingUserOps removes every pending operation and reports how many
// rows changed.
func (b *DBBackend) ClearPendingUserOps(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx, clearPendingOpsQuery)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertBundle creates the bundle row and assigns its member operations in
// one transaction, so a bundle and its membership never diverge.
func (b *DBBackend) InsertBundle(ctx context.Context, bundle *Bundle, opHashes []common.Hash) error {
	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	row := DBBundle{
		ID:          bundle.ID,
		Status:      string(bundle.Status),
		SubmittedAt: bundle.SubmittedAt,
		OpCount:     bundle.OpCount,
	}
	if _, err := dbTx.NamedExecContext(ctx, insertBundleQuery, row); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	for _, hash := range opHashes {
		if _, err := dbTx.ExecContext(ctx, assignOpToBundleQuery, bundle.ID, hash.Bytes()); err != nil {
			_ = dbTx.Rollback()
			return err
		}
	}
	return dbTx.Commit()
}

// MarkBundleSubmitted moves the bundle and its operations to submitted with
// the transaction hash, atomically.
func (b *DBBackend) MarkBundleSubmitted(ctx context.Context, bundleID string, txHash common.Hash, opHashes []common.Hash) error {
	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := dbTx.ExecContext(ctx, markBundleSubmittedQuery, bundleID, txHash.Bytes()); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	for _, hash := range opHashes {
		if _, err := dbTx.ExecContext(ctx, markOpSubmittedQuery, hash.Bytes(), txHash.Bytes(), bundleID); err != nil {
			_ = dbTx.Rollback()
			return err
		}
	}
	return dbTx.Commit()
}

func (b *DBBackend) MarkBundleConfirmed(ctx context.Context, bundleID string, blockNumber uint64, opHashes []common.Hash) error {
	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := dbTx.ExecContext(ctx, markBundleConfirmedQuery, bundleID, int64(blockNumber)); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	for _, hash := range opHashes {
		if _, err := dbTx.ExecContext(ctx, markOpConfirmedQuery, hash.Bytes(), int64(blockNumber), bundleID); err != nil {
			_ = dbTx.Rollback()
			return err
		}
	}
	return dbTx.Commit()
}

func (b *DBBackend) MarkBundleFailed(ctx context.Context, bundleID string, cause string, opHashes []common.Hash) error {
	cause = truncateError(cause)
	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := dbTx.ExecContext(ctx, markBundleFailedQuery, bundleID, cause); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	for _, hash := range opHashes {
		if _, err := dbTx.ExecContext(ctx, markOpFailedQuery, hash.Bytes(), cause, bundleID); err != nil {
			_ = dbTx.Rollback()
			return err
		}
	}
	return dbTx.Commit()
}

func (b *DBBackend) GetBundle(ctx context.Context, id string) (*Bundle, error) {
	var row DBBundle
	err := b.getBundle.GetContext(ctx, &row, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toBundle(), nil
}

func (b *DBBackend) GetLastBundle(ctx context.Context) (*Bundle, error) {
	var row DBBundle
	err := b.getLastBundle.GetContext(ctx, &row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toBundle(), nil
}

func (b *DBBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}

func (row *DBUserOp) toRecord() (*UserOpRecord, error) {
	var op UserOperation
	if err := json.Unmarshal(row.Body, &op); err != nil {
		return nil, err
	}
	record := &UserOpRecord{
		Hash:        common.BytesToHash(row.Hash),
		EntryPoint:  common.BytesToAddress(row.EntryPoint),
		Op:          &op,
		Status:      UserOpStatus(row.Status),
		SubmittedAt: row.SubmittedAt,
		BundleID:    row.BundleID.String,
		Error:       row.Error.String,
		OriginID:    row.OriginID.String,
	}
	if len(row.TransactionHash) > 0 {
		txHash := common.BytesToHash(row.TransactionHash)
		record.TransactionHash = &txHash
	}
	if row.BlockNumber.Valid {
		blockNumber := uint64(row.BlockNumber.Int64)
		record.BlockNumber = &blockNumber
	}
	return record, nil
}

func (row *DBBundle) toBundle() *Bundle {
	bundle := &Bundle{
		ID:          row.ID,
		Status:      BundleStatus(row.Status),
		SubmittedAt: row.SubmittedAt,
		Error:       row.Error.String,
		OpCount:     row.OpCount,
	}
	if len(row.TransactionHash) > 0 {
		txHash := common.BytesToHash(row.TransactionHash)
		bundle.TransactionHash = &txHash
	}
	if row.BlockNumber.Valid {
		blockNumber := uint64(row.BlockNumber.Int64)
		bundle.BlockNumber = &blockNumber
	}
	return bundle
}

func truncateError(s string) string {
	if len(s) > maxStoredErrorLen {
		return s[:maxStoredErrorLen]
	}
	return s
}
