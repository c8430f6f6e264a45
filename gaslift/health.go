package gaslift

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const healthCheckTimeout = 5 * time.Second

type HealthState string

const (
	HealthOK        HealthState = "ok"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Pinger is anything with a cheap liveness probe. *DBBackend and the redis
// adapters satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ChainReader verifies the node still talks to the right chain.
// *ethclient.Client satisfies it.
type ChainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// BalanceReader reads the bundler signer's ether balance.
// *EntryPointClient satisfies it.
type BalanceReader interface {
	SignerBalance(ctx context.Context) (*big.Int, error)
}

type readinessReport struct {
	Status HealthState            `json:"status"`
	Checks map[string]checkResult `json:"checks"`
}

type checkResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type healthReport struct {
	readinessReport
	Bundler         *BundlerStatus `json:"bundler,omitempty"`
	SignerBalance   string         `json:"signerBalance,omitempty"`
	SignerBalanceOK bool           `json:"signerBalanceOk"`
}

// HealthHandler serves the operator probes: /live never fails, /ready
// reflects dependency state, /health adds the bundler and signer picture.
type HealthHandler struct {
	log              *zap.Logger
	db               Pinger
	redis            Pinger
	chain            ChainReader
	expectedChainID  *big.Int
	signer           BalanceReader
	minSignerBalance *big.Int
	worker           *BundleWorker
}

func NewHealthHandler(log *zap.Logger, db, redis Pinger, chain ChainReader, expectedChainID *big.Int, signer BalanceReader, minSignerBalance *big.Int, worker *BundleWorker) *HealthHandler {
	return &HealthHandler{
		log:              log,
		db:               db,
		redis:            redis,
		chain:            chain,
		expectedChainID:  expectedChainID,
		signer:           signer,
		minSignerBalance: minSignerBalance,
		worker:           worker,
	}
}

// RegisterRoutes mounts the probe endpoints on a mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/live", h.HandleLive)
	mux.HandleFunc("/ready", h.HandleReady)
	mux.HandleFunc("/health", h.HandleHealth)
}

func (h *HealthHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	report := h.readiness(ctx)
	h.writeJSON(w, h.statusCode(report.Status), report)
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	report := healthReport{readinessReport: h.readiness(ctx)}

	if status, err := h.worker.Status(ctx); err == nil {
		report.Bundler = status
	} else {
		h.log.Warn("Failed to read bundler status", zap.Error(err))
	}

	if balance, err := h.signer.SignerBalance(ctx); err == nil {
		report.SignerBalance = balance.String()
		report.SignerBalanceOK = balance.Cmp(h.minSignerBalance) >= 0
		if !report.SignerBalanceOK && report.Status == HealthOK {
			report.Status = HealthDegraded
		}
	} else {
		h.log.Warn("Failed to read signer balance", zap.Error(err))
		if report.Status == HealthOK {
			report.Status = HealthDegraded
		}
	}

	h.writeJSON(w, h.statusCode(report.Status), report)
}

// readiness probes every dependency. The database going away makes the node
// unhealthy, anything else only degrades it: admissions survive a redis or
// chain hiccup on the slow path.
func (h *HealthHandler) readiness(ctx context.Context) readinessReport {
	checks := map[string]checkResult{
		"database": h.check(h.db.Ping(ctx)),
		"redis":    h.check(h.redis.Ping(ctx)),
		"chain":    h.check(h.checkChain(ctx)),
	}
	status := HealthOK
	for _, c := range checks {
		if !c.OK {
			status = HealthDegraded
			break
		}
	}
	if !checks["database"].OK {
		status = HealthUnhealthy
	}
	return readinessReport{Status: status, Checks: checks}
}

func (h *HealthHandler) checkChain(ctx context.Context) error {
	chainID, err := h.chain.ChainID(ctx)
	if err != nil {
		return err
	}
	if chainID.Cmp(h.expectedChainID) != 0 {
		return fmt.Errorf("connected chain id %s does not match configured %s", chainID, h.expectedChainID)
	}
	return nil
}

func (h *HealthHandler) check(err error) checkResult {
	if err != nil {
		return checkResult{OK: false, Error: err.Error()}
	}
	return checkResult{OK: true}
}

func (h *HealthHandler) statusCode(status HealthState) int {
	if status == HealthUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (h *HealthHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to encode health response", zap.Error(err))
	}
}

