// Package jsonrpcserver exposes functions like:
// func Foo(context, int) (int, error)
// as JSON RPC methods over a single HTTP endpoint.
//
// The dispatcher handles single requests and non-empty batches, throttles
// ingress with a shared rate limiter, and maps handler errors onto JSON-RPC
// error codes through a caller-supplied hook.
package jsonrpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRateLimited    = -32004
)

const (
	maxBodySize       = 10 << 20
	maxOriginIDLength = 255

	// OriginHeader lets gateways tag requests so admissions can be
	// attributed to a source.
	OriginHeader = "x-bundler-origin"
)

type (
	loggerKey struct{}
	originKey struct{}
)

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

// JSONRPCError implements error, so a handler can return one verbatim when
// it needs full control over the code on the wire.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return e.Message
}

// Methods maps method names to handler functions.
type Methods map[string]interface{}

// Options tunes the handler. Every field is optional: a nil Log means no
// request logging, a nil Limiter disables throttling, a nil ErrorCode maps
// every handler error to CodeInternalError.
type Options struct {
	Log       *zap.Logger
	Limiter   *rate.Limiter
	ErrorCode func(error) int
}

type Handler struct {
	log       *zap.Logger
	methods   map[string]methodHandler
	limiter   *rate.Limiter
	errorCode func(error) int
}

// NewHandler creates a JSONRPC http.Handler from the map that maps method
// names to method functions. Each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
func NewHandler(opts Options, methods Methods) (*Handler, error) {
	m := make(map[string]methodHandler)
	for name, fn := range methods {
		method, err := getMethodTypes(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	errorCode := opts.ErrorCode
	if errorCode == nil {
		errorCode = func(error) int { return CodeInternalError }
	}
	return &Handler{
		log:       log,
		methods:   m,
		limiter:   opts.Limiter,
		errorCode: errorCode,
	}, nil
}

func errorResponse(id any, code int, msg string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.limiter != nil && !h.limiter.Allow() {
		h.writeResponse(w, http.StatusTooManyRequests, errorResponse(nil, CodeRateLimited, "rate limit exceeded"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeResponse(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, err.Error()))
		return
	}

	ctx := context.WithValue(r.Context(), loggerKey{}, h.log)
	if origin := r.Header.Get(OriginHeader); origin != "" {
		if len(origin) > maxOriginIDLength {
			h.writeResponse(w, http.StatusBadRequest, errorResponse(nil, CodeInvalidRequest, OriginHeader+" header is too long"))
			return
		}
		ctx = context.WithValue(ctx, originKey{}, origin)
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		h.writeResponse(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "empty request body"))
		return
	}

	// a leading bracket switches to batch mode
	if trimmed[0] == '[' {
		h.serveBatch(ctx, w, trimmed)
		return
	}

	res := h.dispatch(ctx, trimmed)
	status := http.StatusOK
	if res.Error != nil && (res.Error.Code == CodeParseError || res.Error.Code == CodeInvalidRequest) {
		status = http.StatusBadRequest
	}
	h.writeResponse(w, status, res)
}

// serveBatch dispatches every element independently and preserves input
// order in the response array. Only a malformed or empty batch is an HTTP
// error, per-element failures ride inside the array at 200.
func (h *Handler) serveBatch(ctx context.Context, w http.ResponseWriter, body []byte) {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		h.writeResponse(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, err.Error()))
		return
	}
	if len(elements) == 0 {
		h.writeResponse(w, http.StatusBadRequest, errorResponse(nil, CodeInvalidRequest, "empty batch"))
		return
	}
	responses := make([]JSONRPCResponse, len(elements))
	for i, element := range elements {
		responses[i] = h.dispatch(ctx, element)
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(responses); err != nil {
		h.log.Error("Failed to encode batch response", zap.Error(err))
	}
}

func (h *Handler) dispatch(ctx context.Context, body []byte) JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		// valid JSON of the wrong shape is an invalid request, not a
		// parse error
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return errorResponse(nil, CodeInvalidRequest, "request must be an object")
		}
		return errorResponse(nil, CodeParseError, err.Error())
	}
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest, "invalid jsonrpc version")
	}
	if req.ID != nil {
		// id must be a string or a number
		switch req.ID.(type) {
		case string, float64:
		default:
			return errorResponse(req.ID, CodeInvalidRequest, "invalid id type")
		}
	}

	method, ok := h.methods[req.Method]
	if !ok {
		return errorResponse(req.ID, CodeMethodNotFound, "method not found")
	}

	result, err := method.call(ctx, req.Params)
	if err != nil {
		var paramErr *paramError
		if errors.As(err, &paramErr) {
			return errorResponse(req.ID, CodeInvalidParams, err.Error())
		}
		var rpcErr *JSONRPCError
		if errors.As(err, &rpcErr) {
			return JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
		}
		return errorResponse(req.ID, h.errorCode(err), err.Error())
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	rawResult := json.RawMessage(marshaledResult)
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawResult,
	}
}

func (h *Handler) writeResponse(w http.ResponseWriter, status int, res JSONRPCResponse) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}

// GetLogger recovers the request logger handlers use for per-call context.
func GetLogger(ctx context.Context) *zap.Logger {
	value, ok := ctx.Value(loggerKey{}).(*zap.Logger)
	if !ok {
		return zap.NewNop()
	}
	return value
}

// GetOrigin returns the origin tag the gateway attached, or "".
func GetOrigin(ctx context.Context) string {
	value, ok := ctx.Value(originKey{}).(string)
	if !ok {
		return ""
	}
	return value
}
