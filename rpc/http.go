package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tradeline/core"
	"tradeline/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	defaultRateLimit = 100
	defaultRateBurst = 200
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeUnauthorized   = -32001
	codeServerError    = -32000

	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

// Server exposes the escrow node over JSON-RPC 2.0. Write methods are gated
// behind a bearer token when TRADELINE_RPC_TOKEN is set.
type Server struct {
	node      *core.Node
	authToken string
	logger    *slog.Logger
	limiter   *rate.Limiter
}

// NewServer constructs a server for the supplied node.
func NewServer(node *core.Node) *Server {
	return &Server{
		node:      node,
		authToken: strings.TrimSpace(os.Getenv("TRADELINE_RPC_TOKEN")),
		logger:    slog.Default(),
		limiter:   rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateBurst),
	}
}

// Handler returns the HTTP handler serving the JSON-RPC endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start serves JSON-RPC traffic on the supplied address until the listener
// fails.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError carries a JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`

	status int
}

func (e *RPCError) Error() string { return e.Message }

func rpcErrorWith(status, code int, message string, data interface{}) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data, status: status}
}

func invalidParams(data interface{}) *RPCError {
	return rpcErrorWith(http.StatusBadRequest, codeEscrowInvalidParams, "invalid_params", data)
}

func writeError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	status := rpcErr.status
	if status == 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: rpcErr}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handler functions return either a result or an RPCError; the dispatcher owns
// serialization and metrics.
type handlerFunc func(params []json.RawMessage) (interface{}, *RPCError)

func (s *Server) methodTable() map[string]struct {
	fn        handlerFunc
	writeCall bool
} {
	return map[string]struct {
		fn        handlerFunc
		writeCall bool
	}{
		"escrow_create":           {s.handleEscrowCreate, true},
		"escrow_accept":           {s.handleEscrowAccept, true},
		"escrow_cancel":           {s.handleEscrowCancel, true},
		"escrow_deposit":          {s.handleEscrowDeposit, true},
		"escrow_finishProduction": {s.handleEscrowFinishProduction, true},
		"escrow_addProductionLog": {s.handleEscrowAddProductionLog, true},
		"escrow_markShipped":      {s.handleEscrowMarkShipped, true},
		"escrow_confirmDelivery":  {s.handleEscrowConfirmDelivery, true},
		"escrow_complete":         {s.handleEscrowComplete, true},
		"escrow_claimFinal":       {s.handleEscrowClaimFinal, true},
		"escrow_dispute":          {s.handleEscrowDispute, true},
		"escrow_resolve":          {s.handleEscrowResolve, true},
		"escrow_get":              {s.handleEscrowGet, false},
		"escrow_list":             {s.handleEscrowList, false},
		"escrow_listDisputed":     {s.handleEscrowListDisputed, false},
		"passport_owner":          {s.handlePassportOwner, false},
		"passport_balanceOf":      {s.handlePassportBalanceOf, false},
		"passport_token":          {s.handlePassportToken, false},
		"bank_balance":            {s.handleBankBalance, false},
		"bank_mint":               {s.handleBankMint, true},
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeError(w, nil, rpcErrorWith(http.StatusMethodNotAllowed, codeInvalidRequest, "POST required", nil))
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, nil, rpcErrorWith(http.StatusTooManyRequests, codeServerError, "rate limit exceeded", nil))
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = "request body too large"
		}
		writeError(w, nil, rpcErrorWith(status, codeParseError, message, nil))
		return
	}

	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, rpcErrorWith(http.StatusBadRequest, codeParseError, "invalid JSON", err.Error()))
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, req.ID, rpcErrorWith(http.StatusBadRequest, codeInvalidRequest, "unsupported JSON-RPC version", nil))
		return
	}

	entry, ok := s.methodTable()[req.Method]
	if !ok {
		writeError(w, req.ID, rpcErrorWith(http.StatusNotFound, codeMethodNotFound, "method not found", req.Method))
		return
	}
	if entry.writeCall {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, req.ID, authErr)
			return
		}
	}

	start := time.Now()
	result, rpcErr := entry.fn(req.Params)
	var metricErr error
	if rpcErr != nil {
		metricErr = rpcErr
	}
	observability.EscrowMetrics().ObserveRPC(req.Method, metricErr, time.Since(start).Seconds())

	if rpcErr != nil {
		s.logger.Debug("rpc call failed", "method", req.Method, "code", rpcErr.Code, "message", rpcErr.Message)
		writeError(w, req.ID, rpcErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return rpcErrorWith(http.StatusUnauthorized, codeUnauthorized, "missing bearer token", nil)
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return rpcErrorWith(http.StatusUnauthorized, codeUnauthorized, "invalid token", nil)
	}
	return nil
}
