package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/time/rate"

	"stays/core"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// Server exposes the deal registry over JSON-RPC 2.0. Every mutating method
// (admission, transitions, arbitration, ward and role management, minting)
// requires the bearer token from STAYS_RPC_TOKEN: the caller field names the
// payer the escrow ledger debits, so it must never be accepted from an
// unauthenticated client. Read methods stay open.
type Server struct {
	node      *core.Node
	authToken string
	limiter   *rate.Limiter
}

func NewServer(node *core.Node) *Server {
	token := strings.TrimSpace(os.Getenv("STAYS_RPC_TOKEN"))
	return &Server{node: node, authToken: token}
}

// SetRateLimit caps the request rate across all callers. Zero disables the
// limit.
func (s *Server) SetRateLimit(rps int) {
	if rps <= 0 {
		s.limiter = nil
		return
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

// Handler returns the HTTP handler serving the RPC endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		writeRPCError(w, nil, codeServerError, "rate limited")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeRPCError(w, nil, codeParseError, "unable to read request body")
		return
	}
	if len(body) > maxRequestBytes {
		writeRPCError(w, nil, codeInvalidRequest, "request body too large")
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(w, nil, codeParseError, "invalid JSON payload")
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeRPCError(w, req.ID, codeInvalidRequest, "unsupported jsonrpc version")
		return
	}
	if s.privileged(req.Method) && !s.authorized(r) {
		writeRPCError(w, req.ID, codeUnauthorized, "unauthorized")
		return
	}
	s.dispatch(w, r, &req)
}

func (s *Server) privileged(method string) bool {
	switch method {
	case "stays_admit", "stays_advance", "stays_resolve",
		"stays_grant", "stays_revoke", "stays_setComponent",
		"stays_grantRole", "stays_revokeRole", "stays_allowProvider", "stays_mint":
		return true
	default:
		return false
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return false
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	supplied := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(s.authToken)) == 1
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "stays_admit":
		s.handleAdmit(w, req)
	case "stays_advance":
		s.handleAdvance(w, req)
	case "stays_resolve":
		s.handleResolve(w, req)
	case "stays_get":
		s.handleGet(w, req)
	case "stays_nonce":
		s.handleNonce(w, req)
	case "stays_grant":
		s.handleGrant(w, req)
	case "stays_revoke":
		s.handleRevoke(w, req)
	case "stays_setComponent":
		s.handleSetComponent(w, req)
	case "stays_grantRole":
		s.handleGrantRole(w, req)
	case "stays_revokeRole":
		s.handleRevokeRole(w, req)
	case "stays_allowProvider":
		s.handleAllowProvider(w, req)
	case "stays_mint":
		s.handleMint(w, req)
	default:
		writeRPCError(w, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one params object")
	}
	return json.Unmarshal(req.Params[0], out)
}

func writeRPCResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}})
}
