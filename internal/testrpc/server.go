// Package testrpc provides a minimal JSON-RPC 2.0 test double used by the
// engine test suite to exercise the real
// github.com/ethereum/go-ethereum client against canned responses, instead
// of a hand-rolled interface fake.
package testrpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// RPCError mirrors the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler answers one JSON-RPC method. callIndex is the 0-based count of
// prior calls to this method, letting tests script a sequence of responses
// (e.g. fail once, then succeed).
type Handler func(callIndex int, params json.RawMessage) (result json.RawMessage, rpcErr *RPCError)

// Server is an httptest.Server speaking JSON-RPC 2.0 over HTTP, dispatching
// by method name.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	counts   map[string]int
}

// New starts a Server backed by handlers. Unregistered methods return a
// "method not found" RPC error, matching a real node's behavior.
func New(handlers map[string]Handler) *Server {
	s := &Server{handlers: handlers, counts: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	s.mu.Lock()
	h, ok := s.handlers[req.Method]
	idx := s.counts[req.Method]
	s.counts[req.Method] = idx + 1
	s.mu.Unlock()

	if !ok {
		resp.Error = &RPCError{Code: -32601, Message: "method not found: " + req.Method}
	} else {
		result, rpcErr := h(idx, req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// CallCount returns how many requests method has received so far.
func (s *Server) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method]
}

// MarshalResult is a convenience wrapper for building a Handler's result
// from a Go value using the real json.Marshaler the corresponding
// go-ethereum type implements (e.g. types.Log, hexutil.Uint64), so the wire
// format matches exactly what ethclient expects to decode.
func MarshalResult(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
