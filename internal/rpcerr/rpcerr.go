// Package rpcerr classifies JSON-RPC failures into the retry/fatal/split
// taxonomy the rest of the indexer depends on.
package rpcerr

import (
	"errors"
	"fmt"
	"strings"
)

// rangeTooWideSubstrings are the well-known provider message fragments that
// indicate a getLogs request covered too many blocks or logs.
var rangeTooWideSubstrings = []string{
	"more than",
	"response size exceeded",
	"block range is too wide",
	"exceed maximum block range",
	"timeout",
}

// TransportError wraps any failure that carries no JSON-RPC error code:
// network errors, expired call deadlines and non-200 HTTP responses,
// whatever their status. Retryable by the RpcClient's own retry loop.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RangeTooWideError signals the provider rejected a getLogs call because the
// requested block range (or resulting log count) was too large. Never
// retried at this layer; the LogFetcher is expected to split the interval.
type RangeTooWideError struct {
	Op  string
	Err error
}

func (e *RangeTooWideError) Error() string {
	return fmt.Sprintf("range too wide during %s: %v", e.Op, e.Err)
}

func (e *RangeTooWideError) Unwrap() error { return e.Err }

// JsonRpcError wraps a non-retryable JSON-RPC {error:{code,message}}
// response returned by the node (an error exposing ErrorCode()).
type JsonRpcError struct {
	Op      string
	Code    int
	Message string
}

func (e *JsonRpcError) Error() string {
	return fmt.Sprintf("json-rpc error during %s: code=%d message=%s", e.Op, e.Code, e.Message)
}

// PendingBlockError is fatal: a log referenced a block/tx/logIndex that is
// still pending (null), which should never happen for finalized ranges.
type PendingBlockError struct {
	Op string
}

func (e *PendingBlockError) Error() string {
	return fmt.Sprintf("%s: event still pending (null blockNumber/logIndex/transactionHash)", e.Op)
}

// errorCoder is satisfied by the error type go-ethereum's rpc.Client
// returns for a well-formed JSON-RPC {error:{code,message}} response; it is
// declared structurally here rather than imported from go-ethereum/rpc to
// keep this package import-light.
type errorCoder interface {
	ErrorCode() int
}

// Classify inspects an error's message and returns the RangeTooWideError
// wrapper if it matches one of the known provider heuristics; otherwise, a
// server-returned JSON-RPC error object is fatal (JsonRpcError), and
// anything else (network failure, expired call deadline) is treated as a
// retryable TransportError. The substring test runs first, so any message
// containing "timeout" is classified as RangeTooWideError.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range rangeTooWideSubstrings {
		if strings.Contains(msg, sub) {
			return &RangeTooWideError{Op: op, Err: err}
		}
	}
	if coder, ok := err.(errorCoder); ok {
		return &JsonRpcError{Op: op, Code: coder.ErrorCode(), Message: err.Error()}
	}
	return &TransportError{Op: op, Err: err}
}

// IsRangeTooWide reports whether err (or any error it wraps) is a
// RangeTooWideError.
func IsRangeTooWide(err error) bool {
	var e *RangeTooWideError
	return errors.As(err, &e)
}

// IsRetryable reports whether err is a TransportError, the only class the
// RpcClient retry loop is allowed to retry.
func IsRetryable(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}
