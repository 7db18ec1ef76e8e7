// Package apperr defines the error taxonomy that crosses the boundary of the
// connection, synchronization and transaction layers. Raw provider and
// transport errors are reduced to one Kind before reaching callers.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/garnizeh/chainlance/pkg/binding"
)

// Kind classifies a failure.
type Kind string

const (
	WalletUnavailable  Kind = "WalletUnavailable"
	UserRejected       Kind = "UserRejected"
	PreconditionFailed Kind = "PreconditionFailed"
	RemoteRejected     Kind = "RemoteRejected"
	NetworkError       Kind = "NetworkError"
)

// Sentinels lower layers wrap so Normalize can classify them.
var (
	ErrNoWallet     = errors.New("no wallet available")
	ErrUserDeclined = errors.New("user rejected the request")
	ErrTransient    = errors.New("transient network failure")
	ErrReverted     = errors.New("transaction reverted")
)

// userRejectedCode is the EIP-1193 provider error code for a declined prompt.
const userRejectedCode = 4001

// Error is the normalized failure returned to callers.
type Error struct {
	Kind    Kind   `json:"kind"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so callers can test
// errors.Is(err, &apperr.Error{Kind: apperr.RemoteRejected}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New builds an error with an explicit kind and message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Precondition is shorthand for a locally rejected input.
func Precondition(op, format string, args ...any) *Error {
	return &Error{Kind: PreconditionFailed, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a normalized error, or "" if err was never
// normalized.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Normalize reduces err to exactly one Kind. A nil err yields nil.
func Normalize(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			cp := *e
			cp.Op = op
			return &cp
		}
		return e
	}

	kind, msg := classify(err)
	if msg == "" {
		msg = op + " failed"
	}
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

func classify(err error) (Kind, string) {
	switch {
	case errors.Is(err, ErrNoWallet):
		return WalletUnavailable, "no wallet extension detected"
	case errors.Is(err, ErrUserDeclined):
		return UserRejected, "user rejected the request"
	case errors.Is(err, ErrReverted):
		return RemoteRejected, revertReason(err)
	case errors.Is(err, binding.ErrNoCode):
		return RemoteRejected, "no contract deployed at the configured address"
	case errors.Is(err, binding.ErrDecode):
		return RemoteRejected, "contract response does not match the expected shape"
	case errors.Is(err, context.DeadlineExceeded):
		return NetworkError, "request timed out"
	case errors.Is(err, context.Canceled):
		return NetworkError, "request canceled"
	case errors.Is(err, ErrTransient), errors.Is(err, ethereum.NotFound),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return NetworkError, ""
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode {
		return UserRejected, "user rejected the request"
	}

	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "user rejected") || strings.Contains(lower, "user denied") {
		return UserRejected, "user rejected the request"
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason := unpackRevert(dataErr.ErrorData()); reason != "" {
			return RemoteRejected, reason
		}
	}
	if strings.Contains(lower, "execution reverted") || strings.Contains(lower, "revert") {
		return RemoteRejected, revertReason(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkError, ""
	}
	if rpcErr != nil {
		return RemoteRejected, shortMessage(rpcErr.Error())
	}
	return NetworkError, ""
}

// unpackRevert decodes an Error(string) payload carried in JSON-RPC error data.
func unpackRevert(data any) string {
	var raw []byte
	switch v := data.(type) {
	case string:
		b, err := hexutil.Decode(v)
		if err != nil {
			return ""
		}
		raw = b
	case []byte:
		raw = v
	default:
		return ""
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return ""
	}
	return reason
}

func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason := unpackRevert(dataErr.ErrorData()); reason != "" {
			return reason
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted: "); i >= 0 {
		return shortMessage(msg[i+len("execution reverted: "):])
	}
	return "transaction reverted"
}

// shortMessage keeps the first line of a provider message.
func shortMessage(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 160
	if len(s) > max {
		s = s[:max]
	}
	return s
}
