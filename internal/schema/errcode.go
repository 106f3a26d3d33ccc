package schema

// ErrorCode is the closed error taxonomy surfaced to clients. No internal
// error type ever crosses the dispatch boundary verbatim.
type ErrorCode string

const (
	CodeInvalidArgs      ErrorCode = "INVALID_ARGS"
	CodeDaemonNotRunning ErrorCode = "DAEMON_NOT_RUNNING"
	CodeDisconnected     ErrorCode = "IB_DISCONNECTED"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeInvalidSymbol    ErrorCode = "INVALID_SYMBOL"
	CodeRejected         ErrorCode = "IB_REJECTED"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeDuplicateOrder   ErrorCode = "DUPLICATE_ORDER"
	CodeRiskHalted       ErrorCode = "RISK_HALTED"
	CodeInternal         ErrorCode = "INTERNAL"
)

// IsValid reports whether the code belongs to the closed set.
func (c ErrorCode) IsValid() bool {
	switch c {
	case CodeInvalidArgs, CodeDaemonNotRunning, CodeDisconnected, CodeTimeout,
		CodeInvalidSymbol, CodeRejected, CodeRateLimited, CodeDuplicateOrder,
		CodeRiskHalted, CodeInternal:
		return true
	default:
		return false
	}
}

// CodedError pairs a client-facing code with a message and optional details.
// Components return it for failures that should reach the client as-is.
type CodedError struct {
	Code    ErrorCode      `msgpack:"code" json:"code"`
	Message string         `msgpack:"message" json:"message"`
	Details map[string]any `msgpack:"details,omitempty" json:"details,omitempty"`
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewCodedError builds a CodedError.
func NewCodedError(code ErrorCode, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// WithDetail attaches one detail key and returns the error for chaining.
func (e *CodedError) WithDetail(key string, value any) *CodedError {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}
