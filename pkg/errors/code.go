package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Session & Quota errors
// 21000-21999: Pool & Sandbox errors
// 22000-22999: Execution errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Session & Quota Errors (20000-20999) ==========

	// Session (20000-20099)
	SessionNotFound ErrorCode = 20000
	SessionExpired  ErrorCode = 20001

	// Quota (20100-20199)
	QuotaExceeded       ErrorCode = 20100
	QuotaWindowExceeded ErrorCode = 20101
	CPUBudgetExhausted  ErrorCode = 20102

	// ========== Pool & Sandbox Errors (21000-21999) ==========

	// Pool (21000-21099)
	PoolInitError     ErrorCode = 21000
	AcquireTimeout    ErrorCode = 21001
	PoolClosed        ErrorCode = 21002
	ImageNotSupported ErrorCode = 21003

	// Sandbox (21100-21199)
	SandboxResetFailed  ErrorCode = 21100
	SandboxCrash        ErrorCode = 21101
	SandboxProvisionErr ErrorCode = 21102
	LimitApplyFailed    ErrorCode = 21103

	// ========== Execution Errors (22000-22999) ==========

	// Lifecycle (22000-22099)
	ExecutionNotFound  ErrorCode = 22000
	ExecutionNotReady  ErrorCode = 22001
	ExecutionFinished  ErrorCode = 22002
	ExecutionCancelled ErrorCode = 22003

	// Resource enforcement (22100-22199)
	ExecTimedOut     ErrorCode = 22100
	ResourceExceeded ErrorCode = 22101
	OutputTruncated  ErrorCode = 22102

	// Submission validation (22200-22299)
	ScriptTooLarge     ErrorCode = 22200
	ScriptEmpty        ErrorCode = 22201
	RuntimeUnavailable ErrorCode = 22202
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	// Session
	SessionNotFound: "Session not found",
	SessionExpired:  "Session has expired",

	// Quota
	QuotaExceeded:       "Concurrent execution quota exceeded",
	QuotaWindowExceeded: "Execution quota for the current window exceeded",
	CPUBudgetExhausted:  "Cumulative CPU budget exhausted",

	// Pool
	PoolInitError:     "Sandbox pool initialization failed",
	AcquireTimeout:    "Timed out waiting for an idle sandbox",
	PoolClosed:        "Sandbox pool is closed",
	ImageNotSupported: "Runtime image is not supported",

	// Sandbox
	SandboxResetFailed:  "Sandbox reset failed",
	SandboxCrash:        "Sandbox process crashed",
	SandboxProvisionErr: "Sandbox provisioning failed",
	LimitApplyFailed:    "Failed to apply resource limits",

	// Execution lifecycle
	ExecutionNotFound:  "Execution not found",
	ExecutionNotReady:  "Execution has not finished yet",
	ExecutionFinished:  "Execution already reached a terminal state",
	ExecutionCancelled: "Execution was cancelled",

	// Resource enforcement
	ExecTimedOut:     "Wall-clock time limit exceeded",
	ResourceExceeded: "Resource limit exceeded",
	OutputTruncated:  "Output exceeded the capture limit and was truncated",

	// Submission validation
	ScriptTooLarge:     "Script is too large",
	ScriptEmpty:        "Script is empty",
	RuntimeUnavailable: "Execution runtime is unavailable on this host",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == SessionNotFound, c == ExecutionNotFound, c == RecordNotFound:
		return 404
	case c == TooManyRequests, c >= 20100 && c < 20200: // quota errors
		return 429
	case c == ServiceUnavailable, c == PoolClosed, c == RuntimeUnavailable:
		return 503
	case c >= 10300 && c < 10400: // validation errors
		return 400
	case c == InvalidParams, c == ScriptTooLarge, c == ScriptEmpty, c == ImageNotSupported:
		return 400
	case c == ExecutionNotReady:
		return 409
	default:
		return 500
	}
}
