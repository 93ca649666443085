package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Problem data errors
// 13000-13999: Submission & Judge errors
// 14000-14999: Sandbox errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidFormat    ErrorCode = 10301

	// Storage & messaging (10400-10499)
	StorageError      ErrorCode = 10400
	ObjectNotFound    ErrorCode = 10401
	MessageQueueError ErrorCode = 10410

	// ========== Problem data (12000-12999) ==========

	ProblemNotFound ErrorCode = 12000

	// Test cases (12100-12199)
	TestCaseNotFound ErrorCode = 12100
	TestCaseInvalid  ErrorCode = 12102
	ArchiveInvalid   ErrorCode = 12110

	// ========== Submission & Judge (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound   ErrorCode = 13000
	SourceNotFound       ErrorCode = 13001
	LanguageNotSupported ErrorCode = 13003

	// Judge (13100-13199)
	JudgeQueueFull      ErrorCode = 13100
	JudgeSystemError    ErrorCode = 13101
	CompilationError    ErrorCode = 13102
	RuntimeError        ErrorCode = 13103
	TimeLimitExceeded   ErrorCode = 13104
	MemoryLimitExceeded ErrorCode = 13105
	OutputLimitExceeded ErrorCode = 13106

	// ========== Sandbox (14000-14999) ==========

	SandboxUnavailable ErrorCode = 14000
	SandboxSpawnFailed ErrorCode = 14001
)

var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	ValidationFailed: "Validation failed",
	InvalidFormat:    "Invalid format",

	StorageError:      "Object storage operation failed",
	ObjectNotFound:    "Object not found",
	MessageQueueError: "Message queue operation failed",

	ProblemNotFound: "Problem not found",

	TestCaseNotFound: "Test case not found",
	TestCaseInvalid:  "Invalid test case format",
	ArchiveInvalid:   "Invalid problem archive",

	SubmissionNotFound:   "Submission not found",
	SourceNotFound:       "Submission source not found",
	LanguageNotSupported: "Programming language not supported",

	JudgeQueueFull:      "Judge queue is full, please try again later",
	JudgeSystemError:    "Judge system error",
	CompilationError:    "Compilation error",
	RuntimeError:        "Runtime error",
	TimeLimitExceeded:   "Time limit exceeded",
	MemoryLimitExceeded: "Memory limit exceeded",
	OutputLimitExceeded: "Output limit exceeded",

	SandboxUnavailable: "Sandbox is unavailable",
	SandboxSpawnFailed: "Failed to start sandboxed process",
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
		return http.StatusOK
	case c == NotFound, c == RecordNotFound, c == ObjectNotFound, c == ProblemNotFound,
		c == SubmissionNotFound, c == SourceNotFound, c == TestCaseNotFound:
		return http.StatusNotFound
	case c == JudgeQueueFull:
		return http.StatusTooManyRequests
	case c == ServiceUnavailable, c == SandboxUnavailable:
		return http.StatusServiceUnavailable
	case c == Timeout:
		return http.StatusGatewayTimeout
	case c >= 10300 && c < 10400: // Validation errors
		return http.StatusBadRequest
	case c == InvalidParams, c == ArchiveInvalid, c == TestCaseInvalid, c == LanguageNotSupported:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// IsInfra reports whether the code describes a failure of the judging
// pipeline itself rather than of the submitted program.
func (c ErrorCode) IsInfra() bool {
	switch c {
	case JudgeSystemError, SandboxUnavailable, SandboxSpawnFailed, StorageError,
		MessageQueueError, DatabaseError, CacheError:
		return true
	}
	return false
}
