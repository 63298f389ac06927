package relayer

import "strings"

// retryablePatterns are the error substrings classified as transient
// infrastructure failures. Anything else is treated as permanent.
var retryablePatterns = []string{
	"network error",
	"timeout",
	"connection refused",
	"nonce too low",
	"replacement transaction underpriced",
	"insufficient funds for gas",
}

// IsRetryable classifies an execution error by message substring. The
// classification lives here, in one place, so a future transport can swap
// the string match for structured error codes.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return IsRetryableMessage(err.Error())
}

// IsRetryableMessage is IsRetryable over an already-stringified error, used
// when re-examining persisted failures.
func IsRetryableMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, pattern := range retryablePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// isRequeueable decides whether a persisted failed row may re-enter the
// queue. Oracle check failures ("Failed to check …") are transient by
// definition; on-chain reverts never are, the same authorization would
// revert identically.
func isRequeueable(msg string) bool {
	return msg == "" || IsRetryableMessage(msg) || strings.HasPrefix(msg, "Failed to check")
}
