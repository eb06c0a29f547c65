package broker

import "strings"

// fatalPatterns are substrings that, when found (case-insensitively) in a
// broker error message, classify it as fatal rather than transient:
// authentication, invalid-argument, and permission failures are never
// retried.
var fatalPatterns = []string{
	"auth",
	"invalid",
	"unauthor",
	"forbidden",
	"permission",
}

// transientPatterns classifies timeouts, connection failures, and generic
// upstream errors as retryable for reads.
var transientPatterns = []string{
	"timeout",
	"i/o timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"temporarily unavailable",
	"server error",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"network",
	"dns",
	"tcp",
	"no such host",
	"deadline exceeded",
	"tls handshake",
	"broken pipe",
	"eof",
}

// IsFatal classifies err as a non-retryable broker failure: authentication,
// invalid argument, or permission errors. Fatal takes precedence over
// transient when both patterns somehow match, since a fatal cause is never
// safe to retry.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransient classifies err as a retryable broker read failure: timeout,
// network, or generic upstream error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
