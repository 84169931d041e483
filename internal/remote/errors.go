package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"syscall"
)

// Error is a non-2xx response from the server. It is the structured
// response that marks a failure as an application error.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: http %d: %s", e.StatusCode, e.Message)
}

// ErrMalformedResponse is a 2xx response whose body could not be read as
// the expected shape. It is an application error.
var ErrMalformedResponse = errors.New("remote: malformed response")

// Errno values that mean the connection never completed or was torn down.
var networkErrnos = []syscall.Errno{
	syscall.ECONNABORTED,
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ETIMEDOUT,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
	syscall.ENETDOWN,
	syscall.EPIPE,
}

var networkPattern = regexp.MustCompile(`(?i)network|timeout|timed out|connection (refused|reset|aborted)|no such host|unreachable|broken pipe|\beof\b`)

// IsNetworkError reports whether err is a transport-level failure rather
// than an application error. Anything carrying a server response is an
// application error. Otherwise the error is matched against errno codes,
// timeout markers and, as a last resort, its message text.
//
// The classification is best effort. When it is unsure it answers false,
// so a misclassified failure is surfaced to the caller instead of being
// silently absorbed.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		for _, e := range networkErrnos {
			if errno == e {
				return true
			}
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return networkPattern.MatchString(err.Error())
}
