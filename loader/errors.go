package loader

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// isTransientError reports whether a download error is a network-level
// hiccup that shouldn't blocklist the location: cancellation, timeouts, DNS
// failures and connection-level failures. Everything else (HTTP status
// errors, undecodable payloads, TLS errors) counts as permanent.
func isTransientError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.EPIPE,
		syscall.ENETUNREACH,
		syscall.ENETDOWN,
		syscall.EHOSTUNREACH,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
