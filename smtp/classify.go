package smtp

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
)

// classify maps a raw SMTP/network error into the engine's two-way
// retry decision, adapting the teacher's string-pattern ErrorClassifier
// (network/auth/quota/temporary/permanent) into the coarser
// Retryable/Permanent split the dispatch contract needs, per the error
// taxonomy in §7.
func classify(err error) (Outcome, string) {
	if err == nil {
		return Sent, ""
	}

	reason := err.Error()

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return RetryableFailure, reason
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return RetryableFailure, reason
	}

	if code, ok := smtpReplyCode(reason); ok {
		if code >= 500 && code < 600 {
			return PermanentFailure, reason
		}
		if code >= 400 && code < 500 {
			return RetryableFailure, reason
		}
	}

	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "permanent failure"):
		return PermanentFailure, reason
	case strings.Contains(lower, "invalid recipient"),
		strings.Contains(lower, "auth"),
		strings.Contains(lower, "message size exceeded"):
		return PermanentFailure, reason
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "temporary"),
		strings.Contains(lower, "mailbox unavailable"),
		strings.Contains(lower, "reset by peer"),
		strings.Contains(lower, "no such host"):
		return RetryableFailure, reason
	default:
		return RetryableFailure, reason
	}
}

// smtpReplyCode extracts a leading three-digit SMTP reply code from a
// net/smtp textproto.Error-formatted message, e.g. "550 5.1.1 ...".
func smtpReplyCode(msg string) (int, bool) {
	msg = strings.TrimSpace(msg)
	if len(msg) < 3 {
		return 0, false
	}
	code, err := strconv.Atoi(msg[:3])
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}

// ClassifyForTest exposes classify to other packages' tests that need
// to assert on worker retry behavior without constructing a real error.
func ClassifyForTest(err error) (Outcome, string) {
	return classify(err)
}
