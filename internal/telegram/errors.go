package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gotd/td/tgerr"
)

// ErrorKind classifies a failure from the external network into the
// handling buckets the orchestrator cares about.
type ErrorKind int

const (
	// KindTransient covers network hiccups and timeouts: retry next cycle,
	// no state change.
	KindTransient ErrorKind = iota
	// KindAuth means the session is unauthorized or the account banned: the
	// account must be marked unhealthy and its channels reassigned.
	KindAuth
	// KindNotFound means the referenced channel or message does not exist:
	// log, skip, no retry.
	KindNotFound
	// KindRateLimited means the provider imposed a wait: back off for the
	// indicated duration.
	KindRateLimited
)

// ErrNotAuthorized is returned when an authorization probe comes back negative.
var ErrNotAuthorized = errors.New("session is not authorized")

// RateLimitedError carries the provider-indicated wait time. The hint is
// best effort; callers clamp it to a configured ceiling.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Telegram RPC codes that mean the session itself is dead.
var authErrorCodes = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"PHONE_NUMBER_BANNED",
}

// RPC codes that mean the referenced entity does not exist or is not
// reachable for this account.
var notFoundErrorCodes = []string{
	"USERNAME_NOT_OCCUPIED",
	"USERNAME_INVALID",
	"CHANNEL_INVALID",
	"CHANNEL_PRIVATE",
	"PEER_ID_INVALID",
	"MSG_ID_INVALID",
}

// Classify maps an error from the client library onto the taxonomy. Unknown
// errors default to transient so one odd response never kills an account.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}

	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	if wait, ok := tgerr.AsFloodWait(err); ok && wait > 0 {
		return KindRateLimited
	}

	if errors.Is(err, ErrNotAuthorized) || tgerr.Is(err, authErrorCodes...) {
		return KindAuth
	}
	if tgerr.Is(err, notFoundErrorCodes...) {
		return KindNotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

// RetryAfterHint extracts the wait duration from a rate-limit error, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return wait, true
	}
	return 0, false
}
