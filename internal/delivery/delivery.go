package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a delivery failure for the retry policy.
type ErrorKind int

const (
	// KindUnknown: unclassified failure. Retried, but with a lower ceiling
	// than well-understood transient errors.
	KindUnknown ErrorKind = iota

	// KindRateLimited: the messaging API asked us to slow down. Transient.
	KindRateLimited

	// KindNetwork: transport-level failure (DNS, TCP, 5xx). Transient.
	KindNetwork

	// KindInvalidRecipient: the recipient cannot receive messages (unknown
	// chat, bot blocked, deactivated account). Permanent.
	KindInvalidRecipient
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindInvalidRecipient:
		return "invalid_recipient"
	default:
		return "unknown"
	}
}

// Transient reports whether a failure of this kind is worth retrying.
func (k ErrorKind) Transient() bool { return k != KindInvalidRecipient }

// Error is a classified delivery failure.
type Error struct {
	Kind ErrorKind
	Err  error

	// RetryAfter is a downstream hint (rate limits); 0 when absent.
	RetryAfter time.Duration
}

func (e *Error) Error() string { return fmt.Sprintf("delivery %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from err, defaulting to KindUnknown.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// RetryAfterOf extracts the downstream retry hint, 0 when absent.
func RetryAfterOf(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// Ack records a successful delivery.
type Ack struct {
	MessageID int
	At        time.Time
}

// Sender is the outbound messaging call the dispatcher executes jobs
// against. Implementations classify failures by returning *Error.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) (Ack, error)
}
