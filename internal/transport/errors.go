package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a delivery failure. The engine decides retry vs.
// terminate from the kind alone.
type ErrorKind int

const (
	// KindTransient covers network hiccups, timeouts and anything the
	// adapter could not classify more precisely. Retryable.
	KindTransient ErrorKind = iota
	// KindRateLimited means the platform asked us to slow down. Retryable.
	KindRateLimited
	// KindPermissionDenied means the bot was blocked, kicked or otherwise
	// lost the right to post. Fatal.
	KindPermissionDenied
	// KindNotFound means the chat or message no longer exists. Fatal.
	KindNotFound
	// KindMigrated means the chat identity changed (e.g. group upgraded
	// to a supergroup). Not a failure; carries the new chat id.
	KindMigrated
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindMigrated:
		return "migrated"
	default:
		return "unknown"
	}
}

// DeliveryError wraps a gateway failure with its classification.
type DeliveryError struct {
	Kind       ErrorKind
	RetryAfter time.Duration // rate-limited only; 0 when unknown
	MigratedTo int64         // migrated only
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("delivery failed (%s)", e.Kind)
	}
	return fmt.Sprintf("delivery failed (%s): %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// KindOf extracts the classification from err. Unclassified errors are
// treated as transient so an adapter bug degrades to a retry, never to a
// group removal.
func KindOf(err error) ErrorKind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

// IsFatal reports whether err must terminate the delivery loop regardless
// of the retry budget.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindPermissionDenied || k == KindNotFound
}

// MigratedTo returns the new chat id when err is a migration notice.
func MigratedTo(err error) (int64, bool) {
	var de *DeliveryError
	if errors.As(err, &de) && de.Kind == KindMigrated {
		return de.MigratedTo, true
	}
	return 0, false
}

// RetryAfter returns the platform-suggested wait for rate-limited errors.
func RetryAfter(err error) (time.Duration, bool) {
	var de *DeliveryError
	if errors.As(err, &de) && de.Kind == KindRateLimited && de.RetryAfter > 0 {
		return de.RetryAfter, true
	}
	return 0, false
}
