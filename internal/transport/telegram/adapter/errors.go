package adapter

import (
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "loopbot/internal/transport"
)

// classify maps telebot errors onto the delivery taxonomy. Everything
// unknown stays transient so a new Telegram error string degrades to a
// retry rather than a group removal.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var ge tele.GroupError
	if errors.As(err, &ge) {
		return &kit.DeliveryError{Kind: kit.KindMigrated, MigratedTo: ge.MigratedTo, Err: err}
	}

	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &kit.DeliveryError{
			Kind:       kit.KindRateLimited,
			RetryAfter: time.Duration(fe.RetryAfter) * time.Second,
			Err:        err,
		}
	}

	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 403:
			// kicked, blocked, or otherwise locked out
			return &kit.DeliveryError{Kind: kit.KindPermissionDenied, Err: err}
		case te.Code == 404,
			// telebot maps API descriptions onto predefined errors, so
			// even the adapter never string-matches.
			errors.Is(err, tele.ErrChatNotFound),
			errors.Is(err, tele.ErrNotFoundToForward):
			return &kit.DeliveryError{Kind: kit.KindNotFound, Err: err}
		case te.Code == 429:
			return &kit.DeliveryError{Kind: kit.KindRateLimited, Err: err}
		}
	}

	return &kit.DeliveryError{Kind: kit.KindTransient, Err: err}
}
