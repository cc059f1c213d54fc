package zonesync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/plivesey/zonesync/remote"
)

// ActionKind says what to do about a remote operation's outcome.
type ActionKind int

const (
	// ActionSuccess means the operation completed; carry on.
	ActionSuccess ActionKind = iota
	// ActionRetry means the failure is transient; repeat the same
	// operation after Action.RetryAfter.
	ActionRetry
	// ActionRecover means the failure has a known remedy described by
	// Action.Reason; apply it, then repeat.
	ActionRecover
	// ActionChunk means the request was too large; split it and submit
	// the parts independently.
	ActionChunk
	// ActionFail means the failure has no automatic remedy; surface it.
	ActionFail
)

func (k ActionKind) String() string {
	switch k {
	case ActionSuccess:
		return "success"
	case ActionRetry:
		return "retry"
	case ActionRecover:
		return "recover"
	case ActionChunk:
		return "chunk"
	case ActionFail:
		return "fail"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Reason narrows an ActionRecover to its remedy.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonTokenExpired: the saved change cursor is unusable. Clear it
	// and fetch from the beginning.
	ReasonTokenExpired
	// ReasonZoneNotFound: the zone does not exist remotely. Clear the
	// zone-created flag so creation is retried.
	ReasonZoneNotFound
	// ReasonUserDeletedZone: the user purged the zone from another
	// device. Same remedy as ReasonZoneNotFound.
	ReasonUserDeletedZone
	// ReasonOther: recoverable in principle but with no automatic remedy
	// here, such as a conflicting concurrent write.
	ReasonOther
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTokenExpired:
		return "token_expired"
	case ReasonZoneNotFound:
		return "zone_not_found"
	case ReasonUserDeletedZone:
		return "user_deleted_zone"
	case ReasonOther:
		return "other"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// defaultRetryDelay is used when the server asks for a retry without
// saying when to come back.
const defaultRetryDelay = 3 * time.Second

// Action is the classified outcome of one remote operation. Exactly one
// Kind applies; RetryAfter is meaningful for ActionRetry and Reason for
// ActionRecover. Err carries the original error for wrapping.
type Action struct {
	Kind       ActionKind
	RetryAfter time.Duration
	Reason     Reason
	Err        error

	hinted bool // server supplied an explicit retry delay
}

// Delay returns how long to wait before retrying: the server's explicit
// hint when one was given, otherwise the policy's backoff curve for the
// (zero-based) attempt number.
func (a Action) Delay(policy RetryPolicy, attempt int) time.Duration {
	if a.hinted {
		return a.RetryAfter
	}
	return policy.Backoff(attempt)
}

// Classify maps a remote operation error to its recovery action. It is
// pure and total: every error lands in exactly one category, and only a
// nil error classifies as ActionSuccess. Both the fetch and push paths
// route their outcomes through here.
func Classify(err error) Action {
	if err == nil {
		return Action{Kind: ActionSuccess}
	}

	switch {
	case errors.Is(err, remote.ErrThrottled),
		errors.Is(err, remote.ErrUnavailable),
		errors.Is(err, remote.ErrServerError):
		return retryAction(err)

	case errors.Is(err, remote.ErrTokenExpired):
		return Action{Kind: ActionRecover, Reason: ReasonTokenExpired, Err: err}

	case errors.Is(err, remote.ErrZoneNotFound):
		return Action{Kind: ActionRecover, Reason: ReasonZoneNotFound, Err: err}

	case errors.Is(err, remote.ErrZoneDeleted):
		return Action{Kind: ActionRecover, Reason: ReasonUserDeletedZone, Err: err}

	case errors.Is(err, remote.ErrRecordChanged):
		return Action{Kind: ActionRecover, Reason: ReasonOther, Err: err}

	case errors.Is(err, remote.ErrLimitExceeded):
		return Action{Kind: ActionChunk, Err: err}
	}

	// Context cancellation is terminal: retrying a canceled operation
	// only repeats the cancellation. Checked before the net.Error probe
	// because context.DeadlineExceeded reports Timeout() true.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Action{Kind: ActionFail, Err: err}
	}

	// Network-level timeouts and interrupted connections read as
	// transient even without a classified status.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retryAction(err)
	}

	return Action{Kind: ActionFail, Err: err}
}

// retryAction builds an ActionRetry carrying the server's retry hint
// when the error has one, or the default delay.
func retryAction(err error) Action {
	act := Action{Kind: ActionRetry, RetryAfter: defaultRetryDelay, Err: err}

	var re *remote.Error
	if errors.As(err, &re) && re.RetryAfter > 0 {
		act.RetryAfter = re.RetryAfter
		act.hinted = true
	}

	return act
}
