package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// TransientError marks a fetch failure worth retrying on a later pass
// (network errors, throttling, 5xx). When the frontier item of a batch
// fails transiently the watermark is held before it so the item is
// re-fetched next pass.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MutationError marks a failed ticket create/update/upload. The message is
// skipped but the watermark still advances past it; never advancing would
// let one bad record block the stream forever.
type MutationError struct {
	MessageID string
	Err       error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation failed for message %s: %v", e.MessageID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// NotificationError marks a failed dispatch. Logged only; it never blocks
// watermark advancement.
type NotificationError struct {
	Recipient string
	Err       error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification to %s failed: %v", e.Recipient, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientError or carries a
// collaborator error that declares itself transient (throttling, 5xx).
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var tr interface{ Transient() bool }
	if errors.As(err, &tr) {
		return tr.Transient()
	}
	return false
}
