package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownKind is returned when an action tag is outside the known set.
	ErrUnknownKind = errors.New("unknown action kind")
	// ErrPermanent marks a failure that retrying cannot fix.
	ErrPermanent = errors.New("permanent failure")
	// ErrInvalid wraps payload validation failures.
	ErrInvalid = errors.New("invalid action payload")
)

// QueuedAction is a captured mutation waiting to be applied remotely.
// Only RetryCount changes after enqueue.
type QueuedAction struct {
	ID         string          `json:"id"`
	Type       Kind            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
}

// NewQueuedAction encodes a into its persisted form.
func NewQueuedAction(a Action, now time.Time) (QueuedAction, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return QueuedAction{}, err
	}
	return QueuedAction{
		ID:         "act_" + uuid.NewString(),
		Type:       a.Kind(),
		Payload:    raw,
		EnqueuedAt: now.UTC(),
	}, nil
}

// Decode returns the typed action carried by q.
func (q QueuedAction) Decode() (Action, error) {
	return DecodeAction(q.Type, q.Payload)
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrInvalid)
}

// Permanent wraps err so that IsPermanent reports true.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }

func (e permanentError) Unwrap() []error { return []error{e.err, ErrPermanent} }
