package hub

import (
	"errors"
	"fmt"
)

// ErrTimedOut is returned when the hub answers a session start with a
// gateway timeout.
var ErrTimedOut = errors.New("Hub timed out.")

// StatusError is a non-success HTTP status. Msg carries the hub's own
// explanation when it sent one.
type StatusError struct {
	Op     string
	Status int
	Msg    string
	Reason string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

// ProtocolError is a response the client cannot interpret.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// UploadError is a rejected file upload.
type UploadError struct {
	Status  int
	Corrupt bool
	Msg     string
	Reason  string
}

func (e *UploadError) Error() string {
	switch {
	case e.Corrupt:
		return "corrupted on transit"
	case e.Msg != "":
		return e.Msg
	case e.Reason != "":
		return e.Reason
	default:
		return fmt.Sprintf("status %d", e.Status)
	}
}
