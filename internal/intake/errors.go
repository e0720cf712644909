package intake

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured means a credential needed for the action is missing.
	ErrNotConfigured = errors.New("completion and ticketing credentials are required")

	// ErrTransport marks failures to reach a remote service.
	ErrTransport = errors.New("transport failure")

	// ErrShapeMismatch marks responses that do not have the expected structure.
	ErrShapeMismatch = errors.New("unexpected response shape")

	// ErrBusy is returned when the same operation is already in flight.
	ErrBusy = errors.New("session is busy")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnknownEntity is returned when a selected id is not in the directory
	// or not offered by the session.
	ErrUnknownEntity = errors.New("unknown selection")
)

// ExtractionError reports why a description could not be turned into a
// record. Kind is ErrTransport or ErrShapeMismatch.
type ExtractionError struct {
	Kind error
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed (%v): %v", e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() []error { return []error{e.Kind, e.Err} }

// ValidationError names the draft field that blocked submission.
type ValidationError struct {
	Field   Field
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// SubmissionError carries the ticketing service's response when a create
// request was not accepted. Status is zero when the request never completed.
type SubmissionError struct {
	Status int
	Body   string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("create ticket: %v", e.Err)
	}
	return fmt.Sprintf("create ticket: status %d: %s", e.Status, e.Body)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TransitionError is returned when an action is not valid in the session's
// current state.
type TransitionError struct {
	Action string
	State  State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Action, e.State)
}
