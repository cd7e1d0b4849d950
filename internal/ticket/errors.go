package ticket

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingTicket is returned when the session has no active ticket
	ErrMissingTicket = errors.New("no active ticket in session")
	// ErrInvalidStage is wrapped by every StageError
	ErrInvalidStage = errors.New("invalid ticket stage")
	// ErrRevalidationRequired blocks registration of unconfirmed critical edits
	ErrRevalidationRequired = errors.New("critical fields changed, revalidation required")
	// ErrInvalidAuthorization is returned for unknown or expired authorization codes
	ErrInvalidAuthorization = errors.New("invalid or expired authorization code")
	// ErrFileType is returned for uploads with an unsupported extension
	ErrFileType = errors.New("file type not allowed")
	// ErrEmptyFile is returned for zero-byte uploads
	ErrEmptyFile = errors.New("empty file")
	// ErrInvalidWeight is returned for non-positive manual weights
	ErrInvalidWeight = errors.New("weight must be greater than zero")
	// ErrInvalidClassification is returned when percentages are negative or exceed 100
	ErrInvalidClassification = errors.New("classification percentages must be between 0 and 100")
)

// StageError reports an operation attempted in the wrong stage
type StageError struct {
	Op      string
	Current Stage
	Target  Stage
}

func (e *StageError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("cannot %s ticket in stage %q", e.Op, e.Current)
	}
	return fmt.Sprintf("cannot move ticket from stage %q to %q", e.Current, e.Target)
}

func (e *StageError) Unwrap() error {
	return ErrInvalidStage
}

// ArtifactError reports a QR, PDF or guide rendering failure
type ArtifactError struct {
	Artifact string
	Err      error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("generating %s: %v", e.Artifact, e.Err)
}

func (e *ArtifactError) Unwrap() error {
	return e.Err
}
