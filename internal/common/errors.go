// Package common defines the error taxonomy shared by every dsync layer.
// Callers should use errors.Is against the sentinels, or errors.As to get the
// typed details.
package common

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a missing secret, credential or path.
	ErrConfiguration = errors.New("configuration error")

	// ErrMalformedEnvelope marks a backup file whose header cannot be trusted.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrPipelineStage marks a failure inside a running pipeline.
	ErrPipelineStage = errors.New("pipeline stage failed")

	// ErrTransfer marks a transfer that failed after all attempts.
	ErrTransfer = errors.New("transfer failed")

	// ErrProtocolInvariant marks a remote response that broke the protocol contract.
	ErrProtocolInvariant = errors.New("protocol invariant violated")
)

// ConfigurationError is returned before any I/O when required settings are absent.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// MissingConfig is shorthand for the common "is required" case.
func MissingConfig(field string) error {
	return &ConfigurationError{Field: field, Reason: "is required"}
}

// MalformedEnvelopeError reports a file that is too short or whose flag bytes
// disagree with its name.
type MalformedEnvelopeError struct {
	Path   string
	Reason string
}

func (e *MalformedEnvelopeError) Error() string {
	return fmt.Sprintf("malformed envelope in %s: %s", e.Path, e.Reason)
}

func (e *MalformedEnvelopeError) Is(target error) bool { return target == ErrMalformedEnvelope }

// PipelineStageError identifies the stage that aborted a pipeline.
type PipelineStageError struct {
	Stage string
	Err   error
}

func (e *PipelineStageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *PipelineStageError) Unwrap() error { return e.Err }

func (e *PipelineStageError) Is(target error) bool { return target == ErrPipelineStage }

// TransferError is surfaced once the retry policy gives up on a destination.
type TransferError struct {
	Destination string
	Attempts    int
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer to %s failed after %d attempt(s): %v", e.Destination, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransfer }

// ProtocolInvariantError reports a remote response missing a field the
// protocol guarantees. Retrying cannot repair it.
type ProtocolInvariantError struct {
	Operation string
	Reason    string
}

func (e *ProtocolInvariantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Operation, e.Reason)
}

func (e *ProtocolInvariantError) Is(target error) bool { return target == ErrProtocolInvariant }
