package jobs

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a transcription job.
type State string

const (
	StateQueued     State = "queued"
	StateDispatched State = "dispatched"
	StateRunning    State = "running"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// IsTerminal reports whether no further state writes are legitimate.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// OutputKind identifies one requested result artifact.
type OutputKind string

const (
	OutputTranscript  OutputKind = "transcript"  // subtitles in the source language
	OutputTranslation OutputKind = "translation" // subtitles translated to English
)

// ParseOutputKind validates a client-supplied kind key.
func ParseOutputKind(s string) (OutputKind, bool) {
	switch OutputKind(s) {
	case OutputTranscript, OutputTranslation:
		return OutputKind(s), true
	default:
		return "", false
	}
}

// ErrorKind classifies a processing failure for the status API.
type ErrorKind string

const (
	ErrKindDecode   ErrorKind = "decode"   // the transcriber could not handle the media
	ErrKindTimeout  ErrorKind = "timeout"  // hard wall-clock ceiling exceeded
	ErrKindInternal ErrorKind = "internal" // anything else
)

// StepTerminalFailure is the step value recorded for failed and cancelled jobs.
const StepTerminalFailure = -1

// Job describes a single media transcription request.
type Job struct {
	ID               string                // UUIDv4, never reused
	State            State                 // current lifecycle state
	Step             int                   // ordinal progress marker, -1 on failed/cancelled
	Message          string                // human-readable current stage, display only
	RequestedOutputs []OutputKind          // non-empty set of requested artifacts
	Artifacts        map[OutputKind]string // kind -> produced file path, filled as stages complete
	OriginalName     string                // caller-supplied filename, used for download names only
	InputPath        string                // durable temp location of the uploaded media
	ErrorKind        ErrorKind             // set only when State == StateFailed
	ErrorDetail      string                // set only when State == StateFailed
	Attempts         int                   // delivery count, >1 after a lease redelivery
	CreatedAt        time.Time             // submission time
	StartedAt        *time.Time            // first dispatch time
	CompletedAt      *time.Time            // terminal write time
	ExpiresAt        *time.Time            // record retention deadline, set on terminal write
	LeaseExpiresAt   *time.Time            // dispatch visibility timeout
}

// ErrNotFound is returned for ids with no job record.
var ErrNotFound = errors.New("job not found")

// Store defines persistence for jobs, dispatch claims, and cancellation markers.
// The same store is shared by the gateway and every worker; all state writes
// are conditional so that terminal states are sticky.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)

	// ClaimNext atomically claims the oldest dispatchable job (queued, or
	// dispatched/running with an expired lease) and returns nil when idle.
	ClaimNext(ctx context.Context, lease time.Duration) (*Job, error)

	// UpdateProgress moves a claimed job to running with the given step and
	// message. It is a no-op on terminal records.
	UpdateProgress(ctx context.Context, id string, step int, message string) error

	// SetArtifact records a produced artifact path. No-op on terminal records.
	SetArtifact(ctx context.Context, id string, kind OutputKind, path string) error

	// SaveResult writes the succeeded terminal record. Returns false without
	// writing when the record is already terminal.
	SaveResult(ctx context.Context, id string, step int, expiresAt time.Time) (bool, error)

	// SaveError writes the failed terminal record. Returns false without
	// writing when the record is already terminal.
	SaveError(ctx context.Context, id string, kind ErrorKind, detail string, expiresAt time.Time) (bool, error)

	// MarkCancelled writes the cancelled terminal record. Returns false
	// without writing when the record is already terminal or unknown.
	MarkCancelled(ctx context.Context, id string, expiresAt time.Time) (bool, error)

	// RequestCancel adds id to the cancellation registry (idempotent).
	RequestCancel(ctx context.Context, id string) error
	// CancelRequested reports registry membership.
	CancelRequested(ctx context.Context, id string) (bool, error)
	// ClearCancel removes a registry entry (idempotent).
	ClearCancel(ctx context.Context, id string) error

	// RevokeQueued cancels a job only if it is still queued and undispatched.
	RevokeQueued(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	// ListQueued returns the ids of all undispatched jobs.
	ListQueued(ctx context.Context) ([]string, error)
	// ListInFlight returns the ids of all dispatched or running jobs.
	ListInFlight(ctx context.Context) ([]string, error)

	// DeleteExpired removes terminal records whose retention has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	Close() error
}
