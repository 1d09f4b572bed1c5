package types

import (
	"time"
)

// PhotoRecord is the central entity tracked by the platform. It is created
// by the ingress coordinator after the blob is durably stored and mutated
// only by the single actor that currently owns it (ingress during creation,
// then the worker holding the queue claim, then the dead-letter compensator).
type PhotoRecord struct {
	ID           string `json:"id"`
	BlobKey      string `json:"blob_key"`
	Bucket       string `json:"bucket"`
	SizeBytes    int64  `json:"size_bytes"`
	MimeType     string `json:"mime_type"`
	OriginalName string `json:"original_name"`
	Checksum     string `json:"checksum"` // SHA-256 hex, immutable after creation

	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	Status        PhotoStatus              `json:"status"`
	Pipeline      string                   `json:"pipeline"`
	StageProgress map[string]StageProgress `json:"stage_progress,omitempty"`
	Artifacts     []Artifact               `json:"artifacts,omitempty"`
	Error         string                   `json:"error,omitempty"`

	// Metadata holds stage-extracted facts about the image (dimensions,
	// format, color profile). Keys are stage-owned; values are printable.
	Metadata map[string]string `json:"metadata,omitempty"`

	// EventSeq is the per-photo event sequence high-water mark. The emitter
	// holding mutation rights persists it so numbering survives retries.
	EventSeq uint64 `json:"event_seq"`

	// CancelRequested is the cooperative cancellation flag checked by the
	// pipeline engine between and during stages.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	UploadedAt  time.Time  `json:"uploaded_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// UpdateSeq increases on every mutation and breaks updated_at ties
	// when the wall clock is too coarse to order two writes.
	UpdateSeq uint64 `json:"update_seq"`
}

// PhotoStatus represents the lifecycle state of a photo
type PhotoStatus string

const (
	PhotoStatusQueued     PhotoStatus = "queued"
	PhotoStatusInProgress PhotoStatus = "in_progress"
	PhotoStatusCompleted  PhotoStatus = "completed"
	PhotoStatusFailed     PhotoStatus = "failed"
	PhotoStatusCancelled  PhotoStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s PhotoStatus) Terminal() bool {
	return s == PhotoStatusCompleted || s == PhotoStatusFailed || s == PhotoStatusCancelled
}

// StageState represents the execution state of one pipeline stage
type StageState string

const (
	StageStatePending StageState = "pending"
	StageStateRunning StageState = "running"
	StageStateDone    StageState = "done"
	StageStateFailed  StageState = "failed"
)

// StageProgress tracks one stage's state and completion percentage
type StageProgress struct {
	State   StageState `json:"state"`
	Percent int        `json:"percent"`
}

// Artifact is a derived blob produced by a pipeline stage (thumbnails,
// optimized originals). Artifacts are ordered by production time.
type Artifact struct {
	Role        string `json:"role"`
	BlobKey     string `json:"blob_key"`
	Bucket      string `json:"bucket"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type,omitempty"`
}

// Job is the queue's representation of pending processing work for one photo
type Job struct {
	ID       string   `json:"id"`
	PhotoID  string   `json:"photo_id"`
	BlobKey  string   `json:"blob_key"`
	Bucket   string   `json:"bucket"`
	Pipeline string   `json:"pipeline"`
	Stages   []string `json:"stages,omitempty"`
	TraceID  string   `json:"trace_id,omitempty"`

	// Priority 1 (highest) through 10 (lowest). Claims are ordered by
	// priority, then FIFO within a priority.
	Priority    int `json:"priority"`
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	State       JobState  `json:"state"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	AvailableAt time.Time `json:"available_at"`
	LastError   string    `json:"last_error,omitempty"`

	LeaseMS          int           `json:"lease_ms,omitempty"`
	Backoff          BackoffPolicy `json:"backoff"`
	RemoveOnComplete RemovalPolicy `json:"remove_on_complete"`
	RemoveOnFail     RemovalPolicy `json:"remove_on_fail"`
}

// JobState represents the queue state of a job
type JobState string

const (
	JobStateWaiting    JobState = "waiting"
	JobStateDelayed    JobState = "delayed"
	JobStateActive     JobState = "active"
	JobStateCompleted  JobState = "completed"
	JobStateDeadLetter JobState = "dead_letter"
)

// Terminal reports whether the job state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateDeadLetter
}

// BackoffPolicy controls the delay computed before a retryable job
// becomes claimable again: delay = base * factor^(attempts-1), capped.
type BackoffPolicy struct {
	Kind   BackoffKind `json:"kind"`
	BaseMS int         `json:"base_ms"`
	Factor float64     `json:"factor"`
	CapMS  int         `json:"cap_ms"`
}

// BackoffKind selects the retry delay curve
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RemovalPolicy controls retention of terminal job records. When Remove is
// set the record is deleted as it reaches the terminal state; otherwise up
// to Keep records are retained (0 keeps all).
type RemovalPolicy struct {
	Remove bool `json:"remove"`
	Keep   int  `json:"keep,omitempty"`
}

// DeadLetter is a terminally failed job as retained for human triage
type DeadLetter struct {
	JobID     string    `json:"job_id"`
	PhotoID   string    `json:"photo_id"`
	Payload   string    `json:"payload"`
	LastError string    `json:"last_error"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
}

// QueueStats is a point-in-time census of queue states
type QueueStats struct {
	Waiting     int64 `json:"waiting"`
	Delayed     int64 `json:"delayed"`
	Active      int64 `json:"active"`
	Completed   int64 `json:"completed"`
	DeadLetters int64 `json:"dead_letters"`
	Paused      bool  `json:"paused"`
}

// Event is a lifecycle notification emitted by ingress or workers and
// fanned out through the event channel and fabric.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata EventMetadata  `json:"metadata"`
}

// EventMetadata carries routing and ordering context for an event
type EventMetadata struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	PhotoID   string    `json:"photo_id,omitempty"`

	// Sequence is a per-photo monotonic counter issued by the emitter
	// holding the photo's mutation right. Ingress issues 1; the owning
	// worker continues from the persisted high-water mark.
	Sequence uint64 `json:"sequence"`
}

// Event topics published by the platform
const (
	TopicPhotoUploaded       = "photo.uploaded"
	TopicProcessingStarted   = "photo.processing.started"
	TopicStageCompleted      = "photo.processing.stage.completed"
	TopicProcessingCompleted = "photo.processing.completed"
	TopicProcessingFailed    = "photo.processing.failed"
	TopicPhotoCancelled      = "photo.cancelled"
	TopicCancelRequested     = "photo.cancel.requested"
	TopicPhotoDeleted        = "photo.deleted"
	TopicSystemStartup       = "system.startup"
	TopicSystemShutdown      = "system.shutdown"
)

// Logical blob store partitions
const (
	BucketPhotos      = "photos"
	BucketPhotosLarge = "photos-large"
	BucketVideos      = "videos"
	BucketArtifacts   = "artifacts"
)

// Built-in pipeline names
const (
	PipelineFull  = "full_processing"
	PipelineQuick = "quick_processing"
)

// WorkerState represents the lifecycle state of the worker pool
type WorkerState string

const (
	WorkerStateStarting WorkerState = "starting"
	WorkerStateRunning  WorkerState = "running"
	WorkerStatePaused   WorkerState = "paused"
	WorkerStateDraining WorkerState = "draining"
	WorkerStateStopped  WorkerState = "stopped"
)
