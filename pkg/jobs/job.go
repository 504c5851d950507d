package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is the lifecycle position of a job on its queue.
type State string

// Job states
const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ParseState converts a state name, as used by inspection APIs, into a State.
func ParseState(raw string) (State, error) {
	switch state := State(strings.ToLower(strings.TrimSpace(raw))); state {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed:
		return state, nil
	default:
		return "", jobsError(ErrInvalidArgument, fmt.Sprintf("unknown job state %q", raw))
	}
}

// Metadata keys stored in Job.Data
const (
	DataFailedReason         = "failed_reason"
	DataFailedAt             = "failed_at"
	DataOriginalQueue        = "original_queue"
	DataOriginalJobID        = "original_job_id"
	DataOriginalAttemptsMade = "original_attempts_made"
	DataOriginalPayload      = "original_payload"
	DataResubmittedFrom      = "resubmitted_from"
)

// Job is one unit of work on a named queue. Name selects the handler, Payload is
// the JSON document handed to it.
type Job struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Queue   string            `json:"queue"`
	Payload json.RawMessage   `json:"payload"`
	Data    map[string]string `json:"data,omitempty"`

	State        State  `json:"state"`
	AttemptsMade int    `json:"attempts_made"`
	MaxAttempts  int    `json:"max_attempts"`
	FailedReason string `json:"failed_reason,omitempty"`

	Backoff          Backoff   `json:"backoff"`
	RemoveOnComplete Retention `json:"remove_on_complete"`
	RemoveOnFail     Retention `json:"remove_on_fail"`

	CreatedAt   time.Time `json:"created_at"`
	RunAt       time.Time `json:"run_at"`
	ProcessedAt time.Time `json:"processed_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

// Validate checks the fields every backend relies on.
func (j *Job) Validate() error {
	if j == nil {
		return jobsError(ErrValidation, "job is nil")
	}
	if strings.TrimSpace(j.ID) == "" {
		return jobsError(ErrValidation, "job id is required")
	}
	if strings.TrimSpace(j.Name) == "" {
		return jobsError(ErrValidation, "job name is required")
	}
	if strings.TrimSpace(j.Queue) == "" {
		return jobsError(ErrValidation, "job queue is required")
	}
	if len(j.Payload) == 0 {
		return jobsError(ErrValidation, "job payload is required")
	}
	if !json.Valid(j.Payload) {
		return jobsError(ErrValidation, "job payload must be valid json")
	}
	if j.AttemptsMade < 0 {
		return jobsError(ErrValidation, "job attempts made must be >= 0")
	}
	if j.MaxAttempts < 1 {
		return jobsError(ErrValidation, "job max attempts must be >= 1")
	}
	return j.Backoff.Validate()
}

// CanRetry reports whether another attempt is allowed after AttemptsMade attempts.
func (j *Job) CanRetry() bool {
	return j.AttemptsMade < j.MaxAttempts
}

// NextAttemptAt is when the next attempt may start after a failure observed at now.
// AttemptsMade must already count the failed attempt.
func (j *Job) NextAttemptAt(now time.Time) time.Time {
	return now.Add(j.Backoff.After(j.AttemptsMade))
}

// Decode unmarshals the payload into target.
func (j *Job) Decode(target any) error {
	if err := json.Unmarshal(j.Payload, target); err != nil {
		return jobsError(ErrValidation, fmt.Sprintf("decode payload of job %s: %v", j.ID, err))
	}
	return nil
}

// MarshalPayload encodes payload as JSON. Raw JSON and byte slices holding valid
// JSON pass through unchanged.
func MarshalPayload(payload any) (json.RawMessage, error) {
	switch typed := payload.(type) {
	case nil:
		return nil, jobsError(ErrValidation, "job payload is required")
	case json.RawMessage:
		if !json.Valid(typed) {
			return nil, jobsError(ErrValidation, "job payload must be valid json")
		}
		return cloneBytes(typed), nil
	case []byte:
		if !json.Valid(typed) {
			return nil, jobsError(ErrValidation, "job payload must be valid json")
		}
		return cloneBytes(typed), nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, jobsError(ErrValidation, fmt.Sprintf("marshal job payload: %v", err))
	}
	return encoded, nil
}

// BackoffType selects how the retry delay grows between attempts.
type BackoffType string

// Backoff types
const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// ParseBackoffType converts a configuration value into a BackoffType. Empty means fixed.
func ParseBackoffType(raw string) (BackoffType, error) {
	switch typ := BackoffType(strings.ToLower(strings.TrimSpace(raw))); typ {
	case "", BackoffFixed:
		return BackoffFixed, nil
	case BackoffExponential:
		return BackoffExponential, nil
	default:
		return "", jobsError(ErrValidation, fmt.Sprintf("unknown backoff type %q", raw))
	}
}

// maxBackoffDelay caps exponential growth.
const maxBackoffDelay = 24 * time.Hour

// Backoff is the wait between a failed attempt and the next one.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Validate checks the backoff type and delay.
func (b Backoff) Validate() error {
	if _, err := ParseBackoffType(string(b.Type)); err != nil {
		return err
	}
	if b.Delay < 0 {
		return jobsError(ErrValidation, "backoff delay must be >= 0")
	}
	return nil
}

// After returns the wait after the given number of failed attempts (1-based).
// Fixed backoff always waits b.Delay; exponential waits b.Delay * 2^(attempts-1).
func (b Backoff) After(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attemptsMade <= 1 {
		return b.Delay
	}
	delay := b.Delay
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
		if delay >= maxBackoffDelay || delay <= 0 {
			return maxBackoffDelay
		}
	}
	return delay
}

// Retention controls what happens to a finished job record. Remove deletes it
// immediately; Keep > 0 keeps only the newest Keep records; the zero value keeps all.
type Retention struct {
	Remove bool `json:"remove,omitempty"`
	Keep   int  `json:"keep,omitempty"`
}

// KeepAll retains every finished record.
var KeepAll = Retention{}

// RemoveImmediately deletes finished records.
var RemoveImmediately = Retention{Remove: true}

// KeepLast retains the newest n finished records.
func KeepLast(n int) Retention {
	return Retention{Keep: n}
}

// ParseRetention accepts "true", "false" or a non-negative record count.
// A count of zero is the same as "true".
func ParseRetention(raw string) (Retention, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "true":
		return RemoveImmediately, nil
	case "false", "":
		return KeepAll, nil
	}
	count, err := strconv.Atoi(value)
	if err != nil || count < 0 {
		return Retention{}, jobsError(ErrValidation, fmt.Sprintf("retention must be true, false or a non-negative count, got %q", raw))
	}
	if count == 0 {
		return RemoveImmediately, nil
	}
	return KeepLast(count), nil
}

func (r Retention) String() string {
	switch {
	case r.Remove:
		return "true"
	case r.Keep > 0:
		return strconv.Itoa(r.Keep)
	default:
		return "false"
	}
}

// JobOptions are per-job overrides of the queue defaults. Zero fields inherit.
type JobOptions struct {
	Attempts         int
	Backoff          *Backoff
	Delay            time.Duration
	RemoveOnComplete *Retention
	RemoveOnFail     *Retention
	// Data is merged key by key into the job metadata.
	Data map[string]string
}

// merge returns o with every unset field taken from defaults.
func (o JobOptions) merge(defaults JobOptions) JobOptions {
	merged := defaults
	if o.Attempts > 0 {
		merged.Attempts = o.Attempts
	}
	if o.Backoff != nil {
		backoff := *o.Backoff
		merged.Backoff = &backoff
	}
	if o.Delay > 0 {
		merged.Delay = o.Delay
	}
	if o.RemoveOnComplete != nil {
		retention := *o.RemoveOnComplete
		merged.RemoveOnComplete = &retention
	}
	if o.RemoveOnFail != nil {
		retention := *o.RemoveOnFail
		merged.RemoveOnFail = &retention
	}
	if len(o.Data) > 0 {
		data := cloneData(defaults.Data)
		if data == nil {
			data = make(map[string]string, len(o.Data))
		}
		for key, value := range o.Data {
			data[key] = value
		}
		merged.Data = data
	}
	if merged.Attempts <= 0 {
		merged.Attempts = 1
	}
	return merged
}

// apply copies the merged options onto job.
func (o JobOptions) apply(job *Job) {
	job.MaxAttempts = o.Attempts
	if o.Backoff != nil {
		job.Backoff = *o.Backoff
	}
	if job.Backoff.Type == "" {
		job.Backoff.Type = BackoffFixed
	}
	if o.RemoveOnComplete != nil {
		job.RemoveOnComplete = *o.RemoveOnComplete
	}
	if o.RemoveOnFail != nil {
		job.RemoveOnFail = *o.RemoveOnFail
	}
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	cloned := *job
	cloned.Payload = cloneBytes(job.Payload)
	cloned.Data = cloneData(job.Data)
	return &cloned
}

func cloneData(data map[string]string) map[string]string {
	if len(data) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(data))
	for key, value := range data {
		cloned[key] = value
	}
	return cloned
}

func cloneBytes(value []byte) []byte {
	if len(value) == 0 {
		return nil
	}
	cloned := make([]byte, len(value))
	copy(cloned, value)
	return cloned
}
