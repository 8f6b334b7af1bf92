package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// jobJSON is the flat external shape of a job.
//
// status "failed" is terminal only when pending_retry is absent. A failed
// job with pending_retry true still has retry budget and is resubmitted by
// the next refresh, so callers keep polling.
type jobJSON struct {
	Label        string `json:"label"`
	Status       Status `json:"status"`
	TaskID       string `json:"task_id,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	VideoURL     string `json:"video_url,omitempty"`
	Error        string `json:"error,omitempty"`
	RawError     string `json:"raw_error,omitempty"`
	PendingRetry bool   `json:"pending_retry,omitempty"` // failed but not final
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`
}

// MarshalJSON flattens the state variant into status, video_url and error fields.
func (j Job) MarshalJSON() ([]byte, error) {
	w := jobJSON{
		Label:      j.Label,
		TaskID:     j.TaskID,
		Prompt:     j.Prompt,
		AvatarURL:  j.AvatarURL,
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
	}
	switch s := j.State.(type) {
	case Queued:
		w.Status = StatusQueued
	case Generating:
		w.Status = StatusGenerating
	case Completed:
		w.Status = StatusCompleted
		w.VideoURL = s.ResultURL
	case Failed:
		w.Status = StatusFailed
		w.Error = s.Message
		w.RawError = s.Raw
		w.PendingRetry = !s.Final
	default:
		return nil, fmt.Errorf("job %q has no state", j.Label)
	}
	return json.Marshal(w)
}

// UnmarshalJSON rebuilds the state variant and rejects records that break
// job invariants with ErrCorruptRecord.
func (j *Job) UnmarshalJSON(data []byte) error {
	var w jobJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	job := Job{
		Label:      w.Label,
		TaskID:     w.TaskID,
		Prompt:     w.Prompt,
		AvatarURL:  w.AvatarURL,
		RetryCount: w.RetryCount,
		MaxRetries: w.MaxRetries,
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = MaxRetries
	}
	if job.RetryCount < 0 || job.RetryCount > job.MaxRetries {
		return fmt.Errorf("%w: job %q retry_count %d outside [0,%d]", ErrCorruptRecord, w.Label, w.RetryCount, job.MaxRetries)
	}

	switch w.Status {
	case StatusQueued, StatusGenerating:
		if w.TaskID == "" {
			return fmt.Errorf("%w: job %q is %s without a task id", ErrCorruptRecord, w.Label, w.Status)
		}
		if w.Status == StatusQueued {
			job.State = Queued{}
		} else {
			job.State = Generating{}
		}
	case StatusCompleted:
		if w.VideoURL == "" {
			return fmt.Errorf("%w: job %q is completed without a video url", ErrCorruptRecord, w.Label)
		}
		job.State = Completed{ResultURL: w.VideoURL}
	case StatusFailed:
		if w.PendingRetry && (w.TaskID == "" || w.RetryCount >= job.MaxRetries) {
			return fmt.Errorf("%w: job %q cannot be pending retry", ErrCorruptRecord, w.Label)
		}
		job.State = Failed{Message: w.Error, Raw: w.RawError, Final: !w.PendingRetry}
	default:
		return fmt.Errorf("%w: job %q has unknown status %q", ErrCorruptRecord, w.Label, w.Status)
	}

	*j = job
	return nil
}

// record is the persisted form of a batch.
type record struct {
	ID         string    `json:"id"`
	Credential string    `json:"api_key"`
	CreatedAt  time.Time `json:"created_at"`
	Jobs       []Job     `json:"jobs"`
}

// Encode serialises a batch, credential included, for the record store.
func Encode(b *Batch) ([]byte, error) {
	return json.Marshal(record{
		ID:         b.ID,
		Credential: b.Credential,
		CreatedAt:  b.CreatedAt,
		Jobs:       b.Jobs,
	})
}

// Decode parses a stored batch. Any invariant violation yields ErrCorruptRecord.
func Decode(data []byte) (*Batch, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		if errors.Is(err, ErrCorruptRecord) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrCorruptRecord)
	}
	return &Batch{
		ID:         r.ID,
		Credential: r.Credential,
		CreatedAt:  r.CreatedAt,
		Jobs:       r.Jobs,
	}, nil
}

// View is the caller-facing shape of a batch. It never carries the credential.
//
// Open is the stop condition for pollers: it stays true while any job can
// still change, including failed jobs with pending_retry set. A job's
// status alone does not say whether it is finished.
type View struct {
	BatchID   string         `json:"batch_id"`
	CreatedAt time.Time      `json:"created_at"`
	Jobs      []Job          `json:"jobs"`
	Counts    map[Status]int `json:"counts"`
	Open      bool           `json:"open"`
}

// View returns the public representation of b.
func (b *Batch) View() View {
	jobs := b.Jobs
	if jobs == nil {
		jobs = []Job{}
	}
	return View{
		BatchID:   b.ID,
		CreatedAt: b.CreatedAt,
		Jobs:      jobs,
		Counts:    b.Counts(),
		Open:      b.Outstanding(),
	}
}
