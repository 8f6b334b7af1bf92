package batch

import "time"

// MaxRetries is the automatic resubmission budget of every job.
const MaxRetries = 3

// ProductLabelSuffix is appended to the label of product-holding jobs.
const ProductLabelSuffix = " (With Product)"

// Status is the externally visible job status.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// State is one of Queued, Generating, Completed or Failed. Each variant
// carries only the fields valid for it.
type State interface {
	Status() Status
	isState()
}

// Queued is a submitted task the provider has not started reporting on.
type Queued struct{}

// Generating is a task the provider reports as in progress.
type Generating struct{}

// Completed is a finished task with its downloadable result.
type Completed struct {
	ResultURL string
}

// Failed holds the classified message shown to users and the verbatim
// provider text. A non-final failure is a resubmission that did not go
// through while retry budget remains; the next refresh resubmits it.
type Failed struct {
	Message string
	Raw     string
	Final   bool
}

func (Queued) Status() Status     { return StatusQueued }
func (Generating) Status() Status { return StatusGenerating }
func (Completed) Status() Status  { return StatusCompleted }
func (Failed) Status() Status     { return StatusFailed }

func (Queued) isState()     {}
func (Generating) isState() {}
func (Completed) isState()  {}
func (Failed) isState()     {}

// Job tracks one segment's generation including retries. Its identity is
// its index in Batch.Jobs.
type Job struct {
	Label      string
	State      State
	TaskID     string
	Prompt     string
	AvatarURL  string
	RetryCount int
	MaxRetries int
}

// Terminal reports whether the job can no longer change.
func (j *Job) Terminal() bool {
	switch s := j.State.(type) {
	case Completed:
		return true
	case Failed:
		return s.Final
	default:
		return false
	}
}

// ResultURL returns the result location of a completed job.
func (j *Job) ResultURL() (string, bool) {
	c, ok := j.State.(Completed)
	return c.ResultURL, ok
}

// Batch is the unit of persistence. The job list never changes length after
// creation.
type Batch struct {
	ID         string
	Credential string
	CreatedAt  time.Time
	Jobs       []Job
}

// Outstanding reports whether any job can still transition.
func (b *Batch) Outstanding() bool {
	for i := range b.Jobs {
		if !b.Jobs[i].Terminal() {
			return true
		}
	}
	return false
}

// Counts tallies jobs per status.
func (b *Batch) Counts() map[Status]int {
	counts := make(map[Status]int, 4)
	for i := range b.Jobs {
		counts[b.Jobs[i].State.Status()]++
	}
	return counts
}
