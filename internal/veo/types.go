package veo

import "fmt"

// Generation modes understood by the provider.
const (
	GenerationText       = "TEXT_2_VIDEO"
	GenerationFirstFrame = "FIRST_AND_LAST_FRAMES_2_VIDEO"
)

// State is the coarse provider-side state of one generation task.
type State int

const (
	StateUnknown State = iota
	StateGenerating
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateGenerating:
		return "generating"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a snapshot of one task. ResultURL is set only for
// StateCompleted and Message only for StateFailed.
type Status struct {
	State     State
	ResultURL string
	Message   string
}

// generateRequest is the body of POST /veo/generate.
type generateRequest struct {
	Prompt            string   `json:"prompt"`
	Model             string   `json:"model"`
	AspectRatio       string   `json:"aspect_ratio"`
	EnableTranslation bool     `json:"enableTranslation"`
	GenerationType    string   `json:"generationType"`
	ImageURLs         []string `json:"imageUrls,omitempty"`
}

// envelope is the provider's common response wrapper.
type envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *T     `json:"data"`
}

type generateData struct {
	TaskID string `json:"taskId"`
}

type recordInfoData struct {
	SuccessFlag  *int    `json:"successFlag"`
	ErrorMessage *string `json:"errorMessage"`
	Response     *struct {
		ResultURLs []string `json:"resultUrls"`
	} `json:"response"`
}

// ProviderError is a rejected or malformed submission. Message is the best
// available provider text and is what gets classified for users.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return e.Message
}

// TransientError means the status check itself failed (network blip,
// unreadable body). The task state is unknown, not failed.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("status check failed: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}
