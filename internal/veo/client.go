// Package veo is a thin adapter for the hosted Veo video generation API.
// It holds no per-task state and never retries on its own.
package veo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL         = "https://api.kie.ai/api/v1"
	DefaultModel           = "veo3_fast"
	DefaultAspectRatio     = "9:16"
	defaultTimeout         = 60 * time.Second
	defaultDownloadTimeout = 5 * time.Minute
	maxErrorBody           = 64 << 10
)

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	BaseURL         string
	Model           string
	Timeout         time.Duration
	DownloadTimeout time.Duration
}

// Client talks to the generation provider. Credentials are passed per call
// because one process serves batches owned by different API keys.
type Client struct {
	baseURL        string
	model          string
	httpClient     *http.Client
	downloadClient *http.Client
	tracer         trace.Tracer
}

// NewClient creates a provider client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = defaultDownloadTimeout
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		model:          opts.Model,
		httpClient:     &http.Client{Timeout: opts.Timeout},
		downloadClient: &http.Client{Timeout: opts.DownloadTimeout},
		tracer:         otel.Tracer("veobatch/veo"),
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(baseURL string) *Client {
	return NewClient(Options{BaseURL: baseURL})
}

// Submit starts one generation task and returns its task id. A non-empty
// imageURL selects the image-anchored mode. Every failure is a *ProviderError.
func (c *Client) Submit(ctx context.Context, credential, prompt, imageURL, aspectRatio string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "veo.submit", trace.WithAttributes(
		attribute.Bool("veo.image", imageURL != ""),
	))
	defer span.End()

	taskID, err := c.submit(ctx, credential, prompt, imageURL, aspectRatio)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("veo.task_id", taskID))
	return taskID, nil
}

func (c *Client) submit(ctx context.Context, credential, prompt, imageURL, aspectRatio string) (string, error) {
	if aspectRatio == "" {
		aspectRatio = DefaultAspectRatio
	}
	req := generateRequest{
		Prompt:            prompt,
		Model:             c.model,
		AspectRatio:       aspectRatio,
		EnableTranslation: true,
		GenerationType:    GenerationText,
	}
	if imageURL != "" {
		req.GenerationType = GenerationFirstFrame
		req.ImageURLs = []string{imageURL}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", &ProviderError{Message: fmt.Sprintf("marshaling request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/veo/generate", bytes.NewReader(body))
	if err != nil {
		return "", &ProviderError{Message: fmt.Sprintf("creating request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &ProviderError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, httpErrorMessage(resp)),
		}
	}

	var env envelope[generateData]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", &ProviderError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decoding response: %v", err)}
	}
	if env.Code != http.StatusOK {
		msg := env.Msg
		if msg == "" {
			msg = "Unknown error"
		}
		return "", &ProviderError{StatusCode: env.Code, Message: msg}
	}
	if env.Data == nil || env.Data.TaskID == "" {
		return "", &ProviderError{StatusCode: env.Code, Message: "response missing task id"}
	}
	return env.Data.TaskID, nil
}

// httpErrorMessage prefers the provider's JSON "msg" field over the status text.
func httpErrorMessage(resp *http.Response) string {
	fallback := http.StatusText(resp.StatusCode)
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fallback
	}
	var body struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(data, &body) == nil && body.Msg != "" {
		return body.Msg
	}
	return fallback
}

// Poll fetches the latest status of a task. A transport failure returns a
// *TransientError together with StateUnknown; a non-success response or an
// unrecognised flag is StateUnknown with no error.
func (c *Client) Poll(ctx context.Context, credential, taskID string) (Status, error) {
	ctx, span := c.tracer.Start(ctx, "veo.poll", trace.WithAttributes(
		attribute.String("veo.task_id", taskID),
	))
	defer span.End()

	st, err := c.poll(ctx, credential, taskID)
	span.SetAttributes(attribute.String("veo.state", st.State.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return st, err
}

func (c *Client) poll(ctx context.Context, credential, taskID string) (Status, error) {
	unknown := Status{State: StateUnknown}

	u := c.baseURL + "/veo/record-info?" + url.Values{"taskId": {taskID}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return unknown, &TransientError{Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return unknown, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return unknown, nil
	}

	var env envelope[recordInfoData]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return unknown, &TransientError{Err: fmt.Errorf("decoding response: %w", err)}
	}
	if env.Code != http.StatusOK || env.Data == nil || env.Data.SuccessFlag == nil {
		return unknown, nil
	}

	data := env.Data
	switch *data.SuccessFlag {
	case 0:
		return Status{State: StateGenerating}, nil
	case 1:
		if data.Response == nil || len(data.Response.ResultURLs) == 0 || data.Response.ResultURLs[0] == "" {
			return unknown, nil
		}
		return Status{State: StateCompleted, ResultURL: data.Response.ResultURLs[0]}, nil
	case 2, 3:
		msg := "Generation failed"
		if data.ErrorMessage != nil {
			msg = *data.ErrorMessage
		}
		return Status{State: StateFailed, Message: msg}, nil
	default:
		return unknown, nil
	}
}

// ErrDownload wraps every failed result fetch.
var ErrDownload = errors.New("download failed")

// Download streams a finished result into w and returns the byte count.
func (c *Client) Download(ctx context.Context, resultURL string, w io.Writer) (int64, error) {
	ctx, span := c.tracer.Start(ctx, "veo.download")
	defer span.End()

	n, err := c.download(ctx, resultURL, w)
	span.SetAttributes(attribute.Int64("veo.bytes", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return n, err
}

func (c *Client) download(ctx context.Context, resultURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: creating request: %v", ErrDownload, err)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: unexpected status %d", ErrDownload, resp.StatusCode)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: copying body: %v", ErrDownload, err)
	}
	return n, nil
}
