package veo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kalambet/veobatch/internal/telemetry"
)

func TestSubmit_TextOnly(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/veo/generate" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key-1" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		fmt.Fprint(w, `{"code":200,"msg":"success","data":{"taskId":"task-1"}}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	taskID, err := c.Submit(context.Background(), "key-1", "Say hello", "", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if taskID != "task-1" {
		t.Errorf("taskID = %q, want task-1", taskID)
	}

	want := map[string]any{
		"prompt":            "Say hello",
		"model":             DefaultModel,
		"aspect_ratio":      "9:16",
		"enableTranslation": true,
		"generationType":    GenerationText,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("body[%q] = %v, want %v", k, got[k], v)
		}
	}
	if _, ok := got["imageUrls"]; ok {
		t.Error("imageUrls should be omitted in text mode")
	}
}

func TestSubmit_ImageAnchored(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"code":200,"data":{"taskId":"task-2"}}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	if _, err := c.Submit(context.Background(), "k", "p", "https://img/a.png", "16:9"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.GenerationType != GenerationFirstFrame {
		t.Errorf("generationType = %q", got.GenerationType)
	}
	if len(got.ImageURLs) != 1 || got.ImageURLs[0] != "https://img/a.png" {
		t.Errorf("imageUrls = %v", got.ImageURLs)
	}
	if got.AspectRatio != "16:9" {
		t.Errorf("aspect_ratio = %q", got.AspectRatio)
	}
}

func TestSubmit_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"provider code", http.StatusOK, `{"code":402,"msg":"Insufficient credits"}`, "Insufficient credits"},
		{"provider code no msg", http.StatusOK, `{"code":500}`, "Unknown error"},
		{"http error with msg", http.StatusBadRequest, `{"msg":"PUBLIC_ERROR_PROMPT_TOO_LONG"}`, "HTTP 400: PUBLIC_ERROR_PROMPT_TOO_LONG"},
		{"http error plain", http.StatusBadGateway, `oops`, "HTTP 502: Bad Gateway"},
		{"missing task id", http.StatusOK, `{"code":200,"data":{}}`, "response missing task id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewClientWithBaseURL(srv.URL).Submit(context.Background(), "k", "p", "", "")
			var perr *ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ProviderError, got %v", err)
			}
			if perr.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", perr.Message, tt.wantMsg)
			}
		})
	}
}

func TestSubmit_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewClientWithBaseURL(srv.URL).Submit(context.Background(), "k", "p", "", "")
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if perr.Message == "" {
		t.Error("expected transport error text")
	}
}

func TestPoll_Flags(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Status
	}{
		{"generating", `{"code":200,"data":{"successFlag":0}}`, Status{State: StateGenerating}},
		{"completed", `{"code":200,"data":{"successFlag":1,"response":{"resultUrls":["https://cdn/v.mp4"]}}}`, Status{State: StateCompleted, ResultURL: "https://cdn/v.mp4"}},
		{"completed without url", `{"code":200,"data":{"successFlag":1,"response":{}}}`, Status{State: StateUnknown}},
		{"completed without response", `{"code":200,"data":{"successFlag":1}}`, Status{State: StateUnknown}},
		{"failed 2", `{"code":200,"data":{"successFlag":2,"errorMessage":"PUBLIC_ERROR_NSFW_FILTER_FAILED"}}`, Status{State: StateFailed, Message: "PUBLIC_ERROR_NSFW_FILTER_FAILED"}},
		{"failed 3 default message", `{"code":200,"data":{"successFlag":3}}`, Status{State: StateFailed, Message: "Generation failed"}},
		{"unknown flag", `{"code":200,"data":{"successFlag":7}}`, Status{State: StateUnknown}},
		{"non-success code", `{"code":500,"msg":"boom"}`, Status{State: StateUnknown}},
		{"missing flag", `{"code":200,"data":{}}`, Status{State: StateUnknown}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/veo/record-info" {
					t.Errorf("path = %q", r.URL.Path)
				}
				if id := r.URL.Query().Get("taskId"); id != "task-9" {
					t.Errorf("taskId = %q", id)
				}
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			got, err := NewClientWithBaseURL(srv.URL).Poll(context.Background(), "k", "task-9")
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if got != tt.want {
				t.Errorf("Poll = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPoll_HTTPErrorIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	got, err := NewClientWithBaseURL(srv.URL).Poll(context.Background(), "k", "t")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got.State != StateUnknown {
		t.Errorf("State = %v, want unknown", got.State)
	}
}

func TestPoll_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	got, err := c.Poll(context.Background(), "k", "t")
	var terr *TransientError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransientError, got %v", err)
	}
	if got.State != StateUnknown {
		t.Errorf("State = %v, want unknown", got.State)
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), srv.URL+"/v.mp4", &buf)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n != int64(len("video-bytes")) || buf.String() != "video-bytes" {
		t.Errorf("got %d bytes %q", n, buf.String())
	}

	_, err = c.Download(context.Background(), srv.URL+"/missing", &bytes.Buffer{})
	if !errors.Is(err, ErrDownload) {
		t.Errorf("expected ErrDownload, got %v", err)
	}
}

func TestSubmit_RecordsErrorSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(telemetry.NewTestProvider(exp))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":422,"msg":"PUBLIC_ERROR_INVALID_IMAGE"}`)
	}))
	defer srv.Close()

	if _, err := NewClientWithBaseURL(srv.URL).Submit(context.Background(), "k", "p", "img", ""); err == nil {
		t.Fatal("expected error")
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "veo.submit" || spans[0].Status.Code != codes.Error {
		t.Errorf("span = %s status %v", spans[0].Name, spans[0].Status.Code)
	}
}
