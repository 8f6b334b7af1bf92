package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/veobatch/internal/artifact"
	"github.com/kalambet/veobatch/internal/batch"
	"github.com/kalambet/veobatch/internal/storage"
	"github.com/kalambet/veobatch/internal/veo"
)

// fakeProvider imitates the generation service. Prompts containing
// "REJECT" fail at submission; every other task is completed on first poll
// unless overridden in flags.
type fakeProvider struct {
	srv *httptest.Server

	mu      sync.Mutex
	next    int
	flags   map[string]int
	prompts []string
	auths   []string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{flags: make(map[string]int)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /veo/generate", p.generate)
	mux.HandleFunc("GET /veo/record-info", p.recordInfo)
	mux.HandleFunc("GET /video/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "video-%s", r.PathValue("id"))
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) generate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, body.Prompt)
	p.auths = append(p.auths, r.Header.Get("Authorization"))

	if strings.Contains(body.Prompt, "REJECT") {
		json.NewEncoder(w).Encode(map[string]any{"code": 400, "msg": "PUBLIC_ERROR_PROMINENT_PEOPLE_FILTER_FAILED"})
		return
	}
	p.next++
	id := fmt.Sprintf("t-%d", p.next)
	if _, ok := p.flags[id]; !ok {
		p.flags[id] = 1
	}
	json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": map[string]string{"taskId": id}})
}

func (p *fakeProvider) recordInfo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("taskId")
	p.mu.Lock()
	flag := p.flags[id]
	p.auths = append(p.auths, r.Header.Get("Authorization"))
	p.mu.Unlock()

	data := map[string]any{"successFlag": flag}
	if flag == 1 {
		data["response"] = map[string]any{"resultUrls": []string{p.srv.URL + "/video/" + id}}
	}
	json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": data})
}

func (p *fakeProvider) setFlag(id string, flag int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flags[id] = flag
}

func (p *fakeProvider) lastAuth() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.auths) == 0 {
		return ""
	}
	return p.auths[len(p.auths)-1]
}

type testEnv struct {
	provider  *fakeProvider
	manager   *batch.Manager
	collector *artifact.Collector
	outputDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	provider := newFakeProvider(t)

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := veo.NewClientWithBaseURL(provider.srv.URL)
	out := t.TempDir()

	return &testEnv{
		provider:  provider,
		manager:   batch.NewManager(client, store, batch.Options{Logger: logger}),
		collector: artifact.NewCollector(client, out, artifact.Options{Logger: logger}),
		outputDir: out,
	}
}

func (e *testEnv) deps() Deps {
	return Deps{
		Batches:   e.manager,
		Collector: e.collector,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

const testScript = `HOOK
Open on the kitchen counter.

Backend 1 — HOLDING PRODUCT
Show the bottle up close.

Backend 2
REJECT this one.
`
