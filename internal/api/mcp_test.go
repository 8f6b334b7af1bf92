package api

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	return MCPDeps{
		Batches:           env.manager,
		Collector:         env.collector,
		DefaultCredential: "default-key",
		Version:           "test",
	}, env
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func createViaMCP(t *testing.T, deps MCPDeps, args map[string]interface{}) viewResponse {
	t.Helper()
	result, err := mcpCreateBatch(deps)(context.Background(), makeCallToolRequest("create_batch", args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	var v viewResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &v); err != nil {
		t.Fatalf("failed to parse batch JSON: %v", err)
	}
	return v
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if NewMCPServer(deps) == nil {
		t.Fatal("expected server")
	}
}

func TestMCPTool_SegmentScript(t *testing.T) {
	result, err := mcpSegmentScript()(context.Background(), makeCallToolRequest("segment_script", map[string]interface{}{
		"script": testScript,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var segs []struct {
		Label  string `json:"label"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &segs); err != nil {
		t.Fatalf("failed to parse segments: %v", err)
	}
	if len(segs) != 3 || segs[0].Label != "HOOK" || segs[0].Prompt != "Open on the kitchen counter." {
		t.Fatalf("unexpected segments %+v", segs)
	}
}

func TestMCPTool_SegmentScript_MissingArg(t *testing.T) {
	result, err := mcpSegmentScript()(context.Background(), makeCallToolRequest("segment_script", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
}

func TestMCPTool_CreateBatch_DefaultCredential(t *testing.T) {
	deps, env := newTestMCPDeps(t)

	v := createViaMCP(t, deps, map[string]interface{}{
		"script":            "HOOK\nOpen on the counter.",
		"avatar_normal_url": "https://img/normal.png",
	})
	if len(v.Jobs) != 1 || v.Jobs[0]["status"] != "queued" {
		t.Fatalf("unexpected jobs %v", v.Jobs)
	}
	if got := env.provider.lastAuth(); got != "Bearer default-key" {
		t.Fatalf("expected default credential, got %q", got)
	}
}

func TestMCPTool_CreateBatch_NoCredential(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.DefaultCredential = ""

	result, err := mcpCreateBatch(deps)(context.Background(), makeCallToolRequest("create_batch", map[string]interface{}{
		"script":            "HOOK\nOpen on the counter.",
		"avatar_normal_url": "https://img/normal.png",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || toolText(t, result) != "missing API key" {
		t.Fatalf("expected missing API key error, got %q", toolText(t, result))
	}
}

func TestMCPTool_RefreshAndCollect(t *testing.T) {
	deps, env := newTestMCPDeps(t)

	created := createViaMCP(t, deps, map[string]interface{}{
		"script":             testScript,
		"avatar_normal_url":  "https://img/normal.png",
		"avatar_product_url": "https://img/product.png",
		"api_key":            "key-1",
	})

	result, err := mcpRefreshBatch(deps)(context.Background(), makeCallToolRequest("refresh_batch", map[string]interface{}{
		"batch_id": created.BatchID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var refreshed viewResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &refreshed); err != nil {
		t.Fatalf("failed to parse batch JSON: %v", err)
	}
	if refreshed.Counts["completed"] != 2 {
		t.Fatalf("unexpected counts %v", refreshed.Counts)
	}

	result, err = mcpCollectArtifacts(deps)(context.Background(), makeCallToolRequest("collect_artifacts", map[string]interface{}{
		"batch_id":   created.BatchID,
		"batch_name": "promo",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	var out struct {
		Path     string   `json:"path"`
		Name     string   `json:"name"`
		Included []string `json:"included"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("failed to parse collect result: %v", err)
	}
	if out.Name != "promo.zip" || len(out.Included) != 2 {
		t.Fatalf("unexpected result %+v", out)
	}
	if filepath.Dir(out.Path) != filepath.Join(env.outputDir, created.BatchID) {
		t.Fatalf("archive %q not in the batch directory under %q", out.Path, env.outputDir)
	}
}

func TestMCPTool_RefreshBatch_NotFound(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpRefreshBatch(deps)(context.Background(), makeCallToolRequest("refresh_batch", map[string]interface{}{
		"batch_id": "20240101_000000_deadbeef",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || toolText(t, result) != "batch not found" {
		t.Fatalf("expected not found error, got %q", toolText(t, result))
	}
}

func TestMCPResource_Batch(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	created := createViaMCP(t, deps, map[string]interface{}{
		"script":            "HOOK\nOpen on the counter.",
		"avatar_normal_url": "https://img/normal.png",
	})

	contents, err := mcpResourceBatch(deps)(context.Background(), makeReadResourceRequest("batch://"+created.BatchID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var v viewResponse
	if err := json.Unmarshal([]byte(tc.Text), &v); err != nil {
		t.Fatalf("failed to parse batch JSON: %v", err)
	}
	if v.BatchID != created.BatchID {
		t.Fatalf("expected %s, got %s", created.BatchID, v.BatchID)
	}
	// Reading the resource must not poll.
	if v.Jobs[0]["status"] != "queued" {
		t.Fatalf("expected queued, got %v", v.Jobs[0]["status"])
	}
}

func TestMCPResource_Batch_NotFound(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if _, err := mcpResourceBatch(deps)(context.Background(), makeReadResourceRequest("batch://nope")); err == nil {
		t.Fatal("expected error")
	}
}

func TestMCPServer_ConcurrentRefreshes(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	created := createViaMCP(t, deps, map[string]interface{}{
		"script":            testScript,
		"avatar_normal_url": "https://img/normal.png",
	})

	handler := mcpRefreshBatch(deps)
	var wg sync.WaitGroup
	errs := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := handler(context.Background(), makeCallToolRequest("refresh_batch", map[string]interface{}{
				"batch_id": created.BatchID,
			}))
			if err != nil {
				errs <- err.Error()
				return
			}
			if result.IsError {
				errs <- "tool returned an error"
			}
		}()
	}
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Fatalf("concurrent call failed: %s", msg)
	}
}
