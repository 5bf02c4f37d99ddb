package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CanopyHQ/xylem/internal/continuity"
	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/CanopyHQ/xylem/internal/synthesis"
)

// syncBuffer lets the async ask goroutine and the test read concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// stubProvider answers with a fixed string, or blocks until cancelled.
type stubProvider struct {
	name   string
	answer string
	block  bool
	err    error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Synthesize(ctx context.Context, prompt string) (string, error) {
	if p.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if p.err != nil {
		return "", p.err
	}
	return p.answer, nil
}

func setupTestServer(t *testing.T, providers ...synthesis.Provider) (*Server, *syncBuffer) {
	t.Helper()

	tmpDir := t.TempDir()
	os.Setenv("XYLEM_DATA_DIR", tmpDir)
	os.Setenv("XYLEM_EMBEDDER", "local")
	t.Cleanup(func() {
		os.Unsetenv("XYLEM_DATA_DIR")
		os.Unsetenv("XYLEM_EMBEDDER")
	})

	store, err := memory.NewStore()
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	out := &syncBuffer{}
	server := newServer(store, synthesis.NewChain(nil, providers...), nil, strings.NewReader(""), out)
	t.Cleanup(func() { server.Stop() })
	return server, out
}

// lastResponse parses the most recent JSON-RPC response line written.
func lastResponse(t *testing.T, out *syncBuffer) JSONRPCResponse {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatal("no response written")
	}
	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &resp); err != nil {
		t.Fatalf("unparseable response %q: %v", lines[len(lines)-1], err)
	}
	return resp
}

// toolText extracts the text payload of an MCP tool result.
func toolText(t *testing.T, resp JSONRPCResponse) (string, bool) {
	t.Helper()
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result shape: %#v", resp.Result)
	}
	content := result["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)
	isError, _ := result["isError"].(bool)
	return text, isError
}

func TestHandleInitialize(t *testing.T) {
	server, out := setupTestServer(t)

	server.handleRequest(&JSONRPCRequest{JSONRPC: "2.0", ID: float64(1), Method: "initialize"})

	resp := lastResponse(t, out)
	result := resp.Result.(map[string]interface{})
	info := result["serverInfo"].(map[string]interface{})
	if info["name"] != "xylem-mcp" {
		t.Errorf("unexpected server name: %v", info["name"])
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	server, out := setupTestServer(t)

	server.handleRequest(&JSONRPCRequest{JSONRPC: "2.0", ID: float64(1), Method: "bogus/method"})

	resp := lastResponse(t, out)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("expected method-not-found error, got %+v", resp.Error)
	}
}

func TestToolsList(t *testing.T) {
	server, out := setupTestServer(t)

	server.handleRequest(&JSONRPCRequest{JSONRPC: "2.0", ID: float64(1), Method: "tools/list"})

	resp := lastResponse(t, out)
	tools := resp.Result.(map[string]interface{})["tools"].([]interface{})

	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.(map[string]interface{})["name"].(string)] = true
	}
	for _, want := range []string{"think", "search", "ask", "cancel_job", "forget", "list_thoughts", "create_entities", "add_observations", "memory_stats"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestToolThink(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	result, err := server.toolThink(ctx, map[string]interface{}{
		"text":   "started the rollout of the new ingest pipeline",
		"origin": "human",
		"tags":   []interface{}{"work"},
	})
	if err != nil {
		t.Fatalf("toolThink failed: %v", err)
	}

	resp := result.(map[string]interface{})
	if resp["status"] != "stored" {
		t.Errorf("expected stored, got %v", resp["status"])
	}
	id := resp["id"].(string)

	// Same content comes back as a duplicate of the original
	result, err = server.toolThink(ctx, map[string]interface{}{
		"text": "started the rollout of the new ingest pipeline",
	})
	if err != nil {
		t.Fatalf("toolThink failed: %v", err)
	}
	resp = result.(map[string]interface{})
	if resp["status"] != "duplicate" {
		t.Errorf("expected duplicate, got %v", resp["status"])
	}
	if resp["id"] != id {
		t.Errorf("duplicate should return the original id")
	}
}

func TestToolThink_ContinuityLinks(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	first, err := server.toolThink(ctx, map[string]interface{}{"text": "the original plan for the migration"})
	if err != nil {
		t.Fatal(err)
	}
	firstID := first.(map[string]interface{})["id"].(string)

	result, err := server.toolThink(ctx, map[string]interface{}{
		"text":                "revised plan after the load test",
		"previous_thought_id": firstID,
		"revises_thought":     "nonexistent-thought-id",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := result.(map[string]interface{})
	links := resp["continuity"].([]continuity.Link)
	if len(links) != 2 {
		t.Fatalf("expected 2 resolved links, got %d", len(links))
	}

	saved, err := server.store.GetThought(ctx, resp["id"].(string))
	if err != nil || saved == nil {
		t.Fatalf("GetThought: %v", err)
	}
	if saved.PreviousThoughtID != "thoughts:"+firstID {
		t.Errorf("previous link not canonical: %q", saved.PreviousThoughtID)
	}
	// Missing targets are kept as strings, not dropped
	if saved.RevisesThought != "thoughts:nonexistent-thought-id" {
		t.Errorf("revises link should be kept verbatim: %q", saved.RevisesThought)
	}
}

func TestToolThink_Validation(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	if _, err := server.toolThink(ctx, map[string]interface{}{"text": "  "}); err == nil {
		t.Error("expected error for blank text")
	}
	if _, err := server.toolThink(ctx, map[string]interface{}{"text": "x", "origin": "alien"}); err == nil {
		t.Error("expected error for unknown origin")
	}
}

func TestToolSearch(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	if _, err := server.toolThink(ctx, map[string]interface{}{
		"text": "the checkout service uses Redis for session storage",
	}); err != nil {
		t.Fatal(err)
	}

	result, err := server.toolSearch(ctx, map[string]interface{}{
		"query": "where are sessions stored",
		"floor": 0.01,
	})
	if err != nil {
		t.Fatalf("toolSearch failed: %v", err)
	}

	resp := result.(map[string]interface{})
	if resp["count"].(int) < 1 {
		t.Error("expected at least one search result")
	}

	if _, err := server.toolSearch(ctx, map[string]interface{}{}); err == nil {
		t.Error("expected error for missing query")
	}
}

func TestToolAsk_Answers(t *testing.T) {
	server, out := setupTestServer(t, &stubProvider{name: "stub", answer: "the sessions live in Redis"})
	ctx := context.Background()

	if _, err := server.toolThink(ctx, map[string]interface{}{
		"text": "the checkout service uses Redis for session storage",
	}); err != nil {
		t.Fatal(err)
	}

	server.toolAsk(float64(7), map[string]interface{}{"question": "where are sessions stored"})
	server.wg.Wait()

	text, isError := toolText(t, lastResponse(t, out))
	if isError {
		t.Fatalf("ask reported error: %s", text)
	}
	if !strings.Contains(text, "the sessions live in Redis") {
		t.Errorf("answer missing from response: %s", text)
	}
	if !strings.Contains(text, `"status": "answered"`) {
		t.Errorf("expected answered status: %s", text)
	}
	if server.registry.Size() != 0 {
		t.Error("job should be unregistered after completion")
	}
}

func TestToolAsk_CancelledJobReportsAbort(t *testing.T) {
	server, out := setupTestServer(t, &stubProvider{name: "slow", block: true})
	ctx := context.Background()

	if _, err := server.toolThink(ctx, map[string]interface{}{
		"text": "some stored context so retrieval succeeds here",
	}); err != nil {
		t.Fatal(err)
	}

	server.toolAsk(float64(9), map[string]interface{}{"question": "anything slow"})

	// Wait for the job to register, then cancel it
	deadline := time.Now().Add(2 * time.Second)
	for server.registry.Size() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	jobID := server.registry.List()[0].ID
	result, err := server.toolCancelJob(map[string]interface{}{"job_id": jobID})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if result.(map[string]interface{})["status"] != "cancelling" {
		t.Errorf("unexpected cancel status: %v", result)
	}

	server.wg.Wait()

	text, _ := toolText(t, lastResponse(t, out))
	if !strings.Contains(text, `"status": "aborted"`) {
		t.Errorf("expected aborted status in job response: %s", text)
	}
}

func TestToolCancelJob_NotFound(t *testing.T) {
	server, _ := setupTestServer(t)

	result, err := server.toolCancelJob(map[string]interface{}{"job_id": "nope"})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if result.(map[string]interface{})["status"] != "not_found" {
		t.Errorf("expected not_found, got %v", result)
	}
}

func TestToolAsk_NoProviders(t *testing.T) {
	server, out := setupTestServer(t) // empty chain
	ctx := context.Background()

	if _, err := server.toolThink(ctx, map[string]interface{}{
		"text": "there is context but nothing to synthesize with",
	}); err != nil {
		t.Fatal(err)
	}

	server.toolAsk(float64(3), map[string]interface{}{"question": "will this fail"})
	server.wg.Wait()

	text, isError := toolText(t, lastResponse(t, out))
	if !isError {
		t.Fatalf("expected error result, got %s", text)
	}
	if !strings.Contains(text, "no synthesis provider") {
		t.Errorf("expected no-provider error, got %s", text)
	}
}

func TestToolForgetAndList(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	r, err := server.toolThink(ctx, map[string]interface{}{"text": "temporary note to remove"})
	if err != nil {
		t.Fatal(err)
	}
	id := r.(map[string]interface{})["id"].(string)

	if _, err := server.toolForget(ctx, map[string]interface{}{"id": id}); err != nil {
		t.Fatalf("forget failed: %v", err)
	}
	if _, err := server.toolForget(ctx, map[string]interface{}{"id": id}); err == nil {
		t.Error("expected error forgetting twice")
	}

	result, err := server.toolListThoughts(ctx, map[string]interface{}{})
	if err != nil {
		t.Fatal(err)
	}
	if result.(map[string]interface{})["count"].(int) != 0 {
		t.Error("expected empty list after forget")
	}
}

func TestToolCreateEntitiesAndObservations(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	result, err := server.toolCreateEntities(ctx, map[string]interface{}{
		"entities": []interface{}{
			map[string]interface{}{"name": "PostgreSQL", "entity_type": "technology"},
			map[string]interface{}{"name": "alice", "entity_type": "person"},
		},
	})
	if err != nil {
		t.Fatalf("create_entities failed: %v", err)
	}
	created := result.(map[string]interface{})["entities"].([]map[string]interface{})
	if len(created) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(created))
	}

	entityID := created[0]["id"].(string)
	obsResult, err := server.toolAddObservations(ctx, map[string]interface{}{
		"entity_id":    entityID,
		"observations": []interface{}{"runs on version 16", "backs the billing service"},
	})
	if err != nil {
		t.Fatalf("add_observations failed: %v", err)
	}
	if obsResult.(map[string]interface{})["count"].(int) != 2 {
		t.Error("expected 2 observations attached")
	}

	stats := server.GetMemoryStats()
	if stats.Entities != 2 || stats.Observations != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestResourcesListAndRead(t *testing.T) {
	server, out := setupTestServer(t)
	ctx := context.Background()

	if _, err := server.toolThink(ctx, map[string]interface{}{"text": "context for the session resource"}); err != nil {
		t.Fatal(err)
	}

	server.handleRequest(&JSONRPCRequest{JSONRPC: "2.0", ID: float64(1), Method: "resources/list"})
	resp := lastResponse(t, out)
	resources := resp.Result.(map[string]interface{})["resources"].([]interface{})
	if len(resources) != 3 {
		t.Errorf("expected 3 resources, got %d", len(resources))
	}

	params, _ := json.Marshal(map[string]string{"uri": "xylem://context/session"})
	server.handleRequest(&JSONRPCRequest{JSONRPC: "2.0", ID: float64(2), Method: "resources/read", Params: params})
	resp = lastResponse(t, out)
	contents := resp.Result.(map[string]interface{})["contents"].([]interface{})
	text := contents[0].(map[string]interface{})["text"].(string)
	if !strings.Contains(text, "Xylem Session Context") {
		t.Errorf("unexpected session context: %s", text)
	}

	params, _ = json.Marshal(map[string]string{"uri": "xylem://bogus"})
	server.handleRequest(&JSONRPCRequest{JSONRPC: "2.0", ID: float64(3), Method: "resources/read", Params: params})
	resp = lastResponse(t, out)
	if resp.Error == nil {
		t.Error("expected error for unknown resource")
	}
}

func TestStartLoop_ParseError(t *testing.T) {
	server, out := setupTestServer(t)
	server.in = strings.NewReader("not json\n")

	oldStderr := os.Stderr
	os.Stderr, _ = os.Open(os.DevNull)
	err := server.Start()
	os.Stderr = oldStderr

	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	resp := lastResponse(t, out)
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Errorf("expected parse error, got %+v", resp.Error)
	}
}

func TestStartLoop_EndToEnd(t *testing.T) {
	server, out := setupTestServer(t, &stubProvider{name: "stub", answer: "grounded answer"})

	var input strings.Builder
	input.WriteString(`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n")
	think, _ := json.Marshal(map[string]interface{}{
		"name":      "think",
		"arguments": map[string]interface{}{"text": "the deploy finished at noon"},
	})
	input.WriteString(fmt.Sprintf(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":%s}`, think) + "\n")
	search, _ := json.Marshal(map[string]interface{}{
		"name":      "search",
		"arguments": map[string]interface{}{"query": "when did the deploy finish", "floor": 0.01},
	})
	input.WriteString(fmt.Sprintf(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":%s}`, search) + "\n")

	server.in = strings.NewReader(input.String())

	oldStderr := os.Stderr
	os.Stderr, _ = os.Open(os.DevNull)
	err := server.Start()
	os.Stderr = oldStderr

	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(lines))
	}
	if !strings.Contains(lines[2], "deploy finished") {
		t.Errorf("search response missing stored thought: %s", lines[2])
	}
}
