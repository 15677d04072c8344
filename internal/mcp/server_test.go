package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/narrative-memory/internal/config"
	"github.com/xiy/narrative-memory/internal/embeddings"
	"github.com/xiy/narrative-memory/internal/index"
	"github.com/xiy/narrative-memory/internal/memory"
	"github.com/xiy/narrative-memory/internal/store"
	"github.com/xiy/narrative-memory/pkg/types"
)

type captureSink struct {
	mu   sync.Mutex
	rows []store.MCPRequestLog
}

func (c *captureSink) InsertMCPRequestLog(_ context.Context, rec store.MCPRequestLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, rec)
	return nil
}

func newTestService(t *testing.T) *memory.Service {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	cfg := config.Default()
	cfg.Dimension = 8

	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "mcp.db"), logger)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := memory.NewService(st, index.NewFlat(cfg.Dimension, index.MetricCosine), cfg, logger,
		memory.WithEmbedder(embeddings.NewHash(cfg.Dimension)))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func callTool(t *testing.T, srv *Server, name string, args any) map[string]any {
	t.Helper()
	rawArgs, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("json.Marshal(args) error = %v", err)
	}
	params, err := json.Marshal(map[string]any{"name": name, "arguments": json.RawMessage(rawArgs)})
	if err != nil {
		t.Fatalf("json.Marshal(params) error = %v", err)
	}
	resp, ok := srv.handle(context.Background(), request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`7`),
		Method:  "tools/call",
		Params:  params,
	})
	if !ok {
		t.Fatal("expected response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	return result
}

func TestHandle_ToolsList(t *testing.T) {
	t.Parallel()
	srv := NewServer(newTestService(t), log.NewWithOptions(io.Discard, log.Options{}), nil)

	resp, ok := srv.handle(context.Background(), request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "tools/list",
	})
	if !ok {
		t.Fatal("expected response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}

	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	tools, ok := result["tools"].([]ToolDefinition)
	if !ok || len(tools) == 0 {
		t.Fatalf("expected non-empty tools list")
	}
	names := make(map[string]bool, len(tools))
	for _, tool := range tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"memory_create", "memory_recall", "memory_retire", "memory_sweep", "memory_check"} {
		if !names[want] {
			t.Fatalf("tools/list missing %s", want)
		}
	}
}

func TestHandle_UnknownMethod(t *testing.T) {
	t.Parallel()
	srv := NewServer(newTestService(t), log.NewWithOptions(io.Discard, log.Options{}), nil)

	resp, ok := srv.handle(context.Background(), request{JSONRPC: "2.0", ID: json.RawMessage(`2`), Method: "resources/list"})
	if !ok {
		t.Fatal("expected response")
	}
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}

	if _, ok := srv.handle(context.Background(), request{JSONRPC: "2.0", Method: "notifications/initialized"}); ok {
		t.Fatal("notifications must not be answered")
	}
}

func TestToolCall_CreateRecallRetire(t *testing.T) {
	t.Parallel()
	srv := NewServer(newTestService(t), log.NewWithOptions(io.Discard, log.Options{}), nil)

	created := callTool(t, srv, "memory_create", map[string]any{
		"content":         "deploys go out on thursdays",
		"base_importance": 0.8,
		"metadata":        map[string]string{"topic": "release"},
	})
	if created["isError"] != false {
		t.Fatalf("memory_create failed: %+v", created["content"])
	}
	rec, ok := created["structuredContent"].(types.MemoryRecord)
	if !ok {
		t.Fatalf("unexpected structuredContent type %T", created["structuredContent"])
	}
	if rec.ID == "" || len(rec.Embedding) != 0 {
		t.Fatalf("expected id and stripped embedding, got %+v", rec)
	}

	recalled := callTool(t, srv, "memory_recall", map[string]any{
		"query":   "deploys go out on thursdays",
		"k":       3,
		"filters": map[string]any{"metadata": map[string]string{"topic": "release"}},
	})
	if recalled["isError"] != false {
		t.Fatalf("memory_recall failed: %+v", recalled["content"])
	}
	res, ok := recalled["structuredContent"].(types.RecallResult)
	if !ok {
		t.Fatalf("unexpected structuredContent type %T", recalled["structuredContent"])
	}
	if len(res.Items) != 1 || res.Items[0].Record.ID != rec.ID {
		t.Fatalf("expected %s recalled, got %v", rec.ID, res.IDs())
	}
	if res.Items[0].Record.AccessCount != 1 {
		t.Fatalf("expected access_count 1 after recall, got %d", res.Items[0].Record.AccessCount)
	}

	retired := callTool(t, srv, "memory_retire", map[string]any{"id": rec.ID})
	if retired["isError"] != false {
		t.Fatalf("memory_retire failed: %+v", retired["content"])
	}

	again := callTool(t, srv, "memory_recall", map[string]any{"query": "deploys go out on thursdays"})
	res = again["structuredContent"].(types.RecallResult)
	if len(res.Items) != 0 {
		t.Fatalf("retired memory recalled: %v", res.IDs())
	}

	stats := callTool(t, srv, "memory_stats", map[string]any{})
	st := stats["structuredContent"].(types.Stats)
	if st.Active != 0 || st.Retired != 1 || st.IndexSize != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestToolCall_ReviseAndHistory(t *testing.T) {
	t.Parallel()
	srv := NewServer(newTestService(t), log.NewWithOptions(io.Discard, log.Options{}), nil)

	created := callTool(t, srv, "memory_create", map[string]any{
		"content":         "the office is on the third floor",
		"embedding":       []float32{1, 0, 0, 0, 0, 0, 0, 0},
		"base_importance": 0.4,
	})
	first := created["structuredContent"].(types.MemoryRecord)

	revised := callTool(t, srv, "memory_revise", map[string]any{"id": first.ID, "content": "the office moved to the fifth floor"})
	if revised["isError"] != false {
		t.Fatalf("memory_revise failed: %+v", revised["content"])
	}
	second := revised["structuredContent"].(types.MemoryRecord)
	if second.Supersedes != first.ID {
		t.Fatalf("expected supersedes %s, got %q", first.ID, second.Supersedes)
	}

	history := callTool(t, srv, "memory_history", map[string]any{"id": second.ID})
	chain := history["structuredContent"].([]types.MemoryRecord)
	if len(chain) != 2 || chain[0].ID != first.ID || chain[1].ID != second.ID {
		t.Fatalf("unexpected history %+v", chain)
	}
	if chain[0].Status != types.StatusRetired {
		t.Fatalf("expected first version retired, got %s", chain[0].Status)
	}
}

func TestToolCall_Errors(t *testing.T) {
	t.Parallel()
	srv := NewServer(newTestService(t), log.NewWithOptions(io.Discard, log.Options{}), nil)

	cases := []struct {
		name string
		tool string
		args any
	}{
		{name: "missing id", tool: "memory_get", args: map[string]any{}},
		{name: "unknown id", tool: "memory_get", args: map[string]any{"id": "nope"}},
		{name: "wrong dimension", tool: "memory_create", args: map[string]any{"content": "x", "embedding": []float32{1, 2}, "base_importance": 0.5}},
		{name: "importance out of range", tool: "memory_create", args: map[string]any{"content": "x", "base_importance": 2}},
		{name: "recall without query", tool: "memory_recall", args: map[string]any{"k": 3}},
		{name: "unknown tool", tool: "memory_write", args: map[string]any{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := callTool(t, srv, tc.tool, tc.args)
			if result["isError"] != true {
				t.Fatalf("expected isError, got %+v", result)
			}
		})
	}
}

func TestToolCall_Check(t *testing.T) {
	t.Parallel()
	srv := NewServer(newTestService(t), log.NewWithOptions(io.Discard, log.Options{}), nil)

	result := callTool(t, srv, "memory_check", map[string]any{})
	out, ok := result["structuredContent"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected structuredContent type %T", result["structuredContent"])
	}
	if out["consistent"] != true {
		t.Fatalf("expected consistent empty store, got %+v", out)
	}
}

func TestReadWriteFramedMessage(t *testing.T) {
	t.Parallel()
	resp := response{JSONRPC: "2.0", ID: 1, Result: map[string]any{"ok": true}}
	var payloadBuf bytes.Buffer
	bw := bufio.NewWriter(&payloadBuf)
	if err := writeFramedMessage(bw, resp); err != nil {
		t.Fatalf("writeFramedMessage() error = %v", err)
	}
	br := bufio.NewReader(bytes.NewReader(payloadBuf.Bytes()))
	payload, err := readFramedMessage(br)
	if err != nil {
		t.Fatalf("readFramedMessage() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got["jsonrpc"] != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %v", got["jsonrpc"])
	}
}

func TestReadMessage_JSONLine(t *testing.T) {
	t.Parallel()
	raw := []byte("\n{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n")
	br := bufio.NewReader(bytes.NewReader(raw))

	payload, mode, err := readMessage(br)
	if err != nil {
		t.Fatalf("readMessage() error = %v", err)
	}
	if mode != wireModeJSONLine {
		t.Fatalf("expected JSON-line mode, got %v", mode)
	}

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("json.Unmarshal(payload) error = %v", err)
	}
	if req.Method != "ping" {
		t.Fatalf("expected method ping, got %q", req.Method)
	}
}

func TestServe_JSONLineInitialize(t *testing.T) {
	t.Parallel()
	srv := NewServer(newTestService(t), log.NewWithOptions(io.Discard, log.Options{}), nil)

	in := bytes.NewBufferString("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"initialize\",\"params\":{\"protocolVersion\":\"2024-11-05\"}}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	line := bytes.TrimSpace(out.Bytes())
	if len(line) == 0 {
		t.Fatal("expected JSON-line response, got empty output")
	}
	if bytes.Contains(line, []byte("Content-Length:")) {
		t.Fatalf("expected JSON-line response, got framed output: %q", string(line))
	}

	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		Result  struct {
			ServerInfo struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("json.Unmarshal(response) error = %v", err)
	}
	if resp.JSONRPC != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %v", resp.JSONRPC)
	}
	if resp.Result.ServerInfo.Name != "narrative-memory" {
		t.Fatalf("unexpected server name %q", resp.Result.ServerInfo.Name)
	}
}

func TestServe_LogsRequestEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	srv := NewServer(newTestService(t), log.NewWithOptions(io.Discard, log.Options{}), sink)

	in := bytes.NewBufferString("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"tools/call\",\"params\":{\"name\":\"memory_get\",\"arguments\":{\"id\":\"missing\"}}}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if len(sink.rows) != 1 {
		t.Fatalf("expected 1 request log row, got %d", len(sink.rows))
	}
	got := sink.rows[0]
	if got.Method != "tools/call" {
		t.Fatalf("expected method tools/call, got %q", got.Method)
	}
	if got.ToolName != "memory_get" {
		t.Fatalf("expected tool memory_get, got %q", got.ToolName)
	}
	if got.Success {
		t.Fatalf("expected failed request for unknown id")
	}
	if got.ErrorText == "" {
		t.Fatalf("expected non-empty error text")
	}

	snap := srv.Snapshot()
	if snap["requests"] != uint64(1) || snap["errors"] != uint64(1) {
		t.Fatalf("unexpected counters %+v", snap)
	}
}
