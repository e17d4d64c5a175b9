package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseServer(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprint(w, ev)
		}
	}))
}

func TestChatStream_AssemblesToolCall(t *testing.T) {
	srv := sseServer(t, []string{
		"event: message_start\n",
		`data: {"message":{"usage":{"input_tokens":42}}}` + "\n\n",
		"event: content_block_delta\n",
		`data: {"delta":{"type":"text_delta","text":"Reading the file. "}}` + "\n\n",
		"event: content_block_start\n",
		`data: {"content_block":{"type":"tool_use","id":"tc_1","name":"read_file"}}` + "\n\n",
		"event: content_block_delta\n",
		`data: {"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}` + "\n\n",
		"event: content_block_delta\n",
		`data: {"delta":{"type":"input_json_delta","partial_json":"\"main.go\"}"}}` + "\n\n",
		"event: message_delta\n",
		`data: {"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":17}}` + "\n\n",
		"event: message_stop\n",
		"data: {}\n\n",
	})
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	var chunks []StreamChunk
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "read main.go"}},
	}, func(c StreamChunk) { chunks = append(chunks, c) })
	if err != nil {
		t.Fatal(err)
	}

	if resp.Content != "Reading the file. " {
		t.Errorf("content %q", resp.Content)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("%d tool calls", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "tc_1" || tc.Name != "read_file" {
		t.Errorf("tool call %+v", tc)
	}
	// Fragments must reassemble into parsed arguments.
	if tc.Arguments["path"] != "main.go" {
		t.Errorf("arguments %v", tc.Arguments)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 42 || resp.Usage.CompletionTokens != 17 ||
		resp.Usage.TotalTokens != 59 {
		t.Errorf("usage %+v", resp.Usage)
	}

	var sawText, sawDone bool
	for _, c := range chunks {
		if c.Content != "" {
			sawText = true
		}
		if c.Done {
			sawDone = true
		}
	}
	if !sawText || !sawDone {
		t.Errorf("chunk sequence incomplete: text=%v done=%v", sawText, sawDone)
	}
}

func TestChatStream_ErrorEvent(t *testing.T) {
	srv := sseServer(t, []string{
		"event: error\n",
		`data: {"error":{"type":"overloaded_error","message":"try later"}}` + "\n\n",
	})
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	_, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "overloaded_error") {
		t.Errorf("err = %v", err)
	}
}

func TestChat_ParsesToolUseResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "tc_9", "name": " bash ", "input": {"command": "ls"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "list files"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Let me check." || resp.FinishReason != "tool_calls" {
		t.Errorf("response %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "bash" {
		t.Errorf("tool name not normalized: %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["command"] != "ls" {
		t.Errorf("arguments %v", resp.ToolCalls[0].Arguments)
	}
}

func TestChat_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "bad model"}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	he, ok := err.(*HTTPError)
	if !ok || he.Status != http.StatusBadRequest {
		t.Errorf("err = %v", err)
	}
}
