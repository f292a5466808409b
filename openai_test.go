package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseContentString(t *testing.T) {
	text, images := parseContent(json.RawMessage(`"plain question"`))
	if text != "plain question" || len(images) != 0 {
		t.Fatalf("got %q, %v", text, images)
	}
}

func TestParseContentParts(t *testing.T) {
	raw := json.RawMessage(`[
		{"type":"text","text":"describe"},
		{"type":"text","text":"this"},
		{"type":"image_url","image_url":{"url":"data:image/jpeg;base64,aGVsbG8="}},
		{"type":"image_url","image_url":{"url":"https://example.com/pic.png"}}
	]`)
	text, images := parseContent(raw)
	if text != "describe\nthis" {
		t.Fatalf("text = %q", text)
	}
	if len(images) != 2 {
		t.Fatalf("images = %d", len(images))
	}
	if images[0].base64Data != "aGVsbG8=" || images[0].mimeType != "image/jpeg" {
		t.Fatalf("data uri image = %+v", images[0])
	}
	if images[1].url != "https://example.com/pic.png" {
		t.Fatalf("url image = %+v", images[1])
	}
}

func TestParseContentStringImageURL(t *testing.T) {
	raw := json.RawMessage(`[
		{"type":"text","text":"describe this"},
		{"type":"image_url","image_url":"https://example.com/pic.png"},
		{"type":"image_url","image_url":"data:image/png;base64,aGVsbG8="}
	]`)
	text, images := parseContent(raw)
	if text != "describe this" {
		t.Fatalf("text = %q, string-form image_url must not drop the message", text)
	}
	if len(images) != 2 {
		t.Fatalf("images = %d", len(images))
	}
	if images[0].url != "https://example.com/pic.png" {
		t.Fatalf("url image = %+v", images[0])
	}
	if images[1].mimeType != "image/png" || images[1].base64Data != "aGVsbG8=" {
		t.Fatalf("data uri image = %+v", images[1])
	}
}

func TestExtractUserContent(t *testing.T) {
	messages := []chatMessage{
		{Role: "system", Content: json.RawMessage(`"be nice"`)},
		{Role: "user", Content: json.RawMessage(`"first"`)},
		{Role: "assistant", Content: json.RawMessage(`"sure"`)},
		{Role: "user", Content: json.RawMessage(`"second"`)},
	}
	text, images := extractUserContent(messages)
	if text != "second" {
		t.Fatalf("text = %q, later user message should win", text)
	}
	if len(images) != 0 {
		t.Fatalf("images = %v", images)
	}
}

func TestBuildResponseContent(t *testing.T) {
	result := &chatResult{
		text: "a cat",
		images: []chatImage{
			{fileName: "one.png"},
			{fileName: "two.png"},
		},
	}
	got := buildResponseContent(result, "http://localhost:8000/")
	want := "a cat\n\nhttp://localhost:8000/image/one.png\nhttp://localhost:8000/image/two.png"
	if got != want {
		t.Fatalf("content = %q, want %q", got, want)
	}

	if got := buildResponseContent(&chatResult{text: "only text"}, "http://x/"); got != "only text" {
		t.Fatalf("content = %q", got)
	}
	if got := buildResponseContent(&chatResult{images: []chatImage{{fileName: "a.png"}}}, "http://x/"); got != "http://x/image/a.png" {
		t.Fatalf("content = %q", got)
	}
}

func TestChatCompletionsNonStream(t *testing.T) {
	h := newTestHandler(t, testAccounts(1), &stubBackend{})
	h.send = func(ctx context.Context, ch authChannel, parts []queryPart) (*chatResult, error) {
		if parts[0].Text != "hello" {
			t.Fatalf("query text = %q", parts[0].Text)
		}
		return &chatResult{text: "hi there"}, nil
	}

	body := `{"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp chatCompletion
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Fatalf("id = %q", resp.ID)
	}
	if resp.Model != defaultModel {
		t.Fatalf("model = %q", resp.Model)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hi there" {
		t.Fatalf("choices = %+v", resp.Choices)
	}
	if resp.Usage.PromptTokens != 5 || resp.Usage.CompletionTokens != 8 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestChatCompletionsStream(t *testing.T) {
	h := newTestHandler(t, testAccounts(1), &stubBackend{})
	h.send = func(ctx context.Context, ch authChannel, parts []queryPart) (*chatResult, error) {
		return &chatResult{text: "streamed"}, nil
	}

	body := `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	out := rec.Body.String()
	frames := strings.Split(strings.TrimSpace(out), "\n\n")
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want content + stop + DONE:\n%s", len(frames), out)
	}
	var first completionChunk
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frames[0], "data: ")), &first); err != nil {
		t.Fatalf("decode first frame: %v", err)
	}
	if first.Choices[0].Delta.Content != "streamed" {
		t.Fatalf("first delta = %+v", first.Choices[0].Delta)
	}
	var stop completionChunk
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frames[1], "data: ")), &stop); err != nil {
		t.Fatalf("decode stop frame: %v", err)
	}
	if stop.Choices[0].FinishReason == nil || *stop.Choices[0].FinishReason != "stop" {
		t.Fatalf("stop frame = %+v", stop.Choices[0])
	}
	if frames[2] != "data: [DONE]" {
		t.Fatalf("final frame = %q", frames[2])
	}
}

func TestChatCompletionsNoUserMessage(t *testing.T) {
	h := newTestHandler(t, testAccounts(1), &stubBackend{})
	h.send = func(ctx context.Context, ch authChannel, parts []queryPart) (*chatResult, error) {
		t.Fatalf("send should not run")
		return nil, nil
	}

	body := `{"messages":[{"role":"system","content":"be nice"}]}`
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestModelsEndpoint(t *testing.T) {
	h := newTestHandler(t, testAccounts(1), &stubBackend{})

	req := httptest.NewRequest("GET", "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var list modelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 1 {
		t.Fatalf("list = %+v", list)
	}
	if list.Data[0].ID != defaultModel || list.Data[0].OwnedBy != "google" {
		t.Fatalf("entry = %+v", list.Data[0])
	}
}

func TestServeImageEndpoint(t *testing.T) {
	h := newTestHandler(t, testAccounts(1), &stubBackend{})
	name, err := h.cache.put(pngBytes, "image/png", "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	req := httptest.NewRequest("GET", "/image/"+name, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content-type = %q", ct)
	}

	req = httptest.NewRequest("GET", "/image/..%2Fsecret.txt", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 404 {
		t.Fatalf("traversal status = %d, want 404", rec.Code)
	}
}

func TestImageBaseURL(t *testing.T) {
	h := newTestHandler(t, testAccounts(1), &stubBackend{})

	req := httptest.NewRequest("POST", "http://gateway.local/v1/chat/completions", nil)
	if got := h.imageBaseURL(req); got != "http://gateway.local/" {
		t.Fatalf("derived base = %q", got)
	}

	h.cfg.imageBaseURL = "https://cdn.example.com"
	if got := h.imageBaseURL(req); got != "https://cdn.example.com/" {
		t.Fatalf("configured base = %q", got)
	}
}
