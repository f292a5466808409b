package main

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultModel = "gemini-enterprise"

// chatRequest is the inbound /v1/chat/completions body. Content is decoded
// leniently: either a plain string or an array of typed parts.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	ImageURL json.RawMessage `json:"image_url"`
}

// imageURLFrom accepts both shapes clients send for image_url: a bare string
// or an object with a url field.
func imageURLFrom(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.URL
	}
	return ""
}

// inputImage is an image supplied by the client, either inline base64 from a
// data: URI or a URL to fetch before dispatch.
type inputImage struct {
	base64Data string
	mimeType   string
	url        string
}

var dataURIRe = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)

// extractUserContent collects the text and images from all user messages.
// Later user messages override the text; images accumulate.
func extractUserContent(messages []chatMessage) (string, []inputImage) {
	var text string
	var images []inputImage
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		t, imgs := parseContent(msg.Content)
		if t != "" {
			text = t
		}
		images = append(images, imgs...)
	}
	return text, images
}

func parseContent(raw json.RawMessage) (string, []inputImage) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil
	}
	var texts []string
	var images []inputImage
	for _, p := range parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		case "image_url":
			u := imageURLFrom(p.ImageURL)
			if u == "" {
				continue
			}
			if m := dataURIRe.FindStringSubmatch(u); m != nil {
				images = append(images, inputImage{mimeType: m[1], base64Data: m[2]})
			} else {
				images = append(images, inputImage{url: u})
			}
		}
	}
	return strings.Join(texts, "\n"), images
}

// buildResponseContent renders the assembled result as a single content
// string: the text, then one absolute URL per generated image.
func buildResponseContent(result *chatResult, baseURL string) string {
	content := result.text
	if len(result.images) == 0 {
		return content
	}
	var urls []string
	for _, img := range result.images {
		if img.fileName != "" {
			urls = append(urls, baseURL+"image/"+img.fileName)
		}
	}
	if len(urls) == 0 {
		return content
	}
	if content != "" {
		content += "\n\n"
	}
	return content + strings.Join(urls, "\n")
}

type chatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   completionUsage    `json:"usage"`
}

type completionChoice struct {
	Index        int                `json:"index"`
	Message      *completionMessage `json:"message,omitempty"`
	Delta        *completionMessage `json:"delta,omitempty"`
	FinishReason *string            `json:"finish_reason"`
}

type completionMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completionChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func newChatCompletion(model, content string, promptLen, completionLen int) chatCompletion {
	stop := "stop"
	return chatCompletion{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Message:      &completionMessage{Role: "assistant", Content: content},
			FinishReason: &stop,
		}},
		Usage: completionUsage{
			PromptTokens:     promptLen,
			CompletionTokens: completionLen,
			TotalTokens:      promptLen + completionLen,
		},
	}
}

// streamChunks builds the two-frame pseudo-stream: the full content as one
// delta, then a stop chunk.
func streamChunks(model, content string) (completionChunk, completionChunk) {
	id := newCompletionID()
	now := time.Now().Unix()
	stop := "stop"
	first := completionChunk{
		ID: id, Object: "chat.completion.chunk", Created: now, Model: model,
		Choices: []completionChoice{{Delta: &completionMessage{Content: content}}},
	}
	last := completionChunk{
		ID: id, Object: "chat.completion.chunk", Created: now, Model: model,
		Choices: []completionChoice{{Delta: &completionMessage{}, FinishReason: &stop}},
	}
	return first, last
}

type modelEntry struct {
	ID         string  `json:"id"`
	Object     string  `json:"object"`
	Created    int64   `json:"created"`
	OwnedBy    string  `json:"owned_by"`
	Permission []any   `json:"permission"`
	Root       string  `json:"root"`
	Parent     *string `json:"parent"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func buildModelList(models []string) modelList {
	if len(models) == 0 {
		models = []string{defaultModel}
	}
	now := time.Now().Unix()
	out := modelList{Object: "list"}
	for _, id := range models {
		out.Data = append(out.Data, modelEntry{
			ID: id, Object: "model", Created: now, OwnedBy: "google",
			Permission: []any{}, Root: id,
		})
	}
	return out
}
