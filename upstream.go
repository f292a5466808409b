package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAuthBase = "https://business.gemini.google"
	defaultAPIHost  = "https://biz-discoveryengine.googleapis.com"

	// Fixed browser identity for API calls. The per-account user agent is
	// only used for the cookie-bearing getoxsrf request.
	apiUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"
)

// Per-call deadlines. Session and token calls are quick; chat and file
// downloads can take a while when image generation is involved.
const (
	tokenTimeout    = 30 * time.Second
	sessionTimeout  = 30 * time.Second
	chatTimeout     = 120 * time.Second
	metadataTimeout = 30 * time.Second
	downloadTimeout = 120 * time.Second
	imageTimeout    = 60 * time.Second
	probeTimeout    = 10 * time.Second
)

// upstreamClient talks to the auth host and the discovery-engine API.
// authBase and apiHost are overridable for tests.
type upstreamClient struct {
	client       *http.Client
	authBase     string
	apiHost      string
	languageCode string
	timeZone     string
}

func newUpstreamClient(transport http.RoundTripper, languageCode, timeZone string) *upstreamClient {
	return &upstreamClient{
		client:       &http.Client{Transport: transport},
		authBase:     defaultAuthBase,
		apiHost:      defaultAPIHost,
		languageCode: languageCode,
		timeZone:     timeZone,
	}
}

// apiBase is the widget endpoint root.
func (c *upstreamClient) apiBase() string {
	return c.apiHost + "/v1alpha/locations/global"
}

func (c *upstreamClient) apiHeaders(token string) http.Header {
	h := http.Header{}
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	h.Set("Authorization", "Bearer "+token)
	h.Set("Content-Type", "application/json")
	h.Set("Origin", defaultAuthBase)
	h.Set("Referer", defaultAuthBase+"/")
	h.Set("User-Agent", apiUserAgent)
	h.Set("X-Server-Timeout", "1800")
	return h
}

// FetchTokenMaterial performs the getoxsrf exchange with the account's
// cookies and returns the key id and decoded signing key.
func (c *upstreamClient) FetchTokenMaterial(ctx context.Context, acc *Account) (string, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	u := c.authBase + "/auth/getoxsrf?csesidx=" + url.QueryEscape(acc.Csesidx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Accept", "*/*")
	ua := acc.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0"
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Cookie", fmt.Sprintf("__Secure-C_SES=%s; __Host-C_OSES=%s", acc.SecureCSes, acc.HostCOses))

	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("getoxsrf status %d: %s", resp.StatusCode, excerpt(body, 256))
	}
	return parseTokenMaterial(body)
}

// CreateSession calls widgetCreateSession and returns the full session
// resource name.
func (c *upstreamClient) CreateSession(ctx context.Context, token string, acc *Account, sessionID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sessionTimeout)
	defer cancel()

	body := createSessionRequest{
		ConfigID:         acc.TeamID,
		AdditionalParams: additionalParams{Token: "-"},
		CreateSession: sessionEnvelope{
			Session: sessionBody{Name: sessionID, DisplayName: sessionID},
		},
	}
	raw, status, err := c.postJSON(ctx, token, c.apiBase()+"/widgetCreateSession", body)
	if err != nil {
		return "", &sessionCreationError{account: acc.Index, err: err}
	}
	if status != http.StatusOK {
		se := &sessionCreationError{account: acc.Index, status: status}
		if status == http.StatusUnauthorized {
			se.hint = "usually a misconfigured team/config id"
		}
		return "", se
	}
	var out createSessionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &sessionCreationError{account: acc.Index, err: fmt.Errorf("parse response: %w", err)}
	}
	if out.Session.Name == "" {
		return "", &sessionCreationError{account: acc.Index, err: fmt.Errorf("response missing session name")}
	}
	return out.Session.Name, nil
}

type streamAssistRequest struct {
	ConfigID            string           `json:"configId"`
	AdditionalParams    additionalParams `json:"additionalParams"`
	StreamAssistRequest assistPayload    `json:"streamAssistRequest"`
}

type assistPayload struct {
	Session              string       `json:"session"`
	Query                assistQuery  `json:"query"`
	Filter               string       `json:"filter"`
	FileIDs              []string     `json:"fileIds"`
	AnswerGenerationMode string       `json:"answerGenerationMode"`
	ToolsSpec            toolsSpec    `json:"toolsSpec"`
	LanguageCode         string       `json:"languageCode"`
	UserMetadata         userMetadata `json:"userMetadata"`
	AssistSkippingMode   string       `json:"assistSkippingMode"`
}

type assistQuery struct {
	Parts []queryPart `json:"parts"`
}

// queryPart is one element of the outbound query: either text or an inline
// image.
type queryPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type toolsSpec struct {
	WebGroundingSpec    struct{} `json:"webGroundingSpec"`
	ToolRegistry        string   `json:"toolRegistry"`
	ImageGenerationSpec struct{} `json:"imageGenerationSpec"`
	VideoGenerationSpec struct{} `json:"videoGenerationSpec"`
}

type userMetadata struct {
	TimeZone string `json:"timeZone"`
}

// StreamAssist sends the chat turn and returns the full response body. The
// upstream streams JSON array elements; buffering the whole body lets the
// assembler parse it in one pass.
func (c *upstreamClient) StreamAssist(ctx context.Context, ch authChannel, parts []queryPart) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	body := streamAssistRequest{
		ConfigID:         ch.account.TeamID,
		AdditionalParams: additionalParams{Token: "-"},
		StreamAssistRequest: assistPayload{
			Session:              ch.session,
			Query:                assistQuery{Parts: parts},
			Filter:               "",
			FileIDs:              []string{},
			AnswerGenerationMode: "NORMAL",
			ToolsSpec:            toolsSpec{ToolRegistry: "default_tool_registry"},
			LanguageCode:         c.languageCode,
			UserMetadata:         userMetadata{TimeZone: c.timeZone},
			AssistSkippingMode:   "REQUEST_ASSIST",
		},
	}
	raw, status, err := c.postJSON(ctx, ch.token, c.apiBase()+"/widgetStreamAssist", body)
	if err != nil {
		return nil, &streamError{account: ch.account.Index, err: err}
	}
	if status != http.StatusOK {
		return nil, &streamError{account: ch.account.Index, status: status, body: excerpt(raw, 512)}
	}
	return raw, nil
}

type listFileMetadataRequest struct {
	ConfigID         string              `json:"configId"`
	AdditionalParams additionalParams    `json:"additionalParams"`
	ListRequest      listMetadataPayload `json:"listSessionFileMetadataRequest"`
}

type listMetadataPayload struct {
	Name   string `json:"name"`
	Filter string `json:"filter"`
}

type fileMetadata struct {
	FileID  string `json:"fileId"`
	Name    string `json:"name"`
	Session string `json:"session"`
}

type listFileMetadataResponse struct {
	ListResponse struct {
		FileMetadata []fileMetadata `json:"fileMetadata"`
	} `json:"listSessionFileMetadataResponse"`
}

// ListGeneratedFiles returns metadata for AI-generated files in a session,
// keyed by file id.
func (c *upstreamClient) ListGeneratedFiles(ctx context.Context, ch authChannel, sessionName string) (map[string]fileMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	body := listFileMetadataRequest{
		ConfigID:         ch.account.TeamID,
		AdditionalParams: additionalParams{Token: "-"},
		ListRequest: listMetadataPayload{
			Name:   sessionName,
			Filter: "file_origin_type = AI_GENERATED",
		},
	}
	raw, status, err := c.postJSON(ctx, ch.token, c.apiBase()+"/widgetListSessionFileMetadata", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list file metadata: status %d", status)
	}
	var out listFileMetadataResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("list file metadata: %w", err)
	}
	result := make(map[string]fileMetadata, len(out.ListResponse.FileMetadata))
	for _, m := range out.ListResponse.FileMetadata {
		if m.FileID != "" {
			result[m.FileID] = m
		}
	}
	return result, nil
}

// DownloadFile fetches one generated file by id. Some downloads arrive
// base64-encoded a second time; maybeDecodeBase64 undoes that.
func (c *upstreamClient) DownloadFile(ctx context.Context, ch authChannel, sessionPath, fileID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/v1alpha/%s:downloadFile?fileId=%s&alt=media", c.apiHost, sessionPath, url.QueryEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header = c.apiHeaders(ch.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file %s: status %d", fileID, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return maybeDecodeBase64(data), nil
}

// FetchImage downloads an input image referenced by URL in the inbound
// request and returns its bytes and MIME type.
func (c *upstreamClient) FetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, imageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/png"
	}
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return data, mime, nil
}

// ProbeProxy checks whether the outbound path can reach Google at all. Used
// by the status endpoint only.
func (c *upstreamClient) ProbeProxy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.google.com", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *upstreamClient) postJSON(ctx context.Context, token, u string, body any) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header = c.apiHeaders(token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return raw, resp.StatusCode, nil
}
