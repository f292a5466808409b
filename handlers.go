package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

func (h *gatewayHandler) handleChatCompletions(w http.ResponseWriter, r *http.Request, reqID string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	h.inflight.Add(1)
	defer h.inflight.Add(-1)

	// Expired images go away on the request path; there is no sweeper
	// goroutine.
	h.cache.sweep()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	text, images := extractUserContent(req.Messages)
	if text == "" && len(images) == 0 {
		respondError(w, http.StatusBadRequest, "no user message found")
		return
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}

	start := time.Now()
	result, err := h.dispatch(r.Context(), reqID, text, images)
	if err != nil {
		if err == errNoAccountsAvailable {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.cfg.debug {
		log.Printf("[%s] chat done text_len=%d images=%d duration_ms=%d",
			reqID, len(result.text), len(result.images), time.Since(start).Milliseconds())
	}

	content := buildResponseContent(result, h.imageBaseURL(r))

	if req.Stream {
		h.writeStream(w, model, content)
		return
	}
	respondJSON(w, newChatCompletion(model, content, len([]rune(text)), len([]rune(result.text))))
}

// writeStream emits the two-frame pseudo-stream. The upstream response is
// already fully assembled, so the whole content goes out as one delta.
func (h *gatewayHandler) writeStream(w http.ResponseWriter, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, _ := w.(http.Flusher)
	first, last := streamChunks(model, content)
	for _, chunk := range []completionChunk{first, last} {
		data, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (h *gatewayHandler) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	respondJSON(w, buildModelList(h.cfg.models))
}

func (h *gatewayHandler) serveImage(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/image/")
	data, mime, err := h.cache.get(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// imageBaseURL picks the prefix for generated image links: the configured
// override, else the scheme and host of the inbound request. Always ends
// with a slash.
func (h *gatewayHandler) imageBaseURL(r *http.Request) string {
	if h.cfg.imageBaseURL != "" {
		base := h.cfg.imageBaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/"
}

func (h *gatewayHandler) serveHealth(w http.ResponseWriter) {
	respondJSON(w, map[string]any{
		"status":         "ok",
		"timestamp":      time.Now().Format(time.RFC3339),
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"accounts": map[string]any{
			"total":     h.registry.count(),
			"available": h.registry.availableCount(),
		},
		"inflight":      h.inflight.Load(),
		"recent_errors": h.recent.snapshot(),
	})
}

func (h *gatewayHandler) serveStatus(w http.ResponseWriter, r *http.Request) {
	total := h.registry.count()
	available := h.registry.availableCount()

	proxyInfo := map[string]any{"url": h.cfg.proxyURL, "available": false}
	if h.cfg.proxyURL != "" {
		proxyInfo["available"] = h.client.ProbeProxy(r.Context())
	}

	respondJSON(w, map[string]any{
		"status":         "ok",
		"timestamp":      time.Now().Format(time.RFC3339),
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"accounts": map[string]any{
			"total":     total,
			"available": available,
		},
		"proxy":         proxyInfo,
		"models":        h.cfg.models,
		"recent_errors": h.recent.snapshot(),
	})
}

func (h *gatewayHandler) serveAccounts(w http.ResponseWriter) {
	views := h.registry.snapshot()
	totals, err := h.store.totals()
	if err != nil {
		log.Printf("load account totals: %v", err)
	}
	type row struct {
		accountView
		Requests int64 `json:"requests"`
		Failures int64 `json:"failures"`
	}
	out := make([]row, 0, len(views))
	for _, v := range views {
		r := row{accountView: v}
		if agg, ok := totals[v.Index]; ok {
			r.Requests = agg.Requests
			r.Failures = agg.Failures
		}
		out = append(out, r)
	}
	respondJSON(w, map[string]any{"accounts": out})
}

// handleAccountAction handles /admin/accounts/{idx}/toggle and
// /admin/accounts/{idx}/test.
func (h *gatewayHandler) handleAccountAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/admin/accounts/")
	idxStr, action, ok := strings.Cut(rest, "/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 || idx >= h.registry.count() {
		respondError(w, http.StatusNotFound, "no such account")
		return
	}

	switch action {
	case "toggle":
		views := h.registry.snapshot()
		nowAvailable := !views[idx].Available
		reason := ""
		if !nowAvailable {
			reason = "disabled by admin"
		}
		if err := h.registry.setAvailable(idx, nowAvailable, reason); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, map[string]any{"index": idx, "available": nowAvailable})
	case "test":
		// One-off exchange; cached tokens and sessions stay untouched.
		if err := h.registry.probe(r.Context(), idx); err != nil {
			respondJSON(w, map[string]any{"index": idx, "ok": false, "error": err.Error()})
			return
		}
		respondJSON(w, map[string]any{"index": idx, "ok": true})
	default:
		http.NotFound(w, r)
	}
}

func (h *gatewayHandler) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cfgFile, err := loadConfigFile(h.cfg.configPath)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "reload config: "+err.Error())
		return
	}
	if cfgFile == nil {
		respondError(w, http.StatusInternalServerError, "config file not found")
		return
	}
	accounts := buildAccounts(cfgFile.Accounts)
	h.registry.replace(accounts, cfgFile.Accounts)
	h.persister.setFile(cfgFile)
	log.Printf("reloaded %d accounts from %s", len(accounts), h.cfg.configPath)
	respondJSON(w, map[string]any{"ok": true, "accounts": len(accounts)})
}

func (h *gatewayHandler) serveRequestLog(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 1000 {
			n = parsed
		}
	}
	records, err := h.store.recent(n)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"requests": records})
}
