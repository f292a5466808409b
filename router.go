package main

import (
	"log"
	"net/http"
	"strings"
)

// ServeHTTP routes incoming requests to the appropriate handler.
func (h *gatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := randomID()
	if h.cfg.debug {
		log.Printf("[%s] incoming %s %s from %s", reqID, r.Method, r.URL.Path, clientIP(r))
	}

	switch r.URL.Path {
	case "/v1/chat/completions":
		h.handleChatCompletions(w, r, reqID)
		return
	case "/v1/models":
		h.handleModels(w, r)
		return
	case "/healthz", "/health":
		h.serveHealth(w)
		return
	case "/metrics":
		h.metrics.serve(w, r)
		return
	case "/api/status":
		h.serveStatus(w, r)
		return
	case "/admin/reload":
		h.handleReload(w, r)
		return
	case "/admin/accounts":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.serveAccounts(w)
		return
	case "/admin/requests":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.serveRequestLog(w, r)
		return
	case "/favicon.ico":
		http.NotFound(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/image/") {
		h.serveImage(w, r)
		return
	}

	// Account actions: /admin/accounts/{idx}/toggle, /admin/accounts/{idx}/test
	if strings.HasPrefix(r.URL.Path, "/admin/accounts/") {
		h.handleAccountAction(w, r)
		return
	}

	http.NotFound(w, r)
}
