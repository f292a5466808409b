package main

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"
)

// sendFunc performs one chat attempt against a ready account. Swappable in
// tests.
type sendFunc func(ctx context.Context, ch authChannel, parts []queryPart) (*chatResult, error)

// channelFetcher binds the upstream client to one account's credentials so
// the assembler can resolve file references.
type channelFetcher struct {
	client *upstreamClient
	ch     authChannel
}

func (f *channelFetcher) ListGeneratedFiles(ctx context.Context, sessionName string) (map[string]fileMetadata, error) {
	return f.client.ListGeneratedFiles(ctx, f.ch, sessionName)
}

func (f *channelFetcher) DownloadFile(ctx context.Context, sessionPath, fileID string) ([]byte, error) {
	return f.client.DownloadFile(ctx, f.ch, sessionPath, fileID)
}

// dispatch runs one chat turn: pick an account, make it ready, send, and on
// failure move straight to the next account. Up to one attempt per configured
// account is made, so a pool where some accounts are already unavailable still
// walks every live one.
func (h *gatewayHandler) dispatch(ctx context.Context, reqID, text string, images []inputImage) (*chatResult, error) {
	attempts := h.registry.count()
	if attempts == 0 {
		return nil, errNoAccountsAvailable
	}

	parts := h.buildQueryParts(ctx, reqID, text, images)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		idx, err := h.registry.selectNext()
		if err != nil {
			if lastErr != nil {
				return nil, &allAccountsFailedError{attempts: attempt - 1, last: lastErr}
			}
			return nil, err
		}

		if h.cfg.debug {
			log.Printf("[%s] attempt %d/%d account=%d", reqID, attempt, attempts, idx)
		}

		ch, err := h.registry.ensureReady(ctx, idx)
		if err != nil {
			lastErr = err
			h.recent.add(err.Error())
			h.metrics.inc(outcomeFor(err), strconv.Itoa(idx))
			log.Printf("[%s] account %d not ready: %v", reqID, idx, err)
			continue
		}

		start := time.Now()
		result, err := h.send(ctx, ch, parts)
		h.store.record(requestRecord{
			ReqID:      reqID,
			Account:    idx,
			Timestamp:  start,
			DurationMS: time.Since(start).Milliseconds(),
			Attempt:    attempt,
			Error:      errString(err),
		})
		if err != nil {
			lastErr = err
			var se *streamError
			if errors.As(err, &se) && se.status == http.StatusUnauthorized {
				// Stale token or session; drop both so the next pass re-mints.
				h.registry.invalidate(idx, true)
			}
			h.recent.add(err.Error())
			h.metrics.inc(outcomeFor(err), strconv.Itoa(idx))
			log.Printf("[%s] account %d chat failed: %v", reqID, idx, err)
			continue
		}

		h.metrics.inc("ok", strconv.Itoa(idx))
		return result, nil
	}
	return nil, &allAccountsFailedError{attempts: attempts, last: lastErr}
}

// sendUpstream is the production sendFunc: one widgetStreamAssist call, then
// assembly with file resolution bound to the same credentials.
func (h *gatewayHandler) sendUpstream(ctx context.Context, ch authChannel, parts []queryPart) (*chatResult, error) {
	raw, err := h.client.StreamAssist(ctx, ch, parts)
	if err != nil {
		return nil, err
	}
	asm := &assembler{cache: h.cache, fetch: &channelFetcher{client: h.client, ch: ch}}
	return asm.assemble(ctx, raw, ch.session), nil
}

// buildQueryParts turns the extracted text and images into outbound query
// parts. URL images are fetched and inlined; a failed fetch drops that image
// and keeps the rest of the turn.
func (h *gatewayHandler) buildQueryParts(ctx context.Context, reqID, text string, images []inputImage) []queryPart {
	parts := []queryPart{{Text: text}}
	for _, img := range images {
		if img.base64Data != "" {
			mt := img.mimeType
			if mt == "" {
				mt = "image/png"
			}
			parts = append(parts, queryPart{InlineData: &inlineData{MimeType: mt, Data: img.base64Data}})
			continue
		}
		if img.url == "" {
			continue
		}
		data, mt, err := h.client.FetchImage(ctx, img.url)
		if err != nil {
			log.Printf("[%s] fetch input image: %v", reqID, err)
			continue
		}
		parts = append(parts, queryPart{InlineData: &inlineData{
			MimeType: mt,
			Data:     base64.StdEncoding.EncodeToString(data),
		}})
	}
	return parts
}

func outcomeFor(err error) string {
	var te *tokenExchangeError
	var ce *credentialError
	var se *sessionCreationError
	var ste *streamError
	switch {
	case errors.As(err, &te):
		return "token_error"
	case errors.As(err, &ce):
		return "credential_error"
	case errors.As(err, &se):
		return "session_error"
	case errors.As(err, &ste):
		return "stream_error"
	default:
		return "error"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
