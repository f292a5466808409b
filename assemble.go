package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"strings"
)

// Wire shapes for the widgetStreamAssist response. The upstream emits one
// JSON array of envelopes; unknown fields are ignored.

type assistEnvelope struct {
	StreamAssistResponse *assistResponse `json:"streamAssistResponse"`
}

type assistResponse struct {
	SessionInfo     *sessionInfo     `json:"sessionInfo"`
	GeneratedImages []generatedImage `json:"generatedImages"`
	Answer          *assistAnswer    `json:"answer"`
}

type sessionInfo struct {
	Session string `json:"session"`
}

type assistAnswer struct {
	GeneratedImages []generatedImage `json:"generatedImages"`
	Replies         []assistReply    `json:"replies"`
}

type assistReply struct {
	GeneratedImages []generatedImage `json:"generatedImages"`
	GroundedContent *groundedContent `json:"groundedContent"`
	Attachments     []attachment     `json:"attachments"`
}

type groundedContent struct {
	Content     *replyContent `json:"content"`
	InlineData  *inlineData   `json:"inlineData"`
	Attachments []attachment  `json:"attachments"`
}

type replyContent struct {
	Text        string       `json:"text"`
	Thought     bool         `json:"thought"`
	File        *fileRef     `json:"file"`
	InlineData  *inlineData  `json:"inlineData"`
	Attachments []attachment `json:"attachments"`
}

type fileRef struct {
	FileID   string `json:"fileId"`
	MimeType string `json:"mimeType"`
	Name     string `json:"name"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type attachment struct {
	MimeType           string `json:"mimeType"`
	Name               string `json:"name"`
	Data               string `json:"data"`
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
}

type generatedImage struct {
	Image *imagePayload `json:"image"`
}

type imagePayload struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

// chatImage is one image produced by a chat turn, already saved to the cache.
type chatImage struct {
	fileName string
	mimeType string
	fileID   string
}

// chatResult is the assembled outcome of one chat turn.
type chatResult struct {
	text     string
	thoughts []string
	images   []chatImage
}

// fileFetcher resolves file references left in the stream. Satisfied by a
// bound upstream client; tests substitute a stub.
type fileFetcher interface {
	ListGeneratedFiles(ctx context.Context, sessionName string) (map[string]fileMetadata, error)
	DownloadFile(ctx context.Context, sessionPath, fileID string) ([]byte, error)
}

type pendingFile struct {
	fileID   string
	mimeType string
	name     string
}

// assembler turns a buffered widgetStreamAssist body into a chatResult.
// Inline images are written to the cache during the walk; file references are
// collected and resolved afterwards with a single metadata lookup. Per-image
// failures are logged and skipped so one bad attachment never loses the text.
type assembler struct {
	cache *imageCache
	fetch fileFetcher
}

func (a *assembler) assemble(ctx context.Context, raw []byte, fallbackSession string) *chatResult {
	result := &chatResult{}

	var envelopes []assistEnvelope
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		log.Printf("assemble: unparseable response (%d bytes): %v", len(raw), err)
		return result
	}

	var texts []string
	var pending []pendingFile
	currentSession := fallbackSession

	for _, env := range envelopes {
		sar := env.StreamAssistResponse
		if sar == nil {
			continue
		}
		if sar.SessionInfo != nil && sar.SessionInfo.Session != "" {
			currentSession = sar.SessionInfo.Session
		}
		for _, gi := range sar.GeneratedImages {
			a.saveGenerated(gi, result)
		}
		if sar.Answer == nil {
			continue
		}
		for _, gi := range sar.Answer.GeneratedImages {
			a.saveGenerated(gi, result)
		}
		for _, reply := range sar.Answer.Replies {
			for _, gi := range reply.GeneratedImages {
				a.saveGenerated(gi, result)
			}
			gc := reply.GroundedContent
			if gc == nil {
				gc = &groundedContent{}
			}
			content := gc.Content
			if content == nil {
				content = &replyContent{}
			}

			if content.File != nil && content.File.FileID != "" {
				mt := content.File.MimeType
				if mt == "" {
					mt = "image/png"
				}
				pending = append(pending, pendingFile{
					fileID:   content.File.FileID,
					mimeType: mt,
					name:     content.File.Name,
				})
			}

			a.saveInline(content.InlineData, result)
			a.saveInline(gc.InlineData, result)

			for _, att := range reply.Attachments {
				a.saveAttachment(att, result)
			}
			for _, att := range gc.Attachments {
				a.saveAttachment(att, result)
			}
			for _, att := range content.Attachments {
				a.saveAttachment(att, result)
			}

			if content.Text != "" {
				if content.Thought {
					result.thoughts = append(result.thoughts, content.Text)
				} else {
					texts = append(texts, content.Text)
				}
			}
		}
	}

	if len(pending) > 0 && currentSession != "" && a.fetch != nil {
		a.resolveFiles(ctx, pending, currentSession, result)
	}

	result.text = strings.Join(texts, "")
	return result
}

func (a *assembler) resolveFiles(ctx context.Context, pending []pendingFile, session string, result *chatResult) {
	metadata, err := a.fetch.ListGeneratedFiles(ctx, session)
	if err != nil {
		log.Printf("assemble: list file metadata: %v", err)
		metadata = nil
	}
	for _, pf := range pending {
		name := pf.name
		sessionPath := session
		if meta, ok := metadata[pf.fileID]; ok {
			if name == "" {
				name = meta.Name
			}
			if meta.Session != "" {
				sessionPath = meta.Session
			}
		}
		data, err := a.fetch.DownloadFile(ctx, sessionPath, pf.fileID)
		if err != nil {
			log.Printf("assemble: download file %s: %v", pf.fileID, err)
			continue
		}
		fileName, err := a.cache.put(data, pf.mimeType, name)
		if err != nil {
			log.Printf("assemble: cache file %s: %v", pf.fileID, err)
			continue
		}
		result.images = append(result.images, chatImage{
			fileName: fileName,
			mimeType: pf.mimeType,
			fileID:   pf.fileID,
		})
	}
}

func (a *assembler) saveGenerated(gi generatedImage, result *chatResult) {
	if gi.Image == nil || gi.Image.BytesBase64Encoded == "" {
		return
	}
	mt := gi.Image.MimeType
	if mt == "" {
		mt = "image/png"
	}
	a.saveBase64(gi.Image.BytesBase64Encoded, mt, "", result)
}

func (a *assembler) saveInline(in *inlineData, result *chatResult) {
	if in == nil || in.Data == "" {
		return
	}
	mt := in.MimeType
	if mt == "" {
		mt = "image/png"
	}
	a.saveBase64(in.Data, mt, "", result)
}

func (a *assembler) saveAttachment(att attachment, result *chatResult) {
	if !strings.HasPrefix(att.MimeType, "image/") {
		return
	}
	b64 := att.Data
	if b64 == "" {
		b64 = att.BytesBase64Encoded
	}
	if b64 == "" {
		return
	}
	a.saveBase64(b64, att.MimeType, att.Name, result)
}

func (a *assembler) saveBase64(b64, mimeType, name string, result *chatResult) {
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		log.Printf("assemble: decode image: %v", err)
		return
	}
	fileName, err := a.cache.put(decoded, mimeType, name)
	if err != nil {
		log.Printf("assemble: cache image: %v", err)
		return
	}
	result.images = append(result.images, chatImage{fileName: fileName, mimeType: mimeType})
}

// maybeDecodeBase64 handles downloads that arrive base64-encoded a second
// time. Only PNG and JPEG prefixes are sniffed; anything else passes through
// untouched.
func maybeDecodeBase64(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("iVBORw0KGgo")) || bytes.HasPrefix(trimmed, []byte("/9j/")) {
		if decoded, err := base64.StdEncoding.DecodeString(string(trimmed)); err == nil {
			return decoded
		}
	}
	return data
}
