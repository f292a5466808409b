package main

import (
	"strings"

	"github.com/google/uuid"
)

// newSessionID returns a 12-char lowercase hex id used as both the session
// name and display name in widgetCreateSession.
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

type createSessionRequest struct {
	ConfigID         string           `json:"configId"`
	AdditionalParams additionalParams `json:"additionalParams"`
	CreateSession    sessionEnvelope  `json:"createSessionRequest"`
}

type additionalParams struct {
	Token string `json:"token"`
}

type sessionEnvelope struct {
	Session sessionBody `json:"session"`
}

type sessionBody struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type createSessionResponse struct {
	Session struct {
		Name string `json:"name"`
	} `json:"session"`
}
