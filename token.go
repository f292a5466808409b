package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Minted tokens carry exp = iat + 5 minutes. We treat them as fresh for a
// shorter window so a token is never presented moments before expiry.
const (
	tokenLifetime = 5 * time.Minute
	tokenFreshFor = 4 * time.Minute
)

const (
	tokenIssuer   = "https://business.gemini.google"
	tokenAudience = "https://biz-discoveryengine.googleapis.com"
)

// widenBytes reproduces the upstream web client's string-to-bytes transform:
// each UTF-16 code unit at or below 0xFF becomes one byte, anything wider
// becomes two bytes, low byte first. Plain UTF-8 encoding produces different
// bytes for non-Latin-1 input and the upstream rejects signatures over it.
func widenBytes(s string) []byte {
	buf := make([]byte, 0, len(s))
	for _, r := range s {
		if r <= 0xFF {
			buf = append(buf, byte(r))
			continue
		}
		buf = append(buf, byte(r&0xFF), byte(r>>8&0xFF))
	}
	return buf
}

func base64urlNoPad(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// decodeKeyMaterial base64url-decodes the xsrfToken field, restoring any
// stripped padding first.
func decodeKeyMaterial(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	key, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	return key, nil
}

// tokenMaterial is the useful part of the getoxsrf response.
type tokenMaterial struct {
	KeyID     string `json:"keyId"`
	XSRFToken string `json:"xsrfToken"`
}

// parseTokenMaterial strips the anti-hijack prefix from a getoxsrf response
// body and decodes the key id and signing key.
func parseTokenMaterial(body []byte) (keyID string, key []byte, err error) {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, ")]}'") {
		text = strings.TrimSpace(text[4:])
	}
	var m tokenMaterial
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return "", nil, fmt.Errorf("parse token response: %w", err)
	}
	if m.KeyID == "" || m.XSRFToken == "" {
		return "", nil, fmt.Errorf("token response missing keyId or xsrfToken")
	}
	key, err = decodeKeyMaterial(m.XSRFToken)
	if err != nil {
		return "", nil, err
	}
	return m.KeyID, key, nil
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

type tokenClaims struct {
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Nbf int64  `json:"nbf"`
}

// mintToken builds an HS256 JWT the way the upstream web client does: each
// segment passes through widenBytes before base64url encoding. Generic JWT
// libraries encode the UTF-8 segment bytes directly, which produces tokens
// the upstream rejects.
func mintToken(keyID string, key []byte, csesidx string, now time.Time) (string, error) {
	header, err := json.Marshal(tokenHeader{Alg: "HS256", Typ: "JWT", Kid: keyID})
	if err != nil {
		return "", err
	}
	iat := now.Unix()
	claims, err := json.Marshal(tokenClaims{
		Iss: tokenIssuer,
		Aud: tokenAudience,
		Sub: "csesidx/" + csesidx,
		Iat: iat,
		Exp: iat + int64(tokenLifetime/time.Second),
		Nbf: iat,
	})
	if err != nil {
		return "", err
	}

	signingInput := base64urlNoPad(widenBytes(string(header))) + "." + base64urlNoPad(widenBytes(string(claims)))
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64urlNoPad(mac.Sum(nil)), nil
}
