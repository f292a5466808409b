package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestWidenBytesLatin(t *testing.T) {
	got := widenBytes("hello {}")
	if string(got) != "hello {}" {
		t.Fatalf("latin input should pass through unchanged, got %q", got)
	}
}

func TestWidenBytesWideChars(t *testing.T) {
	// U+0101 splits into low byte 0x01, high byte 0x01.
	got := widenBytes("ā")
	if len(got) != 2 || got[0] != 0x01 || got[1] != 0x01 {
		t.Fatalf("U+0101: got % x", got)
	}
	// U+4E2D splits into 0x2D, 0x4E.
	got = widenBytes("中")
	if len(got) != 2 || got[0] != 0x2D || got[1] != 0x4E {
		t.Fatalf("U+4E2D: got % x", got)
	}
	// Mixed content keeps byte order per character.
	got = widenBytes("aāb")
	want := []byte{'a', 0x01, 0x01, 'b'}
	if string(got) != string(want) {
		t.Fatalf("mixed: got % x want % x", got, want)
	}
}

func TestDecodeKeyMaterial(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	unpadded := base64.RawURLEncoding.EncodeToString(raw)
	padded := base64.URLEncoding.EncodeToString(raw)

	for _, in := range []string{unpadded, padded} {
		got, err := decodeKeyMaterial(in)
		if err != nil {
			t.Fatalf("decode %q: %v", in, err)
		}
		if string(got) != string(raw) {
			t.Fatalf("decode %q: got % x want % x", in, got, raw)
		}
	}
}

func TestParseTokenMaterial(t *testing.T) {
	key := []byte("signing-key")
	enc := base64.RawURLEncoding.EncodeToString(key)

	for _, body := range []string{
		`)]}'` + "\n" + `{"keyId":"k-1","xsrfToken":"` + enc + `"}`,
		`)]}'{"keyId":"k-1","xsrfToken":"` + enc + `"}`,
		`{"keyId":"k-1","xsrfToken":"` + enc + `"}`,
	} {
		keyID, got, err := parseTokenMaterial([]byte(body))
		if err != nil {
			t.Fatalf("parse %q: %v", body, err)
		}
		if keyID != "k-1" {
			t.Fatalf("keyID = %q, want k-1", keyID)
		}
		if string(got) != string(key) {
			t.Fatalf("key = % x, want % x", got, key)
		}
	}
}

func TestParseTokenMaterialErrors(t *testing.T) {
	cases := []string{
		"not json",
		`{"keyId":"k-1"}`,
		`{"xsrfToken":"YWJj"}`,
	}
	for _, body := range cases {
		if _, _, err := parseTokenMaterial([]byte(body)); err == nil {
			t.Fatalf("expected error for %q", body)
		}
	}
}

func TestMintTokenDeterministic(t *testing.T) {
	key := []byte("test-signing-key")
	now := time.Unix(1700000000, 0)

	tok1, err := mintToken("key-1", key, "idx-7", now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	tok2, err := mintToken("key-1", key, "idx-7", now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if tok1 != tok2 {
		t.Fatalf("same inputs must produce identical tokens:\n%s\n%s", tok1, tok2)
	}

	parts := strings.Split(tok1, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if string(headerJSON) != `{"alg":"HS256","typ":"JWT","kid":"key-1"}` {
		t.Fatalf("header = %s", headerJSON)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var claims tokenClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		t.Fatalf("parse claims: %v", err)
	}
	if claims.Iss != tokenIssuer || claims.Aud != tokenAudience {
		t.Fatalf("iss/aud = %q/%q", claims.Iss, claims.Aud)
	}
	if claims.Sub != "csesidx/idx-7" {
		t.Fatalf("sub = %q", claims.Sub)
	}
	if claims.Iat != now.Unix() || claims.Nbf != now.Unix() {
		t.Fatalf("iat/nbf = %d/%d, want %d", claims.Iat, claims.Nbf, now.Unix())
	}
	if claims.Exp != now.Unix()+300 {
		t.Fatalf("exp = %d, want iat+300", claims.Exp)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	wantSig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if parts[2] != wantSig {
		t.Fatalf("signature mismatch: got %s want %s", parts[2], wantSig)
	}
}
