package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFileMissing(t *testing.T) {
	cfg, err := loadConfigFile(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != nil {
		t.Fatalf("cfg = %+v, want nil for missing file", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
listen_addr = "0.0.0.0:9000"
language_code = "en-US"
models = ["gemini-enterprise", "gemini-pro"]

[[accounts]]
team_id = "team-a"
secure_c_ses = "ses-a"
host_c_oses = "oses-a"
csesidx = "idx-a"

[[accounts]]
team_id = "team-b"
secure_c_ses = "ses-b"
host_c_oses = "oses-b"
csesidx = "idx-b"
user_agent = "custom-agent"
disabled = true
unavailable_reason = "token exchange failed"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" || cfg.LanguageCode != "en-US" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Models) != 2 || cfg.Models[1] != "gemini-pro" {
		t.Fatalf("models = %v", cfg.Models)
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("accounts = %d", len(cfg.Accounts))
	}
	if cfg.Accounts[0].Disabled {
		t.Fatalf("account 0 should not be disabled")
	}
	b := cfg.Accounts[1]
	if !b.Disabled || b.UnavailableReason != "token exchange failed" || b.UserAgent != "custom-agent" {
		t.Fatalf("account 1 = %+v", b)
	}
}

func TestSaveConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	in := &ConfigFile{
		ListenAddr: "127.0.0.1:8000",
		Accounts: []AccountConfig{
			{TeamID: "t1", SecureCSes: "s1", HostCOses: "o1", Csesidx: "c1"},
			{TeamID: "t2", SecureCSes: "s2", HostCOses: "o2", Csesidx: "c2",
				Disabled: true, UnavailableReason: "disabled by admin", UnavailableTime: "2026-01-02T03:04:05Z"},
		},
	}
	if err := saveConfigFile(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out.Accounts) != 2 {
		t.Fatalf("accounts = %d", len(out.Accounts))
	}
	if out.Accounts[0].Disabled {
		t.Fatalf("account 0 disabled after round trip")
	}
	got := out.Accounts[1]
	if !got.Disabled || got.UnavailableReason != "disabled by admin" || got.UnavailableTime != "2026-01-02T03:04:05Z" {
		t.Fatalf("account 1 = %+v", got)
	}

	// No stray temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dir has %d entries, want 1", len(entries))
	}
}

func TestGetConfigString(t *testing.T) {
	if got := getConfigString("GBPROXY_TEST_UNSET", "", "fallback"); got != "fallback" {
		t.Fatalf("default: %q", got)
	}
	if got := getConfigString("GBPROXY_TEST_UNSET", "from-file", "fallback"); got != "from-file" {
		t.Fatalf("file: %q", got)
	}
	t.Setenv("GBPROXY_TEST_SET", "from-env")
	if got := getConfigString("GBPROXY_TEST_SET", "from-file", "fallback"); got != "from-env" {
		t.Fatalf("env: %q", got)
	}
}

func TestGetConfigInt(t *testing.T) {
	if got := getConfigInt("GBPROXY_TEST_UNSET", 0, 30); got != 30 {
		t.Fatalf("default: %d", got)
	}
	if got := getConfigInt("GBPROXY_TEST_UNSET", 7, 30); got != 7 {
		t.Fatalf("file: %d", got)
	}
	t.Setenv("GBPROXY_TEST_INT", "15")
	if got := getConfigInt("GBPROXY_TEST_INT", 7, 30); got != 15 {
		t.Fatalf("env: %d", got)
	}
	t.Setenv("GBPROXY_TEST_BAD", "not-a-number")
	if got := getConfigInt("GBPROXY_TEST_BAD", 7, 30); got != 7 {
		t.Fatalf("bad env should fall through: %d", got)
	}
}

func TestGetConfigBool(t *testing.T) {
	if getConfigBool("GBPROXY_TEST_UNSET", false, false) {
		t.Fatalf("default should be false")
	}
	if !getConfigBool("GBPROXY_TEST_UNSET", true, false) {
		t.Fatalf("file value should win")
	}
	t.Setenv("GBPROXY_TEST_BOOL", "true")
	if !getConfigBool("GBPROXY_TEST_BOOL", false, false) {
		t.Fatalf("env true should win")
	}
	t.Setenv("GBPROXY_TEST_BOOL", "0")
	if getConfigBool("GBPROXY_TEST_BOOL", true, true) {
		t.Fatalf("env 0 should override")
	}
}

func TestBuildAccountsSkipsNothing(t *testing.T) {
	cfgs := []AccountConfig{
		{TeamID: "t1", Csesidx: "c1", UserAgent: "agent-1"},
		{TeamID: "t2", Csesidx: "c2"},
	}
	accounts := buildAccounts(cfgs)
	if len(accounts) != 2 {
		t.Fatalf("accounts = %d", len(accounts))
	}
	if accounts[0].Index != 0 || accounts[1].Index != 1 {
		t.Fatalf("indexes = %d, %d", accounts[0].Index, accounts[1].Index)
	}
	if accounts[0].UserAgent != "agent-1" {
		t.Fatalf("user agent = %q", accounts[0].UserAgent)
	}
	if accounts[1].UserAgent != "" {
		t.Fatalf("user agent should stay empty until the exchange defaults it: %q", accounts[1].UserAgent)
	}
}
