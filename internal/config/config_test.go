package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tabhub/internal/pool"
)

func TestLoadDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("TABHUB_SOCKET_PATH", filepath.Join(dir, "run", "hub.sock"))
	t.Setenv("TABHUB_REQUEST_TIMEOUT_MS", "500")
	t.Setenv("TABHUB_HTTP_ADDR_CANDIDATES", " 127.0.0.1:1 ,,127.0.0.1:2")
	t.Setenv("CHROMIUM_CDP_PORT", "9333")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TokenFile != filepath.Join(dir, "run", "tabhub.token") {
		t.Fatalf("TokenFile = %q", cfg.TokenFile)
	}
	if cfg.RequestTimeout != time.Second {
		t.Fatalf("RequestTimeout = %v; want clamp to 1s", cfg.RequestTimeout)
	}
	if cfg.ReadinessMaxWait != 10*time.Second {
		t.Fatalf("ReadinessMaxWait = %v", cfg.ReadinessMaxWait)
	}
	if len(cfg.HTTPAddrCandidates) != 2 {
		t.Fatalf("HTTPAddrCandidates = %v", cfg.HTTPAddrCandidates)
	}
	if cfg.CDPURL() != "http://127.0.0.1:9333" {
		t.Fatalf("CDPURL() = %q", cfg.CDPURL())
	}
	if cfg.HostURL != "ws://127.0.0.1:8290/channel" {
		t.Fatalf("HostURL = %q", cfg.HostURL)
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TABHUB_LOG_LEVEL", "loud")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy(writePolicy(t, "eviction: owner\nmax_tabs: 4\nstartup_urls:\n  - https://example.com\nreadiness:\n  max_wait_ms: 2500\n"))
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if p.EvictionPolicy() != pool.EvictOwner || p.MaxTabs != 4 || len(p.StartupURLs) != 1 {
		t.Fatalf("unexpected policy %+v", p)
	}
	if p.Readiness.MaxWaitMs != 2500 {
		t.Fatalf("readiness max wait = %d", p.Readiness.MaxWaitMs)
	}
}

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if p.EvictionPolicy() != pool.EvictFIFO || p.MaxTabs != pool.MaxTabs {
		t.Fatalf("unexpected default policy %+v", p)
	}
}

func TestLoadPolicyValidation(t *testing.T) {
	cases := map[string]string{
		"unknown eviction": "eviction: lru\n",
		"too many tabs":    "max_tabs: 11\n",
		"empty url":        "startup_urls:\n  - \"\"\n",
		"negative wait":    "readiness:\n  max_wait_ms: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadPolicy(writePolicy(t, body))
			if err == nil || !strings.Contains(err.Error(), "policy config") {
				t.Fatalf("LoadPolicy() error = %v; want policy config error", err)
			}
		})
	}
}
