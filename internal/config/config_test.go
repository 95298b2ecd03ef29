package config

import (
	"testing"
	"time"
)

func TestNewDefaultsPassCheck(t *testing.T) {
	c := New()
	c.StorageDir = "/tmp/harvestctl-test"
	if err := c.Check(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestCheck_RequiresAbsoluteStorageDir(t *testing.T) {
	c := New()
	c.StorageDir = "relative/path"
	if err := c.Check(); err == nil {
		t.Fatal("expected error for relative storage_dir")
	}
}

func TestCheck_ClampsRequiredFreeSpace(t *testing.T) {
	c := New()
	c.StorageDir = "/tmp/x"
	c.Download.RequiredFreeSpace = 1024
	if err := c.Check(); err != nil {
		t.Fatal(err)
	}
	if c.Download.RequiredFreeSpace != 512*1024*1024 {
		t.Errorf("RequiredFreeSpace = %d, want clamped to 512MiB", c.Download.RequiredFreeSpace)
	}
}

func TestApplyEnvironmentVariables(t *testing.T) {
	t.Setenv("HARVESTCTL_STORAGE_DIR", "/var/lib/harvestctl")
	t.Setenv("HARVESTCTL_RPS", "42.5")
	t.Setenv("HARVESTCTL_SCRAPE_TIMEOUT", "10s")
	t.Setenv("HARVESTCTL_ONLY_HOSTS", "a.example.com, b.example.com")

	c := New()
	if err := c.ApplyEnvironmentVariables(); err != nil {
		t.Fatal(err)
	}

	if c.StorageDir != "/var/lib/harvestctl" {
		t.Errorf("StorageDir = %q", c.StorageDir)
	}
	if c.RateLimit.RequestsPerSecond != 42.5 {
		t.Errorf("RequestsPerSecond = %v", c.RateLimit.RequestsPerSecond)
	}
	if c.RateLimit.ScrapeTimeout != 10*time.Second {
		t.Errorf("ScrapeTimeout = %v", c.RateLimit.ScrapeTimeout)
	}
	if len(c.OnlyHosts) != 2 || c.OnlyHosts[0] != "a.example.com" || c.OnlyHosts[1] != "b.example.com" {
		t.Errorf("OnlyHosts = %v", c.OnlyHosts)
	}
}

func TestBuildTLSConfig_NoneModeDisablesVerification(t *testing.T) {
	tc := TLSConfig{VerifyMode: TLSNone}
	cfg, err := tc.BuildTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify=true for TLSNone")
	}
}

func TestBuildTLSConfig_InvalidMode(t *testing.T) {
	tc := TLSConfig{VerifyMode: "bogus"}
	if _, err := tc.BuildTLSConfig(); err == nil {
		t.Fatal("expected error for invalid verify_mode")
	}
}

