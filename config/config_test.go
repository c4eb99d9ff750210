package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
hostname: mx.example.com
listeners:
  - addr: ":25"
    mode: smtp
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Hostname != "mx.example.com" {
		t.Errorf("Hostname = %q, want mx.example.com", c.Hostname)
	}
	if c.MaxMessageSizeMB != defaultConfig.MaxMessageSizeMB {
		t.Errorf("MaxMessageSizeMB = %d, want default %d", c.MaxMessageSizeMB, defaultConfig.MaxMessageSizeMB)
	}
	if c.MaxConnections != defaultConfig.MaxConnections {
		t.Errorf("MaxConnections = %d, want default %d", c.MaxConnections, defaultConfig.MaxConnections)
	}
}

func TestLoadRejectsBadGiveUpAfter(t *testing.T) {
	path := writeConfig(t, `
hostname: mx.example.com
queue_give_up_after: "not-a-duration"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected Load to reject an invalid queue_give_up_after")
	}
}

func TestOptionsBuildsListenerAndQueueOptions(t *testing.T) {
	path := writeConfig(t, `
hostname: mx.example.com
listeners:
  - addr: "127.0.0.1:2525"
    mode: submission
local_domains: ["example.com"]
queue_dir: "/tmp/does-not-need-to-exist-for-this-test"
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	opts, err := c.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if len(opts) == 0 {
		t.Fatalf("expected at least one option to be built")
	}
}

func TestOptionsRejectsUnknownMode(t *testing.T) {
	path := writeConfig(t, `
hostname: mx.example.com
listeners:
  - addr: ":25"
    mode: bogus
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := c.Options(); err == nil {
		t.Fatalf("expected Options to reject an unknown listener mode")
	}
}
