package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callrpc.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if time.Duration(c.IdleTimeout) != 60*time.Second {
		t.Fatalf("expect 60s idle timeout, got %s", time.Duration(c.IdleTimeout))
	}
	if c.Advertise != "127.0.0.1:8888" {
		t.Fatalf("unexpected advertise address %q", c.Advertise)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `{"listen": "127.0.0.1:9000", "idleTimeout": "90s", "shutdownTimeout": 2,
		"etcd": ["127.0.0.1:2379"], "codec": "msgpack"}`)

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.Listen != "127.0.0.1:9000" || c.Advertise != "127.0.0.1:9000" {
		t.Fatalf("unexpected addresses %q %q", c.Listen, c.Advertise)
	}
	if time.Duration(c.IdleTimeout) != 90*time.Second || time.Duration(c.ShutdownTimeout) != 2*time.Second {
		t.Fatalf("unexpected durations %s %s", time.Duration(c.IdleTimeout), time.Duration(c.ShutdownTimeout))
	}
	if c.LeaseTTL != 10 || c.Network != "tcp" {
		t.Fatal("missing fields should keep defaults")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expect error for missing file")
	}
	if _, err := Load(writeFile(t, `{"idleTimeout": "soon"}`)); err == nil {
		t.Fatal("expect error for bad duration")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"network", func(c *Config) { c.Network = "udp" }},
		{"codec", func(c *Config) { c.Codec = "xml" }},
		{"idle", func(c *Config) { c.IdleTimeout = Duration(-time.Second) }},
		{"burst", func(c *Config) { c.RateLimit, c.RateBurst = 10, 0 }},
		{"lease", func(c *Config) { c.Etcd, c.LeaseTTL = []string{"x"}, 0 }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tc := range cases {
		c := Default()
		tc.mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expect validation error", tc.name)
		}
	}
}

func TestLock(t *testing.T) {
	path := writeFile(t, `{}`)
	unlock, err := Lock(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Lock(path); err == nil {
		t.Fatal("second lock on the same file should fail")
	}
	unlock()

	unlock, err = Lock(path)
	if err != nil {
		t.Fatalf("lock after release failed: %v", err)
	}
	unlock()
}
