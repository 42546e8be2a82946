package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// inDir runs the test from a temp dir holding config/config.<env>.yaml.
func inDir(t *testing.T, env, yaml string) {
	t.Helper()
	dir := t.TempDir()
	if yaml != "" {
		if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "config", "config."+env+".yaml"), []byte(yaml), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", env)
}

func TestLoadDefaults(t *testing.T) {
	inDir(t, "none", "")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 || cfg.Store.Driver != "redis" || cfg.Presence.TTL != 5*time.Minute {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Cascade.MaxAttempts != 3 || cfg.Resolver.Timeout != 3*time.Second {
		t.Fatalf("cascade/resolver defaults = %+v %+v", cfg.Cascade, cfg.Resolver)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	inDir(t, "test", `
mode: debug
port: 9000
store:
  driver: memory
presence:
  ttl: 90s
backpressure:
  policy: drop
`)
	t.Setenv("NEARBY_PORT", "9100")
	t.Setenv("NEARBY_NATS_SUBJECT_PREFIX", "staging")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "debug" || cfg.Store.Driver != "memory" || cfg.Presence.TTL != 90*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Port != 9100 || cfg.NATS.SubjectPrefix != "staging" {
		t.Fatalf("env overrides not applied: port=%d prefix=%q", cfg.Port, cfg.NATS.SubjectPrefix)
	}
	if cfg.Backpressure.Policy != "drop" {
		t.Fatalf("policy = %q", cfg.Backpressure.Policy)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"driver":    "store:\n  driver: etcd\n",
		"policy":    "backpressure:\n  policy: block\n",
		"pong_wait": "ping_period: 30s\npong_wait: 10s\n",
		"log_level": "log_level: loud\n",
	}
	for name, yaml := range tests {
		t.Run(name, func(t *testing.T) {
			inDir(t, "bad", yaml)
			if _, err := Load(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
