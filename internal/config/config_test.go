package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "SESSION_SECRET", "DATABASE_PATH", "SANDBOX_PATH"} {
		old, had := os.LookupEnv(k)
		_ = os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(k, old)
			}
		})
	}
}

func TestLoadProcess_Defaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	_ = os.Chdir(dir)

	p, err := LoadProcess()
	if err != nil {
		t.Fatalf("LoadProcess() error = %v", err)
	}
	if p.Port != defaultPort {
		t.Fatalf("expected default port %d, got %d", defaultPort, p.Port)
	}
	if p.SandboxPath != defaultSandboxPath {
		t.Fatalf("expected default sandbox path %q, got %q", defaultSandboxPath, p.SandboxPath)
	}
	if info, err := os.Stat(filepath.Join(dir, defaultSandboxPath)); err != nil || !info.IsDir() {
		t.Fatalf("expected sandbox dir to be created, stat error = %v", err)
	}
}

func TestLoadProcess_EnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	sandbox := filepath.Join(dir, "custom-sandbox")

	_ = os.Setenv("PORT", "8080")
	_ = os.Setenv("SESSION_SECRET", "shh")
	_ = os.Setenv("DATABASE_PATH", filepath.Join(dir, "db.sqlite"))
	_ = os.Setenv("SANDBOX_PATH", sandbox)

	p, err := LoadProcess()
	if err != nil {
		t.Fatalf("LoadProcess() error = %v", err)
	}
	if p.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", p.Port)
	}
	if p.SessionSecret != "shh" {
		t.Fatalf("expected session secret to be read from env")
	}
	if p.SandboxPath != sandbox {
		t.Fatalf("expected sandbox path override, got %q", p.SandboxPath)
	}
	if _, err := os.Stat(sandbox); err != nil {
		t.Fatalf("expected custom sandbox dir to be created, stat error = %v", err)
	}
}

func TestLoadProcess_InvalidPort(t *testing.T) {
	clearEnv(t)
	_ = os.Chdir(t.TempDir())
	_ = os.Setenv("PORT", "not-a-number")

	if _, err := LoadProcess(); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}

func TestLoadSeed_MissingFileReturnsSentinel(t *testing.T) {
	_, err := LoadSeed(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != ErrSeedNotFound {
		t.Fatalf("expected ErrSeedNotFound, got %v", err)
	}
}

func TestLoadSeed_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	contents := "allowed_roots:\n  - /tmp/work\nshell_allowlist:\n  - \"^ls\\\\b\"\nsafe_mode: false\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed() error = %v", err)
	}
	if len(seed.AllowedRoots) != 1 || seed.AllowedRoots[0] != "/tmp/work" {
		t.Fatalf("unexpected allowed roots: %v", seed.AllowedRoots)
	}
	if seed.SafeMode {
		t.Fatal("expected safe_mode false from seed file")
	}
}

func TestDefaultSeed_IsSafeByDefault(t *testing.T) {
	seed := DefaultSeed()
	if !seed.SafeMode {
		t.Fatal("expected default seed to have safe_mode on")
	}
	if len(seed.AllowedRoots) != 0 || len(seed.ShellAllowlist) != 0 {
		t.Fatal("expected default seed to start empty")
	}
}
