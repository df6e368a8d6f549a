package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadNoFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	_ = os.Chdir(dir)
	defer os.Chdir(cwd)

	cfg, err := Load(filepath.Join(dir, "home"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "sonnet" || cfg.Daemon.Port != 8710 {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadJSONCStripsCommentsAndMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	_ = os.Chdir(dir)
	defer os.Chdir(cwd)

	body := `{
		// pick a bigger model
		"model": "opus",
		"daemon": { "host": "0.0.0.0", "port": 9000 } /* override bind */
	}`
	if err := os.WriteFile(filepath.Join(dir, "blah-code.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(filepath.Join(dir, "home"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "opus" {
		t.Errorf("Model = %q, want opus", cfg.Model)
	}
	if cfg.Daemon.Host != "0.0.0.0" || cfg.Daemon.Port != 9000 {
		t.Errorf("Daemon = %+v", cfg.Daemon)
	}
	if cfg.Timeout.ModelMs != 120_000 {
		t.Errorf("Timeout.ModelMs = %d, want default 120000 preserved", cfg.Timeout.ModelMs)
	}
}

func TestLoadMalformedJSONFailsFast(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	_ = os.Chdir(dir)
	defer os.Chdir(cwd)

	if err := os.WriteFile(filepath.Join(dir, "blah-code.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(filepath.Join(dir, "home")); err == nil {
		t.Fatal("expected ErrInvalidConfig")
	}
}

func TestLoadRejectsOutOfRangeTimeout(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	_ = os.Chdir(dir)
	defer os.Chdir(cwd)

	body := `{"timeout": {"modelMs": 50}}`
	if err := os.WriteFile(filepath.Join(dir, "blah-code.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(filepath.Join(dir, "home")); err == nil {
		t.Fatal("expected ErrInvalidConfig for out-of-range modelMs")
	}
}

func TestSearchPathsPrecedence(t *testing.T) {
	paths := SearchPaths("/home/u")
	want := []string{"blah-code.json", ".blah-code.json", "/home/u/.blah-code/config.json"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v", paths)
	}
	for i, p := range want {
		if paths[i] != p {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], p)
		}
	}
}

func TestResolveCredentialsFromEnv(t *testing.T) {
	os.Setenv(APIKeyEnvVar, "sk-test-123")
	defer os.Unsetenv(APIKeyEnvVar)

	cfg, err := ResolveCredentials(DefaultConfig())
	if err != nil {
		t.Fatalf("ResolveCredentials: %v", err)
	}
	if cfg.APIKey != "sk-test-123" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
}

func TestResolveCredentialsMissing(t *testing.T) {
	os.Unsetenv(APIKeyEnvVar)
	if _, err := ResolveCredentials(DefaultConfig()); err != ErrMissingCredentials {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestMCPServerConfigIsEnabledDefaultsTrue(t *testing.T) {
	var m MCPServerConfig
	if !m.IsEnabled() {
		t.Error("zero-value MCPServerConfig should default to enabled")
	}
	f := false
	m.Enabled = &f
	if m.IsEnabled() {
		t.Error("explicit false should disable")
	}
}
