package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"propline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Reports.WordLimit != config.DefaultWordLimit {
		t.Fatalf("word limit = %d, want %d", cfg.Reports.WordLimit, config.DefaultWordLimit)
	}
	if len(cfg.Roles.Directory) != 7 {
		t.Fatalf("role directory has %d entries, want 7", len(cfg.Roles.Directory))
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load empty workspace: %v", err)
	}
	if cfg.Portal.Name == "" {
		t.Fatal("expected default portal name")
	}
}

func TestFromFileAppliesWordLimitDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "propline.yml")
	body := "portal:\n  name: Test Portal\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if cfg.Portal.Name != "Test Portal" {
		t.Fatalf("portal name = %q", cfg.Portal.Name)
	}
	if cfg.Reports.WordLimit != config.DefaultWordLimit {
		t.Fatalf("word limit = %d, want default %d", cfg.Reports.WordLimit, config.DefaultWordLimit)
	}
}

func TestFromYAMLRejectsUnknownRole(t *testing.T) {
	body := "portal:\n  name: Test Portal\nroles:\n  directory:\n    DeanOfMagic: Dean\n"
	_, err := config.FromYAML([]byte(body))
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
	if !strings.Contains(err.Error(), "DeanOfMagic") {
		t.Fatalf("error %q does not name the role", err)
	}
}

func TestFromYAMLRejectsMissingPortalName(t *testing.T) {
	if _, err := config.FromYAML([]byte("reports:\n  word_limit: 100\n")); err == nil {
		t.Fatal("expected error for missing portal name")
	}
}

func TestFromYAMLRejectsNegativeWordLimit(t *testing.T) {
	body := "portal:\n  name: Test Portal\nreports:\n  word_limit: -1\n"
	if _, err := config.FromYAML([]byte(body)); err == nil {
		t.Fatal("expected error for negative word limit")
	}
}
