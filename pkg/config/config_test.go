package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfig checks the defaults are internally consistent
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
	if cfg.Compression.DeltaThreshold != 25 {
		t.Errorf("DeltaThreshold = %d, want 25", cfg.Compression.DeltaThreshold)
	}
	if cfg.Compression.ClipMin >= cfg.Compression.ClipMax {
		t.Errorf("clip range [%d, %d] inverted", cfg.Compression.ClipMin, cfg.Compression.ClipMax)
	}
	if cfg.Verification.MinPSNR != 35.0 || cfg.Verification.MinSSIM != 0.90 {
		t.Errorf("verification thresholds = %.1f/%.2f",
			cfg.Verification.MinPSNR, cfg.Verification.MinSSIM)
	}
}

// TestLoadConfigMissingFile verifies a missing file yields the defaults
// rather than an error
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Compression.Codec != DefaultConfig().Compression.Codec {
		t.Errorf("missing file did not fall back to defaults")
	}
}

// TestSaveLoadRoundTrip writes a modified config and reads it back
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctpack.yaml")

	cfg := DefaultConfig()
	cfg.Compression.Codec = "lz4"
	cfg.Compression.DeltaThreshold = 40
	cfg.Server.Address = ":9999"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Compression.Codec != "lz4" {
		t.Errorf("Codec = %q, want lz4", loaded.Compression.Codec)
	}
	if loaded.Compression.DeltaThreshold != 40 {
		t.Errorf("DeltaThreshold = %d, want 40", loaded.Compression.DeltaThreshold)
	}
	if loaded.Server.Address != ":9999" {
		t.Errorf("Address = %q, want :9999", loaded.Server.Address)
	}
}

// TestValidateRejectsBadValues covers the rejection paths
func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compression.ClipMin = 100
	cfg.Compression.ClipMax = -100
	if err := cfg.Validate(); err == nil {
		t.Error("inverted clip range accepted")
	}

	cfg = DefaultConfig()
	cfg.Compression.DeltaThreshold = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative delta threshold accepted")
	}

	cfg = DefaultConfig()
	cfg.Compression.Codec = "brotli"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown codec accepted")
	}
}

// TestLoadConfigRejectsBadYAML verifies a malformed file is an error
func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("compression: [not a map"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}
