package config

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Service.URL != "http://localhost:8000" || cfg.Service.Timeout != 120*time.Second {
		t.Errorf("Expected defaults, got %+v", cfg.Service)
	}
	if cfg.Render.MaskOpacity != 0.5 {
		t.Errorf("Expected mask opacity 0.5, got %v", cfg.Render.MaskOpacity)
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "service:\n  url: http://seg:9000\n  timeout: 30s\nsuggest:\n  backend: none\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("ANNOTATOR_SERVICE_CAMERA_TYPE", "ortho")
	t.Setenv("ANNOTATOR_SERVICE_URL", "http://override:9001")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Service.URL != "http://override:9001" {
		t.Errorf("Expected env to win over the file, got %q", cfg.Service.URL)
	}
	if cfg.Service.Timeout != 30*time.Second {
		t.Errorf("Expected 30s timeout, got %v", cfg.Service.Timeout)
	}
	if cfg.Service.CameraType != "ortho" {
		t.Errorf("Expected camera from env, got %q", cfg.Service.CameraType)
	}
	if cfg.Suggest.Backend != "none" {
		t.Errorf("Expected backend none, got %q", cfg.Suggest.Backend)
	}
	if cfg.Output.Quality != 90 {
		t.Errorf("Expected default quality for unset keys, got %d", cfg.Output.Quality)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Service.URL = "http://example:8000"
	cfg.Render.KeepColor = "#112233"

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}
	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.Service.URL != cfg.Service.URL || loaded.Render.KeepColor != "#112233" {
		t.Errorf("Round trip lost values: %+v", loaded)
	}
	if loaded.Service.Timeout != cfg.Service.Timeout {
		t.Errorf("Expected timeout %v, got %v", cfg.Service.Timeout, loaded.Service.Timeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty url", func(c *Config) { c.Service.URL = "" }},
		{"zero timeout", func(c *Config) { c.Service.Timeout = 0 }},
		{"bad camera", func(c *Config) { c.Service.CameraType = "fisheye" }},
		{"opacity", func(c *Config) { c.Render.MaskOpacity = 1.5 }},
		{"stroke wider than marker", func(c *Config) { c.Render.StrokeWidth = 20 }},
		{"bad color", func(c *Config) { c.Render.BoxColor = "blue" }},
		{"unknown backend", func(c *Config) { c.Suggest.Backend = "magic" }},
		{"ollama without model", func(c *Config) { c.Suggest.Backend = "ollama"; c.Suggest.Model = "" }},
		{"quality", func(c *Config) { c.Output.Quality = 0 }},
	}

	for _, test := range tests {
		cfg := Default()
		test.modify(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected a validation error", test.name)
		}
	}
}

func TestValidateIgnoresCase(t *testing.T) {
	cfg := Default()
	cfg.Service.CameraType = " Persp"
	cfg.Suggest.Backend = "LOCAL"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected mixed-case values to validate: %v", err)
	}

	cfg.Suggest.Backend = "Ollama"
	cfg.Suggest.Model = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Expected the ollama backend to still require a model")
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in   string
		want color.NRGBA
		ok   bool
	}{
		{"#00c853", color.NRGBA{0, 200, 83, 255}, true},
		{"ff000080", color.NRGBA{255, 0, 0, 128}, true},
		{"#fff", color.NRGBA{}, false},
		{"#zzzzzz", color.NRGBA{}, false},
	}

	for _, test := range tests {
		got, err := ParseColor(test.in)
		if (err == nil) != test.ok {
			t.Errorf("%q: unexpected error state %v", test.in, err)
			continue
		}
		if test.ok && got != test.want {
			t.Errorf("%q: expected %v, got %v", test.in, test.want, got)
		}
	}
}

func TestStyleUsesRenderSection(t *testing.T) {
	cfg := Default()
	cfg.Render.MarkerRadius = 12
	style, err := cfg.Style()
	if err != nil {
		t.Fatalf("Style failed: %v", err)
	}
	if style.MarkerRadius != 12 || style.KeepColor != (color.NRGBA{0, 200, 83, 255}) {
		t.Errorf("Unexpected style %+v", style)
	}
}
