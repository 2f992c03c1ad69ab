package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadBootstrapsDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Callsign != "N0CALL" {
		t.Fatalf("expected default callsign, got %q", cfg.Callsign)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config to be written: %v", err)
	}
}

func TestLoadExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"callsign":"W1AW","grid":"FN31","udp_port":9999}`), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Callsign != "W1AW" || cfg.Grid != "FN31" || cfg.UDPPort != 9999 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	// Fields absent from the file should keep their defaults.
	if cfg.SpotTTL != 600 || cfg.CycleInterval != 15 {
		t.Fatalf("expected defaults to survive partial override: %+v", cfg)
	}
}

func TestGridLookupOnMissTriState(t *testing.T) {
	var cfg Config
	if !cfg.GridLookupOnMiss() {
		t.Fatalf("unset GridDBCheckOnMiss should default to true")
	}
	no := false
	cfg.GridDBCheckOnMiss = &no
	if cfg.GridLookupOnMiss() {
		t.Fatalf("explicit false should be honored")
	}
}

func TestLoadSecretsMissingFileIsNotAnError(t *testing.T) {
	s, err := LoadSecrets(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if s.QRZPassword != "" {
		t.Fatalf("expected zero-value secrets")
	}
}

func TestLoadSecretsDecodesBase64(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.json")
	encoded := "b64:" + base64.StdEncoding.EncodeToString([]byte("p@ss\nword"))
	if err := os.WriteFile(path, []byte(`{"qrz_password":"`+encoded+`"}`), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	s, err := LoadSecrets(path)
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if s.QRZPassword != "p@ss\nword" {
		t.Fatalf("got %q", s.QRZPassword)
	}
}

func TestLoadSecretsPlainValuePassesThrough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.json")
	if err := os.WriteFile(path, []byte(`{"cluster_passwords":{"SDC":"plaintext"}}`), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	s, err := LoadSecrets(path)
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if s.ClusterPasswords["SDC"] != "plaintext" {
		t.Fatalf("got %+v", s.ClusterPasswords)
	}
}
