// Package config loads the daemon's JSON configuration, bootstrapping a
// default file on first run the way gtbridge.py's load_config does.
package config

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ClusterConfig describes one DX cluster telnet endpoint to connect to.
type ClusterConfig struct {
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Name          string   `json:"name"`
	LoginCommands []string `json:"login_commands,omitempty"`
}

// UIConfig controls the optional console dashboard, shared with the
// adapted ansi_console.go/console_layout.go renderer.
type UIConfig struct {
	Enabled     *bool         `json:"enabled,omitempty"`
	RefreshMS   int           `json:"refresh_ms,omitempty"`
	Color       bool          `json:"color,omitempty"`
	ClearScreen bool          `json:"clear_screen,omitempty"`
	PaneLines   UIPaneLines   `json:"pane_lines,omitempty"`
}

// UIPaneLines sets the ring-buffer depth of each dashboard pane.
type UIPaneLines struct {
	Stats       int `json:"stats,omitempty"`
	Spots       int `json:"spots,omitempty"`
	Activations int `json:"activations,omitempty"`
	Instances   int `json:"instances,omitempty"`
	System      int `json:"system,omitempty"`
}

// UIEnabled resolves the tri-state Enabled switch; the console defaults
// on when attached to a terminal and the caller does not say otherwise.
func (u UIConfig) UIEnabled(defaultVal bool) bool {
	if u.Enabled == nil {
		return defaultVal
	}
	return *u.Enabled
}

// Config is the full external configuration surface described in
// SPEC_FULL.md §6.
type Config struct {
	Callsign string `json:"callsign"`
	Grid     string `json:"grid"`
	ClientID string `json:"client_id"`

	UDPHost string `json:"udp_host"`
	UDPPort int    `json:"udp_port"`

	HeartbeatInterval int `json:"heartbeat_interval"`
	CycleInterval     int `json:"cycle_interval"`

	Clusters []ClusterConfig `json:"clusters"`

	SpotTTL    int      `json:"spot_ttl"`
	LogLevel   string   `json:"log_level"`
	LogFile    string   `json:"log_file,omitempty"`
	ModeFilter []string `json:"mode_filter,omitempty"`
	BandFilter []string `json:"band_filter,omitempty"`
	Region     int      `json:"region"`

	TelnetServer bool `json:"telnet_server"`
	TelnetPort   int  `json:"telnet_port"`

	POTASpots         bool `json:"pota_spots"`
	SOTASpots         bool `json:"sota_spots"`
	POTAPollInterval  int  `json:"pota_poll_interval,omitempty"`
	SOTAPollInterval  int  `json:"sota_poll_interval,omitempty"`
	QRZSkimmerOnly    bool `json:"qrz_skimmer_only"`

	FlexRadio bool   `json:"flex_radio"`
	FlexHost  string `json:"flex_host,omitempty"`
	FlexPort  int    `json:"flex_port,omitempty"`
	FlexSlice int    `json:"flex_slice,omitempty"`

	N1MMListen bool `json:"n1mm_listen"`
	N1MMPort   int  `json:"n1mm_port,omitempty"`

	SecretsFile string `json:"secrets_file,omitempty"`

	// GridDBCheckOnMiss is a three-valued switch: nil means "use the
	// package default" (true), so an operator who never mentions the
	// key in their JSON gets grid lookups on cache miss, while an
	// explicit `false` turns them off without another field name.
	GridDBCheckOnMiss *bool `json:"grid_db_check_on_miss,omitempty"`

	UI UIConfig `json:"ui,omitempty"`
}

// GridLookupOnMiss resolves the tri-state GridDBCheckOnMiss switch to its
// effective value.
func (c Config) GridLookupOnMiss() bool {
	if c.GridDBCheckOnMiss == nil {
		return true
	}
	return *c.GridDBCheckOnMiss
}

// Default mirrors gtbridge.py's DEFAULT_CONFIG, adjusted for spec.md's
// extended field set.
func Default() Config {
	return Config{
		Callsign:          "N0CALL",
		Grid:              "",
		ClientID:          "GTBridge",
		UDPHost:           "127.0.0.1",
		UDPPort:           2237,
		HeartbeatInterval: 15,
		CycleInterval:     15,
		Clusters: []ClusterConfig{
			{Host: "dxc.nc7j.com", Port: 7300, Name: "NC7J"},
		},
		SpotTTL:    600,
		LogLevel:   "INFO",
		Region:     2,
		TelnetPort: 7300,
		FlexPort:   4992,
		FlexSlice:  0,
		N1MMPort:   12060,
	}
}

// Load reads path, writing out Default() as a starter file first if
// path does not exist. A missing file is not an error: the daemon is
// expected to run once, get a sensible config written for it, and be
// edited before the next run.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		def := Default()
		if werr := writeDefault(path, def); werr != nil {
			return def, fmt.Errorf("config: writing default to %s: %w", path, werr)
		}
		log.Printf("config: created default config at %s - edit it with your callsign before running again", path)
		return def, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := jsonAPI.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if cfg.Callsign == "" || cfg.Callsign == "N0CALL" {
		log.Printf("config: callsign is not set (N0CALL) - spots will be tagged with a placeholder identity")
	}
	if len(cfg.Clusters) == 0 {
		log.Printf("config: no clusters configured - DX spot ingest will be idle")
	}

	return cfg, nil
}

func writeDefault(path string, cfg Config) error {
	data, err := jsonAPI.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Secrets holds credentials kept out of the main config file: cluster
// telnet passwords and the QRZ XML subscription login.
type Secrets struct {
	ClusterPasswords map[string]string `json:"cluster_passwords,omitempty"`
	QRZUsername      string            `json:"qrz_username,omitempty"`
	QRZPassword      string            `json:"qrz_password,omitempty"`
}

// LoadSecrets reads a secrets file referenced by Config.SecretsFile. A
// value prefixed with "b64:" is base64-decoded after load, so a secret
// containing characters that are awkward in JSON (newlines, quotes) can
// be stored safely. A missing path returns an empty Secrets and no
// error, since most deployments need none of these credentials.
func LoadSecrets(path string) (Secrets, error) {
	var s Secrets
	if path == "" {
		return s, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("config: reading secrets %s: %w", path, err)
	}
	if err := jsonAPI.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("config: parsing secrets %s: %w", path, err)
	}

	for k, v := range s.ClusterPasswords {
		decoded, err := decodeSecretValue(v)
		if err != nil {
			return s, fmt.Errorf("config: decoding secret for cluster %q: %w", k, err)
		}
		s.ClusterPasswords[k] = decoded
	}
	if decoded, err := decodeSecretValue(s.QRZPassword); err != nil {
		return s, fmt.Errorf("config: decoding qrz_password: %w", err)
	} else {
		s.QRZPassword = decoded
	}

	return s, nil
}

func decodeSecretValue(v string) (string, error) {
	if !strings.HasPrefix(v, "b64:") {
		return v, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, "b64:"))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
