package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// TestLoadConfigRawReadsYAMLFile round-trips a Config through its yaml tags
// and the viper loader: marshal, write to disk, load, compare.
func TestLoadConfigRawReadsYAMLFile(t *testing.T) {
	want := Config{
		Server: ServerConfig{HTTPAddr: "127.0.0.1:7070", LogLevel: "warn"},
		Tree:   TreeConfig{BasePath: "/opt/vss/vss.json", OverlayDir: "/opt/vss/overlays"},
		Auth:   AuthConfig{PublicKeyPath: "/opt/vss/keys/public.pem", AccessCacheSize: 32},
		Record: RecordConfig{Enabled: true, Dir: "/var/log/vsstree"},
	}
	data, err := yaml.Marshal(want)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "vsstree.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	viper.Reset()
	defer viper.Reset()
	InitViper(path)

	got, err := LoadConfigRaw()
	if err != nil {
		t.Fatalf("LoadConfigRaw: %v", err)
	}
	if got.Server.HTTPAddr != want.Server.HTTPAddr {
		t.Errorf("http_addr = %q, want %q", got.Server.HTTPAddr, want.Server.HTTPAddr)
	}
	if got.Server.LogLevel != want.Server.LogLevel {
		t.Errorf("log_level = %q, want %q", got.Server.LogLevel, want.Server.LogLevel)
	}
	if got.Tree.BasePath != want.Tree.BasePath || got.Tree.OverlayDir != want.Tree.OverlayDir {
		t.Errorf("tree section = %+v, want %+v", got.Tree, want.Tree)
	}
	if got.Auth.PublicKeyPath != want.Auth.PublicKeyPath || got.Auth.AccessCacheSize != want.Auth.AccessCacheSize {
		t.Errorf("auth section = %+v, want %+v", got.Auth, want.Auth)
	}
	if !got.Record.Enabled || got.Record.Dir != want.Record.Dir {
		t.Errorf("record section = %+v, want %+v", got.Record, want.Record)
	}
	// Defaults still fill what the file left unset.
	if got.Server.MetricsAddr != "127.0.0.1:9090" {
		t.Errorf("metrics_addr default = %q", got.Server.MetricsAddr)
	}
}

func TestLoadConfigRawExplicitMissingFileErrors(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	InitViper(filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := LoadConfigRaw(); err == nil {
		t.Fatalf("expected an error for an explicitly named missing config file")
	}
}
