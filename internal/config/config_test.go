package config

import "testing"

func TestSetDefaultsFillsEmptyFields(t *testing.T) {
	var c Config
	c.SetDefaults()

	if c.Server.HTTPAddr != "127.0.0.1:8090" {
		t.Errorf("HTTPAddr = %q", c.Server.HTTPAddr)
	}
	if c.Server.MetricsAddr != "127.0.0.1:9090" {
		t.Errorf("MetricsAddr = %q", c.Server.MetricsAddr)
	}
	if c.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q", c.Server.LogLevel)
	}
	if c.Auth.AccessCacheSize != 256 {
		t.Errorf("AccessCacheSize = %d", c.Auth.AccessCacheSize)
	}
	if c.Record.RetentionDays != 7 || c.Record.MaxFileSizeMB != 100 || c.Record.ChannelSize != 1000 {
		t.Errorf("unexpected record defaults: %+v", c.Record)
	}
}

func TestSetDefaultsPreservesExplicitValues(t *testing.T) {
	c := Config{Server: ServerConfig{HTTPAddr: "0.0.0.0:1234", LogLevel: "warn"}}
	c.SetDefaults()

	if c.Server.HTTPAddr != "0.0.0.0:1234" {
		t.Errorf("HTTPAddr overwritten: %q", c.Server.HTTPAddr)
	}
	if c.Server.LogLevel != "warn" {
		t.Errorf("LogLevel overwritten: %q", c.Server.LogLevel)
	}
}

func TestSetDevDefaultsRaisesLogLevel(t *testing.T) {
	c := Config{DevMode: true}
	c.SetDefaults()
	c.SetDevDefaults()

	if c.Server.LogLevel != "debug" {
		t.Errorf("expected debug log level in dev mode, got %q", c.Server.LogLevel)
	}
}

func TestSetDevDefaultsLeavesExplicitLogLevelAlone(t *testing.T) {
	c := Config{DevMode: true, Server: ServerConfig{LogLevel: "error"}}
	c.SetDefaults()
	c.SetDevDefaults()

	if c.Server.LogLevel != "error" {
		t.Errorf("expected explicit log level to survive, got %q", c.Server.LogLevel)
	}
}

func TestSetDevDefaultsNoopOutsideDevMode(t *testing.T) {
	c := Config{}
	c.SetDefaults()
	c.SetDevDefaults()

	if c.Server.LogLevel != "info" {
		t.Errorf("expected default log level untouched, got %q", c.Server.LogLevel)
	}
}
