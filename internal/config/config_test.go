package config

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidateRejectsBadListenPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenPort = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for listen_port 0")
	}

	cfg.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for listen_port out of range")
	}
}

func TestValidateRejectsEmptyAdminListen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.YggdrasilAdminListen = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty yggdrasil_admin_listen")
	}
}

func TestValidateRejectsUnknownProtocol(t *testing.T) {
	cfg := DefaultConfig()
	cfg.YggdrasilProtocols = []string{"carrier-pigeon"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestValidateRejectsNegativeTraversalLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailedTraversalLimit = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative failed_yggdrasil_traversal_limit")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/jumper.yaml"); err == nil {
		t.Fatal("expected error loading a missing config file")
	}
}
