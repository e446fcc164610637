package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValues(t *testing.T) {
	p := Default()
	if p.Listen != ":2200" {
		t.Errorf("Listen = %q, want %q", p.Listen, ":2200")
	}
	if p.WindowSize != 1<<21 {
		t.Errorf("WindowSize = %d, want %d", p.WindowSize, 1<<21)
	}
	if p.PacketSize != 1<<15 {
		t.Errorf("PacketSize = %d, want %d", p.PacketSize, 1<<15)
	}
	if p.MaxChannels != 0 {
		t.Errorf("MaxChannels = %d, want 0 (unlimited)", p.MaxChannels)
	}
}

func TestMergeFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connsvc.yaml")
	contents := "listen: \":2022\"\nworkdir: /srv/sessions\ntcpforwarding: true\nmaxchannels: 16\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p := Default()
	if err := mergeFile(&p, path); err != nil {
		t.Fatalf("mergeFile: %v", err)
	}
	if p.Listen != ":2022" {
		t.Errorf("Listen = %q, want %q", p.Listen, ":2022")
	}
	if p.WorkDir != "/srv/sessions" {
		t.Errorf("WorkDir = %q, want %q", p.WorkDir, "/srv/sessions")
	}
	if !p.TCPForwarding {
		t.Error("TCPForwarding should be true after merge")
	}
	if p.MaxChannels != 16 {
		t.Errorf("MaxChannels = %d, want 16", p.MaxChannels)
	}
	// Values the file doesn't mention keep their defaults.
	if p.PacketSize != 1<<15 {
		t.Errorf("PacketSize = %d, want default %d", p.PacketSize, 1<<15)
	}
}

func TestMergeFileMissingFile(t *testing.T) {
	p := Default()
	if err := mergeFile(&p, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestMergeFileInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("listen: [this is not a string"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	p := Default()
	if err := mergeFile(&p, path); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}
