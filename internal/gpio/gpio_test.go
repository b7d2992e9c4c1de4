package gpio

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnableWritesValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "value")
	s := New(path)

	if err := s.Enable(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if got, _ := os.ReadFile(path); string(got) != "1\n" {
		t.Fatalf("after enable: %q", got)
	}
	if err := s.Enable(false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if got, _ := os.ReadFile(path); string(got) != "0\n" {
		t.Fatalf("after disable: %q", got)
	}
}

func TestEmptyPathIsNoop(t *testing.T) {
	var nilSwitch *Switch
	if err := nilSwitch.Enable(true); err != nil {
		t.Fatalf("nil switch: %v", err)
	}
	if err := New("").Enable(true); err != nil {
		t.Fatalf("empty path: %v", err)
	}
}

func TestMissingDirectoryFails(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing", "value"))
	if err := s.Enable(true); err == nil {
		t.Fatalf("expected error for missing gpio directory")
	}
}
