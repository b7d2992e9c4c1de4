// Package gpio drives the reader's power enable line through a sysfs value file.
package gpio

import (
	"fmt"
	"os"
)

// Switch writes "1" or "0" to a GPIO value file. The zero value and a Switch
// with an empty path are no-ops, so boards without a power line need no
// special casing.
type Switch struct {
	path  string
	write func(name string, data []byte, perm os.FileMode) error
}

func New(path string) *Switch {
	return &Switch{path: path, write: os.WriteFile}
}

func (s *Switch) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Enable sets the line high (on) or low.
func (s *Switch) Enable(on bool) error {
	if s == nil || s.path == "" {
		return nil
	}
	value := []byte("0\n")
	if on {
		value = []byte("1\n")
	}
	if err := s.write(s.path, value, 0o644); err != nil {
		return fmt.Errorf("gpio: write %s: %w", s.path, err)
	}
	return nil
}
