// Package gpio drives GPIO lines through the sysfs interface. It covers the
// two lines the node needs: the modem power key (output) and the hall
// sensor (input).
package gpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultRoot is the kernel sysfs GPIO mount point.
const DefaultRoot = "/sys/class/gpio"

// Direction of a GPIO line.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

// Chip is a sysfs GPIO controller rooted at a directory. Tests point it at
// a temp dir.
type Chip struct {
	root string
}

// NewChip returns a chip rooted at root; empty means DefaultRoot.
func NewChip(root string) *Chip {
	if root == "" {
		root = DefaultRoot
	}
	return &Chip{root: root}
}

// Line is an exported GPIO line.
type Line struct {
	chip *Chip
	pin  int
}

// Export exports pin and sets its direction. Exporting an already-exported
// pin is not an error.
func (c *Chip) Export(pin int, dir Direction) (*Line, error) {
	pinDir := filepath.Join(c.root, fmt.Sprintf("gpio%d", pin))
	if _, err := os.Stat(pinDir); err != nil {
		if err := os.WriteFile(filepath.Join(c.root, "export"), []byte(strconv.Itoa(pin)), 0o644); err != nil {
			return nil, fmt.Errorf("export gpio %d: %w", pin, err)
		}
	}

	if err := os.WriteFile(filepath.Join(pinDir, "direction"), []byte(dir), 0o644); err != nil {
		return nil, fmt.Errorf("set gpio %d direction: %w", pin, err)
	}

	return &Line{chip: c, pin: pin}, nil
}

// Pin returns the line's pin number.
func (l *Line) Pin() int { return l.pin }

// Set drives an output line to 0 or 1.
func (l *Line) Set(v int) error {
	if v != 0 {
		v = 1
	}
	path := filepath.Join(l.chip.root, fmt.Sprintf("gpio%d", l.pin), "value")
	if err := os.WriteFile(path, []byte(strconv.Itoa(v)), 0o644); err != nil {
		return fmt.Errorf("set gpio %d: %w", l.pin, err)
	}
	return nil
}

// Get reads the current level of a line.
func (l *Line) Get() (int, error) {
	path := filepath.Join(l.chip.root, fmt.Sprintf("gpio%d", l.pin), "value")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read gpio %d: %w", l.pin, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse gpio %d value: %w", l.pin, err)
	}
	return v, nil
}

// Close unexports the line. Best effort; a line left exported is harmless.
func (l *Line) Close() error {
	path := filepath.Join(l.chip.root, "unexport")
	if err := os.WriteFile(path, []byte(strconv.Itoa(l.pin)), 0o644); err != nil {
		return fmt.Errorf("unexport gpio %d: %w", l.pin, err)
	}
	return nil
}
