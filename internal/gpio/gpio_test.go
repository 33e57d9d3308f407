package gpio

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// fakeSysfs lays out the files the kernel would provide for a pin.
func fakeSysfs(t *testing.T, pin int) string {
	t.Helper()

	root := t.TempDir()
	pinDir := filepath.Join(root, "gpio"+strconv.Itoa(pin))
	if err := os.MkdirAll(pinDir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", pinDir, err)
	}
	if err := os.WriteFile(filepath.Join(pinDir, "value"), []byte("0\n"), 0o644); err != nil {
		t.Fatalf("seed value file: %v", err)
	}
	return root
}

func TestExportSetGet(t *testing.T) {
	t.Parallel()

	root := fakeSysfs(t, 4)
	chip := NewChip(root)

	line, err := chip.Export(4, Out)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if line.Pin() != 4 {
		t.Fatalf("pin: got %d, want 4", line.Pin())
	}

	dir, err := os.ReadFile(filepath.Join(root, "gpio4", "direction"))
	if err != nil {
		t.Fatalf("read direction: %v", err)
	}
	if string(dir) != "out" {
		t.Fatalf("direction: got %q, want out", dir)
	}

	if err := line.Set(1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := line.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 1 {
		t.Fatalf("value: got %d, want 1", v)
	}

	if err := line.Set(0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, _ := line.Get(); v != 0 {
		t.Fatalf("value: got %d, want 0", v)
	}
}

func TestExportAlreadyExportedPin(t *testing.T) {
	t.Parallel()

	root := fakeSysfs(t, 17)
	chip := NewChip(root)

	if _, err := chip.Export(17, In); err != nil {
		t.Fatalf("first Export: %v", err)
	}
	if _, err := chip.Export(17, In); err != nil {
		t.Fatalf("re-Export: %v", err)
	}
}

func TestSetClampsToBinary(t *testing.T) {
	t.Parallel()

	root := fakeSysfs(t, 4)
	chip := NewChip(root)

	line, err := chip.Export(4, Out)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := line.Set(7); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, _ := line.Get(); v != 1 {
		t.Fatalf("value: got %d, want 1", v)
	}
}

func TestCloseUnexports(t *testing.T) {
	t.Parallel()

	root := fakeSysfs(t, 4)
	chip := NewChip(root)

	line, err := chip.Export(4, Out)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := line.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "unexport"))
	if err != nil {
		t.Fatalf("read unexport: %v", err)
	}
	if string(data) != "4" {
		t.Fatalf("unexport: got %q, want 4", data)
	}
}
