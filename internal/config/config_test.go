package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadWritesDefaultsWhenMissing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "uplink.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("missing file must yield defaults, got %+v", cfg)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	// The written file must parse back to the same configuration.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reflect.DeepEqual(again, cfg) {
		t.Fatalf("reloaded config differs: %+v vs %+v", again, cfg)
	}
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "uplink.yaml")
	partial := "device_id: bench-rig\nwheel_circumference_m: 2.25\n"
	if err := os.WriteFile(path, []byte(partial), 0o644); err != nil {
		t.Fatalf("write partial config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeviceID != "bench-rig" {
		t.Fatalf("device_id overridden: %q", cfg.DeviceID)
	}
	if cfg.WheelCircumferenceM != 2.25 {
		t.Fatalf("wheel_circumference_m overridden: %v", cfg.WheelCircumferenceM)
	}
	if cfg.SerialPort != DefaultSerialPort {
		t.Fatalf("serial_port default missing: %q", cfg.SerialPort)
	}
	if cfg.MaxDeliveryAttempts != DefaultMaxDeliveryAttempts {
		t.Fatalf("max_delivery_attempts default missing: %d", cfg.MaxDeliveryAttempts)
	}
	if cfg.SamplingIntervalSec != DefaultSamplingIntervalSec {
		t.Fatalf("sampling_interval_s default missing: %d", cfg.SamplingIntervalSec)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "uplink.yaml")
	if err := os.WriteFile(path, []byte("device_id: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "missing device id", mutate: func(c *Config) { c.DeviceID = "" }, wantErr: true},
		{name: "negative circumference", mutate: func(c *Config) { c.WheelCircumferenceM = -1 }, wantErr: true},
		{name: "missing collector url", mutate: func(c *Config) { c.CollectorURL = "" }, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.MaxDeliveryAttempts = 0 }, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tc.mutate(&cfg)

			err := Validate(cfg)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
