package store

import (
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/bluetooth"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(":memory:", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := Migrate(s.db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.DeviceName != "PagerBridge" || cfg.DeviceAddress != "" {
		t.Errorf("identity = %q/%q", cfg.DeviceName, cfg.DeviceAddress)
	}
	if cfg.ServiceUUID != "1b0ee9b4-e833-5a9e-354c-7e2d486b2b7f" || cfg.RxUUID != "1b0ee9b4-e833-5a9e-354c-7e2d496b2b7f" {
		t.Errorf("uuids = %s, %s", cfg.ServiceUUID, cfg.RxUUID)
	}
	if !cfg.OngoingIndicator || !cfg.ForwardingEnabled {
		t.Error("indicator and forwarding should default on")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	cfg := DefaultConfig()
	cfg.DeviceName = "  Desk Pager "
	cfg.DeviceAddress = "aa:bb:cc:dd:ee:ff"
	cfg.ServiceUUID = strings.ToUpper(cfg.ServiceUUID)
	cfg.OngoingIndicator = false
	cfg.LastTxPower = -12

	saved, err := s.SaveConfig(cfg)
	if err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if saved.DeviceName != "Desk Pager" || saved.DeviceAddress != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("saved = %+v", saved)
	}

	loaded, err := s.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if loaded != saved {
		t.Errorf("loaded %+v, want %+v", loaded, saved)
	}
	if loaded.ServiceUUID != bluetooth.DefaultServiceUUID {
		t.Errorf("service uuid not canonical: %s", loaded.ServiceUUID)
	}

	pc, err := s.PagerConfig()
	if err != nil || pc.DeviceName != "Desk Pager" {
		t.Errorf("PagerConfig = %+v, %v", pc, err)
	}
}

func TestSaveConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"service uuid", func(c *Config) { c.ServiceUUID = "pager" }},
		{"rx uuid", func(c *Config) { c.RxUUID = "" }},
		{"address", func(c *Config) { c.DeviceAddress = "not-a-mac" }},
		{"tx power", func(c *Config) { c.LastTxPower = 5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := s.SaveConfig(cfg); err == nil {
				t.Fatal("invalid config saved")
			}
			loaded, _ := s.Config()
			if loaded != DefaultConfig() {
				t.Errorf("rejected config was partially written: %+v", loaded)
			}
		})
	}
}

func TestSetTxPower(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetTxPower(9); err != nil {
		t.Fatalf("SetTxPower: %v", err)
	}
	if err := s.SetTxPower(10); err == nil {
		t.Error("unsupported level stored")
	}
	cfg, _ := s.Config()
	if cfg.LastTxPower != 9 || cfg.CustomTxPower != "9" {
		t.Errorf("tx power = %d / %q", cfg.LastTxPower, cfg.CustomTxPower)
	}
}

func TestStopBridge(t *testing.T) {
	s := newTestStore(t)
	if err := s.StopBridge(); err != nil {
		t.Fatalf("StopBridge: %v", err)
	}
	cfg, _ := s.Config()
	if cfg.ForwardingEnabled || cfg.OngoingIndicator {
		t.Errorf("bridge still on: %+v", cfg)
	}
}

func TestPassCount(t *testing.T) {
	s := newTestStore(t)
	if n, err := s.PassCount(); err != nil || n != 0 {
		t.Fatalf("PassCount = %d, %v", n, err)
	}
	for want := 1; want <= 3; want++ {
		n, err := s.IncrementPassCount()
		if err != nil {
			t.Fatalf("IncrementPassCount: %v", err)
		}
		if n != want {
			t.Errorf("IncrementPassCount = %d, want %d", n, want)
		}
	}
	if n, _ := s.PassCount(); n != 3 {
		t.Errorf("PassCount = %d, want 3", n)
	}
}

func TestClearLogsResetsCounter(t *testing.T) {
	s := newTestStore(t)
	var seen []string
	s.OnAppend(func(e LogEntry) { seen = append(seen, e.Line) })

	s.AppendLog("Forwarded from Alice: OK send queued")
	s.IncrementPassCount()
	if len(seen) != 1 {
		t.Errorf("listener saw %q", seen)
	}

	if err := s.ClearLogs(); err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}
	if n, _ := s.PassCount(); n != 0 {
		t.Errorf("PassCount after clear = %d", n)
	}
	if len(s.ActivityLog().Entries()) != 0 {
		t.Error("log not cleared")
	}
}
