package config

import (
	"testing"
	"time"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	c := Default()
	if c.SDPort != 30490 {
		t.Errorf("SDPort = %d, want 30490", c.SDPort)
	}
	if c.SDMulticastAddress != "224.224.224.0" {
		t.Errorf("SDMulticastAddress = %q, want 224.224.224.0", c.SDMulticastAddress)
	}
	if !c.SDEnabled {
		t.Error("SDEnabled = false, want true")
	}
}

func TestNewAppliesOptionsOverDefault(t *testing.T) {
	c := New(
		WithUnicastAddress("192.168.1.10"),
		WithSDMulticast("239.1.1.1", 30500),
		WithSDEnabled(false),
		WithLocalSocketPath("/tmp/someipd.sock"),
		WithMetricsAddress(":9100"),
		WithLogLevel("debug"),
	)
	if c.UnicastAddress != "192.168.1.10" {
		t.Errorf("UnicastAddress = %q, want 192.168.1.10", c.UnicastAddress)
	}
	if c.SDMulticastAddress != "239.1.1.1" || c.SDPort != 30500 {
		t.Errorf("SD multicast = %s:%d, want 239.1.1.1:30500", c.SDMulticastAddress, c.SDPort)
	}
	if c.SDEnabled {
		t.Error("SDEnabled = true, want false")
	}
	if c.LocalSocketPath != "/tmp/someipd.sock" {
		t.Errorf("LocalSocketPath = %q", c.LocalSocketPath)
	}
	if c.MetricsAddress != ":9100" {
		t.Errorf("MetricsAddress = %q", c.MetricsAddress)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", c.LogLevel)
	}
}

func TestFromEnvOverridesAndLeavesUnsetFieldsAlone(t *testing.T) {
	t.Setenv("SOMEIPD_SD_PORT", "31000")
	t.Setenv("SOMEIPD_SD_ENABLED", "false")
	t.Setenv("SOMEIPD_SD_CYCLIC_OFFER_DELAY", "5s")
	t.Setenv("SOMEIPD_UNICAST_ADDRESS", "10.0.0.5")

	base := Default()
	c, errs := FromEnv(base)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if c.SDPort != 31000 {
		t.Errorf("SDPort = %d, want 31000", c.SDPort)
	}
	if c.SDEnabled {
		t.Error("SDEnabled = true, want false")
	}
	if c.SDCyclicOfferDelay != 5*time.Second {
		t.Errorf("SDCyclicOfferDelay = %v, want 5s", c.SDCyclicOfferDelay)
	}
	if c.UnicastAddress != "10.0.0.5" {
		t.Errorf("UnicastAddress = %q, want 10.0.0.5", c.UnicastAddress)
	}
	// Untouched knob keeps its default.
	if c.SDMulticastAddress != base.SDMulticastAddress {
		t.Errorf("SDMulticastAddress = %q, want unchanged default %q", c.SDMulticastAddress, base.SDMulticastAddress)
	}
}

func TestFromEnvCollectsParseErrorsWithoutAbandoningOtherBindings(t *testing.T) {
	t.Setenv("SOMEIPD_SD_PORT", "not-a-number")
	t.Setenv("SOMEIPD_SD_ENABLED", "false")

	c, errs := FromEnv(Default())
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly one parse error", errs)
	}
	if c.SDPort != Default().SDPort {
		t.Errorf("SDPort = %d, want default preserved on parse failure", c.SDPort)
	}
	if c.SDEnabled {
		t.Error("SDEnabled = true, want false (valid binding still applied)")
	}
}
