package skill

import "testing"

func TestParseManifestValidFull(t *testing.T) {
	data := []byte(`
[skill]
name = "weather"
version = "1.2.0"
description = "Fetches weather data"
author = "blufio"

[capabilities]
env = ["API_KEY"]

[capabilities.network]
allowed_domains = ["api.weather.com"]

[capabilities.filesystem]
read = ["/data/weather"]
write = ["/data/weather/cache"]

[resources]
fuel = 500000000
memory_mb = 32
epoch_timeout_secs = 10

[wasm]
entry = "main.wasm"
`)
	m, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Name != "weather" || m.Version != "1.2.0" {
		t.Fatalf("unexpected identity: %+v", m)
	}
	if !m.Capabilities.HasNetwork || m.Capabilities.NetworkDomains[0] != "api.weather.com" {
		t.Fatalf("unexpected network capability: %+v", m.Capabilities)
	}
	if len(m.Capabilities.FSReadPaths) != 1 || len(m.Capabilities.FSWritePaths) != 1 {
		t.Fatalf("unexpected filesystem capability: %+v", m.Capabilities)
	}
	if m.Resources.Fuel != 500000000 || m.Resources.MemoryMB != 32 || m.Resources.EpochTimeoutSecs != 10 {
		t.Fatalf("unexpected resources: %+v", m.Resources)
	}
	if m.WasmEntry != "main.wasm" {
		t.Fatalf("unexpected wasm entry: %s", m.WasmEntry)
	}
}

func TestParseManifestMinimalAppliesDefaults(t *testing.T) {
	data := []byte(`
[skill]
name = "minimal"
`)
	m, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Resources.Fuel != defaultFuel {
		t.Errorf("fuel default = %d, want %d", m.Resources.Fuel, uint64(defaultFuel))
	}
	if m.Resources.MemoryMB != defaultMemoryMB {
		t.Errorf("memory default = %d, want %d", m.Resources.MemoryMB, uint32(defaultMemoryMB))
	}
	if m.Resources.EpochTimeoutSecs != defaultEpochTimeoutSec {
		t.Errorf("epoch timeout default = %d, want %d", m.Resources.EpochTimeoutSecs, uint64(defaultEpochTimeoutSec))
	}
	if m.WasmEntry != defaultWasmEntry {
		t.Errorf("wasm entry default = %s, want %s", m.WasmEntry, defaultWasmEntry)
	}
	if m.Capabilities.HasNetwork {
		t.Errorf("minimal manifest should not declare network capability")
	}
}

func TestParseManifestMissingNameFails(t *testing.T) {
	_, err := ParseManifest([]byte(`[skill]
version = "1.0.0"
`))
	if err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestParseManifestEmptyNameFails(t *testing.T) {
	_, err := ParseManifest([]byte(`[skill]
name = ""
`))
	if err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestParseManifestInvalidNameCharsFails(t *testing.T) {
	_, err := ParseManifest([]byte(`[skill]
name = "bad name!"
`))
	if err == nil {
		t.Fatal("expected error for invalid characters in name")
	}
}

func TestParseManifestEmptyCapabilitiesValid(t *testing.T) {
	m, err := ParseManifest([]byte(`[skill]
name = "no-caps"
`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Capabilities.HasNetwork || len(m.Capabilities.FSReadPaths) != 0 || len(m.Capabilities.FSWritePaths) != 0 {
		t.Fatalf("expected no capabilities, got %+v", m.Capabilities)
	}
}

func TestParseManifestNameAllowsHyphenAndUnderscore(t *testing.T) {
	_, err := ParseManifest([]byte(`[skill]
name = "my-skill_v2"
`))
	if err != nil {
		t.Fatalf("expected hyphen/underscore name to be valid: %v", err)
	}
}
