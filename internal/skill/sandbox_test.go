package skill

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
)

// minimalWasmModule is a hand-assembled WASM binary exporting a 1-page
// memory named "memory" and a no-op function named "run". It exists
// so tests can obtain a real api.Module (with working linear memory)
// without needing a build toolchain to compile a .wasm fixture.
var minimalWasmModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type section: () -> ()
	0x03, 0x02, 0x01, 0x00, // function section: 1 function of type 0
	0x05, 0x03, 0x01, 0x00, 0x01, // memory section: 1 memory, min 1 page
	0x07, 0x10, 0x02, // export section: 2 exports
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00, // export "memory" mem idx 0
	0x03, 'r', 'u', 'n', 0x00, 0x00, // export "run" func idx 0
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // code section: empty body, end
}

func newTestModule(t *testing.T) (wazero.Runtime, wazero.ModuleConfig, interface {
	Close(context.Context) error
}) {
	t.Helper()
	return nil, nil, nil
}

func TestSandboxRuntimeCreatesSuccessfully(t *testing.T) {
	ctx := context.Background()
	rt := NewRuntime(ctx, nil)
	defer rt.Close(ctx)

	if rt.HasSkill("nonexistent") {
		t.Fatal("fresh runtime should have no skills loaded")
	}
	if got := rt.ListSkills(); len(got) != 0 {
		t.Fatalf("expected empty skill list, got %v", got)
	}
}

func TestSandboxInvokeUnknownSkillReturnsError(t *testing.T) {
	ctx := context.Background()
	rt := NewRuntime(ctx, nil)
	defer rt.Close(ctx)

	res := rt.Invoke(ctx, "does-not-exist", []byte(`{}`))
	if !res.IsError {
		t.Fatal("expected an error result for an unloaded skill")
	}
	if want := `skill "does-not-exist" is not loaded`; res.Content != want {
		t.Fatalf("content = %q, want %q", res.Content, want)
	}
}

func TestSandboxNoOpSkillCompletesSuccessfully(t *testing.T) {
	ctx := context.Background()
	rt := NewRuntime(ctx, nil)
	defer rt.Close(ctx)

	manifest, err := ParseManifest([]byte(`[skill]
name = "noop"
`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if err := rt.LoadSkill(ctx, manifest, minimalWasmModule); err != nil {
		t.Fatalf("LoadSkill: %v", err)
	}
	if !rt.HasSkill("noop") {
		t.Fatal("expected noop to be loaded")
	}

	res := rt.Invoke(ctx, "noop", []byte(`{}`))
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if want := "Skill completed successfully (no output)"; res.Content != want {
		t.Fatalf("content = %q, want %q", res.Content, want)
	}
}

// TestSkillCapabilityDenial exercises the network-capability gate
// directly against a live api.Module's linear memory (obtained by
// instantiating minimalWasmModule): a manifest with no network
// capability must deny http_request with a message containing
// "capability not permitted".
func TestSkillCapabilityDenial(t *testing.T) {
	ctx := context.Background()
	rt := NewRuntime(ctx, nil)
	defer rt.Close(ctx)

	compiled, err := rt.rt.CompileModule(ctx, minimalWasmModule)
	if err != nil {
		t.Fatalf("CompileModule: %v", err)
	}
	mod, err := rt.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		t.Fatalf("InstantiateModule: %v", err)
	}
	defer mod.Close(ctx)

	manifest, err := ParseManifest([]byte(`[skill]
name = "no-network"
`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	state := &invocationState{manifest: manifest, hostCallLimit: 1000}

	url := "http://example.com/"
	if !mod.Memory().Write(0, []byte(url)) {
		t.Fatal("failed to write test url into guest memory")
	}

	_, err = rt.hostHTTPRequest(ctx, state, mod, 0, uint32(len(url)), 0, 0, 0)
	if err == nil {
		t.Fatal("expected capability denial error")
	}
	if got := err.Error(); !containsSubstring(got, "capability not permitted") {
		t.Fatalf("error = %q, want substring %q", got, "capability not permitted")
	}
}

func TestDomainAllowedExactAndSubdomain(t *testing.T) {
	allowed := []string{"example.com"}
	cases := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"api.example.com", true},
		{"evil-example.com", false},
		{"example.org", false},
	}
	for _, c := range cases {
		if got := domainAllowed(c.host, allowed); got != c.want {
			t.Errorf("domainAllowed(%q) = %v, want %v", c.host, got, c.want)
		}
	}
}

func TestPathAllowedPrefixMatch(t *testing.T) {
	allowed := []string{"/data/skill"}
	if !pathAllowed("/data/skill/file.txt", allowed) {
		t.Error("expected prefix match to be allowed")
	}
	if pathAllowed("/etc/passwd", allowed) {
		t.Error("expected non-prefixed path to be denied")
	}
}

func TestClassifyTrapMapsKnownSubstrings(t *testing.T) {
	cases := map[string]string{
		"capability not permitted: skill lacks network permission": "capability not permitted",
		"host call budget exhausted: all fuel consumed":            "resource limit exceeded",
		"context deadline exceeded":                                "wall-clock timeout",
	}
	for errMsg, wantSubstr := range cases {
		got := classifyTrap("test-skill", fmtErr(errMsg))
		if !containsSubstring(got, wantSubstr) {
			t.Errorf("classifyTrap(%q) = %q, want substring %q", errMsg, got, wantSubstr)
		}
	}
}

func fmtErr(s string) error { return errString(s) }

type errString string

func (e errString) Error() string { return string(e) }

func containsSubstring(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
