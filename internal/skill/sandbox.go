package skill

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/blufio/blufio/internal/blufioerr"
)

// hostModuleName is the import namespace every skill's WASM module
// calls into.
const hostModuleName = "blufio"

// Runtime precompiles and invokes WASM skills. wazero exposes no
// wasmtime-style fuel counter, so "fuel" is approximated as a budget
// of host-function calls charged per invocation (each host call is
// real billable work: network, filesystem, or logging); a
// context.WithTimeout drives the wall-clock epoch-deadline equivalent
// for CPU-bound loops that never call a host function.
type Runtime struct {
	logger *slog.Logger

	rt wazero.Runtime

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
	manifest map[string]*Manifest
}

// NewRuntime constructs a Runtime with a shared wazero engine.
func NewRuntime(ctx context.Context, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		logger:   logger.With("component", "skill_sandbox"),
		rt:       wazero.NewRuntime(ctx),
		compiled: make(map[string]wazero.CompiledModule),
		manifest: make(map[string]*Manifest),
	}
}

// Close releases the wazero engine and every cached module.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

// LoadSkill compiles wasmBytes once and caches it under m.Name,
// replacing any previously loaded module of the same name.
func (r *Runtime) LoadSkill(ctx context.Context, m *Manifest, wasmBytes []byte) error {
	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return &blufioerr.SkillError{Skill: m.Name, Kind: blufioerr.SkillErrorManifest, Detail: fmt.Sprintf("compile: %v", err)}
	}

	r.mu.Lock()
	if old, ok := r.compiled[m.Name]; ok {
		_ = old.Close(ctx)
	}
	r.compiled[m.Name] = compiled
	r.manifest[m.Name] = m
	r.mu.Unlock()

	r.logger.Info("skill loaded", "skill", m.Name, "version", m.Version)
	return nil
}

// HasSkill reports whether name has been loaded.
func (r *Runtime) HasSkill(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.compiled[name]
	return ok
}

// ListSkills returns the names of every loaded skill.
func (r *Runtime) ListSkills() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.compiled))
	for name := range r.compiled {
		names = append(names, name)
	}
	return names
}

// Unload removes a skill from the cache.
func (r *Runtime) Unload(ctx context.Context, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.compiled[name]; ok {
		_ = m.Close(ctx)
		delete(r.compiled, name)
		delete(r.manifest, name)
	}
}

// invocationState is the per-call scratch area the host functions
// read and write.
type invocationState struct {
	manifest  *Manifest
	input     []byte
	output    []string
	result    string
	hasResult bool

	hostCalls     uint64
	hostCallLimit uint64
}

// Result is the outcome of one skill invocation. A failed invocation
// (capability denial, resource exhaustion, trap) is reported here as
// IsError, never as a Go error, matching internal/tools.Result's
// propagation policy.
type Result struct {
	Content string
	IsError bool
}

// Invoke runs one fresh instance of the named skill against inputJSON,
// returning its result. Every failure mode — capability denial,
// exhausted fuel budget, wall-clock timeout, or an ordinary WASM trap
// — is classified into a distinct user-facing message and reported as
// Result.IsError rather than a Go error.
func (r *Runtime) Invoke(ctx context.Context, name string, inputJSON []byte) Result {
	r.mu.Lock()
	compiled, ok := r.compiled[name]
	m := r.manifest[name]
	r.mu.Unlock()
	if !ok {
		return Result{Content: fmt.Sprintf("skill %q is not loaded", name), IsError: true}
	}

	state := &invocationState{
		manifest: m,
		input:    inputJSON,
		// Fuel has no 1:1 correspondence to host calls; we treat it as
		// an upper bound on the number of host calls a single invocation
		// may make, which is the only "work" wazero lets us meter directly.
		hostCallLimit: m.Resources.Fuel/1_000_000 + 1,
	}

	hostModule, err := r.buildHostModule(state)
	if err != nil {
		return Result{Content: fmt.Sprintf("skill %q: failed to build host module: %v", name, err), IsError: true}
	}
	defer hostModule.Close(ctx)

	deadline := time.Duration(m.Resources.EpochTimeoutSecs) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cfg := wazero.NewModuleConfig().WithStdout(io.Discard).WithStderr(io.Discard)
	mod, err := r.rt.InstantiateModule(runCtx, compiled, cfg)
	if err != nil {
		return Result{Content: classifyTrap(name, err), IsError: true}
	}
	defer mod.Close(ctx)

	run := mod.ExportedFunction("run")
	if run == nil {
		return Result{Content: fmt.Sprintf("skill %q: no exported \"run\" function", name), IsError: true}
	}

	if _, err := run.Call(runCtx); err != nil {
		return Result{Content: classifyTrap(name, err), IsError: true}
	}

	if state.hasResult {
		return Result{Content: state.result, IsError: false}
	}
	if len(state.output) > 0 {
		return Result{Content: strings.Join(state.output, "\n"), IsError: false}
	}
	return Result{Content: "Skill completed successfully (no output)", IsError: false}
}

// classifyTrap maps a wazero execution error to a distinct
// user-facing message per failure class, by substring on the error
// text.
func classifyTrap(skill string, err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "capability not permitted"):
		return msg
	case strings.Contains(msg, "host call budget exhausted"):
		return fmt.Sprintf("skill %q: resource limit exceeded: %s", skill, msg)
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "interrupt"):
		return fmt.Sprintf("skill %q: wall-clock timeout exceeded", skill)
	default:
		return fmt.Sprintf("skill %q: execution error: %s", skill, msg)
	}
}

// chargeHostCall increments the invocation's host-call budget and
// traps once the fuel-derived limit is exceeded.
func chargeHostCall(state *invocationState) error {
	state.hostCalls++
	if state.hostCalls > state.hostCallLimit {
		return fmt.Errorf("host call budget exhausted: all fuel consumed")
	}
	return nil
}

// buildHostModule instantiates the "blufio" host module's 8 functions
// against state, each wrapped with its capability gate.
func (r *Runtime) buildHostModule(state *invocationState) (api.Module, error) {
	builder := r.rt.NewHostModuleBuilder(hostModuleName)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length uint32) {
			if err := chargeHostCall(state); err != nil {
				panic(err)
			}
			msg, ok := readString(mod, ptr, length)
			if !ok {
				return
			}
			levelStr := logLevelLabel(level)
			r.logger.Log(ctx, slogLevel(level), msg, "skill", state.manifest.Name)
			state.output = append(state.output, fmt.Sprintf("[%s] %s", levelStr, msg))
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(context.Context, api.Module) uint32 {
			return uint32(len(state.input))
		}).
		Export("get_input_len")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr uint32) {
			_ = writeBytes(mod, ptr, state.input)
		}).
		Export("get_input")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, length uint32) {
			if s, ok := readString(mod, ptr, length); ok {
				state.result = s
				state.hasResult = true
			}
		}).
		Export("set_output")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, urlPtr, urlLen uint32, method, bodyPtr, bodyLen uint32) uint32 {
			if err := chargeHostCall(state); err != nil {
				panic(err)
			}
			status, err := r.hostHTTPRequest(ctx, state, mod, urlPtr, urlLen, method, bodyPtr, bodyLen)
			if err != nil {
				panic(err)
			}
			return status
		}).
		Export("http_request")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, pathPtr, pathLen, bufPtr, bufLen uint32) uint32 {
			if err := chargeHostCall(state); err != nil {
				panic(err)
			}
			n, err := r.hostReadFile(state, mod, pathPtr, pathLen, bufPtr, bufLen)
			if err != nil {
				panic(err)
			}
			return n
		}).
		Export("read_file")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, pathPtr, pathLen, dataPtr, dataLen uint32) uint32 {
			if err := chargeHostCall(state); err != nil {
				panic(err)
			}
			if err := r.hostWriteFile(state, mod, pathPtr, pathLen, dataPtr, dataLen); err != nil {
				panic(err)
			}
			return 0
		}).
		Export("write_file")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) int32 {
			return r.hostGetEnv(state, mod, keyPtr, keyLen, valPtr, valLen)
		}).
		Export("get_env")

	return builder.Instantiate(context.Background())
}

func logLevelLabel(level uint32) string {
	switch level {
	case 0:
		return "TRACE"
	case 1:
		return "DEBUG"
	case 2:
		return "INFO"
	case 3:
		return "WARN"
	default:
		return "ERROR"
	}
}

func slogLevel(level uint32) slog.Level {
	switch level {
	case 0, 1:
		return slog.LevelDebug
	case 2:
		return slog.LevelInfo
	case 3:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func readString(mod api.Module, ptr, length uint32) (string, bool) {
	b, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

func writeBytes(mod api.Module, ptr uint32, data []byte) bool {
	return mod.Memory().Write(ptr, data)
}

// hostHTTPRequest implements the network-capability-gated host call:
// denies without a declared network capability, denies a host not on
// the allowed-domain list, denies private/loopback hosts (SSRF
// guard), then performs a real HTTP GET and stores the response body
// as the invocation result.
func (r *Runtime) hostHTTPRequest(ctx context.Context, state *invocationState, mod api.Module, urlPtr, urlLen, _method, _bodyPtr, _bodyLen uint32) (uint32, error) {
	if !state.manifest.Capabilities.HasNetwork {
		return 0, fmt.Errorf("capability not permitted: skill lacks network permission")
	}
	rawURL, ok := readString(mod, urlPtr, urlLen)
	if !ok {
		return 0, fmt.Errorf("skill: failed to read url from memory")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("skill: invalid url %q: %w", rawURL, err)
	}

	host := parsed.Hostname()
	if !domainAllowed(host, state.manifest.Capabilities.NetworkDomains) {
		return 0, fmt.Errorf("capability not permitted: domain %q not in allowed list %v", host, state.manifest.Capabilities.NetworkDomains)
	}
	if err := validateURLHost(ctx, parsed); err != nil {
		return 0, fmt.Errorf("SSRF blocked: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("skill: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("skill: http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("skill: read response body: %w", err)
	}
	state.result = string(body)
	state.hasResult = true

	return uint32(resp.StatusCode), nil
}

// domainAllowed reports whether host equals or is a subdomain of one
// of allowed.
func domainAllowed(host string, allowed []string) bool {
	for _, d := range allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (r *Runtime) hostReadFile(state *invocationState, mod api.Module, pathPtr, pathLen, bufPtr, bufLen uint32) (uint32, error) {
	if len(state.manifest.Capabilities.FSReadPaths) == 0 {
		return 0, fmt.Errorf("capability not permitted: skill lacks filesystem read permission")
	}
	path, ok := readString(mod, pathPtr, pathLen)
	if !ok {
		return 0, fmt.Errorf("skill: failed to read path from memory")
	}
	if !pathAllowed(path, state.manifest.Capabilities.FSReadPaths) {
		return 0, fmt.Errorf("capability not permitted: path %q not within allowed read paths %v", path, state.manifest.Capabilities.FSReadPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("skill: read file: %w", err)
	}
	if uint32(len(data)) > bufLen {
		data = data[:bufLen]
	}
	if !writeBytes(mod, bufPtr, data) {
		return 0, fmt.Errorf("skill: failed to write file contents to memory")
	}
	state.result = string(data)
	state.hasResult = true
	return uint32(len(data)), nil
}

func (r *Runtime) hostWriteFile(state *invocationState, mod api.Module, pathPtr, pathLen, dataPtr, dataLen uint32) error {
	if len(state.manifest.Capabilities.FSWritePaths) == 0 {
		return fmt.Errorf("capability not permitted: skill lacks filesystem write permission")
	}
	path, ok := readString(mod, pathPtr, pathLen)
	if !ok {
		return fmt.Errorf("skill: failed to read path from memory")
	}
	if !pathAllowed(path, state.manifest.Capabilities.FSWritePaths) {
		return fmt.Errorf("capability not permitted: path %q not within allowed write paths %v", path, state.manifest.Capabilities.FSWritePaths)
	}
	data, ok := mod.Memory().Read(dataPtr, dataLen)
	if !ok {
		return fmt.Errorf("skill: failed to read data from memory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("skill: write file: %w", err)
	}
	return nil
}

func pathAllowed(path string, allowed []string) bool {
	for _, a := range allowed {
		if strings.HasPrefix(path, a) {
			return true
		}
	}
	return false
}

// hostGetEnv is the one host function that returns a sentinel instead
// of trapping on denial: -1 unless the key is in the declared env
// list, -2 if the value does not fit the guest-provided buffer.
func (r *Runtime) hostGetEnv(state *invocationState, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) int32 {
	key, ok := readString(mod, keyPtr, keyLen)
	if !ok {
		return -1
	}
	allowed := false
	for _, k := range state.manifest.Capabilities.EnvAllowlist {
		if k == key {
			allowed = true
			break
		}
	}
	if !allowed {
		r.logger.Warn("skill env access denied", "skill", state.manifest.Name, "key", key)
		return -1
	}
	value, found := os.LookupEnv(key)
	if !found {
		return -1
	}
	if uint32(len(value)) > valLen {
		return -2
	}
	if !writeBytes(mod, valPtr, []byte(value)) {
		return -1
	}
	return int32(len(value))
}
