// Package skill implements the capability-gated WebAssembly Skill
// Sandbox. Each skill is a statically precompiled WASM module invoked
// through a fixed set of host functions (log, input/output, network,
// filesystem, env), with every capability enforced at the call site
// rather than trusted from the manifest alone.
package skill

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/blufio/blufio/internal/blufioerr"
)

const (
	defaultFuel            = 1_000_000_000
	defaultMemoryMB        = 16
	defaultEpochTimeoutSec = 5
	defaultWasmEntry       = "skill.wasm"
)

var validNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// manifestFile is the raw TOML document shape:
// [skill]/[capabilities]/[resources]/[wasm] sections.
type manifestFile struct {
	Skill        skillSection        `toml:"skill"`
	Capabilities capabilitiesSection `toml:"capabilities"`
	Resources    resourcesSection    `toml:"resources"`
	Wasm         wasmSection         `toml:"wasm"`
}

type skillSection struct {
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Description string `toml:"description"`
	Author      string `toml:"author"`
}

type capabilitiesSection struct {
	Network    *networkSection    `toml:"network"`
	Filesystem *filesystemSection `toml:"filesystem"`
	Env        []string           `toml:"env"`
}

type networkSection struct {
	AllowedDomains []string `toml:"allowed_domains"`
}

type filesystemSection struct {
	Read  []string `toml:"read"`
	Write []string `toml:"write"`
}

type resourcesSection struct {
	Fuel             *uint64 `toml:"fuel"`
	MemoryMB         *uint32 `toml:"memory_mb"`
	EpochTimeoutSecs *uint64 `toml:"epoch_timeout_secs"`
}

type wasmSection struct {
	Entry string `toml:"entry"`
}

// Capabilities is the resolved, always-non-nil capability set a
// Manifest declares.
type Capabilities struct {
	NetworkDomains []string // nil means network capability is not declared at all
	HasNetwork     bool
	FSReadPaths    []string
	FSWritePaths   []string
	EnvAllowlist   []string
}

// Resources is the resolved resource-limit triple for one invocation.
type Resources struct {
	Fuel             uint64
	MemoryMB         uint32
	EpochTimeoutSecs uint64
}

// Manifest is a fully-resolved, defaulted skill manifest.
type Manifest struct {
	Name         string
	Version      string
	Description  string
	Author       string
	Capabilities Capabilities
	Resources    Resources
	WasmEntry    string
}

// ParseManifest decodes and validates a TOML manifest document. It
// rejects an empty name or one containing anything other than letters,
// digits, hyphen and underscore, and fills in the default resource
// limits and wasm entry for fields the document leaves out.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw manifestFile
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, &blufioerr.SkillError{Skill: raw.Skill.Name, Kind: blufioerr.SkillErrorManifest, Detail: fmt.Sprintf("parse: %v", err)}
	}

	name := strings.TrimSpace(raw.Skill.Name)
	if name == "" {
		return nil, &blufioerr.SkillError{Skill: "<unknown>", Kind: blufioerr.SkillErrorManifest, Detail: "skill name must not be empty"}
	}
	if !validNamePattern.MatchString(name) {
		return nil, &blufioerr.SkillError{Skill: name, Kind: blufioerr.SkillErrorManifest, Detail: fmt.Sprintf("skill name %q contains invalid characters; only alphanumeric, hyphen, and underscore are allowed", name)}
	}

	m := &Manifest{
		Name:        name,
		Version:     raw.Skill.Version,
		Description: raw.Skill.Description,
		Author:      raw.Skill.Author,
		WasmEntry:   defaultWasmEntry,
		Resources: Resources{
			Fuel:             defaultFuel,
			MemoryMB:         defaultMemoryMB,
			EpochTimeoutSecs: defaultEpochTimeoutSec,
		},
	}

	if raw.Wasm.Entry != "" {
		m.WasmEntry = raw.Wasm.Entry
	}
	if raw.Resources.Fuel != nil {
		m.Resources.Fuel = *raw.Resources.Fuel
	}
	if raw.Resources.MemoryMB != nil {
		m.Resources.MemoryMB = *raw.Resources.MemoryMB
	}
	if raw.Resources.EpochTimeoutSecs != nil {
		m.Resources.EpochTimeoutSecs = *raw.Resources.EpochTimeoutSecs
	}

	if raw.Capabilities.Network != nil {
		m.Capabilities.HasNetwork = true
		m.Capabilities.NetworkDomains = raw.Capabilities.Network.AllowedDomains
	}
	if raw.Capabilities.Filesystem != nil {
		m.Capabilities.FSReadPaths = raw.Capabilities.Filesystem.Read
		m.Capabilities.FSWritePaths = raw.Capabilities.Filesystem.Write
	}
	m.Capabilities.EnvAllowlist = raw.Capabilities.Env

	return m, nil
}

// LoadManifest reads and parses a manifest file from disk.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &blufioerr.SkillError{Skill: path, Kind: blufioerr.SkillErrorManifest, Detail: fmt.Sprintf("read: %v", err)}
	}
	return ParseManifest(data)
}
