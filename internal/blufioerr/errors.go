// Package blufioerr defines the sum-typed error boundaries described in
// the error handling design: one error type per external boundary, each
// carrying structured fields so presentation-time rendering never has to
// parse a message string back apart.
package blufioerr

import "fmt"

// ConfigError reports an invalid or missing configuration field at startup.
type ConfigError struct {
	Key        string
	Reason     string
	DidYouMean string
	ValidKeys  []string
}

func (e *ConfigError) Error() string {
	if e.DidYouMean != "" {
		return fmt.Sprintf("config: %s: %s (did you mean %q?)", e.Key, e.Reason, e.DidYouMean)
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// StorageError wraps a database open/query failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// ProviderError reports an HTTP failure, non-retryable API error, or
// stream parse failure from the LLM provider.
type ProviderError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider: status=%d retryable=%v: %v", e.StatusCode, e.Retryable, e.Err)
}
func (e *ProviderError) Unwrap() error { return e.Err }

// ChannelError reports a delivery or receive failure on a channel adapter.
type ChannelError struct {
	Channel string
	Op      string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %s: %v", e.Channel, e.Op, e.Err)
}
func (e *ChannelError) Unwrap() error { return e.Err }

// SkillErrorKind enumerates the ways a skill invocation can fail.
type SkillErrorKind int

const (
	SkillErrorManifest SkillErrorKind = iota
	SkillErrorCapabilityDenied
	SkillErrorResourceExhausted
	SkillErrorTrap
)

// SkillError reports a manifest parse failure, capability denial,
// resource exhaustion, or sandbox trap.
type SkillError struct {
	Skill  string
	Kind   SkillErrorKind
	Detail string
}

func (e *SkillError) Error() string {
	return fmt.Sprintf("skill %s: %s", e.Skill, e.Detail)
}

// SecurityError reports a signature verification failure or SSRF block.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string { return fmt.Sprintf("security: %s", e.Reason) }

// BudgetExhaustedError carries a pre-formatted user-facing message.
type BudgetExhaustedError struct {
	Message string
}

func (e *BudgetExhaustedError) Error() string { return e.Message }

// UserMessage returns the text safe to show the end user directly.
func (e *BudgetExhaustedError) UserMessage() string { return e.Message }

// VaultError reports a bad passphrase or corrupted vault metadata.
type VaultError struct {
	Reason string
}

func (e *VaultError) Error() string { return fmt.Sprintf("vault: %s", e.Reason) }

// InternalError reports an invariant violation that should never happen
// in correct operation.
type InternalError struct {
	Invariant string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal: invariant violated: %s", e.Invariant)
}
