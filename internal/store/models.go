// Package store implements Blufio's single-writer embedded SQL store:
// sessions, messages, the crash-safe queue, memories with a full-text
// index, the cost ledger, vault entries, and installed skills.
package store

import "time"

// SessionState is one of the lifecycle states a Session can be in.
type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionPaused      SessionState = "paused"
	SessionClosed      SessionState = "closed"
	SessionInterrupted SessionState = "interrupted"
)

// Session is a conversation with a single user on a single channel.
type Session struct {
	ID        string
	Channel   string
	UserTag   string
	State     SessionState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRole identifies who authored a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Message is an immutable entry in a session's transcript.
type Message struct {
	ID          string
	SessionID   string
	Role        MessageRole
	Content     string
	OutputToken *int
	Metadata    string // opaque JSON, may be empty
	CreatedAt   time.Time
}

// QueueStatus is the lifecycle state of a QueueEntry.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// QueueEntry is a crash-safe work item.
type QueueEntry struct {
	ID          int64
	QueueName   string
	Payload     string
	Status      QueueStatus
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LockedUntil *time.Time
}

// MemorySource identifies how a Memory entry came to exist.
type MemorySource string

const (
	MemoryExplicit  MemorySource = "explicit"
	MemoryExtracted MemorySource = "extracted"
)

// MemoryStatus is the lifecycle state of a Memory entry.
type MemoryStatus string

const (
	MemoryActive     MemoryStatus = "active"
	MemorySuperseded MemoryStatus = "superseded"
	MemoryForgotten  MemoryStatus = "forgotten"
)

// Memory is a long-term fact, explicit or extracted, with a fixed
// dimension embedding stored as opaque bytes.
type Memory struct {
	ID           string
	Content      string
	Embedding    []float32
	Source       MemorySource
	Confidence   float64
	Status       MemoryStatus
	SupersededBy *string
	SessionID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FeatureType labels which subsystem incurred a CostRecord.
type FeatureType string

const (
	FeatureMessage    FeatureType = "message"
	FeatureCompaction FeatureType = "compaction"
	FeatureTool       FeatureType = "tool"
	FeatureHeartbeat  FeatureType = "heartbeat"
	FeatureExtraction FeatureType = "extraction"
)

// TokenUsage is the token breakdown of one provider call.
type TokenUsage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

// CostRecord is one immutable entry in the cost ledger.
type CostRecord struct {
	ID                  string
	SessionID           string
	Model               string
	FeatureType         FeatureType
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	CostUSD             float64
	CreatedAt           time.Time
}

// InstalledSkill is a row in the installed_skills table.
type InstalledSkill struct {
	Name         string
	Version      string
	Description  string
	Author       string
	WasmPath     string
	ManifestJSON string
	Capabilities string
	Verified     bool
	InstalledAt  time.Time
	UpdatedAt    time.Time
}
