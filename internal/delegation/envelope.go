// Package delegation implements the Delegation Router. Each
// delegation call builds an Ed25519-signed request, spawns an
// ephemeral specialist Session Actor with an empty tool registry
// (single-level depth: specialists never re-delegate), and signs the
// response before returning it.
package delegation

import (
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/blufio/blufio/internal/blufioerr"
)

// MessageType distinguishes a delegation request from its response.
type MessageType string

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
)

// AgentMessage is the signable inter-agent message record. Field
// order is fixed so
// encoding/json's struct-field marshaling order is the canonical
// serialization — there is no map in this type, so Go's deterministic
// field-declaration-order marshaling already gives us canonical
// bytes without a custom encoder.
type AgentMessage struct {
	ID          string      `json:"id"`
	Sender      string      `json:"sender"`
	Recipient   string      `json:"recipient"`
	MessageType MessageType `json:"message_type"`
	Task        string      `json:"task"`
	Content     string      `json:"content"`
	Timestamp   string      `json:"timestamp"`
}

// NewRequest builds a request-typed AgentMessage.
func NewRequest(sender, recipient, task, context string) AgentMessage {
	return AgentMessage{
		ID:          uuid.New().String(),
		Sender:      sender,
		Recipient:   recipient,
		MessageType: MessageRequest,
		Task:        task,
		Content:     context,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// NewResponse builds a response-typed AgentMessage linked back to the
// original request's sender and task.
func NewResponse(request AgentMessage, sender, content string) AgentMessage {
	return AgentMessage{
		ID:          uuid.New().String(),
		Sender:      sender,
		Recipient:   request.Sender,
		MessageType: MessageResponse,
		Task:        request.Task,
		Content:     content,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// CanonicalBytes returns the exact bytes that get signed.
func (m AgentMessage) CanonicalBytes() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, &blufioerr.SecurityError{Reason: "canonicalize agent message: " + err.Error()}
	}
	return b, nil
}

// SignedMessage wraps an AgentMessage with an Ed25519 signature over
// its canonical bytes, keeping the exact signed bytes alongside so
// verification never needs to re-derive them from a possibly-mutated
// message; any field change invalidates the signature.
type SignedMessage struct {
	Message     AgentMessage
	Signature   []byte
	SignedBytes []byte
}

// Sign produces a SignedMessage using priv.
func Sign(msg AgentMessage, priv ed25519.PrivateKey) (*SignedMessage, error) {
	signedBytes, err := msg.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	return &SignedMessage{
		Message:     msg,
		Signature:   ed25519.Sign(priv, signedBytes),
		SignedBytes: signedBytes,
	}, nil
}

// Verify checks that SignedBytes matches the message's current
// canonical serialization and that Signature was produced by pub over
// those bytes, using strict Ed25519 verification.
func (sm *SignedMessage) Verify(pub ed25519.PublicKey) error {
	current, err := sm.Message.CanonicalBytes()
	if err != nil {
		return err
	}
	if string(current) != string(sm.SignedBytes) {
		return &blufioerr.SecurityError{Reason: "signed bytes do not match the message's current canonical form"}
	}
	if !ed25519.Verify(pub, sm.SignedBytes, sm.Signature) {
		return &blufioerr.SecurityError{Reason: "Ed25519 signature verification failed"}
	}
	return nil
}
