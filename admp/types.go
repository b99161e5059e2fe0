// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package admp

import "time"

// ProtocolVersion is the ADMP envelope version this client speaks.
const ProtocolVersion = "1.0"

// DefaultMessageTTL is the envelope time-to-live applied by
// PushMessage when the caller does not override it.
const DefaultMessageTTL = 7 * 24 * time.Hour

// DefaultVisibilityTimeout is how long a pulled message stays hidden
// from other pulls before the hub makes it redeliverable.
const DefaultVisibilityTimeout = 60 * time.Second

// Message is the ADMP message envelope.
type Message struct {
	// ID is the globally unique message identifier.
	ID string `json:"id"`
	// Version is the envelope protocol version (ProtocolVersion).
	Version string `json:"version"`
	// Type distinguishes message kinds ("direct", "group", "system").
	Type string `json:"type"`
	// From is the sender's agent name.
	From string `json:"from"`
	// To is the recipient agent name (direct) or group id (group).
	To string `json:"to"`
	// Subject routes the message to a handler on the receiving side.
	Subject string `json:"subject"`
	// Body is the message payload.
	Body map[string]any `json:"body,omitempty"`
	// Timestamp is when the envelope was created.
	Timestamp time.Time `json:"timestamp"`
	// TTLSeconds is how long the hub keeps the message before
	// discarding it undelivered.
	TTLSeconds int64 `json:"ttl"`
}

// Message type values.
const (
	MessageTypeDirect = "direct"
	MessageTypeGroup  = "group"
	MessageTypeSystem = "system"
)

// RegisterRequest is the hub registration payload.
type RegisterRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RegisterResponse is returned by the hub on registration. The secret
// key authenticates every subsequent call.
type RegisterResponse struct {
	AgentID   string `json:"agent_id"`
	SecretKey string `json:"secret_key"`
}

// Group access policies. Enforcement is entirely server-side; the
// client only supplies a key when joining a key-protected group.
const (
	GroupAccessOpen         = "open"
	GroupAccessInviteOnly   = "invite-only"
	GroupAccessKeyProtected = "key-protected"
)

// GroupSettings are per-group hub policies.
type GroupSettings struct {
	// HistoryVisible controls whether new members can read messages
	// posted before they joined.
	HistoryVisible bool `json:"history_visible"`
	// MaxMembers caps group membership; 0 means unlimited.
	MaxMembers int `json:"max_members,omitempty"`
	// MessageTTLSeconds overrides the hub's retention for group
	// messages; 0 uses the hub default.
	MessageTTLSeconds int64 `json:"message_ttl,omitempty"`
}

// Group describes a hub messaging group.
type Group struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	CreatedBy string        `json:"created_by"`
	Access    string        `json:"access"`
	Settings  GroupSettings `json:"settings"`
	Members   []string      `json:"members,omitempty"`
}

// CreateGroupRequest holds parameters for creating a group.
type CreateGroupRequest struct {
	Name string `json:"name"`
	// Access is one of the GroupAccess constants; empty means open.
	Access string `json:"access,omitempty"`
	// Key protects a key-protected group; ignored otherwise.
	Key      string        `json:"key,omitempty"`
	Settings GroupSettings `json:"settings"`
}

// GroupPostResult reports group message fan-out. Partial delivery
// (Failed > 0) is degradation, not an error: the post call itself
// succeeds whenever the hub accepted the message.
type GroupPostResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// HistoryOptions controls group history pagination.
type HistoryOptions struct {
	// Limit caps returned messages; 0 uses the hub default.
	Limit int
	// Before is a message id cursor: return messages older than it.
	Before string
}

// HistoryPage is one page of group history.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// InboxStats is the hub's view of an agent inbox.
type InboxStats struct {
	Pending        int `json:"pending"`
	InFlight       int `json:"in_flight"`
	DeadLetter     int `json:"dead_letter"`
	TotalReceived  int `json:"total_received"`
	TotalProcessed int `json:"total_processed"`
}
