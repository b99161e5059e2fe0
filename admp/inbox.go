// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package admp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// PullInbox pulls at most one message from this agent's inbox. A nil
// message with a nil error means the inbox is empty (the hub answers
// 204), not a failure.
//
// The pulled message is invisible to other pulls until it is acked,
// nacked, or visibilityTimeout elapses on the hub, at which point the
// hub redelivers it. Delivery is therefore at-least-once; handlers
// must tolerate duplicates. A non-positive visibilityTimeout uses
// DefaultVisibilityTimeout.
func (c *Client) PullInbox(ctx context.Context, visibilityTimeout time.Duration) (*Message, error) {
	agentID, err := c.requireRegistration()
	if err != nil {
		return nil, err
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/api/agents/"+agentID+"/inbox/pull",
		map[string]int64{"visibility_timeout": int64(visibilityTimeout.Seconds())}, nil)
	if err != nil {
		return nil, fmt.Errorf("admp: pulling inbox: %w", err)
	}
	if len(body) == 0 {
		return nil, nil
	}

	var message Message
	if err := json.Unmarshal(body, &message); err != nil {
		return nil, fmt.Errorf("admp: failed to parse pulled message: %w", err)
	}
	if message.ID == "" {
		return nil, nil
	}
	return &message, nil
}

// PushMessage builds a direct-message envelope (generated id, current
// protocol version, default TTL) and posts it to the recipient
// agent's inbox. Returns the envelope as sent.
func (c *Client) PushMessage(ctx context.Context, to, subject string, body map[string]any) (*Message, error) {
	if to == "" {
		return nil, fmt.Errorf("admp: message recipient is required")
	}
	if subject == "" {
		return nil, fmt.Errorf("admp: message subject is required")
	}
	if _, err := c.requireRegistration(); err != nil {
		return nil, err
	}

	envelope := c.newEnvelope(MessageTypeDirect, to, subject, body)
	_, err := c.doRequest(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(to)+"/messages", envelope, nil)
	if err != nil {
		return nil, fmt.Errorf("admp: pushing message to %q: %w", to, err)
	}
	return &envelope, nil
}

// Ack acknowledges a pulled message, finalizing its delivery.
func (c *Client) Ack(ctx context.Context, messageID string) error {
	agentID, err := c.requireRegistration()
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost,
		"/api/agents/"+agentID+"/messages/"+url.PathEscape(messageID)+"/ack", nil, nil)
	if err != nil {
		return fmt.Errorf("admp: acking message %s: %w", messageID, err)
	}
	return nil
}

// Nack negatively acknowledges a pulled message, returning it to the
// inbox for redelivery.
func (c *Client) Nack(ctx context.Context, messageID string) error {
	agentID, err := c.requireRegistration()
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost,
		"/api/agents/"+agentID+"/messages/"+url.PathEscape(messageID)+"/nack", nil, nil)
	if err != nil {
		return fmt.Errorf("admp: nacking message %s: %w", messageID, err)
	}
	return nil
}

// InboxStats fetches the hub's counters for this agent's inbox.
func (c *Client) InboxStats(ctx context.Context) (*InboxStats, error) {
	agentID, err := c.requireRegistration()
	if err != nil {
		return nil, err
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/api/agents/"+agentID+"/inbox/stats", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("admp: fetching inbox stats: %w", err)
	}

	var stats InboxStats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("admp: failed to parse inbox stats: %w", err)
	}
	return &stats, nil
}

// newEnvelope assembles an outgoing message envelope.
func (c *Client) newEnvelope(messageType, to, subject string, body map[string]any) Message {
	return Message{
		ID:         uuid.NewString(),
		Version:    ProtocolVersion,
		Type:       messageType,
		From:       c.agentName,
		To:         to,
		Subject:    subject,
		Body:       body,
		Timestamp:  time.Now().UTC(),
		TTLSeconds: int64(DefaultMessageTTL.Seconds()),
	}
}
