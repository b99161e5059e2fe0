// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

// Package admp implements the client side of the Agent Direct
// Messaging Protocol: registration, group messaging, and
// point-to-point inbox delivery against a remote hub.
//
// [Client] is created unregistered; [Client.Connect] registers the
// agent with the hub (obtaining an agent id and secret key) and joins
// the configured groups, tolerating per-group join failures. All
// subsequent calls authenticate with the secret key.
//
// Inbox delivery is at-least-once: a message pulled with
// [Client.PullInbox] stays invisible to other pulls until it is
// acknowledged, negatively acknowledged, or its visibility timeout
// elapses on the hub, after which the hub redelivers it. The timeout
// mechanism is owned entirely by the hub; this client only carries
// the pull/ack/nack contract and must never assume exactly-once
// delivery.
//
// The client performs no retries. Hub failures surface as
// [*HubError] carrying the HTTP status and response body; retry and
// backoff policy belong to the caller (in the agent runtime, the
// message service's poll loop).
package admp
