// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

// Package service defines the pluggable service contract for agent
// runtimes and the two reference implementations: a periodic
// heartbeat with bounded retry, and an inbox message pump (polling or
// webhook ingestion).
//
// Services are owned exclusively by the orchestrator for their
// lifetime: it starts them in declared order, stops them in reverse
// order, and aggregates their stats into the agent status.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentfleet/agentd/admp"
	"github.com/agentfleet/agentd/lib/control"
)

// Service is one independently start/stop-able unit of recurring or
// reactive behavior composed into an agent.
type Service interface {
	// Name identifies the service in logs and status output.
	Name() string

	// Running reports whether the service started successfully and
	// has not been stopped.
	Running() bool

	// Start begins the service's work. The Runtime carries the
	// shared pieces a service may need: the control server for route
	// registration, the transport for inbox access.
	Start(ctx context.Context, runtime Runtime) error

	// Stop halts the service's work. Idempotent.
	Stop(ctx context.Context) error

	// Stats returns a snapshot of the service's counters for status
	// reporting. The returned value is JSON-serializable.
	Stats() any
}

// Runtime is the environment the orchestrator hands to each service
// at start.
type Runtime struct {
	// AgentName is the owning agent's name.
	AgentName string

	// Server is the agent's control server. Services register their
	// routes on it before it starts.
	Server *control.Server

	// Transport is the hub transport, nil when the agent runs
	// without a hub connection.
	Transport Transport

	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
}

// logger returns the runtime logger, never nil.
func (r Runtime) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Transport is the slice of the hub client the message service
// consumes. Satisfied by *admp.Client; tests substitute stubs.
type Transport interface {
	// PullInbox returns the next inbox message, or nil when the
	// inbox is empty.
	PullInbox(ctx context.Context, visibilityTimeout time.Duration) (*admp.Message, error)

	// Ack finalizes delivery of a pulled message.
	Ack(ctx context.Context, messageID string) error

	// Nack returns a pulled message to the inbox for redelivery.
	Nack(ctx context.Context, messageID string) error
}
