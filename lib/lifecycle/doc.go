// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle provides singleton enforcement and graceful
// shutdown for agent daemons.
//
// [Acquire] takes a per-name PID lock: at most one live process holds
// the lock for a given agent name on a host. A lock whose recorded pid
// is no longer alive is stale (left behind by a crash) and is
// reclaimed by the next Acquire. There is no external watchdog; the
// liveness probe at acquisition time is the only recovery mechanism.
//
// [NotifySignals] installs SIGTERM/SIGINT handling that runs a single
// idempotent shutdown routine, with a force-exit timer guaranteeing
// the process terminates even when a shutdown step hangs. SIGUSR1 is
// routed to an optional restart callback and never triggers shutdown.
// The returned [Handle] is removable so tests can install and tear
// down handlers without leaking process-wide signal state.
package lifecycle
