// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentfleet/agentd/admp"
	"github.com/agentfleet/agentd/lib/clock"
	"github.com/agentfleet/agentd/lib/lifecycle"
	"github.com/agentfleet/agentd/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func waitUntil(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// stubService records start/stop calls into a shared event log.
type stubService struct {
	name     string
	startErr error
	stopErr  error

	mu      sync.Mutex
	running bool
	events  *[]string
}

func (s *stubService) Name() string { return s.name }

func (s *stubService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *stubService) Start(ctx context.Context, runtime service.Runtime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.events = append(*s.events, "start "+s.name)
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}

func (s *stubService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.events = append(*s.events, "stop "+s.name)
	if s.stopErr != nil {
		return s.stopErr
	}
	s.running = false
	return nil
}

func (s *stubService) Stats() any { return nil }

func testConfig(name string, services ...service.Service) Config {
	return Config{
		Name:                  name,
		Port:                  0,
		Services:              services,
		SkipLock:              true,
		DisableSignalHandling: true,
		Logger:                discardLogger(),
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		label  string
		config Config
	}{
		{"empty name", Config{Name: ""}},
		{"name with spaces", Config{Name: "my agent"}},
		{"name with slash", Config{Name: "a/b"}},
		{"name too long", Config{Name: string(make([]byte, 65))}},
		{"privileged port", Config{Name: "ok", Port: 80}},
		{"port out of range", Config{Name: "ok", Port: 70000}},
	}
	for _, tc := range cases {
		if _, err := New(tc.config); err == nil {
			t.Errorf("%s: New succeeded, want error", tc.label)
		}
	}

	if _, err := New(testConfig("valid-name-42")); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	var events []string
	svc := &stubService{name: "a", events: &events}
	a, err := New(testConfig("lifecycle-test", svc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if a.State() != StateCreated {
		t.Fatalf("state = %q, want created", a.State())
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.State() != StateRunning || !a.Running() {
		t.Fatalf("state after Start = %q, want running", a.State())
	}

	// Starting a running agent fails.
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want error")
	}

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.State() != StateStopped {
		t.Fatalf("state after Stop = %q, want stopped", a.State())
	}
	// Stopping a stopped agent is a no-op.
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	// A stopped agent can start again.
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("restart Start: %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("restart Stop: %v", err)
	}
}

func TestServiceOrderingWithFailedStart(t *testing.T) {
	var events []string
	a := &stubService{name: "a", events: &events}
	b := &stubService{name: "b", events: &events, startErr: errors.New("b is broken")}
	c := &stubService{name: "c", events: &events}

	ag, err := New(testConfig("ordering-test", a, b, c))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// b's failure does not abort the start.
	if err := ag.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ag.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestFailedServiceReportedInStatus(t *testing.T) {
	var events []string
	broken := &stubService{name: "broken", events: &events, startErr: errors.New("no dice")}
	healthy := &stubService{name: "healthy", events: &events}

	a, err := New(testConfig("status-test", broken, healthy))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	status := a.Status()
	if !status.Running {
		t.Fatal("status.Running = false, want true")
	}
	if status.Services["healthy"].Running != true {
		t.Error("healthy service reported not running")
	}
	if status.Services["broken"].Running {
		t.Error("broken service reported running")
	}
	if status.Services["broken"].StartError == "" {
		t.Error("broken service has no start_error")
	}
}

func TestStatusForcesServicesDownAfterStop(t *testing.T) {
	var events []string
	// The service lies: Running stays true and Stop fails.
	stuck := &stubService{name: "stuck", events: &events, stopErr: errors.New("cannot stop")}

	a, err := New(testConfig("fidelity-test", stuck))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := a.Stop(context.Background()); err == nil {
		t.Fatal("Stop succeeded, want the service's stop error")
	}
	if a.State() != StateStopped {
		t.Fatalf("state = %q, want stopped despite the failed step", a.State())
	}

	status := a.Status()
	if status.Running {
		t.Fatal("status.Running = true after Stop")
	}
	if status.Services["stuck"].Running {
		t.Fatal("service reported running after agent stop")
	}
}

func TestSingletonLock(t *testing.T) {
	lockDir := t.TempDir()
	config := Config{
		Name:                  "locked-agent",
		LockDirectory:         lockDir,
		DisableSignalHandling: true,
		Logger:                discardLogger(),
	}

	first, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer first.Stop(context.Background())

	second, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = second.Start(context.Background())
	var already *lifecycle.AlreadyRunningError
	if !errors.As(err, &already) {
		t.Fatalf("second Start error = %v, want AlreadyRunningError", err)
	}
	if first.State() != StateRunning {
		t.Fatal("first agent disturbed by the failed second start")
	}

	// Releasing the lock frees the name.
	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start after release: %v", err)
	}
	second.Stop(context.Background())
}

func TestControlServerServesStatus(t *testing.T) {
	var events []string
	svc := &stubService{name: "worker", events: &events}
	a, err := New(testConfig("http-status-test", svc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	url := fmt.Sprintf("http://%s/status", a.Server().Addr())
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status = %d, want 200", resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.Name != "http-status-test" || !status.Running {
		t.Fatalf("status = %+v, want running http-status-test", status)
	}
	if _, found := status.Services["worker"]; !found {
		t.Fatalf("status.Services = %v, missing worker", status.Services)
	}
}

func TestRestartKeepsWebhookServiceRunning(t *testing.T) {
	messages := service.NewMessage(service.MessageConfig{
		WebhookPath: "/hooks/inbox",
		Handlers: map[string]service.MessageHandler{
			"task": func(ctx context.Context, m *admp.Message) error { return nil },
		},
		Logger: discardLogger(),
	})
	a, err := New(testConfig("restart-webhook-test", messages))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A full stop+start cycle, as the SIGUSR1 restart path performs.
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	defer a.Stop(context.Background())

	status := a.Status()
	svc, found := status.Services["messages"]
	if !found {
		t.Fatalf("status.Services = %v, missing messages", status.Services)
	}
	if svc.StartError != "" {
		t.Fatalf("messages StartError = %q, want none", svc.StartError)
	}
	if !svc.Running {
		t.Fatal("messages service not running after restart")
	}

	// The webhook still ingests on the restarted agent.
	body, _ := json.Marshal(map[string]any{
		"id": "msg-1", "version": "1.0", "type": "direct",
		"from": "peer", "to": "restart-webhook-test",
		"subject": "task", "body": map[string]any{},
	})
	url := fmt.Sprintf("http://%s/hooks/inbox", a.Server().Addr())
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook after restart = %d, want 200", resp.StatusCode)
	}
}

// hubFixture is a minimal hub: registration, one pullable message,
// and ack/nack recording.
type hubFixture struct {
	mu     sync.Mutex
	pulled bool
	acked  []string
}

func (h *hubFixture) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"agent_id":   "agent-1",
			"secret_key": "secret",
		})
	})
	mux.HandleFunc("POST /api/agents/agent-1/inbox/pull", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.pulled {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.pulled = true
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "msg-1",
			"version": "1.0",
			"type":    "direct",
			"from":    "peer",
			"to":      "agent-1",
			"subject": "task",
			"body":    map[string]any{},
		})
	})
	mux.HandleFunc("POST /api/agents/agent-1/messages/{id}/ack", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.acked = append(h.acked, r.PathValue("id"))
		h.mu.Unlock()
		w.Write([]byte("{}"))
	})
	return mux
}

func (h *hubFixture) ackCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.acked)
}

func TestAgentDeliversInboxMessageExactlyOnce(t *testing.T) {
	hub := &hubFixture{}
	server := httptest.NewServer(hub.handler())
	defer server.Close()

	fake := clock.Fake(time.Unix(1000, 0))
	var handled []string
	var mu sync.Mutex
	messages := service.NewMessage(service.MessageConfig{
		PollInterval: time.Second,
		Handlers: map[string]service.MessageHandler{
			"task": func(ctx context.Context, m *admp.Message) error {
				mu.Lock()
				handled = append(handled, m.ID)
				mu.Unlock()
				return nil
			},
		},
		Clock:  fake,
		Logger: discardLogger(),
	})

	config := testConfig("inbox-test", messages)
	config.HubURL = server.URL
	a, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	if !a.Status().Connected {
		t.Fatal("agent did not connect to the hub")
	}

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	waitUntil(t, func() bool { return hub.ackCount() == 1 })

	// Further polls find an empty inbox; the ack count stays at one.
	fake.Advance(time.Second)
	fake.Advance(time.Second)
	waitUntil(t, func() bool {
		stats := messages.Stats().(service.MessageStats)
		return stats.Received == 1 && stats.Processed == 1
	})
	if hub.ackCount() != 1 {
		t.Fatalf("acks = %d, want exactly 1", hub.ackCount())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || handled[0] != "msg-1" {
		t.Fatalf("handled = %v, want [msg-1]", handled)
	}
}

func TestHubFailureDegradesToNoTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"down","code":"hub_down"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	config := testConfig("degraded-test")
	config.HubURL = server.URL
	a, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A dead hub must not prevent startup.
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	if a.Status().Connected {
		t.Fatal("status reports connected after a failed registration")
	}
}
