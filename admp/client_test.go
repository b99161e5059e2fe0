// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package admp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeHub is a minimal in-memory ADMP hub for client tests.
type fakeHub struct {
	t *testing.T

	mux *http.ServeMux

	registrations atomic.Int32
	joins         []string
	acked         []string
	nacked        []string

	// inbox is drained one message per pull.
	inbox []Message
}

func newFakeHub(t *testing.T) (*fakeHub, *httptest.Server) {
	t.Helper()
	hub := &fakeHub{t: t, mux: http.NewServeMux()}

	hub.mux.HandleFunc("POST /api/agents/register", func(w http.ResponseWriter, r *http.Request) {
		hub.registrations.Add(1)
		json.NewEncoder(w).Encode(RegisterResponse{AgentID: "agent-42", SecretKey: "s3cret"})
	})
	hub.mux.HandleFunc("POST /api/groups/{group}/join", func(w http.ResponseWriter, r *http.Request) {
		group := r.PathValue("group")
		if group == "forbidden" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"code": "group_access_denied", "error": "invite only"})
			return
		}
		hub.joins = append(hub.joins, group)
		w.WriteHeader(http.StatusOK)
	})
	hub.mux.HandleFunc("POST /api/agents/{id}/inbox/pull", func(w http.ResponseWriter, r *http.Request) {
		if len(hub.inbox) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		message := hub.inbox[0]
		hub.inbox = hub.inbox[1:]
		json.NewEncoder(w).Encode(message)
	})
	hub.mux.HandleFunc("POST /api/agents/{id}/messages/{message}/ack", func(w http.ResponseWriter, r *http.Request) {
		hub.acked = append(hub.acked, r.PathValue("message"))
	})
	hub.mux.HandleFunc("POST /api/agents/{id}/messages/{message}/nack", func(w http.ResponseWriter, r *http.Request) {
		hub.nacked = append(hub.nacked, r.PathValue("message"))
	})

	server := httptest.NewServer(hub.mux)
	t.Cleanup(server.Close)
	return hub, server
}

func connectedClient(t *testing.T, hubURL string, groups ...string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{HubURL: hubURL, AgentName: "worker", Groups: groups})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return client
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(ClientConfig{AgentName: "worker"}); err == nil {
		t.Error("missing HubURL accepted")
	}
	if _, err := NewClient(ClientConfig{HubURL: "http://localhost:8765"}); err == nil {
		t.Error("missing AgentName accepted")
	}
	if _, err := NewClient(ClientConfig{HubURL: "://bad", AgentName: "worker"}); err == nil {
		t.Error("invalid HubURL accepted")
	}
}

func TestConnectRegistersAndJoinsGroups(t *testing.T) {
	hub, server := newFakeHub(t)
	client := connectedClient(t, server.URL, "builders", "forbidden", "reviewers")

	if got := hub.registrations.Load(); got != 1 {
		t.Errorf("registrations = %d, want 1", got)
	}
	if client.AgentID() != "agent-42" {
		t.Errorf("AgentID = %q, want agent-42", client.AgentID())
	}
	if !client.Connected() {
		t.Error("Connected() = false after Connect")
	}

	// The forbidden group's join failure is swallowed; the groups
	// after it still get joined.
	want := []string{"builders", "reviewers"}
	if len(hub.joins) != len(want) || hub.joins[0] != want[0] || hub.joins[1] != want[1] {
		t.Errorf("joined groups = %v, want %v", hub.joins, want)
	}
}

func TestConnectFailsWhenRegistrationFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"code": "hub_down", "error": "maintenance"})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{HubURL: server.URL, AgentName: "worker"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded against a failing hub")
	}
	var hubErr *HubError
	if !errors.As(err, &hubErr) {
		t.Fatalf("error = %v, want *HubError", err)
	}
	if hubErr.StatusCode != http.StatusInternalServerError || hubErr.Code != "hub_down" {
		t.Errorf("HubError = %+v, want status 500 code hub_down", hubErr)
	}
}

func TestDisconnectIsLocalAndIdempotent(t *testing.T) {
	_, server := newFakeHub(t)
	client := connectedClient(t, server.URL)

	client.Disconnect()
	if client.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
	client.Disconnect()

	// Operations after disconnect fail locally, without reaching the hub.
	if _, err := client.PullInbox(context.Background(), 0); err == nil {
		t.Error("PullInbox after Disconnect succeeded")
	}
}

func TestPullInboxEmptyMeansNoMessage(t *testing.T) {
	_, server := newFakeHub(t)
	client := connectedClient(t, server.URL)

	message, err := client.PullInbox(context.Background(), 30*time.Second)
	if err != nil {
		t.Fatalf("PullInbox: %v", err)
	}
	if message != nil {
		t.Errorf("message = %+v, want nil for empty inbox", message)
	}
}

func TestPullAckNack(t *testing.T) {
	hub, server := newFakeHub(t)
	hub.inbox = append(hub.inbox, Message{
		ID: "msg-1", Version: ProtocolVersion, Type: MessageTypeDirect,
		From: "peer", To: "worker", Subject: "task.assign",
	})
	client := connectedClient(t, server.URL)

	message, err := client.PullInbox(context.Background(), 0)
	if err != nil {
		t.Fatalf("PullInbox: %v", err)
	}
	if message == nil || message.ID != "msg-1" {
		t.Fatalf("pulled message = %+v, want msg-1", message)
	}

	if err := client.Ack(context.Background(), message.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := client.Nack(context.Background(), "msg-2"); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	if len(hub.acked) != 1 || hub.acked[0] != "msg-1" {
		t.Errorf("acked = %v, want [msg-1]", hub.acked)
	}
	if len(hub.nacked) != 1 || hub.nacked[0] != "msg-2" {
		t.Errorf("nacked = %v, want [msg-2]", hub.nacked)
	}
}

func TestPushMessageBuildsEnvelope(t *testing.T) {
	var received Message
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RegisterResponse{AgentID: "agent-42", SecretKey: "s3cret"})
	})
	mux.HandleFunc("POST /api/agents/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding pushed envelope: %v", err)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("Authorization = %q, want Bearer s3cret", got)
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := connectedClient(t, server.URL)
	sent, err := client.PushMessage(context.Background(), "peer", "task.assign",
		map[string]any{"task": "review"})
	if err != nil {
		t.Fatalf("PushMessage: %v", err)
	}

	if received.ID == "" || received.ID != sent.ID {
		t.Errorf("envelope id = %q (sent %q), want a generated id posted to the hub", received.ID, sent.ID)
	}
	if received.Version != ProtocolVersion {
		t.Errorf("version = %q, want %q", received.Version, ProtocolVersion)
	}
	if received.From != "worker" || received.To != "peer" || received.Subject != "task.assign" {
		t.Errorf("envelope routing = from %q to %q subject %q", received.From, received.To, received.Subject)
	}
	if received.TTLSeconds != int64(DefaultMessageTTL.Seconds()) {
		t.Errorf("ttl = %d, want %d (7 days)", received.TTLSeconds, int64(DefaultMessageTTL.Seconds()))
	}
}

func TestPushMessageValidation(t *testing.T) {
	_, server := newFakeHub(t)
	client := connectedClient(t, server.URL)

	if _, err := client.PushMessage(context.Background(), "", "subject", nil); err == nil {
		t.Error("empty recipient accepted")
	}
	if _, err := client.PushMessage(context.Background(), "peer", "", nil); err == nil {
		t.Error("empty subject accepted")
	}
}

func TestPostGroupMessagePartialDeliveryIsNotAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RegisterResponse{AgentID: "agent-42", SecretKey: "s3cret"})
	})
	mux.HandleFunc("POST /api/groups/{group}/messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(GroupPostResult{Delivered: 3, Failed: 2})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := connectedClient(t, server.URL)
	result, err := client.PostGroupMessage(context.Background(), "builders", "standup", nil)
	if err != nil {
		t.Fatalf("PostGroupMessage with partial delivery: %v", err)
	}
	if result.Delivered != 3 || result.Failed != 2 {
		t.Errorf("result = %+v, want delivered 3 failed 2", result)
	}
}

func TestGroupHistoryPagination(t *testing.T) {
	var gotLimit, gotBefore string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RegisterResponse{AgentID: "agent-42", SecretKey: "s3cret"})
	})
	mux.HandleFunc("GET /api/groups/{group}/messages", func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		gotBefore = r.URL.Query().Get("before")
		json.NewEncoder(w).Encode(HistoryPage{
			Messages: []Message{{ID: "m1"}, {ID: "m2"}},
			HasMore:  true,
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := connectedClient(t, server.URL)
	page, err := client.GroupHistory(context.Background(), "builders", HistoryOptions{Limit: 2, Before: "m9"})
	if err != nil {
		t.Fatalf("GroupHistory: %v", err)
	}
	if gotLimit != "2" || gotBefore != "m9" {
		t.Errorf("query limit=%q before=%q, want 2 and m9", gotLimit, gotBefore)
	}
	if !page.HasMore || len(page.Messages) != 2 {
		t.Errorf("page = %+v, want 2 messages with has_more", page)
	}
}

func TestClientDoesNotRetry(t *testing.T) {
	var pulls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RegisterResponse{AgentID: "agent-42", SecretKey: "s3cret"})
	})
	mux.HandleFunc("POST /api/agents/{id}/inbox/pull", func(w http.ResponseWriter, r *http.Request) {
		pulls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream broke"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := connectedClient(t, server.URL)
	_, err := client.PullInbox(context.Background(), 0)
	if err == nil {
		t.Fatal("PullInbox against a 502 hub succeeded")
	}
	var hubErr *HubError
	if !errors.As(err, &hubErr) {
		t.Fatalf("error = %v, want *HubError", err)
	}
	if hubErr.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", hubErr.StatusCode)
	}
	if !strings.Contains(hubErr.Body, "upstream broke") {
		t.Errorf("body = %q, want raw response body preserved", hubErr.Body)
	}
	if got := pulls.Load(); got != 1 {
		t.Errorf("hub saw %d pulls, want exactly 1 (client never retries)", got)
	}
}
