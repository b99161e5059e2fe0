// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentfleet/agentd/admp"
	"github.com/agentfleet/agentd/lib/clock"
	"github.com/agentfleet/agentd/lib/control"
)

// Message service defaults.
const (
	DefaultPollInterval = 5 * time.Second
)

// MessageHandler processes one inbox message. In polling mode a nil
// return acks the message and an error nacks it; in webhook mode the
// return maps to the HTTP status (200/500).
type MessageHandler func(ctx context.Context, message *admp.Message) error

// MessageConfig configures a MessageService.
type MessageConfig struct {
	// Name defaults to "messages".
	Name string

	// PollInterval between inbox pulls in polling mode. Defaults to
	// 5 seconds.
	PollInterval time.Duration

	// VisibilityTimeout is passed to each pull. Defaults to the
	// transport default (60 seconds).
	VisibilityTimeout time.Duration

	// Handlers routes messages by subject.
	Handlers map[string]MessageHandler

	// Fallback handles messages whose subject has no entry in
	// Handlers. Nil discards unroutable messages (logged and acked,
	// so the hub does not redeliver them forever).
	Fallback MessageHandler

	// WebhookPath switches the service to webhook ingestion: the
	// path is registered on the control server and each POST body is
	// routed as a message. Webhook and polling modes are mutually
	// exclusive; when WebhookPath is set, the transport is not
	// polled.
	WebhookPath string

	// Clock defaults to Real.
	Clock clock.Clock

	// Logger defaults to the runtime's logger.
	Logger *slog.Logger
}

// MessageStats is a snapshot of a message service's counters.
type MessageStats struct {
	Received      int       `json:"received"`
	Processed     int       `json:"processed"`
	Errors        int       `json:"errors"`
	LastMessageAt time.Time `json:"last_message_at"`
	LastError     string    `json:"last_error,omitempty"`
	Handlers      []string  `json:"handlers"`
}

// MessageService delivers inbox messages to subject handlers, either
// by polling the transport (pull + ack/nack) or by webhook ingestion
// (push, no acknowledgment protocol). With neither a transport nor a
// webhook path the service starts but is inert: logged as inactive,
// not an error.
type MessageService struct {
	name              string
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	handlers          map[string]MessageHandler
	fallback          MessageHandler
	webhookPath       string
	clock             clock.Clock
	logger            *slog.Logger

	transport Transport

	// server is the control server the webhook route is registered
	// on; set only while a webhook-mode service is running, so Stop
	// can deregister the route for the next Start.
	server *control.Server

	// processing guards the poll loop: at most one in-flight pull
	// cycle at a time, even if a tick arrives while a slow handler
	// is still working.
	processing atomic.Bool

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	stats   MessageStats
}

// NewMessage creates a message service from config.
func NewMessage(config MessageConfig) *MessageService {
	name := config.Name
	if name == "" {
		name = "messages"
	}
	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	handlers := make(map[string]MessageHandler, len(config.Handlers))
	for subject, handler := range config.Handlers {
		handlers[subject] = handler
	}

	return &MessageService{
		name:              name,
		pollInterval:      pollInterval,
		visibilityTimeout: config.VisibilityTimeout,
		handlers:          handlers,
		fallback:          config.Fallback,
		webhookPath:       config.WebhookPath,
		clock:             clk,
		logger:            config.Logger,
	}
}

// Name implements Service.
func (s *MessageService) Name() string { return s.name }

// Running implements Service.
func (s *MessageService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats implements Service.
func (s *MessageService) Stats() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Handlers = s.handlerSubjects()
	return stats
}

// handlerSubjects returns the sorted handler subjects. Callers hold mu.
func (s *MessageService) handlerSubjects() []string {
	subjects := make([]string, 0, len(s.handlers))
	for subject := range s.handlers {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects
}

// Start implements Service.
func (s *MessageService) Start(ctx context.Context, runtime Runtime) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("service: message service %q is already running", s.name)
	}
	if s.logger == nil {
		s.logger = runtime.logger().With("service", s.name)
	}
	s.transport = runtime.Transport
	s.running = true
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	switch {
	case s.webhookPath != "":
		if runtime.Server == nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("service: message service %q has a webhook path but no control server", s.name)
		}
		if err := runtime.Server.Handle(http.MethodPost, s.webhookPath, s.handleWebhook); err != nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("service: registering webhook route: %w", err)
		}
		s.mu.Lock()
		s.server = runtime.Server
		s.mu.Unlock()
		s.logger.Info("message service started in webhook mode", "path", s.webhookPath)

	case s.transport != nil:
		go s.pollLoop(ctx, stop)
		s.logger.Info("message service started in polling mode", "poll_interval", s.pollInterval)

	default:
		// Inert by configuration, preserved as a warning rather
		// than a hard error.
		s.logger.Warn("message service is inactive: no transport and no webhook path")
	}
	return nil
}

// Stop implements Service. In webhook mode the route is deregistered
// so a later Start can register it again.
func (s *MessageService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.stop)
	if s.server != nil {
		s.server.Unhandle(s.webhookPath)
		s.server = nil
	}
	s.logger.Info("message service stopped")
	return nil
}

// pollLoop pulls at most one message per tick. Pull errors are
// logged and the loop continues on the next tick; the transport
// itself never retries.
func (s *MessageService) pollLoop(ctx context.Context, stop chan struct{}) {
	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce performs one pull-route-acknowledge cycle. The processing
// flag keeps cycles exclusive: a tick that arrives mid-cycle is
// dropped rather than queued.
func (s *MessageService) pollOnce(ctx context.Context) {
	if !s.processing.CompareAndSwap(false, true) {
		return
	}
	defer s.processing.Store(false)

	message, err := s.transport.PullInbox(ctx, s.visibilityTimeout)
	if err != nil {
		s.logger.Warn("inbox pull failed", "error", err)
		return
	}
	if message == nil {
		return
	}

	s.mu.Lock()
	s.stats.Received++
	s.stats.LastMessageAt = s.clock.Now()
	s.mu.Unlock()

	if err := s.route(ctx, message); err != nil {
		s.recordHandlerError(message, err)
		if nackErr := s.transport.Nack(ctx, message.ID); nackErr != nil {
			s.logger.Warn("nack failed", "message_id", message.ID, "error", nackErr)
		}
		return
	}

	s.mu.Lock()
	s.stats.Processed++
	s.mu.Unlock()
	if ackErr := s.transport.Ack(ctx, message.ID); ackErr != nil {
		s.logger.Warn("ack failed", "message_id", message.ID, "error", ackErr)
	}
}

// route dispatches a message to its subject handler, or the fallback.
// A message with no route is discarded with a warning (and a nil
// return, so polling mode acks it instead of redelivering forever).
func (s *MessageService) route(ctx context.Context, message *admp.Message) error {
	handler, found := s.handlers[message.Subject]
	if !found {
		handler = s.fallback
	}
	if handler == nil {
		s.logger.Warn("no handler for message",
			"message_id", message.ID,
			"subject", message.Subject,
			"from", message.From,
		)
		return nil
	}
	return handler(ctx, message)
}

// recordHandlerError updates the error counters for a failed
// handler invocation.
func (s *MessageService) recordHandlerError(message *admp.Message, err error) {
	s.mu.Lock()
	s.stats.Errors++
	s.stats.LastError = err.Error()
	s.mu.Unlock()
	s.logger.Warn("message handler failed",
		"message_id", message.ID,
		"subject", message.Subject,
		"error", err,
	)
}

// handleWebhook ingests one pushed message per POST. Delivery here is
// push-based, so there is no ack/nack: handler success maps to 200
// and handler failure to 500, and redelivery is the sender's concern.
func (s *MessageService) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var message admp.Message
	if err := json.NewDecoder(r.Body).Decode(&message); err != nil {
		writeWebhookJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message body"})
		return
	}

	s.mu.Lock()
	s.stats.Received++
	s.stats.LastMessageAt = s.clock.Now()
	s.mu.Unlock()

	if err := s.route(r.Context(), &message); err != nil {
		s.recordHandlerError(&message, err)
		writeWebhookJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.stats.Processed++
	s.mu.Unlock()
	writeWebhookJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeWebhookJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
