package notify

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

	"decomwatch/internal/config"
	"decomwatch/internal/domain"
)

func criticalEvent() domain.TransitionEvent {
	return domain.TransitionEvent{
		EntityID:             "postgres_air",
		OwnerEmail:           "development-team@company.com",
		Scenario:             domain.ScenarioLogicHeavy,
		Criticality:          domain.CriticalityCritical,
		From:                 domain.StatusWarning,
		To:                   domain.StatusCritical,
		IdleSeconds:          90000,
		ThresholdSec:         86400,
		OccurredAt:           time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		RequiresManualReview: true,
	}
}

func TestWebhookSenderPostsFixedSchema(t *testing.T) {
	t.Parallel()

	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", request.Method)
		}
		if err := json.NewDecoder(request.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewWebhookSender(config.WebhookNotifier{
		Enabled:    true,
		URL:        server.URL,
		TimeoutSec: 5,
	})
	if _, err := sender.Send(context.Background(), criticalEvent()); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	for _, key := range []string{
		"database_name", "scenario_type", "criticality",
		"owner_email", "alert_timestamp", "metric_value", "requires_manual_review",
	} {
		if _, ok := received[key]; !ok {
			t.Fatalf("payload missing key %q: %+v", key, received)
		}
	}
	if received["database_name"] != "postgres_air" {
		t.Fatalf("expected database_name postgres_air, got %+v", received)
	}
	if received["metric_value"] != "90000" {
		t.Fatalf("expected idle seconds as string metric_value, got %+v", received)
	}
	if received["requires_manual_review"] != true {
		t.Fatalf("expected manual review flag, got %+v", received)
	}
}

func TestWebhookSenderFailsOnNon2xx(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		http.Error(writer, "workflow rejected", http.StatusBadGateway)
	}))
	defer server.Close()

	sender := NewWebhookSender(config.WebhookNotifier{URL: server.URL, TimeoutSec: 5})
	if _, err := sender.Send(context.Background(), criticalEvent()); err == nil {
		t.Fatalf("expected error on 502 response")
	}
}

func TestTrackerSenderCreatesIssueOncePerEvent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(request.URL.Path, "/repos/company/database-decommissioning/issues") {
			t.Errorf("unexpected path %s", request.URL.Path)
		}
		var payload struct {
			Title  string   `json:"title"`
			Body   string   `json:"body"`
			Labels []string `json:"labels"`
		}
		if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.Title != "Database Decommissioning Review: postgres_air" {
			t.Errorf("unexpected title %q", payload.Title)
		}
		if !strings.Contains(payload.Body, "- [ ] Verify no hidden dependencies") {
			t.Errorf("body missing checklist: %q", payload.Body)
		}
		if !strings.Contains(payload.Body, "Review business logic impact") {
			t.Errorf("expected logic-heavy checklist line, got %q", payload.Body)
		}
		if !strings.Contains(payload.Body, "@development-team") {
			t.Errorf("expected owner handle mention, got %q", payload.Body)
		}
		if len(payload.Labels) != 3 || payload.Labels[0] != "database-decommissioning" {
			t.Errorf("unexpected labels %+v", payload.Labels)
		}
		writer.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(writer).Encode(map[string]any{
			"number":   41,
			"html_url": "https://tracker.test/issues/41",
		})
	}))
	defer server.Close()

	sender := NewTrackerSender(config.TrackerNotifier{
		Enabled:    true,
		BaseURL:    server.URL,
		Repository: "company/database-decommissioning",
		Token:      "token",
		TimeoutSec: 5,
	})

	event := criticalEvent()
	first, err := sender.Send(context.Background(), event)
	if err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	second, err := sender.Send(context.Background(), event)
	if err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one issue creation, got %d", calls.Load())
	}
	if first.ExternalRef != second.ExternalRef || first.ExternalRef != "https://tracker.test/issues/41" {
		t.Fatalf("expected same issue reference, got %q and %q", first.ExternalRef, second.ExternalRef)
	}
}

type flakySender struct {
	failures int
	calls    int
}

func (s *flakySender) Channel() string { return "flaky" }

func (s *flakySender) Send(_ context.Context, _ domain.TransitionEvent) (SendResult, error) {
	s.calls++
	if s.calls <= s.failures {
		return SendResult{}, errors.New("transient failure")
	}
	return SendResult{}, nil
}

func TestSendWithRetryRecoversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	dispatcher := NewDispatcher(config.NotifyConfig{}, nil)
	sender := &flakySender{failures: 2}
	retry := config.NotifyRetry{
		Enabled:     true,
		Backoff:     "exponential",
		InitialMS:   1,
		MaxMS:       4,
		MaxAttempts: 5,
	}

	if _, err := dispatcher.sendWithRetry(context.Background(), sender, criticalEvent(), retry); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected three attempts, got %d", sender.calls)
	}
}

func TestSendWithRetryStopsAtAttemptCeiling(t *testing.T) {
	t.Parallel()

	dispatcher := NewDispatcher(config.NotifyConfig{}, nil)
	sender := &flakySender{failures: 100}
	retry := config.NotifyRetry{
		Enabled:     true,
		Backoff:     "exponential",
		InitialMS:   1,
		MaxMS:       2,
		MaxAttempts: 3,
	}

	_, err := dispatcher.sendWithRetry(context.Background(), sender, criticalEvent(), retry)
	if err == nil {
		t.Fatalf("expected final error after retries")
	}
	if sender.calls != 3 {
		t.Fatalf("expected exactly three attempts, got %d", sender.calls)
	}
}

func TestFormatAlertMessageCarriesIdentityAndBounds(t *testing.T) {
	t.Parallel()

	message, err := FormatAlertMessage(criticalEvent())
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	for _, want := range []string{
		"postgres_air",
		"WARNING -> CRITICAL",
		"idle 1.0d",
		"threshold 1.0d",
		"LOGIC_HEAVY",
		"CRITICAL",
		"development-team@company.com",
	} {
		if !strings.Contains(message, want) {
			t.Fatalf("message missing %q: %q", want, message)
		}
	}

	// Recovery transitions render as well, not just escalations.
	recovery := criticalEvent()
	recovery.From = domain.StatusCritical
	recovery.To = domain.StatusWarning
	recovery.IdleSeconds = 3600
	message, err = FormatAlertMessage(recovery)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if !strings.Contains(message, "CRITICAL -> WARNING") || !strings.Contains(message, "idle 1.0h") {
		t.Fatalf("unexpected recovery message %q", message)
	}
}

func TestEligibilityRouting(t *testing.T) {
	t.Parallel()

	escalation := criticalEvent()
	recovery := domain.TransitionEvent{
		EntityID: "pagila",
		From:     domain.StatusCritical,
		To:       domain.StatusWarning,
	}
	warning := domain.TransitionEvent{
		EntityID: "pagila",
		From:     domain.StatusOK,
		To:       domain.StatusWarning,
	}
	automated := criticalEvent()
	automated.RequiresManualReview = false

	if !eligible(ChannelWebhook, escalation) || !eligible(ChannelWebhook, warning) {
		t.Fatalf("expected webhook to receive escalations")
	}
	if eligible(ChannelWebhook, recovery) {
		t.Fatalf("expected webhook to skip recoveries")
	}
	if !eligible(ChannelTracker, escalation) {
		t.Fatalf("expected tracker for critical transitions")
	}
	if eligible(ChannelTracker, warning) {
		t.Fatalf("expected no tracker issue for warnings")
	}
	if !eligible(ChannelTelegram, escalation) {
		t.Fatalf("expected telegram for critical manual-review transitions")
	}
	if eligible(ChannelTelegram, automated) {
		t.Fatalf("expected no telegram escalation without manual review")
	}
	if !eligible(ChannelBus, recovery) || !eligible(ChannelBus, escalation) {
		t.Fatalf("expected bus to receive every transition")
	}
}

func TestDispatchReportsFailedChannels(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		http.Error(writer, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	dispatcher := NewDispatcher(config.NotifyConfig{
		Webhook: config.WebhookNotifier{
			Enabled:    true,
			URL:        server.URL,
			TimeoutSec: 5,
		},
	}, nil)

	failures := dispatcher.Dispatch(context.Background(), criticalEvent())
	if len(failures) != 1 || failures[0].Channel != ChannelWebhook {
		t.Fatalf("expected one webhook failure, got %+v", failures)
	}
}
