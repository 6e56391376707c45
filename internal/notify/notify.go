package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"decomwatch/internal/config"
	"decomwatch/internal/domain"
	"decomwatch/internal/templatefmt"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/nats-io/nats.go"
)

// Channel name constants shared by dispatcher routing and failure records.
const (
	ChannelWebhook  = "webhook"
	ChannelTracker  = "tracker"
	ChannelTelegram = "telegram"
	ChannelBus      = "bus"
)

// SendResult returns channel-specific metadata after successful delivery.
// Params: sender-specific metadata fields.
// Returns: optional external reference such as the created issue URL.
type SendResult struct {
	ExternalRef string
}

// ChannelSender sends one transition event to one channel.
// Params: context and transition event.
// Returns: channel send metadata and transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, event domain.TransitionEvent) (SendResult, error)
}

// ChannelError pairs one channel name with its final delivery error.
// Params: channel key and error after retries were exhausted.
// Returns: per-channel failure record for the manager layer.
type ChannelError struct {
	Channel string
	Err     error
}

// Dispatcher routes transition events to eligible channels with retries.
// Params: sender list and per-channel retry policy.
// Returns: send helper for manager layer.
type Dispatcher struct {
	senders  map[string]ChannelSender
	channels []string
	retries  map[string]config.NotifyRetry
	logger   *slog.Logger
}

// NewDispatcher builds the notification dispatcher from enabled channels.
// Params: global notify config and optional logger.
// Returns: configured dispatcher with available senders.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	senders := make(map[string]ChannelSender)
	retries := make(map[string]config.NotifyRetry)

	if cfg.Webhook.Enabled {
		senders[ChannelWebhook] = NewWebhookSender(cfg.Webhook)
		retries[ChannelWebhook] = cfg.Webhook.Retry
	}
	if cfg.Tracker.Enabled {
		senders[ChannelTracker] = NewTrackerSender(cfg.Tracker)
		retries[ChannelTracker] = cfg.Tracker.Retry
	}
	if cfg.Telegram.Enabled {
		senders[ChannelTelegram] = NewTelegramSender(cfg.Telegram)
		retries[ChannelTelegram] = cfg.Telegram.Retry
	}
	if cfg.Bus.Enabled {
		senders[ChannelBus] = NewBusSender(cfg.Bus)
		retries[ChannelBus] = config.NotifyRetry{}
	}

	channels := make([]string, 0, len(senders))
	for channel := range senders {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return &Dispatcher{
		senders:  senders,
		channels: channels,
		retries:  retries,
		logger:   logger,
	}
}

// Channels returns configured channel list.
// Params: none.
// Returns: deterministic sender keys.
func (d *Dispatcher) Channels() []string {
	return d.channels
}

// Dispatch delivers one transition event to every eligible channel.
// Params: context and transition event from the state machine.
// Returns: failures for channels that exhausted their retry policy.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.TransitionEvent) []ChannelError {
	if d.logger != nil {
		if message, err := FormatAlertMessage(event); err == nil {
			d.logger.Info("alert", "entity", event.EntityID, "message", message)
		}
	}

	var failures []ChannelError
	for _, channel := range d.channels {
		if !eligible(channel, event) {
			continue
		}
		sender := d.senders[channel]
		result, err := d.sendWithRetry(ctx, sender, event, d.retries[channel])
		if err != nil {
			failures = append(failures, ChannelError{Channel: channel, Err: err})
			continue
		}
		if d.logger != nil {
			d.logger.Info("transition delivered",
				"channel", channel,
				"entity", event.EntityID,
				"from", string(event.From),
				"to", string(event.To),
				"external_ref", result.ExternalRef,
			)
		}
	}
	return failures
}

// Close releases sender transports that hold connections.
// Params: none.
// Returns: nil after all closers ran.
func (d *Dispatcher) Close() error {
	for _, sender := range d.senders {
		if closer, ok := sender.(io.Closer); ok {
			_ = closer.Close()
		}
	}
	return nil
}

// eligible reports whether one channel should receive the event.
// Params: channel key and transition event.
// Returns: routing decision per channel contract.
func eligible(channel string, event domain.TransitionEvent) bool {
	switch channel {
	case ChannelWebhook:
		// The decommissioning workflow only cares about escalations.
		return statusRank(event.To) > statusRank(event.From)
	case ChannelTracker:
		return event.To == domain.StatusCritical
	case ChannelTelegram:
		return event.To == domain.StatusCritical && event.RequiresManualReview
	case ChannelBus:
		return true
	default:
		return false
	}
}

const alertMessageTemplate = `Database {{.Database}} changed {{.From}} -> {{.To}}: ` +
	`idle {{fmtIdle .IdleSeconds}} (threshold {{fmtIdle .ThresholdSec}}), ` +
	`scenario {{.Scenario}}, criticality {{.Criticality}}, owner {{.OwnerEmail}}`

// alertMessageView is the template context for the rendered alert line.
// Params: flattened transition event fields.
// Returns: message template data model.
type alertMessageView struct {
	Database     string
	Scenario     string
	Criticality  string
	OwnerEmail   string
	From         string
	To           string
	IdleSeconds  int64
	ThresholdSec int64
}

// FormatAlertMessage renders the human-readable alert line for one transition.
// Params: transition event.
// Returns: message carrying identity, classification, measured idle, threshold,
// and owner contact, or a render error.
func FormatAlertMessage(event domain.TransitionEvent) (string, error) {
	tmpl, err := templatefmt.ParseNotificationTemplate("notify.alert.message", alertMessageTemplate)
	if err != nil {
		return "", fmt.Errorf("compile alert message template: %w", err)
	}
	view := alertMessageView{
		Database:     event.EntityID,
		Scenario:     string(event.Scenario),
		Criticality:  string(event.Criticality),
		OwnerEmail:   event.OwnerEmail,
		From:         string(event.From),
		To:           string(event.To),
		IdleSeconds:  event.IdleSeconds,
		ThresholdSec: event.ThresholdSec,
	}
	var rendered strings.Builder
	if err := tmpl.Execute(&rendered, view); err != nil {
		return "", fmt.Errorf("render alert message: %w", err)
	}
	return rendered.String(), nil
}

// statusRank orders statuses by severity for routing decisions.
// Params: status value.
// Returns: numeric severity rank.
func statusRank(status domain.Status) int {
	switch status {
	case domain.StatusWarning:
		return 1
	case domain.StatusCritical:
		return 2
	default:
		return 0
	}
}

// sendWithRetry sends one event with channel-specific retry policy.
// Params: sender, event, and retry policy for the sender channel.
// Returns: channel metadata and final error after retries.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, event domain.TransitionEvent, retry config.NotifyRetry) (SendResult, error) {
	if !retry.Enabled {
		return sender.Send(ctx, event)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	var timer *time.Timer

	for {
		attempt++
		result, err := sender.Send(ctx, event)
		if err == nil {
			stopRetryTimer(timer)
			if retry.LogEachAttempt && attempt > 1 && d.logger != nil {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return result, nil
		}
		if retry.LogEachAttempt && d.logger != nil {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}

		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			stopRetryTimer(timer)
			return SendResult{}, fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}

		if timer == nil {
			timer = time.NewTimer(backoff)
		} else {
			stopRetryTimer(timer)
			timer.Reset(backoff)
		}
		select {
		case <-ctx.Done():
			stopRetryTimer(timer)
			return SendResult{}, ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// stopRetryTimer stops one retry timer and drains its channel when needed.
// Params: timer pointer, possibly nil.
// Returns: timer left stopped and drained.
func stopRetryTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// WebhookSender posts the fixed decommissioning payload to one HTTP endpoint.
// Params: endpoint URL, method, timeout, and headers.
// Returns: webhook channel sender.
type WebhookSender struct {
	cfg    config.WebhookNotifier
	client *http.Client
}

// NewWebhookSender creates the workflow webhook sender.
// Params: webhook notifier config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.WebhookNotifier) *WebhookSender {
	return &WebhookSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *WebhookSender) Channel() string {
	return ChannelWebhook
}

// Send delivers the fixed JSON payload to the workflow endpoint.
// Params: context and transition event.
// Returns: transport or HTTP error.
func (s *WebhookSender) Send(ctx context.Context, event domain.TransitionEvent) (SendResult, error) {
	body, err := json.Marshal(domain.NewWebhookPayload(event))
	if err != nil {
		return SendResult{}, fmt.Errorf("encode webhook payload: %w", err)
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return SendResult{}, unexpectedHTTPStatusError("webhook", response)
	}
	return SendResult{}, nil
}

const trackerBodyTemplate = `## Database Decommissioning Review: {{.Database}}

**Database Information:**
- Name: {{.Database}}
- Scenario: {{.Scenario}}
- Criticality: {{.Criticality}}
- Owner: {{.OwnerEmail}}

**Alert Details:**
- No connections for {{fmtDays .IdleSeconds}} days
- Threshold: {{fmtDays .ThresholdSec}} days
- Detected at: {{.OccurredAt}}

**Required Actions:**
- [ ] Verify no hidden dependencies
- [ ] Check application logs for references
- [ ] Contact database owner
- [ ] {{if .LogicHeavy}}Review business logic impact{{else}}Confirm safe removal{{end}}
- [ ] Document decommissioning decision

**Owner:** @{{.OwnerHandle}}
`

// trackerIssueView is the template context for issue rendering.
// Params: flattened transition event fields.
// Returns: body template data model.
type trackerIssueView struct {
	Database     string
	Scenario     string
	Criticality  string
	OwnerEmail   string
	OwnerHandle  string
	IdleSeconds  int64
	ThresholdSec int64
	OccurredAt   string
	LogicHeavy   bool
}

// TrackerSender creates review issues in the configured tracker repository.
// Params: API base URL, repository, token, and timeout.
// Returns: tracker channel sender with per-event idempotency.
type TrackerSender struct {
	cfg    config.TrackerNotifier
	client *http.Client
	body   *template.Template

	mu      sync.Mutex
	created map[string]string
	initErr error
}

// NewTrackerSender creates the issue tracker sender.
// Params: tracker notifier config.
// Returns: initialized sender with compiled issue body template.
func NewTrackerSender(cfg config.TrackerNotifier) *TrackerSender {
	sender := &TrackerSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
		created: make(map[string]string),
	}
	body, err := templatefmt.ParseNotificationTemplate("notify.tracker.issue_body", trackerBodyTemplate)
	if err != nil {
		sender.initErr = fmt.Errorf("compile tracker issue template: %w", err)
		return sender
	}
	sender.body = body
	return sender
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *TrackerSender) Channel() string {
	return ChannelTracker
}

// Send creates one review issue, at most once per transition event.
// Params: context and transition event.
// Returns: issue reference; repeated sends of the same event reuse it.
func (s *TrackerSender) Send(ctx context.Context, event domain.TransitionEvent) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, s.initErr
	}

	key := event.Key()
	s.mu.Lock()
	if ref, ok := s.created[key]; ok {
		s.mu.Unlock()
		return SendResult{ExternalRef: ref}, nil
	}
	s.mu.Unlock()

	view := trackerIssueView{
		Database:     event.EntityID,
		Scenario:     string(event.Scenario),
		Criticality:  string(event.Criticality),
		OwnerEmail:   event.OwnerEmail,
		OwnerHandle:  ownerHandle(event.OwnerEmail),
		IdleSeconds:  event.IdleSeconds,
		ThresholdSec: event.ThresholdSec,
		OccurredAt:   event.OccurredAt.UTC().Format(time.RFC3339),
		LogicHeavy:   event.Scenario == domain.ScenarioLogicHeavy,
	}
	var rendered strings.Builder
	if err := s.body.Execute(&rendered, view); err != nil {
		return SendResult{}, fmt.Errorf("render tracker issue body: %w", err)
	}

	payload := struct {
		Title  string   `json:"title"`
		Body   string   `json:"body"`
		Labels []string `json:"labels"`
	}{
		Title: "Database Decommissioning Review: " + event.EntityID,
		Body:  rendered.String(),
		Labels: []string{
			"database-decommissioning",
			strings.ToLower(string(event.Scenario)),
			strings.ToLower(string(event.Criticality)),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode tracker payload: %w", err)
	}

	endpoint := strings.TrimRight(strings.TrimSpace(s.cfg.BaseURL), "/") +
		"/repos/" + strings.Trim(strings.TrimSpace(s.cfg.Repository), "/") + "/issues"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("build tracker request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/vnd.github+json")
	if token := strings.TrimSpace(s.cfg.Token); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("tracker send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return SendResult{}, unexpectedHTTPStatusError("tracker", response)
	}

	var decoded struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return SendResult{}, fmt.Errorf("decode tracker response: %w", err)
	}
	ref := strings.TrimSpace(decoded.HTMLURL)
	if ref == "" && decoded.Number > 0 {
		ref = strconv.Itoa(decoded.Number)
	}
	if ref == "" {
		return SendResult{}, errors.New("tracker response missing issue reference")
	}

	s.mu.Lock()
	s.created[key] = ref
	s.mu.Unlock()
	return SendResult{ExternalRef: ref}, nil
}

// ownerHandle derives the tracker mention handle from an owner email.
// Params: owner email address.
// Returns: local part of the address.
func ownerHandle(email string) string {
	handle, _, found := strings.Cut(strings.TrimSpace(email), "@")
	if !found || handle == "" {
		return strings.TrimSpace(email)
	}
	return handle
}

const telegramMessageTemplate = `Database decommissioning candidate detected

Database: {{.Database}}
Scenario: {{.Scenario}}
Criticality: {{.Criticality}}
Idle: {{fmtIdle .IdleSeconds}} (threshold {{fmtIdle .ThresholdSec}})
Owner: {{.OwnerEmail}}

Manual review required before any action.`

// telegramMessageView is the template context for escalation messages.
// Params: flattened transition event fields.
// Returns: message template data model.
type telegramMessageView struct {
	Database     string
	Scenario     string
	Criticality  string
	OwnerEmail   string
	IdleSeconds  int64
	ThresholdSec int64
}

// TelegramSender escalates critical manual-review alerts to operators.
// Params: bot token, chat id, and base URL.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	chatID  any
	message *template.Template
	initErr error
}

// NewTelegramSender creates Telegram sender with HTTP client.
// Params: Telegram notifier config.
// Returns: initialized sender.
func NewTelegramSender(cfg config.TelegramNotifier) *TelegramSender {
	sender := &TelegramSender{
		chatID: normalizeChatID(cfg.ChatID),
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = errors.New("telegram bot token is required")
		return sender
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sender.initErr = errors.New("telegram chat_id is required")
		return sender
	}

	message, err := templatefmt.ParseNotificationTemplate("notify.telegram.message", telegramMessageTemplate)
	if err != nil {
		sender.initErr = fmt.Errorf("compile telegram template: %w", err)
		return sender
	}
	sender.message = message

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
	}
	if apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); apiBase != "" {
		options = append(options, tgbot.WithServerURL(apiBase))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sender
	}
	sender.client = botClient
	return sender
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *TelegramSender) Channel() string {
	return ChannelTelegram
}

// Send posts one escalation message to the operator chat.
// Params: context and transition event.
// Returns: transport or HTTP error.
func (s *TelegramSender) Send(ctx context.Context, event domain.TransitionEvent) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, s.initErr
	}
	if s.client == nil {
		return SendResult{}, errors.New("telegram client is not initialized")
	}

	view := telegramMessageView{
		Database:     event.EntityID,
		Scenario:     string(event.Scenario),
		Criticality:  string(event.Criticality),
		OwnerEmail:   event.OwnerEmail,
		IdleSeconds:  event.IdleSeconds,
		ThresholdSec: event.ThresholdSec,
	}
	var rendered strings.Builder
	if err := s.message.Execute(&rendered, view); err != nil {
		return SendResult{}, fmt.Errorf("render telegram message: %w", err)
	}

	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      rendered.String(),
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, errors.New("telegram send returned empty message id")
	}
	return SendResult{ExternalRef: strconv.Itoa(sent.ID)}, nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: configured chat ID value from TOML.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// busEvent is the JSON envelope published to the transition subject.
// Params: transition event fields with wire tags.
// Returns: bus message body for downstream consumers.
type busEvent struct {
	EntityID             string `json:"entity_id"`
	OwnerEmail           string `json:"owner_email"`
	Scenario             string `json:"scenario"`
	Criticality          string `json:"criticality"`
	From                 string `json:"from"`
	To                   string `json:"to"`
	IdleSeconds          int64  `json:"idle_seconds"`
	ThresholdSec         int64  `json:"threshold_sec"`
	OccurredAt           string `json:"occurred_at"`
	RequiresManualReview bool   `json:"requires_manual_review"`
}

// BusSender publishes transition events to a NATS subject.
// Params: server URLs and subject from bus config.
// Returns: bus channel sender.
type BusSender struct {
	subject string
	nc      *nats.Conn
	initErr error
}

// NewBusSender connects to NATS and prepares subject publication.
// Params: bus notifier config.
// Returns: initialized sender; connect errors surface on Send.
func NewBusSender(cfg config.BusNotifier) *BusSender {
	sender := &BusSender{
		subject: strings.TrimSpace(cfg.Subject),
	}
	if sender.subject == "" {
		sender.initErr = errors.New("bus subject is required")
		return sender
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		sender.initErr = fmt.Errorf("connect bus: %w", err)
		return sender
	}
	sender.nc = nc
	return sender
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *BusSender) Channel() string {
	return ChannelBus
}

// Send publishes one transition event to the configured subject.
// Params: context and transition event.
// Returns: publish error.
func (s *BusSender) Send(_ context.Context, event domain.TransitionEvent) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, s.initErr
	}

	body, err := json.Marshal(busEvent{
		EntityID:             event.EntityID,
		OwnerEmail:           event.OwnerEmail,
		Scenario:             string(event.Scenario),
		Criticality:          string(event.Criticality),
		From:                 string(event.From),
		To:                   string(event.To),
		IdleSeconds:          event.IdleSeconds,
		ThresholdSec:         event.ThresholdSec,
		OccurredAt:           event.OccurredAt.UTC().Format(time.RFC3339),
		RequiresManualReview: event.RequiresManualReview,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("encode bus event: %w", err)
	}
	if err := s.nc.Publish(s.subject, body); err != nil {
		return SendResult{}, fmt.Errorf("bus publish: %w", err)
	}
	return SendResult{}, nil
}

// Close releases the bus connection when present.
// Params: none.
// Returns: nil after close.
func (s *BusSender) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}
